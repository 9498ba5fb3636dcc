package main

import (
	"context"
	"fmt"

	"github.com/karopay/karo/core"
	"github.com/karopay/karo/core/payment"
)

// addMpesaSettings updates or creates the Daraja merchant credentials for an
// environment; with -activate they become the single active configuration.
func (cli *commandLine) addMpesaSettings(settings payment.MpesaSettings) error {
	settings.Shortcode = core.CleanString(settings.Shortcode)
	settings.Environment = core.CleanString(settings.Environment, true /* lower */)

	if settings.Environment != "sandbox" && settings.Environment != "production" {
		return fmt.Errorf("unknown environment %q", settings.Environment)
	}

	saved, err := cli.pmtRepo.UpsertMpesaSettings(context.Background(), settings)
	if err != nil {
		return err
	}

	state := "inactive"
	if saved.IsActive {
		state = "active"
	}
	fmt.Printf("M-Pesa settings saved for shortcode %s (%s, %s)\n", saved.Shortcode, saved.Environment, state)
	return nil
}
