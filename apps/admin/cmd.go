package main

import (
	"errors"
	"flag"
	"fmt"
	"syscall"

	"github.com/jmoiron/sqlx"
	"golang.org/x/term"

	"github.com/karopay/karo/core/payment"
	"github.com/karopay/karo/core/user"
)

var (
	readPasswordFunc = term.ReadPassword // mockable

	errHelp = errors.New("help provided")
)

type commandLine struct {
	db      *sqlx.DB
	usrSvc  user.ServiceInterface
	pmtRepo payment.Repository
}

func (cli *commandLine) printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  migrate - apply pending database migrations")
	fmt.Println("  adduser -username USERNAME -email EMAIL [-admin] [-finance] - create a user; the password will be prompted")
	fmt.Println("  resetpassword -username USERNAME|EMAIL - reset user's password")
	fmt.Println("  addmpesa -shortcode CODE -passkey KEY -key KEY -secret SECRET [-env sandbox|production] [-callback URL] [-activate] - configure M-Pesa credentials")
}

func (cli *commandLine) run(args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}

	addUserCmd := flag.NewFlagSet("adduser", flag.ExitOnError)
	addUserUname := addUserCmd.String("username", "", "The new user's username.")
	addUserEmail := addUserCmd.String("email", "", "The new user's email.")
	addUserAdmin := addUserCmd.Bool("admin", false, "Grant the admin role.")
	addUserFinance := addUserCmd.Bool("finance", false, "Grant the finance role.")

	resetPasswordCmd := flag.NewFlagSet("resetpassword", flag.ExitOnError)
	resetPasswordUname := resetPasswordCmd.String("username", "", "The user's username or email. The password will be prompted next.")

	addMpesaCmd := flag.NewFlagSet("addmpesa", flag.ExitOnError)
	addMpesaShortcode := addMpesaCmd.String("shortcode", "", "The business shortcode (paybill or till number).")
	addMpesaPasskey := addMpesaCmd.String("passkey", "", "The Lipa Na M-Pesa online passkey.")
	addMpesaKey := addMpesaCmd.String("key", "", "The Daraja app consumer key.")
	addMpesaSecret := addMpesaCmd.String("secret", "", "The Daraja app consumer secret.")
	addMpesaEnv := addMpesaCmd.String("env", "sandbox", "Target environment: sandbox or production.")
	addMpesaCallback := addMpesaCmd.String("callback", "", "Callback URL override; defaults to the app's own callback endpoint.")
	addMpesaActivate := addMpesaCmd.Bool("activate", false, "Make these the active credentials.")

	switch args[1] {
	case "migrate":
		return cli.migrate()
	case "adduser":
		if err := addUserCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *addUserUname == "" || *addUserEmail == "" {
			addUserCmd.Usage()
			return errHelp
		}
		pwd, err := cli.promptPassword()
		if err != nil {
			if err == errHelp {
				addUserCmd.Usage()
			}
			return err
		}
		return cli.addUser(*addUserUname, *addUserEmail, pwd, *addUserAdmin, *addUserFinance)
	case "resetpassword":
		if err := resetPasswordCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *resetPasswordUname == "" {
			resetPasswordCmd.Usage()
			return errHelp
		}
		pwd, err := cli.promptPassword()
		if err != nil {
			if err == errHelp {
				resetPasswordCmd.Usage()
			}
			return err
		}
		return cli.resetPassword(*resetPasswordUname, pwd)
	case "addmpesa":
		if err := addMpesaCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *addMpesaShortcode == "" || *addMpesaPasskey == "" || *addMpesaKey == "" || *addMpesaSecret == "" {
			addMpesaCmd.Usage()
			return errHelp
		}
		return cli.addMpesaSettings(payment.MpesaSettings{
			Shortcode:      *addMpesaShortcode,
			Passkey:        *addMpesaPasskey,
			ConsumerKey:    *addMpesaKey,
			ConsumerSecret: *addMpesaSecret,
			Environment:    *addMpesaEnv,
			CallbackURL:    *addMpesaCallback,
			IsActive:       *addMpesaActivate,
		})
	default:
		cli.printUsage()
		return errHelp
	}
}

func (cli *commandLine) promptPassword() (string, error) {
	fmt.Print("Enter password:")
	pwd, err := readPasswordFunc(syscall.Stdin)
	fmt.Println()
	if err != nil {
		return "", err
	}
	if len(pwd) == 0 {
		return "", errHelp
	}
	return string(pwd), nil
}
