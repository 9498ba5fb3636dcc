package echoapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	stripe "github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/webhook"

	"github.com/karopay/karo/core"
	"github.com/karopay/karo/core/payment"
)

const stripeBodyLimit = 1 << 16

type stripeApi struct {
	svc    payment.ServiceInterface
	logger core.Logger
	conf   *core.Config
}

func registerStripeAPI(g *echo.Group, svc payment.ServiceInterface, logger core.Logger, conf *core.Config) {
	api := stripeApi{
		svc:    svc,
		logger: logger,
		conf:   conf,
	}

	// un-authed endpoint: authenticity comes from the signature header
	g.POST("/payments/stripe/webhook", api.webhook)
}

func (api *stripeApi) webhook(ctx echo.Context) error {
	payload, err := io.ReadAll(io.LimitReader(ctx.Request().Body, stripeBodyLimit))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "reading payload")
	}

	event, err := webhook.ConstructEvent(payload, ctx.Request().Header.Get("Stripe-Signature"), api.conf.Stripe.WebhookSecret)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid signature")
	}

	if event.Type == "payment_intent.succeeded" {
		var pi stripe.PaymentIntent
		if err = json.Unmarshal(event.Data.Raw, &pi); err != nil {
			api.logger.Warn(fmt.Sprintf("parsing stripe event %q: %v", event.ID, err))
			return ctx.NoContent(http.StatusOK)
		}

		ext := payment.ExternalPayment{
			StudentID:       pi.Metadata["student_id"],
			InvoiceID:       pi.Metadata["invoice_id"],
			Amount:          decimal.New(pi.Amount, -2), // stripe amounts are in cents
			Method:          payment.MethodCard,
			ReferenceNumber: pi.ID,
		}
		if ext.InvoiceID == "" {
			api.logger.Warn(fmt.Sprintf("stripe payment %q has no invoice_id metadata", pi.ID))
			return ctx.NoContent(http.StatusOK)
		}

		// once the signature checks out the event is acknowledged; failures
		// here are ours to replay, not Stripe's
		if _, err = api.svc.ApplyExternalPayment(ctx.Request().Context(), ext); err != nil {
			api.logger.Error(fmt.Sprintf("applying stripe payment %q: %v", pi.ID, err), errors.Wrap(err, "applying stripe payment"))
		}
	}

	return ctx.NoContent(http.StatusOK)
}
