package echoapi

import (
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/karopay/karo/core/payment"
	"github.com/karopay/karo/core/user"
)

// callbackBodyLimit caps the provider callback body; Daraja payloads are
// well under 1 KiB.
const callbackBodyLimit = 1 << 20

type paymentApi struct {
	svc      payment.ServiceInterface
	usrSvc   user.ServiceInterface
	validate *validator.Validate
}

func registerPaymentAPI(
	g *echo.Group,
	jwt echo.MiddlewareFunc,
	svc payment.ServiceInterface,
	usrSvc user.ServiceInterface,
	validate *validator.Validate,
) {
	api := paymentApi{
		svc:      svc,
		usrSvc:   usrSvc,
		validate: validate,
	}

	pg := g.Group("/payments")

	// un-authed endpoint: the provider calls back here. Correlation happens
	// via CheckoutRequestID, never via credentials.
	pg.POST("/mpesa/callback", api.mpesaCallback)

	// authed endpoints
	ag := pg.Group("", jwt)
	ag.POST("/mpesa/initiate", api.initiate)
	ag.GET("/mpesa/status/:checkoutRequestID", api.transactionStatus)
	ag.GET("", api.query, financeMiddleware())

	ig := g.Group("/invoices", jwt)
	ig.GET("/:id", api.retrieveInvoice)
}

// Handlers

func (api *paymentApi) initiate(ctx echo.Context) error {
	var data payment.NewSTKPush
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewSTKPush")
	}

	// students can only initiate payments for themselves
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}
	if !(claims.IsAdmin || claims.IsFinance) {
		data.StudentID = claims.Subject
	}

	if err := data.Validate(api.validate); err != nil {
		return err
	}

	receipt, err := api.svc.InitiateSTKPush(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "initiating STK push")
	}

	return ctx.JSON(http.StatusAccepted, receipt)
}

// mpesaCallback acknowledges every delivery with the fixed payload; the
// provider retries on anything else and retries carry duplicate semantics.
func (api *paymentApi) mpesaCallback(ctx echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(ctx.Request().Body, callbackBodyLimit))
	if err != nil {
		return ctx.JSON(http.StatusOK, payment.AcceptedAck())
	}
	return ctx.JSON(http.StatusOK, api.svc.HandleMpesaCallback(ctx.Request().Context(), body))
}

func (api *paymentApi) transactionStatus(ctx echo.Context) error {
	tx, err := api.svc.GetTransactionByCheckoutRequestID(ctx.Request().Context(), ctx.Param("checkoutRequestID"))
	if err != nil {
		if errors.Cause(err) == payment.ErrTransactionNotFound {
			return errHttpNotFound
		}
		return errors.Wrap(err, "getting transaction")
	}

	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}
	if !(claims.IsAdmin || claims.IsFinance) && tx.StudentID != "" && tx.StudentID != claims.Subject {
		return errHttpNotFound
	}

	return ctx.JSON(http.StatusOK, tx)
}

func (api *paymentApi) query(ctx echo.Context) error {
	filter := new(payment.QueryFilter)
	if err := ctx.Bind(filter); err != nil {
		return ctx.JSON(http.StatusOK, []payment.Payment{})
	}
	filter.Clean()
	ordering := new(Ordering)
	ordering.Bind(ctx)

	payments, err := api.svc.QueryPayments(ctx.Request().Context(), filter, ordering.Orderings)
	if err != nil {
		return errors.Wrap(err, "querying payments")
	}
	if payments == nil {
		payments = []payment.Payment{}
	}
	return ctx.JSON(http.StatusOK, payments)
}

func (api *paymentApi) retrieveInvoice(ctx echo.Context) error {
	inv, err := api.svc.GetInvoiceByID(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		if errors.Cause(err) == payment.ErrInvoiceNotFound {
			return errHttpNotFound
		}
		return errors.Wrap(err, "getting invoice")
	}

	// students can only see their own invoices
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}
	if !(claims.IsAdmin || claims.IsFinance) && inv.StudentID != claims.Subject {
		return errHttpNotFound
	}

	return ctx.JSON(http.StatusOK, inv)
}
