package payment

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/karopay/karo/core"
)

var (
	// errors
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrInvoiceNotFound     = errors.New("invoice not found")
	ErrNoActiveSettings    = errors.New("M-Pesa payments are not configured")

	NowFunc = time.Now // mockable
)

// PushRejectedError is returned when the provider refuses an STK push;
// Description carries the provider's message verbatim.
type PushRejectedError struct {
	Code        string
	Description string
}

func (e *PushRejectedError) Error() string {
	if e.Description != "" {
		return e.Description
	}
	return "payment request rejected by provider"
}

// CallbackAck is the fixed acknowledgment payload the provider expects.
// It is returned no matter what happened internally: the provider retries
// the callback on anything but a 2xx, with duplicate semantics.
type CallbackAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

func AcceptedAck() CallbackAck { return CallbackAck{ResultCode: 0, ResultDesc: "Accepted"} }

type (
	// Repository is the ledger store: transactions and payments are owned by
	// this core, invoices are owned by finance and only mutated here.
	Repository interface {
		CreateTransaction(ctx context.Context, tx Transaction) (Transaction, error)
		GetTransactionByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (Transaction, error)
		// CompleteTransaction moves a pending transaction to the given
		// terminal state, writing the result fields along with it. It reports
		// false when the transaction was no longer pending, which makes
		// CheckoutRequestID a natural idempotency token against duplicate
		// callback deliveries.
		CompleteTransaction(ctx context.Context, tx Transaction) (bool, error)
		CreatePayment(ctx context.Context, pmt Payment) (Payment, error)
		QueryPayments(ctx context.Context, filter *QueryFilter, ordering []core.DBOrdering) ([]Payment, error)
		GetInvoiceByID(ctx context.Context, id string) (Invoice, error)
		UpdateInvoiceBalance(ctx context.Context, inv Invoice) (Invoice, error)
		// NextReceiptNumber generates a unique receipt number; delegated to
		// the store so concurrent payments cannot collide.
		NextReceiptNumber(ctx context.Context) (string, error)
		GetActiveMpesaSettings(ctx context.Context) (MpesaSettings, error)
		UpsertMpesaSettings(ctx context.Context, settings MpesaSettings) (MpesaSettings, error)
		GetStudentContact(ctx context.Context, studentID string) (StudentContact, error)
	}

	// Pusher submits STK push requests to the payment provider.
	Pusher interface {
		Push(ctx context.Context, settings MpesaSettings, req PushRequest) (PushResponse, error)
	}

	PushRequest struct {
		PhoneNumber      string
		Amount           decimal.Decimal
		AccountReference string
		Description      string
		CallbackURL      string
	}

	PushResponse struct {
		MerchantRequestID   string
		CheckoutRequestID   string
		ResponseCode        string
		ResponseDescription string
		CustomerMessage     string
	}

	ServiceInterface interface {
		InitiateSTKPush(ctx context.Context, np NewSTKPush) (PushReceipt, error)
		HandleMpesaCallback(ctx context.Context, raw []byte) CallbackAck
		ApplyExternalPayment(ctx context.Context, ext ExternalPayment) (Payment, error)
		GetTransactionByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (Transaction, error)
		QueryPayments(ctx context.Context, filter *QueryFilter, ordering []core.DBOrdering) ([]Payment, error)
		GetInvoiceByID(ctx context.Context, id string) (Invoice, error)
	}

	service struct {
		repo    Repository
		pusher  Pusher
		mailSvc core.EmailService
		logger  core.Logger
		conf    *core.Config
	}
)

var _ ServiceInterface = (*service)(nil)

func NewService(repo Repository, pusher Pusher, mailSvc core.EmailService, logger core.Logger, conf *core.Config) ServiceInterface {
	return &service{
		repo:    repo,
		pusher:  pusher,
		mailSvc: mailSvc,
		logger:  logger,
		conf:    conf,
	}
}

// InitiateSTKPush originates a provider push request and persists a
// correlatable pending transaction. Exactly one transaction row is created
// per successful call; none on any failure path.
func (svc *service) InitiateSTKPush(ctx context.Context, np NewSTKPush) (PushReceipt, error) {
	settings, err := svc.repo.GetActiveMpesaSettings(ctx)
	if err != nil {
		if pkgerrors.Cause(err) == ErrNoActiveSettings {
			return PushReceipt{}, err
		}
		return PushReceipt{}, pkgerrors.Wrap(err, "loading M-Pesa settings")
	}

	phone := NormalizePhone(np.PhoneNumber)

	callbackURL := settings.CallbackURL
	if callbackURL == "" {
		callbackURL = strings.TrimRight(svc.conf.Mpesa.CallbackBaseURL, "/") + "/api/payments/mpesa/callback"
	}
	accountRef := np.AccountReference
	if accountRef == "" {
		accountRef = svc.conf.AppName
	}
	desc := np.TransactionDesc
	if desc == "" {
		desc = "School fee payment"
	}

	res, err := svc.pusher.Push(ctx, settings, PushRequest{
		PhoneNumber:      phone,
		Amount:           np.Amount,
		AccountReference: accountRef,
		Description:      desc,
		CallbackURL:      callbackURL,
	})
	if err != nil {
		return PushReceipt{}, pkgerrors.Wrap(err, "submitting STK push")
	}
	if res.ResponseCode != "0" {
		return PushReceipt{}, &PushRejectedError{Code: res.ResponseCode, Description: res.ResponseDescription}
	}

	now := NowFunc().UTC()
	tx := Transaction{
		CheckoutRequestID: res.CheckoutRequestID,
		MerchantRequestID: res.MerchantRequestID,
		StudentID:         np.StudentID,
		InvoiceID:         np.InvoiceID,
		PhoneNumber:       phone,
		Amount:            np.Amount,
		AccountReference:  accountRef,
		Description:       desc,
		Status:            TxStatusPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if _, err = svc.repo.CreateTransaction(ctx, tx); err != nil {
		return PushReceipt{}, pkgerrors.Wrap(err, "recording pending transaction")
	}

	return PushReceipt{
		CheckoutRequestID: res.CheckoutRequestID,
		MerchantRequestID: res.MerchantRequestID,
		CustomerMessage:   res.CustomerMessage,
	}, nil
}

// HandleMpesaCallback consumes the asynchronous, untrusted provider webhook
// and converges ledger state. Every path terminates with the fixed
// acknowledgment: a malformed body, an unknown transaction, a ledger failure
// or a panic must never surface to the provider.
func (svc *service) HandleMpesaCallback(ctx context.Context, raw []byte) (ack CallbackAck) {
	ack = AcceptedAck()

	defer func() {
		if r := recover(); r != nil {
			svc.logger.Error(fmt.Sprintf("M-Pesa callback panic: %v", r))
		}
	}()

	cb, err := DecodeCallback(raw)
	if err != nil {
		svc.logger.Warn(fmt.Sprintf("discarding malformed M-Pesa callback: %v", err))
		return
	}

	tx, err := svc.repo.GetTransactionByCheckoutRequestID(ctx, cb.CheckoutRequestID)
	if err != nil {
		if pkgerrors.Cause(err) == ErrTransactionNotFound {
			svc.logger.Warn(fmt.Sprintf("M-Pesa callback for unknown CheckoutRequestID %q", cb.CheckoutRequestID))
		} else {
			svc.logger.Error(fmt.Sprintf("loading transaction %q: %v", cb.CheckoutRequestID, err), err)
		}
		return
	}

	if cb.Succeeded() {
		svc.settleTransaction(ctx, tx, cb)
	} else {
		svc.failTransaction(ctx, tx, cb)
	}
	return
}

func (svc *service) failTransaction(ctx context.Context, tx Transaction, cb *StkCallback) {
	tx.Status = TxStatusFailed
	if cb.Cancelled() {
		tx.Status = TxStatusCancelled
	}
	code := cb.ResultCode
	tx.ResultCode = &code
	tx.ResultDesc = cb.ResultDesc
	tx.UpdatedAt = NowFunc().UTC()

	if _, err := svc.repo.CompleteTransaction(ctx, tx); err != nil {
		svc.logger.Error(fmt.Sprintf("marking transaction %q %s: %v", tx.CheckoutRequestID, tx.Status, err), err)
	}
}

func (svc *service) settleTransaction(ctx context.Context, tx Transaction, cb *StkCallback) {
	// any metadata item missing from the callback falls back to the value
	// recorded at push time
	md := cb.Metadata()
	if md.Amount != nil {
		tx.Amount = *md.Amount
	}
	if md.MpesaReceiptNumber != nil {
		tx.MpesaReceiptNumber = *md.MpesaReceiptNumber
	}
	if md.PhoneNumber != nil {
		tx.PhoneNumber = NormalizePhone(*md.PhoneNumber)
	}
	if md.TransactionDate != nil {
		tx.TransactionDate = *md.TransactionDate
	} else {
		tx.TransactionDate = NowFunc()
	}

	code := cb.ResultCode
	tx.Status = TxStatusSuccess
	tx.ResultCode = &code
	tx.ResultDesc = cb.ResultDesc
	tx.UpdatedAt = NowFunc().UTC()

	// Check-and-set pending -> success before touching the ledger: the
	// transaction row doubles as the idempotency token, so a duplicate
	// delivery of the same callback cannot double-apply the payment.
	won, err := svc.repo.CompleteTransaction(ctx, tx)
	if err != nil {
		svc.logger.Error(fmt.Sprintf("marking transaction %q success: %v", tx.CheckoutRequestID, err), err)
		return
	}
	if !won {
		svc.logger.Info(fmt.Sprintf("duplicate M-Pesa callback for %q ignored", tx.CheckoutRequestID))
		return
	}

	if tx.InvoiceID == "" {
		return
	}

	pmt := Payment{
		StudentID:       tx.StudentID,
		InvoiceID:       tx.InvoiceID,
		PaymentDate:     tx.TransactionDate,
		Amount:          tx.Amount,
		Method:          MethodMpesa,
		ReferenceNumber: tx.MpesaReceiptNumber,
		Status:          PaymentStatusCompleted,
	}
	pmt, err = svc.applyToInvoice(ctx, pmt)
	if err != nil {
		// the transaction is already terminal: the ledger is now inconsistent
		// until an operator reconciles it manually
		svc.logger.Error(fmt.Sprintf("applying payment for %q: %v", tx.CheckoutRequestID, err), err)
		return
	}

	svc.sendReceiptMail(ctx, pmt)
}

// applyToInvoice generates a receipt number, inserts the payment row and
// read-modify-writes the invoice balance. The writes are sequential with no
// cross-table transaction; a failure between them is logged by the caller.
func (svc *service) applyToInvoice(ctx context.Context, pmt Payment) (Payment, error) {
	receiptNo, err := svc.repo.NextReceiptNumber(ctx)
	if err != nil {
		return Payment{}, pkgerrors.Wrap(err, "generating receipt number")
	}
	pmt.ReceiptNumber = receiptNo

	inv, err := svc.repo.GetInvoiceByID(ctx, pmt.InvoiceID)
	if err != nil {
		return Payment{}, pkgerrors.Wrap(err, "loading invoice")
	}

	if pmt.Notes == "" {
		pmt.Notes = pmt.Method + " " + pmt.ReferenceNumber
	}
	if excess := pmt.Amount.Sub(inv.BalanceDue); excess.IsPositive() {
		// the clamp below absorbs the excess; keep it visible on the receipt
		pmt.Notes += fmt.Sprintf(" (overpayment of %s absorbed)", excess.StringFixed(2))
	}

	pmt, err = svc.repo.CreatePayment(ctx, pmt)
	if err != nil {
		return Payment{}, pkgerrors.Wrap(err, "inserting payment")
	}

	if _, err = svc.repo.UpdateInvoiceBalance(ctx, Reconcile(inv, pmt.Amount)); err != nil {
		return Payment{}, pkgerrors.Wrap(err, "updating invoice balance")
	}
	return pmt, nil
}

// Reconcile applies a received amount to an invoice:
// balance' = max(0, balance - amount); amountPaid' = total - balance';
// status' = paid when the balance reaches zero, partial otherwise.
// Overpayment clamps the balance at zero.
func Reconcile(inv Invoice, amount decimal.Decimal) Invoice {
	balance := inv.BalanceDue.Sub(amount)
	if balance.IsNegative() {
		balance = decimal.Zero
	}
	inv.BalanceDue = balance
	inv.AmountPaid = inv.TotalAmount.Sub(balance)
	if balance.IsZero() {
		inv.Status = InvoiceStatusPaid
	} else {
		inv.Status = InvoiceStatusPartial
	}
	inv.UpdatedAt = NowFunc().UTC()
	return inv
}

// ApplyExternalPayment records a payment settled by a non-STK channel and
// reconciles the invoice through the same path as a successful callback.
func (svc *service) ApplyExternalPayment(ctx context.Context, ext ExternalPayment) (Payment, error) {
	pmt := Payment{
		StudentID:       ext.StudentID,
		InvoiceID:       ext.InvoiceID,
		PaymentDate:     ext.PaymentDate,
		Amount:          ext.Amount,
		Method:          ext.Method,
		ReferenceNumber: ext.ReferenceNumber,
		Status:          PaymentStatusCompleted,
	}
	if pmt.PaymentDate.IsZero() {
		pmt.PaymentDate = NowFunc().UTC()
	}

	pmt, err := svc.applyToInvoice(ctx, pmt)
	if err != nil {
		return Payment{}, err
	}
	svc.sendReceiptMail(ctx, pmt)
	return pmt, nil
}

func (svc *service) GetTransactionByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (Transaction, error) {
	return svc.repo.GetTransactionByCheckoutRequestID(ctx, core.CleanString(checkoutRequestID))
}

func (svc *service) QueryPayments(ctx context.Context, filter *QueryFilter, ordering []core.DBOrdering) ([]Payment, error) {
	return svc.repo.QueryPayments(ctx, filter, ordering)
}

func (svc *service) GetInvoiceByID(ctx context.Context, id string) (Invoice, error) {
	return svc.repo.GetInvoiceByID(ctx, core.CleanString(id))
}

type receiptMailData struct {
	StudentName   string
	ReceiptNumber string
	Amount        string
	Method        string
	Reference     string
	PaymentDate   string
}

func (svc *service) sendReceiptMail(ctx context.Context, pmt Payment) {
	if svc.mailSvc == nil || pmt.StudentID == "" {
		return
	}

	contact, err := svc.repo.GetStudentContact(ctx, pmt.StudentID)
	if err != nil {
		svc.logger.Warn(fmt.Sprintf("looking up student %q for receipt mail: %v", pmt.StudentID, err))
		return
	}
	if contact.Email == "" {
		return
	}

	svc.mailSvc.SendMessages(&core.EmailMessage{
		To:           []mail.Address{{Name: contact.Name, Address: contact.Email}},
		Subject:      "Payment received - receipt " + pmt.ReceiptNumber,
		TemplateName: "payment_receipt",
		TemplateData: receiptMailData{
			StudentName:   contact.Name,
			ReceiptNumber: pmt.ReceiptNumber,
			Amount:        "KES " + pmt.Amount.StringFixed(2),
			Method:        pmt.Method,
			Reference:     pmt.ReferenceNumber,
			PaymentDate:   pmt.PaymentDate.Format("02 Jan 2006 15:04"),
		},
	})
}
