package payment

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/karopay/karo/core"
)

// Transaction statuses. A transaction is created pending and transitions
// exactly once to a terminal state when the provider callback arrives.
// A transaction that never receives a callback stays pending.
type TransactionStatus string

const (
	TxStatusPending   TransactionStatus = "pending"
	TxStatusSuccess   TransactionStatus = "success"
	TxStatusFailed    TransactionStatus = "failed"
	TxStatusCancelled TransactionStatus = "cancelled"
)

func (s TransactionStatus) Terminal() bool { return s != TxStatusPending }

type InvoiceStatus string

const (
	InvoiceStatusPending InvoiceStatus = "pending"
	InvoiceStatusPartial InvoiceStatus = "partial"
	InvoiceStatusPaid    InvoiceStatus = "paid"
	InvoiceStatusOverdue InvoiceStatus = "overdue"
)

// Payment methods
const (
	MethodMpesa = "M-Pesa"
	MethodCard  = "Card"
)

const PaymentStatusCompleted = "Completed"

// Transaction records one STK push attempt. CheckoutRequestID is assigned by
// the provider at push time and is the correlation key for the callback.
type Transaction struct {
	ID                 string            `json:"id"`
	CheckoutRequestID  string            `json:"checkout_request_id"`
	MerchantRequestID  string            `json:"merchant_request_id"`
	StudentID          string            `json:"student_id,omitempty"`
	InvoiceID          string            `json:"invoice_id,omitempty"`
	PhoneNumber        string            `json:"phone_number"`
	Amount             decimal.Decimal   `json:"amount"`
	AccountReference   string            `json:"account_reference,omitempty"`
	Description        string            `json:"description,omitempty"`
	Status             TransactionStatus `json:"status"`
	ResultCode         *int              `json:"result_code,omitempty"`
	ResultDesc         string            `json:"result_desc,omitempty"`
	MpesaReceiptNumber string            `json:"mpesa_receipt_number,omitempty"`
	TransactionDate    time.Time         `json:"transaction_date,omitempty"` // zero while pending
	CreatedAt          time.Time         `json:"created_at"`                 // UTC
	UpdatedAt          time.Time         `json:"updated_at"`                 // UTC
}

// Payment is the ledger entry created when a transaction succeeds against an
// invoice. ReceiptNumber is ours; ReferenceNumber is the provider's receipt.
type Payment struct {
	ID              string          `json:"id"`
	ReceiptNumber   string          `json:"receipt_number"`
	StudentID       string          `json:"student_id,omitempty"`
	InvoiceID       string          `json:"invoice_id"`
	PaymentDate     time.Time       `json:"payment_date"`
	Amount          decimal.Decimal `json:"amount"`
	Method          string          `json:"method"`
	ReferenceNumber string          `json:"reference_number,omitempty"`
	Notes           string          `json:"notes,omitempty"`
	Status          string          `json:"status"`
	CreatedAt       time.Time       `json:"created_at"` // UTC
}

// Invoice is owned by the finance module; this core only mutates its balance
// and status as a side effect of a successful payment.
type Invoice struct {
	ID            string          `json:"id"`
	InvoiceNumber string          `json:"invoice_number"`
	StudentID     string          `json:"student_id"`
	Description   string          `json:"description,omitempty"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	AmountPaid    decimal.Decimal `json:"amount_paid"`
	BalanceDue    decimal.Decimal `json:"balance_due"`
	Status        InvoiceStatus   `json:"status"`
	DueDate       time.Time       `json:"due_date,omitempty"`
	CreatedAt     time.Time       `json:"created_at"` // UTC
	UpdatedAt     time.Time       `json:"updated_at"` // UTC
}

// MpesaSettings is the per-environment Daraja merchant configuration.
// Exactly one row may be active at a time; managed via the admin CLI.
type MpesaSettings struct {
	ID             string    `json:"id"`
	Shortcode      string    `json:"shortcode"`
	Passkey        string    `json:"-"`
	ConsumerKey    string    `json:"-"`
	ConsumerSecret string    `json:"-"`
	Environment    string    `json:"environment"` // sandbox | production
	CallbackURL    string    `json:"callback_url,omitempty"`
	IsActive       bool      `json:"is_active"`
	UpdatedAt      time.Time `json:"updated_at"` // UTC
}

// NewSTKPush contains information needed to originate an STK push.
type NewSTKPush struct {
	PhoneNumber      string          `json:"phone_number" validate:"required,kephone"`
	Amount           decimal.Decimal `json:"amount"`
	StudentID        string          `json:"student_id,omitempty" validate:"omitempty,uuid4"`
	InvoiceID        string          `json:"invoice_id,omitempty" validate:"omitempty,uuid4"`
	AccountReference string          `json:"account_reference,omitempty" validate:"omitempty,max=20"`
	TransactionDesc  string          `json:"transaction_desc,omitempty" validate:"omitempty,max=100"`
}

func (np *NewSTKPush) Validate(validate *validator.Validate) error {
	np.PhoneNumber = core.CleanString(np.PhoneNumber)
	np.AccountReference = core.CleanString(np.AccountReference)
	np.TransactionDesc = core.CleanString(np.TransactionDesc)

	if err := validate.Struct(np); err != nil {
		return err
	}
	if !np.Amount.IsPositive() {
		return core.NewValidationError(nil, core.FieldError{Field: "amount", Error: "a positive amount is required"})
	}
	return nil
}

// PushReceipt is returned to the caller on a successful initiation;
// the UI polls the transaction status with CheckoutRequestID.
type PushReceipt struct {
	CheckoutRequestID string `json:"checkout_request_id"`
	MerchantRequestID string `json:"merchant_request_id"`
	CustomerMessage   string `json:"customer_message,omitempty"`
}

// ExternalPayment is a settled payment reported by a non-STK channel
// (e.g. a card processor webhook); it goes through the same reconciliation.
type ExternalPayment struct {
	StudentID       string
	InvoiceID       string
	Amount          decimal.Decimal
	Method          string
	ReferenceNumber string
	PaymentDate     time.Time
}

// StudentContact is the minimal student info needed for receipt notifications.
type StudentContact struct {
	Name  string
	Email string
}

type QueryFilter struct {
	StudentID string    `query:"student_id"`
	InvoiceID string    `query:"invoice_id"`
	Method    string    `query:"method"`
	From      time.Time `query:"from"`
	To        time.Time `query:"to"`
}

func (qf *QueryFilter) IsEmpty() bool {
	return qf.StudentID == "" && qf.InvoiceID == "" && qf.Method == "" && qf.From.IsZero() && qf.To.IsZero()
}

func (qf *QueryFilter) Clean() {
	qf.StudentID = core.CleanString(qf.StudentID)
	qf.InvoiceID = core.CleanString(qf.InvoiceID)
	qf.Method = core.CleanString(qf.Method)
}
