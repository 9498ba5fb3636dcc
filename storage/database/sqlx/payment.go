package sqlxrepos

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/volatiletech/null/v8"

	"github.com/karopay/karo/core"
	"github.com/karopay/karo/core/payment"
)

type paymentRepository struct {
	db *sqlx.DB
}

var _ payment.Repository = (*paymentRepository)(nil) // interface compliance check

func NewPaymentRepository(db *sqlx.DB) *paymentRepository {
	return &paymentRepository{db: db}
}

type transactionRow struct {
	ID                 string          `db:"id"`
	CheckoutRequestID  string          `db:"checkout_request_id"`
	MerchantRequestID  null.String     `db:"merchant_request_id"`
	StudentID          null.String     `db:"student_id"`
	InvoiceID          null.String     `db:"invoice_id"`
	PhoneNumber        string          `db:"phone_number"`
	Amount             decimal.Decimal `db:"amount"`
	AccountReference   null.String     `db:"account_reference"`
	Description        null.String     `db:"description"`
	Status             string          `db:"status"`
	ResultCode         null.Int        `db:"result_code"`
	ResultDesc         null.String     `db:"result_desc"`
	MpesaReceiptNumber null.String     `db:"mpesa_receipt_number"`
	TransactionDate    null.Time       `db:"transaction_date"`
	CreatedAt          time.Time       `db:"created_at"`
	UpdatedAt          time.Time       `db:"updated_at"`
}

func (repo paymentRepository) rowFromTransaction(tx payment.Transaction) transactionRow {
	row := transactionRow{
		ID:                 tx.ID,
		CheckoutRequestID:  tx.CheckoutRequestID,
		MerchantRequestID:  null.NewString(tx.MerchantRequestID, tx.MerchantRequestID != ""),
		StudentID:          null.NewString(tx.StudentID, tx.StudentID != ""),
		InvoiceID:          null.NewString(tx.InvoiceID, tx.InvoiceID != ""),
		PhoneNumber:        tx.PhoneNumber,
		Amount:             tx.Amount,
		AccountReference:   null.NewString(tx.AccountReference, tx.AccountReference != ""),
		Description:        null.NewString(tx.Description, tx.Description != ""),
		Status:             string(tx.Status),
		ResultDesc:         null.NewString(tx.ResultDesc, tx.ResultDesc != ""),
		MpesaReceiptNumber: null.NewString(tx.MpesaReceiptNumber, tx.MpesaReceiptNumber != ""),
		TransactionDate:    null.NewTime(tx.TransactionDate, !tx.TransactionDate.IsZero()),
		CreatedAt:          tx.CreatedAt.UTC(),
		UpdatedAt:          tx.UpdatedAt.UTC(),
	}
	if tx.ResultCode != nil {
		row.ResultCode = null.IntFrom(*tx.ResultCode)
	}
	return row
}

func (repo paymentRepository) transactionFromRow(row transactionRow) payment.Transaction {
	tx := payment.Transaction{
		ID:                 row.ID,
		CheckoutRequestID:  row.CheckoutRequestID,
		MerchantRequestID:  row.MerchantRequestID.String,
		StudentID:          row.StudentID.String,
		InvoiceID:          row.InvoiceID.String,
		PhoneNumber:        row.PhoneNumber,
		Amount:             row.Amount,
		AccountReference:   row.AccountReference.String,
		Description:        row.Description.String,
		Status:             payment.TransactionStatus(row.Status),
		ResultDesc:         row.ResultDesc.String,
		MpesaReceiptNumber: row.MpesaReceiptNumber.String,
		TransactionDate:    row.TransactionDate.Time,
		CreatedAt:          row.CreatedAt,
		UpdatedAt:          row.UpdatedAt,
	}
	if row.ResultCode.Valid {
		code := row.ResultCode.Int
		tx.ResultCode = &code
	}
	return tx
}

func (repo paymentRepository) CreateTransaction(ctx context.Context, tx payment.Transaction) (payment.Transaction, error) {
	tx.ID = uuid.New().String()
	row := repo.rowFromTransaction(tx)
	_, err := repo.db.NamedExecContext(ctx, `
		INSERT INTO transactions (
			id, checkout_request_id, merchant_request_id, student_id, invoice_id,
			phone_number, amount, account_reference, description, status,
			created_at, updated_at
		) VALUES (
			:id, :checkout_request_id, :merchant_request_id, :student_id, :invoice_id,
			:phone_number, :amount, :account_reference, :description, :status,
			:created_at, :updated_at
		)`, row)
	if err != nil {
		return payment.Transaction{}, errors.Wrap(err, "inserting transaction")
	}
	return tx, nil
}

func (repo paymentRepository) GetTransactionByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (payment.Transaction, error) {
	var row transactionRow
	err := repo.db.GetContext(ctx, &row,
		`SELECT * FROM transactions WHERE checkout_request_id = $1`, checkoutRequestID)
	if err != nil {
		if err == sql.ErrNoRows {
			return payment.Transaction{}, payment.ErrTransactionNotFound
		}
		return payment.Transaction{}, errors.Wrap(err, "getting transaction")
	}
	return repo.transactionFromRow(row), nil
}

// CompleteTransaction moves a pending transaction to a terminal state.
// The status guard in the WHERE clause makes the update a check-and-set:
// a duplicate callback loses the race and reports false.
func (repo paymentRepository) CompleteTransaction(ctx context.Context, tx payment.Transaction) (bool, error) {
	row := repo.rowFromTransaction(tx)
	res, err := repo.db.ExecContext(ctx, `
		UPDATE transactions
		SET status = $1, result_code = $2, result_desc = $3, mpesa_receipt_number = $4,
		    transaction_date = $5, amount = $6, phone_number = $7, updated_at = $8
		WHERE checkout_request_id = $9 AND status = $10`,
		row.Status, row.ResultCode, row.ResultDesc, row.MpesaReceiptNumber,
		row.TransactionDate, row.Amount, row.PhoneNumber, row.UpdatedAt,
		row.CheckoutRequestID, string(payment.TxStatusPending),
	)
	if err != nil {
		return false, errors.Wrap(err, "completing transaction")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "completing transaction")
	}
	return n == 1, nil
}

type paymentRow struct {
	ID              string          `db:"id"`
	ReceiptNumber   string          `db:"receipt_number"`
	StudentID       null.String     `db:"student_id"`
	InvoiceID       null.String     `db:"invoice_id"`
	PaymentDate     time.Time       `db:"payment_date"`
	Amount          decimal.Decimal `db:"amount"`
	Method          string          `db:"method"`
	ReferenceNumber null.String     `db:"reference_number"`
	Notes           null.String     `db:"notes"`
	Status          string          `db:"status"`
	CreatedAt       time.Time       `db:"created_at"`
}

func (repo paymentRepository) paymentFromRow(row paymentRow) payment.Payment {
	return payment.Payment{
		ID:              row.ID,
		ReceiptNumber:   row.ReceiptNumber,
		StudentID:       row.StudentID.String,
		InvoiceID:       row.InvoiceID.String,
		PaymentDate:     row.PaymentDate,
		Amount:          row.Amount,
		Method:          row.Method,
		ReferenceNumber: row.ReferenceNumber.String,
		Notes:           row.Notes.String,
		Status:          row.Status,
		CreatedAt:       row.CreatedAt,
	}
}

func (repo paymentRepository) CreatePayment(ctx context.Context, pmt payment.Payment) (payment.Payment, error) {
	pmt.ID = uuid.New().String()
	if pmt.CreatedAt.IsZero() {
		pmt.CreatedAt = time.Now().UTC()
	}
	row := paymentRow{
		ID:              pmt.ID,
		ReceiptNumber:   pmt.ReceiptNumber,
		StudentID:       null.NewString(pmt.StudentID, pmt.StudentID != ""),
		InvoiceID:       null.NewString(pmt.InvoiceID, pmt.InvoiceID != ""),
		PaymentDate:     pmt.PaymentDate,
		Amount:          pmt.Amount,
		Method:          pmt.Method,
		ReferenceNumber: null.NewString(pmt.ReferenceNumber, pmt.ReferenceNumber != ""),
		Notes:           null.NewString(pmt.Notes, pmt.Notes != ""),
		Status:          pmt.Status,
		CreatedAt:       pmt.CreatedAt,
	}
	_, err := repo.db.NamedExecContext(ctx, `
		INSERT INTO payments (
			id, receipt_number, student_id, invoice_id, payment_date,
			amount, method, reference_number, notes, status, created_at
		) VALUES (
			:id, :receipt_number, :student_id, :invoice_id, :payment_date,
			:amount, :method, :reference_number, :notes, :status, :created_at
		)`, row)
	if err != nil {
		return payment.Payment{}, errors.Wrap(err, "inserting payment")
	}
	return pmt, nil
}

func (repo paymentRepository) QueryPayments(ctx context.Context, filter *payment.QueryFilter, ordering []core.DBOrdering) ([]payment.Payment, error) {
	query := `SELECT * FROM payments`
	var conds []string
	var args []interface{}

	appendCond := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if filter != nil {
		if filter.StudentID != "" {
			appendCond("student_id = $%d", filter.StudentID)
		}
		if filter.InvoiceID != "" {
			appendCond("invoice_id = $%d", filter.InvoiceID)
		}
		if filter.Method != "" {
			appendCond("method = $%d", filter.Method)
		}
		if !filter.From.IsZero() {
			appendCond("payment_date >= $%d", filter.From)
		}
		if !filter.To.IsZero() {
			appendCond("payment_date <= $%d", filter.To)
		}
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	if len(ordering) > 0 {
		ords := make([]string, 0, len(ordering))
		for _, ord := range ordering {
			if column, ok := paymentOrderColumns[ord.Field]; ok {
				ord.Field = column
				ords = append(ords, ord.String())
			}
		}
		if len(ords) > 0 {
			query += " ORDER BY " + strings.Join(ords, ", ")
		}
	} else {
		query += " ORDER BY payment_date DESC"
	}

	var rows []paymentRow
	if err := repo.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errors.Wrap(err, "querying payments")
	}
	payments := make([]payment.Payment, 0, len(rows))
	for _, row := range rows {
		payments = append(payments, repo.paymentFromRow(row))
	}
	return payments, nil
}

// paymentOrderColumns whitelists orderable columns; unknown fields are dropped.
var paymentOrderColumns = map[string]string{
	"payment_date":   "payment_date",
	"amount":         "amount",
	"receipt_number": "receipt_number",
	"method":         "method",
	"created_at":     "created_at",
}

type invoiceRow struct {
	ID            string          `db:"id"`
	InvoiceNumber string          `db:"invoice_number"`
	StudentID     null.String     `db:"student_id"`
	Description   null.String     `db:"description"`
	TotalAmount   decimal.Decimal `db:"total_amount"`
	AmountPaid    decimal.Decimal `db:"amount_paid"`
	BalanceDue    decimal.Decimal `db:"balance_due"`
	Status        string          `db:"status"`
	DueDate       null.Time       `db:"due_date"`
	CreatedAt     time.Time       `db:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at"`
}

func (repo paymentRepository) invoiceFromRow(row invoiceRow) payment.Invoice {
	return payment.Invoice{
		ID:            row.ID,
		InvoiceNumber: row.InvoiceNumber,
		StudentID:     row.StudentID.String,
		Description:   row.Description.String,
		TotalAmount:   row.TotalAmount,
		AmountPaid:    row.AmountPaid,
		BalanceDue:    row.BalanceDue,
		Status:        payment.InvoiceStatus(row.Status),
		DueDate:       row.DueDate.Time,
		CreatedAt:     row.CreatedAt,
		UpdatedAt:     row.UpdatedAt,
	}
}

func (repo paymentRepository) GetInvoiceByID(ctx context.Context, id string) (payment.Invoice, error) {
	var row invoiceRow
	err := repo.db.GetContext(ctx, &row, `SELECT * FROM invoices WHERE id = $1`, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return payment.Invoice{}, payment.ErrInvoiceNotFound
		}
		return payment.Invoice{}, errors.Wrap(err, "getting invoice")
	}
	return repo.invoiceFromRow(row), nil
}

func (repo paymentRepository) UpdateInvoiceBalance(ctx context.Context, inv payment.Invoice) (payment.Invoice, error) {
	res, err := repo.db.ExecContext(ctx, `
		UPDATE invoices
		SET amount_paid = $1, balance_due = $2, status = $3, updated_at = $4
		WHERE id = $5`,
		inv.AmountPaid, inv.BalanceDue, string(inv.Status), inv.UpdatedAt.UTC(), inv.ID,
	)
	if err != nil {
		return payment.Invoice{}, errors.Wrap(err, "updating invoice")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return payment.Invoice{}, payment.ErrInvoiceNotFound
	}
	return inv, nil
}

func (repo paymentRepository) NextReceiptNumber(ctx context.Context) (string, error) {
	var seq int64
	if err := repo.db.GetContext(ctx, &seq, `SELECT nextval('receipt_number_seq')`); err != nil {
		return "", errors.Wrap(err, "generating receipt number")
	}
	return fmt.Sprintf("RCT-%d-%06d", time.Now().UTC().Year(), seq), nil
}

type mpesaSettingsRow struct {
	ID             string      `db:"id"`
	Shortcode      string      `db:"shortcode"`
	Passkey        string      `db:"passkey"`
	ConsumerKey    string      `db:"consumer_key"`
	ConsumerSecret string      `db:"consumer_secret"`
	Environment    string      `db:"environment"`
	CallbackURL    null.String `db:"callback_url"`
	IsActive       bool        `db:"is_active"`
	UpdatedAt      time.Time   `db:"updated_at"`
}

func (repo paymentRepository) GetActiveMpesaSettings(ctx context.Context) (payment.MpesaSettings, error) {
	var row mpesaSettingsRow
	err := repo.db.GetContext(ctx, &row, `SELECT * FROM mpesa_settings WHERE is_active LIMIT 1`)
	if err != nil {
		if err == sql.ErrNoRows {
			return payment.MpesaSettings{}, payment.ErrNoActiveSettings
		}
		return payment.MpesaSettings{}, errors.Wrap(err, "getting M-Pesa settings")
	}
	return payment.MpesaSettings{
		ID:             row.ID,
		Shortcode:      row.Shortcode,
		Passkey:        row.Passkey,
		ConsumerKey:    row.ConsumerKey,
		ConsumerSecret: row.ConsumerSecret,
		Environment:    row.Environment,
		CallbackURL:    row.CallbackURL.String,
		IsActive:       row.IsActive,
		UpdatedAt:      row.UpdatedAt,
	}, nil
}

func (repo paymentRepository) UpsertMpesaSettings(ctx context.Context, settings payment.MpesaSettings) (payment.MpesaSettings, error) {
	dbTx, err := repo.db.BeginTxx(ctx, nil)
	if err != nil {
		return payment.MpesaSettings{}, errors.Wrap(err, "beginning settings update")
	}
	defer func() { _ = dbTx.Rollback() }()

	if settings.IsActive {
		// the partial unique index allows a single active row
		if _, err = dbTx.ExecContext(ctx, `UPDATE mpesa_settings SET is_active = false WHERE is_active`); err != nil {
			return payment.MpesaSettings{}, errors.Wrap(err, "deactivating settings")
		}
	}

	if settings.ID == "" {
		settings.ID = uuid.New().String()
	}
	settings.UpdatedAt = time.Now().UTC()
	_, err = dbTx.ExecContext(ctx, `
		INSERT INTO mpesa_settings (
			id, shortcode, passkey, consumer_key, consumer_secret,
			environment, callback_url, is_active, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (shortcode, environment) DO UPDATE
		SET passkey = EXCLUDED.passkey, consumer_key = EXCLUDED.consumer_key,
		    consumer_secret = EXCLUDED.consumer_secret, callback_url = EXCLUDED.callback_url,
		    is_active = EXCLUDED.is_active, updated_at = EXCLUDED.updated_at`,
		settings.ID, settings.Shortcode, settings.Passkey, settings.ConsumerKey, settings.ConsumerSecret,
		settings.Environment, null.NewString(settings.CallbackURL, settings.CallbackURL != ""),
		settings.IsActive, settings.UpdatedAt,
	)
	if err != nil {
		return payment.MpesaSettings{}, errors.Wrap(err, "upserting settings")
	}

	if err = dbTx.Commit(); err != nil {
		return payment.MpesaSettings{}, errors.Wrap(err, "committing settings update")
	}
	return settings, nil
}

func (repo paymentRepository) GetStudentContact(ctx context.Context, studentID string) (payment.StudentContact, error) {
	var row struct {
		Name  null.String `db:"name"`
		Email null.String `db:"email"`
	}
	err := repo.db.GetContext(ctx, &row, `SELECT name, email FROM users WHERE id = $1`, studentID)
	if err != nil {
		if err == sql.ErrNoRows {
			return payment.StudentContact{}, nil
		}
		return payment.StudentContact{}, errors.Wrap(err, "getting student contact")
	}
	return payment.StudentContact{Name: row.Name.String, Email: row.Email.String}, nil
}
