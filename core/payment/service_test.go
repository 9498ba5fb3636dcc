package payment

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/karopay/karo/core"
)

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
func (nopLogger) Fatal(string, ...interface{}) {}

func newTestService(repo *RepositoryMock, pusher *PusherMock) ServiceInterface {
	conf := &core.Config{
		AppName: "Karo",
		Mpesa:   core.MpesaConfig{CallbackBaseURL: "https://pay.example.com"},
	}
	return NewService(repo, pusher, nil, nopLogger{}, conf)
}

func activeSettings() *MpesaSettings {
	return &MpesaSettings{
		ID:        "set1",
		Shortcode: "174379",
		Passkey:   "passkey",
		IsActive:  true,
	}
}

func TestService_InitiateSTKPush(t *testing.T) {
	ctx := context.Background()
	np := NewSTKPush{
		PhoneNumber: "0712345678",
		Amount:      decimal.NewFromInt(4000),
		InvoiceID:   "inv1",
	}

	t.Run("no active settings", func(t *testing.T) {
		repo := NewRepositoryMock()
		svc := newTestService(repo, &PusherMock{})

		if _, err := svc.InitiateSTKPush(ctx, np); err != ErrNoActiveSettings {
			t.Errorf("InitiateSTKPush() error = %v, want %v", err, ErrNoActiveSettings)
		}
		if len(repo.Transactions) != 0 {
			t.Errorf("got %d transactions, want 0", len(repo.Transactions))
		}
	})

	t.Run("provider rejection", func(t *testing.T) {
		repo := NewRepositoryMock()
		repo.Settings = activeSettings()
		pusher := &PusherMock{Res: PushResponse{ResponseCode: "1", ResponseDescription: "Invalid Amount"}}
		svc := newTestService(repo, pusher)

		_, err := svc.InitiateSTKPush(ctx, np)
		rejErr, ok := err.(*PushRejectedError)
		if !ok {
			t.Fatalf("InitiateSTKPush() error = %v, want *PushRejectedError", err)
		}
		// the provider's message is relayed verbatim
		if rejErr.Error() != "Invalid Amount" {
			t.Errorf("Error() = %q, want %q", rejErr.Error(), "Invalid Amount")
		}
		if len(repo.Transactions) != 0 {
			t.Errorf("got %d transactions, want 0", len(repo.Transactions))
		}
	})

	t.Run("provider unreachable", func(t *testing.T) {
		repo := NewRepositoryMock()
		repo.Settings = activeSettings()
		pusher := &PusherMock{Err: fmt.Errorf("connection refused")}
		svc := newTestService(repo, pusher)

		if _, err := svc.InitiateSTKPush(ctx, np); err == nil {
			t.Error("InitiateSTKPush() error = nil, want error")
		}
		if len(repo.Transactions) != 0 {
			t.Errorf("got %d transactions, want 0", len(repo.Transactions))
		}
	})

	t.Run("success", func(t *testing.T) {
		repo := NewRepositoryMock()
		repo.Settings = activeSettings()
		pusher := &PusherMock{Res: PushResponse{
			MerchantRequestID: "29115-34620561-1",
			CheckoutRequestID: "ws_CO_191220191020363925",
			ResponseCode:      "0",
			CustomerMessage:   "Success. Request accepted for processing",
		}}
		svc := newTestService(repo, pusher)

		receipt, err := svc.InitiateSTKPush(ctx, np)
		if err != nil {
			t.Fatalf("InitiateSTKPush(): %v", err)
		}
		if receipt.CheckoutRequestID != "ws_CO_191220191020363925" {
			t.Errorf("CheckoutRequestID = %q", receipt.CheckoutRequestID)
		}

		if len(pusher.Requests) != 1 {
			t.Fatalf("got %d push requests, want 1", len(pusher.Requests))
		}
		pushReq := pusher.Requests[0]
		if pushReq.PhoneNumber != "254712345678" {
			t.Errorf("PhoneNumber = %q, want normalized 254712345678", pushReq.PhoneNumber)
		}
		if pushReq.CallbackURL != "https://pay.example.com/api/payments/mpesa/callback" {
			t.Errorf("CallbackURL = %q", pushReq.CallbackURL)
		}
		if pushReq.AccountReference != "Karo" {
			t.Errorf("AccountReference = %q, want app name default", pushReq.AccountReference)
		}

		if len(repo.Transactions) != 1 {
			t.Fatalf("got %d transactions, want 1", len(repo.Transactions))
		}
		tx := repo.Transactions["ws_CO_191220191020363925"]
		if tx.Status != TxStatusPending {
			t.Errorf("Status = %q, want %q", tx.Status, TxStatusPending)
		}
		if tx.InvoiceID != "inv1" {
			t.Errorf("InvoiceID = %q, want inv1", tx.InvoiceID)
		}
	})
}

func TestReconcile(t *testing.T) {
	inv := func(total, balance int64) Invoice {
		return Invoice{
			ID:          "inv1",
			TotalAmount: decimal.NewFromInt(total),
			AmountPaid:  decimal.NewFromInt(total - balance),
			BalanceDue:  decimal.NewFromInt(balance),
			Status:      InvoiceStatusPending,
		}
	}

	tests := []struct {
		name        string
		inv         Invoice
		amount      int64
		wantBalance int64
		wantPaid    int64
		wantStatus  InvoiceStatus
	}{
		{name: "full payment", inv: inv(4000, 4000), amount: 4000, wantBalance: 0, wantPaid: 4000, wantStatus: InvoiceStatusPaid},
		{name: "partial payment", inv: inv(10000, 10000), amount: 4000, wantBalance: 6000, wantPaid: 4000, wantStatus: InvoiceStatusPartial},
		{name: "second partial payment", inv: inv(10000, 6000), amount: 2000, wantBalance: 4000, wantPaid: 6000, wantStatus: InvoiceStatusPartial},
		{name: "overpayment clamps at zero", inv: inv(3000, 3000), amount: 5000, wantBalance: 0, wantPaid: 3000, wantStatus: InvoiceStatusPaid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Reconcile(tt.inv, decimal.NewFromInt(tt.amount))
			if !got.BalanceDue.Equal(decimal.NewFromInt(tt.wantBalance)) {
				t.Errorf("BalanceDue = %v, want %v", got.BalanceDue, tt.wantBalance)
			}
			if !got.AmountPaid.Equal(decimal.NewFromInt(tt.wantPaid)) {
				t.Errorf("AmountPaid = %v, want %v", got.AmountPaid, tt.wantPaid)
			}
			if got.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q", got.Status, tt.wantStatus)
			}
		})
	}
}

func callbackRepo(balance int64) *RepositoryMock {
	repo := NewRepositoryMock()
	repo.Settings = activeSettings()
	repo.Transactions["ws_CO_191220191020363925"] = Transaction{
		ID:                "tx1",
		CheckoutRequestID: "ws_CO_191220191020363925",
		StudentID:         "std1",
		InvoiceID:         "inv1",
		PhoneNumber:       "254712345678",
		Amount:            decimal.NewFromInt(4000),
		Status:            TxStatusPending,
	}
	repo.Invoices["inv1"] = Invoice{
		ID:          "inv1",
		StudentID:   "std1",
		TotalAmount: decimal.NewFromInt(balance),
		BalanceDue:  decimal.NewFromInt(balance),
		Status:      InvoiceStatusPending,
	}
	return repo
}

func TestService_HandleMpesaCallback(t *testing.T) {
	ctx := context.Background()

	t.Run("success settles invoice", func(t *testing.T) {
		repo := callbackRepo(4000)
		svc := newTestService(repo, &PusherMock{})

		ack := svc.HandleMpesaCallback(ctx, []byte(successCallback))
		if ack != AcceptedAck() {
			t.Errorf("ack = %+v, want %+v", ack, AcceptedAck())
		}

		tx := repo.Transactions["ws_CO_191220191020363925"]
		if tx.Status != TxStatusSuccess {
			t.Errorf("Status = %q, want %q", tx.Status, TxStatusSuccess)
		}
		if tx.MpesaReceiptNumber != "NLJ7RT61SV" {
			t.Errorf("MpesaReceiptNumber = %q, want NLJ7RT61SV", tx.MpesaReceiptNumber)
		}

		if len(repo.Payments) != 1 {
			t.Fatalf("got %d payments, want 1", len(repo.Payments))
		}
		pmt := repo.Payments[0]
		if pmt.Method != MethodMpesa {
			t.Errorf("Method = %q, want %q", pmt.Method, MethodMpesa)
		}
		if pmt.ReceiptNumber != "RCT-TEST-000001" {
			t.Errorf("ReceiptNumber = %q", pmt.ReceiptNumber)
		}
		if !pmt.Amount.Equal(decimal.NewFromInt(4000)) {
			t.Errorf("Amount = %v, want 4000", pmt.Amount)
		}

		inv := repo.Invoices["inv1"]
		if inv.Status != InvoiceStatusPaid {
			t.Errorf("invoice Status = %q, want %q", inv.Status, InvoiceStatusPaid)
		}
		if !inv.BalanceDue.IsZero() {
			t.Errorf("BalanceDue = %v, want 0", inv.BalanceDue)
		}
	})

	t.Run("partial payment", func(t *testing.T) {
		repo := callbackRepo(10000)
		svc := newTestService(repo, &PusherMock{})

		svc.HandleMpesaCallback(ctx, []byte(successCallback))

		inv := repo.Invoices["inv1"]
		if inv.Status != InvoiceStatusPartial {
			t.Errorf("invoice Status = %q, want %q", inv.Status, InvoiceStatusPartial)
		}
		if !inv.BalanceDue.Equal(decimal.NewFromInt(6000)) {
			t.Errorf("BalanceDue = %v, want 6000", inv.BalanceDue)
		}
		if !inv.AmountPaid.Equal(decimal.NewFromInt(4000)) {
			t.Errorf("AmountPaid = %v, want 4000", inv.AmountPaid)
		}
	})

	t.Run("overpayment absorbed", func(t *testing.T) {
		repo := callbackRepo(3000)
		svc := newTestService(repo, &PusherMock{})

		svc.HandleMpesaCallback(ctx, []byte(successCallback))

		inv := repo.Invoices["inv1"]
		if inv.Status != InvoiceStatusPaid {
			t.Errorf("invoice Status = %q, want %q", inv.Status, InvoiceStatusPaid)
		}
		if !inv.BalanceDue.IsZero() {
			t.Errorf("BalanceDue = %v, want 0", inv.BalanceDue)
		}
		if !inv.AmountPaid.Equal(decimal.NewFromInt(3000)) {
			t.Errorf("AmountPaid = %v, want 3000", inv.AmountPaid)
		}

		if len(repo.Payments) != 1 {
			t.Fatalf("got %d payments, want 1", len(repo.Payments))
		}
		if notes := repo.Payments[0].Notes; !strings.Contains(notes, "overpayment of 1000.00 absorbed") {
			t.Errorf("Notes = %q, want overpayment mention", notes)
		}
	})

	t.Run("cancelled by user", func(t *testing.T) {
		repo := callbackRepo(4000)
		svc := newTestService(repo, &PusherMock{})

		ack := svc.HandleMpesaCallback(ctx, []byte(cancelledCallback))
		if ack != AcceptedAck() {
			t.Errorf("ack = %+v, want %+v", ack, AcceptedAck())
		}

		tx := repo.Transactions["ws_CO_191220191020363925"]
		if tx.Status != TxStatusCancelled {
			t.Errorf("Status = %q, want %q", tx.Status, TxStatusCancelled)
		}
		if tx.ResultCode == nil || *tx.ResultCode != 1032 {
			t.Errorf("ResultCode = %v, want 1032", tx.ResultCode)
		}
		if len(repo.Payments) != 0 {
			t.Errorf("got %d payments, want 0", len(repo.Payments))
		}
		if inv := repo.Invoices["inv1"]; !inv.BalanceDue.Equal(decimal.NewFromInt(4000)) {
			t.Errorf("BalanceDue = %v, want untouched 4000", inv.BalanceDue)
		}
	})

	t.Run("failed with other code", func(t *testing.T) {
		repo := callbackRepo(4000)
		svc := newTestService(repo, &PusherMock{})

		failed := `{"Body": {"stkCallback": {
			"CheckoutRequestID": "ws_CO_191220191020363925",
			"ResultCode": 2001,
			"ResultDesc": "The initiator information is invalid."
		}}}`
		svc.HandleMpesaCallback(ctx, []byte(failed))

		tx := repo.Transactions["ws_CO_191220191020363925"]
		if tx.Status != TxStatusFailed {
			t.Errorf("Status = %q, want %q", tx.Status, TxStatusFailed)
		}
		if len(repo.Payments) != 0 {
			t.Errorf("got %d payments, want 0", len(repo.Payments))
		}
	})

	t.Run("malformed body is acked and discarded", func(t *testing.T) {
		repo := callbackRepo(4000)
		svc := newTestService(repo, &PusherMock{})

		ack := svc.HandleMpesaCallback(ctx, []byte(`{"Body": nope`))
		if ack != AcceptedAck() {
			t.Errorf("ack = %+v, want %+v", ack, AcceptedAck())
		}
		if tx := repo.Transactions["ws_CO_191220191020363925"]; tx.Status != TxStatusPending {
			t.Errorf("Status = %q, want still pending", tx.Status)
		}
	})

	t.Run("unknown transaction is acked and discarded", func(t *testing.T) {
		repo := NewRepositoryMock()
		svc := newTestService(repo, &PusherMock{})

		ack := svc.HandleMpesaCallback(ctx, []byte(successCallback))
		if ack != AcceptedAck() {
			t.Errorf("ack = %+v, want %+v", ack, AcceptedAck())
		}
		if len(repo.Payments) != 0 {
			t.Errorf("got %d payments, want 0", len(repo.Payments))
		}
	})

	t.Run("duplicate delivery applied once", func(t *testing.T) {
		repo := callbackRepo(4000)
		svc := newTestService(repo, &PusherMock{})

		svc.HandleMpesaCallback(ctx, []byte(successCallback))
		svc.HandleMpesaCallback(ctx, []byte(successCallback))

		if len(repo.Payments) != 1 {
			t.Fatalf("got %d payments, want 1", len(repo.Payments))
		}
		inv := repo.Invoices["inv1"]
		if !inv.AmountPaid.Equal(decimal.NewFromInt(4000)) {
			t.Errorf("AmountPaid = %v, want 4000 after duplicate", inv.AmountPaid)
		}
	})

	t.Run("success without invoice records no payment", func(t *testing.T) {
		repo := callbackRepo(4000)
		tx := repo.Transactions["ws_CO_191220191020363925"]
		tx.InvoiceID = ""
		repo.Transactions["ws_CO_191220191020363925"] = tx
		svc := newTestService(repo, &PusherMock{})

		svc.HandleMpesaCallback(ctx, []byte(successCallback))

		if got := repo.Transactions["ws_CO_191220191020363925"]; got.Status != TxStatusSuccess {
			t.Errorf("Status = %q, want %q", got.Status, TxStatusSuccess)
		}
		if len(repo.Payments) != 0 {
			t.Errorf("got %d payments, want 0", len(repo.Payments))
		}
	})
}

func TestService_ApplyExternalPayment(t *testing.T) {
	ctx := context.Background()
	repo := callbackRepo(5000)
	svc := newTestService(repo, &PusherMock{})

	pmt, err := svc.ApplyExternalPayment(ctx, ExternalPayment{
		StudentID:       "std1",
		InvoiceID:       "inv1",
		Amount:          decimal.NewFromInt(2000),
		Method:          MethodCard,
		ReferenceNumber: "pi_3abc",
	})
	if err != nil {
		t.Fatalf("ApplyExternalPayment(): %v", err)
	}
	if pmt.ReceiptNumber == "" {
		t.Error("ReceiptNumber is empty")
	}
	if pmt.PaymentDate.IsZero() {
		t.Error("PaymentDate is zero")
	}

	inv := repo.Invoices["inv1"]
	if inv.Status != InvoiceStatusPartial {
		t.Errorf("invoice Status = %q, want %q", inv.Status, InvoiceStatusPartial)
	}
	if !inv.BalanceDue.Equal(decimal.NewFromInt(3000)) {
		t.Errorf("BalanceDue = %v, want 3000", inv.BalanceDue)
	}

	if _, err = svc.ApplyExternalPayment(ctx, ExternalPayment{
		InvoiceID: "nope",
		Amount:    decimal.NewFromInt(100),
		Method:    MethodCard,
	}); err == nil {
		t.Error("ApplyExternalPayment() error = nil, want invoice not found")
	}
}
