package payment

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

const successCallback = `{
	"Body": {
		"stkCallback": {
			"MerchantRequestID": "29115-34620561-1",
			"CheckoutRequestID": "ws_CO_191220191020363925",
			"ResultCode": 0,
			"ResultDesc": "The service request is processed successfully.",
			"CallbackMetadata": {
				"Item": [
					{"Name": "Amount", "Value": 4000.00},
					{"Name": "MpesaReceiptNumber", "Value": "NLJ7RT61SV"},
					{"Name": "TransactionDate", "Value": 20191219102115},
					{"Name": "PhoneNumber", "Value": 254712345678}
				]
			}
		}
	}
}`

const cancelledCallback = `{
	"Body": {
		"stkCallback": {
			"MerchantRequestID": "29115-34620561-1",
			"CheckoutRequestID": "ws_CO_191220191020363925",
			"ResultCode": 1032,
			"ResultDesc": "Request cancelled by user."
		}
	}
}`

func TestDecodeCallback(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{name: "success payload", raw: successCallback},
		{name: "cancelled payload", raw: cancelledCallback},
		{name: "invalid json", raw: `{"Body": lol}`, wantErr: true},
		{name: "empty body", raw: `{}`, wantErr: true},
		{name: "unrelated json", raw: `{"hello": "world"}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, err := DecodeCallback([]byte(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeCallback() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && cb.CheckoutRequestID == "" {
				t.Error("DecodeCallback() returned empty CheckoutRequestID")
			}
		})
	}
}

func TestStkCallback_Metadata(t *testing.T) {
	cb, err := DecodeCallback([]byte(successCallback))
	if err != nil {
		t.Fatalf("DecodeCallback(): %v", err)
	}
	if !cb.Succeeded() {
		t.Error("Succeeded() = false, want true")
	}

	md := cb.Metadata()
	if md.Amount == nil || !md.Amount.Equal(decimal.NewFromInt(4000)) {
		t.Errorf("Amount = %v, want 4000", md.Amount)
	}
	if md.MpesaReceiptNumber == nil || *md.MpesaReceiptNumber != "NLJ7RT61SV" {
		t.Errorf("MpesaReceiptNumber = %v, want NLJ7RT61SV", md.MpesaReceiptNumber)
	}
	// phone numbers arrive as JSON numbers
	if md.PhoneNumber == nil || *md.PhoneNumber != "254712345678" {
		t.Errorf("PhoneNumber = %v, want 254712345678", md.PhoneNumber)
	}
	if md.TransactionDate == nil {
		t.Fatal("TransactionDate = nil")
	}
	want := time.Date(2019, 12, 19, 10, 21, 15, 0, eat)
	if !md.TransactionDate.Equal(want) {
		t.Errorf("TransactionDate = %v, want %v", md.TransactionDate, want)
	}
}

func TestStkCallback_Metadata_absentItems(t *testing.T) {
	cb, err := DecodeCallback([]byte(cancelledCallback))
	if err != nil {
		t.Fatalf("DecodeCallback(): %v", err)
	}
	if cb.Succeeded() {
		t.Error("Succeeded() = true, want false")
	}
	if !cb.Cancelled() {
		t.Error("Cancelled() = false, want true")
	}

	md := cb.Metadata()
	if md.Amount != nil || md.MpesaReceiptNumber != nil || md.TransactionDate != nil || md.PhoneNumber != nil {
		t.Errorf("Metadata() = %+v, want all nil", md)
	}
}

func TestStkCallback_Metadata_badTimestamp(t *testing.T) {
	cb := &StkCallback{}
	cb.CallbackMetadata.Item = []CallbackItem{
		{Name: "TransactionDate", Value: "not-a-date-1234"},
		{Name: "Amount", Value: "12.50"},
	}
	md := cb.Metadata()
	if md.TransactionDate != nil {
		t.Errorf("TransactionDate = %v, want nil", md.TransactionDate)
	}
	// string amounts are accepted
	if md.Amount == nil || !md.Amount.Equal(decimal.RequireFromString("12.50")) {
		t.Errorf("Amount = %v, want 12.50", md.Amount)
	}
}
