package payment

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// mpesaResultCancelled is the provider's "request cancelled by user" code;
// the only nonzero code with a dedicated transaction status.
const mpesaResultCancelled = 1032

const mpesaTimestampLayout = "20060102150405" // fixed 14-digit YYYYMMDDHHMMSS

// M-Pesa timestamps are East Africa Time.
var eat = time.FixedZone("EAT", 3*60*60)

type (
	// CallbackEnvelope mirrors the provider-defined callback body. The shape
	// is fixed and not controlled by this system.
	CallbackEnvelope struct {
		Body struct {
			StkCallback StkCallback `json:"stkCallback"`
		} `json:"Body"`
	}

	StkCallback struct {
		MerchantRequestID string `json:"MerchantRequestID"`
		CheckoutRequestID string `json:"CheckoutRequestID"`
		ResultCode        int    `json:"ResultCode"`
		ResultDesc        string `json:"ResultDesc"`
		CallbackMetadata  struct {
			Item []CallbackItem `json:"Item"`
		} `json:"CallbackMetadata"`
	}

	CallbackItem struct {
		Name  string      `json:"Name"`
		Value interface{} `json:"Value"`
	}

	// CallbackMetadata is the typed view of the loose Name/Value item list.
	// A nil field was absent (or unparseable) in the callback; callers fall
	// back to the values stored at push time.
	CallbackMetadata struct {
		Amount             *decimal.Decimal
		MpesaReceiptNumber *string
		TransactionDate    *time.Time
		PhoneNumber        *string
	}
)

// DecodeCallback parses the raw webhook body into the callback struct.
func DecodeCallback(raw []byte) (*StkCallback, error) {
	var env CallbackEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errors.Wrap(err, "decoding callback envelope")
	}
	cb := env.Body.StkCallback
	if cb.CheckoutRequestID == "" {
		return nil, errors.New("callback missing CheckoutRequestID")
	}
	return &cb, nil
}

func (cb *StkCallback) Succeeded() bool { return cb.ResultCode == 0 }
func (cb *StkCallback) Cancelled() bool { return cb.ResultCode == mpesaResultCancelled }

// Metadata decodes the Name/Value item list into typed optional fields.
func (cb *StkCallback) Metadata() CallbackMetadata {
	var md CallbackMetadata
	for _, item := range cb.CallbackMetadata.Item {
		switch item.Name {
		case "Amount":
			if amt, ok := decimalValue(item.Value); ok {
				md.Amount = &amt
			}
		case "MpesaReceiptNumber":
			if s, ok := item.Value.(string); ok && s != "" {
				md.MpesaReceiptNumber = &s
			}
		case "TransactionDate":
			if ts, ok := timestampValue(item.Value); ok {
				md.TransactionDate = &ts
			}
		case "PhoneNumber":
			if s, ok := stringValue(item.Value); ok && s != "" {
				md.PhoneNumber = &s
			}
		}
	}
	return md
}

func decimalValue(v interface{}) (decimal.Decimal, bool) {
	switch val := v.(type) {
	case float64:
		return decimal.NewFromFloat(val), true
	case string:
		d, err := decimal.NewFromString(val)
		return d, err == nil
	}
	return decimal.Decimal{}, false
}

// stringValue also accepts JSON numbers: phone numbers arrive as numbers.
func stringValue(v interface{}) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	}
	return "", false
}

func timestampValue(v interface{}) (time.Time, bool) {
	s, ok := stringValue(v)
	if !ok || len(s) != len(mpesaTimestampLayout) {
		return time.Time{}, false
	}
	ts, err := time.ParseInLocation(mpesaTimestampLayout, s, eat)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}
