package mpesasvc

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/karopay/karo/core"
	"github.com/karopay/karo/core/payment"
)

const (
	tokenPath   = "/oauth/v1/generate?grant_type=client_credentials"
	stkPushPath = "/mpesa/stkpush/v1/processrequest"

	transactionType = "CustomerPayBillOnline"
)

var (
	ErrAuthFailed = errors.New("M-Pesa auth failed: no access token returned")

	NowFunc = time.Now // mockable
)

// Timestamp formats t as the provider-mandated YYYYMMDDHHMMSS stamp.
func Timestamp(t time.Time) string {
	return t.Format("20060102150405")
}

// Password derives the STK push password as Base64(shortcode + passkey + timestamp).
// The derivation is provider-mandated and must be bit-exact.
func Password(shortcode, passkey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortcode + passkey + timestamp))
}

type client struct {
	conf   *core.Config
	http   *http.Client
	logger core.Logger
}

var _ payment.Pusher = (*client)(nil)

func NewClient(conf *core.Config, logger core.Logger) payment.Pusher {
	return &client{
		conf:   conf,
		http:   &http.Client{Timeout: conf.Mpesa.Timeout},
		logger: logger,
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

// accessToken obtains a short-lived bearer token via the OAuth
// client-credentials endpoint using Basic auth of the merchant key/secret.
func (c *client) accessToken(ctx context.Context, settings payment.MpesaSettings) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.conf.Mpesa.BaseURL+tokenPath, nil)
	if err != nil {
		return "", errors.Wrap(err, "building token request")
	}
	req.SetBasicAuth(settings.ConsumerKey, settings.ConsumerSecret)

	res, err := c.http.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "requesting access token")
	}
	defer func() { _ = res.Body.Close() }()

	var tok tokenResponse
	if err = json.NewDecoder(res.Body).Decode(&tok); err != nil {
		return "", errors.Wrap(err, "decoding token response")
	}
	if tok.AccessToken == "" {
		return "", ErrAuthFailed
	}
	return tok.AccessToken, nil
}

type (
	stkPushPayload struct {
		BusinessShortCode string `json:"BusinessShortCode"`
		Password          string `json:"Password"`
		Timestamp         string `json:"Timestamp"`
		TransactionType   string `json:"TransactionType"`
		Amount            int64  `json:"Amount"` // whole shillings
		PartyA            string `json:"PartyA"`
		PartyB            string `json:"PartyB"`
		PhoneNumber       string `json:"PhoneNumber"`
		CallBackURL       string `json:"CallBackURL"`
		AccountReference  string `json:"AccountReference"`
		TransactionDesc   string `json:"TransactionDesc"`
	}

	stkPushResponse struct {
		MerchantRequestID   string `json:"MerchantRequestID"`
		CheckoutRequestID   string `json:"CheckoutRequestID"`
		ResponseCode        string `json:"ResponseCode"`
		ResponseDescription string `json:"ResponseDescription"`
		CustomerMessage     string `json:"CustomerMessage"`
		ErrorCode           string `json:"errorCode"`
		ErrorMessage        string `json:"errorMessage"`
	}
)

// Push submits an STK push request to the Daraja API.
// A provider-side rejection is reported via PushResponse.ResponseCode, not an
// error: the caller decides how to surface the provider's message.
func (c *client) Push(ctx context.Context, settings payment.MpesaSettings, req payment.PushRequest) (payment.PushResponse, error) {
	token, err := c.accessToken(ctx, settings)
	if err != nil {
		return payment.PushResponse{}, err
	}

	ts := Timestamp(NowFunc())
	payload := stkPushPayload{
		BusinessShortCode: settings.Shortcode,
		Password:          Password(settings.Shortcode, settings.Passkey, ts),
		Timestamp:         ts,
		TransactionType:   transactionType,
		Amount:            req.Amount.Round(0).IntPart(),
		PartyA:            req.PhoneNumber,
		PartyB:            settings.Shortcode,
		PhoneNumber:       req.PhoneNumber,
		CallBackURL:       req.CallbackURL,
		AccountReference:  req.AccountReference,
		TransactionDesc:   req.Description,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return payment.PushResponse{}, errors.Wrap(err, "encoding STK push payload")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.conf.Mpesa.BaseURL+stkPushPath, bytes.NewReader(body))
	if err != nil {
		return payment.PushResponse{}, errors.Wrap(err, "building STK push request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	httpRes, err := c.http.Do(httpReq)
	if err != nil {
		return payment.PushResponse{}, errors.Wrap(err, "submitting STK push")
	}
	defer func() { _ = httpRes.Body.Close() }()

	resBody, err := ioutil.ReadAll(io.LimitReader(httpRes.Body, 1<<20))
	if err != nil {
		return payment.PushResponse{}, errors.Wrap(err, "reading STK push response")
	}

	var res stkPushResponse
	if err = json.Unmarshal(resBody, &res); err != nil {
		return payment.PushResponse{}, errors.Wrapf(err, "decoding STK push response (status %d)", httpRes.StatusCode)
	}

	// Daraja reports rejections through an error body with its own shape
	if res.ErrorMessage != "" {
		code := res.ErrorCode
		if code == "" {
			code = fmt.Sprintf("%d", httpRes.StatusCode)
		}
		return payment.PushResponse{
			ResponseCode:        code,
			ResponseDescription: res.ErrorMessage,
		}, nil
	}

	return payment.PushResponse{
		MerchantRequestID:   res.MerchantRequestID,
		CheckoutRequestID:   res.CheckoutRequestID,
		ResponseCode:        res.ResponseCode,
		ResponseDescription: res.ResponseDescription,
		CustomerMessage:     res.CustomerMessage,
	}, nil
}
