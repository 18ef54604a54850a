package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	sandboxBaseURL    = "https://sandbox.safaricom.co.ke"
	productionBaseURL = "https://api.safaricom.co.ke"

	oauthPath    = "/oauth/v1/generate?grant_type=client_credentials"
	stkPushPath  = "/mpesa/stkpush/v1/processrequest"
	stkQueryPath = "/mpesa/stkpushquery/v1/query"

	// Daraja answers a query for a push the customer has not acted on yet
	// with this error code instead of a result.
	errorCodeStillProcessing = "500.001.1001"
)

type MpesaConfig struct {
	ConsumerKey       string
	ConsumerSecret    string
	BusinessShortCode string
	Passkey           string
	CallbackURL       string
	Environment       string
	BaseURL           string
	HTTPTimeout       time.Duration
	QueryEnabled      bool
}

type MpesaGateway struct {
	cfg     MpesaConfig
	baseURL string
	client  *http.Client
	now     func() time.Time
}

func NewMpesaGateway(cfg MpesaConfig) *MpesaGateway {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = sandboxBaseURL
		if cfg.Environment == "production" {
			baseURL = productionBaseURL
		}
	}

	return &MpesaGateway{
		cfg:     cfg,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		now:     time.Now,
	}
}

func (g *MpesaGateway) Name() string {
	return "mpesa-" + g.cfg.Environment
}

func (g *MpesaGateway) Authenticate(ctx context.Context) (*AccessToken, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+oauthPath, nil)
	if err != nil {
		return nil, &AuthError{Err: err}
	}
	credentials := base64.StdEncoding.EncodeToString([]byte(g.cfg.ConsumerKey + ":" + g.cfg.ConsumerSecret))
	req.Header.Set("Authorization", "Basic "+credentials)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, &AuthError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &AuthError{Err: err}
	}
	if resp.StatusCode >= 400 {
		return nil, &AuthError{Err: fmt.Errorf("oauth request failed: status=%d body=%s", resp.StatusCode, string(body))}
	}

	var payload struct {
		AccessToken string     `json:"access_token"`
		ExpiresIn   flexString `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &AuthError{Err: err}
	}
	if strings.TrimSpace(payload.AccessToken) == "" {
		return nil, &AuthError{Err: errors.New("oauth response has no access_token")}
	}

	token := &AccessToken{Value: payload.AccessToken}
	if seconds, err := strconv.Atoi(string(payload.ExpiresIn)); err == nil && seconds > 0 {
		token.ExpiresAt = g.now().Add(time.Duration(seconds) * time.Second)
	}
	return token, nil
}

func (g *MpesaGateway) PushPayment(ctx context.Context, token *AccessToken, input *PushInput) (*PushOutput, error) {
	timestamp := g.now().In(eastAfricaTime).Format(darajaTimestampLayout)
	payload := map[string]interface{}{
		"BusinessShortCode": g.cfg.BusinessShortCode,
		"Password":          password(g.cfg.BusinessShortCode, g.cfg.Passkey, timestamp),
		"Timestamp":         timestamp,
		"TransactionType":   "CustomerPayBillOnline",
		"Amount":            input.Amount,
		"PartyA":            input.Phone,
		"PartyB":            g.cfg.BusinessShortCode,
		"PhoneNumber":       input.Phone,
		"CallBackURL":       g.cfg.CallbackURL,
		"AccountReference":  input.AccountReference,
		"TransactionDesc":   input.Narrative,
	}

	status, body, err := g.postJSON(ctx, token, stkPushPath, payload)
	if err != nil {
		return nil, classifyPushError(err)
	}

	var result struct {
		MerchantRequestID   string     `json:"MerchantRequestID"`
		CheckoutRequestID   string     `json:"CheckoutRequestID"`
		ResponseCode        flexString `json:"ResponseCode"`
		ResponseDescription string     `json:"ResponseDescription"`
		CustomerMessage     string     `json:"CustomerMessage"`
		ErrorCode           string     `json:"errorCode"`
		ErrorMessage        string     `json:"errorMessage"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		if status >= 500 {
			return nil, fmt.Errorf("%w: status=%d unreadable body", ErrIndeterminate, status)
		}
		return nil, &GatewayRejectedError{Code: strconv.Itoa(status), Message: strings.TrimSpace(string(body))}
	}

	if status >= 200 && status < 300 && string(result.ResponseCode) == ResultCodeSuccess {
		if strings.TrimSpace(result.CheckoutRequestID) == "" {
			return nil, fmt.Errorf("%w: accepted push without CheckoutRequestID", ErrIndeterminate)
		}
		return &PushOutput{
			CorrelationID:       strings.TrimSpace(result.CheckoutRequestID),
			SecondaryID:         strings.TrimSpace(result.MerchantRequestID),
			ResponseDescription: result.ResponseDescription,
			CustomerMessage:     result.CustomerMessage,
		}, nil
	}

	rejected := &GatewayRejectedError{Code: result.ErrorCode, Message: result.ErrorMessage}
	if rejected.Code == "" {
		rejected.Code = string(result.ResponseCode)
	}
	if rejected.Message == "" {
		rejected.Message = result.ResponseDescription
	}
	if rejected.Message == "" {
		rejected.Message = "STK Push failed"
	}
	return nil, rejected
}

func (g *MpesaGateway) QueryStatus(ctx context.Context, token *AccessToken, correlationID string) (*RawStatus, error) {
	if !g.cfg.QueryEnabled {
		return nil, ErrUnsupportedOperation
	}

	timestamp := g.now().In(eastAfricaTime).Format(darajaTimestampLayout)
	payload := map[string]interface{}{
		"BusinessShortCode": g.cfg.BusinessShortCode,
		"Password":          password(g.cfg.BusinessShortCode, g.cfg.Passkey, timestamp),
		"Timestamp":         timestamp,
		"CheckoutRequestID": correlationID,
	}

	status, body, err := g.postJSON(ctx, token, stkQueryPath, payload)
	if err != nil {
		return nil, &TransportError{Op: "query", Err: err}
	}
	switch status {
	case http.StatusNotFound, http.StatusMethodNotAllowed, http.StatusNotImplemented:
		return nil, ErrUnsupportedOperation
	}

	var result struct {
		ResponseCode flexString `json:"ResponseCode"`
		ResultCode   flexString `json:"ResultCode"`
		ResultDesc   string     `json:"ResultDesc"`
		ErrorCode    string     `json:"errorCode"`
		ErrorMessage string     `json:"errorMessage"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &TransportError{Op: "query", Err: fmt.Errorf("status=%d unreadable body: %w", status, err)}
	}

	if result.ErrorCode == errorCodeStillProcessing {
		return &RawStatus{Resolved: false, ResultDesc: result.ErrorMessage}, nil
	}
	if result.ErrorCode != "" {
		return nil, &GatewayRejectedError{Code: result.ErrorCode, Message: result.ErrorMessage}
	}
	if result.ResultCode == "" {
		return &RawStatus{Resolved: false, ResultDesc: result.ResultDesc}, nil
	}

	// The query API does not return the receipt number; that only arrives
	// with the callback.
	return &RawStatus{
		Resolved:   true,
		ResultCode: string(result.ResultCode),
		ResultDesc: result.ResultDesc,
	}, nil
}

func (g *MpesaGateway) ParseCallback(payload []byte) (*CallbackEvent, error) {
	return parseSTKCallback(payload)
}

func (g *MpesaGateway) postJSON(ctx context.Context, token *AccessToken, path string, payload interface{}) (int, []byte, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, &TransportError{Op: path, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return 0, nil, &TransportError{Op: path, Err: err}
	}
	if token != nil {
		req.Header.Set("Authorization", "Bearer "+token.Value)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, &bodyReadError{err: err}
	}
	return resp.StatusCode, body, nil
}

type bodyReadError struct {
	err error
}

func (e *bodyReadError) Error() string {
	return "reading gateway response: " + e.err.Error()
}

func (e *bodyReadError) Unwrap() error {
	return e.err
}

// classifyPushError separates failures where the request certainly never left
// (dial errors) from ones where the gateway may already have acted on it.
func classifyPushError(err error) error {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return &TransportError{Op: "push", Err: err}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &TransportError{Op: "push", Err: err}
	}
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return transportErr
	}
	return fmt.Errorf("%w: %v", ErrIndeterminate, err)
}

func password(shortCode, passkey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passkey + timestamp))
}
