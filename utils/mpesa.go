package utils

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"shopassist/config"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

const (
	MpesaSandboxURL    = "https://sandbox.safaricom.co.ke"
	MpesaProductionURL = "https://api.safaricom.co.ke"

	mpesaTokenPath  = "/oauth/v1/generate?grant_type=client_credentials"
	mpesaPushPath   = "/mpesa/stkpush/v1/processrequest"
	mpesaQueryPath  = "/mpesa/stkpushquery/v1/query"
	mpesaTxnType    = "CustomerPayBillOnline"
	mpesaTimeLayout = "20060102150405"

	tokenExpiryMargin = 60 * time.Second
	maxResponseBytes  = 1 << 20
)

// Daraja timestamps are East Africa Time, which has no daylight saving.
var nairobi = time.FixedZone("EAT", 3*60*60)

// PushLimits bounds what InitiatePush accepts before touching the network.
type PushLimits struct {
	MinAmount   decimal.Decimal
	MaxAmount   decimal.Decimal
	PhonePrefix string
	PhoneLength int
}

func DefaultPushLimits() PushLimits {
	return PushLimits{
		MinAmount:   decimal.NewFromInt(10),
		MaxAmount:   decimal.NewFromInt(5000),
		PhonePrefix: "+254",
		PhoneLength: 13,
	}
}

type PushRequest struct {
	PhoneNumber      string
	Amount           decimal.Decimal
	AccountReference string
	Description      string
}

// PushResult is the provider's answer to an STK push. Accepted is false when
// the provider rejected the request; Message then carries its reason.
type PushResult struct {
	Accepted          bool
	CheckoutRequestID string
	MerchantRequestID string
	ResponseCode      string
	Message           string
	Raw               json.RawMessage
}

type StatusResult struct {
	Success    bool
	ResultCode string
	ResultDesc string
	Raw        json.RawMessage
}

type mpesaTokenResponse struct {
	AccessToken string      `json:"access_token"`
	ExpiresIn   flexNumeric `json:"expires_in"`
}

type mpesaPushPayload struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type mpesaQueryPayload struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

// mpesaResponse covers both the success and the error shapes Daraja returns.
type mpesaResponse struct {
	MerchantRequestID   string      `json:"MerchantRequestID"`
	CheckoutRequestID   string      `json:"CheckoutRequestID"`
	ResponseCode        flexNumeric `json:"ResponseCode"`
	ResponseDescription string      `json:"ResponseDescription"`
	CustomerMessage     string      `json:"CustomerMessage"`
	ResultCode          flexNumeric `json:"ResultCode"`
	ResultDesc          string      `json:"ResultDesc"`
	RequestID           string      `json:"requestId"`
	ErrorCode           string      `json:"errorCode"`
	ErrorMessage        string      `json:"errorMessage"`
}

// flexNumeric accepts a JSON number or a string holding one.
type flexNumeric string

func (f *flexNumeric) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexNumeric(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexNumeric(n.String())
	return nil
}

// MpesaClient talks to the Daraja API: OAuth token exchange, STK push and
// STK push status query. The access token is cached in process and refreshed
// through a single in-flight request.
type MpesaClient struct {
	cfg     config.MpesaConfig
	baseURL string
	limits  PushLimits
	client  *http.Client
	log     *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	token  string
	expiry time.Time
	group  singleflight.Group
}

type MpesaOption func(*MpesaClient)

func WithPushLimits(l PushLimits) MpesaOption {
	return func(c *MpesaClient) { c.limits = l }
}

func WithMpesaClock(now func() time.Time) MpesaOption {
	return func(c *MpesaClient) { c.now = now }
}

func NewMpesaClient(cfg config.MpesaConfig, httpClient *http.Client, logger *slog.Logger, opts ...MpesaOption) *MpesaClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = MpesaSandboxURL
		if cfg.Environment == "production" {
			baseURL = MpesaProductionURL
		}
	}
	c := &MpesaClient{
		cfg:     cfg,
		baseURL: strings.TrimRight(baseURL, "/"),
		limits:  DefaultPushLimits(),
		client:  httpClient,
		log:     logger.With("component", "mpesa"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AccessToken returns the cached token, fetching a new one when it is missing
// or about to expire. Concurrent callers share one fetch.
func (c *MpesaClient) AccessToken(ctx context.Context) (string, error) {
	if tok, ok := c.cachedToken(); ok {
		return tok, nil
	}
	ch := c.group.DoChan("token", func() (interface{}, error) {
		if tok, ok := c.cachedToken(); ok {
			return tok, nil
		}
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Timeout)
		defer cancel()
		return c.fetchToken(fetchCtx)
	})
	select {
	case <-ctx.Done():
		return "", &AuthError{Message: "token request cancelled", Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (c *MpesaClient) cachedToken() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && c.now().Before(c.expiry) {
		return c.token, true
	}
	return "", false
}

func (c *MpesaClient) invalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.expiry = time.Time{}
	c.mu.Unlock()
}

func (c *MpesaClient) fetchToken(ctx context.Context) (string, error) {
	if c.cfg.ConsumerKey == "" || c.cfg.ConsumerSecret == "" {
		return "", &AuthError{Message: "MPESA_CONSUMER_KEY or MPESA_CONSUMER_SECRET not set"}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+mpesaTokenPath, nil)
	if err != nil {
		return "", &AuthError{Message: "build token request", Err: err}
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", &AuthError{Message: "token request failed", Err: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))

	if resp.StatusCode != http.StatusOK {
		msg := http.StatusText(resp.StatusCode)
		var e mpesaResponse
		if json.Unmarshal(body, &e) == nil && e.ErrorMessage != "" {
			msg = e.ErrorMessage
		}
		return "", &AuthError{StatusCode: resp.StatusCode, Message: msg}
	}

	var tok mpesaTokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return "", &AuthError{StatusCode: resp.StatusCode, Message: "parse token response", Err: err}
	}
	if tok.AccessToken == "" {
		return "", &AuthError{StatusCode: resp.StatusCode, Message: "empty access token"}
	}
	secs, err := strconv.ParseFloat(string(tok.ExpiresIn), 64)
	if err != nil || secs <= 0 {
		return "", &AuthError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("invalid expires_in %q", tok.ExpiresIn)}
	}
	lifetime := time.Duration(secs * float64(time.Second))
	if lifetime > 2*tokenExpiryMargin {
		lifetime -= tokenExpiryMargin
	} else {
		lifetime /= 2
	}

	c.mu.Lock()
	c.token = tok.AccessToken
	c.expiry = c.now().Add(lifetime)
	c.mu.Unlock()
	c.log.Debug("mpesa access token refreshed", "expires_in", lifetime.String())
	return tok.AccessToken, nil
}

// Password derives the request password: base64(shortcode + passkey + timestamp).
func (c *MpesaClient) Password(timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(c.cfg.Shortcode + c.cfg.Passkey + timestamp))
}

func (c *MpesaClient) timestamp() string {
	return c.now().In(nairobi).Format(mpesaTimeLayout)
}

// ValidatePush checks phone and amount against the configured limits and
// returns the normalized phone number.
func (c *MpesaClient) ValidatePush(phone string, amount decimal.Decimal) (string, error) {
	normalized, err := NormalizePhone(phone, c.limits.PhonePrefix, c.limits.PhoneLength)
	if err != nil {
		return "", err
	}
	if err := ValidateAmount(amount, c.limits.MinAmount, c.limits.MaxAmount); err != nil {
		return "", err
	}
	return normalized, nil
}

// InitiatePush sends an STK push. A *ValidationError is returned without any
// network traffic when the input is out of bounds. Provider rejections come
// back as PushResult{Accepted: false}; transport failures, timeouts and 5xx
// replies as *GatewayError. The call is not idempotent at the provider.
func (c *MpesaClient) InitiatePush(ctx context.Context, req PushRequest) (*PushResult, error) {
	phone, err := c.ValidatePush(req.PhoneNumber, req.Amount)
	if err != nil {
		return nil, err
	}
	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	msisdn := strings.TrimPrefix(phone, "+")
	ts := c.timestamp()
	desc := req.Description
	if desc == "" {
		desc = "Tip"
	}
	payload := mpesaPushPayload{
		BusinessShortCode: c.cfg.Shortcode,
		Password:          c.Password(ts),
		Timestamp:         ts,
		TransactionType:   mpesaTxnType,
		Amount:            req.Amount.IntPart(),
		PartyA:            msisdn,
		PartyB:            c.cfg.Shortcode,
		PhoneNumber:       msisdn,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  req.AccountReference,
		TransactionDesc:   desc,
	}

	status, raw, parsed, err := c.post(ctx, "stkpush", mpesaPushPath, token, payload)
	if err != nil {
		return nil, err
	}

	result := &PushResult{
		CheckoutRequestID: parsed.CheckoutRequestID,
		MerchantRequestID: parsed.MerchantRequestID,
		ResponseCode:      string(parsed.ResponseCode),
		Raw:               raw,
	}
	switch {
	case status == http.StatusOK && parsed.ResponseCode == "0":
		if parsed.CheckoutRequestID == "" {
			return nil, &GatewayError{Op: "stkpush", StatusCode: status, Message: "accepted response without CheckoutRequestID"}
		}
		result.Accepted = true
		result.Message = firstNonEmpty(parsed.CustomerMessage, parsed.ResponseDescription, "Please check your phone to complete the payment")
		c.log.Info("mpesa push accepted", "account_reference", req.AccountReference, "checkout_request_id", parsed.CheckoutRequestID)
	case status == http.StatusOK && parsed.ResponseCode != "":
		result.Message = firstNonEmpty(parsed.ResponseDescription, "Failed to initiate payment")
		c.log.Warn("mpesa push rejected", "account_reference", req.AccountReference, "response_code", parsed.ResponseCode)
	case status >= 400 && status < 500 && parsed.ErrorMessage != "":
		result.ResponseCode = parsed.ErrorCode
		result.Message = parsed.ErrorMessage
		c.log.Warn("mpesa push rejected", "account_reference", req.AccountReference, "error_code", parsed.ErrorCode, "status", status)
	default:
		return nil, &GatewayError{Op: "stkpush", StatusCode: status, Message: "unexpected response from provider"}
	}
	return result, nil
}

// QueryStatus asks the provider for the outcome of an STK push session.
func (c *MpesaClient) QueryStatus(ctx context.Context, checkoutRequestID string) (*StatusResult, error) {
	if checkoutRequestID == "" {
		return nil, &ValidationError{Field: "checkout_request_id", Message: "checkout request id is required"}
	}
	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, err
	}
	ts := c.timestamp()
	payload := mpesaQueryPayload{
		BusinessShortCode: c.cfg.Shortcode,
		Password:          c.Password(ts),
		Timestamp:         ts,
		CheckoutRequestID: checkoutRequestID,
	}
	status, raw, parsed, err := c.post(ctx, "stkpushquery", mpesaQueryPath, token, payload)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK || parsed.ResultCode == "" {
		msg := firstNonEmpty(parsed.ErrorMessage, parsed.ResponseDescription, "missing ResultCode")
		return nil, &GatewayError{Op: "stkpushquery", StatusCode: status, Message: msg}
	}
	return &StatusResult{
		Success:    parsed.ResultCode == "0",
		ResultCode: string(parsed.ResultCode),
		ResultDesc: parsed.ResultDesc,
		Raw:        raw,
	}, nil
}

// post sends a JSON request and decodes either Daraja response shape. Only
// outcomes that leave the exchange in an unknown state become errors.
func (c *MpesaClient) post(ctx context.Context, op, path, token string, payload interface{}) (int, json.RawMessage, *mpesaResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, nil, &GatewayError{Op: op, Message: "encode request", Err: err}
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, nil, &GatewayError{Op: op, Message: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, nil, nil, &GatewayError{Op: op, Message: "request timed out", Err: err}
		}
		return 0, nil, nil, &GatewayError{Op: op, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, nil, &GatewayError{Op: op, StatusCode: resp.StatusCode, Message: "read response", Err: err}
	}

	if resp.StatusCode == http.StatusUnauthorized {
		c.invalidateToken()
	}

	var parsed mpesaResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return resp.StatusCode, nil, nil, &GatewayError{Op: op, StatusCode: resp.StatusCode, Message: "undecodable response", Err: err}
	}
	if resp.StatusCode >= 500 {
		return resp.StatusCode, raw, nil, &GatewayError{Op: op, StatusCode: resp.StatusCode, Message: firstNonEmpty(parsed.ErrorMessage, http.StatusText(resp.StatusCode))}
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return resp.StatusCode, raw, nil, &GatewayError{Op: op, StatusCode: resp.StatusCode, Message: firstNonEmpty(parsed.ErrorMessage, "access token rejected")}
	}
	return resp.StatusCode, json.RawMessage(raw), &parsed, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
