package services

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"shopassist/config"

	"github.com/shopspring/decimal"
)

var (
	ErrMalformedCallback = errors.New("malformed callback payload")
	ErrCallbackRejected  = errors.New("callback verification failed")
)

// StkCallback is the interpreted content of a Daraja STK push notification.
type StkCallback struct {
	MerchantRequestID string
	CheckoutRequestID string
	ResultCode        int
	ResultDesc        string
	Amount            *decimal.Decimal
	ReceiptNumber     string
	PhoneNumber       string
	TransactionDate   string
	Raw               json.RawMessage
}

// Succeeded reports whether the payer completed the payment.
func (c *StkCallback) Succeeded() bool {
	return c.ResultCode == 0
}

type callbackEnvelope struct {
	Body *struct {
		StkCallback *struct {
			MerchantRequestID string          `json:"MerchantRequestID"`
			CheckoutRequestID string          `json:"CheckoutRequestID"`
			ResultCode        json.RawMessage `json:"ResultCode"`
			ResultDesc        string          `json:"ResultDesc"`
			CallbackMetadata  *struct {
				Item []struct {
					Name  string          `json:"Name"`
					Value json.RawMessage `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// ParseCallback validates the nested structure of a callback body and extracts
// its outcome. Missing Body.stkCallback, CheckoutRequestID or ResultCode yields
// ErrMalformedCallback.
func ParseCallback(body []byte) (*StkCallback, error) {
	var env callbackEnvelope
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	if env.Body == nil || env.Body.StkCallback == nil {
		return nil, fmt.Errorf("%w: missing Body.stkCallback", ErrMalformedCallback)
	}
	raw := env.Body.StkCallback
	if strings.TrimSpace(raw.CheckoutRequestID) == "" {
		return nil, fmt.Errorf("%w: missing CheckoutRequestID", ErrMalformedCallback)
	}
	code, err := parseResultCode(raw.ResultCode)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}

	cb := &StkCallback{
		MerchantRequestID: raw.MerchantRequestID,
		CheckoutRequestID: strings.TrimSpace(raw.CheckoutRequestID),
		ResultCode:        code,
		ResultDesc:        raw.ResultDesc,
	}
	if stk, err := json.Marshal(raw); err == nil {
		cb.Raw = stk
	}
	if raw.CallbackMetadata != nil {
		for _, item := range raw.CallbackMetadata.Item {
			val := scalarString(item.Value)
			switch item.Name {
			case "Amount":
				if d, err := decimal.NewFromString(val); err == nil {
					cb.Amount = &d
				}
			case "MpesaReceiptNumber":
				cb.ReceiptNumber = val
			case "PhoneNumber":
				cb.PhoneNumber = val
			case "TransactionDate":
				cb.TransactionDate = val
			}
		}
	}
	return cb, nil
}

func parseResultCode(raw json.RawMessage) (int, error) {
	s := scalarString(raw)
	if s == "" {
		return 0, errors.New("missing ResultCode")
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid ResultCode %q", s)
	}
	return n, nil
}

// scalarString renders a JSON string or number as text. Anything else is empty.
func scalarString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return strings.TrimSpace(s)
		}
		return ""
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if dec.Decode(&n) != nil {
		return ""
	}
	return n.String()
}

// CallbackRequest is what a verifier may inspect about an inbound callback.
type CallbackRequest struct {
	RemoteIP string
	Query    url.Values
	Header   http.Header
	Body     []byte
}

// CallbackVerifier decides whether a callback may be processed. It must not
// depend on reconciliation logic, so real provider checks can be swapped in.
type CallbackVerifier interface {
	Verify(ctx context.Context, req CallbackRequest) error
}

// AllowAllVerifier accepts every callback.
type AllowAllVerifier struct{}

func (AllowAllVerifier) Verify(context.Context, CallbackRequest) error { return nil }

// IPAllowlistVerifier accepts callbacks from listed addresses or CIDR ranges.
type IPAllowlistVerifier struct {
	nets []*net.IPNet
}

func NewIPAllowlistVerifier(entries []string) (*IPAllowlistVerifier, error) {
	v := &IPAllowlistVerifier{}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if !strings.Contains(e, "/") {
			ip := net.ParseIP(e)
			if ip == nil {
				return nil, fmt.Errorf("invalid callback allowlist entry %q", e)
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			e = fmt.Sprintf("%s/%d", ip.String(), bits)
		}
		_, n, err := net.ParseCIDR(e)
		if err != nil {
			return nil, fmt.Errorf("invalid callback allowlist entry %q: %w", e, err)
		}
		v.nets = append(v.nets, n)
	}
	return v, nil
}

func (v *IPAllowlistVerifier) Verify(_ context.Context, req CallbackRequest) error {
	ip := net.ParseIP(req.RemoteIP)
	if ip == nil {
		return fmt.Errorf("%w: unknown source address", ErrCallbackRejected)
	}
	for _, n := range v.nets {
		if n.Contains(ip) {
			return nil
		}
	}
	return fmt.Errorf("%w: source %s not allowed", ErrCallbackRejected, req.RemoteIP)
}

// SharedTokenVerifier requires a secret embedded in the callback URL as the
// token query parameter, or sent in the X-Callback-Token header.
type SharedTokenVerifier struct {
	token []byte
}

func NewSharedTokenVerifier(token string) *SharedTokenVerifier {
	return &SharedTokenVerifier{token: []byte(token)}
}

func (v *SharedTokenVerifier) Verify(_ context.Context, req CallbackRequest) error {
	got := req.Query.Get("token")
	if got == "" && req.Header != nil {
		got = req.Header.Get("X-Callback-Token")
	}
	if got == "" || subtle.ConstantTimeCompare([]byte(got), v.token) != 1 {
		return fmt.Errorf("%w: bad token", ErrCallbackRejected)
	}
	return nil
}

// ChainVerifier requires every verifier to pass.
type ChainVerifier []CallbackVerifier

func (c ChainVerifier) Verify(ctx context.Context, req CallbackRequest) error {
	for _, v := range c {
		if err := v.Verify(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

// NewCallbackVerifier builds the verifier selected by configuration. With
// neither an allowlist nor a token every callback is accepted.
func NewCallbackVerifier(cfg config.TipConfig) (CallbackVerifier, error) {
	var chain ChainVerifier
	if len(cfg.CallbackAllowedIPs) > 0 {
		v, err := NewIPAllowlistVerifier(cfg.CallbackAllowedIPs)
		if err != nil {
			return nil, err
		}
		chain = append(chain, v)
	}
	if cfg.CallbackToken != "" {
		chain = append(chain, NewSharedTokenVerifier(cfg.CallbackToken))
	}
	switch len(chain) {
	case 0:
		return AllowAllVerifier{}, nil
	case 1:
		return chain[0], nil
	}
	return chain, nil
}
