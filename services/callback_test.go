package services

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"

	"shopassist/config"
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
          {"Name": "Amount", "Value": 100.00},
          {"Name": "MpesaReceiptNumber", "Value": "NLJ7RT61SV"},
          {"Name": "Balance"},
          {"Name": "TransactionDate", "Value": 20191219102115},
          {"Name": "PhoneNumber", "Value": 254708374149}
        ]
      }
    }
  }
}`

func TestParseCallbackSuccess(t *testing.T) {
	cb, err := ParseCallback([]byte(successCallback))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cb.CheckoutRequestID != "ws_CO_191220191020363925" || !cb.Succeeded() {
		t.Fatalf("unexpected callback: %+v", cb)
	}
	if cb.ReceiptNumber != "NLJ7RT61SV" || cb.PhoneNumber != "254708374149" || cb.TransactionDate != "20191219102115" {
		t.Fatalf("metadata not extracted: %+v", cb)
	}
	if cb.Amount == nil || cb.Amount.String() != "100" {
		t.Fatalf("amount not extracted: %v", cb.Amount)
	}
	if len(cb.Raw) == 0 {
		t.Fatal("raw payload not kept")
	}
}

func TestParseCallbackFailureWithStringCode(t *testing.T) {
	cb, err := ParseCallback([]byte(`{"Body":{"stkCallback":{"CheckoutRequestID":"ABC123","ResultCode":"1","ResultDesc":"Insufficient funds"}}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cb.Succeeded() || cb.ResultCode != 1 || cb.ResultDesc != "Insufficient funds" {
		t.Fatalf("unexpected callback: %+v", cb)
	}
}

func TestParseCallbackMalformed(t *testing.T) {
	bodies := []string{
		``,
		`not json`,
		`{}`,
		`{"Body":{}}`,
		`{"Body":{"stkCallback":{"ResultCode":0}}}`,
		`{"Body":{"stkCallback":{"CheckoutRequestID":"ABC"}}}`,
		`{"Body":{"stkCallback":{"CheckoutRequestID":"ABC","ResultCode":"zero"}}}`,
	}
	for _, b := range bodies {
		if _, err := ParseCallback([]byte(b)); !errors.Is(err, ErrMalformedCallback) {
			t.Errorf("body %q: expected ErrMalformedCallback, got %v", b, err)
		}
	}
}

func TestIPAllowlistVerifier(t *testing.T) {
	v, err := NewIPAllowlistVerifier([]string{"196.201.214.200", "196.201.213.0/24"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	ctx := context.Background()
	for _, ip := range []string{"196.201.214.200", "196.201.213.44"} {
		if err := v.Verify(ctx, CallbackRequest{RemoteIP: ip}); err != nil {
			t.Errorf("%s rejected: %v", ip, err)
		}
	}
	for _, ip := range []string{"10.0.0.1", "", "garbage"} {
		if err := v.Verify(ctx, CallbackRequest{RemoteIP: ip}); !errors.Is(err, ErrCallbackRejected) {
			t.Errorf("%q accepted", ip)
		}
	}
	if _, err := NewIPAllowlistVerifier([]string{"nope"}); err == nil {
		t.Fatal("expected invalid entry error")
	}
}

func TestSharedTokenVerifier(t *testing.T) {
	v := NewSharedTokenVerifier("s3cret")
	ctx := context.Background()
	if err := v.Verify(ctx, CallbackRequest{Query: url.Values{"token": {"s3cret"}}}); err != nil {
		t.Fatalf("query token rejected: %v", err)
	}
	if err := v.Verify(ctx, CallbackRequest{Header: http.Header{"X-Callback-Token": {"s3cret"}}}); err != nil {
		t.Fatalf("header token rejected: %v", err)
	}
	if err := v.Verify(ctx, CallbackRequest{Query: url.Values{"token": {"wrong"}}}); !errors.Is(err, ErrCallbackRejected) {
		t.Fatal("wrong token accepted")
	}
	if err := v.Verify(ctx, CallbackRequest{}); !errors.Is(err, ErrCallbackRejected) {
		t.Fatal("missing token accepted")
	}
}

func TestNewCallbackVerifierSelection(t *testing.T) {
	v, err := NewCallbackVerifier(config.TipConfig{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, ok := v.(AllowAllVerifier); !ok {
		t.Fatalf("expected allow-all by default, got %T", v)
	}

	v, err = NewCallbackVerifier(config.TipConfig{CallbackAllowedIPs: []string{"127.0.0.1"}, CallbackToken: "t"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	chain, ok := v.(ChainVerifier)
	if !ok || len(chain) != 2 {
		t.Fatalf("expected chain of two, got %T", v)
	}
	req := CallbackRequest{RemoteIP: "127.0.0.1", Query: url.Values{"token": {"t"}}}
	if err := v.Verify(context.Background(), req); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}
	req.RemoteIP = "10.1.1.1"
	if err := v.Verify(context.Background(), req); err == nil {
		t.Fatal("chain must require every verifier")
	}
}
