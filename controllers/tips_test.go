package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"shopassist/models"
	"shopassist/services"
	"shopassist/utils"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeTips struct {
	initiate    services.Outcome
	callback    services.Outcome
	callbackErr error
	verify      services.Outcome
	status      services.Outcome
	history     []models.Transaction
	historyErr  error

	lastPhone  string
	lastAmount decimal.Decimal
	callbacks  int
}

func (f *fakeTips) InitiateTip(ctx context.Context, phone string, amount decimal.Decimal) services.Outcome {
	f.lastPhone, f.lastAmount = phone, amount
	return f.initiate
}

func (f *fakeTips) HandleCallback(ctx context.Context, cb *services.StkCallback) (services.Outcome, error) {
	f.callbacks++
	return f.callback, f.callbackErr
}

func (f *fakeTips) Verify(ctx context.Context, id string) services.Outcome { return f.verify }
func (f *fakeTips) Status(ctx context.Context, id string) services.Outcome { return f.status }

func (f *fakeTips) History(ctx context.Context, phone string) ([]models.Transaction, error) {
	return f.history, f.historyErr
}

type denyVerifier struct{}

func (denyVerifier) Verify(context.Context, services.CallbackRequest) error {
	return services.ErrCallbackRejected
}

func tipRouter(c *TipController) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/v1/tip/initiate", c.Initiate).Methods("POST")
	r.HandleFunc("/api/v1/tip/callback", c.Callback).Methods("POST")
	r.HandleFunc("/api/v1/tip/status/{transaction_id}", c.Status).Methods("GET")
	r.HandleFunc("/api/v1/tip/verify/{transaction_id}", c.Verify).Methods("POST")
	r.HandleFunc("/api/v1/tip/history/{phone_number}", c.History).Methods("GET")
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	var out map[string]interface{}
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
			t.Fatalf("response is not JSON: %v (%s)", err, rr.Body.String())
		}
	}
	return rr, out
}

func TestInitiateHandler(t *testing.T) {
	tips := &fakeTips{initiate: services.Outcome{Kind: services.OutcomePending, Status: "pending", Message: "Please check your phone", TransactionID: "TP0000000001"}}
	h := tipRouter(NewTipController(tips, nil, nil, quietLogger))

	rr, body := do(t, h, "POST", "/api/v1/tip/initiate", `{"phone_number":"+254712345678","amount":100}`)
	if rr.Code != http.StatusOK || body["success"] != true {
		t.Fatalf("unexpected response %d %v", rr.Code, body)
	}
	data := body["data"].(map[string]interface{})
	if data["transaction_id"] != "TP0000000001" || data["status"] != "pending" || data["message"] == "" {
		t.Fatalf("unexpected data %v", data)
	}
	if tips.lastPhone != "+254712345678" || !tips.lastAmount.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("request not forwarded: %s %s", tips.lastPhone, tips.lastAmount)
	}
}

func TestInitiateHandlerInvalidInput(t *testing.T) {
	tips := &fakeTips{initiate: services.Outcome{Kind: services.OutcomeInvalidInput, Status: "invalid_input", Message: "Phone number must start with +254"}}
	h := tipRouter(NewTipController(tips, nil, nil, quietLogger))

	rr, body := do(t, h, "POST", "/api/v1/tip/initiate", `{"phone_number":"+255712345678","amount":"100"}`)
	if rr.Code != http.StatusBadRequest || body["success"] != false || body["message"] != "Phone number must start with +254" {
		t.Fatalf("unexpected response %d %v", rr.Code, body)
	}
	tips.lastPhone = ""

	for _, phone := range []string{"0712345678", "+254 712 345 678", "+254712345678xyz", "tel:+254712345678"} {
		rr, body = do(t, h, "POST", "/api/v1/tip/initiate", `{"phone_number":"`+phone+`","amount":"100"}`)
		if rr.Code != http.StatusBadRequest || body["success"] != false {
			t.Fatalf("%q: unexpected response %d %v", phone, rr.Code, body)
		}
		if tips.lastPhone != "" {
			t.Fatalf("%q: malformed phone reached the service", phone)
		}
	}

	rr, _ = do(t, h, "POST", "/api/v1/tip/initiate", `{"phone_number":`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for broken JSON, got %d", rr.Code)
	}
}

func TestCallbackHandlerAck(t *testing.T) {
	tips := &fakeTips{callback: services.Outcome{Kind: services.OutcomeCompleted, Status: "completed", TransactionID: "TP0000000001"}}
	h := tipRouter(NewTipController(tips, nil, nil, quietLogger))

	rr, body := do(t, h, "POST", "/api/v1/tip/callback", `{"Body":{"stkCallback":{"CheckoutRequestID":"ABC123","ResultCode":0,"ResultDesc":"ok"}}}`)
	if rr.Code != http.StatusOK || body["ResultCode"] != float64(0) || body["status"] != "completed" || body["transaction_id"] != "TP0000000001" {
		t.Fatalf("unexpected ack %d %v", rr.Code, body)
	}

	tips.callback = services.Outcome{Kind: services.OutcomeNotFound, Message: "Transaction not found"}
	rr, body = do(t, h, "POST", "/api/v1/tip/callback", `{"Body":{"stkCallback":{"CheckoutRequestID":"NOPE","ResultCode":0}}}`)
	if rr.Code != http.StatusOK || body["ResultDesc"] != "Unknown transaction" {
		t.Fatalf("unknown reference must still be acknowledged, got %d %v", rr.Code, body)
	}
}

func TestCallbackHandlerErrors(t *testing.T) {
	tips := &fakeTips{}
	h := tipRouter(NewTipController(tips, nil, nil, quietLogger))

	rr, body := do(t, h, "POST", "/api/v1/tip/callback", `{"Body":{}}`)
	if rr.Code != http.StatusBadRequest || body["ResultCode"] != float64(1) {
		t.Fatalf("expected malformed ack, got %d %v", rr.Code, body)
	}
	if tips.callbacks != 0 {
		t.Fatal("malformed callback reached the coordinator")
	}

	tips.callbackErr = errors.New("redis down")
	rr, _ = do(t, h, "POST", "/api/v1/tip/callback", `{"Body":{"stkCallback":{"CheckoutRequestID":"ABC123","ResultCode":0}}}`)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 on store failure, got %d", rr.Code)
	}

	denied := tipRouter(NewTipController(tips, denyVerifier{}, nil, quietLogger))
	rr, body = do(t, denied, "POST", "/api/v1/tip/callback", `{"Body":{"stkCallback":{"CheckoutRequestID":"ABC123","ResultCode":0}}}`)
	if rr.Code != http.StatusForbidden || body["ResultDesc"] != "Rejected" {
		t.Fatalf("expected 403, got %d %v", rr.Code, body)
	}
}

type panickingTips struct{ fakeTips }

func (p *panickingTips) HandleCallback(ctx context.Context, cb *services.StkCallback) (services.Outcome, error) {
	panic("nil map in reconciliation")
}

func TestCallbackHandlerPanicStillAcks(t *testing.T) {
	h := tipRouter(NewTipController(&panickingTips{}, nil, nil, quietLogger))

	rr, body := do(t, h, "POST", "/api/v1/tip/callback", `{"Body":{"stkCallback":{"CheckoutRequestID":"ABC123","ResultCode":0}}}`)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if body["ResultCode"] != float64(1) || body["ResultDesc"] != "Temporary failure, retry later" {
		t.Fatalf("expected provider ack, got %v", body)
	}
	if _, ok := body["success"]; ok {
		t.Fatalf("generic envelope leaked into the ack: %v", body)
	}
}

func TestStatusHandler(t *testing.T) {
	txn := &models.Transaction{ID: "TP0000000001", PhoneNumber: "+254712345678", Amount: decimal.NewFromInt(100), Status: models.StatusFailed}
	tips := &fakeTips{status: services.Outcome{Kind: services.OutcomeFailed, Status: "failed", Message: "Insufficient funds", TransactionID: txn.ID, Transaction: txn}}
	h := tipRouter(NewTipController(tips, nil, nil, quietLogger))

	rr, body := do(t, h, "GET", "/api/v1/tip/status/TP0000000001", "")
	if rr.Code != http.StatusOK || body["success"] != true {
		t.Fatalf("unexpected response %d %v", rr.Code, body)
	}
	if data := body["data"].(map[string]interface{}); data["status"] != "failed" || data["id"] != "TP0000000001" {
		t.Fatalf("unexpected snapshot %v", data)
	}

	tips.status = services.Outcome{Kind: services.OutcomeNotFound, Message: "Transaction not found"}
	rr, _ = do(t, h, "GET", "/api/v1/tip/status/missing", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestVerifyHandler(t *testing.T) {
	txn := &models.Transaction{ID: "TP0000000001", Status: models.StatusPending, Attempts: 3}
	tips := &fakeTips{verify: services.Outcome{Kind: services.OutcomeMaxAttemptsExceeded, Status: "max_attempts_exceeded", Message: "Maximum verification attempts exceeded", TransactionID: txn.ID, Transaction: txn}}
	h := tipRouter(NewTipController(tips, nil, nil, quietLogger))

	rr, body := do(t, h, "POST", "/api/v1/tip/verify/TP0000000001", "")
	if rr.Code != http.StatusOK || body["success"] != false {
		t.Fatalf("unexpected response %d %v", rr.Code, body)
	}
	data := body["data"].(map[string]interface{})
	if data["status"] != "max_attempts_exceeded" || data["attempts"] != float64(3) {
		t.Fatalf("unexpected data %v", data)
	}
}

func TestHistoryHandler(t *testing.T) {
	tips := &fakeTips{history: []models.Transaction{}}
	h := tipRouter(NewTipController(tips, nil, nil, quietLogger))

	rr, body := do(t, h, "GET", "/api/v1/tip/history/+254712345678", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rr.Code)
	}
	if data, ok := body["data"].([]interface{}); !ok || len(data) != 0 {
		t.Fatalf("expected empty list, got %v", body["data"])
	}

	tips.historyErr = &utils.ValidationError{Field: "phone_number", Message: "Phone number must start with +254"}
	rr, _ = do(t, h, "GET", "/api/v1/tip/history/0712", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}
