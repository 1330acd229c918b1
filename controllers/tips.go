package controllers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"shopassist/middleware"
	"shopassist/models"
	"shopassist/services"
	"shopassist/utils"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
)

// TipCoordinator is implemented by *services.TipService.
type TipCoordinator interface {
	InitiateTip(ctx context.Context, phone string, amount decimal.Decimal) services.Outcome
	HandleCallback(ctx context.Context, cb *services.StkCallback) (services.Outcome, error)
	Verify(ctx context.Context, id string) services.Outcome
	Status(ctx context.Context, id string) services.Outcome
	History(ctx context.Context, phone string) ([]models.Transaction, error)
}

type TipController struct {
	Tips           TipCoordinator
	Verifier       services.CallbackVerifier
	TrustedProxies []string
	Logger         *slog.Logger
}

func NewTipController(tips TipCoordinator, verifier services.CallbackVerifier, trustedProxies []string, logger *slog.Logger) *TipController {
	if verifier == nil {
		verifier = services.AllowAllVerifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TipController{Tips: tips, Verifier: verifier, TrustedProxies: trustedProxies, Logger: logger}
}

// InitiateTipRequest is the initiate body. The msisdn rule rejects malformed
// numbers early; the country prefix and length are checked by the service.
type InitiateTipRequest struct {
	PhoneNumber string          `json:"phone_number" validate:"msisdn"`
	Amount      decimal.Decimal `json:"amount"`
}

// CallbackAck is the body the provider expects back from the callback URL.
type CallbackAck struct {
	ResultCode    int    `json:"ResultCode"`
	ResultDesc    string `json:"ResultDesc"`
	Status        string `json:"status,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
}

func outcomeData(o services.Outcome) map[string]interface{} {
	data := map[string]interface{}{
		"transaction_id": o.TransactionID,
		"status":         o.Status,
		"message":        o.Message,
	}
	if o.TransactionID == "" {
		delete(data, "transaction_id")
	}
	return data
}

// POST /api/v1/tip/initiate
func (c *TipController) Initiate(w http.ResponseWriter, r *http.Request) {
	var req InitiateTipRequest
	if err := middleware.ValidateJSON(w, r, &req); err != nil {
		return
	}
	o := c.Tips.InitiateTip(r.Context(), req.PhoneNumber, req.Amount)
	utils.WriteJSON(w, o.HTTPStatus(), utils.APIResponse{
		Success: o.Success(),
		Message: o.Message,
		Data:    outcomeData(o),
	})
}

// POST /api/v1/tip/callback
func (c *TipController) Callback(w http.ResponseWriter, r *http.Request) {
	log := c.Logger.With("request_id", utils.RequestIDFromContext(r.Context()))
	defer func() {
		// The provider only understands an ack body, even for a crash.
		if rec := recover(); rec != nil {
			log.Error("callback handler panic", "panic", rec)
			utils.WriteRawJSON(w, http.StatusInternalServerError, CallbackAck{ResultCode: 1, ResultDesc: "Temporary failure, retry later"})
		}
	}()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		log.Warn("read callback body failed", "error", err)
		utils.WriteRawJSON(w, http.StatusBadRequest, CallbackAck{ResultCode: 1, ResultDesc: "Invalid request body"})
		return
	}

	req := services.CallbackRequest{
		RemoteIP: middleware.ClientIP(r, c.TrustedProxies),
		Query:    r.URL.Query(),
		Header:   r.Header,
		Body:     body,
	}
	if err := c.Verifier.Verify(r.Context(), req); err != nil {
		log.Warn("callback rejected", "remote_ip", req.RemoteIP, "error", err)
		utils.WriteRawJSON(w, http.StatusForbidden, CallbackAck{ResultCode: 1, ResultDesc: "Rejected"})
		return
	}

	cb, err := services.ParseCallback(body)
	if err != nil {
		log.Warn("malformed callback", "error", err)
		utils.WriteRawJSON(w, http.StatusBadRequest, CallbackAck{ResultCode: 1, ResultDesc: "Malformed callback"})
		return
	}

	o, err := c.Tips.HandleCallback(r.Context(), cb)
	if err != nil {
		utils.WriteRawJSON(w, http.StatusInternalServerError, CallbackAck{ResultCode: 1, ResultDesc: "Temporary failure, retry later"})
		return
	}
	desc := "Accepted"
	switch o.Kind {
	case services.OutcomeDuplicate:
		desc = "Already processed"
	case services.OutcomeNotFound:
		desc = "Unknown transaction"
	}
	utils.WriteRawJSON(w, http.StatusOK, CallbackAck{
		ResultCode:    0,
		ResultDesc:    desc,
		Status:        o.Status,
		TransactionID: o.TransactionID,
	})
}

// GET /api/v1/tip/status/{transaction_id}
func (c *TipController) Status(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["transaction_id"]
	o := c.Tips.Status(r.Context(), id)
	if o.Transaction == nil {
		utils.WriteJSON(w, o.HTTPStatus(), utils.APIResponse{Success: false, Message: o.Message})
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.APIResponse{
		Success: true,
		Message: o.Message,
		Data:    o.Transaction,
	})
}

// POST /api/v1/tip/verify/{transaction_id}
func (c *TipController) Verify(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["transaction_id"]
	o := c.Tips.Verify(r.Context(), id)
	data := outcomeData(o)
	if o.Transaction != nil {
		data["attempts"] = o.Transaction.Attempts
	}
	utils.WriteJSON(w, o.HTTPStatus(), utils.APIResponse{
		Success: o.Success(),
		Message: o.Message,
		Data:    data,
	})
}

// GET /api/v1/tip/history/{phone_number}
func (c *TipController) History(w http.ResponseWriter, r *http.Request) {
	phone := mux.Vars(r)["phone_number"]
	txns, err := c.Tips.History(r.Context(), phone)
	if err != nil {
		var ve *utils.ValidationError
		if errors.As(err, &ve) {
			utils.WriteJSON(w, http.StatusBadRequest, utils.APIResponse{Success: false, Message: ve.Message})
			return
		}
		c.Logger.Error("load tip history failed", "error", err)
		utils.WriteJSON(w, http.StatusInternalServerError, utils.APIResponse{Success: false, Message: "Could not load history, please try again later"})
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.APIResponse{
		Success: true,
		Message: "Successfully",
		Data:    txns,
	})
}
