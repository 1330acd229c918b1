package services

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"shopassist/config"
	"shopassist/models"
	"shopassist/store"
	"shopassist/utils"

	"github.com/shopspring/decimal"
)

// TipStore is the persistence the coordinator needs. *store.TransactionStore
// satisfies it.
type TipStore interface {
	Create(ctx context.Context, phone string, amount decimal.Decimal) (*models.Transaction, error)
	Get(ctx context.Context, id string) (*models.Transaction, error)
	FindByGatewayReference(ctx context.Context, ref string) (*models.Transaction, error)
	ListByPhone(ctx context.Context, phone string) ([]models.Transaction, error)
	Update(ctx context.Context, id string, patch models.TransactionPatch) (*models.Transaction, error)
	ReserveAttempt(ctx context.Context, id string, max int) (*models.Transaction, error)
	Transition(ctx context.Context, id string, to models.TransactionStatus, patch models.TransactionPatch) (*models.Transaction, bool, error)
}

// PaymentGateway is implemented by *utils.MpesaClient.
type PaymentGateway interface {
	InitiatePush(ctx context.Context, req utils.PushRequest) (*utils.PushResult, error)
	QueryStatus(ctx context.Context, checkoutRequestID string) (*utils.StatusResult, error)
}

// TipArchiver keeps a durable copy of tips that reached a terminal status.
type TipArchiver interface {
	Archive(ctx context.Context, t *models.Transaction) error
}

// EventPublisher announces tip lifecycle changes.
type EventPublisher interface {
	PublishTipEvent(ctx context.Context, ev models.TipEvent) error
}

type TipPolicy struct {
	MinAmount   decimal.Decimal
	MaxAmount   decimal.Decimal
	PhonePrefix string
	PhoneLength int
	MaxAttempts int
}

func DefaultTipPolicy() TipPolicy {
	l := utils.DefaultPushLimits()
	return TipPolicy{
		MinAmount:   l.MinAmount,
		MaxAmount:   l.MaxAmount,
		PhonePrefix: l.PhonePrefix,
		PhoneLength: l.PhoneLength,
		MaxAttempts: 3,
	}
}

func TipPolicyFromConfig(cfg config.TipConfig) TipPolicy {
	return TipPolicy{
		MinAmount:   cfg.MinAmount,
		MaxAmount:   cfg.MaxAmount,
		PhonePrefix: cfg.PhonePrefix,
		PhoneLength: cfg.PhoneLength,
		MaxAttempts: cfg.MaxAttempts,
	}
}

// PushLimits returns the gateway-side view of the policy.
func (p TipPolicy) PushLimits() utils.PushLimits {
	return utils.PushLimits{
		MinAmount:   p.MinAmount,
		MaxAmount:   p.MaxAmount,
		PhonePrefix: p.PhonePrefix,
		PhoneLength: p.PhoneLength,
	}
}

type OutcomeKind string

const (
	OutcomePending             OutcomeKind = "pending"
	OutcomeCompleted           OutcomeKind = "completed"
	OutcomeFailed              OutcomeKind = "failed"
	OutcomeError               OutcomeKind = "error"
	OutcomeInvalidInput        OutcomeKind = "invalid_input"
	OutcomeNotFound            OutcomeKind = "not_found"
	OutcomeMaxAttemptsExceeded OutcomeKind = "max_attempts_exceeded"
	OutcomeDuplicate           OutcomeKind = "duplicate"
)

// Outcome is the result of every coordinator operation. Expected conditions
// such as bad input or an unknown id are outcomes, not errors.
type Outcome struct {
	Kind          OutcomeKind
	Status        string
	Message       string
	TransactionID string
	Transaction   *models.Transaction

	httpStatus int
}

// Success reports whether the caller should see success=true.
func (o Outcome) Success() bool {
	switch o.Kind {
	case OutcomePending, OutcomeCompleted:
		return true
	case OutcomeDuplicate:
		return o.Status == string(models.StatusCompleted)
	}
	return false
}

func (o Outcome) HTTPStatus() int {
	if o.httpStatus != 0 {
		return o.httpStatus
	}
	switch o.Kind {
	case OutcomeInvalidInput:
		return http.StatusBadRequest
	case OutcomeNotFound:
		return http.StatusNotFound
	case OutcomeError:
		return http.StatusInternalServerError
	}
	return http.StatusOK
}

func (o Outcome) withHTTPStatus(code int) Outcome {
	o.httpStatus = code
	return o
}

const (
	msgPushSent           = "Please check your phone to complete the payment"
	msgGatewayDown        = "Payment service is unavailable, please try again later"
	msgInternal           = "Could not process the tip, please try again later"
	msgNotFound           = "Transaction not found"
	msgMaxAttempts        = "Maximum verification attempts exceeded"
	msgNoReference        = "Payment request has not been accepted by the provider yet"
	msgCompleted          = "Transaction completed successfully"
	msgFailed             = "Transaction failed"
	sideEffectTimeout     = 5 * time.Second
	defaultTipDescription = "Tip"
)

// TipService owns the transaction lifecycle: it creates records, drives the
// payment gateway, reconciles callbacks and bounds verification polling.
type TipService struct {
	store    TipStore
	gateway  PaymentGateway
	archiver TipArchiver
	events   EventPublisher
	logger   *slog.Logger
	policy   TipPolicy
	now      func() time.Time
}

// NewTipService wires the coordinator. archiver and events may be nil.
func NewTipService(st TipStore, gw PaymentGateway, archiver TipArchiver, events EventPublisher, logger *slog.Logger, policy TipPolicy) *TipService {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 3
	}
	return &TipService{
		store:    st,
		gateway:  gw,
		archiver: archiver,
		events:   events,
		logger:   logger.With("component", "tips"),
		policy:   policy,
		now:      time.Now,
	}
}

// InitiateTip validates the request, creates a pending record and sends the
// STK push. Input errors never touch the store.
func (s *TipService) InitiateTip(ctx context.Context, phone string, amount decimal.Decimal) Outcome {
	normalized, err := utils.NormalizePhone(phone, s.policy.PhonePrefix, s.policy.PhoneLength)
	if err == nil {
		err = utils.ValidateAmount(amount, s.policy.MinAmount, s.policy.MaxAmount)
	}
	if err != nil {
		return Outcome{Kind: OutcomeInvalidInput, Status: string(models.StatusInvalidInput), Message: err.Error()}
	}

	txn, err := s.store.Create(ctx, normalized, amount)
	if err != nil {
		s.logger.Error("create transaction failed", "error", err)
		return Outcome{Kind: OutcomeError, Status: string(models.StatusError), Message: msgInternal}
	}
	log := s.logger.With("transaction_id", txn.ID)

	res, err := s.gateway.InitiatePush(ctx, utils.PushRequest{
		PhoneNumber:      normalized,
		Amount:           amount,
		AccountReference: txn.ID,
		Description:      defaultTipDescription,
	})

	// The push may have reached the provider, so bookkeeping must outlive the caller.
	bg := context.WithoutCancel(ctx)

	if err != nil {
		log.Error("stk push failed", "error", err)
		var ve *utils.ValidationError
		if errors.As(err, &ve) {
			s.markError(bg, txn, ve.Message)
			return Outcome{Kind: OutcomeInvalidInput, Status: string(models.StatusInvalidInput), Message: ve.Message, TransactionID: txn.ID}
		}
		s.markError(bg, txn, err.Error())
		return Outcome{Kind: OutcomeError, Status: string(models.StatusError), Message: msgGatewayDown, TransactionID: txn.ID}
	}

	if !res.Accepted {
		now := s.now().UTC()
		msg := res.Message
		if msg == "" {
			msg = "Failed to initiate payment"
		}
		updated, _, terr := s.store.Transition(bg, txn.ID, models.StatusFailed, models.TransactionPatch{
			LastError:         &msg,
			ResultDescription: &msg,
			ProviderResponse:  res.Raw,
			FailedAt:          &now,
		})
		if terr != nil {
			log.Error("record push rejection failed", "error", terr)
		} else {
			s.afterTerminal(bg, updated, msg)
		}
		log.Warn("stk push rejected", "status", models.StatusFailed, "message", msg)
		return Outcome{Kind: OutcomeFailed, Status: string(models.StatusFailed), Message: msg, TransactionID: txn.ID, Transaction: updated}.
			withHTTPStatus(http.StatusBadRequest)
	}

	updated, err := s.store.Update(bg, txn.ID, models.TransactionPatch{
		GatewayReference:  &res.CheckoutRequestID,
		MerchantRequestID: &res.MerchantRequestID,
		ProviderResponse:  res.Raw,
	})
	if err != nil {
		log.Error("record gateway reference failed", "checkout_request_id", res.CheckoutRequestID, "error", err)
		s.markError(bg, txn, "record gateway reference: "+err.Error())
		return Outcome{Kind: OutcomeError, Status: string(models.StatusError), Message: msgInternal, TransactionID: txn.ID}
	}
	log.Info("tip initiated", "checkout_request_id", res.CheckoutRequestID, "status", updated.Status)
	s.publish(bg, updated, res.Message)

	msg := res.Message
	if msg == "" {
		msg = msgPushSent
	}
	return Outcome{Kind: OutcomePending, Status: string(models.StatusPending), Message: msg, TransactionID: txn.ID, Transaction: updated}
}

// markError moves a pending record to error. Failures are logged only; the
// caller already has the error it needs to report.
func (s *TipService) markError(ctx context.Context, txn *models.Transaction, reason string) {
	now := s.now().UTC()
	updated, applied, err := s.store.Transition(ctx, txn.ID, models.StatusError, models.TransactionPatch{
		LastError: &reason,
		FailedAt:  &now,
	})
	if err != nil {
		s.logger.Error("mark transaction error failed", "transaction_id", txn.ID, "error", err)
		return
	}
	if applied {
		s.afterTerminal(ctx, updated, reason)
	}
}

// HandleCallback reconciles a provider notification. Unknown references and
// already-settled transactions are normal outcomes. The returned error is set
// only when the store could not be read or written.
func (s *TipService) HandleCallback(ctx context.Context, cb *StkCallback) (Outcome, error) {
	log := s.logger.With("checkout_request_id", cb.CheckoutRequestID)

	txn, err := s.store.FindByGatewayReference(ctx, cb.CheckoutRequestID)
	if errors.Is(err, store.ErrNotFound) {
		txn, err = s.store.Get(ctx, cb.CheckoutRequestID)
	}
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("callback for unknown transaction", "result_code", cb.ResultCode)
		return Outcome{Kind: OutcomeNotFound, Message: msgNotFound}, nil
	}
	if err != nil {
		log.Error("callback lookup failed", "error", err)
		return Outcome{}, err
	}
	log = log.With("transaction_id", txn.ID)

	if txn.Status.IsTerminal() {
		log.Info("duplicate callback ignored", "status", txn.Status)
		return duplicateOutcome(txn), nil
	}

	now := s.now().UTC()
	desc := cb.ResultDesc
	to := models.StatusCompleted
	patch := models.TransactionPatch{
		ResultDescription: &desc,
		ProviderResponse:  cb.Raw,
	}
	if cb.Succeeded() {
		patch.ClearLastError = true
		patch.CompletedAt = &now
		if cb.ReceiptNumber != "" {
			patch.ReceiptNumber = &cb.ReceiptNumber
		}
	} else {
		to = models.StatusFailed
		if desc == "" {
			desc = "Payment failed"
		}
		patch.LastError = &desc
		patch.FailedAt = &now
	}

	updated, applied, err := s.store.Transition(ctx, txn.ID, to, patch)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("transaction expired before callback was applied")
		return Outcome{Kind: OutcomeNotFound, Message: msgNotFound}, nil
	}
	if err != nil {
		log.Error("apply callback failed", "error", err)
		return Outcome{}, err
	}
	if !applied {
		log.Info("duplicate callback ignored", "status", updated.Status)
		return duplicateOutcome(updated), nil
	}

	log.Info("callback applied", "status", updated.Status, "result_code", cb.ResultCode)
	s.afterTerminal(context.WithoutCancel(ctx), updated, desc)
	return terminalOutcome(updated, desc), nil
}

// Verify polls the provider for a pending transaction. Attempts are reserved
// before the query so the counter never exceeds the configured maximum.
func (s *TipService) Verify(ctx context.Context, id string) Outcome {
	log := s.logger.With("transaction_id", id)

	txn, err := s.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return Outcome{Kind: OutcomeNotFound, Message: msgNotFound, TransactionID: id}
	}
	if err != nil {
		log.Error("load transaction failed", "error", err)
		return Outcome{Kind: OutcomeError, Status: string(models.StatusError), Message: msgInternal, TransactionID: id}
	}
	if txn.Status.IsTerminal() {
		return snapshotOutcome(txn)
	}
	if txn.GatewayReference == "" {
		return Outcome{Kind: OutcomeError, Status: string(txn.Status), Message: msgNoReference, TransactionID: id, Transaction: txn}.
			withHTTPStatus(http.StatusConflict)
	}

	txn, err = s.store.ReserveAttempt(ctx, id, s.policy.MaxAttempts)
	switch {
	case errors.Is(err, store.ErrAttemptsExhausted):
		return Outcome{Kind: OutcomeMaxAttemptsExceeded, Status: string(OutcomeMaxAttemptsExceeded), Message: msgMaxAttempts, TransactionID: id, Transaction: txn}
	case errors.Is(err, store.ErrNotFound):
		return Outcome{Kind: OutcomeNotFound, Message: msgNotFound, TransactionID: id}
	case err != nil:
		log.Error("reserve verification attempt failed", "error", err)
		return Outcome{Kind: OutcomeError, Status: string(models.StatusError), Message: msgInternal, TransactionID: id}
	}

	res, err := s.gateway.QueryStatus(ctx, txn.GatewayReference)
	bg := context.WithoutCancel(ctx)
	if err != nil {
		log.Warn("status query failed", "attempts", txn.Attempts, "error", err)
		reason := err.Error()
		if updated, uerr := s.store.Update(bg, id, models.TransactionPatch{LastError: &reason}); uerr != nil {
			log.Error("record query failure failed", "error", uerr)
		} else {
			txn = updated
		}
		return Outcome{Kind: OutcomeError, Status: string(models.StatusError), Message: msgGatewayDown, TransactionID: id, Transaction: txn}
	}

	now := s.now().UTC()
	desc := res.ResultDesc
	to := models.StatusCompleted
	patch := models.TransactionPatch{ResultDescription: &desc, ProviderResponse: res.Raw}
	if res.Success {
		patch.ClearLastError = true
		patch.CompletedAt = &now
	} else {
		to = models.StatusFailed
		if desc == "" {
			desc = msgFailed
		}
		patch.LastError = &desc
		patch.FailedAt = &now
	}

	updated, applied, err := s.store.Transition(bg, id, to, patch)
	if err != nil {
		log.Error("apply verification result failed", "error", err)
		return Outcome{Kind: OutcomeError, Status: string(models.StatusError), Message: msgInternal, TransactionID: id}
	}
	if !applied {
		return snapshotOutcome(updated)
	}
	log.Info("transaction verified", "status", updated.Status, "attempts", updated.Attempts)
	s.afterTerminal(bg, updated, desc)
	return terminalOutcome(updated, desc)
}

// Status returns the stored snapshot.
func (s *TipService) Status(ctx context.Context, id string) Outcome {
	txn, err := s.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return Outcome{Kind: OutcomeNotFound, Message: msgNotFound, TransactionID: id}
	}
	if err != nil {
		s.logger.Error("load transaction failed", "transaction_id", id, "error", err)
		return Outcome{Kind: OutcomeError, Status: string(models.StatusError), Message: msgInternal, TransactionID: id}
	}
	return snapshotOutcome(txn)
}

// History lists a phone's transactions newest first.
func (s *TipService) History(ctx context.Context, phone string) ([]models.Transaction, error) {
	normalized, err := utils.NormalizePhone(phone, s.policy.PhonePrefix, s.policy.PhoneLength)
	if err != nil {
		return nil, err
	}
	return s.store.ListByPhone(ctx, normalized)
}

// afterTerminal archives and announces a settled tip. Both are best effort.
func (s *TipService) afterTerminal(ctx context.Context, txn *models.Transaction, message string) {
	if s.archiver != nil {
		actx, cancel := context.WithTimeout(ctx, sideEffectTimeout)
		if err := s.archiver.Archive(actx, txn); err != nil {
			s.logger.Warn("archive tip failed", "transaction_id", txn.ID, "error", err)
		}
		cancel()
	}
	s.publish(ctx, txn, message)
}

func (s *TipService) publish(ctx context.Context, txn *models.Transaction, message string) {
	if s.events == nil {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, sideEffectTimeout)
	defer cancel()
	if err := s.events.PublishTipEvent(pctx, models.NewTipEvent(txn, message, s.now())); err != nil {
		s.logger.Warn("publish tip event failed", "transaction_id", txn.ID, "error", err)
	}
}

func kindFor(status models.TransactionStatus) OutcomeKind {
	switch status {
	case models.StatusCompleted:
		return OutcomeCompleted
	case models.StatusFailed:
		return OutcomeFailed
	case models.StatusError:
		return OutcomeError
	case models.StatusInvalidInput:
		return OutcomeInvalidInput
	}
	return OutcomePending
}

func terminalOutcome(txn *models.Transaction, desc string) Outcome {
	msg := msgCompleted
	if txn.Status != models.StatusCompleted {
		msg = desc
	}
	return Outcome{Kind: kindFor(txn.Status), Status: string(txn.Status), Message: msg, TransactionID: txn.ID, Transaction: txn}
}

// snapshotOutcome reports a stored record as-is; reading it always succeeds.
func snapshotOutcome(txn *models.Transaction) Outcome {
	msg := "Transaction is " + string(txn.Status)
	if txn.LastError != nil && txn.Status != models.StatusPending {
		msg = *txn.LastError
	}
	if txn.Status == models.StatusCompleted {
		msg = msgCompleted
	}
	return Outcome{Kind: kindFor(txn.Status), Status: string(txn.Status), Message: msg, TransactionID: txn.ID, Transaction: txn}.
		withHTTPStatus(http.StatusOK)
}

func duplicateOutcome(txn *models.Transaction) Outcome {
	return Outcome{Kind: OutcomeDuplicate, Status: string(txn.Status), Message: "Transaction already " + string(txn.Status), TransactionID: txn.ID, Transaction: txn}
}
