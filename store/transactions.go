package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"shopassist/models"
	"shopassist/utils"

	redis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound          = errors.New("transaction not found")
	ErrConflict          = errors.New("transaction modified concurrently, retries exhausted")
	ErrAttemptsExhausted = errors.New("maximum verification attempts exceeded")
)

const (
	DefaultRetention = 7 * 24 * time.Hour
	maxTxRetries     = 10
	maxCreateRetries = 3
)

func transactionKey(id string) string   { return "transaction:" + id }
func referenceKey(ref string) string    { return "transaction:ref:" + ref }
func phoneIndexKey(phone string) string { return "transactions:phone:" + phone }

// TransactionStore persists transactions in Redis with a fixed retention window.
// Records live under transaction:<id>; gateway references and phone numbers are
// indexed separately so callbacks and history never need a keyspace scan.
type TransactionStore struct {
	rdb       *redis.Client
	retention time.Duration
	now       func() time.Time
	newID     func() string
	logger    *slog.Logger
}

type Option func(*TransactionStore)

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *TransactionStore) { s.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *TransactionStore) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithIDGenerator overrides transaction id generation.
func WithIDGenerator(gen func() string) Option {
	return func(s *TransactionStore) { s.newID = gen }
}

func NewTransactionStore(rdb *redis.Client, retention time.Duration, opts ...Option) *TransactionStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	s := &TransactionStore{
		rdb:       rdb,
		retention: retention,
		now:       time.Now,
		newID:     utils.GenerateTransactionID,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create stores a new pending transaction and indexes it by phone number.
func (s *TransactionStore) Create(ctx context.Context, phone string, amount decimal.Decimal) (*models.Transaction, error) {
	for i := 0; i < maxCreateRetries; i++ {
		now := s.now().UTC()
		t := &models.Transaction{
			ID:          s.newID(),
			PhoneNumber: phone,
			Amount:      amount,
			Status:      models.StatusPending,
			Attempts:    0,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		data, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("encode transaction: %w", err)
		}
		ok, err := s.rdb.SetNX(ctx, transactionKey(t.ID), data, s.retention).Result()
		if err != nil {
			return nil, fmt.Errorf("store transaction %s: %w", t.ID, err)
		}
		if !ok {
			continue
		}
		idx := phoneIndexKey(phone)
		_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZAdd(ctx, idx, redis.Z{Score: float64(now.UnixNano()), Member: t.ID})
			pipe.Expire(ctx, idx, s.retention)
			return nil
		})
		if err != nil {
			// An unindexed record would never show up in history.
			if derr := s.rdb.Del(context.WithoutCancel(ctx), transactionKey(t.ID)).Err(); derr != nil {
				s.logger.Error("remove unindexed transaction failed", "transaction_id", t.ID, "error", derr)
			}
			return nil, fmt.Errorf("index transaction %s: %w", t.ID, err)
		}
		return t, nil
	}
	return nil, errors.New("could not allocate a unique transaction id")
}

// Get returns the transaction or ErrNotFound.
func (s *TransactionStore) Get(ctx context.Context, id string) (*models.Transaction, error) {
	raw, err := s.rdb.Get(ctx, transactionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load transaction %s: %w", id, err)
	}
	return decode(raw)
}

// FindByGatewayReference resolves a provider correlation id to its transaction.
func (s *TransactionStore) FindByGatewayReference(ctx context.Context, ref string) (*models.Transaction, error) {
	id, err := s.rdb.Get(ctx, referenceKey(ref)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve reference %s: %w", ref, err)
	}
	return s.Get(ctx, id)
}

// ListByPhone returns the phone's transactions newest first. Index members whose
// record already expired are removed on the way.
func (s *TransactionStore) ListByPhone(ctx context.Context, phone string) ([]models.Transaction, error) {
	idx := phoneIndexKey(phone)
	ids, err := s.rdb.ZRevRange(ctx, idx, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list transactions for phone: %w", err)
	}
	if len(ids) == 0 {
		return []models.Transaction{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = transactionKey(id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load transactions for phone: %w", err)
	}

	out := make([]models.Transaction, 0, len(ids))
	var stale []interface{}
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		t, err := decode([]byte(str))
		if err != nil {
			s.logger.Warn("skipping undecodable transaction", "transaction_id", ids[i], "error", err)
			continue
		}
		out = append(out, *t)
	}
	if len(stale) > 0 {
		_ = s.rdb.ZRem(ctx, idx, stale...).Err()
	}
	return out, nil
}

// Update merges patch into the stored record. The original expiry is kept.
func (s *TransactionStore) Update(ctx context.Context, id string, patch models.TransactionPatch) (*models.Transaction, error) {
	return s.mutate(ctx, id, func(t *models.Transaction) (bool, error) {
		patch.Apply(t)
		return true, nil
	})
}

// IncrementAttempts bumps the attempt counter and records lastErr. An empty
// lastErr clears last_error.
func (s *TransactionStore) IncrementAttempts(ctx context.Context, id, lastErr string) (*models.Transaction, error) {
	return s.mutate(ctx, id, func(t *models.Transaction) (bool, error) {
		t.Attempts++
		if lastErr == "" {
			t.LastError = nil
		} else {
			msg := lastErr
			t.LastError = &msg
		}
		return true, nil
	})
}

// ReserveAttempt atomically consumes one verification attempt. When the
// counter already reached max it returns the unchanged record together with
// ErrAttemptsExhausted.
func (s *TransactionStore) ReserveAttempt(ctx context.Context, id string, max int) (*models.Transaction, error) {
	exhausted := false
	t, err := s.mutate(ctx, id, func(t *models.Transaction) (bool, error) {
		exhausted = t.Attempts >= max
		if exhausted {
			return false, nil
		}
		t.Attempts++
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if exhausted {
		return t, ErrAttemptsExhausted
	}
	return t, nil
}

// Transition moves the record to status to when the state machine allows it,
// merging patch in the same write. applied is false and the current record is
// returned when the transition is not allowed.
func (s *TransactionStore) Transition(ctx context.Context, id string, to models.TransactionStatus, patch models.TransactionPatch) (*models.Transaction, bool, error) {
	applied := false
	t, err := s.mutate(ctx, id, func(t *models.Transaction) (bool, error) {
		applied = false
		if !models.CanTransition(t.Status, to) {
			return false, nil
		}
		patch.Status = &to
		patch.Apply(t)
		applied = true
		return true, nil
	})
	if err != nil {
		return nil, false, err
	}
	return t, applied, nil
}

// mutate runs fn against the current record under WATCH and commits the result
// with MULTI/EXEC, retrying when another writer got there first.
func (s *TransactionStore) mutate(ctx context.Context, id string, fn func(t *models.Transaction) (bool, error)) (*models.Transaction, error) {
	key := transactionKey(id)
	var out *models.Transaction

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		t, err := decode(raw)
		if err != nil {
			return err
		}
		write, err := fn(t)
		if err != nil {
			return err
		}
		if !write {
			out = t
			return nil
		}
		t.UpdatedAt = s.now().UTC()
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("encode transaction: %w", err)
		}
		ttl, err := tx.PTTL(ctx, key).Result()
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SetArgs(ctx, key, data, redis.SetArgs{KeepTTL: true})
			if t.GatewayReference != "" {
				if ttl <= 0 {
					ttl = s.retention
				}
				pipe.Set(ctx, referenceKey(t.GatewayReference), t.ID, ttl)
			}
			return nil
		})
		if err != nil {
			return err
		}
		out = t
		return nil
	}

	for i := 0; i < maxTxRetries; i++ {
		out = nil
		err := s.rdb.Watch(ctx, txf, key)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update transaction %s: %w", id, err)
	}
	return nil, ErrConflict
}

func decode(raw []byte) (*models.Transaction, error) {
	var t models.Transaction
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	if !t.Status.Valid() {
		return nil, fmt.Errorf("decode transaction %s: unknown status %q", t.ID, t.Status)
	}
	return &t, nil
}
