package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"shopassist/utils"

	redis "github.com/redis/go-redis/v9"
)

// PhoneRecord tracks push requests for one phone number within a window.
type PhoneRecord struct {
	Count      int
	FirstReqAt time.Time
}

// PhoneRateLimiter caps STK pushes per phone number so a caller cannot flood
// a handset with payment prompts. Counters live in Redis when a client is
// given, so every instance shares them; otherwise they are kept in memory.
type PhoneRateLimiter struct {
	rdb         *redis.Client
	maxPerPhone int
	window      time.Duration
	prefix      string
	length      int
	logger      *slog.Logger

	mu      sync.Mutex
	records map[string]*PhoneRecord
	now     func() time.Time
}

func NewPhoneRateLimiter(rdb *redis.Client, maxPerPhone int, window time.Duration, phonePrefix string, phoneLength int, logger *slog.Logger) *PhoneRateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &PhoneRateLimiter{
		rdb:         rdb,
		maxPerPhone: maxPerPhone,
		window:      window,
		prefix:      phonePrefix,
		length:      phoneLength,
		logger:      logger,
		records:     make(map[string]*PhoneRecord),
		now:         time.Now,
	}
}

// Allow counts one request for phone and reports whether it is within the
// limit, plus how long to wait when it is not.
func (l *PhoneRateLimiter) Allow(ctx context.Context, phone string) (bool, time.Duration) {
	if l.rdb != nil {
		ok, wait, err := l.allowRedis(ctx, phone)
		if err == nil {
			return ok, wait
		}
		l.logger.Warn("phone limiter redis unavailable, using memory", "error", err)
	}
	return l.allowMemory(phone)
}

func (l *PhoneRateLimiter) allowRedis(ctx context.Context, phone string) (bool, time.Duration, error) {
	key := "ratelimit:tip:phone:" + phone
	count, err := l.rdb.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, err
	}
	if count == 1 {
		if err := l.rdb.Expire(ctx, key, l.window).Err(); err != nil {
			return false, 0, err
		}
	}
	if int(count) <= l.maxPerPhone {
		return true, 0, nil
	}
	wait, err := l.rdb.PTTL(ctx, key).Result()
	if err != nil || wait <= 0 {
		// a counter without expiry would block the phone forever
		_ = l.rdb.Expire(ctx, key, l.window).Err()
		wait = l.window
	}
	return false, wait, nil
}

func (l *PhoneRateLimiter) allowMemory(phone string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	rec, ok := l.records[phone]
	if !ok || now.Sub(rec.FirstReqAt) >= l.window {
		l.records[phone] = &PhoneRecord{Count: 1, FirstReqAt: now}
		l.prune(now)
		return true, 0
	}
	if rec.Count >= l.maxPerPhone {
		return false, rec.FirstReqAt.Add(l.window).Sub(now)
	}
	rec.Count++
	return true, 0
}

// prune drops expired records. Caller holds mu.
func (l *PhoneRateLimiter) prune(now time.Time) {
	for phone, rec := range l.records {
		if now.Sub(rec.FirstReqAt) >= l.window {
			delete(l.records, phone)
		}
	}
}

// Middleware reads phone_number from the JSON body and rejects the request
// with 429 once the phone is over its limit. The body is restored for the
// next handler; unparsable bodies pass through to be rejected there.
func (l *PhoneRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			utils.WriteJSON(w, http.StatusBadRequest, utils.APIResponse{Success: false, Message: "Invalid request body"})
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		var payload struct {
			PhoneNumber string `json:"phone_number"`
		}
		if json.Unmarshal(body, &payload) != nil {
			next.ServeHTTP(w, r)
			return
		}
		phone, err := utils.NormalizePhone(payload.PhoneNumber, l.prefix, l.length)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		if ok, wait := l.Allow(r.Context(), phone); !ok {
			secs := int(wait.Seconds())
			if secs < 1 {
				secs = 1
			}
			tooManyRequests(w, "Too many tip requests for this phone number, please try again later", secs)
			return
		}
		next.ServeHTTP(w, r)
	})
}
