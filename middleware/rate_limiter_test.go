package middleware

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
)

func TestClientIP_DirectRemote(t *testing.T) {
	req := httptest.NewRequest("GET", "http://example.local/", nil)
	req.RemoteAddr = "203.0.113.5:54321"
	ip := ClientIP(req, nil)
	if ip != "203.0.113.5" {
		t.Fatalf("expected direct remote IP, got %s", ip)
	}
}

func TestClientIP_TrustedProxyXFF(t *testing.T) {
	req := httptest.NewRequest("GET", "http://example.local/", nil)
	req.RemoteAddr = "198.51.100.10:443"
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 198.51.100.10")
	// trustedCIDR contains the remote IP
	ip := ClientIP(req, []string{"198.51.100.10"})
	if ip != "203.0.113.7" {
		t.Fatalf("expected X-Forwarded-For first value, got %s", ip)
	}
}

func TestClientIP_TrustedProxyCIDR(t *testing.T) {
	req := httptest.NewRequest("GET", "http://example.local/", nil)
	req.RemoteAddr = "10.0.3.4:443"
	req.Header.Set("X-Real-IP", "203.0.113.9")
	if ip := ClientIP(req, []string{"10.0.0.0/8"}); ip != "203.0.113.9" {
		t.Fatalf("expected X-Real-IP behind trusted CIDR, got %s", ip)
	}
}

func TestClientIP_UntrustedProxyIgnoresXFF(t *testing.T) {
	req := httptest.NewRequest("GET", "http://example.local/", nil)
	req.RemoteAddr = "198.51.100.11:443"
	req.Header.Set("X-Forwarded-For", "203.0.113.8, 198.51.100.11")
	ip := ClientIP(req, []string{"198.51.100.10"})
	if ip != "198.51.100.11" {
		t.Fatalf("expected remote IP when proxy untrusted, got %s", ip)
	}
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestIPRateLimiterBlocksOverLimit(t *testing.T) {
	l := NewIPRateLimiter(2, time.Minute, nil)
	t.Cleanup(l.Stop)
	h := l.Middleware(okHandler)
	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/api/v1/recommend", nil)
		req.RemoteAddr = "203.0.113.5:1000"
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rr.Code)
		}
	}
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/v1/recommend", nil)
	req.RemoteAddr = "203.0.113.5:1000"
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests || rr.Header().Get("Retry-After") == "" {
		t.Fatalf("expected 429 with Retry-After, got %d", rr.Code)
	}

	other := httptest.NewRequest("POST", "/api/v1/recommend", nil)
	other.RemoteAddr = "203.0.113.6:1000"
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, other)
	if rr.Code != http.StatusOK {
		t.Fatalf("limit must be per IP, got %d", rr.Code)
	}
}

func TestWebhookLimiterWhitelist(t *testing.T) {
	l := NewWebhookLimiter(1, time.Minute, []string{"196.201.214.200"}, nil)
	t.Cleanup(l.Stop)
	h := l.Middleware(okHandler)
	for i := 0; i < 3; i++ {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/api/v1/tip/callback", nil)
		req.RemoteAddr = "196.201.214.200:443"
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("whitelisted request %d limited", i)
		}
	}
	codes := []int{}
	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/api/v1/tip/callback", nil)
		req.RemoteAddr = "10.0.0.1:443"
		h.ServeHTTP(rr, req)
		codes = append(codes, rr.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Fatalf("unexpected codes %v", codes)
	}
}

func tipBody(phone string) *strings.Reader {
	return strings.NewReader(`{"phone_number":"` + phone + `","amount":100}`)
}

func TestPhoneRateLimiterRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	var seenBody string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := new(strings.Builder)
		_, _ = io.Copy(buf, r.Body)
		seenBody = buf.String()
		w.WriteHeader(http.StatusOK)
	})
	h := NewPhoneRateLimiter(rdb, 2, 10*time.Minute, "+254", 13, nil).Middleware(next)

	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest("POST", "/api/v1/tip/initiate", tipBody("+254712345678")))
		if rr.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rr.Code)
		}
	}
	if !strings.Contains(seenBody, `"amount":100`) {
		t.Fatalf("body not restored for next handler: %q", seenBody)
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("POST", "/api/v1/tip/initiate", tipBody("+254712345678")))
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if ttl := mr.TTL("ratelimit:tip:phone:+254712345678"); ttl != 10*time.Minute {
		t.Fatalf("unexpected counter ttl %v", ttl)
	}

	mr.FastForward(11 * time.Minute)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("POST", "/api/v1/tip/initiate", tipBody("+254712345678")))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected window reset, got %d", rr.Code)
	}
}

func TestPhoneRateLimiterPassesInvalidInput(t *testing.T) {
	l := NewPhoneRateLimiter(nil, 1, time.Minute, "+254", 13, nil)
	h := l.Middleware(okHandler)
	for _, body := range []string{"not json", `{"phone_number":"0712"}`, `{"phone_number":"0712"}`} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest("POST", "/api/v1/tip/initiate", strings.NewReader(body)))
		if rr.Code != http.StatusOK {
			t.Fatalf("body %q should reach the handler, got %d", body, rr.Code)
		}
	}
}

func TestPhoneRateLimiterMemoryWindow(t *testing.T) {
	l := NewPhoneRateLimiter(nil, 2, time.Minute, "+254", 13, nil)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if ok, _ := l.Allow(ctx, "+254712345678"); !ok {
			t.Fatalf("request %d rejected", i)
		}
	}
	ok, wait := l.Allow(ctx, "+254712345678")
	if ok || wait != time.Minute {
		t.Fatalf("expected rejection with a full minute wait, got %v %v", ok, wait)
	}
	if ok, _ := l.Allow(ctx, "+254700000000"); !ok {
		t.Fatal("other phones must not be affected")
	}

	now = now.Add(61 * time.Second)
	if ok, _ := l.Allow(ctx, "+254712345678"); !ok {
		t.Fatal("expected reset after window")
	}
}

func TestSweeperDropsIdleClientsAndStops(t *testing.T) {
	var mu sync.Mutex
	state := map[string]timestamps{
		"203.0.113.1": {nowUnix() - int64(2*time.Minute)},
		"203.0.113.2": {nowUnix()},
	}
	sw := &sweeper{quit: make(chan struct{}), done: make(chan struct{})}
	go sw.loop(&mu, state, time.Minute, 5*time.Millisecond)

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		_, idle := state["203.0.113.1"]
		_, active := state["203.0.113.2"]
		mu.Unlock()
		if !idle && active {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("idle client not swept: %v", state)
		}
		time.Sleep(5 * time.Millisecond)
	}

	sw.stop()
	sw.stop()
	select {
	case <-sw.done:
	default:
		t.Fatal("sweeper still running after stop")
	}
}

func TestLimiterStopIsIdempotent(t *testing.T) {
	ip := NewIPRateLimiter(1, time.Minute, nil)
	ip.Stop()
	ip.Stop()
	wh := NewWebhookLimiter(1, time.Minute, nil, nil)
	wh.Stop()
	wh.Stop()
}
