package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"shopassist/utils"
)

// In-memory sliding-window limiters keyed by client IP.

type timestamps []int64 // unix nanos

func nowUnix() int64 { return time.Now().UnixNano() }

// IPRateLimiter allows maxReq requests per client IP per window.
type IPRateLimiter struct {
	maxReq      int
	window      time.Duration
	mu          sync.Mutex
	state       map[string]timestamps
	trustedCIDR []string
	sweep       *sweeper
}

// NewIPRateLimiter starts a limiter; forwarding headers are honoured only for
// requests arriving from trusted proxies.
func NewIPRateLimiter(maxReq int, window time.Duration, trustedProxies []string) *IPRateLimiter {
	l := &IPRateLimiter{
		maxReq:      maxReq,
		window:      window,
		state:       make(map[string]timestamps),
		trustedCIDR: trustedProxies,
	}
	l.sweep = startSweeper(&l.mu, l.state, window)
	return l
}

// Stop ends the background cleanup. The limiter keeps working afterwards.
func (l *IPRateLimiter) Stop() { l.sweep.stop() }

// ClientIP returns the client IP string. X-Forwarded-For / X-Real-IP are
// honoured when the remote address is inside one of trustedCIDR.
func ClientIP(r *http.Request, trustedCIDR []string) string {
	remoteHost, _, _ := net.SplitHostPort(r.RemoteAddr)
	remoteIP := net.ParseIP(remoteHost)
	trusted := false
	for _, cidr := range trustedCIDR {
		cidr = strings.TrimSpace(cidr)
		if cidr == "" {
			continue
		}
		if strings.Contains(cidr, "/") {
			if _, ipnet, err := net.ParseCIDR(cidr); err == nil {
				if remoteIP != nil && ipnet.Contains(remoteIP) {
					trusted = true
					break
				}
			}
			continue
		}
		if ip := net.ParseIP(cidr); ip != nil && remoteIP != nil && ip.Equal(remoteIP) {
			trusted = true
			break
		}
	}
	if trusted {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			if len(parts) > 0 {
				return strings.TrimSpace(parts[0])
			}
		}
		if xr := r.Header.Get("X-Real-IP"); xr != "" {
			return strings.TrimSpace(xr)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// hit records a request for key and returns the number of requests in the
// window together with the seconds until the oldest one expires.
func hit(mu *sync.Mutex, state map[string]timestamps, key string, window time.Duration) (int, int) {
	now := nowUnix()
	cutoff := now - int64(window)

	mu.Lock()
	var filtered timestamps
	for _, ts := range state[key] {
		if ts >= cutoff {
			filtered = append(filtered, ts)
		}
	}
	filtered = append(filtered, now)
	state[key] = filtered
	mu.Unlock()

	retryAfter := 1
	if ns := filtered[0] + int64(window) - now; ns > int64(time.Second) {
		retryAfter = int(ns / int64(time.Second))
	}
	return len(filtered), retryAfter
}

func tooManyRequests(w http.ResponseWriter, message string, retryAfter int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	utils.WriteJSON(w, http.StatusTooManyRequests, utils.APIResponse{
		Success: false,
		Message: message,
		Data:    map[string]interface{}{"retry_after_seconds": retryAfter},
	})
}

// Middleware applies per-IP limits and sets rate-limit headers.
func (l *IPRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ClientIP(r, l.trustedCIDR)
		count, retryAfter := hit(&l.mu, l.state, ip, l.window)

		remaining := l.maxReq - count
		if remaining < 0 {
			remaining = 0
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.maxReq))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if count > l.maxReq {
			tooManyRequests(w, "Too many requests, please try again later", retryAfter)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// sweeper periodically drops clients with no requests inside the window.
type sweeper struct {
	quit chan struct{}
	done chan struct{}
	once sync.Once
}

func startSweeper(mu *sync.Mutex, state map[string]timestamps, window time.Duration) *sweeper {
	sw := &sweeper{quit: make(chan struct{}), done: make(chan struct{})}
	go sw.loop(mu, state, window, time.Minute)
	return sw
}

func (sw *sweeper) stop() {
	sw.once.Do(func() { close(sw.quit) })
	<-sw.done
}

func (sw *sweeper) loop(mu *sync.Mutex, state map[string]timestamps, window, every time.Duration) {
	defer close(sw.done)
	tick := time.NewTicker(every)
	defer tick.Stop()
	for {
		select {
		case <-sw.quit:
			return
		case <-tick.C:
		}
		mu.Lock()
		cutoff := nowUnix() - int64(window)
		for k, arr := range state {
			// drop entries that have no timestamps within window
			var filtered timestamps
			for _, ts := range arr {
				if ts >= cutoff {
					filtered = append(filtered, ts)
				}
			}
			if len(filtered) == 0 {
				delete(state, k)
			} else {
				state[k] = filtered
			}
		}
		mu.Unlock()
	}
}

// WebhookLimiter: sliding window + whitelist IP
type WebhookLimiter struct {
	maxReq      int
	window      time.Duration
	whitelist   map[string]bool
	trustedCIDR []string
	mu          sync.Mutex
	state       map[string]timestamps // ip -> timestamps
	sweep       *sweeper
}

func NewWebhookLimiter(maxReq int, window time.Duration, whitelist, trustedProxies []string) *WebhookLimiter {
	wl := make(map[string]bool)
	for _, ip := range whitelist {
		if ip = strings.TrimSpace(ip); ip != "" && !strings.Contains(ip, "/") {
			wl[ip] = true
		}
	}
	l := &WebhookLimiter{
		maxReq:      maxReq,
		window:      window,
		whitelist:   wl,
		trustedCIDR: trustedProxies,
		state:       make(map[string]timestamps),
	}
	l.sweep = startSweeper(&l.mu, l.state, window)
	return l
}

func (l *WebhookLimiter) Stop() { l.sweep.stop() }

func (l *WebhookLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ClientIP(r, l.trustedCIDR)
		if l.whitelist[ip] {
			next.ServeHTTP(w, r)
			return
		}
		count, retryAfter := hit(&l.mu, l.state, ip, l.window)
		if count > l.maxReq {
			tooManyRequests(w, "Too many webhook requests. Please try again later.", retryAfter)
			return
		}
		next.ServeHTTP(w, r)
	})
}
