package routes

import (
	"net/http"
	"time"

	"shopassist/controllers"
	"shopassist/middleware"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

// Deps carries the handlers and limiter settings the router mounts.
type Deps struct {
	Tips      *controllers.TipController
	Recommend *controllers.RecommendController
	Health    *controllers.HealthController

	// PhoneLimiter caps pushes per phone on the initiate route; nil disables it.
	PhoneLimiter *middleware.PhoneRateLimiter

	AllowedOrigins     []string
	TrustedProxies     []string
	CallbackAllowedIPs []string

	RecommendPerMinute int
	CallbackPerMinute  int
}

func optionsHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// InitRouter mounts every route. The returned stop func ends the rate
// limiters' background cleanup.
func InitRouter(d Deps) (*mux.Router, func()) {
	r := mux.NewRouter()

	r.HandleFunc("/health", d.Health.Health).Methods(http.MethodGet)
	r.HandleFunc("/", d.Health.Info).Methods(http.MethodGet)

	origins := d.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(func(next http.Handler) http.Handler {
		return handlers.CORS(
			handlers.AllowedOrigins(origins),
			handlers.AllowedMethods([]string{"GET", "POST", "OPTIONS"}),
			handlers.AllowedHeaders([]string{"Content-Type", "X-Requested-With", "X-Request-ID"}),
		)(next)
	})

	api := r.PathPrefix("/api/v1").Subrouter()

	// Add catch-all OPTIONS handler for CORS preflight
	api.PathPrefix("/").HandlerFunc(optionsHandler).Methods(http.MethodOptions)

	recommendPerMinute := d.RecommendPerMinute
	if recommendPerMinute <= 0 {
		recommendPerMinute = 30
	}
	callbackPerMinute := d.CallbackPerMinute
	if callbackPerMinute <= 0 {
		callbackPerMinute = 300
	}
	recommendLimiter := middleware.NewIPRateLimiter(recommendPerMinute, time.Minute, d.TrustedProxies)
	webhookLimiter := middleware.NewWebhookLimiter(callbackPerMinute, time.Minute, d.CallbackAllowedIPs, d.TrustedProxies)

	registerTipRoutes(api, d, webhookLimiter)

	api.Handle("/recommend", recommendLimiter.Middleware(http.HandlerFunc(d.Recommend.Recommend))).Methods(http.MethodPost)
	api.Handle("/recommend/clarify", recommendLimiter.Middleware(http.HandlerFunc(d.Recommend.Clarify))).Methods(http.MethodPost)

	stop := func() {
		recommendLimiter.Stop()
		webhookLimiter.Stop()
	}
	return r, stop
}

func registerTipRoutes(api *mux.Router, d Deps, webhookLimiter *middleware.WebhookLimiter) {
	tip := api.PathPrefix("/tip").Subrouter()

	var initiate http.Handler = http.HandlerFunc(d.Tips.Initiate)
	if d.PhoneLimiter != nil {
		initiate = d.PhoneLimiter.Middleware(initiate)
	}
	tip.Handle("/initiate", initiate).Methods(http.MethodPost)
	tip.Handle("/callback", webhookLimiter.Middleware(http.HandlerFunc(d.Tips.Callback))).Methods(http.MethodPost)
	tip.HandleFunc("/status/{transaction_id}", d.Tips.Status).Methods(http.MethodGet)
	tip.HandleFunc("/verify/{transaction_id}", d.Tips.Verify).Methods(http.MethodPost)
	tip.HandleFunc("/history/{phone_number}", d.Tips.History).Methods(http.MethodGet)
}
