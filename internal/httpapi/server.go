// Package httpapi exposes the engine over a JSON HTTP API.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"tontine/internal/cache"
	"tontine/internal/core"
	"tontine/internal/log"
	"tontine/internal/services"
	"tontine/internal/storage"
)

// LedgerEventPublisher notifies the export pipeline about committed
// transactions. Satisfied by the AMQP client; nil disables publishing.
type LedgerEventPublisher interface {
	PublishLedgerEvent(ctx context.Context, txIDs []string) error
}

type Server struct {
	http.Server
	members *services.MemberRegistry
	cycles  *services.CycleManager
	ledger  *services.Ledger
	store   storage.Store
	events  LedgerEventPublisher

	rateLimiter   *rateLimiter
	httpLog       *log.StructuredLogger
	summaryCache  *cache.LRU[core.CycleSummary]
	balancesCache *cache.LRU[map[string]core.Money]
	janitor       *cache.Janitor
	shutdownOnce  sync.Once
}

// NewServer configures routes, returning a ready-to-run http.Server.
// events may be nil when no broker is configured.
func NewServer(addr string, store storage.Store, members *services.MemberRegistry, cycles *services.CycleManager, ledger *services.Ledger, events LedgerEventPublisher) *Server {
	mux := http.NewServeMux()
	httpLogger := log.New(log.Config{
		Handler:   slog.Default().Handler(),
		Component: log.ComponentHTTP,
	})

	s := &Server{
		Server: http.Server{
			Addr:    addr,
			Handler: log.Middleware(httpLogger)(mux),
		},
		members:       members,
		cycles:        cycles,
		ledger:        ledger,
		store:         store,
		events:        events,
		rateLimiter:   newRateLimiter(),
		httpLog:       log.NewStructuredLogger(httpLogger),
		summaryCache:  cache.NewLRU[core.CycleSummary](100, 5*time.Minute),
		balancesCache: cache.NewLRU[map[string]core.Money](10, time.Minute),
	}

	s.janitor = cache.NewJanitor(s.summaryCache, s.balancesCache)
	s.janitor.Start(10 * time.Minute)

	mux.HandleFunc("GET /healthz", handleHealth)
	mux.HandleFunc("GET /readyz", handleReady)

	mux.HandleFunc("POST /members", s.withMiddleware(s.handleRegisterMember))
	mux.HandleFunc("GET /members", s.withMiddleware(s.handleListMembers))
	mux.HandleFunc("GET /members/{id}", s.withMiddleware(s.handleGetMember))
	mux.HandleFunc("PUT /members/{id}/active", s.withMiddleware(s.handleSetMemberActive))
	mux.HandleFunc("GET /members/{id}/balance", s.withMiddleware(s.handleMemberBalance))
	mux.HandleFunc("GET /members/{id}/transactions", s.withMiddleware(s.handleMemberTransactions))
	mux.HandleFunc("POST /members/{id}/reconcile", s.withMiddleware(s.handleReconcile))
	mux.HandleFunc("GET /balances", s.withMiddleware(s.handleBalances))

	mux.HandleFunc("POST /cycles", s.withMiddleware(s.handleCreateCycle))
	mux.HandleFunc("GET /cycles", s.withMiddleware(s.handleListCycles))
	mux.HandleFunc("GET /cycles/active", s.withMiddleware(s.handleActiveCycle))
	mux.HandleFunc("GET /cycles/{id}", s.withMiddleware(s.handleGetCycle))
	mux.HandleFunc("GET /cycles/{id}/summary", s.withMiddleware(s.handleCycleSummary))
	mux.HandleFunc("GET /cycles/{id}/transactions", s.withMiddleware(s.handleCycleTransactions))
	mux.HandleFunc("POST /cycles/{id}/advance", s.withMiddleware(s.handleAdvanceCycle))
	mux.HandleFunc("POST /cycles/{id}/close", s.withMiddleware(s.handleCloseCycle))

	mux.HandleFunc("POST /contributions", s.withMiddleware(s.handleRecordContribution))
	mux.HandleFunc("POST /distributions", s.withMiddleware(s.handleRecordDistribution))

	mux.HandleFunc("GET /export/ledger.csv", s.withMiddleware(s.handleExportCSV))

	return s
}

// Shutdown gracefully shuts down the server and cleanup routines.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if s.janitor != nil {
			s.janitor.Stop()
		}
		if s.rateLimiter != nil {
			s.rateLimiter.stop()
		}
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}

// withMiddleware adds security headers, rate limiting, and request logging.
func (s *Server) withMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Extract client IP (considering proxies)
		clientIP := r.Header.Get("X-Forwarded-For")
		if clientIP == "" {
			clientIP = r.Header.Get("X-Real-IP")
		}
		if clientIP == "" {
			clientIP = r.RemoteAddr
		}

		requestID := generateRequestID()
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		r = r.WithContext(ctx)

		s.httpLog.LogHTTPStart(ctx, r, clientIP, requestID)

		// Rate limit mutating requests
		if r.Method != http.MethodGet && !s.rateLimiter.allow(clientIP) {
			slog.WarnContext(ctx, "Rate limit exceeded", "client_ip", clientIP, "method", r.Method, "url", r.URL.Path)
			w.Header().Set("Retry-After", "60")
			http.Error(w, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
			return
		}

		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next(rw, r)

		s.httpLog.LogHTTPEnd(ctx, r, rw.statusCode, time.Since(start).Milliseconds(), clientIP, requestID)
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Simple in-memory rate limiter
type rateLimiter struct {
	mu           sync.Mutex
	clients      map[string]*clientInfo
	stopCleanup  chan struct{}
	shutdownOnce sync.Once
}

type clientInfo struct {
	lastRequest time.Time
	requests    int
}

func newRateLimiter() *rateLimiter {
	rl := &rateLimiter{
		clients:     make(map[string]*clientInfo),
		stopCleanup: make(chan struct{}),
	}
	go rl.startCleanup()
	return rl
}

// startCleanup runs periodic cleanup to remove stale client entries
func (rl *rateLimiter) startCleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanupStaleEntries()
		case <-rl.stopCleanup:
			return
		}
	}
}

// cleanupStaleEntries removes client entries older than 10 minutes
func (rl *rateLimiter) cleanupStaleEntries() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-10 * time.Minute)
	for ip, client := range rl.clients {
		if client.lastRequest.Before(cutoff) {
			delete(rl.clients, ip)
		}
	}
}

func (rl *rateLimiter) stop() {
	rl.shutdownOnce.Do(func() {
		if rl.stopCleanup != nil {
			close(rl.stopCleanup)
		}
	})
}

func (rl *rateLimiter) allow(clientIP string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	client, exists := rl.clients[clientIP]

	if !exists {
		rl.clients[clientIP] = &clientInfo{
			lastRequest: now,
			requests:    1,
		}
		return true
	}

	// Reset counter if more than 1 minute has passed
	if now.Sub(client.lastRequest) > time.Minute {
		client.requests = 1
		client.lastRequest = now
		return true
	}

	// Allow up to 60 requests per minute
	client.requests++
	client.lastRequest = now

	return client.requests <= 60
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func handleReady(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// publishLedgerEvent notifies the export worker about committed transactions.
// Failures are logged, never surfaced: the periodic sweep picks up what the
// broker misses.
func (s *Server) publishLedgerEvent(ctx context.Context, txIDs []string) {
	if s.events == nil || len(txIDs) == 0 {
		return
	}
	if err := s.events.PublishLedgerEvent(ctx, txIDs); err != nil {
		log.FromContext(ctx).WarnContext(ctx, "Failed to publish ledger event",
			log.FieldError, err.Error(),
			"transactions", len(txIDs))
	}
}

func (s *Server) invalidateCycle(cycleID string) {
	s.summaryCache.Delete(cycleID)
	s.balancesCache.Delete(balancesCacheKey)
}
