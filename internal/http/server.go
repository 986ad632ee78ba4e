package http

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"finledger/internal/core"
	"finledger/internal/ledger"
	"finledger/internal/log"
)

// EventPublisher pushes committed-entry notifications to the statement
// export pipeline. Implemented by amqp.Client; nil disables publishing.
type EventPublisher interface {
	PublishEntryCommitted(ctx context.Context, entryID, correlationID string, seq int64) error
}

type Server struct {
	http.Server
	engine      *ledger.Engine
	events      EventPublisher
	rateLimiter *rateLimiter

	// LRU cache for category reports with eviction policy
	reportCache *lruCache[core.CategoryReport]

	// Cache cleanup management
	stopCacheCleanup chan struct{}
	shutdownOnce     sync.Once
}

// NewServer configures routes and middleware, returning a ready-to-run
// http.Server.
func NewServer(addr string, engine *ledger.Engine, events EventPublisher) *Server {
	mux := http.NewServeMux()

	s := &Server{
		Server: http.Server{
			Addr:    addr,
			Handler: mux,
		},
		engine:           engine,
		events:           events,
		rateLimiter:      newRateLimiter(),
		reportCache:      newLRUCache[core.CategoryReport](200, time.Minute),
		stopCacheCleanup: make(chan struct{}),
	}

	// Start periodic cache cleanup
	go s.startCacheCleanup()

	mux.HandleFunc("GET /healthz", handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.HandleFunc("POST /admin/verify", s.withSecurityHeaders(s.handleVerify))

	mux.HandleFunc("POST /accounts", s.withSecurityHeaders(s.handleOpenAccount))
	mux.HandleFunc("GET /accounts/{id}", s.withSecurityHeaders(s.handleGetAccount))
	mux.HandleFunc("POST /accounts/{id}/close", s.withSecurityHeaders(s.handleCloseAccount))
	mux.HandleFunc("GET /accounts/{id}/balance", s.withSecurityHeaders(s.handleBalance))
	mux.HandleFunc("POST /accounts/{id}/deposits", s.withSecurityHeaders(s.handleDeposit))
	mux.HandleFunc("POST /accounts/{id}/withdrawals", s.withSecurityHeaders(s.handleWithdraw))

	mux.HandleFunc("POST /transfers", s.withSecurityHeaders(s.handleCreateTransfer))
	mux.HandleFunc("GET /transfers/{id}", s.withSecurityHeaders(s.handleGetTransfer))
	mux.HandleFunc("POST /transfers/{id}/reverse", s.withSecurityHeaders(s.handleReverseTransfer))

	mux.HandleFunc("GET /transactions", s.withSecurityHeaders(s.handleTransactions))
	mux.HandleFunc("GET /reports/categories", s.withSecurityHeaders(s.handleCategoryReport))

	return s
}

// startCacheCleanup runs periodic cleanup for the report cache.
func (s *Server) startCacheCleanup() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cleaned := s.reportCache.CleanExpired()
			if cleaned > 0 {
				slog.Debug("Cache cleanup completed", "report_entries_removed", cleaned)
			}
		case <-s.stopCacheCleanup:
			return
		}
	}
}

// Shutdown gracefully shuts down the server and cleanup routines.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error

	s.shutdownOnce.Do(func() {
		if s.stopCacheCleanup != nil {
			close(s.stopCacheCleanup)
		}
		if s.rateLimiter != nil {
			s.rateLimiter.stop()
		}
		shutdownErr = s.Server.Shutdown(ctx)
	})

	return shutdownErr
}

// withSecurityHeaders adds security headers, rate limiting, and request
// logging to responses.
func (s *Server) withSecurityHeaders(next http.HandlerFunc) http.HandlerFunc {
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

		// Generate request ID for tracing
		requestID := generateRequestID()

		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		slog.InfoContext(ctx, "Request started",
			log.FieldRequestID, requestID,
			log.FieldMethod, r.Method,
			log.FieldPath, r.URL.Path,
			log.FieldClientIP, clientIP)

		// Apply rate limiting to mutating requests
		if r.Method == http.MethodPost && !s.rateLimiter.allow(clientIP) {
			slog.WarnContext(ctx, "Rate limit exceeded", log.FieldClientIP, clientIP, log.FieldMethod, r.Method, log.FieldPath, r.URL.Path)
			w.Header().Set("Retry-After", "60")
			writeJSON(w, http.StatusTooManyRequests, errorEnvelope{Error: errorBody{
				Code:    "RATE_LIMITED",
				Message: "rate limit exceeded, try again later",
			}})
			return
		}

		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

		// Create a custom response writer to capture status code
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next(rw, r)

		duration := time.Since(start)
		slog.InfoContext(ctx, "Request completed",
			log.FieldRequestID, requestID,
			log.FieldMethod, r.Method,
			log.FieldPath, r.URL.Path,
			log.FieldStatusCode, rw.statusCode,
			log.FieldDuration, duration.Milliseconds(),
			log.FieldClientIP, clientIP)
	}
}

type requestIDKey struct{}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// generateRequestID creates a unique request ID for tracing.
func generateRequestID() string {
	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp if random fails
		return fmt.Sprintf("req_%d", time.Now().UnixNano())
	}
	return "req_" + hex.EncodeToString(bytes)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReady reports not-ready once ledger corruption has halted writes.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.engine.Halted() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("halted"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// handleVerify replays the journal against the cached balances on demand.
// A mismatch halts all further writes and reports LEDGER_CORRUPTION.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Verify(r.Context()); err != nil {
		slog.ErrorContext(r.Context(), "Ledger verification failed", log.FieldError, err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// publishEntry notifies the statement pipeline about one committed entry.
// Publish failures are logged and never fail the request: the worker
// sweep picks up anything the broker missed.
func (s *Server) publishEntry(ctx context.Context, e core.Entry) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishEntryCommitted(ctx, e.ID.String(), e.CorrelationID.String(), e.Seq); err != nil {
		slog.ErrorContext(ctx, "Entry publish failed",
			log.FieldError, err,
			log.FieldEntryID, e.ID.String(),
			log.FieldCorrelationID, e.CorrelationID.String())
	}
}

func (s *Server) reportCacheKey(owner, period string) string {
	return owner + "|" + period
}

// invalidateReport drops the cached current-period report for owner after
// a write touching one of their accounts.
func (s *Server) invalidateReport(owner string) {
	s.reportCache.Delete(s.reportCacheKey(owner, core.Period(time.Now())))
}
