package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/retail-crawl-coordinator/internal/browser"
	"github.com/JakeFAU/retail-crawl-coordinator/internal/config"
	"github.com/JakeFAU/retail-crawl-coordinator/internal/crawler"
	"github.com/JakeFAU/retail-crawl-coordinator/internal/policy/breaker"
	"github.com/JakeFAU/retail-crawl-coordinator/internal/proxy/static"
	"github.com/JakeFAU/retail-crawl-coordinator/internal/store"
	"github.com/JakeFAU/retail-crawl-coordinator/internal/telemetry"
)

const requestTimeout = 60 * time.Second

// Enqueuer accepts jobs for asynchronous processing.
type Enqueuer interface {
	Enqueue(ctx context.Context, job crawler.ScrapeJob) (crawler.ScrapeJob, error)
}

// DetailScraper runs one product detail scrape synchronously.
type DetailScraper interface {
	ScrapeDetail(ctx context.Context, job crawler.ScrapeJob) (store.Product, error)
}

// PoolStats reports browser pool health.
type PoolStats interface {
	Stats() browser.Stats
}

// BreakerStats reports per-domain breaker windows.
type BreakerStats interface {
	Stats() []breaker.Stats
}

// ProxyUsage reports proxy accounting.
type ProxyUsage interface {
	Usage() []static.Usage
}

// Check is one readiness check.
type Check struct {
	Name string
	Run  func(ctx context.Context) error
}

// Deps holds the collaborators the handlers call. Pool, Breaker and Proxies
// are optional; their admin routes answer 404 when unset.
type Deps struct {
	Jobs      Enqueuer
	Detail    DetailScraper
	Progress  store.ProgressTracker
	Cursor    store.ChatCursor
	Products  store.ProductRepository
	Hasher    crawler.Hasher
	IDs       crawler.IDGenerator
	Clock     crawler.Clock
	Retailers []crawler.Retailer
	Pool      PoolStats
	Breaker   BreakerStats
	Proxies   ProxyUsage
	Checks    []Check
}

// Server wires HTTP handlers to the coordinator components.
type Server struct {
	Deps
	router    chi.Router
	cfg       config.Config
	logger    *zap.Logger
	retailers map[string]crawler.Retailer
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		Deps:      deps,
		cfg:       cfg,
		logger:    logger.Named("api"),
		retailers: make(map[string]crawler.Retailer, len(deps.Retailers)),
	}
	for _, r := range deps.Retailers {
		s.retailers[strings.ToLower(r.Name)] = r
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(telemetry.Middleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Post("/crawl", s.submitCrawl)
		r.Get("/crawl/{retailer}/status", s.crawlStatus)
		r.Get("/chats/{chat_id}/results", s.chatResults)
		r.Delete("/chats/{chat_id}/cursors", s.resetCursors)
		r.Post("/products/{retailer}/{id}/scrape", s.scrapeProduct)
		r.Get("/products/{retailer}/{id}", s.getProduct)
		r.Route("/admin", func(r chi.Router) {
			r.Get("/pool", s.poolStats)
			r.Get("/breaker", s.breakerStats)
			r.Get("/proxies", s.proxyUsage)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	failures := map[string]string{}
	for _, c := range s.Checks {
		if err := c.Run(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.String("check", c.Name), zap.Error(err))
			failures[c.Name] = err.Error()
		}
	}
	if len(failures) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failures": failures})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", requestID(r.Context())),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// retailer resolves a path or body retailer name case-insensitively.
func (s *Server) retailer(name string) (crawler.Retailer, bool) {
	r, ok := s.retailers[strings.ToLower(strings.TrimSpace(name))]
	return r, ok
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload) //nolint:errcheck // client went away
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
