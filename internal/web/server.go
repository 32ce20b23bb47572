package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/hpungsan/notefeed/internal/logging"
	"github.com/hpungsan/notefeed/internal/metrics"
	"github.com/hpungsan/notefeed/internal/ops"
)

// maxBodyBytes bounds request bodies; a signed event is far smaller.
const maxBodyBytes = 1 << 20

// NewServer creates the HTTP server exposing the feed as a JSON API.
func NewServer(session *ops.Session, m *metrics.Collector, version, bind string, port int, logger *zap.Logger) *http.Server {
	logger = logging.OrNop(logger).Named("http")
	h := &Handlers{session: session, version: version}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogger(logger))
	r.Use(securityHeaders)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/feed", http.StatusFound)
	})
	r.Get("/healthz", h.HandleHealth)
	r.Method(http.MethodGet, "/metrics", m.Handler())

	r.Route("/feed", func(r chi.Router) {
		r.Get("/", h.HandleFeedPage)
		r.Post("/refresh", h.HandleRefresh)
		r.Put("/mode", h.HandleSetMode)
	})
	r.Route("/trust", func(r chi.Router) {
		r.Post("/", h.HandleTrustLookup)
		r.Get("/{pubkey}", h.HandleTrustOne)
	})
	r.Get("/relays", h.HandleRelayHealth)
	r.Post("/store/prune", h.HandlePrune)
	r.Post("/events", h.HandlePublish)

	return &http.Server{
		Addr:              fmt.Sprintf("%s:%d", bind, port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// securityHeaders adds security-related HTTP headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Security-Policy", "default-src 'none'")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}

func requestLogger(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", chimiddleware.GetReqID(r.Context())),
			)
		})
	}
}

// Run serves srv until ctx ends, then shuts down gracefully.
func Run(ctx context.Context, srv *http.Server, logger *zap.Logger) error {
	logger = logging.OrNop(logger).Named("http")

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info("feed API listening", zap.String("addr", "http://"+srv.Addr))
	if strings.Contains(srv.Addr, "0.0.0.0") || strings.Contains(srv.Addr, "::") {
		logger.Warn("server is binding to all interfaces and may be accessible from the network")
	}

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
