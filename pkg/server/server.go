// Package server implements the storage server's HTTP request pipeline:
// routing, the wire codec, per-request trust, and the put/get lifecycle
// against the record store and the family-routed filesystem backends.
package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ltessier/mediastore/internal/alert"
	"github.com/ltessier/mediastore/internal/logger"
	"github.com/ltessier/mediastore/pkg/compression"
	"github.com/ltessier/mediastore/pkg/family"
	prommetrics "github.com/ltessier/mediastore/pkg/metrics/prometheus"
	"github.com/ltessier/mediastore/pkg/recordstore"
)

// Options carry the server's request-pipeline tunables.
type Options struct {
	// TrustedHosts lists client IPs that bypass per-record key checks.
	TrustedHosts []string

	// QueryLimit caps the number of records one query may return.
	QueryLimit int

	// MinuteResolution is the blob-path bucket size recorded into every new
	// record, in minutes.
	MinuteResolution int
}

// Server is the storage server's composition root for request handling. All
// collaborators are injected; the server holds no global state.
type Server struct {
	opts     Options
	store    recordstore.Store
	families *family.Router
	codecs   *compression.Registry
	alerts   *alert.Dispatcher
	metrics  *prommetrics.Metrics
	trusted  map[string]struct{}

	// now is replaceable in tests.
	now func() time.Time
}

// New assembles a Server. alerts may be nil-initialized (disabled) and
// metrics may be the null collector.
func New(store recordstore.Store, families *family.Router, codecs *compression.Registry,
	alerts *alert.Dispatcher, metrics *prommetrics.Metrics, opts Options) *Server {
	if opts.QueryLimit <= 0 {
		opts.QueryLimit = 250
	}
	if opts.MinuteResolution <= 0 {
		opts.MinuteResolution = 5
	}
	trusted := make(map[string]struct{}, len(opts.TrustedHosts))
	for _, host := range opts.TrustedHosts {
		trusted[host] = struct{}{}
	}
	return &Server{
		opts:     opts,
		store:    store,
		families: families,
		codecs:   codecs,
		alerts:   alerts,
		metrics:  metrics,
		trusted:  trusted,
		now:      time.Now,
	}
}

// Router builds the HTTP surface. Every endpoint is POST-only; blobs stream
// without an overall deadline, so no timeout middleware is installed.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Post("/ping", s.handlePing)
	r.Post("/list/families", s.handleListFamilies)
	r.Post("/status", s.handleStatus)
	r.Post("/put", s.handlePut)
	r.Post("/get", s.handleGet)
	r.Post("/describe", s.handleDescribe)
	r.Post("/update", s.handleUpdate)
	r.Post("/unlink", s.handleUnlink)
	r.Post("/query", s.handleQuery)

	return r
}

// Run serves until ctx is cancelled, then drains with a shutdown grace
// period.
func (s *Server) Run(ctx context.Context, bindAddress string, port int) error {
	srv := &http.Server{
		Addr:    bindAddress + ":" + strconv.Itoa(port),
		Handler: s.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("storage server listening", "address", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("storage server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("storage server shutdown: %w", err)
	}
	return nil
}

// requestLogger logs request completion and feeds the request metrics.
// Healthcheck pings are logged at DEBUG to reduce noise.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		duration := time.Since(start)
		operation := r.URL.Path
		s.metrics.RecordRequest(operation, strconv.Itoa(ww.Status()), duration.Seconds())

		logArgs := []any{
			logger.KeyOperation, operation,
			logger.KeyClientIP, clientIP(r),
			logger.KeyStatus, ww.Status(),
			logger.KeyDuration, duration.String(),
		}
		if operation == "/ping" {
			logger.Debug("request completed", logArgs...)
		} else {
			logger.Info("request completed", logArgs...)
		}
	})
}
