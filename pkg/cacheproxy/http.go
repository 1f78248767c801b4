package cacheproxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ltessier/mediastore/internal/logger"
	"github.com/ltessier/mediastore/pkg/client"
	prommetrics "github.com/ltessier/mediastore/pkg/metrics/prometheus"
)

// HeaderFileAttributes carries the cached entity's file attributes as a JSON
// object on /get responses.
const HeaderFileAttributes = "File-Attributes"

// Proxy is the caching proxy's HTTP surface.
type Proxy struct {
	cache   *Cache
	metrics *prommetrics.Metrics
}

// NewProxy wraps a Cache with its HTTP surface.
func NewProxy(cache *Cache, metrics *prommetrics.Metrics) *Proxy {
	return &Proxy{cache: cache, metrics: metrics}
}

// proxyRequest is the envelope both endpoints accept.
type proxyRequest struct {
	UID  string `json:"uid"`
	Keys struct {
		Read *string `json:"read"`
	} `json:"keys"`
	Proxy struct {
		Server Upstream `json:"server"`
	} `json:"proxy"`
}

// Router builds the HTTP surface: POST /get and /describe.
func (p *Proxy) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(p.requestLogger)
	r.Use(middleware.Recoverer)

	r.Post("/get", p.handleGet)
	r.Post("/describe", p.handleDescribe)

	return r
}

// Run serves until ctx is cancelled, running the purger alongside the
// listener.
func (p *Proxy) Run(ctx context.Context, bindAddress string, port int) error {
	srv := &http.Server{
		Addr:    bindAddress + ":" + strconv.Itoa(port),
		Handler: p.Router(),
	}

	purgerCtx, stopPurger := context.WithCancel(ctx)
	defer stopPurger()
	go p.cache.RunPurger(purgerCtx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("caching proxy listening", "address", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("caching proxy: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("caching proxy shutdown: %w", err)
	}
	return nil
}

func (p *Proxy) handleGet(w http.ResponseWriter, r *http.Request) {
	req, ok := p.decode(w, r)
	if !ok {
		return
	}

	content, err := p.cache.Get(r.Context(), req.Proxy.Server, req.UID, req.Keys.Read)
	if err != nil {
		p.respondError(w, req.UID, err)
		return
	}
	defer content.Body.Close()

	w.Header().Set("Content-Type", content.Mime)
	if content.Comp != "" {
		w.Header().Set(client.HeaderAppliedCompression, content.Comp)
	}
	if len(content.Attributes) > 0 {
		attrs, err := json.Marshal(content.Attributes)
		if err == nil {
			w.Header().Set(HeaderFileAttributes, string(attrs))
		}
	}
	if _, err := io.Copy(w, content.Body); err != nil {
		logger.Warn("aborted cached transfer", logger.KeyUID, req.UID, logger.Err(err))
	}
}

func (p *Proxy) handleDescribe(w http.ResponseWriter, r *http.Request) {
	req, ok := p.decode(w, r)
	if !ok {
		return
	}

	meta, err := p.cache.Describe(r.Context(), req.Proxy.Server, req.UID, req.Keys.Read)
	if err != nil {
		p.respondError(w, req.UID, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(meta); err != nil {
		logger.Warn("unable to write description", logger.KeyUID, req.UID, logger.Err(err))
	}
}

func (p *Proxy) decode(w http.ResponseWriter, r *http.Request) (*proxyRequest, bool) {
	var req proxyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request", http.StatusConflict)
		return nil, false
	}
	if req.UID == "" || req.Proxy.Server.Host == "" || req.Proxy.Server.Port == 0 {
		http.Error(w, "uid and proxy.server required", http.StatusConflict)
		return nil, false
	}
	return &req, true
}

// respondError maps cache and upstream failures onto the wire statuses.
func (p *Proxy) respondError(w http.ResponseWriter, uid string, err error) {
	var status int
	var notAuthorised *client.NotAuthorisedError
	var notFound *client.NotFoundError
	var temporary *client.TemporaryFailureError
	switch {
	case errors.Is(err, ErrPermission), errors.As(err, &notAuthorised):
		logger.Warn("read key rejected", logger.KeyUID, uid)
		status = http.StatusForbidden
	case errors.As(err, &notFound):
		status = http.StatusNotFound
	case errors.As(err, &temporary):
		logger.Warn("upstream unavailable", logger.KeyUID, uid, logger.Err(err))
		status = http.StatusServiceUnavailable
	default:
		logger.Error("unhandled cache failure", logger.KeyUID, uid, logger.Err(err))
		status = http.StatusInternalServerError
	}
	w.WriteHeader(status)
}

func (p *Proxy) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		duration := time.Since(start)
		p.metrics.RecordRequest(r.URL.Path, strconv.Itoa(ww.Status()), duration.Seconds())
		logger.Info("request completed",
			logger.KeyOperation, r.URL.Path,
			logger.KeyStatus, ww.Status(),
			logger.KeyDuration, duration.String(),
		)
	})
}
