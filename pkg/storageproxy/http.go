package storageproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ltessier/mediastore/internal/logger"
	"github.com/ltessier/mediastore/pkg/client"
	prommetrics "github.com/ltessier/mediastore/pkg/metrics/prometheus"
	"github.com/ltessier/mediastore/pkg/record"
)

// Proxy is the storage proxy's HTTP surface.
type Proxy struct {
	relay   *Relay
	metrics *prommetrics.Metrics
}

// NewProxy wraps a Relay with its HTTP surface.
func NewProxy(relay *Relay, metrics *prommetrics.Metrics) *Proxy {
	return &Proxy{relay: relay, metrics: metrics}
}

// putRequest is the /put envelope: a record descriptor plus the relay
// target and the local source path.
type putRequest struct {
	UID      string              `json:"uid"`
	Keys     *record.Keys        `json:"keys"`
	Physical client.PutPhysical  `json:"physical"`
	Policy   *client.PutPolicies `json:"policy"`
	Meta     map[string]any      `json:"meta"`
	Proxy    struct {
		Server Upstream `json:"server"`
		Data   string   `json:"data"`
	} `json:"proxy"`
}

// Router builds the HTTP surface: POST /put.
func (p *Proxy) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(p.requestLogger)
	r.Use(middleware.Recoverer)

	r.Post("/put", p.handlePut)

	return r
}

// Run serves until ctx is cancelled, with the worker pool running alongside
// the listener.
func (p *Proxy) Run(ctx context.Context, bindAddress string, port int) error {
	srv := &http.Server{
		Addr:    bindAddress + ":" + strconv.Itoa(port),
		Handler: p.Router(),
	}

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	go p.relay.Run(workerCtx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("storage proxy listening", "address", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("storage proxy: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("storage proxy shutdown: %w", err)
	}
	return nil
}

func (p *Proxy) handlePut(w http.ResponseWriter, r *http.Request) {
	var req putRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request", http.StatusConflict)
		return
	}
	if req.Proxy.Server.Host == "" || req.Proxy.Server.Port == 0 || req.Proxy.Data == "" {
		http.Error(w, "proxy.server and proxy.data required", http.StatusConflict)
		return
	}
	if req.Physical.Format.Mime == "" {
		http.Error(w, "physical.format.mime required", http.StatusConflict)
		return
	}

	desc := descriptor{
		UID:      req.UID,
		Physical: req.Physical,
		Policy:   req.Policy,
		Meta:     req.Meta,
	}
	if req.Keys != nil {
		desc.Keys = *req.Keys
	}

	result, err := p.relay.Accept(req.Proxy.Server, req.Proxy.Data, desc)
	if err != nil {
		logger.Error("unable to accept upload", logger.Err(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(result); err != nil {
		logger.Warn("unable to write accept response", logger.KeyUID, result.UID, logger.Err(err))
	}
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
