// HTTP server for the probe host's Prometheus endpoint
//
// Serves /metrics from the private registry through promhttp. /health
// answers while the process is up; /ready answers 200 only while the
// registered readiness check passes (MCU link alive, probe configured).
// Other surfaces (the status websocket) are mounted with Handle.
//
//	server := metrics.NewMetricsServer(pm, ":9101")
//	server.SetReadyCheck(func() error { ... })
//	errCh := server.StartAsync()
//	defer server.Shutdown(ctx)
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"klipper-analog-probe/pkg/log"
)

// MetricsServer serves Prometheus metrics over HTTP
type MetricsServer struct {
	addr    string
	server  *http.Server
	mux     *http.ServeMux
	metrics http.Handler
	logger  *log.Logger

	// Optional basic auth on /metrics
	username string
	password string

	mu       sync.RWMutex
	ready    func() error
	listener net.Listener
}

// MetricsServerConfig holds server configuration
type MetricsServerConfig struct {
	Address string

	// Optional basic auth credentials for /metrics
	Username string
	Password string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultMetricsServerConfig returns default server configuration
func DefaultMetricsServerConfig() MetricsServerConfig {
	return MetricsServerConfig{
		Address:      ":9101",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// NewMetricsServer creates a new metrics server with default config
func NewMetricsServer(pm *ProbeMetrics, addr string) *MetricsServer {
	config := DefaultMetricsServerConfig()
	config.Address = addr
	return NewMetricsServerWithConfig(pm, config)
}

// NewMetricsServerWithConfig creates a new metrics server with custom config
func NewMetricsServerWithConfig(pm *ProbeMetrics, config MetricsServerConfig) *MetricsServer {
	ms := &MetricsServer{
		addr:     config.Address,
		mux:      http.NewServeMux(),
		logger:   log.GetLogger("metrics"),
		username: config.Username,
		password: config.Password,
	}
	ms.metrics = promhttp.HandlerFor(pm.Registry(), promhttp.HandlerOpts{
		Registry:      pm.Registry(),
		ErrorHandling: promhttp.ContinueOnError,
	})

	ms.mux.HandleFunc("/metrics", ms.handleMetrics)
	ms.mux.HandleFunc("/health", ms.handleHealth)
	ms.mux.HandleFunc("/ready", ms.handleReady)

	// The websocket upgrade hijacks the connection, so WriteTimeout only
	// bounds ordinary responses.
	ms.server = &http.Server{
		Addr:              config.Address,
		Handler:           ms.mux,
		ReadHeaderTimeout: config.ReadTimeout,
		WriteTimeout:      config.WriteTimeout,
	}
	return ms
}

// Handle mounts an extra handler on the server's mux. Call before Start.
func (ms *MetricsServer) Handle(pattern string, h http.Handler) {
	ms.mux.Handle(pattern, h)
}

// SetReadyCheck installs the function /ready consults. A nil error means
// ready.
func (ms *MetricsServer) SetReadyCheck(fn func() error) {
	ms.mu.Lock()
	ms.ready = fn
	ms.mu.Unlock()
}

// Start listens and serves, blocking until Shutdown.
func (ms *MetricsServer) Start() error {
	ln, err := net.Listen("tcp", ms.addr)
	if err != nil {
		return fmt.Errorf("metrics listen: %w", err)
	}
	ms.mu.Lock()
	ms.listener = ln
	ms.mu.Unlock()
	ms.logger.Info("serving metrics on %s", ln.Addr())

	if err := ms.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics serve: %w", err)
	}
	return nil
}

// StartAsync starts the server in a goroutine. The channel yields the
// serve error, if any, then closes.
func (ms *MetricsServer) StartAsync() chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := ms.Start(); err != nil {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown gracefully shuts down the server
func (ms *MetricsServer) Shutdown(ctx context.Context) error {
	return ms.server.Shutdown(ctx)
}

// Addr returns the bound address once listening, else the configured one.
func (ms *MetricsServer) Addr() string {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	if ms.listener != nil {
		return ms.listener.Addr().String()
	}
	return ms.addr
}

func (ms *MetricsServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !ms.checkAuth(w, r) {
		return
	}
	switch r.Method {
	case http.MethodGet:
		ms.metrics.ServeHTTP(w, r)
	case http.MethodHead:
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (ms *MetricsServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("OK\n"))
}

func (ms *MetricsServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ms.mu.RLock()
	check := ms.ready
	ms.mu.RUnlock()

	w.Header().Set("Content-Type", "text/plain")
	if check != nil {
		if err := check(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "Not Ready: %v\n", err)
			return
		}
	}
	_, _ = w.Write([]byte("Ready\n"))
}

// checkAuth verifies basic auth if configured
func (ms *MetricsServer) checkAuth(w http.ResponseWriter, r *http.Request) bool {
	if ms.username == "" && ms.password == "" {
		return true
	}
	username, password, ok := r.BasicAuth()
	if ok &&
		subtle.ConstantTimeCompare([]byte(username), []byte(ms.username)) == 1 &&
		subtle.ConstantTimeCompare([]byte(password), []byte(ms.password)) == 1 {
		return true
	}
	w.Header().Set("WWW-Authenticate", `Basic realm="Analog Probe"`)
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
	return false
}
