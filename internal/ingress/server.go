// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ingress accepts event deliveries over HTTP and hands them to the
// pipeline. The delivering transport owns retries; the status code tells it
// what to do:
//
//	200  done, duplicate or held for approval
//	400  permanent failure, do not retry
//	403  critical failure, already escalated
//	503  retriable failure, deliver again later
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ndx/notify/internal/pipeline"
)

// MaxBodyBytes matches the largest event the bus will deliver.
const MaxBodyBytes = 256 << 10

// Delivery metadata headers set by the transport.
const (
	HeaderAttempt     = "X-Delivery-Attempt"
	HeaderMaxAttempts = "X-Max-Attempts"
)

// Processor handles one delivery.
type Processor interface {
	Handle(ctx context.Context, d pipeline.Delivery) (pipeline.Outcome, error)
}

// Check reports whether a dependency is reachable.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

// Server routes event deliveries, health checks and metrics.
type Server struct {
	proc   Processor
	checks []Check
}

// NewServer creates the HTTP surface for proc.
func NewServer(proc Processor, checks ...Check) *Server {
	return &Server{proc: proc, checks: checks}
}

// Routes returns the server's mux.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", s.ServeEvents)
	mux.HandleFunc("/health", s.ServeHealth)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

type eventResponse struct {
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}

// ServeEvents processes one event delivery synchronously. The body is the
// raw event envelope.
func (s *Server) ServeEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			slog.Warn("event body too large", "limit", MaxBodyBytes)
			writeJSON(w, http.StatusRequestEntityTooLarge, eventResponse{Outcome: "rejected", Error: "body too large"})
			return
		}
		slog.Error("failed to read event body", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, eventResponse{Outcome: "deferred", Error: "read failed"})
		return
	}

	d := pipeline.Delivery{
		Raw:         body,
		Attempt:     headerInt(r, HeaderAttempt),
		MaxAttempts: headerInt(r, HeaderMaxAttempts),
	}

	// Error text stays in the logs; the caller only sees the outcome.
	outcome, _ := s.proc.Handle(r.Context(), d)
	writeJSON(w, statusFor(outcome), eventResponse{Outcome: outcome.String()})
}

// ServeHealth pings every dependency.
func (s *Server) ServeHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	for _, c := range s.checks {
		if err := c.Ping(ctx); err != nil {
			slog.Warn("health check failed", "dependency", c.Name, "error", err)
			http.Error(w, c.Name+" unhealthy", http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status": "healthy"}`))
}

func statusFor(o pipeline.Outcome) int {
	switch o {
	case pipeline.OutcomeDone, pipeline.OutcomeDuplicate, pipeline.OutcomePendingApproval:
		return http.StatusOK
	case pipeline.OutcomeRejected:
		return http.StatusBadRequest
	case pipeline.OutcomeEscalated:
		return http.StatusForbidden
	default:
		return http.StatusServiceUnavailable
	}
}

func headerInt(r *http.Request, key string) int {
	n, err := strconv.Atoi(r.Header.Get(key))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("response write failed", "error", err)
	}
}

// Serve starts the HTTP server on port. It binds immediately and closes
// ready once it is accepting connections. The server stops when ctx is
// cancelled, allowing in-flight requests up to drain to finish, then closes
// stopped.
func Serve(ctx context.Context, port int, handler http.Handler, drain time.Duration) (ready, stopped <-chan struct{}, err error) {
	server := &http.Server{
		Handler:     handler,
		ReadTimeout: 10 * time.Second,
		// Long enough for one pipeline invocation plus sender retries.
		WriteTimeout: 60 * time.Second,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, nil, fmt.Errorf("bind port %d: %w", port, err)
	}

	readyCh, stoppedCh := make(chan struct{}), make(chan struct{})

	go func() {
		defer close(stoppedCh)
		<-ctx.Done()
		slog.Info("ingress server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), drain)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("ingress shutdown error", "error", err)
		}
	}()

	go func() {
		slog.Info("ingress server listening", "port", port)
		close(readyCh)
		if err := server.Serve(ln); err != http.ErrServerClosed {
			slog.Error("ingress server error", "error", err)
		}
	}()

	return readyCh, stoppedCh, nil
}
