// Package server exposes a node over HTTP/JSON.
//
// Two route groups share one muxer: /internal/... is called by other nodes
// (heartbeat, single-phase exec, replication, operation status, local
// select), /v1/... is the client API. Every error response has the same JSON
// body, cluster.ErrorResponse, with the status code taken from the error kind.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/dimfeld/httptreemux/v5"
	"go.uber.org/zap"

	"github.com/dreamware/shardq/internal/cluster"
	"github.com/dreamware/shardq/internal/metrics"
	"github.com/dreamware/shardq/internal/queue"
	"github.com/dreamware/shardq/internal/shard"
	"github.com/dreamware/shardq/internal/svcerrors"
)

// Readiness reports whether the node has completed its first heartbeat round.
// It is implemented by coordinator.HeartbeatMonitor.
type Readiness interface {
	IsReady() bool
	Ready(ctx context.Context) error
}

// failureCounter is optionally implemented by Readiness to report probe failures in /v1/nodes.
type failureCounter interface {
	ConsecutiveFails(nodeID string) int
}

// Nodes lists the configured nodes with their liveness.
// It is implemented by coordinator.State.
type Nodes interface {
	LocalID() string
	Statuses() []cluster.NodeStatus
}

// Dependencies of the server.
type Dependencies struct {
	Nodes     Nodes
	Readiness Readiness
	Router    *shard.Router
	Executor  *shard.Executor
	Queue     *queue.Queue
	Metrics   *metrics.Metrics
}

// Server routes HTTP requests to the node components.
type Server struct {
	d      Dependencies
	logger *zap.Logger
	mux    *httptreemux.ContextMux
}

// New creates the server and registers all routes.
func New(d Dependencies, logger *zap.Logger) *Server {
	s := &Server{d: d, logger: logger, mux: httptreemux.NewContextMux()}
	s.mux.NotFoundHandler = func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, svcerrors.NewNotFoundError("route", r.URL.Path))
	}
	s.mux.MethodNotAllowedHandler = func(w http.ResponseWriter, r *http.Request, _ map[string]httptreemux.HandlerFunc) {
		s.writeError(w, r, methodNotAllowedError{method: r.Method, path: r.URL.Path})
	}
	s.mux.PanicHandler = func(w http.ResponseWriter, r *http.Request, p any) {
		s.writeError(w, r, fmt.Errorf("panic: %v", p))
	}
	s.mux.UseHandler(s.logRequests)

	s.mux.GET("/health", s.handleHealth)
	if d.Metrics != nil {
		s.mux.Handler(http.MethodGet, "/metrics", d.Metrics.Handler())
	}

	internal := s.mux.NewGroup("/internal/spaces/:space")
	internal.POST("/exec", s.handleExec)
	internal.POST("/replicate", s.handleReplicate)
	internal.GET("/operations", s.handleLocalOperation)
	internal.GET("/select", s.handleLocalSelect)

	v1 := s.mux.NewGroup("/v1")
	v1.GET("/ready", s.handleReady)
	v1.GET("/nodes", s.handleNodes)
	v1.GET("/shardmap", s.handleShardMap)
	v1.GET("/shard/:key", s.handleShard)
	v1.POST("/spaces/:space/queue/:kind", s.handleEnqueue)
	v1.GET("/spaces/:space/operations", s.handleCheckOperation)
	v1.GET("/spaces/:space/select", s.handleSelect)
	v1.GET("/spaces/:space/stats", s.handleStats)
	v1.POST("/spaces/:space/:kind", s.handleWrite)

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok", "node": s.d.Nodes.LocalID()})
}

// handleReady answers at once, or with wait=true once the node is ready or
// the request ends.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if v := r.URL.Query().Get("wait"); v != "" {
		wait, err := strconv.ParseBool(v)
		if err != nil {
			s.writeError(w, r, svcerrors.NewBadRequestError(fmt.Errorf(`query parameter "wait" must be a boolean, got "%s"`, v)))
			return
		}
		if wait {
			// A canceled wait is answered as not ready
			_ = s.d.Readiness.Ready(r.Context())
		}
	}
	resp := cluster.ReadyResponse{Node: s.d.Nodes.LocalID(), Ready: s.d.Readiness.IsReady()}
	code := http.StatusOK
	if !resp.Ready {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, r, code, resp)
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	statuses := s.d.Nodes.Statuses()
	if fc, ok := s.d.Readiness.(failureCounter); ok {
		for i := range statuses {
			statuses[i].ConsecutiveFails = fc.ConsecutiveFails(statuses[i].ID)
		}
	}
	s.writeJSON(w, r, http.StatusOK, statuses)
}

func (s *Server) handleShardMap(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, s.d.Router.Dump())
}

func (s *Server) handleShard(w http.ResponseWriter, r *http.Request) {
	target, err := s.d.Router.Route(param(r, "key"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, target)
}

// methodNotAllowedError is returned for a known route with another method.
type methodNotAllowedError struct {
	method string
	path   string
}

func (methodNotAllowedError) ErrorName() string {
	return "methodNotAllowed"
}

func (methodNotAllowedError) StatusCode() int {
	return http.StatusMethodNotAllowed
}

func (e methodNotAllowedError) Error() string {
	return fmt.Sprintf(`method %s is not allowed for "%s"`, e.method, e.path)
}

func param(r *http.Request, name string) string {
	return httptreemux.ContextParams(r.Context())[name]
}

func (s *Server) decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return svcerrors.NewBadRequestError(fmt.Errorf("invalid request body: %w", err))
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("cannot write response", zap.String("path", r.URL.Path), zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := svcerrors.HTTPCodeFrom(err)
	if code >= http.StatusInternalServerError && !errors.Is(err, r.Context().Err()) {
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", code),
			zap.Error(err),
		)
	}
	s.writeJSON(w, r, code, cluster.ErrorResponse{
		StatusCode: code,
		Error:      svcerrors.ErrorName(err),
		Message:    err.Error(),
	})
}

// statusWriter captures the status code for the request log.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("took", time.Since(start)),
		)
	})
}
