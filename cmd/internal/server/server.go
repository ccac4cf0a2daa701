package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	v1 "github.com/metal-stack/node-agent/api/v1"
	"github.com/metal-stack/node-agent/cmd/internal/database"
	"github.com/metal-stack/node-agent/cmd/internal/metrics"
	"github.com/metal-stack/node-agent/cmd/internal/operations"
	"github.com/metal-stack/node-agent/cmd/internal/version"
)

const (
	// maxRequestSize bounds the body of a submitted operation request
	maxRequestSize = 1 << 20

	shutdownTimeout = 10 * time.Second
)

// Registry is what the server needs from the operation registry
type Registry interface {
	Submit(kind string, raw json.RawMessage) (v1.OperationSnapshot, error)
	Status(id string) (v1.OperationSnapshot, error)
	List() []v1.OperationSnapshot
}

// Server exposes the operation registry and the node status over http
type Server struct {
	log      *slog.Logger
	addr     string
	registry Registry
	admin    database.Admin
	metrics  *metrics.Metrics
}

func New(log *slog.Logger, addr string, registry Registry, admin database.Admin, m *metrics.Metrics) *Server {
	return &Server{
		log:      log,
		addr:     addr,
		registry: registry,
		admin:    admin,
		metrics:  m,
	}
}

// Handler returns the routes of the server
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /operations/{kind}", s.submit)
	mux.HandleFunc("GET /operations/{id}", s.status)
	mux.HandleFunc("GET /operations", s.list)
	mux.HandleFunc("GET /status", s.nodeStatus)

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	return s.recoverPanics(s.logRequests(mux))
}

// Start serves until ctx is done
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	s.log.Info("start operation server", "address", s.addr)

	go func() {
		<-ctx.Done()
		s.log.Info("received stop signal, shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("unable to shut down operation server", "error", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve: %w", err)
	}

	return nil
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	kind := r.PathValue("kind")

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestSize))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, &v1.OperationError{Kind: v1.ErrorKindInvalidRequest, Message: err.Error()})
		return
	}

	snapshot, err := s.registry.Submit(kind, raw)
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, v1.SubmitResponse{ID: snapshot.ID})
}

func (s *Server) writeSubmitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, operations.ErrUnknownOperationKind):
		s.writeError(w, http.StatusNotFound, &v1.OperationError{Kind: v1.ErrorKindUnknownOperation, Message: err.Error()})
	case errors.Is(err, operations.ErrInvalidRequest):
		s.writeError(w, http.StatusBadRequest, &v1.OperationError{Kind: v1.ErrorKindInvalidRequest, Message: err.Error()})
	case errors.Is(err, operations.ErrQueueFull):
		s.writeError(w, http.StatusServiceUnavailable, &v1.OperationError{Kind: v1.ErrorKindQueueFull, Message: err.Error()})
	default:
		s.writeError(w, http.StatusInternalServerError, &v1.OperationError{Kind: v1.ErrorKindInternal, Message: err.Error()})
	}
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.registry.Status(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, operations.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, &v1.OperationError{Kind: v1.ErrorKindNotFound, Message: err.Error()})
			return
		}
		s.writeError(w, http.StatusInternalServerError, &v1.OperationError{Kind: v1.ErrorKindInternal, Message: err.Error()})
		return
	}

	s.writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) list(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, v1.OperationList{Operations: s.registry.List()})
}

func (s *Server) nodeStatus(w http.ResponseWriter, r *http.Request) {
	release, err := s.admin.ReleaseVersion(r.Context())
	if err != nil {
		s.writeError(w, http.StatusBadGateway, &v1.OperationError{Kind: v1.ErrorKindDatabase, Message: err.Error()})
		return
	}

	mode, err := s.admin.OperationMode(r.Context())
	if err != nil {
		s.writeError(w, http.StatusBadGateway, &v1.OperationError{Kind: v1.ErrorKindDatabase, Message: err.Error()})
		return
	}

	status := v1.NodeStatus{
		ReleaseVersion: release.String(),
		OperationMode:  string(mode),
	}

	// releases without a bucket are reported, operations on them fail later
	if bucket, err := version.BucketOf(release); err == nil {
		status.ManagedVersion = string(bucket)
	}

	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error("unable to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, e *v1.OperationError) {
	s.log.Debug("request rejected", "code", code, "error-kind", e.Kind, "error", e.Message)
	s.writeJSON(w, code, e)
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}

		next.ServeHTTP(rec, r)

		s.log.Debug("handled request", "method", r.Method, "path", r.URL.Path, "code", rec.code, "duration", time.Since(start).String())
	})
}

func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				s.log.Error("panic while handling request", "method", r.Method, "path", r.URL.Path, "panic", p)
				s.writeError(w, http.StatusInternalServerError, &v1.OperationError{Kind: v1.ErrorKindInternal, Message: fmt.Sprint(p)})
			}
		}()

		next.ServeHTTP(w, r)
	})
}
