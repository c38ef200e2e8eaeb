// Package server exposes the merge engine over HTTP. One endpoint does the
// work; the health probe doubles as an ambient-namespace pollution check.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Fuabioo/merge-gate/internal/ambient"
	"github.com/Fuabioo/merge-gate/internal/audit"
	"github.com/Fuabioo/merge-gate/internal/config"
	"github.com/Fuabioo/merge-gate/internal/merge"
	"github.com/Fuabioo/merge-gate/internal/policy"
	"github.com/Fuabioo/merge-gate/internal/wire"
)

// DefaultMaxBodyBytes caps request bodies when the config does not.
const DefaultMaxBodyBytes = 1 << 20 // 1 MiB

// Config holds the HTTP host configuration.
type Config struct {
	// Address is the listen address (default ":8070").
	Address string

	// AuthToken is the Bearer token for authentication (empty = no auth).
	AuthToken string

	// MaxBodyBytes limits the request body size (default 1 MiB).
	MaxBodyBytes int64
}

// Server is the merge-gate HTTP host.
type Server struct {
	cfg      Config
	policies config.Config
	recorder audit.Recorder
	logger   *slog.Logger
	server   *http.Server
}

// New creates a server. recorder may be nil; merges then run unaudited.
func New(cfg Config, policies config.Config, recorder audit.Recorder, logger *slog.Logger) *Server {
	if cfg.Address == "" {
		cfg.Address = ":8070"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		cfg:      cfg,
		policies: policies,
		recorder: recorder,
		logger:   logger.With("component", "server"),
	}
}

// Handler returns the routed HTTP handler. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/merge", s.authMiddleware(s.handleMerge))
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	return mux
}

// Start begins serving. It returns once the listener goroutine is
// launched; shutdown is driven by Stop.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.Address,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info("server starting", "address", s.cfg.Address)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(ctx)
		s.logger.Info("server stopped")
	}
}

// authMiddleware validates the bearer token if configured.
func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthToken == "" {
			next(w, r)
			return
		}

		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next(w, r)
	}
}

// errorBody is the JSON shape for non-merge error responses.
type errorBody struct {
	RequestID string `json:"request_id,omitempty"`
	Error     string `json:"error"`
}

// handleMerge runs one merge. Status codes: 200 merged, 422 rejected,
// 400 malformed envelope, 404 unknown policy.
func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-Id")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	logger := s.logger.With("request_id", requestID)

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)

	var req wire.MergeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Debug("bad request envelope", "error", err)
		s.writeJSON(w, http.StatusBadRequest, errorBody{RequestID: requestID, Error: err.Error()})
		return
	}

	entry, ok := s.policies.Resolve(req.Policy)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, errorBody{
			RequestID: requestID,
			Error:     "unknown policy " + strconv.Quote(req.Policy),
		})
		return
	}

	pol, err := entry.Build()
	if err != nil {
		logger.Error("policy build failed", "policy", entry.Name, "error", err)
		s.writeJSON(w, http.StatusInternalServerError, errorBody{RequestID: requestID, Error: "policy configuration error"})
		return
	}

	start := time.Now()
	out := merge.Merge(req.Target, req.Source, pol)
	duration := time.Since(start)

	s.record(requestID, entry.Name, len(req.Source), duration, out, logger)

	resp := wire.ResponseFor(requestID, out)
	status := http.StatusOK
	if out.Rejected() {
		status = http.StatusUnprocessableEntity
	}

	logger.Debug("merge complete",
		"policy", entry.Name,
		"outcome", resp.Outcome,
		"violations", len(resp.Violations),
		"duration", duration,
	)

	s.writeJSON(w, status, resp)
}

// handleHealthz reports process health. It fails when any canonical denied
// key resolves on the shared namespace, which would mean the freeze-once
// guard has been bypassed.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	type health struct {
		Status    string `json:"status"`
		Installed bool   `json:"guard_installed"`
	}

	if !ambient.VerifyClean(policy.CanonicalDeniedKeys()) {
		s.logger.Error("ambient namespace pollution detected")
		s.writeJSON(w, http.StatusServiceUnavailable, health{Status: "polluted", Installed: ambient.Installed()})
		return
	}

	s.writeJSON(w, http.StatusOK, health{Status: "ok", Installed: ambient.Installed()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("write response", "error", err)
	}
}

// record persists the merge to the audit trail. Fail-open: audit errors are
// logged, never surfaced to the client.
func (s *Server) record(requestID, policyName string, sourceKeys int, duration time.Duration, out merge.Outcome, logger *slog.Logger) {
	if s.recorder == nil {
		return
	}

	outcome := audit.OutcomeMerged
	var rows []audit.ViolationRow
	if out.Rejected() {
		outcome = audit.OutcomeRejected
		rows = make([]audit.ViolationRow, 0, len(out.Violations))
		for i, v := range out.Violations {
			rows = append(rows, audit.ViolationRow{
				Seq:    i,
				Path:   v.Path.String(),
				Kind:   string(v.Kind),
				Detail: v.Detail,
			})
		}
	}

	err := s.recorder.RecordMerge(audit.MergeExecution{
		Timestamp:  time.Now().UTC(),
		RequestID:  requestID,
		PolicyName: policyName,
		Outcome:    outcome,
		SourceKeys: sourceKeys,
		DurationMs: duration.Milliseconds(),
		Violations: rows,
	})
	if err != nil {
		logger.Warn("audit record failed", "error", err)
	}
}
