package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/kieran-voss/fluxflag"
	"github.com/kieran-voss/fluxflag/audit"
	"github.com/kieran-voss/fluxflag/core"
	"github.com/kieran-voss/fluxflag/store"
)

const defaultMaxJSONBodyBytes = 1 << 20

var errJSONBodyTooLarge = errors.New("json request body too large")

type HTTPServer struct {
	service        Service
	maxBodyBytes   int64
	metricsHandler http.Handler
	requestsTotal  atomic.Uint64
}

type createFlagRequest struct {
	Flag  core.Flag   `json:"flag"`
	Actor audit.Actor `json:"actor"`
}

type updateFlagRequest struct {
	Value core.FlagValue `json:"value"`
	Actor audit.Actor    `json:"actor"`
}

type stateChangeRequest struct {
	Actor audit.Actor `json:"actor"`
}

type evaluateRequest struct {
	Key     string                 `json:"key"`
	Context core.EvaluationContext `json:"context"`
}

type syncRequest struct {
	Entries []store.FlagWithMeta `json:"entries"`
}

type syncResponse struct {
	Accepted int `json:"accepted"`
}

type restoreRequest struct {
	Snapshot store.Snapshot `json:"snapshot"`
}

// NewHTTPHandler builds the HTTP surface over svc, with a default JSON
// request body cap of 1MiB.
func NewHTTPHandler(svc Service) http.Handler {
	return NewHTTPHandlerWithMaxBodyBytes(svc, defaultMaxJSONBodyBytes)
}

// NewHTTPHandlerWithMaxBodyBytes builds the HTTP surface over svc, capping
// JSON request bodies at maxBodyBytes.
func NewHTTPHandlerWithMaxBodyBytes(svc Service, maxBodyBytes int64) http.Handler {
	return NewHTTPHandlerWithOptions(svc, maxBodyBytes, nil)
}

// NewHTTPHandlerWithOptions builds the HTTP surface over svc, capping JSON
// request bodies at maxBodyBytes and serving metricsHandler at /metrics. A
// nil metricsHandler falls back to a minimal built-in request counter,
// which is all [NewHTTPHandler] and [NewHTTPHandlerWithMaxBodyBytes] get.
func NewHTTPHandlerWithOptions(svc Service, maxBodyBytes int64, metricsHandler http.Handler) http.Handler {
	if svc == nil {
		panic("service is nil")
	}

	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxJSONBodyBytes
	}

	server := &HTTPServer{
		service:        svc,
		maxBodyBytes:   maxBodyBytes,
		metricsHandler: metricsHandler,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/flags", server.handleCreateFlag)
	mux.HandleFunc("GET /v1/flags", server.handleListFlags)
	mux.HandleFunc("GET /v1/flags/{key}", server.handleGetFlag)
	mux.HandleFunc("PUT /v1/flags/{key}", server.handleUpdateFlag)
	mux.HandleFunc("DELETE /v1/flags/{key}", server.handleDeleteFlag)
	mux.HandleFunc("POST /v1/flags/{key}/enable", server.handleEnableFlag)
	mux.HandleFunc("POST /v1/flags/{key}/disable", server.handleDisableFlag)
	mux.HandleFunc("POST /v1/evaluate", server.handleEvaluate)
	mux.HandleFunc("POST /v1/sync", server.handleSync)
	mux.HandleFunc("GET /v1/audit", server.handleAudit)
	mux.HandleFunc("GET /v1/snapshot", server.handleSnapshot)
	mux.HandleFunc("POST /v1/restore", server.handleRestore)
	mux.HandleFunc("GET /healthz", server.handleHealthz)
	mux.HandleFunc("GET /metrics", server.handleMetrics)

	return server.withRequestCounter(mux)
}

func (s *HTTPServer) withRequestCounter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requestsTotal.Add(1)
		next.ServeHTTP(w, r)
	})
}

func (s *HTTPServer) handleCreateFlag(w http.ResponseWriter, r *http.Request) {
	var request createFlagRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(request.Flag.Key) == "" {
		writeJSONError(w, http.StatusBadRequest, "flag.key is required")
		return
	}

	created, err := s.service.CreateFlag(r.Context(), request.Flag, request.Actor)
	if err != nil {
		writeClientError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleGetFlag(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}

	entry, found, err := s.service.GetFlag(r.Context(), key)
	if err != nil {
		writeClientError(w, err)
		return
	}
	if !found {
		writeJSONError(w, http.StatusNotFound, "flag not found")
		return
	}

	writeJSON(w, http.StatusOK, entry)
}

func (s *HTTPServer) handleListFlags(w http.ResponseWriter, r *http.Request) {
	entries, err := s.service.ListFlags(r.Context())
	if err != nil {
		writeClientError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, entries)
}

func (s *HTTPServer) handleUpdateFlag(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}

	var request updateFlagRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	updated, found, err := s.service.UpdateFlag(r.Context(), key, request.Value, request.Actor)
	if err != nil {
		writeClientError(w, err)
		return
	}
	if !found {
		writeJSONError(w, http.StatusNotFound, "flag not found")
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleDeleteFlag(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}

	var request stateChangeRequest
	_ = s.decodeJSONBody(w, r, &request) // actor is optional on delete

	deleted, err := s.service.DeleteFlag(r.Context(), key, request.Actor)
	if err != nil {
		writeClientError(w, err)
		return
	}
	if !deleted {
		writeJSONError(w, http.StatusNotFound, "flag not found")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleEnableFlag(w http.ResponseWriter, r *http.Request) {
	s.handleStateChange(w, r, s.service.EnableFlag)
}

func (s *HTTPServer) handleDisableFlag(w http.ResponseWriter, r *http.Request) {
	s.handleStateChange(w, r, s.service.DisableFlag)
}

func (s *HTTPServer) handleStateChange(w http.ResponseWriter, r *http.Request, transition func(ctx context.Context, key string, actor audit.Actor) (bool, error)) {
	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}

	var request stateChangeRequest
	_ = s.decodeJSONBody(w, r, &request)

	ok, err := transition(r.Context(), key, request.Actor)
	if err != nil {
		writeClientError(w, err)
		return
	}
	if !ok {
		writeJSONError(w, http.StatusNotFound, "flag not found")
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *HTTPServer) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var request evaluateRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(request.Key) == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}

	result := s.service.Evaluate(r.Context(), request.Key, request.Context)
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleSync(w http.ResponseWriter, r *http.Request) {
	var request syncRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	accepted, err := s.service.MergeRemote(r.Context(), request.Entries)
	if err != nil {
		writeClientError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, syncResponse{Accepted: accepted})
}

func (s *HTTPServer) handleAudit(w http.ResponseWriter, r *http.Request) {
	filter := audit.QueryFilter{
		FlagKey: r.URL.Query().Get("flag_key"),
		ActorID: r.URL.Query().Get("actor_id"),
		Cursor:  r.URL.Query().Get("cursor"),
	}
	if limit := strings.TrimSpace(r.URL.Query().Get("limit")); limit != "" {
		parsed, err := strconv.Atoi(limit)
		if err != nil || parsed < 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = parsed
	}

	records := s.service.QueryAudit(filter)
	writeJSON(w, http.StatusOK, records)
}

func (s *HTTPServer) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.service.Snapshot(r.Context())
	if err != nil {
		writeClientError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, snapshot)
}

func (s *HTTPServer) handleRestore(w http.ResponseWriter, r *http.Request) {
	var request restoreRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if err := s.service.Restore(r.Context(), request.Snapshot); err != nil {
		writeClientError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metricsHandler != nil {
		s.metricsHandler.ServeHTTP(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	_, _ = fmt.Fprintf(w, "# HELP fluxflag_http_requests_total Total number of HTTP requests.\n")
	_, _ = fmt.Fprintf(w, "# TYPE fluxflag_http_requests_total counter\n")
	_, _ = fmt.Fprintf(w, "fluxflag_http_requests_total %d\n", s.requestsTotal.Load())
}

func writeClientError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, fluxflag.ErrConflict):
		writeJSONError(w, http.StatusConflict, clientErrorMessage(err))
	case errors.Is(err, fluxflag.ErrEvaluation):
		writeJSONError(w, http.StatusBadRequest, clientErrorMessage(err))
	default:
		writeJSONError(w, http.StatusInternalServerError, clientErrorMessage(err))
	}
}

func clientErrorMessage(err error) string {
	switch {
	case errors.Is(err, fluxflag.ErrConflict):
		return "version conflict"
	case errors.Is(err, fluxflag.ErrEvaluation):
		return "invalid flag"
	case errors.Is(err, fluxflag.ErrStorage):
		return "storage error"
	default:
		return "internal server error"
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *HTTPServer) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}
