// Package httpapi is the HTTP front end of the store.
//
//	POST /key-value            {key, value}                  -> 201 {key, value, decided_idx}
//	POST /key-value/cas        {key, old_value, new_value}   -> 200 {key, value: old_value, decided_idx}
//	GET  /key-value/{key}                                    -> 200 {key, value, decided_idx}
//	POST /nodes/{id}/fail                                    -> 204
//	POST /nodes/{id}/recover                                 -> 200 node status
//	GET  /status                                             -> 200 cluster status
//	GET  /metrics                                            -> prometheus exposition
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/shrtyk/replikv/api"
	"github.com/shrtyk/replikv/internal/metric"
	"github.com/shrtyk/replikv/pkg/logger"
)

// Operator exposes failure injection and cluster status.
type Operator interface {
	Fail(id api.NodeID) error
	Recover(ctx context.Context, id api.NodeID) error
	Status() Status
}

type NodeStatus struct {
	NodeID     uint64 `json:"nodeId"`
	State      string `json:"state"`
	Leader     uint64 `json:"leader,omitempty"`
	DecidedIdx uint64 `json:"decidedIdx"`

	// Engine details, when the handle exposes them.
	Role        string `json:"role,omitempty"`
	CurrentTerm uint64 `json:"currentTerm,omitempty"`
	CommitIndex uint64 `json:"commitIndex,omitempty"`
}

type Status struct {
	Nodes   []NodeStatus `json:"nodes"`
	Pending []uint64     `json:"pending"`
	Replica struct {
		DecidedIdx uint64 `json:"decidedIdx"`
		Keys       int    `json:"keys"`
	} `json:"replica"`
}

// Values are pointers so an absent field is rejected instead of read as 0.
type writeRequest struct {
	Key   string  `json:"key"`
	Value *uint64 `json:"value"`
}

func (r *writeRequest) problem() string {
	switch {
	case r.Key == "":
		return "key is required"
	case r.Value == nil:
		return "value is required"
	}
	return ""
}

type casRequest struct {
	Key      string  `json:"key"`
	OldValue *uint64 `json:"old_value"`
	NewValue *uint64 `json:"new_value"`
}

func (r *casRequest) problem() string {
	switch {
	case r.Key == "":
		return "key is required"
	case r.OldValue == nil:
		return "old_value is required"
	case r.NewValue == nil:
		return "new_value is required"
	}
	return ""
}

type entryResponse struct {
	Key        string `json:"key"`
	Value      uint64 `json:"value"`
	DecidedIdx uint64 `json:"decided_idx"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type Handler struct {
	kv      api.KV
	ops     Operator
	mux     *http.ServeMux
	logger  *slog.Logger
	metrics *metric.Metrics
}

type Option func(*Handler)

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

func WithMetrics(m *metric.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// New builds the handler. ops may be nil, which disables the operator routes.
func New(kv api.KV, ops Operator, opts ...Option) *Handler {
	h := &Handler{
		kv:     kv,
		ops:    ops,
		mux:    http.NewServeMux(),
		logger: logger.NewDiscardLogger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With(slog.String("component", "http"))

	h.mux.HandleFunc("POST /key-value", h.write)
	h.mux.HandleFunc("POST /key-value/cas", h.cas)
	h.mux.HandleFunc("GET /key-value/{key}", h.get)
	if ops != nil {
		h.mux.HandleFunc("POST /nodes/{id}/fail", h.failNode)
		h.mux.HandleFunc("POST /nodes/{id}/recover", h.recoverNode)
		h.mux.HandleFunc("GET /status", h.status)
	}
	if h.metrics != nil {
		h.mux.Handle("GET /metrics", h.metrics.Handler())
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
	h.mux.ServeHTTP(rec, r)

	route := r.Pattern
	if route == "" {
		route = "unmatched"
	}
	h.metrics.Request(route, rec.code, time.Since(start))
	h.logger.Debug(
		"request served",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("code", rec.code),
		slog.Duration("took", time.Since(start)),
	)
}

func (h *Handler) write(w http.ResponseWriter, r *http.Request) {
	var req writeRequest
	if !h.decode(w, r, &req) {
		return
	}
	if msg := req.problem(); msg != "" {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
		return
	}

	idx, err := h.kv.Write(r.Context(), api.KeyValue{Key: req.Key, Value: *req.Value})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, entryResponse{Key: req.Key, Value: *req.Value, DecidedIdx: idx})
}

func (h *Handler) cas(w http.ResponseWriter, r *http.Request) {
	var req casRequest
	if !h.decode(w, r, &req) {
		return
	}
	if msg := req.problem(); msg != "" {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
		return
	}

	idx, err := h.kv.CAS(r.Context(), req.Key, *req.OldValue, *req.NewValue)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, entryResponse{Key: req.Key, Value: *req.OldValue, DecidedIdx: idx})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	v, idx, err := h.kv.Get(r.Context(), key)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, entryResponse{Key: key, Value: v, DecidedIdx: idx})
}

func (h *Handler) failNode(w http.ResponseWriter, r *http.Request) {
	id, ok := h.nodeID(w, r)
	if !ok {
		return
	}
	if err := h.ops.Fail(id); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) recoverNode(w http.ResponseWriter, r *http.Request) {
	id, ok := h.nodeID(w, r)
	if !ok {
		return
	}
	if err := h.ops.Recover(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	for _, n := range h.ops.Status().Nodes {
		if n.NodeID == uint64(id) {
			h.writeJSON(w, http.StatusOK, n)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) status(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.ops.Status())
}

func (h *Handler) nodeID(w http.ResponseWriter, r *http.Request) (api.NodeID, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil || id == 0 {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid node id"})
		return 0, false
	}
	return api.NodeID(id), true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

// StatusCode maps an error to the HTTP status reported to clients.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, api.ErrNotFound), errors.Is(err, api.ErrUnknownNode):
		return http.StatusNotFound
	case errors.Is(err, api.ErrConflict):
		return http.StatusBadRequest
	case errors.Is(err, api.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, api.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	code := StatusCode(err)
	if code == http.StatusInternalServerError {
		h.logger.Error("request failed", logger.ErrAttr(err))
	}
	h.writeJSON(w, code, errorResponse{Error: err.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to encode response", logger.ErrAttr(err))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}
