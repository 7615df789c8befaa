package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shrtyk/replikv/api"
	"github.com/shrtyk/replikv/internal/metric"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memKV is a sequential store with the same index semantics as the coordinator.
type memKV struct {
	mu   sync.Mutex
	kv   map[string]uint64
	next uint64
	err  error
}

func newMemKV() *memKV { return &memKV{kv: map[string]uint64{}} }

func (m *memKV) Write(_ context.Context, kv api.KeyValue) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	m.kv[kv.Key] = kv.Value
	m.next++
	return m.next - 1, nil
}

func (m *memKV) CAS(ctx context.Context, key string, old, new uint64) (uint64, error) {
	m.mu.Lock()
	v, ok := m.kv[key]
	m.mu.Unlock()
	if !ok || v != old {
		return 0, fmt.Errorf("%w: %s", api.ErrConflict, key)
	}
	return m.Write(ctx, api.KeyValue{Key: key, Value: new})
}

func (m *memKV) Get(_ context.Context, key string) (uint64, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.kv[key]
	if !ok {
		return 0, 0, fmt.Errorf("%w: %s", api.ErrNotFound, key)
	}
	return v, m.next - 1, nil
}

type fakeOps struct {
	failed    []api.NodeID
	recovered []api.NodeID
	err       error
}

func (o *fakeOps) Fail(id api.NodeID) error {
	if id > 3 {
		return fmt.Errorf("%w: %d", api.ErrUnknownNode, id)
	}
	o.failed = append(o.failed, id)
	return nil
}

func (o *fakeOps) Recover(_ context.Context, id api.NodeID) error {
	if o.err != nil {
		return o.err
	}
	o.recovered = append(o.recovered, id)
	return nil
}

func (o *fakeOps) Status() Status {
	var s Status
	for id := uint64(1); id <= 3; id++ {
		s.Nodes = append(s.Nodes, NodeStatus{NodeID: id, State: "running", Leader: 1, DecidedIdx: 2})
	}
	s.Replica.DecidedIdx = 2
	return s
}

func do(t *testing.T, h http.Handler, method, path, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec.Code, out
}

func entry(key string, value, idx float64) map[string]any {
	return map[string]any{"key": key, "value": value, "decided_idx": idx}
}

func TestScenario(t *testing.T) {
	h := New(newMemKV(), nil)

	code, body := do(t, h, http.MethodPost, "/key-value", `{"key":"a","value":2}`)
	assert.Equal(t, http.StatusCreated, code)
	assert.Equal(t, entry("a", 2, 0), body)

	code, body = do(t, h, http.MethodGet, "/key-value/a", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, entry("a", 2, 0), body)

	code, body = do(t, h, http.MethodPost, "/key-value/cas", `{"key":"a","old_value":2,"new_value":5}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, entry("a", 2, 1), body)

	code, body = do(t, h, http.MethodGet, "/key-value/a", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, entry("a", 5, 1), body)

	code, body = do(t, h, http.MethodPost, "/key-value/cas", `{"key":"a","old_value":2,"new_value":9}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, body["error"], "does not match")
}

func TestBadRequests(t *testing.T) {
	h := New(newMemKV(), &fakeOps{})

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"malformed body", http.MethodPost, "/key-value", `{"key":`, http.StatusBadRequest},
		{"missing key", http.MethodPost, "/key-value", `{"value":1}`, http.StatusBadRequest},
		{"missing value", http.MethodPost, "/key-value", `{"key":"a"}`, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/key-value/cas", `{"key":"a","old":1}`, http.StatusBadRequest},
		{"missing old value", http.MethodPost, "/key-value/cas", `{"key":"a","new_value":9}`, http.StatusBadRequest},
		{"missing new value", http.MethodPost, "/key-value/cas", `{"key":"a","old_value":0}`, http.StatusBadRequest},
		{"absent key", http.MethodGet, "/key-value/none", "", http.StatusNotFound},
		{"bad node id", http.MethodPost, "/nodes/x/fail", "", http.StatusBadRequest},
		{"zero node id", http.MethodPost, "/nodes/0/recover", "", http.StatusBadRequest},
		{"unknown node", http.MethodPost, "/nodes/9/fail", "", http.StatusNotFound},
		{"wrong method", http.MethodDelete, "/key-value/a", "", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _ := do(t, h, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, code)
		})
	}
}

func TestCASWithoutOldValueLeavesZeroUntouched(t *testing.T) {
	h := New(newMemKV(), nil)
	code, _ := do(t, h, http.MethodPost, "/key-value", `{"key":"a","value":0}`)
	require.Equal(t, http.StatusCreated, code)

	code, body := do(t, h, http.MethodPost, "/key-value/cas", `{"key":"a","new_value":9}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "old_value is required", body["error"])

	code, body = do(t, h, http.MethodGet, "/key-value/a", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 0.0, body["value"])
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", api.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("x: %w", api.ErrConflict), http.StatusBadRequest},
		{fmt.Errorf("x: %w", api.ErrUnavailable), http.StatusServiceUnavailable},
		{fmt.Errorf("x: %w", api.ErrTimeout), http.StatusGatewayTimeout},
		{fmt.Errorf("x: %w", api.ErrRecoveryFailed), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusCode(tt.err), tt.err.Error())
	}
}

func TestUnavailableWrite(t *testing.T) {
	kv := newMemKV()
	kv.err = fmt.Errorf("%w: no leader", api.ErrUnavailable)
	code, body := do(t, New(kv, nil), http.MethodPost, "/key-value", `{"key":"a","value":1}`)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body["error"], "no leader")
}

func TestOperatorRoutes(t *testing.T) {
	ops := &fakeOps{}
	h := New(newMemKV(), ops)

	code, _ := do(t, h, http.MethodPost, "/nodes/2/fail", "")
	assert.Equal(t, http.StatusNoContent, code)
	assert.Equal(t, []api.NodeID{2}, ops.failed)

	code, body := do(t, h, http.MethodPost, "/nodes/2/recover", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "running", body["state"])
	assert.Equal(t, []api.NodeID{2}, ops.recovered)

	ops.err = fmt.Errorf("%w: node 2", api.ErrRecoveryFailed)
	code, _ = do(t, h, http.MethodPost, "/nodes/2/recover", "")
	assert.Equal(t, http.StatusInternalServerError, code)

	code, body = do(t, h, http.MethodGet, "/status", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, body["nodes"], 3)
}

func TestOperatorRoutesDisabled(t *testing.T) {
	code, _ := do(t, New(newMemKV(), nil), http.MethodGet, "/status", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestMetricsEndpoint(t *testing.T) {
	m := metric.New()
	h := New(newMemKV(), nil, WithMetrics(m))

	do(t, h, http.MethodPost, "/key-value", `{"key":"a","value":1}`)
	do(t, h, http.MethodGet, "/key-value/b", "")

	series, err := testutil.GatherAndCount(m.Registry(), "replikv_http_response_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, series)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "replikv_http_response_seconds")
}
