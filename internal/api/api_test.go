package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/bidgov/internal/governance"
	"github.com/sells-group/bidgov/internal/model"
	"github.com/sells-group/bidgov/internal/priority"
	"github.com/sells-group/bidgov/internal/store"
	"github.com/sells-group/bidgov/internal/unbalance"
)

type fakeNotifier struct {
	mu   sync.Mutex
	reqs []model.RecalcRequest
	fail bool
}

func (f *fakeNotifier) Notify(_ context.Context, req model.RecalcRequest) model.RecalcOutcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.fail {
		return model.RecalcOutcome{Status: model.RecalcFailed, Error: "pricing down", Queued: true}
	}
	return model.RecalcOutcome{Status: model.RecalcDelivered}
}

func (f *fakeNotifier) setFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

type testEnv struct {
	srv      *httptest.Server
	store    store.Store
	notifier *fakeNotifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	n := &fakeNotifier{}
	s := New(st, governance.New(st, nil, n), unbalance.New(st, n), priority.NewView(st))
	srv := httptest.NewServer(s.Handler([]string{"*"}))
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: st, notifier: n}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != nil {
		if s, ok := body.(string); ok {
			r = bytes.NewBufferString(s)
		} else {
			b, err := json.Marshal(body)
			require.NoError(t, err)
			r = bytes.NewReader(b)
		}
	}
	req, err := http.NewRequest(method, e.srv.URL+path, r)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(ActorHeader, "reviewer@example.com")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func (e *testEnv) ingest(t *testing.T, number string, qty float64) string {
	t.Helper()
	status, body := e.do(t, http.MethodPost, "/projects/P-1/line-items", map[string]any{
		"item_number":   number,
		"description":   "Unclassified excavation",
		"unit":          "CY",
		"base_quantity": qty,
	})
	require.Equal(t, http.StatusCreated, status, body)
	return body["line_item"].(map[string]any)["id"].(string)
}

func (e *testEnv) put(t *testing.T, id string, src model.QuantitySource, qty float64) map[string]any {
	t.Helper()
	status, body := e.do(t, http.MethodPut, "/line-items/"+id+"/quantities/"+string(src), map[string]any{
		"quantity": qty,
		"unit":     "CY",
	})
	require.Contains(t, []int{http.StatusOK, http.StatusCreated}, status, body)
	return body
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	status, body := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}

func TestIngestLineItem(t *testing.T) {
	env := newTestEnv(t)
	id := env.ingest(t, "0200-001", 100)

	// Re-ingesting the same row is a no-op.
	status, body := env.do(t, http.MethodPost, "/projects/P-1/line-items", map[string]any{
		"item_number": "0200-001", "description": "Unclassified excavation", "unit": "cy", "base_quantity": 100,
	})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["created"])
	assert.Equal(t, false, body["changed"])

	status, body = env.do(t, http.MethodGet, "/line-items/"+id, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "P-1", body["project_id"])
	assert.Equal(t, "0200-001", body["item_number"])
}

func TestIngestLineItem_Errors(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.do(t, http.MethodPost, "/projects/P-1/line-items", "{not json")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "INVALID_BODY", body["code"])

	status, body = env.do(t, http.MethodPost, "/projects/P-1/line-items", map[string]any{
		"item_number": "0200-001", "unit": "CY", "base_quantity": -1,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "validation", body["kind"])
}

func TestQuantityLifecycle(t *testing.T) {
	env := newTestEnv(t)
	id := env.ingest(t, "0200-001", 100)

	env.put(t, id, model.SourcePlanSummary, 100)
	body := env.put(t, id, model.SourceContractorTakeoff, 140)
	assert.Equal(t, true, body["created"])
	// A non-governing record cannot move pricing.
	assert.Equal(t, "skipped", body["recalc"].(map[string]any)["status"])
	takeoffID := body["record"].(map[string]any)["id"].(string)

	status, body := env.do(t, http.MethodPost, "/line-items/"+id+"/quantities/"+takeoffID+"/governing", nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "delivered", body["recalc"].(map[string]any)["status"])
	v := body["variance"].(map[string]any)
	assert.InDelta(t, 40, v["variance_pct"].(float64), 1e-9)
	assert.Equal(t, "OVER", v["direction"])
	assert.Equal(t, "CRITICAL", v["significance"])

	status, body = env.do(t, http.MethodGet, "/line-items/"+id+"/quantities", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["records"], 3)

	status, body = env.do(t, http.MethodGet, "/line-items/"+id+"/recommendation", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "SHORT", body["strategy"])

	// The governing record cannot be deleted.
	status, body = env.do(t, http.MethodDelete, "/line-items/"+id+"/quantities/"+takeoffID, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "CANNOT_DELETE_GOVERNING", body["code"])
}

func TestDeleteImportRecord_Immutable(t *testing.T) {
	env := newTestEnv(t)
	id := env.ingest(t, "0200-001", 100)

	status, body := env.do(t, http.MethodGet, "/line-items/"+id+"/quantities", nil)
	require.Equal(t, http.StatusOK, status)
	records := body["records"].([]any)
	require.Len(t, records, 1)
	ebsx := records[0].(map[string]any)
	require.Equal(t, "EBSX_IMPORT", ebsx["source"])

	status, body = env.do(t, http.MethodDelete, "/line-items/"+id+"/quantities/"+ebsx["id"].(string), nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "CANNOT_DELETE_IMMUTABLE_SOURCE", body["code"])
}

func TestPutQuantity_Errors(t *testing.T) {
	env := newTestEnv(t)
	id := env.ingest(t, "0200-001", 100)

	tests := []struct {
		name   string
		source string
		body   any
		status int
		code   string
	}{
		{"immutable source", "EBSX_IMPORT", map[string]any{"quantity": 10, "unit": "CY"}, http.StatusUnprocessableEntity, "IMMUTABLE_SOURCE"},
		{"unit mismatch", "PLAN_SUMMARY", map[string]any{"quantity": 10, "unit": "TON"}, http.StatusUnprocessableEntity, "UNIT_MISMATCH"},
		{"unknown source", "GUESS", map[string]any{"quantity": 10, "unit": "CY"}, http.StatusUnprocessableEntity, "INVALID_SOURCE"},
		{"missing quantity", "PLAN_SUMMARY", map[string]any{"unit": "CY"}, http.StatusUnprocessableEntity, "INVALID_QUANTITY"},
		{"bad body", "PLAN_SUMMARY", "[", http.StatusBadRequest, "INVALID_BODY"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := env.do(t, http.MethodPut, "/line-items/"+id+"/quantities/"+tt.source, tt.body)
			assert.Equal(t, tt.status, status, body)
			assert.Equal(t, tt.code, body["code"])
		})
	}
}

func TestUnknownLineItem(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/line-items/nope", "/line-items/nope/variance", "/line-items/nope/audit"} {
		status, body := env.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, status, path)
		assert.Equal(t, "not_found", body["kind"], path)
	}

	status, _ := env.do(t, http.MethodPost, "/line-items/nope/unbalance", map[string]any{
		"direction": "SHORT", "justification": "Plan quantities are overstated", "confidence": 80,
	})
	assert.Equal(t, http.StatusNotFound, status)
}

func TestUnbalanceAndWorklist(t *testing.T) {
	env := newTestEnv(t)
	id := env.ingest(t, "0200-001", 100)
	env.put(t, id, model.SourcePlanSummary, 100)
	body := env.put(t, id, model.SourceContractorTakeoff, 140)
	takeoffID := body["record"].(map[string]any)["id"].(string)
	status, _ := env.do(t, http.MethodPost, "/line-items/"+id+"/quantities/"+takeoffID+"/governing", nil)
	require.Equal(t, http.StatusOK, status)
	env.ingest(t, "0300-001", 50)

	status, body = env.do(t, http.MethodGet, "/projects/P-1/actionable", nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["count"])

	status, body = env.do(t, http.MethodPost, "/line-items/"+id+"/unbalance", map[string]any{
		"direction": "SHORT", "justification": "too short", "confidence": 80,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "INVALID_JUSTIFICATION", body["code"])

	env.notifier.setFail(true)
	status, body = env.do(t, http.MethodPost, "/line-items/"+id+"/unbalance", map[string]any{
		"direction": "SHORT", "justification": "Takeoff shows 40% overrun", "confidence": 85,
	})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "UNBALANCED", body["state"])
	recalc := body["recalc"].(map[string]any)
	assert.Equal(t, "failed", recalc["status"])
	assert.Equal(t, true, recalc["queued"])
	env.notifier.setFail(false)

	status, body = env.do(t, http.MethodGet, "/projects/P-1/actionable", nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 0, body["count"])

	status, body = env.do(t, http.MethodDelete, "/line-items/"+id+"/unbalance", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "NEUTRAL", body["state"])

	status, body = env.do(t, http.MethodDelete, "/line-items/"+id+"/unbalance", nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "NOT_UNBALANCED", body["code"])

	status, body = env.do(t, http.MethodGet, "/line-items/"+id+"/audit", nil)
	require.Equal(t, http.StatusOK, status)
	events := body["events"].([]any)
	last := events[len(events)-1].(map[string]any)
	assert.Equal(t, string(model.AuditUnbalanceCleared), last["action"])
	assert.Equal(t, "reviewer@example.com", last["actor"])

	status, body = env.do(t, http.MethodGet, "/line-items/"+id+"/audit?limit=1", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["events"], 1)

	status, _ = env.do(t, http.MethodGet, "/line-items/"+id+"/audit?limit=x", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestRefreshVariance(t *testing.T) {
	env := newTestEnv(t)
	id := env.ingest(t, "0200-001", 100)

	status, body := env.do(t, http.MethodPost, "/line-items/"+id+"/variance/refresh", nil)
	require.Equal(t, http.StatusOK, status)
	v := body["variance"].(map[string]any)
	assert.Equal(t, "MATCH", v["significance"])
}

func TestStatusFor(t *testing.T) {
	t.Parallel()
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(model.KindOf(model.ErrUnitMismatch)))
	assert.Equal(t, http.StatusNotFound, statusFor(model.KindOf(model.ErrNotFound)))
	assert.Equal(t, http.StatusConflict, statusFor(model.KindOf(model.ErrCannotDeleteGoverning)))
	assert.Equal(t, http.StatusInternalServerError, statusFor(model.KindOf(errors.New("boom"))))
}
