package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/bidgov/internal/config"
	"github.com/sells-group/bidgov/internal/governance"
	"github.com/sells-group/bidgov/internal/model"
	"github.com/sells-group/bidgov/internal/store"
)

// seedStore builds a project with one CRITICAL item, one MATCH item and one
// pending outbox entry.
func seedStore(t *testing.T) store.Store {
	t.Helper()
	ctx := context.Background()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "monitor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	eng := governance.New(st, nil, nil)
	critical, err := eng.Ingest(ctx, model.LineItemInput{
		ProjectID: "P-9", ItemNumber: "0200-001", Unit: "CY", BaseQuantity: 100,
	}, "importer")
	require.NoError(t, err)
	_, err = eng.Ingest(ctx, model.LineItemInput{
		ProjectID: "P-9", ItemNumber: "0300-001", Unit: "TON", BaseQuantity: 50,
	}, "importer")
	require.NoError(t, err)

	id := critical.LineItem.ID
	_, err = eng.AddOrUpdateRecord(ctx, id, model.RecordInput{
		Source: model.SourcePlanSummary, Quantity: 100, Unit: "CY", EnteredBy: "estimator",
	})
	require.NoError(t, err)
	takeoff, err := eng.AddOrUpdateRecord(ctx, id, model.RecordInput{
		Source: model.SourceContractorTakeoff, Quantity: 140, Unit: "CY", EnteredBy: "estimator",
	})
	require.NoError(t, err)
	_, err = eng.SetGoverning(ctx, id, takeoff.Record.ID, "estimator")
	require.NoError(t, err)

	require.NoError(t, st.EnqueueRecalc(ctx, model.RecalcOutboxEntry{
		ID:         "ob-1",
		Request:    model.RecalcRequest{LineItemID: id, ProjectID: "P-9", Reason: "governing_changed"},
		MaxRetries: 10,
	}))
	return st
}

func TestCollector_Collect(t *testing.T) {
	st := seedStore(t)

	snap, err := NewCollector(st).Collect(context.Background(), "P-9")
	require.NoError(t, err)

	assert.Equal(t, "P-9", snap.ProjectID)
	assert.Equal(t, 2, snap.LineItems)
	assert.Equal(t, 1, snap.BySignificance[model.SignificanceCritical])
	assert.Equal(t, 1, snap.BySignificance[model.SignificanceMatch])
	assert.Equal(t, 0, snap.Unbalanced)
	assert.Equal(t, 1, snap.Actionable)
	assert.Equal(t, 1, snap.CriticalActionable)
	assert.Equal(t, 1, snap.OutboxDepth)
	assert.False(t, snap.CollectedAt.IsZero())

	other, err := NewCollector(st).Collect(context.Background(), "P-unknown")
	require.NoError(t, err)
	assert.Equal(t, 0, other.LineItems)
	assert.Equal(t, 0, other.Actionable)
}

type failingSource struct {
	statsErr error
	countErr error
}

func (f *failingSource) Stats(context.Context, string) (*store.Stats, error) {
	if f.statsErr != nil {
		return nil, f.statsErr
	}
	return &store.Stats{BySignificance: map[model.Significance]int{}}, nil
}

func (f *failingSource) ListLineItems(context.Context, store.LineItemFilter) ([]model.LineItem, error) {
	return nil, nil
}

func (f *failingSource) CountRecalc(context.Context) (int, error) {
	return 0, f.countErr
}

func TestCollector_Errors(t *testing.T) {
	_, err := NewCollector(&failingSource{statsErr: errors.New("db down")}).Collect(context.Background(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitoring: stats")

	_, err = NewCollector(&failingSource{countErr: errors.New("db down")}).Collect(context.Background(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "count recalc outbox")
}

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		CriticalItemThreshold: 0,
		OutboxDepthThreshold:  25,
	})

	alerts := a.Evaluate(&MetricsSnapshot{Actionable: 3, OutboxDepth: 25})
	assert.Empty(t, alerts)
}

func TestAlerter_Evaluate_CriticalVariance(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{CriticalItemThreshold: 1})

	assert.Empty(t, a.Evaluate(&MetricsSnapshot{CriticalActionable: 1}))

	alerts := a.Evaluate(&MetricsSnapshot{ProjectID: "P-9", CriticalActionable: 2, Actionable: 4})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertCriticalVariance, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "2 CRITICAL")
	assert.Equal(t, "P-9", alerts[0].Details["project_id"])
}

func TestAlerter_Evaluate_RecalcBacklog(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{CriticalItemThreshold: 10, OutboxDepthThreshold: 5})

	alerts := a.Evaluate(&MetricsSnapshot{OutboxDepth: 6})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertRecalcBacklog, alerts[0].Type)
	assert.Equal(t, "medium", alerts[0].Severity)

	// A zero threshold disables the backlog alert.
	a = NewAlerter(config.MonitoringConfig{CriticalItemThreshold: 10})
	assert.Empty(t, a.Evaluate(&MetricsSnapshot{OutboxDepth: 600}))
}

func TestAlerter_SendAlerts(t *testing.T) {
	var received atomic.Int32
	var mu sync.Mutex
	var types []AlertType
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var alert Alert
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&alert))
		mu.Lock()
		types = append(types, alert.Type)
		mu.Unlock()
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: srv.URL})
	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertCriticalVariance, Severity: "high"},
		{Type: AlertRecalcBacklog, Severity: "medium"},
	})
	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), received.Load())
	assert.Equal(t, []AlertType{AlertCriticalVariance, AlertRecalcBacklog}, types)
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: srv.URL})
	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertRecalcBacklog}})
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_NoWebhook(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})
	assert.Equal(t, 0, a.SendAlerts(context.Background(), []Alert{{Type: AlertRecalcBacklog}}))
}

func TestChecker_Check(t *testing.T) {
	st := seedStore(t)

	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	cfg := config.MonitoringConfig{WebhookURL: srv.URL, OutboxDepthThreshold: 25}
	checker := NewChecker(NewCollector(st), NewAlerter(cfg), cfg, "P-9")

	snap, alerts := checker.Check(context.Background())
	require.NotNil(t, snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertCriticalVariance, alerts[0].Type)
	assert.Equal(t, int32(1), received.Load())
}

func TestChecker_RunStopsOnCancel(t *testing.T) {
	st := seedStore(t)
	cfg := config.MonitoringConfig{CheckIntervalSecs: 1}
	checker := NewChecker(NewCollector(st), NewAlerter(cfg), cfg, "")

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_CancelledBeforeStart(t *testing.T) {
	cfg := config.MonitoringConfig{}
	checker := NewChecker(NewCollector(&failingSource{}), NewAlerter(cfg), cfg, "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}
