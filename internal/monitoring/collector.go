package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/bidgov/internal/model"
	"github.com/sells-group/bidgov/internal/priority"
	"github.com/sells-group/bidgov/internal/store"
)

// MetricsSnapshot holds a point-in-time view of governance health.
type MetricsSnapshot struct {
	// Scope. An empty ProjectID covers every project.
	ProjectID string `json:"project_id,omitempty"`

	// Line item metrics.
	LineItems        int                        `json:"line_items"`
	BySignificance   map[model.Significance]int `json:"by_significance"`
	Unbalanced       int                        `json:"unbalanced"`
	NoVariance       int                        `json:"no_variance"`
	InsufficientData int                        `json:"insufficient_data"`

	// Worklist metrics.
	Actionable         int `json:"actionable"`
	CriticalActionable int `json:"critical_actionable"`

	// Pending pricing recalculations.
	OutboxDepth int `json:"outbox_depth"`

	CollectedAt time.Time `json:"collected_at"`
}

// Source is the store surface the collector reads.
type Source interface {
	Stats(ctx context.Context, projectID string) (*store.Stats, error)
	ListLineItems(ctx context.Context, filter store.LineItemFilter) ([]model.LineItem, error)
	CountRecalc(ctx context.Context) (int, error)
}

// Collector gathers metrics from the store.
type Collector struct {
	store    Source
	pageSize int
}

// NewCollector creates a new metrics collector.
func NewCollector(st Source) *Collector {
	return &Collector{store: st, pageSize: 500}
}

// Collect gathers a snapshot for projectID, or for every project when
// projectID is empty.
func (c *Collector) Collect(ctx context.Context, projectID string) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{
		ProjectID:   projectID,
		CollectedAt: time.Now().UTC(),
	}

	stats, err := c.store.Stats(ctx, projectID)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: stats")
	}
	snap.LineItems = stats.LineItems
	snap.Unbalanced = stats.Unbalanced
	snap.NoVariance = stats.NoVariance
	snap.BySignificance = stats.BySignificance

	var all []model.LineItem
	for offset := 0; ; offset += c.pageSize {
		page, err := c.store.ListLineItems(ctx, store.LineItemFilter{
			ProjectID: projectID,
			Limit:     c.pageSize,
			Offset:    offset,
		})
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: list line items")
		}
		all = append(all, page...)
		if len(page) < c.pageSize {
			break
		}
	}

	for i := range all {
		if v := all[i].Variance; v != nil && !v.HasData() {
			snap.InsufficientData++
		}
	}

	worklist := priority.Actionable(all)
	snap.Actionable = len(worklist)
	for _, it := range worklist {
		if it.Significance == model.SignificanceCritical {
			snap.CriticalActionable++
		}
	}

	depth, err := c.store.CountRecalc(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count recalc outbox")
	}
	snap.OutboxDepth = depth

	return snap, nil
}
