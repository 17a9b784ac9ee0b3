package bidimport

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/bidgov/internal/governance"
	"github.com/sells-group/bidgov/internal/model"
)

// Ingester is the governance operation the importer drives.
type Ingester interface {
	Ingest(ctx context.Context, in model.LineItemInput, actor string) (*governance.IngestResult, error)
}

// Report summarizes an import.
type Report struct {
	Created   int        `json:"created"`
	Updated   int        `json:"updated"`
	Unchanged int        `json:"unchanged"`
	Failed    []RowError `json:"failed,omitempty"`
	// RecalcFailed counts items whose pricing notification did not go
	// through; those requests sit in the outbox.
	RecalcFailed int `json:"recalc_failed"`
}

// Import ingests every item of sched, one transaction per line item. A
// failing item is reported and the rest of the schedule continues.
func Import(ctx context.Context, ing Ingester, sched *Schedule, actor string) (*Report, error) {
	rep := &Report{Failed: append([]RowError(nil), sched.Errors...)}
	for _, it := range sched.Items {
		if err := ctx.Err(); err != nil {
			return rep, err
		}

		res, err := ing.Ingest(ctx, it.Input, actor)
		if err != nil {
			zap.L().Warn("bidimport: item rejected",
				zap.Int("row", it.Row),
				zap.String("item_number", it.Input.ItemNumber),
				zap.Error(err),
			)
			rep.Failed = append(rep.Failed, RowError{Row: it.Row, Err: err.Error()})
			continue
		}

		switch {
		case res.Created:
			rep.Created++
		case res.Changed:
			rep.Updated++
		default:
			rep.Unchanged++
		}
		if res.Recalc.Failed() {
			rep.RecalcFailed++
		}
	}

	zap.L().Info("bidimport: schedule imported",
		zap.Int("created", rep.Created),
		zap.Int("updated", rep.Updated),
		zap.Int("unchanged", rep.Unchanged),
		zap.Int("failed", len(rep.Failed)),
	)
	return rep, nil
}
