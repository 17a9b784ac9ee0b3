package store

import (
	"context"
	"time"

	"github.com/sells-group/bidgov/internal/model"
)

// LineItemFilter specifies criteria for listing line items.
type LineItemFilter struct {
	ProjectID string `json:"project_id,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	Offset    int    `json:"offset,omitempty"`
}

// Stats summarizes a project's line items for monitoring.
type Stats struct {
	LineItems      int                        `json:"line_items"`
	Unbalanced     int                        `json:"unbalanced"`
	NoVariance     int                        `json:"no_variance"`
	BySignificance map[model.Significance]int `json:"by_significance"`
}

// Store persists line items, their quantity records, the audit trail and the
// recalculation outbox.
type Store interface {
	// Line items
	EnsureLineItem(ctx context.Context, in model.LineItemInput) (*model.LineItem, bool, error)
	GetLineItem(ctx context.Context, id string) (*model.LineItem, error)
	GetLineItemByNumber(ctx context.Context, projectID, itemNumber string) (*model.LineItem, error)
	ListLineItems(ctx context.Context, filter LineItemFilter) ([]model.LineItem, error)
	Stats(ctx context.Context, projectID string) (*Stats, error)

	// Reads outside a transaction
	ListQuantities(ctx context.Context, lineItemID string) ([]model.QuantityRecord, error)
	ListAudit(ctx context.Context, lineItemID string, limit int) ([]model.AuditEvent, error)

	// WithLineItem locks the line item and runs fn in one transaction. fn
	// must only use tx; the transaction commits when fn returns nil.
	WithLineItem(ctx context.Context, id string, fn func(ctx context.Context, tx Tx) error) error

	// Recalculation outbox
	EnqueueRecalc(ctx context.Context, entry model.RecalcOutboxEntry) error
	DueRecalcs(ctx context.Context, limit int) ([]model.RecalcOutboxEntry, error)
	RetryRecalcLater(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error
	RemoveRecalc(ctx context.Context, id string) error
	CountRecalc(ctx context.Context) (int, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// Tx is the write surface inside WithLineItem. Every method applies to the
// locked line item.
type Tx interface {
	LineItem() *model.LineItem
	Quantities(ctx context.Context) ([]model.QuantityRecord, error)
	InsertQuantity(ctx context.Context, rec *model.QuantityRecord) error
	UpdateQuantity(ctx context.Context, rec *model.QuantityRecord) error
	DeleteQuantity(ctx context.Context, recordID string) error
	// SetGoverning clears the governing flag on every record of the line
	// item and sets it on recordID.
	SetGoverning(ctx context.Context, recordID string) error
	UpdateLineItem(ctx context.Context, item *model.LineItem) error
	SaveVariance(ctx context.Context, v *model.VarianceResult) error
	SaveUnbalance(ctx context.Context, u model.UnbalanceState) error
	AppendAudit(ctx context.Context, ev *model.AuditEvent) error
}

const defaultListLimit = 500
