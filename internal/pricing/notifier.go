package pricing

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/bidgov/internal/model"
	"github.com/sells-group/bidgov/internal/resilience"
)

// Outbox stores undelivered recalculation requests.
type Outbox interface {
	EnqueueRecalc(ctx context.Context, entry model.RecalcOutboxEntry) error
}

// DefaultMaxRetries is the replay budget of an outbox entry.
const DefaultMaxRetries = 10

// Notifier delivers recalculation requests at least once: a request the
// pricing service does not accept is kept in the outbox for the Drainer.
type Notifier struct {
	recalc     Recalculator
	outbox     Outbox
	maxRetries int
	backoff    resilience.RetryConfig
	now        func() time.Time
}

// NewNotifier creates a Notifier. recalc may be nil when no pricing service
// is configured; every request is then queued.
func NewNotifier(recalc Recalculator, outbox Outbox, maxRetries int, backoff resilience.RetryConfig) *Notifier {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Notifier{
		recalc:     recalc,
		outbox:     outbox,
		maxRetries: maxRetries,
		backoff:    backoff,
		now:        time.Now,
	}
}

// Notify sends req and reports the outcome. It never returns an error: the
// change that triggered it is already committed.
func (n *Notifier) Notify(ctx context.Context, req model.RecalcRequest) model.RecalcOutcome {
	if req.RequestedAt.IsZero() {
		req.RequestedAt = n.now().UTC()
	}

	err := ErrRecalcNotConfigured
	if n.recalc != nil {
		err = n.recalc.Recalculate(ctx, req)
	}
	if err == nil {
		return model.RecalcOutcome{Status: model.RecalcDelivered}
	}

	log := zap.L().With(
		zap.String("line_item", req.LineItemID),
		zap.String("project", req.ProjectID),
		zap.String("reason", req.Reason),
	)
	log.Warn("pricing: recalculation failed", zap.Error(err))

	out := model.RecalcOutcome{Status: model.RecalcFailed, Error: err.Error()}
	if n.outbox == nil {
		return out
	}

	now := n.now().UTC()
	entry := model.RecalcOutboxEntry{
		Request:      req,
		Error:        err.Error(),
		MaxRetries:   n.maxRetries,
		NextRetryAt:  now.Add(n.backoff.Backoff(0)),
		CreatedAt:    now,
		LastFailedAt: now,
	}
	// The request may have failed because ctx expired; queue it anyway.
	if qerr := n.outbox.EnqueueRecalc(context.WithoutCancel(ctx), entry); qerr != nil {
		log.Error("pricing: outbox enqueue failed", zap.Error(qerr))
		out.Error += "; not queued: " + qerr.Error()
		return out
	}
	out.Queued = true
	return out
}
