package pricing

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/bidgov/internal/model"
	"github.com/sells-group/bidgov/internal/resilience"
)

// Queue is the outbox surface the Drainer consumes.
type Queue interface {
	DueRecalcs(ctx context.Context, limit int) ([]model.RecalcOutboxEntry, error)
	RetryRecalcLater(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error
	RemoveRecalc(ctx context.Context, id string) error
}

// DrainerConfig controls outbox replay.
type DrainerConfig struct {
	// Concurrency bounds in-flight requests. Default: 4.
	Concurrency int
	// RatePerSec paces requests to the pricing service. Default: 5.
	RatePerSec float64
	// Backoff schedules the next attempt of a failed entry.
	Backoff resilience.RetryConfig
}

// DrainResult summarizes one Drain pass.
type DrainResult struct {
	Attempted   int `json:"attempted"`
	Delivered   int `json:"delivered"`
	Rescheduled int `json:"rescheduled"`
	Exhausted   int `json:"exhausted"`
}

// Drainer replays due outbox entries.
type Drainer struct {
	queue   Queue
	recalc  Recalculator
	cfg     DrainerConfig
	limiter *rate.Limiter
	now     func() time.Time
}

// NewDrainer creates a Drainer.
func NewDrainer(queue Queue, recalc Recalculator, cfg DrainerConfig) *Drainer {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	burst := int(cfg.RatePerSec)
	if burst < 1 {
		burst = 1
	}
	return &Drainer{
		queue:   queue,
		recalc:  recalc,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst),
		now:     time.Now,
	}
}

// Drain replays up to limit due entries. Delivered entries are removed;
// failed ones are rescheduled with backoff until their retries run out.
func (d *Drainer) Drain(ctx context.Context, limit int) (*DrainResult, error) {
	if d.recalc == nil {
		return nil, ErrRecalcNotConfigured
	}

	entries, err := d.queue.DueRecalcs(ctx, limit)
	if err != nil {
		return nil, eris.Wrap(err, "pricing: load due recalcs")
	}
	if len(entries) == 0 {
		return &DrainResult{}, nil
	}

	var delivered, rescheduled, exhausted atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Concurrency)

	for _, entry := range entries {
		g.Go(func() error {
			if err := d.limiter.Wait(gctx); err != nil {
				return eris.Wrap(err, "pricing: rate limiter")
			}

			log := zap.L().With(
				zap.String("outbox_id", entry.ID),
				zap.String("line_item", entry.Request.LineItemID),
				zap.Int("retry_count", entry.RetryCount),
			)

			sendErr := d.recalc.Recalculate(gctx, entry.Request)
			if sendErr == nil {
				if err := d.queue.RemoveRecalc(gctx, entry.ID); err != nil {
					return eris.Wrapf(err, "pricing: remove delivered %s", entry.ID)
				}
				delivered.Add(1)
				return nil
			}

			next := d.now().UTC().Add(d.cfg.Backoff.Backoff(entry.RetryCount + 1))
			if err := d.queue.RetryRecalcLater(gctx, entry.ID, next, sendErr.Error()); err != nil {
				return eris.Wrapf(err, "pricing: reschedule %s", entry.ID)
			}
			if entry.RetryCount+1 >= entry.MaxRetries {
				exhausted.Add(1)
				log.Error("pricing: recalculation retries exhausted", zap.Error(sendErr))
				return nil
			}
			rescheduled.Add(1)
			log.Warn("pricing: replay failed, rescheduled", zap.Time("next_retry_at", next), zap.Error(sendErr))
			return nil
		})
	}

	err = g.Wait()
	res := &DrainResult{
		Attempted:   len(entries),
		Delivered:   int(delivered.Load()),
		Rescheduled: int(rescheduled.Load()),
		Exhausted:   int(exhausted.Load()),
	}
	if err != nil {
		zap.L().Error("pricing: drain aborted", zap.Error(err))
		return res, err
	}
	zap.L().Info("pricing: outbox drained",
		zap.Int("attempted", res.Attempted),
		zap.Int("delivered", res.Delivered),
		zap.Int("rescheduled", res.Rescheduled),
		zap.Int("exhausted", res.Exhausted),
	)
	return res, nil
}
