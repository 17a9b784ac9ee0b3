package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/bidgov/internal/resilience"
)

// TxRetryConfig is the retry policy for conflicting transactions. Backoff is
// short because the conflicting writer usually commits within milliseconds.
func TxRetryConfig() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    4,
		InitialBackoff: 20 * time.Millisecond,
		MaxBackoff:     500 * time.Millisecond,
		Multiplier:     2.0,
		JitterFraction: 0.5,
		ShouldRetry:    IsRetryable,
		OnRetry:        resilience.RetryLogger("postgres", "transaction"),
	}
}

// WithTx runs fn inside a transaction. The transaction commits when fn
// returns nil and rolls back otherwise. Serialization failures and deadlocks
// rerun fn from the start, so fn must only have database side effects.
func WithTx(ctx context.Context, pool Pool, fn func(ctx context.Context, tx pgx.Tx) error) error {
	return resilience.Do(ctx, TxRetryConfig(), func(ctx context.Context) error {
		return runTx(ctx, pool, fn)
	})
}

func runTx(ctx context.Context, pool Pool, fn func(ctx context.Context, tx pgx.Tx) error) (err error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "db: begin")
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(ctx); rbErr != nil && !eris.Is(rbErr, pgx.ErrTxClosed) {
			zap.L().Warn("db: rollback failed", zap.Error(rbErr))
		}
	}()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		committed = true
		return eris.Wrap(err, "db: commit")
	}
	committed = true
	return nil
}
