package main

import (
	"context"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/bidgov/internal/governance"
	"github.com/sells-group/bidgov/internal/pricing"
	"github.com/sells-group/bidgov/internal/priority"
	"github.com/sells-group/bidgov/internal/resilience"
	"github.com/sells-group/bidgov/internal/store"
	"github.com/sells-group/bidgov/internal/unbalance"
	"github.com/sells-group/bidgov/internal/variance"
)

// appEnv bundles the components a command needs.
type appEnv struct {
	Store    store.Store
	Engine   *governance.Engine
	Workflow *unbalance.Workflow
	Worklist *priority.View
	Recalc   pricing.Recalculator
}

// Close releases the store.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "bidgov.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initRecalculator returns the pricing webhook client, or nil when no
// pricing service is configured.
func initRecalculator() pricing.Recalculator {
	if cfg.Pricing.WebhookURL == "" {
		return nil
	}

	breakerCfg := cfg.Pricing.Breaker()
	breakerCfg.ShouldTrip = resilience.IsTransient

	retry := cfg.Pricing.Retry()
	retry.OnRetry = resilience.RetryLogger("pricing", "recalculate")

	timeout := time.Duration(cfg.Pricing.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return pricing.NewWebhookClient(cfg.Pricing.WebhookURL,
		pricing.WithHTTPClient(&http.Client{Timeout: timeout}),
		pricing.WithRetry(retry),
		pricing.WithBreaker(resilience.NewCircuitBreaker(breakerCfg)),
		pricing.WithAuthToken(cfg.Pricing.AuthToken),
	)
}

// initEnv opens and migrates the store and wires the engine, the unbalance
// workflow and the pricing notifier.
func initEnv(ctx context.Context) (*appEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}

	classifier, err := variance.NewClassifier(cfg.Variance)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	recalc := initRecalculator()
	notifier := pricing.NewNotifier(recalc, st, cfg.Pricing.MaxRetries, cfg.Pricing.Retry())

	return &appEnv{
		Store:    st,
		Engine:   governance.New(st, classifier, notifier),
		Workflow: unbalance.New(st, notifier),
		Worklist: priority.NewView(st),
		Recalc:   recalc,
	}, nil
}

// resolveLineItem maps a command argument to a line item ID. With a project
// the argument is an item number, otherwise it is the line item ID.
func resolveLineItem(ctx context.Context, st store.Store, projectID, arg string) (string, error) {
	if projectID == "" {
		return arg, nil
	}
	item, err := st.GetLineItemByNumber(ctx, projectID, arg)
	if err != nil {
		return "", eris.Wrapf(err, "resolve item %s in project %s", arg, projectID)
	}
	return item.ID, nil
}
