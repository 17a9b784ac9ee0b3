package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/bidgov/internal/db"
	"github.com/sells-group/bidgov/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS line_items (
	id            TEXT PRIMARY KEY,
	project_id    TEXT NOT NULL,
	item_number   TEXT NOT NULL,
	description   TEXT NOT NULL DEFAULT '',
	unit          TEXT NOT NULL,
	base_quantity DOUBLE PRECISION NOT NULL DEFAULT 0,
	variance      JSONB,
	unbalance     JSONB NOT NULL DEFAULT '{"is_unbalanced": false}',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (project_id, item_number)
);

CREATE INDEX IF NOT EXISTS idx_line_items_project ON line_items(project_id);

CREATE TABLE IF NOT EXISTS quantity_records (
	id               TEXT PRIMARY KEY,
	line_item_id     TEXT NOT NULL REFERENCES line_items(id) ON DELETE CASCADE,
	source           TEXT NOT NULL,
	quantity         DOUBLE PRECISION NOT NULL CHECK (quantity >= 0),
	unit             TEXT NOT NULL,
	source_reference TEXT NOT NULL DEFAULT '',
	notes            TEXT NOT NULL DEFAULT '',
	is_governing     BOOLEAN NOT NULL DEFAULT false,
	confidence       INTEGER CHECK (confidence BETWEEN 0 AND 100),
	entered_by       TEXT NOT NULL DEFAULT '',
	entered_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (line_item_id, source)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_quantity_records_one_governing
	ON quantity_records(line_item_id) WHERE is_governing;

CREATE TABLE IF NOT EXISTS audit_events (
	seq          BIGSERIAL PRIMARY KEY,
	id           TEXT NOT NULL UNIQUE,
	line_item_id TEXT NOT NULL REFERENCES line_items(id) ON DELETE CASCADE,
	action       TEXT NOT NULL,
	actor        TEXT NOT NULL DEFAULT '',
	detail       JSONB NOT NULL DEFAULT '{}',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_audit_events_line_item ON audit_events(line_item_id, seq);

CREATE TABLE IF NOT EXISTS recalc_outbox (
	id             TEXT PRIMARY KEY,
	request        JSONB NOT NULL,
	error          TEXT NOT NULL DEFAULT '',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 5,
	next_retry_at  TIMESTAMPTZ NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_failed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_recalc_outbox_next_retry ON recalc_outbox(next_retry_at);
`

const (
	lineItemColumns = `id, project_id, item_number, description, unit, base_quantity, variance, unbalance, created_at, updated_at`
	quantityColumns = `id, line_item_id, source, quantity, unit, source_reference, notes, is_governing, confidence, entered_by, entered_at`
	auditColumns    = `id, line_item_id, action, actor, detail, created_at`
	outboxColumns   = `id, request, error, retry_count, max_retries, next_retry_at, created_at, last_failed_at`
)

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Line items

func (s *PostgresStore) EnsureLineItem(ctx context.Context, in model.LineItemInput) (*model.LineItem, bool, error) {
	item := newLineItem(in)
	unbJSON, err := encodeUnbalance(item.Unbalance)
	if err != nil {
		return nil, false, eris.Wrap(err, "postgres: ensure line item")
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO line_items (id, project_id, item_number, description, unit, base_quantity, unbalance, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (project_id, item_number) DO NOTHING
		 RETURNING `+lineItemColumns,
		item.ID, item.ProjectID, item.ItemNumber, item.Description, item.Unit,
		item.BaseQuantity, unbJSON, item.CreatedAt, item.UpdatedAt,
	)
	created, err := scanPgLineItem(row)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, eris.Wrapf(err, "postgres: insert line item %s/%s", in.ProjectID, in.ItemNumber)
	}

	existing, err := s.GetLineItemByNumber(ctx, in.ProjectID, in.ItemNumber)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *PostgresStore) GetLineItem(ctx context.Context, id string) (*model.LineItem, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+lineItemColumns+` FROM line_items WHERE id = $1`, id)
	item, err := scanPgLineItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NotFoundf("line item %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get line item %s", id)
	}
	return item, nil
}

func (s *PostgresStore) GetLineItemByNumber(ctx context.Context, projectID, itemNumber string) (*model.LineItem, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+lineItemColumns+` FROM line_items WHERE project_id = $1 AND item_number = $2`,
		projectID, itemNumber,
	)
	item, err := scanPgLineItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NotFoundf("line item %s in project %s", itemNumber, projectID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get line item %s/%s", projectID, itemNumber)
	}
	return item, nil
}

func (s *PostgresStore) ListLineItems(ctx context.Context, filter LineItemFilter) ([]model.LineItem, error) {
	query := `SELECT ` + lineItemColumns + ` FROM line_items WHERE true`
	args := []any{}
	argIdx := 1

	if filter.ProjectID != "" {
		query += fmt.Sprintf(` AND project_id = $%d`, argIdx)
		args = append(args, filter.ProjectID)
		argIdx++
	}
	query += ` ORDER BY project_id, item_number`

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list line items")
	}
	defer rows.Close()

	var items []model.LineItem
	for rows.Next() {
		item, err := scanPgLineItem(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan line item")
		}
		items = append(items, *item)
	}
	return items, eris.Wrap(rows.Err(), "postgres: list line items iterate")
}

func (s *PostgresStore) Stats(ctx context.Context, projectID string) (*Stats, error) {
	st := &Stats{BySignificance: map[model.Significance]int{}}
	err := s.pool.QueryRow(ctx,
		`SELECT count(*),
		        count(*) FILTER (WHERE (unbalance->>'is_unbalanced')::boolean),
		        count(*) FILTER (WHERE variance IS NULL)
		 FROM line_items WHERE ($1 = '' OR project_id = $1)`,
		projectID,
	).Scan(&st.LineItems, &st.Unbalanced, &st.NoVariance)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: stats")
	}

	rows, err := s.pool.Query(ctx,
		`SELECT variance->>'significance', count(*)
		 FROM line_items WHERE variance IS NOT NULL AND ($1 = '' OR project_id = $1)
		 GROUP BY 1`,
		projectID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: stats by significance")
	}
	defer rows.Close()
	for rows.Next() {
		var sig string
		var n int
		if err := rows.Scan(&sig, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan significance count")
		}
		st.BySignificance[model.Significance(sig)] = n
	}
	return st, eris.Wrap(rows.Err(), "postgres: stats iterate")
}

// Reads

func (s *PostgresStore) ListQuantities(ctx context.Context, lineItemID string) ([]model.QuantityRecord, error) {
	return queryPgQuantities(ctx, s.pool, lineItemID)
}

func (s *PostgresStore) ListAudit(ctx context.Context, lineItemID string, limit int) ([]model.AuditEvent, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+auditColumns+` FROM audit_events WHERE line_item_id = $1 ORDER BY seq LIMIT $2`,
		lineItemID, limit,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list audit %s", lineItemID)
	}
	defer rows.Close()

	var events []model.AuditEvent
	for rows.Next() {
		var ev model.AuditEvent
		var detailJSON []byte
		if err := rows.Scan(&ev.ID, &ev.LineItemID, &ev.Action, &ev.Actor, &detailJSON, &ev.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan audit event")
		}
		if ev.Detail, err = decodeDetail(detailJSON); err != nil {
			return nil, eris.Wrap(err, "postgres: audit event")
		}
		events = append(events, ev)
	}
	return events, eris.Wrap(rows.Err(), "postgres: list audit iterate")
}

// WithLineItem takes a row lock on the line item so concurrent mutations of
// the same item serialize. Conflicts are retried by db.WithTx.
func (s *PostgresStore) WithLineItem(ctx context.Context, id string, fn func(ctx context.Context, tx Tx) error) error {
	return db.WithTx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+lineItemColumns+` FROM line_items WHERE id = $1 FOR UPDATE`, id)
		item, err := scanPgLineItem(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return model.NotFoundf("line item %s", id)
		}
		if err != nil {
			return eris.Wrapf(err, "postgres: lock line item %s", id)
		}
		return fn(ctx, &pgTx{tx: tx, item: item})
	})
}

// Recalculation outbox

func (s *PostgresStore) EnqueueRecalc(ctx context.Context, entry model.RecalcOutboxEntry) error {
	prepareOutbox(&entry)
	reqJSON, err := encodeRequest(entry.Request)
	if err != nil {
		return eris.Wrap(err, "postgres: enqueue recalc")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO recalc_outbox (`+outboxColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
		   error = $3, retry_count = $4, next_retry_at = $6, last_failed_at = $8`,
		entry.ID, reqJSON, entry.Error, entry.RetryCount, entry.MaxRetries,
		entry.NextRetryAt, entry.CreatedAt, entry.LastFailedAt,
	)
	return eris.Wrap(err, "postgres: enqueue recalc")
}

func (s *PostgresStore) DueRecalcs(ctx context.Context, limit int) ([]model.RecalcOutboxEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+outboxColumns+` FROM recalc_outbox
		 WHERE next_retry_at <= now() AND retry_count < max_retries
		 ORDER BY next_retry_at ASC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: due recalcs")
	}
	defer rows.Close()

	var entries []model.RecalcOutboxEntry
	for rows.Next() {
		var e model.RecalcOutboxEntry
		var reqJSON []byte
		if err := rows.Scan(&e.ID, &reqJSON, &e.Error, &e.RetryCount, &e.MaxRetries,
			&e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan recalc entry")
		}
		if e.Request, err = decodeRequest(reqJSON); err != nil {
			return nil, eris.Wrap(err, "postgres: recalc entry")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: due recalcs iterate")
}

func (s *PostgresStore) RetryRecalcLater(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE recalc_outbox
		 SET retry_count = retry_count + 1, next_retry_at = $1, error = $2, last_failed_at = now()
		 WHERE id = $3`,
		nextRetryAt, lastErr, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: retry recalc %s", id)
	}
	if tag.RowsAffected() == 0 {
		return model.NotFoundf("recalc entry %s", id)
	}
	return nil
}

func (s *PostgresStore) RemoveRecalc(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM recalc_outbox WHERE id = $1`, id)
	return eris.Wrap(err, "postgres: remove recalc")
}

func (s *PostgresStore) CountRecalc(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM recalc_outbox WHERE retry_count < max_retries`).Scan(&count)
	return count, eris.Wrap(err, "postgres: count recalc")
}

// pgTx is the Tx handed to WithLineItem callbacks.
type pgTx struct {
	tx   pgx.Tx
	item *model.LineItem
}

func (t *pgTx) LineItem() *model.LineItem { return t.item }

func (t *pgTx) Quantities(ctx context.Context) ([]model.QuantityRecord, error) {
	return queryPgQuantities(ctx, t.tx, t.item.ID)
}

func (t *pgTx) InsertQuantity(ctx context.Context, rec *model.QuantityRecord) error {
	rec.LineItemID = t.item.ID
	_, err := t.tx.Exec(ctx,
		`INSERT INTO quantity_records (`+quantityColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.ID, rec.LineItemID, string(rec.Source), rec.Quantity, rec.Unit,
		rec.SourceReference, rec.Notes, rec.IsGoverning, rec.Confidence,
		rec.EnteredBy, rec.EnteredAt,
	)
	if db.IsUniqueViolation(err) {
		return model.Errorf(model.ErrDuplicateRecord, "%s record for %s (%s)", rec.Source, t.item.ID, db.ConstraintName(err))
	}
	return eris.Wrapf(err, "postgres: insert %s record for %s", rec.Source, t.item.ID)
}

func (t *pgTx) UpdateQuantity(ctx context.Context, rec *model.QuantityRecord) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE quantity_records
		 SET quantity = $1, unit = $2, source_reference = $3, notes = $4, confidence = $5, entered_by = $6, entered_at = $7
		 WHERE id = $8 AND line_item_id = $9`,
		rec.Quantity, rec.Unit, rec.SourceReference, rec.Notes, rec.Confidence,
		rec.EnteredBy, rec.EnteredAt, rec.ID, t.item.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update record %s", rec.ID)
	}
	if tag.RowsAffected() == 0 {
		return model.NotFoundf("quantity record %s on line item %s", rec.ID, t.item.ID)
	}
	return nil
}

func (t *pgTx) DeleteQuantity(ctx context.Context, recordID string) error {
	tag, err := t.tx.Exec(ctx,
		`DELETE FROM quantity_records WHERE id = $1 AND line_item_id = $2`,
		recordID, t.item.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete record %s", recordID)
	}
	if tag.RowsAffected() == 0 {
		return model.NotFoundf("quantity record %s on line item %s", recordID, t.item.ID)
	}
	return nil
}

func (t *pgTx) SetGoverning(ctx context.Context, recordID string) error {
	if _, err := t.tx.Exec(ctx,
		`UPDATE quantity_records SET is_governing = false WHERE line_item_id = $1 AND is_governing`,
		t.item.ID,
	); err != nil {
		return eris.Wrapf(err, "postgres: clear governing on %s", t.item.ID)
	}

	tag, err := t.tx.Exec(ctx,
		`UPDATE quantity_records SET is_governing = true WHERE id = $1 AND line_item_id = $2`,
		recordID, t.item.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set governing %s", recordID)
	}
	if tag.RowsAffected() == 0 {
		return model.NotFoundf("quantity record %s on line item %s", recordID, t.item.ID)
	}
	return nil
}

func (t *pgTx) UpdateLineItem(ctx context.Context, item *model.LineItem) error {
	item.UpdatedAt = time.Now().UTC()
	_, err := t.tx.Exec(ctx,
		`UPDATE line_items SET description = $1, unit = $2, base_quantity = $3, updated_at = $4 WHERE id = $5`,
		item.Description, item.Unit, item.BaseQuantity, item.UpdatedAt, t.item.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update line item %s", t.item.ID)
	}
	t.item.Description, t.item.Unit, t.item.BaseQuantity = item.Description, item.Unit, item.BaseQuantity
	t.item.UpdatedAt = item.UpdatedAt
	return nil
}

func (t *pgTx) SaveVariance(ctx context.Context, v *model.VarianceResult) error {
	varJSON, err := encodeVariance(v)
	if err != nil {
		return eris.Wrap(err, "postgres: save variance")
	}
	now := time.Now().UTC()
	if _, err := t.tx.Exec(ctx,
		`UPDATE line_items SET variance = $1, updated_at = $2 WHERE id = $3`,
		varJSON, now, t.item.ID,
	); err != nil {
		return eris.Wrapf(err, "postgres: save variance %s", t.item.ID)
	}
	t.item.Variance = v
	t.item.UpdatedAt = now
	return nil
}

func (t *pgTx) SaveUnbalance(ctx context.Context, u model.UnbalanceState) error {
	unbJSON, err := encodeUnbalance(u)
	if err != nil {
		return eris.Wrap(err, "postgres: save unbalance")
	}
	now := time.Now().UTC()
	if _, err := t.tx.Exec(ctx,
		`UPDATE line_items SET unbalance = $1, updated_at = $2 WHERE id = $3`,
		unbJSON, now, t.item.ID,
	); err != nil {
		return eris.Wrapf(err, "postgres: save unbalance %s", t.item.ID)
	}
	t.item.Unbalance = u
	t.item.UpdatedAt = now
	return nil
}

func (t *pgTx) AppendAudit(ctx context.Context, ev *model.AuditEvent) error {
	prepareAudit(ev, t.item.ID)
	detailJSON, err := encodeDetail(ev.Detail)
	if err != nil {
		return eris.Wrap(err, "postgres: append audit")
	}
	_, err = t.tx.Exec(ctx,
		`INSERT INTO audit_events (`+auditColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.ID, ev.LineItemID, string(ev.Action), ev.Actor, detailJSON, ev.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: append audit %s", ev.Action)
}

// helpers

// querier is satisfied by both db.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryPgQuantities(ctx context.Context, q querier, lineItemID string) ([]model.QuantityRecord, error) {
	rows, err := q.Query(ctx,
		`SELECT `+quantityColumns+` FROM quantity_records WHERE line_item_id = $1 ORDER BY entered_at, id`,
		lineItemID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list quantities %s", lineItemID)
	}
	defer rows.Close()

	var records []model.QuantityRecord
	for rows.Next() {
		var r model.QuantityRecord
		if err := rows.Scan(&r.ID, &r.LineItemID, &r.Source, &r.Quantity, &r.Unit,
			&r.SourceReference, &r.Notes, &r.IsGoverning, &r.Confidence,
			&r.EnteredBy, &r.EnteredAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan quantity record")
		}
		records = append(records, r)
	}
	return records, eris.Wrap(rows.Err(), "postgres: list quantities iterate")
}

func scanPgLineItem(row pgx.Row) (*model.LineItem, error) {
	var item model.LineItem
	var varJSON, unbJSON []byte
	if err := row.Scan(&item.ID, &item.ProjectID, &item.ItemNumber, &item.Description,
		&item.Unit, &item.BaseQuantity, &varJSON, &unbJSON, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return nil, err
	}

	var err error
	if item.Variance, err = decodeVariance(varJSON); err != nil {
		return nil, err
	}
	if item.Unbalance, err = decodeUnbalance(unbJSON); err != nil {
		return nil, err
	}
	return &item, nil
}
