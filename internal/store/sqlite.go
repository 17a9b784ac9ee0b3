package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/bidgov/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It is meant for
// single-estimator use and local development.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
// A single connection serializes writers, which gives WithLineItem the same
// per-item exclusivity the Postgres row lock provides.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", immediateTxDSN(dsn))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// immediateTxDSN makes every transaction take the write lock at BEGIN, so a
// second process fails on busy_timeout instead of mid-transaction. An
// explicit _txlock in dsn is kept.
func immediateTxDSN(dsn string) string {
	if strings.Contains(dsn, "_txlock=") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&_txlock=immediate"
	}
	return dsn + "?_txlock=immediate"
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS line_items (
	id            TEXT PRIMARY KEY,
	project_id    TEXT NOT NULL,
	item_number   TEXT NOT NULL,
	description   TEXT NOT NULL DEFAULT '',
	unit          TEXT NOT NULL,
	base_quantity REAL NOT NULL DEFAULT 0,
	variance      TEXT,
	unbalance     TEXT NOT NULL DEFAULT '{"is_unbalanced":false}',
	created_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (project_id, item_number)
);

CREATE INDEX IF NOT EXISTS idx_line_items_project ON line_items(project_id);

CREATE TABLE IF NOT EXISTS quantity_records (
	id               TEXT PRIMARY KEY,
	line_item_id     TEXT NOT NULL REFERENCES line_items(id) ON DELETE CASCADE,
	source           TEXT NOT NULL,
	quantity         REAL NOT NULL CHECK (quantity >= 0),
	unit             TEXT NOT NULL,
	source_reference TEXT NOT NULL DEFAULT '',
	notes            TEXT NOT NULL DEFAULT '',
	is_governing     INTEGER NOT NULL DEFAULT 0,
	confidence       INTEGER CHECK (confidence BETWEEN 0 AND 100),
	entered_by       TEXT NOT NULL DEFAULT '',
	entered_at       DATETIME NOT NULL,
	UNIQUE (line_item_id, source)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_quantity_records_one_governing
	ON quantity_records(line_item_id) WHERE is_governing = 1;

CREATE TABLE IF NOT EXISTS audit_events (
	id           TEXT PRIMARY KEY,
	line_item_id TEXT NOT NULL REFERENCES line_items(id) ON DELETE CASCADE,
	action       TEXT NOT NULL,
	actor        TEXT NOT NULL DEFAULT '',
	detail       TEXT NOT NULL DEFAULT '{}',
	created_at   DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_events_line_item ON audit_events(line_item_id);

CREATE TABLE IF NOT EXISTS recalc_outbox (
	id             TEXT PRIMARY KEY,
	request        TEXT NOT NULL,
	error          TEXT NOT NULL DEFAULT '',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 5,
	next_retry_at  DATETIME NOT NULL,
	created_at     DATETIME NOT NULL,
	last_failed_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_recalc_outbox_next_retry ON recalc_outbox(next_retry_at);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Line items

func (s *SQLiteStore) EnsureLineItem(ctx context.Context, in model.LineItemInput) (*model.LineItem, bool, error) {
	item := newLineItem(in)
	unbJSON, err := encodeUnbalance(item.Unbalance)
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: ensure line item")
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO line_items (id, project_id, item_number, description, unit, base_quantity, unbalance, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (project_id, item_number) DO NOTHING`,
		item.ID, item.ProjectID, item.ItemNumber, item.Description, item.Unit,
		item.BaseQuantity, string(unbJSON), item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		return nil, false, eris.Wrapf(err, "sqlite: insert line item %s/%s", in.ProjectID, in.ItemNumber)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return item, true, nil
	}

	existing, err := s.GetLineItemByNumber(ctx, in.ProjectID, in.ItemNumber)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *SQLiteStore) GetLineItem(ctx context.Context, id string) (*model.LineItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+lineItemColumns+` FROM line_items WHERE id = ?`, id)
	item, err := scanLineItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NotFoundf("line item %s", id)
	}
	return item, eris.Wrapf(err, "sqlite: get line item %s", id)
}

func (s *SQLiteStore) GetLineItemByNumber(ctx context.Context, projectID, itemNumber string) (*model.LineItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+lineItemColumns+` FROM line_items WHERE project_id = ? AND item_number = ?`,
		projectID, itemNumber,
	)
	item, err := scanLineItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NotFoundf("line item %s in project %s", itemNumber, projectID)
	}
	return item, eris.Wrapf(err, "sqlite: get line item %s/%s", projectID, itemNumber)
}

func (s *SQLiteStore) ListLineItems(ctx context.Context, filter LineItemFilter) ([]model.LineItem, error) {
	query := `SELECT ` + lineItemColumns + ` FROM line_items WHERE 1=1`
	var args []any

	if filter.ProjectID != "" {
		query += ` AND project_id = ?`
		args = append(args, filter.ProjectID)
	}
	query += ` ORDER BY project_id, item_number`

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list line items")
	}
	defer rows.Close()

	var items []model.LineItem
	for rows.Next() {
		item, err := scanLineItem(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan line item")
		}
		items = append(items, *item)
	}
	return items, eris.Wrap(rows.Err(), "sqlite: list line items iterate")
}

func (s *SQLiteStore) Stats(ctx context.Context, projectID string) (*Stats, error) {
	st := &Stats{BySignificance: map[model.Significance]int{}}
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN json_extract(unbalance, '$.is_unbalanced') = 1 THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN variance IS NULL THEN 1 ELSE 0 END), 0)
		 FROM line_items WHERE (? = '' OR project_id = ?)`,
		projectID, projectID,
	).Scan(&st.LineItems, &st.Unbalanced, &st.NoVariance)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: stats")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT json_extract(variance, '$.significance'), COUNT(*)
		 FROM line_items WHERE variance IS NOT NULL AND (? = '' OR project_id = ?)
		 GROUP BY 1`,
		projectID, projectID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: stats by significance")
	}
	defer rows.Close()
	for rows.Next() {
		var sig string
		var n int
		if err := rows.Scan(&sig, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan significance count")
		}
		st.BySignificance[model.Significance(sig)] = n
	}
	return st, eris.Wrap(rows.Err(), "sqlite: stats iterate")
}

// Reads

func (s *SQLiteStore) ListQuantities(ctx context.Context, lineItemID string) ([]model.QuantityRecord, error) {
	return querySQLiteQuantities(ctx, s.db, lineItemID)
}

func (s *SQLiteStore) ListAudit(ctx context.Context, lineItemID string, limit int) ([]model.AuditEvent, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+auditColumns+` FROM audit_events WHERE line_item_id = ? ORDER BY rowid LIMIT ?`,
		lineItemID, limit,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list audit %s", lineItemID)
	}
	defer rows.Close()

	var events []model.AuditEvent
	for rows.Next() {
		var ev model.AuditEvent
		var detailJSON string
		if err := rows.Scan(&ev.ID, &ev.LineItemID, &ev.Action, &ev.Actor, &detailJSON, &ev.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan audit event")
		}
		if ev.Detail, err = decodeDetail([]byte(detailJSON)); err != nil {
			return nil, eris.Wrap(err, "sqlite: audit event")
		}
		events = append(events, ev)
	}
	return events, eris.Wrap(rows.Err(), "sqlite: list audit iterate")
}

// WithLineItem runs fn in an immediate transaction on the single writer
// connection.
func (s *SQLiteStore) WithLineItem(ctx context.Context, id string, fn func(ctx context.Context, tx Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	row := tx.QueryRowContext(ctx, `SELECT `+lineItemColumns+` FROM line_items WHERE id = ?`, id)
	item, err := scanLineItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.NotFoundf("line item %s", id)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: load line item %s", id)
	}

	if err = fn(ctx, &sqliteTx{tx: tx, item: item}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return eris.Wrap(err, "sqlite: commit")
	}
	return nil
}

// Recalculation outbox

func (s *SQLiteStore) EnqueueRecalc(ctx context.Context, entry model.RecalcOutboxEntry) error {
	prepareOutbox(&entry)
	reqJSON, err := encodeRequest(entry.Request)
	if err != nil {
		return eris.Wrap(err, "sqlite: enqueue recalc")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO recalc_outbox (`+outboxColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   error = excluded.error, retry_count = excluded.retry_count,
		   next_retry_at = excluded.next_retry_at, last_failed_at = excluded.last_failed_at`,
		entry.ID, string(reqJSON), entry.Error, entry.RetryCount, entry.MaxRetries,
		entry.NextRetryAt.UTC(), entry.CreatedAt.UTC(), entry.LastFailedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: enqueue recalc")
}

func (s *SQLiteStore) DueRecalcs(ctx context.Context, limit int) ([]model.RecalcOutboxEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+outboxColumns+` FROM recalc_outbox
		 WHERE next_retry_at <= ? AND retry_count < max_retries
		 ORDER BY next_retry_at ASC LIMIT ?`,
		time.Now().UTC(), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: due recalcs")
	}
	defer rows.Close()

	var entries []model.RecalcOutboxEntry
	for rows.Next() {
		var e model.RecalcOutboxEntry
		var reqJSON string
		if err := rows.Scan(&e.ID, &reqJSON, &e.Error, &e.RetryCount, &e.MaxRetries,
			&e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan recalc entry")
		}
		if e.Request, err = decodeRequest([]byte(reqJSON)); err != nil {
			return nil, eris.Wrap(err, "sqlite: recalc entry")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: due recalcs iterate")
}

func (s *SQLiteStore) RetryRecalcLater(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE recalc_outbox
		 SET retry_count = retry_count + 1, next_retry_at = ?, error = ?, last_failed_at = ?
		 WHERE id = ?`,
		nextRetryAt.UTC(), lastErr, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: retry recalc %s", id)
	}
	return checkRowsAffected(res, "recalc entry", id)
}

func (s *SQLiteStore) RemoveRecalc(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM recalc_outbox WHERE id = ?`, id)
	return eris.Wrap(err, "sqlite: remove recalc")
}

func (s *SQLiteStore) CountRecalc(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM recalc_outbox WHERE retry_count < max_retries`).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count recalc")
}

// sqliteTx is the Tx handed to WithLineItem callbacks.
type sqliteTx struct {
	tx   *sql.Tx
	item *model.LineItem
}

func (t *sqliteTx) LineItem() *model.LineItem { return t.item }

func (t *sqliteTx) Quantities(ctx context.Context) ([]model.QuantityRecord, error) {
	return querySQLiteQuantities(ctx, t.tx, t.item.ID)
}

func (t *sqliteTx) InsertQuantity(ctx context.Context, rec *model.QuantityRecord) error {
	rec.LineItemID = t.item.ID
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO quantity_records (`+quantityColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.LineItemID, string(rec.Source), rec.Quantity, rec.Unit,
		rec.SourceReference, rec.Notes, rec.IsGoverning, nullInt(rec.Confidence),
		rec.EnteredBy, rec.EnteredAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: insert %s record for %s", rec.Source, t.item.ID)
}

func (t *sqliteTx) UpdateQuantity(ctx context.Context, rec *model.QuantityRecord) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE quantity_records
		 SET quantity = ?, unit = ?, source_reference = ?, notes = ?, confidence = ?, entered_by = ?, entered_at = ?
		 WHERE id = ? AND line_item_id = ?`,
		rec.Quantity, rec.Unit, rec.SourceReference, rec.Notes, nullInt(rec.Confidence),
		rec.EnteredBy, rec.EnteredAt.UTC(), rec.ID, t.item.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update record %s", rec.ID)
	}
	return checkRowsAffected(res, "quantity record", rec.ID)
}

func (t *sqliteTx) DeleteQuantity(ctx context.Context, recordID string) error {
	res, err := t.tx.ExecContext(ctx,
		`DELETE FROM quantity_records WHERE id = ? AND line_item_id = ?`,
		recordID, t.item.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete record %s", recordID)
	}
	return checkRowsAffected(res, "quantity record", recordID)
}

func (t *sqliteTx) SetGoverning(ctx context.Context, recordID string) error {
	if _, err := t.tx.ExecContext(ctx,
		`UPDATE quantity_records SET is_governing = 0 WHERE line_item_id = ? AND is_governing = 1`,
		t.item.ID,
	); err != nil {
		return eris.Wrapf(err, "sqlite: clear governing on %s", t.item.ID)
	}

	res, err := t.tx.ExecContext(ctx,
		`UPDATE quantity_records SET is_governing = 1 WHERE id = ? AND line_item_id = ?`,
		recordID, t.item.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set governing %s", recordID)
	}
	return checkRowsAffected(res, "quantity record", recordID)
}

func (t *sqliteTx) UpdateLineItem(ctx context.Context, item *model.LineItem) error {
	item.UpdatedAt = time.Now().UTC()
	_, err := t.tx.ExecContext(ctx,
		`UPDATE line_items SET description = ?, unit = ?, base_quantity = ?, updated_at = ? WHERE id = ?`,
		item.Description, item.Unit, item.BaseQuantity, item.UpdatedAt, t.item.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update line item %s", t.item.ID)
	}
	t.item.Description, t.item.Unit, t.item.BaseQuantity = item.Description, item.Unit, item.BaseQuantity
	t.item.UpdatedAt = item.UpdatedAt
	return nil
}

func (t *sqliteTx) SaveVariance(ctx context.Context, v *model.VarianceResult) error {
	varJSON, err := encodeVariance(v)
	if err != nil {
		return eris.Wrap(err, "sqlite: save variance")
	}
	var arg any
	if varJSON != nil {
		arg = string(varJSON)
	}
	now := time.Now().UTC()
	if _, err := t.tx.ExecContext(ctx,
		`UPDATE line_items SET variance = ?, updated_at = ? WHERE id = ?`,
		arg, now, t.item.ID,
	); err != nil {
		return eris.Wrapf(err, "sqlite: save variance %s", t.item.ID)
	}
	t.item.Variance = v
	t.item.UpdatedAt = now
	return nil
}

func (t *sqliteTx) SaveUnbalance(ctx context.Context, u model.UnbalanceState) error {
	unbJSON, err := encodeUnbalance(u)
	if err != nil {
		return eris.Wrap(err, "sqlite: save unbalance")
	}
	now := time.Now().UTC()
	if _, err := t.tx.ExecContext(ctx,
		`UPDATE line_items SET unbalance = ?, updated_at = ? WHERE id = ?`,
		string(unbJSON), now, t.item.ID,
	); err != nil {
		return eris.Wrapf(err, "sqlite: save unbalance %s", t.item.ID)
	}
	t.item.Unbalance = u
	t.item.UpdatedAt = now
	return nil
}

func (t *sqliteTx) AppendAudit(ctx context.Context, ev *model.AuditEvent) error {
	prepareAudit(ev, t.item.ID)
	detailJSON, err := encodeDetail(ev.Detail)
	if err != nil {
		return eris.Wrap(err, "sqlite: append audit")
	}
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO audit_events (`+auditColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.LineItemID, string(ev.Action), ev.Actor, string(detailJSON), ev.CreatedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: append audit %s", ev.Action)
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return model.NotFoundf("%s %s", entity, id)
	}
	return nil
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

type scannable interface {
	Scan(dest ...any) error
}

type sqlQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func querySQLiteQuantities(ctx context.Context, q sqlQuerier, lineItemID string) ([]model.QuantityRecord, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+quantityColumns+` FROM quantity_records WHERE line_item_id = ? ORDER BY entered_at, id`,
		lineItemID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list quantities %s", lineItemID)
	}
	defer rows.Close()

	var records []model.QuantityRecord
	for rows.Next() {
		var r model.QuantityRecord
		var conf sql.NullInt64
		if err := rows.Scan(&r.ID, &r.LineItemID, &r.Source, &r.Quantity, &r.Unit,
			&r.SourceReference, &r.Notes, &r.IsGoverning, &conf,
			&r.EnteredBy, &r.EnteredAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan quantity record")
		}
		if conf.Valid {
			c := int(conf.Int64)
			r.Confidence = &c
		}
		records = append(records, r)
	}
	return records, eris.Wrap(rows.Err(), "sqlite: list quantities iterate")
}

func scanLineItem(row scannable) (*model.LineItem, error) {
	var item model.LineItem
	var varJSON sql.NullString
	var unbJSON string
	if err := row.Scan(&item.ID, &item.ProjectID, &item.ItemNumber, &item.Description,
		&item.Unit, &item.BaseQuantity, &varJSON, &unbJSON, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return nil, err
	}

	var err error
	if varJSON.Valid {
		if item.Variance, err = decodeVariance([]byte(varJSON.String)); err != nil {
			return nil, err
		}
	}
	if item.Unbalance, err = decodeUnbalance([]byte(strings.TrimSpace(unbJSON))); err != nil {
		return nil, err
	}
	return &item, nil
}
