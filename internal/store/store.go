// Package store implements the health-data stores (C10): the series and
// summary tables that the normalization pipeline upserts into, plus the
// per-provider raw-payload audit table. Grounded on the rakunlabs-at
// database/sql + pgx/v5 stdlib driver + goqu/v9 query-builder idiom.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// SeriesRow is one point-in-time reading. Key: (UserID, Indicator, Source, Time).
type SeriesRow struct {
	UserID     string
	Indicator  string
	Source     string
	Time       time.Time
	Value      string // numeric or label value, stored as text per spec.md §3
	Timezone   string
	SourceID   string
	TaskID     string
	UpdateTime time.Time
}

// SummaryRow is an aggregate over [StartTime, EndTime]. Key: (UserID,
// Indicator, StartTime, EndTime).
type SummaryRow struct {
	UserID        string
	Indicator     string
	StartTime     time.Time
	EndTime       time.Time
	Value         string
	Source        string
	SourceTable   string
	SourceTableID string
	Comment       string
	TaskID        string
	Deleted       bool
	UpdateTime    time.Time
}

// DB is the shared handle both stores are built from, matching the
// single-*sql.DB-plus-goqu.Database wiring in rakunlabs-at's postgres store.
type DB struct {
	sql  *sql.DB
	goqu *goqu.Database
}

// Open opens a Postgres connection pool through the pgx stdlib driver and
// wraps it with goqu for query building.
func Open(ctx context.Context, dsn string) (*DB, error) {
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(15 * time.Minute)

	return &DB{sql: sqlDB, goqu: goqu.New("postgres", sqlDB)}, nil
}

// NewFromSQL wraps an already-open *sql.DB, used by tests and by callers
// that manage the pool's lifecycle themselves.
func NewFromSQL(sqlDB *sql.DB) *DB {
	return &DB{sql: sqlDB, goqu: goqu.New("postgres", sqlDB)}
}

func (db *DB) Close() error { return db.sql.Close() }

// SQL exposes the underlying pool for collaborators (the vault) that manage
// their own statements over the same connection.
func (db *DB) SQL() *sql.DB { return db.sql }

const (
	seriesBatchSize  = 1000
	summaryBatchSize = 1000
)

var (
	seriesTable  exp.IdentifierExpression = goqu.T("pulse_series")
	summaryTable exp.IdentifierExpression = goqu.T("pulse_summary")
)

// SeriesStore persists SeriesRow.
type SeriesStore struct {
	db *DB
}

func NewSeriesStore(db *DB) *SeriesStore { return &SeriesStore{db: db} }

// UpsertBatch inserts or updates rows in chunks of seriesBatchSize, matching
// upload_health.py's batch_size=1000. Conflict on (user_id, indicator,
// source, time) updates value/task_id/source_id/update_time only when the
// incoming value or task_id differs from the stored one — the catalog's
// "mutate only on differing value or task_id" contract is enforced by the
// ON CONFLICT ... WHERE clause rather than a pre-read, so re-ingesting an
// identical row leaves it untouched.
func (s *SeriesStore) UpsertBatch(ctx context.Context, rows []SeriesRow) error {
	for start := 0; start < len(rows); start += seriesBatchSize {
		end := start + seriesBatchSize
		if end > len(rows) {
			end = len(rows)
		}
		if err := s.upsertChunk(ctx, rows[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *SeriesStore) upsertChunk(ctx context.Context, rows []SeriesRow) error {
	if len(rows) == 0 {
		return nil
	}

	records := make([]goqu.Record, 0, len(rows))
	for _, r := range rows {
		records = append(records, goqu.Record{
			"user_id":     r.UserID,
			"indicator":   r.Indicator,
			"source":      r.Source,
			"time":        r.Time,
			"value":       r.Value,
			"timezone":    r.Timezone,
			"source_id":   r.SourceID,
			"task_id":     r.TaskID,
			"update_time": time.Now().UTC(),
		})
	}

	rowsArg := make([]interface{}, len(records))
	for i, r := range records {
		rowsArg[i] = r
	}

	query, _, err := s.db.goqu.Insert(seriesTable).
		Rows(rowsArg...).
		OnConflict(goqu.DoUpdate("user_id, indicator, source, time", goqu.Record{
			"value":       goqu.L("EXCLUDED.value"),
			"task_id":     goqu.L("EXCLUDED.task_id"),
			"source_id":   goqu.L("EXCLUDED.source_id"),
			"update_time": goqu.L("EXCLUDED.update_time"),
		}).Where(goqu.L("pulse_series.value <> EXCLUDED.value OR pulse_series.task_id <> EXCLUDED.task_id"))).
		ToSQL()
	if err != nil {
		return fmt.Errorf("store: build series upsert: %w", err)
	}

	if _, err := s.db.sql.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("store: exec series upsert: %w", err)
	}
	return nil
}

// RangeByTime returns series rows for (userID, indicator) with Time in
// [from, to], ordered ascending.
func (s *SeriesStore) RangeByTime(ctx context.Context, userID, indicator string, from, to time.Time) ([]SeriesRow, error) {
	query, _, err := s.db.goqu.From(seriesTable).
		Select("user_id", "indicator", "source", "time", "value", "timezone", "source_id", "task_id", "update_time").
		Where(
			goqu.I("user_id").Eq(userID),
			goqu.I("indicator").Eq(indicator),
			goqu.I("time").Gte(from),
			goqu.I("time").Lte(to),
		).
		Order(goqu.I("time").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("store: build series range query: %w", err)
	}

	rows, err := s.db.sql.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: exec series range query: %w", err)
	}
	defer rows.Close()

	var out []SeriesRow
	for rows.Next() {
		var r SeriesRow
		if err := rows.Scan(&r.UserID, &r.Indicator, &r.Source, &r.Time, &r.Value, &r.Timezone, &r.SourceID, &r.TaskID, &r.UpdateTime); err != nil {
			return nil, fmt.Errorf("store: scan series row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteBySourceTableID soft-deletes nothing (series has no deleted column
// in spec.md §6) and instead hard-deletes all rows matching sourceTableID
// for cascade-delete of a raw payload. It accepts both the current
// key-based source_table_id format and the legacy "msg_id_#_hash" format,
// per spec.md §4.9's migration-tolerance note: anything whose source_id
// equals sourceTableID, or whose source_id is prefixed
// "<sourceTableID>_#_", is removed.
func (s *SeriesStore) DeleteBySourceTableID(ctx context.Context, userID, sourceTableID string) error {
	query, _, err := s.db.goqu.Delete(seriesTable).
		Where(
			goqu.I("user_id").Eq(userID),
			goqu.Or(
				goqu.I("source_id").Eq(sourceTableID),
				goqu.I("source_id").Like(sourceTableID+"_#_%"),
			),
		).
		ToSQL()
	if err != nil {
		return fmt.Errorf("store: build series cascade delete: %w", err)
	}
	if _, err := s.db.sql.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("store: exec series cascade delete: %w", err)
	}
	return nil
}

// SummaryStore persists SummaryRow.
type SummaryStore struct {
	db *DB
}

func NewSummaryStore(db *DB) *SummaryStore { return &SummaryStore{db: db} }

// UpsertBatch inserts or updates in chunks of summaryBatchSize. Conflict on
// (user_id, indicator, start_time, end_time) always updates
// value/source_table/source_table_id/comment/source/task_id/update_time,
// matching upload_health.py's unconditional ON CONFLICT DO UPDATE.
func (s *SummaryStore) UpsertBatch(ctx context.Context, rows []SummaryRow) error {
	for start := 0; start < len(rows); start += summaryBatchSize {
		end := start + summaryBatchSize
		if end > len(rows) {
			end = len(rows)
		}
		if err := s.upsertChunk(ctx, rows[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *SummaryStore) upsertChunk(ctx context.Context, rows []SummaryRow) error {
	if len(rows) == 0 {
		return nil
	}

	records := make([]goqu.Record, 0, len(rows))
	for _, r := range rows {
		records = append(records, goqu.Record{
			"user_id":         r.UserID,
			"indicator":       r.Indicator,
			"start_time":      r.StartTime,
			"end_time":        r.EndTime,
			"value":           r.Value,
			"source":          r.Source,
			"source_table":    r.SourceTable,
			"source_table_id": r.SourceTableID,
			"comment":         r.Comment,
			"task_id":         r.TaskID,
			"deleted":         r.Deleted,
			"update_time":     time.Now().UTC(),
		})
	}

	rowsArg := make([]interface{}, len(records))
	for i, r := range records {
		rowsArg[i] = r
	}

	query, _, err := s.db.goqu.Insert(summaryTable).
		Rows(rowsArg...).
		OnConflict(goqu.DoUpdate("user_id, indicator, start_time, end_time", goqu.Record{
			"value":           goqu.L("EXCLUDED.value"),
			"source":          goqu.L("EXCLUDED.source"),
			"source_table":    goqu.L("EXCLUDED.source_table"),
			"source_table_id": goqu.L("EXCLUDED.source_table_id"),
			"comment":         goqu.L("EXCLUDED.comment"),
			"task_id":         goqu.L("EXCLUDED.task_id"),
			"update_time":     goqu.L("EXCLUDED.update_time"),
		})).
		ToSQL()
	if err != nil {
		return fmt.Errorf("store: build summary upsert: %w", err)
	}

	if _, err := s.db.sql.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("store: exec summary upsert: %w", err)
	}
	return nil
}

// RangeByStart returns non-deleted summary rows for (userID, indicator)
// with StartTime in [from, to], ordered ascending.
func (s *SummaryStore) RangeByStart(ctx context.Context, userID, indicator string, from, to time.Time) ([]SummaryRow, error) {
	query, _, err := s.db.goqu.From(summaryTable).
		Select("user_id", "indicator", "start_time", "end_time", "value", "source", "source_table", "source_table_id", "comment", "task_id", "deleted", "update_time").
		Where(
			goqu.I("user_id").Eq(userID),
			goqu.I("indicator").Eq(indicator),
			goqu.I("start_time").Gte(from),
			goqu.I("start_time").Lte(to),
			goqu.I("deleted").IsFalse(),
		).
		Order(goqu.I("start_time").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("store: build summary range query: %w", err)
	}

	rows, err := s.db.sql.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: exec summary range query: %w", err)
	}
	defer rows.Close()

	var out []SummaryRow
	for rows.Next() {
		var r SummaryRow
		if err := rows.Scan(&r.UserID, &r.Indicator, &r.StartTime, &r.EndTime, &r.Value, &r.Source, &r.SourceTable, &r.SourceTableID, &r.Comment, &r.TaskID, &r.Deleted, &r.UpdateTime); err != nil {
			return nil, fmt.Errorf("store: scan summary row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SoftDeleteBySourceTableID marks matching rows deleted, tolerating both the
// current and legacy source_table_id formats as DeleteBySourceTableID does.
func (s *SummaryStore) SoftDeleteBySourceTableID(ctx context.Context, userID, sourceTable, sourceTableID string) error {
	query, _, err := s.db.goqu.Update(summaryTable).
		Set(goqu.Record{"deleted": true, "update_time": time.Now().UTC()}).
		Where(
			goqu.I("user_id").Eq(userID),
			goqu.I("source_table").Eq(sourceTable),
			goqu.Or(
				goqu.I("source_table_id").Eq(sourceTableID),
				goqu.I("source_table_id").Like(sourceTableID+"_#_%"),
			),
		).
		ToSQL()
	if err != nil {
		return fmt.Errorf("store: build summary soft delete: %w", err)
	}
	if _, err := s.db.sql.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("store: exec summary soft delete: %w", err)
	}
	return nil
}

// ErrNotFound is returned by single-row lookups that find nothing.
var ErrNotFound = errors.New("store: not found")

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
