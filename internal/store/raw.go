package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/rs/zerolog/log"
)

// RawRow is one audit row in a provider's raw-payload table.
type RawRow struct {
	ID             int64
	ThetaUserID    string
	ExternalUserID string
	MsgID          string
	RawData        json.RawMessage
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Deleted        bool
}

// RawStore persists the per-provider raw-payload audit tables. Each provider
// gets its own table (pulse_raw_<name>), mirroring the
// theta_ai.health_data_<name> layout; the store is instantiated per table.
type RawStore struct {
	db    *DB
	table string
}

// NewRawStore builds a RawStore over the table for providerName (the slug
// with its platform prefix stripped, e.g. "whoop" for "theta_whoop").
func NewRawStore(db *DB, providerName string) *RawStore {
	return &RawStore{db: db, table: "pulse_raw_" + providerName}
}

// Table returns the underlying table name, used by cascade deletes as the
// source_table discriminator in the summary store.
func (s *RawStore) Table() string { return s.table }

// Insert writes one raw payload. When a row with the same msg_id already
// exists the insert is skipped and the existing row returned, giving the
// ingestion path its at-least-once idempotency at the raw layer.
func (s *RawStore) Insert(ctx context.Context, row RawRow) (RawRow, error) {
	if row.MsgID != "" {
		existing, err := s.GetByMsgID(ctx, row.MsgID)
		if err == nil {
			log.Info().Str("msg_id", row.MsgID).Str("table", s.table).Msg("store: raw payload already stored, skipping insert")
			return existing, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return RawRow{}, err
		}
	}

	now := time.Now().UTC()
	query, _, err := s.db.goqu.Insert(goqu.T(s.table)).Rows(goqu.Record{
		"theta_user_id":    row.ThetaUserID,
		"external_user_id": row.ExternalUserID,
		"msg_id":           row.MsgID,
		"raw_data":         string(row.RawData),
		"created_at":       now,
		"updated_at":       now,
		"deleted":          false,
	}).ToSQL()
	if err != nil {
		return RawRow{}, fmt.Errorf("store: build raw insert: %w", err)
	}
	if _, err := s.db.sql.ExecContext(ctx, query); err != nil {
		return RawRow{}, fmt.Errorf("store: exec raw insert: %w", err)
	}

	return s.GetByMsgID(ctx, row.MsgID)
}

const rawColumns = "id, theta_user_id, external_user_id, msg_id, raw_data, created_at, updated_at, deleted"

func (s *RawStore) scanRow(scanner interface{ Scan(...any) error }) (RawRow, error) {
	var r RawRow
	var rawData string
	if err := scanner.Scan(&r.ID, &r.ThetaUserID, &r.ExternalUserID, &r.MsgID, &rawData, &r.CreatedAt, &r.UpdatedAt, &r.Deleted); err != nil {
		return RawRow{}, err
	}
	r.RawData = json.RawMessage(rawData)
	return r, nil
}

// GetByMsgID returns the non-deleted row carrying msgID, or ErrNotFound.
func (s *RawStore) GetByMsgID(ctx context.Context, msgID string) (RawRow, error) {
	query, _, err := s.db.goqu.From(goqu.T(s.table)).
		Select(goqu.L(rawColumns)).
		Where(goqu.I("msg_id").Eq(msgID), goqu.I("deleted").IsFalse()).
		Order(goqu.I("id").Desc()).
		Limit(1).
		ToSQL()
	if err != nil {
		return RawRow{}, fmt.Errorf("store: build raw get by msg_id: %w", err)
	}

	row, err := s.scanRow(s.db.sql.QueryRowContext(ctx, query))
	if isNoRows(err) {
		return RawRow{}, ErrNotFound
	}
	if err != nil {
		return RawRow{}, fmt.Errorf("store: scan raw row: %w", err)
	}
	return row, nil
}

// GetByID returns the row with id, or ErrNotFound.
func (s *RawStore) GetByID(ctx context.Context, id int64) (RawRow, error) {
	query, _, err := s.db.goqu.From(goqu.T(s.table)).
		Select(goqu.L(rawColumns)).
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return RawRow{}, fmt.Errorf("store: build raw get by id: %w", err)
	}

	row, err := s.scanRow(s.db.sql.QueryRowContext(ctx, query))
	if isNoRows(err) {
		return RawRow{}, ErrNotFound
	}
	if err != nil {
		return RawRow{}, fmt.Errorf("store: scan raw row: %w", err)
	}
	return row, nil
}

// RawFilter narrows a List call.
type RawFilter struct {
	UserID   string
	Page     int // 1-based
	PageSize int
}

// List returns non-deleted rows, newest first, for management-console
// inspection of stored webhooks.
func (s *RawStore) List(ctx context.Context, filter RawFilter) ([]RawRow, error) {
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PageSize < 1 {
		filter.PageSize = 20
	}

	conditions := []goqu.Expression{goqu.I("deleted").IsFalse()}
	if filter.UserID != "" {
		conditions = append(conditions, goqu.I("theta_user_id").Eq(filter.UserID))
	}

	query, _, err := s.db.goqu.From(goqu.T(s.table)).
		Select(goqu.L(rawColumns)).
		Where(conditions...).
		Order(goqu.I("created_at").Desc(), goqu.I("id").Desc()).
		Limit(uint(filter.PageSize)).
		Offset(uint((filter.Page - 1) * filter.PageSize)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("store: build raw list: %w", err)
	}

	rows, err := s.db.sql.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: exec raw list: %w", err)
	}
	defer rows.Close()

	var out []RawRow
	for rows.Next() {
		row, err := s.scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan raw list row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// SoftDelete marks the row deleted and returns it so the caller can cascade
// into the series/summary stores using its msg_id.
func (s *RawStore) SoftDelete(ctx context.Context, id int64) (RawRow, error) {
	row, err := s.GetByID(ctx, id)
	if err != nil {
		return RawRow{}, err
	}

	query, _, err := s.db.goqu.Update(goqu.T(s.table)).
		Set(goqu.Record{"deleted": true, "updated_at": time.Now().UTC()}).
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return RawRow{}, fmt.Errorf("store: build raw soft delete: %w", err)
	}
	if _, err := s.db.sql.ExecContext(ctx, query); err != nil {
		return RawRow{}, fmt.Errorf("store: exec raw soft delete: %w", err)
	}
	return row, nil
}

// Cascade deletes the series and summary rows a raw payload produced.
type Cascade struct {
	series  *SeriesStore
	summary *SummaryStore
}

func NewCascade(series *SeriesStore, summary *SummaryStore) Cascade {
	return Cascade{series: series, summary: summary}
}

// DeleteDerived hard-deletes matching series rows and soft-deletes matching
// summary rows, tolerating both source_table_id formats. Best-effort: both
// stores are attempted even when one fails.
func (c Cascade) DeleteDerived(ctx context.Context, userID, sourceTable, sourceTableID string) error {
	seriesErr := c.series.DeleteBySourceTableID(ctx, userID, sourceTableID)
	summaryErr := c.summary.SoftDeleteBySourceTableID(ctx, userID, sourceTable, sourceTableID)
	return errors.Join(seriesErr, summaryErr)
}

// ProviderStat is one source's aggregate for the platform manager's
// provider-stats enrichment.
type ProviderStat struct {
	RecordCount  int64
	LastSyncedAt time.Time
}

// UserProviderStats answers the manager's single aggregate query: per-source
// series record count and most recent write time (update_time) for one user.
func UserProviderStats(ctx context.Context, db *DB, userID string) (map[string]ProviderStat, error) {
	query, _, err := db.goqu.From(seriesTable).
		Select(goqu.I("source"), goqu.COUNT(goqu.Star()), goqu.MAX(goqu.I("update_time"))).
		Where(goqu.I("user_id").Eq(userID)).
		GroupBy(goqu.I("source")).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("store: build provider stats: %w", err)
	}

	rows, err := db.sql.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: exec provider stats: %w", err)
	}
	defer rows.Close()

	out := make(map[string]ProviderStat)
	for rows.Next() {
		var source string
		var count int64
		var last any
		if err := rows.Scan(&source, &count, &last); err != nil {
			return nil, fmt.Errorf("store: scan provider stats row: %w", err)
		}
		out[source] = ProviderStat{RecordCount: count, LastSyncedAt: scanTime(last)}
	}
	return out, rows.Err()
}

// scanTime converts a driver value from an aggregate expression, whose
// column type the driver cannot infer, into a time.Time.
func scanTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case []byte:
		return parseTimeString(string(t))
	case string:
		return parseTimeString(t)
	default:
		return time.Time{}
	}
}

func parseTimeString(s string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
