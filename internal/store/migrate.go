package store

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// migrations are idempotent DDL statements run by the migrate subcommand.
// The tables' primary keys back the upsert ON CONFLICT targets; the other
// indexes serve lookups.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS pulse_links (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		user_id TEXT NOT NULL,
		provider_slug TEXT NOT NULL,
		auth_kind TEXT NOT NULL,
		credential_blob TEXT NOT NULL,
		llm_access INT NOT NULL DEFAULT 0,
		reconnect_flag BOOLEAN NOT NULL DEFAULT FALSE,
		deleted_flag BOOLEAN NOT NULL DEFAULT FALSE,
		expires_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pulse_links_active
		ON pulse_links (user_id, provider_slug) WHERE NOT deleted_flag`,

	`CREATE TABLE IF NOT EXISTS pulse_series (
		user_id TEXT NOT NULL,
		indicator TEXT NOT NULL,
		source TEXT NOT NULL,
		time TIMESTAMPTZ NOT NULL,
		value TEXT NOT NULL,
		timezone TEXT NOT NULL DEFAULT 'UTC',
		source_id TEXT NOT NULL DEFAULT '',
		task_id TEXT NOT NULL DEFAULT '',
		update_time TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (user_id, indicator, source, time)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pulse_series_source_id
		ON pulse_series (user_id, source_id)`,

	`CREATE TABLE IF NOT EXISTS pulse_summary (
		user_id TEXT NOT NULL,
		indicator TEXT NOT NULL,
		start_time TIMESTAMP NOT NULL,
		end_time TIMESTAMP NOT NULL,
		value TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		source_table TEXT NOT NULL DEFAULT '',
		source_table_id TEXT NOT NULL DEFAULT '',
		comment TEXT NOT NULL DEFAULT '',
		task_id TEXT NOT NULL DEFAULT '',
		deleted BOOLEAN NOT NULL DEFAULT FALSE,
		update_time TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (user_id, indicator, start_time, end_time)
	)`,
}

// rawTableNames are the per-provider audit tables; one table per provider
// that stores raw payloads.
var rawTableNames = []string{"pulse_raw_whoop", "pulse_raw_garmin"}

func rawTableDDL(name string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		theta_user_id TEXT NOT NULL DEFAULT '',
		external_user_id TEXT NOT NULL DEFAULT '',
		msg_id TEXT NOT NULL DEFAULT '',
		raw_data JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		deleted BOOLEAN NOT NULL DEFAULT FALSE
	)`, name)
}

// Migrate applies the schema. Every statement is IF NOT EXISTS, so repeated
// runs are safe.
func Migrate(ctx context.Context, db *DB) error {
	statements := append([]string{}, migrations...)
	for _, name := range rawTableNames {
		statements = append(statements, rawTableDDL(name))
		statements = append(statements, fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS idx_%s_msg_id ON %s (msg_id) WHERE NOT deleted`, name, name))
	}

	for _, stmt := range statements {
		if _, err := db.sql.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	log.Info().Int("statements", len(statements)).Msg("store: schema migration complete")
	return nil
}
