// Copyright 2025 Roessingh Research and Development
// SPDX-License-Identifier: Apache-2.0

package senseeact

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// initializeSchemaInTx creates the required sync tables within an existing
// transaction. All statements are idempotent.
func (s *Service) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	migrations := []string{
		// Dedicated schema keeps sync bookkeeping away from business data
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS sync`,

		// 1) Append-only action log. seq is the per-table cursor basis:
		// BIGSERIAL is strictly increasing, rows are never updated.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.action_log (
			seq         BIGSERIAL PRIMARY KEY,
			project     TEXT      NOT NULL,
			table_name  TEXT      NOT NULL,
			op          TEXT      NOT NULL CHECK (op IN ('INSERT','UPDATE','DELETE')),
			record_id   TEXT      NOT NULL,
			subject     TEXT,
			payload     JSON,
			sample_time TIMESTAMPTZ,
			origin      TEXT      NOT NULL,
			author      TEXT      NOT NULL,
			ts          TIMESTAMPTZ NOT NULL DEFAULT now(),
			CONSTRAINT action_log_payload_by_op_chk
			CHECK ((op = 'DELETE' AND payload IS NULL) OR (op IN ('INSERT','UPDATE') AND payload IS NOT NULL))
		)`,
		`CREATE INDEX IF NOT EXISTS al_table_seq_idx ON sync.action_log(project, table_name, seq)`,
		`CREATE INDEX IF NOT EXISTS al_subject_seq_idx ON sync.action_log(project, table_name, subject, seq)`,

		// 2) Current after-image per record (last-writer-wins target)
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.record_state (
			project    TEXT    NOT NULL,
			table_name TEXT    NOT NULL,
			record_id  TEXT    NOT NULL,
			subject    TEXT,
			payload    JSON,
			deleted    BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (project, table_name, record_id)
		)`,

		// 3) Per-subject read progress, diagnostics only. The client-sent
		// cursor stays authoritative for every read.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.sync_progress (
			subject    TEXT   NOT NULL,
			project    TEXT   NOT NULL,
			table_name TEXT   NOT NULL,
			last_seq   BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (subject, project, table_name)
		)`,

		// 4) Per-origin write progress for idempotent re-upload
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.write_progress (
			subject    TEXT   NOT NULL,
			project    TEXT   NOT NULL,
			table_name TEXT   NOT NULL,
			origin     TEXT   NOT NULL,
			last_order BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (subject, project, table_name, origin)
		)`,

		// 5) Users and access groups
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.app_user (
			user_id TEXT PRIMARY KEY,
			email   TEXT NOT NULL UNIQUE,
			role    TEXT NOT NULL CHECK (role IN ('admin','professional','patient')),
			active  BOOLEAN NOT NULL DEFAULT TRUE
		)`,
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.access_group (
			group_id TEXT PRIMARY KEY,
			name     TEXT NOT NULL
		)`,
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.access_group_member (
			group_id TEXT NOT NULL REFERENCES sync.access_group(group_id) ON DELETE CASCADE,
			user_id  TEXT NOT NULL REFERENCES sync.app_user(user_id) ON DELETE CASCADE,
			PRIMARY KEY (group_id, user_id)
		)`,

		// 6) Access rules. restrictions NULL = full access; a JSON array
		// restricts by module, mode and time range.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.project_user_access (
			project      TEXT NOT NULL,
			grantee      TEXT NOT NULL,
			subject      TEXT NOT NULL,
			restrictions JSON,
			PRIMARY KEY (project, grantee, subject),
			CHECK (grantee <> subject)
		)`,

		// 7) Push registrations
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.push_registration (
			user_id      TEXT NOT NULL,
			project      TEXT NOT NULL,
			storage      TEXT NOT NULL,
			table_name   TEXT NOT NULL,
			device_id    TEXT NOT NULL,
			fcm_token    TEXT NOT NULL,
			restrictions JSON,
			PRIMARY KEY (user_id, project, storage, device_id)
		)`,
		`CREATE INDEX IF NOT EXISTS pr_storage_table_idx ON sync.push_registration(storage, table_name)`,

		// 8) Watch registrations. Triggered subjects are mirrored here so
		// accumulated triggers survive a restart.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.watch_registration (
			id            UUID PRIMARY KEY,
			kind          TEXT NOT NULL CHECK (kind IN ('table','subject')),
			user_id       TEXT NOT NULL,
			project       TEXT NOT NULL,
			table_name    TEXT,
			subject       TEXT,
			any_subject   BOOLEAN NOT NULL DEFAULT FALSE,
			callback_url  TEXT,
			last_watch    TIMESTAMPTZ NOT NULL DEFAULT now(),
			triggered     JSON,
			fail_count    INT NOT NULL DEFAULT 0,
			fail_start    TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS wr_user_idx ON sync.watch_registration(user_id, project)`,
	}

	for i, migration := range migrations {
		s.logger.Debug("Running sync schema migration", "step", i+1, "total", len(migrations))
		if _, err := tx.Exec(ctx, migration); err != nil {
			return fmt.Errorf("sync schema migration %d failed: %w", i+1, err)
		}
	}
	s.logger.Info("Sync schema initialized successfully", "migrations", len(migrations))

	return nil
}
