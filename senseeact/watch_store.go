// Copyright 2025 Roessingh Research and Development
// SPDX-License-Identifier: Apache-2.0

package senseeact

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGWatchStore persists watch registrations in sync.watch_registration.
type PGWatchStore struct {
	pool *pgxpool.Pool
}

func NewPGWatchStore(pool *pgxpool.Pool) *PGWatchStore {
	return &PGWatchStore{pool: pool}
}

func (s *PGWatchStore) LoadRegistrations(ctx context.Context) ([]WatchRegistration, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, kind, user_id, project, COALESCE(table_name, ''), COALESCE(subject, ''),
		       any_subject, COALESCE(callback_url, ''), last_watch, triggered,
		       fail_count, COALESCE(fail_start, 'epoch'::timestamptz)
		FROM sync.watch_registration`)
	if err != nil {
		return nil, fmt.Errorf("load watch registrations: %w", err)
	}
	defer rows.Close()

	var regs []WatchRegistration
	for rows.Next() {
		var reg WatchRegistration
		var triggered []byte
		if err := rows.Scan(&reg.ID, &reg.Kind, &reg.User, &reg.Project, &reg.Table, &reg.Subject,
			&reg.AnySubject, &reg.CallbackURL, &reg.LastWatch, &triggered,
			&reg.FailCount, &reg.FailStart); err != nil {
			return nil, fmt.Errorf("scan watch registration: %w", err)
		}
		if len(triggered) > 0 {
			if err := json.Unmarshal(triggered, &reg.Triggered); err != nil {
				return nil, fmt.Errorf("parse triggered of %s: %w", reg.ID, err)
			}
		}
		if reg.FailStart.Unix() == 0 {
			reg.FailStart = time.Time{}
		}
		regs = append(regs, reg)
	}
	return regs, rows.Err()
}

func (s *PGWatchStore) SaveRegistration(ctx context.Context, reg *WatchRegistration) error {
	triggered, err := json.Marshal(reg.Triggered)
	if err != nil {
		return fmt.Errorf("marshal triggered: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO sync.watch_registration
			(id, kind, user_id, project, table_name, subject, any_subject, callback_url,
			 last_watch, triggered, fail_count, fail_start)
		VALUES (@id, @kind, @user_id, @project, @table_name, @subject, @any_subject, @callback_url,
			 @last_watch, @triggered, @fail_count, @fail_start)
		ON CONFLICT (id) DO UPDATE SET
			last_watch = EXCLUDED.last_watch,
			triggered = EXCLUDED.triggered,
			fail_count = EXCLUDED.fail_count,
			fail_start = EXCLUDED.fail_start`,
		pgx.NamedArgs{
			"id":           reg.ID,
			"kind":         reg.Kind,
			"user_id":      reg.User,
			"project":      reg.Project,
			"table_name":   nullableString(reg.Table),
			"subject":      nullableString(reg.Subject),
			"any_subject":  reg.AnySubject,
			"callback_url": nullableString(reg.CallbackURL),
			"last_watch":   reg.LastWatch,
			"triggered":    triggered,
			"fail_count":   reg.FailCount,
			"fail_start":   nullableTime(reg.FailStart),
		})
	if err != nil {
		return fmt.Errorf("save watch registration %s: %w", reg.ID, err)
	}
	return nil
}

func (s *PGWatchStore) DeleteRegistration(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sync.watch_registration WHERE id = @id`,
		pgx.NamedArgs{"id": id})
	if err != nil {
		return fmt.Errorf("delete watch registration %s: %w", id, err)
	}
	return nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
