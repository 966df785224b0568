// Copyright 2025 Roessingh Research and Development
// SPDX-License-Identifier: Apache-2.0

package senseeact

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// WriteRequest uploads a batch of actions for one subject. The batch is
// atomic: the first forbidden or invalid action aborts the whole write and
// nothing becomes visible.
type WriteRequest struct {
	Subject       string           `json:"subject,omitempty"`
	IncludeTables []string         `json:"includeTables,omitempty"`
	ExcludeTables []string         `json:"excludeTables,omitempty"`
	Actions       []DatabaseAction `json:"actions"`
}

// WriteResponse reports what the batch did. Skipped counts actions that
// were valid but had no effect: already-synced re-uploads and stale
// updates or deletes of records that no longer exist.
type WriteResponse struct {
	Applied int `json:"applied"`
	Skipped int `json:"skipped"`
}

// tableAccess pairs a table definition with the write access resolved for
// the batch subject on that table.
type tableAccess struct {
	def    *TableDef
	access *SubjectAccess
}

// WriteActions validates and applies a batch of actions as the caller,
// writing to the subject's data. origin identifies the uploading client
// and is recorded on every appended action so reads can suppress the echo.
//
// Validation happens before anything is written; the apply runs in a
// single repeatable-read transaction so a failed batch leaves no trace.
// After commit the watch hub is notified synchronously and the push
// dispatcher asynchronously.
func (s *Service) WriteActions(ctx context.Context, caller, origin, project string, req *WriteRequest) (*WriteResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	proj, err := s.registry.requireProject(project)
	if err != nil {
		return nil, err
	}
	if len(req.Actions) == 0 {
		return &WriteResponse{}, nil
	}
	if s.config.MaxBatchSize > 0 && len(req.Actions) > s.config.MaxBatchSize {
		return nil, illegalInputf("batch too large: actions=%d limit=%d", len(req.Actions), s.config.MaxBatchSize)
	}

	filter := newTableFilter(req.IncludeTables, req.ExcludeTables)

	// Resolve write access and validate every action up front. Access is
	// resolved once per table; all actions of the batch must pass before
	// any row is touched.
	accessByTable := make(map[string]*tableAccess)
	for i := range req.Actions {
		action := &req.Actions[i]
		ta, ok := accessByTable[action.Table]
		if !ok {
			def, err := resolveWriteTable(proj, action.Table, filter)
			if err != nil {
				return nil, err
			}
			action.Table = def.Name
			access, err := s.resolver.ResolveSubject(ctx, caller, req.Subject, project, def.Name, AccessWrite)
			if err != nil {
				return nil, err
			}
			ta = &tableAccess{def: def, access: access}
			accessByTable[def.Name] = ta
		} else {
			action.Table = ta.def.Name
		}

		if err := validateAction(action, ta.def, ta.access.User); err != nil {
			return nil, err
		}
		if !ta.access.CheckTime(action.SampleTime) {
			return nil, forbiddenf("sample time of record %s outside granted range", action.RecordID)
		}
		if action.Time.IsZero() {
			action.Time = time.Now()
		}
		action.Origin = origin
		action.Author = caller
	}

	resp := &WriteResponse{}
	var notify []DatabaseAction

	err = pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadWrite}, func(tx pgx.Tx) error {
		// Per-origin write cursor, for idempotent re-upload of the same batch
		written := make(map[string]int64)
		for table, ta := range accessByTable {
			last, err := s.writeProgress(ctx, tx, ta.access.User, project, table, origin)
			if err != nil {
				return err
			}
			written[table] = last
		}

		for i := range req.Actions {
			action := &req.Actions[i]
			ta := accessByTable[action.Table]

			if action.Order > 0 && action.Order <= written[action.Table] {
				resp.Skipped++
				continue
			}

			applied, err := s.applyAction(ctx, tx, project, ta, action)
			if err != nil {
				return err
			}
			if !applied {
				resp.Skipped++
				continue
			}
			resp.Applied++
			notify = append(notify, *action)

			if action.Order > written[action.Table] {
				written[action.Table] = action.Order
				if err := s.storeWriteProgress(ctx, tx, ta.access.User, project, action.Table, origin, action.Order); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrForbidden) || errors.Is(err, ErrIllegalInput) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to process write transaction: %w", err)
	}

	if len(notify) > 0 {
		s.watch.NotifyActions(project, notify)
		if s.push != nil {
			s.push.OnActions(project, project, notify)
		}
	}

	return resp, nil
}

// applyAction applies one validated action to the record state and appends
// it to the action log. Returns false when the action is skipped: update
// or delete of a missing record. Insert on an existing live record is
// applied as an update, matching what a client resending state expects.
func (s *Service) applyAction(ctx context.Context, tx pgx.Tx, project string, ta *tableAccess, action *DatabaseAction) (bool, error) {
	var exists, deleted bool
	err := tx.QueryRow(ctx, `
		SELECT TRUE, deleted
		FROM sync.record_state
		WHERE project = @project AND table_name = @table_name AND record_id = @record_id`,
		pgx.NamedArgs{"project": project, "table_name": action.Table, "record_id": action.RecordID},
	).Scan(&exists, &deleted)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("lookup record %s: %w", action.RecordID, err)
	}
	live := exists && !deleted

	switch action.Op {
	case OpInsert:
		if live {
			action.Op = OpUpdate
		}
	case OpUpdate, OpDelete:
		if !live {
			return false, nil
		}
	}

	if action.Op == OpDelete {
		_, err = tx.Exec(ctx, `
			UPDATE sync.record_state
			SET payload = NULL, deleted = TRUE, updated_at = now()
			WHERE project = @project AND table_name = @table_name AND record_id = @record_id`,
			pgx.NamedArgs{"project": project, "table_name": action.Table, "record_id": action.RecordID})
	} else {
		_, err = tx.Exec(ctx, `
			INSERT INTO sync.record_state (project, table_name, record_id, subject, payload, deleted, updated_at)
			VALUES (@project, @table_name, @record_id, @subject, @payload, FALSE, now())
			ON CONFLICT (project, table_name, record_id)
			DO UPDATE SET subject = EXCLUDED.subject, payload = EXCLUDED.payload, deleted = FALSE, updated_at = now()`,
			pgx.NamedArgs{
				"project":    project,
				"table_name": action.Table,
				"record_id":  action.RecordID,
				"subject":    nullableString(action.User),
				"payload":    action.Payload,
			})
	}
	if err != nil {
		return false, fmt.Errorf("apply %s on record %s: %w", action.Op, action.RecordID, err)
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO sync.action_log (project, table_name, op, record_id, subject, payload, sample_time, origin, author, ts)
		VALUES (@project, @table_name, @op, @record_id, @subject, @payload, @sample_time, @origin, @author, @ts)
		RETURNING seq`,
		pgx.NamedArgs{
			"project":     project,
			"table_name":  action.Table,
			"op":          action.Op,
			"record_id":   action.RecordID,
			"subject":     nullableString(action.User),
			"payload":     actionLogPayload(action),
			"sample_time": action.SampleTime,
			"origin":      action.Origin,
			"author":      action.Author,
			"ts":          action.Time,
		}).Scan(&action.Seq)
	if err != nil {
		return false, fmt.Errorf("append action for record %s: %w", action.RecordID, err)
	}
	return true, nil
}

func (s *Service) writeProgress(ctx context.Context, tx pgx.Tx, subject, project, table, origin string) (int64, error) {
	var last int64
	err := tx.QueryRow(ctx, `
		SELECT last_order
		FROM sync.write_progress
		WHERE subject = @subject AND project = @project AND table_name = @table_name AND origin = @origin`,
		pgx.NamedArgs{"subject": subject, "project": project, "table_name": table, "origin": origin},
	).Scan(&last)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("read write progress %s: %w", table, err)
	}
	return last, nil
}

func (s *Service) storeWriteProgress(ctx context.Context, tx pgx.Tx, subject, project, table, origin string, order int64) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO sync.write_progress (subject, project, table_name, origin, last_order, updated_at)
		VALUES (@subject, @project, @table_name, @origin, @last_order, now())
		ON CONFLICT (subject, project, table_name, origin)
		DO UPDATE SET last_order = EXCLUDED.last_order, updated_at = now()`,
		pgx.NamedArgs{
			"subject": subject, "project": project, "table_name": table,
			"origin": origin, "last_order": order,
		})
	if err != nil {
		return fmt.Errorf("store write progress %s: %w", table, err)
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func actionLogPayload(action *DatabaseAction) any {
	if action.Op == OpDelete || len(action.Payload) == 0 {
		return nil
	}
	return action.Payload
}
