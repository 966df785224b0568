// Copyright 2025 Roessingh Research and Development
// SPDX-License-Identifier: Apache-2.0

package senseeact

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
)

// ReadRequest asks for new actions for one subject. Progress carries the
// client's per-table cursors; the server holds no authoritative cursor and
// the same request always yields the same result for the same log state.
type ReadRequest struct {
	Subject       string                 `json:"subject,omitempty"` // user id or email, empty = caller
	IncludeTables []string               `json:"includeTables,omitempty"`
	ExcludeTables []string               `json:"excludeTables,omitempty"`
	TimeRanges    []TimeRangeRestriction `json:"timeRanges,omitempty"`
	Progress      []TableProgress        `json:"progress,omitempty"`
	MaxCount      int                    `json:"maxCount,omitempty"`
	MaxTime       *time.Time             `json:"maxTime,omitempty"` // upper bound on log time, freezes the window
	IncludeOwn    bool                   `json:"includeOwn,omitempty"`
}

// ReadResponse returns the actions, already merged per record.
type ReadResponse struct {
	Actions []DatabaseAction `json:"actions"`
}

// StatsRequest mirrors ReadRequest for the count/latest-time query.
type StatsRequest struct {
	Subject       string                 `json:"subject,omitempty"`
	IncludeTables []string               `json:"includeTables,omitempty"`
	ExcludeTables []string               `json:"excludeTables,omitempty"`
	TimeRanges    []TimeRangeRestriction `json:"timeRanges,omitempty"`
	Progress      []TableProgress        `json:"progress,omitempty"`
	IncludeOwn    bool                   `json:"includeOwn,omitempty"`
}

// ActionStats summarizes what a read with the same filters would return.
type ActionStats struct {
	Count      int64      `json:"count"`
	LatestTime *time.Time `json:"latestTime,omitempty"`
}

// ReadActions returns new actions for the subject, ascending per table,
// starting after the client's cursor. Reads have no side effect on the
// log; the echoed progress is only mirrored into sync.sync_progress for
// diagnostics. origin identifies the calling client so its own writes are
// not echoed back unless IncludeOwn is set.
func (s *Service) ReadActions(ctx context.Context, caller, origin, project string, req *ReadRequest) (*ReadResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	proj, err := s.registry.requireProject(project)
	if err != nil {
		return nil, err
	}

	maxCount := req.MaxCount
	if maxCount <= 0 || maxCount > s.config.MaxReadCount {
		maxCount = s.config.MaxReadCount
	}

	tables := selectTables(proj, req.IncludeTables, req.ExcludeTables)
	cursors := progressByTable(req.Progress)

	var all []DatabaseAction
	var denied error
	resolvedAny := false
	remaining := maxCount
	for _, table := range tables {
		if remaining <= 0 {
			break
		}
		access, err := s.resolver.ResolveSubject(ctx, caller, req.Subject, project, table, AccessRead)
		if err != nil {
			// Tables whose modules the caller's grant does not cover are
			// excluded from the result, not fatal to the request.
			if errors.Is(err, ErrForbidden) {
				if denied == nil {
					denied = err
				}
				continue
			}
			return nil, err
		}
		resolvedAny = true
		def, _ := proj.Table(table)
		start, end, ok := effectiveRange(access, req.TimeRanges, table)
		if !ok {
			continue
		}
		actions, err := s.readTableActions(ctx, proj.Name, def, access.User, origin, cursors[table],
			start, end, req.MaxTime, req.IncludeOwn, remaining)
		if err != nil {
			return nil, err
		}
		actions = mergeActions(actions)
		all = append(all, actions...)
		remaining -= len(actions)
	}
	// Only when no table resolved at all is the subject itself out of
	// reach; surface the uniform denial then.
	if !resolvedAny && denied != nil {
		return nil, denied
	}

	if len(req.Progress) > 0 {
		if err := s.mirrorProgress(ctx, caller, project, req.Subject, req.Progress); err != nil {
			s.logger.Error("Failed to mirror sync progress", "error", err, "project", project)
		}
	}

	return &ReadResponse{Actions: all}, nil
}

// GetActionStats returns how many actions a read with the same filters
// would deliver, and the log time of the newest one.
func (s *Service) GetActionStats(ctx context.Context, caller, origin, project string, req *StatsRequest) (*ActionStats, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	proj, err := s.registry.requireProject(project)
	if err != nil {
		return nil, err
	}

	tables := selectTables(proj, req.IncludeTables, req.ExcludeTables)
	cursors := progressByTable(req.Progress)

	stats := &ActionStats{}
	var denied error
	resolvedAny := false
	for _, table := range tables {
		access, err := s.resolver.ResolveSubject(ctx, caller, req.Subject, project, table, AccessRead)
		if err != nil {
			if errors.Is(err, ErrForbidden) {
				if denied == nil {
					denied = err
				}
				continue
			}
			return nil, err
		}
		resolvedAny = true
		def, _ := proj.Table(table)
		start, end, ok := effectiveRange(access, req.TimeRanges, table)
		if !ok {
			continue
		}
		count, latest, err := s.countTableActions(ctx, proj.Name, def, access.User, origin, cursors[table],
			start, end, req.IncludeOwn)
		if err != nil {
			return nil, err
		}
		stats.Count += count
		if latest != nil && (stats.LatestTime == nil || latest.After(*stats.LatestTime)) {
			stats.LatestTime = latest
		}
	}
	if !resolvedAny && denied != nil {
		return nil, denied
	}
	return stats, nil
}

// GetProgress returns the mirrored per-table progress for the subject.
func (s *Service) GetProgress(ctx context.Context, caller, project, subject string) ([]TableProgress, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if _, err := s.registry.requireProject(project); err != nil {
		return nil, err
	}
	// Any readable table is enough to see the subject's progress rows.
	access, err := s.resolver.ResolveSubject(ctx, caller, subject, project, "", AccessRead)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT table_name, last_seq
		FROM sync.sync_progress
		WHERE subject = @subject AND project = @project
		ORDER BY table_name`,
		pgx.NamedArgs{"subject": access.User, "project": project})
	if err != nil {
		return nil, fmt.Errorf("get progress: %w", err)
	}
	defer rows.Close()

	var progress []TableProgress
	for rows.Next() {
		var p TableProgress
		if err := rows.Scan(&p.Table, &p.Seq); err != nil {
			return nil, fmt.Errorf("scan progress: %w", err)
		}
		progress = append(progress, p)
	}
	return progress, rows.Err()
}

func (s *Service) readTableActions(ctx context.Context, project string, def *TableDef, subject, origin string,
	after int64, start, end, maxTime *time.Time, includeOwn bool, limit int) ([]DatabaseAction, error) {

	rows, err := s.pool.Query(ctx, `
		SELECT seq, op, record_id, COALESCE(subject, ''), payload, sample_time, origin, author, ts
		FROM sync.action_log
		WHERE project = @project
		  AND table_name = @table_name
		  AND seq > @after
		  AND (@subject = '' OR subject = @subject)
		  AND (@include_own OR (origin <> @remote AND origin <> @origin))
		  AND (@max_time::timestamptz IS NULL OR ts <= @max_time)
		  AND (sample_time IS NULL OR @start::timestamptz IS NULL OR sample_time >= @start)
		  AND (sample_time IS NULL OR @end::timestamptz IS NULL OR sample_time < @end)
		ORDER BY seq
		LIMIT @limit`,
		pgx.NamedArgs{
			"project":     project,
			"table_name":  def.Name,
			"after":       after,
			"subject":     readSubject(def, subject),
			"include_own": includeOwn,
			"remote":      OriginRemote,
			"origin":      origin,
			"max_time":    maxTime,
			"start":       start,
			"end":         end,
			"limit":       limit,
		})
	if err != nil {
		return nil, fmt.Errorf("read actions %s.%s: %w", project, def.Name, err)
	}
	defer rows.Close()

	var actions []DatabaseAction
	for rows.Next() {
		a := DatabaseAction{Table: def.Name}
		if err := rows.Scan(&a.Seq, &a.Op, &a.RecordID, &a.User, &a.Payload, &a.SampleTime,
			&a.Origin, &a.Author, &a.Time); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

func (s *Service) countTableActions(ctx context.Context, project string, def *TableDef, subject, origin string,
	after int64, start, end *time.Time, includeOwn bool) (int64, *time.Time, error) {

	var count int64
	var latest *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*), MAX(ts)
		FROM sync.action_log
		WHERE project = @project
		  AND table_name = @table_name
		  AND seq > @after
		  AND (@subject = '' OR subject = @subject)
		  AND (@include_own OR (origin <> @remote AND origin <> @origin))
		  AND (sample_time IS NULL OR @start::timestamptz IS NULL OR sample_time >= @start)
		  AND (sample_time IS NULL OR @end::timestamptz IS NULL OR sample_time < @end)`,
		pgx.NamedArgs{
			"project":     project,
			"table_name":  def.Name,
			"after":       after,
			"subject":     readSubject(def, subject),
			"include_own": includeOwn,
			"remote":      OriginRemote,
			"origin":      origin,
			"start":       start,
			"end":         end,
		}).Scan(&count, &latest)
	if err != nil {
		return 0, nil, fmt.Errorf("count actions %s.%s: %w", project, def.Name, err)
	}
	return count, latest, nil
}

// mirrorProgress upserts the client-echoed cursors. Failures are logged,
// never surfaced: the mirror is diagnostics, not state.
func (s *Service) mirrorProgress(ctx context.Context, caller, project, subject string, progress []TableProgress) error {
	access, err := s.resolver.ResolveSubject(ctx, caller, subject, project, "", AccessRead)
	if err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, p := range progress {
			_, err := tx.Exec(ctx, `
				INSERT INTO sync.sync_progress (subject, project, table_name, last_seq, updated_at)
				VALUES (@subject, @project, @table_name, @last_seq, now())
				ON CONFLICT (subject, project, table_name)
				DO UPDATE SET last_seq = EXCLUDED.last_seq, updated_at = now()`,
				pgx.NamedArgs{
					"subject":    access.User,
					"project":    project,
					"table_name": p.Table,
					"last_seq":   p.Seq,
				})
			if err != nil {
				return fmt.Errorf("mirror progress %s: %w", p.Table, err)
			}
		}
		return nil
	})
}

// readSubject returns the subject filter value: resource tables are not
// subject-scoped, so the filter is disabled with an empty string.
func readSubject(def *TableDef, subject string) string {
	if def.Resource {
		return ""
	}
	return subject
}

// selectTables applies include/exclude filters to the project's tables and
// returns them sorted for a deterministic read order.
func selectTables(proj *Project, includeTables, excludeTables []string) []string {
	filter := newTableFilter(includeTables, excludeTables)
	var tables []string
	for _, name := range proj.TableNames() {
		if filter.includes(name) {
			tables = append(tables, name)
		}
	}
	sort.Strings(tables)
	return tables
}

func progressByTable(progress []TableProgress) map[string]int64 {
	cursors := make(map[string]int64, len(progress))
	for _, p := range progress {
		cursors[p.Table] = p.Seq
	}
	return cursors
}

// effectiveRange intersects the granted access range with every request
// restriction that applies to the table. ok=false means the intersection
// is empty and the table can be skipped entirely.
func effectiveRange(access *SubjectAccess, restrictions []TimeRangeRestriction, table string) (start, end *time.Time, ok bool) {
	start, end = access.Start, access.End
	for _, r := range restrictions {
		if r.Table != "" && r.Table != table {
			continue
		}
		if r.Start != nil && (start == nil || r.Start.After(*start)) {
			t := *r.Start
			start = &t
		}
		if r.End != nil && (end == nil || r.End.Before(*end)) {
			t := *r.End
			end = &t
		}
	}
	if start != nil && end != nil && !start.Before(*end) {
		return nil, nil, false
	}
	return start, end, true
}
