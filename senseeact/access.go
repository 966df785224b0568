// Copyright 2025 Roessingh Research and Development
// SPDX-License-Identifier: Apache-2.0

package senseeact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Resolver decides whether a caller may act on a subject's data and with
// which time range. It is stateless over the pool; every resolution hits
// the current rule set.
type Resolver struct {
	pool     *pgxpool.Pool
	registry *ProjectRegistry
	logger   *slog.Logger
}

func NewResolver(pool *pgxpool.Pool, registry *ProjectRegistry, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{pool: pool, registry: registry, logger: logger}
}

// ResolveSubject maps (caller, subject) to the subject the caller may act
// on for the given project, table and access mode, together with the
// granted time range. The subject may be a user id or an email address; an
// empty subject means the caller themselves.
//
// Every denial, including an unknown subject, returns the same forbidden
// error so that callers cannot probe which users exist.
func (r *Resolver) ResolveSubject(ctx context.Context, caller, subject, project, table string, mode AccessMode) (*SubjectAccess, error) {
	callerUser, err := r.FindUser(ctx, caller)
	if err != nil {
		return nil, err
	}
	if callerUser == nil || !callerUser.Active {
		return nil, forbiddenSubject(subject)
	}

	if subject == "" || subject == callerUser.UserID || subject == callerUser.Email {
		return &SubjectAccess{User: callerUser.UserID}, nil
	}

	subjectUser, err := r.FindUser(ctx, subject)
	if err != nil {
		return nil, err
	}
	if subjectUser == nil {
		return nil, forbiddenSubject(subject)
	}

	if callerUser.Role == RoleAdmin {
		return &SubjectAccess{User: subjectUser.UserID}, nil
	}

	proj, perr := r.registry.requireProject(project)
	if perr != nil {
		return nil, perr
	}

	// An explicit access rule takes precedence over any role fallback.
	rule, err := r.findAccessRule(ctx, proj.Name, callerUser.UserID, subjectUser.UserID)
	if err != nil {
		return nil, err
	}
	if rule != nil {
		if rule.Restrictions == nil {
			return &SubjectAccess{User: subjectUser.UserID}, nil
		}
		def, ok := proj.Table(table)
		if !ok {
			return nil, forbiddenSubject(subject)
		}
		start, end, ok := mergeRestrictionRange(rule.Restrictions, def.ModuleSet(), mode)
		if !ok {
			return nil, forbiddenSubject(subject)
		}
		return &SubjectAccess{User: subjectUser.UserID, Start: start, End: end}, nil
	}

	// Patients never reach another user's data, and nobody reaches an
	// admin's data without being admin themselves.
	if callerUser.Role == RolePatient || subjectUser.Role == RoleAdmin {
		return nil, forbiddenSubject(subject)
	}

	shared, err := r.shareAccessGroup(ctx, callerUser.UserID, subjectUser.UserID)
	if err != nil {
		return nil, err
	}
	if shared {
		return &SubjectAccess{User: subjectUser.UserID}, nil
	}

	if proj.policy != nil {
		granted, err := proj.policy.Grants(ctx, callerUser.UserID, subjectUser.UserID)
		if err != nil {
			return nil, fmt.Errorf("project access policy: %w", err)
		}
		if granted {
			return &SubjectAccess{User: subjectUser.UserID}, nil
		}
	}

	return nil, forbiddenSubject(subject)
}

// mergeRestrictionRange merges all restrictions that apply to a table's
// modules with a mode that grants the requested mode. The merged range is
// the most permissive union: a nil bound on any matching restriction
// absorbs that side entirely, otherwise the earliest start and latest end
// win. Returns ok=false when no restriction matches.
func mergeRestrictionRange(restrictions []AccessRestriction, modules map[string]bool, mode AccessMode) (start, end *time.Time, ok bool) {
	startOpen := false
	endOpen := false
	for _, restr := range restrictions {
		if !modules[restr.Module] || !restr.Mode.Grants(mode) {
			continue
		}
		ok = true
		if restr.Start == nil {
			startOpen = true
		} else if !startOpen && (start == nil || restr.Start.Before(*start)) {
			t := *restr.Start
			start = &t
		}
		if restr.End == nil {
			endOpen = true
		} else if !endOpen && (end == nil || restr.End.After(*end)) {
			t := *restr.End
			end = &t
		}
	}
	if !ok {
		return nil, nil, false
	}
	if startOpen {
		start = nil
	}
	if endOpen {
		end = nil
	}
	return start, end, true
}

// FindUser looks a user up by id or email. A missing user returns
// (nil, nil); the caller decides how to report that.
func (r *Resolver) FindUser(ctx context.Context, idOrEmail string) (*User, error) {
	var u User
	err := r.pool.QueryRow(ctx, `
		SELECT user_id, email, role, active
		FROM sync.app_user
		WHERE user_id = @key OR email = lower(@key)`,
		pgx.NamedArgs{"key": idOrEmail},
	).Scan(&u.UserID, &u.Email, &u.Role, &u.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find user: %w", err)
	}
	return &u, nil
}

// findAccessRule loads the access rule for (project, grantee, subject), or
// nil when none exists. Restrictions are stored as a JSON array; SQL NULL
// means full access and is distinguished from an empty array.
func (r *Resolver) findAccessRule(ctx context.Context, project, grantee, subject string) (*AccessRule, error) {
	rule := &AccessRule{Project: project, Grantee: grantee, Subject: subject}
	var restrictions []byte
	err := r.pool.QueryRow(ctx, `
		SELECT restrictions
		FROM sync.project_user_access
		WHERE project = @project AND grantee = @grantee AND subject = @subject`,
		pgx.NamedArgs{"project": project, "grantee": grantee, "subject": subject},
	).Scan(&restrictions)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find access rule: %w", err)
	}
	if restrictions != nil {
		if err := json.Unmarshal(restrictions, &rule.Restrictions); err != nil {
			return nil, fmt.Errorf("parse access restrictions: %w", err)
		}
		if rule.Restrictions == nil {
			rule.Restrictions = []AccessRestriction{}
		}
	}
	return rule, nil
}

// shareAccessGroup reports whether two users are members of at least one
// common access group.
func (r *Resolver) shareAccessGroup(ctx context.Context, userA, userB string) (bool, error) {
	var shared bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM sync.access_group_member a
			JOIN sync.access_group_member b ON a.group_id = b.group_id
			WHERE a.user_id = @user_a AND b.user_id = @user_b
		)`,
		pgx.NamedArgs{"user_a": userA, "user_b": userB},
	).Scan(&shared)
	if err != nil {
		return false, fmt.Errorf("check access groups: %w", err)
	}
	return shared, nil
}

// ListAccessibleSubjects returns the user ids whose data the caller can
// currently read in a project, used by subject watches to diff membership.
func (r *Resolver) ListAccessibleSubjects(ctx context.Context, caller, project string) ([]string, error) {
	callerUser, err := r.FindUser(ctx, caller)
	if err != nil {
		return nil, err
	}
	if callerUser == nil || !callerUser.Active {
		return nil, forbiddenSubject(caller)
	}

	if callerUser.Role == RoleAdmin {
		rows, err := r.pool.Query(ctx, `
			SELECT user_id FROM sync.app_user WHERE active ORDER BY user_id`)
		if err != nil {
			return nil, fmt.Errorf("list subjects: %w", err)
		}
		return scanStrings(rows)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT subject FROM sync.project_user_access
		WHERE project = @project AND grantee = @grantee
		UNION
		SELECT b.user_id
		FROM sync.access_group_member a
		JOIN sync.access_group_member b ON a.group_id = b.group_id
		JOIN sync.app_user u ON u.user_id = b.user_id
		WHERE a.user_id = @grantee AND b.user_id <> @grantee
		  AND u.active AND u.role <> 'admin'
		ORDER BY 1`,
		pgx.NamedArgs{"project": project, "grantee": callerUser.UserID})
	if err != nil {
		return nil, fmt.Errorf("list subjects: %w", err)
	}
	return scanStrings(rows)
}

func scanStrings(rows pgx.Rows) ([]string, error) {
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
