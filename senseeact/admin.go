// Copyright 2025 Roessingh Research and Development
// SPDX-License-Identifier: Apache-2.0

package senseeact

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Administrative operations: user accounts, access rules and access
// groups. Rule and group mutations feed subject watches, so a watcher
// learns promptly when a subject appears in or vanishes from their reach.

// CreateUser inserts a user account. The id must be unique; so must the
// email.
func (s *Service) CreateUser(ctx context.Context, user *User) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	if user.UserID == "" || user.Email == "" {
		return illegalInputf("user requires id and email")
	}
	switch user.Role {
	case RoleAdmin, RoleProfessional, RolePatient:
	default:
		return illegalInputf("invalid role %q", user.Role)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync.app_user (user_id, email, role, active)
		VALUES (@user_id, lower(@email), @role, @active)`,
		pgx.NamedArgs{"user_id": user.UserID, "email": user.Email, "role": user.Role, "active": user.Active})
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// SetUserActive activates or deactivates an account. Deactivated users
// fail access resolution on their next call.
func (s *Service) SetUserActive(ctx context.Context, userID string, active bool) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE sync.app_user SET active = @active WHERE user_id = @user_id`,
		pgx.NamedArgs{"user_id": userID, "active": active})
	if err != nil {
		return fmt.Errorf("set user active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFoundf("user %s", userID)
	}
	return nil
}

// PutAccessRule creates or replaces the rule granting Grantee access to
// Subject in a project, and notifies the grantee's subject watches.
func (s *Service) PutAccessRule(ctx context.Context, rule *AccessRule) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	proj, err := s.registry.requireProject(rule.Project)
	if err != nil {
		return err
	}
	if rule.Grantee == "" || rule.Subject == "" || rule.Grantee == rule.Subject {
		return illegalInputf("access rule requires distinct grantee and subject")
	}
	for _, restr := range rule.Restrictions {
		if !restr.Mode.Valid() {
			return illegalInputf("invalid access mode %q", restr.Mode)
		}
	}

	var restrictions any
	if rule.Restrictions != nil {
		data, err := json.Marshal(rule.Restrictions)
		if err != nil {
			return fmt.Errorf("marshal restrictions: %w", err)
		}
		restrictions = data
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO sync.project_user_access (project, grantee, subject, restrictions)
		VALUES (@project, @grantee, @subject, @restrictions)
		ON CONFLICT (project, grantee, subject)
		DO UPDATE SET restrictions = EXCLUDED.restrictions`,
		pgx.NamedArgs{
			"project": proj.Name, "grantee": rule.Grantee,
			"subject": rule.Subject, "restrictions": restrictions,
		})
	if err != nil {
		return fmt.Errorf("put access rule: %w", err)
	}

	s.watch.NotifySubjectChange(proj.Name, rule.Grantee, rule.Subject, SubjectAdded)
	return nil
}

// DeleteAccessRule removes a rule. Unknown rules are not an error; an
// existing rule's removal notifies the grantee's subject watches.
func (s *Service) DeleteAccessRule(ctx context.Context, project, grantee, subject string) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	proj, err := s.registry.requireProject(project)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM sync.project_user_access
		WHERE project = @project AND grantee = @grantee AND subject = @subject`,
		pgx.NamedArgs{"project": proj.Name, "grantee": grantee, "subject": subject})
	if err != nil {
		return fmt.Errorf("delete access rule: %w", err)
	}
	if tag.RowsAffected() > 0 {
		s.watch.NotifySubjectChange(proj.Name, grantee, subject, SubjectRemoved)
	}
	return nil
}

// CreateAccessGroup creates an empty access group.
func (s *Service) CreateAccessGroup(ctx context.Context, groupID, name string) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	if groupID == "" {
		return illegalInputf("group requires an id")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync.access_group (group_id, name) VALUES (@group_id, @name)`,
		pgx.NamedArgs{"group_id": groupID, "name": name})
	if err != nil {
		return fmt.Errorf("create access group: %w", err)
	}
	return nil
}

// AddGroupMember adds a user to a group. Every existing co-member gains
// the new member as an accessible subject and vice versa; all affected
// subject watches are notified, in every project.
func (s *Service) AddGroupMember(ctx context.Context, groupID, userID string) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	peers, err := s.groupPeers(ctx, groupID, userID)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO sync.access_group_member (group_id, user_id)
		VALUES (@group_id, @user_id)
		ON CONFLICT DO NOTHING`,
		pgx.NamedArgs{"group_id": groupID, "user_id": userID})
	if err != nil {
		return fmt.Errorf("add group member: %w", err)
	}
	s.notifyGroupChange(peers, userID, SubjectAdded)
	return nil
}

// RemoveGroupMember removes a user from a group and notifies the watches
// of every former co-member.
func (s *Service) RemoveGroupMember(ctx context.Context, groupID, userID string) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	peers, err := s.groupPeers(ctx, groupID, userID)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM sync.access_group_member
		WHERE group_id = @group_id AND user_id = @user_id`,
		pgx.NamedArgs{"group_id": groupID, "user_id": userID})
	if err != nil {
		return fmt.Errorf("remove group member: %w", err)
	}
	if tag.RowsAffected() > 0 {
		s.notifyGroupChange(peers, userID, SubjectRemoved)
	}
	return nil
}

// RemoveUserFromProject ends a user's membership in a project: access
// rules naming the user as grantee or subject are deleted, their sync
// cursors dropped and their push registrations removed. Subject watches
// of every affected grantee are notified.
func (s *Service) RemoveUserFromProject(ctx context.Context, userID, project string) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	proj, err := s.registry.requireProject(project)
	if err != nil {
		return err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT grantee, subject FROM sync.project_user_access
		WHERE project = @project AND (grantee = @user_id OR subject = @user_id)`,
		pgx.NamedArgs{"project": proj.Name, "user_id": userID})
	if err != nil {
		return fmt.Errorf("list user access rules: %w", err)
	}
	type rulePair struct{ grantee, subject string }
	var removed []rulePair
	for rows.Next() {
		var p rulePair
		if err := rows.Scan(&p.grantee, &p.subject); err != nil {
			rows.Close()
			return fmt.Errorf("scan access rule: %w", err)
		}
		removed = append(removed, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("list user access rules: %w", err)
	}

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			DELETE FROM sync.project_user_access
			WHERE project = @project AND (grantee = @user_id OR subject = @user_id)`,
			pgx.NamedArgs{"project": proj.Name, "user_id": userID}); err != nil {
			return fmt.Errorf("delete access rules: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			DELETE FROM sync.sync_progress WHERE project = @project AND subject = @user_id`,
			pgx.NamedArgs{"project": proj.Name, "user_id": userID}); err != nil {
			return fmt.Errorf("delete sync progress: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			DELETE FROM sync.write_progress WHERE project = @project AND subject = @user_id`,
			pgx.NamedArgs{"project": proj.Name, "user_id": userID}); err != nil {
			return fmt.Errorf("delete write progress: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, pair := range removed {
		s.watch.NotifySubjectChange(proj.Name, pair.grantee, pair.subject, SubjectRemoved)
	}
	if s.push != nil {
		if err := s.push.RemoveUserProject(ctx, userID, proj.Name); err != nil {
			return err
		}
	}
	s.logger.Info("Removed user from project", "user", userID, "project", proj.Name, "rules", len(removed))
	return nil
}

func (s *Service) groupPeers(ctx context.Context, groupID, userID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id FROM sync.access_group_member
		WHERE group_id = @group_id AND user_id <> @user_id`,
		pgx.NamedArgs{"group_id": groupID, "user_id": userID})
	if err != nil {
		return nil, fmt.Errorf("list group members: %w", err)
	}
	return scanStrings(rows)
}

// notifyGroupChange fans a membership change out to both directions of
// every co-membership pair, for every registered project.
func (s *Service) notifyGroupChange(peers []string, userID, event string) {
	for project := range s.registry.projects {
		for _, peer := range peers {
			s.watch.NotifySubjectChange(project, peer, userID, event)
			s.watch.NotifySubjectChange(project, userID, peer, event)
		}
	}
}

// PurgeActionLog deletes log rows older than the given time for a
// project. Record state stays intact; only history is trimmed. Admin
// only: clients whose cursor predates the purge horizon resync from
// scratch. Returns the number of purged rows.
func (s *Service) PurgeActionLog(ctx context.Context, caller, project string, before time.Time) (int64, error) {
	if err := s.checkClosed(); err != nil {
		return 0, err
	}
	proj, err := s.registry.requireProject(project)
	if err != nil {
		return 0, err
	}
	user, err := s.resolver.FindUser(ctx, caller)
	if err != nil {
		return 0, err
	}
	if user == nil || user.Role != RoleAdmin {
		return 0, forbiddenf("purging the action log requires admin")
	}
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM sync.action_log WHERE project = @project AND ts < @before`,
		pgx.NamedArgs{"project": proj.Name, "before": before})
	if err != nil {
		return 0, fmt.Errorf("purge action log: %w", err)
	}
	s.logger.Info("Purged action log", "project", proj.Name, "rows", tag.RowsAffected())
	return tag.RowsAffected(), nil
}
