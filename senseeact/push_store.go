// Copyright 2025 Roessingh Research and Development
// SPDX-License-Identifier: Apache-2.0

package senseeact

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGPushStore persists push registrations in sync.push_registration.
type PGPushStore struct {
	pool *pgxpool.Pool
}

func NewPGPushStore(pool *pgxpool.Pool) *PGPushStore {
	return &PGPushStore{pool: pool}
}

func (s *PGPushStore) LoadRegistrations(ctx context.Context) ([]PushRegistration, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, project, storage, table_name, device_id, fcm_token, restrictions
		FROM sync.push_registration`)
	if err != nil {
		return nil, fmt.Errorf("load push registrations: %w", err)
	}
	defer rows.Close()

	var regs []PushRegistration
	for rows.Next() {
		var reg PushRegistration
		var restrictions []byte
		if err := rows.Scan(&reg.User, &reg.Project, &reg.Storage, &reg.Table,
			&reg.DeviceID, &reg.FCMToken, &restrictions); err != nil {
			return nil, fmt.Errorf("scan push registration: %w", err)
		}
		if len(restrictions) > 0 {
			if err := json.Unmarshal(restrictions, &reg.Restrictions); err != nil {
				return nil, fmt.Errorf("parse push restrictions: %w", err)
			}
		}
		regs = append(regs, reg)
	}
	return regs, rows.Err()
}

func (s *PGPushStore) SaveRegistration(ctx context.Context, reg *PushRegistration) error {
	var restrictions any
	if reg.Restrictions != nil {
		data, err := json.Marshal(reg.Restrictions)
		if err != nil {
			return fmt.Errorf("marshal push restrictions: %w", err)
		}
		restrictions = data
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync.push_registration
			(user_id, project, storage, table_name, device_id, fcm_token, restrictions)
		VALUES (@user_id, @project, @storage, @table_name, @device_id, @fcm_token, @restrictions)
		ON CONFLICT (user_id, project, storage, device_id) DO UPDATE SET
			table_name = EXCLUDED.table_name,
			fcm_token = EXCLUDED.fcm_token,
			restrictions = EXCLUDED.restrictions`,
		pgx.NamedArgs{
			"user_id":      reg.User,
			"project":      reg.Project,
			"storage":      reg.Storage,
			"table_name":   reg.Table,
			"device_id":    reg.DeviceID,
			"fcm_token":    reg.FCMToken,
			"restrictions": restrictions,
		})
	if err != nil {
		return fmt.Errorf("save push registration: %w", err)
	}
	return nil
}

func (s *PGPushStore) DeleteRegistration(ctx context.Context, user, project, storage, deviceID string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM sync.push_registration
		WHERE user_id = @user_id AND project = @project AND storage = @storage AND device_id = @device_id`,
		pgx.NamedArgs{"user_id": user, "project": project, "storage": storage, "device_id": deviceID})
	if err != nil {
		return fmt.Errorf("delete push registration: %w", err)
	}
	return nil
}
