// Copyright 2025 Roessingh Research and Development
// SPDX-License-Identifier: Apache-2.0

package saclient

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/RoessinghResearch/senseeact-sub001/senseeact"
)

// Sync uploads queued local changes and then drains new server actions
// until the replica is caught up.
func (c *Client) Sync(ctx context.Context) error {
	if err := c.UploadOnce(ctx); err != nil {
		return err
	}
	for {
		applied, err := c.DownloadOnce(ctx, c.config.DownloadLimit)
		if err != nil {
			return err
		}
		if applied == 0 {
			return nil
		}
	}
}

// Start runs Sync in a background loop with exponential backoff on
// errors. The loop stops when ctx is cancelled.
func (c *Client) Start(ctx context.Context, interval time.Duration) {
	go func() {
		backoff := c.config.BackoffMin
		for {
			if err := c.Sync(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				c.logger.Warn("Sync failed", "error", err, "backoff", backoff)
				backoff *= 2
				if backoff > c.config.BackoffMax {
					backoff = c.config.BackoffMax
				}
			} else {
				backoff = c.config.BackoffMin
			}
			wait := interval
			if wait < backoff {
				wait = backoff
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
	}()
}

// UploadOnce sends one batch of queued changes to the server. Each
// action carries its stable upload order so a retry after a lost
// response is skipped server-side instead of applied twice.
func (c *Client) UploadOnce(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	for {
		actions, err := c.pendingActions(ctx)
		if err != nil {
			return err
		}
		if len(actions) == 0 {
			return nil
		}

		resp, err := c.sendWriteRequest(ctx, &senseeact.WriteRequest{Actions: actions})
		if err != nil {
			return err
		}
		c.logger.Debug("Uploaded action batch",
			"actions", len(actions), "applied", resp.Applied, "skipped", resp.Skipped)

		if err := c.clearPending(ctx, actions); err != nil {
			return err
		}
		if len(actions) < c.config.UploadLimit {
			return nil
		}
	}
}

// DownloadOnce fetches one page of new server actions and applies it to
// the replica. Returns how many actions were applied.
func (c *Client) DownloadOnce(ctx context.Context, limit int) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	progress, err := c.loadProgress(ctx)
	if err != nil {
		return 0, err
	}
	resp, err := c.sendReadRequest(ctx, &senseeact.ReadRequest{
		IncludeTables: c.config.Tables,
		Progress:      progress,
		MaxCount:      limit,
	})
	if err != nil {
		return 0, err
	}
	if len(resp.Actions) == 0 {
		return 0, nil
	}

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin download: %w", err)
	}
	defer tx.Rollback()

	applied := 0
	cursors := make(map[string]int64)
	for i := range resp.Actions {
		action := &resp.Actions[i]
		if err := c.applyServerActionInTx(ctx, tx, action); err != nil {
			return 0, err
		}
		if action.Seq > cursors[action.Table] {
			cursors[action.Table] = action.Seq
		}
		applied++
	}
	for table, seq := range cursors {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO _sa_progress (table_name, last_seq) VALUES (?, ?)
			ON CONFLICT (table_name) DO UPDATE SET last_seq = excluded.last_seq`,
			table, seq)
		if err != nil {
			return 0, fmt.Errorf("advance cursor %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit download: %w", err)
	}
	return applied, nil
}

// Hydrate resets the cursors and downloads the full replica from
// scratch, for a new device or recovery after local data loss.
func (c *Client) Hydrate(ctx context.Context) error {
	c.writeMu.Lock()
	if _, err := c.DB.ExecContext(ctx, `DELETE FROM _sa_progress`); err != nil {
		c.writeMu.Unlock()
		return fmt.Errorf("reset cursors: %w", err)
	}
	c.writeMu.Unlock()

	for {
		applied, err := c.DownloadOnce(ctx, c.config.DownloadLimit)
		if err != nil {
			return err
		}
		if applied == 0 {
			return nil
		}
	}
}

// applyServerActionInTx applies one downloaded action. An action that
// collides with a queued local change goes through the resolver.
func (c *Client) applyServerActionInTx(ctx context.Context, tx *sql.Tx, action *senseeact.DatabaseAction) error {
	var localOp string
	var localPayload sql.NullString
	err := tx.QueryRowContext(ctx, `
		SELECT op, payload FROM _sa_pending WHERE table_name = ? AND record_id = ?`,
		action.Table, action.RecordID).Scan(&localOp, &localPayload)
	hasPending := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("lookup pending: %w", err)
	}

	if hasPending {
		merged, keepLocal, err := c.Resolver.Merge(action.Table, action.RecordID,
			action.Payload, json.RawMessage(localPayload.String))
		if err != nil {
			return fmt.Errorf("resolve conflict %s.%s: %w", action.Table, action.RecordID, err)
		}
		if keepLocal {
			if merged != nil {
				_, err = tx.ExecContext(ctx, `
					UPDATE _sa_record SET payload = ? WHERE table_name = ? AND record_id = ?`,
					string(merged), action.Table, action.RecordID)
				if err != nil {
					return fmt.Errorf("store merged record: %w", err)
				}
				_, err = tx.ExecContext(ctx, `
					UPDATE _sa_pending SET payload = ? WHERE table_name = ? AND record_id = ?`,
					string(merged), action.Table, action.RecordID)
				if err != nil {
					return fmt.Errorf("update pending payload: %w", err)
				}
			}
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			DELETE FROM _sa_pending WHERE table_name = ? AND record_id = ?`,
			action.Table, action.RecordID)
		if err != nil {
			return fmt.Errorf("drop pending: %w", err)
		}
	}

	switch action.Op {
	case senseeact.OpDelete:
		_, err = tx.ExecContext(ctx, `
			DELETE FROM _sa_record WHERE table_name = ? AND record_id = ?`,
			action.Table, action.RecordID)
	default:
		_, err = tx.ExecContext(ctx, `
			INSERT INTO _sa_record (table_name, record_id, payload) VALUES (?, ?, ?)
			ON CONFLICT (table_name, record_id) DO UPDATE SET payload = excluded.payload`,
			action.Table, action.RecordID, string(action.Payload))
	}
	if err != nil {
		return fmt.Errorf("apply %s on %s.%s: %w", action.Op, action.Table, action.RecordID, err)
	}
	return nil
}

// pendingActions loads up to UploadLimit queued changes in upload order.
func (c *Client) pendingActions(ctx context.Context) ([]senseeact.DatabaseAction, error) {
	rows, err := c.DB.QueryContext(ctx, `
		SELECT table_name, record_id, op, payload, order_id
		FROM _sa_pending ORDER BY order_id LIMIT ?`, c.config.UploadLimit)
	if err != nil {
		return nil, fmt.Errorf("load pending: %w", err)
	}
	defer rows.Close()

	var actions []senseeact.DatabaseAction
	for rows.Next() {
		var a senseeact.DatabaseAction
		var payload sql.NullString
		if err := rows.Scan(&a.Table, &a.RecordID, &a.Op, &payload, &a.Order); err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		if payload.Valid {
			a.Payload = json.RawMessage(payload.String)
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

func (c *Client) clearPending(ctx context.Context, uploaded []senseeact.DatabaseAction) error {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin clear pending: %w", err)
	}
	defer tx.Rollback()
	for _, a := range uploaded {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM _sa_pending
			WHERE table_name = ? AND record_id = ? AND order_id = ?`,
			a.Table, a.RecordID, a.Order)
		if err != nil {
			return fmt.Errorf("clear pending %s.%s: %w", a.Table, a.RecordID, err)
		}
	}
	return tx.Commit()
}

func (c *Client) loadProgress(ctx context.Context) ([]senseeact.TableProgress, error) {
	rows, err := c.DB.QueryContext(ctx, `
		SELECT table_name, last_seq FROM _sa_progress ORDER BY table_name`)
	if err != nil {
		return nil, fmt.Errorf("load cursors: %w", err)
	}
	defer rows.Close()

	var progress []senseeact.TableProgress
	for rows.Next() {
		var p senseeact.TableProgress
		if err := rows.Scan(&p.Table, &p.Seq); err != nil {
			return nil, fmt.Errorf("scan cursor: %w", err)
		}
		progress = append(progress, p)
	}
	return progress, rows.Err()
}

func (c *Client) sendWriteRequest(ctx context.Context, req *senseeact.WriteRequest) (*senseeact.WriteResponse, error) {
	var resp senseeact.WriteResponse
	if err := c.post(ctx, "/sync/"+c.Project+"/write", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) sendReadRequest(ctx context.Context, req *senseeact.ReadRequest) (*senseeact.ReadResponse, error) {
	var resp senseeact.ReadResponse
	if err := c.post(ctx, "/sync/"+c.Project+"/read", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) post(ctx context.Context, path string, req, resp any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	token, err := c.Token(ctx)
	if err != nil {
		return fmt.Errorf("get token: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	httpResp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(httpResp.Body)
		return fmt.Errorf("server returned status %d: %s", httpResp.StatusCode, string(data))
	}
	if err := json.NewDecoder(httpResp.Body).Decode(resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
