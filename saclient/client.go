// Package saclient is the offline-first client for the sync service. It
// keeps a local replica of the caller's data in SQLite, queues local
// changes while offline and exchanges action batches with the server.
//
// Copyright 2025 Roessingh Research and Development
// SPDX-License-Identifier: Apache-2.0

package saclient

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/RoessinghResearch/senseeact-sub001/senseeact"
)

// ErrRecordNotFound is returned when a record does not exist in the
// local replica.
var ErrRecordNotFound = errors.New("record not found")

// TokenFunc supplies the JWT for a request. The token's did claim must
// match the client's origin.
type TokenFunc func(ctx context.Context) (string, error)

// Client holds the local replica and talks to one project on the server.
// All writes to the replica are serialized; a Client is safe for
// concurrent use.
type Client struct {
	DB      *sql.DB
	BaseURL string
	Project string
	UserID  string
	Origin  string
	Token   TokenFunc

	Resolver Resolver
	HTTP     *http.Client

	config  *Config
	logger  *slog.Logger
	writeMu sync.Mutex
}

// Config holds the sync tuning knobs.
type Config struct {
	Tables        []string      // tables to replicate
	UploadLimit   int           // actions per upload batch
	DownloadLimit int           // actions per download page
	BackoffMin    time.Duration // background loop backoff after an error
	BackoffMax    time.Duration
}

// DefaultConfig returns a configuration for the given tables.
func DefaultConfig(tables []string) *Config {
	return &Config{
		Tables:        tables,
		UploadLimit:   200,
		DownloadLimit: 1000,
		BackoffMin:    time.Second,
		BackoffMax:    60 * time.Second,
	}
}

// Resolver decides what happens when a downloaded action touches a
// record with a queued local change. Merge returns the payload to store
// locally; keepLocal keeps the pending upload alive, false drops it and
// accepts the server state.
type Resolver interface {
	Merge(table, recordID string, server, local json.RawMessage) (merged json.RawMessage, keepLocal bool, err error)
}

// DefaultResolver keeps the local change: the replica is the user's own
// data, so their latest edit wins until it reaches the server.
type DefaultResolver struct{}

func (DefaultResolver) Merge(table, recordID string, server, local json.RawMessage) (json.RawMessage, bool, error) {
	return local, true, nil
}

// Record is one row of the local replica.
type Record struct {
	Table    string
	RecordID string
	Payload  json.RawMessage
}

// NewClient opens the replica on db and prepares it for syncing against
// baseURL. The replica tables are created when missing; an existing
// replica keeps its queued changes and cursors.
func NewClient(db *sql.DB, baseURL, project, userID, origin string, token TokenFunc, config *Config) (*Client, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if len(config.Tables) == 0 {
		return nil, errors.New("config.Tables must list at least one table")
	}
	if err := initializeReplica(db); err != nil {
		return nil, fmt.Errorf("initialize replica: %w", err)
	}
	_, err := db.Exec(`
		INSERT INTO _sa_client_info (user_id, origin, next_order) VALUES (?, ?, 1)
		ON CONFLICT (user_id) DO NOTHING`, userID, origin)
	if err != nil {
		return nil, fmt.Errorf("store client info: %w", err)
	}
	return &Client{
		DB:       db,
		BaseURL:  strings.TrimSuffix(baseURL, "/"),
		Project:  project,
		UserID:   userID,
		Origin:   origin,
		Token:    token,
		Resolver: DefaultResolver{},
		HTTP:     &http.Client{Timeout: 120 * time.Second},
		config:   config,
		logger:   slog.Default(),
	}, nil
}

// EnsureOrigin returns the persisted origin id for the user, generating
// and storing a new one on first use. The origin identifies this replica
// to the server so its own uploads are not echoed back.
func EnsureOrigin(db *sql.DB, userID string) (string, error) {
	if err := initializeReplica(db); err != nil {
		return "", fmt.Errorf("initialize replica: %w", err)
	}
	var origin string
	err := db.QueryRow(`SELECT origin FROM _sa_client_info WHERE user_id = ?`, userID).Scan(&origin)
	if errors.Is(err, sql.ErrNoRows) {
		origin = uuid.NewString()
		_, err = db.Exec(`
			INSERT INTO _sa_client_info (user_id, origin, next_order) VALUES (?, ?, 1)`,
			userID, origin)
		if err != nil {
			return "", fmt.Errorf("store origin: %w", err)
		}
		return origin, nil
	}
	if err != nil {
		return "", fmt.Errorf("load origin: %w", err)
	}
	return origin, nil
}

func initializeReplica(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	tables := []string{
		`CREATE TABLE IF NOT EXISTS _sa_client_info (
			user_id    TEXT NOT NULL PRIMARY KEY,
			origin     TEXT NOT NULL,
			next_order INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS _sa_record (
			table_name TEXT NOT NULL,
			record_id  TEXT NOT NULL,
			payload    TEXT NOT NULL,
			PRIMARY KEY (table_name, record_id)
		)`,
		`CREATE TABLE IF NOT EXISTS _sa_progress (
			table_name TEXT NOT NULL PRIMARY KEY,
			last_seq   INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS _sa_pending (
			table_name TEXT NOT NULL,
			record_id  TEXT NOT NULL,
			op         TEXT NOT NULL CHECK (op IN ('INSERT','UPDATE','DELETE')),
			payload    TEXT,
			order_id   INTEGER NOT NULL,
			queued_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			PRIMARY KEY (table_name, record_id)
		)`,
	}
	for _, ddl := range tables {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("create replica table: %w", err)
		}
	}
	return nil
}

// Put stores a record locally and queues it for upload. A change to a
// record that is still pending coalesces into the queued action, keeping
// its upload order.
func (c *Client) Put(ctx context.Context, table, recordID string, payload json.RawMessage) error {
	if recordID == "" {
		return errors.New("record id is required")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin put: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM _sa_record WHERE table_name = ? AND record_id = ?)`,
		table, recordID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("lookup record: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO _sa_record (table_name, record_id, payload) VALUES (?, ?, ?)
		ON CONFLICT (table_name, record_id) DO UPDATE SET payload = excluded.payload`,
		table, recordID, string(payload))
	if err != nil {
		return fmt.Errorf("store record: %w", err)
	}

	op := senseeact.OpInsert
	if exists {
		op = senseeact.OpUpdate
	}
	if err := c.queuePendingInTx(ctx, tx, table, recordID, op, payload); err != nil {
		return err
	}
	return tx.Commit()
}

// Delete removes a record locally and queues the deletion. Deleting a
// record whose insert never left the device just drops both; the server
// never learns the record existed.
func (c *Client) Delete(ctx context.Context, table, recordID string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	tag, err := tx.ExecContext(ctx, `
		DELETE FROM _sa_record WHERE table_name = ? AND record_id = ?`,
		table, recordID)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	if n, _ := tag.RowsAffected(); n == 0 {
		return ErrRecordNotFound
	}

	var pendingOp string
	err = tx.QueryRowContext(ctx, `
		SELECT op FROM _sa_pending WHERE table_name = ? AND record_id = ?`,
		table, recordID).Scan(&pendingOp)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("lookup pending: %w", err)
	}
	if pendingOp == senseeact.OpInsert {
		_, err = tx.ExecContext(ctx, `
			DELETE FROM _sa_pending WHERE table_name = ? AND record_id = ?`,
			table, recordID)
		if err != nil {
			return fmt.Errorf("drop pending insert: %w", err)
		}
		return tx.Commit()
	}

	if err := c.queuePendingInTx(ctx, tx, table, recordID, senseeact.OpDelete, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// Get returns a record's payload from the local replica.
func (c *Client) Get(ctx context.Context, table, recordID string) (json.RawMessage, error) {
	var payload string
	err := c.DB.QueryRowContext(ctx, `
		SELECT payload FROM _sa_record WHERE table_name = ? AND record_id = ?`,
		table, recordID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	return json.RawMessage(payload), nil
}

// List returns all local records of a table.
func (c *Client) List(ctx context.Context, table string) ([]Record, error) {
	rows, err := c.DB.QueryContext(ctx, `
		SELECT record_id, payload FROM _sa_record
		WHERE table_name = ? ORDER BY record_id`, table)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		r := Record{Table: table}
		var payload string
		if err := rows.Scan(&r.RecordID, &payload); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		r.Payload = json.RawMessage(payload)
		records = append(records, r)
	}
	return records, rows.Err()
}

// PendingCount returns the number of queued local changes.
func (c *Client) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := c.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM _sa_pending`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return count, nil
}

// queuePendingInTx coalesces a change into the pending queue. A new
// record gets the next upload order; an update folding into a pending
// insert stays an insert so the server sees one action.
func (c *Client) queuePendingInTx(ctx context.Context, tx *sql.Tx, table, recordID, op string, payload json.RawMessage) error {
	var existingOp string
	var orderID int64
	err := tx.QueryRowContext(ctx, `
		SELECT op, order_id FROM _sa_pending WHERE table_name = ? AND record_id = ?`,
		table, recordID).Scan(&existingOp, &orderID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		err = tx.QueryRowContext(ctx, `
			UPDATE _sa_client_info SET next_order = next_order + 1
			WHERE user_id = ? RETURNING next_order - 1`, c.UserID).Scan(&orderID)
		if err != nil {
			return fmt.Errorf("assign order: %w", err)
		}
	case err != nil:
		return fmt.Errorf("lookup pending: %w", err)
	default:
		if existingOp == senseeact.OpInsert && op == senseeact.OpUpdate {
			op = senseeact.OpInsert
		}
	}

	var stored any
	if payload != nil {
		stored = string(payload)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO _sa_pending (table_name, record_id, op, payload, order_id)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (table_name, record_id)
		DO UPDATE SET op = excluded.op, payload = excluded.payload,
			queued_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')`,
		table, recordID, op, stored, orderID)
	if err != nil {
		return fmt.Errorf("queue pending: %w", err)
	}
	return nil
}
