// Copyright 2025 Roessingh Research and Development
// SPDX-License-Identifier: Apache-2.0

package saclient

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/RoessinghResearch/senseeact-sub001/senseeact"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func staticToken(ctx context.Context) (string, error) {
	return "test-token", nil
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := NewClient(testDB(t), baseURL, "default", "alice", "device-1",
		staticToken, DefaultConfig([]string{"mood", "sleep"}))
	require.NoError(t, err)
	return c
}

// fakeServer records sync requests and plays back canned responses.
type fakeServer struct {
	mu         sync.Mutex
	writes     []senseeact.WriteRequest
	reads      []senseeact.ReadRequest
	downloads  [][]senseeact.DatabaseAction // consumed one page per read
	lastToken  string
	writeCount int
}

func (f *fakeServer) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sync/default/write", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.lastToken = r.Header.Get("Authorization")
		var req senseeact.WriteRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.writes = append(f.writes, req)
		f.writeCount++
		resp := senseeact.WriteResponse{Applied: len(req.Actions)}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	})
	mux.HandleFunc("POST /sync/default/read", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.lastToken = r.Header.Get("Authorization")
		var req senseeact.ReadRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.reads = append(f.reads, req)
		var actions []senseeact.DatabaseAction
		if len(f.downloads) > 0 {
			actions = f.downloads[0]
			f.downloads = f.downloads[1:]
		}
		require.NoError(t, json.NewEncoder(w).Encode(senseeact.ReadResponse{Actions: actions}))
	})
	return mux
}

func startFakeServer(t *testing.T) (*fakeServer, string) {
	t.Helper()
	f := &fakeServer{}
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	return f, srv.URL
}

func TestClient_PutGetDelete(t *testing.T) {
	c := newTestClient(t, "http://unused")
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "mood", "r1", json.RawMessage(`{"id":"r1","score":3}`)))

	payload, err := c.Get(ctx, "mood", "r1")
	require.NoError(t, err)
	var data map[string]any
	require.NoError(t, json.Unmarshal(payload, &data))
	require.Equal(t, float64(3), data["score"])

	records, err := c.List(ctx, "mood")
	require.NoError(t, err)
	require.Len(t, records, 1)

	require.NoError(t, c.Delete(ctx, "mood", "r1"))
	_, err = c.Get(ctx, "mood", "r1")
	require.ErrorIs(t, err, ErrRecordNotFound)

	require.ErrorIs(t, c.Delete(ctx, "mood", "r1"), ErrRecordNotFound)
}

func TestClient_PendingCoalescing(t *testing.T) {
	c := newTestClient(t, "http://unused")
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "mood", "r1", json.RawMessage(`{"id":"r1","score":1}`)))
	require.NoError(t, c.Put(ctx, "mood", "r1", json.RawMessage(`{"id":"r1","score":2}`)))

	count, err := c.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count, "edits of the same record coalesce")

	actions, err := c.pendingActions(ctx)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	require.Equal(t, senseeact.OpInsert, actions[0].Op, "update folds into the unsent insert")

	var data map[string]any
	require.NoError(t, json.Unmarshal(actions[0].Payload, &data))
	require.Equal(t, float64(2), data["score"])
}

func TestClient_DeleteNeverUploadedLeavesNoTrace(t *testing.T) {
	c := newTestClient(t, "http://unused")
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "mood", "r1", json.RawMessage(`{"id":"r1"}`)))
	require.NoError(t, c.Delete(ctx, "mood", "r1"))

	count, err := c.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, count, "the server never learns about the record")
}

func TestClient_UploadClearsPending(t *testing.T) {
	server, baseURL := startFakeServer(t)
	c := newTestClient(t, baseURL)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "mood", "r1", json.RawMessage(`{"id":"r1","score":3}`)))
	require.NoError(t, c.Put(ctx, "sleep", "r2", json.RawMessage(`{"id":"r2","quality":4}`)))

	require.NoError(t, c.UploadOnce(ctx))

	count, err := c.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, count)

	require.Equal(t, "Bearer test-token", server.lastToken)
	require.Len(t, server.writes, 1)
	actions := server.writes[0].Actions
	require.Len(t, actions, 2)
	require.Equal(t, int64(1), actions[0].Order)
	require.Equal(t, int64(2), actions[1].Order)

	// Nothing queued, nothing sent.
	require.NoError(t, c.UploadOnce(ctx))
	require.Equal(t, 1, server.writeCount)
}

func TestClient_DownloadAppliesActions(t *testing.T) {
	server, baseURL := startFakeServer(t)
	c := newTestClient(t, baseURL)
	ctx := context.Background()

	server.downloads = [][]senseeact.DatabaseAction{{
		{Seq: 10, Table: "mood", Op: senseeact.OpInsert, RecordID: "r1",
			Payload: json.RawMessage(`{"id":"r1","score":5}`)},
		{Seq: 12, Table: "sleep", Op: senseeact.OpInsert, RecordID: "r2",
			Payload: json.RawMessage(`{"id":"r2","quality":2}`)},
	}}

	applied, err := c.DownloadOnce(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, 2, applied)

	payload, err := c.Get(ctx, "mood", "r1")
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"r1","score":5}`, string(payload))

	// The next read carries the advanced cursors.
	applied, err = c.DownloadOnce(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, 0, applied)
	require.Len(t, server.reads, 2)
	cursors := map[string]int64{}
	for _, p := range server.reads[1].Progress {
		cursors[p.Table] = p.Seq
	}
	require.Equal(t, int64(10), cursors["mood"])
	require.Equal(t, int64(12), cursors["sleep"])

	// A server-side delete removes the local record.
	server.downloads = [][]senseeact.DatabaseAction{{
		{Seq: 13, Table: "mood", Op: senseeact.OpDelete, RecordID: "r1"},
	}}
	applied, err = c.DownloadOnce(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, 1, applied)
	_, err = c.Get(ctx, "mood", "r1")
	require.ErrorIs(t, err, ErrRecordNotFound)
}

func TestClient_ConflictKeepsLocalEdit(t *testing.T) {
	server, baseURL := startFakeServer(t)
	c := newTestClient(t, baseURL)
	ctx := context.Background()

	// A local edit that has not reached the server yet.
	require.NoError(t, c.Put(ctx, "mood", "r1", json.RawMessage(`{"id":"r1","score":1}`)))

	// The server has a competing version of the same record.
	server.downloads = [][]senseeact.DatabaseAction{{
		{Seq: 20, Table: "mood", Op: senseeact.OpUpdate, RecordID: "r1",
			Payload: json.RawMessage(`{"id":"r1","score":9}`)},
	}}
	_, err := c.DownloadOnce(ctx, 100)
	require.NoError(t, err)

	payload, err := c.Get(ctx, "mood", "r1")
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"r1","score":1}`, string(payload), "local edit survives")

	count, err := c.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count, "the local edit is still queued for upload")
}

func TestClient_SyncRoundTrip(t *testing.T) {
	server, baseURL := startFakeServer(t)
	c := newTestClient(t, baseURL)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "mood", "r1", json.RawMessage(`{"id":"r1","score":3}`)))
	server.downloads = [][]senseeact.DatabaseAction{{
		{Seq: 5, Table: "mood", Op: senseeact.OpInsert, RecordID: "r2",
			Payload: json.RawMessage(`{"id":"r2","score":4}`)},
	}}

	require.NoError(t, c.Sync(ctx))

	count, err := c.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, count)

	records, err := c.List(ctx, "mood")
	require.NoError(t, err)
	require.Len(t, records, 2)
}

func TestEnsureOrigin(t *testing.T) {
	db := testDB(t)
	origin, err := EnsureOrigin(db, "alice")
	require.NoError(t, err)
	require.NotEmpty(t, origin)

	again, err := EnsureOrigin(db, "alice")
	require.NoError(t, err)
	require.Equal(t, origin, again, "origin is stable across restarts")
}
