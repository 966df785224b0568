// Copyright 2025 Roessingh Research and Development
// SPDX-License-Identifier: Apache-2.0

package senseeact

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func action(seq int64, op, recordID, payload string) DatabaseAction {
	a := DatabaseAction{Seq: seq, Table: "mood", Op: op, RecordID: recordID}
	if payload != "" {
		a.Payload = json.RawMessage(payload)
	}
	return a
}

func TestMergeActions_InsertThenUpdates(t *testing.T) {
	actions := []DatabaseAction{
		action(1, OpInsert, "r1", `{"id":"r1","score":1}`),
		action(2, OpUpdate, "r1", `{"score":2}`),
		action(3, OpUpdate, "r1", `{"note":"better"}`),
	}

	merged := mergeActions(actions)
	require.Len(t, merged, 1)
	require.Equal(t, OpInsert, merged[0].Op, "insert plus updates stays an insert")
	require.Equal(t, int64(3), merged[0].Seq, "merged action keeps the latest seq")

	var data map[string]any
	require.NoError(t, json.Unmarshal(merged[0].Payload, &data))
	require.Equal(t, "r1", data["id"])
	require.Equal(t, float64(2), data["score"])
	require.Equal(t, "better", data["note"])
}

func TestMergeActions_UpdateThenDelete(t *testing.T) {
	actions := []DatabaseAction{
		action(5, OpUpdate, "r1", `{"score":2}`),
		action(6, OpDelete, "r1", ""),
	}

	merged := mergeActions(actions)
	require.Len(t, merged, 1)
	require.Equal(t, OpDelete, merged[0].Op)
	require.Equal(t, int64(6), merged[0].Seq)
	require.Empty(t, merged[0].Payload)
}

func TestMergeActions_DistinctRecordsKeepOrder(t *testing.T) {
	actions := []DatabaseAction{
		action(1, OpInsert, "a", `{"id":"a"}`),
		action(2, OpInsert, "b", `{"id":"b"}`),
		action(3, OpUpdate, "a", `{"x":1}`),
	}

	merged := mergeActions(actions)
	require.Len(t, merged, 2)
	// Ordered by the seq of each record's surviving action.
	require.Equal(t, "b", merged[0].RecordID)
	require.Equal(t, int64(2), merged[0].Seq)
	require.Equal(t, "a", merged[1].RecordID)
	require.Equal(t, int64(3), merged[1].Seq)
}

func TestMergeActions_DeleteThenReinsert(t *testing.T) {
	actions := []DatabaseAction{
		action(1, OpDelete, "r1", ""),
		action(2, OpInsert, "r1", `{"id":"r1","score":9}`),
	}

	merged := mergeActions(actions)
	require.Len(t, merged, 1)
	require.Equal(t, OpInsert, merged[0].Op)
	require.Equal(t, int64(2), merged[0].Seq)
}

func TestMergeActions_SingleActionUntouched(t *testing.T) {
	actions := []DatabaseAction{action(7, OpInsert, "r1", `{"id":"r1"}`)}
	require.Equal(t, actions, mergeActions(actions))
}
