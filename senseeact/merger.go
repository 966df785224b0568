// Copyright 2025 Roessingh Research and Development
// SPDX-License-Identifier: Apache-2.0

package senseeact

import "encoding/json"

// mergeActions collapses a per-table action sequence so that each record
// appears at most once, last writer wins:
//
//   - INSERT followed by UPDATEs becomes one INSERT with the merged data
//   - UPDATE followed by UPDATEs becomes one UPDATE with the merged data
//   - anything followed by DELETE becomes a single DELETE
//
// The merged action keeps the Seq, Time and SampleTime of the latest
// contributing action, so a client that stores the last delivered Seq as
// its cursor never re-reads merged history. Relative order of distinct
// records is preserved by their latest action.
func mergeActions(actions []DatabaseAction) []DatabaseAction {
	if len(actions) < 2 {
		return actions
	}

	merged := make([]DatabaseAction, 0, len(actions))
	index := make(map[string]int, len(actions))

	for _, action := range actions {
		prev, seen := index[action.RecordID]
		if !seen {
			index[action.RecordID] = len(merged)
			merged = append(merged, action)
			continue
		}

		switch action.Op {
		case OpDelete:
			merged[prev] = action
		case OpUpdate:
			base := merged[prev]
			action.Payload = mergeJSONObjects(base.Payload, action.Payload)
			if base.Op == OpInsert {
				action.Op = OpInsert
			}
			merged[prev] = action
		default:
			// INSERT after DELETE of the same record: the record came back,
			// deliver the insert as the record's latest state.
			merged[prev] = action
		}
	}

	// Records stay at their first position during merging; re-sort so the
	// output is ordered by the surviving action's Seq.
	sortActionsBySeq(merged)
	return merged
}

// mergeJSONObjects overlays the keys of the later object on the earlier
// one. Non-object payloads fall back to the later value.
func mergeJSONObjects(earlier, later json.RawMessage) json.RawMessage {
	var base, overlay map[string]any
	if err := json.Unmarshal(earlier, &base); err != nil || base == nil {
		return later
	}
	if err := json.Unmarshal(later, &overlay); err != nil || overlay == nil {
		return later
	}
	for key, value := range overlay {
		base[key] = value
	}
	data, err := json.Marshal(base)
	if err != nil {
		return later
	}
	return data
}

func sortActionsBySeq(actions []DatabaseAction) {
	// Insertion sort: merged slices are small and mostly ordered already.
	for i := 1; i < len(actions); i++ {
		for j := i; j > 0 && actions[j].Seq < actions[j-1].Seq; j-- {
			actions[j], actions[j-1] = actions[j-1], actions[j]
		}
	}
}
