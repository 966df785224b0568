// Copyright 2025 Roessingh Research and Development
// SPDX-License-Identifier: Apache-2.0

package senseeact

import (
	"encoding/json"
	"strings"
)

// resolveWriteTable checks that a table may be written through sync at all.
// Unknown tables are illegal input; reserved and filtered tables are
// forbidden. The distinction matters: a client that names a table the
// project never had sent garbage, a client that names a filtered table
// asked for something it may not have.
func resolveWriteTable(p *Project, table string, filter *tableFilter) (*TableDef, error) {
	name := strings.ToLower(strings.TrimSpace(table))
	if strings.HasPrefix(name, ReservedTablePrefix) {
		return nil, forbiddenf("table %s is reserved", name)
	}
	def, ok := p.Table(name)
	if !ok {
		return nil, illegalInputf("unknown table %s", name)
	}
	if filter != nil && !filter.includes(name) {
		return nil, forbiddenf("table %s not included in sync", name)
	}
	return def, nil
}

// validateAction validates a single uploaded action against its table
// definition and the subject it is written for. On success the action is
// normalized in place: op uppercased, payload id/user fields checked and
// the id field stripped where the original client protocol allows it.
func validateAction(action *DatabaseAction, def *TableDef, subject string) error {
	action.Op = strings.ToUpper(strings.TrimSpace(action.Op))
	switch action.Op {
	case OpInsert, OpUpdate, OpDelete:
	default:
		return illegalInputf("invalid operation %q", action.Op)
	}

	if action.RecordID == "" {
		return illegalInputf("action on table %s has no record id", def.Name)
	}

	if action.Op == OpDelete {
		if len(action.Payload) != 0 {
			return illegalInputf("DELETE action must not include data")
		}
		return nil
	}

	if len(action.Payload) == 0 {
		return illegalInputf("%s action requires data", action.Op)
	}
	var obj map[string]any
	if err := json.Unmarshal(action.Payload, &obj); err != nil || obj == nil {
		return illegalInputf("invalid JSON data for record %s", action.RecordID)
	}

	if fields := def.FieldSet(); fields != nil {
		for key := range obj {
			if key == "id" || key == "user" {
				continue
			}
			if !fields[key] {
				return illegalInputf("unknown field %q in table %s", key, def.Name)
			}
		}
	}

	changed := false

	// The "id" field must agree with the record id. Inserts must carry it;
	// updates may not move a record to another id.
	if idVal, ok := obj["id"]; ok {
		idStr, isStr := idVal.(string)
		if !isStr || idStr != action.RecordID {
			if action.Op == OpInsert {
				return illegalInputf("data id does not match record id %s", action.RecordID)
			}
			return forbiddenf("cannot change id of record %s", action.RecordID)
		}
		if action.Op == OpUpdate {
			delete(obj, "id")
			changed = true
		}
	} else if action.Op == OpInsert {
		return illegalInputf("insert data for record %s has no id", action.RecordID)
	}

	// The "user" field, when present, must name the sync subject. Resource
	// tables have no subject and reject the field outright.
	if userVal, ok := obj["user"]; ok {
		if def.Resource {
			return illegalInputf("table %s has no user field", def.Name)
		}
		userStr, isStr := userVal.(string)
		if !isStr || userStr != subject {
			if action.Op == OpInsert {
				return forbiddenf("cannot write record for another user")
			}
			return forbiddenf("cannot change user of record %s", action.RecordID)
		}
		if action.Op == OpUpdate {
			delete(obj, "user")
			changed = true
		}
	} else if action.Op == OpInsert && !def.Resource {
		obj["user"] = subject
		changed = true
	}

	if changed {
		data, err := json.Marshal(obj)
		if err != nil {
			return illegalInputf("invalid data for record %s", action.RecordID)
		}
		action.Payload = data
	}
	if !def.Resource {
		action.User = subject
	} else {
		action.User = ""
	}
	return nil
}

// tableFilter selects which tables of a project take part in a sync call.
// Exclusion wins over inclusion; reserved tables never pass.
type tableFilter struct {
	include map[string]bool // nil = all tables
	exclude map[string]bool
}

func newTableFilter(includeTables, excludeTables []string) *tableFilter {
	f := &tableFilter{}
	if len(includeTables) > 0 {
		f.include = make(map[string]bool, len(includeTables))
		for _, t := range includeTables {
			f.include[strings.ToLower(strings.TrimSpace(t))] = true
		}
	}
	if len(excludeTables) > 0 {
		f.exclude = make(map[string]bool, len(excludeTables))
		for _, t := range excludeTables {
			f.exclude[strings.ToLower(strings.TrimSpace(t))] = true
		}
	}
	return f
}

func (f *tableFilter) includes(table string) bool {
	if strings.HasPrefix(table, ReservedTablePrefix) {
		return false
	}
	if f.exclude != nil && f.exclude[table] {
		return false
	}
	if f.include != nil {
		return f.include[table]
	}
	return true
}

// isValidTableName checks if a name matches ^[a-z0-9_]+$
func isValidTableName(name string) bool {
	if len(name) == 0 {
		return false
	}
	for _, r := range name {
		if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_') {
			return false
		}
	}
	return true
}
