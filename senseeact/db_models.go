// Copyright 2025 Roessingh Research and Development
// SPDX-License-Identifier: Apache-2.0

package senseeact

import (
	"encoding/json"
	"time"
)

// DatabaseAction is a single row mutation in the action log. Actions are
// append-only: the log is never rewritten, and Seq is strictly increasing
// per table.
type DatabaseAction struct {
	Seq        int64           `json:"seq,omitempty"` // assigned by the server on append
	Table      string          `json:"table"`
	Op         string          `json:"op"`
	RecordID   string          `json:"recordId"`
	User       string          `json:"user,omitempty"` // owning subject, empty for resource tables
	Payload    json.RawMessage `json:"payload,omitempty"`
	SampleTime *time.Time      `json:"sampleTime,omitempty"` // effective time of the record
	Time       time.Time       `json:"time"`
	Order      int64           `json:"order,omitempty"` // client-local sequence, used for idempotent re-upload
	Origin     string          `json:"origin,omitempty"`
	Author     string          `json:"author,omitempty"`
}

// TimeRangeRestriction limits a read to records whose sample time falls in
// [Start, End). A nil bound means unbounded on that side. An empty Table
// applies the restriction to every table in the request.
type TimeRangeRestriction struct {
	Table string     `json:"table,omitempty"`
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

// SubjectAccess is the result of access resolution: the resolved subject
// plus the time range the caller may touch. Nil bounds mean unrestricted.
type SubjectAccess struct {
	User  string
	Start *time.Time
	End   *time.Time
}

// CheckTime reports whether a single sample time falls inside the granted
// range. Actions without a sample time are never range-restricted.
func (a *SubjectAccess) CheckTime(t *time.Time) bool {
	if t == nil {
		return true
	}
	if a.Start != nil && t.Before(*a.Start) {
		return false
	}
	if a.End != nil && !t.Before(*a.End) {
		return false
	}
	return true
}

// CheckRange reports whether the requested range [start, end) is fully
// inside the granted range. Nil request bounds stand for unbounded and are
// only allowed when the grant is unbounded on that side.
func (a *SubjectAccess) CheckRange(start, end *time.Time) bool {
	if a.Start != nil && (start == nil || start.Before(*a.Start)) {
		return false
	}
	if a.End != nil && (end == nil || end.After(*a.End)) {
		return false
	}
	return true
}

// AccessRestriction is one entry of an access rule's restriction list:
// the grantee may touch tables of Module with Mode within [Start, End).
type AccessRestriction struct {
	Module string     `json:"module"`
	Mode   AccessMode `json:"accessMode"`
	Start  *time.Time `json:"start,omitempty"`
	End    *time.Time `json:"end,omitempty"`
}

// AccessRule grants Grantee access to Subject's data in a project.
// Restrictions == nil means full access to all modules.
type AccessRule struct {
	Project      string
	Grantee      string
	Subject      string
	Restrictions []AccessRestriction
}

// User is a platform account.
type User struct {
	UserID string
	Email  string
	Role   string
	Active bool
}

// TableProgress is a per-table cursor: the highest action log Seq a client
// has fully processed. The server never owns this value; the client sends
// it with every read.
type TableProgress struct {
	Table string `json:"table"`
	Seq   int64  `json:"seq"`
}

// PushRegistration subscribes a device to push notifications for new
// actions on one table of one storage (project database).
type PushRegistration struct {
	User         string                 `json:"user"`
	Project      string                 `json:"project"`
	Storage      string                 `json:"storage"`
	Table        string                 `json:"table"`
	DeviceID     string                 `json:"deviceId"`
	FCMToken     string                 `json:"fcmToken"`
	Restrictions []TimeRangeRestriction `json:"restrictions,omitempty"`
}

// Watch registration kinds
const (
	WatchKindTable   = "table"
	WatchKindSubject = "subject"
)

// WatchRegistration is the persisted form of a long-poll listener. The
// in-memory hub mirrors every registration so that triggered state survives
// a restart.
type WatchRegistration struct {
	ID          string
	Kind        string
	User        string
	Project     string
	Table       string // table watches only
	Subject     string // empty means any subject (admin only)
	AnySubject  bool
	CallbackURL string
	Reset       bool
	LastWatch   time.Time
	Triggered   []string // sorted accumulated subjects or subject events
	FailCount   int
	FailStart   time.Time
}
