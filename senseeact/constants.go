// Copyright 2025 Roessingh Research and Development
// SPDX-License-Identifier: Apache-2.0

package senseeact

import "time"

// Operation constants for database actions
const (
	OpInsert = "INSERT"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

// User roles
const (
	RoleAdmin        = "admin"
	RoleProfessional = "professional"
	RolePatient      = "patient"
)

// AccessMode is the access level required for, or granted on, a table.
type AccessMode string

const (
	AccessRead      AccessMode = "r"
	AccessWrite     AccessMode = "w"
	AccessReadWrite AccessMode = "rw"
)

// Grants reports whether a granted mode satisfies the requested mode.
// A grant of "rw" satisfies any request; "r" and "w" only satisfy themselves.
func (m AccessMode) Grants(requested AccessMode) bool {
	if m == AccessReadWrite {
		return true
	}
	return m == requested && requested != AccessReadWrite
}

// Valid reports whether m is one of the known access modes.
func (m AccessMode) Valid() bool {
	switch m {
	case AccessRead, AccessWrite, AccessReadWrite:
		return true
	}
	return false
}

// Tables whose name starts with this prefix are internal and never synced.
const ReservedTablePrefix = "_"

// OriginRemote marks actions that arrived through sync rather than being
// written locally on the server. Clients never receive their own echo and
// remote-origin actions are never pushed back out.
const OriginRemote = "sync-remote"

// Watch result codes. Timeout is a normal outcome, not an error.
const (
	ResultOK      = "OK"
	ResultTimeout = "TIMEOUT"
	ResultNoData  = "NO_DATA"
)

// Subject watch event types
const (
	SubjectAdded   = "added"
	SubjectRemoved = "removed"
)

// DefaultHangingGetTimeout bounds every long-poll watch call.
const DefaultHangingGetTimeout = 60 * time.Second

// Watch registration expiry rules
const (
	watchIdleExpiry        = 60 * time.Minute
	callbackFailExpiry     = 24 * time.Hour
	callbackFailMaxCount   = 5
	watchReaperInterval    = time.Minute
	pushRetryDelay         = 10 * time.Second
	callbackExpiredMessage = "callback_expired"
)
