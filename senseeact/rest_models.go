// Copyright 2025 Roessingh Research and Development
// SPDX-License-Identifier: Apache-2.0

package senseeact

// ErrorResponse is the wire format for error responses
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// RegisterWatchRequest registers a long-poll listener. For table watches
// Subject selects whose data to watch (empty = the caller's own) and
// AnySubject watches everyone, admin only. CallbackURL switches the
// registration from polling to push callbacks.
type RegisterWatchRequest struct {
	Subject     string `json:"subject,omitempty"`
	AnySubject  bool   `json:"anySubject,omitempty"`
	CallbackURL string `json:"callbackUrl,omitempty"`
	Reset       bool   `json:"reset,omitempty"`
}

// RegisterWatchResponse returns the registration id used for polling.
type RegisterWatchResponse struct {
	ID string `json:"id"`
}

// WatchTableResponse lists the subjects whose data changed since the last
// poll. Empty means the poll timed out or was superseded.
type WatchTableResponse struct {
	Subjects []string `json:"subjects"`
}

// WatchSubjectsResponse lists accumulated subject membership events.
type WatchSubjectsResponse struct {
	Events []SubjectEvent `json:"events"`
}

// ProgressResponse returns the mirrored per-table cursors of a subject.
type ProgressResponse struct {
	Progress []TableProgress `json:"progress"`
}

// PushRegisterRequest subscribes the calling device to push notifications
// for one table.
type PushRegisterRequest struct {
	Storage      string                 `json:"storage,omitempty"` // defaults to the project
	Table        string                 `json:"table"`
	DeviceID     string                 `json:"deviceId"`
	FCMToken     string                 `json:"fcmToken"`
	Restrictions []TimeRangeRestriction `json:"restrictions,omitempty"`
}

// PushUnregisterRequest drops a device registration.
type PushUnregisterRequest struct {
	Storage  string `json:"storage,omitempty"`
	DeviceID string `json:"deviceId"`
}
