// Copyright 2025 Roessingh Research and Development
// SPDX-License-Identifier: Apache-2.0

package senseeact

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// ClientAuthenticator extracts both user and origin identity from HTTP
// requests. Implementations should validate auth (e.g., JWT) and provide
// both identifiers.
type ClientAuthenticator interface {
	GetUserID(r *http.Request) (string, error)
	GetOriginID(r *http.Request) (string, error)
}

// HTTPHandlers provides the HTTP surface of the sync service. Handlers
// are written for a chi router carrying {project}, {table} and {id} URL
// parameters.
type HTTPHandlers struct {
	service       *Service
	authenticator ClientAuthenticator
	logger        *slog.Logger
}

// NewHTTPHandlers creates a new instance of sync handlers
func NewHTTPHandlers(service *Service, authenticator ClientAuthenticator, logger *slog.Logger) *HTTPHandlers {
	return &HTTPHandlers{
		service:       service,
		authenticator: authenticator,
		logger:        logger,
	}
}

// Mount registers all routes on a chi router.
func (h *HTTPHandlers) Mount(r chi.Router) {
	r.Post("/sync/{project}/read", h.HandleRead)
	r.Post("/sync/{project}/write", h.HandleWrite)
	r.Post("/sync/{project}/stats", h.HandleStats)
	r.Get("/sync/{project}/progress", h.HandleProgress)
	r.Post("/sync/{project}/watch", h.HandleWatchActions)
	r.Post("/sync/{project}/push/register", h.HandleRegisterPush)
	r.Delete("/sync/{project}/push/register", h.HandleUnregisterPush)
	r.Post("/watch/{project}/table/{table}", h.HandleRegisterTableWatch)
	r.Get("/watch/{project}/registration/{id}", h.HandleWatchTable)
	r.Delete("/watch/{project}/registration/{id}", h.HandleUnregisterWatch)
	r.Post("/watch/{project}/subjects", h.HandleRegisterSubjectWatch)
	r.Get("/watch/{project}/subjects/{id}", h.HandleWatchSubjects)
	r.Get("/access/{project}/subjects", h.HandleListSubjects)
}

// HandleListSubjects lists the subjects the caller can currently read.
func (h *HTTPHandlers) HandleListSubjects(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	subjects, err := h.service.Resolver().ListAccessibleSubjects(r.Context(), userID, chi.URLParam(r, "project"))
	if err != nil {
		h.writeServiceError(w, err, "list subjects")
		return
	}
	if subjects == nil {
		subjects = []string{}
	}
	h.writeJSON(w, map[string][]string{"subjects": subjects})
}

// HandleRead returns new actions for the caller's cursor.
func (h *HTTPHandlers) HandleRead(w http.ResponseWriter, r *http.Request) {
	userID, originID, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	var req ReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse read request")
		return
	}
	resp, err := h.service.ReadActions(r.Context(), userID, originID, chi.URLParam(r, "project"), &req)
	if err != nil {
		h.writeServiceError(w, err, "read")
		return
	}
	h.writeJSON(w, resp)
}

// HandleWrite applies a batch of actions.
func (h *HTTPHandlers) HandleWrite(w http.ResponseWriter, r *http.Request) {
	userID, originID, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	var req WriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse write request")
		return
	}
	resp, err := h.service.WriteActions(r.Context(), userID, originID, chi.URLParam(r, "project"), &req)
	if err != nil {
		h.writeServiceError(w, err, "write")
		return
	}
	h.writeJSON(w, resp)
}

// HandleStats returns the count and newest log time a read would see.
func (h *HTTPHandlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	userID, originID, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	var req StatsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse stats request")
		return
	}
	resp, err := h.service.GetActionStats(r.Context(), userID, originID, chi.URLParam(r, "project"), &req)
	if err != nil {
		h.writeServiceError(w, err, "stats")
		return
	}
	h.writeJSON(w, resp)
}

// HandleProgress returns the mirrored per-table cursors.
func (h *HTTPHandlers) HandleProgress(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	subject := r.URL.Query().Get("subject")
	progress, err := h.service.GetProgress(r.Context(), userID, chi.URLParam(r, "project"), subject)
	if err != nil {
		h.writeServiceError(w, err, "progress")
		return
	}
	h.writeJSON(w, ProgressResponse{Progress: progress})
}

// HandleWatchActions is the blocking read: it holds the request open
// until data arrives or the hanging-GET timeout passes. A timeout is a
// 200 with result TIMEOUT, never an error.
func (h *HTTPHandlers) HandleWatchActions(w http.ResponseWriter, r *http.Request) {
	userID, originID, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	var req ReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse watch request")
		return
	}
	block := r.URL.Query().Get("block") != "false"

	ctx, cancel := context.WithTimeout(r.Context(), h.service.config.HangingGetTimeout)
	defer cancel()
	resp, err := h.service.WatchActions(ctx, userID, originID, chi.URLParam(r, "project"), &req, block)
	if err != nil {
		h.writeServiceError(w, err, "watch")
		return
	}
	h.writeJSON(w, resp)
}

// HandleRegisterPush registers the calling device for push notifications.
func (h *HTTPHandlers) HandleRegisterPush(w http.ResponseWriter, r *http.Request) {
	userID, originID, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	push := h.service.Push()
	if push == nil {
		h.writeError(w, http.StatusNotFound, "not_found", "Push notifications are not enabled")
		return
	}
	var req PushRegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse push registration")
		return
	}
	project := chi.URLParam(r, "project")
	if req.Storage == "" {
		req.Storage = project
	}
	if req.DeviceID == "" {
		req.DeviceID = originID
	}
	err := push.AddRegistration(r.Context(), &PushRegistration{
		User:         userID,
		Project:      project,
		Storage:      req.Storage,
		Table:        req.Table,
		DeviceID:     req.DeviceID,
		FCMToken:     req.FCMToken,
		Restrictions: req.Restrictions,
	})
	if err != nil {
		h.writeServiceError(w, err, "push register")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleUnregisterPush drops the calling device's push registration.
func (h *HTTPHandlers) HandleUnregisterPush(w http.ResponseWriter, r *http.Request) {
	userID, originID, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	push := h.service.Push()
	if push == nil {
		h.writeError(w, http.StatusNotFound, "not_found", "Push notifications are not enabled")
		return
	}
	var req PushUnregisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse push unregistration")
		return
	}
	project := chi.URLParam(r, "project")
	if req.Storage == "" {
		req.Storage = project
	}
	if req.DeviceID == "" {
		req.DeviceID = originID
	}
	if err := push.RemoveRegistrations(r.Context(), userID, project, req.Storage, req.DeviceID); err != nil {
		h.writeServiceError(w, err, "push unregister")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleRegisterTableWatch registers a table listener and returns its id.
func (h *HTTPHandlers) HandleRegisterTableWatch(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	var req RegisterWatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse watch registration")
		return
	}
	id, err := h.service.Watch().RegisterTableWatch(r.Context(), userID,
		chi.URLParam(r, "project"), chi.URLParam(r, "table"),
		req.Subject, req.AnySubject, req.CallbackURL, req.Reset)
	if err != nil {
		h.writeServiceError(w, err, "register table watch")
		return
	}
	h.writeJSON(w, RegisterWatchResponse{ID: id})
}

// HandleWatchTable is the table watch hanging GET.
func (h *HTTPHandlers) HandleWatchTable(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	subjects, err := h.service.Watch().WatchTable(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil && !errors.Is(err, context.Canceled) {
		h.writeServiceError(w, err, "watch table")
		return
	}
	if subjects == nil {
		subjects = []string{}
	}
	h.writeJSON(w, WatchTableResponse{Subjects: subjects})
}

// HandleUnregisterWatch removes a watch registration of either kind.
func (h *HTTPHandlers) HandleUnregisterWatch(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	if err := h.service.Watch().Unregister(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		h.writeServiceError(w, err, "unregister watch")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleRegisterSubjectWatch registers a subject membership listener.
func (h *HTTPHandlers) HandleRegisterSubjectWatch(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	var req RegisterWatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse watch registration")
		return
	}
	id, err := h.service.Watch().RegisterSubjectWatch(r.Context(), userID, chi.URLParam(r, "project"), req.Reset)
	if err != nil {
		h.writeServiceError(w, err, "register subject watch")
		return
	}
	h.writeJSON(w, RegisterWatchResponse{ID: id})
}

// HandleWatchSubjects is the subject watch hanging GET.
func (h *HTTPHandlers) HandleWatchSubjects(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	events, err := h.service.Watch().WatchSubjects(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil && !errors.Is(err, context.Canceled) {
		h.writeServiceError(w, err, "watch subjects")
		return
	}
	if events == nil {
		events = []SubjectEvent{}
	}
	h.writeJSON(w, WatchSubjectsResponse{Events: events})
}

func (h *HTTPHandlers) authenticate(w http.ResponseWriter, r *http.Request) (userID, originID string, ok bool) {
	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return "", "", false
	}
	originID, err = h.authenticator.GetOriginID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return "", "", false
	}
	return userID, originID, true
}

// writeServiceError maps the service error taxonomy to HTTP status codes.
func (h *HTTPHandlers) writeServiceError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, ErrForbidden):
		h.writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, ErrIllegalInput):
		h.writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", err.Error())
	default:
		h.logger.Error("Request failed", "op", op, "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to process request")
	}
}

func (h *HTTPHandlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// writeError writes a standardized error response
func (h *HTTPHandlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResponse := ErrorResponse{
		Error:   errorCode,
		Message: message,
	}
	_ = json.NewEncoder(w).Encode(errorResponse)

	h.logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}
