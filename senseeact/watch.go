// Copyright 2025 Roessingh Research and Development
// SPDX-License-Identifier: Apache-2.0

package senseeact

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SubjectEvent reports a change in which subjects a watcher can access.
type SubjectEvent struct {
	Subject string `json:"subject"`
	Event   string `json:"event"` // SubjectAdded or SubjectRemoved
}

// SubjectResolver is the slice of the access resolver the watch hub
// needs to re-validate registrations on every poll.
type SubjectResolver interface {
	ResolveSubject(ctx context.Context, caller, subject, project, table string, mode AccessMode) (*SubjectAccess, error)
	FindUser(ctx context.Context, idOrEmail string) (*User, error)
}

// WatchService is the long-poll hub. Registrations are persisted through
// the store and mirrored in memory; polls only ever block on their own
// registration, so a slow watcher never delays another.
type WatchService struct {
	store    WatchStore
	resolver SubjectResolver
	registry *ProjectRegistry
	logger   *slog.Logger
	timeout  time.Duration

	httpClient *http.Client
	now        func() time.Time

	mu        sync.Mutex
	listeners map[string]*watchListener
	signals   map[string]chan struct{} // per-project broadcast for blocking reads

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// watchListener is the in-memory side of one registration. The listener
// mutex orders triggers against polls; the hub mutex only guards map
// membership.
type watchListener struct {
	mu        sync.Mutex
	reg       WatchRegistration
	triggered map[string]struct{}
	current   *watchPoll // replaced on every poll, old poll is superseded
}

type watchPoll struct {
	ch    chan struct{}
	woken bool // channel already closed by a trigger or supersession
}

// WatchStore persists watch registrations so accumulated triggers survive
// a restart.
type WatchStore interface {
	LoadRegistrations(ctx context.Context) ([]WatchRegistration, error)
	SaveRegistration(ctx context.Context, reg *WatchRegistration) error
	DeleteRegistration(ctx context.Context, id string) error
}

// NewWatchService restores persisted registrations and starts the reaper.
func NewWatchService(store WatchStore, resolver SubjectResolver, registry *ProjectRegistry,
	timeout time.Duration, logger *slog.Logger) (*WatchService, error) {

	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultHangingGetTimeout
	}
	w := &WatchService{
		store:      store,
		resolver:   resolver,
		registry:   registry,
		logger:     logger,
		timeout:    timeout,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		now:        time.Now,
		listeners:  make(map[string]*watchListener),
		signals:    make(map[string]chan struct{}),
		done:       make(chan struct{}),
	}

	regs, err := store.LoadRegistrations(context.Background())
	if err != nil {
		return nil, err
	}
	for _, reg := range regs {
		w.listeners[reg.ID] = newWatchListener(reg)
	}
	logger.Debug("Watch registrations restored", "count", len(regs))

	w.wg.Add(1)
	go w.reapLoop()

	return w, nil
}

func newWatchListener(reg WatchRegistration) *watchListener {
	l := &watchListener{reg: reg, triggered: make(map[string]struct{}, len(reg.Triggered))}
	for _, t := range reg.Triggered {
		l.triggered[t] = struct{}{}
	}
	return l
}

// Close stops the reaper and releases every parked poll with an empty
// result.
func (w *WatchService) Close() {
	w.closeOnce.Do(func() {
		close(w.done)
	})
	w.wg.Wait()
}

// RegisterTableWatch registers a long-poll listener for new actions on one
// table. subject empty means the caller's own data; anySubject watches all
// subjects and requires the admin role. Re-registering with the same
// parameters returns the existing registration; reset additionally clears
// anything accumulated since the last poll.
func (w *WatchService) RegisterTableWatch(ctx context.Context, caller, project, table, subject string,
	anySubject bool, callbackURL string, reset bool) (string, error) {

	proj, err := w.registry.requireProject(project)
	if err != nil {
		return "", err
	}
	table = strings.ToLower(strings.TrimSpace(table))
	if _, ok := proj.Table(table); !ok {
		return "", notFoundf("table %s", table)
	}

	resolvedSubject := ""
	if anySubject {
		user, err := w.resolver.FindUser(ctx, caller)
		if err != nil {
			return "", err
		}
		if user == nil || user.Role != RoleAdmin {
			return "", forbiddenf("watching all subjects requires admin")
		}
	} else {
		access, err := w.resolver.ResolveSubject(ctx, caller, subject, project, table, AccessRead)
		if err != nil {
			return "", err
		}
		resolvedSubject = access.User
	}

	reg := WatchRegistration{
		ID:          uuid.NewString(),
		Kind:        WatchKindTable,
		User:        caller,
		Project:     proj.Name,
		Table:       table,
		Subject:     resolvedSubject,
		AnySubject:  anySubject,
		CallbackURL: callbackURL,
		LastWatch:   w.now(),
	}
	return w.register(ctx, reg, reset)
}

// RegisterSubjectWatch registers a listener for changes in the set of
// subjects the caller can access in a project.
func (w *WatchService) RegisterSubjectWatch(ctx context.Context, caller, project string, reset bool) (string, error) {
	proj, err := w.registry.requireProject(project)
	if err != nil {
		return "", err
	}
	if _, err := w.resolver.ResolveSubject(ctx, caller, "", project, "", AccessRead); err != nil {
		return "", err
	}
	reg := WatchRegistration{
		ID:        uuid.NewString(),
		Kind:      WatchKindSubject,
		User:      caller,
		Project:   proj.Name,
		LastWatch: w.now(),
	}
	return w.register(ctx, reg, reset)
}

// register installs the registration, reusing an existing identical one.
func (w *WatchService) register(ctx context.Context, reg WatchRegistration, reset bool) (string, error) {
	w.mu.Lock()
	var existing *watchListener
	for _, l := range w.listeners {
		if sameRegistration(&l.reg, &reg) {
			existing = l
			break
		}
	}
	if existing == nil {
		l := newWatchListener(reg)
		w.listeners[reg.ID] = l
		w.mu.Unlock()
		if err := w.store.SaveRegistration(ctx, &reg); err != nil {
			w.mu.Lock()
			delete(w.listeners, reg.ID)
			w.mu.Unlock()
			return "", fmt.Errorf("save watch registration: %w", err)
		}
		return reg.ID, nil
	}
	w.mu.Unlock()

	existing.mu.Lock()
	if reset {
		existing.triggered = make(map[string]struct{})
	}
	existing.reg.LastWatch = w.now()
	snapshot := existing.snapshotLocked()
	existing.mu.Unlock()
	if err := w.store.SaveRegistration(ctx, &snapshot); err != nil {
		w.logger.Error("Failed to persist watch registration", "error", err, "id", snapshot.ID)
	}
	return existing.reg.ID, nil
}

func sameRegistration(a, b *WatchRegistration) bool {
	return a.Kind == b.Kind && a.User == b.User && a.Project == b.Project &&
		a.Table == b.Table && a.Subject == b.Subject && a.AnySubject == b.AnySubject &&
		a.CallbackURL == b.CallbackURL
}

// WatchTable blocks until the watched table changes, the hanging-GET
// timeout passes, or a newer poll supersedes this one. It returns the
// subjects whose data changed, sorted; an empty result means timeout or
// supersession. Access is re-validated on every call, so a revoked grant
// turns into an error on the next poll even for an old registration.
func (w *WatchService) WatchTable(ctx context.Context, caller, id string) ([]string, error) {
	l, err := w.listener(id, caller, WatchKindTable)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	reg := l.reg
	l.mu.Unlock()

	proj, err := w.registry.requireProject(reg.Project)
	if err != nil {
		return nil, err
	}
	if _, ok := proj.Table(reg.Table); !ok {
		return nil, notFoundf("table %s", reg.Table)
	}
	if !reg.AnySubject {
		if _, err := w.resolver.ResolveSubject(ctx, caller, reg.Subject, reg.Project, reg.Table, AccessRead); err != nil {
			return nil, err
		}
	}

	return w.poll(ctx, l)
}

// WatchSubjects blocks like WatchTable and returns accumulated subject
// membership events.
func (w *WatchService) WatchSubjects(ctx context.Context, caller, id string) ([]SubjectEvent, error) {
	l, err := w.listener(id, caller, WatchKindSubject)
	if err != nil {
		return nil, err
	}
	if _, err := w.resolver.ResolveSubject(ctx, caller, "", l.reg.Project, "", AccessRead); err != nil {
		return nil, err
	}
	entries, err := w.poll(ctx, l)
	if err != nil {
		return nil, err
	}
	events := make([]SubjectEvent, 0, len(entries))
	for _, entry := range entries {
		event, subject, ok := strings.Cut(entry, ":")
		if !ok {
			continue
		}
		events = append(events, SubjectEvent{Subject: subject, Event: event})
	}
	return events, nil
}

// poll implements the hanging GET. Only one poll is live per listener: a
// new poll supersedes the previous one, which promptly returns empty.
func (w *WatchService) poll(ctx context.Context, l *watchListener) ([]string, error) {
	l.mu.Lock()
	l.reg.LastWatch = w.now()
	if len(l.triggered) > 0 {
		result := l.takeTriggeredLocked()
		snapshot := l.snapshotLocked()
		l.mu.Unlock()
		w.persist(&snapshot)
		return result, nil
	}
	poll := &watchPoll{ch: make(chan struct{})}
	l.wakeLocked() // supersede the previous poll
	l.current = poll
	l.mu.Unlock()

	timer := time.NewTimer(w.timeout)
	defer timer.Stop()
	select {
	case <-poll.ch:
	case <-timer.C:
	case <-ctx.Done():
	case <-w.done:
	}

	l.mu.Lock()
	if l.current != poll {
		// Superseded; the newer poll owns any triggered state.
		l.mu.Unlock()
		return nil, nil
	}
	l.current = nil
	result := l.takeTriggeredLocked()
	snapshot := l.snapshotLocked()
	l.mu.Unlock()
	if len(result) > 0 {
		w.persist(&snapshot)
	}
	return result, ctx.Err()
}

// Unregister removes a registration. Unknown ids are not an error; a
// racing poll wakes up and observes NotFound on its next call.
func (w *WatchService) Unregister(ctx context.Context, caller, id string) error {
	w.mu.Lock()
	l, ok := w.listeners[id]
	if ok && l.reg.User != caller {
		w.mu.Unlock()
		return notFoundf("watch registration %s", id)
	}
	delete(w.listeners, id)
	w.mu.Unlock()

	if ok {
		l.mu.Lock()
		l.wakeLocked()
		l.current = nil
		l.mu.Unlock()
	}
	if err := w.store.DeleteRegistration(ctx, id); err != nil {
		return fmt.Errorf("delete watch registration: %w", err)
	}
	return nil
}

// NotifyActions routes committed actions to matching table listeners and
// wakes blocking project reads. Called synchronously after a write
// commits; callbacks run on their own goroutines.
func (w *WatchService) NotifyActions(project string, actions []DatabaseAction) {
	type key struct{ table, subject string }
	changed := make(map[key]struct{})
	for _, a := range actions {
		changed[key{a.Table, a.User}] = struct{}{}
	}

	w.mu.Lock()
	listeners := make([]*watchListener, 0, len(w.listeners))
	for _, l := range w.listeners {
		listeners = append(listeners, l)
	}
	w.mu.Unlock()

	for _, l := range listeners {
		l.mu.Lock()
		if l.reg.Kind != WatchKindTable || l.reg.Project != project {
			l.mu.Unlock()
			continue
		}
		fired := false
		for k := range changed {
			if k.table != l.reg.Table {
				continue
			}
			if !l.reg.AnySubject && k.subject != "" && k.subject != l.reg.Subject {
				continue
			}
			subject := k.subject
			if subject == "" {
				subject = l.reg.User
			}
			l.triggered[subject] = struct{}{}
			fired = true
		}
		if !fired {
			l.mu.Unlock()
			continue
		}
		w.fireLocked(l)
	}

	w.broadcast(project)
}

// NotifySubjectChange routes a subject membership event to the subject
// watches of the affected grantee.
func (w *WatchService) NotifySubjectChange(project, grantee, subject, event string) {
	w.mu.Lock()
	listeners := make([]*watchListener, 0, len(w.listeners))
	for _, l := range w.listeners {
		listeners = append(listeners, l)
	}
	w.mu.Unlock()

	for _, l := range listeners {
		l.mu.Lock()
		if l.reg.Kind != WatchKindSubject || l.reg.Project != project || l.reg.User != grantee {
			l.mu.Unlock()
			continue
		}
		l.triggered[event+":"+subject] = struct{}{}
		w.fireLocked(l)
	}
}

// fireLocked persists triggered state and delivers it: wake the live poll,
// or send the callback when the listener registered one. The woken poll
// stays attached as l.current so it can consume the triggered set once it
// reacquires the lock; detaching here would make it look superseded and
// the trigger would be lost. The listener mutex is held on entry and
// released here.
func (w *WatchService) fireLocked(l *watchListener) {
	snapshot := l.snapshotLocked()
	l.wakeLocked()
	hasCallback := l.reg.CallbackURL != ""
	l.mu.Unlock()

	w.persist(&snapshot)
	if hasCallback {
		w.wg.Add(1)
		go w.sendCallback(l)
	}
}

// AwaitProject parks until something is written in the project, the
// timeout passes, or the hub shuts down. Reports whether it was signaled.
func (w *WatchService) AwaitProject(ctx context.Context, project string) bool {
	w.mu.Lock()
	ch, ok := w.signals[project]
	if !ok {
		ch = make(chan struct{})
		w.signals[project] = ch
	}
	w.mu.Unlock()

	timer := time.NewTimer(w.timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
	case <-ctx.Done():
	case <-w.done:
	}
	return false
}

func (w *WatchService) broadcast(project string) {
	w.mu.Lock()
	if ch, ok := w.signals[project]; ok {
		close(ch)
		delete(w.signals, project)
	}
	w.mu.Unlock()
}

// sendCallback POSTs the accumulated subjects to the registration's
// callback URL. A 404 with the expired marker removes the registration;
// other failures are counted and eventually reaped.
func (w *WatchService) sendCallback(l *watchListener) {
	defer w.wg.Done()

	l.mu.Lock()
	reg := l.reg
	subjects := l.takeTriggeredLocked()
	l.mu.Unlock()
	if len(subjects) == 0 {
		return
	}

	body, err := json.Marshal(map[string]any{
		"project":  reg.Project,
		"table":    reg.Table,
		"subjects": subjects,
	})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reg.CallbackURL, bytes.NewReader(body))
	if err != nil {
		w.callbackFailed(l, subjects)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		w.logger.Debug("Watch callback failed", "error", err, "url", reg.CallbackURL)
		w.callbackFailed(l, subjects)
		return
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode == http.StatusNotFound && strings.Contains(string(respBody), callbackExpiredMessage):
		w.logger.Info("Watch callback expired, removing registration", "id", reg.ID)
		_ = w.Unregister(context.Background(), reg.User, reg.ID)
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		l.mu.Lock()
		l.reg.FailCount = 0
		l.reg.FailStart = time.Time{}
		snapshot := l.snapshotLocked()
		l.mu.Unlock()
		w.persist(&snapshot)
	default:
		w.callbackFailed(l, subjects)
	}
}

// callbackFailed restores the undelivered subjects and records the
// failure for the reaper.
func (w *WatchService) callbackFailed(l *watchListener, subjects []string) {
	l.mu.Lock()
	for _, s := range subjects {
		l.triggered[s] = struct{}{}
	}
	l.reg.FailCount++
	if l.reg.FailStart.IsZero() {
		l.reg.FailStart = w.now()
	}
	snapshot := l.snapshotLocked()
	l.mu.Unlock()
	w.persist(&snapshot)
}

// reapLoop periodically removes registrations nobody polls anymore and
// callback registrations that keep failing.
func (w *WatchService) reapLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(watchReaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.reap()
		}
	}
}

func (w *WatchService) reap() {
	now := w.now()
	w.mu.Lock()
	var expired []*watchListener
	for _, l := range w.listeners {
		l.mu.Lock()
		idle := l.reg.CallbackURL == "" && now.Sub(l.reg.LastWatch) > watchIdleExpiry
		failing := l.reg.FailCount >= callbackFailMaxCount &&
			!l.reg.FailStart.IsZero() && now.Sub(l.reg.FailStart) > callbackFailExpiry
		l.mu.Unlock()
		if idle || failing {
			expired = append(expired, l)
		}
	}
	for _, l := range expired {
		delete(w.listeners, l.reg.ID)
	}
	w.mu.Unlock()

	for _, l := range expired {
		l.mu.Lock()
		l.wakeLocked()
		l.current = nil
		id := l.reg.ID
		l.mu.Unlock()
		w.logger.Info("Reaping expired watch registration", "id", id)
		if err := w.store.DeleteRegistration(context.Background(), id); err != nil {
			w.logger.Error("Failed to delete expired watch registration", "error", err, "id", id)
		}
	}
}

func (w *WatchService) listener(id, caller, kind string) (*watchListener, error) {
	w.mu.Lock()
	l, ok := w.listeners[id]
	w.mu.Unlock()
	if !ok || l.reg.Kind != kind || l.reg.User != caller {
		return nil, notFoundf("watch registration %s", id)
	}
	return l, nil
}

func (w *WatchService) persist(reg *WatchRegistration) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.store.SaveRegistration(ctx, reg); err != nil {
		w.logger.Error("Failed to persist watch registration", "error", err, "id", reg.ID)
	}
}

// wakeLocked closes the live poll's channel, at most once even when
// several triggers land before the poll reacquires the lock.
func (l *watchListener) wakeLocked() {
	if l.current != nil && !l.current.woken {
		l.current.woken = true
		close(l.current.ch)
	}
}

func (l *watchListener) takeTriggeredLocked() []string {
	if len(l.triggered) == 0 {
		return nil
	}
	result := make([]string, 0, len(l.triggered))
	for s := range l.triggered {
		result = append(result, s)
	}
	l.triggered = make(map[string]struct{})
	sort.Strings(result)
	return result
}

// snapshotLocked copies the registration with the current triggered set
// for persistence outside the lock.
func (l *watchListener) snapshotLocked() WatchRegistration {
	reg := l.reg
	reg.Triggered = make([]string, 0, len(l.triggered))
	for s := range l.triggered {
		reg.Triggered = append(reg.Triggered, s)
	}
	sort.Strings(reg.Triggered)
	return reg
}
