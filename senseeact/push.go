// Copyright 2025 Roessingh Research and Development
// SPDX-License-Identifier: Apache-2.0

package senseeact

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ErrPushTokenUnregistered signals that the device token is gone for good
// and the registration must be dropped.
var ErrPushTokenUnregistered = errors.New("push token unregistered")

// PushSender delivers one data message to a device token. Implementations
// return ErrPushTokenUnregistered for permanently dead tokens; any other
// error is treated as transient and retried.
type PushSender interface {
	Send(ctx context.Context, token string, data map[string]string) error
}

// PushStore persists push registrations.
type PushStore interface {
	LoadRegistrations(ctx context.Context) ([]PushRegistration, error)
	SaveRegistration(ctx context.Context, reg *PushRegistration) error
	DeleteRegistration(ctx context.Context, user, project, storage, deviceID string) error
}

// pushUpdate identifies data a device should be told about. Updates are
// deduplicated while queued: notifying twice about the same table is
// useless, the client reads everything new anyway.
type pushUpdate struct {
	User    string
	Project string
	Storage string
	Table   string
}

// PushService fans committed actions out to registered mobile devices.
// Dispatch is fully asynchronous: OnActions only enqueues and wakes the
// single worker goroutine, it never blocks the writer.
type PushService struct {
	store  PushStore
	sender PushSender
	logger *slog.Logger

	mu      sync.Mutex
	regs    []PushRegistration
	queue   []pushUpdate
	queued  map[pushUpdate]struct{}
	wake    chan struct{}
	done    chan struct{}
	closeFn sync.Once
	wg      sync.WaitGroup

	retryDelay time.Duration
}

// NewPushService restores registrations and starts the dispatch worker.
func NewPushService(store PushStore, sender PushSender, logger *slog.Logger) (*PushService, error) {
	if logger == nil {
		logger = slog.Default()
	}
	regs, err := store.LoadRegistrations(context.Background())
	if err != nil {
		return nil, err
	}
	p := &PushService{
		store:      store,
		sender:     sender,
		logger:     logger,
		regs:       regs,
		queued:     make(map[pushUpdate]struct{}),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		retryDelay: pushRetryDelay,
	}
	logger.Debug("Push registrations restored", "count", len(regs))
	p.wg.Add(1)
	go p.worker()
	return p, nil
}

// Close stops the worker. Queued updates that were not sent yet are
// dropped; clients recover on their next regular sync.
func (p *PushService) Close() {
	p.closeFn.Do(func() {
		close(p.done)
	})
	p.wg.Wait()
}

// AddRegistration registers or refreshes a device. The device slot is
// keyed (user, project, storage, device): re-registering with a new token
// replaces the old one.
func (p *PushService) AddRegistration(ctx context.Context, reg *PushRegistration) error {
	reg.Table = strings.ToLower(strings.TrimSpace(reg.Table))
	if reg.User == "" || reg.DeviceID == "" || reg.FCMToken == "" {
		return illegalInputf("push registration requires user, device and token")
	}
	if err := p.store.SaveRegistration(ctx, reg); err != nil {
		return fmt.Errorf("save push registration: %w", err)
	}
	p.mu.Lock()
	p.removeLocked(reg.User, reg.Project, reg.Storage, reg.DeviceID)
	p.regs = append(p.regs, *reg)
	p.mu.Unlock()
	return nil
}

// RemoveRegistrations drops a device's registration. Unknown devices are
// not an error.
func (p *PushService) RemoveRegistrations(ctx context.Context, user, project, storage, deviceID string) error {
	if err := p.store.DeleteRegistration(ctx, user, project, storage, deviceID); err != nil {
		return fmt.Errorf("delete push registration: %w", err)
	}
	p.mu.Lock()
	p.removeLocked(user, project, storage, deviceID)
	p.mu.Unlock()
	return nil
}

// RemoveUserProject drops every registration a user holds in one project,
// on all devices and storages. Called when the user's project membership
// ends; their devices in other projects keep receiving pushes.
func (p *PushService) RemoveUserProject(ctx context.Context, user, project string) error {
	p.mu.Lock()
	var dropped []PushRegistration
	kept := p.regs[:0]
	for _, r := range p.regs {
		if r.User == user && r.Project == project {
			dropped = append(dropped, r)
			continue
		}
		kept = append(kept, r)
	}
	p.regs = kept
	p.mu.Unlock()

	for _, r := range dropped {
		if err := p.store.DeleteRegistration(ctx, r.User, r.Project, r.Storage, r.DeviceID); err != nil {
			return fmt.Errorf("delete push registration: %w", err)
		}
	}
	return nil
}

func (p *PushService) removeLocked(user, project, storage, deviceID string) {
	kept := p.regs[:0]
	for _, r := range p.regs {
		if r.User == user && r.Project == project && r.Storage == storage && r.DeviceID == deviceID {
			continue
		}
		kept = append(kept, r)
	}
	p.regs = kept
}

// OnActions enqueues push updates for committed actions. Actions written
// through sync from elsewhere and actions the registered device wrote
// itself are skipped: the former will be pushed by their origin server,
// the latter are already on the device. The suppression unit is the
// writing device, so a user's other devices still learn about the write.
func (p *PushService) OnActions(project, storage string, actions []DatabaseAction) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, action := range actions {
		if action.Origin == OriginRemote {
			continue
		}
		for _, reg := range p.regs {
			if reg.Storage != storage || reg.Table != action.Table {
				continue
			}
			if action.User != "" && reg.User != action.User {
				continue
			}
			if action.Origin == reg.DeviceID {
				continue
			}
			if !pushRestrictionsAllow(reg.Restrictions, action.SampleTime) {
				continue
			}
			update := pushUpdate{User: reg.User, Project: reg.Project, Storage: storage, Table: action.Table}
			if _, dup := p.queued[update]; dup {
				continue
			}
			p.queued[update] = struct{}{}
			p.queue = append(p.queue, update)
		}
	}

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// pushRestrictionsAllow checks a sample time against the registration's
// optional time ranges. Actions without a sample time always pass.
func pushRestrictionsAllow(restrictions []TimeRangeRestriction, sampleTime *time.Time) bool {
	if len(restrictions) == 0 || sampleTime == nil {
		return true
	}
	for _, r := range restrictions {
		if r.Start != nil && sampleTime.Before(*r.Start) {
			continue
		}
		if r.End != nil && !sampleTime.Before(*r.End) {
			continue
		}
		return true
	}
	return false
}

// worker drains the queue one update at a time. A transient send failure
// re-queues the update and pauses before the next attempt.
func (p *PushService) worker() {
	defer p.wg.Done()
	for {
		update, ok := p.next()
		if !ok {
			select {
			case <-p.wake:
				continue
			case <-p.done:
				return
			}
		}

		if err := p.dispatch(update); err != nil {
			p.logger.Error("Push dispatch failed, will retry", "error", err,
				"user", update.User, "table", update.Table)
			p.requeue(update)
			select {
			case <-time.After(p.delay()):
			case <-p.done:
				return
			}
		}
	}
}

func (p *PushService) delay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.retryDelay
}

func (p *PushService) next() (pushUpdate, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return pushUpdate{}, false
	}
	update := p.queue[0]
	p.queue = p.queue[1:]
	delete(p.queued, update)
	return update, true
}

func (p *PushService) requeue(update pushUpdate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, dup := p.queued[update]; dup {
		return
	}
	p.queued[update] = struct{}{}
	p.queue = append(p.queue, update)
}

// dispatch sends the update to every matching device. Dead tokens remove
// their registration; the first transient failure aborts so the worker
// can retry the whole update.
func (p *PushService) dispatch(update pushUpdate) error {
	p.mu.Lock()
	var targets []PushRegistration
	for _, reg := range p.regs {
		if reg.User == update.User && reg.Storage == update.Storage && reg.Table == update.Table {
			targets = append(targets, reg)
		}
	}
	p.mu.Unlock()

	data := map[string]string{
		"project": update.Project,
		"storage": update.Storage,
		"table":   update.Table,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, reg := range targets {
		err := p.sender.Send(ctx, reg.FCMToken, data)
		if err == nil {
			continue
		}
		if errors.Is(err, ErrPushTokenUnregistered) {
			p.logger.Info("Removing dead push registration",
				"user", reg.User, "device", reg.DeviceID)
			if rmErr := p.RemoveRegistrations(ctx, reg.User, reg.Project, reg.Storage, reg.DeviceID); rmErr != nil {
				p.logger.Error("Failed to remove dead push registration", "error", rmErr)
			}
			continue
		}
		return err
	}
	return nil
}

// FCMSender sends data messages through the FCM HTTP API.
type FCMSender struct {
	endpoint  string
	serverKey string
	client    *http.Client
}

func NewFCMSender(endpoint, serverKey string) *FCMSender {
	if endpoint == "" {
		endpoint = "https://fcm.googleapis.com/fcm/send"
	}
	return &FCMSender{
		endpoint:  endpoint,
		serverKey: serverKey,
		client:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (f *FCMSender) Send(ctx context.Context, token string, data map[string]string) error {
	body, err := json.Marshal(map[string]any{
		"to":   token,
		"data": data,
	})
	if err != nil {
		return fmt.Errorf("marshal push message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "key="+f.serverKey)

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("send push: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("push rejected: status %d", resp.StatusCode)
	}
	// FCM reports dead tokens inside a 200 response.
	if strings.Contains(string(respBody), "NotRegistered") ||
		strings.Contains(string(respBody), "MismatchSenderId") {
		return ErrPushTokenUnregistered
	}
	return nil
}
