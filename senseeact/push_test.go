// Copyright 2025 Roessingh Research and Development
// SPDX-License-Identifier: Apache-2.0

package senseeact

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type memPushStore struct {
	mu   sync.Mutex
	regs map[string]PushRegistration
}

func newMemPushStore() *memPushStore {
	return &memPushStore{regs: make(map[string]PushRegistration)}
}

func pushKey(user, project, storage, deviceID string) string {
	return user + "|" + project + "|" + storage + "|" + deviceID
}

func (s *memPushStore) LoadRegistrations(ctx context.Context) ([]PushRegistration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PushRegistration, 0, len(s.regs))
	for _, reg := range s.regs {
		out = append(out, reg)
	}
	return out, nil
}

func (s *memPushStore) SaveRegistration(ctx context.Context, reg *PushRegistration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regs[pushKey(reg.User, reg.Project, reg.Storage, reg.DeviceID)] = *reg
	return nil
}

func (s *memPushStore) DeleteRegistration(ctx context.Context, user, project, storage, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.regs, pushKey(user, project, storage, deviceID))
	return nil
}

func (s *memPushStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.regs)
}

type sentPush struct {
	Token string
	Data  map[string]string
}

// recordingSender captures sends and can fail on demand.
type recordingSender struct {
	mu    sync.Mutex
	sent  []sentPush
	fail  map[string]error // token -> error to return
	sends chan sentPush
}

func newRecordingSender() *recordingSender {
	return &recordingSender{fail: make(map[string]error), sends: make(chan sentPush, 16)}
}

func (s *recordingSender) Send(ctx context.Context, token string, data map[string]string) error {
	s.mu.Lock()
	err := s.fail[token]
	if err == nil {
		s.sent = append(s.sent, sentPush{Token: token, Data: data})
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.sends <- sentPush{Token: token, Data: data}
	return nil
}

func (s *recordingSender) failWith(token string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fail, token)
	} else {
		s.fail[token] = err
	}
}

func (s *recordingSender) await(t *testing.T) sentPush {
	t.Helper()
	select {
	case p := <-s.sends:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("no push was sent")
		return sentPush{}
	}
}

func (s *recordingSender) awaitNone(t *testing.T) {
	t.Helper()
	select {
	case p := <-s.sends:
		t.Fatalf("unexpected push to %s", p.Token)
	case <-time.After(100 * time.Millisecond):
	}
}

func newTestPushService(t *testing.T) (*PushService, *memPushStore, *recordingSender) {
	t.Helper()
	store := newMemPushStore()
	sender := newRecordingSender()
	p, err := NewPushService(store, sender, testLogger())
	require.NoError(t, err)
	p.mu.Lock()
	p.retryDelay = 10 * time.Millisecond
	p.mu.Unlock()
	t.Cleanup(p.Close)
	return p, store, sender
}

func moodAction(user, origin string) DatabaseAction {
	return DatabaseAction{Table: "mood", Op: OpInsert, RecordID: "r1", User: user, Origin: origin, Author: user}
}

func TestPush_DeliversDataMessage(t *testing.T) {
	p, _, sender := newTestPushService(t)
	ctx := context.Background()

	require.NoError(t, p.AddRegistration(ctx, &PushRegistration{
		User: "alice", Project: "default", Storage: "default",
		Table: "mood", DeviceID: "phone-1", FCMToken: "tok-1",
	}))

	p.OnActions("default", "default", []DatabaseAction{moodAction("alice", "clinic-web")})

	sent := sender.await(t)
	require.Equal(t, "tok-1", sent.Token)
	require.Equal(t, "default", sent.Data["project"])
	require.Equal(t, "mood", sent.Data["table"])
}

func TestPush_SkipsWritingDeviceAndRemoteOrigin(t *testing.T) {
	p, _, sender := newTestPushService(t)
	ctx := context.Background()

	require.NoError(t, p.AddRegistration(ctx, &PushRegistration{
		User: "alice", Project: "default", Storage: "default",
		Table: "mood", DeviceID: "phone-1", FCMToken: "tok-1",
	}))

	// The writing device already holds its own data.
	p.OnActions("default", "default", []DatabaseAction{moodAction("alice", "phone-1")})
	sender.awaitNone(t)

	// Remote-origin actions are pushed by their origin server.
	p.OnActions("default", "default", []DatabaseAction{moodAction("alice", OriginRemote)})
	sender.awaitNone(t)

	// The same user's write from another device is news to this one.
	p.OnActions("default", "default", []DatabaseAction{moodAction("alice", "phone-2")})
	sent := sender.await(t)
	require.Equal(t, "tok-1", sent.Token)
}

func TestPush_IgnoresOtherSubjectsAndTables(t *testing.T) {
	p, _, sender := newTestPushService(t)
	ctx := context.Background()

	require.NoError(t, p.AddRegistration(ctx, &PushRegistration{
		User: "alice", Project: "default", Storage: "default",
		Table: "mood", DeviceID: "phone-1", FCMToken: "tok-1",
	}))

	p.OnActions("default", "default", []DatabaseAction{moodAction("bob", "clinic-web")})
	sender.awaitNone(t)

	other := moodAction("alice", "clinic-web")
	other.Table = "sleep"
	p.OnActions("default", "default", []DatabaseAction{other})
	sender.awaitNone(t)
}

func TestPush_DeadTokenRemovesRegistration(t *testing.T) {
	p, store, sender := newTestPushService(t)
	ctx := context.Background()

	require.NoError(t, p.AddRegistration(ctx, &PushRegistration{
		User: "alice", Project: "default", Storage: "default",
		Table: "mood", DeviceID: "phone-1", FCMToken: "tok-dead",
	}))
	sender.failWith("tok-dead", ErrPushTokenUnregistered)

	p.OnActions("default", "default", []DatabaseAction{moodAction("alice", "clinic-web")})

	require.Eventually(t, func() bool { return store.count() == 0 },
		2*time.Second, 10*time.Millisecond, "dead registration was not removed")
}

func TestPush_TransientFailureIsRetried(t *testing.T) {
	p, _, sender := newTestPushService(t)
	ctx := context.Background()

	require.NoError(t, p.AddRegistration(ctx, &PushRegistration{
		User: "alice", Project: "default", Storage: "default",
		Table: "mood", DeviceID: "phone-1", FCMToken: "tok-1",
	}))
	sender.failWith("tok-1", errors.New("fcm unavailable"))

	p.OnActions("default", "default", []DatabaseAction{moodAction("alice", "clinic-web")})
	sender.awaitNone(t)

	sender.failWith("tok-1", nil)
	sent := sender.await(t)
	require.Equal(t, "tok-1", sent.Token)
}

func TestPush_RestrictionsGateBySampleTime(t *testing.T) {
	p, _, sender := newTestPushService(t)
	ctx := context.Background()

	require.NoError(t, p.AddRegistration(ctx, &PushRegistration{
		User: "alice", Project: "default", Storage: "default",
		Table: "mood", DeviceID: "phone-1", FCMToken: "tok-1",
		Restrictions: []TimeRangeRestriction{
			{Start: ts("2026-01-01T00:00:00Z"), End: ts("2026-02-01T00:00:00Z")},
		},
	}))

	outside := moodAction("alice", "clinic-web")
	outside.SampleTime = ts("2025-06-01T00:00:00Z")
	p.OnActions("default", "default", []DatabaseAction{outside})
	sender.awaitNone(t)

	inside := moodAction("alice", "clinic-web")
	inside.SampleTime = ts("2026-01-15T00:00:00Z")
	p.OnActions("default", "default", []DatabaseAction{inside})
	sent := sender.await(t)
	require.Equal(t, "tok-1", sent.Token)
}

func TestPush_RemoveUserProjectDropsAllDevices(t *testing.T) {
	p, store, sender := newTestPushService(t)
	ctx := context.Background()

	for _, reg := range []PushRegistration{
		{User: "alice", Project: "default", Storage: "default", Table: "mood", DeviceID: "phone-1", FCMToken: "tok-1"},
		{User: "alice", Project: "default", Storage: "default", Table: "mood", DeviceID: "phone-2", FCMToken: "tok-2"},
		{User: "alice", Project: "other", Storage: "other", Table: "mood", DeviceID: "phone-1", FCMToken: "tok-3"},
		{User: "bob", Project: "default", Storage: "default", Table: "mood", DeviceID: "phone-9", FCMToken: "tok-9"},
	} {
		reg := reg
		require.NoError(t, p.AddRegistration(ctx, &reg))
	}

	require.NoError(t, p.RemoveUserProject(ctx, "alice", "default"))
	require.Equal(t, 2, store.count(), "other project and other users stay registered")

	// Nothing reaches alice's former devices; bob is unaffected.
	p.OnActions("default", "default", []DatabaseAction{moodAction("alice", "clinic-web")})
	sender.awaitNone(t)
	p.OnActions("default", "default", []DatabaseAction{moodAction("bob", "clinic-web")})
	sent := sender.await(t)
	require.Equal(t, "tok-9", sent.Token)
}

func TestPush_ReRegistrationReplacesToken(t *testing.T) {
	p, store, sender := newTestPushService(t)
	ctx := context.Background()

	require.NoError(t, p.AddRegistration(ctx, &PushRegistration{
		User: "alice", Project: "default", Storage: "default",
		Table: "mood", DeviceID: "phone-1", FCMToken: "tok-old",
	}))
	require.NoError(t, p.AddRegistration(ctx, &PushRegistration{
		User: "alice", Project: "default", Storage: "default",
		Table: "mood", DeviceID: "phone-1", FCMToken: "tok-new",
	}))
	require.Equal(t, 1, store.count(), "same device slot is replaced, not duplicated")

	p.OnActions("default", "default", []DatabaseAction{moodAction("alice", "clinic-web")})
	sent := sender.await(t)
	require.Equal(t, "tok-new", sent.Token)
}
