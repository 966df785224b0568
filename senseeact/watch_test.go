// Copyright 2025 Roessingh Research and Development
// SPDX-License-Identifier: Apache-2.0

package senseeact

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// memWatchStore keeps registrations in memory for hub tests.
type memWatchStore struct {
	mu   sync.Mutex
	regs map[string]WatchRegistration
}

func newMemWatchStore() *memWatchStore {
	return &memWatchStore{regs: make(map[string]WatchRegistration)}
}

func (s *memWatchStore) LoadRegistrations(ctx context.Context) ([]WatchRegistration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WatchRegistration, 0, len(s.regs))
	for _, reg := range s.regs {
		out = append(out, reg)
	}
	return out, nil
}

func (s *memWatchStore) SaveRegistration(ctx context.Context, reg *WatchRegistration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regs[reg.ID] = *reg
	return nil
}

func (s *memWatchStore) DeleteRegistration(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.regs, id)
	return nil
}

func (s *memWatchStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.regs)
}

// stubResolver grants everything unless a caller is explicitly denied.
type stubResolver struct {
	mu     sync.Mutex
	users  map[string]*User
	denied map[string]bool
}

func newStubResolver(users ...*User) *stubResolver {
	r := &stubResolver{users: make(map[string]*User), denied: make(map[string]bool)}
	for _, u := range users {
		r.users[u.UserID] = u
	}
	return r
}

func (r *stubResolver) deny(caller string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.denied[caller] = true
}

func (r *stubResolver) ResolveSubject(ctx context.Context, caller, subject, project, table string, mode AccessMode) (*SubjectAccess, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.denied[caller] {
		return nil, forbiddenSubject(subject)
	}
	if subject == "" {
		subject = caller
	}
	return &SubjectAccess{User: subject}, nil
}

func (r *stubResolver) FindUser(ctx context.Context, idOrEmail string) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.users[idOrEmail], nil
}

func watchTestRegistry(t *testing.T) *ProjectRegistry {
	t.Helper()
	registry, err := NewProjectRegistry([]ProjectDef{{
		Name:   "default",
		Tables: []TableDef{{Name: "mood", Modules: []string{"mood"}}},
	}})
	require.NoError(t, err)
	return registry
}

func newTestWatchService(t *testing.T, resolver SubjectResolver) (*WatchService, *memWatchStore) {
	t.Helper()
	store := newMemWatchStore()
	w, err := NewWatchService(store, resolver, watchTestRegistry(t), 100*time.Millisecond, testLogger())
	require.NoError(t, err)
	t.Cleanup(w.Close)
	return w, store
}

func TestWatchTable_TriggerWakesPoll(t *testing.T) {
	resolver := newStubResolver(&User{UserID: "alice", Role: RolePatient, Active: true})
	w, _ := newTestWatchService(t, resolver)
	ctx := context.Background()

	id, err := w.RegisterTableWatch(ctx, "alice", "default", "mood", "", false, "", false)
	require.NoError(t, err)

	results := make(chan []string, 1)
	go func() {
		subjects, err := w.WatchTable(ctx, "alice", id)
		require.NoError(t, err)
		results <- subjects
	}()

	// Let the poll park before triggering.
	time.Sleep(20 * time.Millisecond)
	w.NotifyActions("default", []DatabaseAction{
		{Table: "mood", Op: OpInsert, RecordID: "r1", User: "alice"},
	})

	select {
	case subjects := <-results:
		require.Equal(t, []string{"alice"}, subjects)
	case <-time.After(time.Second):
		t.Fatal("poll did not wake up")
	}
}

func TestWatchTable_BackToBackTriggersAreNotLost(t *testing.T) {
	resolver := newStubResolver(&User{UserID: "root", Role: RoleAdmin, Active: true})
	w, _ := newTestWatchService(t, resolver)
	ctx := context.Background()

	id, err := w.RegisterTableWatch(ctx, "root", "default", "mood", "", true, "", false)
	require.NoError(t, err)

	results := make(chan []string, 1)
	go func() {
		subjects, err := w.WatchTable(ctx, "root", id)
		require.NoError(t, err)
		results <- subjects
	}()
	time.Sleep(20 * time.Millisecond)

	// The second trigger may land before or after the woken poll resumes;
	// either way both subjects must be delivered across the two polls.
	w.NotifyActions("default", []DatabaseAction{
		{Table: "mood", Op: OpInsert, RecordID: "r1", User: "alice"},
	})
	w.NotifyActions("default", []DatabaseAction{
		{Table: "mood", Op: OpInsert, RecordID: "r2", User: "bob"},
	})

	seen := make(map[string]bool)
	select {
	case subjects := <-results:
		for _, s := range subjects {
			seen[s] = true
		}
	case <-time.After(time.Second):
		t.Fatal("poll did not wake up")
	}
	if !seen["bob"] {
		subjects, err := w.WatchTable(ctx, "root", id)
		require.NoError(t, err)
		for _, s := range subjects {
			seen[s] = true
		}
	}
	require.True(t, seen["alice"] && seen["bob"], "triggered subjects were lost: %v", seen)
}

func TestWatchTable_TimeoutReturnsEmpty(t *testing.T) {
	resolver := newStubResolver(&User{UserID: "alice", Role: RolePatient, Active: true})
	w, _ := newTestWatchService(t, resolver)
	ctx := context.Background()

	id, err := w.RegisterTableWatch(ctx, "alice", "default", "mood", "", false, "", false)
	require.NoError(t, err)

	start := time.Now()
	subjects, err := w.WatchTable(ctx, "alice", id)
	require.NoError(t, err)
	require.Empty(t, subjects)
	require.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestWatchTable_AccumulatesWhileNotPolling(t *testing.T) {
	resolver := newStubResolver(&User{UserID: "alice", Role: RolePatient, Active: true})
	w, _ := newTestWatchService(t, resolver)
	ctx := context.Background()

	id, err := w.RegisterTableWatch(ctx, "alice", "default", "mood", "", false, "", false)
	require.NoError(t, err)

	w.NotifyActions("default", []DatabaseAction{
		{Table: "mood", Op: OpInsert, RecordID: "r1", User: "alice"},
	})

	// The trigger fired before the poll; the poll returns immediately.
	start := time.Now()
	subjects, err := w.WatchTable(ctx, "alice", id)
	require.NoError(t, err)
	require.Equal(t, []string{"alice"}, subjects)
	require.Less(t, time.Since(start), 50*time.Millisecond)

	// Accumulated state is consumed by delivery.
	subjects, err = w.WatchTable(ctx, "alice", id)
	require.NoError(t, err)
	require.Empty(t, subjects)
}

func TestWatchTable_NewPollSupersedesOld(t *testing.T) {
	resolver := newStubResolver(&User{UserID: "alice", Role: RolePatient, Active: true})
	store := newMemWatchStore()
	w, err := NewWatchService(store, resolver, watchTestRegistry(t), time.Second, testLogger())
	require.NoError(t, err)
	t.Cleanup(w.Close)
	ctx := context.Background()

	id, err := w.RegisterTableWatch(ctx, "alice", "default", "mood", "", false, "", false)
	require.NoError(t, err)

	first := make(chan []string, 1)
	go func() {
		subjects, err := w.WatchTable(ctx, "alice", id)
		require.NoError(t, err)
		first <- subjects
	}()
	time.Sleep(20 * time.Millisecond)

	second := make(chan []string, 1)
	go func() {
		subjects, err := w.WatchTable(ctx, "alice", id)
		require.NoError(t, err)
		second <- subjects
	}()

	// The superseded poll returns empty promptly.
	select {
	case subjects := <-first:
		require.Empty(t, subjects)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("superseded poll did not return")
	}

	w.NotifyActions("default", []DatabaseAction{
		{Table: "mood", Op: OpUpdate, RecordID: "r1", User: "alice"},
	})
	select {
	case subjects := <-second:
		require.Equal(t, []string{"alice"}, subjects)
	case <-time.After(time.Second):
		t.Fatal("live poll did not receive the trigger")
	}
}

func TestWatchTable_SubjectFilter(t *testing.T) {
	resolver := newStubResolver(&User{UserID: "carol", Role: RoleProfessional, Active: true})
	w, _ := newTestWatchService(t, resolver)
	ctx := context.Background()

	id, err := w.RegisterTableWatch(ctx, "carol", "default", "mood", "alice", false, "", false)
	require.NoError(t, err)

	// An action for another subject does not trigger the listener.
	w.NotifyActions("default", []DatabaseAction{
		{Table: "mood", Op: OpInsert, RecordID: "r1", User: "bob"},
	})
	subjects, err := w.WatchTable(ctx, "carol", id)
	require.NoError(t, err)
	require.Empty(t, subjects)

	w.NotifyActions("default", []DatabaseAction{
		{Table: "mood", Op: OpInsert, RecordID: "r2", User: "alice"},
	})
	subjects, err = w.WatchTable(ctx, "carol", id)
	require.NoError(t, err)
	require.Equal(t, []string{"alice"}, subjects)
}

func TestWatchTable_AnySubjectRequiresAdmin(t *testing.T) {
	resolver := newStubResolver(
		&User{UserID: "alice", Role: RolePatient, Active: true},
		&User{UserID: "root", Role: RoleAdmin, Active: true},
	)
	w, _ := newTestWatchService(t, resolver)
	ctx := context.Background()

	_, err := w.RegisterTableWatch(ctx, "alice", "default", "mood", "", true, "", false)
	require.ErrorIs(t, err, ErrForbidden)

	id, err := w.RegisterTableWatch(ctx, "root", "default", "mood", "", true, "", false)
	require.NoError(t, err)

	w.NotifyActions("default", []DatabaseAction{
		{Table: "mood", Op: OpInsert, RecordID: "r1", User: "alice"},
		{Table: "mood", Op: OpInsert, RecordID: "r2", User: "bob"},
	})
	subjects, err := w.WatchTable(ctx, "root", id)
	require.NoError(t, err)
	require.Equal(t, []string{"alice", "bob"}, subjects, "subjects are delivered sorted")
}

func TestWatchTable_RevokedAccessFailsNextPoll(t *testing.T) {
	resolver := newStubResolver(&User{UserID: "carol", Role: RoleProfessional, Active: true})
	w, _ := newTestWatchService(t, resolver)
	ctx := context.Background()

	id, err := w.RegisterTableWatch(ctx, "carol", "default", "mood", "alice", false, "", false)
	require.NoError(t, err)

	resolver.deny("carol")
	_, err = w.WatchTable(ctx, "carol", id)
	require.ErrorIs(t, err, ErrForbidden)
}

func TestRegisterTableWatch_ReusesIdenticalRegistration(t *testing.T) {
	resolver := newStubResolver(&User{UserID: "alice", Role: RolePatient, Active: true})
	w, store := newTestWatchService(t, resolver)
	ctx := context.Background()

	id1, err := w.RegisterTableWatch(ctx, "alice", "default", "mood", "", false, "", false)
	require.NoError(t, err)
	id2, err := w.RegisterTableWatch(ctx, "alice", "default", "mood", "", false, "", false)
	require.NoError(t, err)
	require.Equal(t, id1, id2)
	require.Equal(t, 1, store.count())

	// reset clears accumulated triggers on re-registration.
	w.NotifyActions("default", []DatabaseAction{
		{Table: "mood", Op: OpInsert, RecordID: "r1", User: "alice"},
	})
	_, err = w.RegisterTableWatch(ctx, "alice", "default", "mood", "", false, "", true)
	require.NoError(t, err)
	subjects, err := w.WatchTable(ctx, "alice", id1)
	require.NoError(t, err)
	require.Empty(t, subjects)
}

func TestUnregister_IsIdempotentAndHidesOthers(t *testing.T) {
	resolver := newStubResolver(&User{UserID: "alice", Role: RolePatient, Active: true})
	w, store := newTestWatchService(t, resolver)
	ctx := context.Background()

	id, err := w.RegisterTableWatch(ctx, "alice", "default", "mood", "", false, "", false)
	require.NoError(t, err)

	// Someone else's id looks like it does not exist.
	err = w.Unregister(ctx, "mallory", id)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, w.Unregister(ctx, "alice", id))
	require.NoError(t, w.Unregister(ctx, "alice", id), "unregister is idempotent")
	require.Equal(t, 0, store.count())

	_, err = w.WatchTable(ctx, "alice", id)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestWatchSubjects_DeliversEvents(t *testing.T) {
	resolver := newStubResolver(&User{UserID: "carol", Role: RoleProfessional, Active: true})
	w, _ := newTestWatchService(t, resolver)
	ctx := context.Background()

	id, err := w.RegisterSubjectWatch(ctx, "carol", "default", false)
	require.NoError(t, err)

	w.NotifySubjectChange("default", "carol", "alice", SubjectAdded)
	w.NotifySubjectChange("default", "carol", "bob", SubjectRemoved)
	// Another grantee's events stay invisible.
	w.NotifySubjectChange("default", "dave", "eve", SubjectAdded)

	events, err := w.WatchSubjects(ctx, "carol", id)
	require.NoError(t, err)
	require.ElementsMatch(t, []SubjectEvent{
		{Subject: "alice", Event: SubjectAdded},
		{Subject: "bob", Event: SubjectRemoved},
	}, events)
}

func TestReap_RemovesIdleRegistrations(t *testing.T) {
	resolver := newStubResolver(&User{UserID: "alice", Role: RolePatient, Active: true})
	w, store := newTestWatchService(t, resolver)
	ctx := context.Background()

	_, err := w.RegisterTableWatch(ctx, "alice", "default", "mood", "", false, "", false)
	require.NoError(t, err)

	// Nothing is reaped while the registration is fresh.
	w.reap()
	require.Equal(t, 1, store.count())

	w.now = func() time.Time { return time.Now().Add(watchIdleExpiry + time.Minute) }
	w.reap()
	require.Equal(t, 0, store.count())
}

func TestReap_KeepsHealthyCallbackRegistrations(t *testing.T) {
	resolver := newStubResolver(&User{UserID: "alice", Role: RolePatient, Active: true})
	w, store := newTestWatchService(t, resolver)
	ctx := context.Background()

	_, err := w.RegisterTableWatch(ctx, "alice", "default", "mood", "", false,
		"http://127.0.0.1:1/callback", false)
	require.NoError(t, err)

	// Callback registrations are not idle-reaped.
	w.now = func() time.Time { return time.Now().Add(watchIdleExpiry + time.Minute) }
	w.reap()
	require.Equal(t, 1, store.count())
}

func TestClose_ReleasesParkedPolls(t *testing.T) {
	resolver := newStubResolver(&User{UserID: "alice", Role: RolePatient, Active: true})
	store := newMemWatchStore()
	w, err := NewWatchService(store, resolver, watchTestRegistry(t), time.Minute, testLogger())
	require.NoError(t, err)
	ctx := context.Background()

	id, err := w.RegisterTableWatch(ctx, "alice", "default", "mood", "", false, "", false)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		subjects, err := w.WatchTable(ctx, "alice", id)
		require.NoError(t, err)
		require.Empty(t, subjects)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)

	w.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poll was not released on shutdown")
	}
}

func TestAwaitProject_SignaledByNotify(t *testing.T) {
	resolver := newStubResolver(&User{UserID: "alice", Role: RolePatient, Active: true})
	w, _ := newTestWatchService(t, resolver)

	signaled := make(chan bool, 1)
	go func() {
		signaled <- w.AwaitProject(context.Background(), "default")
	}()
	time.Sleep(20 * time.Millisecond)

	w.NotifyActions("default", []DatabaseAction{
		{Table: "mood", Op: OpInsert, RecordID: "r1", User: "alice"},
	})
	select {
	case got := <-signaled:
		require.True(t, got)
	case <-time.After(time.Second):
		t.Fatal("blocked read was not signaled")
	}

	// Without a write the wait times out.
	require.False(t, w.AwaitProject(context.Background(), "default"))
}
