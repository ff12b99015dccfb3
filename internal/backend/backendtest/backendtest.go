// Package backendtest holds the behavioral suite every backend.Client
// implementation must pass.
package backendtest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/lobbykit/internal/backend"
)

// ClientFactory returns a client bound to userID. All clients produced by one
// factory share the same backend state.
type ClientFactory func(userID, displayName string) backend.Client

// Factory prepares a fresh backend for one test.
type Factory func(t *testing.T) ClientFactory

const waitTimeout = 3 * time.Second

// RunClientTests runs the complete backend.Client suite against the provided factory.
func RunClientTests(t *testing.T, factory Factory) {
	t.Run("Create_OwnerIsCreator", func(t *testing.T) { testCreateOwnerIsCreator(t, factory) })
	t.Run("Create_InvalidMaxMembers", func(t *testing.T) { testCreateInvalidMaxMembers(t, factory) })
	t.Run("Search_PublicByBucketAndParam", func(t *testing.T) { testSearchPublic(t, factory) })
	t.Run("Search_PrivateOnlyWhenIncluded", func(t *testing.T) { testSearchPrivate(t, factory) })
	t.Run("Join_NotifiesExistingMembers", func(t *testing.T) { testJoinNotifies(t, factory) })
	t.Run("Join_Errors", func(t *testing.T) { testJoinErrors(t, factory) })
	t.Run("Leave_OwnerPromotesNextMember", func(t *testing.T) { testOwnerLeavePromotes(t, factory) })
	t.Run("Leave_LastMemberDestroysSession", func(t *testing.T) { testLastLeaveDestroys(t, factory) })
	t.Run("Kick_TargetIsNotified", func(t *testing.T) { testKick(t, factory) })
	t.Run("Modify_SessionAttributesRequireOwner", func(t *testing.T) { testModifyRequiresOwner(t, factory) })
	t.Run("Modify_MemberAttributesBroadcast", func(t *testing.T) { testMemberAttributes(t, factory) })
	t.Run("Subscribe_UnsubscribeStopsDelivery", func(t *testing.T) { testUnsubscribe(t, factory) })
}

func newContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func uniqueBucket() string {
	return "bucket-" + uuid.NewString()
}

func users(factory Factory, t *testing.T) (backend.Client, backend.Client) {
	t.Helper()
	clients := factory(t)
	suffix := uuid.NewString()[:8]
	return clients("alice-"+suffix, "Alice"), clients("bob-"+suffix, "Bob")
}

func create(t *testing.T, ctx context.Context, c backend.Client, bucket string, public bool, maxMembers int) string {
	t.Helper()
	id, err := c.CreateSession(ctx, backend.CreateRequest{
		MaxMembers: maxMembers,
		Public:     public,
		BucketID:   bucket,
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if id == "" {
		t.Fatalf("expected non-empty session id")
	}
	return id
}

// details polls until the record reports an owner.
func details(t *testing.T, ctx context.Context, c backend.Client, sessionID string) backend.Record {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for {
		rec, err := c.CopySessionDetails(ctx, sessionID)
		if err != nil {
			t.Fatalf("copy session details: %v", err)
		}
		if rec.OwnerID != "" {
			return rec
		}
		if time.Now().After(deadline) {
			t.Fatalf("session %s never reported an owner", sessionID)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func collect(c backend.Client, kind backend.NotificationKind) (<-chan backend.Notification, func()) {
	ch := make(chan backend.Notification, 64)
	id := c.Subscribe(kind, func(n backend.Notification) {
		select {
		case ch <- n:
		default:
		}
	})
	return ch, func() { c.Unsubscribe(id) }
}

func expect(t *testing.T, ch <-chan backend.Notification, match func(backend.Notification) bool) backend.Notification {
	t.Helper()
	timer := time.NewTimer(waitTimeout)
	defer timer.Stop()
	for {
		select {
		case n := <-ch:
			if match(n) {
				return n
			}
		case <-timer.C:
			t.Fatalf("timed out waiting for notification")
			return backend.Notification{}
		}
	}
}

func status(sessionID, target string, s backend.MemberStatus) func(backend.Notification) bool {
	return func(n backend.Notification) bool {
		return n.SessionID == sessionID && n.TargetUserID == target && n.Status == s
	}
}

func testCreateOwnerIsCreator(t *testing.T, factory Factory) {
	ctx := newContext(t)
	alice, _ := users(factory, t)

	id := create(t, ctx, alice, uniqueBucket(), true, 4)
	rec := details(t, ctx, alice, id)
	if rec.OwnerID != alice.LocalUserID() {
		t.Fatalf("expected owner %q, got %q", alice.LocalUserID(), rec.OwnerID)
	}
	if rec.MemberCount() != 1 || rec.MaxMembers != 4 {
		t.Fatalf("unexpected record: members=%d max=%d", rec.MemberCount(), rec.MaxMembers)
	}
	_ = alice.LeaveSession(ctx, id)
}

func testCreateInvalidMaxMembers(t *testing.T, factory Factory) {
	ctx := newContext(t)
	alice, _ := users(factory, t)

	_, err := alice.CreateSession(ctx, backend.CreateRequest{MaxMembers: 0, Public: true})
	if !errors.Is(err, backend.ErrInvalidParameters) {
		t.Fatalf("expected ErrInvalidParameters, got %v", err)
	}
}

func testSearchPublic(t *testing.T, factory Factory) {
	ctx := newContext(t)
	alice, bob := users(factory, t)
	bucket := uniqueBucket()

	id := create(t, ctx, alice, bucket, true, 4)
	defer alice.LeaveSession(ctx, id)
	other := create(t, ctx, alice, bucket, true, 4)
	defer alice.LeaveSession(ctx, other)

	mod := alice.BeginModification(id)
	mod.AddAttribute("MAP", "harbor", backend.VisibilityPublic)
	if err := alice.SubmitModification(ctx, mod); err != nil {
		t.Fatalf("submit modification: %v", err)
	}

	rs, err := bob.SearchSessions(ctx, backend.Query{
		BucketID: bucket,
		Params:   []backend.Param{{Key: "MAP", Value: "harbor", Comparator: backend.CompareEqual}},
	}, 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if rs.Count() != 1 || rs.At(0).SessionID != id {
		t.Fatalf("expected exactly session %s, got %d results", id, rs.Count())
	}
	if rs.At(0).Attributes["MAP"] != "harbor" {
		t.Fatalf("expected MAP attribute in result, got %#v", rs.At(0).Attributes)
	}

	rs, err = bob.SearchSessions(ctx, backend.Query{BucketID: bucket}, 1)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if rs.Count() != 1 {
		t.Fatalf("expected maxResults to cap results at 1, got %d", rs.Count())
	}
}

func testSearchPrivate(t *testing.T, factory Factory) {
	ctx := newContext(t)
	alice, bob := users(factory, t)
	bucket := uniqueBucket()

	id := create(t, ctx, alice, bucket, false, 4)
	defer alice.LeaveSession(ctx, id)

	rs, err := bob.SearchSessions(ctx, backend.Query{BucketID: bucket}, 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if rs.Count() != 0 {
		t.Fatalf("expected private session to be hidden, got %d results", rs.Count())
	}

	rs, err = bob.SearchSessions(ctx, backend.Query{BucketID: bucket, IncludePrivate: true}, 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if rs.Count() != 1 {
		t.Fatalf("expected private session with IncludePrivate, got %d results", rs.Count())
	}
}

func testJoinNotifies(t *testing.T, factory Factory) {
	ctx := newContext(t)
	alice, bob := users(factory, t)

	id := create(t, ctx, alice, uniqueBucket(), true, 4)
	events, stop := collect(alice, backend.NotifyMemberStatusChanged)
	defer stop()

	if err := bob.JoinSession(ctx, id); err != nil {
		t.Fatalf("join: %v", err)
	}
	expect(t, events, status(id, bob.LocalUserID(), backend.MemberJoined))

	rec := details(t, ctx, bob, id)
	if rec.MemberCount() != 2 {
		t.Fatalf("expected 2 members, got %d", rec.MemberCount())
	}
	if _, ok := rec.Member(bob.LocalUserID()); !ok {
		t.Fatalf("expected bob in member list")
	}

	if err := bob.LeaveSession(ctx, id); err != nil {
		t.Fatalf("leave: %v", err)
	}
	expect(t, events, status(id, bob.LocalUserID(), backend.MemberLeft))
	_ = alice.LeaveSession(ctx, id)
}

func testJoinErrors(t *testing.T, factory Factory) {
	ctx := newContext(t)
	alice, bob := users(factory, t)

	if err := bob.JoinSession(ctx, "missing-"+uuid.NewString()); !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	id := create(t, ctx, alice, uniqueBucket(), true, 1)
	defer alice.LeaveSession(ctx, id)

	if err := alice.JoinSession(ctx, id); !errors.Is(err, backend.ErrAlreadyMember) {
		t.Fatalf("expected ErrAlreadyMember, got %v", err)
	}
	if err := bob.JoinSession(ctx, id); !errors.Is(err, backend.ErrSessionFull) {
		t.Fatalf("expected ErrSessionFull, got %v", err)
	}
}

func testOwnerLeavePromotes(t *testing.T, factory Factory) {
	ctx := newContext(t)
	alice, bob := users(factory, t)

	id := create(t, ctx, alice, uniqueBucket(), true, 4)
	if err := bob.JoinSession(ctx, id); err != nil {
		t.Fatalf("join: %v", err)
	}
	events, stop := collect(bob, backend.NotifyMemberStatusChanged)
	defer stop()

	if err := alice.LeaveSession(ctx, id); err != nil {
		t.Fatalf("leave: %v", err)
	}
	expect(t, events, status(id, bob.LocalUserID(), backend.MemberPromoted))

	rec := details(t, ctx, bob, id)
	if rec.OwnerID != bob.LocalUserID() {
		t.Fatalf("expected bob to own the session, got %q", rec.OwnerID)
	}
	_ = bob.LeaveSession(ctx, id)
}

func testLastLeaveDestroys(t *testing.T, factory Factory) {
	ctx := newContext(t)
	alice, bob := users(factory, t)

	id := create(t, ctx, alice, uniqueBucket(), true, 4)
	if err := alice.LeaveSession(ctx, id); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if err := bob.JoinSession(ctx, id); !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("expected destroyed session to be gone, got %v", err)
	}
	if err := alice.LeaveSession(ctx, id); !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("expected second leave to fail with ErrNotFound, got %v", err)
	}
}

func testKick(t *testing.T, factory Factory) {
	ctx := newContext(t)
	alice, bob := users(factory, t)

	id := create(t, ctx, alice, uniqueBucket(), true, 4)
	defer alice.LeaveSession(ctx, id)
	if err := bob.JoinSession(ctx, id); err != nil {
		t.Fatalf("join: %v", err)
	}
	details(t, ctx, bob, id)

	if err := bob.KickMember(ctx, id, alice.LocalUserID()); !errors.Is(err, backend.ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}

	events, stop := collect(bob, backend.NotifyMemberStatusChanged)
	defer stop()
	if err := alice.KickMember(ctx, id, bob.LocalUserID()); err != nil {
		t.Fatalf("kick: %v", err)
	}
	expect(t, events, status(id, bob.LocalUserID(), backend.MemberKicked))

	rec := details(t, ctx, alice, id)
	if rec.MemberCount() != 1 {
		t.Fatalf("expected kicked member to be removed, got %d members", rec.MemberCount())
	}
}

func testModifyRequiresOwner(t *testing.T, factory Factory) {
	ctx := newContext(t)
	alice, bob := users(factory, t)

	id := create(t, ctx, alice, uniqueBucket(), true, 4)
	defer alice.LeaveSession(ctx, id)
	if err := bob.JoinSession(ctx, id); err != nil {
		t.Fatalf("join: %v", err)
	}
	defer bob.LeaveSession(ctx, id)

	mod := bob.BeginModification(id)
	mod.AddAttribute("MAP", "desert", backend.VisibilityPublic)
	if err := bob.SubmitModification(ctx, mod); !errors.Is(err, backend.ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}

	events, stop := collect(bob, backend.NotifySessionUpdated)
	defer stop()
	mod = alice.BeginModification(id)
	mod.AddAttribute("MAP", "desert", backend.VisibilityPublic)
	mod.AddAttribute("GAMEMODE", "ctf", backend.VisibilityPublic)
	if err := alice.SubmitModification(ctx, mod); err != nil {
		t.Fatalf("submit: %v", err)
	}
	expect(t, events, func(n backend.Notification) bool { return n.SessionID == id })

	rec := details(t, ctx, bob, id)
	if rec.Attributes["MAP"] != "desert" || rec.Attributes["GAMEMODE"] != "ctf" {
		t.Fatalf("unexpected attributes %#v", rec.Attributes)
	}

	if err := alice.SubmitModification(ctx, alice.BeginModification(id)); !errors.Is(err, backend.ErrInvalidParameters) {
		t.Fatalf("expected empty modification to be rejected, got %v", err)
	}
}

func testMemberAttributes(t *testing.T, factory Factory) {
	ctx := newContext(t)
	alice, bob := users(factory, t)

	id := create(t, ctx, alice, uniqueBucket(), true, 4)
	defer alice.LeaveSession(ctx, id)
	if err := bob.JoinSession(ctx, id); err != nil {
		t.Fatalf("join: %v", err)
	}
	defer bob.LeaveSession(ctx, id)

	events, stop := collect(alice, backend.NotifyMemberAttributeUpdated)
	defer stop()

	mod := bob.BeginModification(id)
	mod.AddMemberAttribute("READY", "true", backend.VisibilityPublic)
	if err := bob.SubmitModification(ctx, mod); err != nil {
		t.Fatalf("submit: %v", err)
	}
	expect(t, events, func(n backend.Notification) bool {
		return n.SessionID == id && n.TargetUserID == bob.LocalUserID()
	})

	rec := details(t, ctx, alice, id)
	m, ok := rec.Member(bob.LocalUserID())
	if !ok || m.Attributes["READY"] != "true" {
		t.Fatalf("expected READY member attribute, got %#v", m.Attributes)
	}
}

func testUnsubscribe(t *testing.T, factory Factory) {
	ctx := newContext(t)
	alice, bob := users(factory, t)

	id := create(t, ctx, alice, uniqueBucket(), true, 4)
	defer alice.LeaveSession(ctx, id)

	removed, stopRemoved := collect(alice, backend.NotifyMemberStatusChanged)
	stopRemoved()
	kept, stopKept := collect(alice, backend.NotifyMemberStatusChanged)
	defer stopKept()

	if err := bob.JoinSession(ctx, id); err != nil {
		t.Fatalf("join: %v", err)
	}
	defer bob.LeaveSession(ctx, id)
	expect(t, kept, status(id, bob.LocalUserID(), backend.MemberJoined))

	select {
	case n := <-removed:
		t.Fatalf("unsubscribed handler received %#v", n)
	case <-time.After(100 * time.Millisecond):
	}
}
