package lobby

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/lobbykit/internal/backend"
	"github.com/ent0n29/lobbykit/internal/backend/memory"
)

var testTiming = timing{
	fetch:          fetchPolicy{attempts: 4, step: time.Millisecond, cap: 2 * time.Millisecond},
	quotaBackoff:   5 * time.Millisecond,
	fastLeave:      time.Second,
	refreshTimeout: time.Second,
	preLeave:       time.Second,
}

func newTestBackend(t *testing.T, opts ...memory.Option) *memory.Backend {
	t.Helper()
	b := memory.New(opts...)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func newTestCoordinator(t *testing.T, b *memory.Backend, userID string) *Coordinator {
	t.Helper()
	c, err := New(Config{Client: b.Client(userID, userID+" name"), Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	c.timing = testTiming
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitEvent(t *testing.T, events <-chan Event, typ EventType) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				t.Fatalf("event stream closed waiting for %s", typ)
			}
			if evt.Type == typ {
				return evt
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", typ)
		}
	}
}

// drain blocks until every notification queued for userID so far has been
// handled.
func drain(t *testing.T, b *memory.Backend, userID string) {
	t.Helper()
	client := b.Client(userID, "")
	done := make(chan struct{})
	var once sync.Once
	id := client.Subscribe(backend.NotifySessionUpdated, func(n backend.Notification) {
		if n.SessionID == "drain" {
			once.Do(func() { close(done) })
		}
	})
	defer client.Unsubscribe(id)

	b.Notify(userID, backend.Notification{Kind: backend.NotifySessionUpdated, SessionID: "drain"})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("notification queue for %s did not drain", userID)
	}
}

func waitRefreshIdle(t *testing.T, c *Coordinator) {
	t.Helper()
	waitFor(t, "refresh to go idle", func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.refresh == refreshIdle
	})
}

func TestNewRequiresClient(t *testing.T) {
	if _, err := New(Config{}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("New(no client) error = %v, want ErrNotConfigured", err)
	}
}

func TestCreateSession(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	host := newTestCoordinator(t, b, "host")
	events, cancel := host.Subscribe()
	defer cancel()

	got, err := host.CreateSession(ctx, CreateOptions{MaxMembers: 4, Public: true, Name: "friday", GameMode: "ctf"})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if got.OwnerID != "host" || !got.IsValid() || got.IsGhost() {
		t.Fatalf("CreateSession() = %+v, want valid session owned by host", got)
	}
	if len(got.JoinCode) != DefaultJoinCodeLength || !ValidJoinCode(got.JoinCode) {
		t.Fatalf("JoinCode = %q, want %d digits", got.JoinCode, DefaultJoinCodeLength)
	}
	if got.Attributes.LobbyName() != "friday" || !got.Attributes.Bool(AttrHostMigration) {
		t.Fatalf("Attributes = %v", got.Attributes.ToMap())
	}
	if !host.InSession() || !host.IsOwner() {
		t.Fatalf("InSession()/IsOwner() = %v/%v, want true/true", host.InSession(), host.IsOwner())
	}

	rec, ok := b.Session(got.SessionID)
	if !ok {
		t.Fatalf("backend has no session %s", got.SessionID)
	}
	if rec.Attributes[AttrJoinCode] != got.JoinCode || rec.Attributes[AttrGameMode] != "ctf" {
		t.Fatalf("backend attributes = %v", rec.Attributes)
	}
	if b.Calls(memory.OpModify) != 1 {
		t.Fatalf("attribute submissions = %d, want 1 batch", b.Calls(memory.OpModify))
	}

	evt := waitEvent(t, events, EventSessionJoined)
	if evt.SessionID != got.SessionID || evt.Session == nil || evt.Session.OwnerID != "host" {
		t.Fatalf("session_joined event = %+v", evt)
	}
}

func TestCreateSessionWhileInSessionLeavesFirst(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	host := newTestCoordinator(t, b, "host")
	events, cancel := host.Subscribe()
	defer cancel()

	first, err := host.CreateSession(ctx, CreateOptions{Public: true})
	if err != nil {
		t.Fatalf("CreateSession(A) error = %v", err)
	}
	second, err := host.CreateSession(ctx, CreateOptions{Public: true})
	if err != nil {
		t.Fatalf("CreateSession(B) error = %v", err)
	}

	if _, ok := b.Session(first.SessionID); ok {
		t.Fatalf("session A still exists after creating B")
	}
	cur, ok := host.CurrentSession()
	if !ok || cur.SessionID != second.SessionID {
		t.Fatalf("CurrentSession() = %+v, %v, want B", cur, ok)
	}

	waitEvent(t, events, EventSessionJoined)
	left := waitEvent(t, events, EventSessionLeft)
	if left.SessionID != first.SessionID || left.Reason != LeaveReasonReplaced {
		t.Fatalf("session_left event = %+v, want A replaced", left)
	}
	joined := waitEvent(t, events, EventSessionJoined)
	if joined.SessionID != second.SessionID {
		t.Fatalf("second session_joined = %s, want %s", joined.SessionID, second.SessionID)
	}
}

func TestCreateSessionRetriesWithoutVoice(t *testing.T) {
	b := newTestBackend(t, memory.WithVoice(false))
	host := newTestCoordinator(t, b, "host")

	got, err := host.CreateSession(context.Background(), CreateOptions{EnableVoice: true})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if got.VoiceEnabled {
		t.Fatalf("VoiceEnabled = true, want session created without voice")
	}
	if calls := b.Calls(memory.OpCreate); calls != 2 {
		t.Fatalf("create calls = %d, want 2", calls)
	}
}

func TestCreateSessionRetriesAfterQuotaWindow(t *testing.T) {
	b := newTestBackend(t)
	host := newTestCoordinator(t, b, "host")

	b.FailNext(memory.OpCreate, backend.ErrLimitExceeded)
	if _, err := host.CreateSession(context.Background(), CreateOptions{}); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if calls := b.Calls(memory.OpCreate); calls != 2 {
		t.Fatalf("create calls = %d, want 2", calls)
	}

	other := newTestCoordinator(t, b, "other")
	b.FailNext(memory.OpCreate, backend.ErrLimitExceeded)
	b.FailNext(memory.OpCreate, backend.ErrLimitExceeded)
	_, err := other.CreateSession(context.Background(), CreateOptions{})
	if !errors.Is(err, ErrLimitExceeded) || !errors.Is(err, backend.ErrLimitExceeded) {
		t.Fatalf("CreateSession() error = %v, want limit exceeded", err)
	}
	if other.InSession() {
		t.Fatalf("InSession() = true after failed create")
	}
}

func TestCreateSessionOwnerFallbackWhenCacheLags(t *testing.T) {
	b := newTestBackend(t, memory.WithDetailsLag(100))
	host := newTestCoordinator(t, b, "host")

	got, err := host.CreateSession(context.Background(), CreateOptions{})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if got.OwnerID != "host" || !host.IsOwner() {
		t.Fatalf("OwnerID = %q, want host", got.OwnerID)
	}
	if calls := b.Calls(memory.OpCopy); calls < testTiming.fetch.attempts {
		t.Fatalf("detail reads = %d, want at least %d", calls, testTiming.fetch.attempts)
	}
}

func TestCreateSessionExplicitJoinCodeInUse(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	a := newTestCoordinator(t, b, "a")
	other := newTestCoordinator(t, b, "b")

	got, err := a.CreateSession(ctx, CreateOptions{JoinCode: "1234"})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if got.JoinCode != "1234" {
		t.Fatalf("JoinCode = %q, want 1234", got.JoinCode)
	}
	if _, err := other.CreateSession(ctx, CreateOptions{JoinCode: "1234"}); !errors.Is(err, ErrInvalidParameters) {
		t.Fatalf("CreateSession(duplicate code) error = %v, want ErrInvalidParameters", err)
	}
}

func TestCreateSessionRejectsInvalidOptions(t *testing.T) {
	b := newTestBackend(t)
	host := newTestCoordinator(t, b, "host")
	if _, err := host.CreateSession(context.Background(), CreateOptions{MaxMembers: -2}); StatusOf(err) != StatusInvalidParameters {
		t.Fatalf("CreateSession(bad max) error = %v", err)
	}
	if b.Calls(memory.OpCreate) != 0 {
		t.Fatalf("backend create called for invalid options")
	}
}

func TestSearchOverfetchSkipsFullSessions(t *testing.T) {
	b := newTestBackend(t)
	for i := 0; i < 50; i++ {
		maxMembers := 1
		if i%5 == 0 {
			maxMembers = 4
		}
		owner := fmt.Sprintf("owner-%02d", i)
		b.Put(backend.Record{
			SessionID:  fmt.Sprintf("s-%02d", i),
			OwnerID:    owner,
			MaxMembers: maxMembers,
			Public:     true,
			Attributes: map[string]string{AttrGameMode: "ctf"},
			Members:    []backend.MemberRecord{{UserID: owner}},
		})
	}
	seeker := newTestCoordinator(t, b, "seeker")

	got, err := seeker.SearchSessions(context.Background(), NewSearch().ExcludingFull())
	if err != nil {
		t.Fatalf("SearchSessions() error = %v", err)
	}
	if len(got) != DefaultSearchResults {
		t.Fatalf("SearchSessions() returned %d sessions, want %d", len(got), DefaultSearchResults)
	}
	for _, s := range got {
		if s.IsFull() {
			t.Fatalf("SearchSessions() returned full session %s", s.SessionID)
		}
	}
}

func TestSearchSkillRangeAndBucket(t *testing.T) {
	b := newTestBackend(t)
	put := func(id, bucket, skill string) {
		b.Put(backend.Record{
			SessionID:  id,
			OwnerID:    "owner-" + id,
			MaxMembers: 4,
			Public:     true,
			BucketID:   bucket,
			Attributes: map[string]string{AttrSkill: skill},
			Members:    []backend.MemberRecord{{UserID: "owner-" + id}},
		})
	}
	put("low", "eu", "900")
	put("mid", "eu", "1500")
	put("high", "eu", "2500")
	put("mid-us", "us", "1500")
	seeker := newTestCoordinator(t, b, "seeker")

	got, err := seeker.SearchSessions(context.Background(), NewSearch().InBucket("eu").SkillRange(1000, 2000))
	if err != nil {
		t.Fatalf("SearchSessions() error = %v", err)
	}
	if ids := sessionIDs(got); ids != "mid" {
		t.Fatalf("SearchSessions() = %s, want mid", ids)
	}
}

func TestJoinByCodeAndMembership(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	host := newTestCoordinator(t, b, "host")
	guest := newTestCoordinator(t, b, "guest")
	hostEvents, cancel := host.Subscribe()
	defer cancel()

	created, err := host.CreateSession(ctx, CreateOptions{Public: false, MaxMembers: 2})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	joined, err := guest.JoinSessionByCode(ctx, created.JoinCode)
	if err != nil {
		t.Fatalf("JoinSessionByCode() error = %v", err)
	}
	if joined.SessionID != created.SessionID || joined.OwnerID != "host" || joined.MemberCount != 2 {
		t.Fatalf("JoinSessionByCode() = %+v", joined)
	}
	if guest.IsOwner() {
		t.Fatalf("guest IsOwner() = true")
	}

	evt := waitEvent(t, hostEvents, EventMemberJoined)
	if evt.UserID != "guest" {
		t.Fatalf("member_joined user = %q, want guest", evt.UserID)
	}
	waitFor(t, "host to see two members", func() bool {
		cur, ok := host.CurrentSession()
		return ok && cur.MemberCount == 2
	})

	third := newTestCoordinator(t, b, "third")
	if _, err := third.JoinSessionByID(ctx, created.SessionID); !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("JoinSessionByID(full) error = %v, want ErrLimitExceeded", err)
	}
}

func TestJoinByCodeNotFound(t *testing.T) {
	b := newTestBackend(t)
	guest := newTestCoordinator(t, b, "guest")
	if _, err := guest.JoinSessionByCode(context.Background(), "999999"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("JoinSessionByCode() error = %v, want ErrNotFound", err)
	}
	if _, err := guest.JoinSessionByCode(context.Background(), "12"); !errors.Is(err, ErrInvalidParameters) {
		t.Fatalf("JoinSessionByCode(short) error = %v, want ErrInvalidParameters", err)
	}
}

func TestJoinSessionByIDIdempotent(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	host := newTestCoordinator(t, b, "host")
	guest := newTestCoordinator(t, b, "guest")

	first, err := host.CreateSession(ctx, CreateOptions{Public: true})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if _, err := guest.JoinSessionByID(ctx, first.SessionID); err != nil {
		t.Fatalf("JoinSessionByID() error = %v", err)
	}
	joins := b.Calls(memory.OpJoin)
	again, err := guest.JoinSessionByID(ctx, first.SessionID)
	if err != nil {
		t.Fatalf("JoinSessionByID(again) error = %v", err)
	}
	if again.SessionID != first.SessionID || b.Calls(memory.OpJoin) != joins {
		t.Fatalf("second join hit the backend or changed session")
	}

	other := newTestCoordinator(t, b, "other")
	second, err := other.CreateSession(ctx, CreateOptions{Public: true})
	if err != nil {
		t.Fatalf("CreateSession(other) error = %v", err)
	}
	if _, err := guest.JoinSessionByID(ctx, second.SessionID); !errors.Is(err, ErrAlreadyInSession) {
		t.Fatalf("JoinSessionByID(different) error = %v, want ErrAlreadyInSession", err)
	}
}

func TestJoinToleratesAlreadyMember(t *testing.T) {
	b := newTestBackend(t)
	b.Put(backend.Record{
		SessionID:  "s1",
		OwnerID:    "host",
		MaxMembers: 4,
		Public:     true,
		Members:    []backend.MemberRecord{{UserID: "host"}, {UserID: "guest"}},
	})
	guest := newTestCoordinator(t, b, "guest")

	got, err := guest.JoinSessionByID(context.Background(), "s1")
	if err != nil {
		t.Fatalf("JoinSessionByID() error = %v", err)
	}
	if got.OwnerID != "host" || !guest.InSession() {
		t.Fatalf("JoinSessionByID() = %+v", got)
	}
}

func TestJoinGhostSessionReturnsNotFound(t *testing.T) {
	b := newTestBackend(t)
	b.Put(backend.Record{SessionID: "ghost", MaxMembers: 4, Public: true})
	guest := newTestCoordinator(t, b, "guest")

	_, err := guest.JoinSessionByID(context.Background(), "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("JoinSessionByID(ghost) error = %v, want ErrNotFound", err)
	}
	if guest.InSession() {
		t.Fatalf("InSession() = true after ghost join")
	}
	if _, ok := b.Session("ghost"); ok {
		t.Fatalf("ghost session still holds the guest")
	}
}

func TestLeaveSessionPromotesNextOwner(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	host := newTestCoordinator(t, b, "host")
	guest := newTestCoordinator(t, b, "guest")
	hostEvents, cancelHost := host.Subscribe()
	defer cancelHost()
	guestEvents, cancelGuest := guest.Subscribe()
	defer cancelGuest()

	created, err := host.CreateSession(ctx, CreateOptions{Public: true})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if _, err := guest.JoinSessionByID(ctx, created.SessionID); err != nil {
		t.Fatalf("JoinSessionByID() error = %v", err)
	}

	if err := host.LeaveSession(ctx); err != nil {
		t.Fatalf("LeaveSession() error = %v", err)
	}
	if host.InSession() {
		t.Fatalf("host InSession() = true after leave")
	}
	left := waitEvent(t, hostEvents, EventSessionLeft)
	if left.Reason != LeaveReasonRequested {
		t.Fatalf("session_left reason = %q", left.Reason)
	}

	memberLeft := waitEvent(t, guestEvents, EventMemberLeft)
	if memberLeft.UserID != "host" {
		t.Fatalf("member_left user = %q, want host", memberLeft.UserID)
	}
	owner := waitEvent(t, guestEvents, EventOwnerChanged)
	if owner.UserID != "guest" {
		t.Fatalf("owner_changed user = %q, want guest", owner.UserID)
	}
	if !guest.IsOwner() {
		t.Fatalf("guest IsOwner() = false after promotion")
	}
}

func TestLeaveSessionNotInSession(t *testing.T) {
	b := newTestBackend(t)
	c := newTestCoordinator(t, b, "solo")
	if err := c.LeaveSession(context.Background()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LeaveSession() error = %v, want ErrNotFound", err)
	}
}

func TestLeaveSessionClearsLocalStateOnBackendFailure(t *testing.T) {
	b := newTestBackend(t)
	c := newTestCoordinator(t, b, "host")
	if _, err := c.CreateSession(context.Background(), CreateOptions{}); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	b.FailNext(memory.OpLeave, errors.New("network down"))
	if err := c.LeaveSession(context.Background()); err != nil {
		t.Fatalf("LeaveSession() error = %v, want nil", err)
	}
	if c.InSession() {
		t.Fatalf("InSession() = true after leave")
	}
}

func TestPreLeaveHookRunsWhileStillMember(t *testing.T) {
	b := newTestBackend(t)
	c := newTestCoordinator(t, b, "host")
	created, err := c.CreateSession(context.Background(), CreateOptions{})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	var sawMember, sawCurrent bool
	c.SetPreLeaveHook(func(ctx context.Context, s SessionData) error {
		rec, ok := b.Session(s.SessionID)
		_, sawMember = rec.Member("host")
		sawMember = sawMember && ok
		sawCurrent = c.InSession()
		return errors.New("hook failures are logged only")
	})
	if err := c.LeaveSession(context.Background()); err != nil {
		t.Fatalf("LeaveSession() error = %v", err)
	}
	if !sawMember || !sawCurrent {
		t.Fatalf("pre-leave hook saw member=%v current=%v, want both", sawMember, sawCurrent)
	}
	if _, ok := b.Session(created.SessionID); ok {
		t.Fatalf("session still exists after its only member left")
	}
}

func TestLeaveSessionFast(t *testing.T) {
	b := newTestBackend(t, memory.WithLatency(100*time.Millisecond))
	c := newTestCoordinator(t, b, "host")
	created, err := c.CreateSession(context.Background(), CreateOptions{})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	start := time.Now()
	c.LeaveSessionFast()
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Fatalf("LeaveSessionFast() blocked for %s", elapsed)
	}
	if c.InSession() {
		t.Fatalf("InSession() = true right after LeaveSessionFast")
	}
	waitFor(t, "background leave", func() bool {
		_, ok := b.Session(created.SessionID)
		return !ok
	})

	// Not in a session: nothing happens.
	c.LeaveSessionFast()
}

func TestKickMember(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	host := newTestCoordinator(t, b, "host")
	guest := newTestCoordinator(t, b, "guest")
	guestEvents, cancel := guest.Subscribe()
	defer cancel()

	created, err := host.CreateSession(ctx, CreateOptions{Public: true})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if _, err := guest.JoinSessionByID(ctx, created.SessionID); err != nil {
		t.Fatalf("JoinSessionByID() error = %v", err)
	}

	if err := guest.KickMember(ctx, "host"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("KickMember(by guest) error = %v, want ErrUnauthorized", err)
	}
	if err := host.KickMember(ctx, "host"); !errors.Is(err, ErrInvalidParameters) {
		t.Fatalf("KickMember(self) error = %v, want ErrInvalidParameters", err)
	}
	if err := host.KickMember(ctx, "guest"); err != nil {
		t.Fatalf("KickMember() error = %v", err)
	}

	left := waitEvent(t, guestEvents, EventSessionLeft)
	if left.Reason != LeaveReasonKicked {
		t.Fatalf("session_left reason = %q, want kicked", left.Reason)
	}
	if guest.InSession() {
		t.Fatalf("guest InSession() = true after kick")
	}
	waitFor(t, "host to see one member", func() bool {
		cur, ok := host.CurrentSession()
		return ok && cur.MemberCount == 1
	})
}

func TestSetAttributesBatch(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	host := newTestCoordinator(t, b, "host")
	guest := newTestCoordinator(t, b, "guest")

	created, err := host.CreateSession(ctx, CreateOptions{Public: true})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if _, err := guest.JoinSessionByID(ctx, created.SessionID); err != nil {
		t.Fatalf("JoinSessionByID() error = %v", err)
	}

	if err := guest.SetAttribute(ctx, created.SessionID, AttrMap, "nuke"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("SetAttribute(by guest) error = %v, want ErrUnauthorized", err)
	}
	if err := host.SetAttributesBatch(ctx, created.SessionID, nil); !errors.Is(err, ErrInvalidParameters) {
		t.Fatalf("SetAttributesBatch(empty) error = %v, want ErrInvalidParameters", err)
	}
	if err := host.SetAttribute(ctx, "elsewhere", AttrMap, "nuke"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetAttribute(other session) error = %v, want ErrNotFound", err)
	}
	if err := host.SetAttributesBatch(ctx, created.SessionID, map[string]string{AttrMap: "dust", AttrInProgress: "true"}); err != nil {
		t.Fatalf("SetAttributesBatch() error = %v", err)
	}

	waitFor(t, "guest to observe attributes", func() bool {
		cur, ok := guest.CurrentSession()
		return ok && cur.Attributes.MapName() == "dust" && cur.InProgress()
	})
}

func TestSetAttributesBatchRejectedByBackend(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	host := newTestCoordinator(t, b, "host")
	created, err := host.CreateSession(ctx, CreateOptions{})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	b.FailNext(memory.OpModify, backend.ErrAttributeRejected)
	err = host.SetAttributesBatch(ctx, created.SessionID, map[string]string{"A": "1", "B": "2"})
	if !errors.Is(err, ErrPartialFailure) {
		t.Fatalf("SetAttributesBatch() error = %v, want ErrPartialFailure", err)
	}
	rec, _ := b.Session(created.SessionID)
	if _, ok := rec.Attributes["A"]; ok {
		t.Fatalf("rejected batch was partially applied: %v", rec.Attributes)
	}
}

func TestConcurrentBatchesAreAtomic(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	host := newTestCoordinator(t, b, "host")
	created, err := host.CreateSession(ctx, CreateOptions{})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	stop := make(chan struct{})
	var torn atomic.Int32
	var observer sync.WaitGroup
	observer.Add(1)
	go func() {
		defer observer.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			rec, ok := b.Session(created.SessionID)
			if !ok {
				continue
			}
			a, hasA := rec.Attributes["a"]
			if hasA && rec.Attributes["b"] != a {
				torn.Add(1)
			}
		}
	}()

	var writers sync.WaitGroup
	for i := 0; i < 20; i++ {
		writers.Add(2)
		go func(i int) {
			defer writers.Done()
			v := fmt.Sprint(i)
			if err := host.SetAttributesBatch(ctx, created.SessionID, map[string]string{"a": v, "b": v}); err != nil {
				t.Errorf("SetAttributesBatch({a,b}) error = %v", err)
			}
		}(i)
		go func(i int) {
			defer writers.Done()
			if err := host.SetAttributesBatch(ctx, created.SessionID, map[string]string{"c": fmt.Sprint(i)}); err != nil {
				t.Errorf("SetAttributesBatch({c}) error = %v", err)
			}
		}(i)
	}
	writers.Wait()
	close(stop)
	observer.Wait()

	if n := torn.Load(); n != 0 {
		t.Fatalf("observed %d states with a but not the matching b", n)
	}
	waitFor(t, "cached session to hold both batches", func() bool {
		cur, ok := host.CurrentSession()
		return ok && cur.Attributes.Has("a") && cur.Attributes.Value("a") == cur.Attributes.Value("b") && cur.Attributes.Has("c")
	})
}

func TestRefreshCollapsesNotifications(t *testing.T) {
	b := newTestBackend(t)
	host := newTestCoordinator(t, b, "host")
	created, err := host.CreateSession(context.Background(), CreateOptions{})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	drain(t, b, "host")
	waitRefreshIdle(t, host)

	entered := make(chan struct{})
	release := make(chan struct{})
	var gated atomic.Bool
	b.SetDetailsHook(func(userID, sessionID string) {
		if userID == "host" && gated.CompareAndSwap(false, true) {
			close(entered)
			<-release
		}
	})
	before := b.Calls(memory.OpCopy)

	updated := backend.Notification{Kind: backend.NotifySessionUpdated, SessionID: created.SessionID}
	b.Notify("host", updated)
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("refresh did not start")
	}
	for i := 0; i < 10; i++ {
		b.Notify("host", updated)
	}
	drain(t, b, "host")
	close(release)
	waitRefreshIdle(t, host)

	if got := b.Calls(memory.OpCopy) - before; got != 2 {
		t.Fatalf("detail reads = %d, want 2 for 11 notifications during one refresh", got)
	}
}

func TestMemberAttributeEvents(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	host := newTestCoordinator(t, b, "host")
	guest := newTestCoordinator(t, b, "guest")
	hostEvents, cancel := host.Subscribe()
	defer cancel()

	created, err := host.CreateSession(ctx, CreateOptions{})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if _, err := guest.JoinSessionByID(ctx, created.SessionID); err != nil {
		t.Fatalf("JoinSessionByID() error = %v", err)
	}
	waitFor(t, "host to see the guest", func() bool {
		cur, ok := host.CurrentSession()
		_, member := cur.Member("guest")
		return ok && member
	})

	if err := guest.SetMemberAttribute(ctx, "READY", "true"); err != nil {
		t.Fatalf("SetMemberAttribute() error = %v", err)
	}
	for {
		evt := waitEvent(t, hostEvents, EventMemberAttributeUpdated)
		if evt.UserID != "guest" || evt.Key != "READY" {
			continue
		}
		if evt.Value != "true" || evt.Member == nil {
			t.Fatalf("member_attribute_updated = %+v", evt)
		}
		break
	}
}

func TestSessionClosedNotification(t *testing.T) {
	b := newTestBackend(t)
	host := newTestCoordinator(t, b, "host")
	events, cancel := host.Subscribe()
	defer cancel()
	created, err := host.CreateSession(context.Background(), CreateOptions{})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	b.Notify("host", backend.Notification{
		Kind:      backend.NotifyMemberStatusChanged,
		SessionID: created.SessionID,
		Status:    backend.SessionClosed,
	})
	var left Event
	for {
		left = waitEvent(t, events, EventSessionLeft)
		if left.SessionID == created.SessionID {
			break
		}
	}
	if left.Reason != LeaveReasonClosed {
		t.Fatalf("session_left reason = %q, want closed", left.Reason)
	}
	if host.InSession() {
		t.Fatalf("InSession() = true after close notification")
	}
}

func TestRefreshSessionDropsRemovedSession(t *testing.T) {
	b := newTestBackend(t)
	host := newTestCoordinator(t, b, "host")
	if _, err := host.CreateSession(context.Background(), CreateOptions{}); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	drain(t, b, "host")
	waitRefreshIdle(t, host)

	b.FailNext(memory.OpCopy, backend.ErrNotFound)
	if _, err := host.RefreshSession(context.Background()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("RefreshSession() error = %v, want ErrNotFound", err)
	}
	if host.InSession() {
		t.Fatalf("InSession() = true after refresh found the session gone")
	}
}

func TestClosedCoordinatorRejectsOperations(t *testing.T) {
	b := newTestBackend(t)
	c := newTestCoordinator(t, b, "host")
	events, _ := c.Subscribe()
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, ok := <-events; ok {
		t.Fatalf("event channel still open after Close")
	}
	if _, err := c.CreateSession(context.Background(), CreateOptions{}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("CreateSession() after Close error = %v, want ErrNotConfigured", err)
	}
}

func TestLeaveSessionFastAbandonsCreateInFlight(t *testing.T) {
	b := newTestBackend(t, memory.WithLatency(100*time.Millisecond))
	c := newTestCoordinator(t, b, "host")

	done := make(chan error, 1)
	go func() {
		_, err := c.CreateSession(context.Background(), CreateOptions{})
		done <- err
	}()
	time.Sleep(150 * time.Millisecond)
	c.LeaveSessionFast()

	var err error
	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("CreateSession() did not return")
	}
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("CreateSession() error = %v, want ErrNotFound", err)
	}
	if c.InSession() {
		t.Fatalf("InSession() = true after fast leave raced create")
	}
	waitFor(t, "abandoned session to be removed", func() bool { return b.SessionCount() == 0 })
}

func TestLeaveSessionFastAbandonsJoinInFlight(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t, memory.WithLatency(50*time.Millisecond))
	host := newTestCoordinator(t, b, "host")
	guest := newTestCoordinator(t, b, "guest")
	created, err := host.CreateSession(ctx, CreateOptions{})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := guest.JoinSessionByID(ctx, created.SessionID)
		done <- err
	}()
	time.Sleep(25 * time.Millisecond)
	guest.LeaveSessionFast()

	if err := <-done; !errors.Is(err, ErrNotFound) {
		t.Fatalf("JoinSessionByID() error = %v, want ErrNotFound", err)
	}
	if guest.InSession() {
		t.Fatalf("guest InSession() = true after fast leave raced join")
	}
	waitFor(t, "guest removed from session", func() bool {
		rec, ok := b.Session(created.SessionID)
		if !ok {
			return false
		}
		_, member := rec.Member("guest")
		return !member
	})
}

func TestCloseDuringCreateLeavesNothingBehind(t *testing.T) {
	b := newTestBackend(t, memory.WithLatency(100*time.Millisecond))
	client := &recordingClient{Client: b.Client("host", "Host")}
	c, err := New(Config{Client: client, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	c.timing = testTiming

	done := make(chan error, 1)
	go func() {
		_, err := c.CreateSession(context.Background(), CreateOptions{})
		done <- err
	}()
	time.Sleep(150 * time.Millisecond)
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if err := <-done; !errors.Is(err, ErrNotFound) {
		t.Fatalf("CreateSession() error = %v, want ErrNotFound", err)
	}
	if c.InSession() {
		t.Fatalf("InSession() = true after Close")
	}
	if n := client.count("subscribe"); n != 0 {
		t.Fatalf("subscriptions made after Close = %d, want 0", n)
	}
	waitFor(t, "abandoned session to be removed", func() bool { return b.SessionCount() == 0 })
}

// recordingClient logs subscription and leave calls in order.
type recordingClient struct {
	backend.Client

	mu  sync.Mutex
	log []string
}

func (r *recordingClient) record(entry string) {
	r.mu.Lock()
	r.log = append(r.log, entry)
	r.mu.Unlock()
}

func (r *recordingClient) entries() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.log...)
}

func (r *recordingClient) reset() {
	r.mu.Lock()
	r.log = nil
	r.mu.Unlock()
}

func (r *recordingClient) count(entry string) int {
	n := 0
	for _, e := range r.entries() {
		if e == entry {
			n++
		}
	}
	return n
}

func (r *recordingClient) Subscribe(kind backend.NotificationKind, fn func(backend.Notification)) backend.SubscriptionID {
	r.record("subscribe")
	return r.Client.Subscribe(kind, fn)
}

func (r *recordingClient) Unsubscribe(id backend.SubscriptionID) {
	r.record("unsubscribe")
	r.Client.Unsubscribe(id)
}

func (r *recordingClient) LeaveSession(ctx context.Context, sessionID string) error {
	r.record("leave")
	return r.Client.LeaveSession(ctx, sessionID)
}

func TestUnsubscribeBeforeBackendLeave(t *testing.T) {
	for _, tt := range []struct {
		name  string
		leave func(c *Coordinator) error
	}{
		{"LeaveSession", func(c *Coordinator) error { return c.LeaveSession(context.Background()) }},
		{"LeaveSessionFast", func(c *Coordinator) error { c.LeaveSessionFast(); return nil }},
	} {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestBackend(t)
			client := &recordingClient{Client: b.Client("host", "Host")}
			c, err := New(Config{Client: client, Logger: zerolog.Nop()})
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			c.timing = testTiming
			t.Cleanup(func() { _ = c.Close() })

			if _, err := c.CreateSession(context.Background(), CreateOptions{}); err != nil {
				t.Fatalf("CreateSession() error = %v", err)
			}
			subscribed := client.count("subscribe")
			if subscribed == 0 {
				t.Fatalf("CreateSession() made no subscriptions")
			}
			client.reset()

			if err := tt.leave(c); err != nil {
				t.Fatalf("%s() error = %v", tt.name, err)
			}
			waitFor(t, "backend leave", func() bool { return client.count("leave") == 1 })

			log := client.entries()
			want := make([]string, 0, subscribed+1)
			for range subscribed {
				want = append(want, "unsubscribe")
			}
			want = append(want, "leave")
			if fmt.Sprint(log) != fmt.Sprint(want) {
				t.Fatalf("call order = %v, want %v", log, want)
			}
		})
	}
}
