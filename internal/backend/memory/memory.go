// Package memory provides an in-process implementation of backend.Client.
// Sessions live in a shared Backend; each local user talks to it through its
// own Client. The backend reproduces the behaviors the lobby coordinator has
// to cope with: lagging session detail caches, per-user session quotas, voice
// outages and asynchronous notification delivery. Faults can be injected per
// operation, which makes it the backend of choice for tests and single-node
// development.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/lobbykit/internal/backend"
)

type Op string

const (
	OpCreate Op = "create"
	OpSearch Op = "search"
	OpJoin   Op = "join"
	OpLeave  Op = "leave"
	OpKick   Op = "kick"
	OpCopy   Op = "copy"
	OpModify Op = "modify"
)

const maxAttributeKeyLength = 64

type Option func(*Backend)

// WithSessionLimit caps how many sessions a single user may own. Zero means
// unlimited.
func WithSessionLimit(n int) Option {
	return func(b *Backend) { b.sessionLimit = n }
}

// WithVoice toggles whether voice-enabled sessions can be created.
func WithVoice(available bool) Option {
	return func(b *Backend) { b.voiceAvailable = available }
}

// WithDetailsLag makes the first n CopySessionDetails reads after a create or
// join return a record whose owner is still empty.
func WithDetailsLag(n int) Option {
	return func(b *Backend) { b.detailsLag = n }
}

// WithLatency delays every operation by d.
func WithLatency(d time.Duration) Option {
	return func(b *Backend) { b.latency = d }
}

type session struct {
	rec     backend.Record
	created int64
}

// Backend is the shared state behind all memory clients.
type Backend struct {
	mu       sync.Mutex
	sessions map[string]*session
	clients  map[string]*Client
	seq      int64

	sessionLimit   int
	voiceAvailable bool
	detailsLag     int
	latency        time.Duration

	faults      map[Op][]error
	calls       map[Op]int
	detailsHook func(userID, sessionID string)
}

func New(opts ...Option) *Backend {
	b := &Backend{
		sessions:       make(map[string]*session),
		clients:        make(map[string]*Client),
		voiceAvailable: true,
		faults:         make(map[Op][]error),
		calls:          make(map[Op]int),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Client returns the client bound to userID, creating it on first use.
func (b *Backend) Client(userID, displayName string) *Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.clients[userID]; ok {
		return c
	}
	c := &Client{
		b:           b,
		userID:      userID,
		displayName: displayName,
		dispatcher:  backend.NewDispatcher(256),
		stale:       make(map[string]int),
	}
	b.clients[userID] = c
	return c
}

// FailNext queues err as the result of the next call of op.
func (b *Backend) FailNext(op Op, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults[op] = append(b.faults[op], err)
}

// Calls reports how many times op has been invoked.
func (b *Backend) Calls(op Op) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

// SetVoiceAvailable flips voice availability at runtime.
func (b *Backend) SetVoiceAvailable(available bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.voiceAvailable = available
}

// SetDetailsHook installs fn to run before every CopySessionDetails returns.
// The hook runs without the backend lock held and may block.
func (b *Backend) SetDetailsHook(fn func(userID, sessionID string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.detailsHook = fn
}

// Put stores rec verbatim, bypassing every validation. It is used to seed
// search fixtures and stale records.
func (b *Backend) Put(rec backend.Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	b.sessions[rec.SessionID] = &session{rec: rec.Clone(), created: b.seq}
}

// Session returns a copy of the stored record.
func (b *Backend) Session(id string) (backend.Record, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[id]
	if !ok {
		return backend.Record{}, false
	}
	return s.rec.Clone(), true
}

// SessionCount reports how many sessions exist.
func (b *Backend) SessionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// Notify delivers n to userID's subscribers as if the backend had pushed it.
func (b *Backend) Notify(userID string, n backend.Notification) {
	b.mu.Lock()
	c := b.clients[userID]
	b.mu.Unlock()
	if c != nil {
		c.dispatcher.Publish(n)
	}
}

// Close stops notification delivery for every client.
func (b *Backend) Close() error {
	b.mu.Lock()
	clients := make([]*Client, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.Unlock()
	for _, c := range clients {
		c.dispatcher.Close()
	}
	return nil
}

type outbound struct {
	userID string
	n      backend.Notification
}

func (b *Backend) flush(out []outbound) {
	for _, o := range out {
		b.Notify(o.userID, o.n)
	}
}

// enter records the call, applies latency and pops a queued fault.
func (b *Backend) enter(ctx context.Context, op Op) error {
	b.mu.Lock()
	b.calls[op]++
	latency := b.latency
	var fault error
	if q := b.faults[op]; len(q) > 0 {
		fault = q[0]
		b.faults[op] = q[1:]
	}
	b.mu.Unlock()

	if latency > 0 {
		t := time.NewTimer(latency)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return fault
}

func (b *Backend) ownedByLocked(userID string) int {
	n := 0
	for _, s := range b.sessions {
		if s.rec.OwnerID == userID {
			n++
		}
	}
	return n
}

func (b *Backend) broadcastLocked(rec backend.Record, n backend.Notification, extra ...string) []outbound {
	out := make([]outbound, 0, len(rec.Members)+len(extra))
	for _, m := range rec.Members {
		out = append(out, outbound{userID: m.UserID, n: n})
	}
	for _, id := range extra {
		out = append(out, outbound{userID: id, n: n})
	}
	return out
}

func newSessionID() string {
	return uuid.NewString()
}
