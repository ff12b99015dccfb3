// Package lobby coordinates the local player's membership in at most one
// multiplayer session at a time. It keeps a cached snapshot of that session
// consistent with the backend by re-reading it whenever the backend pushes a
// notification, and publishes the resulting changes as Events.
package lobby

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ent0n29/lobbykit/internal/backend"
	"github.com/ent0n29/lobbykit/internal/observability"
	"github.com/ent0n29/lobbykit/internal/policy"
	"github.com/ent0n29/lobbykit/internal/reliability"
)

type Config struct {
	Client         backend.Client
	Logger         zerolog.Logger
	Metrics        *observability.Metrics
	Tracer         trace.Tracer
	JoinCodeLength int
	EventBuffer    int
}

// PreLeaveHook runs before the local player leaves a session, while the
// session is still current.
type PreLeaveHook func(ctx context.Context, session SessionData) error

type refreshState int

const (
	refreshIdle refreshState = iota
	refreshRunning
	refreshRunningPending
)

type timing struct {
	fetch          fetchPolicy
	quotaBackoff   time.Duration
	fastLeave      time.Duration
	refreshTimeout time.Duration
	preLeave       time.Duration
}

var defaultTiming = timing{
	fetch:          defaultFetchPolicy,
	quotaBackoff:   2 * time.Second,
	fastLeave:      3 * time.Second,
	refreshTimeout: 5 * time.Second,
	preLeave:       time.Second,
}

type Coordinator struct {
	client  backend.Client
	logger  zerolog.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
	codes   *JoinCodeGenerator
	planner SearchPlanner
	events  *eventHub
	bridge  *notificationBridge
	timing  timing

	// lifecycle serializes create, join and leave.
	lifecycle sync.Mutex

	mu         sync.Mutex
	current    *SessionData
	generation uint64
	refresh    refreshState
	preLeave   PreLeaveHook
	closed     bool
	// leaveEpoch advances on every fast leave. A create or join that
	// started under an older epoch must not install its result.
	leaveEpoch uint64

	bgCtx    context.Context
	bgCancel context.CancelFunc
	wg       sync.WaitGroup
}

func New(cfg Config) (*Coordinator, error) {
	if cfg.Client == nil {
		return nil, ErrNotConfigured
	}
	localUserID := strings.TrimSpace(cfg.Client.LocalUserID())
	if localUserID == "" {
		return nil, fmt.Errorf("%w: backend client has no local user", ErrNotConfigured)
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/ent0n29/lobbykit/internal/lobby")
	}
	bgCtx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		client:   cfg.Client,
		logger:   cfg.Logger.With().Str("component", "lobby").Str("user_id", localUserID).Logger(),
		metrics:  cfg.Metrics,
		tracer:   tracer,
		codes:    NewJoinCodeGenerator(cfg.JoinCodeLength),
		planner:  NewSearchPlanner(localUserID),
		events:   newEventHub(cfg.EventBuffer),
		timing:   defaultTiming,
		bgCtx:    bgCtx,
		bgCancel: cancel,
	}
	c.bridge = newNotificationBridge(cfg.Client, c.handleNotification)
	return c, nil
}

// begin starts the span, timer and log line shared by every public
// operation. The returned func must be deferred with the named error.
func (c *Coordinator) begin(ctx context.Context, op string) (context.Context, func(*error)) {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "lobby."+op)
	return ctx, func(errp *error) {
		var err error
		if errp != nil {
			err = *errp
		}
		status := StatusOf(err)
		elapsed := time.Since(start)
		span.SetAttributes(attribute.String("lobby.status", string(status)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(status))
		}
		span.End()
		c.metrics.ObserveOperation(op, string(status), elapsed)

		evt := c.logger.Debug()
		if status == StatusBackendError {
			evt = c.logger.Warn()
		}
		evt.Str("op", op).Str("status", string(status)).Dur("elapsed", elapsed).Err(err).Msg("lobby operation")
	}
}

func (c *Coordinator) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("%w: coordinator closed", ErrNotConfigured)
	}
	return nil
}

func (c *Coordinator) LocalUserID() string { return c.client.LocalUserID() }

// CurrentSession returns a copy of the cached session.
func (c *Coordinator) CurrentSession() (SessionData, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return SessionData{}, false
	}
	return c.current.Clone(), true
}

func (c *Coordinator) InSession() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil
}

func (c *Coordinator) IsOwner() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil && c.current.OwnerID == c.client.LocalUserID()
}

func (c *Coordinator) SetPreLeaveHook(hook PreLeaveHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.preLeave = hook
}

// Subscribe streams coordinator events until the returned func is called or
// the coordinator is closed.
func (c *Coordinator) Subscribe() (<-chan Event, func()) {
	return c.events.subscribe()
}

// RecentEvents returns the latest events, oldest first.
func (c *Coordinator) RecentEvents() []Event {
	return c.events.recent()
}

// CreateSession hosts a new session, leaving the current one first.
func (c *Coordinator) CreateSession(ctx context.Context, opts CreateOptions) (_ SessionData, err error) {
	ctx, done := c.begin(ctx, "create")
	defer done(&err)

	if err := opts.validate(); err != nil {
		return SessionData{}, invalid("create session", err)
	}
	attrs := opts.Attributes()
	if attrs.Len() > 0 {
		if err := policy.ValidateAttributes(attrs.ToMap()); err != nil {
			return SessionData{}, invalid("create session", err)
		}
	}
	if err := c.checkOpen(); err != nil {
		return SessionData{}, err
	}

	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.InSession() {
		if err := c.leaveLocked(ctx, LeaveReasonReplaced); err != nil && !errors.Is(err, ErrNotFound) {
			return SessionData{}, err
		}
	}
	epoch := c.currentLeaveEpoch()

	code, err := c.resolveJoinCode(ctx, opts.JoinCode)
	if err != nil {
		return SessionData{}, err
	}
	id, err := c.createWithRetry(ctx, backend.CreateRequest{
		SessionID:      strings.TrimSpace(opts.SessionID),
		MaxMembers:     opts.maxMembers(),
		Public:         opts.Public,
		BucketID:       opts.BucketID,
		EnableVoice:    opts.EnableVoice,
		AllowCrossplay: opts.AllowCrossplay,
	})
	if err != nil {
		return SessionData{}, translateBackendError("create session", err)
	}

	attrs.Set(AttrJoinCode, code)
	attrs.SetBool(AttrHostMigration, true)
	if err := c.submit(ctx, id, attrs, backend.ScopeSession); err != nil {
		c.abandon(ctx, id)
		return SessionData{}, translateBackendError("create session: write attributes", err)
	}

	rec, err := fetchSession(ctx, c.client, id, c.timing.fetch, c.observeRetry)
	if err != nil {
		c.abandon(ctx, id)
		return SessionData{}, translateBackendError("create session: fetch", err)
	}
	d := sessionFromRecord(rec)
	if d.OwnerID == "" {
		// The creator owns the session even when the details cache has not
		// caught up yet.
		d = d.withOwner(c.client.LocalUserID())
	}
	if d.JoinCode == "" {
		d.JoinCode = code
	}
	if !c.enterSession(d, epoch) {
		c.abandon(ctx, id)
		return SessionData{}, fmt.Errorf("create session %s: %w: left before the session was ready", id, ErrNotFound)
	}
	c.logger.Info().Str("session_id", id).Str("join_code", code).Msg("session created")
	return d.Clone(), nil
}

func (c *Coordinator) resolveJoinCode(ctx context.Context, explicit string) (string, error) {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		if c.joinCodeTaken(ctx, explicit) {
			return "", fmt.Errorf("create session: %w: join code %s already in use", ErrInvalidParameters, explicit)
		}
		return explicit, nil
	}
	code := c.codes.Generate()
	if c.joinCodeTaken(ctx, code) {
		code = c.codes.Generate()
	}
	return code, nil
}

// joinCodeTaken is best effort: a failed lookup reports the code as free.
func (c *Coordinator) joinCodeTaken(ctx context.Context, code string) bool {
	q, _, err := c.planner.Plan(SearchOptions{JoinCode: code})
	if err != nil {
		return false
	}
	rs, err := c.client.SearchSessions(ctx, q, 1)
	if err != nil {
		c.logger.Warn().Err(err).Str("join_code", code).Msg("join code lookup failed")
		return false
	}
	return rs.Count() > 0
}

// createWithRetry retries once without voice when voice is unavailable and
// once after the quota window when the session limit is hit.
func (c *Coordinator) createWithRetry(ctx context.Context, req backend.CreateRequest) (string, error) {
	var voiceRetried, quotaRetried bool
	for {
		id, err := c.client.CreateSession(ctx, req)
		if err == nil {
			return id, nil
		}
		reason := reliability.ClassifyCreateError(err)
		switch reason {
		case reliability.RetryWithoutVoice:
			if voiceRetried || !req.EnableVoice {
				return "", err
			}
			voiceRetried = true
			req.EnableVoice = false
			c.logger.Warn().Msg("voice unavailable, creating session without voice")
		case reliability.RetryAfterQuotaWindow:
			if quotaRetried {
				return "", err
			}
			quotaRetried = true
			c.logger.Warn().Dur("backoff", c.timing.quotaBackoff).Msg("session limit reached, waiting for quota window")
			if err := reliability.Sleep(ctx, c.timing.quotaBackoff); err != nil {
				return "", err
			}
		default:
			return "", err
		}
		c.observeRetry(string(reason))
	}
}

func (c *Coordinator) observeRetry(reason string) {
	c.metrics.ObserveRetry(reason)
}

// submit writes attrs in one modification, keys in insertion order.
func (c *Coordinator) submit(ctx context.Context, sessionID string, attrs AttributeMap, scope backend.AttributeScope) error {
	mod := c.client.BeginModification(sessionID)
	attrs.Range(func(k, v string) bool {
		if scope == backend.ScopeMember {
			mod.AddMemberAttribute(k, v, backend.VisibilityPublic)
		} else {
			mod.AddAttribute(k, v, backend.VisibilityPublic)
		}
		return true
	})
	return c.client.SubmitModification(ctx, mod)
}

// abandon leaves a session that was never published locally.
func (c *Coordinator) abandon(ctx context.Context, sessionID string) {
	ctx = context.WithoutCancel(ctx)
	ctx, cancel := context.WithTimeout(ctx, c.timing.fastLeave)
	defer cancel()
	if err := c.client.LeaveSession(ctx, sessionID); err != nil && !errors.Is(err, backend.ErrNotFound) {
		c.logger.Warn().Err(err).Str("session_id", sessionID).Msg("leave abandoned session failed")
	}
}

// SearchSessions returns joinable sessions matching opts.
func (c *Coordinator) SearchSessions(ctx context.Context, opts SearchOptions) (_ []SessionData, err error) {
	ctx, done := c.begin(ctx, "search")
	defer done(&err)
	return c.search(ctx, opts)
}

func (c *Coordinator) search(ctx context.Context, opts SearchOptions) ([]SessionData, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	q, raw, err := c.planner.Plan(opts)
	if err != nil {
		return nil, fmt.Errorf("search sessions: %w", err)
	}
	rs, err := c.client.SearchSessions(ctx, q, raw)
	if err != nil {
		return nil, translateBackendError("search sessions", err)
	}
	records := make([]backend.Record, rs.Count())
	for i := range records {
		records[i] = rs.At(i)
	}
	c.metrics.ObserveSearch(opts.ResultCap(), len(records))
	return c.planner.Apply(opts, records), nil
}

// JoinSessionByCode resolves code with an exact lookup and joins the match.
func (c *Coordinator) JoinSessionByCode(ctx context.Context, code string) (_ SessionData, err error) {
	ctx, done := c.begin(ctx, "join_by_code")
	defer done(&err)

	code = strings.TrimSpace(code)
	if !ValidJoinCode(code) {
		return SessionData{}, fmt.Errorf("join by code: %w: %q is not a join code", ErrInvalidParameters, code)
	}
	results, err := c.search(ctx, SearchOptions{JoinCode: code, MaxResults: 1})
	if err != nil {
		return SessionData{}, err
	}
	if len(results) == 0 {
		return SessionData{}, fmt.Errorf("join by code %s: %w", code, ErrNotFound)
	}
	return c.join(ctx, results[0].SessionID)
}

// JoinSessionByID joins sessionID. Joining the current session again returns
// the cached snapshot.
func (c *Coordinator) JoinSessionByID(ctx context.Context, sessionID string) (_ SessionData, err error) {
	ctx, done := c.begin(ctx, "join_by_id")
	defer done(&err)
	return c.join(ctx, sessionID)
}

func (c *Coordinator) join(ctx context.Context, sessionID string) (SessionData, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return SessionData{}, fmt.Errorf("join session: %w: empty session id", ErrInvalidParameters)
	}
	if err := c.checkOpen(); err != nil {
		return SessionData{}, err
	}

	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if cur, ok := c.CurrentSession(); ok {
		if cur.SessionID == sessionID {
			return cur, nil
		}
		return SessionData{}, fmt.Errorf("join session %s: %w %s", sessionID, ErrAlreadyInSession, cur.SessionID)
	}
	epoch := c.currentLeaveEpoch()

	if err := c.client.JoinSession(ctx, sessionID); err != nil && !errors.Is(err, backend.ErrAlreadyMember) {
		return SessionData{}, translateBackendError("join session", err)
	}
	rec, err := fetchSession(ctx, c.client, sessionID, c.timing.fetch, c.observeRetry)
	if err != nil {
		c.abandon(ctx, sessionID)
		return SessionData{}, translateBackendError("join session: fetch", err)
	}
	d := sessionFromRecord(rec)
	if d.IsGhost() {
		c.abandon(ctx, sessionID)
		return SessionData{}, fmt.Errorf("join session %s: %w: session has no owner", sessionID, ErrNotFound)
	}
	if !c.enterSession(d, epoch) {
		c.abandon(ctx, sessionID)
		return SessionData{}, fmt.Errorf("join session %s: %w: left before the join completed", sessionID, ErrNotFound)
	}
	c.logger.Info().Str("session_id", sessionID).Str("owner_id", d.OwnerID).Msg("session joined")
	return d.Clone(), nil
}

func (c *Coordinator) currentLeaveEpoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leaveEpoch
}

// enterSession makes d current and starts routing its notifications. It
// reports false, leaving the state untouched, when the coordinator was closed
// or a fast leave happened since epoch was read. The bridge is attached under
// c.mu so a concurrent drop or Close always detaches after it.
func (c *Coordinator) enterSession(d SessionData, epoch uint64) bool {
	snapshot := d.Clone()
	c.mu.Lock()
	if c.closed || c.leaveEpoch != epoch {
		c.mu.Unlock()
		return false
	}
	c.generation++
	c.current = &snapshot
	c.bridge.attach(d.SessionID)
	c.mu.Unlock()

	c.metrics.SetInSession(true)
	evt := d.Clone()
	c.events.publish(Event{Type: EventSessionJoined, SessionID: d.SessionID, Session: &evt})
	return true
}

// dropSession clears the cached session if it is still id. A non-zero gen
// additionally requires the cache not to have changed since gen.
func (c *Coordinator) dropSession(id string, gen uint64, reason string) bool {
	c.mu.Lock()
	if c.current == nil || c.current.SessionID != id || (gen != 0 && c.generation != gen) {
		c.mu.Unlock()
		return false
	}
	old := c.current
	c.current = nil
	c.generation++
	c.mu.Unlock()

	c.bridge.detach()
	c.metrics.SetInSession(false)
	c.events.publish(Event{Type: EventSessionLeft, SessionID: id, Session: old, Reason: reason})
	c.logger.Info().Str("session_id", id).Str("reason", reason).Msg("session left")
	return true
}

// LeaveSession leaves the current session. The local state is cleared even
// when the backend call fails.
func (c *Coordinator) LeaveSession(ctx context.Context) (err error) {
	ctx, done := c.begin(ctx, "leave")
	defer done(&err)

	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	return c.leaveLocked(ctx, LeaveReasonRequested)
}

func (c *Coordinator) leaveLocked(ctx context.Context, reason string) error {
	cur, ok := c.CurrentSession()
	if !ok {
		return fmt.Errorf("leave session: %w", ErrNotFound)
	}
	c.runPreLeaveHook(ctx, cur)
	c.dropSession(cur.SessionID, 0, reason)

	if err := c.client.LeaveSession(ctx, cur.SessionID); err != nil && !errors.Is(err, backend.ErrNotFound) {
		c.logger.Warn().Err(err).Str("session_id", cur.SessionID).Msg("backend leave failed")
	}
	return nil
}

func (c *Coordinator) runPreLeaveHook(ctx context.Context, cur SessionData) {
	c.mu.Lock()
	hook := c.preLeave
	c.mu.Unlock()
	if hook == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.timing.preLeave)
	defer cancel()
	if err := hook(ctx, cur); err != nil {
		c.logger.Warn().Err(err).Str("session_id", cur.SessionID).Msg("pre-leave hook failed")
	}
}

// LeaveSessionFast clears the local session immediately and leaves on the
// backend in the background. A create or join still in flight is abandoned
// instead of installed. It never blocks for long and never panics.
func (c *Coordinator) LeaveSessionFast() {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Msg("fast leave recovered")
		}
	}()

	c.mu.Lock()
	c.leaveEpoch++
	c.mu.Unlock()

	cur, ok := c.CurrentSession()
	if !ok {
		return
	}
	c.runPreLeaveHook(context.Background(), cur)
	c.dropSession(cur.SessionID, 0, LeaveReasonRequested)

	c.mu.Lock()
	closed := c.closed
	if !closed {
		c.wg.Add(1)
	}
	c.mu.Unlock()
	if closed {
		c.backgroundLeave(cur.SessionID)
		return
	}
	go func() {
		defer c.wg.Done()
		c.backgroundLeave(cur.SessionID)
	}()
}

func (c *Coordinator) backgroundLeave(sessionID string) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Msg("background leave recovered")
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), c.timing.fastLeave)
	defer cancel()
	if err := c.client.LeaveSession(ctx, sessionID); err != nil && !errors.Is(err, backend.ErrNotFound) {
		c.logger.Debug().Err(err).Str("session_id", sessionID).Msg("background leave failed")
	}
}

// KickMember removes targetUserID from the current session. Only the owner
// may kick.
func (c *Coordinator) KickMember(ctx context.Context, targetUserID string) (err error) {
	ctx, done := c.begin(ctx, "kick")
	defer done(&err)

	targetUserID = strings.TrimSpace(targetUserID)
	if targetUserID == "" {
		return fmt.Errorf("kick: %w: empty user id", ErrInvalidParameters)
	}
	cur, ok := c.CurrentSession()
	if !ok {
		return fmt.Errorf("kick: %w", ErrNotFound)
	}
	local := c.client.LocalUserID()
	if d := policy.Authorize(policy.OpKick, local, cur.OwnerID); !d.Allowed {
		return fmt.Errorf("kick: %w: %s", ErrUnauthorized, d.Reason)
	}
	if targetUserID == local {
		return fmt.Errorf("kick: %w: cannot kick yourself", ErrInvalidParameters)
	}
	if err := c.client.KickMember(ctx, cur.SessionID, targetUserID); err != nil {
		return translateBackendError("kick", err)
	}
	return nil
}

// SetAttributesBatch writes attrs to the current session in a single
// all-or-nothing modification. Only the owner may write session attributes.
func (c *Coordinator) SetAttributesBatch(ctx context.Context, sessionID string, attrs map[string]string) (err error) {
	ctx, done := c.begin(ctx, "set_attributes")
	defer done(&err)

	if err := policy.ValidateAttributes(attrs); err != nil {
		return invalid("set attributes", err)
	}
	cur, ok := c.CurrentSession()
	if !ok || cur.SessionID != sessionID {
		return fmt.Errorf("set attributes: %w: not in session %s", ErrNotFound, sessionID)
	}
	if d := policy.Authorize(policy.OpSetAttributes, c.client.LocalUserID(), cur.OwnerID); !d.Allowed {
		return fmt.Errorf("set attributes: %w: %s", ErrUnauthorized, d.Reason)
	}
	if err := c.submit(ctx, sessionID, AttributeMapFromMap(attrs), backend.ScopeSession); err != nil {
		return translateBackendError("set attributes", err)
	}
	c.logger.Debug().Str("session_id", sessionID).Interface("attributes", policy.RedactAttributes(attrs)).Msg("session attributes written")
	return nil
}

func (c *Coordinator) SetAttribute(ctx context.Context, sessionID, key, value string) error {
	return c.SetAttributesBatch(ctx, sessionID, map[string]string{key: value})
}

// SetMemberAttributesBatch writes attributes on the local player's member
// record in the current session.
func (c *Coordinator) SetMemberAttributesBatch(ctx context.Context, attrs map[string]string) (err error) {
	ctx, done := c.begin(ctx, "set_member_attributes")
	defer done(&err)

	if err := policy.ValidateAttributes(attrs); err != nil {
		return invalid("set member attributes", err)
	}
	cur, ok := c.CurrentSession()
	if !ok {
		return fmt.Errorf("set member attributes: %w", ErrNotFound)
	}
	if d := policy.Authorize(policy.OpSetMemberAttrs, c.client.LocalUserID(), cur.OwnerID); !d.Allowed {
		return fmt.Errorf("set member attributes: %w: %s", ErrUnauthorized, d.Reason)
	}
	if err := c.submit(ctx, cur.SessionID, AttributeMapFromMap(attrs), backend.ScopeMember); err != nil {
		return translateBackendError("set member attributes", err)
	}
	return nil
}

func (c *Coordinator) SetMemberAttribute(ctx context.Context, key, value string) error {
	return c.SetMemberAttributesBatch(ctx, map[string]string{key: value})
}

// Close stops background work and closes every event subscription. It does
// not leave the current session; call LeaveSession or LeaveSessionFast first.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.bridge.detach()
	c.bgCancel()
	c.wg.Wait()
	c.events.close()
	return nil
}
