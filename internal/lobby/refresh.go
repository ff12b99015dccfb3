package lobby

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/ent0n29/lobbykit/internal/backend"
)

// RefreshSession re-reads the current session from the backend and replaces
// the cached snapshot.
func (c *Coordinator) RefreshSession(ctx context.Context) (_ SessionData, err error) {
	ctx, done := c.begin(ctx, "refresh")
	defer done(&err)

	c.mu.Lock()
	if c.current == nil {
		c.mu.Unlock()
		return SessionData{}, fmt.Errorf("refresh: %w", ErrNotFound)
	}
	id, gen := c.current.SessionID, c.generation
	c.mu.Unlock()

	rec, err := c.client.CopySessionDetails(ctx, id)
	outcome := c.applyRefresh(id, gen, rec, err)
	c.metrics.ObserveRefresh(outcome)
	switch outcome {
	case "removed":
		return SessionData{}, fmt.Errorf("refresh: %w: session %s no longer exists", ErrNotFound, id)
	case "error":
		return SessionData{}, translateBackendError("refresh", err)
	}
	cur, ok := c.CurrentSession()
	if !ok {
		return SessionData{}, fmt.Errorf("refresh: %w", ErrNotFound)
	}
	return cur, nil
}

// requestRefresh schedules a re-read of the current session. At most one
// refresh runs at a time; requests arriving meanwhile collapse into a single
// follow-up run.
func (c *Coordinator) requestRefresh() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.current == nil {
		return
	}
	switch c.refresh {
	case refreshIdle:
		c.refresh = refreshRunning
		c.wg.Add(1)
		go c.runRefresh(c.current.SessionID, c.generation)
	case refreshRunning:
		c.refresh = refreshRunningPending
	}
}

func (c *Coordinator) runRefresh(id string, gen uint64) {
	defer c.wg.Done()
	for {
		ctx, cancel := context.WithTimeout(c.bgCtx, c.timing.refreshTimeout)
		rec, err := c.client.CopySessionDetails(ctx, id)
		cancel()
		c.metrics.ObserveRefresh(c.applyRefresh(id, gen, rec, err))

		c.mu.Lock()
		if c.refresh == refreshRunningPending && c.current != nil && !c.closed {
			c.refresh = refreshRunning
			id, gen = c.current.SessionID, c.generation
			c.mu.Unlock()
			continue
		}
		c.refresh = refreshIdle
		c.mu.Unlock()
		return
	}
}

// applyRefresh installs rec as the current session if nothing changed since
// gen, and reports the outcome.
func (c *Coordinator) applyRefresh(id string, gen uint64, rec backend.Record, err error) string {
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			if c.dropSession(id, gen, LeaveReasonRemoved) {
				return "removed"
			}
			return "stale"
		}
		if !errors.Is(err, context.Canceled) {
			c.logger.Warn().Err(err).Str("session_id", id).Msg("session refresh failed")
		}
		return "error"
	}

	next := sessionFromRecord(rec)
	if next.OwnerID == "" {
		// Lagging cache; keep the last good snapshot.
		return "lagging"
	}

	c.mu.Lock()
	if c.current == nil || c.current.SessionID != id || c.generation != gen {
		c.mu.Unlock()
		return "stale"
	}
	prev := *c.current
	snapshot := next.Clone()
	c.current = &snapshot
	c.mu.Unlock()

	c.publishDiff(prev, next)
	return "applied"
}

func (c *Coordinator) publishDiff(prev, next SessionData) {
	if sessionChanged(prev, next) {
		snapshot := next.Clone()
		c.events.publish(Event{Type: EventSessionUpdated, SessionID: next.SessionID, Session: &snapshot})
	}
	if prev.OwnerID != next.OwnerID {
		snapshot := next.Clone()
		c.events.publish(Event{Type: EventOwnerChanged, SessionID: next.SessionID, Session: &snapshot, UserID: next.OwnerID})
	}
	for _, m := range next.Members {
		old, ok := prev.Member(m.UserID)
		if !ok {
			continue
		}
		for _, key := range m.Attributes.Keys() {
			value := m.Attributes.Value(key)
			if was, had := old.Attributes.Get(key); had && was == value {
				continue
			}
			member := m.Clone()
			c.events.publish(Event{
				Type:      EventMemberAttributeUpdated,
				SessionID: next.SessionID,
				Member:    &member,
				UserID:    m.UserID,
				Key:       key,
				Value:     value,
			})
		}
	}
}

func sessionChanged(prev, next SessionData) bool {
	if prev.MemberCount != next.MemberCount || prev.MaxMembers != next.MaxMembers ||
		prev.Public != next.Public || prev.VoiceEnabled != next.VoiceEnabled ||
		prev.AllowCrossplay != next.AllowCrossplay || prev.JoinCode != next.JoinCode {
		return true
	}
	if !prev.Attributes.Equal(next.Attributes) {
		return true
	}
	return !equalStrings(memberIDs(prev), memberIDs(next))
}

func memberIDs(d SessionData) []string {
	ids := make([]string, len(d.Members))
	for i, m := range d.Members {
		ids[i] = m.UserID
	}
	sort.Strings(ids)
	return ids
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// handleNotification runs on the backend's delivery goroutine and must not
// block on the backend.
func (c *Coordinator) handleNotification(n backend.Notification) {
	c.metrics.ObserveNotification(string(n.Kind))

	cur, ok := c.CurrentSession()
	if !ok || cur.SessionID != n.SessionID {
		return
	}
	switch n.Kind {
	case backend.NotifySessionUpdated, backend.NotifyMemberAttributeUpdated:
		c.requestRefresh()
	case backend.NotifyMemberStatusChanged:
		c.handleMemberStatus(cur, n)
	}
}

func (c *Coordinator) handleMemberStatus(cur SessionData, n backend.Notification) {
	member, ok := cur.Member(n.TargetUserID)
	if !ok {
		member = SessionMemberData{UserID: n.TargetUserID, DisplayName: n.DisplayName}
	}

	switch n.Status {
	case backend.MemberJoined:
		c.events.publish(Event{Type: EventMemberJoined, SessionID: cur.SessionID, Member: &member, UserID: n.TargetUserID})
	case backend.MemberLeft, backend.MemberDisconnected:
		c.events.publish(Event{Type: EventMemberLeft, SessionID: cur.SessionID, Member: &member, UserID: n.TargetUserID, Reason: string(n.Status)})
	case backend.MemberKicked:
		if n.TargetUserID == c.client.LocalUserID() {
			c.dropSession(cur.SessionID, 0, LeaveReasonKicked)
			return
		}
		c.events.publish(Event{Type: EventMemberLeft, SessionID: cur.SessionID, Member: &member, UserID: n.TargetUserID, Reason: LeaveReasonKicked})
	case backend.MemberPromoted:
		c.promote(cur.SessionID, n.TargetUserID)
	case backend.SessionClosed:
		c.dropSession(cur.SessionID, 0, LeaveReasonClosed)
		return
	}
	c.requestRefresh()
}

// promote applies an ownership change ahead of the follow-up refresh.
func (c *Coordinator) promote(sessionID, ownerID string) {
	if ownerID == "" {
		return
	}
	c.mu.Lock()
	if c.current == nil || c.current.SessionID != sessionID || c.current.OwnerID == ownerID {
		c.mu.Unlock()
		return
	}
	next := c.current.withOwner(ownerID)
	c.current = &next
	snapshot := next.Clone()
	c.mu.Unlock()

	c.events.publish(Event{Type: EventOwnerChanged, SessionID: sessionID, Session: &snapshot, UserID: ownerID})
	c.logger.Info().Str("session_id", sessionID).Str("owner_id", ownerID).Msg("session owner changed")
}
