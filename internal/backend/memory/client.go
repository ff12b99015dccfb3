package memory

import (
	"context"
	"sort"
	"strings"

	"github.com/ent0n29/lobbykit/internal/backend"
)

// Client is one local user's view of a memory Backend.
type Client struct {
	b           *Backend
	userID      string
	displayName string
	dispatcher  *backend.Dispatcher

	// stale counts the remaining lagging detail reads per session. Guarded by
	// b.mu.
	stale map[string]int
}

var _ backend.Client = (*Client)(nil)

func (c *Client) LocalUserID() string { return c.userID }

func (c *Client) CreateSession(ctx context.Context, req backend.CreateRequest) (string, error) {
	if err := c.b.enter(ctx, OpCreate); err != nil {
		return "", err
	}
	if req.MaxMembers <= 0 {
		return "", backend.ErrInvalidParameters
	}

	b := c.b
	b.mu.Lock()
	defer b.mu.Unlock()

	if req.EnableVoice && !b.voiceAvailable {
		return "", backend.ErrVoiceUnavailable
	}
	if b.sessionLimit > 0 && b.ownedByLocked(c.userID) >= b.sessionLimit {
		return "", backend.ErrLimitExceeded
	}
	id := strings.TrimSpace(req.SessionID)
	if id == "" {
		id = newSessionID()
	}
	if _, exists := b.sessions[id]; exists {
		return "", backend.ErrInvalidParameters
	}
	name := req.DisplayName
	if name == "" {
		name = c.displayName
	}
	b.seq++
	b.sessions[id] = &session{
		created: b.seq,
		rec: backend.Record{
			SessionID:      id,
			OwnerID:        c.userID,
			MaxMembers:     req.MaxMembers,
			Public:         req.Public,
			BucketID:       req.BucketID,
			VoiceEnabled:   req.EnableVoice,
			AllowCrossplay: req.AllowCrossplay,
			Attributes:     map[string]string{},
			Members: []backend.MemberRecord{{
				UserID:      c.userID,
				DisplayName: name,
				Attributes:  map[string]string{},
			}},
		},
	}
	if b.detailsLag > 0 {
		c.stale[id] = b.detailsLag
	}
	return id, nil
}

func (c *Client) SearchSessions(ctx context.Context, q backend.Query, maxResults int) (*backend.ResultSet, error) {
	if err := c.b.enter(ctx, OpSearch); err != nil {
		return nil, err
	}
	if maxResults <= 0 {
		return nil, backend.ErrInvalidParameters
	}
	for _, p := range q.Params {
		if !p.Comparator.Valid() && p.Comparator != "" {
			return nil, backend.ErrInvalidParameters
		}
	}

	b := c.b
	b.mu.Lock()
	matched := make([]*session, 0, len(b.sessions))
	for _, s := range b.sessions {
		if backend.Match(s.rec, q) {
			matched = append(matched, s)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].created < matched[j].created })
	records := make([]backend.Record, len(matched))
	for i, s := range matched {
		records[i] = s.rec.Clone()
	}
	b.mu.Unlock()

	backend.SortByDistance(records, q)
	if len(records) > maxResults {
		records = records[:maxResults]
	}
	return backend.NewResultSet(records), nil
}

func (c *Client) JoinSession(ctx context.Context, sessionID string) error {
	if err := c.b.enter(ctx, OpJoin); err != nil {
		return err
	}

	b := c.b
	b.mu.Lock()
	s, ok := b.sessions[sessionID]
	if !ok {
		b.mu.Unlock()
		return backend.ErrNotFound
	}
	if _, member := s.rec.Member(c.userID); member {
		b.mu.Unlock()
		return backend.ErrAlreadyMember
	}
	if s.rec.MaxMembers > 0 && len(s.rec.Members) >= s.rec.MaxMembers {
		b.mu.Unlock()
		return backend.ErrSessionFull
	}
	out := b.broadcastLocked(s.rec, backend.Notification{
		Kind:         backend.NotifyMemberStatusChanged,
		SessionID:    sessionID,
		TargetUserID: c.userID,
		DisplayName:  c.displayName,
		Status:       backend.MemberJoined,
	})
	s.rec.Members = append(s.rec.Members, backend.MemberRecord{
		UserID:      c.userID,
		DisplayName: c.displayName,
		Attributes:  map[string]string{},
	})
	if b.detailsLag > 0 {
		c.stale[sessionID] = b.detailsLag
	}
	b.mu.Unlock()

	b.flush(out)
	return nil
}

// LeaveSession removes the caller. When the owner leaves, the longest-standing
// remaining member is promoted; the last member leaving destroys the session.
func (c *Client) LeaveSession(ctx context.Context, sessionID string) error {
	if err := c.b.enter(ctx, OpLeave); err != nil {
		return err
	}

	b := c.b
	b.mu.Lock()
	s, ok := b.sessions[sessionID]
	if !ok {
		b.mu.Unlock()
		return backend.ErrNotFound
	}
	if !removeMember(&s.rec, c.userID) {
		b.mu.Unlock()
		return backend.ErrNotFound
	}
	delete(c.stale, sessionID)

	var out []outbound
	if len(s.rec.Members) == 0 {
		delete(b.sessions, sessionID)
	} else {
		out = b.broadcastLocked(s.rec, backend.Notification{
			Kind:         backend.NotifyMemberStatusChanged,
			SessionID:    sessionID,
			TargetUserID: c.userID,
			Status:       backend.MemberLeft,
		})
		if s.rec.OwnerID == c.userID {
			next := s.rec.Members[0]
			s.rec.OwnerID = next.UserID
			out = append(out, b.broadcastLocked(s.rec, backend.Notification{
				Kind:         backend.NotifyMemberStatusChanged,
				SessionID:    sessionID,
				TargetUserID: next.UserID,
				DisplayName:  next.DisplayName,
				Status:       backend.MemberPromoted,
			})...)
		}
	}
	b.mu.Unlock()

	b.flush(out)
	return nil
}

func (c *Client) KickMember(ctx context.Context, sessionID, targetUserID string) error {
	if err := c.b.enter(ctx, OpKick); err != nil {
		return err
	}

	b := c.b
	b.mu.Lock()
	s, ok := b.sessions[sessionID]
	if !ok {
		b.mu.Unlock()
		return backend.ErrNotFound
	}
	if s.rec.OwnerID != c.userID {
		b.mu.Unlock()
		return backend.ErrNotOwner
	}
	if targetUserID == c.userID {
		b.mu.Unlock()
		return backend.ErrInvalidParameters
	}
	if !removeMember(&s.rec, targetUserID) {
		b.mu.Unlock()
		return backend.ErrNotFound
	}
	if tc := b.clients[targetUserID]; tc != nil {
		delete(tc.stale, sessionID)
	}
	out := b.broadcastLocked(s.rec, backend.Notification{
		Kind:         backend.NotifyMemberStatusChanged,
		SessionID:    sessionID,
		TargetUserID: targetUserID,
		Status:       backend.MemberKicked,
	}, targetUserID)
	b.mu.Unlock()

	b.flush(out)
	return nil
}

func (c *Client) CopySessionDetails(ctx context.Context, sessionID string) (backend.Record, error) {
	if err := c.b.enter(ctx, OpCopy); err != nil {
		return backend.Record{}, err
	}

	b := c.b
	b.mu.Lock()
	s, ok := b.sessions[sessionID]
	if !ok {
		b.mu.Unlock()
		return backend.Record{}, backend.ErrNotFound
	}
	if _, member := s.rec.Member(c.userID); !member {
		b.mu.Unlock()
		return backend.Record{}, backend.ErrNotFound
	}
	rec := s.rec.Clone()
	if n := c.stale[sessionID]; n > 0 {
		c.stale[sessionID] = n - 1
		rec.OwnerID = ""
	}
	hook := b.detailsHook
	b.mu.Unlock()

	if hook != nil {
		hook(c.userID, sessionID)
	}
	return rec, nil
}

func (c *Client) BeginModification(sessionID string) *backend.Modification {
	return backend.NewModification(sessionID)
}

// SubmitModification applies every change or none. Session attributes may only
// be written by the owner; member attributes always target the caller.
func (c *Client) SubmitModification(ctx context.Context, mod *backend.Modification) error {
	if err := c.b.enter(ctx, OpModify); err != nil {
		return err
	}
	if err := mod.Validate(); err != nil {
		return err
	}
	for _, ch := range mod.Changes {
		if len(ch.Key) > maxAttributeKeyLength {
			return backend.ErrAttributeRejected
		}
	}
	sessionAttrs, memberAttrs := mod.Split()

	b := c.b
	b.mu.Lock()
	s, ok := b.sessions[mod.SessionID]
	if !ok {
		b.mu.Unlock()
		return backend.ErrNotFound
	}
	idx := -1
	for i, m := range s.rec.Members {
		if m.UserID == c.userID {
			idx = i
			break
		}
	}
	if idx < 0 {
		b.mu.Unlock()
		return backend.ErrNotFound
	}
	if len(sessionAttrs) > 0 && s.rec.OwnerID != c.userID {
		b.mu.Unlock()
		return backend.ErrNotOwner
	}

	var out []outbound
	if len(sessionAttrs) > 0 {
		if s.rec.Attributes == nil {
			s.rec.Attributes = make(map[string]string, len(sessionAttrs))
		}
		for k, v := range sessionAttrs {
			s.rec.Attributes[k] = v
		}
		out = append(out, b.broadcastLocked(s.rec, backend.Notification{
			Kind:      backend.NotifySessionUpdated,
			SessionID: mod.SessionID,
		})...)
	}
	if len(memberAttrs) > 0 {
		m := &s.rec.Members[idx]
		if m.Attributes == nil {
			m.Attributes = make(map[string]string, len(memberAttrs))
		}
		for k, v := range memberAttrs {
			m.Attributes[k] = v
		}
		out = append(out, b.broadcastLocked(s.rec, backend.Notification{
			Kind:         backend.NotifyMemberAttributeUpdated,
			SessionID:    mod.SessionID,
			TargetUserID: c.userID,
			DisplayName:  m.DisplayName,
			Attributes:   memberAttrs,
		})...)
	}
	b.mu.Unlock()

	b.flush(out)
	return nil
}

func (c *Client) Subscribe(kind backend.NotificationKind, fn func(backend.Notification)) backend.SubscriptionID {
	return c.dispatcher.Subscribe(kind, fn)
}

func (c *Client) Unsubscribe(id backend.SubscriptionID) {
	c.dispatcher.Unsubscribe(id)
}

func removeMember(rec *backend.Record, userID string) bool {
	for i, m := range rec.Members {
		if m.UserID == userID {
			rec.Members = append(rec.Members[:i], rec.Members[i+1:]...)
			return true
		}
	}
	return false
}
