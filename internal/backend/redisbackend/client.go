package redisbackend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ent0n29/lobbykit/internal/backend"
)

const (
	maxAttributeKeyLength = 64
	maxWatchRetries       = 3
)

// Client is one local user's connection to the Redis store.
type Client struct {
	store       *Store
	userID      string
	displayName string
	pubsub      *redis.PubSub
	dispatcher  *backend.Dispatcher
	done        chan struct{}
}

var _ backend.Client = (*Client)(nil)

func (c *Client) LocalUserID() string { return c.userID }

// Close stops the notification subscription.
func (c *Client) Close() error {
	err := c.pubsub.Close()
	<-c.done
	c.dispatcher.Close()
	return err
}

func (c *Client) listen() {
	defer close(c.done)
	for msg := range c.pubsub.Channel() {
		var n backend.Notification
		if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
			c.store.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("decode notification")
			continue
		}
		c.dispatcher.Publish(n)
	}
}

func (c *Client) CreateSession(ctx context.Context, req backend.CreateRequest) (string, error) {
	if req.MaxMembers <= 0 {
		return "", backend.ErrInvalidParameters
	}
	// Voice is provisioned outside Redis; the flag is stored as requested.
	s := c.store
	id := strings.TrimSpace(req.SessionID)
	if id == "" {
		id = uuid.NewString()
	}
	name := req.DisplayName
	if name == "" {
		name = c.displayName
	}
	keys := []string{
		s.sessionKey(id), s.membersKey(id), s.namesKey(id), s.indexKey(),
		s.ownedKey(c.userID), s.seqKey(), s.bucketKey(req.BucketID),
	}
	res, err := createScript.Run(ctx, s.rdb, keys,
		id, c.userID, name, req.MaxMembers, flag(req.Public), req.BucketID,
		flag(req.EnableVoice), flag(req.AllowCrossplay), s.sessionLimit,
	).Int()
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	switch res {
	case -1:
		return "", backend.ErrInvalidParameters
	case -2:
		return "", backend.ErrLimitExceeded
	}
	return id, nil
}

// SearchSessions scans the bucket index (or the global index when no bucket
// is given) in creation order and filters records client-side.
func (c *Client) SearchSessions(ctx context.Context, q backend.Query, maxResults int) (*backend.ResultSet, error) {
	if maxResults <= 0 {
		return nil, backend.ErrInvalidParameters
	}
	for _, p := range q.Params {
		if p.Comparator != "" && !p.Comparator.Valid() {
			return nil, backend.ErrInvalidParameters
		}
	}
	s := c.store
	index := s.indexKey()
	if q.BucketID != "" {
		index = s.bucketKey(q.BucketID)
	}
	ids, err := s.rdb.ZRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("search sessions: %w", err)
	}
	records := make([]backend.Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.load(ctx, id)
		if errors.Is(err, backend.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("search sessions: %w", err)
		}
		if backend.Match(rec, q) {
			records = append(records, rec)
		}
	}
	backend.SortByDistance(records, q)
	if len(records) > maxResults {
		records = records[:maxResults]
	}
	return backend.NewResultSet(records), nil
}

func (c *Client) JoinSession(ctx context.Context, sessionID string) error {
	s := c.store
	keys := []string{s.sessionKey(sessionID), s.membersKey(sessionID), s.namesKey(sessionID), s.seqKey()}
	res, err := joinScript.Run(ctx, s.rdb, keys, c.userID, c.displayName).Int()
	if err != nil {
		return fmt.Errorf("join session: %w", err)
	}
	switch res {
	case 0:
		return backend.ErrNotFound
	case -1:
		return backend.ErrAlreadyMember
	case -2:
		return backend.ErrSessionFull
	}
	s.publish(ctx, backend.Notification{
		Kind:         backend.NotifyMemberStatusChanged,
		SessionID:    sessionID,
		TargetUserID: c.userID,
		DisplayName:  c.displayName,
		Status:       backend.MemberJoined,
	}, without(s.members(ctx, sessionID), c.userID)...)
	return nil
}

func (c *Client) LeaveSession(ctx context.Context, sessionID string) error {
	s := c.store
	var res []any
	for attempt := 0; ; attempt++ {
		plan, err := s.planLeave(ctx, sessionID, c.userID)
		if err != nil {
			return fmt.Errorf("leave session: %w", err)
		}
		keys := []string{
			s.sessionKey(sessionID), s.membersKey(sessionID), s.namesKey(sessionID),
			s.attrsKey(sessionID), s.indexKey(), s.memberAttrsKey(sessionID, c.userID),
			s.bucketKey(plan.bucket), s.ownedKey(plan.owner), s.ownedKey(plan.successor),
		}
		res, err = leaveScript.Run(ctx, s.rdb, keys, c.userID, sessionID, plan.owner, plan.bucket, plan.successor).Slice()
		if err != nil {
			return fmt.Errorf("leave session: %w", err)
		}
		if status, _ := parseLeaveResult(res); status != leaveStale {
			break
		}
		if attempt+1 >= maxLeaveAttempts {
			return fmt.Errorf("leave session %s: membership kept changing", sessionID)
		}
	}
	status, newOwner := parseLeaveResult(res)
	switch status {
	case 0, -1:
		return backend.ErrNotFound
	case 3:
		return nil
	}
	remaining := s.members(ctx, sessionID)
	s.publish(ctx, backend.Notification{
		Kind:         backend.NotifyMemberStatusChanged,
		SessionID:    sessionID,
		TargetUserID: c.userID,
		Status:       backend.MemberLeft,
	}, remaining...)
	if status == 2 {
		name, _ := s.rdb.HGet(ctx, s.namesKey(sessionID), newOwner).Result()
		s.publish(ctx, backend.Notification{
			Kind:         backend.NotifyMemberStatusChanged,
			SessionID:    sessionID,
			TargetUserID: newOwner,
			DisplayName:  name,
			Status:       backend.MemberPromoted,
		}, remaining...)
	}
	return nil
}

const (
	leaveStale       = -9
	maxLeaveAttempts = 5
)

// leavePlan is the state leaveScript expects to find.
type leavePlan struct {
	owner     string
	bucket    string
	successor string
}

// planLeave reads the owner, bucket and would-be successor of sessionID so
// the keys they name can be passed to leaveScript.
func (s *Store) planLeave(ctx context.Context, sessionID, userID string) (leavePlan, error) {
	pipe := s.rdb.Pipeline()
	meta := pipe.HMGet(ctx, s.sessionKey(sessionID), "owner", "bucket")
	head := pipe.ZRange(ctx, s.membersKey(sessionID), 0, 1)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return leavePlan{}, err
	}
	var plan leavePlan
	if vals := meta.Val(); len(vals) == 2 {
		plan.owner, _ = vals[0].(string)
		plan.bucket, _ = vals[1].(string)
	}
	for _, m := range head.Val() {
		if m != userID {
			plan.successor = m
			break
		}
	}
	return plan, nil
}

func parseLeaveResult(res []any) (int64, string) {
	if len(res) != 2 {
		return 0, ""
	}
	var status int64
	switch v := res[0].(type) {
	case int64:
		status = v
	case string:
		status, _ = strconv.ParseInt(v, 10, 64)
	}
	owner, _ := res[1].(string)
	return status, owner
}

func (c *Client) KickMember(ctx context.Context, sessionID, targetUserID string) error {
	s := c.store
	keys := []string{
		s.sessionKey(sessionID), s.membersKey(sessionID), s.namesKey(sessionID),
		s.memberAttrsKey(sessionID, targetUserID),
	}
	res, err := kickScript.Run(ctx, s.rdb, keys, c.userID, targetUserID).Int()
	if err != nil {
		return fmt.Errorf("kick member: %w", err)
	}
	switch res {
	case 0, -3:
		return backend.ErrNotFound
	case -1:
		return backend.ErrNotOwner
	case -2:
		return backend.ErrInvalidParameters
	}
	recipients := append(s.members(ctx, sessionID), targetUserID)
	s.publish(ctx, backend.Notification{
		Kind:         backend.NotifyMemberStatusChanged,
		SessionID:    sessionID,
		TargetUserID: targetUserID,
		Status:       backend.MemberKicked,
	}, recipients...)
	return nil
}

func (c *Client) CopySessionDetails(ctx context.Context, sessionID string) (backend.Record, error) {
	rec, err := c.store.load(ctx, sessionID)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return backend.Record{}, err
		}
		return backend.Record{}, fmt.Errorf("copy session details: %w", err)
	}
	if _, ok := rec.Member(c.userID); !ok {
		return backend.Record{}, backend.ErrNotFound
	}
	return rec, nil
}

func (c *Client) BeginModification(sessionID string) *backend.Modification {
	return backend.NewModification(sessionID)
}

// SubmitModification applies the batch in a MULTI block guarded by WATCH on
// the session and its member set.
func (c *Client) SubmitModification(ctx context.Context, mod *backend.Modification) error {
	if err := mod.Validate(); err != nil {
		return err
	}
	for _, ch := range mod.Changes {
		if len(ch.Key) > maxAttributeKeyLength {
			return backend.ErrAttributeRejected
		}
	}
	s := c.store
	id := mod.SessionID
	sessionAttrs, memberAttrs := mod.Split()

	txf := func(tx *redis.Tx) error {
		owner, err := tx.HGet(ctx, s.sessionKey(id), "owner").Result()
		if errors.Is(err, redis.Nil) {
			return backend.ErrNotFound
		}
		if err != nil {
			return err
		}
		if _, err := tx.ZScore(ctx, s.membersKey(id), c.userID).Result(); err != nil {
			if errors.Is(err, redis.Nil) {
				return backend.ErrNotFound
			}
			return err
		}
		if len(sessionAttrs) > 0 && owner != c.userID {
			return backend.ErrNotOwner
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(sessionAttrs) > 0 {
				pipe.HSet(ctx, s.attrsKey(id), pairs(sessionAttrs)...)
			}
			if len(memberAttrs) > 0 {
				pipe.HSet(ctx, s.memberAttrsKey(id, c.userID), pairs(memberAttrs)...)
			}
			return nil
		})
		return err
	}

	var err error
	for i := 0; i < maxWatchRetries; i++ {
		err = s.rdb.Watch(ctx, txf, s.sessionKey(id), s.membersKey(id))
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		if isBackendError(err) {
			return err
		}
		return fmt.Errorf("submit modification: %w", err)
	}

	recipients := s.members(ctx, id)
	if len(sessionAttrs) > 0 {
		s.publish(ctx, backend.Notification{Kind: backend.NotifySessionUpdated, SessionID: id}, recipients...)
	}
	if len(memberAttrs) > 0 {
		s.publish(ctx, backend.Notification{
			Kind:         backend.NotifyMemberAttributeUpdated,
			SessionID:    id,
			TargetUserID: c.userID,
			DisplayName:  c.displayName,
			Attributes:   memberAttrs,
		}, recipients...)
	}
	return nil
}

func (c *Client) Subscribe(kind backend.NotificationKind, fn func(backend.Notification)) backend.SubscriptionID {
	return c.dispatcher.Subscribe(kind, fn)
}

func (c *Client) Unsubscribe(id backend.SubscriptionID) {
	c.dispatcher.Unsubscribe(id)
}

func isBackendError(err error) bool {
	return errors.Is(err, backend.ErrNotFound) || errors.Is(err, backend.ErrNotOwner)
}

