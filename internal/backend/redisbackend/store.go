// Package redisbackend implements backend.Client on top of Redis. Session
// state is kept in hashes and sorted sets, membership changes run as Lua
// scripts, and notifications travel over one Pub/Sub channel per user.
package redisbackend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ent0n29/lobbykit/internal/backend"
)

const defaultKeyPrefix = "lobby:"

type Config struct {
	Addr         string
	Password     string
	DB           int
	KeyPrefix    string
	SessionLimit int
}

type Store struct {
	rdb          *redis.Client
	prefix       string
	sessionLimit int
	logger       zerolog.Logger
}

func New(ctx context.Context, cfg Config, logger zerolog.Logger) (*Store, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &Store{
		rdb:          rdb,
		prefix:       prefix,
		sessionLimit: cfg.SessionLimit,
		logger:       logger.With().Str("component", "redisbackend").Logger(),
	}, nil
}

func (s *Store) Close() error { return s.rdb.Close() }

// Client subscribes to userID's notification channel and returns a client
// bound to that user. The subscription is confirmed before Client returns.
func (s *Store) Client(ctx context.Context, userID, displayName string) (*Client, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, backend.ErrInvalidParameters
	}
	ps := s.rdb.Subscribe(ctx, s.notifyChannel(userID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}
	c := &Client{
		store:       s,
		userID:      userID,
		displayName: displayName,
		pubsub:      ps,
		dispatcher:  backend.NewDispatcher(256),
		done:        make(chan struct{}),
	}
	go c.listen()
	return c, nil
}

// --- Key helpers ---

func (s *Store) sessionKey(id string) string { return s.prefix + "session:" + id }
func (s *Store) attrsKey(id string) string   { return s.prefix + "session:" + id + ":attrs" }
func (s *Store) membersKey(id string) string { return s.prefix + "session:" + id + ":members" }
func (s *Store) namesKey(id string) string   { return s.prefix + "session:" + id + ":names" }
func (s *Store) memberAttrsKey(id, userID string) string {
	return s.prefix + "session:" + id + ":member:" + userID
}
func (s *Store) indexKey() string                   { return s.prefix + "sessions" }
func (s *Store) bucketKey(bucket string) string     { return s.prefix + "bucket:" + bucket }
func (s *Store) ownedKey(userID string) string      { return s.prefix + "owned:" + userID }
func (s *Store) seqKey() string                     { return s.prefix + "seq" }
func (s *Store) notifyChannel(userID string) string { return s.prefix + "notify:" + userID }

// load reads a full session record in two round trips.
func (s *Store) load(ctx context.Context, id string) (backend.Record, error) {
	pipe := s.rdb.Pipeline()
	meta := pipe.HGetAll(ctx, s.sessionKey(id))
	attrs := pipe.HGetAll(ctx, s.attrsKey(id))
	members := pipe.ZRange(ctx, s.membersKey(id), 0, -1)
	names := pipe.HGetAll(ctx, s.namesKey(id))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return backend.Record{}, err
	}
	if len(meta.Val()) == 0 {
		return backend.Record{}, backend.ErrNotFound
	}

	rec := decodeMeta(id, meta.Val())
	rec.Attributes = attrs.Val()
	ids := members.Val()
	if len(ids) == 0 {
		return rec, nil
	}

	pipe = s.rdb.Pipeline()
	memberAttrs := make([]*redis.MapStringStringCmd, len(ids))
	for i, uid := range ids {
		memberAttrs[i] = pipe.HGetAll(ctx, s.memberAttrsKey(id, uid))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return backend.Record{}, err
	}
	rec.Members = make([]backend.MemberRecord, len(ids))
	for i, uid := range ids {
		rec.Members[i] = backend.MemberRecord{
			UserID:      uid,
			DisplayName: names.Val()[uid],
			Attributes:  memberAttrs[i].Val(),
		}
	}
	return rec, nil
}

func decodeMeta(id string, meta map[string]string) backend.Record {
	maxMembers, _ := strconv.Atoi(meta["max"])
	return backend.Record{
		SessionID:      id,
		OwnerID:        meta["owner"],
		MaxMembers:     maxMembers,
		Public:         meta["public"] == "1",
		BucketID:       meta["bucket"],
		VoiceEnabled:   meta["voice"] == "1",
		AllowCrossplay: meta["crossplay"] == "1",
	}
}

func flag(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

// publish sends n to every recipient. Delivery is best effort; a failed
// publish is logged and does not fail the operation that caused it.
func (s *Store) publish(ctx context.Context, n backend.Notification, recipients ...string) {
	payload, err := json.Marshal(n)
	if err != nil {
		s.logger.Error().Err(err).Msg("encode notification")
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, uid := range recipients {
		if err := s.rdb.Publish(ctx, s.notifyChannel(uid), payload).Err(); err != nil {
			s.logger.Warn().Err(err).Str("user_id", uid).Str("kind", string(n.Kind)).Msg("publish notification")
		}
	}
}

func (s *Store) members(ctx context.Context, id string) []string {
	ids, err := s.rdb.ZRange(ctx, s.membersKey(id), 0, -1).Result()
	if err != nil {
		s.logger.Warn().Err(err).Str("session_id", id).Msg("list members")
		return nil
	}
	return ids
}

func without(ids []string, drop string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != drop {
			out = append(out, id)
		}
	}
	return out
}

func pairs(m map[string]string) []any {
	out := make([]any, 0, len(m)*2)
	for k, v := range m {
		out = append(out, k, v)
	}
	return out
}
