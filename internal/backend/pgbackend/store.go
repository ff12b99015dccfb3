// Package pgbackend implements backend.Client on PostgreSQL. Membership
// changes run in transactions that lock the session row, and notifications
// are emitted with pg_notify inside the same transaction so they are only
// delivered once the change commits.
package pgbackend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ent0n29/lobbykit/internal/backend"
)

const notifyChannel = "lobby_events"

// Store persists sessions in PostgreSQL.
type Store struct {
	pool         *pgxpool.Pool
	sessionLimit int
	logger       zerolog.Logger
}

func New(ctx context.Context, databaseURL string, sessionLimit int, logger zerolog.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{
		pool:         pool,
		sessionLimit: sessionLimit,
		logger:       logger.With().Str("component", "pgbackend").Logger(),
	}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS lobby_sessions (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			max_members INTEGER NOT NULL,
			public BOOLEAN NOT NULL DEFAULT TRUE,
			bucket_id TEXT NOT NULL DEFAULT '',
			voice_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			allow_crossplay BOOLEAN NOT NULL DEFAULT FALSE,
			seq BIGSERIAL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_lobby_sessions_bucket ON lobby_sessions (bucket_id, seq);`,
		`CREATE INDEX IF NOT EXISTS idx_lobby_sessions_owner ON lobby_sessions (owner_id);`,
		`CREATE TABLE IF NOT EXISTS lobby_session_attributes (
			session_id TEXT NOT NULL REFERENCES lobby_sessions (id) ON DELETE CASCADE,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (session_id, key)
		);`,
		`CREATE TABLE IF NOT EXISTS lobby_members (
			session_id TEXT NOT NULL REFERENCES lobby_sessions (id) ON DELETE CASCADE,
			user_id TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			joined_seq BIGSERIAL,
			PRIMARY KEY (session_id, user_id)
		);`,
		`CREATE TABLE IF NOT EXISTS lobby_member_attributes (
			session_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (session_id, user_id, key),
			FOREIGN KEY (session_id, user_id) REFERENCES lobby_members (session_id, user_id) ON DELETE CASCADE
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Client returns a client bound to userID. It holds one pooled connection
// for LISTEN until Close.
func (s *Store) Client(ctx context.Context, userID, displayName string) (*Client, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, backend.ErrInvalidParameters
	}
	conn, err := s.acquireListener(ctx)
	if err != nil {
		return nil, err
	}
	listenCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		store:       s,
		userID:      userID,
		displayName: displayName,
		dispatcher:  backend.NewDispatcher(256),
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	go c.listen(listenCtx, conn)
	return c, nil
}

// acquireListener takes a pooled connection and puts it in LISTEN mode.
func (s *Store) acquireListener(ctx context.Context) (*pgxpool.Conn, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen: %w", err)
	}
	return conn, nil
}

// envelope is the pg_notify payload. Every client listens on one channel and
// keeps the notifications addressed to its user.
type envelope struct {
	Recipients   []string             `json:"recipients"`
	Notification backend.Notification `json:"notification"`
}

func notify(ctx context.Context, tx pgx.Tx, n backend.Notification, recipients []string) error {
	if len(recipients) == 0 {
		return nil
	}
	payload, err := json.Marshal(envelope{Recipients: recipients, Notification: n})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, string(payload)); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}

type lockedSession struct {
	ownerID    string
	maxMembers int
}

// lockSession takes a row lock on the session for the rest of tx.
func lockSession(ctx context.Context, tx pgx.Tx, id string) (lockedSession, error) {
	var ls lockedSession
	err := tx.QueryRow(ctx,
		`SELECT owner_id, max_members FROM lobby_sessions WHERE id=$1 FOR UPDATE`, id,
	).Scan(&ls.ownerID, &ls.maxMembers)
	if errors.Is(err, pgx.ErrNoRows) {
		return ls, backend.ErrNotFound
	}
	if err != nil {
		return ls, fmt.Errorf("lock session: %w", err)
	}
	return ls, nil
}

func memberIDs(ctx context.Context, tx pgx.Tx, id string) ([]string, error) {
	rows, err := tx.Query(ctx, `SELECT user_id FROM lobby_members WHERE session_id=$1 ORDER BY joined_seq`, id)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan members: %w", err)
	}
	return ids, nil
}

// loadRecords reads full records for ids, preserving the order of ids.
func (s *Store) loadRecords(ctx context.Context, ids []string) ([]backend.Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	byID := make(map[string]*backend.Record, len(ids))

	rows, err := s.pool.Query(ctx,
		`SELECT id, owner_id, max_members, public, bucket_id, voice_enabled, allow_crossplay
		 FROM lobby_sessions WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	for rows.Next() {
		var r backend.Record
		if err := rows.Scan(&r.SessionID, &r.OwnerID, &r.MaxMembers, &r.Public, &r.BucketID, &r.VoiceEnabled, &r.AllowCrossplay); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		r.Attributes = map[string]string{}
		byID[r.SessionID] = &r
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}

	rows, err = s.pool.Query(ctx,
		`SELECT session_id, key, value FROM lobby_session_attributes WHERE session_id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("query session attributes: %w", err)
	}
	for rows.Next() {
		var sid, k, v string
		if err := rows.Scan(&sid, &k, &v); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan attribute row: %w", err)
		}
		if r := byID[sid]; r != nil {
			r.Attributes[k] = v
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attribute rows: %w", err)
	}

	rows, err = s.pool.Query(ctx,
		`SELECT m.session_id, m.user_id, m.display_name, a.key, a.value
		 FROM lobby_members m
		 LEFT JOIN lobby_member_attributes a ON a.session_id = m.session_id AND a.user_id = m.user_id
		 WHERE m.session_id = ANY($1)
		 ORDER BY m.joined_seq`, ids)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	for rows.Next() {
		var sid, uid, name string
		var k, v *string
		if err := rows.Scan(&sid, &uid, &name, &k, &v); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan member row: %w", err)
		}
		r := byID[sid]
		if r == nil {
			continue
		}
		n := len(r.Members)
		if n == 0 || r.Members[n-1].UserID != uid {
			r.Members = append(r.Members, backend.MemberRecord{UserID: uid, DisplayName: name, Attributes: map[string]string{}})
			n++
		}
		if k != nil && v != nil {
			r.Members[n-1].Attributes[*k] = *v
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate member rows: %w", err)
	}

	out := make([]backend.Record, 0, len(ids))
	for _, id := range ids {
		if r := byID[id]; r != nil {
			out = append(out, *r)
		}
	}
	return out, nil
}
