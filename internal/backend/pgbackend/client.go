package pgbackend

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/lobbykit/internal/backend"
	"github.com/ent0n29/lobbykit/internal/reliability"
)

const (
	maxAttributeKeyLength = 64

	listenRetryBase = 100 * time.Millisecond
	listenRetryCap  = 5 * time.Second
)

// Client is one local user's handle on the Postgres store.
type Client struct {
	store       *Store
	userID      string
	displayName string
	dispatcher  *backend.Dispatcher
	cancel      context.CancelFunc
	done        chan struct{}
}

var _ backend.Client = (*Client)(nil)

func (c *Client) LocalUserID() string { return c.userID }

// Close stops listening and releases the listen connection.
func (c *Client) Close() error {
	c.cancel()
	<-c.done
	c.dispatcher.Close()
	return nil
}

func (c *Client) listen(ctx context.Context, conn *pgxpool.Conn) {
	defer close(c.done)
	attempt := 0
	for {
		err := c.drain(ctx, conn)
		// The connection is still in LISTEN mode; drop it rather than return
		// it to the pool.
		_ = conn.Conn().Close(context.Background())
		conn.Release()
		if ctx.Err() != nil {
			return
		}
		c.store.logger.Error().Err(err).Str("user_id", c.userID).Msg("wait for notification")

		for {
			if reliability.Sleep(ctx, reliability.ExponentialBackoff(attempt, listenRetryBase, listenRetryCap)) != nil {
				return
			}
			attempt++
			conn, err = c.store.acquireListener(ctx)
			if err == nil {
				break
			}
			c.store.logger.Warn().Err(err).Int("attempt", attempt).Msg("relisten")
		}
		attempt = 0
	}
}

// drain publishes notifications addressed to this client until the
// connection fails or ctx ends.
func (c *Client) drain(ctx context.Context, conn *pgxpool.Conn) error {
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		var env envelope
		if err := json.Unmarshal([]byte(n.Payload), &env); err != nil {
			c.store.logger.Warn().Err(err).Msg("decode notification")
			continue
		}
		if slices.Contains(env.Recipients, c.userID) {
			c.dispatcher.Publish(env.Notification)
		}
	}
}

// inTx runs fn in a transaction, committing when fn returns nil.
func (c *Client) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := c.store.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (c *Client) CreateSession(ctx context.Context, req backend.CreateRequest) (string, error) {
	if req.MaxMembers <= 0 {
		return "", backend.ErrInvalidParameters
	}
	id := strings.TrimSpace(req.SessionID)
	if id == "" {
		id = uuid.NewString()
	}
	name := req.DisplayName
	if name == "" {
		name = c.displayName
	}
	err := c.inTx(ctx, func(tx pgx.Tx) error {
		if limit := c.store.sessionLimit; limit > 0 {
			// Serialize quota checks per owner.
			if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, c.userID); err != nil {
				return fmt.Errorf("lock owner: %w", err)
			}
			var owned int
			if err := tx.QueryRow(ctx, `SELECT count(*) FROM lobby_sessions WHERE owner_id=$1`, c.userID).Scan(&owned); err != nil {
				return fmt.Errorf("count owned sessions: %w", err)
			}
			if owned >= limit {
				return backend.ErrLimitExceeded
			}
		}
		tag, err := tx.Exec(ctx,
			`INSERT INTO lobby_sessions (id, owner_id, max_members, public, bucket_id, voice_enabled, allow_crossplay)
			 VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (id) DO NOTHING`,
			id, c.userID, req.MaxMembers, req.Public, req.BucketID, req.EnableVoice, req.AllowCrossplay,
		)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return backend.ErrInvalidParameters
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO lobby_members (session_id, user_id, display_name) VALUES ($1, $2, $3)`,
			id, c.userID, name,
		); err != nil {
			return fmt.Errorf("insert owner: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (c *Client) SearchSessions(ctx context.Context, q backend.Query, maxResults int) (*backend.ResultSet, error) {
	if maxResults <= 0 {
		return nil, backend.ErrInvalidParameters
	}
	for _, p := range q.Params {
		if p.Comparator != "" && !p.Comparator.Valid() {
			return nil, backend.ErrInvalidParameters
		}
	}
	sql, args, _ := searchSQL(q, maxResults)
	rows, err := c.store.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("search sessions: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("search sessions: %w", err)
	}
	loaded, err := c.store.loadRecords(ctx, ids)
	if err != nil {
		return nil, err
	}
	records := make([]backend.Record, 0, len(loaded))
	for _, rec := range loaded {
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
	return c.inTx(ctx, func(tx pgx.Tx) error {
		ls, err := lockSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		members, err := memberIDs(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if slices.Contains(members, c.userID) {
			return backend.ErrAlreadyMember
		}
		if ls.maxMembers > 0 && len(members) >= ls.maxMembers {
			return backend.ErrSessionFull
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO lobby_members (session_id, user_id, display_name) VALUES ($1, $2, $3)`,
			sessionID, c.userID, c.displayName,
		); err != nil {
			return fmt.Errorf("insert member: %w", err)
		}
		return notify(ctx, tx, backend.Notification{
			Kind:         backend.NotifyMemberStatusChanged,
			SessionID:    sessionID,
			TargetUserID: c.userID,
			DisplayName:  c.displayName,
			Status:       backend.MemberJoined,
		}, members)
	})
}

func (c *Client) LeaveSession(ctx context.Context, sessionID string) error {
	return c.inTx(ctx, func(tx pgx.Tx) error {
		ls, err := lockSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `DELETE FROM lobby_members WHERE session_id=$1 AND user_id=$2`, sessionID, c.userID)
		if err != nil {
			return fmt.Errorf("delete member: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return backend.ErrNotFound
		}
		remaining, err := memberIDs(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if len(remaining) == 0 {
			if _, err := tx.Exec(ctx, `DELETE FROM lobby_sessions WHERE id=$1`, sessionID); err != nil {
				return fmt.Errorf("delete session: %w", err)
			}
			return nil
		}
		if err := notify(ctx, tx, backend.Notification{
			Kind:         backend.NotifyMemberStatusChanged,
			SessionID:    sessionID,
			TargetUserID: c.userID,
			Status:       backend.MemberLeft,
		}, remaining); err != nil {
			return err
		}
		if ls.ownerID != c.userID {
			return nil
		}

		next := remaining[0]
		var name string
		if err := tx.QueryRow(ctx,
			`UPDATE lobby_sessions s SET owner_id=$2
			 FROM lobby_members m WHERE s.id=$1 AND m.session_id=s.id AND m.user_id=$2
			 RETURNING m.display_name`,
			sessionID, next,
		).Scan(&name); err != nil {
			return fmt.Errorf("promote owner: %w", err)
		}
		return notify(ctx, tx, backend.Notification{
			Kind:         backend.NotifyMemberStatusChanged,
			SessionID:    sessionID,
			TargetUserID: next,
			DisplayName:  name,
			Status:       backend.MemberPromoted,
		}, remaining)
	})
}

func (c *Client) KickMember(ctx context.Context, sessionID, targetUserID string) error {
	return c.inTx(ctx, func(tx pgx.Tx) error {
		ls, err := lockSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if ls.ownerID != c.userID {
			return backend.ErrNotOwner
		}
		if targetUserID == c.userID {
			return backend.ErrInvalidParameters
		}
		tag, err := tx.Exec(ctx, `DELETE FROM lobby_members WHERE session_id=$1 AND user_id=$2`, sessionID, targetUserID)
		if err != nil {
			return fmt.Errorf("delete member: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return backend.ErrNotFound
		}
		remaining, err := memberIDs(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		return notify(ctx, tx, backend.Notification{
			Kind:         backend.NotifyMemberStatusChanged,
			SessionID:    sessionID,
			TargetUserID: targetUserID,
			Status:       backend.MemberKicked,
		}, append(remaining, targetUserID))
	})
}

func (c *Client) CopySessionDetails(ctx context.Context, sessionID string) (backend.Record, error) {
	records, err := c.store.loadRecords(ctx, []string{sessionID})
	if err != nil {
		return backend.Record{}, err
	}
	if len(records) == 0 {
		return backend.Record{}, backend.ErrNotFound
	}
	if _, ok := records[0].Member(c.userID); !ok {
		return backend.Record{}, backend.ErrNotFound
	}
	return records[0], nil
}

func (c *Client) BeginModification(sessionID string) *backend.Modification {
	return backend.NewModification(sessionID)
}

func (c *Client) SubmitModification(ctx context.Context, mod *backend.Modification) error {
	if err := mod.Validate(); err != nil {
		return err
	}
	for _, ch := range mod.Changes {
		if len(ch.Key) > maxAttributeKeyLength {
			return backend.ErrAttributeRejected
		}
	}
	id := mod.SessionID
	sessionAttrs, memberAttrs := mod.Split()

	return c.inTx(ctx, func(tx pgx.Tx) error {
		ls, err := lockSession(ctx, tx, id)
		if err != nil {
			return err
		}
		members, err := memberIDs(ctx, tx, id)
		if err != nil {
			return err
		}
		if !slices.Contains(members, c.userID) {
			return backend.ErrNotFound
		}
		if len(sessionAttrs) > 0 && ls.ownerID != c.userID {
			return backend.ErrNotOwner
		}

		batch := &pgx.Batch{}
		for k, v := range sessionAttrs {
			batch.Queue(`INSERT INTO lobby_session_attributes (session_id, key, value) VALUES ($1, $2, $3)
				ON CONFLICT (session_id, key) DO UPDATE SET value = EXCLUDED.value`, id, k, v)
		}
		for k, v := range memberAttrs {
			batch.Queue(`INSERT INTO lobby_member_attributes (session_id, user_id, key, value) VALUES ($1, $2, $3, $4)
				ON CONFLICT (session_id, user_id, key) DO UPDATE SET value = EXCLUDED.value`, id, c.userID, k, v)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("apply attributes: %w", err)
		}

		if len(sessionAttrs) > 0 {
			if err := notify(ctx, tx, backend.Notification{
				Kind:      backend.NotifySessionUpdated,
				SessionID: id,
			}, members); err != nil {
				return err
			}
		}
		if len(memberAttrs) > 0 {
			return notify(ctx, tx, backend.Notification{
				Kind:         backend.NotifyMemberAttributeUpdated,
				SessionID:    id,
				TargetUserID: c.userID,
				DisplayName:  c.displayName,
				Attributes:   memberAttrs,
			}, members)
		}
		return nil
	})
}

func (c *Client) Subscribe(kind backend.NotificationKind, fn func(backend.Notification)) backend.SubscriptionID {
	return c.dispatcher.Subscribe(kind, fn)
}

func (c *Client) Unsubscribe(id backend.SubscriptionID) {
	c.dispatcher.Unsubscribe(id)
}
