// Package backend defines the online-services capability the lobby coordinator
// consumes: session create/search/join/leave, attribute modification and push
// notifications. Implementations live in the memory, redisbackend and pgbackend
// subpackages.
package backend

import (
	"context"
	"errors"
)

var (
	ErrNotFound          = errors.New("backend: session not found")
	ErrAlreadyMember     = errors.New("backend: already a member")
	ErrLimitExceeded     = errors.New("backend: session limit exceeded")
	ErrVoiceUnavailable  = errors.New("backend: voice resources unavailable")
	ErrInvalidParameters = errors.New("backend: invalid parameters")
	ErrNotOwner          = errors.New("backend: caller is not the session owner")
	ErrSessionFull       = errors.New("backend: session is full")
	ErrNotConfigured     = errors.New("backend: not configured")
	ErrAttributeRejected = errors.New("backend: attribute rejected")
)

// Client is bound to one local user. Every call may block on the network;
// notifications are delivered on backend-owned goroutines.
type Client interface {
	LocalUserID() string

	CreateSession(ctx context.Context, req CreateRequest) (sessionID string, err error)
	SearchSessions(ctx context.Context, q Query, maxResults int) (*ResultSet, error)
	JoinSession(ctx context.Context, sessionID string) error
	LeaveSession(ctx context.Context, sessionID string) error
	KickMember(ctx context.Context, sessionID, targetUserID string) error

	// CopySessionDetails reads the client's view of a session. Right after a
	// create or join the view may still be missing fields such as the owner.
	CopySessionDetails(ctx context.Context, sessionID string) (Record, error)

	BeginModification(sessionID string) *Modification
	SubmitModification(ctx context.Context, mod *Modification) error

	Subscribe(kind NotificationKind, fn func(Notification)) SubscriptionID
	Unsubscribe(id SubscriptionID)
}

// CreateRequest carries what the backend needs to allocate a session.
// Attributes are written afterwards through a Modification.
type CreateRequest struct {
	SessionID      string
	MaxMembers     int
	Public         bool
	BucketID       string
	EnableVoice    bool
	AllowCrossplay bool
	DisplayName    string
}

// Record is the raw session record as the backend reports it.
type Record struct {
	SessionID      string
	OwnerID        string
	MaxMembers     int
	Public         bool
	BucketID       string
	VoiceEnabled   bool
	AllowCrossplay bool
	Attributes     map[string]string
	Members        []MemberRecord
}

// MemberCount reports the number of members in the record.
func (r Record) MemberCount() int { return len(r.Members) }

type MemberRecord struct {
	UserID      string
	DisplayName string
	Attributes  map[string]string
}

// ResultSet is the handle returned by a search. Records are accessed by index.
type ResultSet struct {
	records []Record
}

func NewResultSet(records []Record) *ResultSet {
	return &ResultSet{records: records}
}

func (r *ResultSet) Count() int {
	if r == nil {
		return 0
	}
	return len(r.records)
}

func (r *ResultSet) At(i int) Record {
	return r.records[i]
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	c := r
	c.Attributes = cloneStrings(r.Attributes)
	if r.Members != nil {
		c.Members = make([]MemberRecord, len(r.Members))
		for i, m := range r.Members {
			m.Attributes = cloneStrings(m.Attributes)
			c.Members[i] = m
		}
	}
	return c
}

// Member returns the member with the given id.
func (r Record) Member(userID string) (MemberRecord, bool) {
	for _, m := range r.Members {
		if m.UserID == userID {
			return m, true
		}
	}
	return MemberRecord{}, false
}

func cloneStrings(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
