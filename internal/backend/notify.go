package backend

import "strings"

type NotificationKind string

const (
	NotifySessionUpdated         NotificationKind = "session_updated"
	NotifyMemberAttributeUpdated NotificationKind = "member_attribute_updated"
	NotifyMemberStatusChanged    NotificationKind = "member_status_changed"
)

type MemberStatus string

const (
	MemberJoined       MemberStatus = "joined"
	MemberLeft         MemberStatus = "left"
	MemberDisconnected MemberStatus = "disconnected"
	MemberKicked       MemberStatus = "kicked"
	MemberPromoted     MemberStatus = "promoted"
	SessionClosed      MemberStatus = "closed"
)

// Notification is an unsolicited push from the backend. TargetUserID, Status
// and DisplayName are set for member-scoped kinds; Attributes carries the
// changed member attributes when the backend knows them.
type Notification struct {
	Kind         NotificationKind  `json:"kind"`
	SessionID    string            `json:"session_id"`
	TargetUserID string            `json:"target_user_id,omitempty"`
	DisplayName  string            `json:"display_name,omitempty"`
	Status       MemberStatus      `json:"status,omitempty"`
	Attributes   map[string]string `json:"attributes,omitempty"`
}

type SubscriptionID string

// Visibility controls who can read an attribute. Only public attributes take
// part in search.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

type AttributeScope string

const (
	ScopeSession AttributeScope = "session"
	ScopeMember  AttributeScope = "member"
)

type AttributeChange struct {
	Scope      AttributeScope
	Key        string
	Value      string
	Visibility Visibility
}

// Modification collects attribute changes that are applied as one
// all-or-nothing transaction by SubmitModification.
type Modification struct {
	SessionID string
	Changes   []AttributeChange
}

func NewModification(sessionID string) *Modification {
	return &Modification{SessionID: sessionID}
}

func (m *Modification) AddAttribute(key, value string, vis Visibility) {
	m.Changes = append(m.Changes, AttributeChange{Scope: ScopeSession, Key: key, Value: value, Visibility: vis})
}

func (m *Modification) AddMemberAttribute(key, value string, vis Visibility) {
	m.Changes = append(m.Changes, AttributeChange{Scope: ScopeMember, Key: key, Value: value, Visibility: vis})
}

// Validate rejects empty modifications and blank keys.
func (m *Modification) Validate() error {
	if m == nil || strings.TrimSpace(m.SessionID) == "" || len(m.Changes) == 0 {
		return ErrInvalidParameters
	}
	for _, c := range m.Changes {
		if strings.TrimSpace(c.Key) == "" {
			return ErrAttributeRejected
		}
	}
	return nil
}

// Split returns the session-scoped and member-scoped changes as maps.
func (m *Modification) Split() (session, member map[string]string) {
	session = make(map[string]string)
	member = make(map[string]string)
	for _, c := range m.Changes {
		if c.Scope == ScopeMember {
			member[c.Key] = c.Value
			continue
		}
		session[c.Key] = c.Value
	}
	return session, member
}
