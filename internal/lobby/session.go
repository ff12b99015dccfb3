package lobby

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"github.com/ent0n29/lobbykit/internal/backend"
)

// SessionMemberData is a member as last reported by the backend.
type SessionMemberData struct {
	UserID      string       `json:"user_id"`
	DisplayName string       `json:"display_name,omitempty"`
	IsOwner     bool         `json:"is_owner"`
	Attributes  AttributeMap `json:"attributes"`
}

func (m SessionMemberData) Clone() SessionMemberData {
	m.Attributes = m.Attributes.Clone()
	return m
}

// SessionData is a disconnected snapshot of a session. It is rebuilt from
// every backend read and replaced as a whole, never patched.
type SessionData struct {
	SessionID      string              `json:"session_id"`
	JoinCode       string              `json:"join_code,omitempty"`
	OwnerID        string              `json:"owner_id"`
	MemberCount    int                 `json:"member_count"`
	MaxMembers     int                 `json:"max_members"`
	Public         bool                `json:"public"`
	BucketID       string              `json:"bucket_id,omitempty"`
	VoiceEnabled   bool                `json:"voice_enabled"`
	AllowCrossplay bool                `json:"allow_crossplay"`
	Attributes     AttributeMap        `json:"attributes"`
	Members        []SessionMemberData `json:"members,omitempty"`
}

// IsValid reports whether both the session id and the owner are known.
func (d SessionData) IsValid() bool {
	return d.SessionID != "" && d.OwnerID != ""
}

// IsGhost reports a stale record: no members or no owner.
func (d SessionData) IsGhost() bool {
	return d.MemberCount == 0 || d.OwnerID == ""
}

func (d SessionData) AvailableSlots() int {
	if n := d.MaxMembers - d.MemberCount; n > 0 {
		return n
	}
	return 0
}

func (d SessionData) CanJoin() bool {
	return d.IsValid() && !d.IsGhost() && d.AvailableSlots() > 0
}

func (d SessionData) IsFull() bool { return d.AvailableSlots() == 0 }

func (d SessionData) HasPassword() bool { return d.Attributes.PasswordHash() != "" }

func (d SessionData) InProgress() bool { return d.Attributes.Bool(AttrInProgress) }

// CheckPassword reports whether password unlocks the session. Sessions
// without a password accept anything.
func (d SessionData) CheckPassword(password string) bool {
	want := d.Attributes.PasswordHash()
	if want == "" {
		return true
	}
	got := HashPassword(password)
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}

// Member returns the member with the given user id.
func (d SessionData) Member(userID string) (SessionMemberData, bool) {
	for _, m := range d.Members {
		if m.UserID == userID {
			return m.Clone(), true
		}
	}
	return SessionMemberData{}, false
}

func (d SessionData) Clone() SessionData {
	c := d
	c.Attributes = d.Attributes.Clone()
	if d.Members != nil {
		c.Members = make([]SessionMemberData, len(d.Members))
		for i, m := range d.Members {
			c.Members[i] = m.Clone()
		}
	}
	return c
}

// withOwner returns a copy of d owned by ownerID.
func (d SessionData) withOwner(ownerID string) SessionData {
	c := d.Clone()
	c.OwnerID = ownerID
	for i := range c.Members {
		c.Members[i].IsOwner = c.Members[i].UserID == ownerID
	}
	return c
}

// HashPassword returns the hex SHA-256 digest stored under PASSWORD.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

func sessionFromRecord(rec backend.Record) SessionData {
	attrs := AttributeMapFromMap(rec.Attributes)
	d := SessionData{
		SessionID:      rec.SessionID,
		JoinCode:       attrs.JoinCode(),
		OwnerID:        rec.OwnerID,
		MemberCount:    rec.MemberCount(),
		MaxMembers:     rec.MaxMembers,
		Public:         rec.Public,
		BucketID:       rec.BucketID,
		VoiceEnabled:   rec.VoiceEnabled,
		AllowCrossplay: rec.AllowCrossplay,
		Attributes:     attrs,
	}
	if len(rec.Members) > 0 {
		d.Members = make([]SessionMemberData, len(rec.Members))
		for i, m := range rec.Members {
			d.Members[i] = SessionMemberData{
				UserID:      m.UserID,
				DisplayName: m.DisplayName,
				IsOwner:     m.UserID == rec.OwnerID && rec.OwnerID != "",
				Attributes:  AttributeMapFromMap(m.Attributes),
			}
		}
	}
	return d
}
