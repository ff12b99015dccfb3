package lobby

import "strings"

// IdentitySuffixer supplies a suffix appended to the local player id, so
// several instances on one machine appear as distinct users.
type IdentitySuffixer interface {
	Suffix() string
}

// StaticSuffix always returns itself.
type StaticSuffix string

func (s StaticSuffix) Suffix() string { return string(s) }

// ResolveIdentity applies the suffix from s to playerID. A nil suffixer or an
// empty suffix leaves the id unchanged.
func ResolveIdentity(playerID string, s IdentitySuffixer) string {
	playerID = strings.TrimSpace(playerID)
	if s == nil {
		return playerID
	}
	suffix := s.Suffix()
	if suffix == "" {
		return playerID
	}
	return playerID + "-" + suffix
}
