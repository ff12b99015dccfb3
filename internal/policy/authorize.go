package policy

import "strings"

// Operation is a coordinator action subject to an ownership check.
type Operation string

const (
	OpKick           Operation = "kick"
	OpSetAttributes  Operation = "set_attributes"
	OpSetMemberAttrs Operation = "set_member_attributes"
)

type Decision struct {
	Allowed bool
	Reason  string
}

var ownerOnly = map[Operation]bool{
	OpKick:          true,
	OpSetAttributes: true,
}

// Authorize decides whether localUserID may perform op on a session owned by
// ownerID. An empty owner means ownership is unknown, which never satisfies
// an owner-only check.
func Authorize(op Operation, localUserID, ownerID string) Decision {
	localUserID = strings.TrimSpace(localUserID)
	if localUserID == "" {
		return Decision{Reason: "no local user"}
	}
	if !ownerOnly[op] {
		return Decision{Allowed: true}
	}
	if ownerID == "" {
		return Decision{Reason: "session owner unknown"}
	}
	if ownerID != localUserID {
		return Decision{Reason: "only the session owner may " + strings.ReplaceAll(string(op), "_", " ")}
	}
	return Decision{Allowed: true}
}
