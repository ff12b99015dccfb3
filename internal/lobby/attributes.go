package lobby

import (
	"sort"
	"strconv"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Well-known attribute keys.
const (
	AttrLobbyName     = "LOBBYNAME"
	AttrGameMode      = "GAMEMODE"
	AttrMap           = "MAP"
	AttrRegion        = "REGION"
	AttrPassword      = "PASSWORD"
	AttrSkill         = "SKILL"
	AttrJoinCode      = "JOINCODE"
	AttrHostMigration = "HOSTMIGRATION"
	AttrInProgress    = "INPROGRESS"
)

// AttributeMap is an insertion-ordered string map. The zero value is an
// empty map ready to use.
type AttributeMap struct {
	om *orderedmap.OrderedMap[string, string]
}

func NewAttributeMap() AttributeMap {
	return AttributeMap{om: orderedmap.New[string, string]()}
}

// AttributeMapFromMap builds an AttributeMap with keys in sorted order, so
// maps decoded from the backend compare and print deterministically.
func AttributeMapFromMap(m map[string]string) AttributeMap {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := NewAttributeMap()
	for _, k := range keys {
		out.om.Set(k, m[k])
	}
	return out
}

func (a AttributeMap) Get(key string) (string, bool) {
	if a.om == nil {
		return "", false
	}
	return a.om.Get(key)
}

// Value returns the value for key or "".
func (a AttributeMap) Value(key string) string {
	v, _ := a.Get(key)
	return v
}

func (a AttributeMap) Has(key string) bool {
	_, ok := a.Get(key)
	return ok
}

func (a *AttributeMap) Set(key, value string) {
	if a.om == nil {
		a.om = orderedmap.New[string, string]()
	}
	a.om.Set(key, value)
}

func (a *AttributeMap) Delete(key string) {
	if a.om == nil {
		return
	}
	a.om.Delete(key)
}

func (a AttributeMap) Len() int {
	if a.om == nil {
		return 0
	}
	return a.om.Len()
}

// Keys returns keys in insertion order.
func (a AttributeMap) Keys() []string {
	keys := make([]string, 0, a.Len())
	a.Range(func(k, _ string) bool {
		keys = append(keys, k)
		return true
	})
	return keys
}

// Range calls fn for each pair in insertion order until fn returns false.
func (a AttributeMap) Range(fn func(key, value string) bool) {
	if a.om == nil {
		return
	}
	for pair := a.om.Oldest(); pair != nil; pair = pair.Next() {
		if !fn(pair.Key, pair.Value) {
			return
		}
	}
}

// ToMap returns a plain map copy.
func (a AttributeMap) ToMap() map[string]string {
	out := make(map[string]string, a.Len())
	a.Range(func(k, v string) bool {
		out[k] = v
		return true
	})
	return out
}

func (a AttributeMap) Clone() AttributeMap {
	out := NewAttributeMap()
	a.Range(func(k, v string) bool {
		out.om.Set(k, v)
		return true
	})
	return out
}

// Equal reports whether a and b hold the same pairs, ignoring order.
func (a AttributeMap) Equal(b AttributeMap) bool {
	if a.Len() != b.Len() {
		return false
	}
	equal := true
	a.Range(func(k, v string) bool {
		if other, ok := b.Get(k); !ok || other != v {
			equal = false
		}
		return equal
	})
	return equal
}

func (a AttributeMap) MarshalJSON() ([]byte, error) {
	if a.om == nil {
		return []byte("{}"), nil
	}
	return a.om.MarshalJSON()
}

func (a *AttributeMap) UnmarshalJSON(data []byte) error {
	a.om = orderedmap.New[string, string]()
	return a.om.UnmarshalJSON(data)
}

func (a AttributeMap) LobbyName() string    { return a.Value(AttrLobbyName) }
func (a AttributeMap) GameMode() string     { return a.Value(AttrGameMode) }
func (a AttributeMap) MapName() string      { return a.Value(AttrMap) }
func (a AttributeMap) Region() string       { return a.Value(AttrRegion) }
func (a AttributeMap) PasswordHash() string { return a.Value(AttrPassword) }
func (a AttributeMap) JoinCode() string     { return a.Value(AttrJoinCode) }

// Skill returns the numeric SKILL attribute.
func (a AttributeMap) Skill() (int, bool) {
	v, ok := a.Get(AttrSkill)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (a *AttributeMap) SetSkill(skill int) {
	a.Set(AttrSkill, strconv.Itoa(skill))
}

// Bool reads a flag attribute; "true" and "1" are true.
func (a AttributeMap) Bool(key string) bool {
	switch a.Value(key) {
	case "true", "1":
		return true
	default:
		return false
	}
}

func (a *AttributeMap) SetBool(key string, v bool) {
	a.Set(key, strconv.FormatBool(v))
}
