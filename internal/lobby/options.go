package lobby

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ent0n29/lobbykit/internal/backend"
)

const (
	DefaultMaxMembers = 4
	MaxMembersLimit   = 64
)

// CreateOptions describes a session to host. The declarative fields are
// flattened into session attributes when the session is created.
type CreateOptions struct {
	MaxMembers     int    `json:"max_members"`
	Public         bool   `json:"public"`
	BucketID       string `json:"bucket_id,omitempty"`
	JoinCode       string `json:"join_code,omitempty"`
	SessionID      string `json:"session_id,omitempty"`
	EnableVoice    bool   `json:"enable_voice"`
	AllowCrossplay bool   `json:"allow_crossplay"`

	Name     string            `json:"name,omitempty"`
	GameMode string            `json:"game_mode,omitempty"`
	Map      string            `json:"map,omitempty"`
	Region   string            `json:"region,omitempty"`
	Password string            `json:"password,omitempty"`
	Skill    *int              `json:"skill,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// Attributes flattens the declarative fields. Empty fields are omitted and
// the password is stored hashed.
func (o CreateOptions) Attributes() AttributeMap {
	attrs := NewAttributeMap()
	if o.Name != "" {
		attrs.Set(AttrLobbyName, o.Name)
	}
	if o.GameMode != "" {
		attrs.Set(AttrGameMode, o.GameMode)
	}
	if o.Map != "" {
		attrs.Set(AttrMap, o.Map)
	}
	if o.Region != "" {
		attrs.Set(AttrRegion, o.Region)
	}
	if o.Password != "" {
		attrs.Set(AttrPassword, HashPassword(o.Password))
	}
	if o.Skill != nil {
		attrs.SetSkill(*o.Skill)
	}
	keys := make([]string, 0, len(o.Extra))
	for k := range o.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs.Set(k, o.Extra[k])
	}
	return attrs
}

func (o CreateOptions) maxMembers() int {
	if o.MaxMembers == 0 {
		return DefaultMaxMembers
	}
	return o.MaxMembers
}

func (o CreateOptions) validate() error {
	if n := o.maxMembers(); n < 1 || n > MaxMembersLimit {
		return fmt.Errorf("max members %d out of range 1..%d", n, MaxMembersLimit)
	}
	if o.JoinCode != "" && !ValidJoinCode(o.JoinCode) {
		return fmt.Errorf("join code %q must be %d to %d digits", o.JoinCode, MinJoinCodeLength, MaxJoinCodeLength)
	}
	for k := range o.Extra {
		switch k {
		case AttrJoinCode, AttrHostMigration:
			return fmt.Errorf("attribute %s is managed by the coordinator", k)
		}
	}
	return nil
}

// Comparator is a search predicate operator.
type Comparator string

const (
	Equal              Comparator = "eq"
	NotEqual           Comparator = "ne"
	GreaterThan        Comparator = "gt"
	GreaterThanOrEqual Comparator = "gte"
	LessThan           Comparator = "lt"
	LessThanOrEqual    Comparator = "lte"
	Contains           Comparator = "contains"
	AnyOf              Comparator = "in"
	NotAnyOf           Comparator = "nin"
	Distance           Comparator = "near"
)

var backendComparators = map[Comparator]backend.Comparator{
	Equal:              backend.CompareEqual,
	NotEqual:           backend.CompareNotEqual,
	GreaterThan:        backend.CompareGreaterThan,
	GreaterThanOrEqual: backend.CompareGreaterThanOrEqual,
	LessThan:           backend.CompareLessThan,
	LessThanOrEqual:    backend.CompareLessThanOrEqual,
	Contains:           backend.CompareContains,
	AnyOf:              backend.CompareAnyOf,
	NotAnyOf:           backend.CompareNotAnyOf,
	Distance:           backend.CompareDistance,
}

// ParseComparator accepts the short operator names used by the HTTP API and
// the CLI.
func ParseComparator(s string) (Comparator, error) {
	c := Comparator(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := backendComparators[c]; !ok {
		return "", fmt.Errorf("%w: unknown comparator %q", ErrInvalidParameters, s)
	}
	return c, nil
}

type SearchFilter struct {
	Key        string     `json:"key"`
	Value      string     `json:"value"`
	Comparator Comparator `json:"op"`
}

// ParseSearchFilter parses KEY:op:VALUE.
func ParseSearchFilter(s string) (SearchFilter, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 || strings.TrimSpace(parts[0]) == "" {
		return SearchFilter{}, fmt.Errorf("%w: filter %q must be KEY:op:VALUE", ErrInvalidParameters, s)
	}
	c, err := ParseComparator(parts[1])
	if err != nil {
		return SearchFilter{}, err
	}
	return SearchFilter{Key: strings.TrimSpace(parts[0]), Comparator: c, Value: parts[2]}, nil
}

type KeyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// SearchOptions describes a search. A non-empty JoinCode turns it into an
// exact lookup that ignores every other criterion except the client-side
// exclusions.
type SearchOptions struct {
	MaxResults        int            `json:"max_results,omitempty"`
	JoinCode          string         `json:"join_code,omitempty"`
	BucketID          string         `json:"bucket_id,omitempty"`
	Equals            []KeyValue     `json:"equals,omitempty"`
	Filters           []SearchFilter `json:"filters,omitempty"`
	ExcludeFull       bool           `json:"exclude_full,omitempty"`
	ExcludePassworded bool           `json:"exclude_passworded,omitempty"`
	ExcludeInProgress bool           `json:"exclude_in_progress,omitempty"`
}

// NewSearch starts a search with the default result cap.
func NewSearch() SearchOptions {
	return SearchOptions{MaxResults: DefaultSearchResults}
}

func (o SearchOptions) WithMaxResults(n int) SearchOptions {
	o.MaxResults = n
	return o
}

func (o SearchOptions) WithJoinCode(code string) SearchOptions {
	o.JoinCode = code
	return o
}

func (o SearchOptions) InBucket(bucketID string) SearchOptions {
	o.BucketID = bucketID
	return o
}

func (o SearchOptions) WhereEquals(key, value string) SearchOptions {
	o.Equals = append(append([]KeyValue(nil), o.Equals...), KeyValue{Key: key, Value: value})
	return o
}

func (o SearchOptions) Where(key string, c Comparator, value string) SearchOptions {
	o.Filters = append(append([]SearchFilter(nil), o.Filters...), SearchFilter{Key: key, Value: value, Comparator: c})
	return o
}

func (o SearchOptions) ExcludingFull() SearchOptions {
	o.ExcludeFull = true
	return o
}

func (o SearchOptions) ExcludingPassworded() SearchOptions {
	o.ExcludePassworded = true
	return o
}

func (o SearchOptions) ExcludingInProgress() SearchOptions {
	o.ExcludeInProgress = true
	return o
}

// SkillRange restricts results to sessions whose SKILL lies in [lo, hi].
func (o SearchOptions) SkillRange(lo, hi int) SearchOptions {
	if lo > hi {
		lo, hi = hi, lo
	}
	return o.
		Where(AttrSkill, GreaterThanOrEqual, strconv.Itoa(lo)).
		Where(AttrSkill, LessThanOrEqual, strconv.Itoa(hi))
}

func (o SearchOptions) clientFiltered() bool {
	return o.ExcludeFull || o.ExcludePassworded || o.ExcludeInProgress
}
