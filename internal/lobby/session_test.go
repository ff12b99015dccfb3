package lobby

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/ent0n29/lobbykit/internal/backend"
)

func TestSessionDataZeroValue(t *testing.T) {
	var d SessionData
	if !d.IsGhost() {
		t.Fatalf("zero SessionData IsGhost() = false, want true")
	}
	if d.IsValid() {
		t.Fatalf("zero SessionData IsValid() = true, want false")
	}
	if d.CanJoin() {
		t.Fatalf("zero SessionData CanJoin() = true, want false")
	}
	if got := d.AvailableSlots(); got != 0 {
		t.Fatalf("zero SessionData AvailableSlots() = %d, want 0", got)
	}
}

func TestSessionDataPredicates(t *testing.T) {
	tests := []struct {
		name      string
		data      SessionData
		wantValid bool
		wantGhost bool
		wantJoin  bool
		wantSlots int
	}{
		{
			name:      "healthy",
			data:      SessionData{SessionID: "s1", OwnerID: "u1", MemberCount: 1, MaxMembers: 4},
			wantValid: true,
			wantJoin:  true,
			wantSlots: 3,
		},
		{
			name:      "no owner",
			data:      SessionData{SessionID: "s1", MemberCount: 1, MaxMembers: 4},
			wantGhost: true,
			wantSlots: 3,
		},
		{
			name:      "no members",
			data:      SessionData{SessionID: "s1", OwnerID: "u1", MaxMembers: 4},
			wantValid: true,
			wantGhost: true,
			wantSlots: 4,
		},
		{
			name:      "full",
			data:      SessionData{SessionID: "s1", OwnerID: "u1", MemberCount: 4, MaxMembers: 4},
			wantValid: true,
		},
		{
			name:      "over capacity",
			data:      SessionData{SessionID: "s1", OwnerID: "u1", MemberCount: 6, MaxMembers: 4},
			wantValid: true,
		},
		{
			name:      "no id",
			data:      SessionData{OwnerID: "u1", MemberCount: 1, MaxMembers: 4},
			wantSlots: 3,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := tt.data
			if got := d.IsValid(); got != tt.wantValid {
				t.Fatalf("IsValid() = %v, want %v", got, tt.wantValid)
			}
			if got, want := d.IsValid(), d.SessionID != "" && d.OwnerID != ""; got != want {
				t.Fatalf("IsValid() = %v, want SessionID and OwnerID set = %v", got, want)
			}
			if got := d.IsGhost(); got != tt.wantGhost {
				t.Fatalf("IsGhost() = %v, want %v", got, tt.wantGhost)
			}
			if got, want := d.IsGhost(), d.MemberCount == 0 || d.OwnerID == ""; got != want {
				t.Fatalf("IsGhost() = %v, want %v", got, want)
			}
			if got := d.CanJoin(); got != tt.wantJoin {
				t.Fatalf("CanJoin() = %v, want %v", got, tt.wantJoin)
			}
			if got := d.AvailableSlots(); got != tt.wantSlots {
				t.Fatalf("AvailableSlots() = %d, want %d", got, tt.wantSlots)
			}
		})
	}
}

func TestSessionDataPasswordAndProgress(t *testing.T) {
	d := SessionData{Attributes: CreateOptions{Password: "hunter2"}.Attributes()}
	if !d.HasPassword() {
		t.Fatalf("HasPassword() = false, want true")
	}
	if d.Attributes.PasswordHash() == "hunter2" {
		t.Fatalf("password stored in clear text")
	}
	if !d.CheckPassword("hunter2") {
		t.Fatalf("CheckPassword(correct) = false")
	}
	if d.CheckPassword("wrong") {
		t.Fatalf("CheckPassword(wrong) = true")
	}
	if !(SessionData{}).CheckPassword("anything") {
		t.Fatalf("CheckPassword without password = false, want true")
	}

	d.Attributes.SetBool(AttrInProgress, true)
	if !d.InProgress() {
		t.Fatalf("InProgress() = false after setting INPROGRESS")
	}
}

func TestSessionDataCloneIsDeep(t *testing.T) {
	d := sessionFromRecord(backend.Record{
		SessionID:  "s1",
		OwnerID:    "u1",
		MaxMembers: 4,
		Attributes: map[string]string{"MAP": "dust"},
		Members: []backend.MemberRecord{
			{UserID: "u1", Attributes: map[string]string{"READY": "true"}},
			{UserID: "u2"},
		},
	})
	c := d.Clone()
	c.Attributes.Set("MAP", "nuke")
	c.Members[0].Attributes.Set("READY", "false")
	c.Members[1].UserID = "u3"

	if got := d.Attributes.Value("MAP"); got != "dust" {
		t.Fatalf("original MAP = %q after clone mutation", got)
	}
	if got := d.Members[0].Attributes.Value("READY"); got != "true" {
		t.Fatalf("original member READY = %q after clone mutation", got)
	}
	if d.Members[1].UserID != "u2" {
		t.Fatalf("original member id = %q after clone mutation", d.Members[1].UserID)
	}
	if !d.Members[0].IsOwner || d.Members[1].IsOwner {
		t.Fatalf("IsOwner flags = %v/%v, want true/false", d.Members[0].IsOwner, d.Members[1].IsOwner)
	}
	if d.MemberCount != 2 {
		t.Fatalf("MemberCount = %d, want 2", d.MemberCount)
	}
}

func TestJoinCodeGeneratorLength(t *testing.T) {
	tests := []struct {
		in   int
		want int
	}{
		{0, DefaultJoinCodeLength},
		{-3, MinJoinCodeLength},
		{2, MinJoinCodeLength},
		{4, 4},
		{7, 7},
		{8, 8},
		{12, MaxJoinCodeLength},
	}
	for _, tt := range tests {
		g := NewJoinCodeGenerator(tt.in)
		if got := g.Length(); got != tt.want {
			t.Fatalf("NewJoinCodeGenerator(%d).Length() = %d, want %d", tt.in, got, tt.want)
		}
		for range 50 {
			code := g.Generate()
			if len(code) != tt.want {
				t.Fatalf("Generate() = %q, want length %d", code, tt.want)
			}
			if !ValidJoinCode(code) {
				t.Fatalf("ValidJoinCode(%q) = false", code)
			}
		}
	}
}

func TestJoinCodeGeneratorZeroValue(t *testing.T) {
	var g JoinCodeGenerator
	if got := len(g.Generate()); got != DefaultJoinCodeLength {
		t.Fatalf("zero generator code length = %d, want %d", got, DefaultJoinCodeLength)
	}
	g.SetLength(100)
	if got := g.Length(); got != MaxJoinCodeLength {
		t.Fatalf("SetLength(100) -> Length() = %d, want %d", got, MaxJoinCodeLength)
	}
	g.SetLength(0)
	if got := g.Length(); got != MinJoinCodeLength {
		t.Fatalf("SetLength(0) -> Length() = %d, want %d", got, MinJoinCodeLength)
	}
	g.SetLength(-5)
	if got := g.Length(); got != MinJoinCodeLength {
		t.Fatalf("SetLength(-5) -> Length() = %d, want %d", got, MinJoinCodeLength)
	}
}

func TestValidJoinCode(t *testing.T) {
	for code, want := range map[string]bool{
		"1234":      true,
		"00000000":  true,
		"123":       false,
		"123456789": false,
		"12a4":      false,
		"":          false,
	} {
		if got := ValidJoinCode(code); got != want {
			t.Fatalf("ValidJoinCode(%q) = %v, want %v", code, got, want)
		}
	}
}

func TestAttributeMapKeepsInsertionOrder(t *testing.T) {
	var m AttributeMap
	m.Set("Z", "1")
	m.Set("A", "2")
	m.Set("M", "3")
	m.Set("Z", "4")

	if got := strings.Join(m.Keys(), ","); got != "Z,A,M" {
		t.Fatalf("Keys() = %s, want Z,A,M", got)
	}
	if got := m.Value("Z"); got != "4" {
		t.Fatalf("Value(Z) = %q, want 4", got)
	}

	raw, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(raw) != `{"Z":"4","A":"2","M":"3"}` {
		t.Fatalf("Marshal() = %s", raw)
	}
	var back AttributeMap
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if !back.Equal(m) || strings.Join(back.Keys(), ",") != "Z,A,M" {
		t.Fatalf("Unmarshal() = %v, want %v", back.ToMap(), m.ToMap())
	}

	m.Delete("A")
	if m.Has("A") || m.Len() != 2 {
		t.Fatalf("Delete(A) left %v", m.ToMap())
	}
}

func TestCreateOptionsAttributes(t *testing.T) {
	skill := 1500
	opts := CreateOptions{
		Name:     "friday night",
		GameMode: "ctf",
		Region:   "eu",
		Password: "pw",
		Skill:    &skill,
		Extra:    map[string]string{"RANKED": "true", "MODS": "none"},
	}
	attrs := opts.Attributes()
	if got := strings.Join(attrs.Keys(), ","); got != "LOBBYNAME,GAMEMODE,REGION,PASSWORD,SKILL,MODS,RANKED" {
		t.Fatalf("Attributes() keys = %s", got)
	}
	if got, ok := attrs.Skill(); !ok || got != skill {
		t.Fatalf("Skill() = %d, %v, want %d", got, ok, skill)
	}
	if got := attrs.PasswordHash(); got != HashPassword("pw") {
		t.Fatalf("PASSWORD = %q, want hash", got)
	}
	if attrs.Has(AttrMap) {
		t.Fatalf("empty Map should be omitted")
	}
}

func TestCreateOptionsValidate(t *testing.T) {
	tests := []struct {
		name    string
		opts    CreateOptions
		wantErr bool
	}{
		{name: "defaults", opts: CreateOptions{}},
		{name: "negative max", opts: CreateOptions{MaxMembers: -1}, wantErr: true},
		{name: "too many members", opts: CreateOptions{MaxMembers: MaxMembersLimit + 1}, wantErr: true},
		{name: "bad code", opts: CreateOptions{JoinCode: "12"}, wantErr: true},
		{name: "reserved extra", opts: CreateOptions{Extra: map[string]string{AttrJoinCode: "1234"}}, wantErr: true},
		{name: "explicit code", opts: CreateOptions{JoinCode: "4321", MaxMembers: 8}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
	if got := (CreateOptions{}).maxMembers(); got != DefaultMaxMembers {
		t.Fatalf("maxMembers() = %d, want %d", got, DefaultMaxMembers)
	}
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want Status
	}{
		{nil, StatusSuccess},
		{translateBackendError("join", backend.ErrNotFound), StatusNotFound},
		{translateBackendError("join", backend.ErrSessionFull), StatusLimitExceeded},
		{translateBackendError("create", backend.ErrLimitExceeded), StatusLimitExceeded},
		{translateBackendError("kick", backend.ErrNotOwner), StatusUnauthorized},
		{translateBackendError("set", backend.ErrAttributeRejected), StatusPartialFailure},
		{translateBackendError("join", backend.ErrAlreadyMember), StatusAlreadyInSession},
		{translateBackendError("search", backend.ErrInvalidParameters), StatusInvalidParameters},
		{translateBackendError("search", backend.ErrNotConfigured), StatusNotConfigured},
		{translateBackendError("search", errors.New("connection reset")), StatusBackendError},
		{fmt.Errorf("wrapped: %w", ErrAlreadyInSession), StatusAlreadyInSession},
	}
	for _, tt := range tests {
		if got := StatusOf(tt.err); got != tt.want {
			t.Fatalf("StatusOf(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}

	err := translateBackendError("join", backend.ErrSessionFull)
	if !errors.Is(err, backend.ErrSessionFull) {
		t.Fatalf("translated error lost backend cause: %v", err)
	}
}

func TestResolveIdentity(t *testing.T) {
	if got := ResolveIdentity(" player ", nil); got != "player" {
		t.Fatalf("ResolveIdentity(nil) = %q", got)
	}
	if got := ResolveIdentity("player", StaticSuffix("2")); got != "player-2" {
		t.Fatalf("ResolveIdentity(static) = %q", got)
	}
	if got := ResolveIdentity("player", StaticSuffix("")); got != "player" {
		t.Fatalf("ResolveIdentity(empty) = %q", got)
	}
}
