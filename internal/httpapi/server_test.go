package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/lobbykit/internal/backend/memory"
	"github.com/ent0n29/lobbykit/internal/config"
	"github.com/ent0n29/lobbykit/internal/lobby"
	"github.com/ent0n29/lobbykit/internal/observability"
)

func newTestServer(t *testing.T, b *memory.Backend, userID string) *httptest.Server {
	t.Helper()
	coordinator, err := lobby.New(lobby.Config{Client: b.Client(userID, userID), Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("lobby.New() error = %v", err)
	}
	t.Cleanup(func() { _ = coordinator.Close() })

	metrics := observability.NewMetrics("test_httpapi_" + userID + "_" + strconv.FormatInt(time.Now().UnixNano(), 10))
	srv := New(config.Config{Backend: config.BackendMemory}, coordinator, metrics, zerolog.Nop())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func newTestBackend(t *testing.T) *memory.Backend {
	t.Helper()
	b := memory.New()
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func doJSON(t *testing.T, method, url string, body any) (int, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("json.Marshal() error = %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("http.NewRequest() error = %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, url, err)
	}
	defer res.Body.Close()

	var payload map[string]any
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil && res.StatusCode != http.StatusNoContent {
		t.Fatalf("decode %s %s response: %v", method, url, err)
	}
	return res.StatusCode, payload
}

func TestHealthAndReady(t *testing.T) {
	ts := newTestServer(t, newTestBackend(t), "alice")

	status, payload := doJSON(t, http.MethodGet, ts.URL+"/healthz", nil)
	if status != http.StatusOK {
		t.Fatalf("GET /healthz status = %d, want %d", status, http.StatusOK)
	}
	if payload["user_id"] != "alice" || payload["in_session"] != false {
		t.Fatalf("GET /healthz payload = %v", payload)
	}

	status, payload = doJSON(t, http.MethodGet, ts.URL+"/readyz", nil)
	if status != http.StatusOK || payload["backend"] != config.BackendMemory {
		t.Fatalf("GET /readyz = %d %v", status, payload)
	}
}

func TestCreateSearchJoinLeaveFlow(t *testing.T) {
	b := newTestBackend(t)
	host := newTestServer(t, b, "alice")
	guest := newTestServer(t, b, "bob")

	status, created := doJSON(t, http.MethodPost, host.URL+"/v1/lobby/sessions", map[string]any{
		"max_members": 2,
		"public":      true,
		"name":        "Friday",
	})
	if status != http.StatusCreated {
		t.Fatalf("create status = %d, want %d: %v", status, http.StatusCreated, created)
	}
	sessionID, _ := created["session_id"].(string)
	code, _ := created["join_code"].(string)
	if sessionID == "" || code == "" || created["owner_id"] != "alice" {
		t.Fatalf("create response = %v", created)
	}

	status, found := doJSON(t, http.MethodGet, guest.URL+"/v1/lobby/sessions?exclude_full=true&filter=LOBBYNAME:eq:Friday", nil)
	if status != http.StatusOK {
		t.Fatalf("search status = %d: %v", status, found)
	}
	if found["count"] != float64(1) {
		t.Fatalf("search count = %v, want 1: %v", found["count"], found)
	}

	status, joined := doJSON(t, http.MethodPost, guest.URL+"/v1/lobby/join", map[string]string{"code": code})
	if status != http.StatusOK {
		t.Fatalf("join status = %d: %v", status, joined)
	}
	if joined["session_id"] != sessionID || joined["member_count"] != float64(2) {
		t.Fatalf("join response = %v", joined)
	}

	status, current := doJSON(t, http.MethodGet, guest.URL+"/v1/lobby/current", nil)
	if status != http.StatusOK || current["session_id"] != sessionID {
		t.Fatalf("current = %d %v", status, current)
	}

	status, errBody := doJSON(t, http.MethodPost, guest.URL+"/v1/lobby/kick", map[string]string{"user_id": "alice"})
	if status != http.StatusForbidden || errBody["code"] != string(lobby.StatusUnauthorized) {
		t.Fatalf("kick by guest = %d %v, want 403 unauthorized", status, errBody)
	}

	status, _ = doJSON(t, http.MethodPost, guest.URL+"/v1/lobby/leave", nil)
	if status != http.StatusOK {
		t.Fatalf("leave status = %d, want %d", status, http.StatusOK)
	}
	status, errBody = doJSON(t, http.MethodGet, guest.URL+"/v1/lobby/current", nil)
	if status != http.StatusNotFound || errBody["code"] != string(lobby.StatusNotFound) {
		t.Fatalf("current after leave = %d %v", status, errBody)
	}
	status, errBody = doJSON(t, http.MethodPost, guest.URL+"/v1/lobby/leave", nil)
	if status != http.StatusNotFound {
		t.Fatalf("second leave = %d %v, want 404", status, errBody)
	}
}

func TestJoinRequiresExactlyOneTarget(t *testing.T) {
	ts := newTestServer(t, newTestBackend(t), "alice")
	for _, body := range []map[string]string{{}, {"code": "123456", "session_id": "s1"}} {
		status, payload := doJSON(t, http.MethodPost, ts.URL+"/v1/lobby/join", body)
		if status != http.StatusBadRequest {
			t.Fatalf("join(%v) status = %d, want %d: %v", body, status, http.StatusBadRequest, payload)
		}
	}
	status, payload := doJSON(t, http.MethodPost, ts.URL+"/v1/lobby/join", map[string]string{"code": "999999"})
	if status != http.StatusNotFound || payload["code"] != string(lobby.StatusNotFound) {
		t.Fatalf("join(unknown code) = %d %v", status, payload)
	}
}

func TestSearchRejectsBadQuery(t *testing.T) {
	ts := newTestServer(t, newTestBackend(t), "alice")
	for _, q := range []string{"max=0", "exclude_full=maybe", "filter=SKILL:approx:1", "filter=SKILL"} {
		status, payload := doJSON(t, http.MethodGet, ts.URL+"/v1/lobby/sessions?"+q, nil)
		if status != http.StatusBadRequest || payload["code"] != string(lobby.StatusInvalidParameters) {
			t.Fatalf("search(%s) = %d %v, want 400 invalid_parameters", q, status, payload)
		}
	}
	status, payload := doJSON(t, http.MethodGet, ts.URL+"/v1/lobby/sessions", nil)
	if status != http.StatusOK || payload["count"] != float64(0) {
		t.Fatalf("empty search = %d %v", status, payload)
	}
}

func TestAttributeEndpoints(t *testing.T) {
	ts := newTestServer(t, newTestBackend(t), "alice")

	status, errBody := doJSON(t, http.MethodPut, ts.URL+"/v1/lobby/attributes", map[string]any{"attributes": map[string]string{"MAP": "nuke"}})
	if status != http.StatusNotFound {
		t.Fatalf("attributes outside session = %d %v, want 404", status, errBody)
	}

	if status, created := doJSON(t, http.MethodPost, ts.URL+"/v1/lobby/sessions", map[string]any{"map": "dust"}); status != http.StatusCreated {
		t.Fatalf("create status = %d: %v", status, created)
	}

	status, payload := doJSON(t, http.MethodPut, ts.URL+"/v1/lobby/attributes", map[string]any{"attributes": map[string]string{"MAP": "nuke"}})
	if status != http.StatusOK {
		t.Fatalf("set attributes = %d %v", status, payload)
	}
	status, refreshed := doJSON(t, http.MethodPost, ts.URL+"/v1/lobby/refresh", nil)
	if status != http.StatusOK {
		t.Fatalf("refresh = %d %v", status, refreshed)
	}
	attrs, _ := refreshed["attributes"].(map[string]any)
	if attrs["MAP"] != "nuke" {
		t.Fatalf("refreshed attributes = %v, want MAP=nuke", refreshed["attributes"])
	}

	status, payload = doJSON(t, http.MethodPut, ts.URL+"/v1/lobby/member-attributes", map[string]any{"attributes": map[string]string{"READY": "true"}})
	if status != http.StatusOK {
		t.Fatalf("set member attributes = %d %v", status, payload)
	}

	longKey := strings.Repeat("K", 65)
	status, payload = doJSON(t, http.MethodPut, ts.URL+"/v1/lobby/attributes", map[string]any{"attributes": map[string]string{longKey: "x"}})
	if status != http.StatusBadRequest || payload["code"] != string(lobby.StatusInvalidParameters) {
		t.Fatalf("oversized key = %d %v, want 400", status, payload)
	}
}

func TestPerfLatency(t *testing.T) {
	ts := newTestServer(t, newTestBackend(t), "alice")
	doJSON(t, http.MethodGet, ts.URL+"/v1/lobby/sessions", nil)

	status, payload := doJSON(t, http.MethodGet, ts.URL+"/v1/perf/latency", nil)
	if status != http.StatusOK {
		t.Fatalf("GET /v1/perf/latency status = %d", status)
	}
	if _, ok := payload["generated_at"]; !ok {
		t.Fatalf("latency payload = %v", payload)
	}
	if status, _ := doJSON(t, http.MethodDelete, ts.URL+"/v1/perf/latency", nil); status != http.StatusNoContent {
		t.Fatalf("DELETE /v1/perf/latency status = %d, want %d", status, http.StatusNoContent)
	}
}

func TestHTTPStatusFor(t *testing.T) {
	tests := map[lobby.Status]int{
		lobby.StatusSuccess:           http.StatusOK,
		lobby.StatusInvalidParameters: http.StatusBadRequest,
		lobby.StatusNotFound:          http.StatusNotFound,
		lobby.StatusAlreadyInSession:  http.StatusConflict,
		lobby.StatusLimitExceeded:     http.StatusTooManyRequests,
		lobby.StatusUnauthorized:      http.StatusForbidden,
		lobby.StatusPartialFailure:    http.StatusUnprocessableEntity,
		lobby.StatusNotConfigured:     http.StatusServiceUnavailable,
		lobby.StatusCanceled:          http.StatusRequestTimeout,
		lobby.StatusBackendError:      http.StatusBadGateway,
	}
	for status, want := range tests {
		if got := httpStatusFor(status); got != want {
			t.Fatalf("httpStatusFor(%s) = %d, want %d", status, got, want)
		}
	}
}

func TestEventsWebSocket(t *testing.T) {
	ts := newTestServer(t, newTestBackend(t), "alice")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/lobby/events/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	hello := readMessage(t, conn)
	if hello["type"] != "system_event" || hello["code"] != "connected" || hello["detail"] != "alice" {
		t.Fatalf("hello = %v", hello)
	}

	if status, created := doJSON(t, http.MethodPost, ts.URL+"/v1/lobby/sessions", map[string]any{"max_members": 3}); status != http.StatusCreated {
		t.Fatalf("create status = %d: %v", status, created)
	}
	for {
		msg := readMessage(t, conn)
		if msg["type"] == "lobby_event" && msg["event"] == string(lobby.EventSessionJoined) {
			break
		}
	}

	if err := conn.WriteJSON(map[string]any{"type": "client_control", "action": "bogus"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	for {
		msg := readMessage(t, conn)
		if msg["type"] == "error_event" {
			if msg["code"] != "invalid_client_message" {
				t.Fatalf("error event = %v", msg)
			}
			break
		}
	}

	if err := conn.WriteJSON(map[string]any{"type": "client_control", "action": "leave"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	var sawLeft, sawAck bool
	for !sawLeft || !sawAck {
		msg := readMessage(t, conn)
		switch {
		case msg["type"] == "lobby_event" && msg["event"] == string(lobby.EventSessionLeft):
			if msg["reason"] != lobby.LeaveReasonRequested {
				t.Fatalf("session_left reason = %v, want %q", msg["reason"], lobby.LeaveReasonRequested)
			}
			sawLeft = true
		case msg["type"] == "system_event" && msg["code"] == "left":
			sawAck = true
		}
	}

	if err := conn.WriteJSON(map[string]any{"type": "client_control", "action": "refresh"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	for {
		msg := readMessage(t, conn)
		if msg["type"] == "error_event" {
			if msg["code"] != string(lobby.StatusNotFound) || msg["source"] != "lobby" {
				t.Fatalf("refresh outside session = %v", msg)
			}
			break
		}
	}
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return msg
}
