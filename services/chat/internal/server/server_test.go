package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"relaychat/internal/usertoken"
	"relaychat/pkg/domain"
	"relaychat/pkg/store"
	"relaychat/services/chat/internal/app"
	"relaychat/services/chat/internal/realtime"
)

const testPassword = "Str0ng#Password!"

type testServer struct {
	*httptest.Server
	hub   *realtime.Hub
	redis *miniredis.Miniredis
}

func newTestServer(t *testing.T, mutate func(*Config)) *testServer {
	t.Helper()
	mem := store.NewMemoryStore()
	reg := prometheus.NewRegistry()
	metrics := realtime.NewMetrics(reg)
	hub := realtime.NewHub(realtime.NewPresence(), metrics)
	router := realtime.NewRouter(realtime.RouterConfig{Hub: hub, Store: mem, Metrics: metrics})
	tokens, err := usertoken.NewManager(usertoken.Config{Secret: strings.Repeat("s", 32)})
	if err != nil {
		t.Fatalf("token manager: %v", err)
	}
	a, err := app.New(app.Config{Store: mem, Notifier: router, Tokens: tokens})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	redis := miniredis.RunT(t)
	cfg := Config{
		App:       a,
		Tokens:    tokens,
		Hub:       hub,
		Gatherer:  reg,
		RedisAddr: redis.Addr(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		hub.Close()
		_ = srv.Close()
	})
	return &testServer{Server: ts, hub: hub, redis: redis}
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, out
}

func (ts *testServer) register(t *testing.T, name string) (domain.User, string) {
	t.Helper()
	status, body := ts.do(t, http.MethodPost, "/api/user/register", "", registerRequest{
		Name: name, Email: strings.ToLower(name) + "@example.com", Password: testPassword,
	})
	if status != http.StatusCreated {
		t.Fatalf("register %s: %d %s", name, status, body)
	}
	var resp authResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("decode register: %v", err)
	}
	return resp.User, resp.Token
}

func decode[T any](t *testing.T, body []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(body, &v); err != nil {
		t.Fatalf("decode %s: %v", body, err)
	}
	return v
}

func TestRegisterLoginAndMe(t *testing.T) {
	ts := newTestServer(t, nil)
	user, token := ts.register(t, "Alice")
	if token == "" || user.ID == "" {
		t.Fatalf("expected token and user")
	}

	status, body := ts.do(t, http.MethodPost, "/api/user/login", "", loginRequest{Email: "alice@example.com", Password: testPassword})
	if status != http.StatusOK {
		t.Fatalf("login: %d %s", status, body)
	}
	if strings.Contains(string(body), "passwordHash") || strings.Contains(string(body), "$2a$") {
		t.Fatalf("password hash leaked: %s", body)
	}

	status, body = ts.do(t, http.MethodGet, "/api/user/me", token, nil)
	if status != http.StatusOK || decode[domain.User](t, body).ID != user.ID {
		t.Fatalf("me: %d %s", status, body)
	}
}

func TestAuthenticationRequired(t *testing.T) {
	ts := newTestServer(t, nil)
	otherTokens, err := usertoken.NewManager(usertoken.Config{Secret: strings.Repeat("x", 32)})
	if err != nil {
		t.Fatalf("other manager: %v", err)
	}
	forged, _ := otherTokens.Issue("someone")

	for _, token := range []string{"", "garbage", forged} {
		if status, _ := ts.do(t, http.MethodGet, "/api/chat", token, nil); status != http.StatusUnauthorized {
			t.Fatalf("token %q: expected 401, got %d", token, status)
		}
	}
}

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t, nil)
	alice, aliceToken := ts.register(t, "Alice")
	bob, _ := ts.register(t, "Bob")
	_, carolToken := ts.register(t, "Carol")

	status, body := ts.do(t, http.MethodPost, "/api/chat", aliceToken, accessChatRequest{UserID: bob.ID})
	if status != http.StatusCreated {
		t.Fatalf("access chat: %d %s", status, body)
	}
	chat := decode[domain.ChatView](t, body)

	cases := []struct {
		name   string
		method string
		path   string
		token  string
		body   any
		want   int
	}{
		{"unknown user", http.MethodPost, "/api/chat", aliceToken, accessChatRequest{UserID: "ghost"}, http.StatusNotFound},
		{"self chat", http.MethodPost, "/api/chat", aliceToken, accessChatRequest{UserID: alice.ID}, http.StatusBadRequest},
		{"group too small", http.MethodPost, "/api/chat/group", aliceToken, createGroupRequest{Name: "g", Users: []string{bob.ID}}, http.StatusBadRequest},
		{"non-member send", http.MethodPost, "/api/message", carolToken, sendRequest{ChatID: chat.ID, Content: "hi"}, http.StatusForbidden},
		{"unknown chat", http.MethodGet, "/api/message/missing", aliceToken, nil, http.StatusNotFound},
		{"leave direct chat", http.MethodPut, "/api/chat/exit", aliceToken, chatRequest{ChatID: chat.ID}, http.StatusBadRequest},
		{"duplicate email", http.MethodPost, "/api/user/register", "", registerRequest{Name: "A", Email: "alice@example.com", Password: testPassword}, http.StatusConflict},
		{"bad login", http.MethodPost, "/api/user/login", "", loginRequest{Email: "alice@example.com", Password: "nope"}, http.StatusUnauthorized},
		{"bad json", http.MethodPost, "/api/chat", aliceToken, "not an object", http.StatusBadRequest},
		{"wrong method", http.MethodPatch, "/api/chat", aliceToken, nil, http.StatusMethodNotAllowed},
		{"unknown route", http.MethodGet, "/api/nope", aliceToken, nil, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, body := ts.do(t, tc.method, tc.path, tc.token, tc.body)
			if status != tc.want {
				t.Fatalf("expected %d, got %d %s", tc.want, status, body)
			}
			if !strings.Contains(string(body), `"error"`) {
				t.Fatalf("expected JSON error body, got %s", body)
			}
		})
	}
}

func TestChatAndMessageFlow(t *testing.T) {
	ts := newTestServer(t, nil)
	_, aliceToken := ts.register(t, "Alice")
	bob, bobToken := ts.register(t, "Bob")
	carol, _ := ts.register(t, "Carol")

	status, body := ts.do(t, http.MethodPost, "/api/chat/group", aliceToken, createGroupRequest{Name: "team", Users: []string{bob.ID, carol.ID}})
	if status != http.StatusCreated {
		t.Fatalf("create group: %d %s", status, body)
	}
	group := decode[domain.ChatView](t, body)
	if group.LatestMessage == nil || group.LatestMessage.Content != "Alice created group" {
		t.Fatalf("unexpected group: %s", body)
	}

	status, body = ts.do(t, http.MethodPost, "/api/message", bobToken, sendRequest{ChatID: group.ID, Content: "hello"})
	if status != http.StatusCreated {
		t.Fatalf("send: %d %s", status, body)
	}
	msg := decode[domain.MessageView](t, body)

	status, body = ts.do(t, http.MethodPatch, "/api/message/"+msg.ID+"/reaction", aliceToken, reactionRequest{Reaction: "🎉"})
	if status != http.StatusOK {
		t.Fatalf("reaction: %d %s", status, body)
	}
	if reacted := decode[domain.MessageView](t, body); len(reacted.Reactions) != 1 || reacted.Reactions[0].Glyph != "🎉" {
		t.Fatalf("unexpected reaction: %s", body)
	}

	status, body = ts.do(t, http.MethodPut, "/api/chat/"+group.ID+"/read", aliceToken, nil)
	if status != http.StatusOK {
		t.Fatalf("mark read: %d %s", status, body)
	}
	read := decode[map[string]any](t, body)
	if ids, _ := read["messageIds"].([]any); len(ids) != 2 {
		t.Fatalf("expected the system message and bob's message read, got %s", body)
	}

	status, body = ts.do(t, http.MethodGet, "/api/message/"+group.ID, bobToken, nil)
	if status != http.StatusOK {
		t.Fatalf("list: %d %s", status, body)
	}
	msgs := decode[[]domain.MessageView](t, body)
	if len(msgs) != 2 || msgs[1].Status != domain.StatusRead {
		t.Fatalf("unexpected messages: %s", body)
	}

	status, body = ts.do(t, http.MethodDelete, "/api/message/"+msg.ID+"/delete-for-everyone", aliceToken, nil)
	if status != http.StatusForbidden {
		t.Fatalf("non-sender delete: %d %s", status, body)
	}
	status, _ = ts.do(t, http.MethodDelete, "/api/message/"+msg.ID+"/delete-for-everyone", bobToken, nil)
	if status != http.StatusOK {
		t.Fatalf("sender delete: %d", status)
	}

	status, body = ts.do(t, http.MethodGet, "/api/chat", aliceToken, nil)
	if status != http.StatusOK || len(decode[[]domain.ChatView](t, body)) != 1 {
		t.Fatalf("list chats: %d %s", status, body)
	}
}

func TestForwardReportsFailedTargets(t *testing.T) {
	ts := newTestServer(t, nil)
	_, aliceToken := ts.register(t, "Alice")
	bob, _ := ts.register(t, "Bob")
	carol, _ := ts.register(t, "Carol")

	_, body := ts.do(t, http.MethodPost, "/api/chat", aliceToken, accessChatRequest{UserID: bob.ID})
	chat := decode[domain.ChatView](t, body)
	_, body = ts.do(t, http.MethodPost, "/api/message", aliceToken, sendRequest{ChatID: chat.ID, Content: "fwd me"})
	msg := decode[domain.MessageView](t, body)

	status, body := ts.do(t, http.MethodPost, "/api/message/"+msg.ID+"/forward", aliceToken, forwardRequest{
		ChatIDs: []string{"missing"},
		UserIDs: []string{carol.ID},
	})
	if status != http.StatusOK {
		t.Fatalf("forward: %d %s", status, body)
	}
	resp := decode[forwardResponse](t, body)
	if len(resp.Messages) != 1 || len(resp.Failed) != 1 || resp.Failed[0].ChatID != "missing" {
		t.Fatalf("unexpected forward response: %s", body)
	}

	status, _ = ts.do(t, http.MethodPost, "/api/message/"+msg.ID+"/forward", aliceToken, forwardRequest{ChatIDs: []string{"missing"}})
	if status != http.StatusNotFound {
		t.Fatalf("all-failed forward: expected 404, got %d", status)
	}
	status, _ = ts.do(t, http.MethodPost, "/api/message/"+msg.ID+"/forward", aliceToken, forwardRequest{})
	if status != http.StatusBadRequest {
		t.Fatalf("no targets: expected 400, got %d", status)
	}

	status, body = ts.do(t, http.MethodPost, "/api/message", aliceToken, sendRequest{ChatID: chat.ID, ForwardedFrom: msg.ID})
	if status != http.StatusCreated {
		t.Fatalf("send forwarded: %d %s", status, body)
	}
	fwd := decode[domain.MessageView](t, body)
	if !fwd.IsForwarded || fwd.Content != "fwd me" || fwd.ForwardedFrom == nil || fwd.ForwardedFrom.ID != msg.ID {
		t.Fatalf("unexpected forwarded send: %s", body)
	}
}

func TestSendRateLimit(t *testing.T) {
	ts := newTestServer(t, func(cfg *Config) { cfg.SendRateLimitPerMinute = 1 })
	_, aliceToken := ts.register(t, "Alice")
	bob, _ := ts.register(t, "Bob")
	_, body := ts.do(t, http.MethodPost, "/api/chat", aliceToken, accessChatRequest{UserID: bob.ID})
	chat := decode[domain.ChatView](t, body)

	if status, body := ts.do(t, http.MethodPost, "/api/message", aliceToken, sendRequest{ChatID: chat.ID, Content: "1"}); status != http.StatusCreated {
		t.Fatalf("first send: %d %s", status, body)
	}
	if status, _ := ts.do(t, http.MethodPost, "/api/message", aliceToken, sendRequest{ChatID: chat.ID, Content: "2"}); status != http.StatusTooManyRequests {
		t.Fatalf("second send: expected 429, got %d", status)
	}
}

func TestServerRequiresRedisRateLimiter(t *testing.T) {
	tokens, _ := usertoken.NewManager(usertoken.Config{Secret: strings.Repeat("s", 32)})
	a, _ := app.New(app.Config{Store: store.NewMemoryStore()})
	_, err := New(Config{App: a, Tokens: tokens, Hub: realtime.NewHub(realtime.NewPresence(), nil)})
	if err == nil {
		t.Fatalf("expected limiter initialization to fail without redis addr")
	}
}

func TestSocketDeliversEvents(t *testing.T) {
	ts := newTestServer(t, nil)
	_, aliceToken := ts.register(t, "Alice")
	bob, bobToken := ts.register(t, "Bob")
	_, carolToken := ts.register(t, "Carol")
	_, body := ts.do(t, http.MethodPost, "/api/chat", aliceToken, accessChatRequest{UserID: bob.ID})
	chat := decode[domain.ChatView](t, body)

	if _, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "bad"), nil); err == nil {
		t.Fatalf("expected dial with bad token to fail")
	}

	bobWS := dial(t, ts, bobToken)
	if e := readEvent(t, bobWS); e.Type != realtime.EventConnected || e.UserID != bob.ID {
		t.Fatalf("expected connected, got %+v", e)
	}

	status, body := ts.do(t, http.MethodPost, "/api/message", aliceToken, sendRequest{ChatID: chat.ID, Content: "ping"})
	if status != http.StatusCreated {
		t.Fatalf("send: %d %s", status, body)
	}
	msg := decode[domain.MessageView](t, body)
	e := readEvent(t, bobWS)
	if e.Type != realtime.EventMessageReceived || e.Message == nil || e.Message.ID != msg.ID {
		t.Fatalf("expected message_received, got %+v", e)
	}

	// bob was online, so the message moved to delivered
	_, body = ts.do(t, http.MethodGet, "/api/message/"+chat.ID, aliceToken, nil)
	if msgs := decode[[]domain.MessageView](t, body); msgs[0].Status != domain.StatusDelivered {
		t.Fatalf("expected delivered, got %q", msgs[0].Status)
	}

	writeFrame(t, bobWS, inboundFrame{Type: frameJoinChat, ChatID: chat.ID})
	if e := readEvent(t, bobWS); e.Type != realtime.EventJoined || e.ChatID != chat.ID {
		t.Fatalf("expected joined, got %+v", e)
	}

	carolWS := dial(t, ts, carolToken)
	readEvent(t, carolWS)
	writeFrame(t, carolWS, inboundFrame{Type: frameJoinChat, ChatID: chat.ID})
	if e := readEvent(t, carolWS); e.Type != realtime.EventError || e.Code != "forbidden" {
		t.Fatalf("expected forbidden error, got %+v", e)
	}
	writeFrame(t, carolWS, inboundFrame{Type: "bogus"})
	if e := readEvent(t, carolWS); e.Type != realtime.EventError || e.Code != "bad_request" {
		t.Fatalf("expected bad_request error, got %+v", e)
	}

	status, _ = ts.do(t, http.MethodPatch, "/api/message/"+msg.ID+"/star", aliceToken, nil)
	if status != http.StatusOK {
		t.Fatalf("star: %d", status)
	}
	if e := readEvent(t, bobWS); e.Type != realtime.EventMessageUpdated || e.Message == nil || len(e.Message.StarredBy) != 1 {
		t.Fatalf("expected message_updated, got %+v", e)
	}

	status, body = ts.do(t, http.MethodGet, "/metrics", "", nil)
	if status != http.StatusOK || !strings.Contains(string(body), "relaychat_realtime_online_users 2") {
		t.Fatalf("metrics: %d %s", status, body)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{app.ErrChatNotFound, http.StatusNotFound},
		{app.ErrAdminOnly, http.StatusForbidden},
		{app.ErrGroupTooSmall, http.StatusBadRequest},
		{app.ErrContentRequired, http.StatusBadRequest},
		{app.ErrEmailAlreadyExists, http.StatusConflict},
		{app.ErrInvalidCredentials, http.StatusUnauthorized},
		{fmt.Errorf("save: %w", errors.New("db down")), http.StatusInternalServerError},
		{&app.ForwardError{Failures: []app.ForwardFailure{{ChatID: "c", Err: app.ErrNotChatMember}}, Targets: 1}, http.StatusForbidden},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, got)
		}
	}
}

func wsURL(ts *testServer, token string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=" + token
}

func dial(t *testing.T, ts *testServer, token string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, token), nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial: %v (status %d)", err, status)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) realtime.Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var e realtime.Event
	if err := conn.ReadJSON(&e); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return e
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame inboundFrame) {
	t.Helper()
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestHealthReportsRedisOutage(t *testing.T) {
	ts := newTestServer(t, nil)
	status, body := ts.do(t, http.MethodGet, "/healthz", "", nil)
	if status != http.StatusOK {
		t.Fatalf("healthz: %d %s", status, body)
	}
	ts.redis.Close()
	status, body = ts.do(t, http.MethodGet, "/healthz", "", nil)
	if status != http.StatusServiceUnavailable {
		t.Fatalf("healthz after redis outage: %d %s", status, body)
	}
	if !strings.Contains(string(body), "unreachable") {
		t.Fatalf("unexpected body: %s", body)
	}
}
