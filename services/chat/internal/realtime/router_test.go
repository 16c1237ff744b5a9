package realtime

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"relaychat/pkg/domain"
	"relaychat/pkg/store"
)

type routerEnv struct {
	hub     *Hub
	router  *Router
	store   *store.MemoryStore
	metrics *Metrics
	chat    domain.Chat
}

func newRouterEnv(t *testing.T, members ...string) *routerEnv {
	t.Helper()
	mem := store.NewMemoryStore()
	chat := domain.Chat{ID: "chat-1", IsGroup: len(members) > 2, Members: members, CreatedAt: time.Now()}
	if chat.IsGroup {
		chat.AdminID = members[0]
	}
	if err := mem.SaveChat(context.Background(), chat); err != nil {
		t.Fatalf("save chat: %v", err)
	}
	metrics := NewMetrics(prometheus.NewRegistry())
	hub := NewHub(NewPresence(), metrics)
	return &routerEnv{
		hub:     hub,
		router:  NewRouter(RouterConfig{Hub: hub, Store: mem, Metrics: metrics}),
		store:   mem,
		metrics: metrics,
		chat:    chat,
	}
}

func (e *routerEnv) connect(id, user string) *fakeSession {
	s := newFakeSession(id, user)
	e.hub.Attach(s)
	e.hub.Join(e.chat.ID, s)
	return s
}

func (e *routerEnv) message(t *testing.T, id, sender string) domain.MessageView {
	t.Helper()
	msg := domain.Message{ID: id, ChatID: e.chat.ID, SenderID: sender, Content: "hi", Status: domain.StatusSent}
	if err := e.store.SaveMessage(context.Background(), msg); err != nil {
		t.Fatalf("save message: %v", err)
	}
	return domain.MessageView{Message: msg}
}

func (e *routerEnv) status(t *testing.T, id string) domain.MessageStatus {
	t.Helper()
	msg, ok, err := e.store.GetMessage(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("get message %s: ok=%v err=%v", id, ok, err)
	}
	return msg.Status
}

func TestMessageCreatedMarksDeliveredOnce(t *testing.T) {
	env := newRouterEnv(t, "alice", "bob", "carol")
	sender := env.connect("a1", "alice")
	bob := env.connect("b1", "bob")
	carol := env.connect("c1", "carol")
	msg := env.message(t, "m1", "alice")

	env.router.MessageCreated(context.Background(), env.chat, msg)

	if got := env.status(t, "m1"); got != domain.StatusDelivered {
		t.Fatalf("status = %q, want delivered", got)
	}
	statuses := sender.events(EventMessageStatus)
	if len(statuses) != 1 || statuses[0].MessageID != "m1" || statuses[0].Status != domain.StatusDelivered {
		t.Fatalf("sender status events = %+v", statuses)
	}
	for _, s := range []*fakeSession{bob, carol} {
		got := s.events(EventMessageReceived)
		if len(got) != 1 || got[0].Message == nil || got[0].Message.ID != "m1" {
			t.Fatalf("%s received %+v", s.user, got)
		}
	}
	if len(sender.events(EventMessageReceived)) != 0 {
		t.Fatalf("sender should not receive its own message")
	}
	if got := testutil.ToFloat64(env.metrics.transitions); got != 1 {
		t.Fatalf("transitions = %v", got)
	}
	if got := testutil.ToFloat64(env.metrics.delivered.WithLabelValues(EventMessageReceived)); got != 2 {
		t.Fatalf("delivered message_received = %v", got)
	}
}

func TestMessageCreatedOfflineRecipientStaysSent(t *testing.T) {
	env := newRouterEnv(t, "alice", "bob")
	sender := env.connect("a1", "alice")
	msg := env.message(t, "m1", "alice")

	env.router.MessageCreated(context.Background(), env.chat, msg)

	if got := env.status(t, "m1"); got != domain.StatusSent {
		t.Fatalf("status = %q, want sent", got)
	}
	if len(sender.events(EventMessageStatus)) != 0 {
		t.Fatalf("sender should not hear about delivery")
	}
}

func TestMessageCreatedDoesNotRegressRead(t *testing.T) {
	env := newRouterEnv(t, "alice", "bob")
	sender := env.connect("a1", "alice")
	env.connect("b1", "bob")
	msg := env.message(t, "m1", "alice")
	if _, err := env.store.MarkChatRead(context.Background(), env.chat.ID, "bob"); err != nil {
		t.Fatalf("mark read: %v", err)
	}

	env.router.MessageCreated(context.Background(), env.chat, msg)

	if got := env.status(t, "m1"); got != domain.StatusRead {
		t.Fatalf("status regressed to %q", got)
	}
	if len(sender.events(EventMessageStatus)) != 0 {
		t.Fatalf("no transition means no status event")
	}
}

func TestSystemMessageIsNotMarkedDelivered(t *testing.T) {
	env := newRouterEnv(t, "alice", "bob", "carol")
	alice := env.connect("a1", "alice")
	env.connect("b1", "bob")
	sys := domain.Message{
		ID: "sys", ChatID: env.chat.ID, Content: "alice created group",
		IsSystemMessage: true, SystemKind: domain.SystemGroupCreated, Status: domain.StatusSent,
	}
	if err := env.store.SaveMessage(context.Background(), sys); err != nil {
		t.Fatalf("save: %v", err)
	}

	env.router.MessageCreated(context.Background(), env.chat, domain.MessageView{Message: sys})

	if got := env.status(t, "sys"); got != domain.StatusSent {
		t.Fatalf("system message status = %q", got)
	}
	if len(alice.events(EventMessageReceived)) != 1 {
		t.Fatalf("every member should receive the system message")
	}
}

type failingStore struct{}

func (failingStore) MarkDelivered(context.Context, string) (bool, error) {
	return false, errors.New("db down")
}

func TestMessageCreatedSurvivesStoreFailure(t *testing.T) {
	hub := NewHub(NewPresence(), nil)
	router := NewRouter(RouterConfig{Hub: hub, Store: failingStore{}})
	bob := newFakeSession("b1", "bob")
	hub.Attach(bob)
	chat := domain.Chat{ID: "c", Members: []string{"alice", "bob"}}

	router.MessageCreated(context.Background(), chat, domain.MessageView{Message: domain.Message{ID: "m", SenderID: "alice"}})

	if len(bob.events(EventMessageReceived)) != 1 {
		t.Fatalf("delivery should not depend on the status write")
	}
}

// flakyStore fails the first MarkDelivered call and delegates afterwards.
type flakyStore struct {
	DeliveryStore
	calls int
}

func (f *flakyStore) MarkDelivered(ctx context.Context, id string) (bool, error) {
	f.calls++
	if f.calls == 1 {
		return false, errors.New("timeout")
	}
	return f.DeliveryStore.MarkDelivered(ctx, id)
}

func TestMessageCreatedRetriesDeliveredAfterStoreFailure(t *testing.T) {
	env := newRouterEnv(t, "alice", "bob", "carol")
	flaky := &flakyStore{DeliveryStore: env.store}
	env.router = NewRouter(RouterConfig{Hub: env.hub, Store: flaky, Metrics: env.metrics})
	sender := env.connect("a1", "alice")
	env.connect("b1", "bob")
	env.connect("c1", "carol")
	msg := env.message(t, "m1", "alice")

	env.router.MessageCreated(context.Background(), env.chat, msg)

	if flaky.calls != 2 {
		t.Fatalf("MarkDelivered calls = %d, want 2", flaky.calls)
	}
	if got := env.status(t, "m1"); got != domain.StatusDelivered {
		t.Fatalf("status = %q, want delivered", got)
	}
	if len(sender.events(EventMessageStatus)) != 1 {
		t.Fatalf("sender should hear about delivery once")
	}
}

func TestMessagesReadNotifiesOtherMembers(t *testing.T) {
	env := newRouterEnv(t, "alice", "bob")
	alice := env.connect("a1", "alice")
	bob := env.connect("b1", "bob")

	env.router.MessagesRead(context.Background(), env.chat, "bob", []string{"m1", "m2"})

	got := alice.events(EventMessagesRead)
	if len(got) != 1 || got[0].UserID != "bob" || !slices.Equal(got[0].MessageIDs, []string{"m1", "m2"}) {
		t.Fatalf("alice got %+v", got)
	}
	if len(bob.events(EventMessagesRead)) != 0 {
		t.Fatalf("reader should not be notified")
	}
}

func TestDeletedForUserReachesOnlyThatUser(t *testing.T) {
	env := newRouterEnv(t, "alice", "bob")
	alice := env.connect("a1", "alice")
	bobPhone := env.connect("b1", "bob")
	bobLaptop := newFakeSession("b2", "bob")
	env.hub.Attach(bobLaptop)

	env.router.MessageDeletedForUser(context.Background(), env.chat, "m1", "bob")
	env.router.MessageDeleted(context.Background(), env.chat, "m2")

	if len(alice.events(EventMessageDeletedForMe)) != 0 {
		t.Fatalf("other members must not see a delete-for-me")
	}
	if len(bobPhone.events(EventMessageDeletedForMe)) != 1 || len(bobLaptop.events(EventMessageDeletedForMe)) != 1 {
		t.Fatalf("every bob session should hear the delete-for-me")
	}
	if len(alice.events(EventMessageDeleted)) != 1 || len(bobPhone.events(EventMessageDeleted)) != 1 {
		t.Fatalf("delete-for-everyone goes to the room")
	}
	if len(bobLaptop.events(EventMessageDeleted)) != 0 {
		t.Fatalf("sessions outside the room miss room broadcasts")
	}
}

func TestTypingSkipsTypist(t *testing.T) {
	env := newRouterEnv(t, "alice", "bob")
	alice := env.connect("a1", "alice")
	bob := env.connect("b1", "bob")

	env.router.Typing(context.Background(), env.chat, "alice", false)
	env.router.Typing(context.Background(), env.chat, "alice", true)

	if len(alice.events(EventTyping)) != 0 {
		t.Fatalf("typist should not hear itself")
	}
	if len(bob.events(EventTyping)) != 1 || len(bob.events(EventStopTyping)) != 1 {
		t.Fatalf("bob got %+v", bob.frames)
	}
}

func TestChatRemovedEvictsFromRoom(t *testing.T) {
	env := newRouterEnv(t, "alice", "bob", "carol")
	alice := env.connect("a1", "alice")
	carol := env.connect("c1", "carol")

	env.router.ChatRemoved(context.Background(), env.chat.ID, []string{"carol"})
	env.router.MessageDeleted(context.Background(), env.chat, "m1")

	if len(carol.events(EventChatRemoved)) != 1 {
		t.Fatalf("carol should hear chat_removed")
	}
	if len(carol.events(EventMessageDeleted)) != 0 {
		t.Fatalf("removed member still in room")
	}
	if len(alice.events(EventMessageDeleted)) != 1 {
		t.Fatalf("remaining member should still get room events")
	}
}

func TestChatUpdatedReachesMembers(t *testing.T) {
	env := newRouterEnv(t, "alice", "bob", "carol")
	alice := newFakeSession("a1", "alice")
	env.hub.Attach(alice)
	view := domain.ChatView{Chat: env.chat}

	env.router.ChatUpdated(context.Background(), view)

	got := alice.events(EventChatUpdated)
	if len(got) != 1 || got[0].Chat == nil || got[0].Chat.ID != env.chat.ID {
		t.Fatalf("alice got %+v", got)
	}
}

func TestDroppedEventsAreCounted(t *testing.T) {
	env := newRouterEnv(t, "alice", "bob")
	env.connect("a1", "alice")
	slow := env.connect("b1", "bob")
	slow.full = true

	env.router.MessageUpdated(context.Background(), env.chat, domain.MessageView{Message: domain.Message{ID: "m1"}})

	if got := testutil.ToFloat64(env.metrics.dropped.WithLabelValues(EventMessageUpdated)); got != 1 {
		t.Fatalf("dropped = %v", got)
	}
	if got := testutil.ToFloat64(env.metrics.online); got != 2 {
		t.Fatalf("online = %v", got)
	}
}
