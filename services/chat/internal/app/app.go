package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"relaychat/internal/util"
	"relaychat/pkg/domain"
	"relaychat/pkg/store"
)

const (
	defaultFanoutTimeout      = 5 * time.Second
	defaultForwardConcurrency = 4
)

// Notifier receives state changes after they are persisted. Implementations
// must not block beyond ctx and must not report delivery failures; a
// recipient that misses an event picks up the state on its next fetch.
type Notifier interface {
	MessageCreated(ctx context.Context, chat domain.Chat, msg domain.MessageView)
	MessagesRead(ctx context.Context, chat domain.Chat, readerID string, messageIDs []string)
	MessageUpdated(ctx context.Context, chat domain.Chat, msg domain.MessageView)
	MessageDeleted(ctx context.Context, chat domain.Chat, messageID string)
	MessageDeletedForUser(ctx context.Context, chat domain.Chat, messageID, userID string)
	ChatUpdated(ctx context.Context, chat domain.ChatView)
	ChatRemoved(ctx context.Context, chatID string, userIDs []string)
	Typing(ctx context.Context, chat domain.Chat, userID string, stop bool)
}

// TokenIssuer signs access tokens for authenticated users.
type TokenIssuer interface {
	Issue(userID string) (string, error)
}

// Config holds runtime dependencies for the core application.
type Config struct {
	Store    store.Store
	Notifier Notifier
	Tokens   TokenIssuer
	Logger   *slog.Logger

	// FanoutTimeout bounds each post-persistence notification.
	FanoutTimeout time.Duration
	// ForwardConcurrency caps the targets a single forward writes in parallel.
	ForwardConcurrency int

	Now   func() time.Time
	NewID func() string
}

// App implements membership and message lifecycle rules on top of a Store.
//
// Operations are read-modify-write against individual records. A compound
// operation (a message plus its chat's latest pointer, a roster change plus
// its system message) is issued as separate writes in that order, so a crash
// between them can leave the latest pointer lagging or a roster change
// without its audit message. The next successful write to the chat heals the
// pointer.
type App struct {
	store              store.Store
	notifier           Notifier
	tokens             TokenIssuer
	logger             *slog.Logger
	fanoutTimeout      time.Duration
	forwardConcurrency int
	now                func() time.Time
	newID              func() string
}

// New constructs the application.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = NopNotifier{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	fanoutTimeout := cfg.FanoutTimeout
	if fanoutTimeout <= 0 {
		fanoutTimeout = defaultFanoutTimeout
	}
	concurrency := cfg.ForwardConcurrency
	if concurrency <= 0 {
		concurrency = defaultForwardConcurrency
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	newID := cfg.NewID
	if newID == nil {
		newID = util.NewID
	}
	return &App{
		store:              cfg.Store,
		notifier:           notifier,
		tokens:             cfg.Tokens,
		logger:             logger,
		fanoutTimeout:      fanoutTimeout,
		forwardConcurrency: concurrency,
		now:                now,
		newID:              newID,
	}, nil
}

func (a *App) timestamp() time.Time {
	return a.now().UTC().Truncate(time.Microsecond)
}

// fanout runs fn on a context detached from the caller's cancellation, so an
// accepted mutation is still announced when the initiating client goes away.
func (a *App) fanout(ctx context.Context, fn func(ctx context.Context)) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.fanoutTimeout)
	defer cancel()
	fn(ctx)
}

// NopNotifier drops every notification.
type NopNotifier struct{}

func (NopNotifier) MessageCreated(context.Context, domain.Chat, domain.MessageView)    {}
func (NopNotifier) MessagesRead(context.Context, domain.Chat, string, []string)        {}
func (NopNotifier) MessageUpdated(context.Context, domain.Chat, domain.MessageView)    {}
func (NopNotifier) MessageDeleted(context.Context, domain.Chat, string)                {}
func (NopNotifier) MessageDeletedForUser(context.Context, domain.Chat, string, string) {}
func (NopNotifier) ChatUpdated(context.Context, domain.ChatView)                       {}
func (NopNotifier) ChatRemoved(context.Context, string, []string)                      {}
func (NopNotifier) Typing(context.Context, domain.Chat, string, bool)                  {}
