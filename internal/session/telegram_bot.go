package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"tgrelay/internal/domain"
)

const botPollTimeout = 30

// BotConfig configures the Bot API backend.
type BotConfig struct {
	Token    string
	Endpoint string       // Bot API endpoint format, default tgbotapi.APIEndpoint
	Client   *http.Client // optional
	Logger   *slog.Logger
}

// BotBackend receives private messages sent to a bot account through the
// Telegram Bot API (long polling).
type BotBackend struct {
	token    string
	endpoint string
	client   *http.Client
	logger   *slog.Logger

	bot      *tgbotapi.BotAPI
	stopOnce sync.Once
	stopped  atomic.Bool
	done     chan struct{}
	err      error
}

func NewBotBackend(cfg BotConfig) *BotBackend {
	if cfg.Endpoint == "" {
		cfg.Endpoint = tgbotapi.APIEndpoint
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: (botPollTimeout + 10) * time.Second}
	}
	return &BotBackend{
		token:    cfg.Token,
		endpoint: cfg.Endpoint,
		client:   cfg.Client,
		logger:   cfg.Logger,
		done:     make(chan struct{}),
	}
}

func (b *BotBackend) Name() string { return "bot" }

// Start validates the token with getMe and starts polling for updates.
func (b *BotBackend) Start(ctx context.Context, sink func(domain.InboundMessage)) (domain.Identity, error) {
	if b.token == "" {
		return domain.Identity{}, &domain.AuthenticationError{Kind: domain.AuthMissingCredentials}
	}
	if err := ctx.Err(); err != nil {
		return domain.Identity{}, err
	}

	bot, err := tgbotapi.NewBotAPIWithClient(b.token, b.endpoint, b.client)
	if err != nil {
		return domain.Identity{}, &domain.AuthenticationError{Kind: domain.AuthFailed, Err: fmt.Errorf("telegram bot init: %w", err)}
	}
	b.bot = bot

	u := tgbotapi.NewUpdate(0)
	u.Timeout = botPollTimeout
	u.AllowedUpdates = []string{"message", "channel_post"}
	updates := bot.GetUpdatesChan(u)

	go func() {
		defer close(b.done)
		for update := range updates {
			if msg, ok := fromBotUpdate(update); ok {
				sink(msg)
			}
		}
		if !b.stopped.Load() {
			b.err = errors.New("telegram update channel closed")
		}
	}()

	b.logger.Info("telegram polling started", "bot", bot.Self.UserName)
	return domain.Identity{
		ID:          bot.Self.ID,
		DisplayName: bot.Self.FirstName,
		Username:    bot.Self.UserName,
	}, nil
}

func (b *BotBackend) Wait() error {
	<-b.done
	if b.stopped.Load() {
		return nil
	}
	return b.err
}

// Stop ends polling. StopReceivingUpdates panics when called twice.
func (b *BotBackend) Stop() {
	b.stopOnce.Do(func() {
		b.stopped.Store(true)
		if b.bot != nil {
			b.bot.StopReceivingUpdates()
		}
	})
}

func fromBotUpdate(update tgbotapi.Update) (domain.InboundMessage, bool) {
	if update.ChannelPost != nil {
		post := update.ChannelPost
		msg := domain.InboundMessage{
			SenderID:  post.Chat.ID,
			Text:      post.Text,
			MessageID: int64(post.MessageID),
			Date:      unixDate(post.Date),
			Origin:    domain.OriginChannel,
		}
		return msg, true
	}

	m := update.Message
	if m == nil || m.From == nil || m.Chat == nil {
		return domain.InboundMessage{}, false
	}

	msg := domain.InboundMessage{
		SenderID:   m.From.ID,
		SenderName: m.From.FirstName,
		Text:       m.Text,
		MessageID:  int64(m.MessageID),
		Date:       unixDate(m.Date),
		Origin:     domain.OriginGroup,
	}
	if m.Chat.IsPrivate() {
		msg.Origin = domain.OriginDirect
	} else if m.Chat.IsChannel() {
		msg.Origin = domain.OriginChannel
	}
	// The Bot API omits username when the user has none.
	if m.From.UserName != "" {
		username := m.From.UserName
		msg.Username = &username
	}
	return msg, true
}

func unixDate(ts int) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(int64(ts), 0).UTC()
}

var _ Backend = (*BotBackend)(nil)
