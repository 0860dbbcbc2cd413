package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	gotdsession "github.com/gotd/td/session"
	"github.com/gotd/td/tg"

	"tgrelay/internal/domain"
)

// ErrInteractiveLoginRequired is returned when no stored session exists and
// no code prompt is available.
var ErrInteractiveLoginRequired = errors.New("no stored session and no terminal to read the login code from")

// CodePrompt asks the operator for the login code Telegram sent.
type CodePrompt func(ctx context.Context) (string, error)

// UserConfig configures the MTProto user-account backend.
type UserConfig struct {
	AppID      int
	AppHash    string
	Phone      string
	Storage    gotdsession.Storage
	CodePrompt CodePrompt // nil when running unattended
	Logger     *slog.Logger
}

// UserBackend connects as a regular user account over MTProto and receives
// every new message visible to it.
//
// TODO: wire gotd's updates.Manager so missed updates are recovered after a
// reconnect; the bare dispatcher only sees updates pushed while connected.
type UserBackend struct {
	cfg UserConfig

	cancel   context.CancelFunc
	stopOnce sync.Once
	stopped  atomic.Bool
	done     chan struct{}
	err      error
}

func NewUserBackend(cfg UserConfig) *UserBackend {
	return &UserBackend{cfg: cfg, done: make(chan struct{})}
}

func (b *UserBackend) Name() string { return "user" }

type startResult struct {
	id  domain.Identity
	err error
}

// Start connects, logs in when the stored session is missing or invalid, and
// returns the authenticated account.
func (b *UserBackend) Start(ctx context.Context, sink func(domain.InboundMessage)) (domain.Identity, error) {
	if b.cfg.AppID == 0 || b.cfg.AppHash == "" || b.cfg.Phone == "" {
		return domain.Identity{}, &domain.AuthenticationError{Kind: domain.AuthMissingCredentials}
	}

	dispatcher := tg.NewUpdateDispatcher()
	dispatcher.OnNewMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
		if msg, ok := fromMessage(u.Message, e); ok {
			sink(msg)
		}
		return nil
	})
	dispatcher.OnNewChannelMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
		if msg, ok := fromMessage(u.Message, e); ok {
			sink(msg)
		}
		return nil
	})

	handler := &shortUpdates{next: dispatcher, users: newUserCache(), logger: b.cfg.Logger}
	client := telegram.NewClient(b.cfg.AppID, b.cfg.AppHash, telegram.Options{
		SessionStorage: b.cfg.Storage,
		UpdateHandler:  handler,
	})
	handler.api = client.API()

	runCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	started := make(chan startResult, 1)
	var reportOnce sync.Once
	report := func(r startResult) {
		reportOnce.Do(func() { started <- r })
	}

	go func() {
		defer close(b.done)
		err := client.Run(runCtx, func(ctx context.Context) error {
			if err := client.Auth().IfNecessary(ctx, b.flow()); err != nil {
				return classifyAuthError(err)
			}
			self, err := client.Self(ctx)
			if err != nil {
				return &domain.AuthenticationError{Kind: domain.AuthFailed, Err: fmt.Errorf("fetch account: %w", err)}
			}
			report(startResult{id: identityOf(self)})
			<-ctx.Done()
			return nil
		})
		if err == nil && !b.stopped.Load() {
			err = errors.New("telegram connection closed")
		}
		b.err = err
		if err == nil {
			err = errors.New("telegram connection closed before login completed")
		}
		report(startResult{err: err})
	}()

	select {
	case r := <-started:
		if r.err != nil {
			<-b.done
			var authErr *domain.AuthenticationError
			if errors.As(r.err, &authErr) {
				return domain.Identity{}, authErr
			}
			return domain.Identity{}, fmt.Errorf("connect to telegram: %w", r.err)
		}
		b.cfg.Logger.Info("telegram user session ready", "user_id", r.id.ID)
		return r.id, nil
	case <-ctx.Done():
		b.Stop()
		<-b.done
		return domain.Identity{}, ctx.Err()
	}
}

func (b *UserBackend) Wait() error {
	<-b.done
	if b.stopped.Load() {
		return nil
	}
	return b.err
}

func (b *UserBackend) Stop() {
	b.stopOnce.Do(func() {
		b.stopped.Store(true)
		if b.cancel != nil {
			b.cancel()
		}
	})
}

func (b *UserBackend) flow() auth.Flow {
	prompt := b.cfg.CodePrompt
	code := auth.CodeAuthenticatorFunc(func(ctx context.Context, _ *tg.AuthSentCode) (string, error) {
		if prompt == nil {
			return "", ErrInteractiveLoginRequired
		}
		return prompt(ctx)
	})
	return auth.NewFlow(auth.CodeOnly(b.cfg.Phone, code), auth.SendCodeOptions{})
}

func classifyAuthError(err error) error {
	switch {
	case errors.Is(err, auth.ErrPasswordAuthNeeded), errors.Is(err, auth.ErrPasswordNotProvided):
		return &domain.AuthenticationError{Kind: domain.AuthSecondFactorRequired, Err: err}
	default:
		return &domain.AuthenticationError{Kind: domain.AuthFailed, Err: err}
	}
}

func identityOf(u *tg.User) domain.Identity {
	id := domain.Identity{ID: u.ID, DisplayName: u.FirstName}
	if username, ok := u.GetUsername(); ok {
		id.Username = username
	}
	return id
}

// fromMessage maps an MTProto message to an InboundMessage. Outgoing
// messages and service messages are dropped.
func fromMessage(class tg.MessageClass, e tg.Entities) (domain.InboundMessage, bool) {
	m, ok := class.(*tg.Message)
	if !ok || m.Out {
		return domain.InboundMessage{}, false
	}

	msg := domain.InboundMessage{
		Text:      m.Message,
		MessageID: int64(m.ID),
		Date:      unixDate(m.Date),
	}

	switch peer := m.PeerID.(type) {
	case *tg.PeerUser:
		msg.Origin = domain.OriginDirect
		msg.SenderID = peer.UserID
	case *tg.PeerChat:
		msg.Origin = domain.OriginGroup
	case *tg.PeerChannel:
		msg.Origin = domain.OriginChannel
		msg.SenderID = peer.ChannelID
		if ch, ok := e.Channels[peer.ChannelID]; ok && ch.Megagroup {
			msg.Origin = domain.OriginGroup
		}
	default:
		return domain.InboundMessage{}, false
	}

	if from, ok := m.GetFromID(); ok {
		if u, ok := from.(*tg.PeerUser); ok {
			msg.SenderID = u.UserID
		}
	}

	if u, ok := e.Users[msg.SenderID]; ok {
		msg.SenderName = u.FirstName
		if username, ok := u.GetUsername(); ok && username != "" {
			msg.Username = &username
		}
	}
	return msg, true
}

// differenceAPI fetches the users a short update did not carry.
type differenceAPI interface {
	UpdatesGetDifference(ctx context.Context, request *tg.UpdatesGetDifferenceRequest) (tg.UpdatesDifferenceClass, error)
}

// userCache remembers every user seen in an update.
type userCache struct {
	mu    sync.RWMutex
	users map[int64]*tg.User
}

func newUserCache() *userCache {
	return &userCache{users: make(map[int64]*tg.User)}
}

func (c *userCache) remember(users []tg.UserClass) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, uc := range users {
		u, ok := uc.(*tg.User)
		if !ok {
			continue
		}
		// Keep a full record over a later min one.
		if prev, ok := c.users[u.ID]; ok && u.Min && !prev.Min {
			continue
		}
		c.users[u.ID] = u
	}
}

func (c *userCache) get(id int64) (*tg.User, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.users[id]
	return u, ok
}

// shortUpdates expands updateShortMessage, which Telegram uses for simple
// private messages, into the updates form the dispatcher routes. A short
// message carries only the sender id, so the sender is looked up in the users
// seen so far and, failing that, fetched with updates.getDifference.
type shortUpdates struct {
	next   telegram.UpdateHandler
	users  *userCache
	api    differenceAPI
	logger *slog.Logger
}

func (h *shortUpdates) Handle(ctx context.Context, u tg.UpdatesClass) error {
	switch upd := u.(type) {
	case *tg.Updates:
		h.users.remember(upd.Users)
	case *tg.UpdatesCombined:
		h.users.remember(upd.Users)
	case *tg.UpdateShortMessage:
		return h.next.Handle(ctx, h.expand(ctx, upd))
	}
	return h.next.Handle(ctx, u)
}

func (h *shortUpdates) expand(ctx context.Context, short *tg.UpdateShortMessage) *tg.Updates {
	var users []tg.UserClass
	if !short.Out {
		if sender, ok := h.sender(ctx, short); ok {
			users = append(users, sender)
		}
	}
	return &tg.Updates{
		Updates: []tg.UpdateClass{&tg.UpdateNewMessage{
			Message: &tg.Message{
				ID:      short.ID,
				Out:     short.Out,
				PeerID:  &tg.PeerUser{UserID: short.UserID},
				Date:    short.Date,
				Message: short.Message,
			},
			Pts:      short.Pts,
			PtsCount: short.PtsCount,
		}},
		Users: users,
		Date:  short.Date,
	}
}

func (h *shortUpdates) sender(ctx context.Context, short *tg.UpdateShortMessage) (*tg.User, bool) {
	if u, ok := h.users.get(short.UserID); ok {
		return u, true
	}
	if h.api == nil {
		return nil, false
	}
	diff, err := h.api.UpdatesGetDifference(ctx, &tg.UpdatesGetDifferenceRequest{
		Pts:  short.Pts - short.PtsCount,
		Date: short.Date,
	})
	if err != nil {
		h.logger.Warn("could not resolve message sender", "user_id", short.UserID, "err", err)
		return nil, false
	}
	switch d := diff.(type) {
	case *tg.UpdatesDifference:
		h.users.remember(d.Users)
	case *tg.UpdatesDifferenceSlice:
		h.users.remember(d.Users)
	}
	u, ok := h.users.get(short.UserID)
	if !ok {
		h.logger.Debug("message sender not in difference", "user_id", short.UserID)
	}
	return u, ok
}

var _ Backend = (*UserBackend)(nil)
