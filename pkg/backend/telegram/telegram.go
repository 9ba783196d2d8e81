// Package telegram adapts the Telegram Bot API to the backend boundary.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"github.com/rs/zerolog"

	"github.com/relaywire/relaywire/pkg/backend"
)

// Client is one bot connection. It implements backend.Client.
type Client struct {
	token  string
	notify string
	log    zerolog.Logger

	bot       *telego.Bot
	events    chan backend.Event
	connected atomic.Bool
	cancel    context.CancelFunc

	// raw chat ids by canonical id, populated at resolution and event
	// decode time. Needed because the Bot API wants the wrapped -100 form
	// back on sends.
	mu   sync.Mutex
	raw  map[backend.ChannelID]int64
	once sync.Once
}

func New(cred backend.Credential, log zerolog.Logger) (*Client, error) {
	if cred.Token == "" {
		return nil, fmt.Errorf("telegram: %w: empty token", backend.ErrInvalidCredential)
	}
	return &Client{
		token:  cred.Token,
		notify: cred.NotifyChannel,
		log:    log.With().Str("backend", "telegram").Logger(),
		events: make(chan backend.Event, 100),
		raw:    make(map[backend.ChannelID]int64),
	}, nil
}

func (c *Client) Connect(ctx context.Context) error {
	bot, err := telego.NewBot(c.token, telego.WithDiscardLogger())
	if err != nil {
		return fmt.Errorf("telegram: %w: %v", backend.ErrInvalidCredential, err)
	}
	if _, err := bot.GetMe(ctx); err != nil {
		return fmt.Errorf("telegram: %w: %v", backend.ErrInvalidCredential, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	updates, err := bot.UpdatesViaLongPolling(runCtx, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("telegram: starting long polling: %w", err)
	}

	c.bot = bot
	c.cancel = cancel
	c.connected.Store(true)
	go c.pump(runCtx, updates)
	return nil
}

func (c *Client) pump(ctx context.Context, updates <-chan telego.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case upd, ok := <-updates:
			if !ok {
				c.connected.Store(false)
				return
			}
			ev, ok := c.decode(upd)
			if !ok {
				continue
			}
			select {
			case c.events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (c *Client) decode(upd telego.Update) (backend.Event, bool) {
	switch {
	case upd.Message != nil:
		return backend.Event{Kind: backend.EventNewMessage, Message: c.decodeMessage(upd.Message)}, true
	case upd.ChannelPost != nil:
		return backend.Event{Kind: backend.EventNewMessage, Message: c.decodeMessage(upd.ChannelPost)}, true
	case upd.EditedMessage != nil:
		return backend.Event{Kind: backend.EventEditedMessage, Message: c.decodeMessage(upd.EditedMessage)}, true
	case upd.EditedChannelPost != nil:
		return backend.Event{Kind: backend.EventEditedMessage, Message: c.decodeMessage(upd.EditedChannelPost)}, true
	}
	return backend.Event{Kind: backend.EventOther}, true
}

func (c *Client) decodeMessage(msg *telego.Message) backend.Message {
	ch := canonicalChatID(msg.Chat.ID)
	c.remember(ch, msg.Chat.ID)

	text := msg.Text
	var media []backend.Media
	if len(msg.Photo) > 0 {
		// Largest size is last.
		media = append(media, backend.Media{Kind: backend.MediaPhoto, Ref: msg.Photo[len(msg.Photo)-1].FileID})
	}
	if msg.Video != nil {
		media = append(media, backend.Media{Kind: backend.MediaVideo, Ref: msg.Video.FileID})
	}
	if msg.Document != nil {
		media = append(media, backend.Media{Kind: backend.MediaDocument, Ref: msg.Document.FileID})
	}
	if len(media) > 0 && text == "" {
		text = msg.Caption
	}

	return backend.Message{
		ID:        backend.MessageID(strconv.Itoa(msg.MessageID)),
		Channel:   ch,
		Text:      text,
		Media:     media,
		Timestamp: time.Unix(msg.Date, 0),
	}
}

func (c *Client) Authorized(ctx context.Context) error {
	if c.bot == nil {
		return backend.ErrConnectionLost
	}
	if _, err := c.bot.GetMe(ctx); err != nil {
		return fmt.Errorf("telegram: %w: %v", backend.ErrInvalidCredential, err)
	}
	return nil
}

func (c *Client) Connected() bool {
	return c.connected.Load()
}

func (c *Client) ResolveChannel(ctx context.Context, ref string) (backend.Channel, error) {
	chat, err := c.bot.GetChat(ctx, &telego.GetChatParams{ChatID: chatID(ref)})
	if err != nil {
		return backend.Channel{}, fmt.Errorf("telegram: resolving %q: %w", ref, backend.ErrChannelNotFound)
	}
	ch := canonicalChatID(chat.ID)
	c.remember(ch, chat.ID)
	return backend.Channel{ID: ch, Ref: ref, Title: chat.Title}, nil
}

func (c *Client) Send(ctx context.Context, ch backend.ChannelID, out backend.Outgoing) (backend.MessageID, error) {
	target, err := c.target(ch)
	if err != nil {
		return "", err
	}

	var msg *telego.Message
	if len(out.Media) > 0 {
		m := out.Media[0]
		switch m.Kind {
		case backend.MediaPhoto:
			msg, err = c.bot.SendPhoto(ctx, &telego.SendPhotoParams{
				ChatID:  target,
				Photo:   tu.FileFromID(m.Ref),
				Caption: out.Text,
			})
		case backend.MediaVideo:
			msg, err = c.bot.SendVideo(ctx, &telego.SendVideoParams{
				ChatID:  target,
				Video:   tu.FileFromID(m.Ref),
				Caption: out.Text,
			})
		default:
			msg, err = c.bot.SendDocument(ctx, &telego.SendDocumentParams{
				ChatID:   target,
				Document: tu.FileFromID(m.Ref),
				Caption:  out.Text,
			})
		}
	} else {
		msg, err = c.bot.SendMessage(ctx, &telego.SendMessageParams{
			ChatID: target,
			Text:   out.Text,
		})
	}
	if err != nil {
		return "", fmt.Errorf("telegram: sending to %s: %w", ch, err)
	}
	return backend.MessageID(strconv.Itoa(msg.MessageID)), nil
}

func (c *Client) Edit(ctx context.Context, ch backend.ChannelID, id backend.MessageID, out backend.Outgoing) error {
	target, err := c.target(ch)
	if err != nil {
		return err
	}
	msgID, err := strconv.Atoi(string(id))
	if err != nil {
		return fmt.Errorf("telegram: bad message id %q: %w", id, err)
	}

	// Media messages carry their text as a caption; plain messages as text.
	if len(out.Media) > 0 {
		_, err = c.bot.EditMessageCaption(ctx, &telego.EditMessageCaptionParams{
			ChatID:    target,
			MessageID: msgID,
			Caption:   out.Text,
		})
	} else {
		_, err = c.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
			ChatID:    target,
			MessageID: msgID,
			Text:      out.Text,
		})
	}
	if err != nil {
		return fmt.Errorf("telegram: editing %s in %s: %w", id, ch, err)
	}
	return nil
}

// History is unavailable through the Bot API; copy-mode backfill needs a
// backend whose API exposes channel history.
func (c *Client) History(ctx context.Context, ch backend.ChannelID, opts backend.HistoryOptions) ([]backend.Message, error) {
	return nil, fmt.Errorf("telegram: history fetch: %w", backend.ErrUnsupported)
}

func (c *Client) Notify(ctx context.Context, text string) error {
	if c.notify == "" {
		return nil
	}
	_, err := c.bot.SendMessage(ctx, &telego.SendMessageParams{
		ChatID: chatID(c.notify),
		Text:   text,
	})
	if err != nil {
		return fmt.Errorf("telegram: notify: %w", err)
	}
	return nil
}

func (c *Client) Events() <-chan backend.Event {
	return c.events
}

func (c *Client) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.connected.Store(false)
	c.once.Do(func() { close(c.events) })
	return nil
}

func (c *Client) remember(ch backend.ChannelID, raw int64) {
	c.mu.Lock()
	c.raw[ch] = raw
	c.mu.Unlock()
}

// target maps a canonical id back to the wrapped form the Bot API expects.
func (c *Client) target(ch backend.ChannelID) (telego.ChatID, error) {
	c.mu.Lock()
	raw, ok := c.raw[ch]
	c.mu.Unlock()
	if ok {
		return tu.ID(raw), nil
	}
	// Not seen this run; assume a channel/supergroup id and restore the
	// -100 prefix.
	n, err := strconv.ParseInt("-100"+string(ch), 10, 64)
	if err != nil {
		return telego.ChatID{}, fmt.Errorf("telegram: unresolved channel %q: %w", ch, backend.ErrChannelNotFound)
	}
	return tu.ID(n), nil
}

// canonicalChatID normalizes the Bot API's wrapped channel ids (-100<id>) to
// the bare positive form so that ids observed on different update paths
// compare equal. Plain group ids keep their sign; they never wrap.
func canonicalChatID(id int64) backend.ChannelID {
	s := strconv.FormatInt(id, 10)
	if rest, ok := strings.CutPrefix(s, "-100"); ok && rest != "" {
		return backend.ChannelID(rest)
	}
	return backend.ChannelID(s)
}

// chatID builds a Bot API chat reference from a configured identifier:
// numeric id or @username (with or without the @).
func chatID(ref string) telego.ChatID {
	if n, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return tu.ID(n)
	}
	if !strings.HasPrefix(ref, "@") {
		ref = "@" + ref
	}
	return tu.Username(ref)
}
