// Package slack adapts the Slack Web and RTM APIs to the backend boundary.
package slack

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	slackapi "github.com/slack-go/slack"

	"github.com/relaywire/relaywire/pkg/backend"
)

type Client struct {
	token  string
	notify string
	log    zerolog.Logger

	api       *slackapi.Client
	rtm       *slackapi.RTM
	selfID    string
	events    chan backend.Event
	connected atomic.Bool
	cancel    context.CancelFunc
	closed    atomic.Bool
}

func New(cred backend.Credential, log zerolog.Logger) (*Client, error) {
	if cred.Token == "" {
		return nil, fmt.Errorf("slack: %w: empty token", backend.ErrInvalidCredential)
	}
	return &Client{
		token:  cred.Token,
		notify: cred.NotifyChannel,
		log:    log.With().Str("backend", "slack").Logger(),
		events: make(chan backend.Event, 100),
	}, nil
}

func (c *Client) Connect(ctx context.Context) error {
	api := slackapi.New(c.token)
	auth, err := api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack: %w: %v", backend.ErrInvalidCredential, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	rtm := api.NewRTM()
	go rtm.ManageConnection()

	c.api = api
	c.rtm = rtm
	c.selfID = auth.UserID
	c.cancel = cancel
	c.connected.Store(true)
	go c.pump(runCtx)
	return nil
}

func (c *Client) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.rtm.IncomingEvents:
			if !ok {
				c.connected.Store(false)
				return
			}
			switch data := ev.Data.(type) {
			case *slackapi.MessageEvent:
				c.handleMessage(ctx, data)
			case *slackapi.InvalidAuthEvent:
				c.log.Error().Msg("rtm reported invalid auth")
				c.connected.Store(false)
			case *slackapi.DisconnectedEvent:
				if data.Intentional {
					return
				}
			}
		}
	}
}

func (c *Client) handleMessage(ctx context.Context, ev *slackapi.MessageEvent) {
	switch ev.SubType {
	case "message_changed":
		if ev.SubMessage == nil {
			return
		}
		c.push(ctx, backend.Event{
			Kind: backend.EventEditedMessage,
			Message: backend.Message{
				ID:        backend.MessageID(ev.SubMessage.Timestamp),
				Channel:   backend.ChannelID(ev.Channel),
				Text:      ev.SubMessage.Text,
				Timestamp: tsTime(ev.SubMessage.Timestamp),
			},
		})
	case "", "file_share":
		if ev.User == c.selfID {
			return
		}
		c.push(ctx, backend.Event{Kind: backend.EventNewMessage, Message: decodeMsg(&ev.Msg)})
	}
}

func (c *Client) push(ctx context.Context, ev backend.Event) {
	if c.closed.Load() {
		return
	}
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

func decodeMsg(m *slackapi.Msg) backend.Message {
	var media []backend.Media
	for _, f := range m.Files {
		media = append(media, backend.Media{Kind: fileKind(f.Mimetype), Ref: f.URLPrivate})
	}
	return backend.Message{
		ID:        backend.MessageID(m.Timestamp),
		Channel:   backend.ChannelID(m.Channel),
		Text:      m.Text,
		Media:     media,
		Timestamp: tsTime(m.Timestamp),
	}
}

func fileKind(mimetype string) backend.MediaKind {
	switch {
	case strings.HasPrefix(mimetype, "image/"):
		return backend.MediaPhoto
	case strings.HasPrefix(mimetype, "video/"):
		return backend.MediaVideo
	default:
		return backend.MediaDocument
	}
}

// tsTime converts a Slack "1700000000.000123" timestamp to a time.Time.
func tsTime(ts string) time.Time {
	sec, _, ok := strings.Cut(ts, ".")
	if !ok {
		sec = ts
	}
	var unix int64
	fmt.Sscanf(sec, "%d", &unix)
	if unix == 0 {
		return time.Now()
	}
	return time.Unix(unix, 0)
}

func (c *Client) Authorized(ctx context.Context) error {
	if c.api == nil {
		return backend.ErrConnectionLost
	}
	if _, err := c.api.AuthTestContext(ctx); err != nil {
		return fmt.Errorf("slack: %w: %v", backend.ErrInvalidCredential, err)
	}
	return nil
}

func (c *Client) Connected() bool {
	return c.connected.Load()
}

// ResolveChannel accepts a conversation id (C…/G…) or a #name looked up via
// the conversations list.
func (c *Client) ResolveChannel(ctx context.Context, ref string) (backend.Channel, error) {
	if looksLikeID(ref) {
		info, err := c.api.GetConversationInfoContext(ctx, &slackapi.GetConversationInfoInput{ChannelID: ref})
		if err != nil {
			return backend.Channel{}, fmt.Errorf("slack: resolving %q: %w", ref, backend.ErrChannelNotFound)
		}
		return backend.Channel{ID: backend.ChannelID(info.ID), Ref: ref, Title: info.Name}, nil
	}

	name := strings.TrimPrefix(ref, "#")
	params := &slackapi.GetConversationsParameters{
		Types: []string{"public_channel", "private_channel"},
		Limit: 200,
	}
	for {
		chs, cursor, err := c.api.GetConversationsContext(ctx, params)
		if err != nil {
			return backend.Channel{}, fmt.Errorf("slack: listing conversations: %w", err)
		}
		for _, ch := range chs {
			if ch.Name == name {
				return backend.Channel{ID: backend.ChannelID(ch.ID), Ref: ref, Title: ch.Name}, nil
			}
		}
		if cursor == "" {
			break
		}
		params.Cursor = cursor
	}
	return backend.Channel{}, fmt.Errorf("slack: resolving %q: %w", ref, backend.ErrChannelNotFound)
}

func (c *Client) Send(ctx context.Context, ch backend.ChannelID, out backend.Outgoing) (backend.MessageID, error) {
	text := out.Text
	for _, m := range out.Media {
		if text != "" {
			text += "\n"
		}
		text += m.Ref
	}
	_, ts, err := c.api.PostMessageContext(ctx, string(ch), slackapi.MsgOptionText(text, false))
	if err != nil {
		return "", fmt.Errorf("slack: sending to %s: %w", ch, err)
	}
	return backend.MessageID(ts), nil
}

func (c *Client) Edit(ctx context.Context, ch backend.ChannelID, id backend.MessageID, out backend.Outgoing) error {
	text := out.Text
	for _, m := range out.Media {
		if text != "" {
			text += "\n"
		}
		text += m.Ref
	}
	if _, _, _, err := c.api.UpdateMessageContext(ctx, string(ch), string(id), slackapi.MsgOptionText(text, false)); err != nil {
		return fmt.Errorf("slack: editing %s in %s: %w", id, ch, err)
	}
	return nil
}

func (c *Client) History(ctx context.Context, ch backend.ChannelID, opts backend.HistoryOptions) ([]backend.Message, error) {
	params := &slackapi.GetConversationHistoryParameters{
		ChannelID: string(ch),
		Limit:     opts.Limit,
	}
	switch {
	case opts.AnchorID != "" && opts.Direction == backend.DirectionAfter:
		params.Oldest = string(opts.AnchorID)
	case opts.AnchorID != "":
		params.Latest = string(opts.AnchorID)
	}

	resp, err := c.api.GetConversationHistoryContext(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("slack: fetching history for %s: %w", ch, err)
	}

	msgs := make([]backend.Message, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		msg := decodeMsg(&m.Msg)
		msg.Channel = ch
		if msg.Empty() {
			continue
		}
		msgs = append(msgs, msg)
	}
	// The API returns newest first; flip when the task wants oldest first.
	sort.Slice(msgs, func(i, j int) bool {
		if opts.Order == backend.OrderOldest {
			return msgs[i].Timestamp.Before(msgs[j].Timestamp)
		}
		return msgs[j].Timestamp.Before(msgs[i].Timestamp)
	})
	return msgs, nil
}

func (c *Client) Notify(ctx context.Context, text string) error {
	if c.notify == "" {
		return nil
	}
	ch, err := c.ResolveChannel(ctx, c.notify)
	if err != nil {
		return err
	}
	_, err = c.Send(ctx, ch.ID, backend.Outgoing{Text: text})
	return err
}

func (c *Client) Events() <-chan backend.Event {
	return c.events
}

func (c *Client) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.rtm != nil {
		c.rtm.Disconnect()
	}
	c.connected.Store(false)
	if c.closed.CompareAndSwap(false, true) {
		close(c.events)
	}
	return nil
}

func looksLikeID(ref string) bool {
	if len(ref) < 9 {
		return false
	}
	if ref[0] != 'C' && ref[0] != 'G' && ref[0] != 'D' {
		return false
	}
	for _, r := range ref[1:] {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
