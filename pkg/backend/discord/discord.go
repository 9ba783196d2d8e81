// Package discord adapts the Discord gateway and REST API to the backend
// boundary.
package discord

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/relaywire/relaywire/pkg/backend"
)

type Client struct {
	token  string
	notify string
	log    zerolog.Logger

	session   *discordgo.Session
	selfID    string
	events    chan backend.Event
	connected atomic.Bool
	closed    atomic.Bool
}

func New(cred backend.Credential, log zerolog.Logger) (*Client, error) {
	if cred.Token == "" {
		return nil, fmt.Errorf("discord: %w: empty token", backend.ErrInvalidCredential)
	}
	return &Client{
		token:  cred.Token,
		notify: cred.NotifyChannel,
		log:    log.With().Str("backend", "discord").Logger(),
		events: make(chan backend.Event, 100),
	}, nil
}

func (c *Client) Connect(ctx context.Context) error {
	session, err := discordgo.New("Bot " + c.token)
	if err != nil {
		return fmt.Errorf("discord: %w: %v", backend.ErrInvalidCredential, err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentMessageContent

	session.AddHandler(c.onMessageCreate)
	session.AddHandler(c.onMessageUpdate)

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord: opening gateway: %w: %v", backend.ErrConnectionLost, err)
	}
	self, err := session.User("@me")
	if err != nil {
		session.Close()
		return fmt.Errorf("discord: %w: %v", backend.ErrInvalidCredential, err)
	}

	c.session = session
	c.selfID = self.ID
	c.connected.Store(true)
	return nil
}

func (c *Client) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author != nil && (m.Author.ID == c.selfID || m.Author.Bot) {
		return
	}
	c.push(backend.Event{Kind: backend.EventNewMessage, Message: decodeMessage(m.Message)})
}

func (c *Client) onMessageUpdate(_ *discordgo.Session, m *discordgo.MessageUpdate) {
	if m.Author != nil && (m.Author.ID == c.selfID || m.Author.Bot) {
		return
	}
	c.push(backend.Event{Kind: backend.EventEditedMessage, Message: decodeMessage(m.Message)})
}

func (c *Client) push(ev backend.Event) {
	if c.closed.Load() {
		return
	}
	select {
	case c.events <- ev:
	default:
		c.log.Warn().Str("channel", string(ev.Message.Channel)).Msg("event queue full, dropping event")
	}
}

func decodeMessage(m *discordgo.Message) backend.Message {
	var media []backend.Media
	for _, att := range m.Attachments {
		media = append(media, backend.Media{Kind: mediaKind(att.ContentType), Ref: att.URL})
	}
	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return backend.Message{
		ID:        backend.MessageID(m.ID),
		Channel:   backend.ChannelID(m.ChannelID),
		Text:      m.Content,
		Media:     media,
		Timestamp: ts,
	}
}

func mediaKind(contentType string) backend.MediaKind {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return backend.MediaPhoto
	case strings.HasPrefix(contentType, "video/"):
		return backend.MediaVideo
	default:
		return backend.MediaDocument
	}
}

func (c *Client) Authorized(ctx context.Context) error {
	if c.session == nil {
		return backend.ErrConnectionLost
	}
	if _, err := c.session.User("@me", discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord: %w: %v", backend.ErrInvalidCredential, err)
	}
	return nil
}

func (c *Client) Connected() bool {
	return c.connected.Load()
}

// ResolveChannel accepts a channel snowflake or a #name searched across the
// bot's guilds.
func (c *Client) ResolveChannel(ctx context.Context, ref string) (backend.Channel, error) {
	if isSnowflake(ref) {
		ch, err := c.session.Channel(ref, discordgo.WithContext(ctx))
		if err != nil {
			return backend.Channel{}, fmt.Errorf("discord: resolving %q: %w", ref, backend.ErrChannelNotFound)
		}
		return backend.Channel{ID: backend.ChannelID(ch.ID), Ref: ref, Title: ch.Name}, nil
	}

	name := strings.TrimPrefix(ref, "#")
	guilds := c.session.State.Guilds
	for _, g := range guilds {
		chs, err := c.session.GuildChannels(g.ID, discordgo.WithContext(ctx))
		if err != nil {
			c.log.Warn().Str("guild", g.ID).Err(err).Msg("listing guild channels")
			continue
		}
		for _, ch := range chs {
			if ch.Type == discordgo.ChannelTypeGuildText && ch.Name == name {
				return backend.Channel{ID: backend.ChannelID(ch.ID), Ref: ref, Title: ch.Name}, nil
			}
		}
	}
	return backend.Channel{}, fmt.Errorf("discord: resolving %q: %w", ref, backend.ErrChannelNotFound)
}

func (c *Client) Send(ctx context.Context, ch backend.ChannelID, out backend.Outgoing) (backend.MessageID, error) {
	content := out.Text
	// Attachments are re-posted by link; Discord unfurls them.
	for _, m := range out.Media {
		if content != "" {
			content += "\n"
		}
		content += m.Ref
	}
	msg, err := c.session.ChannelMessageSend(string(ch), content, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("discord: sending to %s: %w", ch, err)
	}
	return backend.MessageID(msg.ID), nil
}

func (c *Client) Edit(ctx context.Context, ch backend.ChannelID, id backend.MessageID, out backend.Outgoing) error {
	content := out.Text
	for _, m := range out.Media {
		if content != "" {
			content += "\n"
		}
		content += m.Ref
	}
	if _, err := c.session.ChannelMessageEdit(string(ch), string(id), content, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord: editing %s in %s: %w", id, ch, err)
	}
	return nil
}

func (c *Client) History(ctx context.Context, ch backend.ChannelID, opts backend.HistoryOptions) ([]backend.Message, error) {
	var before, after string
	switch {
	case opts.AnchorID != "" && opts.Direction == backend.DirectionAfter:
		after = string(opts.AnchorID)
	case opts.AnchorID != "":
		before = string(opts.AnchorID)
	}

	raw, err := c.session.ChannelMessages(string(ch), opts.Limit, before, after, "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("discord: fetching history for %s: %w", ch, err)
	}

	msgs := make([]backend.Message, 0, len(raw))
	for _, m := range raw {
		msgs = append(msgs, decodeMessage(m))
	}
	// The REST API's ordering varies with the paging parameter; normalize
	// to what the caller asked for.
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
	var err error
	if c.session != nil {
		err = c.session.Close()
	}
	c.connected.Store(false)
	if c.closed.CompareAndSwap(false, true) {
		close(c.events)
	}
	return err
}

func isSnowflake(s string) bool {
	if len(s) < 15 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
