// Package backend defines the boundary to the messaging platforms relaywire
// relays between. The engine treats a platform as an opaque capability:
// connect, resolve a channel, send, edit, fetch history, subscribe to events.
// Adapters for concrete platforms live in the subpackages.
package backend

import (
	"context"
	"errors"
	"time"
)

// ChannelID is the canonical identifier of a channel on a backend.
//
// Adapters construct it once, at resolution or event-decode time, from
// whatever representation their platform hands out (signed, wrapped or
// prefixed numeric ids, opaque strings). All matching in the engine is plain
// equality on this type; no fallback comparison strategies exist anywhere.
type ChannelID string

// MessageID identifies a message within a channel.
type MessageID string

// Channel is a resolved channel. Ref is the user-supplied identifier the
// channel was resolved from; it is only meaningful to the adapter that
// produced it.
type Channel struct {
	ID    ChannelID
	Ref   string
	Title string
}

type MediaKind string

const (
	MediaPhoto    MediaKind = "photo"
	MediaVideo    MediaKind = "video"
	MediaDocument MediaKind = "document"
	MediaOther    MediaKind = "other"
)

// Media is an attachment carried through the relay untouched. Ref is a
// backend-scoped file id or URL.
type Media struct {
	Kind MediaKind `json:"kind"`
	Ref  string    `json:"ref"`
}

// Message is an inbound message as decoded by an adapter.
type Message struct {
	ID        MessageID
	Channel   ChannelID
	Text      string
	Media     []Media
	Timestamp time.Time
}

// Empty reports whether the message carries neither text nor media.
// Empty messages are discarded by the router without further work.
func (m Message) Empty() bool {
	return m.Text == "" && len(m.Media) == 0
}

type EventKind int

const (
	EventOther EventKind = iota
	EventNewMessage
	EventEditedMessage
)

// Event is one item on a tenant connection's multiplexed event stream.
type Event struct {
	Kind    EventKind
	Message Message
}

// Outgoing is the payload of a send or edit. Media is carried through
// untransformed; when both media and text are present the text is the
// media's caption.
type Outgoing struct {
	Text  string
	Media []Media
}

type HistoryOrder string

const (
	OrderNewest HistoryOrder = "newest"
	OrderOldest HistoryOrder = "oldest"
)

type HistoryDirection string

const (
	DirectionBefore HistoryDirection = "before"
	DirectionAfter  HistoryDirection = "after"
)

// HistoryOptions bounds a historical fetch. AnchorID optionally anchors the
// window at a specific message; Direction selects which side of the anchor
// is replayed.
type HistoryOptions struct {
	Limit     int
	Order     HistoryOrder
	AnchorID  MessageID
	Direction HistoryDirection
}

// Credential identifies a tenant's backend account. Kind selects the
// adapter ("telegram", "discord", "slack"). NotifyChannel, when set, is the
// channel ref that receives activation/deactivation notices.
type Credential struct {
	Kind          string `json:"kind"`
	Token         string `json:"token"`
	NotifyChannel string `json:"notify_channel,omitempty"`
}

var (
	// ErrInvalidCredential means the backend rejected the tenant's
	// credential. Fatal for that tenant's relay activity; never retried
	// automatically.
	ErrInvalidCredential = errors.New("invalid backend credential")

	// ErrConnectionLost means an existing connection died and a single
	// reconnect attempt failed. The caller must resurface a reconnect
	// condition upstream.
	ErrConnectionLost = errors.New("backend connection lost")

	// ErrChannelNotFound is returned by ResolveChannel for unknown refs.
	ErrChannelNotFound = errors.New("channel not found")

	// ErrUnsupported is returned for operations a platform's API cannot
	// express (e.g. history fetch through the Telegram Bot API).
	ErrUnsupported = errors.New("operation not supported by backend")
)

// Client is one live connection to a messaging backend.
//
// Events returns the connection's multiplexed inbound stream; the channel is
// created once per client and stays valid across reconnects. It is closed by
// Close.
type Client interface {
	Connect(ctx context.Context) error
	// Authorized re-validates the session. A failure wraps
	// ErrInvalidCredential.
	Authorized(ctx context.Context) error
	Connected() bool

	ResolveChannel(ctx context.Context, ref string) (Channel, error)
	Send(ctx context.Context, ch ChannelID, out Outgoing) (MessageID, error)
	Edit(ctx context.Context, ch ChannelID, id MessageID, out Outgoing) error
	History(ctx context.Context, ch ChannelID, opts HistoryOptions) ([]Message, error)

	// Notify delivers an operational notice to the tenant's configured
	// notification channel. A no-op when none is configured.
	Notify(ctx context.Context, text string) error

	Events() <-chan Event
	Close() error
}

// Dialer constructs an unconnected Client for a credential.
type Dialer interface {
	Dial(ctx context.Context, cred Credential) (Client, error)
}
