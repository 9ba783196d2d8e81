// Package backendtest provides an in-memory backend.Client for tests.
package backendtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/relaywire/relaywire/pkg/backend"
)

// Sent records one successful Send call.
type Sent struct {
	Channel backend.ChannelID
	ID      backend.MessageID
	Out     backend.Outgoing
}

// Edited records one successful Edit call.
type Edited struct {
	Channel backend.ChannelID
	ID      backend.MessageID
	Out     backend.Outgoing
}

// FakeClient implements backend.Client against in-memory state. Zero values
// behave like a healthy connection; error fields inject failures.
type FakeClient struct {
	mu sync.Mutex

	ConnectErr error
	AuthErr    error

	// Channels maps configured refs to resolved channels.
	Channels    map[string]backend.Channel
	ResolveErrs map[string]error

	SendErrs map[backend.ChannelID]error
	EditErrs map[backend.ChannelID]error

	HistoryMsgs []backend.Message
	HistoryErr  error

	connected bool
	nextID    int
	sent      []Sent
	edited    []Edited
	notices   []string
	events    chan backend.Event
	closed    bool

	ConnectCalls int
	CloseCalls   int
	HistoryOpts  []backend.HistoryOptions
}

func NewFakeClient() *FakeClient {
	return &FakeClient{
		Channels:    make(map[string]backend.Channel),
		ResolveErrs: make(map[string]error),
		SendErrs:    make(map[backend.ChannelID]error),
		EditErrs:    make(map[backend.ChannelID]error),
		events:      make(chan backend.Event, 64),
	}
}

// AddChannel registers a resolvable channel and returns its id.
func (f *FakeClient) AddChannel(ref string, id backend.ChannelID) backend.ChannelID {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Channels[ref] = backend.Channel{ID: id, Ref: ref, Title: ref}
	return id
}

func (f *FakeClient) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ConnectCalls++
	if f.ConnectErr != nil {
		return f.ConnectErr
	}
	f.connected = true
	return nil
}

func (f *FakeClient) Authorized(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.AuthErr
}

func (f *FakeClient) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// SetConnected flips the liveness flag without going through Connect, to
// simulate a dropped connection.
func (f *FakeClient) SetConnected(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = v
}

func (f *FakeClient) ResolveChannel(_ context.Context, ref string) (backend.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.ResolveErrs[ref]; ok {
		return backend.Channel{}, err
	}
	ch, ok := f.Channels[ref]
	if !ok {
		return backend.Channel{}, fmt.Errorf("resolving %q: %w", ref, backend.ErrChannelNotFound)
	}
	return ch, nil
}

func (f *FakeClient) Send(_ context.Context, ch backend.ChannelID, out backend.Outgoing) (backend.MessageID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.SendErrs[ch]; err != nil {
		return "", err
	}
	f.nextID++
	id := backend.MessageID(fmt.Sprintf("sent-%d", f.nextID))
	f.sent = append(f.sent, Sent{Channel: ch, ID: id, Out: out})
	return id, nil
}

func (f *FakeClient) Edit(_ context.Context, ch backend.ChannelID, id backend.MessageID, out backend.Outgoing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.EditErrs[ch]; err != nil {
		return err
	}
	f.edited = append(f.edited, Edited{Channel: ch, ID: id, Out: out})
	return nil
}

func (f *FakeClient) History(_ context.Context, _ backend.ChannelID, opts backend.HistoryOptions) ([]backend.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.HistoryOpts = append(f.HistoryOpts, opts)
	if f.HistoryErr != nil {
		return nil, f.HistoryErr
	}
	msgs := f.HistoryMsgs
	if opts.Limit > 0 && len(msgs) > opts.Limit {
		msgs = msgs[:opts.Limit]
	}
	out := make([]backend.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (f *FakeClient) Notify(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, text)
	return nil
}

func (f *FakeClient) Events() <-chan backend.Event {
	return f.events
}

// PushEvent feeds an event into the stream as the platform would.
func (f *FakeClient) PushEvent(ev backend.Event) {
	f.events <- ev
}

func (f *FakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CloseCalls++
	f.connected = false
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

func (f *FakeClient) Sent() []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Sent, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *FakeClient) Edits() []Edited {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Edited, len(f.edited))
	copy(out, f.edited)
	return out
}

func (f *FakeClient) Notices() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.notices))
	copy(out, f.notices)
	return out
}

// FakeDialer hands out a fixed client per tenant token.
type FakeDialer struct {
	mu      sync.Mutex
	clients map[string]*FakeClient
	DialErr error
	Dials   int
}

func NewFakeDialer() *FakeDialer {
	return &FakeDialer{clients: make(map[string]*FakeClient)}
}

// ClientFor returns (creating if needed) the fake client dialed for a token.
func (d *FakeDialer) ClientFor(token string) *FakeClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	cl, ok := d.clients[token]
	if !ok {
		cl = NewFakeClient()
		d.clients[token] = cl
	}
	return cl
}

func (d *FakeDialer) Dial(_ context.Context, cred backend.Credential) (backend.Client, error) {
	d.mu.Lock()
	d.Dials++
	err := d.DialErr
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return d.ClientFor(cred.Token), nil
}
