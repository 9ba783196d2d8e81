package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaywire/relaywire/pkg/backend"
	"github.com/relaywire/relaywire/pkg/backend/backendtest"
	"github.com/relaywire/relaywire/pkg/mapstore"
	"github.com/relaywire/relaywire/pkg/transform"
)

type memPersistence struct {
	tables map[string]map[mapstore.Key]mapstore.Entry
}

func newMemPersistence() *memPersistence {
	return &memPersistence{tables: make(map[string]map[mapstore.Key]mapstore.Entry)}
}

func (p *memPersistence) Load(_ context.Context, serviceID string) (map[mapstore.Key]mapstore.Entry, error) {
	out := make(map[mapstore.Key]mapstore.Entry, len(p.tables[serviceID]))
	for k, e := range p.tables[serviceID] {
		out[k] = e
	}
	return out, nil
}

func (p *memPersistence) Save(_ context.Context, serviceID string, entries map[mapstore.Key]mapstore.Entry) error {
	p.tables[serviceID] = entries
	return nil
}

func (p *memPersistence) Delete(_ context.Context, serviceID string) error {
	delete(p.tables, serviceID)
	return nil
}

type fixture struct {
	svc    *Service
	client *backendtest.FakeClient
	store  *mapstore.Store
}

func newFixture(t *testing.T, cfg ServiceConfig, rules []transform.Rule) *fixture {
	t.Helper()
	client := backendtest.NewFakeClient()
	for _, ref := range cfg.Sources {
		client.AddChannel(ref, backend.ChannelID("ch-"+ref))
	}
	for _, ref := range cfg.Destinations {
		client.AddChannel(ref, backend.ChannelID("ch-"+ref))
	}

	store := mapstore.NewStore(newMemPersistence(), zerolog.Nop())
	tr := transform.New(nil, "", rules, zerolog.Nop())
	svc := NewService(cfg, client, store, tr, nil, zerolog.Nop())
	return &fixture{svc: svc, client: client, store: store}
}

func baseConfig() ServiceConfig {
	return ServiceConfig{
		ID:           "svc-1",
		TenantID:     "tenant-1",
		Name:         "test relay",
		Mode:         ModeForward,
		Sources:      []string{"source"},
		Destinations: []string{"dest"},
	}
}

func mustStart(t *testing.T, f *fixture) {
	t.Helper()
	if err := f.svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { f.svc.Stop(context.Background()) })
}

func newMessage(id backend.MessageID, text string) backend.Message {
	return backend.Message{
		ID:        id,
		Channel:   "ch-source",
		Text:      text,
		Timestamp: time.Now(),
	}
}

func TestRelayNewMessageWithRules(t *testing.T) {
	cfg := baseConfig()
	f := newFixture(t, cfg, []transform.Rule{{Search: "foo", Replace: "bar"}})
	mustStart(t, f)

	f.svc.OnNewMessage(context.Background(), newMessage("m1", "foo bar foo"))

	sent := f.client.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sent))
	}
	if sent[0].Channel != "ch-dest" {
		t.Fatalf("sent to %s, want ch-dest", sent[0].Channel)
	}
	if sent[0].Out.Text != "bar bar bar" {
		t.Fatalf("relayed text %q, want %q", sent[0].Out.Text, "bar bar bar")
	}

	dests, ok := f.store.Lookup(cfg.ID, mapstore.Key{Channel: "ch-source", Message: "m1"})
	if !ok {
		t.Fatal("expected a message map entry after relay")
	}
	if dests["ch-dest"] != sent[0].ID {
		t.Fatalf("map entry %v does not match sent id %s", dests, sent[0].ID)
	}
}

func TestEditReplaysAgainstRecordedDestination(t *testing.T) {
	cfg := baseConfig()
	f := newFixture(t, cfg, nil)
	mustStart(t, f)
	ctx := context.Background()

	f.svc.OnNewMessage(ctx, newMessage("m1", "first version"))
	sentID := f.client.Sent()[0].ID

	edited := newMessage("m1", "second version")
	f.svc.OnEditedMessage(ctx, edited)

	edits := f.client.Edits()
	if len(edits) != 1 {
		t.Fatalf("edited %d messages, want 1", len(edits))
	}
	if edits[0].ID != sentID {
		t.Fatalf("edited message %s, want the originally sent %s", edits[0].ID, sentID)
	}
	if edits[0].Out.Text != "second version" {
		t.Fatalf("edit text %q, want %q", edits[0].Out.Text, "second version")
	}
	if len(f.client.Sent()) != 1 {
		t.Fatal("an edit within the window must not produce a fresh send")
	}
}

func TestExpiredEditIsDropped(t *testing.T) {
	cfg := baseConfig()
	f := newFixture(t, cfg, nil)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	f.store.SetNow(func() time.Time { return now })
	mustStart(t, f)
	ctx := context.Background()

	f.svc.OnNewMessage(ctx, newMessage("m1", "original"))

	now = base.Add(mapstore.EntryTTL)
	f.svc.OnEditedMessage(ctx, newMessage("m1", "too late"))

	if len(f.client.Edits()) != 0 {
		t.Fatal("an edit past the expiry window must not reach the backend")
	}
	if len(f.client.Sent()) != 1 {
		t.Fatal("a late edit must not produce a fresh send either")
	}
	// The dropped edit must not resurrect the expired entry.
	if _, ok := f.store.Lookup(cfg.ID, mapstore.Key{Channel: "ch-source", Message: "m1"}); ok {
		t.Fatal("expired entry came back after a dropped edit")
	}
}

func TestEditFallsBackToSendOnFailure(t *testing.T) {
	cfg := baseConfig()
	f := newFixture(t, cfg, nil)
	mustStart(t, f)
	ctx := context.Background()

	f.svc.OnNewMessage(ctx, newMessage("m1", "original"))

	f.client.EditErrs["ch-dest"] = errors.New("message too old to edit")
	f.svc.OnEditedMessage(ctx, newMessage("m1", "changed"))

	sent := f.client.Sent()
	if len(sent) != 2 {
		t.Fatalf("sent %d messages, want 2 (original plus fallback)", len(sent))
	}
	if sent[1].Out.Text != "changed" {
		t.Fatalf("fallback text %q, want %q", sent[1].Out.Text, "changed")
	}

	// Future edits must target the replacement message.
	dests, ok := f.store.Lookup(cfg.ID, mapstore.Key{Channel: "ch-source", Message: "m1"})
	if !ok {
		t.Fatal("map entry lost after fallback")
	}
	if dests["ch-dest"] != sent[1].ID {
		t.Fatalf("map entry %v not updated to fallback id %s", dests, sent[1].ID)
	}
}

func TestStartFailsWithoutAnyResolvableSource(t *testing.T) {
	cfg := baseConfig()
	f := newFixture(t, cfg, nil)
	delete(f.client.Channels, "source")

	err := f.svc.Start(context.Background())
	if !errors.Is(err, ErrNoValidSource) {
		t.Fatalf("start err = %v, want ErrNoValidSource", err)
	}
	if f.svc.State() != StateStopped {
		t.Fatalf("state = %s after failed start, want stopped", f.svc.State())
	}
}

func TestUnresolvableChannelsAreExcluded(t *testing.T) {
	cfg := baseConfig()
	cfg.Sources = []string{"source", "missing-source"}
	cfg.Destinations = []string{"dest", "missing-dest"}
	f := newFixture(t, cfg, nil)
	delete(f.client.Channels, "missing-source")
	delete(f.client.Channels, "missing-dest")
	mustStart(t, f)

	sources := f.svc.Sources()
	if len(sources) != 1 || sources[0] != "ch-source" {
		t.Fatalf("resolved sources = %v, want only ch-source", sources)
	}

	f.svc.OnNewMessage(context.Background(), newMessage("m1", "hello"))
	sent := f.client.Sent()
	if len(sent) != 1 || sent[0].Channel != "ch-dest" {
		t.Fatalf("sent = %v, want one message to ch-dest", sent)
	}
}

func TestPartialSendFailureStillRecordsTheRest(t *testing.T) {
	cfg := baseConfig()
	cfg.Destinations = []string{"dest", "dest2"}
	f := newFixture(t, cfg, nil)
	f.client.SendErrs["ch-dest"] = errors.New("rate limited")
	mustStart(t, f)

	f.svc.OnNewMessage(context.Background(), newMessage("m1", "hello"))

	sent := f.client.Sent()
	if len(sent) != 1 || sent[0].Channel != "ch-dest2" {
		t.Fatalf("sent = %v, want one message to ch-dest2", sent)
	}
	dests, ok := f.store.Lookup(cfg.ID, mapstore.Key{Channel: "ch-source", Message: "m1"})
	if !ok {
		t.Fatal("expected a map entry for the destination that succeeded")
	}
	if _, present := dests["ch-dest"]; present {
		t.Fatal("failed destination must not appear in the map entry")
	}
}

func TestRelayHistoricErrorsWhenNothingReached(t *testing.T) {
	cfg := baseConfig()
	f := newFixture(t, cfg, nil)
	f.client.SendErrs["ch-dest"] = errors.New("rate limited")
	mustStart(t, f)

	err := f.svc.RelayHistoric(context.Background(), newMessage("m1", "old news"))
	if err == nil {
		t.Fatal("expected an error when no destination was reached")
	}
}

func TestStopIsIdempotentAndRestartable(t *testing.T) {
	cfg := baseConfig()
	f := newFixture(t, cfg, nil)
	ctx := context.Background()
	mustStart(t, f)

	if err := f.svc.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := f.svc.Stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if f.svc.State() != StateStopped {
		t.Fatalf("state = %s, want stopped", f.svc.State())
	}

	if err := f.svc.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if f.svc.State() != StateRunning {
		t.Fatalf("state = %s after restart, want running", f.svc.State())
	}
}

func TestDoubleStartIsRejected(t *testing.T) {
	cfg := baseConfig()
	f := newFixture(t, cfg, nil)
	mustStart(t, f)

	if err := f.svc.Start(context.Background()); err == nil {
		t.Fatal("expected an error starting a running service")
	}
}
