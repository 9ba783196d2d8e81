package backfill

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaywire/relaywire/pkg/backend"
	"github.com/relaywire/relaywire/pkg/backend/backendtest"
)

type countingRelayer struct {
	mu     sync.Mutex
	msgs   []backend.Message
	err    error
	onEach func(n int)
}

func (r *countingRelayer) RelayHistoric(_ context.Context, msg backend.Message) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	n := len(r.msgs)
	hook := r.onEach
	err := r.err
	r.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return err
}

func (r *countingRelayer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func history(n int) []backend.Message {
	msgs := make([]backend.Message, n)
	for i := range msgs {
		msgs[i] = backend.Message{
			ID:        backend.MessageID(rune('a' + i)),
			Channel:   "src",
			Text:      "historic",
			Timestamp: time.Now(),
		}
	}
	return msgs
}

func newTestManager() *Manager {
	return NewManager(time.Millisecond, zerolog.Nop())
}

func TestBackfillRelaysWholeWindow(t *testing.T) {
	m := newTestManager()
	client := backendtest.NewFakeClient()
	client.HistoryMsgs = history(4)
	relayer := &countingRelayer{}

	task, err := m.Start("t1", "s1", client, backend.Channel{ID: "src"}, backend.HistoryOptions{Limit: 10}, relayer)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	<-task.Done()

	if got := relayer.count(); got != 4 {
		t.Fatalf("relayed %d messages, want 4", got)
	}
	if task.Processed() != 4 {
		t.Fatalf("Processed = %d, want 4", task.Processed())
	}
	if m.Active("t1", "s1") {
		t.Fatal("completed task still registered")
	}
}

func TestCancelStopsAtTheNextMessage(t *testing.T) {
	m := newTestManager()
	client := backendtest.NewFakeClient()
	client.HistoryMsgs = history(5)
	relayer := &countingRelayer{}

	var task *Task
	relayer.onEach = func(n int) {
		// Cancel mid-run; the flag is honored before the next message.
		if n == 2 {
			task.Cancel()
		}
	}

	task, err := m.Start("t1", "s1", client, backend.Channel{ID: "src"}, backend.HistoryOptions{Limit: 5, Order: backend.OrderOldest}, relayer)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	<-task.Done()

	if got := relayer.count(); got != 2 {
		t.Fatalf("relayed %d messages after cancel, want exactly 2", got)
	}
	if m.Active("t1", "s1") {
		t.Fatal("cancelled task still registered")
	}
}

func TestManagerCancelWaitsForTermination(t *testing.T) {
	m := newTestManager()
	client := backendtest.NewFakeClient()
	client.HistoryMsgs = history(50)
	relayer := &countingRelayer{}

	if _, err := m.Start("t1", "s1", client, backend.Channel{ID: "src"}, backend.HistoryOptions{Limit: 50}, relayer); err != nil {
		t.Fatalf("start: %v", err)
	}

	m.Cancel("t1", "s1")
	if m.Len() != 0 {
		t.Fatalf("Len = %d after Cancel returned, want 0", m.Len())
	}
	settled := relayer.count()
	time.Sleep(20 * time.Millisecond)
	if relayer.count() != settled {
		t.Fatal("messages kept flowing after Cancel returned")
	}
}

func TestLimitAboveMaximumIsRejected(t *testing.T) {
	m := newTestManager()
	client := backendtest.NewFakeClient()

	_, err := m.Start("t1", "s1", client, backend.Channel{ID: "src"}, backend.HistoryOptions{Limit: MaxLimit + 1}, &countingRelayer{})
	if err == nil {
		t.Fatal("expected an error for a limit above the maximum")
	}
	if m.Len() != 0 {
		t.Fatal("rejected task must not be registered")
	}
}

func TestDefaultsAppliedToFetch(t *testing.T) {
	m := newTestManager()
	client := backendtest.NewFakeClient()
	relayer := &countingRelayer{}

	task, err := m.Start("t1", "s1", client, backend.Channel{ID: "src"}, backend.HistoryOptions{}, relayer)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	<-task.Done()

	if len(client.HistoryOpts) != 1 {
		t.Fatalf("history fetched %d times, want 1", len(client.HistoryOpts))
	}
	opts := client.HistoryOpts[0]
	if opts.Limit != 100 {
		t.Fatalf("default limit = %d, want 100", opts.Limit)
	}
	if opts.Order != backend.OrderNewest {
		t.Fatalf("default order = %q, want newest", opts.Order)
	}
}

func TestDuplicateTaskIsRejected(t *testing.T) {
	m := newTestManager()
	client := backendtest.NewFakeClient()
	client.HistoryMsgs = history(30)

	task, err := m.Start("t1", "s1", client, backend.Channel{ID: "src"}, backend.HistoryOptions{Limit: 30}, &countingRelayer{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		task.Cancel()
		<-task.Done()
	}()

	if _, err := m.Start("t1", "s1", client, backend.Channel{ID: "src"}, backend.HistoryOptions{Limit: 5}, &countingRelayer{}); err == nil {
		t.Fatal("expected an error starting a second task for the same service")
	}
	// A different service under the same tenant is independent.
	other, err := m.Start("t1", "s2", client, backend.Channel{ID: "src"}, backend.HistoryOptions{Limit: 1}, &countingRelayer{})
	if err != nil {
		t.Fatalf("independent task rejected: %v", err)
	}
	<-other.Done()
}

func TestHistoryFetchFailureEndsTask(t *testing.T) {
	m := newTestManager()
	client := backendtest.NewFakeClient()
	client.HistoryErr = errors.New("history unavailable")
	relayer := &countingRelayer{}

	task, err := m.Start("t1", "s1", client, backend.Channel{ID: "src"}, backend.HistoryOptions{Limit: 5}, relayer)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	<-task.Done()

	if relayer.count() != 0 {
		t.Fatal("no message should be relayed when the fetch fails")
	}
	if m.Active("t1", "s1") {
		t.Fatal("failed task still registered")
	}
}

func TestRelayFailuresDoNotAbortTheRun(t *testing.T) {
	m := newTestManager()
	client := backendtest.NewFakeClient()
	client.HistoryMsgs = history(3)
	relayer := &countingRelayer{err: errors.New("destination unreachable")}

	task, err := m.Start("t1", "s1", client, backend.Channel{ID: "src"}, backend.HistoryOptions{Limit: 3}, relayer)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	<-task.Done()

	if got := relayer.count(); got != 3 {
		t.Fatalf("attempted %d messages, want all 3 despite failures", got)
	}
}
