// Package backfill runs the bulk history-copy tasks for copy-mode relay
// services: bounded fetch, pacing between sends, cooperative cancellation.
package backfill

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/relaywire/relaywire/pkg/backend"
)

const (
	// MaxLimit is the hard cap on the number of historical messages a
	// single task may fetch.
	MaxLimit = 10000

	// DefaultPace is the minimum interval between successive sends when
	// none is configured. Pacing is mandatory; the backends rate limit.
	DefaultPace = 3 * time.Second

	defaultLimit = 100
)

// Relayer pushes one historical message through the same transform and send
// path used for live events.
type Relayer interface {
	RelayHistoric(ctx context.Context, msg backend.Message) error
}

// Task is one running backfill job, keyed by (tenant, service).
type Task struct {
	ID        string
	TenantID  string
	ServiceID string

	cancel    context.CancelFunc
	cancelled atomic.Bool
	done      chan struct{}
	processed atomic.Int64
}

// Cancel requests cooperative termination. The task checks the flag before
// each message, never mid-send.
func (t *Task) Cancel() {
	t.cancelled.Store(true)
	t.cancel()
}

// Done is closed when the task has fully stopped.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Processed reports how many messages the task has relayed so far.
func (t *Task) Processed() int64 {
	return t.processed.Load()
}

type Manager struct {
	pace time.Duration
	log  zerolog.Logger

	mu    sync.Mutex
	tasks map[string]*Task
}

func NewManager(pace time.Duration, log zerolog.Logger) *Manager {
	if pace <= 0 {
		pace = DefaultPace
	}
	return &Manager{
		pace:  pace,
		log:   log.With().Str("component", "backfill").Logger(),
		tasks: make(map[string]*Task),
	}
}

// Start launches a backfill task for one source channel. The task fetches a
// bounded window of history and replays each message through the relayer,
// pausing between sends. On completion or cancellation it removes itself
// from the registry.
func (m *Manager) Start(tenantID, serviceID string, client backend.Client, source backend.Channel, opts backend.HistoryOptions, relayer Relayer) (*Task, error) {
	if opts.Limit <= 0 {
		opts.Limit = defaultLimit
	}
	if opts.Limit > MaxLimit {
		return nil, fmt.Errorf("history limit %d exceeds maximum %d", opts.Limit, MaxLimit)
	}
	if opts.Order == "" {
		opts.Order = backend.OrderNewest
	}

	key := taskKey(tenantID, serviceID)
	m.mu.Lock()
	if _, exists := m.tasks[key]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("backfill for service %q is already running", serviceID)
	}

	taskCtx, cancel := context.WithCancel(context.Background())
	task := &Task{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		ServiceID: serviceID,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	m.tasks[key] = task
	m.mu.Unlock()

	go m.run(taskCtx, task, client, source, opts, relayer)
	return task, nil
}

func (m *Manager) run(ctx context.Context, task *Task, client backend.Client, source backend.Channel, opts backend.HistoryOptions, relayer Relayer) {
	defer func() {
		m.mu.Lock()
		delete(m.tasks, taskKey(task.TenantID, task.ServiceID))
		m.mu.Unlock()
		close(task.done)
	}()

	log := m.log.With().
		Str("task", task.ID).
		Str("service", task.ServiceID).
		Str("source", string(source.ID)).
		Logger()

	msgs, err := client.History(ctx, source.ID, opts)
	if err != nil {
		log.Error().Err(err).Msg("history fetch failed")
		return
	}
	log.Info().Int("count", len(msgs)).Msg("backfill started")

	for i, msg := range msgs {
		if task.cancelled.Load() || ctx.Err() != nil {
			log.Info().Int64("processed", task.Processed()).Msg("backfill cancelled")
			return
		}
		if msg.Empty() {
			continue
		}
		if err := relayer.RelayHistoric(ctx, msg); err != nil {
			log.Warn().Str("message", string(msg.ID)).Err(err).Msg("relaying historical message failed")
		}
		task.processed.Add(1)

		if i == len(msgs)-1 {
			break
		}
		timer := time.NewTimer(m.pace)
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Info().Int64("processed", task.Processed()).Msg("backfill cancelled")
			return
		case <-timer.C:
		}
	}
	log.Info().Int64("processed", task.Processed()).Msg("backfill completed")
}

// Cancel stops the task for (tenant, service), if any, and waits for it to
// finish. A no-op when none is running.
func (m *Manager) Cancel(tenantID, serviceID string) {
	m.mu.Lock()
	task, ok := m.tasks[taskKey(tenantID, serviceID)]
	m.mu.Unlock()
	if !ok {
		return
	}
	task.Cancel()
	<-task.done
}

// Active reports whether a task is running for (tenant, service).
func (m *Manager) Active(tenantID, serviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tasks[taskKey(tenantID, serviceID)]
	return ok
}

// Len reports the number of running tasks.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

func taskKey(tenantID, serviceID string) string {
	return tenantID + "/" + serviceID
}
