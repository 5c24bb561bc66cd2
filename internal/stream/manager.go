package stream

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kylemclaren/claude-routines/internal/db"
	"github.com/kylemclaren/claude-routines/internal/executions"
	"github.com/kylemclaren/claude-routines/internal/log"
	"github.com/kylemclaren/claude-routines/internal/logs"
)

// EventType distinguishes log lines from the terminal event on a stream
type EventType string

const (
	EventLog      EventType = "log"
	EventComplete EventType = "complete"
)

// CompletionEvent signals that an execution has finished
type CompletionEvent struct {
	ExecutionID int64              `json:"execution_id"`
	Status      db.ExecutionStatus `json:"status"`
	Error       string             `json:"error,omitempty"`
	CostUSD     *float64           `json:"cost_usd,omitempty"`
	DurationMs  *int64             `json:"duration_ms,omitempty"`
}

// Event is one item delivered to a subscriber
type Event struct {
	Type       EventType
	Line       *db.LogLine
	Completion *CompletionEvent
}

// Config tunes delivery
type Config struct {
	// PollInterval bounds how long a subscription sleeps without a notification
	PollInterval time.Duration
	// PageSize is the number of lines read from the store per query
	PageSize int
}

// DefaultConfig polls every 2 seconds in pages of 500 lines
func DefaultConfig() Config {
	return Config{PollInterval: 2 * time.Second, PageSize: 500}
}

// Manager fans out execution progress to subscribers. Subscriptions read from the log store
// behind a cursor; notifications only wake them, so a missed or duplicated notification can
// delay a line but never lose or repeat it.
type Manager struct {
	cfg        Config
	logs       *logs.Store
	executions *executions.Store
	logger     log.Logger

	mu   sync.RWMutex
	subs map[string]*Subscription
}

// NewManager creates a new stream manager
func NewManager(logStore *logs.Store, execStore *executions.Store, cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	return &Manager{
		cfg:        cfg,
		logs:       logStore,
		executions: execStore,
		logger:     log.GetLogger(),
		subs:       make(map[string]*Subscription),
	}
}

// SubscribeExecution tails one execution. Lines after sinceID are replayed first, then live
// lines follow; once the execution is terminal a single completion event is sent and Events
// is closed.
func (m *Manager) SubscribeExecution(ctx context.Context, ownerID string, executionID, sinceID int64) (*Subscription, error) {
	if _, err := m.executions.Get(ctx, ownerID, executionID); err != nil {
		return nil, err
	}
	return m.subscribe(ctx, ownerID, executionID, sinceID), nil
}

// SubscribeOwner tails every execution of an owner. Without a cursor it starts at the newest
// line. The stream stays open until ctx is done or Unsubscribe is called.
func (m *Manager) SubscribeOwner(ctx context.Context, ownerID string, sinceID int64) (*Subscription, error) {
	if sinceID <= 0 {
		latest, err := m.logs.LatestID(ctx, ownerID)
		if err != nil {
			return nil, err
		}
		sinceID = latest
	}
	// executions already running are reported when they finish, later ones are found by polling
	execCursor, err := m.executions.LatestID(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	active, err := m.executions.ListActive(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	sub, runCtx := m.newSubscription(ctx, ownerID, 0, sinceID)
	sub.execCursor = execCursor
	for _, e := range active {
		sub.open[e.ID] = struct{}{}
	}
	m.start(runCtx, sub)
	return sub, nil
}

func (m *Manager) subscribe(ctx context.Context, ownerID string, executionID, sinceID int64) *Subscription {
	sub, runCtx := m.newSubscription(ctx, ownerID, executionID, sinceID)
	m.start(runCtx, sub)
	return sub
}

func (m *Manager) newSubscription(ctx context.Context, ownerID string, executionID, sinceID int64) (*Subscription, context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	events := make(chan Event, 16)
	return &Subscription{
		ID:          uuid.NewString(),
		Events:      events,
		events:      events,
		ownerID:     ownerID,
		executionID: executionID,
		cursor:      sinceID,
		wake:        make(chan struct{}, 1),
		cancel:      cancel,
		open:        make(map[int64]struct{}),
		done:        make(map[int64]struct{}),
		m:           m,
	}, ctx
}

func (m *Manager) start(ctx context.Context, sub *Subscription) {
	m.mu.Lock()
	m.subs[sub.ID] = sub
	m.mu.Unlock()

	go func() {
		defer m.remove(sub)
		sub.run(ctx)
	}()
}

// Unsubscribe stops a subscription; its Events channel is closed shortly after
func (m *Manager) Unsubscribe(sub *Subscription) {
	sub.cancel()
}

func (m *Manager) remove(sub *Subscription) {
	m.mu.Lock()
	delete(m.subs, sub.ID)
	m.mu.Unlock()
}

// Subscribers returns the number of live subscriptions
func (m *Manager) Subscribers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}

// Close stops every subscription
func (m *Manager) Close() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sub := range m.subs {
		sub.cancel()
	}
}

// Notify wakes subscriptions interested in an execution of owner. terminal marks the
// execution as finished for owner-wide streams, which then emit its completion event.
func (m *Manager) Notify(ownerID string, executionID int64, terminal bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sub := range m.subs {
		if sub.ownerID != ownerID {
			continue
		}
		if sub.executionID != 0 && sub.executionID != executionID {
			continue
		}
		if terminal && sub.executionID == 0 {
			sub.track(executionID)
		}
		sub.notify()
	}
}

// LogAppended implements logs.Notifier
func (m *Manager) LogAppended(line *db.LogLine) {
	m.Notify(line.OwnerID, line.ExecutionID, false)
}

// ExecutionFinished is registered as an execution finish hook
func (m *Manager) ExecutionFinished(_ context.Context, f executions.Finished) {
	m.Notify(f.Execution.OwnerID, f.Execution.ID, true)
}
