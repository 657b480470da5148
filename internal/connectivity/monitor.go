// Package connectivity tracks whether the remote store is reachable and
// announces each change of that state exactly once.
package connectivity

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	errMissingSource = errors.New("connectivity source is required")
	noOpLogger       = zap.NewNop()
)

// Source reports the raw reachability signal. An error counts as offline.
type Source interface {
	Online(ctx context.Context) (bool, error)
}

// SyncTrigger is notified when the monitor observes an offline to online transition.
type SyncTrigger interface {
	TriggerSync(ctx context.Context)
}

// Transition describes one change of the online flag.
type Transition struct {
	From bool
	To   bool
	At   time.Time
}

// Reconnected reports whether the transition is offline to online.
func (t Transition) Reconnected() bool {
	return !t.From && t.To
}

// Handler receives transitions in the order they happened.
type Handler func(Transition)

// MonitorConfig wires the monitor dependencies.
type MonitorConfig struct {
	Source       Source
	PollInterval time.Duration
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Monitor keeps the current online flag and delivers transitions to subscribers
// from a single dispatcher goroutine started by Run.
type Monitor struct {
	source       Source
	pollInterval time.Duration
	clock        func() time.Time
	logger       *zap.Logger

	mu          sync.RWMutex
	online      bool
	subscribers map[int64]Handler
	nextID      int64
	pending     []Transition
	trigger     SyncTrigger

	wake chan struct{}
}

// NewMonitor constructs a Monitor that starts offline.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if cfg.Source == nil {
		return nil, errMissingSource
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Monitor{
		source:       cfg.Source,
		pollInterval: cfg.PollInterval,
		clock:        clock,
		logger:       logger,
		subscribers:  make(map[int64]Handler),
		wake:         make(chan struct{}, 1),
	}, nil
}

// IsOnline returns the last observed state.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// BindSyncTrigger registers the component invoked on reconnect.
func (m *Monitor) BindSyncTrigger(trigger SyncTrigger) {
	m.mu.Lock()
	m.trigger = trigger
	m.mu.Unlock()
}

// Subscribe registers handler and returns a function that removes it.
func (m *Monitor) Subscribe(handler Handler) func() {
	if handler == nil {
		return func() {}
	}
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.subscribers[id] = handler
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subscribers, id)
			m.mu.Unlock()
		})
	}
}

// Observe records a raw signal. Only a change of value produces a transition.
func (m *Monitor) Observe(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	transition := Transition{From: m.online, To: online, At: m.clock().UTC()}
	m.online = online
	m.pending = append(m.pending, transition)
	m.mu.Unlock()

	m.logger.Info("connectivity changed", zap.Bool("online", online))
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Refresh probes the source once and records the result.
func (m *Monitor) Refresh(ctx context.Context) bool {
	online, err := m.source.Online(ctx)
	if err != nil {
		m.logger.Debug("connectivity probe failed", zap.Error(err))
		online = false
	}
	m.Observe(online)
	return online
}

// Run delivers transitions and, when a poll interval is configured, probes the
// source periodically. It blocks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.dispatch(ctx)
	}()

	if m.pollInterval > 0 {
		m.Refresh(ctx)
		ticker := time.NewTicker(m.pollInterval)
		defer ticker.Stop()
	poll:
		for {
			select {
			case <-ctx.Done():
				break poll
			case <-ticker.C:
				m.Refresh(ctx)
			}
		}
	} else {
		<-ctx.Done()
	}

	wg.Wait()
	return nil
}

func (m *Monitor) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
		}
		for {
			transition, ok := m.popTransition()
			if !ok {
				break
			}
			m.deliver(ctx, transition)
		}
	}
}

func (m *Monitor) popTransition() (Transition, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 {
		return Transition{}, false
	}
	transition := m.pending[0]
	m.pending = m.pending[1:]
	return transition, true
}

func (m *Monitor) deliver(ctx context.Context, transition Transition) {
	m.mu.RLock()
	ids := make([]int64, 0, len(m.subscribers))
	for id := range m.subscribers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, m.subscribers[id])
	}
	trigger := m.trigger
	m.mu.RUnlock()

	for _, handler := range handlers {
		handler(transition)
	}
	if transition.Reconnected() && trigger != nil {
		trigger.TriggerSync(ctx)
	}
}
