// Package lifecycle implements the tri-state machine {Sleep, Wake,
// Processing} that gates background maintenance work, adapted from the
// reference implementation's atomics-and-notify state machine onto this
// codebase's Start/Stop/ticker-loop idiom.
package lifecycle

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// State is one of the three lifecycle states.
type State uint8

const (
	StateSleep State = iota
	StateWake
	StateProcessing
)

func (s State) String() string {
	switch s {
	case StateSleep:
		return "sleep"
	case StateWake:
		return "wake"
	case StateProcessing:
		return "processing"
	default:
		return "unknown"
	}
}

// Config holds the manager's timing parameters.
type Config struct {
	IdleTimeout       time.Duration // Wake -> Sleep after this much inactivity
	SleepTaskInterval time.Duration // how often Sleep runs background jobs
	WakePollInterval  time.Duration // how often Wake checks its idle timer
}

// DefaultConfig returns the manager's default timings: 5 minute idle
// timeout, background jobs ticked every 30s while asleep, idle polled
// every 5s while awake.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:       5 * time.Minute,
		SleepTaskInterval: 30 * time.Second,
		WakePollInterval:  5 * time.Second,
	}
}

// Stats are the manager's monotonic counters.
type Stats struct {
	WakeCount      uint64
	SleepCount     uint64
	Consolidations uint64
	DecaysApplied  uint64
	Compressions   uint64
}

// Manager drives idle-time background jobs via a Sleep/Wake/Processing
// state machine. State and the last-activity timestamp are atomic so
// read-only callers (record_activity, is_processing) never block on the
// run loop's mutex.
type Manager struct {
	state         atomic.Uint32
	lastActivity  atomic.Int64 // unix nano
	wakeCount     atomic.Uint64
	sleepCount    atomic.Uint64
	consolidation atomic.Uint64
	decays        atomic.Uint64
	compressions  atomic.Uint64

	cfg Config
	// runBackgroundJobs is invoked once per Sleep-state tick; errors are
	// logged and never crash the loop.
	runBackgroundJobs func(ctx context.Context) error

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	wakeNotify chan struct{}
}

// New creates a manager in the Wake state with its idle clock started.
func New(cfg Config, runBackgroundJobs func(ctx context.Context) error) *Manager {
	m := &Manager{
		cfg:               cfg,
		runBackgroundJobs: runBackgroundJobs,
		wakeNotify:        make(chan struct{}, 1),
	}
	m.state.Store(uint32(StateWake))
	m.lastActivity.Store(time.Now().UnixNano())
	return m
}

// State returns the current state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Stats returns a snapshot of the manager's monotonic counters.
func (m *Manager) Stats() Stats {
	return Stats{
		WakeCount:      m.wakeCount.Load(),
		SleepCount:     m.sleepCount.Load(),
		Consolidations: m.consolidation.Load(),
		DecaysApplied:  m.decays.Load(),
		Compressions:   m.compressions.Load(),
	}
}

// RecordActivity resets the idle timer and, if asleep, wakes the
// manager.
func (m *Manager) RecordActivity() {
	m.lastActivity.Store(time.Now().UnixNano())
	if State(m.state.Load()) == StateSleep {
		m.wake()
	}
}

// ForceWake wakes the manager unconditionally, signalling wake_notify.
func (m *Manager) ForceWake() {
	m.wake()
}

func (m *Manager) wake() {
	if m.state.Swap(uint32(StateWake)) != uint32(StateWake) {
		m.wakeCount.Add(1)
		m.lastActivity.Store(time.Now().UnixNano())
		select {
		case m.wakeNotify <- struct{}{}:
		default:
		}
	}
}

// ForceSleep requests an immediate transition to Sleep. It is refused
// (returns false) if the manager is currently Processing, or already
// asleep — transitioning to Processing is never interrupted.
func (m *Manager) ForceSleep() bool {
	ok := m.state.CompareAndSwap(uint32(StateWake), uint32(StateSleep))
	if ok {
		m.sleepCount.Add(1)
	}
	return ok
}

// StartProcessing transitions to Processing from either Wake or Sleep.
func (m *Manager) StartProcessing() {
	m.state.Store(uint32(StateProcessing))
}

// EndProcessing transitions back to Wake and resets the idle timer.
func (m *Manager) EndProcessing() {
	m.state.Store(uint32(StateWake))
	m.lastActivity.Store(time.Now().UnixNano())
}

// IncConsolidations, IncDecays and IncCompressions let the background
// processor report work done during a Sleep-state job invocation.
func (m *Manager) IncConsolidations(n uint64) { m.consolidation.Add(n) }
func (m *Manager) IncDecays(n uint64)         { m.decays.Add(n) }
func (m *Manager) IncCompressions(n uint64)   { m.compressions.Add(n) }

// IsProcessing reports whether the manager is currently in Processing.
func (m *Manager) IsProcessing() bool {
	return State(m.state.Load()) == StateProcessing
}

// BeginProcessing calls StartProcessing and returns a closure that calls
// EndProcessing — a defer-friendly stand-in for the reference
// implementation's RAII processing guard:
//
//	defer lifecycle.BeginProcessing(mgr)()
func BeginProcessing(m *Manager) func() {
	m.StartProcessing()
	return m.EndProcessing
}

// Start launches the run loop in the background.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.running = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(ctx)
}

// Stop cancels the run loop and waits for it to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
	log.Printf("[LIFECYCLE] stopped")
}

func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()
	log.Printf("[LIFECYCLE] started in state %s", m.State())

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		switch m.State() {
		case StateSleep:
			m.runSleep(ctx)
		case StateProcessing:
			// Processing never gets interrupted; poll without acting.
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
		default: // StateWake
			m.runWakePoll(ctx)
		}
	}
}

// runSleep awaits either the wake_notify signal or an interval tick,
// whichever comes first; on a tick it runs the background jobs.
func (m *Manager) runSleep(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SleepTaskInterval)
	defer ticker.Stop()

	select {
	case <-ctx.Done():
		return
	case <-m.wakeNotify:
		return
	case <-ticker.C:
		if m.runBackgroundJobs != nil {
			if err := m.runBackgroundJobs(ctx); err != nil {
				log.Printf("[LIFECYCLE] background job error: %v", err)
			}
		}
	}
}

func (m *Manager) runWakePoll(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(m.cfg.WakePollInterval):
	}
	if State(m.state.Load()) != StateWake {
		return
	}
	idleSince := time.Unix(0, m.lastActivity.Load())
	if time.Since(idleSince) >= m.cfg.IdleTimeout {
		if m.state.CompareAndSwap(uint32(StateWake), uint32(StateSleep)) {
			m.sleepCount.Add(1)
		}
	}
}
