package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/skywatch-dev/skywatch/observer/observability"
	"github.com/skywatch-dev/skywatch/observer/store"
)

// RunnerHandle is the scheduler's view of a running task.
type RunnerHandle interface {
	Alive() bool
	Stop()
}

// Constructor builds a runner for a freshly acquired task document. The
// scheduler back-reference lets runners heartbeat and self-check; runners
// hold it non-owning and must not outlive the scheduler.
type Constructor func(doc *store.TaskDoc, info store.TaskInfo, sched *Scheduler) (RunnerHandle, error)

// Config is the schedule timing shared by cores, drivers and runners.
type Config struct {
	// ScheduleInterval paces takeover attempts.
	ScheduleInterval time.Duration
	// BalanceInterval paces steal attempts.
	BalanceInterval time.Duration
	// MaxInterval is how stale a heartbeat may get before the task is an
	// orphan. Heartbeats run at half this.
	MaxInterval time.Duration
}

// DefaultConfig mirrors the intervals the fleet is tuned for.
func DefaultConfig() Config {
	return Config{
		ScheduleInterval: 5 * time.Second,
		BalanceInterval:  30 * time.Second,
		MaxInterval:      10 * time.Second,
	}
}

// Scheduler is the per-worker, per-kind core. It exclusively owns its map of
// local task handles; all map mutations happen under mu, making each
// operation atomic with respect to the others. Cross-process coordination
// happens only through the store.
type Scheduler struct {
	id        uuid.UUID
	tasks     TaskStore
	cfg       Config
	construct Constructor
	logger    zerolog.Logger

	mu      sync.Mutex
	handles map[store.TaskInfo]RunnerHandle
}

// New creates a scheduler core for one task kind.
func New(tasks TaskStore, cfg Config, construct Constructor) *Scheduler {
	id := uuid.New()
	return &Scheduler{
		id:        id,
		tasks:     tasks,
		cfg:       cfg,
		construct: construct,
		logger:    log.With().Str("component", "scheduler").Str("kind", tasks.Kind()).Stringer("id", id).Logger(),
		handles:   map[store.TaskInfo]RunnerHandle{},
	}
}

// ID returns the scheduler instance identity (owner_uuid of its leases).
func (s *Scheduler) ID() uuid.UUID { return s.id }

// Kind returns the task kind this core schedules.
func (s *Scheduler) Kind() string { return s.tasks.Kind() }

// Config returns the schedule timing.
func (s *Scheduler) Config() Config { return s.cfg }

func (s *Scheduler) meta() Meta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Meta{ID: s.id, OwnedCount: len(s.handles)}
}

// TrySchedule runs one lease attempt in the given mode. On success the
// runner is constructed and registered, and the acquired lease info is
// returned; nil means nothing was acquired.
func (s *Scheduler) TrySchedule(ctx context.Context, mode Mode) (*store.TaskInfo, error) {
	op := NewScheduleOp(mode, s.meta(), s.cfg.MaxInterval)
	doc, err := op.Execute(ctx, s.tasks)
	if err != nil || doc == nil {
		return nil, err
	}

	info := doc.Info()
	handle, err := s.construct(doc, info, s)
	if err != nil {
		s.logger.Error().Err(err).Stringer("doc_id", info.DocID).Msg("runner construction failed")
		return nil, err
	}

	s.mu.Lock()
	s.handles[info] = handle
	count := len(s.handles)
	s.mu.Unlock()
	observability.TasksOwned.WithLabelValues(s.Kind()).Set(float64(count))
	s.logger.Info().Stringer("doc_id", info.DocID).Str("lease", info.UUID).Str("mode", mode.String()).Msg("task acquired")
	return &info, nil
}

// CheckOwnership reports whether the incarnation still exists in the store.
// Runners call this synchronously before every publish.
func (s *Scheduler) CheckOwnership(ctx context.Context, info store.TaskInfo) (bool, error) {
	return s.tasks.Exists(ctx, info)
}

// UpdateEntry renews the lease, applying the patch on top of the fresh
// heartbeat. A false result means the lease is lost.
func (s *Scheduler) UpdateEntry(ctx context.Context, info store.TaskInfo, patch map[string]any) (bool, error) {
	ok, err := s.tasks.UpdateEntry(ctx, info, patch, time.Now().UnixMilli())
	if err == nil && !ok {
		observability.HeartbeatFailures.WithLabelValues(s.Kind()).Inc()
	}
	return ok, err
}

// UpdateAll heartbeats every local handle. With evict set, runners whose
// heartbeat missed are stopped on the spot.
func (s *Scheduler) UpdateAll(ctx context.Context, evict bool) {
	for info, handle := range s.snapshot() {
		ok, err := s.UpdateEntry(ctx, info, nil)
		if err != nil {
			s.logger.Warn().Err(err).Stringer("doc_id", info.DocID).Msg("heartbeat error")
			continue
		}
		if !ok && evict {
			s.logger.Warn().Stringer("doc_id", info.DocID).Str("lease", info.UUID).Msg("lease lost, evicting runner")
			handle.Stop()
		}
	}
}

// Reap drops handles whose runner is no longer alive.
func (s *Scheduler) Reap() {
	s.mu.Lock()
	for info, handle := range s.handles {
		if !handle.Alive() {
			s.logger.Warn().Str("lease", info.UUID).Msg("removing dead runner")
			delete(s.handles, info)
		}
	}
	count := len(s.handles)
	s.mu.Unlock()
	observability.TasksOwned.WithLabelValues(s.Kind()).Set(float64(count))
}

// Iterate applies f to a snapshot of the handle map, after a reap pass so
// callers see a fresh view.
func (s *Scheduler) Iterate(f func(map[store.TaskInfo]RunnerHandle)) {
	s.Reap()
	f(s.snapshot())
}

// HandleCount returns the number of locally owned tasks.
func (s *Scheduler) HandleCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

func (s *Scheduler) snapshot() map[store.TaskInfo]RunnerHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[store.TaskInfo]RunnerHandle, len(s.handles))
	for info, handle := range s.handles {
		out[info] = handle
	}
	return out
}

// Start runs the periodic reap + evicting heartbeat until ctx is done, then
// stops every local runner.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.cfg.MaxInterval / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.stopAll()
				return
			case <-ticker.C:
				s.Reap()
				s.UpdateAll(ctx, true)
			}
		}
	}()
}

func (s *Scheduler) stopAll() {
	for _, handle := range s.snapshot() {
		handle.Stop()
	}
}
