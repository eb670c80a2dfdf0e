package scheduler

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// jitterCeiling bounds the uniform delay added before every tick's work, so
// workers started together don't stampede the store.
const jitterCeiling = time.Second

// Driver paces the schedulers of one task kind across all arbiters of this
// process. The fast tick drives takeover, the slow tick drives rebalance;
// the slow tick skips its first firing to give a fresh cluster time to
// settle.
type Driver struct {
	cfg    Config
	logger zerolog.Logger

	mu     sync.Mutex
	scheds []*Scheduler
}

// NewDriver creates a driver for one kind.
func NewDriver(kind string, cfg Config) *Driver {
	return &Driver{
		cfg:    cfg,
		logger: log.With().Str("component", "driver").Str("kind", kind).Logger(),
	}
}

// Register adds a scheduler to the tick fan-out. Called once for each
// arbiter's scheduler core during startup wiring.
func (d *Driver) Register(s *Scheduler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scheds = append(d.scheds, s)
}

func (d *Driver) registered() []*Scheduler {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Scheduler, len(d.scheds))
	copy(out, d.scheds)
	return out
}

// Start runs both timers until ctx is done.
func (d *Driver) Start(ctx context.Context) {
	go d.loop(ctx)
}

func (d *Driver) loop(ctx context.Context) {
	fast := time.NewTicker(d.cfg.ScheduleInterval)
	slow := time.NewTicker(d.cfg.BalanceInterval)
	defer fast.Stop()
	defer slow.Stop()

	skipOnce := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-fast.C:
			d.jitter(ctx)
			d.ScheduleAll(ctx, OutdatedOnly)
		case <-slow.C:
			if skipOnce {
				skipOnce = false
				continue
			}
			d.jitter(ctx)
			d.ScheduleAll(ctx, StealOnly)
		}
	}
}

func (d *Driver) jitter(ctx context.Context) {
	delay := time.Duration(rand.Int63n(int64(jitterCeiling)))
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}

// ScheduleAll runs one tick: every registered scheduler attempts in the
// given mode, and schedulers that acquired something go again, until a full
// round acquires nothing. Takeover rounds converge once orphans run out;
// steal rounds converge once every scheduler sits inside the balance band.
func (d *Driver) ScheduleAll(ctx context.Context, mode Mode) {
	scheds := d.registered()
	for len(scheds) > 0 {
		if ctx.Err() != nil {
			return
		}
		var again []*Scheduler
		for _, s := range scheds {
			info, err := s.TrySchedule(ctx, mode)
			if err != nil {
				d.logger.Warn().Err(err).Msg("schedule attempt failed")
				continue
			}
			if info != nil {
				again = append(again, s)
			}
		}
		scheds = again
	}
}
