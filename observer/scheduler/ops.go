package scheduler

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/skywatch-dev/skywatch/observer/observability"
	"github.com/skywatch-dev/skywatch/observer/store"
)

// TaskStore is the subset of store operations the lease protocol needs.
// Implemented by *store.TaskColl and *store.MemTasks.
type TaskStore interface {
	Kind() string
	AcquireOutdated(ctx context.Context, sinceMS int64, up store.LeaseUpdate) (*store.TaskDoc, error)
	Steal(ctx context.Context, victim store.TaskInfo, up store.LeaseUpdate) (*store.TaskDoc, error)
	CountLive(ctx context.Context, sinceMS int64) (int64, error)
	LiveByOwner(ctx context.Context, sinceMS int64, exclude string) ([]store.OwnerCount, error)
	LiveOnOwner(ctx context.Context, sinceMS int64, owner string) ([]store.TaskInfo, error)
	Exists(ctx context.Context, info store.TaskInfo) (bool, error)
	UpdateEntry(ctx context.Context, info store.TaskInfo, patch map[string]any, nowMS int64) (bool, error)
}

// Mode selects which acquisition paths a schedule attempt may use.
type Mode int

const (
	// Auto tries takeover first, then loops the steal path on conflict.
	Auto Mode = iota
	// OutdatedOnly runs only the takeover path.
	OutdatedOnly
	// StealOnly runs only the steal path.
	StealOnly
)

func (m Mode) String() string {
	switch m {
	case Auto:
		return "auto"
	case OutdatedOnly:
		return "outdated"
	case StealOnly:
		return "steal"
	}
	return "unknown"
}

// Meta is the scheduler identity and local load snapshot an op runs with.
type Meta struct {
	ID         uuid.UUID
	OwnedCount int
}

type scheduleResult int

const (
	resultNone scheduleResult = iota
	resultSome
	resultConflict
)

// ScheduleOp is one schedule attempt: a fresh lease triple plus the staleness
// horizon, applied through conditional updates only. The op never blocks on
// anything but the store; two racing ops are resolved entirely by the CAS.
type ScheduleOp struct {
	mode    Mode
	meta    Meta
	sinceMS int64
	update  store.LeaseUpdate
}

// NewScheduleOp prepares an attempt. maxInterval is the lease staleness
// threshold: tasks with heartbeats older than now-maxInterval are orphans.
func NewScheduleOp(mode Mode, meta Meta, maxInterval time.Duration) *ScheduleOp {
	now := time.Now()
	return &ScheduleOp{
		mode:    mode,
		meta:    meta,
		sinceMS: now.Add(-maxInterval).UnixMilli(),
		update: store.LeaseUpdate{
			UUID:       uuid.NewString(),
			ParentUUID: meta.ID.String(),
			Timestamp:  now.UnixMilli(),
		},
	}
}

// Execute runs the attempt. Returns the acquired document or nil.
func (op *ScheduleOp) Execute(ctx context.Context, ts TaskStore) (*store.TaskDoc, error) {
	switch op.mode {
	case OutdatedOnly:
		return op.acquire(ctx, ts)
	case StealOnly:
		return op.stealLoop(ctx, ts)
	default:
		doc, err := op.acquire(ctx, ts)
		if err != nil || doc != nil {
			return doc, err
		}
		return op.stealLoop(ctx, ts)
	}
}

func (op *ScheduleOp) acquire(ctx context.Context, ts TaskStore) (*store.TaskDoc, error) {
	doc, err := ts.AcquireOutdated(ctx, op.sinceMS, op.update)
	if err != nil {
		return nil, err
	}
	if doc != nil {
		observability.LeaseAcquisitions.WithLabelValues(ts.Kind(), "takeover").Inc()
	}
	return doc, nil
}

func (op *ScheduleOp) stealLoop(ctx context.Context, ts TaskStore) (*store.TaskDoc, error) {
	for {
		doc, res, err := op.stealOnce(ctx, ts)
		if err != nil {
			return nil, err
		}
		switch res {
		case resultConflict:
			log.Warn().Str("kind", ts.Kind()).Msg("steal conflict, retrying")
			observability.StealConflicts.WithLabelValues(ts.Kind()).Inc()
			continue
		case resultSome:
			observability.LeaseAcquisitions.WithLabelValues(ts.Kind(), "steal").Inc()
			return doc, nil
		default:
			return nil, nil
		}
	}
}

// stealOnce runs one round of the rebalance policy against a store snapshot.
// Interleaving with other schedulers is expected; any mismatch between the
// snapshot and the CAS comes back as a conflict and the caller retries with
// fresh state.
func (op *ScheduleOp) stealOnce(ctx context.Context, ts TaskStore) (*store.TaskDoc, scheduleResult, error) {
	total, err := ts.CountLive(ctx, op.sinceMS)
	if err != nil {
		return nil, resultNone, err
	}
	peers, err := ts.LiveByOwner(ctx, op.sinceMS, op.meta.ID.String())
	if err != nil {
		return nil, resultNone, err
	}

	selfCount := int64(op.meta.OwnedCount)
	expected, threshold := balanceBand(total, len(peers), selfCount)

	victim, ok := pickVictim(peers, selfCount, expected, threshold)
	if !ok {
		return nil, resultNone, nil
	}

	tasks, err := ts.LiveOnOwner(ctx, op.sinceMS, victim.Owner)
	if err != nil {
		return nil, resultNone, err
	}
	if int64(len(tasks)) <= threshold {
		// victim no longer overloaded: someone else stole in between
		return nil, resultConflict, nil
	}
	target := tasks[rand.Intn(len(tasks))]
	doc, err := ts.Steal(ctx, target, op.update)
	if err != nil {
		return nil, resultNone, err
	}
	if doc == nil {
		return nil, resultConflict, nil
	}
	log.Info().Str("kind", ts.Kind()).Str("victim", victim.Owner).Msg("stole one task")
	return doc, resultSome, nil
}

// balanceBand computes the per-worker entitlement band. A worker is entitled
// to [expected, expected+1] tasks; anything above the returned threshold on a
// peer makes that peer a steal candidate.
func balanceBand(total int64, peerCount int, selfCount int64) (expected, threshold int64) {
	expected = total / (int64(peerCount) + 1)
	if selfCount < expected {
		threshold = expected
	} else {
		threshold = expected + 1
	}
	return expected, threshold
}

// pickVictim selects an overloaded peer uniformly at random. Returns false
// when this worker already holds its share, or no peer exceeds the threshold.
func pickVictim(peers []store.OwnerCount, selfCount, expected, threshold int64) (store.OwnerCount, bool) {
	if selfCount > expected {
		return store.OwnerCount{}, false
	}
	candidates := make([]store.OwnerCount, 0, len(peers))
	for _, p := range peers {
		if p.Count > threshold {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return store.OwnerCount{}, false
	}
	return candidates[rand.Intn(len(candidates))], true
}
