package runner

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/skywatch-dev/skywatch/observer/store"
)

// Item is one observed upstream event. Cursor, when non-empty, is the
// progress marker to persist once the item has been handed to the collector.
type Item struct {
	Topic   string
	Payload any
	Cursor  string
}

// Stream is a connected upstream. Next blocks until an item arrives and
// returns io.EOF on a clean end of stream.
type Stream interface {
	Next(ctx context.Context) (Item, error)
	Close() error
}

// Upstream is a kind-specific client able to open a stream for one task.
type Upstream interface {
	Name() string
	Connect(ctx context.Context) (Stream, error)
}

// LeaseKeeper is the runner's back-reference to its scheduler core. The
// runner may invoke it but does not own it.
type LeaseKeeper interface {
	CheckOwnership(ctx context.Context, info store.TaskInfo) (bool, error)
	UpdateEntry(ctx context.Context, info store.TaskInfo, patch map[string]any) (bool, error)
}

// Publisher accepts events for fan-out. Fire-and-forget.
type Publisher interface {
	Publish(root store.DocRef, topic string, payload any)
}

// OnPanic receives panics escaping a runner goroutine. Panics are
// programming errors, not transient faults, so the default handler
// escalates to process shutdown; tests install their own.
type OnPanic func(v any)

// Runner drives one task: connect upstream, forward interesting items to
// the collector, renew the lease on an interval, and stop itself on lease
// loss or stream death.
//
//	Starting --connect--> Streaming --item--> Streaming
//	    |                     |
//	    |                     +--lease lost / stream error--> Stopping
//	    +--connect error--> Stopping
type Runner struct {
	info      store.TaskInfo
	root      store.DocRef
	upstream  Upstream
	keeper    LeaseKeeper
	publisher Publisher
	heartbeat time.Duration
	onPanic   OnPanic
	logger    zerolog.Logger

	cancel context.CancelFunc
	done   chan struct{}
	alive  atomic.Bool

	mu     sync.Mutex
	cursor string
}

// New builds a runner for an acquired task. heartbeat should be half the
// lease staleness threshold.
func New(doc *store.TaskDoc, upstream Upstream, keeper LeaseKeeper, publisher Publisher, heartbeat time.Duration, onPanic OnPanic) *Runner {
	return &Runner{
		info:      doc.Info(),
		root:      doc.Root,
		upstream:  upstream,
		keeper:    keeper,
		publisher: publisher,
		heartbeat: heartbeat,
		onPanic:   onPanic,
		cursor:    doc.Cursor,
		logger: log.With().Str("component", "runner").Str("upstream", upstream.Name()).
			Str("task_id", doc.Info().UUID).Logger(),
		done: make(chan struct{}),
	}
}

// Info returns the lease incarnation this runner serves.
func (r *Runner) Info() store.TaskInfo { return r.info }

// Alive reports whether the runner is still streaming. The scheduler's reap
// pass removes handles once this flips false.
func (r *Runner) Alive() bool { return r.alive.Load() }

// Stop cancels the runner. In-flight store and upstream calls are cancelled
// through the context. Idempotent.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

// Done closes when the runner has fully stopped.
func (r *Runner) Done() <-chan struct{} { return r.done }

// Start launches the runner goroutines.
func (r *Runner) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	r.cancel = cancel
	r.alive.Store(true)
	go r.run(ctx)
}

func (r *Runner) run(ctx context.Context) {
	defer close(r.done)
	defer r.alive.Store(false)
	defer func() {
		if v := recover(); v != nil {
			r.onPanic(v)
		}
	}()
	defer r.cancel()

	r.logger.Info().Msg("started")

	go r.heartbeatLoop(ctx)

	stream, err := r.upstream.Connect(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("upstream connect failed")
		return
	}
	defer stream.Close()

	for {
		item, err := stream.Next(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
				r.logger.Error().Err(err).Msg("stream error")
			}
			return
		}
		if !r.handle(ctx, item) {
			return
		}
	}
}

// handle forwards one item. The ownership check runs synchronously before
// the publish so a stolen lease can never double-publish past its loss.
func (r *Runner) handle(ctx context.Context, item Item) bool {
	owned, err := r.keeper.CheckOwnership(ctx, r.info)
	if err != nil {
		r.logger.Warn().Err(err).Msg("ownership check failed")
		return false
	}
	if !owned {
		r.logger.Warn().Msg("lease gone, stopping")
		return false
	}
	r.publisher.Publish(r.root, item.Topic, item.Payload)
	if item.Cursor != "" {
		r.mu.Lock()
		r.cursor = item.Cursor
		r.mu.Unlock()
	}
	return true
}

// heartbeatLoop renews the lease every interval, persisting the cursor as
// it goes. An unmatched renewal means the lease was taken; the runner stops
// within one interval of that.
func (r *Runner) heartbeatLoop(ctx context.Context) {
	defer func() {
		if v := recover(); v != nil {
			r.onPanic(v)
		}
	}()
	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := r.keeper.UpdateEntry(ctx, r.info, r.cursorPatch())
			if err != nil {
				r.logger.Warn().Err(err).Msg("heartbeat error")
				continue
			}
			if !ok {
				r.logger.Warn().Msg("unable to renew lease, stopping")
				r.cancel()
				return
			}
		}
	}
}

func (r *Runner) cursorPatch() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cursor == "" {
		return nil
	}
	return map[string]any{"cursor": r.cursor}
}
