package collector

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/skywatch-dev/skywatch/observer/observability"
	"github.com/skywatch-dev/skywatch/observer/store"
)

// Event is one observed item after entity resolution, as delivered to
// destinations.
type Event struct {
	Entity  string `json:"entity"`
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// Handle is a connection-bound publisher for one destination.
type Handle interface {
	Send(ctx context.Context, e Event) error
	Close()
}

// Factory builds fresh handles on demand. Identity doubles as the equality
// key and the human label for a destination.
type Factory interface {
	Identity() string
	Build(ctx context.Context) (Handle, error)
}

// NameResolver maps a task-document reference to its entity name.
// Satisfied by store.Catalog.
type NameResolver interface {
	ResolveName(ctx context.Context, ref store.DocRef) (string, error)
}

type destState int

const (
	stateUninit destState = iota
	stateAvailable
	stateBackoff
)

type destination struct {
	factory  Factory
	state    destState
	handle   Handle
	deadline time.Time
	queue    *ring
}

type publishCmd struct {
	root    store.DocRef
	topic   string
	payload any
}

type wakeCmd struct {
	idx int
}

// Options tune the pipeline. Zero values select the fleet defaults.
type Options struct {
	// RetryDelay is the fixed backoff after a failed send or build.
	RetryDelay time.Duration
	// QueueCapacity bounds each destination's pending ring.
	QueueCapacity int
}

const (
	defaultRetryDelay    = 10 * time.Second
	defaultQueueCapacity = 1024
)

// Pipeline fans events out from every runner in the process to the
// configured destinations. A single command loop serializes all state
// transitions, so at most one wake is ever being dispatched per
// destination.
type Pipeline struct {
	resolver   NameResolver
	retryDelay time.Duration
	cmds       chan any
	dests      []*destination
	logger     zerolog.Logger
	stopped    chan struct{}
}

// New builds a pipeline over the given destinations.
func New(resolver NameResolver, factories []Factory, opts Options) *Pipeline {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = defaultQueueCapacity
	}
	dests := make([]*destination, 0, len(factories))
	for _, f := range factories {
		dests = append(dests, &destination{factory: f, queue: newRing(opts.QueueCapacity)})
	}
	return &Pipeline{
		resolver:   resolver,
		retryDelay: opts.RetryDelay,
		cmds:       make(chan any, 256),
		dests:      dests,
		logger:     log.With().Str("component", "collector").Logger(),
		stopped:    make(chan struct{}),
	}
}

// Publish enqueues an event for fan-out. Fire-and-forget; runners are never
// blocked by slow destinations beyond the mailbox itself.
func (p *Pipeline) Publish(root store.DocRef, topic string, payload any) {
	select {
	case p.cmds <- publishCmd{root: root, topic: topic, payload: payload}:
	case <-p.stopped:
	}
}

// Start runs the command loop until ctx is done.
func (p *Pipeline) Start(ctx context.Context) {
	go p.loop(ctx)
}

func (p *Pipeline) loop(ctx context.Context) {
	defer close(p.stopped)
	defer p.closeAll()
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-p.cmds:
			switch c := cmd.(type) {
			case publishCmd:
				p.handlePublish(ctx, c)
			case wakeCmd:
				p.handleWake(ctx, c.idx)
			}
		}
	}
}

func (p *Pipeline) closeAll() {
	for _, d := range p.dests {
		if d.handle != nil {
			d.handle.Close()
			d.handle = nil
		}
	}
}

// handlePublish resolves the owning entity and queues the event on every
// destination, scheduling a wake where one is due.
func (p *Pipeline) handlePublish(ctx context.Context, c publishCmd) {
	entity, err := p.resolver.ResolveName(ctx, c.root)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			p.logger.Warn().Err(err).Msg("entity resolution failed")
		}
		entity = c.root.ID.Hex()
	}
	ev := Event{Entity: entity, Topic: c.topic, Payload: c.payload}

	for i, d := range p.dests {
		wasEmpty := d.queue.len() == 0
		if d.queue.pushBack(ev) {
			p.logger.Warn().Str("destination", d.factory.Identity()).Msg("queue full, dropped oldest event")
			observability.CollectorDrops.WithLabelValues(d.factory.Identity()).Inc()
		}
		observability.CollectorQueueDepth.WithLabelValues(d.factory.Identity()).Set(float64(d.queue.len()))
		if (d.state == stateAvailable && wasEmpty) || d.state == stateUninit {
			p.wakeNow(i)
		}
	}
}

// handleWake advances one destination's state machine.
func (p *Pipeline) handleWake(ctx context.Context, idx int) {
	if idx < 0 || idx >= len(p.dests) {
		p.logger.Error().Int("idx", idx).Msg("wake for unknown destination")
		return
	}
	d := p.dests[idx]
	ident := d.factory.Identity()

	switch d.state {
	case stateAvailable:
		ev, ok := d.queue.popFront()
		if !ok {
			return
		}
		if err := d.handle.Send(ctx, ev); err != nil {
			p.logger.Warn().Err(err).Str("destination", ident).Msg("send failed, backing off")
			observability.CollectorSendFailures.WithLabelValues(ident).Inc()
			d.handle.Close()
			d.handle = nil
			d.state = stateBackoff
			d.deadline = time.Now().Add(p.retryDelay)
			d.queue.pushFront(ev)
			p.wakeLater(idx, p.retryDelay)
			break
		}
		observability.EventsPublished.WithLabelValues(ident).Inc()
		if d.queue.len() > 0 {
			p.wakeNow(idx)
		}

	case stateBackoff:
		if remaining := time.Until(d.deadline); remaining > 0 {
			p.wakeLater(idx, remaining)
			break
		}
		fallthrough

	case stateUninit:
		handle, err := d.factory.Build(ctx)
		if err != nil {
			p.logger.Warn().Err(err).Str("destination", ident).Msg("destination build failed")
			d.state = stateBackoff
			d.deadline = time.Now().Add(p.retryDelay)
			p.wakeLater(idx, p.retryDelay)
			break
		}
		d.state = stateAvailable
		d.handle = handle
		if d.queue.len() > 0 {
			p.wakeNow(idx)
		}
	}
	observability.CollectorQueueDepth.WithLabelValues(ident).Set(float64(d.queue.len()))
}

// wakeNow must not block the command loop itself, so a full mailbox falls
// back to an async send.
func (p *Pipeline) wakeNow(idx int) {
	select {
	case p.cmds <- wakeCmd{idx: idx}:
	default:
		go func() {
			select {
			case p.cmds <- wakeCmd{idx: idx}:
			case <-p.stopped:
			}
		}()
	}
}

func (p *Pipeline) wakeLater(idx int, delay time.Duration) {
	time.AfterFunc(delay, func() {
		p.wakeNow(idx)
	})
}
