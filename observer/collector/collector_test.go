package collector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/skywatch-dev/skywatch/observer/store"
)

type staticResolver struct{}

func (staticResolver) ResolveName(ctx context.Context, ref store.DocRef) (string, error) {
	return "suisei", nil
}

// fakeDest is a scriptable destination: builds and sends can be failed and
// recovered at will.
type fakeDest struct {
	id string

	mu        sync.Mutex
	buildFail bool
	sendFail  bool
	builds    int
	delivered []Event
}

func (d *fakeDest) Identity() string {
	if d.id == "" {
		return "fake"
	}
	return d.id
}

func (d *fakeDest) Build(ctx context.Context) (Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.builds++
	if d.buildFail {
		return nil, errors.New("build refused")
	}
	return &fakeHandle{dest: d}, nil
}

func (d *fakeDest) setSendFail(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sendFail = fail
}

func (d *fakeDest) setBuildFail(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buildFail = fail
}

func (d *fakeDest) events() []Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Event, len(d.delivered))
	copy(out, d.delivered)
	return out
}

type fakeHandle struct {
	dest *fakeDest
}

func (h *fakeHandle) Send(ctx context.Context, e Event) error {
	h.dest.mu.Lock()
	defer h.dest.mu.Unlock()
	if h.dest.sendFail {
		return errors.New("send refused")
	}
	h.dest.delivered = append(h.dest.delivered, e)
	return nil
}

func (h *fakeHandle) Close() {}

func ref() store.DocRef {
	return store.DocRef{Collection: "feed", ID: primitive.NewObjectID()}
}

func startPipeline(t *testing.T, dest Factory, opts Options) *Pipeline {
	t.Helper()
	p := New(staticResolver{}, []Factory{dest}, opts)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	p.Start(ctx)
	return p
}

func TestPipelineDeliversInOrder(t *testing.T) {
	dest := &fakeDest{}
	p := startPipeline(t, dest, Options{})

	for i := 1; i <= 5; i++ {
		p.Publish(ref(), "feed", i)
	}

	require.Eventually(t, func() bool { return len(dest.events()) == 5 }, 2*time.Second, 10*time.Millisecond)
	for i, e := range dest.events() {
		assert.Equal(t, i+1, e.Payload)
		assert.Equal(t, "suisei", e.Entity)
	}
}

func TestPipelineBackoffThenRetryInOrder(t *testing.T) {
	dest := &fakeDest{}
	dest.setSendFail(true)
	p := startPipeline(t, dest, Options{RetryDelay: 50 * time.Millisecond})

	for i := 1; i <= 3; i++ {
		p.Publish(ref(), "feed", i)
	}

	// let the first send fail and the destination back off
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, dest.events())

	dest.setSendFail(false)
	require.Eventually(t, func() bool { return len(dest.events()) == 3 }, 3*time.Second, 10*time.Millisecond)
	for i, e := range dest.events() {
		assert.Equal(t, i+1, e.Payload, "retry must re-send the failed event first")
	}
}

func TestPipelineBuildFailureBacksOff(t *testing.T) {
	dest := &fakeDest{}
	dest.setBuildFail(true)
	p := startPipeline(t, dest, Options{RetryDelay: 30 * time.Millisecond})

	p.Publish(ref(), "feed", 1)

	require.Eventually(t, func() bool {
		dest.mu.Lock()
		defer dest.mu.Unlock()
		return dest.builds >= 2
	}, 2*time.Second, 10*time.Millisecond, "pipeline must keep retrying the factory")

	dest.setBuildFail(false)
	require.Eventually(t, func() bool { return len(dest.events()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestPipelineOverflowDropsOldest(t *testing.T) {
	const capacity = 8
	dest := &fakeDest{}
	dest.setBuildFail(true) // keep the destination down while we flood it
	p := startPipeline(t, dest, Options{RetryDelay: 300 * time.Millisecond, QueueCapacity: capacity})

	for i := 1; i <= capacity+5; i++ {
		p.Publish(ref(), "feed", i)
	}

	// recover before the delayed retry wake fires
	time.Sleep(100 * time.Millisecond)
	dest.setBuildFail(false)

	require.Eventually(t, func() bool { return len(dest.events()) >= capacity }, 5*time.Second, 10*time.Millisecond)

	events := dest.events()
	// the oldest five were shed; what survives is contiguous and in order
	first := events[0].Payload.(int)
	assert.Greater(t, first, 5, "the oldest events must have been dropped")
	for i := 1; i < len(events); i++ {
		assert.Equal(t, events[i-1].Payload.(int)+1, events[i].Payload.(int))
	}
}

func TestPipelineResolvesEntityName(t *testing.T) {
	catalog := store.NewMemCatalog()
	created, err := catalog.CreateEntity(context.Background(), "suisei")
	require.NoError(t, err)
	require.True(t, created)
	entity, err := catalog.GetEntity(context.Background(), "suisei")
	require.NoError(t, err)

	dest := &fakeDest{}
	p := New(catalog, []Factory{dest}, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	// task documents carry a root reference into the catalog
	p.Publish(store.DocRef{Collection: store.EntityCollection, ID: entity.ID}, "feed", 1)

	require.Eventually(t, func() bool { return len(dest.events()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "suisei", dest.events()[0].Entity, "fan-out must carry the human name, not the id")
}

func TestPipelineFallsBackToIDOnUnknownRoot(t *testing.T) {
	catalog := store.NewMemCatalog()
	dest := &fakeDest{}
	p := New(catalog, []Factory{dest}, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	root := store.DocRef{Collection: store.EntityCollection, ID: primitive.NewObjectID()}
	p.Publish(root, "feed", 1)

	require.Eventually(t, func() bool { return len(dest.events()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, root.ID.Hex(), dest.events()[0].Entity)
}

func TestPipelineFansOutToEveryDestination(t *testing.T) {
	a, b := &fakeDest{id: "a"}, &fakeDest{id: "b"}
	p := New(staticResolver{}, []Factory{a, b}, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	p.Publish(ref(), "feed", 1)

	require.Eventually(t, func() bool {
		return len(a.events()) == 1 && len(b.events()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}
