package runner

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/skywatch-dev/skywatch/observer/store"
)

type chanStream struct {
	items chan Item
	errs  chan error
}

func (s *chanStream) Next(ctx context.Context) (Item, error) {
	select {
	case <-ctx.Done():
		return Item{}, ctx.Err()
	case err := <-s.errs:
		return Item{}, err
	case item, ok := <-s.items:
		if !ok {
			return Item{}, io.EOF
		}
		return item, nil
	}
}

func (s *chanStream) Close() error { return nil }

type fakeUpstream struct {
	stream     *chanStream
	connectErr error
}

func (u *fakeUpstream) Name() string { return "fake" }

func (u *fakeUpstream) Connect(ctx context.Context) (Stream, error) {
	if u.connectErr != nil {
		return nil, u.connectErr
	}
	return u.stream, nil
}

type fakeKeeper struct {
	mu        sync.Mutex
	owned     bool
	renewOK   bool
	patches   []map[string]any
	ownChecks int
}

func (k *fakeKeeper) CheckOwnership(ctx context.Context, info store.TaskInfo) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.ownChecks++
	return k.owned, nil
}

func (k *fakeKeeper) UpdateEntry(ctx context.Context, info store.TaskInfo, patch map[string]any) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.patches = append(k.patches, patch)
	return k.renewOK, nil
}

func (k *fakeKeeper) set(owned, renewOK bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.owned = owned
	k.renewOK = renewOK
}

func (k *fakeKeeper) lastPatch() map[string]any {
	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.patches) == 0 {
		return nil
	}
	return k.patches[len(k.patches)-1]
}

type fakePublisher struct {
	mu     sync.Mutex
	events []Item
}

func (p *fakePublisher) Publish(root store.DocRef, topic string, payload any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, Item{Topic: topic, Payload: payload})
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func testDoc() *store.TaskDoc {
	return &store.TaskDoc{
		ID:         primitive.NewObjectID(),
		UUID:       uuid.NewString(),
		ParentUUID: uuid.NewString(),
	}
}

func noPanic(t *testing.T) OnPanic {
	return func(v any) {
		t.Errorf("unexpected panic: %v", v)
	}
}

func TestRunnerPublishesOwnedItems(t *testing.T) {
	stream := &chanStream{items: make(chan Item, 4), errs: make(chan error)}
	keeper := &fakeKeeper{owned: true, renewOK: true}
	pub := &fakePublisher{}

	r := New(testDoc(), &fakeUpstream{stream: stream}, keeper, pub, time.Hour, noPanic(t))
	r.Start(context.Background())
	defer r.Stop()

	stream.items <- Item{Topic: "feed", Payload: "one"}
	stream.items <- Item{Topic: "feed", Payload: "two"}

	require.Eventually(t, func() bool { return pub.count() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, r.Alive())
}

func TestRunnerStopsOnLostOwnership(t *testing.T) {
	stream := &chanStream{items: make(chan Item, 4), errs: make(chan error)}
	keeper := &fakeKeeper{owned: false, renewOK: true}
	pub := &fakePublisher{}

	r := New(testDoc(), &fakeUpstream{stream: stream}, keeper, pub, time.Hour, noPanic(t))
	r.Start(context.Background())

	stream.items <- Item{Topic: "feed", Payload: "stolen"}

	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop after losing ownership")
	}
	assert.Zero(t, pub.count(), "no publish may happen after the lease is gone")
	assert.False(t, r.Alive())
}

func TestRunnerStopsOnHeartbeatFailure(t *testing.T) {
	stream := &chanStream{items: make(chan Item), errs: make(chan error)}
	keeper := &fakeKeeper{owned: true, renewOK: false}
	pub := &fakePublisher{}

	r := New(testDoc(), &fakeUpstream{stream: stream}, keeper, pub, 20*time.Millisecond, noPanic(t))
	r.Start(context.Background())

	// the failed renewal must tear the runner down within one interval
	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop after heartbeat failure")
	}
	assert.False(t, r.Alive())
}

func TestRunnerStopsOnConnectError(t *testing.T) {
	keeper := &fakeKeeper{owned: true, renewOK: true}
	r := New(testDoc(), &fakeUpstream{connectErr: errors.New("refused")}, keeper, &fakePublisher{}, time.Hour, noPanic(t))
	r.Start(context.Background())

	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop after connect failure")
	}
	assert.False(t, r.Alive())
}

func TestRunnerStopsOnStreamError(t *testing.T) {
	stream := &chanStream{items: make(chan Item), errs: make(chan error, 1)}
	keeper := &fakeKeeper{owned: true, renewOK: true}

	r := New(testDoc(), &fakeUpstream{stream: stream}, keeper, &fakePublisher{}, time.Hour, noPanic(t))
	r.Start(context.Background())

	stream.errs <- errors.New("connection reset")

	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop after stream error")
	}
}

func TestRunnerHeartbeatCarriesCursor(t *testing.T) {
	stream := &chanStream{items: make(chan Item, 1), errs: make(chan error)}
	keeper := &fakeKeeper{owned: true, renewOK: true}
	pub := &fakePublisher{}

	r := New(testDoc(), &fakeUpstream{stream: stream}, keeper, pub, 20*time.Millisecond, noPanic(t))
	r.Start(context.Background())
	defer r.Stop()

	stream.items <- Item{Topic: "feed", Payload: "x", Cursor: "item-7"}

	require.Eventually(t, func() bool {
		patch := keeper.lastPatch()
		return patch != nil && patch["cursor"] == "item-7"
	}, 2*time.Second, 10*time.Millisecond, "cursor must ride the heartbeat")
}

func TestRunnerPanicEscalates(t *testing.T) {
	stream := &chanStream{items: make(chan Item, 1), errs: make(chan error)}
	keeper := &fakeKeeper{owned: true, renewOK: true}

	var mu sync.Mutex
	var caught any
	onPanic := func(v any) {
		mu.Lock()
		defer mu.Unlock()
		caught = v
	}

	boom := &panickyPublisher{}
	r := New(testDoc(), &fakeUpstream{stream: stream}, keeper, boom, time.Hour, onPanic)
	r.Start(context.Background())

	stream.items <- Item{Topic: "feed", Payload: "x"}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return caught != nil
	}, 2*time.Second, 10*time.Millisecond, "panic must reach the killer")
}

type panickyPublisher struct{}

func (panickyPublisher) Publish(root store.DocRef, topic string, payload any) {
	panic("boom")
}
