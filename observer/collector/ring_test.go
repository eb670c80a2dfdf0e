package collector

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func ev(n int) Event {
	return Event{Entity: "e", Topic: "t", Payload: n}
}

func TestRingDropsOldestOnOverflow(t *testing.T) {
	r := newRing(3)
	assert.False(t, r.pushBack(ev(1)))
	assert.False(t, r.pushBack(ev(2)))
	assert.False(t, r.pushBack(ev(3)))
	assert.True(t, r.pushBack(ev(4)), "push into a full ring reports the drop")

	assert.Equal(t, 3, r.len())
	got, ok := r.popFront()
	assert.True(t, ok)
	assert.Equal(t, 2, got.Payload, "the oldest event is the one shed")
}

func TestRingPushFrontPreservesRetryOrder(t *testing.T) {
	r := newRing(3)
	r.pushBack(ev(2))
	r.pushBack(ev(3))
	r.pushFront(ev(1))

	for want := 1; want <= 3; want++ {
		got, ok := r.popFront()
		assert.True(t, ok)
		assert.Equal(t, want, got.Payload)
	}
	_, ok := r.popFront()
	assert.False(t, ok)
}

func TestRingPushFrontWhenFullShedsNewest(t *testing.T) {
	r := newRing(2)
	r.pushBack(ev(2))
	r.pushBack(ev(3))
	r.pushFront(ev(1))

	assert.Equal(t, 2, r.len())
	got, _ := r.popFront()
	assert.Equal(t, 1, got.Payload, "the retried event stays at the head")
}
