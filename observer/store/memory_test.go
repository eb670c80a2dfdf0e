package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func lease(ts int64) LeaseUpdate {
	return LeaseUpdate{UUID: primitive.NewObjectID().Hex(), ParentUUID: primitive.NewObjectID().Hex(), Timestamp: ts}
}

func TestStealMatchesFullIncarnation(t *testing.T) {
	m := NewMemTasks("feed")
	now := time.Now().UnixMilli()
	info := m.Seed(TaskDoc{UUID: "u1", ParentUUID: "p1", Timestamp: now})

	// wrong uuid: CAS miss
	stale := info
	stale.UUID = "other"
	doc, err := m.Steal(context.Background(), stale, lease(now))
	require.NoError(t, err)
	assert.Nil(t, doc)

	// exact match wins
	doc, err = m.Steal(context.Background(), info, lease(now))
	require.NoError(t, err)
	require.NotNil(t, doc)

	// the old incarnation is gone: a second steal with it misses
	doc, err = m.Steal(context.Background(), info, lease(now))
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestUpdateEntryDetectsLeaseLoss(t *testing.T) {
	m := NewMemTasks("feed")
	now := time.Now().UnixMilli()
	info := m.Seed(TaskDoc{UUID: "u1", ParentUUID: "p1", Timestamp: now})

	ok, err := m.UpdateEntry(context.Background(), info, nil, now+1000)
	require.NoError(t, err)
	assert.True(t, ok)

	// a thief re-leases the document
	doc, err := m.Steal(context.Background(), TaskInfo{DocID: info.DocID, UUID: "u1", ParentUUID: "p1"}, lease(now))
	require.NoError(t, err)
	require.NotNil(t, doc)

	// the old holder's renewal now misses
	ok, err = m.UpdateEntry(context.Background(), info, nil, now+2000)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAcquireOutdatedSkipsFreshLeases(t *testing.T) {
	m := NewMemTasks("feed")
	now := time.Now().UnixMilli()
	m.Seed(TaskDoc{UUID: "u1", ParentUUID: "p1", Timestamp: now})

	doc, err := m.AcquireOutdated(context.Background(), now-10_000, lease(now))
	require.NoError(t, err)
	assert.Nil(t, doc, "a fresh heartbeat is not an orphan")

	// missing heartbeat counts as orphaned
	m.Seed(TaskDoc{})
	doc, err = m.AcquireOutdated(context.Background(), now-10_000, lease(now))
	require.NoError(t, err)
	require.NotNil(t, doc)
}

func TestCatalogRoundTrip(t *testing.T) {
	c := NewMemCatalog()
	ctx := context.Background()

	created, err := c.CreateEntity(ctx, "suisei")
	require.NoError(t, err)
	assert.True(t, created)
	created, err = c.CreateEntity(ctx, "suisei")
	require.NoError(t, err)
	assert.False(t, created)

	ref := DocRef{Collection: "feed", ID: primitive.NewObjectID()}
	require.NoError(t, c.LinkField(ctx, "suisei", "feed", &ref))

	name, err := c.ResolveName(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "suisei", name)

	// a reference into the catalog itself resolves by id
	entity, err := c.GetEntity(ctx, "suisei")
	require.NoError(t, err)
	name, err = c.ResolveName(ctx, DocRef{Collection: EntityCollection, ID: entity.ID})
	require.NoError(t, err)
	assert.Equal(t, "suisei", name)

	require.NoError(t, c.LinkField(ctx, "suisei", "feed", nil))
	_, err = c.ResolveName(ctx, ref)
	assert.ErrorIs(t, err, ErrNotFound)
}
