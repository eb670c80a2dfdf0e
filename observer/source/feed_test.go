package source

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func TestFreshSkipsSeenEntries(t *testing.T) {
	entries := []FeedEntry{{ID: "a"}, {ID: "b"}, {ID: "c"}}

	assert.Len(t, fresh(entries, ""), 3)
	assert.Len(t, fresh(entries, "a"), 2)
	assert.Empty(t, fresh(entries, "c"))
	// a cursor rotated out of the window replays the whole page
	assert.Len(t, fresh(entries, "gone"), 3)
}

func TestFeedParsePayload(t *testing.T) {
	kind := FeedKind(FeedConfig{})

	raw, err := kind.ParsePayload([]byte(`{"url": "https://example.com/feed"}`))
	require.NoError(t, err)
	var p FeedPayload
	require.NoError(t, bson.Unmarshal(raw, &p))
	assert.Equal(t, "https://example.com/feed", p.URL)

	_, err = kind.ParsePayload([]byte(`{}`))
	assert.Error(t, err, "url is mandatory")
	_, err = kind.ParsePayload([]byte(`not json`))
	assert.Error(t, err)
}

func TestFeedStreamEmitsNewEntries(t *testing.T) {
	var mu sync.Mutex
	entries := []FeedEntry{{ID: "1", Title: "first"}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sekrit", r.Header.Get("Authorization"))
		mu.Lock()
		defer mu.Unlock()
		_ = json.NewEncoder(w).Encode(entries)
	}))
	defer srv.Close()

	kind := FeedKind(FeedConfig{Token: "sekrit", PollInterval: 20 * time.Millisecond, RequestsPerMin: 6000})
	payload, err := bson.Marshal(FeedPayload{URL: srv.URL})
	require.NoError(t, err)

	up, err := kind.NewUpstream(payload, "")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := up.Connect(ctx)
	require.NoError(t, err)
	defer stream.Close()

	item, err := stream.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "feed", item.Topic)
	assert.Equal(t, "1", item.Cursor)

	// a new upstream entry appears on a later poll
	mu.Lock()
	entries = append(entries, FeedEntry{ID: "2", Title: "second"})
	mu.Unlock()

	item, err = stream.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2", item.Cursor)
	got, ok := item.Payload.(FeedEntry)
	require.True(t, ok)
	assert.Equal(t, "second", got.Title)
}

func TestFeedStreamResumesFromCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]FeedEntry{{ID: "1"}, {ID: "2"}, {ID: "3"}})
	}))
	defer srv.Close()

	kind := FeedKind(FeedConfig{PollInterval: 20 * time.Millisecond, RequestsPerMin: 6000})
	payload, err := bson.Marshal(FeedPayload{URL: srv.URL})
	require.NoError(t, err)

	up, err := kind.NewUpstream(payload, "2")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := up.Connect(ctx)
	require.NoError(t, err)
	defer stream.Close()

	item, err := stream.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "3", item.Cursor, "only entries past the cursor are replayed")
}

func TestFeedConnectFailsOnBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	kind := FeedKind(FeedConfig{RequestsPerMin: 6000})
	payload, err := bson.Marshal(FeedPayload{URL: srv.URL})
	require.NoError(t, err)

	up, err := kind.NewUpstream(payload, "")
	require.NoError(t, err)
	_, err = up.Connect(context.Background())
	assert.Error(t, err)
}
