package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func TestLiveStreamReadsFrames(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "21452505", r.URL.Query().Get("room"))
		assert.Equal(t, "Bearer sekrit", r.Header.Get("Authorization"))
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"kind": "danmaku", "text": "hello"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`garbage`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"kind": "gift"}`))
		time.Sleep(time.Second)
	}))
	defer srv.Close()

	endpoint := "ws" + strings.TrimPrefix(srv.URL, "http")
	kind := LiveKind(LiveConfig{Endpoint: endpoint, Token: "sekrit"})
	payload, err := bson.Marshal(LivePayload{Room: "21452505"})
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
	assert.Equal(t, "live", item.Topic)
	frame, ok := item.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "danmaku", frame["kind"])

	// the non-JSON frame is skipped
	item, err = stream.Next(ctx)
	require.NoError(t, err)
	frame = item.Payload.(map[string]any)
	assert.Equal(t, "gift", frame["kind"])
}

func TestLiveConnectRefused(t *testing.T) {
	kind := LiveKind(LiveConfig{Endpoint: "ws://127.0.0.1:1/ws"})
	payload, err := bson.Marshal(LivePayload{Room: "1"})
	require.NoError(t, err)

	up, err := kind.NewUpstream(payload, "")
	require.NoError(t, err)
	_, err = up.Connect(context.Background())
	assert.Error(t, err)
}
