package source

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/skywatch-dev/skywatch/observer/runner"
)

// LivePayload is the kind-specific task payload: the upstream room id.
type LivePayload struct {
	Room string `bson:"room" json:"room"`
}

// LiveConfig is the constructor argument shared by all live runners: the
// websocket endpoint and auth.
type LiveConfig struct {
	Endpoint string
	Token    string
}

const (
	livePingInterval = 30 * time.Second
	liveReadTimeout  = 90 * time.Second
)

// LiveKind registers the websocket live-stream task kind.
func LiveKind(cfg LiveConfig) Kind {
	return Kind{
		Name:       "live",
		NaturalKey: "room",
		ParsePayload: func(body []byte) (bson.Raw, error) {
			var p LivePayload
			if err := json.Unmarshal(body, &p); err != nil {
				return nil, err
			}
			if p.Room == "" {
				return nil, errors.New("live: room is required")
			}
			return bson.Marshal(p)
		},
		NewUpstream: func(payload bson.Raw, cursor string) (runner.Upstream, error) {
			var p LivePayload
			if err := bson.Unmarshal(payload, &p); err != nil {
				return nil, err
			}
			if p.Room == "" {
				return nil, errors.New("live: document has no room")
			}
			return &liveUpstream{endpoint: cfg.Endpoint, token: cfg.Token, room: p.Room}, nil
		},
	}
}

type liveUpstream struct {
	endpoint string
	token    string
	room     string
}

func (u *liveUpstream) Name() string { return "live" }

// Connect dials the room's websocket and starts the keepalive pump.
func (u *liveUpstream) Connect(ctx context.Context) (runner.Stream, error) {
	target, err := url.Parse(u.endpoint)
	if err != nil {
		return nil, err
	}
	q := target.Query()
	q.Set("room", u.room)
	target.RawQuery = q.Encode()

	header := http.Header{}
	if u.token != "" {
		header.Set("Authorization", "Bearer "+u.token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target.String(), header)
	if err != nil {
		return nil, err
	}

	conn.SetReadDeadline(time.Now().Add(liveReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(liveReadTimeout))
	})

	s := &liveStream{conn: conn, closed: make(chan struct{})}
	go s.pingLoop(ctx)
	return s, nil
}

type liveStream struct {
	conn   *websocket.Conn
	closed chan struct{}
}

func (s *liveStream) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(livePingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}

// Next reads one frame. Non-JSON frames are skipped; the stream dies with
// the connection.
func (s *liveStream) Next(ctx context.Context) (runner.Item, error) {
	for {
		if err := ctx.Err(); err != nil {
			return runner.Item{}, err
		}
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return runner.Item{}, err
		}
		var payload map[string]any
		if err := json.Unmarshal(data, &payload); err != nil {
			continue
		}
		return runner.Item{Topic: "live", Payload: payload}, nil
	}
}

func (s *liveStream) Close() error {
	close(s.closed)
	return s.conn.Close()
}
