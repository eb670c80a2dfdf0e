package source

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/skywatch-dev/skywatch/observer/runner"
)

// DebugPayload is the payload of the synthetic wiring-check kind.
type DebugPayload struct {
	Label string `bson:"label" json:"label"`
}

// DebugKind registers a kind that emits a counter event on an interval.
// Useful for verifying scheduler and collector wiring end to end.
func DebugKind(interval time.Duration) Kind {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return Kind{
		Name:       "debug",
		NaturalKey: "label",
		ParsePayload: func(body []byte) (bson.Raw, error) {
			var p DebugPayload
			if err := json.Unmarshal(body, &p); err != nil {
				return nil, err
			}
			if p.Label == "" {
				return nil, errors.New("debug: label is required")
			}
			return bson.Marshal(p)
		},
		NewUpstream: func(payload bson.Raw, cursor string) (runner.Upstream, error) {
			var p DebugPayload
			if err := bson.Unmarshal(payload, &p); err != nil {
				return nil, err
			}
			seq := int64(0)
			if cursor != "" {
				seq, _ = strconv.ParseInt(cursor, 10, 64)
			}
			return &debugUpstream{label: p.Label, interval: interval, seq: seq}, nil
		},
	}
}

type debugUpstream struct {
	label    string
	interval time.Duration
	seq      int64
}

func (u *debugUpstream) Name() string { return "debug" }

func (u *debugUpstream) Connect(ctx context.Context) (runner.Stream, error) {
	return &debugStream{up: u}, nil
}

type debugStream struct {
	up *debugUpstream
}

func (s *debugStream) Next(ctx context.Context) (runner.Item, error) {
	select {
	case <-ctx.Done():
		return runner.Item{}, ctx.Err()
	case <-time.After(s.up.interval):
	}
	s.up.seq++
	return runner.Item{
		Topic:   "debug",
		Payload: map[string]any{"label": s.up.label, "seq": s.up.seq},
		Cursor:  strconv.FormatInt(s.up.seq, 10),
	}, nil
}

func (s *debugStream) Close() error { return nil }
