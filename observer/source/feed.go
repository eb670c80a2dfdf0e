package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"golang.org/x/time/rate"

	"github.com/skywatch-dev/skywatch/observer/runner"
)

// FeedPayload is the kind-specific task payload: the upstream feed URL.
type FeedPayload struct {
	URL string `bson:"url" json:"url"`
}

// FeedConfig is the constructor argument shared by all feed runners of the
// process: auth and pacing.
type FeedConfig struct {
	Token        string
	PollInterval time.Duration
	// RequestsPerMin caps outbound fetches across retries.
	RequestsPerMin int
}

// FeedKind registers the polled-feed task kind.
func FeedKind(cfg FeedConfig) Kind {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.RequestsPerMin <= 0 {
		cfg.RequestsPerMin = 30
	}
	return Kind{
		Name:       "feed",
		NaturalKey: "url",
		ParsePayload: func(body []byte) (bson.Raw, error) {
			var p FeedPayload
			if err := json.Unmarshal(body, &p); err != nil {
				return nil, err
			}
			if p.URL == "" {
				return nil, errors.New("feed: url is required")
			}
			return bson.Marshal(p)
		},
		NewUpstream: func(payload bson.Raw, cursor string) (runner.Upstream, error) {
			var p FeedPayload
			if err := bson.Unmarshal(payload, &p); err != nil {
				return nil, err
			}
			if p.URL == "" {
				return nil, errors.New("feed: document has no url")
			}
			return &feedUpstream{
				url:      p.URL,
				token:    cfg.Token,
				interval: cfg.PollInterval,
				limiter:  rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMin)/60.0), 1),
				client:   &http.Client{Timeout: 30 * time.Second},
				cursor:   cursor,
			}, nil
		},
	}
}

// FeedEntry is one item of the upstream feed.
type FeedEntry struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Link      string `json:"link"`
	Published string `json:"published"`
}

type feedUpstream struct {
	url      string
	token    string
	interval time.Duration
	limiter  *rate.Limiter
	client   *http.Client
	cursor   string
}

func (u *feedUpstream) Name() string { return "feed" }

// Connect verifies the endpoint once, then hands out a polling stream.
func (u *feedUpstream) Connect(ctx context.Context) (runner.Stream, error) {
	if _, err := u.fetch(ctx); err != nil {
		return nil, err
	}
	return &feedStream{up: u, seen: u.cursor}, nil
}

func (u *feedUpstream) fetch(ctx context.Context) ([]FeedEntry, error) {
	if err := u.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.url, nil)
	if err != nil {
		return nil, err
	}
	if u.token != "" {
		req.Header.Set("Authorization", "Bearer "+u.token)
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed: unexpected status %d from %s", resp.StatusCode, u.url)
	}
	var entries []FeedEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// feedStream polls the endpoint, emitting entries newer than the cursor.
// The cursor is the id of the newest entry already emitted; the upstream
// returns entries oldest-first.
type feedStream struct {
	up      *feedUpstream
	seen    string
	pending []FeedEntry
}

func (s *feedStream) Next(ctx context.Context) (runner.Item, error) {
	for {
		if len(s.pending) > 0 {
			entry := s.pending[0]
			s.pending = s.pending[1:]
			s.seen = entry.ID
			return runner.Item{Topic: "feed", Payload: entry, Cursor: entry.ID}, nil
		}

		entries, err := s.up.fetch(ctx)
		if err != nil {
			return runner.Item{}, err
		}
		s.pending = fresh(entries, s.seen)
		if len(s.pending) > 0 {
			continue
		}

		log.Debug().Str("url", s.up.url).Msg("feed unchanged")
		select {
		case <-ctx.Done():
			return runner.Item{}, ctx.Err()
		case <-time.After(s.up.interval):
		}
	}
}

func (s *feedStream) Close() error { return nil }

// fresh returns the suffix of entries strictly after the seen id, or every
// entry when the id is unknown (rotated out of the window).
func fresh(entries []FeedEntry, seen string) []FeedEntry {
	if seen == "" {
		return entries
	}
	for i, e := range entries {
		if e.ID == seen {
			return entries[i+1:]
		}
	}
	return entries
}
