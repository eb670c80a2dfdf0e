package source

import (
	"go.mongodb.org/mongo-driver/bson"

	"github.com/skywatch-dev/skywatch/observer/runner"
)

// Kind describes one task category: how its payload is validated and
// indexed, and how a runner's upstream client is built from an acquired
// document. One scheduler core exists per kind per worker.
type Kind struct {
	// Name is the kind tag; also the store collection name and the admin
	// field key.
	Name string
	// NaturalKey is the payload field carrying the unique upstream id,
	// making catalog CRUD idempotent.
	NaturalKey string
	// ParsePayload validates a raw admin payload and returns its bson form.
	ParsePayload func(body []byte) (bson.Raw, error)
	// NewUpstream builds the kind's upstream client for one task. cursor is
	// the persisted progress marker, empty on first acquisition.
	NewUpstream func(payload bson.Raw, cursor string) (runner.Upstream, error)
}
