package store

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/skywatch-dev/skywatch/observer/observability"
)

// opWarnThreshold is the soft deadline for a single store operation. The
// watchdog only warns; the operation itself is never cancelled.
const opWarnThreshold = time.Second

var logger = log.With().Str("component", "store").Logger()

// Store wraps the shared document database. All typed collections hang off it.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

// Connect dials the database and pings it once.
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, err
	}
	return &Store{client: client, db: client.Database(database)}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Tasks returns the task collection for a kind. naturalKey is the payload
// field that makes CRUD idempotent (unique index).
func (s *Store) Tasks(kind, naturalKey string) *TaskColl {
	return &TaskColl{
		coll:       s.db.Collection(kind),
		kind:       kind,
		naturalKey: naturalKey,
	}
}

// Catalog returns the entity catalog collection.
func (s *Store) Catalog() *MongoCatalog {
	return &MongoCatalog{db: s.db, coll: s.db.Collection(EntityCollection)}
}

// EnsureIndexes creates the lease-field indexes on every registered kind
// collection plus the unique catalog and natural-key indexes.
func (s *Store) EnsureIndexes(ctx context.Context, kinds map[string]string) error {
	unique := options.Index().SetUnique(true)
	_, err := s.db.Collection(EntityCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "name", Value: 1}},
		Options: unique,
	})
	if err != nil {
		return err
	}
	for kind, naturalKey := range kinds {
		models := []mongo.IndexModel{
			{Keys: bson.D{{Key: "uuid", Value: 1}}},
			{Keys: bson.D{{Key: "parent_uuid", Value: 1}}},
			{Keys: bson.D{{Key: "timestamp", Value: 1}}},
			{Keys: bson.D{{Key: "payload." + naturalKey, Value: 1}}, Options: options.Index().SetUnique(true)},
		}
		if _, err := s.db.Collection(kind).Indexes().CreateMany(ctx, models); err != nil {
			return err
		}
	}
	return nil
}

// watch runs fn under the operation watchdog: a warning is logged if the
// operation blocks past the soft deadline, and a trace event is emitted on
// completion together with the duration histogram sample.
func watch[T any](ctx context.Context, desc string, fn func(context.Context) (T, error)) (T, error) {
	timer := time.AfterFunc(opWarnThreshold, func() {
		logger.Warn().Str("op", desc).Msgf("%s blocked for more than %s", desc, opWarnThreshold)
	})
	defer timer.Stop()

	start := time.Now()
	res, err := fn(ctx)
	observability.StoreOpDuration.WithLabelValues(desc).Observe(time.Since(start).Seconds())
	logger.Trace().Str("op", desc).Dur("took", time.Since(start)).Msg("op completed")
	return res, err
}
