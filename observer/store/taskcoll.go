package store

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// TaskColl exposes the lease operations over one kind collection. Every
// method carries a static descriptor used by the watchdog and trace events.
//
// A conditional update that matches no document is not an error: it comes
// back as a nil document or a false "matched" flag, and the caller decides
// what that means (lease lost, steal conflict, nothing to acquire).
type TaskColl struct {
	coll       *mongo.Collection
	kind       string
	naturalKey string
}

// Kind returns the task kind this collection holds.
func (c *TaskColl) Kind() string { return c.kind }

func leaseSet(up LeaseUpdate) bson.D {
	return bson.D{{Key: "$set", Value: bson.D{
		{Key: "uuid", Value: up.UUID},
		{Key: "parent_uuid", Value: up.ParentUUID},
		{Key: "timestamp", Value: up.Timestamp},
	}}}
}

// AcquireOutdated atomically claims one orphaned task: a document whose
// heartbeat is older than sinceMS or absent. Returns the updated document,
// or nil when no orphan matched.
func (c *TaskColl) AcquireOutdated(ctx context.Context, sinceMS int64, up LeaseUpdate) (*TaskDoc, error) {
	return watch(ctx, "AcquireOutdated", func(ctx context.Context) (*TaskDoc, error) {
		filter := bson.D{{Key: "$or", Value: bson.A{
			bson.D{{Key: "timestamp", Value: bson.D{{Key: "$lt", Value: sinceMS}}}},
			bson.D{{Key: "timestamp", Value: bson.D{{Key: "$exists", Value: false}}}},
		}}}
		var doc TaskDoc
		err := c.coll.FindOneAndUpdate(ctx, filter, leaseSet(up),
			options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return &doc, nil
	})
}

// Steal atomically re-leases the exact incarnation described by victim.
// Returns nil when the CAS missed, meaning another scheduler got there first.
func (c *TaskColl) Steal(ctx context.Context, victim TaskInfo, up LeaseUpdate) (*TaskDoc, error) {
	return watch(ctx, "Steal", func(ctx context.Context) (*TaskDoc, error) {
		filter := bson.D{
			{Key: "_id", Value: victim.DocID},
			{Key: "uuid", Value: victim.UUID},
			{Key: "parent_uuid", Value: victim.ParentUUID},
		}
		var doc TaskDoc
		err := c.coll.FindOneAndUpdate(ctx, filter, leaseSet(up),
			options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return &doc, nil
	})
}

// CountLive counts tasks whose heartbeat is at least sinceMS.
func (c *TaskColl) CountLive(ctx context.Context, sinceMS int64) (int64, error) {
	return watch(ctx, "CountLive", func(ctx context.Context) (int64, error) {
		filter := bson.D{{Key: "timestamp", Value: bson.D{{Key: "$gte", Value: sinceMS}}}}
		return c.coll.CountDocuments(ctx, filter)
	})
}

// LiveByOwner groups live tasks by owner, excluding the given scheduler.
func (c *TaskColl) LiveByOwner(ctx context.Context, sinceMS int64, exclude string) ([]OwnerCount, error) {
	return watch(ctx, "LiveByOwner", func(ctx context.Context) ([]OwnerCount, error) {
		pipeline := mongo.Pipeline{
			bson.D{{Key: "$match", Value: bson.D{{Key: "$and", Value: bson.A{
				bson.D{{Key: "parent_uuid", Value: bson.D{{Key: "$ne", Value: exclude}}}},
				bson.D{{Key: "timestamp", Value: bson.D{{Key: "$gte", Value: sinceMS}}}},
			}}}}},
			bson.D{{Key: "$group", Value: bson.D{
				{Key: "_id", Value: "$parent_uuid"},
				{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
			}}},
		}
		cur, err := c.coll.Aggregate(ctx, pipeline)
		if err != nil {
			return nil, err
		}
		var out []OwnerCount
		if err := cur.All(ctx, &out); err != nil {
			return nil, err
		}
		return out, nil
	})
}

// LiveOnOwner lists the live task incarnations currently held by one owner.
func (c *TaskColl) LiveOnOwner(ctx context.Context, sinceMS int64, owner string) ([]TaskInfo, error) {
	return watch(ctx, "LiveOnOwner", func(ctx context.Context) ([]TaskInfo, error) {
		filter := bson.D{
			{Key: "parent_uuid", Value: owner},
			{Key: "timestamp", Value: bson.D{{Key: "$gte", Value: sinceMS}}},
		}
		cur, err := c.coll.Find(ctx, filter)
		if err != nil {
			return nil, err
		}
		var out []TaskInfo
		if err := cur.All(ctx, &out); err != nil {
			return nil, err
		}
		return out, nil
	})
}

// Exists reports whether a document matching the full incarnation exists.
func (c *TaskColl) Exists(ctx context.Context, info TaskInfo) (bool, error) {
	return watch(ctx, "CheckOwnership", func(ctx context.Context) (bool, error) {
		filter := bson.D{
			{Key: "_id", Value: info.DocID},
			{Key: "uuid", Value: info.UUID},
			{Key: "parent_uuid", Value: info.ParentUUID},
		}
		err := c.coll.FindOne(ctx, filter).Err()
		if errors.Is(err, mongo.ErrNoDocuments) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return true, nil
	})
}

// UpdateEntry applies the patch plus a fresh heartbeat to the incarnation.
// Returns false when the incarnation no longer matches (lease lost).
func (c *TaskColl) UpdateEntry(ctx context.Context, info TaskInfo, patch map[string]any, nowMS int64) (bool, error) {
	return watch(ctx, "UpdateEntry", func(ctx context.Context) (bool, error) {
		set := bson.D{{Key: "timestamp", Value: nowMS}}
		for k, v := range patch {
			set = append(set, bson.E{Key: k, Value: v})
		}
		filter := bson.D{
			{Key: "_id", Value: info.DocID},
			{Key: "uuid", Value: info.UUID},
		}
		res, err := c.coll.UpdateOne(ctx, filter, bson.D{{Key: "$set", Value: set}})
		if err != nil {
			return false, err
		}
		// Matched, not modified: the scheduler's evicting pass and the
		// runner's own loop both renew on the same cadence, and a second
		// write landing in the same millisecond leaves the document
		// unchanged while the lease is still held.
		return res.MatchedCount > 0, nil
	})
}

// Get fetches one task document by id.
func (c *TaskColl) Get(ctx context.Context, id primitive.ObjectID) (*TaskDoc, error) {
	return watch(ctx, "GetTask", func(ctx context.Context) (*TaskDoc, error) {
		var doc TaskDoc
		err := c.coll.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return &doc, nil
	})
}

// Insert creates a task document and returns its reference.
func (c *TaskColl) Insert(ctx context.Context, doc *TaskDoc) (DocRef, error) {
	return watch(ctx, "InsertTask", func(ctx context.Context) (DocRef, error) {
		res, err := c.coll.InsertOne(ctx, doc)
		if err != nil {
			return DocRef{}, err
		}
		id, _ := res.InsertedID.(primitive.ObjectID)
		return DocRef{Collection: c.kind, ID: id}, nil
	})
}

// ReplacePayload swaps the payload of an existing task document, resetting
// the cursor. Returns false when the document is gone.
func (c *TaskColl) ReplacePayload(ctx context.Context, id primitive.ObjectID, payload bson.Raw) (bool, error) {
	return watch(ctx, "ReplacePayload", func(ctx context.Context) (bool, error) {
		res, err := c.coll.UpdateOne(ctx,
			bson.D{{Key: "_id", Value: id}},
			bson.D{
				{Key: "$set", Value: bson.D{{Key: "payload", Value: payload}}},
				{Key: "$unset", Value: bson.D{{Key: "cursor", Value: ""}}},
			})
		if err != nil {
			return false, err
		}
		return res.MatchedCount > 0, nil
	})
}

// Delete removes a task document. Returns false when nothing matched.
func (c *TaskColl) Delete(ctx context.Context, id primitive.ObjectID) (bool, error) {
	return watch(ctx, "DeleteTask", func(ctx context.Context) (bool, error) {
		res, err := c.coll.DeleteOne(ctx, bson.D{{Key: "_id", Value: id}})
		if err != nil {
			return false, err
		}
		return res.DeletedCount > 0, nil
	})
}
