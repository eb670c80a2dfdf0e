package store

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// EntityCollection is the catalog collection name; task documents point
// back at it through their root reference.
const EntityCollection = "entities"

// Catalog is the entity CRUD surface consumed by the admin API and by the
// collector pipeline (reference resolution).
type Catalog interface {
	CreateEntity(ctx context.Context, name string) (bool, error)
	GetEntity(ctx context.Context, name string) (*Entity, error)
	DeleteEntity(ctx context.Context, name string) (bool, error)
	LinkField(ctx context.Context, name, kind string, ref *DocRef) error
	ResolveName(ctx context.Context, ref DocRef) (string, error)
}

// ErrNotFound marks a reference whose target entity is absent.
var ErrNotFound = errors.New("store: not found")

// MongoCatalog is the Catalog implementation over the shared database.
type MongoCatalog struct {
	db   *mongo.Database
	coll *mongo.Collection
}

// CreateEntity inserts a new entity. Returns false when the name is taken.
func (c *MongoCatalog) CreateEntity(ctx context.Context, name string) (bool, error) {
	return watch(ctx, "CreateEntity", func(ctx context.Context) (bool, error) {
		_, err := c.coll.InsertOne(ctx, Entity{Name: name, Fields: map[string]DocRef{}})
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return true, nil
	})
}

// GetEntity fetches an entity by name, or nil when absent.
func (c *MongoCatalog) GetEntity(ctx context.Context, name string) (*Entity, error) {
	return watch(ctx, "GetEntity", func(ctx context.Context) (*Entity, error) {
		var e Entity
		err := c.coll.FindOne(ctx, bson.D{{Key: "name", Value: name}}).Decode(&e)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return &e, nil
	})
}

// DeleteEntity removes the entity document itself. Linked kind documents are
// deleted by the caller first.
func (c *MongoCatalog) DeleteEntity(ctx context.Context, name string) (bool, error) {
	return watch(ctx, "DeleteEntity", func(ctx context.Context) (bool, error) {
		res, err := c.coll.DeleteOne(ctx, bson.D{{Key: "name", Value: name}})
		if err != nil {
			return false, err
		}
		return res.DeletedCount > 0, nil
	})
}

// LinkField sets or (with a nil ref) unsets the kind reference on an entity.
func (c *MongoCatalog) LinkField(ctx context.Context, name, kind string, ref *DocRef) error {
	_, err := watch(ctx, "LinkField", func(ctx context.Context) (struct{}, error) {
		var update bson.D
		if ref != nil {
			update = bson.D{{Key: "$set", Value: bson.D{{Key: "fields." + kind, Value: ref}}}}
		} else {
			update = bson.D{{Key: "$unset", Value: bson.D{{Key: "fields." + kind, Value: ""}}}}
		}
		_, err := c.coll.UpdateOne(ctx, bson.D{{Key: "name", Value: name}}, update)
		return struct{}{}, err
	})
	return err
}

// ResolveName maps a reference to its entity name. A reference into the
// catalog itself resolves by id; a task-document reference resolves through
// the reverse lookup on the owning entity's fields map.
func (c *MongoCatalog) ResolveName(ctx context.Context, ref DocRef) (string, error) {
	return watch(ctx, "ResolveName", func(ctx context.Context) (string, error) {
		var filter bson.D
		if ref.Collection == EntityCollection {
			filter = bson.D{{Key: "_id", Value: ref.ID}}
		} else {
			filter = bson.D{{Key: "fields." + ref.Collection + ".$id", Value: ref.ID}}
		}
		var e Entity
		err := c.coll.FindOne(ctx, filter, options.FindOne().SetProjection(bson.D{{Key: "name", Value: 1}})).Decode(&e)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return "", ErrNotFound
		}
		if err != nil {
			return "", err
		}
		return e.Name, nil
	})
}

// RefGet loads the raw payload document behind a reference.
func (s *Store) RefGet(ctx context.Context, ref DocRef) (*TaskDoc, error) {
	return watch(ctx, "RefGet", func(ctx context.Context) (*TaskDoc, error) {
		var doc TaskDoc
		err := s.db.Collection(ref.Collection).FindOne(ctx, bson.D{{Key: "_id", Value: ref.ID}}).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return &doc, nil
	})
}

// RefDel deletes the document behind a reference. Returns false when the
// target is already gone, which callers surface as an inconsistency.
func (s *Store) RefDel(ctx context.Context, ref DocRef) (bool, error) {
	return watch(ctx, "RefDel", func(ctx context.Context) (bool, error) {
		res, err := s.db.Collection(ref.Collection).DeleteOne(ctx, bson.D{{Key: "_id", Value: ref.ID}})
		if err != nil {
			return false, err
		}
		return res.DeletedCount > 0, nil
	})
}
