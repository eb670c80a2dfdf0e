package store

import (
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// DocRef is a cross-collection reference in the conventional $ref/$id form.
type DocRef struct {
	Collection string             `bson:"$ref" json:"$ref"`
	ID         primitive.ObjectID `bson:"$id" json:"$id"`
	DB         string             `bson:"$db,omitempty" json:"$db,omitempty"`
}

// TaskInfo identifies one lease incarnation of a task. Every write performed
// by a runner or a scheduler matches on DocID and UUID, not just DocID;
// steals and ownership checks also match ParentUUID.
type TaskInfo struct {
	DocID      primitive.ObjectID `bson:"_id"`
	UUID       string             `bson:"uuid"`
	ParentUUID string             `bson:"parent_uuid"`
}

// TaskDoc is one monitored task of a given kind. Payload is opaque to the
// scheduler; only the lease fields (uuid, parent_uuid, timestamp) and cursor
// are ever touched by the core.
type TaskDoc struct {
	ID         primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Root       DocRef             `bson:"root" json:"root"`
	Payload    bson.Raw           `bson:"payload" json:"payload"`
	UUID       string             `bson:"uuid,omitempty" json:"uuid,omitempty"`
	ParentUUID string             `bson:"parent_uuid,omitempty" json:"parent_uuid,omitempty"`
	Timestamp  int64              `bson:"timestamp,omitempty" json:"timestamp,omitempty"`
	Cursor     string             `bson:"cursor,omitempty" json:"cursor,omitempty"`
}

// Info returns the lease incarnation identity of the document.
func (d *TaskDoc) Info() TaskInfo {
	return TaskInfo{DocID: d.ID, UUID: d.UUID, ParentUUID: d.ParentUUID}
}

// LeaseUpdate is the triple written by every lease acquisition or steal.
type LeaseUpdate struct {
	UUID       string
	ParentUUID string
	Timestamp  int64
}

// OwnerCount is one row of the live-tasks-by-owner aggregation.
type OwnerCount struct {
	Owner string `bson:"_id"`
	Count int64  `bson:"count"`
}

// Entity is one catalog entry. Fields maps a task kind to the reference of
// that kind's task document.
type Entity struct {
	ID     primitive.ObjectID `bson:"_id,omitempty" json:"-"`
	Name   string             `bson:"name" json:"name"`
	Fields map[string]DocRef  `bson:"fields" json:"fields"`
}
