package store

import (
	"context"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// MemTasks is an in-memory task collection with the same conditional-update
// semantics as TaskColl. Single-process only; used by tests and by the
// schedulers' unit scenarios where racing goroutines stand in for racing
// workers.
type MemTasks struct {
	mu   sync.Mutex
	kind string
	docs map[primitive.ObjectID]*TaskDoc
}

// NewMemTasks creates an empty in-memory kind collection.
func NewMemTasks(kind string) *MemTasks {
	return &MemTasks{kind: kind, docs: map[primitive.ObjectID]*TaskDoc{}}
}

// Kind returns the task kind this collection holds.
func (m *MemTasks) Kind() string { return m.kind }

// Seed inserts a document directly, assigning an id when absent.
func (m *MemTasks) Seed(doc TaskDoc) TaskInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	if doc.ID.IsZero() {
		doc.ID = primitive.NewObjectID()
	}
	d := doc
	m.docs[d.ID] = &d
	return d.Info()
}

func (m *MemTasks) apply(doc *TaskDoc, up LeaseUpdate) {
	doc.UUID = up.UUID
	doc.ParentUUID = up.ParentUUID
	doc.Timestamp = up.Timestamp
}

// AcquireOutdated claims one document whose heartbeat is stale or missing.
func (m *MemTasks) AcquireOutdated(ctx context.Context, sinceMS int64, up LeaseUpdate) (*TaskDoc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, doc := range m.docs {
		if doc.Timestamp == 0 || doc.Timestamp < sinceMS {
			m.apply(doc, up)
			out := *doc
			return &out, nil
		}
	}
	return nil, nil
}

// Steal re-leases the exact incarnation, or returns nil on a CAS miss.
func (m *MemTasks) Steal(ctx context.Context, victim TaskInfo, up LeaseUpdate) (*TaskDoc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[victim.DocID]
	if !ok || doc.UUID != victim.UUID || doc.ParentUUID != victim.ParentUUID {
		return nil, nil
	}
	m.apply(doc, up)
	out := *doc
	return &out, nil
}

// CountLive counts documents with a heartbeat at least sinceMS.
func (m *MemTasks) CountLive(ctx context.Context, sinceMS int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, doc := range m.docs {
		if doc.Timestamp >= sinceMS {
			n++
		}
	}
	return n, nil
}

// LiveByOwner groups live documents by owner, excluding one scheduler.
func (m *MemTasks) LiveByOwner(ctx context.Context, sinceMS int64, exclude string) ([]OwnerCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[string]int64{}
	for _, doc := range m.docs {
		if doc.Timestamp >= sinceMS && doc.ParentUUID != exclude {
			counts[doc.ParentUUID]++
		}
	}
	out := make([]OwnerCount, 0, len(counts))
	for owner, count := range counts {
		out = append(out, OwnerCount{Owner: owner, Count: count})
	}
	return out, nil
}

// LiveOnOwner lists live incarnations held by one owner.
func (m *MemTasks) LiveOnOwner(ctx context.Context, sinceMS int64, owner string) ([]TaskInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []TaskInfo
	for _, doc := range m.docs {
		if doc.Timestamp >= sinceMS && doc.ParentUUID == owner {
			out = append(out, doc.Info())
		}
	}
	return out, nil
}

// Exists reports whether the full incarnation is present.
func (m *MemTasks) Exists(ctx context.Context, info TaskInfo) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[info.DocID]
	return ok && doc.UUID == info.UUID && doc.ParentUUID == info.ParentUUID, nil
}

// UpdateEntry applies the patch plus a fresh heartbeat, matching on
// (_id, uuid). Returns false on lease loss.
func (m *MemTasks) UpdateEntry(ctx context.Context, info TaskInfo, patch map[string]any, nowMS int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[info.DocID]
	if !ok || doc.UUID != info.UUID {
		return false, nil
	}
	doc.Timestamp = nowMS
	if cursor, ok := patch["cursor"].(string); ok {
		doc.Cursor = cursor
	}
	return true, nil
}

// Get fetches one document by id.
func (m *MemTasks) Get(ctx context.Context, id primitive.ObjectID) (*TaskDoc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return nil, nil
	}
	out := *doc
	return &out, nil
}

// Insert creates a document and returns its reference.
func (m *MemTasks) Insert(ctx context.Context, doc *TaskDoc) (DocRef, error) {
	info := m.Seed(*doc)
	return DocRef{Collection: m.kind, ID: info.DocID}, nil
}

// ReplacePayload swaps the payload and resets the cursor.
func (m *MemTasks) ReplacePayload(ctx context.Context, id primitive.ObjectID, payload bson.Raw) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return false, nil
	}
	doc.Payload = payload
	doc.Cursor = ""
	return true, nil
}

// Delete removes a document.
func (m *MemTasks) Delete(ctx context.Context, id primitive.ObjectID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[id]; !ok {
		return false, nil
	}
	delete(m.docs, id)
	return true, nil
}

// Snapshot returns a copy of every document, for assertions.
func (m *MemTasks) Snapshot() []TaskDoc {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TaskDoc, 0, len(m.docs))
	for _, doc := range m.docs {
		out = append(out, *doc)
	}
	return out
}

// MemCatalog is an in-memory Catalog used by tests.
type MemCatalog struct {
	mu       sync.Mutex
	entities map[string]*Entity
}

// NewMemCatalog creates an empty in-memory catalog.
func NewMemCatalog() *MemCatalog {
	return &MemCatalog{entities: map[string]*Entity{}}
}

func (m *MemCatalog) CreateEntity(ctx context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entities[name]; ok {
		return false, nil
	}
	m.entities[name] = &Entity{ID: primitive.NewObjectID(), Name: name, Fields: map[string]DocRef{}}
	return true, nil
}

func (m *MemCatalog) GetEntity(ctx context.Context, name string) (*Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[name]
	if !ok {
		return nil, nil
	}
	out := *e
	out.Fields = make(map[string]DocRef, len(e.Fields))
	for k, v := range e.Fields {
		out.Fields[k] = v
	}
	return &out, nil
}

func (m *MemCatalog) DeleteEntity(ctx context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entities[name]; !ok {
		return false, nil
	}
	delete(m.entities, name)
	return true, nil
}

func (m *MemCatalog) LinkField(ctx context.Context, name, kind string, ref *DocRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[name]
	if !ok {
		return nil
	}
	if ref != nil {
		e.Fields[kind] = *ref
	} else {
		delete(e.Fields, kind)
	}
	return nil
}

func (m *MemCatalog) ResolveName(ctx context.Context, ref DocRef) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ref.Collection == EntityCollection {
		for _, e := range m.entities {
			if e.ID == ref.ID {
				return e.Name, nil
			}
		}
		return "", ErrNotFound
	}
	for _, e := range m.entities {
		if r, ok := e.Fields[ref.Collection]; ok && r.ID == ref.ID {
			return e.Name, nil
		}
	}
	return "", ErrNotFound
}
