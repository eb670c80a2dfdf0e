package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/skywatch-dev/skywatch/observer/arbiter"
	"github.com/skywatch-dev/skywatch/observer/scheduler"
	"github.com/skywatch-dev/skywatch/observer/source"
	"github.com/skywatch-dev/skywatch/observer/store"
)

// repo is the per-kind document CRUD used by the field endpoints.
// Satisfied by *store.TaskColl and *store.MemTasks.
type repo interface {
	Get(ctx context.Context, id primitive.ObjectID) (*store.TaskDoc, error)
	Insert(ctx context.Context, doc *store.TaskDoc) (store.DocRef, error)
	ReplacePayload(ctx context.Context, id primitive.ObjectID, payload bson.Raw) (bool, error)
	Delete(ctx context.Context, id primitive.ObjectID) (bool, error)
}

// API serves the catalog CRUD under /manage plus the status and metrics
// endpoints.
type API struct {
	catalog  store.Catalog
	repos    map[string]repo
	kinds    map[string]source.Kind
	instance *arbiter.InstanceContext
}

// NewAPI builds the admin surface over the catalog and per-kind repos.
func NewAPI(catalog store.Catalog, repos map[string]repo, kinds []source.Kind, instance *arbiter.InstanceContext) *API {
	byName := map[string]source.Kind{}
	for _, k := range kinds {
		byName[k.Name] = k
	}
	return &API{catalog: catalog, repos: repos, kinds: byName, instance: instance}
}

// Routes registers every endpoint on a fresh mux.
func (a *API) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /manage/entity", a.createEntity)
	mux.HandleFunc("GET /manage/entity/{name}", a.getEntity)
	mux.HandleFunc("DELETE /manage/entity/{name}", a.deleteEntity)
	mux.HandleFunc("GET /manage/entity/{name}/{kind}", a.getField)
	mux.HandleFunc("PUT /manage/entity/{name}/{kind}", a.putField)
	mux.HandleFunc("DELETE /manage/entity/{name}/{kind}", a.deleteField)
	mux.HandleFunc("GET /status", a.status)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (a *API) createEntity(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	created, err := a.catalog.CreateEntity(r.Context(), body.Name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !created {
		writeError(w, http.StatusConflict, "entity already exists")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) getEntity(w http.ResponseWriter, r *http.Request) {
	entity, ok := a.fetchEntity(w, r)
	if !ok {
		return
	}
	fields := map[string]any{}
	for kind, ref := range entity.Fields {
		rp, ok := a.repos[ref.Collection]
		if !ok {
			log.Error().Str("entity", entity.Name).Str("kind", kind).Msg("reference to unknown collection")
			writeError(w, http.StatusInternalServerError, "catalog inconsistency")
			return
		}
		doc, err := rp.Get(r.Context(), ref.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if doc == nil {
			log.Error().Str("entity", entity.Name).Str("kind", kind).Msg("dangling field reference")
			writeError(w, http.StatusInternalServerError, "catalog inconsistency")
			return
		}
		fields[kind] = rawToJSON(doc.Payload)
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": entity.Name, "fields": fields})
}

func (a *API) deleteEntity(w http.ResponseWriter, r *http.Request) {
	entity, ok := a.fetchEntity(w, r)
	if !ok {
		return
	}
	for kind, ref := range entity.Fields {
		rp, ok := a.repos[ref.Collection]
		if !ok {
			writeError(w, http.StatusInternalServerError, "catalog inconsistency")
			return
		}
		deleted, err := rp.Delete(r.Context(), ref.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if !deleted {
			log.Error().Str("entity", entity.Name).Str("kind", kind).Msg("dangling field reference on delete")
			writeError(w, http.StatusInternalServerError, "catalog inconsistency")
			return
		}
	}
	gone, err := a.catalog.DeleteEntity(r.Context(), entity.Name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !gone {
		writeError(w, http.StatusInternalServerError, "catalog inconsistency")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) getField(w http.ResponseWriter, r *http.Request) {
	entity, rp, ref, ok := a.fetchField(w, r)
	if !ok {
		return
	}
	doc, err := rp.Get(r.Context(), ref.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if doc == nil {
		log.Error().Str("entity", entity.Name).Str("kind", r.PathValue("kind")).Msg("dangling field reference")
		writeError(w, http.StatusInternalServerError, "catalog inconsistency")
		return
	}
	writeJSON(w, http.StatusOK, rawToJSON(doc.Payload))
}

func (a *API) putField(w http.ResponseWriter, r *http.Request) {
	kindName := r.PathValue("kind")
	kind, ok := a.kinds[kindName]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown kind")
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	payload, err := kind.ParsePayload(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	entity, ok := a.fetchEntity(w, r)
	if !ok {
		return
	}
	rp, ok := a.repos[kindName]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown kind")
		return
	}

	if ref, exists := entity.Fields[kindName]; exists {
		replaced, err := rp.ReplacePayload(r.Context(), ref.ID, payload)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if !replaced {
			writeError(w, http.StatusInternalServerError, "catalog inconsistency")
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	ref, err := rp.Insert(r.Context(), &store.TaskDoc{
		Root:    store.DocRef{Collection: store.EntityCollection, ID: entity.ID},
		Payload: payload,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := a.catalog.LinkField(r.Context(), entity.Name, kindName, &ref); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) deleteField(w http.ResponseWriter, r *http.Request) {
	entity, rp, ref, ok := a.fetchField(w, r)
	if !ok {
		return
	}
	deleted, err := rp.Delete(r.Context(), ref.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !deleted {
		writeError(w, http.StatusInternalServerError, "catalog inconsistency")
		return
	}
	if err := a.catalog.LinkField(r.Context(), entity.Name, r.PathValue("kind"), nil); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// status heartbeats every local handle with eviction first, so the counts
// reflect leases the store still honors.
func (a *API) status(w http.ResponseWriter, r *http.Request) {
	workers := map[string]map[string]int{}
	results := a.instance.Broadcast(func(arb *arbiter.ArbiterContext) any {
		counts := map[string]int{}
		for _, tag := range arb.Tags() {
			sched, ok := arbiter.Get[*scheduler.Scheduler](arb, tag)
			if !ok {
				continue
			}
			sched.UpdateAll(r.Context(), true)
			sched.Reap()
			counts[sched.Kind()] = sched.HandleCount()
		}
		return counts
	})
	for id, counts := range results {
		workers[id.String()] = counts.(map[string]int)
	}
	writeJSON(w, http.StatusOK, map[string]any{"workers": workers})
}

func (a *API) fetchEntity(w http.ResponseWriter, r *http.Request) (*store.Entity, bool) {
	entity, err := a.catalog.GetEntity(r.Context(), r.PathValue("name"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	if entity == nil {
		writeError(w, http.StatusNotFound, "no such entity")
		return nil, false
	}
	return entity, true
}

func (a *API) fetchField(w http.ResponseWriter, r *http.Request) (*store.Entity, repo, store.DocRef, bool) {
	entity, ok := a.fetchEntity(w, r)
	if !ok {
		return nil, nil, store.DocRef{}, false
	}
	ref, ok := entity.Fields[r.PathValue("kind")]
	if !ok {
		writeError(w, http.StatusNotFound, "no such field")
		return nil, nil, store.DocRef{}, false
	}
	rp, ok := a.repos[ref.Collection]
	if !ok {
		writeError(w, http.StatusInternalServerError, "catalog inconsistency")
		return nil, nil, store.DocRef{}, false
	}
	return entity, rp, ref, true
}

func rawToJSON(raw bson.Raw) any {
	var m map[string]any
	if err := bson.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}
