package arbiter

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ArbiterContext is one worker's registry of local handles, keyed by role
// tag (the collector, the scheduler core of each kind). The status endpoint
// resolves scheduler cores through it. Task runners do not look handles up
// here; they receive the collector and their scheduler core at construction.
type ArbiterContext struct {
	instanceID uuid.UUID
	arbiterID  uuid.UUID

	mu      sync.RWMutex
	handles map[string]any
}

// NewArbiterContext creates the context for one worker.
func NewArbiterContext(instanceID uuid.UUID) *ArbiterContext {
	return &ArbiterContext{
		instanceID: instanceID,
		arbiterID:  uuid.New(),
		handles:    map[string]any{},
	}
}

// InstanceID returns the process-wide identity.
func (c *ArbiterContext) InstanceID() uuid.UUID { return c.instanceID }

// ArbiterID returns this worker's identity.
func (c *ArbiterContext) ArbiterID() uuid.UUID { return c.arbiterID }

// Register binds a handle to a role tag. Double registration is a
// programmer error and panics.
func (c *ArbiterContext) Register(tag string, handle any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.handles[tag]; ok {
		panic(fmt.Sprintf("arbiter: %q registered twice", tag))
	}
	c.handles[tag] = handle
}

// Lookup returns the raw handle for a tag.
func (c *ArbiterContext) Lookup(tag string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.handles[tag]
	return h, ok
}

// Tags lists the registered role tags.
func (c *ArbiterContext) Tags() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.handles))
	for tag := range c.handles {
		out = append(out, tag)
	}
	return out
}

// Get resolves a tag to a typed handle.
func Get[T any](c *ArbiterContext, tag string) (T, bool) {
	var zero T
	h, ok := c.Lookup(tag)
	if !ok {
		return zero, false
	}
	typed, ok := h.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}

// InstanceContext aggregates every worker of the process. The guard is only
// taken at registration time and during fan-out.
type InstanceContext struct {
	id uuid.UUID

	mu       sync.RWMutex
	arbiters []*ArbiterContext
}

// NewInstanceContext creates the process-wide context.
func NewInstanceContext() *InstanceContext {
	return &InstanceContext{id: uuid.New()}
}

// ID returns the instance identity.
func (c *InstanceContext) ID() uuid.UUID { return c.id }

// Register adds a worker context.
func (c *InstanceContext) Register(arb *ArbiterContext) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.arbiters = append(c.arbiters, arb)
}

// Arbiters returns a snapshot of the registered workers.
func (c *InstanceContext) Arbiters() []*ArbiterContext {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*ArbiterContext, len(c.arbiters))
	copy(out, c.arbiters)
	return out
}

// Broadcast applies f to every worker context and collects the results by
// arbiter id. Used by the admin endpoints.
func (c *InstanceContext) Broadcast(f func(*ArbiterContext) any) map[uuid.UUID]any {
	out := map[uuid.UUID]any{}
	for _, arb := range c.Arbiters() {
		out[arb.ArbiterID()] = f(arb)
	}
	return out
}
