// Package capability implements the gateway's Capability Lookup stage
// (spec §4.2): a read-mostly, in-memory registry of Resources and the
// Capabilities they expose, kept in sync with an external catalog via
// a bounded-lag subscription so the hot path never blocks on I/O.
package capability

import (
	"sync"

	"github.com/mindburn-labs/sentrygate/pkg/gwerrors"
	"github.com/mindburn-labs/sentrygate/pkg/gwtypes"
)

// Update is one change delivered by the catalog subscription.
type Update struct {
	Resource    *gwtypes.Resource   // nil when only capabilities change
	Capability  *gwtypes.Capability // nil when only the resource changes
	Unregister  bool                // remove ResourceID/CapabilityID instead of upserting
	ResourceID  string
	CapabilityID string
}

// Registry resolves capability ids to (Capability, Resource) pairs.
type Registry struct {
	mu           sync.RWMutex
	resources    map[string]*gwtypes.Resource
	capabilities map[string]*gwtypes.Capability
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		resources:    make(map[string]*gwtypes.Resource),
		capabilities: make(map[string]*gwtypes.Capability),
	}
}

// RegisterResource upserts a Resource definition.
func (r *Registry) RegisterResource(res gwtypes.Resource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := res
	r.resources[res.ID] = &cp
}

// RegisterCapability upserts a Capability definition.
func (r *Registry) RegisterCapability(cap gwtypes.Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := cap
	r.capabilities[cap.ID] = &cp
}

// UnregisterResource removes a Resource and every Capability it owns.
func (r *Registry) UnregisterResource(resourceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.resources, resourceID)
	for id, c := range r.capabilities {
		if c.ResourceID == resourceID {
			delete(r.capabilities, id)
		}
	}
}

// Lookup resolves a capability id to its Capability and owning
// Resource. Fails with NotFound if either is missing or if the
// resource is decommissioned; there is no separate error kind for a
// decommissioned resource, only the error message tells them apart.
func (r *Registry) Lookup(capabilityID string) (*gwtypes.Capability, *gwtypes.Resource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cap, ok := r.capabilities[capabilityID]
	if !ok {
		return nil, nil, gwerrors.New(gwerrors.KindNotFound, "capability %q not found", capabilityID)
	}
	res, ok := r.resources[cap.ResourceID]
	if !ok {
		return nil, nil, gwerrors.New(gwerrors.KindNotFound, "resource %q not found for capability %q", cap.ResourceID, capabilityID)
	}
	if res.Status == gwtypes.ResourceDecommissioned {
		return nil, nil, gwerrors.New(gwerrors.KindNotFound, "resource %q is decommissioned", res.ID)
	}
	return cap, res, nil
}

// ListResources returns a snapshot of all registered resources.
func (r *Registry) ListResources() []gwtypes.Resource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]gwtypes.Resource, 0, len(r.resources))
	for _, res := range r.resources {
		out = append(out, *res)
	}
	return out
}

// ListCapabilities returns every capability owned by resourceID.
func (r *Registry) ListCapabilities(resourceID string) []gwtypes.Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]gwtypes.Capability, 0)
	for _, c := range r.capabilities {
		if c.ResourceID == resourceID {
			out = append(out, *c)
		}
	}
	return out
}

// Subscribe drains a channel of catalog Updates and applies them to
// the registry. It runs until updates is closed or stop is closed,
// so the caller can bound the subscription's lifetime; the hot
// request path never calls this directly.
func (r *Registry) Subscribe(updates <-chan Update, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			r.apply(u)
		}
	}
}

func (r *Registry) apply(u Update) {
	if u.Unregister {
		if u.ResourceID != "" {
			r.UnregisterResource(u.ResourceID)
		}
		if u.CapabilityID != "" {
			r.mu.Lock()
			delete(r.capabilities, u.CapabilityID)
			r.mu.Unlock()
		}
		return
	}
	if u.Resource != nil {
		r.RegisterResource(*u.Resource)
	}
	if u.Capability != nil {
		r.RegisterCapability(*u.Capability)
	}
}
