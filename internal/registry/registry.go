// Package registry implements the Connection Registry of spec section
// 4.5: a concurrent map from client_id to its identity context and live
// transport, with most-recent-wins eviction on a second registration.
package registry

import (
	"sync"

	"github.com/fleetgate/gateway/internal/domain"
)

// Transport is the narrow surface the registry needs from a session's
// duplex connection: enough to detect liveness and to evict it.
type Transport interface {
	// CloseWithError tears the transport down, delivering reason to the
	// peer before closing if the transport protocol supports it.
	CloseWithError(reason domain.ErrorKind)
	// IsOpen reports whether the transport is still usable.
	IsOpen() bool
}

type entry struct {
	ctx       domain.ClientContext
	transport Transport
}

// Metrics is the narrow reporting surface the registry needs; satisfied
// by internal/metrics.Metrics.
type Metrics interface {
	SessionEvicted()
}

// Registry tracks every live session keyed by client_id. All methods are
// safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]entry
	metrics Metrics
}

// New builds an empty Registry.
func New() *Registry {
	return &Registry{clients: make(map[string]entry)}
}

// SetMetrics wires a metrics sink after construction, grounded on the
// teacher's hub.SetEnhancedMetrics setter-injection pattern.
func (r *Registry) SetMetrics(m Metrics) { r.metrics = m }

// Register adds ctx/transport under ctx.ClientID. If a session is already
// registered for that client_id, it is evicted first: its transport is
// closed with ErrReplacedBySession before the new entry replaces it,
// implementing the most-recent-wins policy.
func (r *Registry) Register(ctx domain.ClientContext, transport Transport) {
	r.mu.Lock()
	old, existed := r.clients[ctx.ClientID]
	r.clients[ctx.ClientID] = entry{ctx: ctx, transport: transport}
	r.mu.Unlock()

	if existed {
		old.transport.CloseWithError(domain.ErrReplacedBySession)
		if r.metrics != nil {
			r.metrics.SessionEvicted()
		}
	}
}

// Remove drops client_id's entry. It is a no-op if the entry's current
// transport is not the one passed, which avoids a just-registered newer
// session being removed by the older session's own teardown path racing
// behind it.
func (r *Registry) Remove(clientID string, transport Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.clients[clientID]; ok && cur.transport == transport {
		delete(r.clients, clientID)
	}
}

// Context returns the registered ClientContext for clientID.
func (r *Registry) Context(clientID string) (domain.ClientContext, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.clients[clientID]
	return e.ctx, ok
}

// TransportFor returns the registered Transport for clientID.
func (r *Registry) TransportFor(clientID string) (Transport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.clients[clientID]
	if !ok {
		return nil, false
	}
	return e.transport, true
}

// IsConnected reports whether clientID has a registered, open transport.
func (r *Registry) IsConnected(clientID string) bool {
	r.mu.RLock()
	e, ok := r.clients[clientID]
	r.mu.RUnlock()
	return ok && e.transport.IsOpen()
}

// IDs returns a snapshot of every registered client_id.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// CloseAll closes every currently registered transport with reason,
// for the supervisor's graceful-drain shutdown path. It does not wait for
// the sessions to finish tearing down or remove themselves.
func (r *Registry) CloseAll(reason domain.ErrorKind) {
	r.mu.RLock()
	transports := make([]Transport, 0, len(r.clients))
	for _, e := range r.clients {
		transports = append(transports, e.transport)
	}
	r.mu.RUnlock()

	for _, t := range transports {
		t.CloseWithError(reason)
	}
}
