// Package realtime is the authorization-gated broadcast layer: websocket
// session lifecycle, repo/branch room subscriptions, and event fan-out.
package realtime

import (
	"margin/api/internal/rbac"
)

// Hub owns the registry, router, and broadcaster as one unit with a bounded
// lifecycle: built at server start, torn down at shutdown, passed by handle to
// the HTTP layer. No component reaches for ambient server state.
type Hub struct {
	registry    *Registry
	router      *Router
	broadcaster *Broadcaster
	sendBuffer  int
}

func NewHub(grants rbac.GrantSource, sendBuffer int) *Hub {
	registry := NewRegistry()
	router := NewRouter(grants, registry)
	return &Hub{
		registry:    registry,
		router:      router,
		broadcaster: NewBroadcaster(router),
		sendBuffer:  sendBuffer,
	}
}

// Connect registers a session for an identity that already passed handshake
// authentication.
func (h *Hub) Connect(identity Identity) *Session {
	return h.registry.Register(identity, h.sendBuffer)
}

// Disconnect tears one session down: the registry entry first (which closes
// the outbound channel), then scope membership. The ordering makes a join
// racing the disconnect fail its liveness check before the membership purge
// runs. Safe to call twice.
func (h *Hub) Disconnect(session *Session) {
	h.registry.Release(session)
	h.router.ReleaseSession(session)
}

// Publish is the contract exposed to the HTTP layer; it calls this after a
// thread or message change is durably persisted.
func (h *Hub) Publish(event Event) {
	h.broadcaster.Publish(event)
}

func (h *Hub) Router() *Router {
	return h.router
}

func (h *Hub) SessionCount() int {
	return h.registry.Len()
}

// Teardown closes every live session. In-flight permission checks resolve
// against a dead registry entry and are discarded.
func (h *Hub) Teardown() {
	for _, session := range h.registry.All() {
		h.Disconnect(session)
	}
}
