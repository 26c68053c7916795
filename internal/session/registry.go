package session

import (
	"sort"
	"sync"

	"github.com/benbjohnson/clock"

	"wbot/internal/transport"
)

// Status is the lifecycle state of a tenant's session.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusStarting     Status = "starting"
	StatusQR           Status = "qr"
	StatusPairing      Status = "pairing"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusLoggedOut    Status = "logged_out"
)

// active reports whether a session in this state already owns, or is about
// to own, a live transport.
func (s Status) active() bool {
	switch s {
	case StatusStarting, StatusQR, StatusPairing, StatusConnected, StatusReconnecting:
		return true
	}
	return false
}

// handle is the registry entry for one tenant. Fields are guarded by
// Registry.mu.
type handle struct {
	tenantID    string
	status      Status
	transport   transport.Transport
	qr          string
	qrImage     string
	pairingCode string

	// gen increments every time the handle gets a new transport or is
	// torn down; events and timers carrying an older value are ignored.
	gen       uint64
	reconnect *clock.Timer
	worker    *worker
}

// Snapshot is a read-only copy of a session handle.
type Snapshot struct {
	TenantID    string `json:"sessionId"`
	Status      Status `json:"status"`
	QR          string `json:"qr,omitempty"`
	QRImage     string `json:"image,omitempty"`
	PairingCode string `json:"pairingCode,omitempty"`
}

// Registry maps tenant ids to session handles. At most one handle exists
// per tenant.
type Registry struct {
	mu      sync.Mutex
	handles map[string]*handle
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]*handle)}
}

// Snapshot returns the tenant's handle state.
func (r *Registry) Snapshot(tenantID string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[tenantID]
	if !ok {
		return Snapshot{TenantID: tenantID, Status: StatusDisconnected}, false
	}
	return h.snapshot(), true
}

// Status returns the tenant's status, disconnected when unknown.
func (r *Registry) Status(tenantID string) Status {
	s, _ := r.Snapshot(tenantID)
	return s.Status
}

// Transport returns the tenant's transport if the session is connected.
func (r *Registry) Transport(tenantID string) (transport.Transport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[tenantID]
	if !ok || h.status != StatusConnected || h.transport == nil {
		return nil, false
	}
	return h.transport, true
}

// Tenants lists every tenant with a handle, sorted.
func (r *Registry) Tenants() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.handles))
	for id := range r.handles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// acquire returns the tenant's handle, creating it when missing. The
// second result is false when the existing handle is already active, in
// which case the caller must not start another transport. On true the
// handle is marked starting and its generation bumped; the new generation
// is returned.
func (r *Registry) acquire(tenantID string) (*handle, bool, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.handles[tenantID]
	if ok && h.status.active() {
		return h, false, h.gen
	}
	if !ok {
		h = &handle{tenantID: tenantID, worker: newWorker()}
		r.handles[tenantID] = h
	}
	h.status = StatusStarting
	h.gen++
	return h, true, h.gen
}

// remove deletes the tenant's handle, cancelling its timer, and returns
// it with the transport it owned.
func (r *Registry) remove(tenantID string) (*handle, transport.Transport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[tenantID]
	if !ok {
		return nil, nil, false
	}
	return h, r.detach(h), true
}

// removeIfGen is remove restricted to a handle still at generation gen.
func (r *Registry) removeIfGen(tenantID string, gen uint64) (*handle, transport.Transport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[tenantID]
	if !ok || h.gen != gen {
		return nil, nil, false
	}
	return h, r.detach(h), true
}

func (r *Registry) detach(h *handle) transport.Transport {
	delete(r.handles, h.tenantID)
	h.gen++
	if h.reconnect != nil {
		h.reconnect.Stop()
		h.reconnect = nil
	}
	tr := h.transport
	h.transport = nil
	return tr
}

// current returns the tenant's transport, generation and status.
func (r *Registry) current(tenantID string) (transport.Transport, uint64, Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[tenantID]
	if !ok {
		return nil, 0, StatusDisconnected, false
	}
	return h.transport, h.gen, h.status, true
}

// update runs fn on the tenant's handle under the lock if the handle still
// has generation gen. It reports whether fn ran.
func (r *Registry) update(tenantID string, gen uint64, fn func(h *handle)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[tenantID]
	if !ok || h.gen != gen {
		return false
	}
	fn(h)
	return true
}

func (h *handle) snapshot() Snapshot {
	return Snapshot{
		TenantID:    h.tenantID,
		Status:      h.status,
		QR:          h.qr,
		QRImage:     h.qrImage,
		PairingCode: h.pairingCode,
	}
}
