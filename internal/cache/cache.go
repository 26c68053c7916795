package cache

import (
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"wbot/internal/transport"
)

const (
	// MessageTTL is how long inbound messages stay available for anti-delete.
	MessageTTL = time.Hour
	// RedirectTTL is how long a rescued message maps back to its origin chat.
	RedirectTTL = 24 * time.Hour

	defaultMessageCapacity  = 50000
	defaultRedirectCapacity = 10000
)

// Messages holds recently received messages keyed by tenant and message id.
type Messages struct {
	items   *ttlcache.Cache[string, transport.Message]
	running atomic.Bool
}

// NewMessages creates a message cache. capacity 0 selects the default bound.
func NewMessages(ttl time.Duration, capacity uint64) *Messages {
	if capacity == 0 {
		capacity = defaultMessageCapacity
	}
	c := ttlcache.New[string, transport.Message](
		ttlcache.WithTTL[string, transport.Message](ttl),
		ttlcache.WithCapacity[string, transport.Message](capacity),
		ttlcache.WithDisableTouchOnHit[string, transport.Message](),
	)
	return &Messages{items: c}
}

// Put stores msg for tenantID.
func (m *Messages) Put(tenantID string, msg transport.Message) {
	m.items.Set(messageKey(tenantID, msg.ID), msg, ttlcache.DefaultTTL)
}

// Get returns the cached message, if still present.
func (m *Messages) Get(tenantID, messageID string) (transport.Message, bool) {
	item := m.items.Get(messageKey(tenantID, messageID))
	if item == nil {
		return transport.Message{}, false
	}
	return item.Value(), true
}

// Len reports the number of live entries.
func (m *Messages) Len() int { return m.items.Len() }

// Start runs expired-entry eviction until Stop is called.
func (m *Messages) Start() {
	if m.running.CompareAndSwap(false, true) {
		go m.items.Start()
	}
}

// Stop ends eviction. Expired entries are still hidden from Get.
func (m *Messages) Stop() {
	if m.running.CompareAndSwap(true, false) {
		m.items.Stop()
	}
}

func messageKey(tenantID, messageID string) string {
	return tenantID + ":" + messageID
}

// Redirects maps rescued message ids to the chat they were rescued from.
type Redirects struct {
	items   *ttlcache.Cache[string, string]
	running atomic.Bool
}

// NewRedirects creates a reply-redirect cache. capacity 0 selects the default bound.
func NewRedirects(ttl time.Duration, capacity uint64) *Redirects {
	if capacity == 0 {
		capacity = defaultRedirectCapacity
	}
	c := ttlcache.New[string, string](
		ttlcache.WithTTL[string, string](ttl),
		ttlcache.WithCapacity[string, string](capacity),
		ttlcache.WithDisableTouchOnHit[string, string](),
	)
	return &Redirects{items: c}
}

// Put records that rescueID was forwarded from originChat.
func (r *Redirects) Put(rescueID, originChat string) {
	if rescueID == "" {
		return
	}
	r.items.Set(rescueID, originChat, ttlcache.DefaultTTL)
}

// Origin returns the chat a rescued message came from.
func (r *Redirects) Origin(rescueID string) (string, bool) {
	item := r.items.Get(rescueID)
	if item == nil {
		return "", false
	}
	return item.Value(), true
}

func (r *Redirects) Start() {
	if r.running.CompareAndSwap(false, true) {
		go r.items.Start()
	}
}

func (r *Redirects) Stop() {
	if r.running.CompareAndSwap(true, false) {
		r.items.Stop()
	}
}
