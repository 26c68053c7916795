package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"wbot/internal/credential"
	"wbot/internal/transport"
)

var (
	// ErrNoSession is returned for tenants without a live transport.
	ErrNoSession = errors.New("session not active")
	// ErrAlreadyConnected is returned when pairing a connected session.
	ErrAlreadyConnected = errors.New("session already connected")
	// ErrInvalidPhone is returned for phone numbers without digits.
	ErrInvalidPhone = errors.New("phone number must contain digits")
)

const (
	defaultReconnectDelay = 5 * time.Second
	announceTimeout       = 30 * time.Second
)

// Profile is the part of a tenant's settings used when announcing a session.
type Profile struct {
	ViewOncePrefix string
	OwnerName      string
}

// Store is the persistence the state machine needs.
type Store interface {
	// SessionString returns a session string injected for the tenant, if any.
	SessionString(ctx context.Context, tenantID string) (string, error)
	Profile(ctx context.Context, tenantID string) (Profile, error)
	RecordStatus(ctx context.Context, tenantID string, status Status) error
	// PurgeCredentials removes stored credential dumps for the tenant.
	PurgeCredentials(ctx context.Context, tenantID string) error
	SaveContacts(ctx context.Context, tenantID string, contacts []transport.Contact) error
}

// connectedLister is implemented by stores that remember which sessions
// were connected when the process last ran.
type connectedLister interface {
	ConnectedTenants(ctx context.Context) ([]string, error)
}

// Codec encodes and decodes session strings.
type Codec interface {
	Decode(ctx context.Context, encoded string) (credential.Blob, error)
	Encode(ctx context.Context, tenantID string, blob credential.Blob) string
}

// Publisher pushes session events to subscribers.
type Publisher interface {
	PublishStatus(tenantID string, status Status)
	PublishQR(tenantID, code, image string)
	PublishPairingCode(tenantID, code string)
}

// MessageSink consumes inbound batches of connected sessions.
type MessageSink interface {
	Process(ctx context.Context, tenantID string, tr transport.Transport, batch transport.Batch)
}

// Config tunes the manager.
type Config struct {
	ReconnectDelay time.Duration
	// OwnerTenant and SessionString restore the owner's session from the
	// environment when its device store is empty.
	OwnerTenant   string
	SessionString string
	// SessionImageURL, when set, is attached to the credentials message.
	SessionImageURL string
	// Announce sends the credentials and welcome messages on connect.
	Announce bool
	Clock    clock.Clock
}

// Manager drives every tenant's connection lifecycle.
type Manager struct {
	cfg     Config
	reg     *Registry
	factory transport.Factory
	store   Store
	codec   Codec
	pub     Publisher
	sink    MessageSink
	clock   clock.Clock
	log     zerolog.Logger
}

// NewManager creates a manager. store and codec may be nil.
func NewManager(cfg Config, reg *Registry, factory transport.Factory, store Store, codec Codec, log zerolog.Logger) *Manager {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Manager{
		cfg:     cfg,
		reg:     reg,
		factory: factory,
		store:   store,
		codec:   codec,
		pub:     nopPublisher{},
		clock:   clk,
		log:     log.With().Str("component", "session").Logger(),
	}
}

// SetPublisher replaces the event publisher.
func (m *Manager) SetPublisher(p Publisher) {
	if p == nil {
		p = nopPublisher{}
	}
	m.pub = p
}

// SetSink sets the consumer of inbound messages.
func (m *Manager) SetSink(s MessageSink) { m.sink = s }

// Registry exposes the manager's registry.
func (m *Manager) Registry() *Registry { return m.reg }

// Status returns the tenant's current status.
func (m *Manager) Status(tenantID string) Status { return m.reg.Status(tenantID) }

// Snapshot returns the tenant's handle state.
func (m *Manager) Snapshot(tenantID string) (Snapshot, bool) { return m.reg.Snapshot(tenantID) }

// Transport returns the transport of a connected session.
func (m *Manager) Transport(tenantID string) (transport.Transport, bool) {
	return m.reg.Transport(tenantID)
}

// Start brings the tenant's session up. It is idempotent: a tenant that is
// already starting, pairing, connected or waiting to reconnect keeps its
// transport and the current status is returned.
func (m *Manager) Start(ctx context.Context, tenantID string) (Status, error) {
	h, fresh, gen := m.reg.acquire(tenantID)
	if !fresh {
		st := m.reg.Status(tenantID)
		m.log.Debug().Str("tenant", tenantID).Str("status", string(st)).Msg("Session already active")
		return st, nil
	}
	m.changed(ctx, tenantID, StatusStarting)
	return m.open(ctx, h, gen)
}

// Reset discards the tenant's stored credentials and starts over, forcing
// a new pairing.
func (m *Manager) Reset(ctx context.Context, tenantID string) (Status, error) {
	if _, err := m.Stop(ctx, tenantID); err != nil {
		return m.reg.Status(tenantID), err
	}
	return m.Start(ctx, tenantID)
}

// Stop logs the tenant out, releases its transport and purges its stored
// credentials. It reports whether a session was running; stopping an
// unknown tenant is not an error.
func (m *Manager) Stop(ctx context.Context, tenantID string) (bool, error) {
	h, tr, ok := m.reg.remove(tenantID)
	if ok {
		h.worker.stop()
	}
	if tr != nil {
		if err := tr.Logout(ctx); err != nil {
			m.log.Warn().Err(err).Str("tenant", tenantID).Msg("Logout failed, dropping session anyway")
		}
		tr.Disconnect()
	}
	if err := m.purge(ctx, tenantID); err != nil {
		m.log.Warn().Err(err).Str("tenant", tenantID).Msg("Failed to purge stored credentials")
	}
	if ok {
		m.changed(ctx, tenantID, StatusDisconnected)
		m.log.Info().Str("tenant", tenantID).Msg("Session stopped")
	}
	return ok, nil
}

// Shutdown disconnects every session without logging out, keeping stored
// credentials for the next start.
func (m *Manager) Shutdown() {
	for _, id := range m.reg.Tenants() {
		h, tr, ok := m.reg.remove(id)
		if !ok {
			continue
		}
		h.worker.stop()
		if tr != nil {
			tr.Disconnect()
		}
	}
}

// RestoreAll starts every tenant with a stored device or a session last
// recorded as connected, plus the owner tenant when a session string was
// supplied in the environment.
func (m *Manager) RestoreAll(ctx context.Context) error {
	ids, err := m.factory.StoredTenants(ctx)
	if err != nil {
		return fmt.Errorf("list stored devices: %w", err)
	}
	if lister, ok := m.store.(connectedLister); ok {
		connected, err := lister.ConnectedTenants(ctx)
		if err != nil {
			m.log.Warn().Err(err).Msg("Could not list previously connected sessions")
		}
		ids = append(ids, connected...)
	}
	if m.cfg.SessionString != "" && m.cfg.OwnerTenant != "" {
		ids = append(ids, m.cfg.OwnerTenant)
	}

	seen := make(map[string]bool, len(ids))
	var errs []error
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if _, err := m.Start(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("start %s: %w", id, err))
		}
	}
	m.log.Info().Int("count", len(seen)).Msg("Restored sessions")
	return errors.Join(errs...)
}

// RequestPairingCode asks the transport for a phone pairing code.
func (m *Manager) RequestPairingCode(ctx context.Context, tenantID, phone string) (string, error) {
	digits := onlyDigits(phone)
	if digits == "" {
		return "", ErrInvalidPhone
	}
	tr, gen, status, ok := m.reg.current(tenantID)
	if !ok || tr == nil {
		return "", ErrNoSession
	}
	if status == StatusConnected {
		return "", ErrAlreadyConnected
	}

	code, err := tr.RequestPairingCode(ctx, digits)
	if err != nil {
		return "", fmt.Errorf("request pairing code: %w", err)
	}
	if m.reg.update(tenantID, gen, func(h *handle) {
		h.pairingCode = code
		h.status = StatusPairing
	}) {
		m.pub.PublishPairingCode(tenantID, code)
		m.changed(ctx, tenantID, StatusPairing)
	}
	return code, nil
}

// SyncContacts copies the transport's address book to the store.
func (m *Manager) SyncContacts(ctx context.Context, tenantID string) (int, error) {
	tr, ok := m.reg.Transport(tenantID)
	if !ok {
		return 0, ErrNoSession
	}
	contacts, err := tr.Contacts(ctx)
	if err != nil {
		return 0, fmt.Errorf("load contacts: %w", err)
	}
	return m.saveContacts(ctx, tenantID, contacts)
}

// open creates, seeds and connects a transport for a handle at generation gen.
func (m *Manager) open(ctx context.Context, h *handle, gen uint64) (Status, error) {
	tenantID := h.tenantID
	tr, err := m.factory.New(ctx, tenantID, m.handlerFor(h, gen))
	if err != nil {
		if m.reg.update(tenantID, gen, func(h *handle) { h.status = StatusDisconnected }) {
			m.changed(ctx, tenantID, StatusDisconnected)
		}
		return StatusDisconnected, fmt.Errorf("create transport: %w", err)
	}

	m.restoreCredentials(ctx, tenantID, tr)

	if !m.reg.update(tenantID, gen, func(h *handle) { h.transport = tr }) {
		// Stopped while the transport was being built.
		tr.Disconnect()
		return m.reg.Status(tenantID), nil
	}

	if err := tr.Connect(ctx); err != nil {
		m.log.Warn().Err(err).Str("tenant", tenantID).Msg("Connect failed, scheduling reconnect")
		m.onClosed(tenantID, gen, transport.Closed{Reason: err.Error()})
	}
	return m.reg.Status(tenantID), nil
}

// restoreCredentials seeds an empty device store from a session string.
// Decode failures leave the transport unpaired so a fresh QR is issued.
func (m *Manager) restoreCredentials(ctx context.Context, tenantID string, tr transport.Transport) {
	if m.codec == nil || tr.HasCredentials() {
		return
	}

	var encoded, source string
	if m.cfg.SessionString != "" && tenantID == m.cfg.OwnerTenant {
		encoded, source = m.cfg.SessionString, "environment"
	} else if m.store != nil {
		s, err := m.store.SessionString(ctx, tenantID)
		if err != nil {
			m.log.Debug().Err(err).Str("tenant", tenantID).Msg("No stored session string")
		}
		encoded, source = s, "settings"
	}
	if encoded == "" {
		return
	}

	blob, err := m.codec.Decode(ctx, encoded)
	if err != nil {
		m.log.Warn().Err(err).Str("tenant", tenantID).Str("source", source).Msg("Could not decode session string, pairing from scratch")
		return
	}
	if err := tr.RestoreCredentials(ctx, blob); err != nil {
		m.log.Warn().Err(err).Str("tenant", tenantID).Msg("Could not restore credentials")
		return
	}
	m.log.Info().Str("tenant", tenantID).Str("source", source).Msg("Credentials restored from session string")
}

func (m *Manager) handlerFor(h *handle, gen uint64) transport.EventHandler {
	tenantID := h.tenantID
	w := h.worker
	return func(ev transport.Event) {
		w.submit(func() { m.handleEvent(tenantID, gen, ev) })
	}
}

func (m *Manager) handleEvent(tenantID string, gen uint64, ev transport.Event) {
	switch ev := ev.(type) {
	case transport.QR:
		m.onQR(tenantID, gen, ev.Code)
	case transport.Opened:
		m.onOpened(tenantID, gen)
	case transport.Closed:
		m.onClosed(tenantID, gen, ev)
	case transport.Messages:
		m.onMessages(tenantID, gen, ev.Batch)
	case transport.ContactsUpdated:
		if _, err := m.saveContacts(context.Background(), tenantID, ev.Contacts); err != nil {
			m.log.Warn().Err(err).Str("tenant", tenantID).Msg("Contact sync failed")
		}
	}
}

func (m *Manager) onQR(tenantID string, gen uint64, code string) {
	image, err := qrDataURL(code)
	if err != nil {
		m.log.Error().Err(err).Str("tenant", tenantID).Msg("Failed to render QR code")
	}
	var status Status
	if !m.reg.update(tenantID, gen, func(h *handle) {
		h.qr = code
		h.qrImage = image
		if h.status != StatusPairing {
			h.status = StatusQR
		}
		status = h.status
	}) {
		return
	}
	m.log.Debug().Str("tenant", tenantID).Msg("QR code issued")
	m.pub.PublishQR(tenantID, code, image)
	m.changed(context.Background(), tenantID, status)
}

func (m *Manager) onOpened(tenantID string, gen uint64) {
	var tr transport.Transport
	if !m.reg.update(tenantID, gen, func(h *handle) {
		h.status = StatusConnected
		h.qr, h.qrImage, h.pairingCode = "", "", ""
		tr = h.transport
	}) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), announceTimeout)
	defer cancel()

	m.changed(ctx, tenantID, StatusConnected)
	m.log.Info().Str("tenant", tenantID).Str("owner", ownerOf(tr)).Msg("Session connected")

	if tr == nil {
		return
	}
	if m.cfg.Announce {
		m.announce(ctx, tenantID, tr)
	}
	if _, err := m.SyncContacts(ctx, tenantID); err != nil {
		m.log.Debug().Err(err).Str("tenant", tenantID).Msg("Initial contact sync failed")
	}
}

func (m *Manager) onClosed(tenantID string, gen uint64, ev transport.Closed) {
	ctx := context.Background()

	if ev.LoggedOut {
		h, tr, ok := m.reg.removeIfGen(tenantID, gen)
		if !ok {
			return
		}
		h.worker.stop()
		if tr != nil {
			tr.Disconnect()
		}
		if err := m.purge(ctx, tenantID); err != nil {
			m.log.Warn().Err(err).Str("tenant", tenantID).Msg("Failed to purge credentials after logout")
		}
		m.log.Info().Str("tenant", tenantID).Msg("Logged out")
		m.changed(ctx, tenantID, StatusLoggedOut)
		return
	}

	var (
		tr        transport.Transport
		scheduled bool
	)
	m.reg.update(tenantID, gen, func(h *handle) {
		if h.reconnect != nil {
			return
		}
		tr = h.transport
		h.transport = nil
		h.status = StatusReconnecting
		// late events from the closed transport carry the old generation
		h.gen++
		next := h.gen
		h.reconnect = m.clock.AfterFunc(m.cfg.ReconnectDelay, func() { m.retry(tenantID, next) })
		scheduled = true
	})
	if !scheduled {
		return
	}
	if tr != nil {
		tr.Disconnect()
	}
	m.log.Info().Str("tenant", tenantID).Str("reason", ev.Reason).Dur("delay", m.cfg.ReconnectDelay).Msg("Connection closed, reconnecting")
	m.changed(ctx, tenantID, StatusReconnecting)
}

// retry runs when a reconnect timer fires.
func (m *Manager) retry(tenantID string, gen uint64) {
	var (
		target *handle
		next   uint64
	)
	m.reg.update(tenantID, gen, func(h *handle) {
		if h.status != StatusReconnecting {
			return
		}
		h.reconnect = nil
		h.status = StatusStarting
		h.gen++
		target, next = h, h.gen
	})
	if target == nil {
		return
	}
	ctx := context.Background()
	m.changed(ctx, tenantID, StatusStarting)
	if _, err := m.open(ctx, target, next); err != nil {
		m.log.Error().Err(err).Str("tenant", tenantID).Msg("Reconnect failed")
	}
}

func (m *Manager) onMessages(tenantID string, gen uint64, batch transport.Batch) {
	if m.sink == nil {
		return
	}
	var tr transport.Transport
	m.reg.update(tenantID, gen, func(h *handle) {
		if h.status == StatusConnected {
			tr = h.transport
		}
	})
	if tr == nil {
		return
	}
	m.sink.Process(context.Background(), tenantID, tr, batch)
}

// announce sends the deployment block and the welcome banner to the owner.
func (m *Manager) announce(ctx context.Context, tenantID string, tr transport.Transport) {
	owner := tr.OwnerID()
	if owner == "" {
		return
	}
	profile := Profile{OwnerName: tr.OwnerName()}
	if m.store != nil {
		if p, err := m.store.Profile(ctx, tenantID); err == nil {
			if p.OwnerName != "" {
				profile.OwnerName = p.OwnerName
			}
			profile.ViewOncePrefix = p.ViewOncePrefix
		}
	}

	if blob, err := tr.Credentials(); err != nil {
		m.log.Warn().Err(err).Str("tenant", tenantID).Msg("Could not export credentials")
	} else if m.codec != nil {
		caption := credential.ConfigMessage(credential.Deployment{
			SessionString: m.codec.Encode(ctx, tenantID, blob),
			TenantID:      tenantID,
			Prefix:        profile.ViewOncePrefix,
			OwnerName:     profile.OwnerName,
		})
		payload := transport.Text(caption)
		if m.cfg.SessionImageURL != "" {
			payload = transport.Payload{Media: &transport.Media{Kind: transport.KindImage, URL: m.cfg.SessionImageURL, Caption: caption}}
		}
		if _, err := tr.Send(ctx, owner, payload); err != nil {
			m.log.Warn().Err(err).Str("tenant", tenantID).Msg("Failed to send session credentials")
		}
	}

	if _, err := tr.Send(ctx, owner, transport.Text(credential.WelcomeMessage(profile.ViewOncePrefix))); err != nil {
		m.log.Warn().Err(err).Str("tenant", tenantID).Msg("Failed to send welcome message")
	}
}

func (m *Manager) saveContacts(ctx context.Context, tenantID string, contacts []transport.Contact) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	users := contacts[:0:0]
	for _, c := range contacts {
		if strings.HasSuffix(c.ID, "@s.whatsapp.net") {
			users = append(users, c)
		}
	}
	if len(users) == 0 {
		return 0, nil
	}
	if err := m.store.SaveContacts(ctx, tenantID, users); err != nil {
		return 0, err
	}
	return len(users), nil
}

func (m *Manager) purge(ctx context.Context, tenantID string) error {
	var errs []error
	if err := m.factory.Purge(ctx, tenantID); err != nil {
		errs = append(errs, fmt.Errorf("device store: %w", err))
	}
	if m.store != nil {
		if err := m.store.PurgeCredentials(ctx, tenantID); err != nil {
			errs = append(errs, fmt.Errorf("credential dumps: %w", err))
		}
	}
	return errors.Join(errs...)
}

// changed persists and publishes a status transition.
func (m *Manager) changed(ctx context.Context, tenantID string, status Status) {
	if m.store != nil {
		if err := m.store.RecordStatus(ctx, tenantID, status); err != nil {
			m.log.Warn().Err(err).Str("tenant", tenantID).Msg("Failed to record session status")
		}
	}
	m.pub.PublishStatus(tenantID, status)
}

func ownerOf(tr transport.Transport) string {
	if tr == nil {
		return ""
	}
	return tr.OwnerID()
}

func onlyDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

type nopPublisher struct{}

func (nopPublisher) PublishStatus(string, Status)      {}
func (nopPublisher) PublishQR(string, string, string)  {}
func (nopPublisher) PublishPairingCode(string, string) {}
