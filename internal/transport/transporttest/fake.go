// Package transporttest provides an in-memory Transport for tests.
package transporttest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"wbot/internal/transport"
)

// Sent is a payload recorded by Fake.Send.
type Sent struct {
	ChatID  string
	Payload transport.Payload
	ID      string
}

// Fake records every call and lets tests inject failures.
type Fake struct {
	TenantID string
	Handler  transport.EventHandler

	mu          sync.Mutex
	owner       string
	ownerName   string
	creds       json.RawMessage
	sent        []Sent
	reads       [][]string
	connects    int
	disconnects int
	logouts     int
	seq         int

	// SendErr fails every Send whose chat id is a key.
	SendErr map[string]error
	// DownloadErr fails every Download.
	DownloadErr error
	// Media is returned by Download.
	Media       []byte
	ConnectErr  error
	PairingCode string
	ContactList []transport.Contact
}

// New returns a fake owned by ownerID.
func New(tenantID, ownerID string) *Fake {
	return &Fake{
		TenantID:    tenantID,
		owner:       ownerID,
		ownerName:   "Owner",
		Media:       []byte("media-bytes"),
		PairingCode: "ABCD-EFGH",
		SendErr:     map[string]error{},
	}
}

// Emit delivers ev to the registered handler.
func (f *Fake) Emit(ev transport.Event) {
	f.Handler(ev)
}

func (f *Fake) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.ConnectErr
}

func (f *Fake) Disconnect() {
	f.mu.Lock()
	f.disconnects++
	f.mu.Unlock()
}

func (f *Fake) Logout(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logouts++
	f.creds = nil
	return nil
}

func (f *Fake) Send(_ context.Context, chatID string, p transport.Payload) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.SendErr[chatID]; err != nil {
		return "", err
	}
	f.seq++
	id := fmt.Sprintf("sent-%d", f.seq)
	f.sent = append(f.sent, Sent{ChatID: chatID, Payload: p, ID: id})
	return id, nil
}

func (f *Fake) MarkRead(_ context.Context, _ string, _ string, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, ids)
	return nil
}

func (f *Fake) Download(_ context.Context, c transport.Content) ([]byte, error) {
	if f.DownloadErr != nil {
		return nil, f.DownloadErr
	}
	if !c.Kind.IsMedia() {
		return nil, transport.ErrNoMedia
	}
	return f.Media, nil
}

func (f *Fake) RequestPairingCode(_ context.Context, phone string) (string, error) {
	if phone == "" {
		return "", errors.New("phone number required")
	}
	return f.PairingCode, nil
}

func (f *Fake) Contacts(context.Context) ([]transport.Contact, error) {
	return f.ContactList, nil
}

func (f *Fake) HasCredentials() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.creds) > 0
}

func (f *Fake) Credentials() (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.creds) == 0 {
		return nil, transport.ErrNotLoggedIn
	}
	return f.creds, nil
}

func (f *Fake) RestoreCredentials(_ context.Context, blob json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creds = blob
	return nil
}

// SetCredentials marks the fake as paired.
func (f *Fake) SetCredentials(blob json.RawMessage) {
	f.mu.Lock()
	f.creds = blob
	f.mu.Unlock()
}

func (f *Fake) OwnerID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.owner
}

func (f *Fake) OwnerName() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ownerName
}

// Sent returns a copy of every sent payload.
func (f *Fake) Sent() []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Sent(nil), f.sent...)
}

// Reads returns the id groups passed to MarkRead.
func (f *Fake) Reads() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.reads...)
}

// Counts returns how often Connect, Disconnect and Logout were called.
func (f *Fake) Counts() (connects, disconnects, logouts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.disconnects, f.logouts
}

// Factory hands out Fakes and remembers every one it built.
type Factory struct {
	OwnerID string
	// Stored seeds credentials into new fakes, keyed by tenant.
	Stored map[string]json.RawMessage
	// Prepare runs on each new fake before it is returned.
	Prepare func(*Fake)

	mu      sync.Mutex
	built   []*Fake
	purged  []string
	newErrs map[string]error
}

// NewFactory returns a factory whose fakes report ownerID.
func NewFactory(ownerID string) *Factory {
	return &Factory{OwnerID: ownerID, Stored: map[string]json.RawMessage{}, newErrs: map[string]error{}}
}

// FailNew makes New fail for tenantID.
func (f *Factory) FailNew(tenantID string, err error) {
	f.mu.Lock()
	f.newErrs[tenantID] = err
	f.mu.Unlock()
}

func (f *Factory) New(_ context.Context, tenantID string, handler transport.EventHandler) (transport.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.newErrs[tenantID]; err != nil {
		return nil, err
	}
	fake := New(tenantID, f.OwnerID)
	fake.Handler = handler
	if blob, ok := f.Stored[tenantID]; ok {
		fake.creds = blob
	}
	if f.Prepare != nil {
		f.Prepare(fake)
	}
	f.built = append(f.built, fake)
	return fake, nil
}

func (f *Factory) Purge(_ context.Context, tenantID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Stored, tenantID)
	f.purged = append(f.purged, tenantID)
	return nil
}

func (f *Factory) StoredTenants(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.Stored))
	for id := range f.Stored {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Built returns every fake created so far.
func (f *Factory) Built() []*Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Fake(nil), f.built...)
}

// Last returns the most recently built fake, or nil.
func (f *Factory) Last() *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.built) == 0 {
		return nil
	}
	return f.built[len(f.built)-1]
}

// Purged returns the tenants passed to Purge.
func (f *Factory) Purged() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.purged...)
}
