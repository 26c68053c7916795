package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow/proto/waAdv"
	"go.mau.fi/whatsmeow/types"

	"wbot/internal/transport"
)

func newTestFactory(t *testing.T) (*Factory, string) {
	t.Helper()
	dir := t.TempDir()
	f, err := NewFactory(context.Background(), StoreConfig{Dir: dir}, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f, dir
}

// pairedDump builds a credentials blob for a device that looks paired.
func pairedDump(t *testing.T, f *Factory) json.RawMessage {
	t.Helper()
	container, err := f.container(context.Background(), "scratch")
	if err != nil {
		t.Fatalf("container: %v", err)
	}
	device := container.NewDevice()
	device.ID = &types.JID{User: "33600000000", Device: 7, Server: types.DefaultUserServer}
	device.PushName = "Alice"
	device.Account = &waAdv.ADVSignedDeviceIdentity{
		Details:             []byte("details"),
		AccountSignatureKey: make([]byte, 32),
		AccountSignature:    make([]byte, 64),
		DeviceSignature:     make([]byte, 64),
	}
	blob, err := exportDevice(device)
	if err != nil {
		t.Fatalf("exportDevice: %v", err)
	}
	return blob
}

func TestFactoryRejectsInvalidTenant(t *testing.T) {
	f, _ := newTestFactory(t)
	for _, id := range []string{"", "../etc", "a b", "x/y"} {
		if _, err := f.New(context.Background(), id, nil); !errors.Is(err, ErrInvalidTenant) {
			t.Fatalf("tenant %q: expected ErrInvalidTenant, got %v", id, err)
		}
	}
}

func TestFactoryRejectsUnknownDriver(t *testing.T) {
	if _, err := NewFactory(context.Background(), StoreConfig{Driver: "redis"}, nil, zerolog.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := NewFactory(context.Background(), StoreConfig{Driver: DriverPostgres, DSN: "postgres://x"}, nil, zerolog.Nop()); err == nil {
		t.Fatal("expected error for postgres without mapper")
	}
}

func TestRestoreStoreAndPurge(t *testing.T) {
	ctx := context.Background()
	f, dir := newTestFactory(t)
	blob := pairedDump(t, f)

	tr, err := f.New(ctx, "alice", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if tr.HasCredentials() {
		t.Fatal("fresh device should not have credentials")
	}
	if _, err := tr.Credentials(); !errors.Is(err, transport.ErrNotLoggedIn) {
		t.Fatalf("expected ErrNotLoggedIn, got %v", err)
	}
	if tr.OwnerID() != "" {
		t.Fatalf("unexpected owner %q", tr.OwnerID())
	}

	if err := tr.RestoreCredentials(ctx, blob); err != nil {
		t.Fatalf("RestoreCredentials: %v", err)
	}
	if !tr.HasCredentials() {
		t.Fatal("expected credentials after restore")
	}
	if got := tr.OwnerID(); got != "33600000000@s.whatsapp.net" {
		t.Fatalf("unexpected owner %q", got)
	}
	if got := tr.OwnerName(); got != "Alice" {
		t.Fatalf("unexpected owner name %q", got)
	}

	// A second transport for the tenant reads the stored device back.
	again, err := f.New(ctx, "alice", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if again.OwnerID() != tr.OwnerID() {
		t.Fatalf("stored device not reloaded: %q", again.OwnerID())
	}

	ids, err := f.StoredTenants(ctx)
	if err != nil {
		t.Fatalf("StoredTenants: %v", err)
	}
	if len(ids) != 1 || ids[0] != "alice" {
		t.Fatalf("unexpected stored tenants %v", ids)
	}

	if err := f.Purge(ctx, "alice"); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "whatsapp_session_alice.db")); !os.IsNotExist(err) {
		t.Fatalf("expected store file removed, got %v", err)
	}
	if ids, _ := f.StoredTenants(ctx); len(ids) != 0 {
		t.Fatalf("expected no stored tenants, got %v", ids)
	}
}

func TestCredentialsRoundTrip(t *testing.T) {
	f, _ := newTestFactory(t)
	blob := pairedDump(t, f)

	container, err := f.container(context.Background(), "other")
	if err != nil {
		t.Fatalf("container: %v", err)
	}
	device := container.NewDevice()
	if err := importDevice(device, blob); err != nil {
		t.Fatalf("importDevice: %v", err)
	}
	again, err := exportDevice(device)
	if err != nil {
		t.Fatalf("exportDevice: %v", err)
	}

	var a, b map[string]any
	if err := json.Unmarshal(blob, &a); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(again, &b); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"noiseKey", "identityKey", "registrationId", "advSecretKey", "me", "account", "pushName"} {
		if !jsonEqual(a[key], b[key]) {
			t.Fatalf("field %s changed: %v != %v", key, a[key], b[key])
		}
	}
}

func jsonEqual(a, b any) bool {
	x, _ := json.Marshal(a)
	y, _ := json.Marshal(b)
	return string(x) == string(y)
}

func TestImportDeviceRejectsBadBlobs(t *testing.T) {
	f, _ := newTestFactory(t)
	container, err := f.container(context.Background(), "bad")
	if err != nil {
		t.Fatalf("container: %v", err)
	}
	tests := []struct {
		name string
		blob string
	}{
		{"not json", `nope`},
		{"short noise key", `{"noiseKey":"AAAA"}`},
		{"missing jid", `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := importDevice(container.NewDevice(), json.RawMessage(tt.blob)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
