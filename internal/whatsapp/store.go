// Package whatsapp implements transport.Transport on top of whatsmeow.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	_ "modernc.org/sqlite"

	"wbot/internal/credential"
	"wbot/internal/transport"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var tenantIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ErrInvalidTenant is returned for tenant ids that cannot name a store.
var ErrInvalidTenant = errors.New("invalid session id")

// StoreConfig selects where paired devices are kept.
type StoreConfig struct {
	// Driver is "sqlite" (one file per tenant, the default) or "postgres"
	// (one shared database).
	Driver string `yaml:"driver"`
	// DSN is the postgres connection string.
	DSN string `yaml:"dsn"`
	// Dir holds the sqlite files.
	Dir string `yaml:"dir"`
}

// DeviceMapper remembers which device belongs to which tenant in a shared
// store.
type DeviceMapper interface {
	DeviceJID(ctx context.Context, tenantID string) (string, error)
	SetDeviceJID(ctx context.Context, tenantID, jid string) error
	DeviceTenants(ctx context.Context) ([]string, error)
	DeleteDeviceJID(ctx context.Context, tenantID string) error
}

// Factory builds whatsmeow-backed transports.
type Factory struct {
	cfg    StoreConfig
	mapper DeviceMapper
	log    zerolog.Logger

	mu         sync.Mutex
	shared     *sqlstore.Container
	containers map[string]*sqlstore.Container
}

var _ transport.Factory = (*Factory)(nil)

// NewFactory creates a factory. The postgres driver needs a mapper.
func NewFactory(ctx context.Context, cfg StoreConfig, mapper DeviceMapper, log zerolog.Logger) (*Factory, error) {
	if cfg.Driver == "" {
		cfg.Driver = DriverSQLite
	}
	if cfg.Dir == "" {
		cfg.Dir = "."
	}
	f := &Factory{
		cfg:        cfg,
		mapper:     mapper,
		log:        log.With().Str("component", "whatsapp").Logger(),
		containers: make(map[string]*sqlstore.Container),
	}

	switch cfg.Driver {
	case DriverSQLite:
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store dir: %w", err)
		}
	case DriverPostgres, "pgx":
		if cfg.DSN == "" {
			return nil, errors.New("store DSN is required for the postgres driver")
		}
		if mapper == nil {
			return nil, errors.New("postgres store needs a device mapper")
		}
		container, err := sqlstore.New(ctx, "pgx", cfg.DSN, f.storeLogger())
		if err != nil {
			return nil, fmt.Errorf("failed to open device store: %w", err)
		}
		f.cfg.Driver = DriverPostgres
		f.shared = container
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", cfg.Driver)
	}
	return f, nil
}

// New opens the tenant's device, creating an unpaired one when none exists.
func (f *Factory) New(ctx context.Context, tenantID string, handler transport.EventHandler) (transport.Transport, error) {
	if !tenantIDPattern.MatchString(tenantID) {
		return nil, ErrInvalidTenant
	}
	container, err := f.container(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	device, err := f.device(ctx, container, tenantID)
	if err != nil {
		return nil, err
	}
	return newClient(tenantID, f, container, device, handler), nil
}

// Purge deletes the tenant's stored device.
func (f *Factory) Purge(ctx context.Context, tenantID string) error {
	if !tenantIDPattern.MatchString(tenantID) {
		return ErrInvalidTenant
	}
	if f.shared == nil {
		f.mu.Lock()
		if c, ok := f.containers[tenantID]; ok {
			if err := c.Close(); err != nil {
				f.log.Warn().Err(err).Str("tenant", tenantID).Msg("Could not close device store")
			}
			delete(f.containers, tenantID)
		}
		f.mu.Unlock()

		path := f.sqlitePath(tenantID)
		for _, name := range []string{path, path + "-wal", path + "-shm"} {
			if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to remove %s: %w", name, err)
			}
		}
		return nil
	}

	jid, err := f.mapper.DeviceJID(ctx, tenantID)
	if errors.Is(err, credential.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if parsed, perr := types.ParseJID(jid); perr == nil {
		device, err := f.shared.GetDevice(ctx, parsed)
		if err != nil {
			return fmt.Errorf("failed to load device: %w", err)
		}
		if device != nil {
			if err := device.Delete(ctx); err != nil {
				return fmt.Errorf("failed to delete device: %w", err)
			}
		}
	}
	return f.mapper.DeleteDeviceJID(ctx, tenantID)
}

// StoredTenants lists tenants with a paired device.
func (f *Factory) StoredTenants(ctx context.Context) ([]string, error) {
	if f.shared != nil {
		return f.mapper.DeviceTenants(ctx)
	}

	matches, err := filepath.Glob(filepath.Join(f.cfg.Dir, "whatsapp_session_*.db"))
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, match := range matches {
		id := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(match), "whatsapp_session_"), ".db")
		if !tenantIDPattern.MatchString(id) {
			continue
		}
		container, err := f.container(ctx, id)
		if err != nil {
			f.log.Warn().Err(err).Str("tenant", id).Msg("Skipping unreadable device store")
			continue
		}
		devices, err := container.GetAllDevices(ctx)
		if err != nil {
			f.log.Warn().Err(err).Str("tenant", id).Msg("Skipping unreadable device store")
			continue
		}
		if len(devices) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Close releases every open device store.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var errs []error
	for id, c := range f.containers {
		errs = append(errs, c.Close())
		delete(f.containers, id)
	}
	if f.shared != nil {
		errs = append(errs, f.shared.Close())
		f.shared = nil
	}
	return errors.Join(errs...)
}

// remember records a freshly paired device for the shared store.
func (f *Factory) remember(ctx context.Context, tenantID string, jid types.JID) {
	if f.shared == nil {
		return
	}
	if err := f.mapper.SetDeviceJID(ctx, tenantID, jid.String()); err != nil {
		f.log.Error().Err(err).Str("tenant", tenantID).Msg("Could not record device mapping")
	}
}

func (f *Factory) container(ctx context.Context, tenantID string) (*sqlstore.Container, error) {
	if f.shared != nil {
		return f.shared, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[tenantID]; ok {
		return c, nil
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode=WAL&_pragma=synchronous=NORMAL", f.sqlitePath(tenantID))
	c, err := sqlstore.New(ctx, "sqlite", dsn, f.storeLogger())
	if err != nil {
		return nil, fmt.Errorf("failed to open device store for %s: %w", tenantID, err)
	}
	f.containers[tenantID] = c
	return c, nil
}

func (f *Factory) device(ctx context.Context, container *sqlstore.Container, tenantID string) (*store.Device, error) {
	if f.shared == nil {
		device, err := container.GetFirstDevice(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get device store: %w", err)
		}
		return device, nil
	}

	jid, err := f.mapper.DeviceJID(ctx, tenantID)
	if errors.Is(err, credential.ErrNotFound) {
		return container.NewDevice(), nil
	}
	if err != nil {
		return nil, err
	}
	parsed, err := types.ParseJID(jid)
	if err != nil {
		return container.NewDevice(), nil
	}
	device, err := container.GetDevice(ctx, parsed)
	if err != nil {
		return nil, fmt.Errorf("failed to get device store: %w", err)
	}
	if device == nil {
		return container.NewDevice(), nil
	}
	return device, nil
}

func (f *Factory) sqlitePath(tenantID string) string {
	return filepath.Join(f.cfg.Dir, fmt.Sprintf("whatsapp_session_%s.db", tenantID))
}

func (f *Factory) storeLogger() waLog.Logger {
	return waLog.Zerolog(f.log.With().Str("module", "store").Logger().Level(zerolog.WarnLevel))
}
