package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"wbot/internal/credential"
	"wbot/internal/models"
	"wbot/internal/session"
	"wbot/internal/transport"
)

// SessionService persists credentials, contacts and session status.
type SessionService struct {
	db  *gorm.DB
	log zerolog.Logger
}

// NewSessionService creates a new session service
func NewSessionService(db *gorm.DB, log zerolog.Logger) *SessionService {
	return &SessionService{db: db, log: log.With().Str("component", "sessions").Logger()}
}

// PrimaryDump returns the credential dump stored on the tenant's settings row.
func (s *SessionService) PrimaryDump(ctx context.Context, tenantID string) (credential.Blob, error) {
	var settings models.UserSettings
	err := s.db.WithContext(ctx).Select("session_dump").Where("user_id = ?", tenantID).First(&settings).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && (settings.SessionDump == nil || *settings.SessionDump == "")) {
		return nil, credential.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load user_settings dump: %w", err)
	}
	return credential.Blob(*settings.SessionDump), nil
}

// SecondaryDump returns the credential dump from whatsapp_sessions.
func (s *SessionService) SecondaryDump(ctx context.Context, tenantID string) (credential.Blob, error) {
	data, err := s.keyed(ctx, tenantID, models.DumpKeySession)
	if err != nil {
		return nil, err
	}
	return credential.Blob(data), nil
}

// SaveDump stores a credential dump. The settings row is updated when it
// exists; the whatsapp_sessions row is always upserted and decides success.
func (s *SessionService) SaveDump(ctx context.Context, tenantID string, blob credential.Blob) error {
	data := string(blob)
	db := s.db.WithContext(ctx)

	// A missing settings row is fine, whatsapp_sessions carries the dump.
	if err := db.Model(&models.UserSettings{}).Where("user_id = ?", tenantID).Update("session_dump", data).Error; err != nil {
		s.log.Error().Err(err).Str("tenant", tenantID).Msg("Could not store session_dump on user_settings")
	}
	return s.putKeyed(ctx, tenantID, models.DumpKeySession, data)
}

// SessionString returns the session string injected into the tenant's settings.
func (s *SessionService) SessionString(ctx context.Context, tenantID string) (string, error) {
	var settings models.UserSettings
	err := s.db.WithContext(ctx).Select("session_string").Where("user_id = ?", tenantID).First(&settings).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return settings.SessionString, nil
}

// Profile returns the prefix and owner name used in announcements.
func (s *SessionService) Profile(ctx context.Context, tenantID string) (session.Profile, error) {
	var settings models.UserSettings
	err := s.db.WithContext(ctx).Where("user_id = ?", tenantID).First(&settings).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return session.Profile{}, nil
	}
	if err != nil {
		return session.Profile{}, err
	}
	return session.Profile{ViewOncePrefix: settings.ViewOncePrefix, OwnerName: settings.OwnerName}, nil
}

// RecordStatus upserts the tenant's session record.
func (s *SessionService) RecordStatus(ctx context.Context, tenantID string, status session.Status) error {
	record := models.SessionRecord{
		SessionID:    tenantID,
		Status:       string(status),
		LastActivity: time.Now(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "last_activity", "updated_at"}),
	}).Create(&record).Error
}

// ConnectedTenants lists tenants whose last recorded status was connected
// or on its way back to it.
func (s *SessionService) ConnectedTenants(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&models.SessionRecord{}).
		Where("status IN ?", []string{string(session.StatusConnected), string(session.StatusReconnecting)}).
		Order("session_id").
		Pluck("session_id", &ids).Error
	return ids, err
}

// PurgeCredentials removes every credential dump and device mapping of the tenant.
func (s *SessionService) PurgeCredentials(ctx context.Context, tenantID string) error {
	db := s.db.WithContext(ctx)
	if err := db.Where("session_id = ?", tenantID).Delete(&models.WhatsAppSession{}).Error; err != nil {
		return fmt.Errorf("delete whatsapp_sessions: %w", err)
	}
	return db.Model(&models.UserSettings{}).Where("user_id = ?", tenantID).
		Updates(map[string]interface{}{"session_dump": nil, "session_string": ""}).Error
}

// SaveContacts upserts contacts, keeping each contact's ghost flag.
func (s *SessionService) SaveContacts(ctx context.Context, tenantID string, contacts []transport.Contact) error {
	if len(contacts) == 0 {
		return nil
	}
	rows := make([]models.ContactSetting, 0, len(contacts))
	for _, c := range contacts {
		rows = append(rows, models.ContactSetting{SessionID: tenantID, JID: c.ID, Name: c.Name})
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}, {Name: "jid"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "updated_at"}),
	}).CreateInBatches(rows, 200).Error
}

// DeviceJID returns the device a tenant is paired with in a shared store.
func (s *SessionService) DeviceJID(ctx context.Context, tenantID string) (string, error) {
	return s.keyed(ctx, tenantID, models.DumpKeyDeviceJID)
}

// SetDeviceJID records the device a tenant is paired with.
func (s *SessionService) SetDeviceJID(ctx context.Context, tenantID, jid string) error {
	return s.putKeyed(ctx, tenantID, models.DumpKeyDeviceJID, jid)
}

// DeviceTenants lists tenants that have a device mapping.
func (s *SessionService) DeviceTenants(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&models.WhatsAppSession{}).
		Where(&models.WhatsAppSession{Key: models.DumpKeyDeviceJID}).
		Order("session_id").
		Pluck("session_id", &ids).Error
	return ids, err
}

// DeleteDeviceJID forgets a tenant's device mapping.
func (s *SessionService) DeleteDeviceJID(ctx context.Context, tenantID string) error {
	return s.db.WithContext(ctx).
		Where(&models.WhatsAppSession{SessionID: tenantID, Key: models.DumpKeyDeviceJID}).
		Delete(&models.WhatsAppSession{}).Error
}

func (s *SessionService) keyed(ctx context.Context, tenantID, key string) (string, error) {
	var row models.WhatsAppSession
	// struct conditions keep the "key" column quoted on every dialect
	err := s.db.WithContext(ctx).Where(&models.WhatsAppSession{SessionID: tenantID, Key: key}).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && row.Data == "") {
		return "", credential.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load %s: %w", key, err)
	}
	return row.Data, nil
}

func (s *SessionService) putKeyed(ctx context.Context, tenantID, key, data string) error {
	row := models.WhatsAppSession{SessionID: tenantID, Key: key, Data: data}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}, {Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
	}).Create(&row).Error
}
