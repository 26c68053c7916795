package services

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"wbot/internal/models"
	"wbot/internal/pipeline"
)

// SettingsService loads per-tenant automation settings.
type SettingsService struct {
	db *gorm.DB
}

// NewSettingsService creates a new settings service
func NewSettingsService(db *gorm.DB) *SettingsService {
	return &SettingsService{db: db}
}

// TenantConfig returns the tenant's pipeline configuration, or the defaults
// when the tenant has no settings row.
func (s *SettingsService) TenantConfig(ctx context.Context, tenantID string) (pipeline.Config, error) {
	var settings models.UserSettings
	err := s.db.WithContext(ctx).Where("user_id = ?", tenantID).First(&settings).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return pipeline.DefaultConfig(), nil
	}
	if err != nil {
		return pipeline.Config{}, err
	}
	return pipeline.Config{
		AntiDelete:       settings.AntiDelete,
		AntiViewOnce:     settings.AntiViewOnce,
		GhostModeGlobal:  settings.GhostModeGlobal,
		ViewOncePrefix:   settings.ViewOncePrefix,
		StatusSavePrefix: settings.StatusSavePrefix,
		DownloaderPrefix: settings.DownloaderPrefix,
	}, nil
}

// Get returns the tenant's settings, or unsaved defaults when none exist.
func (s *SettingsService) Get(ctx context.Context, tenantID string) (*models.UserSettings, error) {
	var settings models.UserSettings
	err := s.db.WithContext(ctx).Where("user_id = ?", tenantID).First(&settings).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		d := pipeline.DefaultConfig()
		return &models.UserSettings{
			UserID:           tenantID,
			AntiDelete:       d.AntiDelete,
			AntiViewOnce:     d.AntiViewOnce,
			GhostModeGlobal:  d.GhostModeGlobal,
			ViewOncePrefix:   d.ViewOncePrefix,
			StatusSavePrefix: d.StatusSavePrefix,
			DownloaderPrefix: d.DownloaderPrefix,
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return &settings, nil
}

// GhostedChats returns the contacts with ghost mode switched on.
func (s *SettingsService) GhostedChats(ctx context.Context, tenantID string) (map[string]bool, error) {
	var jids []string
	err := s.db.WithContext(ctx).Model(&models.ContactSetting{}).
		Where("session_id = ? AND ghost_mode = ?", tenantID, true).
		Pluck("jid", &jids).Error
	if err != nil {
		return nil, err
	}
	ghosted := make(map[string]bool, len(jids))
	for _, jid := range jids {
		ghosted[jid] = true
	}
	return ghosted, nil
}

// Save creates or replaces a tenant's settings. Every column is written so
// false switches are stored as such.
func (s *SettingsService) Save(ctx context.Context, settings *models.UserSettings) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Select("*").
		Create(settings).Error
}

// SetContactGhost switches ghost mode for one contact.
func (s *SettingsService) SetContactGhost(ctx context.Context, tenantID, jid string, ghost bool) error {
	res := s.db.WithContext(ctx).Model(&models.ContactSetting{}).
		Where("session_id = ? AND jid = ?", tenantID, jid).
		Update("ghost_mode", ghost)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
