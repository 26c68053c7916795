package database

import (
	"gorm.io/gorm"

	"wbot/internal/models"
)

// migrate creates or updates every table the services use.
func migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.UserSettings{},
		&models.WhatsAppSession{},
		&models.ScheduledTask{},
		&models.ContactSetting{},
		&models.SessionRecord{},
	); err != nil {
		return err
	}

	// Older deployments created user_settings without the downloader
	// prefix; fill it so the pipeline never sees an empty prefix from a row.
	return db.Model(&models.UserSettings{}).
		Where("downloader_prefix IS NULL OR downloader_prefix = ''").
		Update("downloader_prefix", "dl").Error
}
