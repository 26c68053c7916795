package pipeline

import "context"

// Config is a tenant's automation settings.
type Config struct {
	AntiDelete       bool
	AntiViewOnce     bool
	GhostModeGlobal  bool
	ViewOncePrefix   string
	StatusSavePrefix string
	DownloaderPrefix string
}

// DefaultConfig is used when a tenant has no settings or they cannot be
// loaded. Ghost mode is on so nothing is marked read by accident.
func DefaultConfig() Config {
	return Config{
		AntiDelete:       true,
		AntiViewOnce:     true,
		GhostModeGlobal:  true,
		ViewOncePrefix:   "1",
		StatusSavePrefix: "*",
		DownloaderPrefix: "dl",
	}
}

// withDefaults fills empty prefixes.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ViewOncePrefix == "" {
		c.ViewOncePrefix = d.ViewOncePrefix
	}
	if c.StatusSavePrefix == "" {
		c.StatusSavePrefix = d.StatusSavePrefix
	}
	if c.DownloaderPrefix == "" {
		c.DownloaderPrefix = d.DownloaderPrefix
	}
	return c
}

// Settings loads per-tenant configuration.
type Settings interface {
	TenantConfig(ctx context.Context, tenantID string) (Config, error)
	// GhostedChats returns the chats for which read receipts are never sent.
	GhostedChats(ctx context.Context, tenantID string) (map[string]bool, error)
}

// Resolver turns a social media page URL into a direct media URL.
type Resolver interface {
	Resolve(ctx context.Context, pageURL string) (string, error)
}
