package recovery

import (
	"time"

	"github.com/patrickmn/go-cache"

	"ml-scheduler/core/models"
)

// ConfigCache remembers the last configuration that completed
// successfully per owner, so process restarts can reload a
// known-good starting point. Entries expire with the cache TTL.
type ConfigCache struct {
	c *cache.Cache
}

// NewConfigCache creates a new last-known-good configuration cache.
func NewConfigCache() *ConfigCache {
	return &ConfigCache{
		c: cache.New(24*time.Hour, time.Hour),
	}
}

// Set records the owner's last-known-good configuration.
func (cc *ConfigCache) Set(ownerID string, cfg models.TrainingConfig) {
	cc.c.Set(ownerID, cfg, cache.DefaultExpiration)
}

// Get returns the owner's last-known-good configuration, if any.
func (cc *ConfigCache) Get(ownerID string) (models.TrainingConfig, bool) {
	v, ok := cc.c.Get(ownerID)
	if !ok {
		return models.TrainingConfig{}, false
	}
	return v.(models.TrainingConfig), true
}
