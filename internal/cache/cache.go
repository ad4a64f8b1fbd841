// Package cache provides caching for sprite payloads and decoded volumes.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/neurosprite/server/pkg/volume"
)

// Config contains cache configuration.
type Config struct {
	SpriteCacheSizeMB int
	SpriteTTL         time.Duration
	VolumeEntries     int
}

// Manager manages the sprite and volume caches. Sprites are encoded
// payloads in a byte cache; volumes are decoded float64 grids kept in
// a small LRU since each one can run to hundreds of megabytes.
type Manager struct {
	spriteCache *bigcache.BigCache
	volumeCache *lru.Cache[string, *volume.Volume]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	spriteCacheConfig := bigcache.Config{
		Shards:             1024,
		LifeWindow:         cfg.SpriteTTL,
		CleanWindow:        cfg.SpriteTTL / 2,
		MaxEntriesInWindow: 100000,
		MaxEntrySize:       512 * 1024, // sprites run larger than map tiles
		HardMaxCacheSize:   cfg.SpriteCacheSizeMB,
		Verbose:            false,
	}

	spriteCache, err := bigcache.New(context.Background(), spriteCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create sprite cache: %w", err)
	}

	volumeCache, err := lru.New[string, *volume.Volume](cfg.VolumeEntries)
	if err != nil {
		return nil, fmt.Errorf("failed to create volume cache: %w", err)
	}

	return &Manager{
		spriteCache: spriteCache,
		volumeCache: volumeCache,
	}, nil
}

// GetSprite retrieves an encoded sprite payload from cache.
func (m *Manager) GetSprite(key string) ([]byte, bool) {
	data, err := m.spriteCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetSprite stores an encoded sprite payload in cache.
func (m *Manager) SetSprite(key string, data []byte) error {
	return m.spriteCache.Set(key, data)
}

// GetVolume retrieves a decoded volume from cache.
func (m *Manager) GetVolume(key string) (*volume.Volume, bool) {
	return m.volumeCache.Get(key)
}

// SetVolume stores a decoded volume in cache.
func (m *Manager) SetVolume(key string, v *volume.Volume) {
	m.volumeCache.Add(key, v)
}

// SpriteKey generates a cache key for a rendered sprite. params must be
// a canonical text rendering of everything that influences the pixels.
func SpriteKey(source, params string) string {
	h := sha256.Sum256([]byte(params))
	return fmt.Sprintf("sprite:%s:%s", source, hex.EncodeToString(h[:])[:16])
}

// StatMapKey generates a cache key for a composed stat-map view.
func StatMapKey(stat, background, params string) string {
	h := sha256.Sum256([]byte(params))
	return fmt.Sprintf("statmap:%s|%s:%s", stat, background, hex.EncodeToString(h[:])[:16])
}

// VolumeKey generates a cache key for a decoded volume.
func VolumeKey(path string) string {
	return "vol:" + path
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"sprite_cache_len": m.spriteCache.Len(),
		"sprite_cache_cap": m.spriteCache.Capacity(),
		"volume_cache_len": m.volumeCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.spriteCache.Close()
}
