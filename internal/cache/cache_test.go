package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/neurosprite/server/pkg/volume"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(Config{
		SpriteCacheSizeMB: 8,
		SpriteTTL:         time.Minute,
		VolumeEntries:     2,
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestSpriteRoundTrip(t *testing.T) {
	m := newTestManager(t)

	key := SpriteKey("anat.nii.gz", "cmap=gray")
	if _, ok := m.GetSprite(key); ok {
		t.Fatal("unexpected hit on empty cache")
	}
	if err := m.SetSprite(key, []byte{1, 2, 3}); err != nil {
		t.Fatalf("SetSprite failed: %v", err)
	}
	data, ok := m.GetSprite(key)
	if !ok {
		t.Fatal("expected hit after set")
	}
	if len(data) != 3 || data[0] != 1 {
		t.Fatalf("unexpected payload: %v", data)
	}
}

func TestVolumeLRUEviction(t *testing.T) {
	m := newTestManager(t)

	for i := 0; i < 3; i++ {
		key := VolumeKey(fmt.Sprintf("vol%d.nii", i))
		m.SetVolume(key, volume.NewZero(1, 1, 1, volume.Identity()))
	}
	if _, ok := m.GetVolume(VolumeKey("vol0.nii")); ok {
		t.Fatal("oldest volume should have been evicted")
	}
	for i := 1; i < 3; i++ {
		if _, ok := m.GetVolume(VolumeKey(fmt.Sprintf("vol%d.nii", i))); !ok {
			t.Fatalf("volume %d missing", i)
		}
	}
}

func TestSpriteKeyStability(t *testing.T) {
	a := SpriteKey("stat.nii", "cmap=cold_hot&threshold=auto")
	b := SpriteKey("stat.nii", "cmap=cold_hot&threshold=auto")
	if a != b {
		t.Fatalf("same inputs produced different keys: %q vs %q", a, b)
	}
	c := SpriteKey("stat.nii", "cmap=hot&threshold=auto")
	if a == c {
		t.Fatal("different params must produce different keys")
	}
	d := SpriteKey("other.nii", "cmap=cold_hot&threshold=auto")
	if a == d {
		t.Fatal("different sources must produce different keys")
	}
}

func TestStatMapKeyDistinguishesLayers(t *testing.T) {
	a := StatMapKey("stat.nii", "anat.nii", "p")
	b := StatMapKey("stat.nii", "", "p")
	if a == b {
		t.Fatal("background must be part of the key")
	}
}

func TestStats(t *testing.T) {
	m := newTestManager(t)
	if err := m.SetSprite(SpriteKey("a", "b"), []byte{1}); err != nil {
		t.Fatalf("SetSprite failed: %v", err)
	}
	m.SetVolume(VolumeKey("a.nii"), volume.NewZero(1, 1, 1, volume.Identity()))

	stats := m.Stats()
	if stats["sprite_cache_len"].(int) != 1 {
		t.Fatalf("sprite_cache_len = %v, want 1", stats["sprite_cache_len"])
	}
	if stats["volume_cache_len"].(int) != 1 {
		t.Fatalf("volume_cache_len = %v, want 1", stats["volume_cache_len"])
	}
}
