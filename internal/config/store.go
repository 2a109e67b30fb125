package config

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Persister stores the settings snapshot durably.
type Persister interface {
	LoadConfig(ctx context.Context) (payload []byte, version int64, found bool, err error)
	SaveConfig(ctx context.Context, payload []byte, version int64) error
}

// Snapshot is an immutable view of the settings at one version.
type Snapshot struct {
	Version  int64
	Settings Settings
	LoadedAt time.Time
}

// Store is the single access point for runtime settings. Reads never block;
// writes validate, persist, then swap the snapshot.
type Store struct {
	persister Persister
	mu        sync.Mutex // serializes writers
	current   atomic.Pointer[Snapshot]
}

// NewStore creates a Store holding the defaults at version 0. Call Load to
// pick up the persisted copy.
func NewStore(p Persister) *Store {
	s := &Store{persister: p}
	s.current.Store(&Snapshot{Settings: DefaultSettings(), LoadedAt: time.Now()})
	return s
}

// Snapshot returns the current snapshot.
func (s *Store) Snapshot() Snapshot {
	return *s.current.Load()
}

// Settings returns the current settings.
func (s *Store) Settings() Settings {
	return s.current.Load().Settings
}

// Load reads the persisted settings, seeding the defaults when none exist.
func (s *Store) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, version, found, err := s.persister.LoadConfig(ctx)
	if err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}
	if !found {
		snap := &Snapshot{Version: 1, Settings: DefaultSettings(), LoadedAt: time.Now()}
		if err := s.persist(ctx, snap); err != nil {
			return err
		}
		s.current.Store(snap)
		return nil
	}

	settings, err := decodeSettings(payload)
	if err != nil {
		return err
	}
	s.current.Store(&Snapshot{Version: version, Settings: settings, LoadedAt: time.Now()})
	return nil
}

// Refresh reloads the persisted copy if another writer bumped the version.
// It reports whether the snapshot changed.
func (s *Store) Refresh(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, version, found, err := s.persister.LoadConfig(ctx)
	if err != nil {
		return false, fmt.Errorf("refreshing settings: %w", err)
	}
	if !found || version <= s.current.Load().Version {
		return false, nil
	}

	settings, err := decodeSettings(payload)
	if err != nil {
		return false, err
	}
	s.current.Store(&Snapshot{Version: version, Settings: settings, LoadedAt: time.Now()})
	return true, nil
}

// Update merges changes into the current settings. On a validation error
// nothing is persisted and the previous snapshot stays active.
func (s *Store) Update(ctx context.Context, changes map[string]any) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.current.Load()
	next, err := cur.Settings.Apply(changes)
	if err != nil {
		return *cur, err
	}

	snap := &Snapshot{Version: cur.Version + 1, Settings: next, LoadedAt: time.Now()}
	if err := s.persist(ctx, snap); err != nil {
		return *cur, err
	}
	s.current.Store(snap)
	return *snap, nil
}

func (s *Store) persist(ctx context.Context, snap *Snapshot) error {
	payload, err := json.Marshal(snap.Settings)
	if err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}
	if err := s.persister.SaveConfig(ctx, payload, snap.Version); err != nil {
		return fmt.Errorf("saving settings: %w", err)
	}
	return nil
}

// decodeSettings overlays a persisted payload on the defaults, so keys added
// after the row was written get their default value.
func decodeSettings(payload []byte) (Settings, error) {
	settings := DefaultSettings()
	if err := json.Unmarshal(payload, &settings); err != nil {
		return Settings{}, fmt.Errorf("decoding settings: %w", err)
	}
	if err := settings.Validate(); err != nil {
		return Settings{}, fmt.Errorf("persisted settings: %w", err)
	}
	return settings, nil
}
