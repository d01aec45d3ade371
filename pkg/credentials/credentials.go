// Package credentials persists credential profiles in a single JSON file in
// the .authkeeper/ directory.
package credentials

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/papercomputeco/authkeeper/pkg/dotdir"
)

const (
	credentialsFile = "credentials.json"

	defaultProfileSlot = "main"
)

// DefaultID returns the id of the single supported profile slot for provider.
func DefaultID(provider string) string {
	return provider + ":" + defaultProfileSlot
}

// ProviderOf returns the provider part of a profile id.
func ProviderOf(profileID string) string {
	provider, _, _ := strings.Cut(profileID, ":")
	return provider
}

// Manager reads and writes credentials.json. Every operation loads the whole
// file, mutates it in memory, and writes it back atomically.
type Manager struct {
	// mu serializes read-modify-write cycles within this process.
	mu         sync.Mutex
	targetPath string
	logger     *zap.Logger
}

// NewManager creates a Manager. If override is non-empty it is used as the
// .authkeeper/ directory; otherwise the standard dotdir resolution applies and
// ~/.authkeeper/ is created when nothing is found.
func NewManager(override string, logger *zap.Logger) (*Manager, error) {
	target, err := dotdir.NewManager().Ensure(override)
	if err != nil {
		return nil, err
	}

	return NewManagerAt(filepath.Join(target, credentialsFile), logger), nil
}

// NewManagerAt creates a Manager backed by an explicit file path.
func NewManagerAt(path string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		targetPath: path,
		logger:     logger,
	}
}

// Path returns the resolved path to the credentials file.
func (m *Manager) Path() string {
	return m.targetPath
}

// Load reads the store. A missing or unparsable file yields an empty store.
func (m *Manager) Load() (*Store, error) {
	data, err := os.ReadFile(m.targetPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewStore(), nil
		}
		return nil, fmt.Errorf("reading credentials: %w", err)
	}

	store := NewStore()
	if len(bytes.TrimSpace(data)) == 0 {
		return store, nil
	}
	if err := json.Unmarshal(data, store); err != nil {
		m.logger.Warn("credential store is corrupt, treating as empty",
			zap.String("path", m.targetPath),
			zap.Error(err),
		)
		return NewStore(), nil
	}

	return store, nil
}

// Save writes the store to a temporary file and renames it over the real
// one, then restricts permissions to the owner.
func (m *Manager) Save(store *Store) error {
	if store == nil {
		return errors.New("cannot save nil store")
	}

	data, err := json.MarshalIndent(store, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding credentials: %w", err)
	}

	dir := filepath.Dir(m.targetPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating credentials dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, credentialsFile+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp credentials: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing credentials: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("syncing credentials: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing credentials: %w", err)
	}

	if err := os.Rename(tmpPath, m.targetPath); err != nil {
		return fmt.Errorf("replacing credentials: %w", err)
	}

	if err := os.Chmod(m.targetPath, 0o600); err != nil && runtime.GOOS != "windows" {
		m.logger.Warn("could not restrict credential file permissions",
			zap.String("path", m.targetPath),
			zap.Error(err),
		)
	}

	return nil
}

// Get returns the profile stored under profileID, or nil.
func (m *Manager) Get(profileID string) (Profile, error) {
	store, err := m.Load()
	if err != nil {
		return nil, err
	}
	return store.Profiles[profileID], nil
}

// GetToken returns the token profile stored under profileID, or nil.
func (m *Manager) GetToken(profileID string) (*TokenProfile, error) {
	p, err := m.Get(profileID)
	if err != nil || p == nil {
		return nil, err
	}
	tp, ok := p.(*TokenProfile)
	if !ok {
		return nil, fmt.Errorf("%s: %w", profileID, ErrWrongProfileType)
	}
	return tp, nil
}

// GetOAuth returns the OAuth profile stored under profileID, or nil.
func (m *Manager) GetOAuth(profileID string) (*OAuthProfile, error) {
	p, err := m.Get(profileID)
	if err != nil || p == nil {
		return nil, err
	}
	op, ok := p.(*OAuthProfile)
	if !ok {
		return nil, fmt.Errorf("%s: %w", profileID, ErrWrongProfileType)
	}
	return op, nil
}

// Set stores profile under profileID. New ids are appended to their
// provider's order list; existing ids keep their position.
func (m *Manager) Set(profileID string, profile Profile) error {
	if profile == nil {
		return errors.New("profile cannot be nil")
	}
	provider := ProviderOf(profileID)
	if provider == "" {
		return fmt.Errorf("profile id %q has no provider", profileID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	store, err := m.Load()
	if err != nil {
		return err
	}

	store.Profiles[profileID] = profile
	if !slices.Contains(store.Order[provider], profileID) {
		store.Order[provider] = append(store.Order[provider], profileID)
	}

	return m.Save(store)
}

// Delete removes profileID from both the profile map and its provider's
// order list. Returns false and leaves the file untouched if nothing matched.
func (m *Manager) Delete(profileID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	store, err := m.Load()
	if err != nil {
		return false, err
	}

	provider := ProviderOf(profileID)
	_, inProfiles := store.Profiles[profileID]
	inOrder := slices.Contains(store.Order[provider], profileID)
	if !inProfiles && !inOrder {
		return false, nil
	}

	delete(store.Profiles, profileID)
	if inOrder {
		ids := make([]string, 0, len(store.Order[provider]))
		for _, id := range store.Order[provider] {
			if id != profileID {
				ids = append(ids, id)
			}
		}
		if len(ids) == 0 {
			delete(store.Order, provider)
		} else {
			store.Order[provider] = ids
		}
	}

	if err := m.Save(store); err != nil {
		return false, err
	}
	return true, nil
}

// List returns the provider's profiles in insertion order. Ids listed in the
// order but missing from the profile map are skipped.
func (m *Manager) List(provider string) ([]Profile, error) {
	store, err := m.Load()
	if err != nil {
		return nil, err
	}

	profiles := make([]Profile, 0, len(store.Order[provider]))
	for _, id := range store.Order[provider] {
		if p, ok := store.Profiles[id]; ok {
			profiles = append(profiles, p)
		}
	}
	return profiles, nil
}

// IDs returns the provider's profile ids in insertion order.
func (m *Manager) IDs(provider string) ([]string, error) {
	store, err := m.Load()
	if err != nil {
		return nil, err
	}
	return append([]string(nil), store.Order[provider]...), nil
}

// Providers returns the names of providers with at least one profile.
func (m *Manager) Providers() ([]string, error) {
	store, err := m.Load()
	if err != nil {
		return nil, err
	}

	providers := make([]string, 0, len(store.Order))
	for name, ids := range store.Order {
		if len(ids) == 0 {
			continue
		}
		providers = append(providers, name)
	}
	sort.Strings(providers)

	return providers, nil
}
