// Package configversion manages hash-addressed, rollback-capable snapshots
// of the worker's runtime configuration — parser registries, redaction
// rules, notification routing — so a bad config push can be rolled back to
// a known-good content hash rather than a file edit and redeploy.
package configversion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"reflect"

	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned when a referenced version id doesn't exist.
var ErrNotFound = errors.New("configversion: version not found")

// ErrTypeMismatch is returned when a version id belongs to a different
// config_type than the caller expected.
var ErrTypeMismatch = errors.New("configversion: config type mismatch")

// ErrIncomparableTypes is returned by Compare when the two versions are not
// the same config_type.
var ErrIncomparableTypes = errors.New("configversion: cannot compare different config types")

// ComputeHash returns a stable hex-encoded SHA-256 hash of config data.
// Serializing through yaml.Marshal (rather than encoding/json) matches the
// original's `yaml.dump(..., sort_keys=True)` — yaml.v3 emits mapping keys
// in a deterministic sorted order, giving the same config data the same
// hash regardless of Go map iteration order.
func ComputeHash(data map[string]any) (string, error) {
	serialized, err := yaml.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("configversion: marshal config data: %w", err)
	}
	sum := sha256.Sum256(serialized)
	return hex.EncodeToString(sum[:]), nil
}

// Store is the persistence surface Service needs.
type Store interface {
	FindByHash(ctx context.Context, configType, contentHash string) (*Version, error)
	DeactivateActive(ctx context.Context, configType string) error
	Insert(ctx context.Context, v Version) (int64, error)
	ActivateByID(ctx context.Context, id int64) error
	GetByID(ctx context.Context, id int64) (*Version, error)
	GetActive(ctx context.Context, configType string) (*Version, error)
	History(ctx context.Context, configType string, limit int) ([]Version, error)
}

// Version mirrors domain.ConfigVersion; kept as its own type so this
// package doesn't need to import the domain package for what is, here, an
// entirely self-contained concern — config_versions isn't read by the
// correlator, parser, or maintenance engine, only by the components that
// load their own config at startup.
type Version struct {
	ID          int64
	ConfigType  string
	ContentHash string
	Content     map[string]any
	CreatedBy   string
	Notes       string
	IsActive    bool
}

// Service implements save/activate/rollback/compare over a Store.
type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

// Save stores a new configuration version, reusing an existing row with the
// same (config_type, content_hash) instead of duplicating it. When activate
// is true the new (or reused) version becomes the sole active version for
// its config_type.
func (s *Service) Save(ctx context.Context, configType string, content map[string]any, createdBy, notes string, activate bool) (int64, error) {
	hash, err := ComputeHash(content)
	if err != nil {
		return 0, err
	}

	existing, err := s.store.FindByHash(ctx, configType, hash)
	if err != nil {
		return 0, fmt.Errorf("configversion: find by hash: %w", err)
	}
	if existing != nil {
		if activate {
			if err := s.Activate(ctx, configType, existing.ID); err != nil {
				return 0, err
			}
		}
		return existing.ID, nil
	}

	if activate {
		if err := s.store.DeactivateActive(ctx, configType); err != nil {
			return 0, fmt.Errorf("configversion: deactivate current version: %w", err)
		}
	}

	id, err := s.store.Insert(ctx, Version{
		ConfigType:  configType,
		ContentHash: hash,
		Content:     content,
		CreatedBy:   createdBy,
		Notes:       notes,
		IsActive:    activate,
	})
	if err != nil {
		return 0, fmt.Errorf("configversion: insert version: %w", err)
	}
	return id, nil
}

// Activate makes versionID the sole active version for configType,
// deactivating whatever was previously active.
func (s *Service) Activate(ctx context.Context, configType string, versionID int64) error {
	version, err := s.store.GetByID(ctx, versionID)
	if err != nil {
		return fmt.Errorf("configversion: get version: %w", err)
	}
	if version == nil {
		return ErrNotFound
	}
	if version.ConfigType != configType {
		return ErrTypeMismatch
	}

	if err := s.store.DeactivateActive(ctx, configType); err != nil {
		return fmt.Errorf("configversion: deactivate current version: %w", err)
	}
	if err := s.store.ActivateByID(ctx, versionID); err != nil {
		return fmt.Errorf("configversion: activate version: %w", err)
	}
	return nil
}

// Rollback is Activate under the name an operator reaches for when
// reverting to a known-good version rather than promoting a new one.
func (s *Service) Rollback(ctx context.Context, configType string, versionID int64) error {
	return s.Activate(ctx, configType, versionID)
}

// ActiveConfig returns the currently active configuration content for a
// config_type, or nil if none is active.
func (s *Service) ActiveConfig(ctx context.Context, configType string) (map[string]any, error) {
	version, err := s.store.GetActive(ctx, configType)
	if err != nil {
		return nil, fmt.Errorf("configversion: get active version: %w", err)
	}
	if version == nil {
		return nil, nil
	}
	return version.Content, nil
}

// History returns up to limit versions for a config_type, most recent first.
func (s *Service) History(ctx context.Context, configType string, limit int) ([]Version, error) {
	return s.store.History(ctx, configType, limit)
}

// Diff is the result of comparing two config versions of the same type.
type Diff struct {
	Added    map[string]any    `json:"added"`
	Removed  map[string]any    `json:"removed"`
	Modified map[string]Change `json:"modified"`
}

// Change is one key whose value differs between two compared versions.
type Change struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// Compare returns a key-level diff between two versions of the same
// config_type.
func (s *Service) Compare(ctx context.Context, versionID1, versionID2 int64) (Diff, error) {
	v1, err := s.store.GetByID(ctx, versionID1)
	if err != nil {
		return Diff{}, fmt.Errorf("configversion: get version %d: %w", versionID1, err)
	}
	v2, err := s.store.GetByID(ctx, versionID2)
	if err != nil {
		return Diff{}, fmt.Errorf("configversion: get version %d: %w", versionID2, err)
	}
	if v1 == nil || v2 == nil {
		return Diff{}, ErrNotFound
	}
	if v1.ConfigType != v2.ConfigType {
		return Diff{}, ErrIncomparableTypes
	}

	diff := Diff{Added: map[string]any{}, Removed: map[string]any{}, Modified: map[string]Change{}}

	for k, v := range v2.Content {
		if _, ok := v1.Content[k]; !ok {
			diff.Added[k] = v
		}
	}
	for k, v := range v1.Content {
		if _, ok := v2.Content[k]; !ok {
			diff.Removed[k] = v
		}
	}
	for k, oldVal := range v1.Content {
		newVal, ok := v2.Content[k]
		if !ok {
			continue
		}
		if !valuesEqual(oldVal, newVal) {
			diff.Modified[k] = Change{Old: oldVal, New: newVal}
		}
	}

	return diff, nil
}

// valuesEqual compares two decoded config values for the purpose of a
// shallow key-level diff. Values arriving from a JSONB column decode into
// plain primitives/maps/slices, which reflect.DeepEqual compares correctly.
func valuesEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}
