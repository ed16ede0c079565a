package configversion

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	versions map[int64]Version
	nextID   int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{versions: map[int64]Version{}, nextID: 1}
}

func (f *fakeStore) FindByHash(ctx context.Context, configType, contentHash string) (*Version, error) {
	for _, v := range f.versions {
		if v.ConfigType == configType && v.ContentHash == contentHash {
			cp := v
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) DeactivateActive(ctx context.Context, configType string) error {
	for id, v := range f.versions {
		if v.ConfigType == configType && v.IsActive {
			v.IsActive = false
			f.versions[id] = v
		}
	}
	return nil
}

func (f *fakeStore) Insert(ctx context.Context, v Version) (int64, error) {
	v.ID = f.nextID
	f.nextID++
	f.versions[v.ID] = v
	return v.ID, nil
}

func (f *fakeStore) ActivateByID(ctx context.Context, id int64) error {
	v := f.versions[id]
	v.IsActive = true
	f.versions[id] = v
	return nil
}

func (f *fakeStore) GetByID(ctx context.Context, id int64) (*Version, error) {
	v, ok := f.versions[id]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func (f *fakeStore) GetActive(ctx context.Context, configType string) (*Version, error) {
	for _, v := range f.versions {
		if v.ConfigType == configType && v.IsActive {
			cp := v
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) History(ctx context.Context, configType string, limit int) ([]Version, error) {
	var out []Version
	for _, v := range f.versions {
		if v.ConfigType == configType {
			out = append(out, v)
		}
	}
	return out, nil
}

func TestComputeHash_StableAcrossKeyOrder(t *testing.T) {
	h1, err := ComputeHash(map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	h2, err := ComputeHash(map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestComputeHash_DifferentContentDifferentHash(t *testing.T) {
	h1, _ := ComputeHash(map[string]any{"a": 1})
	h2, _ := ComputeHash(map[string]any{"a": 2})
	assert.NotEqual(t, h1, h2)
}

func TestService_SaveActivatesFirstVersion(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store)

	id, err := svc.Save(context.Background(), "parsers", map[string]any{"op5": "..."}, "alice", "initial", true)
	require.NoError(t, err)

	active, err := svc.ActiveConfig(context.Background(), "parsers")
	require.NoError(t, err)
	assert.Equal(t, store.versions[id].Content, active)
}

func TestService_SaveReusesIdenticalContent(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store)

	content := map[string]any{"op5": "..."}
	id1, err := svc.Save(context.Background(), "parsers", content, "alice", "v1", true)
	require.NoError(t, err)
	id2, err := svc.Save(context.Background(), "parsers", content, "bob", "v2 but same content", true)
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	assert.Len(t, store.versions, 1)
}

func TestService_ActivateDeactivatesPrevious(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store)

	id1, _ := svc.Save(context.Background(), "parsers", map[string]any{"v": 1}, "alice", "", true)
	id2, _ := svc.Save(context.Background(), "parsers", map[string]any{"v": 2}, "alice", "", true)

	assert.False(t, store.versions[id1].IsActive)
	assert.True(t, store.versions[id2].IsActive)
}

func TestService_ActivateUnknownVersionErrors(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store)

	err := svc.Activate(context.Background(), "parsers", 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_ActivateTypeMismatchErrors(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store)

	id, _ := svc.Save(context.Background(), "parsers", map[string]any{"v": 1}, "alice", "", false)

	err := svc.Activate(context.Background(), "redaction", id)
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestService_Rollback(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store)

	id1, _ := svc.Save(context.Background(), "parsers", map[string]any{"v": 1}, "alice", "", true)
	_, _ = svc.Save(context.Background(), "parsers", map[string]any{"v": 2}, "alice", "", true)

	require.NoError(t, svc.Rollback(context.Background(), "parsers", id1))
	assert.True(t, store.versions[id1].IsActive)
}

func TestService_Compare(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store)

	id1, _ := svc.Save(context.Background(), "parsers", map[string]any{"a": 1, "b": 2}, "alice", "", false)
	id2, _ := svc.Save(context.Background(), "parsers", map[string]any{"b": 3, "c": 4}, "alice", "", false)

	diff, err := svc.Compare(context.Background(), id1, id2)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"c": 4}, diff.Added)
	assert.Equal(t, map[string]any{"a": 1}, diff.Removed)
	assert.Equal(t, Change{Old: 2, New: 3}, diff.Modified["b"])
}

func TestService_CompareDifferentTypesErrors(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store)

	id1, _ := svc.Save(context.Background(), "parsers", map[string]any{"a": 1}, "alice", "", false)
	id2, _ := svc.Save(context.Background(), "redaction", map[string]any{"a": 1}, "alice", "", false)

	_, err := svc.Compare(context.Background(), id1, id2)
	assert.ErrorIs(t, err, ErrIncomparableTypes)
}
