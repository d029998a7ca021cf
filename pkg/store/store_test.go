package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-go-golems/chatsync/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := s.Get(ctx, KeyConversations)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, SnapshotKey("c1"), []byte(`{"id":"c1"}`)))
	require.NoError(t, s.Set(ctx, SnapshotKey("c2"), []byte(`{"id":"c2"}`)))
	require.NoError(t, s.Set(ctx, KeyTheme, []byte(`"dark"`)))

	b, ok, err := s.Get(ctx, SnapshotKey("c1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"id":"c1"}`, string(b))

	keys, err := s.Keys(ctx, "conversation_")
	require.NoError(t, err)
	assert.Equal(t, []string{"conversation_c1", "conversation_c2"}, keys)

	require.NoError(t, s.Delete(ctx, SnapshotKey("c1")))
	_, ok, err = s.Get(ctx, SnapshotKey("c1"))
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Delete(ctx, "missing"))
}

func TestInMemoryStore(t *testing.T) {
	s := NewInMemoryStore()
	exerciseStore(t, s)

	require.NoError(t, s.Close())
	_, _, err := s.Get(context.Background(), KeyTheme)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestInMemoryStoreCopiesValues(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	v := []byte("abc")
	require.NoError(t, s.Set(ctx, "k", v))
	v[0] = 'x'

	got, _, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
}

func TestYAMLFileStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")
	s, err := NewYAMLFileStore(path)
	require.NoError(t, err)
	exerciseStore(t, s)
	require.NoError(t, s.Close())

	reopened, err := NewYAMLFileStore(path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	b, ok, err := reopened.Get(context.Background(), SnapshotKey("c2"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"id":"c2"}`, string(b))

	_, ok, err = reopened.Get(context.Background(), SnapshotKey("c1"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestYAMLFileStoreRejectsNewerVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: 99\nentries: {}\n"), 0o644))
	_, err := NewYAMLFileStore(path)
	require.Error(t, err)
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	dsn, err := SQLiteDSNForFile(path)
	require.NoError(t, err)

	s, err := NewSQLiteStore(dsn)
	require.NoError(t, err)
	exerciseStore(t, s)
	require.NoError(t, s.Set(context.Background(), KeyTheme, []byte(`"light"`)))
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteStore(dsn)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	b, ok, err := reopened.Get(context.Background(), KeyTheme)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `"light"`, string(b))

	keys, err := reopened.Keys(context.Background(), "conversation_")
	require.NoError(t, err)
	assert.Equal(t, []string{"conversation_c2"}, keys)
}

func TestOpenSelectsDriver(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(config.StoreSettings{Driver: config.StoreDriverMemory})
	require.NoError(t, err)
	assert.IsType(t, &InMemoryStore{}, s)

	s, err = Open(config.StoreSettings{Driver: config.StoreDriverYAML, Path: filepath.Join(dir, "nested", "s.yaml")})
	require.NoError(t, err)
	assert.IsType(t, &YAMLFileStore{}, s)
	require.NoError(t, s.Close())

	s, err = Open(config.StoreSettings{Driver: config.StoreDriverSQLite, Path: filepath.Join(dir, "s.db")})
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open(config.StoreSettings{Driver: "bolt"})
	require.Error(t, err)
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	var ids []string
	ok, err := GetJSON(ctx, s, KeyPendingSyncs, &ids)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, SetJSON(ctx, s, KeyPendingSyncs, []string{"a", "b"}))
	ok, err = GetJSON(ctx, s, KeyPendingSyncs, &ids)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, ids)

	require.NoError(t, s.Set(ctx, KeyPendingSyncs, []byte("not json")))
	ok, err = GetJSON(ctx, s, KeyPendingSyncs, &ids)
	assert.True(t, ok)
	assert.Error(t, err)
}
