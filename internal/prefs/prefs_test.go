package prefs

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"codeberg.org/mutker/sensord/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "SwitchState_5")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "SwitchState_5", true))
	v, ok, err := s.Get(ctx, "SwitchState_5")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, v)

	require.NoError(t, s.Set(ctx, "SwitchState_5", false))
	v, ok, err = s.Get(ctx, "SwitchState_5")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, v)
}

func TestMemoryRoundTrip(t *testing.T) {
	roundTrip(t, NewMemory())
}

func TestMemoryFailWrites(t *testing.T) {
	m := NewMemory()
	boom := errors.New().New(errors.ErrStorageIO)
	m.FailWrites(boom)

	err := m.Set(context.Background(), "k", true)
	assert.ErrorIs(t, err, boom)

	_, ok, _ := m.Get(context.Background(), "k")
	assert.False(t, ok)

	m.FailWrites(nil)
	assert.NoError(t, m.Set(context.Background(), "k", true))
}

func TestSQLiteRoundTrip(t *testing.T) {
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "prefs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s, err := NewSQLite(context.Background(), db)
	require.NoError(t, err)
	roundTrip(t, s)
}

func TestSQLitePersistsAcrossHandles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.db")
	ctx := context.Background()

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	s, err := NewSQLite(ctx, db)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "SwitchState_8", true))
	require.NoError(t, db.Close())

	db, err = sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()
	s, err = NewSQLite(ctx, db)
	require.NoError(t, err)

	v, ok, err := s.Get(ctx, "SwitchState_8")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, v)
}

func TestSQLiteClosedHandle(t *testing.T) {
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "prefs.db"))
	require.NoError(t, err)
	s, err := NewSQLite(context.Background(), db)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	err = s.Set(context.Background(), "k", true)
	assert.True(t, errors.HasCode(err, errors.ErrStorageIO))
}

func TestYAMLRoundTrip(t *testing.T) {
	y, err := NewYAML(filepath.Join(t.TempDir(), "nested", "state.yaml"))
	require.NoError(t, err)
	roundTrip(t, y)
}

func TestYAMLReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")
	ctx := context.Background()

	y, err := NewYAML(path)
	require.NoError(t, err)
	require.NoError(t, y.Set(ctx, "SwitchState_1", true))
	require.NoError(t, y.Set(ctx, "SwitchState_4", false))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "SwitchState_1: true")

	y, err = NewYAML(path)
	require.NoError(t, err)

	v, ok, err := y.Get(ctx, "SwitchState_1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, v)

	v, ok, err = y.Get(ctx, "SwitchState_4")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, v)

	matches, err := filepath.Glob(filepath.Join(filepath.Dir(path), "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestYAMLCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")
	require.NoError(t, os.WriteFile(path, []byte("- not\n- a map\n"), 0o644))

	_, err := NewYAML(path)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrStorageIO))
}
