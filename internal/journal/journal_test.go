package journal_test

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"codeberg.org/mutker/gpufand/internal/errors"
	"codeberg.org/mutker/gpufand/internal/gpu"
	"codeberg.org/mutker/gpufand/internal/journal"
	"codeberg.org/mutker/gpufand/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T, path string) journal.Store {
	t.Helper()
	store, err := journal.Open(journal.Config{Path: path, Enabled: true}, logger.Nop())
	require.NoError(t, err)
	return store
}

func TestAcquireRelease(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, filepath.Join(t.TempDir(), "journal.db"))
	defer store.Close()

	held, err := store.Held(ctx)
	require.NoError(t, err)
	assert.Empty(t, held)

	require.NoError(t, store.Acquire(ctx, gpu.Info{Index: 1, Name: "B"}))
	require.NoError(t, store.Acquire(ctx, gpu.Info{Index: 0, Name: "A"}))
	require.NoError(t, store.Acquire(ctx, gpu.Info{Index: 1, Name: "B2"}))

	held, err = store.Held(ctx)
	require.NoError(t, err)
	assert.Equal(t, []gpu.Info{{Index: 0, Name: "A"}, {Index: 1, Name: "B2"}}, held)

	require.NoError(t, store.Release(ctx, 0))
	require.NoError(t, store.Release(ctx, 7))

	held, err = store.Held(ctx)
	require.NoError(t, err)
	assert.Equal(t, []gpu.Info{{Index: 1, Name: "B2"}}, held)
}

func TestEntriesSurviveReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "journal.db")

	store := openStore(t, path)
	require.NoError(t, store.Acquire(ctx, gpu.Info{Index: 2, Name: "C"}))
	require.NoError(t, store.Close())

	store = openStore(t, path)
	defer store.Close()

	held, err := store.Held(ctx)
	require.NoError(t, err)
	assert.Equal(t, []gpu.Info{{Index: 2, Name: "C"}}, held)
}

func TestSchemaMismatchBacksUpAndRecreates(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.db")

	store := openStore(t, path)
	require.NoError(t, store.Acquire(ctx, gpu.Info{Index: 0, Name: "A"}))
	require.NoError(t, store.Close())

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec("UPDATE schema_versions SET version = 99")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	store = openStore(t, path)
	defer store.Close()

	held, err := store.Held(ctx)
	require.NoError(t, err)
	assert.Empty(t, held)

	backups, err := os.ReadDir(filepath.Join(dir, "backups"))
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Contains(t, backups[0].Name(), "journal_v99_")
}

func TestDisabledJournalIsNoop(t *testing.T) {
	ctx := context.Background()
	store, err := journal.Open(journal.Config{Enabled: false}, logger.Nop())
	require.NoError(t, err)

	require.NoError(t, store.Acquire(ctx, gpu.Info{Index: 0, Name: "A"}))
	held, err := store.Held(ctx)
	require.NoError(t, err)
	assert.Empty(t, held)
	assert.NoError(t, store.Close())
}

func TestEnabledJournalNeedsPath(t *testing.T) {
	_, err := journal.Open(journal.Config{Enabled: true}, logger.Nop())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, journal.ErrInvalidPath))
}
