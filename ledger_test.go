package chembench

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorePath(t *testing.T) {
	dir := t.TempDir()

	stamped, err := NewStore(dir, "20260830_1200", nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "20260830_1200_stock.json"), stamped.Path("stock"))

	bare, err := NewStore(dir, "", nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "stock.json"), bare.Path("stock"))

	_, err = NewStore("", "", nil)
	assert.Error(t, err)
}

func TestStoreWriteRejectsAnonymousSnapshot(t *testing.T) {
	store, err := NewStore(t.TempDir(), "", nil)
	require.NoError(t, err)
	assert.Error(t, store.Write(TraySnapshot{}))
}

func TestStoreLoadLatestAcrossStamps(t *testing.T) {
	dir := t.TempDir()

	run1, err := NewStore(dir, "run1", nil)
	require.NoError(t, err)
	run2, err := NewStore(dir, "run2", nil)
	require.NoError(t, err)

	tray := buildTestTray(t, "stock", "vial_stock", 1, 1)
	tray.SetStore(run1)
	require.NoError(t, tray.Save())

	require.NoError(t, tray.MarkUsed("A1", true))
	tray.SetStore(run2)
	require.NoError(t, tray.Save())

	snap, err := run1.LoadLatest("stock")
	require.NoError(t, err)
	assert.True(t, snap.Containers["A1"].Used, "latest snapshot has the used well")

	_, err = run1.LoadLatest("missing")
	assert.Error(t, err)
}

func TestListSnapshotsFiltersNonJSON(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stock.json"), []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stock.json.tmp"), []byte("{}"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "archive"), 0o755))

	paths, err := ListSnapshots(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "stock.json")}, paths)
}

func TestReadSnapshotErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := ReadSnapshot(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("not json"), 0o644))
	_, err = ReadSnapshot(bad)
	assert.Error(t, err)

	anonymous := filepath.Join(dir, "anon.json")
	require.NoError(t, os.WriteFile(anonymous, []byte("{}"), 0o644))
	_, err = ReadSnapshot(anonymous)
	assert.Error(t, err)
}
