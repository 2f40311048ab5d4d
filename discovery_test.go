package chembench

import (
	"context"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/discovery"
)

func newTestInventory(t *testing.T, dir string) *inventory {
	t.Helper()
	return &inventory{
		Named:  resource.NewName(discovery.API, "inventory").AsNamed(),
		cfg:    &InventoryConfig{LedgerDir: dir},
		logger: logging.NewTestLogger(t),
	}
}

func TestDiscoverResources(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir, "run1", nil)
	require.NoError(t, err)

	stock, err := BuildTray(NewLibrary(), "stock", Placement{
		Labware:   "vial_stock",
		Origin:    Location{Position: r3.Vector{X: 150, Y: 300, Z: 20}},
		Rows:      4,
		Columns:   6,
		SpacingMM: r3.Vector{X: 25, Y: 25},
	})
	require.NoError(t, err)
	stock.SetStore(store)
	require.NoError(t, stock.Save())

	samples := buildTestTray(t, "samples", "vial_sample", 2, 3)
	samples.SetStore(store)
	require.NoError(t, samples.Save())

	inv := newTestInventory(t, dir)
	configs, err := inv.DiscoverResources(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, configs, 2)

	// sorted by tray name
	assert.Equal(t, "tray-samples", configs[0].Name)
	assert.Equal(t, "tray-stock", configs[1].Name)

	cfg := configs[1]
	assert.Equal(t, TrayModel, cfg.Model)
	assert.Equal(t, "vial_stock", cfg.Attributes["labware"])
	assert.Equal(t, 4, cfg.Attributes["rows"])
	assert.Equal(t, 6, cfg.Attributes["columns"])
	assert.Equal(t, []float64{150, 300, 20, 0, 0, 0}, cfg.Attributes["origin"])
	assert.Equal(t, []float64{25, 25}, cfg.Attributes["spacing_mm"])
	assert.Equal(t, dir, cfg.Attributes["ledger_dir"])
	assert.Equal(t, true, cfg.Attributes["restore"])
}

func TestDiscoverResourcesKeepsNewestSnapshot(t *testing.T) {
	dir := t.TempDir()

	// the same tray saved under two run stamps, second one larger
	older, err := NewStore(dir, "run1", nil)
	require.NoError(t, err)
	small := buildTestTray(t, "stock", "vial_stock", 1, 1)
	small.SetStore(older)
	require.NoError(t, small.Save())

	newer, err := NewStore(dir, "run2", nil)
	require.NoError(t, err)
	big := buildTestTray(t, "stock", "vial_stock", 4, 4)
	big.SetStore(newer)
	require.NoError(t, big.Save())

	inv := newTestInventory(t, dir)
	configs, err := inv.DiscoverResources(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, configs, 1)
	assert.Equal(t, 4, configs[0].Attributes["rows"])
}

func TestDiscoverResourcesExtraOverride(t *testing.T) {
	base := t.TempDir()
	other := t.TempDir()

	store, err := NewStore(other, "", nil)
	require.NoError(t, err)
	tray := buildTestTray(t, "stock", "vial_stock", 1, 2)
	tray.SetStore(store)
	require.NoError(t, tray.Save())

	inv := newTestInventory(t, base)
	configs, err := inv.DiscoverResources(context.Background(), map[string]any{"ledger_dir": other})
	require.NoError(t, err)
	require.Len(t, configs, 1)
	assert.Equal(t, other, configs[0].Attributes["ledger_dir"])
}

func TestDiscoverResourcesMissingDir(t *testing.T) {
	inv := newTestInventory(t, "/nonexistent/ledger")
	_, err := inv.DiscoverResources(context.Background(), nil)
	assert.Error(t, err)
}
