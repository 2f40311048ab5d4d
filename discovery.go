package chembench

import (
	"context"
	"sort"

	"go.viam.com/rdk/components/generic"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/discovery"
)

// InventoryModel is the ledger inventory discovery service model.
var InventoryModel = resource.NewModel("matterlab", "chembench", "inventory")

func init() {
	resource.RegisterService(
		discovery.API,
		InventoryModel,
		resource.Registration[discovery.Service, *InventoryConfig]{
			Constructor: newInventory,
		})
}

// inventory scans a ledger directory and proposes tray components that
// restore the trays found there. Rebuilding a machine config after a
// restart or a move starts from what the ledger already knows.
type inventory struct {
	resource.Named
	resource.AlwaysRebuild
	resource.TriviallyCloseable

	cfg    *InventoryConfig
	logger logging.Logger
}

func newInventory(ctx context.Context, deps resource.Dependencies, conf resource.Config, logger logging.Logger) (discovery.Service, error) {
	cfg, err := resource.NativeConfig[*InventoryConfig](conf)
	if err != nil {
		return nil, err
	}
	return &inventory{
		Named:  conf.ResourceName().AsNamed(),
		cfg:    cfg,
		logger: logger,
	}, nil
}

// DiscoverResources reads every snapshot in the ledger directory and emits
// one tray config per tray, keeping only the newest snapshot when a tray
// appears under several run stamps.
func (inv *inventory) DiscoverResources(ctx context.Context, extra map[string]any) ([]resource.Config, error) {
	dir := inv.cfg.LedgerDir
	if v, ok := extra["ledger_dir"].(string); ok && v != "" {
		dir = v
	}
	inv.logger.Infof("scanning ledger directory %s", dir)

	paths, err := ListSnapshots(dir)
	if err != nil {
		return nil, err
	}
	latest := map[string]TraySnapshot{}
	for _, path := range paths {
		snap, err := ReadSnapshot(path)
		if err != nil {
			inv.logger.Warnf("skipping unreadable ledger file %s: %v", path, err)
			continue
		}
		if prev, ok := latest[snap.TrayName]; ok && prev.SavedAt.After(snap.SavedAt) {
			continue
		}
		latest[snap.TrayName] = snap
	}

	names := make([]string, 0, len(latest))
	for name := range latest {
		names = append(names, name)
	}
	sort.Strings(names)

	configs := make([]resource.Config, 0, len(names))
	for _, name := range names {
		snap := latest[name]
		attrs := map[string]interface{}{
			"tray_name":  snap.TrayName,
			"labware":    snap.Placement.Labware,
			"rows":       snap.Placement.Rows,
			"columns":    snap.Placement.Columns,
			"origin":     snap.Placement.Origin.Slice(),
			"spacing_mm": []float64{snap.Placement.SpacingMM.X, snap.Placement.SpacingMM.Y},
			"ledger_dir": dir,
			"restore":    true,
		}
		if inv.cfg.LabwareLibrary != "" {
			attrs["labware_library"] = inv.cfg.LabwareLibrary
		}
		configs = append(configs, resource.Config{
			Name:       "tray-" + snap.TrayName,
			API:        generic.API,
			Model:      TrayModel,
			Attributes: attrs,
		})
	}
	inv.logger.Infof("found %d trays in %s", len(configs), dir)
	return configs, nil
}
