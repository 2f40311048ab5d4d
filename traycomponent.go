package chembench

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/components/generic"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
)

// TrayModel is the tray component model.
var TrayModel = resource.NewModel("matterlab", "chembench", "tray")

func init() {
	resource.RegisterComponent(generic.API, TrayModel, resource.Registration[resource.Resource, *TrayConfig]{
		Constructor: newTrayComponent,
	})
}

type trayComponent struct {
	resource.AlwaysRebuild

	name   resource.Name
	logger logging.Logger
	cfg    *TrayConfig

	tray     *Tray
	storeDir string

	mu     sync.Mutex
	closed bool
}

func newTrayComponent(ctx context.Context, deps resource.Dependencies, conf resource.Config, logger logging.Logger) (resource.Resource, error) {
	cfg, err := resource.NativeConfig[*TrayConfig](conf)
	if err != nil {
		return nil, err
	}

	trayName := cfg.TrayName
	if trayName == "" {
		trayName = conf.ResourceName().ShortName()
	}

	lib := NewLibrary()
	if cfg.LabwareLibrary != "" {
		if err := lib.LoadFile(cfg.LabwareLibrary); err != nil {
			return nil, err
		}
	}

	var origin Location
	if len(cfg.Origin) == 6 {
		origin, err = LocationFromSlice(cfg.Origin)
		if err != nil {
			return nil, err
		}
	}
	placement := Placement{
		Labware:   cfg.Labware,
		Origin:    origin,
		Rows:      cfg.Rows,
		Columns:   cfg.Columns,
		SpacingMM: r3.Vector{X: cfg.SpacingMM[0], Y: cfg.SpacingMM[1]},
	}
	tray, err := BuildTray(lib, trayName, placement)
	if err != nil {
		return nil, err
	}

	store, err := defaultStores.Get(cfg.LedgerDir, cfg.LedgerStamp, logger)
	if err != nil {
		return nil, err
	}

	restored := false
	if cfg.Restore {
		snap, err := store.LoadLatest(trayName)
		if err != nil {
			logger.Warnf("no ledger snapshot to restore for tray %s, starting fresh: %v", trayName, err)
		} else {
			if err := tray.Restore(snap); err != nil {
				defaultStores.Release(cfg.LedgerDir)
				return nil, err
			}
			restored = true
			logger.Infof("restored tray %s from snapshot saved %s", trayName, snap.SavedAt)
		}
	}
	if !restored && cfg.SolventLibrary != "" {
		if err := tray.ApplySolventLibrary(cfg.SolventLibrary); err != nil {
			defaultStores.Release(cfg.LedgerDir)
			return nil, err
		}
	}

	tray.SetStore(store)
	if err := tray.Save(); err != nil {
		defaultStores.Release(cfg.LedgerDir)
		return nil, err
	}

	logger.Infof("tray %s ready: %s %dx%d, %d wells available",
		trayName, cfg.Labware, cfg.Rows, cfg.Columns, tray.AvailableCount())

	return &trayComponent{
		name:     conf.ResourceName(),
		logger:   logger,
		cfg:      cfg,
		tray:     tray,
		storeDir: cfg.LedgerDir,
	}, nil
}

func (tc *trayComponent) Name() resource.Name { return tc.name }

// Tray exposes the underlying tray to the workstation service, which runs in
// the same module process.
func (tc *trayComponent) Tray() *Tray { return tc.tray }

func (tc *trayComponent) Close(ctx context.Context) error {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.closed {
		return nil
	}
	tc.closed = true
	if err := tc.tray.Save(); err != nil {
		tc.logger.Warnf("final snapshot for tray %s failed: %v", tc.tray.Name, err)
	}
	defaultStores.Release(tc.storeDir)
	return nil
}

func (tc *trayComponent) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	command, err := cmdString(cmd, "command")
	if err != nil {
		return nil, err
	}

	switch command {
	case "next_available":
		c := tc.tray.NextAvailable()
		if c == nil {
			return map[string]interface{}{"available": false}, nil
		}
		return map[string]interface{}{
			"available": true,
			"well":      c.WellName,
			"kind":      c.Kind.String(),
		}, nil

	case "mark_used":
		well, err := cmdString(cmd, "well")
		if err != nil {
			return nil, err
		}
		used := true
		if v, ok := cmd["used"].(bool); ok {
			used = v
		}
		if err := tc.tray.MarkUsed(well, used); err != nil {
			return nil, err
		}
		return map[string]interface{}{"well": well, "used": used}, nil

	case "set_label":
		well, err := cmdString(cmd, "well")
		if err != nil {
			return nil, err
		}
		label, err := cmdString(cmd, "label")
		if err != nil {
			return nil, err
		}
		if err := tc.tray.SetLabel(well, label); err != nil {
			return nil, err
		}
		return map[string]interface{}{"well": well, "label": label}, nil

	case "add_weight":
		well, err := cmdString(cmd, "well")
		if err != nil {
			return nil, err
		}
		label, err := cmdString(cmd, "label")
		if err != nil {
			return nil, err
		}
		gross, err := cmdFloat(cmd, "gross_mg")
		if err != nil {
			return nil, err
		}
		sample, err := tc.tray.AddWeightSample(well, label, gross)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"well":     well,
			"label":    sample.Label,
			"gross_mg": sample.GrossMg,
			"added_mg": sample.AddedMg,
		}, nil

	case "add_content":
		well, err := cmdString(cmd, "well")
		if err != nil {
			return nil, err
		}
		reagent, err := cmdString(cmd, "reagent")
		if err != nil {
			return nil, err
		}
		volume, err := cmdFloat(cmd, "volume_ml")
		if err != nil {
			return nil, err
		}
		if err := tc.tray.AddContent(well, reagent, volume); err != nil {
			return nil, err
		}
		return map[string]interface{}{"well": well, "reagent": reagent, "volume_ml": volume}, nil

	case "track_volume":
		well, err := cmdString(cmd, "well")
		if err != nil {
			return nil, err
		}
		volume, err := cmdFloat(cmd, "volume_ml")
		if err != nil {
			return nil, err
		}
		if err := tc.tray.TrackVolume(well, volume); err != nil {
			return nil, err
		}
		return map[string]interface{}{"well": well, "volume_ml": volume}, nil

	case "set_solvent":
		well, err := cmdString(cmd, "well")
		if err != nil {
			return nil, err
		}
		solvent, err := cmdString(cmd, "solvent")
		if err != nil {
			return nil, err
		}
		label, _ := cmd["label"].(string)
		if err := tc.tray.SetSolvent(well, solvent, label); err != nil {
			return nil, err
		}
		return map[string]interface{}{"well": well, "solvent": solvent}, nil

	case "set_capped":
		well, err := cmdString(cmd, "well")
		if err != nil {
			return nil, err
		}
		capped, ok := cmd["capped"].(bool)
		if !ok {
			return nil, errors.New("set_capped needs a boolean 'capped'")
		}
		if err := tc.tray.SetCapped(well, capped); err != nil {
			return nil, err
		}
		return map[string]interface{}{"well": well, "capped": capped}, nil

	case "add_layer_aliquot":
		well, err := cmdString(cmd, "well")
		if err != nil {
			return nil, err
		}
		layer, err := cmdString(cmd, "layer")
		if err != nil {
			return nil, err
		}
		volume, err := cmdFloat(cmd, "volume_ml")
		if err != nil {
			return nil, err
		}
		if err := tc.tray.AddLayerAliquot(well, layer, volume); err != nil {
			return nil, err
		}
		return map[string]interface{}{"well": well, "layer": layer, "volume_ml": volume}, nil

	case "record_lc_run":
		well, err := cmdString(cmd, "well")
		if err != nil {
			return nil, err
		}
		volume, err := cmdFloat(cmd, "injection_volume_ul")
		if err != nil {
			return nil, err
		}
		method, _ := cmd["method"].(string)
		instrument, _ := cmd["instrument"].(string)
		dataDir, _ := cmd["data_dir"].(string)
		run := LCRun{
			InjectionVolumeUL: volume,
			Method:            method,
			Instrument:        instrument,
			DataDir:           dataDir,
		}
		if err := tc.tray.RecordLCRun(well, run); err != nil {
			return nil, err
		}
		return map[string]interface{}{"well": well}, nil

	case "get_info":
		well, err := cmdString(cmd, "well")
		if err != nil {
			return nil, err
		}
		c, err := tc.tray.Container(well)
		if err != nil {
			return nil, err
		}
		info, err := toMap(c.record())
		if err != nil {
			return nil, err
		}
		info["well"] = c.WellName
		return info, nil

	case "summary":
		return toMap(tc.tray.Summary())

	case "wells":
		names := tc.tray.WellNames()
		wells := make([]interface{}, len(names))
		for i, n := range names {
			wells[i] = n
		}
		return map[string]interface{}{"wells": wells}, nil

	case "save":
		if err := tc.tray.Save(); err != nil {
			return nil, err
		}
		return map[string]interface{}{"saved": true}, nil

	case "restore":
		store, err := defaultStores.Get(tc.storeDir, tc.cfg.LedgerStamp, tc.logger)
		if err != nil {
			return nil, err
		}
		defer defaultStores.Release(tc.storeDir)
		snap, err := store.LoadLatest(tc.tray.Name)
		if err != nil {
			return nil, err
		}
		if err := tc.tray.Restore(snap); err != nil {
			return nil, err
		}
		return map[string]interface{}{"restored": true, "saved_at": snap.SavedAt.String()}, nil

	default:
		return nil, errors.Errorf("unknown command %q", command)
	}
}

func cmdString(cmd map[string]interface{}, key string) (string, error) {
	v, ok := cmd[key].(string)
	if !ok || v == "" {
		return "", errors.Errorf("command needs a string %q", key)
	}
	return v, nil
}

func cmdFloat(cmd map[string]interface{}, key string) (float64, error) {
	switch v := cmd[key].(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	default:
		return 0, errors.Errorf("command needs a number %q", key)
	}
}

// toMap round-trips a struct through JSON into the loose map DoCommand
// responses use.
func toMap(v interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}
