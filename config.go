package chembench

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// defaultLedgerDir resolves where tray snapshots live when the config does
// not say: the module data directory under viam-server, a temp fallback
// otherwise.
func defaultLedgerDir() string {
	if dir := os.Getenv("VIAM_MODULE_DATA"); dir != "" {
		return filepath.Join(dir, "ledger")
	}
	return filepath.Join(os.TempDir(), "chembench", "ledger")
}

// TrayConfig configures one tray component: which labware fills it, where it
// sits on the deck, and how its ledger is kept.
type TrayConfig struct {
	// TrayName defaults to the resource name.
	TrayName string `json:"tray_name,omitempty"`

	Labware string `json:"labware"`
	Rows    int    `json:"rows"`
	Columns int    `json:"columns"`

	// Origin is the [x y z rx ry rz] pose of well A1 in millimeters and
	// degrees. Optional; an unset origin leaves the tray at the frame origin.
	Origin []float64 `json:"origin,omitempty"`
	// SpacingMM is the [x y] well pitch. Defaults to 20x20 mm.
	SpacingMM []float64 `json:"spacing_mm,omitempty"`

	LedgerDir   string `json:"ledger_dir,omitempty"`
	LedgerStamp string `json:"ledger_stamp,omitempty"`
	// Restore loads the most recent snapshot for this tray at startup.
	Restore bool `json:"restore,omitempty"`

	// LabwareLibrary is an optional YAML file of extra labware specs.
	LabwareLibrary string `json:"labware_library,omitempty"`
	// SolventLibrary is an optional JSON file assigning solvents to wells.
	SolventLibrary string `json:"solvent_library,omitempty"`
}

// Validate checks the tray config and fills defaults in place.
func (cfg *TrayConfig) Validate(path string) ([]string, []string, error) {
	if cfg.Labware == "" {
		return nil, nil, fmt.Errorf("%s: labware is required", path)
	}
	if cfg.Rows < 1 || cfg.Columns < 1 {
		return nil, nil, fmt.Errorf("%s: rows and columns must be at least 1, got %dx%d", path, cfg.Rows, cfg.Columns)
	}
	if len(cfg.Origin) != 0 && len(cfg.Origin) != 6 {
		return nil, nil, fmt.Errorf("%s: origin must be [x y z rx ry rz], got %d values", path, len(cfg.Origin))
	}
	switch len(cfg.SpacingMM) {
	case 0:
		cfg.SpacingMM = []float64{20, 20}
	case 2:
		if cfg.SpacingMM[0] <= 0 || cfg.SpacingMM[1] <= 0 {
			return nil, nil, fmt.Errorf("%s: spacing_mm values must be positive", path)
		}
	default:
		return nil, nil, fmt.Errorf("%s: spacing_mm must be [x y], got %d values", path, len(cfg.SpacingMM))
	}
	if cfg.LedgerDir == "" {
		cfg.LedgerDir = defaultLedgerDir()
	}
	return nil, nil, nil
}

// WorkstationConfig wires the workstation service to its hardware and trays
// and tunes the dosing loop.
type WorkstationConfig struct {
	Arm     string `json:"arm"`
	Gripper string `json:"gripper"`

	// Balance is a sensor reporting mass_mg and stable, with tare/dose
	// commands. Optional; dosing requires it.
	Balance string `json:"balance,omitempty"`
	// Pipettor is a generic component accepting liquid handling commands.
	// Optional; pH batches require it.
	Pipettor string `json:"pipettor,omitempty"`
	// PHMeter is a sensor reporting ph. Optional; pH batches require it.
	PHMeter string `json:"ph_meter,omitempty"`

	// Trays maps roles to tray component names. Dosing uses "samples" and
	// "heads"; pH batches record into "plate" when present.
	Trays map[string]string `json:"trays,omitempty"`

	// WaypointFile and RouteFile hold the named arm poses and the routes
	// between them.
	WaypointFile string `json:"waypoint_file,omitempty"`
	RouteFile    string `json:"route_file,omitempty"`

	DoseRetries    int           `json:"dose_retries,omitempty"`
	DoseRetryDelay time.Duration `json:"dose_retry_delay,omitempty"`
	SettleTimeout  time.Duration `json:"settle_timeout,omitempty"`
	SettlePoll     time.Duration `json:"settle_poll,omitempty"`
}

// Validate checks the workstation config, fills defaults, and declares its
// resource dependencies.
func (cfg *WorkstationConfig) Validate(path string) ([]string, []string, error) {
	if cfg.Arm == "" {
		return nil, nil, fmt.Errorf("%s: arm is required", path)
	}
	if cfg.Gripper == "" {
		return nil, nil, fmt.Errorf("%s: gripper is required", path)
	}
	if cfg.DoseRetries == 0 {
		cfg.DoseRetries = 3
	}
	if cfg.DoseRetries < 1 {
		return nil, nil, fmt.Errorf("%s: dose_retries must be at least 1", path)
	}
	if cfg.DoseRetryDelay == 0 {
		cfg.DoseRetryDelay = time.Second
	}
	if cfg.SettleTimeout == 0 {
		cfg.SettleTimeout = 30 * time.Second
	}
	if cfg.SettlePoll == 0 {
		cfg.SettlePoll = 500 * time.Millisecond
	}

	required := []string{cfg.Arm, cfg.Gripper}
	var optional []string
	for _, name := range []string{cfg.Balance, cfg.Pipettor, cfg.PHMeter} {
		if name != "" {
			optional = append(optional, name)
		}
	}
	for _, name := range cfg.Trays {
		if name != "" {
			optional = append(optional, name)
		}
	}
	return required, optional, nil
}

// InventoryConfig configures the discovery service that rebuilds tray
// configs from an existing ledger directory.
type InventoryConfig struct {
	LedgerDir string `json:"ledger_dir,omitempty"`
	// LabwareLibrary is propagated into the generated tray configs.
	LabwareLibrary string `json:"labware_library,omitempty"`
}

// Validate fills the default ledger directory.
func (cfg *InventoryConfig) Validate(path string) ([]string, []string, error) {
	if cfg.LedgerDir == "" {
		cfg.LedgerDir = defaultLedgerDir()
	}
	return nil, nil, nil
}
