package chembench

import (
	"strings"
	"testing"
	"time"
)

func TestTrayConfigValidate(t *testing.T) {
	t.Run("fills defaults", func(t *testing.T) {
		cfg := &TrayConfig{Labware: "vial_stock", Rows: 4, Columns: 6}
		if _, _, err := cfg.Validate("test"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.SpacingMM[0] != 20 || cfg.SpacingMM[1] != 20 {
			t.Errorf("expected 20x20 spacing default, got %v", cfg.SpacingMM)
		}
		if cfg.LedgerDir == "" {
			t.Error("expected a default ledger dir")
		}
	})

	t.Run("requires labware", func(t *testing.T) {
		cfg := &TrayConfig{Rows: 4, Columns: 6}
		if _, _, err := cfg.Validate("test"); err == nil {
			t.Error("expected error for missing labware")
		}
	})

	t.Run("rejects bad dimensions", func(t *testing.T) {
		cfg := &TrayConfig{Labware: "vial_stock", Rows: 0, Columns: 6}
		if _, _, err := cfg.Validate("test"); err == nil {
			t.Error("expected error for zero rows")
		}
	})

	t.Run("rejects malformed origin", func(t *testing.T) {
		cfg := &TrayConfig{Labware: "vial_stock", Rows: 1, Columns: 1, Origin: []float64{1, 2, 3}}
		if _, _, err := cfg.Validate("test"); err == nil {
			t.Error("expected error for 3-element origin")
		}
	})

	t.Run("rejects bad spacing", func(t *testing.T) {
		cfg := &TrayConfig{Labware: "vial_stock", Rows: 1, Columns: 1, SpacingMM: []float64{20, -5}}
		if _, _, err := cfg.Validate("test"); err == nil {
			t.Error("expected error for negative spacing")
		}
	})
}

func TestWorkstationConfigValidate(t *testing.T) {
	t.Run("declares dependencies", func(t *testing.T) {
		cfg := &WorkstationConfig{
			Arm:     "ur5e",
			Gripper: "grip",
			Balance: "balance",
			Trays:   map[string]string{"samples": "tray-samples"},
		}
		required, optional, err := cfg.Validate("test")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(required) != 2 {
			t.Errorf("expected arm and gripper required, got %v", required)
		}
		found := false
		for _, dep := range optional {
			if dep == "tray-samples" {
				found = true
			}
		}
		if !found {
			t.Errorf("expected tray-samples in optional deps, got %v", optional)
		}
	})

	t.Run("fills tuning defaults", func(t *testing.T) {
		cfg := &WorkstationConfig{Arm: "ur5e", Gripper: "grip"}
		if _, _, err := cfg.Validate("test"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.DoseRetries != 3 {
			t.Errorf("expected 3 dose retries, got %d", cfg.DoseRetries)
		}
		if cfg.DoseRetryDelay != time.Second {
			t.Errorf("expected 1s retry delay, got %s", cfg.DoseRetryDelay)
		}
		if cfg.SettleTimeout != 30*time.Second {
			t.Errorf("expected 30s settle timeout, got %s", cfg.SettleTimeout)
		}
	})

	t.Run("requires arm and gripper", func(t *testing.T) {
		cfg := &WorkstationConfig{Gripper: "grip"}
		if _, _, err := cfg.Validate("test"); err == nil || !strings.Contains(err.Error(), "arm") {
			t.Errorf("expected arm error, got %v", err)
		}
		cfg = &WorkstationConfig{Arm: "ur5e"}
		if _, _, err := cfg.Validate("test"); err == nil || !strings.Contains(err.Error(), "gripper") {
			t.Errorf("expected gripper error, got %v", err)
		}
	})
}

func TestInventoryConfigValidate(t *testing.T) {
	cfg := &InventoryConfig{}
	if _, _, err := cfg.Validate("test"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LedgerDir == "" {
		t.Error("expected a default ledger dir")
	}
}
