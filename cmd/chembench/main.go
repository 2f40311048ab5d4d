package main

import (
	"encoding/json"
	"fmt"
	"os"

	"chembench"

	"go.viam.com/rdk/logging"
)

func main() {
	if err := realMain(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func realMain() error {
	logger := logging.NewLogger("chembench-cli")

	if len(os.Args) < 2 {
		return usage()
	}
	switch os.Args[1] {
	case "ledger":
		if len(os.Args) < 3 {
			return usage()
		}
		return showLedger(os.Args[2])
	case "tray":
		if len(os.Args) < 3 {
			return usage()
		}
		return showTray(os.Args[2])
	case "plan":
		if len(os.Args) < 3 {
			return usage()
		}
		layoutPath := ""
		if len(os.Args) > 3 {
			layoutPath = os.Args[3]
		}
		return planBatch(os.Args[2], layoutPath, logger)
	default:
		return usage()
	}
}

func usage() error {
	fmt.Fprintln(os.Stderr, `usage:
  chembench ledger <dir>              list tray snapshots in a ledger directory
  chembench tray <snapshot.json>      show one tray snapshot in detail
  chembench plan <batch.csv> [layout.json]
                                      print the liquid handler steps for a pH batch`)
	return fmt.Errorf("invalid arguments")
}

func showLedger(dir string) error {
	paths, err := chembench.ListSnapshots(dir)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		fmt.Println("no snapshots in", dir)
		return nil
	}
	for _, path := range paths {
		snap, err := chembench.ReadSnapshot(path)
		if err != nil {
			fmt.Printf("%s: unreadable: %v\n", path, err)
			continue
		}
		used := 0
		for _, rec := range snap.Containers {
			if rec.Used {
				used++
			}
		}
		fmt.Printf("%s: tray %s, %d wells, %d used, saved %s\n",
			path, snap.TrayName, len(snap.Containers), used, snap.SavedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func showTray(path string) error {
	snap, err := chembench.ReadSnapshot(path)
	if err != nil {
		return err
	}
	fmt.Printf("tray %s (%s %dx%d), saved %s\n",
		snap.TrayName, snap.Placement.Labware, snap.Placement.Rows, snap.Placement.Columns,
		snap.SavedAt.Format("2006-01-02 15:04:05"))
	next := ""
	for _, well := range snap.WellOrder {
		rec, ok := snap.Containers[well]
		if !ok {
			continue
		}
		if !rec.Used {
			if next == "" {
				next = well
			}
			continue
		}
		line := fmt.Sprintf("  %s: %s", well, rec.Kind)
		if rec.UserLabel != "" {
			line += " " + rec.UserLabel
		}
		if rec.LastGrossMg > 0 {
			line += fmt.Sprintf(", %.2f mg gross", rec.LastGrossMg)
		}
		if rec.TotalVolumeML > 0 {
			line += fmt.Sprintf(", %.3f mL", rec.TotalVolumeML)
		}
		fmt.Println(line)
	}
	if next != "" {
		fmt.Println("next available:", next)
	} else {
		fmt.Println("tray is full")
	}
	return nil
}

func planBatch(csvPath, layoutPath string, logger logging.Logger) error {
	batch, err := chembench.LoadExperimentsCSV(csvPath)
	if err != nil {
		return err
	}
	layout := chembench.BatchLayout{
		AcidLabware:  "reservoir",
		AcidWell:     "A1",
		BaseLabware:  "reservoir",
		BaseWell:     "A2",
		PlateLabware: "plate",
		StripLabware: "ph_strips",
		StripWell:    "A1",
	}
	if layoutPath != "" {
		data, err := os.ReadFile(layoutPath)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, &layout); err != nil {
			return err
		}
	}
	steps, err := chembench.PlanBatch(batch, layout)
	if err != nil {
		return err
	}
	logger.Infof("planned %d steps for %d experiments", len(steps), len(batch))
	for i, step := range steps {
		line := fmt.Sprintf("%3d  %s", i, step.Op)
		if step.Labware != "" {
			line += fmt.Sprintf("  %s/%s", step.Labware, step.Well)
		} else if step.Well != "" {
			line += "  " + step.Well
		}
		if step.VolumeUL > 0 {
			line += fmt.Sprintf("  %.1f uL", step.VolumeUL)
		}
		if step.Cycles > 0 {
			line += fmt.Sprintf("  x%d", step.Cycles)
		}
		fmt.Println(line)
	}
	return nil
}
