package chembench

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// Experiment is one well in a pH batch: how much acid and base it receives
// before measurement. Volumes of zero skip that dispense.
type Experiment struct {
	Well         string  `json:"well"`
	AcidVolumeUL float64 `json:"acid_volume_ul"`
	BaseVolumeUL float64 `json:"base_volume_ul"`
}

// LoadExperimentsCSV reads a batch from a CSV file with header
// well,acid_volume_ul,base_volume_ul.
func LoadExperimentsCSV(path string) ([]Experiment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open experiment file %s", path)
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read header of %s", path)
	}
	col := map[string]int{}
	for i, name := range header {
		col[strings.TrimSpace(strings.ToLower(name))] = i
	}
	for _, required := range []string{"well", "acid_volume_ul", "base_volume_ul"} {
		if _, ok := col[required]; !ok {
			return nil, errors.Errorf("%s missing column %q", path, required)
		}
	}

	var batch []Experiment
	for line := 2; ; line++ {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read %s line %d", path, line)
		}
		acid, err := strconv.ParseFloat(strings.TrimSpace(row[col["acid_volume_ul"]]), 64)
		if err != nil {
			return nil, errors.Wrapf(err, "%s line %d: bad acid volume", path, line)
		}
		base, err := strconv.ParseFloat(strings.TrimSpace(row[col["base_volume_ul"]]), 64)
		if err != nil {
			return nil, errors.Wrapf(err, "%s line %d: bad base volume", path, line)
		}
		batch = append(batch, Experiment{
			Well:         strings.TrimSpace(row[col["well"]]),
			AcidVolumeUL: acid,
			BaseVolumeUL: base,
		})
	}
	return batch, nil
}

// BatchLayout names where the batch's liquids live on the liquid handler
// deck and tunes the measurement sequence.
type BatchLayout struct {
	AcidLabware string `json:"acid_labware"`
	AcidWell    string `json:"acid_well"`
	BaseLabware string `json:"base_labware"`
	BaseWell    string `json:"base_well"`

	PlateLabware string `json:"plate_labware"`

	StripLabware string `json:"strip_labware"`
	StripWell    string `json:"strip_well"`

	// MixCycles mixes each well before sampling. Defaults to 3.
	MixCycles int `json:"mix_cycles,omitempty"`
	// MixVolumeUL is the mix stroke volume. Defaults to 25.
	MixVolumeUL float64 `json:"mix_volume_ul,omitempty"`
	// SampleVolumeUL is drawn from the well for measurement. Defaults to 25.
	SampleVolumeUL float64 `json:"sample_volume_ul,omitempty"`
	// StripVolumeUL is dispensed onto the measurement strip. Defaults to 20.
	StripVolumeUL float64 `json:"strip_volume_ul,omitempty"`
}

func (l *BatchLayout) fillDefaults() {
	if l.MixCycles == 0 {
		l.MixCycles = 3
	}
	if l.MixVolumeUL == 0 {
		l.MixVolumeUL = 25
	}
	if l.SampleVolumeUL == 0 {
		l.SampleVolumeUL = 25
	}
	if l.StripVolumeUL == 0 {
		l.StripVolumeUL = 20
	}
}

func (l *BatchLayout) validate() error {
	if l.AcidLabware == "" || l.AcidWell == "" {
		return errors.New("batch layout needs an acid reservoir")
	}
	if l.BaseLabware == "" || l.BaseWell == "" {
		return errors.New("batch layout needs a base reservoir")
	}
	if l.PlateLabware == "" {
		return errors.New("batch layout needs a plate")
	}
	if l.StripLabware == "" || l.StripWell == "" {
		return errors.New("batch layout needs a measurement strip position")
	}
	return nil
}

// PipetteStep is one liquid handler action in a planned batch.
type PipetteStep struct {
	Op       string  `json:"op"`
	Labware  string  `json:"labware,omitempty"`
	Well     string  `json:"well,omitempty"`
	VolumeUL float64 `json:"volume_ul,omitempty"`
	Cycles   int     `json:"cycles,omitempty"`
}

// PlanBatch compiles a batch into liquid handler steps. Acid goes to every
// well on one tip, then base on a second tip, since each pass touches only
// its own reservoir. Mixing and sampling use a fresh tip per well because
// those steps contact the well's mixture.
func PlanBatch(batch []Experiment, layout BatchLayout) ([]PipetteStep, error) {
	if len(batch) == 0 {
		return nil, errors.New("batch has no experiments")
	}
	layout.fillDefaults()
	if err := layout.validate(); err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	for _, exp := range batch {
		if exp.Well == "" {
			return nil, errors.New("experiment has no well")
		}
		if seen[exp.Well] {
			return nil, errors.Errorf("well %s appears twice in the batch", exp.Well)
		}
		seen[exp.Well] = true
		if exp.AcidVolumeUL < 0 || exp.BaseVolumeUL < 0 {
			return nil, errors.Errorf("well %s has a negative volume", exp.Well)
		}
	}

	var steps []PipetteStep
	reagentPass := func(labware, well string, volume func(Experiment) float64) {
		any := false
		for _, exp := range batch {
			if volume(exp) > 0 {
				any = true
				break
			}
		}
		if !any {
			return
		}
		steps = append(steps, PipetteStep{Op: "pick_up_tip"})
		for _, exp := range batch {
			v := volume(exp)
			if v <= 0 {
				continue
			}
			steps = append(steps,
				PipetteStep{Op: "aspirate", Labware: labware, Well: well, VolumeUL: v},
				PipetteStep{Op: "dispense", Labware: layout.PlateLabware, Well: exp.Well, VolumeUL: v},
			)
		}
		steps = append(steps, PipetteStep{Op: "drop_tip"})
	}
	reagentPass(layout.AcidLabware, layout.AcidWell, func(e Experiment) float64 { return e.AcidVolumeUL })
	reagentPass(layout.BaseLabware, layout.BaseWell, func(e Experiment) float64 { return e.BaseVolumeUL })

	for _, exp := range batch {
		steps = append(steps,
			PipetteStep{Op: "pick_up_tip"},
			PipetteStep{Op: "mix", Labware: layout.PlateLabware, Well: exp.Well, VolumeUL: layout.MixVolumeUL, Cycles: layout.MixCycles},
			PipetteStep{Op: "aspirate", Labware: layout.PlateLabware, Well: exp.Well, VolumeUL: layout.SampleVolumeUL},
			PipetteStep{Op: "dispense", Labware: layout.StripLabware, Well: layout.StripWell, VolumeUL: layout.StripVolumeUL},
			PipetteStep{Op: "read_ph", Well: exp.Well},
			PipetteStep{Op: "drop_tip"},
		)
	}
	return steps, nil
}

// liquidHandler is the slice of the pipettor component the batch runner
// needs.
type liquidHandler interface {
	DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error)
}

// phProbe is the slice of the pH sensor the batch runner needs.
type phProbe interface {
	Readings(ctx context.Context, extra map[string]interface{}) (map[string]interface{}, error)
}

// RunBatch executes planned steps on the pipettor and returns pH readings
// keyed by well.
func RunBatch(ctx context.Context, pipettor liquidHandler, probe phProbe, steps []PipetteStep, logger logging.Logger) (map[string]float64, error) {
	if pipettor == nil {
		return nil, errors.New("no pipettor configured")
	}
	results := map[string]float64{}
	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		if step.Op == "read_ph" {
			if probe == nil {
				return results, errors.New("no pH meter configured")
			}
			readings, err := probe.Readings(ctx, nil)
			if err != nil {
				return results, errors.Wrapf(err, "step %d: pH reading for well %s", i, step.Well)
			}
			ph, ok := readings["ph"].(float64)
			if !ok {
				return results, errors.Errorf("step %d: pH meter returned no ph value for well %s", i, step.Well)
			}
			results[step.Well] = ph
			if logger != nil {
				logger.Infof("well %s pH %.2f", step.Well, ph)
			}
			continue
		}

		cmd := map[string]interface{}{"command": step.Op}
		if step.Labware != "" {
			cmd["labware"] = step.Labware
		}
		if step.Well != "" {
			cmd["well"] = step.Well
		}
		if step.VolumeUL > 0 {
			cmd["volume_ul"] = step.VolumeUL
		}
		if step.Cycles > 0 {
			cmd["cycles"] = step.Cycles
		}
		if _, err := pipettor.DoCommand(ctx, cmd); err != nil {
			return results, errors.Wrapf(err, "step %d (%s)", i, step.Op)
		}
	}
	return results, nil
}
