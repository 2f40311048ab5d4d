package chembench

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLayout() BatchLayout {
	return BatchLayout{
		AcidLabware:  "reservoir",
		AcidWell:     "A1",
		BaseLabware:  "reservoir",
		BaseWell:     "A2",
		PlateLabware: "plate",
		StripLabware: "ph_strips",
		StripWell:    "A1",
	}
}

func TestLoadExperimentsCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batch.csv")
	content := "well,acid_volume_ul,base_volume_ul\nA1,100,0\nA2,50,50\nA3,0,120\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	batch, err := LoadExperimentsCSV(path)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	assert.Equal(t, Experiment{Well: "A2", AcidVolumeUL: 50, BaseVolumeUL: 50}, batch[1])

	t.Run("missing column fails", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "bad.csv")
		require.NoError(t, os.WriteFile(bad, []byte("well,acid_volume_ul\nA1,5\n"), 0o644))
		_, err := LoadExperimentsCSV(bad)
		assert.Error(t, err)
	})

	t.Run("bad number fails", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "bad.csv")
		require.NoError(t, os.WriteFile(bad, []byte("well,acid_volume_ul,base_volume_ul\nA1,lots,0\n"), 0o644))
		_, err := LoadExperimentsCSV(bad)
		assert.Error(t, err)
	})
}

func TestPlanBatchValidation(t *testing.T) {
	layout := testLayout()

	_, err := PlanBatch(nil, layout)
	assert.Error(t, err)

	_, err = PlanBatch([]Experiment{{Well: "A1"}, {Well: "A1"}}, layout)
	assert.Error(t, err, "duplicate wells")

	_, err = PlanBatch([]Experiment{{Well: "A1", AcidVolumeUL: -5}}, layout)
	assert.Error(t, err, "negative volume")

	_, err = PlanBatch([]Experiment{{Well: ""}}, layout)
	assert.Error(t, err, "empty well")

	_, err = PlanBatch([]Experiment{{Well: "A1", AcidVolumeUL: 10}}, BatchLayout{})
	assert.Error(t, err, "incomplete layout")
}

func TestPlanBatchStructure(t *testing.T) {
	batch := []Experiment{
		{Well: "A1", AcidVolumeUL: 100, BaseVolumeUL: 0},
		{Well: "A2", AcidVolumeUL: 50, BaseVolumeUL: 80},
	}
	steps, err := PlanBatch(batch, testLayout())
	require.NoError(t, err)

	// one tip for the acid pass, one for the base pass, one per well after
	tips := 0
	for _, s := range steps {
		if s.Op == "pick_up_tip" {
			tips++
		}
	}
	assert.Equal(t, 2+len(batch), tips)

	// acid pass: tip, A1 and A2 transfers, tip dropped
	assert.Equal(t, "pick_up_tip", steps[0].Op)
	assert.Equal(t, PipetteStep{Op: "aspirate", Labware: "reservoir", Well: "A1", VolumeUL: 100}, steps[1])
	assert.Equal(t, PipetteStep{Op: "dispense", Labware: "plate", Well: "A1", VolumeUL: 100}, steps[2])
	assert.Equal(t, PipetteStep{Op: "aspirate", Labware: "reservoir", Well: "A1", VolumeUL: 50}, steps[3])
	assert.Equal(t, PipetteStep{Op: "dispense", Labware: "plate", Well: "A2", VolumeUL: 50}, steps[4])
	assert.Equal(t, "drop_tip", steps[5].Op)

	// base pass only touches A2
	assert.Equal(t, "pick_up_tip", steps[6].Op)
	assert.Equal(t, PipetteStep{Op: "aspirate", Labware: "reservoir", Well: "A2", VolumeUL: 80}, steps[7])
	assert.Equal(t, PipetteStep{Op: "dispense", Labware: "plate", Well: "A2", VolumeUL: 80}, steps[8])
	assert.Equal(t, "drop_tip", steps[9].Op)

	// measurement block per well: tip, mix, sample, strip, read, drop
	measure := steps[10:]
	require.Len(t, measure, 12)
	assert.Equal(t, "pick_up_tip", measure[0].Op)
	assert.Equal(t, PipetteStep{Op: "mix", Labware: "plate", Well: "A1", VolumeUL: 25, Cycles: 3}, measure[1])
	assert.Equal(t, PipetteStep{Op: "aspirate", Labware: "plate", Well: "A1", VolumeUL: 25}, measure[2])
	assert.Equal(t, PipetteStep{Op: "dispense", Labware: "ph_strips", Well: "A1", VolumeUL: 20}, measure[3])
	assert.Equal(t, PipetteStep{Op: "read_ph", Well: "A1"}, measure[4])
	assert.Equal(t, "drop_tip", measure[5].Op)
	assert.Equal(t, PipetteStep{Op: "read_ph", Well: "A2"}, measure[10])
}

func TestPlanBatchSkipsEmptyPass(t *testing.T) {
	// no base anywhere, so no base pass at all
	batch := []Experiment{{Well: "A1", AcidVolumeUL: 10}}
	steps, err := PlanBatch(batch, testLayout())
	require.NoError(t, err)

	for _, s := range steps {
		if s.Op == "aspirate" && s.Well == "A2" && s.Labware == "reservoir" {
			t.Fatalf("unexpected base aspirate in %+v", steps)
		}
	}
	tips := 0
	for _, s := range steps {
		if s.Op == "pick_up_tip" {
			tips++
		}
	}
	assert.Equal(t, 2, tips)
}

type fakePipettor struct {
	cmds []map[string]interface{}
	fail string
}

func (f *fakePipettor) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	if f.fail != "" && cmd["command"] == f.fail {
		return nil, errTest
	}
	f.cmds = append(f.cmds, cmd)
	return map[string]interface{}{}, nil
}

type fakeProbe struct {
	values []float64
	i      int
}

func (f *fakeProbe) Readings(ctx context.Context, extra map[string]interface{}) (map[string]interface{}, error) {
	v := f.values[f.i%len(f.values)]
	f.i++
	return map[string]interface{}{"ph": v}, nil
}

func TestRunBatch(t *testing.T) {
	batch := []Experiment{
		{Well: "A1", AcidVolumeUL: 100},
		{Well: "A2", BaseVolumeUL: 80},
	}
	steps, err := PlanBatch(batch, testLayout())
	require.NoError(t, err)

	pip := &fakePipettor{}
	probe := &fakeProbe{values: []float64{3.2, 9.1}}
	results, err := RunBatch(context.Background(), pip, probe, steps, nil)
	require.NoError(t, err)

	assert.Equal(t, map[string]float64{"A1": 3.2, "A2": 9.1}, results)
	// every non-measurement step went to the pipettor
	assert.Len(t, pip.cmds, len(steps)-2)

	t.Run("pipettor failure stops the run", func(t *testing.T) {
		pip := &fakePipettor{fail: "mix"}
		_, err := RunBatch(context.Background(), pip, probe, steps, nil)
		assert.Error(t, err)
	})

	t.Run("nil pipettor fails", func(t *testing.T) {
		_, err := RunBatch(context.Background(), nil, probe, steps, nil)
		assert.Error(t, err)
	})

	t.Run("nil probe fails at read", func(t *testing.T) {
		_, err := RunBatch(context.Background(), &fakePipettor{}, nil, steps, nil)
		assert.Error(t, err)
	})
}
