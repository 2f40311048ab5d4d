package chembench

import (
	"encoding/json"
	"os"
	"sort"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// LabwareSpec describes one container type a tray can be populated with.
type LabwareSpec struct {
	Name        string
	Kind        ContainerKind
	Handling    HandlingSpec
	MinVolumeML float64
	MaxVolumeML float64
}

// builtinSpecs covers the labware the workstation ships with. Grip closures
// and needle depths come from the measured hardware setup.
var builtinSpecs = []LabwareSpec{
	{
		Name: "vial_stock",
		Kind: KindStockVial,
		Handling: HandlingSpec{
			GripClosure:     0.92,
			AspirateDepthMM: 51,
			DispenseDepthMM: 15,
		},
		MinVolumeML: 0,
		MaxVolumeML: 2,
	},
	{
		Name: "vial_sample",
		Kind: KindSampleVial,
		Handling: HandlingSpec{
			GripClosure:     0.92,
			AspirateDepthMM: 75,
			DispenseDepthMM: 15,
		},
		MinVolumeML: 2,
		MaxVolumeML: 16,
	},
	{
		Name: "dose_stock",
		Kind: KindDosingHead,
		Handling: HandlingSpec{
			GripClosure:     0.89,
			AspirateDepthMM: 37,
			DispenseDepthMM: 25,
		},
		MinVolumeML: 0,
		MaxVolumeML: 1,
	},
	{
		Name: "dose_stock_back",
		Kind: KindDosingHead,
		Handling: HandlingSpec{
			GripClosure:     0.89,
			AspirateDepthMM: 37,
			DispenseDepthMM: 25,
		},
		MinVolumeML: 0,
		MaxVolumeML: 1,
	},
}

// Library holds the labware specs available to deck building.
type Library struct {
	specs map[string]LabwareSpec
}

// NewLibrary returns a library seeded with the builtin specs.
func NewLibrary() *Library {
	l := &Library{specs: make(map[string]LabwareSpec, len(builtinSpecs))}
	for _, s := range builtinSpecs {
		l.specs[s.Name] = s
	}
	return l
}

// Register adds or replaces a spec.
func (l *Library) Register(spec LabwareSpec) error {
	if spec.Name == "" {
		return errors.New("labware spec needs a name")
	}
	if spec.MaxVolumeML < spec.MinVolumeML {
		return errors.Errorf("labware %s: max volume %.3f below min %.3f", spec.Name, spec.MaxVolumeML, spec.MinVolumeML)
	}
	l.specs[spec.Name] = spec
	return nil
}

// Spec looks up a labware spec by name.
func (l *Library) Spec(name string) (LabwareSpec, error) {
	s, ok := l.specs[name]
	if !ok {
		return LabwareSpec{}, errors.Errorf("unknown labware %q", name)
	}
	return s, nil
}

// Names returns the registered labware names, sorted.
func (l *Library) Names() []string {
	names := make([]string, 0, len(l.specs))
	for name := range l.specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type labwareFile struct {
	Labware []struct {
		Name            string  `yaml:"name"`
		Kind            string  `yaml:"kind"`
		GripClosure     float64 `yaml:"grip_closure"`
		AspirateDepthMM float64 `yaml:"aspirate_depth_mm"`
		DispenseDepthMM float64 `yaml:"dispense_depth_mm"`
		MinVolumeML     float64 `yaml:"min_volume_ml"`
		MaxVolumeML     float64 `yaml:"max_volume_ml"`
	} `yaml:"labware"`
}

// LoadFile merges labware definitions from a YAML file into the library.
func (l *Library) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read labware library %s", path)
	}
	var file labwareFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return errors.Wrapf(err, "failed to parse labware library %s", path)
	}
	for _, entry := range file.Labware {
		kind, err := ParseContainerKind(entry.Kind)
		if err != nil {
			return errors.Wrapf(err, "labware %q in %s", entry.Name, path)
		}
		spec := LabwareSpec{
			Name: entry.Name,
			Kind: kind,
			Handling: HandlingSpec{
				GripClosure:     entry.GripClosure,
				AspirateDepthMM: entry.AspirateDepthMM,
				DispenseDepthMM: entry.DispenseDepthMM,
			},
			MinVolumeML: entry.MinVolumeML,
			MaxVolumeML: entry.MaxVolumeML,
		}
		if err := l.Register(spec); err != nil {
			return errors.Wrapf(err, "labware library %s", path)
		}
	}
	return nil
}

// Placement positions a labware grid on the deck: the A1 origin pose, the
// grid dimensions, and the well pitch in millimeters.
type Placement struct {
	Labware   string    `json:"labware"`
	Origin    Location  `json:"origin"`
	Rows      int       `json:"rows"`
	Columns   int       `json:"columns"`
	SpacingMM r3.Vector `json:"spacing_mm"`
}

// BuildTray populates a tray from a placement, one container per grid well.
func BuildTray(lib *Library, name string, p Placement) (*Tray, error) {
	spec, err := lib.Spec(p.Labware)
	if err != nil {
		return nil, errors.Wrapf(err, "tray %s", name)
	}
	wells, err := Grid(p.Origin, p.Rows, p.Columns, p.SpacingMM)
	if err != nil {
		return nil, errors.Wrapf(err, "tray %s", name)
	}
	containers := make([]*Container, 0, len(wells))
	for _, w := range wells {
		containers = append(containers, NewContainer(
			spec.Kind, w.Name, w.Location, spec.Handling, spec.MinVolumeML, spec.MaxVolumeML,
		))
	}
	t, err := NewTray(name, containers)
	if err != nil {
		return nil, err
	}
	t.Placement = p
	return t, nil
}

type solventFile struct {
	Solvents map[string]struct {
		Name          string `json:"name"`
		UserDefinedID string `json:"user_defined_id"`
	} `json:"solvents"`
}

// ApplySolventLibrary assigns solvents to sample vials from a JSON file
// mapping well names to solvent entries.
func (t *Tray) ApplySolventLibrary(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read solvent library %s", path)
	}
	var file solventFile
	if err := json.Unmarshal(data, &file); err != nil {
		return errors.Wrapf(err, "failed to parse solvent library %s", path)
	}
	wells := make([]string, 0, len(file.Solvents))
	for well := range file.Solvents {
		wells = append(wells, well)
	}
	sort.Strings(wells)
	for _, well := range wells {
		entry := file.Solvents[well]
		if err := t.SetSolvent(well, entry.Name, entry.UserDefinedID); err != nil {
			return errors.Wrapf(err, "solvent library %s", path)
		}
	}
	return nil
}
