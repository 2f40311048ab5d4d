package chembench

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ContainerKind distinguishes the container families the workstation handles.
type ContainerKind int

const (
	// KindStockVial holds reaction stock and gets layered aliquots plus LC
	// analysis records.
	KindStockVial ContainerKind = iota
	// KindSampleVial holds solvent or sampled product.
	KindSampleVial
	// KindDosingHead is a powder dosing head on the back rack.
	KindDosingHead
)

func (k ContainerKind) String() string {
	switch k {
	case KindStockVial:
		return "stock_vial"
	case KindSampleVial:
		return "sample_vial"
	case KindDosingHead:
		return "dosing_head"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseContainerKind parses the string form produced by String.
func ParseContainerKind(s string) (ContainerKind, error) {
	switch s {
	case "stock_vial":
		return KindStockVial, nil
	case "sample_vial":
		return KindSampleVial, nil
	case "dosing_head":
		return KindDosingHead, nil
	default:
		return 0, fmt.Errorf("unknown container kind %q", s)
	}
}

// HandlingSpec describes how hardware interacts with a container: how far the
// gripper closes to hold it and how deep the needle sits for liquid transfer.
type HandlingSpec struct {
	// GripClosure is the normalized gripper closure (0 open, 1 fully closed).
	GripClosure float64 `json:"grip_closure"`
	// AspirateDepthMM is the needle depth below the rim when drawing liquid.
	AspirateDepthMM float64 `json:"aspirate_depth_mm"`
	// DispenseDepthMM is the needle depth below the rim when dispensing.
	DispenseDepthMM float64 `json:"dispense_depth_mm"`
}

// WeightSample is one balance reading for a container. AddedMg is the net
// change since the previous reading, zero for the empty baseline.
type WeightSample struct {
	Label      string    `json:"label"`
	GrossMg    float64   `json:"gross_mg"`
	AddedMg    float64   `json:"added_mg"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Addition is a liquid addition to a container, merged per reagent.
type Addition struct {
	Reagent  string  `json:"reagent"`
	VolumeML float64 `json:"volume_ml"`
}

// LCRun records one liquid chromatography injection from a stock vial.
type LCRun struct {
	InjectionVolumeUL float64   `json:"injection_volume_ul"`
	Method            string    `json:"method"`
	Instrument        string    `json:"instrument"`
	DataDir           string    `json:"data_dir,omitempty"`
	StartedAt         time.Time `json:"started_at"`
}

// EmptyLabel marks a weight sample as the empty-container baseline.
const EmptyLabel = "empty"

// Container is one tracked vessel in a tray well. Containers are not safe for
// concurrent use on their own; mutate them through their Tray, which locks
// and writes the ledger snapshot after every change.
type Container struct {
	WellName string
	TrayName string
	Kind     ContainerKind
	Location Location
	Handling HandlingSpec

	MinVolumeML float64
	MaxVolumeML float64

	id        string
	userLabel string
	used      bool

	hasEmpty      bool
	emptyWeightMg float64
	lastGrossMg   float64
	weights       []WeightSample
	additions     []Addition
	totalVolumeML float64
	process       map[string]float64

	// stock vial state
	capped     bool
	layer      string
	lcRuns     []LCRun
	lcPeaks    [][]float64
	lcDataDirs []string

	// sample vial state
	solventName string

	// dosing head state
	linkedVials map[string]string
	videoFiles  map[string]string

	now  func() time.Time
	tray *Tray
}

// NewContainer creates an unused container of the given kind.
func NewContainer(kind ContainerKind, well string, loc Location, handling HandlingSpec, minVolML, maxVolML float64) *Container {
	return &Container{
		WellName:    well,
		Kind:        kind,
		Location:    loc,
		Handling:    handling,
		MinVolumeML: minVolML,
		MaxVolumeML: maxVolML,
		now:         time.Now,
	}
}

// ID returns the container's unique id, empty until first use.
func (c *Container) ID() string { return c.id }

// Used reports whether the container has been touched by any operation.
func (c *Container) Used() bool { return c.used }

// UserLabel returns the user-assigned label, if any.
func (c *Container) UserLabel() string { return c.userLabel }

// TotalVolumeML returns the summed liquid volume currently tracked.
func (c *Container) TotalVolumeML() float64 { return c.totalVolumeML }

// EmptyWeightMg returns the recorded empty baseline and whether one exists.
func (c *Container) EmptyWeightMg() (float64, bool) { return c.emptyWeightMg, c.hasEmpty }

// LastGrossMg returns the most recent gross balance reading.
func (c *Container) LastGrossMg() float64 { return c.lastGrossMg }

// Capped reports whether a stock vial currently has its cap on.
func (c *Container) Capped() bool { return c.capped }

// SolventName returns the solvent assigned to a sample vial.
func (c *Container) SolventName() string { return c.solventName }

// markUsed flips the used flag, assigning the unique id on the first use.
// Clearing the flag keeps the id so the ledger history stays traceable.
func (c *Container) markUsed(used bool) {
	if used && c.id == "" {
		c.id = uuid.NewString()
	}
	c.used = used
}

func (c *Container) setLabel(label string) {
	c.markUsed(true)
	c.userLabel = label
}

// addWeightSample records a gross balance reading. A sample labeled "empty"
// resets the baseline; anything else stores the net change against the last
// gross reading. Negative readings are rejected.
func (c *Container) addWeightSample(label string, grossMg float64) (WeightSample, error) {
	if grossMg < 0 {
		return WeightSample{}, errors.Errorf("%s %s: negative weight %.3f mg", c.TrayName, c.WellName, grossMg)
	}
	c.markUsed(true)

	sample := WeightSample{
		Label:      label,
		GrossMg:    grossMg,
		RecordedAt: c.now().UTC(),
	}
	if strings.EqualFold(label, EmptyLabel) {
		c.hasEmpty = true
		c.emptyWeightMg = grossMg
		sample.AddedMg = 0
	} else {
		sample.AddedMg = grossMg - c.lastGrossMg
	}
	c.lastGrossMg = grossMg
	c.weights = append(c.weights, sample)
	return sample, nil
}

// addContent records a liquid addition, merging repeat reagents and enforcing
// the container's volume capacity.
func (c *Container) addContent(reagent string, volumeML float64) error {
	if reagent == "" {
		return errors.Errorf("%s %s: content needs a reagent name", c.TrayName, c.WellName)
	}
	if volumeML <= 0 {
		return errors.Errorf("%s %s: volume must be positive, got %.3f mL", c.TrayName, c.WellName, volumeML)
	}
	if c.totalVolumeML+volumeML > c.MaxVolumeML {
		return errors.Errorf("%s %s: adding %.3f mL exceeds capacity %.3f mL (currently %.3f mL)",
			c.TrayName, c.WellName, volumeML, c.MaxVolumeML, c.totalVolumeML)
	}
	c.markUsed(true)

	for i := range c.additions {
		if c.additions[i].Reagent == reagent {
			c.additions[i].VolumeML += volumeML
			c.totalVolumeML += volumeML
			return nil
		}
	}
	c.additions = append(c.additions, Addition{Reagent: reagent, VolumeML: volumeML})
	c.totalVolumeML += volumeML
	return nil
}

func (c *Container) setProcessValue(key string, value float64) {
	c.markUsed(true)
	if c.process == nil {
		c.process = map[string]float64{}
	}
	c.process[key] = value
}

func (c *Container) requireKind(kind ContainerKind, op string) error {
	if c.Kind != kind {
		return errors.Errorf("%s %s: %s needs a %s, this is a %s", c.TrayName, c.WellName, op, kind, c.Kind)
	}
	return nil
}

// setCapped tracks the cap state of a stock vial.
func (c *Container) setCapped(capped bool) error {
	if err := c.requireKind(KindStockVial, "cap tracking"); err != nil {
		return err
	}
	c.markUsed(true)
	c.capped = capped
	return nil
}

// addLayerAliquot records sampling a named layer from a stock vial into its
// content log.
func (c *Container) addLayerAliquot(layer string, volumeML float64) error {
	if err := c.requireKind(KindStockVial, "layer aliquot"); err != nil {
		return err
	}
	if err := c.addContent(layer, volumeML); err != nil {
		return err
	}
	c.layer = layer
	return nil
}

// recordLCRun appends an LC injection record to a stock vial.
func (c *Container) recordLCRun(run LCRun) error {
	if err := c.requireKind(KindStockVial, "LC run"); err != nil {
		return err
	}
	c.markUsed(true)
	if run.StartedAt.IsZero() {
		run.StartedAt = c.now().UTC()
	}
	c.lcRuns = append(c.lcRuns, run)
	if run.DataDir != "" {
		c.lcDataDirs = append(c.lcDataDirs, run.DataDir)
	}
	return nil
}

// addLCPeaks stores a peak table from LC analysis of a stock vial.
func (c *Container) addLCPeaks(peaks []float64) error {
	if err := c.requireKind(KindStockVial, "LC peaks"); err != nil {
		return err
	}
	c.markUsed(true)
	c.lcPeaks = append(c.lcPeaks, peaks)
	return nil
}

// setSolvent assigns a solvent and user label to a sample vial.
func (c *Container) setSolvent(name, userLabel string) error {
	if err := c.requireKind(KindSampleVial, "solvent assignment"); err != nil {
		return err
	}
	c.setLabel(userLabel)
	c.solventName = name
	return nil
}

// trackVolume accumulates drawn-or-added solvent volume on a sample vial
// under its solvent name.
func (c *Container) trackVolume(volumeML float64) error {
	if err := c.requireKind(KindSampleVial, "volume tracking"); err != nil {
		return err
	}
	name := c.solventName
	if name == "" {
		name = "unassigned"
	}
	return c.addContent(name, volumeML)
}

// linkAnalysisVial ties a dosing head's sampled layer to the analysis vial
// that received it.
func (c *Container) linkAnalysisVial(layer, vialRef string) error {
	if err := c.requireKind(KindDosingHead, "analysis vial link"); err != nil {
		return err
	}
	c.markUsed(true)
	if c.linkedVials == nil {
		c.linkedVials = map[string]string{}
	}
	c.linkedVials[layer] = vialRef
	return nil
}

// addVideoFile records a recording made while this dosing head was active.
func (c *Container) addVideoFile(recording, fileName string) error {
	if err := c.requireKind(KindDosingHead, "video file"); err != nil {
		return err
	}
	c.markUsed(true)
	if c.videoFiles == nil {
		c.videoFiles = map[string]string{}
	}
	c.videoFiles[recording] = fileName
	return nil
}

// ContainerRecord is the persisted state of one container, everything needed
// to restore it onto a freshly built deck.
type ContainerRecord struct {
	Kind          string              `json:"kind"`
	UniqueID      string              `json:"unique_id,omitempty"`
	UserLabel     string              `json:"user_label,omitempty"`
	Used          bool                `json:"used"`
	HasEmpty      bool                `json:"has_empty_weight"`
	EmptyWeightMg float64             `json:"empty_weight_mg,omitempty"`
	LastGrossMg   float64             `json:"last_gross_mg,omitempty"`
	Weights       []WeightSample      `json:"weights,omitempty"`
	Additions     []Addition          `json:"additions,omitempty"`
	TotalVolumeML float64             `json:"total_volume_ml"`
	Process       map[string]float64  `json:"process,omitempty"`
	Capped        bool                `json:"capped,omitempty"`
	Layer         string              `json:"layer,omitempty"`
	LCRuns        []LCRun             `json:"lc_runs,omitempty"`
	LCPeaks       [][]float64         `json:"lc_peaks,omitempty"`
	LCDataDirs    []string            `json:"lc_data_dirs,omitempty"`
	SolventName   string              `json:"solvent_name,omitempty"`
	LinkedVials   map[string]string   `json:"linked_vials,omitempty"`
	VideoFiles    map[string]string   `json:"video_files,omitempty"`
}

func (c *Container) record() ContainerRecord {
	rec := ContainerRecord{
		Kind:          c.Kind.String(),
		UniqueID:      c.id,
		UserLabel:     c.userLabel,
		Used:          c.used,
		HasEmpty:      c.hasEmpty,
		EmptyWeightMg: c.emptyWeightMg,
		LastGrossMg:   c.lastGrossMg,
		TotalVolumeML: c.totalVolumeML,
		Capped:        c.capped,
		Layer:         c.layer,
		SolventName:   c.solventName,
	}
	rec.Weights = append(rec.Weights, c.weights...)
	rec.Additions = append(rec.Additions, c.additions...)
	rec.LCRuns = append(rec.LCRuns, c.lcRuns...)
	rec.LCPeaks = append(rec.LCPeaks, c.lcPeaks...)
	rec.LCDataDirs = append(rec.LCDataDirs, c.lcDataDirs...)
	if len(c.process) > 0 {
		rec.Process = make(map[string]float64, len(c.process))
		for k, v := range c.process {
			rec.Process[k] = v
		}
	}
	if len(c.linkedVials) > 0 {
		rec.LinkedVials = make(map[string]string, len(c.linkedVials))
		for k, v := range c.linkedVials {
			rec.LinkedVials[k] = v
		}
	}
	if len(c.videoFiles) > 0 {
		rec.VideoFiles = make(map[string]string, len(c.videoFiles))
		for k, v := range c.videoFiles {
			rec.VideoFiles[k] = v
		}
	}
	return rec
}

func (c *Container) restore(rec ContainerRecord) error {
	kind, err := ParseContainerKind(rec.Kind)
	if err != nil {
		return err
	}
	if kind != c.Kind {
		return errors.Errorf("%s %s: ledger has %s, deck has %s", c.TrayName, c.WellName, kind, c.Kind)
	}
	c.id = rec.UniqueID
	c.userLabel = rec.UserLabel
	c.used = rec.Used
	c.hasEmpty = rec.HasEmpty
	c.emptyWeightMg = rec.EmptyWeightMg
	c.lastGrossMg = rec.LastGrossMg
	c.weights = append([]WeightSample(nil), rec.Weights...)
	c.additions = append([]Addition(nil), rec.Additions...)
	c.totalVolumeML = rec.TotalVolumeML
	c.capped = rec.Capped
	c.layer = rec.Layer
	c.lcRuns = append([]LCRun(nil), rec.LCRuns...)
	c.lcPeaks = append([][]float64(nil), rec.LCPeaks...)
	c.lcDataDirs = append([]string(nil), rec.LCDataDirs...)
	c.solventName = rec.SolventName
	c.process = nil
	for k, v := range rec.Process {
		if c.process == nil {
			c.process = map[string]float64{}
		}
		c.process[k] = v
	}
	c.linkedVials = nil
	for k, v := range rec.LinkedVials {
		if c.linkedVials == nil {
			c.linkedVials = map[string]string{}
		}
		c.linkedVials[k] = v
	}
	c.videoFiles = nil
	for k, v := range rec.VideoFiles {
		if c.videoFiles == nil {
			c.videoFiles = map[string]string{}
		}
		c.videoFiles[k] = v
	}
	return nil
}

// Holder is a single-slot fixture, like the balance nest or capper, that can
// hold at most one container at a time.
type Holder struct {
	Name     string
	Location Location

	occupant *Container
}

// Place puts a container in the holder, failing if it is occupied.
func (h *Holder) Place(c *Container) error {
	if c == nil {
		return errors.Errorf("holder %s: nothing to place", h.Name)
	}
	if h.occupant != nil {
		return errors.Errorf("holder %s: already holding %s %s", h.Name, h.occupant.TrayName, h.occupant.WellName)
	}
	h.occupant = c
	return nil
}

// Remove takes the held container out, failing if the holder is empty.
func (h *Holder) Remove() (*Container, error) {
	if h.occupant == nil {
		return nil, errors.Errorf("holder %s: empty", h.Name)
	}
	c := h.occupant
	h.occupant = nil
	return c, nil
}

// Occupant returns the currently held container, nil if empty.
func (h *Holder) Occupant() *Container { return h.occupant }
