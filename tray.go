package chembench

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Tray is an ordered set of containers in a labware grid. All mutation goes
// through Tray methods, which hold the tray lock and write the ledger
// snapshot after every change when a store is attached.
type Tray struct {
	Name      string
	Placement Placement

	mu    sync.Mutex
	order []string
	wells map[string]*Container
	store *Store
}

// NewTray assembles a tray from containers in well order. Containers gain a
// back-reference so their records land in this tray's snapshots.
func NewTray(name string, containers []*Container) (*Tray, error) {
	t := &Tray{
		Name:  name,
		wells: make(map[string]*Container, len(containers)),
	}
	for _, c := range containers {
		if c == nil {
			return nil, errors.Errorf("tray %s: nil container", name)
		}
		if _, ok := t.wells[c.WellName]; ok {
			return nil, errors.Errorf("tray %s: duplicate well %s", name, c.WellName)
		}
		c.TrayName = name
		c.tray = t
		t.wells[c.WellName] = c
		t.order = append(t.order, c.WellName)
	}
	return t, nil
}

// SetStore attaches a ledger store. Subsequent mutations write through to it.
func (t *Tray) SetStore(store *Store) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.store = store
}

// Len returns the number of wells.
func (t *Tray) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.order)
}

// WellNames returns the well names in grid order.
func (t *Tray) WellNames() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.order...)
}

// find resolves a well name, unique id, or user label to a container.
// Callers hold the lock.
func (t *Tray) find(ref string) (*Container, error) {
	if c, ok := t.wells[ref]; ok {
		return c, nil
	}
	for _, name := range t.order {
		c := t.wells[name]
		if c.id != "" && c.id == ref {
			return c, nil
		}
	}
	for _, name := range t.order {
		c := t.wells[name]
		if c.userLabel != "" && c.userLabel == ref {
			return c, nil
		}
	}
	return nil, errors.Errorf("tray %s: no container matching %q", t.Name, ref)
}

// Container resolves a well name, unique id, or user label.
func (t *Tray) Container(ref string) (*Container, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.find(ref)
}

// At returns the container at the given grid index.
func (t *Tray) At(i int) (*Container, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i < 0 || i >= len(t.order) {
		return nil, errors.Errorf("tray %s: index %d out of range [0,%d)", t.Name, i, len(t.order))
	}
	return t.wells[t.order[i]], nil
}

// NextAvailable returns the first unused container in grid order, nil when
// the tray is exhausted.
func (t *Tray) NextAvailable() *Container {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, name := range t.order {
		if c := t.wells[name]; !c.used {
			return c
		}
	}
	return nil
}

// AvailableCount returns how many wells remain unused.
func (t *Tray) AvailableCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, name := range t.order {
		if !t.wells[name].used {
			n++
		}
	}
	return n
}

// mutate runs fn on the resolved container under the lock and writes the
// snapshot through to the store afterwards.
func (t *Tray) mutate(ref string, fn func(*Container) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, err := t.find(ref)
	if err != nil {
		return err
	}
	if err := fn(c); err != nil {
		return err
	}
	return t.saveLocked()
}

// MarkUsed sets or clears a container's used flag. The unique id assigned on
// first use survives clearing.
func (t *Tray) MarkUsed(ref string, used bool) error {
	return t.mutate(ref, func(c *Container) error {
		c.markUsed(used)
		return nil
	})
}

// SetLabel assigns a user label, marking the container used.
func (t *Tray) SetLabel(ref, label string) error {
	return t.mutate(ref, func(c *Container) error {
		c.setLabel(label)
		return nil
	})
}

// AddWeightSample records a balance reading for a container and returns the
// stored sample with its computed net change.
func (t *Tray) AddWeightSample(ref, label string, grossMg float64) (WeightSample, error) {
	var sample WeightSample
	err := t.mutate(ref, func(c *Container) error {
		var err error
		sample, err = c.addWeightSample(label, grossMg)
		return err
	})
	return sample, err
}

// AddContent records a liquid addition to a container.
func (t *Tray) AddContent(ref, reagent string, volumeML float64) error {
	return t.mutate(ref, func(c *Container) error {
		return c.addContent(reagent, volumeML)
	})
}

// SetProcessValue stores a process measurement, like a pH reading, on a
// container.
func (t *Tray) SetProcessValue(ref, key string, value float64) error {
	return t.mutate(ref, func(c *Container) error {
		c.setProcessValue(key, value)
		return nil
	})
}

// SetCapped tracks the cap state of a stock vial.
func (t *Tray) SetCapped(ref string, capped bool) error {
	return t.mutate(ref, func(c *Container) error {
		return c.setCapped(capped)
	})
}

// AddLayerAliquot records a layer sample drawn from a stock vial.
func (t *Tray) AddLayerAliquot(ref, layer string, volumeML float64) error {
	return t.mutate(ref, func(c *Container) error {
		return c.addLayerAliquot(layer, volumeML)
	})
}

// RecordLCRun appends an LC injection record to a stock vial.
func (t *Tray) RecordLCRun(ref string, run LCRun) error {
	return t.mutate(ref, func(c *Container) error {
		return c.recordLCRun(run)
	})
}

// AddLCPeaks stores a peak table on a stock vial.
func (t *Tray) AddLCPeaks(ref string, peaks []float64) error {
	return t.mutate(ref, func(c *Container) error {
		return c.addLCPeaks(peaks)
	})
}

// SetSolvent assigns a solvent and label to a sample vial.
func (t *Tray) SetSolvent(ref, solvent, userLabel string) error {
	return t.mutate(ref, func(c *Container) error {
		return c.setSolvent(solvent, userLabel)
	})
}

// TrackVolume accumulates solvent volume drawn into a sample vial.
func (t *Tray) TrackVolume(ref string, volumeML float64) error {
	return t.mutate(ref, func(c *Container) error {
		return c.trackVolume(volumeML)
	})
}

// LinkAnalysisVial records which analysis vial received a dosing head's
// sampled layer.
func (t *Tray) LinkAnalysisVial(ref, layer, vialRef string) error {
	return t.mutate(ref, func(c *Container) error {
		return c.linkAnalysisVial(layer, vialRef)
	})
}

// AddVideoFile records a recording made for a dosing head.
func (t *Tray) AddVideoFile(ref, recording, fileName string) error {
	return t.mutate(ref, func(c *Container) error {
		return c.addVideoFile(recording, fileName)
	})
}

// TraySnapshot is the persisted form of a tray: placement so the deck can be
// rebuilt, and the full state of every container.
type TraySnapshot struct {
	TrayName   string                     `json:"tray_name"`
	SavedAt    time.Time                  `json:"saved_at"`
	Placement  Placement                  `json:"placement"`
	WellOrder  []string                   `json:"well_order"`
	Containers map[string]ContainerRecord `json:"containers"`
}

func (t *Tray) snapshotLocked() TraySnapshot {
	snap := TraySnapshot{
		TrayName:   t.Name,
		SavedAt:    time.Now().UTC(),
		Placement:  t.Placement,
		WellOrder:  append([]string(nil), t.order...),
		Containers: make(map[string]ContainerRecord, len(t.order)),
	}
	for _, name := range t.order {
		snap.Containers[name] = t.wells[name].record()
	}
	return snap
}

// Snapshot captures the full tray state for persistence.
func (t *Tray) Snapshot() TraySnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Tray) saveLocked() error {
	if t.store == nil {
		return nil
	}
	return t.store.Write(t.snapshotLocked())
}

// Save writes the current state through the attached store, a no-op without
// one.
func (t *Tray) Save() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.saveLocked()
}

// Restore applies a snapshot's container state onto this tray. Wells present
// in the snapshot but missing from the deck fail the restore; deck wells
// absent from the snapshot stay fresh.
func (t *Tray) Restore(snap TraySnapshot) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if snap.TrayName != "" && snap.TrayName != t.Name {
		return errors.Errorf("tray %s: snapshot is for tray %s", t.Name, snap.TrayName)
	}
	for well, rec := range snap.Containers {
		c, ok := t.wells[well]
		if !ok {
			return errors.Errorf("tray %s: snapshot well %s not on deck", t.Name, well)
		}
		if err := c.restore(rec); err != nil {
			return err
		}
	}
	return nil
}

// TraySummary is a compact view of tray occupancy.
type TraySummary struct {
	TrayName  string   `json:"tray_name"`
	Wells     int      `json:"wells"`
	Used      int      `json:"used"`
	Available int      `json:"available"`
	UsedWells []string `json:"used_wells,omitempty"`
	Next      string   `json:"next_available,omitempty"`
}

// Summary reports occupancy and the next available well.
func (t *Tray) Summary() TraySummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := TraySummary{TrayName: t.Name, Wells: len(t.order)}
	for _, name := range t.order {
		if t.wells[name].used {
			s.Used++
			s.UsedWells = append(s.UsedWells, name)
		} else {
			s.Available++
			if s.Next == "" {
				s.Next = name
			}
		}
	}
	return s
}
