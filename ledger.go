package chembench

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// Store persists tray snapshots as JSON files in a ledger directory. One
// store serves every tray sharing a directory so run stamps stay consistent;
// use the package registry to share instances across components.
type Store struct {
	dir    string
	stamp  string
	logger logging.Logger

	mu sync.Mutex
}

// NewStore opens a ledger directory, creating it if needed. The stamp
// prefixes every snapshot filename; an empty stamp writes bare
// "<tray>.json" files that later runs overwrite in place.
func NewStore(dir, stamp string, logger logging.Logger) (*Store, error) {
	if dir == "" {
		return nil, errors.New("ledger store needs a directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create ledger directory %s", dir)
	}
	return &Store{dir: dir, stamp: stamp, logger: logger}, nil
}

// Dir returns the ledger directory.
func (s *Store) Dir() string { return s.dir }

// Stamp returns the filename prefix for this run.
func (s *Store) Stamp() string { return s.stamp }

// Path returns the snapshot file path for a tray.
func (s *Store) Path(trayName string) string {
	name := trayName + ".json"
	if s.stamp != "" {
		name = s.stamp + "_" + name
	}
	return filepath.Join(s.dir, name)
}

// Write persists a snapshot, replacing any previous one for the same tray.
// The file is written to a temp name and renamed so readers never see a
// partial snapshot.
func (s *Store) Write(snap TraySnapshot) error {
	if snap.TrayName == "" {
		return errors.New("snapshot has no tray name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to marshal snapshot for tray %s", snap.TrayName)
	}
	path := s.Path(snap.TrayName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write snapshot for tray %s", snap.TrayName)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "failed to replace snapshot for tray %s", snap.TrayName)
	}
	if s.logger != nil {
		s.logger.Debugf("wrote ledger snapshot %s", path)
	}
	return nil
}

// Load reads the snapshot for a tray under this store's stamp.
func (s *Store) Load(trayName string) (TraySnapshot, error) {
	return ReadSnapshot(s.Path(trayName))
}

// LoadLatest finds the most recent snapshot for a tray across all stamps in
// the directory, by the saved_at field inside each file.
func (s *Store) LoadLatest(trayName string) (TraySnapshot, error) {
	paths, err := ListSnapshots(s.dir)
	if err != nil {
		return TraySnapshot{}, err
	}
	var best TraySnapshot
	found := false
	for _, p := range paths {
		snap, err := ReadSnapshot(p)
		if err != nil {
			if s.logger != nil {
				s.logger.Warnf("skipping unreadable ledger file %s: %v", p, err)
			}
			continue
		}
		if snap.TrayName != trayName {
			continue
		}
		if !found || !snap.SavedAt.Before(best.SavedAt) {
			best = snap
			found = true
		}
	}
	if !found {
		return TraySnapshot{}, errors.Errorf("no ledger snapshot for tray %s in %s", trayName, s.dir)
	}
	return best, nil
}

// ReadSnapshot reads and validates one snapshot file.
func ReadSnapshot(path string) (TraySnapshot, error) {
	var snap TraySnapshot
	data, err := os.ReadFile(path)
	if err != nil {
		return snap, errors.Wrapf(err, "failed to read snapshot %s", path)
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, errors.Wrapf(err, "failed to parse snapshot %s", path)
	}
	if snap.TrayName == "" {
		return snap, errors.Errorf("snapshot %s has no tray name", path)
	}
	return snap, nil
}

// ListSnapshots returns the snapshot file paths in a ledger directory.
func ListSnapshots(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read ledger directory %s", dir)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	return paths, nil
}
