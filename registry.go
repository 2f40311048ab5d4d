package chembench

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// sharedStore wraps a ledger store with a reference count so multiple tray
// components backed by the same directory share one store and one run stamp.
type sharedStore struct {
	store    *Store
	refCount atomic.Int64

	mu      sync.RWMutex
	lastErr error
}

func (s *sharedStore) setLastError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = err
}

func (s *sharedStore) lastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// StoreRegistry hands out shared ledger stores keyed by directory.
type StoreRegistry struct {
	mu     sync.Mutex
	stores map[string]*sharedStore
}

// NewStoreRegistry creates an empty registry.
func NewStoreRegistry() *StoreRegistry {
	return &StoreRegistry{stores: make(map[string]*sharedStore)}
}

// defaultStores is the package-level registry tray components share.
var defaultStores = NewStoreRegistry()

// Get returns the store for a ledger directory, opening it on first request
// and bumping the reference count on every call. A directory already open
// under a different stamp is a configuration conflict and is rejected rather
// than silently splitting the ledger.
func (r *StoreRegistry) Get(dir, stamp string, logger logging.Logger) (*Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if shared, ok := r.stores[dir]; ok {
		if shared.store.Stamp() != stamp {
			return nil, errors.Errorf(
				"ledger directory %s already open with stamp %q, requested %q",
				dir, shared.store.Stamp(), stamp)
		}
		if err := shared.lastError(); err != nil {
			return nil, errors.Wrapf(err, "ledger store for %s previously failed", dir)
		}
		shared.refCount.Add(1)
		if logger != nil {
			logger.Debugf("sharing ledger store for %s (refcount %d)", dir, shared.refCount.Load())
		}
		return shared.store, nil
	}

	store, err := NewStore(dir, stamp, logger)
	if err != nil {
		return nil, err
	}
	shared := &sharedStore{store: store}
	shared.refCount.Add(1)
	r.stores[dir] = shared
	if logger != nil {
		logger.Infof("opened ledger store %s (stamp %q)", dir, stamp)
	}
	return store, nil
}

// Release drops one reference to a directory's store, removing it from the
// registry when the count reaches zero.
func (r *StoreRegistry) Release(dir string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	shared, ok := r.stores[dir]
	if !ok {
		return
	}
	if shared.refCount.Add(-1) <= 0 {
		delete(r.stores, dir)
	}
}

// NoteError records a persistence failure against a directory's store so
// later Get calls surface it instead of handing out a broken store.
func (r *StoreRegistry) NoteError(dir string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if shared, ok := r.stores[dir]; ok {
		shared.setLastError(err)
	}
}

// ForceClose removes a directory's store regardless of references. Meant for
// tests and teardown paths.
func (r *StoreRegistry) ForceClose(dir string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.stores, dir)
}

// Status reports whether a directory has an open store, its reference count,
// and any recorded error.
func (r *StoreRegistry) Status(dir string) (open bool, refCount int64, lastErr error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	shared, ok := r.stores[dir]
	if !ok {
		return false, 0, nil
	}
	return true, shared.refCount.Load(), shared.lastError()
}

// Dirs lists the directories with open stores.
func (r *StoreRegistry) Dirs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	dirs := make([]string, 0, len(r.stores))
	for dir := range r.stores {
		dirs = append(dirs, dir)
	}
	return dirs
}
