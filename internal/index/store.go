package index

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mangleload/internal/diag"
)

// DefaultRecheckInterval bounds how often lookups re-check index staleness
// against the filesystem.
const DefaultRecheckInterval = 60 * time.Second

type entryKey struct {
	name  string
	arity int
}

// snapshot is one immutable generation of the merged in-memory index.
// Readers take it through an atomic pointer and never see partial state.
type snapshot struct {
	entries map[entryKey][]Entry
}

// Store serves symbol lookups against the merged indexes of all
// registered library roots. Reads are lock-free; reload and the staleness
// check are serialized under a single mutex (the autoload-index domain).
type Store struct {
	logger   *zap.Logger
	reporter *diag.Reporter
	builder  *Builder
	recheck  time.Duration
	now      func() time.Time

	snap atomic.Pointer[snapshot]

	// dirty forces a reload on the next lookup regardless of the
	// recheck interval. Set by AddRoot and the filesystem watcher.
	dirty atomic.Bool

	// loadedAt is the unix-nano time of the last reload, read on the
	// lock-free lookup fast path.
	loadedAt atomic.Int64

	// reloadMu is the manifest lock: it serializes root mutation,
	// staleness checks and snapshot rebuilds.
	reloadMu sync.Mutex
	roots    []string
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithRecheckInterval overrides the staleness re-check interval.
func WithRecheckInterval(d time.Duration) StoreOption {
	return func(s *Store) { s.recheck = d }
}

// WithStoreClock injects a clock, for tests.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore creates a Store over builder. logger may be nil.
func NewStore(logger *zap.Logger, reporter *diag.Reporter, builder *Builder, opts ...StoreOption) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		logger:   logger,
		reporter: reporter,
		builder:  builder,
		recheck:  DefaultRecheckInterval,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.snap.Store(&snapshot{entries: map[entryKey][]Entry{}})
	return s
}

// AddRoot registers an additional library root. The merged index is
// re-derived on the next lookup.
func (s *Store) AddRoot(dir string) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = dir
	}
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()
	for _, r := range s.roots {
		if r == abs {
			return
		}
	}
	s.roots = append(s.roots, abs)
	s.dirty.Store(true)
	s.logger.Info("library root registered", zap.String("dir", abs))
}

// Roots returns the registered library roots.
func (s *Store) Roots() []string {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()
	return append([]string(nil), s.roots...)
}

// MarkDirty forces the next lookup to re-check staleness immediately,
// bypassing the recheck interval.
func (s *Store) MarkDirty() {
	s.dirty.Store(true)
}

// Lookup finds the entry for (name, arity), preferring one whose module
// is preferred. The read path is a map probe against the current
// snapshot; freshness is ensured first, rate-limited by the recheck
// interval.
func (s *Store) Lookup(name string, arity int, preferred string) (Entry, bool) {
	s.ensureFresh()
	entries := s.snap.Load().entries[entryKey{name: name, arity: arity}]
	if len(entries) == 0 {
		return Entry{}, false
	}
	if preferred != "" {
		for _, e := range entries {
			if e.Module == preferred {
				return e, true
			}
		}
	}
	return entries[0], true
}

// Reload discards the in-memory entries and re-derives them from the
// registered roots, rebuilding any stale per-directory index first.
func (s *Store) Reload() error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()
	return s.reloadLocked()
}

// UpdateIndex is the administrative rebuild: it recomputes the index of
// every registered root (muting per-file noise for the batch) and reloads
// the in-memory state only if something actually changed on disk. A root
// that cannot be rebuilt (a read-only directory, say) does not stop the
// reload from picking up what the other roots installed.
func (s *Store) UpdateIndex() error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()
	changed, err := s.builder.BuildAll(s.roots)
	if !changed && s.loadedAt.Load() != 0 {
		return err
	}
	if rerr := s.reloadLocked(); err == nil {
		err = rerr
	}
	return err
}

// ensureFresh re-checks staleness if the store is marked dirty or the
// recheck interval has elapsed. The double-check under reloadMu keeps
// concurrent lookups from re-deriving the snapshot twice.
func (s *Store) ensureFresh() {
	if s.fresh() {
		return
	}
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()
	if s.fresh() {
		return
	}
	if err := s.reloadLocked(); err != nil {
		s.reporter.Warn("autoload-index", err)
	}
}

func (s *Store) fresh() bool {
	if s.dirty.Load() {
		return false
	}
	loaded := s.loadedAt.Load()
	return loaded != 0 && s.now().Sub(time.Unix(0, loaded)) < s.recheck
}

func (s *Store) reloadLocked() error {
	entries := map[entryKey][]Entry{}
	var firstErr error
	for _, dir := range s.roots {
		if _, err := s.builder.BuildStale(dir); err != nil {
			// A root we cannot rebuild still serves its old index.
			s.reporter.Warn(dir, err)
			if firstErr == nil {
				firstErr = err
			}
		}
		s.readDir(dir, entries)
	}
	s.snap.Store(&snapshot{entries: entries})
	s.loadedAt.Store(s.now().UnixNano())
	s.dirty.Store(false)
	s.logger.Debug("library index reloaded",
		zap.Int("roots", len(s.roots)), zap.Int("symbols", len(entries)))
	return firstErr
}

func (s *Store) readDir(dir string, entries map[entryKey][]Entry) {
	f, err := os.Open(filepath.Join(dir, IndexFileName))
	if err != nil {
		if !os.IsNotExist(err) {
			s.reporter.Warn(dir, err)
		}
		return
	}
	defer f.Close()
	for _, e := range readEntries(f, dir, s.reporter) {
		key := entryKey{name: e.Name, arity: e.Arity}
		entries[key] = append(entries[key], e)
	}
}
