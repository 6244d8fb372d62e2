package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kartikbazzad/lmcs/internal/crypto"
	"github.com/kartikbazzad/lmcs/internal/errors"
	"github.com/kartikbazzad/lmcs/internal/flock"
	"github.com/kartikbazzad/lmcs/internal/logger"
	"github.com/kartikbazzad/lmcs/internal/walfmt"
	"golang.org/x/sync/singleflight"
)

// JSONStorage holds the full LogEntry sequence in memory and persists it
// as a single JSON array snapshot on flush (spec §4.3.2).
type JSONStorage struct {
	path   string
	vault  *crypto.Vault
	log    *logger.Logger
	lockFn flock.Options

	autosaveInterval time.Duration

	mu      sync.Mutex
	entries []*walfmt.LogEntry
	dirty   bool

	flushGroup singleflight.Group

	stopAutosave chan struct{}
	autosaveWG   sync.WaitGroup
}

// NewJSONStorage constructs a JSONStorage backed by path.
func NewJSONStorage(path string, vault *crypto.Vault, autosaveInterval time.Duration, log *logger.Logger) *JSONStorage {
	return &JSONStorage{
		path:             path,
		vault:            vault,
		log:              log,
		autosaveInterval: autosaveInterval,
	}
}

func (s *JSONStorage) Initialize(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.startAutosave()
			return nil
		}
		return err
	}
	if len(data) == 0 {
		s.startAutosave()
		return nil
	}

	plaintext, err := openBytes(s.vault, data)
	if err != nil {
		// Crypto failures during initialization start with an empty
		// state and emit a warning (spec §7).
		s.log.Warn("json storage: failed to decrypt %s, starting empty: %v", s.path, err)
		s.startAutosave()
		return nil
	}

	var entries []*walfmt.LogEntry
	if err := json.Unmarshal(plaintext, &entries); err != nil {
		s.log.Warn("json storage: failed to parse %s, starting empty: %v", s.path, err)
		s.startAutosave()
		return nil
	}

	s.entries = entries
	s.startAutosave()
	return nil
}

func (s *JSONStorage) startAutosave() {
	if s.autosaveInterval <= 0 {
		return
	}
	s.stopAutosave = make(chan struct{})
	s.autosaveWG.Add(1)
	go func() {
		defer s.autosaveWG.Done()
		ticker := time.NewTicker(s.autosaveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.mu.Lock()
				dirty := s.dirty
				s.mu.Unlock()
				if dirty {
					_ = s.Flush(context.Background())
				}
			case <-s.stopAutosave:
				return
			}
		}
	}()
}

func (s *JSONStorage) Append(ctx context.Context, entry *walfmt.LogEntry) error {
	s.mu.Lock()
	s.entries = append(s.entries, entry.Clone())
	s.dirty = true
	immediate := s.autosaveInterval <= 0
	s.mu.Unlock()

	// Autosave interval 0 disables the timer; every append triggers an
	// immediate flush instead (spec §9 Open Question).
	if immediate {
		return s.Flush(ctx)
	}
	return nil
}

func (s *JSONStorage) ReadStream(ctx context.Context) (<-chan StreamItem, error) {
	s.mu.Lock()
	snapshot := make([]*walfmt.LogEntry, len(s.entries))
	copy(snapshot, s.entries)
	s.mu.Unlock()

	ch := make(chan StreamItem, len(snapshot))
	for _, e := range snapshot {
		ch <- StreamItem{Entry: e.Clone()}
	}
	close(ch)
	return ch, nil
}

// Flush serializes the entire array, optionally encrypts the whole
// string, and writes atomically (write-then-rename) while holding the
// path's lock. Concurrent Flush calls against the same storage collapse
// into a single physical write via singleflight.
func (s *JSONStorage) Flush(ctx context.Context) error {
	for {
		_, err, _ := s.flushGroup.Do("flush", func() (interface{}, error) {
			return nil, s.flushOnce(ctx)
		})
		if err != nil {
			return err
		}
		// A caller that joined a flush already in progress may have
		// appended after its snapshot; flush again until nothing is left.
		s.mu.Lock()
		dirty := s.dirty
		s.mu.Unlock()
		if !dirty {
			return nil
		}
	}
}

func (s *JSONStorage) flushOnce(ctx context.Context) error {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	snapshot := make([]*walfmt.LogEntry, len(s.entries))
	copy(snapshot, s.entries)
	s.mu.Unlock()

	plaintext, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}

	sealed, err := sealBytes(s.vault, plaintext)
	if err != nil {
		return err
	}

	lockPath := s.path + ".lock"
	err = flock.WithLock(ctx, lockPath, s.lockFn, func() error {
		tmp := s.path + ".tmp"
		f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return err
		}
		if _, err := f.Write(sealed); err != nil {
			f.Close()
			return err
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		return os.Rename(tmp, s.path)
	})
	if err != nil {
		return errors.CorruptionError(errors.CodeCorruptContainer, "failed to flush json storage", err)
	}

	// Entries appended (or a Clear/Compact) while the write was in progress
	// are not in the snapshot, so the storage stays dirty for them.
	s.mu.Lock()
	n := len(snapshot)
	if len(s.entries) == n && (n == 0 || s.entries[n-1] == snapshot[n-1]) {
		s.dirty = false
	}
	s.mu.Unlock()
	return nil
}

func (s *JSONStorage) Close(ctx context.Context) error {
	if s.stopAutosave != nil {
		close(s.stopAutosave)
		s.autosaveWG.Wait()
	}
	return s.Flush(ctx)
}

// Size reports the snapshot file's current on-disk footprint, for
// Database.Stats' WALSize.
func (s *JSONStorage) Size() (int64, error) {
	info, err := os.Stat(s.path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Clear discards all entries.
func (s *JSONStorage) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.entries = nil
	s.dirty = true
	s.mu.Unlock()
	return s.Flush(ctx)
}

// Compact applies the same fold as MemoryStorage (last write per
// collection:id kept, deletes and transaction envelopes dropped) and then
// flushes the compacted array.
func (s *JSONStorage) Compact(ctx context.Context) error {
	s.mu.Lock()
	state := make(map[string]*walfmt.LogEntry)
	order := make([]string, 0, len(s.entries))
	for _, e := range s.entries {
		if e.Op.IsEnvelope() {
			continue
		}
		key := e.Collection + ":" + e.ID
		if _, exists := state[key]; !exists {
			order = append(order, key)
		}
		if e.Op == walfmt.OpDelete {
			delete(state, key)
			continue
		}
		state[key] = e
	}
	compacted := make([]*walfmt.LogEntry, 0, len(order))
	for _, key := range order {
		if e, ok := state[key]; ok {
			compacted = append(compacted, e)
		}
	}
	s.entries = compacted
	s.dirty = true
	s.mu.Unlock()
	return s.Flush(ctx)
}
