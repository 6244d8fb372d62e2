// Package lmcs is an embedded, single-process document database: typed
// collections of JSON-like records persisted to a local file, with
// optional transparent encryption and ACID multi-document transactions.
//
// Grounded on the teacher's internal/docdb/core.go LogicalDB: lifecycle
// (initialize/close), a long-held file lock, and the commit-ordering
// invariant (append to storage before mutating memory), stripped of
// partitioning, multi-tenant catalog, and networked IPC — this package
// is a single database, single writer, single process.
package lmcs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kartikbazzad/lmcs/internal/collection"
	"github.com/kartikbazzad/lmcs/internal/config"
	"github.com/kartikbazzad/lmcs/internal/crypto"
	"github.com/kartikbazzad/lmcs/internal/errors"
	"github.com/kartikbazzad/lmcs/internal/flock"
	"github.com/kartikbazzad/lmcs/internal/index"
	"github.com/kartikbazzad/lmcs/internal/logger"
	"github.com/kartikbazzad/lmcs/internal/query"
	"github.com/kartikbazzad/lmcs/internal/storage"
	"github.com/kartikbazzad/lmcs/internal/txn"
	"github.com/kartikbazzad/lmcs/internal/walfmt"
	"github.com/panjf2000/ants/v2"
)

// Re-exported types callers build requests/filters with.
type (
	Document     = walfmt.Document
	IndexOptions = collection.IndexOptions
	FindOptions  = collection.FindOptions
	SortSpec     = query.SortSpec
)

// Stats summarizes a database's current state.
type Stats struct {
	Collections     int
	TotalDocuments  int
	StorageType     config.StorageType
	TransactionsRun int
	WALSize         uint64 // on-disk footprint, 0 for MemoryStorage
	LastCompaction  time.Time
}

// Database is the orchestrator: constructs the chosen storage backend,
// holds the file lock for the whole database lifetime, and exposes
// collections and the transactional scope.
type Database struct {
	cfg     *config.Config
	backend storage.Backend
	vault   *crypto.Vault
	lock    *flock.FileLock
	log     *logger.Logger
	txMgr   *txn.Manager
	idx     *index.Manager

	txPool *ants.Pool // single-worker pool enforcing the transaction FIFO

	mu             sync.RWMutex
	collections    map[string]*collection.Collection
	closed         bool
	txCount        int
	lastCompaction time.Time
}

// Open constructs and initializes a Database per cfg: creates the lock
// directory, acquires the file lock (held until Close), initializes
// storage, recovers transactions, and replays the log into collections.
func Open(ctx context.Context, cfg *config.Config) (*Database, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := logger.New(os.Stderr, logger.LevelInfo, fmt.Sprintf("[lmcs:%s]", orDefault(cfg.DatabaseName, "db")))

	var vault *crypto.Vault
	if cfg.EncryptionKey != "" {
		vault = crypto.New(cfg.EncryptionKey)
	}

	db := &Database{
		cfg:         cfg,
		vault:       vault,
		log:         log,
		idx:         index.New(),
		collections: make(map[string]*collection.Collection),
	}

	backend, lockPath, err := buildBackend(cfg, vault, log)
	if err != nil {
		return nil, err
	}
	db.backend = backend

	if lockPath != "" {
		db.lock = flock.New(lockPath, flock.Options{Retries: cfg.Lock.Retries, StaleMS: cfg.Lock.StaleMS})
		if err := db.lock.Acquire(ctx); err != nil {
			return nil, err
		}
	}

	if err := db.backend.Initialize(ctx); err != nil {
		if db.lock != nil {
			_ = db.lock.Release()
		}
		return nil, err
	}

	db.txMgr = txn.New(db.backend)

	txPool, err := ants.NewPool(1)
	if err != nil {
		_ = db.backend.Close(ctx)
		if db.lock != nil {
			_ = db.lock.Release()
		}
		return nil, err
	}
	db.txPool = txPool

	if cfg.TransactionsEnabled() {
		if _, err := db.txMgr.Recover(ctx); err != nil {
			_ = db.backend.Close(ctx)
			if db.lock != nil {
				_ = db.lock.Release()
			}
			return nil, err
		}
	}

	if err := db.replay(ctx); err != nil {
		_ = db.backend.Close(ctx)
		if db.lock != nil {
			_ = db.lock.Release()
		}
		return nil, err
	}

	return db, nil
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// buildBackend constructs the storage.Backend cfg.StorageType names, and
// the path the database-level FileLock (if persistent) should guard.
func buildBackend(cfg *config.Config, vault *crypto.Vault, log *logger.Logger) (storage.Backend, string, error) {
	dataPath := filepath.Join(cfg.CustomPath, cfg.DatabaseName)

	switch cfg.StorageType {
	case config.StorageMemory:
		return storage.NewMemoryStorage(), "", nil
	case config.StorageJSON:
		path := dataPath + ".json"
		return storage.NewJSONStorage(path, vault, cfg.AutosaveInterval, log), dataPath + ".lock", nil
	case config.StorageBinary:
		path := dataPath + ".bin"
		return storage.NewBinaryStorage(path, vault), dataPath + ".lock", nil
	case config.StorageAOL:
		path := dataPath + ".aol"
		return storage.NewAOLStorage(path, vault, cfg.EnableChecksums, cfg.BufferSize, cfg.CompactionInterval, log), dataPath + ".lock", nil
	default:
		return nil, "", errors.ValidationError(errors.CodeUnknownStorage, "unknown storageType: "+string(cfg.StorageType), nil)
	}
}

// replay streams the backend's full history and rebuilds in-memory
// collection state, skipping the reserved transactions collection and
// any entry whose txId belongs to a transaction that never committed
// (spec §4.8).
func (db *Database) replay(ctx context.Context) error {
	stream, err := db.backend.ReadStream(ctx)
	if err != nil {
		return err
	}

	committed, err := db.committedSet(ctx)
	if err != nil {
		return err
	}

	for item := range stream {
		if item.Err != nil {
			db.log.Warn("replay: skipping entry with error: %v", item.Err)
			continue
		}
		entry := item.Entry
		if entry.Collection == walfmt.TransactionsCollection {
			continue
		}
		if entry.TxID != "" && !committed[entry.TxID] {
			continue
		}
		db.collectionLocked(entry.Collection).LoadFromEntry(entry)
	}

	return nil
}

// committedSet re-derives which transaction ids committed by streaming
// the envelope entries again (Recover already ran and may have appended
// synthetic ROLLBACKs for torn transactions, so this reflects their
// outcome too).
func (db *Database) committedSet(ctx context.Context) (map[string]bool, error) {
	stream, err := db.backend.ReadStream(ctx)
	if err != nil {
		return nil, err
	}
	committed := make(map[string]bool)
	for item := range stream {
		if item.Err != nil {
			continue
		}
		e := item.Entry
		if e.Collection != walfmt.TransactionsCollection {
			continue
		}
		if e.Op == walfmt.OpCommit {
			committed[e.ID] = true
		}
	}
	return committed, nil
}

// collectionLocked returns (lazily constructing) the named collection.
func (db *Database) collectionLocked(name string) *collection.Collection {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.unsafeCollection(name)
}

func (db *Database) unsafeCollection(name string) *collection.Collection {
	c, ok := db.collections[name]
	if !ok {
		c = collection.New(name, db.backend, db.idx)
		db.collections[name] = c
	}
	return c
}

// Collection returns a lazily-constructed handle to the named
// collection. Names starting with underscore are reserved.
func (db *Database) Collection(name string) (*collection.Collection, error) {
	if err := collection.ValidateName(name); err != nil {
		return nil, err
	}
	return db.collectionLocked(name), nil
}

// Compact delegates to the storage backend's optional Compactor
// interface; a no-op if the backend doesn't implement it.
func (db *Database) Compact(ctx context.Context) error {
	c, ok := db.backend.(storage.Compactor)
	if !ok {
		return nil
	}

	before := db.walSize()
	if err := c.Compact(ctx); err != nil {
		return err
	}
	after := db.walSize()

	db.mu.Lock()
	db.lastCompaction = time.Now()
	db.mu.Unlock()

	db.log.Info("compaction reclaimed %s (%s -> %s)", logger.Bytes(saturatingSub(before, after)), logger.Bytes(before), logger.Bytes(after))
	return nil
}

// walSize reports the backend's on-disk footprint via its optional
// Sizer interface, or 0 for backends with none (MemoryStorage).
func (db *Database) walSize() uint64 {
	s, ok := db.backend.(storage.Sizer)
	if !ok {
		return 0
	}
	n, err := s.Size()
	if err != nil || n < 0 {
		return 0
	}
	return uint64(n)
}

func saturatingSub(a, b uint64) uint64 {
	if b >= a {
		return 0
	}
	return a - b
}

// Flush forces durability of any buffered writes.
func (db *Database) Flush(ctx context.Context) error {
	return db.backend.Flush(ctx)
}

// Close flushes, closes storage, stops the transaction worker pool, and
// releases the file lock.
func (db *Database) Close(ctx context.Context) error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	db.mu.Unlock()

	if db.txPool != nil {
		db.txPool.Release()
	}

	err := db.backend.Close(ctx)

	if db.lock != nil {
		if lerr := db.lock.Release(); lerr != nil && err == nil {
			err = lerr
		}
	}

	return err
}

// Stats returns a snapshot of the database's current state.
func (db *Database) Stats() Stats {
	db.mu.RLock()
	defer db.mu.RUnlock()

	total := 0
	for _, c := range db.collections {
		total += c.Count()
	}

	return Stats{
		Collections:     len(db.collections),
		TotalDocuments:  total,
		StorageType:     db.cfg.StorageType,
		TransactionsRun: db.txCount,
		WALSize:         db.walSize(),
		LastCompaction:  db.lastCompaction,
	}
}

// waitFor blocks until fn completes on the single-worker transaction
// pool, enforcing the database-wide transaction FIFO (spec §4.7/§5:
// "at most one transaction body runs at a time").
func (db *Database) waitFor(fn func()) error {
	done := make(chan struct{})
	submitErr := db.txPool.Submit(func() {
		defer close(done)
		fn()
	})
	if submitErr != nil {
		return submitErr
	}
	<-done
	return nil
}
