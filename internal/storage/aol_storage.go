package storage

import (
	"bufio"
	"bytes"
	"context"
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

// AOLStorage is the central backend: a line-delimited append-only log
// (spec §4.3.4). Grounded on the teacher's internal/wal writer/reader
// (buffered append, fsync-on-flush, truncate/skip-on-corruption) and
// internal/docdb/compaction.go (fold-to-state-map, atomic rename).
type AOLStorage struct {
	path            string
	vault           *crypto.Vault
	checksums       bool
	bufferSize      int
	compactionEvery time.Duration
	lockOpts        flock.Options
	log             *logger.Logger

	mu     sync.Mutex
	file   *os.File
	buffer []*walfmt.LogEntry

	flushGroup singleflight.Group

	stopCompaction chan struct{}
	compactionWG   sync.WaitGroup
}

// NewAOLStorage constructs an AOLStorage backed by path.
func NewAOLStorage(path string, vault *crypto.Vault, checksums bool, bufferSize int, compactionEvery time.Duration, log *logger.Logger) *AOLStorage {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &AOLStorage{
		path:            path,
		vault:           vault,
		checksums:       checksums,
		bufferSize:      bufferSize,
		compactionEvery: compactionEvery,
		log:             log,
	}
}

func (s *AOLStorage) Initialize(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	s.file = f

	s.startCompactionTimer()
	return nil
}

func (s *AOLStorage) startCompactionTimer() {
	if s.compactionEvery <= 0 {
		return
	}
	s.stopCompaction = make(chan struct{})
	s.compactionWG.Add(1)
	go func() {
		defer s.compactionWG.Done()
		ticker := time.NewTicker(s.compactionEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := s.Compact(context.Background()); err != nil {
					s.log.Warn("aol storage: background compaction failed: %v", err)
				}
			case <-s.stopCompaction:
				return
			}
		}
	}()
}

// encodeLine renders one LogEntry as its on-disk line: canonical JSON,
// or if encryption is enabled, the JSON of an independent encrypted
// envelope (spec §4.3.4/§6).
func (s *AOLStorage) encodeLine(entry *walfmt.LogEntry) ([]byte, error) {
	if s.checksums && entry.Checksum == "" {
		if err := walfmt.Seal(entry); err != nil {
			return nil, err
		}
	}
	plaintext, err := walfmt.Marshal(entry)
	if err != nil {
		return nil, err
	}
	return sealBytes(s.vault, plaintext)
}

// Append buffers the entry; the buffer is flushed to the file (and
// fsynced) once it reaches bufferSize, or when Flush is explicitly
// called (spec §4.3.4).
func (s *AOLStorage) Append(ctx context.Context, entry *walfmt.LogEntry) error {
	s.mu.Lock()
	s.buffer = append(s.buffer, entry.Clone())
	full := len(s.buffer) >= s.bufferSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush writes all buffered entries to the file and fsyncs, serialized
// by the per-file advisory lock. Concurrent Flush calls collapse into
// one physical write.
func (s *AOLStorage) Flush(ctx context.Context) error {
	for {
		_, err, _ := s.flushGroup.Do("flush", func() (interface{}, error) {
			return nil, s.flushOnce(ctx)
		})
		if err != nil {
			return err
		}
		// A caller that joined a flush already in progress may have
		// appended after that flush took the buffer; flush again until
		// the buffer is empty.
		s.mu.Lock()
		empty := len(s.buffer) == 0
		s.mu.Unlock()
		if empty {
			return nil
		}
	}
}

func (s *AOLStorage) flushOnce(ctx context.Context) error {
	s.mu.Lock()
	pending := s.buffer
	s.buffer = nil
	s.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	lockPath := s.path + ".lock"
	return flock.WithLock(ctx, lockPath, s.lockOpts, func() error {
		var buf bytes.Buffer
		for _, e := range pending {
			line, err := s.encodeLine(e)
			if err != nil {
				return err
			}
			buf.Write(line)
			buf.WriteByte('\n')
		}

		if _, err := s.file.Write(buf.Bytes()); err != nil {
			return errors.CorruptionError(errors.CodeCorruptContainer, "failed to write aol entries", err)
		}
		return s.file.Sync()
	})
}

// ReadStream first flushes outstanding buffered entries, then reads the
// file line by line, decrypting and verifying checksums as configured.
// Malformed lines produce a warning and are skipped; real-data checksum
// mismatches raise CorruptionError, envelope-entry mismatches are
// skipped leniently (spec §4.3.4/§7/§8).
func (s *AOLStorage) ReadStream(ctx context.Context) (<-chan StreamItem, error) {
	if err := s.Flush(ctx); err != nil {
		return nil, err
	}

	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			ch := make(chan StreamItem)
			close(ch)
			return ch, nil
		}
		return nil, err
	}

	ch := make(chan StreamItem, 64)
	go func() {
		defer f.Close()
		defer close(ch)

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}

			plaintext, err := openBytes(s.vault, line)
			if err != nil {
				s.log.Warn("aol storage: skipping undecryptable line: %v", err)
				continue
			}

			entry, err := walfmt.Unmarshal(plaintext)
			if err != nil {
				s.log.Warn("aol storage: skipping malformed line: %v", err)
				continue
			}

			if s.checksums {
				if verr := walfmt.Verify(entry); verr != nil {
					if entry.Op.IsEnvelope() {
						s.log.Warn("aol storage: checksum mismatch on envelope entry, skipping: %v", verr)
						continue
					}
					ch <- StreamItem{Err: verr}
					continue
				}
			}

			ch <- StreamItem{Entry: entry}
		}
	}()

	return ch, nil
}

func (s *AOLStorage) Close(ctx context.Context) error {
	if s.stopCompaction != nil {
		close(s.stopCompaction)
		s.compactionWG.Wait()
	}
	if err := s.Flush(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		err := s.file.Close()
		s.file = nil
		return err
	}
	return nil
}

// Size reports the log file's current on-disk footprint, for
// Database.Stats' WALSize.
func (s *AOLStorage) Size() (int64, error) {
	info, err := os.Stat(s.path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Clear truncates the file to zero length.
func (s *AOLStorage) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffer = nil
	if s.file == nil {
		return nil
	}
	if err := s.file.Truncate(0); err != nil {
		return err
	}
	_, err := s.file.Seek(0, 0)
	return err
}

// Compact flushes outstanding entries, then stream-reads into a state
// map keyed collection:id, applying insert/update (set) and delete
// (remove) and discarding transaction envelopes; serializes the
// surviving entries into a temporary file; atomically renames over the
// live file while holding the lock. If the state map is empty, the live
// file is truncated to zero length (spec §4.3.4).
func (s *AOLStorage) Compact(ctx context.Context) error {
	if err := s.Flush(ctx); err != nil {
		return err
	}

	before, _ := s.Size()

	stream, err := s.readAllForCompaction(ctx)
	if err != nil {
		return err
	}

	state := make(map[string]*walfmt.LogEntry)
	order := make([]string, 0, len(stream))
	for _, e := range stream {
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

	lockPath := s.path + ".lock"
	return flock.WithLock(ctx, lockPath, s.lockOpts, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		if len(state) == 0 {
			if err := s.file.Truncate(0); err != nil {
				return err
			}
			_, err := s.file.Seek(0, 0)
			return err
		}

		tmpPath := s.path + ".compact.tmp"
		tmpFile, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return err
		}

		var buf bytes.Buffer
		for _, key := range order {
			e, ok := state[key]
			if !ok {
				continue
			}
			line, err := s.encodeLine(e)
			if err != nil {
				tmpFile.Close()
				os.Remove(tmpPath)
				return err
			}
			buf.Write(line)
			buf.WriteByte('\n')
		}

		if _, err := tmpFile.Write(buf.Bytes()); err != nil {
			tmpFile.Close()
			os.Remove(tmpPath)
			return err
		}
		if err := tmpFile.Sync(); err != nil {
			tmpFile.Close()
			os.Remove(tmpPath)
			return err
		}
		if err := tmpFile.Close(); err != nil {
			os.Remove(tmpPath)
			return err
		}

		if err := s.file.Close(); err != nil {
			return err
		}
		if err := os.Rename(tmpPath, s.path); err != nil {
			return err
		}

		f, err := os.OpenFile(s.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		s.file = f
		s.log.Info("aol storage: compaction shrank %s to %s", logger.Bytes(uint64(before)), logger.Bytes(uint64(buf.Len())))
		return nil
	})
}

// readAllForCompaction reads every currently-loadable entry (lenient:
// corrupt lines are skipped, matching ReadStream's behavior) without
// the public API's channel indirection.
func (s *AOLStorage) readAllForCompaction(ctx context.Context) ([]*walfmt.LogEntry, error) {
	ch, err := s.readFileOnly()
	if err != nil {
		return nil, err
	}
	var out []*walfmt.LogEntry
	for item := range ch {
		if item.Err != nil {
			continue
		}
		out = append(out, item.Entry)
	}
	return out, nil
}

// readFileOnly reads the file directly (no implicit Flush, since
// Compact already flushed) — kept separate from ReadStream to avoid
// re-entering Flush's singleflight group from within Compact's own
// lock-held section.
func (s *AOLStorage) readFileOnly() (<-chan StreamItem, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			ch := make(chan StreamItem)
			close(ch)
			return ch, nil
		}
		return nil, err
	}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)

	ch := make(chan StreamItem, 64)
	go func() {
		defer f.Close()
		defer close(ch)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			plaintext, err := openBytes(s.vault, line)
			if err != nil {
				s.log.Warn("aol storage: skipping undecryptable line during compaction: %v", err)
				continue
			}
			entry, err := walfmt.Unmarshal(plaintext)
			if err != nil {
				s.log.Warn("aol storage: skipping malformed line during compaction: %v", err)
				continue
			}
			if s.checksums {
				if verr := walfmt.Verify(entry); verr != nil {
					s.log.Warn("aol storage: skipping entry with checksum mismatch during compaction: %v", verr)
					continue
				}
			}
			ch <- StreamItem{Entry: entry}
		}
	}()
	return ch, nil
}
