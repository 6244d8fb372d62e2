package storage

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/kartikbazzad/lmcs/internal/crypto"
	"github.com/kartikbazzad/lmcs/internal/errors"
	"github.com/kartikbazzad/lmcs/internal/walfmt"
)

const (
	binaryMagic   = "LMCS"
	binaryVersion = 1
)

// binaryHeader is the framed container header (spec §4.3.3).
type binaryHeader struct {
	Magic     string `json:"magic"`
	Version   int    `json:"version"`
	Checksum  string `json:"checksum"`
	Encrypted bool   `json:"encrypted"`
}

// BinaryStorage is a single-file container: [u32 headerLen][headerJSON]
// [u32 payloadLen][payload] (spec §4.3.3). Like JSONStorage it holds the
// full entry sequence in memory and re-serializes the whole container on
// every append.
type BinaryStorage struct {
	path  string
	vault *crypto.Vault

	mu      sync.Mutex
	entries []*walfmt.LogEntry
}

// NewBinaryStorage constructs a BinaryStorage backed by path.
func NewBinaryStorage(path string, vault *crypto.Vault) *BinaryStorage {
	return &BinaryStorage{path: path, vault: vault}
}

func (s *BinaryStorage) Initialize(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}

	entries, err := s.decodeContainer(data)
	if err != nil {
		return err
	}
	s.entries = entries
	return nil
}

func (s *BinaryStorage) decodeContainer(data []byte) ([]*walfmt.LogEntry, error) {
	if len(data) < 4 {
		return nil, errors.CorruptionError(errors.CodeCorruptContainer, "binary container truncated", nil)
	}
	headerLen := binary.BigEndian.Uint32(data[0:4])
	offset := 4
	if uint64(offset)+uint64(headerLen) > uint64(len(data)) {
		return nil, errors.CorruptionError(errors.CodeCorruptContainer, "binary container header truncated", nil)
	}
	var hdr binaryHeader
	if err := json.Unmarshal(data[offset:offset+int(headerLen)], &hdr); err != nil {
		return nil, errors.CorruptionError(errors.CodeCorruptContainer, "failed to parse binary header", err)
	}
	offset += int(headerLen)

	if hdr.Magic != binaryMagic {
		return nil, errors.CorruptionError(errors.CodeMagicMismatch, "binary container magic mismatch", nil)
	}

	if offset+4 > len(data) {
		return nil, errors.CorruptionError(errors.CodeCorruptContainer, "binary container payload length truncated", nil)
	}
	payloadLen := binary.BigEndian.Uint32(data[offset : offset+4])
	offset += 4
	if uint64(offset)+uint64(payloadLen) > uint64(len(data)) {
		return nil, errors.CorruptionError(errors.CodeCorruptContainer, "binary container payload truncated", nil)
	}
	payload := data[offset : offset+int(payloadLen)]

	sum := sha256.Sum256(payload)
	if hex.EncodeToString(sum[:]) != hdr.Checksum {
		return nil, errors.CorruptionError(errors.CodeChecksumMismatch, "binary container checksum mismatch", nil)
	}

	var plaintext []byte
	if hdr.Encrypted {
		var p crypto.Payload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, errors.CorruptionError(errors.CodeMalformedEnvelope, "failed to parse encrypted binary payload", err)
		}
		if s.vault == nil {
			return nil, errors.CryptoError(errors.CodeMalformedEnvelope, "binary container is encrypted but no encryption key configured", nil)
		}
		pt, err := s.vault.Decrypt(&p)
		if err != nil {
			return nil, err
		}
		plaintext = pt
	} else {
		plaintext = payload
	}

	var entries []*walfmt.LogEntry
	if err := json.Unmarshal(plaintext, &entries); err != nil {
		return nil, errors.CorruptionError(errors.CodeCorruptContainer, "failed to parse binary entry array", err)
	}
	return entries, nil
}

func (s *BinaryStorage) encodeContainer(entries []*walfmt.LogEntry) ([]byte, error) {
	plaintext, err := json.Marshal(entries)
	if err != nil {
		return nil, err
	}

	var payload []byte
	encrypted := s.vault != nil
	if encrypted {
		p, err := s.vault.Encrypt(plaintext)
		if err != nil {
			return nil, err
		}
		payload, err = json.Marshal(p)
		if err != nil {
			return nil, err
		}
	} else {
		payload = plaintext
	}

	sum := sha256.Sum256(payload)
	hdr := binaryHeader{
		Magic:     binaryMagic,
		Version:   binaryVersion,
		Checksum:  hex.EncodeToString(sum[:]),
		Encrypted: encrypted,
	}
	hdrBytes, err := json.Marshal(hdr)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, 4+len(hdrBytes)+4+len(payload))
	lenBuf := make([]byte, 4)

	binary.BigEndian.PutUint32(lenBuf, uint32(len(hdrBytes)))
	buf = append(buf, lenBuf...)
	buf = append(buf, hdrBytes...)

	binary.BigEndian.PutUint32(lenBuf, uint32(len(payload)))
	buf = append(buf, lenBuf...)
	buf = append(buf, payload...)

	return buf, nil
}

// Append re-serializes the whole container (spec §4.3.3: acceptable
// given this backend's target of small-to-medium data).
func (s *BinaryStorage) Append(ctx context.Context, entry *walfmt.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry.Clone())
	return s.writeLocked()
}

func (s *BinaryStorage) writeLocked() error {
	buf, err := s.encodeContainer(s.entries)
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(buf); err != nil {
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
}

func (s *BinaryStorage) ReadStream(ctx context.Context) (<-chan StreamItem, error) {
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

func (s *BinaryStorage) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked()
}

func (s *BinaryStorage) Close(ctx context.Context) error {
	return s.Flush(ctx)
}

// Size reports the container file's current on-disk footprint, for
// Database.Stats' WALSize.
func (s *BinaryStorage) Size() (int64, error) {
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
func (s *BinaryStorage) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
	return s.writeLocked()
}

// Compact folds history to current state, same algorithm as
// MemoryStorage/JSONStorage.
func (s *BinaryStorage) Compact(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

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
	return s.writeLocked()
}
