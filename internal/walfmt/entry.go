// Package walfmt implements the canonical LogEntry format: the unit of
// persistence and recovery shared by every storage backend (spec §3,
// §4.3). Grounded on the teacher's internal/wal record-encoding
// discipline (checksum computed over the record with the checksum
// field cleared, verified symmetrically on decode), generalized here
// from a fixed-width binary record to a JSON-line record.
package walfmt

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/kartikbazzad/lmcs/internal/errors"
)

// Op is the LogEntry operation kind.
type Op string

const (
	OpInsert   Op = "INSERT"
	OpUpdate   Op = "UPDATE"
	OpDelete   Op = "DELETE"
	OpBegin    Op = "BEGIN"
	OpCommit   Op = "COMMIT"
	OpRollback Op = "ROLLBACK"
)

// TransactionsCollection is the reserved collection name for transaction
// envelope entries (spec §3).
const TransactionsCollection = "_transactions"

// IsEnvelope reports whether op is a transaction-envelope operation
// (BEGIN/COMMIT/ROLLBACK), which checksum enforcement treats leniently
// (spec §7/§8).
func (o Op) IsEnvelope() bool {
	return o == OpBegin || o == OpCommit || o == OpRollback
}

// Document is the tagged-JSON-union document representation: whatever
// encoding/json produces from an object literal (map[string]any with
// nested null/bool/float64/string/[]any/map values).
type Document = map[string]interface{}

// LogEntry is the canonical unit of persistence and recovery (spec §3).
type LogEntry struct {
	Op         Op       `json:"op"`
	Collection string   `json:"collection"`
	ID         string   `json:"id"`
	Data       Document `json:"data,omitempty"`
	Checksum   string   `json:"checksum,omitempty"`
	Timestamp  int64    `json:"timestamp"`
	TxID       string   `json:"txId,omitempty"`
}

// Clone returns a deep copy of the entry (used by MemoryStorage, which
// must never hand out aliases into its append list).
func (e *LogEntry) Clone() *LogEntry {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Data != nil {
		clone.Data = cloneValue(e.Data).(Document)
	}
	return &clone
}

func cloneValue(v interface{}) interface{} {
	switch vv := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(vv))
		for k, val := range vv {
			out[k] = cloneValue(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(vv))
		for i, val := range vv {
			out[i] = cloneValue(val)
		}
		return out
	default:
		return v
	}
}

// ComputeChecksum returns the hex SHA-256 digest of the entry's canonical
// JSON encoding with the Checksum field cleared (spec §3/§4.3.4).
func ComputeChecksum(e *LogEntry) (string, error) {
	tmp := *e
	tmp.Checksum = ""
	data, err := json.Marshal(&tmp)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Seal sets e.Checksum to the entry's computed checksum.
func Seal(e *LogEntry) error {
	sum, err := ComputeChecksum(e)
	if err != nil {
		return err
	}
	e.Checksum = sum
	return nil
}

// Verify recomputes the checksum and compares it against the stored
// value. A LogEntry with an empty Checksum field is considered
// unchecksummed and always verifies (checksums are optional per
// storage config, spec §6 enableChecksums).
func Verify(e *LogEntry) error {
	if e.Checksum == "" {
		return nil
	}
	want := e.Checksum
	got, err := ComputeChecksum(e)
	if err != nil {
		return errors.CorruptionError(errors.CodeChecksumMismatch, "failed to recompute checksum", err)
	}
	if got != want {
		return errors.CorruptionError(errors.CodeChecksumMismatch, "checksum mismatch", nil)
	}
	return nil
}

// Marshal serializes an entry to its canonical JSON line (without a
// trailing newline).
func Marshal(e *LogEntry) ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal parses a canonical JSON line into a LogEntry.
func Unmarshal(data []byte) (*LogEntry, error) {
	var e LogEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
