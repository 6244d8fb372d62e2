// Package txn implements TransactionManager: begin/addOperation/commit/
// rollback lifecycle with BEGIN/COMMIT/ROLLBACK envelope entries and
// crash recovery (spec §4.7). Grounded on the teacher's
// internal/docdb/transaction.go Tx/TxState/TransactionManager shape,
// stripped of MVCC snapshot fields (SnapshotTxID, readSet) since this
// spec mandates full serialization rather than snapshot isolation (see
// the Open Question decision recorded in the grounding ledger).
package txn

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kartikbazzad/lmcs/internal/errors"
	"github.com/kartikbazzad/lmcs/internal/storage"
	"github.com/kartikbazzad/lmcs/internal/walfmt"
)

// State is a transaction's lifecycle stage.
type State int

const (
	Pending State = iota
	Committed
	Aborted
)

// OpKind is the kind of logical operation enlisted in a transaction.
type OpKind string

const (
	OpInsert OpKind = "insert"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// Operation is one logical write enlisted in a transaction: the
// collection/id it targets, its previous value (when known, for
// update/delete), and its new value (for insert/update).
type Operation struct {
	Kind       OpKind
	Collection string
	ID         string
	Previous   walfmt.Document
	New        walfmt.Document
}

// Transaction is an in-flight or completed transaction.
type Transaction struct {
	ID        string
	Ops       []Operation
	State     State
	CreatedAt time.Time
}

// Manager is the TransactionManager: owns the in-memory transaction
// table and appends envelope entries to storage.
type Manager struct {
	mu      sync.Mutex
	backend storage.Backend
	txs     map[string]*Transaction
}

// New constructs a Manager writing envelope entries to backend.
func New(backend storage.Backend) *Manager {
	return &Manager{
		backend: backend,
		txs:     make(map[string]*Transaction),
	}
}

// Begin assigns a UUID, appends a BEGIN envelope entry, and records the
// transaction in memory.
func (m *Manager) Begin(ctx context.Context) (*Transaction, error) {
	id := uuid.Must(uuid.NewV7()).String()

	entry := &walfmt.LogEntry{
		Op:         walfmt.OpBegin,
		Collection: walfmt.TransactionsCollection,
		ID:         id,
		Timestamp:  time.Now().UnixMilli(),
		TxID:       id,
	}
	if err := m.backend.Append(ctx, entry); err != nil {
		return nil, err
	}

	tx := &Transaction{ID: id, State: Pending, CreatedAt: time.Now()}

	m.mu.Lock()
	m.txs[id] = tx
	m.mu.Unlock()

	return tx, nil
}

// AddOperation appends op to tx's in-memory operation list. Raises
// TransactionError if the transaction is unknown or no longer pending.
func (m *Manager) AddOperation(txID string, op Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[txID]
	if !ok {
		return errors.TransactionError(errors.CodeUnknownTx, "unknown transaction: "+txID, nil)
	}
	if tx.State != Pending {
		return errors.TransactionError(errors.CodeWrongTxState, "transaction is not pending: "+txID, nil)
	}

	tx.Ops = append(tx.Ops, op)
	return nil
}

// Commit appends every enlisted operation as a real LogEntry, then a
// COMMIT envelope, flushing in between so the commit is durable as soon
// as this call returns. Returns the operation list for the caller
// (Database) to apply to in-memory collections.
func (m *Manager) Commit(ctx context.Context, txID string) ([]Operation, error) {
	m.mu.Lock()
	tx, ok := m.txs[txID]
	if !ok {
		m.mu.Unlock()
		return nil, errors.TransactionError(errors.CodeUnknownTx, "unknown transaction: "+txID, nil)
	}
	if tx.State != Pending {
		m.mu.Unlock()
		return nil, errors.TransactionError(errors.CodeWrongTxState, "transaction is not pending: "+txID, nil)
	}
	ops := make([]Operation, len(tx.Ops))
	copy(ops, tx.Ops)
	m.mu.Unlock()

	for _, op := range ops {
		entry := operationToEntry(txID, op)
		if err := m.backend.Append(ctx, entry); err != nil {
			return nil, err
		}
	}

	if err := m.backend.Flush(ctx); err != nil {
		return nil, err
	}

	commitEntry := &walfmt.LogEntry{
		Op:         walfmt.OpCommit,
		Collection: walfmt.TransactionsCollection,
		ID:         txID,
		Timestamp:  time.Now().UnixMilli(),
		TxID:       txID,
	}
	if err := m.backend.Append(ctx, commitEntry); err != nil {
		return nil, err
	}
	if err := m.backend.Flush(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	tx.State = Committed
	m.mu.Unlock()

	return ops, nil
}

// Rollback appends a ROLLBACK envelope and marks the transaction
// aborted. No operations were ever materialized to the log before
// commit, so there is nothing to undo on disk.
func (m *Manager) Rollback(ctx context.Context, txID string) error {
	m.mu.Lock()
	tx, ok := m.txs[txID]
	if !ok {
		m.mu.Unlock()
		return errors.TransactionError(errors.CodeUnknownTx, "unknown transaction: "+txID, nil)
	}
	if tx.State != Pending {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	entry := &walfmt.LogEntry{
		Op:         walfmt.OpRollback,
		Collection: walfmt.TransactionsCollection,
		ID:         txID,
		Timestamp:  time.Now().UnixMilli(),
		TxID:       txID,
	}
	if err := m.backend.Append(ctx, entry); err != nil {
		return err
	}

	m.mu.Lock()
	tx.State = Aborted
	m.mu.Unlock()

	return nil
}

func operationToEntry(txID string, op Operation) *walfmt.LogEntry {
	entry := &walfmt.LogEntry{
		Collection: op.Collection,
		ID:         op.ID,
		Timestamp:  time.Now().UnixMilli(),
		TxID:       txID,
	}
	switch op.Kind {
	case OpInsert:
		entry.Op = walfmt.OpInsert
		entry.Data = op.New
	case OpUpdate:
		entry.Op = walfmt.OpUpdate
		entry.Data = op.New
	case OpDelete:
		entry.Op = walfmt.OpDelete
	}
	return entry
}

// RecoverResult is the outcome of streaming the log at startup: the set
// of transaction ids that committed (and are therefore visible). Torn
// transactions get a synthetic ROLLBACK in the log but are not listed.
type RecoverResult struct {
	Committed map[string]bool
}

// Recover streams the log, tracking open BEGINs that have no matching
// COMMIT or ROLLBACK, and rolls each back by writing a synthetic
// ROLLBACK envelope. Returns the set of committed transaction ids so the
// caller's replay pass can admit their operations and ignore everyone
// else's (spec §4.7, §3 invariant 5).
func (m *Manager) Recover(ctx context.Context) (*RecoverResult, error) {
	stream, err := m.backend.ReadStream(ctx)
	if err != nil {
		return nil, err
	}

	opened := make(map[string]bool)
	committed := make(map[string]bool)
	rolledBack := make(map[string]bool)

	for item := range stream {
		if item.Err != nil {
			continue
		}
		e := item.Entry
		if e.Collection != walfmt.TransactionsCollection {
			continue
		}
		switch e.Op {
		case walfmt.OpBegin:
			opened[e.ID] = true
		case walfmt.OpCommit:
			committed[e.ID] = true
		case walfmt.OpRollback:
			rolledBack[e.ID] = true
		}
	}

	for id := range opened {
		if committed[id] || rolledBack[id] {
			continue
		}
		entry := &walfmt.LogEntry{
			Op:         walfmt.OpRollback,
			Collection: walfmt.TransactionsCollection,
			ID:         id,
			Timestamp:  time.Now().UnixMilli(),
			TxID:       id,
		}
		if err := m.backend.Append(ctx, entry); err != nil {
			return nil, err
		}
	}

	if len(opened) > 0 {
		if err := m.backend.Flush(ctx); err != nil {
			return nil, err
		}
	}

	return &RecoverResult{Committed: committed}, nil
}
