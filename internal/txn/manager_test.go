package txn

import (
	"context"
	"testing"

	"github.com/kartikbazzad/lmcs/internal/storage"
	"github.com/kartikbazzad/lmcs/internal/walfmt"
)

func TestBeginAddOperationCommit(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryStorage()
	if err := backend.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	m := New(backend)

	tx, err := m.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	op := Operation{Kind: OpInsert, Collection: "widgets", ID: "1", New: walfmt.Document{"_id": "1"}}
	if err := m.AddOperation(tx.ID, op); err != nil {
		t.Fatalf("add operation: %v", err)
	}

	ops, err := m.Commit(ctx, tx.ID)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(ops) != 1 || ops[0].ID != "1" {
		t.Fatalf("expected committed ops to include the enlisted op, got %+v", ops)
	}

	stream, err := backend.ReadStream(ctx)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	var entries []*walfmt.LogEntry
	for item := range stream {
		entries = append(entries, item.Entry)
	}
	if len(entries) != 3 {
		t.Fatalf("expected BEGIN, INSERT, COMMIT envelope entries, got %d: %+v", len(entries), entries)
	}
	if entries[0].Op != walfmt.OpBegin || entries[1].Op != walfmt.OpInsert || entries[2].Op != walfmt.OpCommit {
		t.Fatalf("unexpected entry sequence: %+v", entries)
	}
}

func TestRollbackWritesNoDataEntries(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryStorage()
	if err := backend.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	m := New(backend)

	tx, err := m.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	op := Operation{Kind: OpInsert, Collection: "widgets", ID: "1", New: walfmt.Document{"_id": "1"}}
	if err := m.AddOperation(tx.ID, op); err != nil {
		t.Fatalf("add operation: %v", err)
	}
	if err := m.Rollback(ctx, tx.ID); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	stream, err := backend.ReadStream(ctx)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	var entries []*walfmt.LogEntry
	for item := range stream {
		entries = append(entries, item.Entry)
	}
	if len(entries) != 2 {
		t.Fatalf("expected only BEGIN and ROLLBACK envelopes, got %d: %+v", len(entries), entries)
	}
	if entries[1].Op != walfmt.OpRollback {
		t.Fatalf("expected second entry to be ROLLBACK, got %v", entries[1].Op)
	}
}

func TestAddOperationRejectsUnknownOrNonPending(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryStorage()
	if err := backend.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	m := New(backend)

	if err := m.AddOperation("nonexistent", Operation{}); err == nil {
		t.Fatalf("expected error for unknown transaction id")
	}

	tx, err := m.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := m.Commit(ctx, tx.ID); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := m.AddOperation(tx.ID, Operation{}); err == nil {
		t.Fatalf("expected error enlisting an operation on an already-committed transaction")
	}
}

func TestRecoverRollsBackTornTransaction(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryStorage()
	if err := backend.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	// Simulate a crash mid-transaction: a BEGIN entry with no matching
	// COMMIT or ROLLBACK.
	if err := backend.Append(ctx, &walfmt.LogEntry{Op: walfmt.OpBegin, Collection: walfmt.TransactionsCollection, ID: "torn-tx"}); err != nil {
		t.Fatalf("append begin: %v", err)
	}
	if err := backend.Append(ctx, &walfmt.LogEntry{Op: walfmt.OpInsert, Collection: "widgets", ID: "1", TxID: "torn-tx"}); err != nil {
		t.Fatalf("append insert: %v", err)
	}

	m := New(backend)
	result, err := m.Recover(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if result.Committed["torn-tx"] {
		t.Fatalf("torn transaction must not be reported committed")
	}

	stream, err := backend.ReadStream(ctx)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	sawRollback := false
	for item := range stream {
		if item.Entry.Op == walfmt.OpRollback && item.Entry.ID == "torn-tx" {
			sawRollback = true
		}
	}
	if !sawRollback {
		t.Fatalf("expected recovery to append a synthetic ROLLBACK for the torn transaction")
	}
}

func TestRecoverLeavesCommittedTransactionAlone(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryStorage()
	if err := backend.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	m := New(backend)

	tx, err := m.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := m.AddOperation(tx.ID, Operation{Kind: OpInsert, Collection: "widgets", ID: "1", New: walfmt.Document{"_id": "1"}}); err != nil {
		t.Fatalf("add operation: %v", err)
	}
	if _, err := m.Commit(ctx, tx.ID); err != nil {
		t.Fatalf("commit: %v", err)
	}

	result, err := m.Recover(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if !result.Committed[tx.ID] {
		t.Fatalf("expected committed transaction to be reported as committed")
	}
}
