package collection

import (
	"context"
	"testing"

	"github.com/kartikbazzad/lmcs/internal/index"
	"github.com/kartikbazzad/lmcs/internal/query"
	"github.com/kartikbazzad/lmcs/internal/storage"
	"github.com/kartikbazzad/lmcs/internal/txn"
	"github.com/kartikbazzad/lmcs/internal/walfmt"
)

func newTestCollection(t *testing.T) *Collection {
	t.Helper()
	backend := storage.NewMemoryStorage()
	if err := backend.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize backend: %v", err)
	}
	return New("widgets", backend, index.New())
}

func TestInsertAssignsIDAndPersists(t *testing.T) {
	c := newTestCollection(t)
	ctx := context.Background()

	doc, err := c.Insert(ctx, walfmt.Document{"name": "gizmo"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if doc["_id"] == nil || doc["_id"] == "" {
		t.Fatalf("expected generated _id, got %v", doc["_id"])
	}
	if c.Count() != 1 {
		t.Fatalf("expected 1 document, got %d", c.Count())
	}
}

func TestInsertRejectsDuplicateID(t *testing.T) {
	c := newTestCollection(t)
	ctx := context.Background()

	if _, err := c.Insert(ctx, walfmt.Document{"_id": "fixed", "name": "a"}); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if _, err := c.Insert(ctx, walfmt.Document{"_id": "fixed", "name": "b"}); err == nil {
		t.Fatalf("expected duplicate _id insert to fail")
	}
}

func TestUniqueIndexViolationRejectsInsert(t *testing.T) {
	c := newTestCollection(t)
	ctx := context.Background()

	if err := c.CreateIndex([]string{"email"}, IndexOptions{Unique: true}); err != nil {
		t.Fatalf("create index: %v", err)
	}
	if _, err := c.Insert(ctx, walfmt.Document{"email": "a@example.com"}); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if _, err := c.Insert(ctx, walfmt.Document{"email": "a@example.com"}); err == nil {
		t.Fatalf("expected unique index violation on second insert")
	}
	if c.Count() != 1 {
		t.Fatalf("rejected insert must not be counted, got %d", c.Count())
	}
}

func TestUpdateMergesFieldsAndPreservesID(t *testing.T) {
	c := newTestCollection(t)
	ctx := context.Background()

	inserted, err := c.Insert(ctx, walfmt.Document{"name": "gizmo", "price": float64(10)})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	id := inserted["_id"].(string)

	updated, err := c.Update(ctx, walfmt.Document{"_id": id}, walfmt.Document{"price": float64(20), "_id": "should-not-apply"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(updated) != 1 {
		t.Fatalf("expected 1 updated document, got %d", len(updated))
	}
	if updated[0]["_id"] != id {
		t.Fatalf("expected _id to be preserved, got %v", updated[0]["_id"])
	}
	if updated[0]["price"] != float64(20) {
		t.Fatalf("expected price updated to 20, got %v", updated[0]["price"])
	}
	if updated[0]["name"] != "gizmo" {
		t.Fatalf("expected untouched field to survive merge, got %v", updated[0]["name"])
	}
}

func TestRemoveDeletesMatchingDocuments(t *testing.T) {
	c := newTestCollection(t)
	ctx := context.Background()

	if _, err := c.Insert(ctx, walfmt.Document{"_id": "1", "status": "open"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := c.Insert(ctx, walfmt.Document{"_id": "2", "status": "closed"}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	removed, err := c.Remove(ctx, walfmt.Document{"status": "open"})
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if len(removed) != 1 || removed[0]["_id"] != "1" {
		t.Fatalf("expected to remove document 1, got %+v", removed)
	}
	if c.Count() != 1 {
		t.Fatalf("expected 1 remaining document, got %d", c.Count())
	}
	if _, found := c.FindOne(walfmt.Document{"_id": "1"}); found {
		t.Fatalf("expected removed document to no longer be found")
	}
}

func TestFindAllSortSkipLimit(t *testing.T) {
	c := newTestCollection(t)
	ctx := context.Background()

	for i, name := range []string{"c", "a", "b"} {
		if _, err := c.Insert(ctx, walfmt.Document{"_id": string(rune('1' + i)), "name": name}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	results := c.FindAll(FindOptions{
		Filter: walfmt.Document{},
		Sort:   []query.SortSpec{{Field: "name", Direction: 1}},
		Skip:   1,
		Limit:  1,
	})
	if len(results) != 1 {
		t.Fatalf("expected exactly 1 result, got %d", len(results))
	}
	if results[0]["name"] != "b" {
		t.Fatalf("expected skip(1) of ascending-sorted [a b c] to yield 'b', got %v", results[0]["name"])
	}
}

func TestLoadFromEntryAppliesWithoutStorageRoundTrip(t *testing.T) {
	c := newTestCollection(t)

	c.LoadFromEntry(&walfmt.LogEntry{Op: walfmt.OpInsert, ID: "1", Data: walfmt.Document{"_id": "1", "name": "replayed"}})
	if c.Count() != 1 {
		t.Fatalf("expected replay to populate in-memory state, got count %d", c.Count())
	}
	doc, found := c.FindOne(walfmt.Document{"_id": "1"})
	if !found || doc["name"] != "replayed" {
		t.Fatalf("expected replayed document to be findable, got %+v (found=%v)", doc, found)
	}

	c.LoadFromEntry(&walfmt.LogEntry{Op: walfmt.OpDelete, ID: "1"})
	if c.Count() != 0 {
		t.Fatalf("expected replayed delete to remove the document, got count %d", c.Count())
	}
}

// fakeTxScope is a minimal TxScope that records enlisted operations
// without touching storage, standing in for the root package's
// TransactionContext.
type fakeTxScope struct {
	id  string
	ops []txn.Operation
}

func (f *fakeTxScope) ID() string { return f.id }

func (f *fakeTxScope) AddOperation(op txn.Operation) error {
	f.ops = append(f.ops, op)
	return nil
}

func TestInsertTxDoesNotMutateLiveStateBeforeCommit(t *testing.T) {
	c := newTestCollection(t)
	ctx := context.Background()
	tx := &fakeTxScope{id: "tx-1"}

	doc, err := c.InsertTx(ctx, walfmt.Document{"_id": "1", "name": "gizmo"}, tx)
	if err != nil {
		t.Fatalf("insert tx: %v", err)
	}
	if doc["_id"] != "1" {
		t.Fatalf("expected returned document to reflect the insert, got %+v", doc)
	}

	if c.Count() != 0 {
		t.Fatalf("expected an enlisted-but-uncommitted insert to leave Count at 0, got %d", c.Count())
	}
	if _, found := c.FindOne(walfmt.Document{"_id": "1"}); found {
		t.Fatalf("expected an enlisted-but-uncommitted insert to be invisible via FindOne")
	}
	if len(tx.ops) != 1 || tx.ops[0].ID != "1" {
		t.Fatalf("expected the insert to enlist exactly one operation, got %+v", tx.ops)
	}

	// The transaction manager's eventual Commit is what makes the write
	// durable and visible; the collection package only replays it.
	c.LoadFromEntry(&walfmt.LogEntry{Op: walfmt.OpInsert, ID: "1", Data: doc})
	if c.Count() != 1 {
		t.Fatalf("expected replay after commit to populate in-memory state, got %d", c.Count())
	}
}

func TestUpdateTxDoesNotMutateLiveStateBeforeCommit(t *testing.T) {
	c := newTestCollection(t)
	ctx := context.Background()

	if _, err := c.Insert(ctx, walfmt.Document{"_id": "1", "balance": float64(100)}); err != nil {
		t.Fatalf("seed insert: %v", err)
	}

	tx := &fakeTxScope{id: "tx-1"}
	if _, err := c.UpdateTx(ctx, walfmt.Document{"_id": "1"}, walfmt.Document{"balance": float64(0)}, tx); err != nil {
		t.Fatalf("update tx: %v", err)
	}

	doc, found := c.FindOne(walfmt.Document{"_id": "1"})
	if !found || doc["balance"] != float64(100) {
		t.Fatalf("expected committed state to still show the pre-transaction balance, got %+v (found=%v)", doc, found)
	}
	if len(tx.ops) != 1 {
		t.Fatalf("expected the update to enlist exactly one operation, got %+v", tx.ops)
	}
}

func TestRemoveTxDoesNotMutateLiveStateBeforeCommit(t *testing.T) {
	c := newTestCollection(t)
	ctx := context.Background()

	if _, err := c.Insert(ctx, walfmt.Document{"_id": "1", "name": "gizmo"}); err != nil {
		t.Fatalf("seed insert: %v", err)
	}

	tx := &fakeTxScope{id: "tx-1"}
	if _, err := c.RemoveTx(ctx, walfmt.Document{"_id": "1"}, tx); err != nil {
		t.Fatalf("remove tx: %v", err)
	}

	if _, found := c.FindOne(walfmt.Document{"_id": "1"}); !found {
		t.Fatalf("expected committed state to still show the document until the transaction commits")
	}
	if c.Count() != 1 {
		t.Fatalf("expected Count to still include the not-yet-committed delete, got %d", c.Count())
	}
}

func TestValidateNameRejectsReservedAndEmpty(t *testing.T) {
	if err := ValidateName(""); err == nil {
		t.Fatalf("expected empty name to be rejected")
	}
	if err := ValidateName("_transactions"); err == nil {
		t.Fatalf("expected underscore-prefixed name to be rejected")
	}
	if err := ValidateName("widgets"); err != nil {
		t.Fatalf("expected ordinary name to be accepted: %v", err)
	}
}
