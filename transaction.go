package lmcs

import (
	"context"
	"sync"

	"github.com/kartikbazzad/lmcs/internal/collection"
	"github.com/kartikbazzad/lmcs/internal/errors"
	"github.com/kartikbazzad/lmcs/internal/query"
	"github.com/kartikbazzad/lmcs/internal/txn"
	"github.com/kartikbazzad/lmcs/internal/walfmt"
)

// TransactionContext is handed to the function passed to
// Database.Transaction: every Collection obtained through it enlists its
// writes in the transaction instead of committing them immediately. Its
// FindOne sees committed state plus the transaction's own pending writes
// (read-your-writes, spec §4.7); FindAll, FindStream and Count come from
// the embedded Collection and see committed state only.
type TransactionContext struct {
	db *Database
	tx *txn.Transaction

	mu      sync.Mutex
	pending map[string]map[string]Document // collection -> id -> doc (nil entry means deleted)
}

// overlay records op's net effect so subsequent reads within the same
// transaction see it, implementing read-your-writes without waiting for
// commit.
func (tc *TransactionContext) overlay(op txn.Operation) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.pending == nil {
		tc.pending = make(map[string]map[string]Document)
	}
	byID, ok := tc.pending[op.Collection]
	if !ok {
		byID = make(map[string]Document)
		tc.pending[op.Collection] = byID
	}
	switch op.Kind {
	case txn.OpInsert, txn.OpUpdate:
		byID[op.ID] = op.New
	case txn.OpDelete:
		byID[op.ID] = nil
	}
}

// pendingFor returns the transaction's own pending write for collection
// (doc, true, false) live / (nil, true, true) deleted / (nil, false,
// false) untouched by this transaction.
func (tc *TransactionContext) pendingFor(collectionName, id string) (Document, bool, bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	byID, ok := tc.pending[collectionName]
	if !ok {
		return nil, false, false
	}
	doc, touched := byID[id]
	if !touched {
		return nil, false, false
	}
	return doc, true, doc == nil
}

// Collection returns a transaction-scoped handle to the named
// collection. Writes made through it enlist in the transaction; they
// become visible to other callers only after the enclosing
// Database.Transaction call commits.
func (tc *TransactionContext) Collection(name string) (*scopedCollection, error) {
	c, err := tc.db.Collection(name)
	if err != nil {
		return nil, err
	}
	return &scopedCollection{Collection: c, scope: tc}, nil
}

// ID returns the transaction's id.
func (tc *TransactionContext) ID() string { return tc.tx.ID }

// AddOperation implements collection.TxScope.
func (tc *TransactionContext) AddOperation(op txn.Operation) error {
	if err := tc.db.txMgr.AddOperation(tc.tx.ID, op); err != nil {
		return err
	}
	tc.overlay(op)
	return nil
}

// scopedCollection wraps a Collection with the transaction scope bound
// in, so Insert/Update/Remove enlist rather than committing directly.
type scopedCollection struct {
	*collection.Collection
	scope *TransactionContext
}

func (sc *scopedCollection) Insert(ctx context.Context, doc Document) (Document, error) {
	return sc.Collection.InsertTx(ctx, doc, sc.scope)
}

func (sc *scopedCollection) Update(ctx context.Context, filter, updates Document) ([]Document, error) {
	return sc.Collection.UpdateTx(ctx, filter, updates, sc.scope)
}

func (sc *scopedCollection) Remove(ctx context.Context, filter Document) ([]Document, error) {
	return sc.Collection.RemoveTx(ctx, filter, sc.scope)
}

// FindOne overrides the embedded Collection.FindOne to layer the
// transaction's own pending writes over committed state: a document
// this transaction deleted is hidden even if a committed copy still
// exists in the data map; a document this transaction inserted or
// updated is visible even though it is not yet durable.
func (sc *scopedCollection) FindOne(filter Document) (Document, bool) {
	name := sc.Collection.Name()

	if doc, ok := sc.Collection.FindOne(filter); ok {
		if pending, touched, deleted := sc.scope.pendingFor(name, doc["_id"].(string)); touched {
			if deleted {
				return nil, false
			}
			return pending, true
		}
		return doc, true
	}

	// Committed state has no match; a same-transaction insert might
	// still satisfy the filter.
	sc.scope.mu.Lock()
	byID := sc.scope.pending[name]
	sc.scope.mu.Unlock()
	for id, doc := range byID {
		if doc == nil {
			continue
		}
		if query.Match(doc, filter) {
			_ = id
			return doc, true
		}
	}

	return nil, false
}

// Transaction enqueues the caller behind the database's transaction
// FIFO (a single-worker pool ensures at most one transaction body runs
// at a time). On its turn, it begins a transaction, invokes fn with a
// TransactionContext, commits on success or rolls back on error, then
// applies the resulting operations to in-memory collections.
func (db *Database) Transaction(ctx context.Context, fn func(ctx context.Context, tc *TransactionContext) error) error {
	if !db.cfg.TransactionsEnabled() {
		return errors.TransactionError(errors.CodeWrongTxState, "transactions are disabled for this storage configuration", nil)
	}

	var runErr error
	err := db.waitFor(func() {
		runErr = db.runTransaction(ctx, fn)
	})
	if err != nil {
		return err
	}
	return runErr
}

func (db *Database) runTransaction(ctx context.Context, fn func(ctx context.Context, tc *TransactionContext) error) error {
	tx, err := db.txMgr.Begin(ctx)
	if err != nil {
		return err
	}

	tc := &TransactionContext{db: db, tx: tx}

	fnErr := fn(ctx, tc)
	if fnErr != nil {
		if rbErr := db.txMgr.Rollback(ctx, tx.ID); rbErr != nil {
			db.log.Warn("transaction %s: rollback failed: %v", tx.ID, rbErr)
		}
		return fnErr
	}

	ops, err := db.txMgr.Commit(ctx, tx.ID)
	if err != nil {
		return err
	}

	db.mu.Lock()
	db.txCount++
	db.mu.Unlock()

	for _, op := range ops {
		c := db.collectionLocked(op.Collection)
		c.LoadFromEntry(entryForOp(op))
	}

	return nil
}

// entryForOp renders a committed transaction operation as the LogEntry
// shape Collection.LoadFromEntry expects, so the same in-memory-apply
// path serves both log replay and post-commit application.
func entryForOp(op txn.Operation) *walfmt.LogEntry {
	switch op.Kind {
	case txn.OpInsert:
		return &walfmt.LogEntry{Op: walfmt.OpInsert, Collection: op.Collection, ID: op.ID, Data: op.New}
	case txn.OpUpdate:
		return &walfmt.LogEntry{Op: walfmt.OpUpdate, Collection: op.Collection, ID: op.ID, Data: op.New}
	default:
		return &walfmt.LogEntry{Op: walfmt.OpDelete, Collection: op.Collection, ID: op.ID}
	}
}
