// Package collection implements Collection: the in-memory mirror of a
// single named set of documents, dispatching reads through IndexManager
// and the linear filter and funneling writes through storage and an
// optional transaction scope (spec §4.6).
//
// Commit ordering invariant (grounded on the teacher's
// internal/docdb/core.go doc comment):
//  1. Append the LogEntry to storage (durable on flush).
//  2. Update the in-memory data map and indexes.
//
// This ensures no phantom visibility after a crash: if the process dies
// between steps 1 and 2, replay on reopen recreates the in-memory state
// from the log; if it dies before step 1, the write never happened.
//
// A transactional write (non-nil TxScope) enlists with the transaction
// instead of running either step directly: it neither appends to
// storage nor mutates c.data/indexes. Both only happen once, via
// LoadFromEntry, after the enclosing transaction commits. This keeps a
// plain Collection handle seeing only committed state while the
// transaction is in flight.
package collection

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/kartikbazzad/lmcs/internal/errors"
	"github.com/kartikbazzad/lmcs/internal/index"
	"github.com/kartikbazzad/lmcs/internal/query"
	"github.com/kartikbazzad/lmcs/internal/storage"
	"github.com/kartikbazzad/lmcs/internal/txn"
	"github.com/kartikbazzad/lmcs/internal/walfmt"
)

const maxNameLen = 64

// ValidateName rejects empty, non-UTF8, too-long, and reserved
// (leading-underscore) collection names. The transactions collection
// name is the one caller-visible exception wired through explicitly by
// the database orchestrator, never by user code.
func ValidateName(name string) error {
	if name == "" {
		return errors.ValidationError(errors.CodeCollectionBadName, "collection name cannot be empty", nil)
	}
	if !utf8.ValidString(name) {
		return errors.ValidationError(errors.CodeCollectionBadName, "collection name must be valid UTF-8", nil)
	}
	if len(name) > maxNameLen {
		return errors.ValidationError(errors.CodeCollectionBadName, fmt.Sprintf("collection name exceeds %d bytes", maxNameLen), nil)
	}
	if strings.HasPrefix(name, "_") {
		return errors.ValidationError(errors.CodeCollectionBadName, "collection names starting with '_' are reserved", nil)
	}
	return nil
}

// IndexOptions configures CreateIndex.
type IndexOptions struct {
	Unique bool
	Sparse bool
}

// FindOptions configures FindAll/FindStream.
type FindOptions struct {
	Filter walfmt.Document
	Sort   []query.SortSpec
	Skip   int
	Limit  int
}

// TxScope is the minimal view of an in-flight transaction a Collection
// needs: its id and a way to enlist an operation. Reading the
// transaction's own pending writes is not part of this interface; the
// root package's scopedCollection layers them over committed state.
type TxScope interface {
	ID() string
	AddOperation(op txn.Operation) error
}

// Collection is the in-memory mirror of one named document set.
type Collection struct {
	name    string
	backend storage.Backend
	indexes *index.Manager

	mu   sync.RWMutex
	data map[string]walfmt.Document
}

// New constructs a Collection backed by backend and sharing idx across
// the database's collections.
func New(name string, backend storage.Backend, idx *index.Manager) *Collection {
	return &Collection{
		name:    name,
		backend: backend,
		indexes: idx,
		data:    make(map[string]walfmt.Document),
	}
}

// Name returns the collection's name.
func (c *Collection) Name() string { return c.name }

// LoadFromEntry applies one replayed LogEntry directly to in-memory
// state without touching storage again (used by Database during log
// replay and recovery — the entry is already durable).
func (c *Collection) LoadFromEntry(entry *walfmt.LogEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch entry.Op {
	case walfmt.OpInsert, walfmt.OpUpdate:
		if prev, ok := c.data[entry.ID]; ok {
			c.indexes.RemoveDocument(c.name, entry.ID, prev)
		}
		c.data[entry.ID] = entry.Data
		_ = c.indexes.IndexDocument(c.name, entry.ID, entry.Data)
	case walfmt.OpDelete:
		if doc, ok := c.data[entry.ID]; ok {
			c.indexes.RemoveDocument(c.name, entry.ID, doc)
			delete(c.data, entry.ID)
		}
	}
}

// Count returns the number of live documents.
func (c *Collection) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// Insert is the non-transactional entry point: resolves or generates
// _id, rejects duplicates and unique-index violations, appends an
// INSERT entry, then updates the data map and indexes.
func (c *Collection) Insert(ctx context.Context, doc walfmt.Document) (walfmt.Document, error) {
	return c.InsertTx(ctx, doc, nil)
}

// InsertTx is Insert's transaction-aware form: when tx is non-nil the
// write enlists in the transaction instead of appending directly (the
// enclosing Database.Transaction call materializes it at commit time).
func (c *Collection) InsertTx(ctx context.Context, doc walfmt.Document, tx TxScope) (walfmt.Document, error) {
	id, _ := doc["_id"].(string)
	if id == "" {
		id = uuid.Must(uuid.NewV7()).String()
	}

	stored := cloneDoc(doc)
	stored["_id"] = id

	c.mu.Lock()
	if _, exists := c.data[id]; exists {
		c.mu.Unlock()
		return nil, errors.ValidationError(errors.CodeDuplicateID, "duplicate document id: "+id, nil)
	}
	c.mu.Unlock()

	if err := c.indexes.IndexDocument(c.name, id, stored); err != nil {
		return nil, err
	}
	if tx != nil {
		// Validation only: a transactional write defers the actual index
		// mutation to LoadFromEntry at commit time, same as c.data below.
		c.indexes.RemoveDocument(c.name, id, stored)
	}

	if tx != nil {
		if err := tx.AddOperation(txn.Operation{Kind: txn.OpInsert, Collection: c.name, ID: id, New: stored}); err != nil {
			return nil, err
		}
	}

	entry := &walfmt.LogEntry{
		Op:         walfmt.OpInsert,
		Collection: c.name,
		ID:         id,
		Data:       stored,
		Timestamp:  time.Now().UnixMilli(),
	}
	if tx != nil {
		entry.TxID = tx.ID()
	} else {
		// Transactional writes defer materialization (index, data map,
		// and storage append) to Manager.Commit; only apply directly
		// when outside a transaction.
		if err := c.backend.Append(ctx, entry); err != nil {
			c.indexes.RemoveDocument(c.name, id, stored)
			return nil, err
		}
		c.mu.Lock()
		c.data[id] = stored
		c.mu.Unlock()
	}

	return cloneDoc(stored), nil
}

// Update is the non-transactional entry point; see UpdateTx.
func (c *Collection) Update(ctx context.Context, filter, updates walfmt.Document) ([]walfmt.Document, error) {
	return c.UpdateTx(ctx, filter, updates, nil)
}

// UpdateTx materializes the list of matching documents up front, merges
// (shallow) updates into each, forces _id preservation, enlists with
// previous/new values, appends an UPDATE entry per match, and reindexes.
// Returns the updated documents.
func (c *Collection) UpdateTx(ctx context.Context, filter walfmt.Document, updates walfmt.Document, tx TxScope) ([]walfmt.Document, error) {
	matches := c.matchDocuments(filter)

	results := make([]walfmt.Document, 0, len(matches))
	for _, prev := range matches {
		id := prev["_id"].(string)
		next := cloneDoc(prev)
		for k, v := range updates {
			if k == "_id" {
				continue
			}
			next[k] = v
		}
		next["_id"] = id

		c.indexes.RemoveDocument(c.name, id, prev)
		if err := c.indexes.IndexDocument(c.name, id, next); err != nil {
			_ = c.indexes.IndexDocument(c.name, id, prev)
			return nil, err
		}
		if tx != nil {
			// Validation only: revert the trial reindex above: a
			// transactional write defers the actual reindex and c.data
			// mutation to LoadFromEntry at commit time.
			c.indexes.RemoveDocument(c.name, id, next)
			_ = c.indexes.IndexDocument(c.name, id, prev)
		}

		if tx != nil {
			if err := tx.AddOperation(txn.Operation{Kind: txn.OpUpdate, Collection: c.name, ID: id, Previous: prev, New: next}); err != nil {
				return nil, err
			}
		}

		entry := &walfmt.LogEntry{
			Op:         walfmt.OpUpdate,
			Collection: c.name,
			ID:         id,
			Data:       next,
			Timestamp:  time.Now().UnixMilli(),
		}
		if tx != nil {
			entry.TxID = tx.ID()
		} else {
			if err := c.backend.Append(ctx, entry); err != nil {
				c.indexes.RemoveDocument(c.name, id, next)
				_ = c.indexes.IndexDocument(c.name, id, prev)
				return nil, err
			}
			c.mu.Lock()
			c.data[id] = next
			c.mu.Unlock()
		}

		results = append(results, cloneDoc(next))
	}

	return results, nil
}

// Remove is the non-transactional entry point; see RemoveTx.
func (c *Collection) Remove(ctx context.Context, filter walfmt.Document) ([]walfmt.Document, error) {
	return c.RemoveTx(ctx, filter, nil)
}

// RemoveTx materializes matches, enlists each with its previous value,
// appends a DELETE entry, and drops the document from the map and
// indexes. Returns the removed documents.
func (c *Collection) RemoveTx(ctx context.Context, filter walfmt.Document, tx TxScope) ([]walfmt.Document, error) {
	matches := c.matchDocuments(filter)

	removed := make([]walfmt.Document, 0, len(matches))
	for _, doc := range matches {
		id := doc["_id"].(string)

		if tx != nil {
			if err := tx.AddOperation(txn.Operation{Kind: txn.OpDelete, Collection: c.name, ID: id, Previous: doc}); err != nil {
				return nil, err
			}
		}

		entry := &walfmt.LogEntry{
			Op:         walfmt.OpDelete,
			Collection: c.name,
			ID:         id,
			Timestamp:  time.Now().UnixMilli(),
		}
		if tx != nil {
			entry.TxID = tx.ID()
		} else {
			// Transactional writes defer the index/data-map removal to
			// LoadFromEntry at commit time.
			if err := c.backend.Append(ctx, entry); err != nil {
				return nil, err
			}
			c.indexes.RemoveDocument(c.name, id, doc)
			c.mu.Lock()
			delete(c.data, id)
			c.mu.Unlock()
		}

		removed = append(removed, cloneDoc(doc))
	}

	return removed, nil
}

// FindOne returns the first match, trying the index first and falling
// back to a linear scan.
func (c *Collection) FindOne(filter walfmt.Document) (walfmt.Document, bool) {
	candidates := c.candidateDocs(filter)
	for _, doc := range candidates {
		if query.Match(doc, filter) {
			return cloneDoc(doc), true
		}
	}
	return nil, false
}

// FindAll applies filter, then sort, then skip, then limit, in that
// order.
func (c *Collection) FindAll(opts FindOptions) []walfmt.Document {
	matches := c.matchDocuments(opts.Filter)

	if len(opts.Sort) > 0 {
		query.SortDocuments(matches, opts.Sort)
	}

	return applySkipLimit(matches, opts.Skip, opts.Limit)
}

// FindStream yields documents one at a time via the returned channel,
// without materializing the full array, when no sort is requested. With
// a sort, it collapses to FindAll and streams the already-materialized
// slice.
func (c *Collection) FindStream(ctx context.Context, opts FindOptions) <-chan walfmt.Document {
	ch := make(chan walfmt.Document)

	if len(opts.Sort) > 0 {
		results := c.FindAll(opts)
		go func() {
			defer close(ch)
			for _, doc := range results {
				select {
				case ch <- doc:
				case <-ctx.Done():
					return
				}
			}
		}()
		return ch
	}

	candidates := c.candidateDocs(opts.Filter)
	go func() {
		defer close(ch)
		emitted := 0
		skipped := 0
		for _, doc := range candidates {
			if !query.Match(doc, opts.Filter) {
				continue
			}
			if skipped < opts.Skip {
				skipped++
				continue
			}
			if opts.Limit > 0 && emitted >= opts.Limit {
				return
			}
			select {
			case ch <- cloneDoc(doc):
				emitted++
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// CreateIndex registers a new index on the collection.
func (c *Collection) CreateIndex(fields []string, opts IndexOptions) error {
	return c.indexes.CreateIndex(c.name, index.Definition{Fields: fields, Unique: opts.Unique, Sparse: opts.Sparse})
}

// matchDocuments returns every document satisfying filter, trying the
// index first and falling back to a full scan when no index applies.
func (c *Collection) matchDocuments(filter walfmt.Document) []walfmt.Document {
	candidates := c.candidateDocs(filter)
	matches := make([]walfmt.Document, 0, len(candidates))
	for _, doc := range candidates {
		if query.Match(doc, filter) {
			matches = append(matches, doc)
		}
	}
	return matches
}

// candidateDocs narrows to an index-derived candidate set when
// possible, otherwise returns every live document (caller still applies
// the full filter, since an index only accelerates equality-shaped
// predicates on the fields it covers).
func (c *Collection) candidateDocs(filter walfmt.Document) []walfmt.Document {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if ids, ok := c.indexes.QueryByIndex(c.name, filter); ok {
		docs := make([]walfmt.Document, 0, len(ids))
		for _, id := range ids {
			if doc, exists := c.data[id]; exists {
				docs = append(docs, doc)
			}
		}
		return docs
	}

	docs := make([]walfmt.Document, 0, len(c.data))
	for _, doc := range c.data {
		docs = append(docs, doc)
	}
	return docs
}

func applySkipLimit(docs []walfmt.Document, skip, limit int) []walfmt.Document {
	if skip > 0 {
		if skip >= len(docs) {
			return []walfmt.Document{}
		}
		docs = docs[skip:]
	}
	if limit > 0 && limit < len(docs) {
		docs = docs[:limit]
	}
	out := make([]walfmt.Document, len(docs))
	for i, d := range docs {
		out[i] = cloneDoc(d)
	}
	return out
}

func cloneDoc(doc walfmt.Document) walfmt.Document {
	out := make(walfmt.Document, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}
