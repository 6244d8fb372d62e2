package storage

import (
	"context"
	"io"
	"testing"

	"github.com/kartikbazzad/lmcs/internal/logger"
	"github.com/kartikbazzad/lmcs/internal/walfmt"
)

func testLogger() *logger.Logger {
	return logger.New(io.Discard, logger.LevelDebug, "[test]")
}

// backendFactory constructs a fresh backend rooted at dir, so the same
// table of behaviors can run against every concrete implementation.
type backendFactory func(dir string) Backend

func backendFactories(t *testing.T) map[string]backendFactory {
	t.Helper()
	return map[string]backendFactory{
		"memory": func(dir string) Backend { return NewMemoryStorage() },
		"json": func(dir string) Backend {
			return NewJSONStorage(dir+"/store.json", nil, 0, testLogger())
		},
		"binary": func(dir string) Backend {
			return NewBinaryStorage(dir+"/store.bin", nil)
		},
		"aol": func(dir string) Backend {
			return NewAOLStorage(dir+"/store.aol", nil, true, 1, 0, testLogger())
		},
	}
}

func insertEntry(ctx context.Context, t *testing.T, b Backend, id string, value string) {
	t.Helper()
	entry := &walfmt.LogEntry{
		Op:         walfmt.OpInsert,
		Collection: "widgets",
		ID:         id,
		Data:       walfmt.Document{"_id": id, "value": value},
	}
	if err := b.Append(ctx, entry); err != nil {
		t.Fatalf("append: %v", err)
	}
}

func drain(t *testing.T, b Backend) []*walfmt.LogEntry {
	t.Helper()
	stream, err := b.ReadStream(context.Background())
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	var out []*walfmt.LogEntry
	for item := range stream {
		if item.Err != nil {
			t.Fatalf("unexpected stream error: %v", item.Err)
		}
		out = append(out, item.Entry)
	}
	return out
}

func TestBackendsAppendAndReadStream(t *testing.T) {
	for name, factory := range backendFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			dir := t.TempDir()
			b := factory(dir)
			if err := b.Initialize(ctx); err != nil {
				t.Fatalf("initialize: %v", err)
			}
			defer b.Close(ctx)

			insertEntry(ctx, t, b, "1", "alpha")
			insertEntry(ctx, t, b, "2", "beta")
			if err := b.Flush(ctx); err != nil {
				t.Fatalf("flush: %v", err)
			}

			entries := drain(t, b)
			if len(entries) != 2 {
				t.Fatalf("expected 2 entries, got %d", len(entries))
			}
			if entries[0].ID != "1" || entries[1].ID != "2" {
				t.Errorf("entries out of order: %+v", entries)
			}
		})
	}
}

func TestBackendsSurviveReopen(t *testing.T) {
	// MemoryStorage has no durability across process boundaries; only the
	// file-backed variants are exercised here.
	factories := map[string]backendFactory{
		"json": func(dir string) Backend {
			return NewJSONStorage(dir+"/store.json", nil, 0, testLogger())
		},
		"binary": func(dir string) Backend {
			return NewBinaryStorage(dir+"/store.bin", nil)
		},
		"aol": func(dir string) Backend {
			return NewAOLStorage(dir+"/store.aol", nil, true, 1, 0, testLogger())
		},
	}

	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			dir := t.TempDir()

			b := factory(dir)
			if err := b.Initialize(ctx); err != nil {
				t.Fatalf("initialize: %v", err)
			}
			insertEntry(ctx, t, b, "1", "alpha")
			if err := b.Close(ctx); err != nil {
				t.Fatalf("close: %v", err)
			}

			reopened := factory(dir)
			if err := reopened.Initialize(ctx); err != nil {
				t.Fatalf("reinitialize: %v", err)
			}
			defer reopened.Close(ctx)

			entries := drain(t, reopened)
			if len(entries) != 1 || entries[0].ID != "1" {
				t.Fatalf("expected replayed entry to survive reopen, got %+v", entries)
			}
		})
	}
}

func TestBackendsCompactCollapsesHistory(t *testing.T) {
	factories := backendFactories(t)
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			dir := t.TempDir()
			b := factory(dir)
			if err := b.Initialize(ctx); err != nil {
				t.Fatalf("initialize: %v", err)
			}
			defer b.Close(ctx)

			insertEntry(ctx, t, b, "1", "alpha")
			insertEntry(ctx, t, b, "1", "alpha-updated")
			insertEntry(ctx, t, b, "2", "beta")
			if err := b.Append(ctx, &walfmt.LogEntry{Op: walfmt.OpDelete, Collection: "widgets", ID: "2"}); err != nil {
				t.Fatalf("append delete: %v", err)
			}
			if err := b.Flush(ctx); err != nil {
				t.Fatalf("flush: %v", err)
			}

			compactor, ok := b.(Compactor)
			if !ok {
				t.Fatalf("%s does not implement Compactor", name)
			}
			if err := compactor.Compact(ctx); err != nil {
				t.Fatalf("compact: %v", err)
			}

			entries := drain(t, b)
			if len(entries) != 1 {
				t.Fatalf("expected exactly 1 surviving entry after compaction, got %d: %+v", len(entries), entries)
			}
			if entries[0].ID != "1" || entries[0].Data["value"] != "alpha-updated" {
				t.Fatalf("unexpected surviving entry: %+v", entries[0])
			}

			// Compaction is idempotent: running it again on already-compact
			// state changes nothing.
			if err := compactor.Compact(ctx); err != nil {
				t.Fatalf("second compact: %v", err)
			}
			again := drain(t, b)
			if len(again) != 1 || again[0].ID != "1" {
				t.Fatalf("compact not idempotent: %+v", again)
			}
		})
	}
}

func TestBackendsSizerReportsOnDiskFootprint(t *testing.T) {
	// MemoryStorage has nothing on disk and deliberately doesn't
	// implement Sizer; only the file-backed variants are exercised here.
	factories := map[string]backendFactory{
		"json": func(dir string) Backend {
			return NewJSONStorage(dir+"/store.json", nil, 0, testLogger())
		},
		"binary": func(dir string) Backend {
			return NewBinaryStorage(dir+"/store.bin", nil)
		},
		"aol": func(dir string) Backend {
			return NewAOLStorage(dir+"/store.aol", nil, true, 1, 0, testLogger())
		},
	}

	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			dir := t.TempDir()
			b := factory(dir)
			if err := b.Initialize(ctx); err != nil {
				t.Fatalf("initialize: %v", err)
			}
			defer b.Close(ctx)

			sizer, ok := b.(Sizer)
			if !ok {
				t.Fatalf("%s does not implement Sizer", name)
			}

			empty, err := sizer.Size()
			if err != nil {
				t.Fatalf("size before write: %v", err)
			}

			insertEntry(ctx, t, b, "1", "alpha")
			if err := b.Flush(ctx); err != nil {
				t.Fatalf("flush: %v", err)
			}

			after, err := sizer.Size()
			if err != nil {
				t.Fatalf("size after write: %v", err)
			}
			if after <= empty {
				t.Fatalf("expected Size to grow after a flushed append, before=%d after=%d", empty, after)
			}
		})
	}
}

func TestMemoryStorageIsNotASizer(t *testing.T) {
	if _, ok := Backend(NewMemoryStorage()).(Sizer); ok {
		t.Fatalf("expected MemoryStorage to not implement Sizer")
	}
}

func TestBackendsClearDiscardsEverything(t *testing.T) {
	factories := backendFactories(t)
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			dir := t.TempDir()
			b := factory(dir)
			if err := b.Initialize(ctx); err != nil {
				t.Fatalf("initialize: %v", err)
			}
			defer b.Close(ctx)

			insertEntry(ctx, t, b, "1", "alpha")
			if err := b.Flush(ctx); err != nil {
				t.Fatalf("flush: %v", err)
			}

			clearer, ok := b.(Clearer)
			if !ok {
				t.Fatalf("%s does not implement Clearer", name)
			}
			if err := clearer.Clear(ctx); err != nil {
				t.Fatalf("clear: %v", err)
			}

			entries := drain(t, b)
			if len(entries) != 0 {
				t.Fatalf("expected empty backend after clear, got %d entries", len(entries))
			}
		})
	}
}
