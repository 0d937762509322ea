package dispatcher

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/opd-ai/go-ting/pkg/cache"
)

func TestWriteChunksSplitsByConfiguredSize(t *testing.T) {
	dir := t.TempDir()
	d := New(Options{WorkDir: dir, ChunkSize: 2}, testLogger())

	pairs := samplePairs(5)
	chunks, err := d.writeChunks(pairs)
	if err != nil {
		t.Fatalf("writeChunks: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3 (2,2,1)", len(chunks))
	}

	data, err := os.ReadFile(chunks[0].path)
	if err != nil {
		t.Fatalf("reading chunk 0: %v", err)
	}
	if got := len(splitLines(string(data))); got != 2 {
		t.Fatalf("chunk 0 has %d lines, want 2", got)
	}
}

func TestWriteChunksSkipsAlreadyDone(t *testing.T) {
	dir := t.TempDir()
	d := New(Options{WorkDir: dir, ChunkSize: 2}, testLogger())

	donePath := filepath.Join(dir, "chunk-0000.txt.done")
	if err := os.WriteFile(donePath, []byte{}, 0o644); err != nil {
		t.Fatalf("seed done marker: %v", err)
	}

	chunks, err := d.writeChunks(samplePairs(2))
	if err != nil {
		t.Fatalf("writeChunks: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}

	if _, err := os.Stat(chunks[0].path); err == nil {
		t.Fatal("expected chunk file to not be rewritten when already done")
	}
}

func TestMergeCacheKeepsSmallerRTT(t *testing.T) {
	dir := t.TempDir()
	globalCache := filepath.Join(dir, "global-cache.json")
	localCache := filepath.Join(dir, "local-cache.json")

	if err := cache.SaveRaw(globalCache, map[string]cache.Entry{
		"W-X-Z": {RTT: 0.2, Time: 1},
	}); err != nil {
		t.Fatalf("seed global cache: %v", err)
	}
	if err := cache.SaveRaw(localCache, map[string]cache.Entry{
		"W-X-Z": {RTT: 0.1, Time: 2},
		"W-Y-Z": {RTT: 0.3, Time: 1},
	}); err != nil {
		t.Fatalf("seed local cache: %v", err)
	}

	d := New(Options{GlobalCache: globalCache}, testLogger())
	if err := d.mergeCache(localCache); err != nil {
		t.Fatalf("mergeCache: %v", err)
	}

	merged, err := cache.LoadRaw(globalCache)
	if err != nil {
		t.Fatalf("LoadRaw: %v", err)
	}
	if merged["W-X-Z"].RTT != 0.1 {
		t.Fatalf("got %v, want 0.1", merged["W-X-Z"].RTT)
	}
	if merged["W-Y-Z"].RTT != 0.3 {
		t.Fatalf("got %v, want 0.3", merged["W-Y-Z"].RTT)
	}
}

func TestRemoveStaleJournal(t *testing.T) {
	dir := t.TempDir()
	journal := filepath.Join(dir, "results.ndjson")

	if err := os.WriteFile(journal, []byte("{\"time\":1}\n"), 0o644); err != nil {
		t.Fatalf("seed journal: %v", err)
	}
	if err := removeStaleJournal(journal); err != nil {
		t.Fatalf("removeStaleJournal: %v", err)
	}
	if _, err := os.Stat(journal); !os.IsNotExist(err) {
		t.Fatal("expected journal to be removed")
	}

	// A second call against the now-missing file is a no-op.
	if err := removeStaleJournal(journal); err != nil {
		t.Fatalf("removeStaleJournal on missing file: %v", err)
	}
}

func TestJournalRecordsAppendExactlyOncePerChunk(t *testing.T) {
	// Two chunks run back-to-back on the same slot: the slot's journal is
	// cleared between them, so the global journal ends up with each
	// chunk's records exactly once.
	dir := t.TempDir()
	globalJournal := filepath.Join(dir, "global.ndjson")
	localJournal := filepath.Join(dir, "results.ndjson")

	d := New(Options{GlobalJournal: globalJournal}, testLogger())

	for i, content := range []string{"{\"time\":1}\n", "{\"time\":2}\n"} {
		if err := removeStaleJournal(localJournal); err != nil {
			t.Fatalf("removeStaleJournal before chunk %d: %v", i, err)
		}
		if err := os.WriteFile(localJournal, []byte(content), 0o644); err != nil {
			t.Fatalf("seed chunk %d journal: %v", i, err)
		}
		if err := d.appendJournal(localJournal); err != nil {
			t.Fatalf("appendJournal for chunk %d: %v", i, err)
		}
	}

	data, err := os.ReadFile(globalJournal)
	if err != nil {
		t.Fatalf("reading global journal: %v", err)
	}
	lines := splitLines(string(data))
	if len(lines) != 2 {
		t.Fatalf("got %d lines in global journal, want 2 (one per chunk): %q", len(lines), data)
	}
	if lines[0] != "{\"time\":1}" || lines[1] != "{\"time\":2}" {
		t.Fatalf("unexpected journal contents: %q", data)
	}
}

func TestAppendJournalSkipsBlankAndCommentLines(t *testing.T) {
	dir := t.TempDir()
	globalJournal := filepath.Join(dir, "global.ndjson")
	localJournal := filepath.Join(dir, "local.ndjson")

	content := "# a comment\n\n{\"time\":1}\n{\"time\":2}\n"
	if err := os.WriteFile(localJournal, []byte(content), 0o644); err != nil {
		t.Fatalf("seed local journal: %v", err)
	}

	d := New(Options{GlobalJournal: globalJournal}, testLogger())
	if err := d.appendJournal(localJournal); err != nil {
		t.Fatalf("appendJournal: %v", err)
	}

	data, err := os.ReadFile(globalJournal)
	if err != nil {
		t.Fatalf("reading global journal: %v", err)
	}
	if got := len(splitLines(string(data))); got != 2 {
		t.Fatalf("got %d lines in global journal, want 2: %q", got, data)
	}
}
