package pairsource

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/opd-ai/go-ting/pkg/fingerprint"
	"github.com/opd-ai/go-ting/pkg/logger"
)

const (
	fpA = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
	fpB = "BBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB"
	fpC = "CCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCC"
)

func collect(s Source) []fingerprint.Pair {
	var out []fingerprint.Pair
	for {
		p, ok := s.Next()
		if !ok {
			break
		}
		out = append(out, p)
	}
	return out
}

func TestFromReaderSkipsCommentsAndBlankLines(t *testing.T) {
	input := "# comment\n\n" + fpA + " " + fpB + "\n"
	s := FromReader(strings.NewReader(input), logger.NewDefault())

	pairs := collect(s)
	if len(pairs) != 1 {
		t.Fatalf("got %d pairs, want 1", len(pairs))
	}
	if pairs[0].X != fpA || pairs[0].Y != fpB {
		t.Fatalf("got %+v", pairs[0])
	}
}

func TestFromReaderCanonicalizesPairOrder(t *testing.T) {
	// fpB listed first: the stored pair must still come out X < Y.
	s := FromReader(strings.NewReader(fpB+" "+fpA+"\n"), logger.NewDefault())

	pairs := collect(s)
	if len(pairs) != 1 {
		t.Fatalf("got %d pairs, want 1", len(pairs))
	}
	if pairs[0].X != fpA || pairs[0].Y != fpB {
		t.Fatalf("pair not canonicalized: %+v", pairs[0])
	}
}

func TestFromReaderSkipsMalformedLines(t *testing.T) {
	input := fpA + " bad\n" + "onlyonefield\n" + fpA + " " + fpB + "\n"
	s := FromReader(strings.NewReader(input), logger.NewDefault())

	pairs := collect(s)
	if len(pairs) != 1 {
		t.Fatalf("got %d valid pairs, want 1, got %+v", len(pairs), pairs)
	}
}

func TestFromFilePlain(t *testing.T) {
	dir := t.TempDir()
	plain := filepath.Join(dir, "pairs.txt")
	if err := os.WriteFile(plain, []byte(fpA+" "+fpB+"\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	s, err := FromFile(plain, logger.NewDefault())
	if err != nil {
		t.Fatalf("FromFile: %v", err)
	}
	if len(collect(s)) != 1 {
		t.Fatal("expected one pair from plain file")
	}
}

func TestFromFileDecompressesGzip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pairs.txt.gz")

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	zw := gzip.NewWriter(f)
	if _, err := zw.Write([]byte(fpA + " " + fpB + "\n" + fpA + " " + fpC + "\n")); err != nil {
		t.Fatalf("write gzip: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
	f.Close()

	s, err := FromFile(path, logger.NewDefault())
	if err != nil {
		t.Fatalf("FromFile: %v", err)
	}
	if got := len(collect(s)); got != 2 {
		t.Fatalf("got %d pairs from gzipped file, want 2", got)
	}
}

type fakeLister struct {
	relays []fingerprint.Fingerprint
}

func (f *fakeLister) MeasuredRelays() ([]fingerprint.Fingerprint, error) {
	return f.relays, nil
}

func TestFromNetworkStatusSamplesDistinctCanonicalPairs(t *testing.T) {
	lister := &fakeLister{relays: []fingerprint.Fingerprint{fpA, fpB, fpC}}

	s, err := FromNetworkStatus(lister, 3, logger.NewDefault())
	if err != nil {
		t.Fatalf("FromNetworkStatus: %v", err)
	}

	pairs := collect(s)
	if len(pairs) != 3 {
		t.Fatalf("got %d pairs, want 3", len(pairs))
	}
	seen := make(map[string]struct{})
	for _, p := range pairs {
		if p.X >= p.Y {
			t.Fatalf("pair not canonicalized: %+v", p)
		}
		if _, dup := seen[p.Key()]; dup {
			t.Fatalf("duplicate pair sampled: %+v", p)
		}
		seen[p.Key()] = struct{}{}
	}
}

func TestFromNetworkStatusTooFewRelays(t *testing.T) {
	s, err := FromNetworkStatus(&fakeLister{relays: []fingerprint.Fingerprint{fpA}}, 10, logger.NewDefault())
	if err != nil {
		t.Fatalf("FromNetworkStatus: %v", err)
	}
	if len(collect(s)) != 0 {
		t.Fatal("expected no pairs from a single relay")
	}
}

func TestPruneRecentRemovesFreshPairs(t *testing.T) {
	dir := t.TempDir()
	journal := filepath.Join(dir, "results.ndjson")

	now := time.Now().Unix()
	line := `{"time":` + strconv.FormatInt(now, 10) + `,"rtt":0.1,"x":{"fp":"` + fpA + `"},"y":{"fp":"` + fpB + `"}}` + "\n"
	if err := os.WriteFile(journal, []byte(line), 0o644); err != nil {
		t.Fatalf("write journal: %v", err)
	}

	input := fpA + " " + fpB + "\n" + fpA + " " + fpC + "\n"
	s := FromReader(strings.NewReader(input), logger.NewDefault())

	if err := s.PruneRecent(journal, 24*time.Hour, logger.NewDefault()); err != nil {
		t.Fatalf("PruneRecent: %v", err)
	}

	pairs := collect(s)
	if len(pairs) != 1 {
		t.Fatalf("got %d pairs after prune, want 1: %+v", len(pairs), pairs)
	}
	if pairs[0].Y != fpC {
		t.Fatalf("got %+v, want the unpruned pair ending in %s", pairs[0], fpC)
	}
}

func TestPruneRecentIgnoresStaleRecords(t *testing.T) {
	dir := t.TempDir()
	journal := filepath.Join(dir, "results.ndjson")

	old := time.Now().Add(-48 * time.Hour).Unix()
	line := `{"time":` + strconv.FormatInt(old, 10) + `,"rtt":0.1,"x":{"fp":"` + fpA + `"},"y":{"fp":"` + fpB + `"}}` + "\n"
	if err := os.WriteFile(journal, []byte(line), 0o644); err != nil {
		t.Fatalf("write journal: %v", err)
	}

	s := FromReader(strings.NewReader(fpA+" "+fpB+"\n"), logger.NewDefault())
	if err := s.PruneRecent(journal, 24*time.Hour, logger.NewDefault()); err != nil {
		t.Fatalf("PruneRecent: %v", err)
	}
	if len(collect(s)) != 1 {
		t.Fatal("pair with only a stale record should survive pruning")
	}
}

func TestPruneRecentIgnoresMissingJournal(t *testing.T) {
	dir := t.TempDir()
	journal := filepath.Join(dir, "missing.ndjson")

	s := FromReader(strings.NewReader(fpA+" "+fpB+"\n"), logger.NewDefault())
	if err := s.PruneRecent(journal, 24*time.Hour, logger.NewDefault()); err != nil {
		t.Fatalf("PruneRecent on missing file should be a no-op: %v", err)
	}
	if len(collect(s)) != 1 {
		t.Fatal("expected pair to survive prune against missing journal")
	}
}
