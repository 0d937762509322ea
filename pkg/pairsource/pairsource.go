// Package pairsource enumerates the relay pairs a measurement engine should
// ting: from a file or stdin of "FP1 FP2" lines, or by live query against
// the controller's network status, and prunes pairs already fresh in the
// results journal.
package pairsource

import (
	"bufio"
	"encoding/json"
	"io"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/ulikunitz/xz"

	"github.com/opd-ai/go-ting/pkg/fingerprint"
	"github.com/opd-ai/go-ting/pkg/logger"
)

// Source enumerates relay pairs one at a time.
type Source interface {
	// Next returns the next pair to measure, and false once exhausted.
	Next() (fingerprint.Pair, bool)
}

// PrunableSource is a Source that can drop pairs already fresh in a
// results journal before measurement begins.
type PrunableSource interface {
	Source
	PruneRecent(journalPath string, ttl time.Duration, log *logger.Logger) error
}

// sliceSource is the common backing store for file/reader/live sources: all
// pairs are known up front and served in order.
type sliceSource struct {
	pairs []fingerprint.Pair
	pos   int
}

func (s *sliceSource) Next() (fingerprint.Pair, bool) {
	if s.pos >= len(s.pairs) {
		return fingerprint.Pair{}, false
	}
	p := s.pairs[s.pos]
	s.pos++
	return p, true
}

// Len reports the remaining pair count, for logging/metrics at startup.
func (s *sliceSource) Len() int {
	return len(s.pairs) - s.pos
}

// FromFile reads a relay-pair list from path, transparently decompressing
// ".xz" and ".gz" extensions.
func FromFile(path string, log *logger.Logger) (*sliceSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r, err := decompressingReader(path, f)
	if err != nil {
		return nil, err
	}
	return FromReader(r, log), nil
}

func decompressingReader(path string, f *os.File) (io.Reader, error) {
	switch {
	case strings.HasSuffix(path, ".xz"):
		return xz.NewReader(f)
	case strings.HasSuffix(path, ".gz"):
		return gzip.NewReader(f)
	default:
		return f, nil
	}
}

// FromReader parses "FP1 FP2" lines from r, skipping blank lines and
// "#"-comments. An invalid line (bad hex, wrong field count) is logged and
// skipped rather than aborting the whole list. A pair listed more than once
// (in either order) is kept once, at its first position.
func FromReader(r io.Reader, log *logger.Logger) *sliceSource {
	log = log.Component("pairsource")
	var pairs []fingerprint.Pair
	seen := make(map[string]struct{})

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			log.Warn("skipping malformed pair line", "line", lineNo, "text", line)
			continue
		}
		a, err := fingerprint.Parse(fields[0])
		if err != nil {
			log.Warn("skipping pair line with invalid fingerprint", "line", lineNo, "error", err)
			continue
		}
		b, err := fingerprint.Parse(fields[1])
		if err != nil {
			log.Warn("skipping pair line with invalid fingerprint", "line", lineNo, "error", err)
			continue
		}
		p := fingerprint.NewPair(a, b)
		if _, dup := seen[p.Key()]; dup {
			continue
		}
		seen[p.Key()] = struct{}{}
		pairs = append(pairs, p)
	}
	return &sliceSource{pairs: pairs}
}

// MeasuredRelayLister is the subset of controller operations needed to
// enumerate currently-measured relays for live pair sampling.
type MeasuredRelayLister interface {
	MeasuredRelays() ([]fingerprint.Fingerprint, error)
}

// FromNetworkStatus samples up to maxPairs random unordered pairs from the
// relays the daemon currently reports as measured. A maxPairs of 0 or less
// means no cap: every distinct pair is sampled. The number of possible
// pairs grows quadratically with the relay count; no ceiling is applied to
// that growth beyond maxPairs itself, per the Open Question decision.
func FromNetworkStatus(lister MeasuredRelayLister, maxPairs int, log *logger.Logger) (*sliceSource, error) {
	log = log.Component("pairsource")

	relays, err := lister.MeasuredRelays()
	if err != nil {
		return nil, err
	}
	log.Info("live relay list fetched", "count", len(relays))

	seen := make(map[string]struct{})
	var pairs []fingerprint.Pair
	if len(relays) < 2 {
		return &sliceSource{pairs: pairs}, nil
	}
	if maxPairs <= 0 {
		maxPairs = len(relays) * (len(relays) - 1) / 2
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for len(pairs) < maxPairs {
		a := relays[rng.Intn(len(relays))]
		b := relays[rng.Intn(len(relays))]
		if a == b {
			continue
		}
		p := fingerprint.NewPair(a, b)
		if _, dup := seen[p.Key()]; dup {
			continue
		}
		seen[p.Key()] = struct{}{}
		pairs = append(pairs, p)
	}
	return &sliceSource{pairs: pairs}, nil
}

// journalRecord mirrors the subset of results.Record this package needs,
// avoiding an import cycle with pkg/results.
type journalRecord struct {
	Time int64 `json:"time"`
	X    struct {
		FP fingerprint.Fingerprint `json:"fp"`
	} `json:"x"`
	Y struct {
		FP fingerprint.Fingerprint `json:"fp"`
	} `json:"y"`
}

// PruneRecent reads the results journal once and removes any pair with a
// record whose time+ttl >= now from the set, so a rerun does not
// re-measure pairs still fresh.
func (s *sliceSource) PruneRecent(journalPath string, ttl time.Duration, log *logger.Logger) error {
	log = log.Component("pairsource")

	f, err := os.Open(journalPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	now := time.Now().Unix()
	fresh := make(map[string]struct{})

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var rec journalRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			log.Warn("skipping malformed journal line", "error", err)
			continue
		}
		if rec.Time+int64(ttl.Seconds()) >= now {
			p := fingerprint.NewPair(rec.X.FP, rec.Y.FP)
			fresh[p.Key()] = struct{}{}
		}
	}

	kept := s.pairs[:0:0]
	for _, p := range s.pairs[s.pos:] {
		if _, skip := fresh[p.Key()]; !skip {
			kept = append(kept, p)
		}
	}
	s.pairs = kept
	s.pos = 0
	return nil
}
