// Package cache provides the three/four-hop RTT cache shared by every
// worker in one measurement engine. Entries are keyed by the joined
// fingerprint path and persisted to a JSON file between runs.
package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/opd-ai/go-ting/pkg/fingerprint"
)

// Entry is one cached RTT measurement, keyed by its path string.
type Entry struct {
	RTT  float64          `json:"rtt"`
	Path fingerprint.Path `json:"path"`
	Time int64            `json:"time"`
}

// Options configures independently-tunable 3-hop and 4-hop freshness.
type Options struct {
	Enable3Hop bool
	Enable4Hop bool
	Life3Hop   time.Duration
	Life4Hop   time.Duration
}

// DefaultOptions mirrors the 24h default lifetime for both arities.
func DefaultOptions() Options {
	return Options{
		Enable3Hop: true,
		Enable4Hop: true,
		Life3Hop:   24 * time.Hour,
		Life4Hop:   24 * time.Hour,
	}
}

// Cache is a mutex-guarded path -> Entry map with min-replacement semantics.
type Cache struct {
	mu      sync.Mutex
	entries map[string]Entry
	opts    Options
}

// New creates an empty cache with the given options.
func New(opts Options) *Cache {
	return &Cache{
		entries: make(map[string]Entry),
		opts:    opts,
	}
}

func (c *Cache) enabledFor(path fingerprint.Path) bool {
	switch len(path) {
	case 3:
		return c.opts.Enable3Hop
	case 4:
		return c.opts.Enable4Hop
	default:
		return false
	}
}

func (c *Cache) lifetimeFor(path fingerprint.Path) time.Duration {
	if len(path) == 3 {
		return c.opts.Life3Hop
	}
	return c.opts.Life4Hop
}

// Get returns the cached RTT for path, and whether it was a hit. A stale
// entry (entry.Time + lifetime <= now) is a miss but is left in place,
// since a subsequent Put may still replace it under min-replacement rules.
func (c *Cache) Get(path fingerprint.Path) (float64, bool) {
	if !c.enabledFor(path) {
		return 0, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[path.Key()]
	if !ok {
		return 0, false
	}
	if isStale(entry, c.lifetimeFor(path)) {
		return 0, false
	}
	return entry.RTT, true
}

// Put records a measured RTT for path, applying min-replacement within the
// freshness window: a missing or stale entry is always overwritten; a
// fresh entry is overwritten only if the new RTT is strictly smaller.
func (c *Cache) Put(path fingerprint.Path, rtt float64) {
	if !c.enabledFor(path) || rtt < 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := path.Key()
	existing, ok := c.entries[key]
	if !ok || isStale(existing, c.lifetimeFor(path)) || rtt < existing.RTT {
		c.entries[key] = Entry{
			RTT:  rtt,
			Path: append(fingerprint.Path{}, path...),
			Time: time.Now().Unix(),
		}
	}
}

func isStale(e Entry, lifetime time.Duration) bool {
	return e.Time+int64(lifetime.Seconds()) <= time.Now().Unix()
}

// Len returns the number of entries currently cached, for tests and stats.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Load populates the cache from a JSON file, creating it as "{}" if
// missing. Safe to call once at engine startup.
func Load(path string, opts Options) (*Cache, error) {
	c := New(opts)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if werr := os.WriteFile(path, []byte("{}"), 0o644); werr != nil {
			return nil, fmt.Errorf("creating cache file %s: %w", path, werr)
		}
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading cache file %s: %w", path, err)
	}

	var raw map[string]Entry
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing cache file %s: %w", path, err)
	}
	c.entries = raw
	if c.entries == nil {
		c.entries = make(map[string]Entry)
	}
	return c, nil
}

// Save atomically rewrites the whole cache file: write to a temp file in
// the same directory, then rename over the target.
func (c *Cache) Save(path string) error {
	c.mu.Lock()
	snapshot := make(map[string]Entry, len(c.entries))
	for k, v := range c.entries {
		snapshot[k] = v
	}
	c.mu.Unlock()

	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshaling cache: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".cache-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp cache file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp cache file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("renaming temp cache file: %w", err)
	}
	return nil
}

// Merge combines src into dst, keeping the smaller RTT per key -- the rule
// the dispatcher applies across per-engine caches. The RTT kept per key is
// commutative and associative (the minimum over every input); on equal
// RTTs the entry already in dst wins, so which of the tied entries (with
// its time and path) survives depends on argument order.
func Merge(dst, src map[string]Entry) map[string]Entry {
	out := make(map[string]Entry, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		if existing, ok := out[k]; !ok || v.RTT < existing.RTT {
			out[k] = v
		}
	}
	return out
}

// LoadRaw reads a cache file into a plain map, for dispatcher-side merging
// where no freshness/enable logic is needed. A missing file yields an
// empty map, not an error.
func LoadRaw(path string) (map[string]Entry, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading cache file %s: %w", path, err)
	}
	var raw map[string]Entry
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing cache file %s: %w", path, err)
	}
	if raw == nil {
		raw = map[string]Entry{}
	}
	return raw, nil
}

// SaveRaw writes a plain map to a cache file atomically.
func SaveRaw(path string, entries map[string]Entry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshaling cache: %w", err)
	}
	dir := filepath.Dir(path)
	if dir == "" {
		dir = "."
	}
	tmp, err := os.CreateTemp(dir, ".cache-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp cache file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp cache file: %w", err)
	}
	return os.Rename(tmpName, path)
}
