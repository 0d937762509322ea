// Package dispatcher multiplexes relay-pair measurement across M
// independent ting-engine subprocesses, each talking to its own overlay
// daemon instance, then merges their per-process caches and result
// journals into a global one.
package dispatcher

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/opd-ai/go-ting/pkg/cache"
	"github.com/opd-ai/go-ting/pkg/fingerprint"
	"github.com/opd-ai/go-ting/pkg/logger"
)

// Options configures the dispatcher's process fan-out. CtrlPorts and
// SocksPorts must be the same length; their length is M, the number of
// engine subprocesses run concurrently, each bound to its own daemon's
// port pair.
type Options struct {
	EnginePath    string // path to the ting-engine binary
	EngineArgs    []string
	WorkDir       string // parent of chunk files and per-engine directories
	CtrlPorts     []int
	SocksPorts    []int
	ChunkSize     int // pairs per chunk, default 100
	GlobalCache   string
	GlobalJournal string
}

// DefaultOptions mirrors the dispatcher CLI defaults besides the port
// lists, which have no default and must be supplied per daemon instance.
func DefaultOptions() Options {
	return Options{
		ChunkSize: 100,
	}
}

// Dispatcher owns the chunked fan-out across len(CtrlPorts) engine subprocesses.
type Dispatcher struct {
	opts Options
	log  *logger.Logger

	cacheMu   sync.Mutex
	journalMu sync.Mutex
}

// New constructs a Dispatcher.
func New(opts Options, log *logger.Logger) *Dispatcher {
	return &Dispatcher{opts: opts, log: log.Component("dispatcher")}
}

// chunk is one slice of the overall pair list, backed by its own file on
// disk so it can be fed to an engine's stdin and checkpointed.
type chunk struct {
	index int
	path  string
}

// Run splits pairs into chunks of opts.ChunkSize, writes each to its own
// file under opts.WorkDir, then runs them on the configured daemon port
// pairs, up to one in-flight chunk per pair, skipping any chunk whose
// .done marker already exists.
func (d *Dispatcher) Run(pairs []fingerprint.Pair) error {
	procs := len(d.opts.CtrlPorts)
	if procs == 0 || len(d.opts.SocksPorts) != procs {
		return fmt.Errorf("dispatcher needs matching ctrl/socks port lists, got %d/%d",
			procs, len(d.opts.SocksPorts))
	}

	if err := os.MkdirAll(d.opts.WorkDir, 0o755); err != nil {
		return fmt.Errorf("creating dispatcher work dir: %w", err)
	}

	chunks, err := d.writeChunks(pairs)
	if err != nil {
		return err
	}

	sem := make(chan int, procs)
	for i := 0; i < procs; i++ {
		sem <- i
	}

	var wg sync.WaitGroup
	var firstErr error
	var mu sync.Mutex

	for _, c := range chunks {
		donePath := c.path + ".done"
		if _, err := os.Stat(donePath); err == nil {
			d.log.Info("skipping already-completed chunk", "chunk", c.index)
			continue
		}

		slot := <-sem
		wg.Add(1)
		go func(c chunk, slot int) {
			defer wg.Done()
			defer func() { sem <- slot }()

			if err := d.runChunk(c, slot); err != nil {
				d.log.Error("chunk failed", "chunk", c.index, "error", err)
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(c, slot)
	}

	wg.Wait()
	return firstErr
}

func (d *Dispatcher) writeChunks(pairs []fingerprint.Pair) ([]chunk, error) {
	size := d.opts.ChunkSize
	if size <= 0 {
		size = 100
	}

	var chunks []chunk
	for i := 0; i*size < len(pairs); i++ {
		start := i * size
		end := start + size
		if end > len(pairs) {
			end = len(pairs)
		}

		path := filepath.Join(d.opts.WorkDir, fmt.Sprintf("chunk-%04d.txt", i))
		if _, err := os.Stat(path + ".done"); err == nil {
			chunks = append(chunks, chunk{index: i, path: path})
			continue
		}

		f, err := os.Create(path)
		if err != nil {
			return nil, fmt.Errorf("writing chunk %d: %w", i, err)
		}
		for _, p := range pairs[start:end] {
			fmt.Fprintf(f, "%s %s\n", p.X, p.Y)
		}
		f.Close()

		chunks = append(chunks, chunk{index: i, path: path})
	}
	return chunks, nil
}

// runChunk spawns one engine subprocess in its own working directory,
// feeding it the chunk file on stdin, then merges its cache and journal
// into the global ones and touches the .done marker.
func (d *Dispatcher) runChunk(c chunk, slot int) error {
	engineDir := filepath.Join(d.opts.WorkDir, fmt.Sprintf("engine-%d", slot))
	if err := os.MkdirAll(engineDir, 0o755); err != nil {
		return fmt.Errorf("creating engine dir: %w", err)
	}

	ctrlPort := d.opts.CtrlPorts[slot]
	socksPort := d.opts.SocksPorts[slot]

	localCache := filepath.Join(engineDir, "cache.json")
	localJournal := filepath.Join(engineDir, "results.ndjson")

	// The engine dir is reused by every chunk that lands on this slot, and
	// the engine only ever appends to its journal. Clear the previous
	// chunk's journal so appendJournal copies each record into the global
	// journal exactly once. The cache file stays: its merge is idempotent,
	// and carrying it across chunks lets later chunks reuse already-
	// measured sub-circuit RTTs.
	if err := removeStaleJournal(localJournal); err != nil {
		return fmt.Errorf("clearing journal for chunk %d: %w", c.index, err)
	}

	args := append([]string{}, d.opts.EngineArgs...)
	args = append(args,
		"--ctrl-port", fmt.Sprintf("%d", ctrlPort),
		"--socks-port", fmt.Sprintf("%d", socksPort),
		"--out-cache-file", localCache,
		"--out-result-file", localJournal,
		"--relay-source", "stdin",
	)

	stdin, err := os.Open(c.path)
	if err != nil {
		return fmt.Errorf("opening chunk %d: %w", c.index, err)
	}
	defer stdin.Close()

	cmd := exec.Command(d.opts.EnginePath, args...)
	cmd.Dir = engineDir
	cmd.Stdin = stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	d.log.Info("starting engine", "chunk", c.index, "slot", slot, "ctrl_port", ctrlPort)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("engine for chunk %d exited with error: %w", c.index, err)
	}

	if err := d.mergeCache(localCache); err != nil {
		return fmt.Errorf("merging cache for chunk %d: %w", c.index, err)
	}
	if err := d.appendJournal(localJournal); err != nil {
		return fmt.Errorf("appending journal for chunk %d: %w", c.index, err)
	}

	return os.WriteFile(c.path+".done", []byte{}, 0o644)
}

// removeStaleJournal deletes a previous chunk's local journal; a missing
// file is fine.
func removeStaleJournal(localJournal string) error {
	if err := os.Remove(localJournal); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// mergeCache unions localCache into the dispatcher's global cache file,
// keeping the smaller RTT per key, matching combine_caches.
func (d *Dispatcher) mergeCache(localCache string) error {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()

	global, err := cache.LoadRaw(d.opts.GlobalCache)
	if err != nil {
		return err
	}
	local, err := cache.LoadRaw(localCache)
	if err != nil {
		return err
	}

	merged := cache.Merge(global, local)
	return cache.SaveRaw(d.opts.GlobalCache, merged)
}

// appendJournal appends every non-blank, non-comment line of localJournal
// to the dispatcher's global journal.
func (d *Dispatcher) appendJournal(localJournal string) error {
	d.journalMu.Lock()
	defer d.journalMu.Unlock()

	in, err := os.Open(localJournal)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(d.opts.GlobalJournal, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	w := bufio.NewWriter(out)
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if _, err := w.WriteString(line + "\n"); err != nil {
			return err
		}
	}
	return w.Flush()
}
