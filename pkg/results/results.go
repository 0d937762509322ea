// Package results buffers enriched RTT measurements and flushes them to an
// append-only, newline-delimited JSON journal.
package results

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/opd-ai/go-ting/pkg/controller"
	"github.com/opd-ai/go-ting/pkg/fingerprint"
	"github.com/opd-ai/go-ting/pkg/logger"
)

// Raw is what a worker enqueues for one measured (or failed) pair.
type Raw struct {
	RTT *float64
	X   fingerprint.Fingerprint
	Y   fingerprint.Fingerprint
}

// Endpoint is one side of an enriched result record.
type Endpoint struct {
	FP   fingerprint.Fingerprint `json:"fp"`
	IP   string                  `json:"ip"`
	Nick string                  `json:"nick"`
}

// Record is one line of the results journal.
type Record struct {
	Time int64    `json:"time"`
	RTT  *float64 `json:"rtt"`
	X    Endpoint `json:"x"`
	Y    Endpoint `json:"y"`
}

const (
	unavailableIP   = "0.0.0.0"
	unavailableNick = "(unknown)"
)

// nowFunc exists so tests can pin the clock; defaults to time.Now().Unix().
var nowFunc = defaultNow

func defaultNow() int64 {
	return time.Now().Unix()
}

// Controller is the subset of controller.Client the manager needs to enrich
// a raw result with address and nickname.
type Controller interface {
	NetworkStatus(fp fingerprint.Fingerprint) (controller.NetworkStatus, error)
}

// Manager is the dedicated writer goroutine: it drains a channel of raw
// results, enriches each with network status, buffers, and periodically
// flushes newline-delimited JSON to the journal file.
type Manager struct {
	ctrl       Controller
	journal    string
	flushEvery int
	log        *logger.Logger

	in  chan Raw
	buf []Record
}

// Options configures the results manager.
type Options struct {
	JournalPath string
	FlushEvery  int // default 10, the write-results-every flag
}

// New constructs a Manager. Call Run in its own goroutine, and Enqueue from
// workers; close the input channel (via Stop) to trigger the final flush.
func New(ctrl Controller, opts Options, log *logger.Logger) *Manager {
	flushEvery := opts.FlushEvery
	if flushEvery <= 0 {
		flushEvery = 10
	}
	return &Manager{
		ctrl:       ctrl,
		journal:    opts.JournalPath,
		flushEvery: flushEvery,
		log:        log.Component("results"),
		in:         make(chan Raw, 64),
	}
}

// Enqueue submits one raw measurement. Blocks if the manager's internal
// buffer is backed up; called once per pair attempt.
func (m *Manager) Enqueue(r Raw) {
	m.in <- r
}

// Stop closes the input channel, which makes Run drain the remaining input,
// flush and return. Stop itself returns at once; it does not wait for Run.
func (m *Manager) Stop() {
	close(m.in)
}

// Run drains the input channel until closed, enriching and buffering each
// record, and flushing every flushEvery records plus once more at exit.
func (m *Manager) Run() error {
	for raw := range m.in {
		m.buf = append(m.buf, m.enrich(raw))
		if len(m.buf) >= m.flushEvery {
			if err := m.flush(); err != nil {
				return err
			}
		}
	}
	if len(m.buf) > 0 {
		return m.flush()
	}
	return nil
}

func (m *Manager) enrich(raw Raw) Record {
	return Record{
		Time: nowFunc(),
		RTT:  raw.RTT,
		X:    m.endpoint(raw.X),
		Y:    m.endpoint(raw.Y),
	}
}

func (m *Manager) endpoint(fp fingerprint.Fingerprint) Endpoint {
	ns, err := m.ctrl.NetworkStatus(fp)
	if err != nil {
		m.log.Debug("network status unavailable, using defaults", "fp", fp, "error", err)
		return Endpoint{FP: fp, IP: unavailableIP, Nick: unavailableNick}
	}
	return Endpoint{FP: fp, IP: ns.Address, Nick: ns.Nickname}
}

func (m *Manager) flush() error {
	f, err := os.OpenFile(m.journal, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening results journal %s: %w", m.journal, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, rec := range m.buf {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshaling result record: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("writing result record: %w", err)
		}
		if err := w.WriteByte('\n'); err != nil {
			return fmt.Errorf("writing result record: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flushing results journal: %w", err)
	}
	m.log.Debug("flushed results", "count", len(m.buf))
	m.buf = m.buf[:0]
	return nil
}
