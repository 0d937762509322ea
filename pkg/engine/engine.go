// Package engine implements the per-pair ting protocol: build three
// circuits against a pair of anchors, time an echo exchange over each, and
// algebraically cancel the anchors' contribution to the X-Y RTT.
package engine

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/opd-ai/go-ting/pkg/cache"
	"github.com/opd-ai/go-ting/pkg/controller"
	"github.com/opd-ai/go-ting/pkg/errors"
	"github.com/opd-ai/go-ting/pkg/fingerprint"
	"github.com/opd-ai/go-ting/pkg/logger"
	"github.com/opd-ai/go-ting/pkg/results"
)

// Options configures one engine's sampling behavior. Anchors and circuit
// parameters are shared by every pair this engine measures.
type Options struct {
	W, Z fingerprint.Fingerprint

	TargetHost string
	TargetPort int

	Samples             int
	CircBuildAttempts   int
	MeasurementAttempts int
	SampleReadTimeout   time.Duration
}

// DefaultOptions returns the engine's default parameters besides W/Z, which
// have no default and must always be supplied by the caller.
func DefaultOptions() Options {
	return Options{
		TargetPort:          16667,
		Samples:             200,
		CircBuildAttempts:   3,
		MeasurementAttempts: 3,
		SampleReadTimeout:   10 * time.Second,
	}
}

// circuitController is the subset of *controller.Client the engine drives.
// Kept as an interface so the protocol logic can be tested without a real
// control-port session.
type circuitController interface {
	BuildCircuit(ctx context.Context, path fingerprint.Path) (controller.CircuitID, error)
	CloseCircuit(id controller.CircuitID) error
	AddStreamListener(fn controller.StreamEventFunc) (controller.ListenerHandle, error)
	RemoveStreamListener(h controller.ListenerHandle)
	AttachStream(streamID controller.StreamID, circID controller.CircuitID)
}

// streamDialer is the subset of *dialer.Dialer the engine drives.
type streamDialer interface {
	Dial(ctx context.Context, host string, port int) (net.Conn, error)
}

// Recorder receives protocol-level observations for metrics export. A nil
// Recorder is valid; every method is a no-op in that case.
type Recorder interface {
	RecordCircuitBuild(success bool, d time.Duration)
	RecordSample(success bool, rtt time.Duration)
	RecordCacheLookup(hops int, hit bool)
}

// Engine drives the ting protocol for one pair at a time, using a single
// controller session, dialer, and cache handed to it by the worker pool.
type Engine struct {
	opts Options
	ctrl circuitController
	dial streamDialer
	c    *cache.Cache
	log  *logger.Logger
	rec  Recorder

	// attachMu serializes the stream-attach race across every worker in
	// the engine process, per the worker pool's shared-state contract.
	attachMu *sync.Mutex
}

// New constructs an Engine for one worker. attachMu must be shared by every
// worker in the same process. No metrics recorder is attached; use
// WithRecorder for that.
func New(opts Options, ctrl circuitController, dial streamDialer, c *cache.Cache, attachMu *sync.Mutex, log *logger.Logger) *Engine {
	return &Engine{
		opts:     opts,
		ctrl:     ctrl,
		dial:     dial,
		c:        c,
		attachMu: attachMu,
		log:      log.Component("engine"),
	}
}

// WithRecorder attaches a metrics recorder to the engine, returning e for
// chaining.
func (e *Engine) WithRecorder(rec Recorder) *Engine {
	e.rec = rec
	return e
}

func (e *Engine) recordCircuitBuild(success bool, d time.Duration) {
	if e.rec != nil {
		e.rec.RecordCircuitBuild(success, d)
	}
}

func (e *Engine) recordSample(success bool, rtt time.Duration) {
	if e.rec != nil {
		e.rec.RecordSample(success, rtt)
	}
}

func (e *Engine) recordCacheLookup(hops int, hit bool) {
	if e.rec != nil {
		e.rec.RecordCacheLookup(hops, hit)
	}
}

// Measure runs the full per-pair protocol and returns a raw result ready
// for the results manager. A nil RTT means one of the three circuits
// could not be built or measured after retries.
func (e *Engine) Measure(ctx context.Context, pair fingerprint.Pair) results.Raw {
	log := e.log.Pair(string(pair.X), string(pair.Y))

	p1, p2, p3 := fingerprint.WXYZPaths(e.opts.W, pair.X, pair.Y, e.opts.Z)

	wxyz, ok := e.rtt(ctx, p1, log)
	if !ok {
		log.Warn("abandoning pair: wxyz circuit unavailable")
		return results.Raw{X: pair.X, Y: pair.Y, RTT: nil}
	}
	wxz, ok := e.rtt(ctx, p2, log)
	if !ok {
		log.Warn("abandoning pair: wxz circuit unavailable")
		return results.Raw{X: pair.X, Y: pair.Y, RTT: nil}
	}
	wyz, ok := e.rtt(ctx, p3, log)
	if !ok {
		log.Warn("abandoning pair: wyz circuit unavailable")
		return results.Raw{X: pair.X, Y: pair.Y, RTT: nil}
	}

	xyRTT := wxyz - 0.5*wxz - 0.5*wyz
	log.Debug("pair measured", "xy_rtt", xyRTT)
	return results.Raw{X: pair.X, Y: pair.Y, RTT: &xyRTT}
}

// rtt resolves one path's RTT: a cache hit, or build+ting+close with
// retries, caching the result on success.
func (e *Engine) rtt(ctx context.Context, path fingerprint.Path, log *logger.Logger) (float64, bool) {
	if v, ok := e.c.Get(path); ok {
		log.Debug("cache hit", "path", path.Key(), "rtt", v)
		e.recordCacheLookup(len(path), true)
		return v, true
	}
	e.recordCacheLookup(len(path), false)

	buildStart := time.Now()
	circID, err := e.buildWithRetry(ctx, path, log)
	e.recordCircuitBuild(err == nil, time.Since(buildStart))
	if err != nil {
		log.Warn("circuit build exhausted retries", "path", path.Key(), "error", err)
		return 0, false
	}
	defer func() {
		if cerr := e.ctrl.CloseCircuit(circID); cerr != nil {
			log.Warn("close circuit failed", "path", path.Key(), "error", cerr)
		}
	}()

	sample, err := e.tingWithRetry(ctx, circID, log.Circuit(string(circID)))
	e.recordSample(err == nil, time.Duration(sample*float64(time.Second)))
	if err != nil {
		log.Warn("ting exhausted retries", "path", path.Key(), "error", err)
		return 0, false
	}

	e.c.Put(path, sample)
	return sample, true
}

func (e *Engine) buildWithRetry(ctx context.Context, path fingerprint.Path, log *logger.Logger) (controller.CircuitID, error) {
	policy := errors.DefaultRetryPolicy()
	policy.MaxAttempts = e.opts.CircBuildAttempts

	var circID controller.CircuitID
	err := errors.RetryWithPolicy(ctx, policy, func() error {
		id, err := e.ctrl.BuildCircuit(ctx, path)
		if err != nil {
			return err
		}
		circID = id
		return nil
	})
	return circID, err
}

func (e *Engine) tingWithRetry(ctx context.Context, circID controller.CircuitID, log *logger.Logger) (float64, error) {
	policy := errors.DefaultRetryPolicy()
	policy.MaxAttempts = e.opts.MeasurementAttempts

	var sample float64
	err := errors.RetryWithPolicy(ctx, policy, func() error {
		v, ok := e.ting(ctx, circID, log)
		if !ok {
			return errors.NewRetryable(errors.CategoryProtocol, errors.SeverityMedium, "ting attempt failed")
		}
		sample = v
		return nil
	})
	return sample, err
}

// ting is the sampling protocol over one built circuit: serialize on the
// stream-attach mutex, listen for the daemon's NEW/USER stream event,
// dial the echo server, time N single-byte round trips, then send the
// sentinel and half-close. Returns (0, false) on any connect or I/O
// failure; the socket is always closed.
func (e *Engine) ting(ctx context.Context, circID controller.CircuitID, log *logger.Logger) (float64, bool) {
	e.attachMu.Lock()

	handle, err := e.ctrl.AddStreamListener(func(streamID controller.StreamID, status, purpose string) {
		if status == "NEW" && purpose == "USER" {
			e.ctrl.AttachStream(streamID, circID)
		}
	})
	if err != nil {
		e.attachMu.Unlock()
		log.Warn("registering stream listener failed", "error", err)
		return 0, false
	}

	conn, err := e.dial.Dial(ctx, e.opts.TargetHost, e.opts.TargetPort)

	e.ctrl.RemoveStreamListener(handle)
	e.attachMu.Unlock()

	if err != nil {
		log.Debug("echo server connect failed", "error", err)
		return 0, false
	}
	defer conn.Close()

	samples := make([]float64, 0, e.opts.Samples)
	for i := 0; i < e.opts.Samples; i++ {
		d, ok := e.sampleOnce(conn)
		if !ok {
			return 0, false
		}
		samples = append(samples, d)
	}

	sendSentinel(conn)
	return min(samples), true
}

func (e *Engine) sampleOnce(conn net.Conn) (float64, bool) {
	if e.opts.SampleReadTimeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(e.opts.SampleReadTimeout)); err != nil {
			return 0, false
		}
	}

	start := time.Now()
	if _, err := conn.Write([]byte{'!'}); err != nil {
		return 0, false
	}
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err != nil {
		return 0, false
	}
	return time.Since(start).Seconds(), true
}

func sendSentinel(conn net.Conn) {
	conn.Write([]byte{'X'})
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.CloseWrite()
	}
}

func min(samples []float64) float64 {
	m := samples[0]
	for _, s := range samples[1:] {
		if s < m {
			m = s
		}
	}
	return m
}
