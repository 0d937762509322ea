// Package controller wraps github.com/cretz/bine/control to drive the
// overlay daemon's control-port protocol: authenticate, configure the
// session for explicit stream attachment, build and close circuits,
// attach streams, and query relay network status.
//
// This mirrors the way opd-ai-go-tor/pkg/bine wraps cretz/bine/tor for an
// embedded client, but targets an already-running daemon's existing
// control port instead of starting one.
package controller

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/textproto"
	"strings"
	"time"

	bctrl "github.com/cretz/bine/control"

	"github.com/opd-ai/go-ting/pkg/errors"
	"github.com/opd-ai/go-ting/pkg/fingerprint"
	"github.com/opd-ai/go-ting/pkg/logger"
)

// CircuitID identifies a built circuit as returned by the daemon.
type CircuitID string

// StreamID identifies a stream event reported by the daemon.
type StreamID string

// NetworkStatus is the subset of a relay's consensus entry this tool needs.
type NetworkStatus struct {
	Address  string
	Nickname string
}

// ErrUnavailable is returned by NetworkStatus when the daemon has no
// descriptor for the requested fingerprint. Callers treat this as
// best-effort/non-fatal and substitute defaults.
var ErrUnavailable = fmt.Errorf("controller: descriptor unavailable")

// StreamEventFunc receives every STREAM event the daemon reports while
// registered.
type StreamEventFunc func(id StreamID, status, purpose string)

// ListenerHandle identifies a registered stream listener so it can later be
// removed. The handle IS the thing that gets unregistered, not a lookup key
// into it, mirroring the original closure-based listener design.
type ListenerHandle struct {
	listener *streamListenerHandle
}

// streamListenerHandle bridges bine's channel-based event delivery to a
// callback: a small pump goroutine drains the event channel into fn until
// done closes.
type streamListenerHandle struct {
	ch   chan bctrl.Event
	done chan struct{}
}

func (h *streamListenerHandle) pump(fn StreamEventFunc) {
	for {
		select {
		case <-h.done:
			return
		case ev := <-h.ch:
			if se, ok := ev.(*bctrl.StreamEvent); ok {
				fn(StreamID(se.StreamID), se.Status, se.Purpose)
			}
		}
	}
}

// Options configures the connection to the overlay daemon's control port.
type Options struct {
	Host             string
	Port             int
	DialTimeout      time.Duration
	CircuitBuildSecs int
}

// DefaultOptions returns the default control connection settings.
func DefaultOptions() Options {
	return Options{
		Host:             "127.0.0.1",
		Port:             9051,
		DialTimeout:      10 * time.Second,
		CircuitBuildSecs: 10,
	}
}

// Client is one authenticated control-protocol session. Each worker in the
// pool owns exactly one Client.
type Client struct {
	conn *bctrl.Conn
	log  *logger.Logger
}

// Connect dials the control port, authenticates, and applies the four
// session-configuration items: disable predicted circuits, leave streams
// unattached, disable adaptive circuit build timeout, and set a fixed
// circuit build timeout. Any failure here is fatal setup -- the caller
// should exit the engine process.
//
// ctx also bounds the session's event pump: stream events stop being
// delivered once ctx is done, so pass the process-lifetime context.
func Connect(ctx context.Context, opts Options, log *logger.Logger) (*Client, error) {
	addr := net.JoinHostPort(opts.Host, fmt.Sprintf("%d", opts.Port))

	d := net.Dialer{Timeout: opts.DialTimeout}
	netConn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrap(errors.CategoryConnection, errors.SeverityCritical,
			fmt.Sprintf("connecting to control port %s", addr), err)
	}

	conn := bctrl.NewConn(textproto.NewConn(netConn))
	if err := conn.Authenticate(""); err != nil {
		netConn.Close()
		return nil, errors.Wrap(errors.CategoryConnection, errors.SeverityCritical,
			"authenticating to control port", err)
	}

	c := &Client{conn: conn, log: log.Component("controller")}

	if err := c.configureSession(opts.CircuitBuildSecs); err != nil {
		netConn.Close()
		return nil, err
	}

	// Asynchronous STREAM events are only read while something pumps the
	// connection; run bine's event loop for the session's lifetime.
	go func() {
		if err := conn.HandleEvents(ctx); err != nil && ctx.Err() == nil {
			c.log.Warn("control event loop exited", "error", err)
		}
	}()

	return c, nil
}

func (c *Client) configureSession(buildTimeoutSecs int) error {
	params := []*bctrl.KeyVal{
		bctrl.NewKeyVal("__DisablePredictedCircuits", "1"),
		bctrl.NewKeyVal("__LeaveStreamsUnattached", "1"),
		bctrl.NewKeyVal("UseAdaptiveCircuitBuildTimeout", "0"),
		bctrl.NewKeyVal("CircuitBuildTimeout", fmt.Sprintf("%d", buildTimeoutSecs)),
	}
	if err := c.conn.SetConf(params...); err != nil {
		return errors.ConfigurationError("configuring control session", err)
	}
	return nil
}

// Close tears down the control session.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Ping issues a lightweight GETINFO round trip to confirm the control
// session still responds, for use by health checkers.
func (c *Client) Ping() error {
	_, err := c.conn.GetInfo("version")
	if err != nil {
		return errors.Wrap(errors.CategoryConnection, errors.SeverityLow,
			"pinging control session", err)
	}
	return nil
}

// BuildCircuit requests the daemon build path, a 3- or 4-hop circuit, and
// blocks until the daemon reports it built or failed.
func (c *Client) BuildCircuit(ctx context.Context, path fingerprint.Path) (CircuitID, error) {
	hops := make([]string, len(path))
	for i, fp := range path {
		hops[i] = string(fp)
	}

	c.log.Debug("building circuit", "path", strings.Join(hops, ","))

	id, err := c.conn.ExtendCircuit("0", hops, "")
	if err != nil {
		return "", errors.CircuitError(fmt.Sprintf("building circuit %s", strings.Join(hops, "->")), err)
	}
	return CircuitID(id), nil
}

// CloseCircuit is idempotent: an unknown circuit id is silently ignored,
// matching stem's get_circuit(default=None) check in the original client.
func (c *Client) CloseCircuit(id CircuitID) error {
	if id == "" {
		return nil
	}
	if err := c.conn.CloseCircuit(string(id), nil); err != nil {
		if isUnknownCircuit(err) {
			return nil
		}
		return errors.Wrap(errors.CategoryCircuit, errors.SeverityLow,
			fmt.Sprintf("closing circuit %s", id), err)
	}
	return nil
}

func isUnknownCircuit(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "unknown circuit")
}

// NetworkStatus queries GETINFO ns/id/<fp> for the relay's current address
// and nickname. Returns ErrUnavailable if the daemon has no descriptor.
func (c *Client) NetworkStatus(fp fingerprint.Fingerprint) (NetworkStatus, error) {
	kvs, err := c.conn.GetInfo(fmt.Sprintf("ns/id/%s", fp))
	if err != nil {
		return NetworkStatus{}, errors.Wrap(errors.CategoryNetwork, errors.SeverityLow,
			fmt.Sprintf("querying network status for %s", fp), err)
	}
	if len(kvs) == 0 || kvs[0].Val == "" {
		return NetworkStatus{}, ErrUnavailable
	}
	return parseNetworkStatus(kvs[0].Val)
}

// parseNetworkStatus extracts address/nickname from a GETINFO ns/id/<fp>
// reply line. The daemon's reply is the same router-status line format as
// a consensus entry ("r <nick> ... <address> <orport> <dirport>").
func parseNetworkStatus(line string) (NetworkStatus, error) {
	fields := strings.Fields(line)
	if len(fields) < 7 || fields[0] != "r" {
		return NetworkStatus{}, ErrUnavailable
	}
	return NetworkStatus{Nickname: fields[1], Address: fields[6]}, nil
}

// MeasuredRelays returns the fingerprints of relays the consensus currently
// marks Valid and Running -- the closest GETINFO-exposed proxy for "this
// relay has a usable, measured bandwidth weight" that the live pair source
// samples from.
func (c *Client) MeasuredRelays() ([]fingerprint.Fingerprint, error) {
	kvs, err := c.conn.GetInfo("ns/all")
	if err != nil {
		return nil, errors.Wrap(errors.CategoryNetwork, errors.SeverityMedium,
			"querying consensus for live relay list", err)
	}
	if len(kvs) == 0 {
		return nil, nil
	}

	lines := strings.Split(kvs[0].Val, "\n")
	var relays []fingerprint.Fingerprint
	for i, line := range lines {
		fields := strings.Fields(line)
		if len(fields) < 3 || fields[0] != "r" {
			continue
		}
		if i+1 >= len(lines) || !strings.HasPrefix(strings.TrimSpace(lines[i+1]), "s ") {
			continue
		}
		flags := lines[i+1]
		if !strings.Contains(flags, "Valid") || !strings.Contains(flags, "Running") {
			continue
		}
		id, err := base64FingerprintToHex(fields[2])
		if err != nil {
			continue
		}
		relays = append(relays, id)
	}
	return relays, nil
}

// base64FingerprintToHex decodes the consensus document's base64,
// unpadded identity digest into the 40-hex-char form used everywhere
// else in this module.
func base64FingerprintToHex(b64 string) (fingerprint.Fingerprint, error) {
	padded := b64
	if m := len(padded) % 4; m != 0 {
		padded += strings.Repeat("=", 4-m)
	}
	raw, err := base64.StdEncoding.DecodeString(padded)
	if err != nil {
		return "", err
	}
	return fingerprint.Parse(fmt.Sprintf("%X", raw))
}

// AddStreamListener subscribes fn to every STREAM event the daemon reports
// and returns a handle for later removal. Mirrors the original client's
// per-circuit closure listener, but as a standalone value instead of a
// nested function so the worker pool can hold one per in-flight attach.
func (c *Client) AddStreamListener(fn StreamEventFunc) (ListenerHandle, error) {
	h := &streamListenerHandle{
		ch:   make(chan bctrl.Event, 16),
		done: make(chan struct{}),
	}
	if err := c.conn.AddEventListener(h.ch, bctrl.EventCodeStream); err != nil {
		return ListenerHandle{}, errors.Wrap(errors.CategoryConnection, errors.SeverityMedium,
			"registering stream listener", err)
	}
	go h.pump(fn)
	return ListenerHandle{listener: h}, nil
}

// RemoveStreamListener unregisters a handle returned by AddStreamListener.
// The unsubscribe happens before the pump stops, so an event already in
// flight is still drained rather than blocking the control connection.
func (c *Client) RemoveStreamListener(h ListenerHandle) {
	if h.listener == nil {
		return
	}
	if err := c.conn.RemoveEventListener(h.listener.ch, bctrl.EventCodeStream); err != nil {
		c.log.Warn("remove stream listener failed", "error", err)
	}
	close(h.listener.done)
}

// AttachStream requests the daemon route an existing NEW/USER stream onto
// circID. "invalid request" (already attached, or the stream is gone) is
// downgraded to a logged warning since the stream either no longer needs
// attaching or no longer exists.
func (c *Client) AttachStream(streamID StreamID, circID CircuitID) {
	if err := c.conn.AttachStream(string(streamID), string(circID), 0); err != nil {
		c.log.Warn("attach stream failed", "stream_id", streamID, "circuit_id", circID, "error", err)
	}
}
