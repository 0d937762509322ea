// Package dialer opens TCP connections through the overlay daemon's SOCKS5
// port, the same proxy path the measured streams themselves ride.
package dialer

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/proxy"

	"github.com/opd-ai/go-ting/pkg/errors"
)

// Options configures the SOCKS5 proxy endpoint and connect timeout.
type Options struct {
	SocksHost string
	SocksPort int
	Timeout   time.Duration
}

// DefaultOptions returns the default local SOCKS endpoint.
func DefaultOptions() Options {
	return Options{
		SocksHost: "127.0.0.1",
		SocksPort: 9050,
		Timeout:   30 * time.Second,
	}
}

// Dialer dials destinations through a local SOCKS5 proxy.
type Dialer struct {
	proxy proxy.Dialer
	opts  Options
}

// New constructs a Dialer for the given proxy options.
func New(opts Options) (*Dialer, error) {
	addr := net.JoinHostPort(opts.SocksHost, fmt.Sprintf("%d", opts.SocksPort))
	d, err := proxy.SOCKS5("tcp", addr, nil, proxy.Direct)
	if err != nil {
		return nil, errors.Wrap(errors.CategoryNetwork, errors.SeverityCritical,
			fmt.Sprintf("constructing SOCKS5 dialer for %s", addr), err)
	}
	return &Dialer{proxy: d, opts: opts}, nil
}

// Dial connects to host:port through the proxy, applying the configured
// timeout as a deadline on the returned connection. No retry here: the
// engine's call site is responsible for retry policy.
func (d *Dialer) Dial(ctx context.Context, host string, port int) (net.Conn, error) {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))

	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := d.proxy.Dial("tcp", addr)
		ch <- result{conn, err}
	}()

	select {
	case <-ctx.Done():
		return nil, errors.NetworkError(fmt.Sprintf("dialing %s via proxy", addr), ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return nil, errors.NetworkError(fmt.Sprintf("dialing %s via proxy", addr), r.err)
		}
		if d.opts.Timeout > 0 {
			if err := r.conn.SetDeadline(time.Now().Add(d.opts.Timeout)); err != nil {
				r.conn.Close()
				return nil, errors.Wrap(errors.CategoryNetwork, errors.SeverityLow,
					"setting connection deadline", err)
			}
		}
		return r.conn, nil
	}
}
