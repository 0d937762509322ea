package workerpool

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/go-ting/pkg/cache"
	"github.com/opd-ai/go-ting/pkg/controller"
	"github.com/opd-ai/go-ting/pkg/engine"
	"github.com/opd-ai/go-ting/pkg/fingerprint"
	"github.com/opd-ai/go-ting/pkg/logger"
	"github.com/opd-ai/go-ting/pkg/results"
)

var errStubDial = errors.New("stub dialer: no connection")

type stubDialer struct{}

func (stubDialer) Dial(ctx context.Context, host string, port int) (net.Conn, error) {
	return nil, errStubDial
}

type fakeController struct{}

func (fakeController) BuildCircuit(ctx context.Context, path fingerprint.Path) (controller.CircuitID, error) {
	return controller.CircuitID(path.Key()), nil
}
func (fakeController) CloseCircuit(id controller.CircuitID) error { return nil }
func (fakeController) AddStreamListener(fn controller.StreamEventFunc) (controller.ListenerHandle, error) {
	return controller.ListenerHandle{}, nil
}
func (fakeController) RemoveStreamListener(h controller.ListenerHandle)               {}
func (fakeController) AttachStream(streamID controller.StreamID, circID controller.CircuitID) {}

type sliceSrc struct {
	pairs []fingerprint.Pair
	pos   int
	mu    sync.Mutex
}

func (s *sliceSrc) Next() (fingerprint.Pair, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos >= len(s.pairs) {
		return fingerprint.Pair{}, false
	}
	p := s.pairs[s.pos]
	s.pos++
	return p, true
}

func TestPoolMeasuresEveryPair(t *testing.T) {
	pairs := []fingerprint.Pair{
		{X: "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA", Y: "BBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB"},
		{X: "CCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCC", Y: "DDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDD"},
		{X: "EEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEE", Y: "FFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFF"},
	}
	src := &sliceSrc{pairs: pairs}

	out := make(chan results.Raw, len(pairs))
	attachMu := &sync.Mutex{}
	c := cache.New(cache.DefaultOptions())

	pool := New(2, func(id int) *engine.Engine {
		opts := engine.DefaultOptions()
		opts.W = "WWWWWWWWWWWWWWWWWWWWWWWWWWWWWWWWWWWWWWWW"
		opts.Z = "ZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZ"
		opts.CircBuildAttempts = 1
		opts.MeasurementAttempts = 1
		return engine.New(opts, fakeController{}, stubDialer{}, c, attachMu, logger.NewDefault())
	}, out, logger.NewDefault())

	done := make(chan struct{})
	go func() {
		pool.Run(context.Background(), src)
		close(out)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pool.Run did not finish in time")
	}

	count := 0
	for range out {
		count++
	}
	if count != len(pairs) {
		t.Fatalf("got %d results, want %d", count, len(pairs))
	}
}
