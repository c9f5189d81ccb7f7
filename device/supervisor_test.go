package device

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStreamer struct {
	id      string
	healthy atomic.Bool
	closed  atomic.Bool
}

func newFakeStreamer(id string) *fakeStreamer {
	f := &fakeStreamer{id: id}
	f.healthy.Store(true)
	return f
}

func (f *fakeStreamer) LatestRaw() map[string][]float64 { return nil }
func (f *fakeStreamer) LatestScores() map[string]any    { return nil }
func (f *fakeStreamer) Info() Info                      { return Info{DeviceID: f.id} }
func (f *fakeStreamer) Healthy() bool                   { return f.healthy.Load() }
func (f *fakeStreamer) Close() error {
	f.closed.Store(true)
	return nil
}

// fakeDialer scripts dial outcomes: fail(n) decides whether the nth dial
// (1-based) fails.
type fakeDialer struct {
	mu      sync.Mutex
	dials   int
	handles []*fakeStreamer
	fail    func(n int) bool
}

func (d *fakeDialer) Dial(ctx context.Context, deviceID, productKey string) (Streamer, error) {
	d.mu.Lock()
	d.dials++
	n := d.dials
	d.mu.Unlock()

	if d.fail != nil && d.fail(n) {
		return nil, errors.New("dial refused")
	}
	h := newFakeStreamer(deviceID)
	d.mu.Lock()
	d.handles = append(d.handles, h)
	d.mu.Unlock()
	return h, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) handle(i int) *fakeStreamer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handles[i]
}

func fastOptions() Options {
	return Options{
		ConnectTimeout:    time.Second,
		ReconnectAttempts: 3,
		ReconnectDelay:    time.Millisecond,
		MaxReconnectDelay: 4 * time.Millisecond,
		HealthInterval:    5 * time.Millisecond,
		TeardownTimeout:   time.Second,
	}
}

func TestConnectAndDisconnect(t *testing.T) {
	d := &fakeDialer{}
	s := NewSupervisor(d, nil, fastOptions(), nil)

	h, err := s.Connect(context.Background(), "FRENZ-1", "key")
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, StateConnected, s.Status())
	assert.Equal(t, "FRENZ-1", h.Info().DeviceID)

	// Connect while connected returns the existing handle.
	h2, err := s.Connect(context.Background(), "FRENZ-1", "key")
	require.NoError(t, err)
	assert.Same(t, h, h2)
	assert.Equal(t, 1, d.dialCount())

	s.Disconnect()
	assert.Equal(t, StateDisconnected, s.Status())
	assert.Nil(t, s.CurrentHandle())
	assert.True(t, d.handle(0).closed.Load())
}

func TestConnectFailure(t *testing.T) {
	d := &fakeDialer{fail: func(int) bool { return true }}
	s := NewSupervisor(d, nil, fastOptions(), nil)

	_, err := s.Connect(context.Background(), "FRENZ-1", "key")
	require.Error(t, err)
	assert.Equal(t, StateError, s.Status())
	assert.Error(t, s.LastError())
}

func TestHealthDropTriggersReconnect(t *testing.T) {
	d := &fakeDialer{}
	s := NewSupervisor(d, nil, fastOptions(), nil)

	_, err := s.Connect(context.Background(), "FRENZ-1", "key")
	require.NoError(t, err)

	d.handle(0).healthy.Store(false)

	require.Eventually(t, func() bool {
		return s.Status() == StateConnected && d.dialCount() == 2
	}, time.Second, time.Millisecond, "link should be re-established on a fresh dial")

	assert.True(t, d.handle(0).closed.Load(), "dropped handle must be closed")
	assert.NotNil(t, s.CurrentHandle())
	assert.Equal(t, 0, s.StatusInfo().ReconnectAttempt)

	s.Disconnect()
}

func TestReconnectExhaustion(t *testing.T) {
	// First dial succeeds, every retry fails.
	d := &fakeDialer{fail: func(n int) bool { return n > 1 }}
	opts := fastOptions()
	opts.ReconnectAttempts = 2
	s := NewSupervisor(d, nil, opts, nil)

	_, err := s.Connect(context.Background(), "FRENZ-1", "key")
	require.NoError(t, err)

	d.handle(0).healthy.Store(false)

	require.Eventually(t, func() bool {
		return s.Status() == StateError
	}, time.Second, time.Millisecond)

	assert.Equal(t, 1+opts.ReconnectAttempts, d.dialCount(), "one dial per attempt, then give up")
	assert.ErrorIs(t, s.LastError(), ErrAttemptsExhausted)
	assert.Nil(t, s.CurrentHandle())

	// No further dials once exhausted.
	dials := d.dialCount()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, dials, d.dialCount())

	s.Disconnect()
	assert.Equal(t, StateDisconnected, s.Status())
}

func TestDisconnectDuringReconnect(t *testing.T) {
	d := &fakeDialer{fail: func(n int) bool { return n > 1 }}
	opts := fastOptions()
	opts.ReconnectDelay = time.Minute // park the retry loop in its backoff wait
	opts.MaxReconnectDelay = time.Minute
	s := NewSupervisor(d, nil, opts, nil)

	_, err := s.Connect(context.Background(), "FRENZ-1", "key")
	require.NoError(t, err)

	d.handle(0).healthy.Store(false)
	require.Eventually(t, func() bool {
		return s.Status() == StateReconnecting
	}, time.Second, time.Millisecond)

	start := time.Now()
	s.Disconnect()
	assert.Less(t, time.Since(start), opts.ReconnectDelay, "disconnect must not wait out the backoff")
	assert.Equal(t, StateDisconnected, s.Status())

	// The parked attempt was cancelled before dialing.
	assert.Equal(t, 1, d.dialCount())
}

// gatedDialer parks every dial until released, so tests can interleave other
// calls with an in-flight connection attempt.
type gatedDialer struct {
	started chan struct{}
	release chan struct{}

	mu      sync.Mutex
	handles []*fakeStreamer
}

func newGatedDialer() *gatedDialer {
	return &gatedDialer{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
}

func (d *gatedDialer) Dial(ctx context.Context, deviceID, productKey string) (Streamer, error) {
	d.started <- struct{}{}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.release:
	}
	h := newFakeStreamer(deviceID)
	d.mu.Lock()
	d.handles = append(d.handles, h)
	d.mu.Unlock()
	return h, nil
}

func TestDisconnectDuringConnectAbortsDial(t *testing.T) {
	d := newGatedDialer()
	s := NewSupervisor(d, nil, fastOptions(), nil)

	connectErr := make(chan error, 1)
	go func() {
		_, err := s.Connect(context.Background(), "FRENZ-1", "key")
		connectErr <- err
	}()

	<-d.started
	s.Disconnect()
	close(d.release)

	err := <-connectErr
	require.Error(t, err)
	assert.Equal(t, StateDisconnected, s.Status(), "a late dial must not resurrect the connection")
	assert.Nil(t, s.CurrentHandle())

	// The orphaned handle from the completed dial was closed.
	d.mu.Lock()
	require.Len(t, d.handles, 1)
	closed := d.handles[0].closed.Load()
	d.mu.Unlock()
	assert.True(t, closed)
}

func TestScan(t *testing.T) {
	sim := &SimDialer{}
	s := NewSupervisor(sim, sim, fastOptions(), nil)

	devices, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, devices)
	assert.Equal(t, StateDisconnected, s.Status())
}

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		base, max time.Duration
		want      []time.Duration
	}{
		{
			base: time.Second, max: 30 * time.Second,
			want: []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second},
		},
		{
			base: 2 * time.Second, max: 5 * time.Second,
			want: []time.Duration{2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second},
		},
	}
	for _, tt := range tests {
		for i, want := range tt.want {
			got := backoffDelay(tt.base, tt.max, i+1)
			assert.Equal(t, want, got, "base=%s max=%s attempt=%d", tt.base, tt.max, i+1)
		}
	}
}
