package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the connection state of a Supervisor.
type State int

const (
	StateDisconnected State = iota
	StateScanning
	StateConnecting
	StateConnected
	StateReconnecting
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateScanning:
		return "scanning"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Options configures connection and reconnection behavior.
type Options struct {
	ConnectTimeout    time.Duration
	ReconnectAttempts int
	ReconnectDelay    time.Duration // base backoff delay, doubled per attempt
	MaxReconnectDelay time.Duration // backoff cap
	HealthInterval    time.Duration // how often the link is health-checked
	TeardownTimeout   time.Duration // how long Disconnect waits for the watcher
}

func (o *Options) withDefaults() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 30 * time.Second
	}
	if o.ReconnectAttempts <= 0 {
		o.ReconnectAttempts = 3
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = time.Second
	}
	if o.MaxReconnectDelay <= 0 {
		o.MaxReconnectDelay = 30 * time.Second
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = time.Second
	}
	if o.TeardownTimeout <= 0 {
		o.TeardownTimeout = 2 * time.Second
	}
}

// StatusInfo is a point-in-time snapshot of the supervisor for status
// reporting. Plain values only; safe to hand to any presentation layer.
type StatusInfo struct {
	State            State         `json:"state"`
	DeviceID         string        `json:"device_id,omitempty"`
	ConnectedFor     time.Duration `json:"connected_for,omitempty"`
	ReconnectAttempt int           `json:"reconnect_attempt,omitempty"`
	LastError        string        `json:"last_error,omitempty"`
}

// Supervisor owns the lifecycle of one device connection. All state
// transitions happen under a mutex held only for field access, so Status
// never blocks on an in-flight connection attempt.
type Supervisor struct {
	dialer  Dialer
	scanner Scanner
	opts    Options
	log     *zap.Logger

	mu          sync.Mutex
	state       State
	handle      Streamer
	lastErr     error
	deviceID    string
	productKey  string
	connectedAt time.Time
	attempt     int

	cancelWatch context.CancelFunc
	watchDone   chan struct{}
}

// NewSupervisor creates a supervisor. scanner may be nil if discovery is not
// needed.
func NewSupervisor(dialer Dialer, scanner Scanner, opts Options, log *zap.Logger) *Supervisor {
	opts.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Supervisor{
		dialer:  dialer,
		scanner: scanner,
		opts:    opts,
		log:     log,
		state:   StateDisconnected,
	}
}

// Connect establishes a connection to the given device. It blocks for at most
// the configured connect timeout. On success a health watcher is started that
// detects drops and drives the bounded reconnection policy in the background.
func (s *Supervisor) Connect(ctx context.Context, deviceID, productKey string) (Streamer, error) {
	s.mu.Lock()
	switch s.state {
	case StateConnected:
		h := s.handle
		s.mu.Unlock()
		return h, nil
	case StateConnecting, StateReconnecting:
		s.mu.Unlock()
		return nil, fmt.Errorf("connect %s: attempt already in progress", deviceID)
	}
	s.state = StateConnecting
	s.deviceID = deviceID
	s.productKey = productKey
	s.lastErr = nil
	s.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()

	h, err := s.dialer.Dial(dialCtx, deviceID, productKey)
	if err != nil {
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s: %v", ErrConnectTimeout, s.opts.ConnectTimeout, err)
		}
		s.mu.Lock()
		// A concurrent Disconnect may have moved us out of Connecting; its
		// state wins over a stale failure.
		if s.state == StateConnecting {
			s.state = StateError
			s.lastErr = err
		}
		s.mu.Unlock()
		s.log.Error("connection failed", zap.String("device", deviceID), zap.Error(err))
		return nil, err
	}

	watchCtx, cancelWatch := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	if s.state != StateConnecting {
		// Disconnect ran while the dial was in flight; do not resurrect the
		// connection it tore down.
		st := s.state
		s.mu.Unlock()
		cancelWatch()
		if cerr := h.Close(); cerr != nil {
			s.log.Warn("error closing streamer", zap.Error(cerr))
		}
		return nil, fmt.Errorf("connect %s: aborted, state is %s", deviceID, st)
	}
	s.handle = h
	s.state = StateConnected
	s.connectedAt = time.Now()
	s.attempt = 0
	s.cancelWatch = cancelWatch
	s.watchDone = done
	s.mu.Unlock()

	s.log.Info("device connected", zap.String("device", deviceID))
	go s.watch(watchCtx, done)
	return h, nil
}

// Disconnect cancels any in-flight reconnection attempt, stops the health
// watcher and closes the handle. Valid from any state.
func (s *Supervisor) Disconnect() {
	s.mu.Lock()
	cancel := s.cancelWatch
	done := s.watchDone
	s.cancelWatch = nil
	s.watchDone = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(s.opts.TeardownTimeout):
			s.log.Warn("health watcher did not stop in time, proceeding with teardown")
		}
	}

	s.mu.Lock()
	h := s.handle
	s.handle = nil
	s.state = StateDisconnected
	s.attempt = 0
	s.mu.Unlock()

	if h != nil {
		if err := h.Close(); err != nil {
			s.log.Warn("error closing streamer", zap.Error(err))
		}
	}
	s.log.Info("device disconnected")
}

// Status returns the current connection state without blocking.
func (s *Supervisor) Status() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CurrentHandle returns the live streamer, or nil when not connected.
func (s *Supervisor) CurrentHandle() Streamer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected {
		return nil
	}
	return s.handle
}

// LastError returns the most recent connection failure cause, if any.
func (s *Supervisor) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// StatusInfo returns a snapshot for status reporting.
func (s *Supervisor) StatusInfo() StatusInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := StatusInfo{
		State:            s.state,
		DeviceID:         s.deviceID,
		ReconnectAttempt: s.attempt,
	}
	if s.state == StateConnected {
		info.ConnectedFor = time.Since(s.connectedAt)
	}
	if s.lastErr != nil {
		info.LastError = s.lastErr.Error()
	}
	return info
}

// Scan discovers nearby bands. Only valid while disconnected.
func (s *Supervisor) Scan(ctx context.Context) ([]DiscoveredDevice, error) {
	if s.scanner == nil {
		return nil, fmt.Errorf("scan: no scanner configured")
	}
	s.mu.Lock()
	if s.state != StateDisconnected && s.state != StateError {
		st := s.state
		s.mu.Unlock()
		return nil, fmt.Errorf("scan: invalid state %s", st)
	}
	prev := s.state
	s.state = StateScanning
	s.mu.Unlock()

	devices, err := s.scanner.Scan(ctx)

	s.mu.Lock()
	// Only restore if nothing else transitioned us meanwhile.
	if s.state == StateScanning {
		s.state = prev
	}
	s.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	return devices, nil
}

// watch health-checks the link while connected. On a miss it transitions to
// Reconnecting and runs the bounded backoff policy; exhaustion lands in
// StateError and the watcher exits.
func (s *Supervisor) watch(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.opts.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		h := s.handle
		st := s.state
		deviceID := s.deviceID
		s.mu.Unlock()

		if st != StateConnected || h == nil {
			return
		}
		if h.Healthy() {
			continue
		}

		s.log.Warn("heartbeat miss, link considered dropped", zap.String("device", deviceID))
		if err := h.Close(); err != nil {
			s.log.Debug("closing dropped handle", zap.Error(err))
		}

		s.mu.Lock()
		s.handle = nil
		s.state = StateReconnecting
		s.lastErr = ErrConnectionDropped
		s.mu.Unlock()

		if !s.reconnect(ctx) {
			return
		}
	}
}

// reconnect retries the connection with exponential backoff. Returns true if
// the link was re-established, false on cancellation or exhaustion.
func (s *Supervisor) reconnect(ctx context.Context) bool {
	s.mu.Lock()
	deviceID := s.deviceID
	productKey := s.productKey
	s.mu.Unlock()

	lastErr := error(ErrConnectionDropped)
	for attempt := 1; attempt <= s.opts.ReconnectAttempts; attempt++ {
		delay := backoffDelay(s.opts.ReconnectDelay, s.opts.MaxReconnectDelay, attempt)

		s.mu.Lock()
		s.attempt = attempt
		s.mu.Unlock()

		s.log.Info("reconnect attempt",
			zap.String("device", deviceID),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", s.opts.ReconnectAttempts),
			zap.Duration("backoff", delay))

		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		dialCtx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
		h, err := s.dialer.Dial(dialCtx, deviceID, productKey)
		cancel()

		if err == nil {
			s.mu.Lock()
			s.handle = h
			s.state = StateConnected
			s.connectedAt = time.Now()
			s.attempt = 0
			s.lastErr = nil
			s.mu.Unlock()
			s.log.Info("reconnected", zap.String("device", deviceID), zap.Int("attempt", attempt))
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		lastErr = err
		s.log.Warn("reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
	}

	exhausted := fmt.Errorf("%w after %d attempts: %v", ErrAttemptsExhausted, s.opts.ReconnectAttempts, lastErr)
	s.mu.Lock()
	s.state = StateError
	s.lastErr = exhausted
	s.mu.Unlock()
	s.log.Error("reconnection exhausted", zap.String("device", deviceID), zap.Error(exhausted))
	return false
}

// backoffDelay returns the delay before the given 1-based attempt: the base
// delay doubled per attempt, capped at max.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
