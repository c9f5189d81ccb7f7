// Package collector orchestrates a recording session: it drives the device
// supervisor, polls the live streamer on a fixed interval, maps every sample
// into the persistence store and owns the session lifecycle from start to
// finalize.
package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Zerofisher/bandrec/catalog"
	"github.com/Zerofisher/bandrec/device"
	"github.com/Zerofisher/bandrec/events"
	"github.com/Zerofisher/bandrec/storage"
	"github.com/Zerofisher/bandrec/tracing"
)

var (
	// ErrAlreadyRecording rejects Start while a session is active.
	ErrAlreadyRecording = errors.New("recording already in progress")

	// ErrNotRecording rejects operations that need an active session.
	ErrNotRecording = errors.New("no recording in progress")
)

// DeviceConfigFile is the device snapshot written into each session directory.
const DeviceConfigFile = "device_config.json"

// Options configures a Collector.
type Options struct {
	ProductKey string

	// PollInterval is the acquisition loop period.
	PollInterval time.Duration

	// StopGrace bounds how long Stop waits for the acquisition loop to drain
	// before proceeding with teardown.
	StopGrace time.Duration

	// Schemas declares the recorded streams. Defaults to the full headband
	// schema table.
	Schemas []storage.StreamSchema
}

func (o *Options) withDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 10 * time.Millisecond
	}
	if o.StopGrace <= 0 {
		o.StopGrace = 5 * time.Second
	}
	if o.Schemas == nil {
		o.Schemas = storage.DefaultSchemas()
	}
}

// Stats is a point-in-time view of the collector and its collaborators.
type Stats struct {
	Recording        bool              `json:"recording"`
	SessionID        string            `json:"session_id,omitempty"`
	Duration         time.Duration     `json:"duration,omitempty"`
	SamplesCollected int64             `json:"samples_collected"`
	ErrorCount       int64             `json:"error_count"`
	CollectionRate   float64           `json:"collection_rate_hz"`
	DataTypesSeen    []string          `json:"data_types_seen,omitempty"`
	LastDataTime     time.Time         `json:"last_data_time,omitempty"`
	EventCount       int               `json:"event_count"`
	Connection       device.StatusInfo `json:"connection"`
	Storage          storage.Stats     `json:"storage"`
}

// Collector ties the supervisor, store, annotator and catalog together. One
// session at a time; Start and Stop bracket it.
type Collector struct {
	opts Options
	sup  *device.Supervisor
	st   *storage.Store
	cat  *catalog.Catalog
	log  *zap.Logger

	mu           sync.Mutex
	recording    bool
	starting     bool
	stopped      bool
	sessionID    string
	sessionStart time.Time
	annotator    *events.Annotator
	cancel       context.CancelFunc
	loopDone     chan struct{}
	finalizeOnce *sync.Once
	finalSummary *storage.Summary
	finalErr     error
	fatalErr     error

	samples   int64
	loopErrs  int64
	lastData  time.Time
	typesSeen map[string]struct{}
}

// New creates a collector. cat may be nil to run without a session catalog.
func New(sup *device.Supervisor, st *storage.Store, cat *catalog.Catalog, opts Options, log *zap.Logger) *Collector {
	opts.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Collector{opts: opts, sup: sup, st: st, cat: cat, log: log}
}

// Start connects to the device, opens a session and launches the acquisition
// loop. The session id is derived from the wall clock so session directories
// sort chronologically.
func (c *Collector) Start(ctx context.Context, deviceID string) error {
	c.mu.Lock()
	if c.recording || c.starting {
		c.mu.Unlock()
		return ErrAlreadyRecording
	}
	c.starting = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.starting = false
		c.mu.Unlock()
	}()

	ctx, span := tracing.StartSpan(ctx, "collector.start")
	defer span.End()

	handle, err := c.sup.Connect(ctx, deviceID, c.opts.ProductKey)
	if err != nil {
		return fmt.Errorf("start recording: %w", err)
	}

	sessionID := time.Now().Format("20060102_150405")
	if err := c.st.OpenSession(sessionID, c.opts.Schemas); err != nil {
		c.sup.Disconnect()
		return fmt.Errorf("start recording: %w", err)
	}
	sessionDir := c.st.SessionDir()
	start := time.Now()

	if err := writeDeviceConfig(sessionDir, handle.Info()); err != nil {
		c.log.Warn("writing device config snapshot failed", zap.Error(err))
	}

	ann, err := events.New(sessionDir, sessionID, start, c.log)
	if err != nil {
		if _, ferr := c.st.FinalizeSession(); ferr != nil {
			c.log.Error("rollback finalize failed", zap.Error(ferr))
		}
		c.sup.Disconnect()
		return fmt.Errorf("start recording: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	c.recording = true
	c.stopped = false
	c.sessionID = sessionID
	c.sessionStart = start
	c.annotator = ann
	c.cancel = cancel
	c.loopDone = done
	c.finalizeOnce = new(sync.Once)
	c.finalSummary = nil
	c.finalErr = nil
	c.fatalErr = nil
	c.samples = 0
	c.loopErrs = 0
	c.lastData = time.Time{}
	c.typesSeen = make(map[string]struct{})
	c.mu.Unlock()

	if _, err := ann.Record("Recording session started", events.CategoryOther); err != nil {
		c.log.Warn("start event not recorded", zap.Error(err))
	}
	c.log.Info("recording started",
		zap.String("session", sessionID),
		zap.String("device", deviceID),
		zap.Duration("poll_interval", c.opts.PollInterval))

	go func() {
		err := c.runLoop(loopCtx)
		close(done)
		if err != nil {
			c.log.Error("acquisition loop stopped", zap.Error(err))
			c.mu.Lock()
			c.fatalErr = err
			c.mu.Unlock()
			c.finalize()
		}
	}()
	return nil
}

// runLoop polls the streamer until the context is cancelled. Reconnecting is
// recoverable: the loop keeps ticking and resumes collection when the
// supervisor restores the link. A terminal supervisor state is fatal and ends
// the session.
func (c *Collector) runLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		switch c.sup.Status() {
		case device.StateConnected:
			if h := c.sup.CurrentHandle(); h != nil {
				c.collect(h)
			}
		case device.StateReconnecting:
			// Supervisor is retrying with bounded backoff; wait it out.
		case device.StateError:
			err := c.sup.LastError()
			if err == nil {
				err = device.ErrConnectionDropped
			}
			return fmt.Errorf("device connection lost: %w", err)
		default:
			// Disconnected mid-run means teardown is already underway.
		}
	}
}

// collect reads the latest raw frames and scores from the streamer and stages
// them in the store. Each sample is isolated: a bad one is counted and skipped
// without disturbing the rest of the tick.
func (c *Collector) collect(h device.Streamer) {
	now := time.Now()

	for key, sample := range h.LatestRaw() {
		name, ok := rawStreams[key]
		if !ok {
			continue
		}
		c.appendSample(name, now, sample)
	}
	for key, v := range h.LatestScores() {
		name, ok := scoreStreams[key]
		if !ok {
			continue
		}
		sample, ok := normalizeScore(key, v)
		if !ok {
			continue
		}
		c.appendSample(name, now, sample)
	}
}

func (c *Collector) appendSample(name string, ts time.Time, value []float64) {
	err := c.st.Append(name, ts, value)
	switch {
	case err == nil:
		c.mu.Lock()
		c.samples++
		c.lastData = ts
		c.typesSeen[name] = struct{}{}
		c.mu.Unlock()
	case errors.Is(err, storage.ErrNoSession):
		// Teardown race; the loop is about to be cancelled.
	default:
		c.mu.Lock()
		c.loopErrs++
		c.mu.Unlock()
		c.log.Warn("sample dropped", zap.String("stream", name), zap.Error(err))
	}
}

// Stop ends the session: drains the acquisition loop, finalizes the store,
// records the session in the catalog and disconnects. If the session already
// ended on a fatal device error, Stop returns that error alongside the
// summary that was written at the time.
func (c *Collector) Stop() (*storage.Summary, error) {
	c.mu.Lock()
	if c.finalizeOnce == nil || c.stopped {
		c.mu.Unlock()
		return nil, ErrNotRecording
	}
	c.stopped = true
	c.mu.Unlock()

	sum, err := c.finalize()

	c.mu.Lock()
	fatal := c.fatalErr
	c.mu.Unlock()
	if err == nil && fatal != nil {
		err = fatal
	}
	return sum, err
}

// finalize runs the teardown sequence exactly once per session and caches the
// outcome for late callers.
func (c *Collector) finalize() (*storage.Summary, error) {
	c.mu.Lock()
	once := c.finalizeOnce
	c.mu.Unlock()
	if once == nil {
		return nil, ErrNotRecording
	}

	once.Do(c.doFinalize)

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finalSummary, c.finalErr
}

func (c *Collector) doFinalize() {
	_, span := tracing.StartSpan(context.Background(), "collector.finalize")
	defer span.End()

	c.mu.Lock()
	cancel := c.cancel
	done := c.loopDone
	ann := c.annotator
	sessionID := c.sessionID
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(c.opts.StopGrace):
			c.log.Warn("acquisition loop did not stop in time, proceeding with teardown",
				zap.String("session", sessionID))
		}
	}

	if ann != nil {
		if _, err := ann.Record("Recording session ended", events.CategoryOther); err != nil {
			c.log.Warn("end event not recorded", zap.Error(err))
		}
	}

	sum, err := c.st.FinalizeSession()
	if sum != nil && c.cat != nil {
		if cerr := c.cat.Record(sum); cerr != nil {
			c.log.Error("catalog update failed", zap.String("session", sessionID), zap.Error(cerr))
		}
	}

	c.sup.Disconnect()

	c.mu.Lock()
	c.recording = false
	c.finalSummary = sum
	c.finalErr = err
	c.mu.Unlock()

	if sum != nil {
		c.log.Info("recording stopped",
			zap.String("session", sessionID),
			zap.Float64("duration_s", sum.DurationSeconds),
			zap.Int64("samples", sum.TotalSamples))
	}
}

// RecordEvent annotates the active session.
func (c *Collector) RecordEvent(description string, category events.Category) (events.Event, error) {
	c.mu.Lock()
	ann := c.annotator
	recording := c.recording
	c.mu.Unlock()

	if !recording || ann == nil {
		return events.Event{}, ErrNotRecording
	}
	return ann.Record(description, category)
}

// Recording reports whether a session is active.
func (c *Collector) Recording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recording
}

// Stats returns a snapshot across the collector, supervisor and store.
func (c *Collector) Stats() Stats {
	c.mu.Lock()
	st := Stats{
		Recording:        c.recording,
		SessionID:        c.sessionID,
		SamplesCollected: c.samples,
		ErrorCount:       c.loopErrs,
		LastDataTime:     c.lastData,
	}
	if c.recording {
		st.Duration = time.Since(c.sessionStart)
	}
	for name := range c.typesSeen {
		st.DataTypesSeen = append(st.DataTypesSeen, name)
	}
	ann := c.annotator
	c.mu.Unlock()

	sort.Strings(st.DataTypesSeen)
	if st.Duration > 0 {
		st.CollectionRate = float64(st.SamplesCollected) / st.Duration.Seconds()
	}
	if ann != nil {
		st.EventCount = ann.Count()
	}
	st.Connection = c.sup.StatusInfo()
	st.Storage = c.st.Stats()
	return st
}

// writeDeviceConfig snapshots the device identity and calibration into the
// session directory so recordings stay interpretable after the fact.
func writeDeviceConfig(sessionDir string, info device.Info) error {
	doc := struct {
		device.Info
		CapturedAt time.Time `json:"captured_at"`
	}{Info: info, CapturedAt: time.Now()}

	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(sessionDir, DeviceConfigFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
