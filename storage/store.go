package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ContainerDirName is the container directory inside a session directory.
const ContainerDirName = "session_data"

// SessionInfoFile is the metadata file written at finalize.
const SessionInfoFile = "session_info.json"

// Options configures a Store.
type Options struct {
	DataDir string

	// BufferCeiling is the maximum unflushed duration (measured over sample
	// timestamps) tolerated before an append forces a synchronous flush.
	BufferCeiling time.Duration

	// AutoFlushInterval is the period of the background flush worker.
	AutoFlushInterval time.Duration

	// FinalizeTimeout bounds how long FinalizeSession waits for the
	// auto-flush worker to join before proceeding with teardown.
	FinalizeTimeout time.Duration
}

func (o *Options) withDefaults() {
	if o.DataDir == "" {
		o.DataDir = "./data"
	}
	if o.BufferCeiling <= 0 {
		o.BufferCeiling = 5 * time.Minute
	}
	if o.AutoFlushInterval <= 0 {
		o.AutoFlushInterval = 5 * time.Minute
	}
	if o.FinalizeTimeout <= 0 {
		o.FinalizeTimeout = 5 * time.Second
	}
}

// Store buffers timestamped samples per named stream and persists them to a
// session container. One session may be open at a time. Appends go to an
// in-memory buffer under a store-wide mutex; flushes snapshot the buffer
// under that mutex, then write to disk outside it, so producers are never
// blocked for the duration of disk I/O.
type Store struct {
	opts Options
	log  *zap.Logger

	mu   sync.Mutex // guards sess and its buffers
	sess *session

	writeMu sync.Mutex // serializes container writes, preserving append order
}

type session struct {
	id        string
	dir       string
	start     time.Time
	container *Container
	schemas   map[string]StreamSchema
	order     []string
	buffers   map[string]*streamBuffer
	saved     map[string]int64 // durable counts, mirrored from the container under mu

	finalizing bool
	cancel     context.CancelFunc
	done       chan struct{}
	flushWG    sync.WaitGroup

	flushErrs    int
	lastFlushErr string
	lastFlush    time.Time
}

type streamBuffer struct {
	stamps []float64
	values [][]float64
}

// Summary describes a finalized session.
type Summary struct {
	SessionID       string           `json:"session_id"`
	StartTime       time.Time        `json:"start_time"`
	EndTime         time.Time        `json:"end_time"`
	DurationSeconds float64          `json:"duration_seconds"`
	TotalSamples    int64            `json:"total_samples"`
	SampleCounts    map[string]int64 `json:"sample_counts"`
	FileSizeBytes   int64            `json:"file_size_bytes"`
	DataPath        string           `json:"data_path"`
	FlushErrors     int              `json:"flush_errors,omitempty"`
}

// Stats is a point-in-time view of the open session.
type Stats struct {
	Open            bool             `json:"open"`
	SessionID       string           `json:"session_id,omitempty"`
	StartTime       time.Time        `json:"start_time,omitempty"`
	Duration        time.Duration    `json:"duration,omitempty"`
	SavedSamples    int64            `json:"saved_samples"`
	BufferedSamples int              `json:"buffered_samples"`
	SavedPerStream  map[string]int64 `json:"saved_per_stream,omitempty"`
	FlushErrors     int              `json:"flush_errors"`
	LastFlushError  string           `json:"last_flush_error,omitempty"`
	LastFlush       time.Time        `json:"last_flush,omitempty"`
}

// New creates a Store.
func New(opts Options, log *zap.Logger) *Store {
	opts.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{opts: opts, log: log}
}

// OpenSession creates the on-disk container for a new session and registers
// every stream up front. The implicit top-level timestamps array is added
// automatically. A background auto-flush worker runs until finalize.
func (s *Store) OpenSession(sessionID string, schemas []StreamSchema) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sess != nil {
		return fmt.Errorf("open session %q: %w", sessionID, ErrSessionOpen)
	}

	all := make([]StreamSchema, 0, len(schemas)+1)
	for _, sc := range schemas {
		if sc.Name == TimestampsStream {
			return fmt.Errorf("open session %q: stream name %q is reserved", sessionID, TimestampsStream)
		}
		all = append(all, sc)
	}
	all = append(all, StreamSchema{Name: TimestampsStream, Width: 1, DType: Float64})

	dir := filepath.Join(s.opts.DataDir, sessionID)
	container, err := CreateContainer(filepath.Join(dir, ContainerDirName), sessionID, all)
	if err != nil {
		return fmt.Errorf("open session %q: %w", sessionID, err)
	}

	sess := &session{
		id:        sessionID,
		dir:       dir,
		start:     time.Now(),
		container: container,
		schemas:   make(map[string]StreamSchema, len(all)),
		buffers:   make(map[string]*streamBuffer, len(all)),
		saved:     make(map[string]int64, len(all)),
		done:      make(chan struct{}),
		lastFlush: time.Now(),
	}
	for _, sc := range all {
		sess.schemas[sc.Name] = sc
		sess.buffers[sc.Name] = &streamBuffer{}
		sess.saved[sc.Name] = 0
		sess.order = append(sess.order, sc.Name)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sess.cancel = cancel
	s.sess = sess
	go s.autoFlushLoop(ctx, sess)

	s.log.Info("session opened",
		zap.String("session", sessionID),
		zap.String("dir", dir),
		zap.Int("streams", len(schemas)))
	return nil
}

// SessionDir returns the directory of the open session, or "" when closed.
func (s *Store) SessionDir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess == nil {
		return ""
	}
	return s.sess.dir
}

// Append stages one sample for a stream. The sample becomes durable at the
// next flush. If the unflushed duration exceeds the buffer ceiling, a flush
// runs synchronously before Append returns; a failed forced flush is logged
// and surfaced via Stats, never returned here, so one disk stall does not
// abort the acquisition loop.
func (s *Store) Append(stream string, ts time.Time, value []float64) error {
	tsSec := unixSeconds(ts)

	s.mu.Lock()
	sess := s.sess
	if sess == nil || sess.finalizing {
		s.mu.Unlock()
		return ErrNoSession
	}
	if stream == TimestampsStream {
		s.mu.Unlock()
		return fmt.Errorf("append: stream %q is reserved", TimestampsStream)
	}
	sc, ok := sess.schemas[stream]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownStream, stream)
	}
	if len(value) != sc.Width {
		s.mu.Unlock()
		return fmt.Errorf("%w: stream %q wants %d values, got %d",
			ErrShapeMismatch, stream, sc.Width, len(value))
	}

	sample := make([]float64, len(value))
	copy(sample, value)
	buf := sess.buffers[stream]
	buf.stamps = append(buf.stamps, tsSec)
	buf.values = append(buf.values, sample)

	clock := sess.buffers[TimestampsStream]
	clock.stamps = append(clock.stamps, tsSec)
	clock.values = append(clock.values, []float64{tsSec})

	force := tsSec-clock.stamps[0] >= s.opts.BufferCeiling.Seconds()
	s.mu.Unlock()

	if force {
		s.log.Info("buffer ceiling reached, forcing flush", zap.String("stream", stream))
		if err := s.flush(sess); err != nil {
			s.log.Error("ceiling-forced flush failed", zap.Error(err))
		}
	}
	return nil
}

// Flush durably appends every buffered sample per stream and clears the
// buffer. Safe to call concurrently with Append.
func (s *Store) Flush() error {
	s.mu.Lock()
	sess := s.sess
	if sess == nil || sess.finalizing {
		s.mu.Unlock()
		return ErrNoSession
	}
	s.mu.Unlock()
	return s.flush(sess)
}

// flush snapshots the buffers under the store lock, releases it, then writes
// the snapshot. On a write error the snapshot is re-queued at the front of
// the buffer so no sample is lost; the error is recorded and returned.
func (s *Store) flush(sess *session) error {
	s.mu.Lock()
	snapshot := make(map[string]*streamBuffer, len(sess.order))
	total := 0
	for _, name := range sess.order {
		buf := sess.buffers[name]
		if len(buf.values) == 0 {
			continue
		}
		snapshot[name] = buf
		sess.buffers[name] = &streamBuffer{}
		total += len(buf.values)
	}
	if total == 0 {
		s.mu.Unlock()
		return nil
	}
	sess.flushWG.Add(1)
	s.mu.Unlock()
	defer sess.flushWG.Done()

	s.writeMu.Lock()
	var writeErr error
	written := 0
	writtenPerStream := make(map[string]int, len(snapshot))
	for _, name := range sess.order {
		buf, ok := snapshot[name]
		if !ok {
			continue
		}
		if err := sess.container.AppendBatch(name, buf.stamps, buf.values); err != nil {
			writeErr = err
			break
		}
		written += len(buf.values)
		writtenPerStream[name] = len(buf.values)
		delete(snapshot, name)
	}
	s.writeMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	for name, n := range writtenPerStream {
		sess.saved[name] += int64(n)
	}
	if writeErr != nil {
		// Put the unwritten streams back, ahead of anything appended since.
		for name, buf := range snapshot {
			cur := sess.buffers[name]
			buf.stamps = append(buf.stamps, cur.stamps...)
			buf.values = append(buf.values, cur.values...)
			sess.buffers[name] = buf
		}
		sess.flushErrs++
		sess.lastFlushErr = writeErr.Error()
		return fmt.Errorf("flush session %q: %w", sess.id, writeErr)
	}
	sess.lastFlush = time.Now()
	s.log.Debug("buffer flushed", zap.String("session", sess.id), zap.Int("samples", written))
	return nil
}

// autoFlushLoop flushes at a fixed interval until the session is finalized.
func (s *Store) autoFlushLoop(ctx context.Context, sess *session) {
	defer close(sess.done)

	ticker := time.NewTicker(s.opts.AutoFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := s.flush(sess); err != nil {
			// Retried on the next tick; also surfaced via Stats.
			s.log.Error("auto-flush failed", zap.String("session", sess.id), zap.Error(err))
		}
	}
}

// FinalizeSession stops the auto-flush worker, flushes remaining samples,
// writes the session metadata file, closes the container and returns a
// summary. Calling it again without a new OpenSession is an error.
func (s *Store) FinalizeSession() (*Summary, error) {
	s.mu.Lock()
	sess := s.sess
	if sess == nil || sess.finalizing {
		s.mu.Unlock()
		return nil, ErrNoSession
	}
	sess.finalizing = true
	s.mu.Unlock()

	sess.cancel()
	select {
	case <-sess.done:
	case <-time.After(s.opts.FinalizeTimeout):
		s.log.Warn("auto-flush worker did not stop in time, proceeding with teardown",
			zap.String("session", sess.id))
	}

	if err := s.flush(sess); err != nil {
		s.log.Error("final flush failed", zap.Error(err))
	}
	sess.flushWG.Wait()

	s.writeMu.Lock()
	end := time.Now()
	counts := sess.container.Counts()
	size := sess.container.SizeBytes()
	closeErr := sess.container.Close()
	s.writeMu.Unlock()

	var total int64
	for name, n := range counts {
		if name != TimestampsStream {
			total += n
		}
	}
	summary := &Summary{
		SessionID:       sess.id,
		StartTime:       sess.start,
		EndTime:         end,
		DurationSeconds: end.Sub(sess.start).Seconds(),
		TotalSamples:    total,
		SampleCounts:    counts,
		FileSizeBytes:   size,
		DataPath:        sess.dir,
		FlushErrors:     sess.flushErrs,
	}
	if err := writeJSONAtomic(filepath.Join(sess.dir, SessionInfoFile), summary); err != nil {
		s.log.Error("writing session metadata failed", zap.Error(err))
	}

	s.mu.Lock()
	s.sess = nil
	s.mu.Unlock()

	s.log.Info("session finalized",
		zap.String("session", sess.id),
		zap.Float64("duration_s", summary.DurationSeconds),
		zap.Int64("samples", total),
		zap.Int64("bytes", size))

	if closeErr != nil {
		return summary, fmt.Errorf("close container: %w", closeErr)
	}
	return summary, nil
}

// Stats returns current session statistics without blocking on flush I/O.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess == nil {
		return Stats{}
	}
	sess := s.sess

	buffered := 0
	for name, buf := range sess.buffers {
		if name != TimestampsStream {
			buffered += len(buf.values)
		}
	}
	// Durable counts come from the mirror kept under mu, not the container,
	// so Stats never waits behind an in-flight flush write.
	perStream := make(map[string]int64, len(sess.saved))
	var saved int64
	for name, n := range sess.saved {
		perStream[name] = n
		if name != TimestampsStream {
			saved += n
		}
	}
	return Stats{
		Open:            true,
		SessionID:       sess.id,
		StartTime:       sess.start,
		Duration:        time.Since(sess.start),
		SavedSamples:    saved,
		BufferedSamples: buffered,
		SavedPerStream:  perStream,
		FlushErrors:     sess.flushErrs,
		LastFlushError:  sess.lastFlushErr,
		LastFlush:       sess.lastFlush,
	}
}

func unixSeconds(ts time.Time) float64 {
	return float64(ts.UnixNano()) / 1e9
}
