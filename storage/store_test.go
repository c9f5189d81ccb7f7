package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	if opts.DataDir == "" {
		opts.DataDir = t.TempDir()
	}
	if opts.AutoFlushInterval == 0 {
		opts.AutoFlushInterval = time.Hour // keep the background worker quiet
	}
	return New(opts, zap.NewNop())
}

func storeSchemas() []StreamSchema {
	return []StreamSchema{
		{Name: "raw/eeg", Width: 7, DType: Float32},
		{Name: "scores/hr", Width: 1, DType: Int16},
	}
}

func TestStoreSingleSession(t *testing.T) {
	s := newTestStore(t, Options{})

	require.NoError(t, s.OpenSession("s1", storeSchemas()))
	err := s.OpenSession("s2", storeSchemas())
	assert.ErrorIs(t, err, ErrSessionOpen)

	_, err = s.FinalizeSession()
	require.NoError(t, err)

	// A new session may open after finalize.
	require.NoError(t, s.OpenSession("s2", storeSchemas()))
	_, err = s.FinalizeSession()
	require.NoError(t, err)
}

func TestStoreRejectsReservedStreamName(t *testing.T) {
	s := newTestStore(t, Options{})
	err := s.OpenSession("s1", []StreamSchema{{Name: TimestampsStream, Width: 1, DType: Float64}})
	assert.Error(t, err)
}

func TestStoreAppendValidation(t *testing.T) {
	s := newTestStore(t, Options{})

	err := s.Append("raw/eeg", time.Now(), make([]float64, 7))
	assert.ErrorIs(t, err, ErrNoSession)

	require.NoError(t, s.OpenSession("s1", storeSchemas()))
	defer s.FinalizeSession()

	err = s.Append("raw/unknown", time.Now(), []float64{1})
	assert.ErrorIs(t, err, ErrUnknownStream)

	err = s.Append("raw/eeg", time.Now(), []float64{1, 2, 3})
	assert.ErrorIs(t, err, ErrShapeMismatch)

	err = s.Append(TimestampsStream, time.Now(), []float64{1})
	assert.Error(t, err)
}

func TestStoreFlushMovesBufferToDisk(t *testing.T) {
	s := newTestStore(t, Options{})
	require.NoError(t, s.OpenSession("s1", storeSchemas()))

	now := time.Now()
	for i := 0; i < 20; i++ {
		require.NoError(t, s.Append("scores/hr", now.Add(time.Duration(i)*time.Millisecond), []float64{60}))
	}

	st := s.Stats()
	assert.Equal(t, 20, st.BufferedSamples)
	assert.Equal(t, int64(0), st.SavedSamples)

	require.NoError(t, s.Flush())

	st = s.Stats()
	assert.Equal(t, 0, st.BufferedSamples)
	assert.Equal(t, int64(20), st.SavedSamples)

	// Flushing an empty buffer is a no-op.
	require.NoError(t, s.Flush())
	assert.Equal(t, int64(20), s.Stats().SavedSamples)

	_, err := s.FinalizeSession()
	require.NoError(t, err)
}

func TestStoreCeilingForcesFlush(t *testing.T) {
	for _, ceiling := range []time.Duration{time.Second, 10 * time.Second, time.Minute} {
		t.Run(ceiling.String(), func(t *testing.T) {
			s := newTestStore(t, Options{BufferCeiling: ceiling})
			require.NoError(t, s.OpenSession("s1", storeSchemas()))
			defer s.FinalizeSession()

			base := time.Unix(1_700_000_000, 0)
			require.NoError(t, s.Append("scores/hr", base, []float64{60}))
			require.NoError(t, s.Append("scores/hr", base.Add(ceiling/2), []float64{61}))
			assert.Equal(t, int64(0), s.Stats().SavedSamples, "below the ceiling nothing is written")

			require.NoError(t, s.Append("scores/hr", base.Add(ceiling), []float64{62}))
			st := s.Stats()
			assert.Equal(t, int64(3), st.SavedSamples, "crossing the ceiling flushes synchronously")
			assert.Equal(t, 0, st.BufferedSamples)
		})
	}
}

func TestStoreFinalizeWritesSummaryAndMetadata(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, Options{DataDir: dir})
	require.NoError(t, s.OpenSession("s1", storeSchemas()))

	base := time.Unix(1_700_000_000, 0)
	var last time.Time
	for i := 0; i < 150; i++ {
		last = base.Add(time.Duration(i) * 10 * time.Millisecond)
		require.NoError(t, s.Append("raw/eeg", last, []float64{1, 2, 3, 4, 5, 6, 7}))
	}
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Append("scores/hr", base.Add(time.Duration(i)*100*time.Millisecond), []float64{70}))
	}

	sum, err := s.FinalizeSession()
	require.NoError(t, err)
	require.NotNil(t, sum)

	assert.Equal(t, "s1", sum.SessionID)
	assert.Equal(t, int64(160), sum.TotalSamples)
	assert.Equal(t, int64(150), sum.SampleCounts["raw/eeg"])
	assert.Equal(t, int64(10), sum.SampleCounts["scores/hr"])
	assert.Equal(t, int64(160), sum.SampleCounts[TimestampsStream])
	assert.Positive(t, sum.FileSizeBytes)
	assert.Equal(t, filepath.Join(dir, "s1"), sum.DataPath)
	assert.Zero(t, sum.FlushErrors)

	// session_info.json round-trips to the same summary.
	raw, err := os.ReadFile(filepath.Join(dir, "s1", SessionInfoFile))
	require.NoError(t, err)
	var onDisk Summary
	require.NoError(t, json.Unmarshal(raw, &onDisk))
	assert.Equal(t, sum.SessionID, onDisk.SessionID)
	assert.Equal(t, sum.TotalSamples, onDisk.TotalSamples)

	// Data survives with exact timestamps.
	r, err := OpenReader(filepath.Join(dir, "s1", ContainerDirName))
	require.NoError(t, err)
	stamps, values, err := r.ReadAll("raw/eeg")
	require.NoError(t, err)
	require.Len(t, values, 150)
	assert.Equal(t, float64(last.UnixNano())/1e9, stamps[len(stamps)-1])

	// Further appends and finalizes are rejected.
	assert.ErrorIs(t, s.Append("raw/eeg", time.Now(), make([]float64, 7)), ErrNoSession)
	_, err = s.FinalizeSession()
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestStatsAndAppendDoNotWaitOnFlushIO(t *testing.T) {
	s := newTestStore(t, Options{})
	require.NoError(t, s.OpenSession("s1", storeSchemas()))
	require.NoError(t, s.Append("scores/hr", time.Now(), []float64{60}))
	require.NoError(t, s.Flush())

	// Hold the write lock, standing in for a flush stuck in a slow disk
	// write. Producers and status readers must not queue up behind it.
	s.writeMu.Lock()

	statsDone := make(chan Stats, 1)
	go func() { statsDone <- s.Stats() }()
	select {
	case st := <-statsDone:
		assert.Equal(t, int64(1), st.SavedSamples)
	case <-time.After(time.Second):
		t.Fatal("Stats blocked behind the flush write lock")
	}

	appendDone := make(chan error, 1)
	go func() { appendDone <- s.Append("scores/hr", time.Now(), []float64{61}) }()
	select {
	case err := <-appendDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Append blocked behind the flush write lock")
	}

	s.writeMu.Unlock()
	_, err := s.FinalizeSession()
	require.NoError(t, err)
}

func TestStoreConcurrentAppendAndFlush(t *testing.T) {
	s := newTestStore(t, Options{})
	require.NoError(t, s.OpenSession("s1", storeSchemas()))

	const (
		writers   = 4
		perWriter = 250
	)
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			base := time.Unix(1_700_000_000, int64(w))
			for i := 0; i < perWriter; i++ {
				_ = s.Append("scores/hr", base.Add(time.Duration(i)*time.Millisecond), []float64{60})
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			_ = s.Flush()
			time.Sleep(time.Millisecond)
		}
	}()
	wg.Wait()

	sum, err := s.FinalizeSession()
	require.NoError(t, err)
	assert.Equal(t, int64(writers*perWriter), sum.SampleCounts["scores/hr"])
	assert.Equal(t, int64(writers*perWriter), sum.SampleCounts[TimestampsStream])
}
