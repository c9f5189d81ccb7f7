package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchemas() []StreamSchema {
	return []StreamSchema{
		{Name: "raw/eeg", Width: 7, DType: Float32},
		{Name: "scores/posture", Width: 1, DType: Int8},
		{Name: "scores/hr", Width: 1, DType: Int16},
		{Name: "timestamps", Width: 1, DType: Float64},
	}
}

func TestContainerRoundTrip(t *testing.T) {
	dir := t.TempDir()

	c, err := CreateContainer(dir, "s1", testSchemas())
	require.NoError(t, err)

	stamps := []float64{1000.25, 1000.5, 1000.75}
	values := [][]float64{
		{1, 2, 3, 4, 5, 6, 7},
		{7, 6, 5, 4, 3, 2, 1},
		{0.5, 0.5, 0.5, 0.5, 0.5, 0.5, 0.5},
	}
	require.NoError(t, c.AppendBatch("raw/eeg", stamps, values))
	require.NoError(t, c.AppendBatch("scores/posture", []float64{1000.3}, [][]float64{{2}}))
	require.NoError(t, c.AppendBatch("scores/hr", []float64{1000.4}, [][]float64{{72}}))
	require.NoError(t, c.Close())

	r, err := OpenReader(dir)
	require.NoError(t, err)

	gotStamps, gotValues, err := r.ReadAll("raw/eeg")
	require.NoError(t, err)
	assert.Equal(t, stamps, gotStamps)
	assert.Equal(t, values, gotValues)

	_, hr, err := r.ReadAll("scores/hr")
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{72}}, hr)

	_, posture, err := r.ReadAll("scores/posture")
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{2}}, posture)
}

func TestContainerAppendIsIncremental(t *testing.T) {
	dir := t.TempDir()

	c, err := CreateContainer(dir, "s1", testSchemas())
	require.NoError(t, err)

	require.NoError(t, c.AppendBatch("scores/hr", []float64{1}, [][]float64{{60}}))
	sizeAfterFirst, err := os.Stat(filepath.Join(dir, "scores", "hr.dat"))
	require.NoError(t, err)

	require.NoError(t, c.AppendBatch("scores/hr", []float64{2}, [][]float64{{61}}))
	sizeAfterSecond, err := os.Stat(filepath.Join(dir, "scores", "hr.dat"))
	require.NoError(t, err)

	assert.Equal(t, sizeAfterFirst.Size()*2, sizeAfterSecond.Size())
	assert.Equal(t, int64(2), c.Count("scores/hr"))
	require.NoError(t, c.Close())
}

func TestContainerRejectsShapeMismatch(t *testing.T) {
	dir := t.TempDir()

	c, err := CreateContainer(dir, "s1", testSchemas())
	require.NoError(t, err)
	defer c.Close()

	err = c.AppendBatch("raw/eeg", []float64{1}, [][]float64{{1, 2, 3}})
	assert.ErrorIs(t, err, ErrShapeMismatch)

	err = c.AppendBatch("nope", []float64{1}, [][]float64{{1}})
	assert.ErrorIs(t, err, ErrUnknownStream)
}

func TestContainerRejectsExisting(t *testing.T) {
	dir := t.TempDir()

	c, err := CreateContainer(dir, "s1", testSchemas())
	require.NoError(t, err)
	require.NoError(t, c.Close())

	_, err = CreateContainer(dir, "s2", testSchemas())
	assert.Error(t, err)
}

func TestContainerCrashRecovery(t *testing.T) {
	t.Run("values longer than timestamps", func(t *testing.T) {
		dir := t.TempDir()

		c, err := CreateContainer(dir, "s1", testSchemas())
		require.NoError(t, err)
		stamps := []float64{1, 2, 3}
		values := [][]float64{{1, 1, 1, 1, 1, 1, 1}, {2, 2, 2, 2, 2, 2, 2}, {3, 3, 3, 3, 3, 3, 3}}
		require.NoError(t, c.AppendBatch("raw/eeg", stamps, values))
		require.NoError(t, c.Close())

		// A crash between the value write and the timestamp write leaves the
		// timestamp array short. Simulate by truncating it to two records.
		tsPath := filepath.Join(dir, "raw", "eeg.ts")
		require.NoError(t, os.Truncate(tsPath, 2*8))

		reopened, err := OpenContainer(dir)
		require.NoError(t, err)
		assert.Equal(t, int64(2), reopened.Count("raw/eeg"))
		require.NoError(t, reopened.Close())

		r, err := OpenReader(dir)
		require.NoError(t, err)
		gotStamps, gotValues, err := r.ReadAll("raw/eeg")
		require.NoError(t, err)
		assert.Equal(t, stamps[:2], gotStamps)
		assert.Equal(t, values[:2], gotValues)
	})

	t.Run("torn record in values", func(t *testing.T) {
		dir := t.TempDir()

		c, err := CreateContainer(dir, "s1", testSchemas())
		require.NoError(t, err)
		require.NoError(t, c.AppendBatch("scores/hr", []float64{1, 2}, [][]float64{{60}, {61}}))
		require.NoError(t, c.Close())

		// Leave half a record at the tail of the value array.
		datPath := filepath.Join(dir, "scores", "hr.dat")
		info, err := os.Stat(datPath)
		require.NoError(t, err)
		require.NoError(t, os.Truncate(datPath, info.Size()-1))

		reopened, err := OpenContainer(dir)
		require.NoError(t, err)
		assert.Equal(t, int64(1), reopened.Count("scores/hr"))

		// Appending after recovery continues from the recovered tail.
		require.NoError(t, reopened.AppendBatch("scores/hr", []float64{3}, [][]float64{{62}}))
		require.NoError(t, reopened.Close())

		r, err := OpenReader(dir)
		require.NoError(t, err)
		gotStamps, gotValues, err := r.ReadAll("scores/hr")
		require.NoError(t, err)
		assert.Equal(t, []float64{1, 3}, gotStamps)
		assert.Equal(t, [][]float64{{60}, {62}}, gotValues)
	})
}

func TestAppendBatchRollsBackOnTimestampFailure(t *testing.T) {
	dir := t.TempDir()

	c, err := CreateContainer(dir, "s1", testSchemas())
	require.NoError(t, err)
	require.NoError(t, c.AppendBatch("scores/hr", []float64{1}, [][]float64{{60}}))

	// Force the timestamp write to fail after the value write succeeded.
	sf := c.streams["scores/hr"]
	require.NoError(t, sf.stamps.Close())

	err = c.AppendBatch("scores/hr", []float64{2}, [][]float64{{61}})
	require.Error(t, err)
	assert.Equal(t, int64(1), c.Count("scores/hr"))

	// The value array was rolled back to the durable count, so a retried
	// batch cannot leave duplicate records behind a shorter timestamp array.
	info, err := os.Stat(filepath.Join(dir, "scores", "hr.dat"))
	require.NoError(t, err)
	assert.Equal(t, sf.recordSize(), info.Size())
	tsInfo, err := os.Stat(filepath.Join(dir, "scores", "hr.ts"))
	require.NoError(t, err)
	assert.Equal(t, int64(stampSize), tsInfo.Size())
}

func TestDefaultSchemasAreValid(t *testing.T) {
	seen := make(map[string]bool)
	for _, sc := range DefaultSchemas() {
		assert.NoError(t, sc.validate(), sc.Name)
		assert.False(t, seen[sc.Name], "duplicate stream %q", sc.Name)
		assert.NotEqual(t, TimestampsStream, sc.Name)
		seen[sc.Name] = true
	}
}
