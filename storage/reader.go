package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

// Reader provides read-only access to a finalized (or in-progress) container.
// It never modifies files: a corrupt tail is skipped logically by reading
// only the shorter of the value/timestamp arrays.
type Reader struct {
	dir     string
	streams []StreamSchema
	byName  map[string]StreamSchema
}

// OpenReader opens a container directory read-only.
func OpenReader(dir string) (*Reader, error) {
	m, err := readManifest(dir)
	if err != nil {
		return nil, err
	}
	r := &Reader{dir: dir, streams: m.Streams, byName: make(map[string]StreamSchema, len(m.Streams))}
	for _, sc := range m.Streams {
		r.byName[sc.Name] = sc
	}
	return r, nil
}

// Streams returns the declared schemas in declaration order.
func (r *Reader) Streams() []StreamSchema { return r.streams }

// Len returns the number of complete samples for a stream.
func (r *Reader) Len(name string) (int64, error) {
	sc, ok := r.byName[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownStream, name)
	}
	base := filepath.Join(r.dir, filepath.FromSlash(name))
	vn, err := fileRecords(base+".dat", int64(sc.Width*sc.DType.Size()))
	if err != nil {
		return 0, err
	}
	tn, err := fileRecords(base+".ts", stampSize)
	if err != nil {
		return 0, err
	}
	if tn < vn {
		vn = tn
	}
	return vn, nil
}

// ReadAll returns every complete (timestamp, value) pair for a stream in
// append order. Timestamps are float64 unix seconds, exactly as written.
func (r *Reader) ReadAll(name string) (stamps []float64, values [][]float64, err error) {
	sc, ok := r.byName[name]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownStream, name)
	}
	n, err := r.Len(name)
	if err != nil {
		return nil, nil, err
	}

	base := filepath.Join(r.dir, filepath.FromSlash(name))
	recSize := sc.Width * sc.DType.Size()

	vraw, err := os.ReadFile(base + ".dat")
	if err != nil {
		return nil, nil, fmt.Errorf("read values for %q: %w", name, err)
	}
	traw, err := os.ReadFile(base + ".ts")
	if err != nil {
		return nil, nil, fmt.Errorf("read timestamps for %q: %w", name, err)
	}

	values = make([][]float64, n)
	stamps = make([]float64, n)
	elem := sc.DType.Size()
	for i := int64(0); i < n; i++ {
		sample := make([]float64, sc.Width)
		off := int(i) * recSize
		for j := 0; j < sc.Width; j++ {
			sample[j] = decodeValue(vraw[off+j*elem:], sc.DType)
		}
		values[i] = sample
		stamps[i] = decodeValue(traw[int(i)*stampSize:], Float64)
	}
	return stamps, values, nil
}

func fileRecords(path string, recSize int64) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	return info.Size() / recSize, nil
}
