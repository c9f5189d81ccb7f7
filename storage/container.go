package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"
)

// Container is the on-disk session data layout: a directory holding a
// manifest plus, per stream, two append-only fixed-record binary files: the
// value array (<name>.dat) and the parallel timestamp array (<name>.ts).
// Appends only ever extend files, so incremental extension never rewrites
// existing data. A crash between writing values and timestamps leaves one
// array longer than the other; Open treats the excess as a corrupt tail and
// truncates both arrays to the shorter whole-record length.
type Container struct {
	dir     string
	order   []string
	streams map[string]*streamFiles
}

type streamFiles struct {
	schema StreamSchema
	values *os.File
	stamps *os.File
	count  int64
}

const (
	manifestName     = "manifest.json"
	containerVersion = 1
	stampSize        = 8 // float64 unix seconds
)

type manifest struct {
	Version   int            `json:"version"`
	SessionID string         `json:"session_id"`
	CreatedAt time.Time      `json:"created_at"`
	Streams   []StreamSchema `json:"streams"`
}

// CreateContainer creates a new container directory and declares every
// stream up front. The directory must not already hold a container.
func CreateContainer(dir, sessionID string, schemas []StreamSchema) (*Container, error) {
	seen := make(map[string]bool, len(schemas))
	for _, sc := range schemas {
		if err := sc.validate(); err != nil {
			return nil, err
		}
		if seen[sc.Name] {
			return nil, fmt.Errorf("duplicate stream %q", sc.Name)
		}
		seen[sc.Name] = true
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create container dir: %w", err)
	}
	if _, err := os.Stat(filepath.Join(dir, manifestName)); err == nil {
		return nil, fmt.Errorf("container already exists at %s", dir)
	}

	m := manifest{
		Version:   containerVersion,
		SessionID: sessionID,
		CreatedAt: time.Now(),
		Streams:   schemas,
	}
	if err := writeJSONAtomic(filepath.Join(dir, manifestName), m); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}

	c := &Container{dir: dir, streams: make(map[string]*streamFiles, len(schemas))}
	for _, sc := range schemas {
		sf, err := openStreamFiles(dir, sc)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.streams[sc.Name] = sf
		c.order = append(c.order, sc.Name)
	}
	return c, nil
}

// OpenContainer reopens an existing container for appending, running crash
// recovery first: for every stream the value and timestamp arrays are
// truncated to the shorter whole-record length. No samples are ever
// fabricated to pad the longer array.
func OpenContainer(dir string) (*Container, error) {
	m, err := readManifest(dir)
	if err != nil {
		return nil, err
	}

	c := &Container{dir: dir, streams: make(map[string]*streamFiles, len(m.Streams))}
	for _, sc := range m.Streams {
		sf, err := openStreamFiles(dir, sc)
		if err != nil {
			c.Close()
			return nil, err
		}
		if err := sf.recover(); err != nil {
			c.Close()
			return nil, fmt.Errorf("recover stream %q: %w", sc.Name, err)
		}
		c.streams[sc.Name] = sf
		c.order = append(c.order, sc.Name)
	}
	return c, nil
}

func readManifest(dir string) (*manifest, error) {
	raw, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if m.Version != containerVersion {
		return nil, fmt.Errorf("unsupported container version %d", m.Version)
	}
	return &m, nil
}

func openStreamFiles(dir string, sc StreamSchema) (*streamFiles, error) {
	base := filepath.Join(dir, filepath.FromSlash(sc.Name))
	if err := os.MkdirAll(filepath.Dir(base), 0o755); err != nil {
		return nil, fmt.Errorf("create stream dir for %q: %w", sc.Name, err)
	}
	values, err := os.OpenFile(base+".dat", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open values for %q: %w", sc.Name, err)
	}
	stamps, err := os.OpenFile(base+".ts", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		values.Close()
		return nil, fmt.Errorf("open timestamps for %q: %w", sc.Name, err)
	}
	sf := &streamFiles{schema: sc, values: values, stamps: stamps}
	if _, err := values.Seek(0, io.SeekEnd); err != nil {
		sf.close()
		return nil, err
	}
	if _, err := stamps.Seek(0, io.SeekEnd); err != nil {
		sf.close()
		return nil, err
	}
	return sf, nil
}

func (sf *streamFiles) recordSize() int64 {
	return int64(sf.schema.Width * sf.schema.DType.Size())
}

// recover truncates both arrays to the shorter whole-record length and
// positions the write offsets at the new end.
func (sf *streamFiles) recover() error {
	vInfo, err := sf.values.Stat()
	if err != nil {
		return err
	}
	tInfo, err := sf.stamps.Stat()
	if err != nil {
		return err
	}
	n := vInfo.Size() / sf.recordSize()
	if tn := tInfo.Size() / stampSize; tn < n {
		n = tn
	}
	if err := sf.values.Truncate(n * sf.recordSize()); err != nil {
		return err
	}
	if err := sf.stamps.Truncate(n * stampSize); err != nil {
		return err
	}
	if _, err := sf.values.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	if _, err := sf.stamps.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	sf.count = n
	return nil
}

func (sf *streamFiles) close() {
	sf.values.Close()
	sf.stamps.Close()
}

// AppendBatch appends samples to a stream: the value array first, then the
// parallel timestamp array, both synced. len(stamps) must equal len(values).
func (c *Container) AppendBatch(name string, stamps []float64, values [][]float64) error {
	sf, ok := c.streams[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownStream, name)
	}
	if len(stamps) != len(values) {
		return fmt.Errorf("append %q: %d timestamps for %d values", name, len(stamps), len(values))
	}
	if len(values) == 0 {
		return nil
	}

	vbuf := make([]byte, 0, len(values)*int(sf.recordSize()))
	for _, sample := range values {
		if len(sample) != sf.schema.Width {
			return fmt.Errorf("%w: stream %q wants %d values, got %d",
				ErrShapeMismatch, name, sf.schema.Width, len(sample))
		}
		for _, v := range sample {
			vbuf = appendValue(vbuf, sf.schema.DType, v)
		}
	}
	tbuf := make([]byte, 0, len(stamps)*stampSize)
	for _, ts := range stamps {
		tbuf = binary.LittleEndian.AppendUint64(tbuf, math.Float64bits(ts))
	}

	if _, err := sf.values.Write(vbuf); err != nil {
		sf.rewind()
		return fmt.Errorf("write values for %q: %w", name, err)
	}
	if err := sf.values.Sync(); err != nil {
		sf.rewind()
		return fmt.Errorf("sync values for %q: %w", name, err)
	}
	if _, err := sf.stamps.Write(tbuf); err != nil {
		sf.rewind()
		return fmt.Errorf("write timestamps for %q: %w", name, err)
	}
	if err := sf.stamps.Sync(); err != nil {
		sf.rewind()
		return fmt.Errorf("sync timestamps for %q: %w", name, err)
	}

	sf.count += int64(len(values))
	return nil
}

// rewind truncates both arrays back to the durable count after a failed
// batch, so a retried flush cannot leave duplicate value records behind a
// shorter timestamp array. Best effort: if truncation fails too, the next
// OpenContainer recovery still discards the excess.
func (sf *streamFiles) rewind() {
	if err := sf.values.Truncate(sf.count * sf.recordSize()); err == nil {
		sf.values.Seek(0, io.SeekEnd)
	}
	if err := sf.stamps.Truncate(sf.count * stampSize); err == nil {
		sf.stamps.Seek(0, io.SeekEnd)
	}
}

// Count returns the number of durable samples for a stream.
func (c *Container) Count(name string) int64 {
	if sf, ok := c.streams[name]; ok {
		return sf.count
	}
	return 0
}

// Counts returns durable sample counts per stream.
func (c *Container) Counts() map[string]int64 {
	out := make(map[string]int64, len(c.streams))
	for name, sf := range c.streams {
		out[name] = sf.count
	}
	return out
}

// Streams returns the registered schemas in declaration order.
func (c *Container) Streams() []StreamSchema {
	out := make([]StreamSchema, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.streams[name].schema)
	}
	return out
}

// SizeBytes returns the total on-disk size of the container.
func (c *Container) SizeBytes() int64 {
	var total int64
	filepath.Walk(c.dir, func(_ string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total
}

// Close closes all stream files.
func (c *Container) Close() error {
	var firstErr error
	for _, sf := range c.streams {
		if err := sf.values.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := sf.stamps.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func appendValue(buf []byte, d DType, v float64) []byte {
	switch d {
	case Float32:
		return binary.LittleEndian.AppendUint32(buf, math.Float32bits(float32(v)))
	case Float64:
		return binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
	case Int8:
		return append(buf, byte(int8(v)))
	case Int16:
		return binary.LittleEndian.AppendUint16(buf, uint16(int16(v)))
	default:
		return buf
	}
}

func decodeValue(b []byte, d DType) float64 {
	switch d {
	case Float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	case Float64:
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	case Int8:
		return float64(int8(b[0]))
	case Int16:
		return float64(int16(binary.LittleEndian.Uint16(b)))
	default:
		return 0
	}
}

func writeJSONAtomic(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
