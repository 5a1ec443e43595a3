package ckpt

import (
	"encoding/binary"
	"io"
	"math"
	"os"

	"golang.org/x/sys/unix"

	"github.com/vocpar/vocpar/internal/tensor"
)

// File is an opened checkpoint. It must be closed to release any mapping.
type File struct {
	data    []byte
	rows    int
	cols    int
	hasBias bool
	mmapped bool
}

// Open maps a checkpoint read-only and validates its structure.
// If mmap is unavailable, it falls back to ReadAt-based loading.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size64 := stat.Size()
	if size64 < 0 {
		return nil, ErrCorruptFile
	}
	if size64 > int64(int(^uint(0)>>1)) {
		// cannot index this file safely as []byte on this architecture.
		return nil, ErrCorruptFile
	}
	size := int(size64)
	if size < headerSize {
		return nil, ErrCorruptFile
	}

	// Prefer mmap where available so shard loading stays zero-copy until
	// the rows are actually decoded.
	data, err := unix.Mmap(
		int(f.Fd()),
		0,
		size,
		unix.PROT_READ,
		unix.MAP_SHARED,
	)
	if err == nil {
		cf, parseErr := parseFileData(data, true)
		if parseErr != nil {
			_ = unix.Munmap(data)
			return nil, parseErr
		}
		return cf, nil
	}

	// Fallback path that does not require mmap support.
	data, err = readAllAt(f, size)
	if err != nil {
		return nil, err
	}
	return parseFileData(data, false)
}

// OpenReaderAt loads and validates a checkpoint from a random-access reader
// without mmap.
func OpenReaderAt(r io.ReaderAt, size int64) (*File, error) {
	if size < headerSize || size > int64(int(^uint(0)>>1)) {
		return nil, ErrCorruptFile
	}
	data, err := readAllAt(r, int(size))
	if err != nil {
		return nil, err
	}
	return parseFileData(data, false)
}

func readAllAt(r io.ReaderAt, size int) ([]byte, error) {
	out := make([]byte, size)
	if _, err := r.ReadAt(out, 0); err != nil {
		return nil, err
	}
	return out, nil
}

func parseFileData(data []byte, mmapped bool) (*File, error) {
	if len(data) < headerSize {
		return nil, ErrCorruptFile
	}
	if data[0] != magic[0] || data[1] != magic[1] || data[2] != magic[2] || data[3] != magic[3] {
		return nil, ErrInvalidMagic
	}
	if binary.LittleEndian.Uint16(data[4:6]) != version {
		return nil, ErrUnsupportedVersion
	}
	flags := binary.LittleEndian.Uint16(data[6:8])
	rows := int(binary.LittleEndian.Uint32(data[8:12]))
	cols := int(binary.LittleEndian.Uint32(data[12:16]))
	if rows < 0 || cols < 0 {
		return nil, ErrCorruptFile
	}

	f := &File{
		data:    data,
		rows:    rows,
		cols:    cols,
		hasBias: flags&flagBias != 0,
		mmapped: mmapped,
	}
	want := headerSize + 4*rows*cols
	if f.hasBias {
		want += 4 * rows
	}
	if len(data) != want {
		return nil, ErrCorruptFile
	}
	return f, nil
}

// Rows returns the vocabulary size stored in the checkpoint.
func (f *File) Rows() int { return f.rows }

// Cols returns the embedding dimension stored in the checkpoint.
func (f *File) Cols() int { return f.cols }

// HasBias reports whether the checkpoint carries a bias vector.
func (f *File) HasBias() bool { return f.hasBias }

// Weight decodes the full weight matrix.
func (f *File) Weight() tensor.Mat {
	out := tensor.NewMat(f.rows, f.cols)
	decodeF32(out.Data, f.data[headerSize:headerSize+4*f.rows*f.cols])
	return out
}

// Bias decodes the bias vector, or returns nil when the checkpoint has none.
func (f *File) Bias() []float32 {
	if !f.hasBias {
		return nil
	}
	off := headerSize + 4*f.rows*f.cols
	out := make([]float32, f.rows)
	decodeF32(out, f.data[off:off+4*f.rows])
	return out
}

// Close releases the mapping, if any. The file must not be used afterwards.
func (f *File) Close() error {
	data := f.data
	f.data = nil
	if f.mmapped && data != nil {
		return unix.Munmap(data)
	}
	return nil
}

func decodeF32(dst []float32, src []byte) {
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[4*i:]))
	}
}
