package vectorstore

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"github.com/blevesearch/mmap-go"
)

// matrixMagic identifies the little-endian flat float32 matrix format
// shared by the "vectors" and "index" artifacts (spec §4.4: "index...
// semantically redundant with vectors"). Grounded on the teacher's
// internal/hnsw/persist.go framing style: a fixed magic + version
// header followed by flat binary fields, no general-purpose codec.
var matrixMagic = [4]byte{'I', 'M', 'G', 'V'}

const matrixFormatVersion = uint16(1)

// matrixHeaderSize is magic(4) + version(2) + N(4) + D(4).
const matrixHeaderSize = 4 + 2 + 4 + 4

// writeMatrixAtomic writes rows (each of length dim) to path as a flat
// row-major float32 matrix, via write-to-tmp-then-rename (spec §4.4:
// "All writes are atomic").
func writeMatrixAtomic(path string, dim int, rows [][]float32) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}

	header := make([]byte, matrixHeaderSize)
	copy(header[0:4], matrixMagic[:])
	binary.LittleEndian.PutUint16(header[4:6], matrixFormatVersion)
	binary.LittleEndian.PutUint32(header[6:10], uint32(len(rows)))
	binary.LittleEndian.PutUint32(header[10:14], uint32(dim))
	if _, err := f.Write(header); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write header %s: %w", tmp, err)
	}

	rowBuf := make([]byte, dim*4)
	for _, row := range rows {
		if len(row) != dim {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("write %s: row has %d elements, want %d", tmp, len(row), dim)
		}
		for i, v := range row {
			binary.LittleEndian.PutUint32(rowBuf[i*4:i*4+4], math.Float32bits(v))
		}
		if _, err := f.Write(rowBuf); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("write row %s: %w", tmp, err)
		}
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", tmp, path, err)
	}
	return nil
}

// MappedMatrix is a memory-mapped, read-only view of a matrix artifact.
// Rows are materialized into freshly allocated slices on read — the
// mapping itself may be unmapped (on IndexService hot-swap) after a
// caller has taken a row copy, so no returned slice may alias it.
type MappedMatrix struct {
	file *os.File
	mm   mmap.MMap
	N    int
	D    int
}

// openMatrixMmap memory-maps the matrix artifact at path for read-back.
func openMatrixMmap(path string) (*MappedMatrix, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() < matrixHeaderSize {
		f.Close()
		return nil, fmt.Errorf("%s: truncated matrix file", path)
	}

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}

	if [4]byte(m[0:4]) != matrixMagic {
		m.Unmap()
		f.Close()
		return nil, fmt.Errorf("%s: bad magic, not a matrix artifact", path)
	}
	version := binary.LittleEndian.Uint16(m[4:6])
	if version != matrixFormatVersion {
		m.Unmap()
		f.Close()
		return nil, fmt.Errorf("%s: unsupported matrix format version %d", path, version)
	}
	n := int(binary.LittleEndian.Uint32(m[6:10]))
	d := int(binary.LittleEndian.Uint32(m[10:14]))

	expected := int64(matrixHeaderSize) + int64(n)*int64(d)*4
	if info.Size() != expected {
		m.Unmap()
		f.Close()
		return nil, fmt.Errorf("%s: size %d does not match header (N=%d, D=%d, want %d)", path, info.Size(), n, d, expected)
	}

	return &MappedMatrix{file: f, mm: m, N: n, D: d}, nil
}

// Rows returns the number of rows in the matrix.
func (m *MappedMatrix) Rows() int { return m.N }

// Dims returns the matrix's column count.
func (m *MappedMatrix) Dims() int { return m.D }

// Row materializes a freshly owned copy of row i.
func (m *MappedMatrix) Row(i int) []float32 {
	if i < 0 || i >= m.N {
		return nil
	}
	off := matrixHeaderSize + i*m.D*4
	row := make([]float32, m.D)
	for j := 0; j < m.D; j++ {
		bits := binary.LittleEndian.Uint32(m.mm[off+j*4 : off+j*4+4])
		row[j] = math.Float32frombits(bits)
	}
	return row
}

// Close unmaps and closes the underlying file.
func (m *MappedMatrix) Close() error {
	if err := m.mm.Unmap(); err != nil {
		m.file.Close()
		return fmt.Errorf("unmap: %w", err)
	}
	return m.file.Close()
}
