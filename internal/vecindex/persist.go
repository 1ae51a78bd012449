package vecindex

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// On-disk layout of the vector file, all little-endian:
//
//	magic   [4]byte "RPVX"
//	version uint16
//	metric  uint8
//	_       uint8
//	dim     uint32
//	count   uint64
//	values  [count*dim]float32
//
// The metadata file is a JSON array with count records.
const (
	vecSuffix  = ".vec"
	metaSuffix = ".json"

	fileVersion = 1
	headerSize  = 4 + 2 + 1 + 1 + 4 + 8
)

var fileMagic = [4]byte{'R', 'P', 'V', 'X'}

type fileHeader struct {
	Magic    [4]byte
	Version  uint16
	Metric   uint8
	Reserved uint8
	Dim      uint32
	Count    uint64
}

// Paths returns the vector and metadata file paths for base.
func Paths(base string) (vecPath, metaPath string) {
	return base + vecSuffix, base + metaSuffix
}

// Persist writes the index to base.vec and base.json. Each file is written to
// a temporary file in the same directory and renamed into place.
func (x *Index[M]) Persist(base string) error {
	x.writeMu.Lock()
	defer x.writeMu.Unlock()
	return x.persist(base)
}

func (x *Index[M]) persist(base string) error {
	x.mu.RLock()
	hdr := fileHeader{
		Magic:   fileMagic,
		Version: fileVersion,
		Metric:  uint8(x.metric),
		Dim:     uint32(x.dim),
		Count:   uint64(len(x.metas)),
	}
	vectors := x.vectors
	metas := x.metas
	x.mu.RUnlock()

	// Slices are append-only and writers are serialised by writeMu, so the
	// captured headers stay valid after the read lock is released.
	vecPath, metaPath := Paths(base)
	if err := os.MkdirAll(filepath.Dir(vecPath), 0o755); err != nil {
		return fmt.Errorf("vecindex: persist: %w", err)
	}

	err := writeAtomic(vecPath, func(w io.Writer) error {
		if err := binary.Write(w, binary.LittleEndian, hdr); err != nil {
			return err
		}
		if len(vectors) == 0 {
			return nil
		}
		return binary.Write(w, binary.LittleEndian, vectors)
	})
	if err != nil {
		return fmt.Errorf("vecindex: persist vectors: %w", err)
	}

	if metas == nil {
		metas = []M{}
	}
	err = writeAtomic(metaPath, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetEscapeHTML(false)
		return enc.Encode(metas)
	})
	if err != nil {
		return fmt.Errorf("vecindex: persist metadata: %w", err)
	}
	return nil
}

func writeAtomic(path string, write func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	bw := bufio.NewWriter(tmp)
	if err := write(bw); err != nil {
		tmp.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Load reads an index persisted with Persist. If neither file exists the
// returned error wraps fs.ErrNotExist. Any other inconsistency, including
// only one of the two files being present, wraps ErrCorruptIndex.
func Load[M any](base string) (*Index[M], error) {
	vecPath, metaPath := Paths(base)
	_, errV := os.Stat(vecPath)
	_, errM := os.Stat(metaPath)
	switch {
	case errors.Is(errV, fs.ErrNotExist) && errors.Is(errM, fs.ErrNotExist):
		return nil, fmt.Errorf("vecindex: load %s: %w", base, fs.ErrNotExist)
	case errV != nil:
		return nil, fmt.Errorf("%w: %v", ErrCorruptIndex, errV)
	case errM != nil:
		return nil, fmt.Errorf("%w: %v", ErrCorruptIndex, errM)
	}

	hdr, vectors, err := readVectors(vecPath)
	if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read metadata: %v", ErrCorruptIndex, err)
	}
	var metas []M
	if err := json.Unmarshal(raw, &metas); err != nil {
		return nil, fmt.Errorf("%w: decode metadata: %v", ErrCorruptIndex, err)
	}
	if uint64(len(metas)) != hdr.Count {
		return nil, fmt.Errorf("%w: %d vectors but %d metadata records", ErrCorruptIndex, hdr.Count, len(metas))
	}

	return &Index[M]{
		dim:     int(hdr.Dim),
		metric:  Metric(hdr.Metric),
		vectors: vectors,
		metas:   metas,
	}, nil
}

func readVectors(path string) (fileHeader, []float32, error) {
	var hdr fileHeader
	f, err := os.Open(path)
	if err != nil {
		return hdr, nil, fmt.Errorf("%w: %v", ErrCorruptIndex, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return hdr, nil, fmt.Errorf("%w: %v", ErrCorruptIndex, err)
	}
	r := bufio.NewReader(f)
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return hdr, nil, fmt.Errorf("%w: read header: %v", ErrCorruptIndex, err)
	}
	if hdr.Magic != fileMagic {
		return hdr, nil, fmt.Errorf("%w: bad magic %q", ErrCorruptIndex, hdr.Magic[:])
	}
	if hdr.Version != fileVersion {
		return hdr, nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptIndex, hdr.Version)
	}
	if !Metric(hdr.Metric).valid() {
		return hdr, nil, fmt.Errorf("%w: unknown metric %d", ErrCorruptIndex, hdr.Metric)
	}
	if hdr.Dim == 0 {
		return hdr, nil, fmt.Errorf("%w: zero dimension", ErrCorruptIndex)
	}

	// Check the size before allocating so a damaged count cannot trigger a
	// huge allocation.
	want := int64(headerSize) + int64(hdr.Count)*int64(hdr.Dim)*4
	if hdr.Count > uint64(st.Size()) || st.Size() != want {
		return hdr, nil, fmt.Errorf("%w: file is %d bytes, header implies %d", ErrCorruptIndex, st.Size(), want)
	}

	vectors := make([]float32, hdr.Count*uint64(hdr.Dim))
	if len(vectors) == 0 {
		return hdr, nil, nil
	}
	if err := binary.Read(r, binary.LittleEndian, vectors); err != nil {
		return hdr, nil, fmt.Errorf("%w: read vectors: %v", ErrCorruptIndex, err)
	}
	return hdr, vectors, nil
}
