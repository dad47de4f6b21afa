// Package storage implements the storage map: it translates
// (piece, byte_offset, length) coordinates into file-resident slices,
// performs the reads and writes across them, and handles resume
// verification, rename, move, and delete of the files backing a swarm.
//
// It holds no piece-assembly or caching policy of its own — that belongs
// to the disk job queue, which calls through this package's readv/writev
// primitives. This keeps "where do these bytes live on disk" separate
// from "when do we flush them".
package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/prxssh/rabbitcore/internal/config"
	"github.com/prxssh/rabbitcore/internal/meta"
)

var (
	// ErrOutOfRange is returned when a requested (piece, offset, length)
	// range exceeds the torrent's total content size.
	ErrOutOfRange = errors.New("storage: range exceeds total size")

	// ErrNotDirectory is returned by MoveStorage when the target path
	// exists and is not a directory.
	ErrNotDirectory = errors.New("storage: move target exists and is not a directory")

	// ErrPadFile is returned by operations that don't make sense against
	// a synthetic pad entry (e.g. RenameFile).
	ErrPadFile = errors.New("storage: cannot operate on a pad file")
)

// IOError wraps an underlying OS error with the file and operation kind
// that failed, matching the `storage_error{kind, file, operation}`
// completion shape disk jobs report on failure.
type IOError struct {
	File string
	Kind string // "open" | "read" | "write" | "rename" | "move" | "delete"
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("storage: %s %s: %v", e.Kind, e.File, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Slice is one file-resident span a block request maps onto. Length
// bytes of the request are served from this file starting at Offset.
// A Pad slice never touches disk: its bytes are always zero.
type Slice struct {
	FileIndex int
	Path      string
	Offset    int64
	Length    int64
	Pad       bool
}

// fileHandle is the map's bookkeeping for one entry of the piece-aligned
// layout: either a real file or a synthetic pad.
type fileHandle struct {
	path   string // current on-disk path; mutated by RenameFile/MoveStorage
	offset int64  // offset within the logical content stream (immutable)
	length int64
	pad    bool
}

// ResumeFileInfo is one file's recorded (size, mtime) pair from a saved
// resume state, checked against on-disk reality by VerifyResume.
type ResumeFileInfo struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// Map is the storage handle for a single swarm: the resolved file list,
// an LRU pool of open descriptors, and the logic to translate piece
// coordinates into file I/O.
type Map struct {
	mu          sync.RWMutex
	root        string // content root: downloadDir itself for single-file, downloadDir/name for multi-file
	downloadDir string // shared parent directory; never removed by DeleteFiles
	multiFile   bool
	files       []*fileHandle
	pieceLen    int64
	totalSize   int64
	pool        *filePool
	failed      error
}

// NewMap lays out info's files under downloadDir (inserting pad entries
// per BEP 47 alignment), creates and truncates any missing real files to
// their full length, and returns a Map ready to serve readv/writev.
func NewMap(info *meta.Info, downloadDir string, settings *config.Settings) (*Map, error) {
	layout, err := meta.BuildPadFiles(info)
	if err != nil {
		return nil, err
	}

	contentRoot := downloadDir
	if len(info.Files) > 0 {
		contentRoot = filepath.Join(downloadDir, info.Name)
	}

	files := make([]*fileHandle, len(layout))
	var total int64
	for i, lf := range layout {
		total += lf.Length

		if lf.Pad {
			files[i] = &fileHandle{offset: lf.Offset, length: lf.Length, pad: true}
			continue
		}

		path := filepath.Join(append([]string{contentRoot}, lf.File.Path...)...)
		if err := createFile(path, lf.Length); err != nil {
			return nil, err
		}
		files[i] = &fileHandle{path: path, offset: lf.Offset, length: lf.Length}
	}

	return &Map{
		root:        contentRoot,
		downloadDir: downloadDir,
		multiFile:   len(info.Files) > 0,
		files:       files,
		pieceLen:    int64(info.PieceLength),
		totalSize:   total,
		pool:        newFilePool(settings.MaxOpenFiles),
	}, nil
}

func createFile(path string, size int64) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &IOError{File: path, Kind: "open", Err: err}
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return &IOError{File: path, Kind: "open", Err: err}
	}
	defer f.Close()

	if fi, err := f.Stat(); err == nil && fi.Size() >= size {
		return nil
	}
	if err := f.Truncate(size); err != nil {
		return &IOError{File: path, Kind: "open", Err: err}
	}
	return nil
}

// MapBlock returns the file slices, in file order, that together cover
// length bytes starting at offset within piece. It fails with
// ErrOutOfRange if the range exceeds the torrent's total size.
func (m *Map) MapBlock(piece uint32, offset, length int64) ([]Slice, error) {
	if length < 0 {
		return nil, ErrOutOfRange
	}

	pieceAbsStart := int64(piece)*m.pieceLen + offset
	pieceAbsEnd := pieceAbsStart + length

	m.mu.RLock()
	defer m.mu.RUnlock()

	if pieceAbsStart < 0 || pieceAbsEnd > m.totalSize {
		return nil, ErrOutOfRange
	}

	var slices []Slice
	for i, fh := range m.files {
		fileAbsStart := fh.offset
		fileAbsEnd := fh.offset + fh.length

		overlapStart := max(pieceAbsStart, fileAbsStart)
		overlapEnd := min(pieceAbsEnd, fileAbsEnd)
		if overlapStart >= overlapEnd {
			continue
		}

		slices = append(slices, Slice{
			FileIndex: i,
			Path:      fh.path,
			Offset:    overlapStart - fileAbsStart,
			Length:    overlapEnd - overlapStart,
			Pad:       fh.pad,
		})
	}

	return slices, nil
}

// ReadV fills data from storage, starting at offset within piece.
// Pad-file spans are never read from disk; they're filled with zeros.
func (m *Map) ReadV(piece uint32, offset int64, data []byte) error {
	if err := m.checkFailed(); err != nil {
		return err
	}

	slices, err := m.MapBlock(piece, offset, int64(len(data)))
	if err != nil {
		return err
	}

	pos := int64(0)
	for _, sl := range slices {
		dst := data[pos : pos+sl.Length]
		if sl.Pad {
			clear(dst)
			pos += sl.Length
			continue
		}
		if err := m.readSliceAt(sl, dst); err != nil {
			m.markFailed(err)
			return err
		}
		pos += sl.Length
	}

	return nil
}

// WriteV writes data to storage, starting at offset within piece.
// Pad-file spans are discarded without touching disk.
func (m *Map) WriteV(piece uint32, offset int64, data []byte) error {
	if err := m.checkFailed(); err != nil {
		return err
	}

	slices, err := m.MapBlock(piece, offset, int64(len(data)))
	if err != nil {
		return err
	}

	pos := int64(0)
	for _, sl := range slices {
		src := data[pos : pos+sl.Length]
		if sl.Pad {
			pos += sl.Length
			continue
		}
		if err := m.writeSliceAt(sl, src); err != nil {
			m.markFailed(err)
			return err
		}
		pos += sl.Length
	}

	return nil
}

// readSliceAt retries a partial ReadAt until dst is full or a
// non-recoverable error occurs.
func (m *Map) readSliceAt(sl Slice, dst []byte) error {
	f, err := m.pool.acquire(sl.Path)
	if err != nil {
		return &IOError{File: sl.Path, Kind: "open", Err: err}
	}
	defer m.pool.release(sl.Path)

	off := sl.Offset
	for len(dst) > 0 {
		n, err := f.ReadAt(dst, off)
		if n > 0 {
			dst = dst[n:]
			off += int64(n)
		}
		if err != nil {
			if err == io.EOF && len(dst) == 0 {
				return nil
			}
			return &IOError{File: sl.Path, Kind: "read", Err: err}
		}
		if n == 0 {
			return &IOError{File: sl.Path, Kind: "read", Err: io.ErrNoProgress}
		}
	}
	return nil
}

// writeSliceAt retries a partial WriteAt until src is fully written or a
// non-recoverable error occurs.
func (m *Map) writeSliceAt(sl Slice, src []byte) error {
	f, err := m.pool.acquire(sl.Path)
	if err != nil {
		return &IOError{File: sl.Path, Kind: "open", Err: err}
	}
	defer m.pool.release(sl.Path)

	off := sl.Offset
	for len(src) > 0 {
		n, err := f.WriteAt(src, off)
		if n > 0 {
			src = src[n:]
			off += int64(n)
		}
		if err != nil {
			return &IOError{File: sl.Path, Kind: "write", Err: err}
		}
		if n == 0 {
			return &IOError{File: sl.Path, Kind: "write", Err: io.ErrNoProgress}
		}
	}
	return nil
}

// VerifyResume checks resume's recorded (size, mtime) pairs against
// on-disk reality. Size mismatches always fail verification; mtime
// mismatches are tolerated when fullAllocation is set (full-allocation
// mode never changes a file's size after creation, so mtime drift from
// e.g. a filesystem touch is not meaningful). A file missing on disk is
// tolerated only if its recorded size is zero.
func (m *Map) VerifyResume(resume []ResumeFileInfo, fullAllocation bool) (bool, error) {
	for _, r := range resume {
		info, err := os.Stat(r.Path)
		if err != nil {
			if os.IsNotExist(err) {
				if r.Size == 0 {
					continue
				}
				return false, nil
			}
			return false, &IOError{File: r.Path, Kind: "open", Err: err}
		}

		if info.Size() != r.Size {
			return false, nil
		}
		if !fullAllocation && !info.ModTime().Equal(r.ModTime) {
			return false, nil
		}
	}
	return true, nil
}

// RenameFile renames the file at index to newPath on disk, creating
// missing parent directories, and updates the logical path used by
// subsequent I/O.
func (m *Map) RenameFile(index int, newPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if index < 0 || index >= len(m.files) {
		return fmt.Errorf("storage: file index %d out of range", index)
	}
	fh := m.files[index]
	if fh.pad {
		return ErrPadFile
	}

	if err := os.MkdirAll(filepath.Dir(newPath), 0o755); err != nil {
		return &IOError{File: newPath, Kind: "rename", Err: err}
	}
	if _, err := os.Stat(newPath); err == nil {
		return &IOError{File: newPath, Kind: "rename", Err: os.ErrExist}
	}

	m.pool.evict(fh.path)
	if err := os.Rename(fh.path, newPath); err != nil {
		return &IOError{File: fh.path, Kind: "rename", Err: err}
	}

	fh.path = newPath
	return nil
}

// MoveStorage renames the swarm's root to newRoot. Fails if newRoot
// already exists and is not a directory. Same-device moves are atomic
// renames; cross-device moves fall back to copy-then-delete per file.
func (m *Map) MoveStorage(newRoot string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if info, err := os.Stat(newRoot); err == nil && !info.IsDir() {
		return ErrNotDirectory
	}

	m.pool.closeAll()

	for _, fh := range m.files {
		if fh.pad {
			continue
		}

		rel, err := filepath.Rel(m.root, fh.path)
		if err != nil {
			return &IOError{File: fh.path, Kind: "move", Err: err}
		}
		dst := filepath.Join(newRoot, rel)

		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return &IOError{File: dst, Kind: "move", Err: err}
		}
		if err := os.Rename(fh.path, dst); err != nil {
			if err := copyThenDelete(fh.path, dst); err != nil {
				return &IOError{File: fh.path, Kind: "move", Err: err}
			}
		}
		fh.path = dst
	}

	m.root = newRoot
	if m.multiFile {
		m.downloadDir = filepath.Dir(newRoot)
	} else {
		m.downloadDir = newRoot
	}
	return nil
}

func copyThenDelete(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return os.Remove(src)
}

// DeleteFiles removes every real file belonging to the swarm, then
// removes any directories left empty as a result, deepest first.
func (m *Map) DeleteFiles() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pool.closeAll()

	dirs := make(map[string]struct{})
	for _, fh := range m.files {
		if fh.pad {
			continue
		}
		if err := os.Remove(fh.path); err != nil && !os.IsNotExist(err) {
			return &IOError{File: fh.path, Kind: "delete", Err: err}
		}
		dirs[filepath.Dir(fh.path)] = struct{}{}
	}

	ordered := make([]string, 0, len(dirs))
	for d := range dirs {
		ordered = append(ordered, d)
	}
	sort.Slice(ordered, func(i, j int) bool { return len(ordered[i]) > len(ordered[j]) })

	for _, d := range ordered {
		removeEmptyDirsUpTo(d, m.downloadDir)
	}
	return nil
}

func removeEmptyDirsUpTo(dir, stopAt string) {
	for {
		if dir == stopAt || dir == "." || dir == string(filepath.Separator) {
			return
		}
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

func (m *Map) markFailed(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failed == nil {
		m.failed = err
	}
}

func (m *Map) checkFailed() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.failed
}

// Close releases every open descriptor held by the file pool.
func (m *Map) Close() {
	m.pool.closeAll()
}
