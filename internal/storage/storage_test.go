package storage

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prxssh/rabbitcore/internal/config"
	"github.com/prxssh/rabbitcore/internal/meta"
)

func testSettings(t *testing.T) *config.Settings {
	t.Helper()

	s, err := config.DefaultSettings()
	if err != nil {
		t.Fatalf("DefaultSettings() error: %v", err)
	}
	return s
}

func TestNewMap_SingleFile(t *testing.T) {
	dir := t.TempDir()
	info := &meta.Info{Name: "movie.mkv", PieceLength: 16, Length: 40}

	m, err := NewMap(info, dir, testSettings(t))
	if err != nil {
		t.Fatalf("NewMap error: %v", err)
	}
	defer m.Close()

	path := filepath.Join(dir, "movie.mkv")
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat %s: %v", path, err)
	}
	if fi.Size() != 40 {
		t.Fatalf("expected file size 40, got %d", fi.Size())
	}
}

func TestNewMap_MultiFileInsertsPadding(t *testing.T) {
	dir := t.TempDir()
	info := &meta.Info{
		Name:        "pack",
		PieceLength: 16,
		Files: []*meta.File{
			{Length: 10, Path: []string{"a.txt"}}, // misaligned: next file must pad to 16
			{Length: 16, Path: []string{"b.txt"}},
		},
	}

	m, err := NewMap(info, dir, testSettings(t))
	if err != nil {
		t.Fatalf("NewMap error: %v", err)
	}
	defer m.Close()

	if _, err := os.Stat(filepath.Join(dir, "pack", "a.txt")); err != nil {
		t.Fatalf("a.txt not created: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "pack", "b.txt")); err != nil {
		t.Fatalf("b.txt not created: %v", err)
	}

	// Piece 0 spans bytes [0,16): 10 bytes of a.txt, then 6 pad bytes.
	slices, err := m.MapBlock(0, 0, 16)
	if err != nil {
		t.Fatalf("MapBlock error: %v", err)
	}
	if len(slices) != 2 {
		t.Fatalf("expected 2 slices covering piece 0, got %d: %+v", len(slices), slices)
	}
	if slices[0].Pad || slices[0].Length != 10 {
		t.Fatalf("expected first slice to be 10 real bytes, got %+v", slices[0])
	}
	if !slices[1].Pad || slices[1].Length != 6 {
		t.Fatalf("expected second slice to be 6 pad bytes, got %+v", slices[1])
	}
}

func TestMap_MapBlock_OutOfRange(t *testing.T) {
	dir := t.TempDir()
	info := &meta.Info{Name: "f.bin", PieceLength: 16, Length: 32}

	m, err := NewMap(info, dir, testSettings(t))
	if err != nil {
		t.Fatalf("NewMap error: %v", err)
	}
	defer m.Close()

	if _, err := m.MapBlock(1, 0, 17); err != ErrOutOfRange {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
}

func TestMap_WriteVThenReadV_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	info := &meta.Info{
		Name:        "pack",
		PieceLength: 16,
		Files: []*meta.File{
			{Length: 10, Path: []string{"a.txt"}},
			{Length: 16, Path: []string{"b.txt"}},
		},
	}

	m, err := NewMap(info, dir, testSettings(t))
	if err != nil {
		t.Fatalf("NewMap error: %v", err)
	}
	defer m.Close()

	want := bytes.Repeat([]byte{0xAB}, 16)
	if err := m.WriteV(0, 0, want); err != nil {
		t.Fatalf("WriteV error: %v", err)
	}

	got := make([]byte, 16)
	if err := m.ReadV(0, 0, got); err != nil {
		t.Fatalf("ReadV error: %v", err)
	}

	// The first 10 bytes are real content; the trailing 6 are pad and
	// must read back as zero regardless of what was "written" to them.
	if !bytes.Equal(got[:10], want[:10]) {
		t.Fatalf("content mismatch: got %x want %x", got[:10], want[:10])
	}
	for i, b := range got[10:] {
		if b != 0 {
			t.Fatalf("pad byte %d not zero: %x", i, b)
		}
	}
}

func TestMap_VerifyResume(t *testing.T) {
	dir := t.TempDir()
	info := &meta.Info{Name: "f.bin", PieceLength: 16, Length: 32}

	m, err := NewMap(info, dir, testSettings(t))
	if err != nil {
		t.Fatalf("NewMap error: %v", err)
	}
	defer m.Close()

	path := filepath.Join(dir, "f.bin")
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat error: %v", err)
	}

	tests := []struct {
		name           string
		resume         []ResumeFileInfo
		fullAllocation bool
		want           bool
	}{
		{
			name:           "matching size and mtime",
			resume:         []ResumeFileInfo{{Path: path, Size: 32, ModTime: fi.ModTime()}},
			fullAllocation: false,
			want:           true,
		},
		{
			name:           "size mismatch always fails",
			resume:         []ResumeFileInfo{{Path: path, Size: 999, ModTime: fi.ModTime()}},
			fullAllocation: true,
			want:           false,
		},
		{
			name:           "mtime mismatch fails outside full allocation",
			resume:         []ResumeFileInfo{{Path: path, Size: 32, ModTime: fi.ModTime().Add(-time.Hour)}},
			fullAllocation: false,
			want:           false,
		},
		{
			name:           "mtime mismatch tolerated in full allocation",
			resume:         []ResumeFileInfo{{Path: path, Size: 32, ModTime: fi.ModTime().Add(-time.Hour)}},
			fullAllocation: true,
			want:           true,
		},
		{
			name:           "missing file tolerated only at recorded size zero",
			resume:         []ResumeFileInfo{{Path: filepath.Join(dir, "gone.bin"), Size: 0}},
			fullAllocation: false,
			want:           true,
		},
		{
			name:           "missing file with nonzero recorded size fails",
			resume:         []ResumeFileInfo{{Path: filepath.Join(dir, "gone.bin"), Size: 10}},
			fullAllocation: false,
			want:           false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := m.VerifyResume(tt.resume, tt.fullAllocation)
			if err != nil {
				t.Fatalf("VerifyResume error: %v", err)
			}
			if ok != tt.want {
				t.Fatalf("VerifyResume = %v, want %v", ok, tt.want)
			}
		})
	}
}

func TestMap_RenameFile(t *testing.T) {
	dir := t.TempDir()
	info := &meta.Info{Name: "f.bin", PieceLength: 16, Length: 16}

	m, err := NewMap(info, dir, testSettings(t))
	if err != nil {
		t.Fatalf("NewMap error: %v", err)
	}
	defer m.Close()

	if err := m.WriteV(0, 0, bytes.Repeat([]byte{0x1}, 16)); err != nil {
		t.Fatalf("WriteV error: %v", err)
	}

	newPath := filepath.Join(dir, "renamed.bin")
	if err := m.RenameFile(0, newPath); err != nil {
		t.Fatalf("RenameFile error: %v", err)
	}

	if _, err := os.Stat(newPath); err != nil {
		t.Fatalf("renamed file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "f.bin")); !os.IsNotExist(err) {
		t.Fatalf("old path should no longer exist, stat err = %v", err)
	}

	got := make([]byte, 16)
	if err := m.ReadV(0, 0, got); err != nil {
		t.Fatalf("ReadV after rename error: %v", err)
	}
	if !bytes.Equal(got, bytes.Repeat([]byte{0x1}, 16)) {
		t.Fatalf("content lost across rename: %x", got)
	}
}

func TestMap_MoveStorage(t *testing.T) {
	dir := t.TempDir()
	newRoot := t.TempDir()
	info := &meta.Info{
		Name:        "pack",
		PieceLength: 16,
		Files: []*meta.File{
			{Length: 16, Path: []string{"a.txt"}},
		},
	}

	m, err := NewMap(info, dir, testSettings(t))
	if err != nil {
		t.Fatalf("NewMap error: %v", err)
	}
	defer m.Close()

	if err := m.WriteV(0, 0, bytes.Repeat([]byte{0x7}, 16)); err != nil {
		t.Fatalf("WriteV error: %v", err)
	}

	if err := m.MoveStorage(newRoot); err != nil {
		t.Fatalf("MoveStorage error: %v", err)
	}

	if _, err := os.Stat(filepath.Join(newRoot, "a.txt")); err != nil {
		t.Fatalf("file not found under new root: %v", err)
	}

	got := make([]byte, 16)
	if err := m.ReadV(0, 0, got); err != nil {
		t.Fatalf("ReadV after move error: %v", err)
	}
	if !bytes.Equal(got, bytes.Repeat([]byte{0x7}, 16)) {
		t.Fatalf("content lost across move: %x", got)
	}
}

func TestMap_MoveStorage_RejectsNonDirectoryTarget(t *testing.T) {
	dir := t.TempDir()
	info := &meta.Info{Name: "f.bin", PieceLength: 16, Length: 16}

	m, err := NewMap(info, dir, testSettings(t))
	if err != nil {
		t.Fatalf("NewMap error: %v", err)
	}
	defer m.Close()

	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	if err := m.MoveStorage(blocker); err != ErrNotDirectory {
		t.Fatalf("expected ErrNotDirectory, got %v", err)
	}
}

func TestMap_DeleteFiles_RemovesFilesAndEmptyDirs(t *testing.T) {
	dir := t.TempDir()
	info := &meta.Info{
		Name:        "pack",
		PieceLength: 16,
		Files: []*meta.File{
			{Length: 16, Path: []string{"sub", "a.txt"}},
		},
	}

	m, err := NewMap(info, dir, testSettings(t))
	if err != nil {
		t.Fatalf("NewMap error: %v", err)
	}

	if err := m.DeleteFiles(); err != nil {
		t.Fatalf("DeleteFiles error: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "pack", "sub", "a.txt")); !os.IsNotExist(err) {
		t.Fatalf("file should be removed, stat err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "pack", "sub")); !os.IsNotExist(err) {
		t.Fatalf("empty sub dir should be removed, stat err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "pack")); !os.IsNotExist(err) {
		t.Fatalf("empty content root should be removed, stat err = %v", err)
	}
}

func TestFilePool_EvictsLRUButNeverPinned(t *testing.T) {
	dir := t.TempDir()
	paths := make([]string, 4)
	for i := range paths {
		p := filepath.Join(dir, string(rune('a'+i)))
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatalf("setup: %v", err)
		}
		paths[i] = p
	}

	pool := newFilePool(2)

	f0, err := pool.acquire(paths[0])
	if err != nil {
		t.Fatalf("acquire 0: %v", err)
	}
	// Keep paths[0] pinned across the rest of the test.

	if _, err := pool.acquire(paths[1]); err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	pool.release(paths[1])

	// Pool is at capacity (2) with paths[0] pinned and paths[1] free.
	// Acquiring a third path must evict paths[1], not the pinned one.
	if _, err := pool.acquire(paths[2]); err != nil {
		t.Fatalf("acquire 2: %v", err)
	}
	pool.release(paths[2])

	pool.mu.Lock()
	_, stillHasZero := pool.elems[paths[0]]
	_, stillHasOne := pool.elems[paths[1]]
	pool.mu.Unlock()

	if !stillHasZero {
		t.Fatalf("pinned entry paths[0] should not have been evicted")
	}
	if stillHasOne {
		t.Fatalf("unpinned entry paths[1] should have been evicted to make room")
	}

	pool.release(paths[0])
	_ = f0
	pool.closeAll()
}
