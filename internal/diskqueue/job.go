// Package diskqueue serializes all disk access behind a priority- and
// elevator-ordered job queue, with a write-back block cache that
// coalesces same-piece writes into one contiguous flush. It is the only
// caller of internal/storage: every read, write, and hash the engine
// performs against torrent content flows through a Job submitted here.
package diskqueue

import (
	"crypto/sha1"
	"errors"

	"github.com/prxssh/rabbitcore/internal/config"
	"github.com/prxssh/rabbitcore/internal/storage"
)

// JobKind names the operation a Job performs.
type JobKind uint8

const (
	JobRead JobKind = iota
	JobWrite
	JobHash
	JobMoveStorage
	JobRenameFile
	JobReleaseFiles
	JobDeleteFiles
	JobCheckFastResume
	JobClearPiece
	JobUpdateSettings
)

func (k JobKind) String() string {
	switch k {
	case JobRead:
		return "read"
	case JobWrite:
		return "write"
	case JobHash:
		return "hash"
	case JobMoveStorage:
		return "move_storage"
	case JobRenameFile:
		return "rename_file"
	case JobReleaseFiles:
		return "release_files"
	case JobDeleteFiles:
		return "delete_files"
	case JobCheckFastResume:
		return "check_fastresume"
	case JobClearPiece:
		return "clear_piece"
	case JobUpdateSettings:
		return "update_settings"
	default:
		return "unknown"
	}
}

var (
	ErrQueueClosed    = errors.New("diskqueue: queue is closed")
	ErrCancelled      = errors.New("diskqueue: job cancelled")
	ErrUnknownJobKind = errors.New("diskqueue: unknown job kind")
)

// Completion is the result delivered on a Job's done channel.
type Completion struct {
	Err  error
	Data []byte          // populated for JobRead
	Hash [sha1.Size]byte // populated for JobHash
	OK   bool            // populated for JobCheckFastResume
}

// Job is an immutable description of one unit of disk work. Construct
// one with NewJob and the New*Job helpers, submit it to a Manager, and
// call Wait for the result.
type Job struct {
	Kind     JobKind
	Storage  *storage.Map
	Priority int

	// Addressing, meaningful for JobRead/JobWrite/JobHash/JobClearPiece.
	Piece    uint32
	Offset   int64
	Length   int64
	Buffer   []byte // write payload; ignored for reads
	PieceLen int64  // total length of Piece, needed to size/flush its cache entry

	// JobRenameFile / JobMoveStorage.
	FileIndex int
	NewPath   string

	// JobCheckFastResume.
	ResumeInfo     []storage.ResumeFileInfo
	FullAllocation bool

	// JobUpdateSettings.
	Settings *config.Settings

	seq  uint64
	done chan Completion
}

// NewJob builds a bare job of the given kind against s at priority.
func NewJob(kind JobKind, s *storage.Map, priority int) *Job {
	return &Job{Kind: kind, Storage: s, Priority: priority, done: make(chan Completion, 1)}
}

// NewReadJob builds a read of length bytes at offset within piece.
func NewReadJob(s *storage.Map, piece uint32, pieceLen int64, offset, length int64, priority int) *Job {
	j := NewJob(JobRead, s, priority)
	j.Piece, j.PieceLen, j.Offset, j.Length = piece, pieceLen, offset, length
	return j
}

// NewWriteJob builds a write of buf at offset within piece.
func NewWriteJob(s *storage.Map, piece uint32, pieceLen int64, offset int64, buf []byte, priority int) *Job {
	j := NewJob(JobWrite, s, priority)
	j.Piece, j.PieceLen, j.Offset, j.Buffer = piece, pieceLen, offset, buf
	return j
}

// NewHashJob builds a job that hashes piece in full, flushing it first
// if any of it is cached.
func NewHashJob(s *storage.Map, piece uint32, pieceLen int64, priority int) *Job {
	j := NewJob(JobHash, s, priority)
	j.Piece, j.PieceLen = piece, pieceLen
	return j
}

func (j *Job) complete(c Completion) {
	j.done <- c
}

// Wait blocks until the job completes and returns its result.
func (j *Job) Wait() Completion {
	return <-j.done
}
