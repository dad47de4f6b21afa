package swarm

import (
	"github.com/prxssh/rabbitcore/internal/diskqueue"
	"github.com/prxssh/rabbitcore/internal/storage"
)

// Disk job priorities. Higher values are serviced first (per
// diskqueue.Queue); control jobs that gate startup outrank everything,
// reads a peer is blocked on outrank writes draining the block cache,
// and opportunistic re-hashing is lowest.
const (
	diskPriorityControl = 30
	diskPriorityRead     = 20
	diskPriorityWrite    = 10
	diskPriorityHash     = 5
)

func newCheckFastResumeJob(s *storage.Map, resume []storage.ResumeFileInfo, fullAllocation bool) *diskqueue.Job {
	j := diskqueue.NewJob(diskqueue.JobCheckFastResume, s, diskPriorityControl)
	j.ResumeInfo = resume
	j.FullAllocation = fullAllocation
	return j
}

func newHashJob(s *storage.Map, piece uint32, pieceLen int64) *diskqueue.Job {
	return diskqueue.NewHashJob(s, piece, pieceLen, diskPriorityHash)
}

func newReadJob(s *storage.Map, piece uint32, pieceLen, offset, length int64) *diskqueue.Job {
	return diskqueue.NewReadJob(s, piece, pieceLen, offset, length, diskPriorityRead)
}

func newWriteJob(s *storage.Map, piece uint32, pieceLen, offset int64, buf []byte) *diskqueue.Job {
	return diskqueue.NewWriteJob(s, piece, pieceLen, offset, buf, diskPriorityWrite)
}
