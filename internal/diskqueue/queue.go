package diskqueue

import (
	"sync"

	"github.com/prxssh/rabbitcore/internal/config"
	"github.com/prxssh/rabbitcore/internal/storage"
)

// isDataJob reports whether kind participates in elevator-sweep
// ordering ("pending read/hash jobs are ordered by (storage, piece)
// and swept monotonically"). Every other kind is a control operation
// with no meaningful seek distance, and is serviced FIFO ahead of data
// jobs within its priority band.
func isDataJob(kind JobKind) bool {
	switch kind {
	case JobRead, JobWrite, JobHash:
		return true
	default:
		return false
	}
}

// band holds one priority level's pending jobs, split into FIFO control
// jobs and elevator-ordered data jobs.
type band struct {
	control []*Job
	data    []*Job
}

func (b *band) empty() bool { return len(b.control) == 0 && len(b.data) == 0 }

// Queue is the priority-and-elevator-ordered disk job queue a Manager's
// workers drain. It has no capacity limit: Push appends every job and
// never blocks, and only a closed queue rejects a job. Safe for
// concurrent Push/Pop.
type Queue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	bands    map[int]*band
	elevator bool

	direction int // +1 (ascending) or -1 (descending)
	lastPiece uint32

	closed bool
	seq    uint64
}

// NewQueue builds a queue using settings.DiskElevatorSweep to decide
// whether data jobs within a band are reordered or left in arrival
// order.
func NewQueue(settings *config.Settings) *Queue {
	q := &Queue{
		bands:     make(map[int]*band),
		elevator:  settings.DiskElevatorSweep,
		direction: 1,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Push enqueues job, waking one blocked Pop. If the queue is already
// closed, job is completed immediately with ErrQueueClosed instead.
func (q *Queue) Push(job *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		job.complete(Completion{Err: ErrQueueClosed})
		return
	}

	q.seq++
	job.seq = q.seq

	b, ok := q.bands[job.Priority]
	if !ok {
		b = &band{}
		q.bands[job.Priority] = b
	}
	if isDataJob(job.Kind) {
		b.data = append(b.data, job)
	} else {
		b.control = append(b.control, job)
	}

	q.notEmpty.Signal()
}

// Pop blocks until a job is available, returning (nil, false) once the
// queue is closed and drained.
func (q *Queue) Pop() (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if job, ok := q.popLocked(); ok {
			return job, true
		}
		if q.closed {
			return nil, false
		}
		q.notEmpty.Wait()
	}
}

func (q *Queue) popLocked() (*Job, bool) {
	best := -1
	for p, b := range q.bands {
		if b.empty() {
			continue
		}
		if best == -1 || p > best {
			best = p
		}
	}
	if best == -1 {
		return nil, false
	}

	b := q.bands[best]
	if len(b.control) > 0 {
		job := b.control[0]
		b.control = b.control[1:]
		return job, true
	}

	return q.popDataLocked(b), true
}

func (q *Queue) popDataLocked(b *band) *Job {
	if !q.elevator {
		job := b.data[0]
		b.data = b.data[1:]
		return job
	}

	idx, ok := q.nextInDirectionLocked(b.data)
	if !ok {
		q.direction = -q.direction
		idx, ok = q.nextInDirectionLocked(b.data)
		if !ok {
			idx = 0
		}
	}

	job := b.data[idx]
	b.data = append(b.data[:idx], b.data[idx+1:]...)
	q.lastPiece = job.Piece
	return job
}

// nextInDirectionLocked returns the index of the data job closest to
// lastPiece in the current sweep direction, or false if none lies ahead
// (the sweep has reached its end and must reverse).
func (q *Queue) nextInDirectionLocked(data []*Job) (int, bool) {
	best := -1
	for i, j := range data {
		if q.direction > 0 && j.Piece < q.lastPiece {
			continue
		}
		if q.direction < 0 && j.Piece > q.lastPiece {
			continue
		}
		if best == -1 || closerToSweep(j, data[best], q.lastPiece) {
			best = i
		}
	}
	if best == -1 {
		return 0, false
	}
	return best, true
}

func closerToSweep(a, b *Job, from uint32) bool {
	da, db := pieceDistance(a.Piece, from), pieceDistance(b.Piece, from)
	if da != db {
		return da < db
	}
	if a.Piece != b.Piece {
		return a.Piece < b.Piece
	}
	if a.Offset != b.Offset {
		return a.Offset < b.Offset
	}
	return a.seq < b.seq
}

func pieceDistance(a, from uint32) uint32 {
	if a >= from {
		return a - from
	}
	return from - a
}

// CancelForStorage removes every pending job belonging to s other than
// writes, completing each with ErrCancelled. Pending writes are left in
// place so a swarm teardown still flushes data already accepted.
func (q *Queue) CancelForStorage(s *storage.Map) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, b := range q.bands {
		b.data = cancelMatching(b.data, s, func(j *Job) bool { return j.Kind != JobWrite })
		b.control = cancelMatching(b.control, s, nil)
	}
}

func cancelMatching(jobs []*Job, s *storage.Map, match func(*Job) bool) []*Job {
	kept := jobs[:0]
	for _, j := range jobs {
		if j.Storage == s && (match == nil || match(j)) {
			j.complete(Completion{Err: ErrCancelled})
			continue
		}
		kept = append(kept, j)
	}
	return kept
}

// Close stops the queue from accepting new workers' blocking Pop calls;
// any goroutine parked in Pop wakes and returns (nil, false). Jobs
// already queued are not discarded by Close itself — callers that need
// that drain the queue or use CancelForStorage first.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.notEmpty.Broadcast()
}
