package worker

import (
	"context"
	"sync"
	"time"
)

// workerState is the queue and bookkeeping of one session's worker.
type workerState struct {
	mu    sync.Mutex
	sink  Sink
	queue []Job

	runningID     string
	cancelRunning context.CancelFunc

	lastEnd  time.Time
	failures int

	wake   chan struct{}
	stopCh chan struct{}
	once   sync.Once
}

func newWorkerState(sink Sink) *workerState {
	return &workerState{
		sink:   sink,
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
}

func (s *workerState) enqueue(sink Sink, jobs []Job) {
	s.mu.Lock()
	s.sink = sink
	s.queue = append(s.queue, jobs...)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pop takes the next job and marks it running under a fresh context.
func (s *workerState) pop(parent context.Context) (Job, Sink, context.Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Job{}, nil, nil, false
	}
	job := s.queue[0]
	s.queue[0] = Job{}
	s.queue = s.queue[1:]
	ctx, cancel := context.WithCancel(parent)
	s.runningID = job.RecordID
	s.cancelRunning = cancel
	return job, s.sink, ctx, true
}

func (s *workerState) finish(ran, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelRunning != nil {
		s.cancelRunning()
	}
	s.runningID = ""
	s.cancelRunning = nil
	if !ran {
		return
	}
	s.lastEnd = time.Now()
	if failed {
		s.failures++
	} else {
		s.failures = 0
	}
}

func (s *workerState) pacing() (time.Time, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEnd, s.failures
}

// cancel drops queued jobs for id and aborts it if running.
func (s *workerState) cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := false
	kept := s.queue[:0]
	for _, job := range s.queue {
		if job.RecordID == id {
			found = true
			continue
		}
		kept = append(kept, job)
	}
	s.queue = kept
	if s.runningID == id && s.cancelRunning != nil {
		s.cancelRunning()
		found = true
	}
	return found
}

func (s *workerState) idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) == 0 && s.runningID == ""
}

func (s *workerState) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.queue)
	if s.runningID != "" {
		n++
	}
	return n
}

func (s *workerState) stop() {
	s.once.Do(func() {
		s.mu.Lock()
		s.queue = nil
		if s.cancelRunning != nil {
			s.cancelRunning()
		}
		s.mu.Unlock()
		close(s.stopCh)
	})
}
