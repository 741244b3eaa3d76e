// Package worker runs extraction jobs strictly one at a time per session.
package worker

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"ocrdrop/internal/extract"
	"ocrdrop/internal/logging"
	"ocrdrop/internal/models"
	"ocrdrop/internal/state"
)

// ErrStopped is returned by Submit once the manager has shut down.
var ErrStopped = errors.New("worker manager stopped")

const (
	defaultIdleTimeout    = 5 * time.Minute
	defaultRequestTimeout = 2 * time.Minute
)

// Options configures a Manager.
type Options struct {
	Extractor   extract.Extractor
	Instruction string
	Pacing      Pacing
	// MaxConcurrent caps model requests across all sessions.
	MaxConcurrent  int
	RequestTimeout time.Duration
	IdleTimeout    time.Duration
}

// Manager owns one sequential worker per session.
type Manager struct {
	opts Options
	sem  *semaphore.Weighted
	log  *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	workers map[string]*workerState
}

func NewManager(opts Options) *Manager {
	if opts.Pacing == nil {
		opts.Pacing = FixedPacing(time.Second)
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}
	if opts.Instruction == "" {
		opts.Instruction = extract.DefaultInstruction
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:    opts,
		sem:     semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		log:     logging.Named("worker"),
		ctx:     ctx,
		cancel:  cancel,
		workers: make(map[string]*workerState),
	}
}

// Submit appends jobs to the session's queue in order.
func (m *Manager) Submit(session string, sink Sink, jobs []Job) error {
	if len(jobs) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStopped
	}
	ws, ok := m.workers[session]
	if !ok {
		ws = newWorkerState(sink)
		m.workers[session] = ws
		m.wg.Add(1)
		go m.runWorker(session, ws)
	}
	// enqueue under m.mu so an idle retirement cannot race the append
	ws.enqueue(sink, jobs)
	return nil
}

// Cancel drops the record's queued job and aborts it if it is running.
func (m *Manager) Cancel(session, recordID string) bool {
	ws := m.getWorker(session)
	if ws == nil {
		return false
	}
	return ws.cancel(recordID)
}

// Pending reports queued plus running jobs for a session.
func (m *Manager) Pending(session string) int {
	ws := m.getWorker(session)
	if ws == nil {
		return 0
	}
	return ws.pending()
}

// Stop cancels the running job of a session and drops its queue.
func (m *Manager) Stop(session string) {
	m.mu.Lock()
	ws, ok := m.workers[session]
	delete(m.workers, session)
	m.mu.Unlock()
	if ok {
		ws.stop()
	}
}

// Shutdown stops every worker and waits for them to exit.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	workers := m.workers
	m.workers = make(map[string]*workerState)
	m.mu.Unlock()

	m.cancel()
	for _, ws := range workers {
		ws.stop()
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) getWorker(session string) *workerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.workers[session]
}

// retire removes an idle worker; it reports false if work arrived meanwhile.
func (m *Manager) retire(session string, ws *workerState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !ws.idle() {
		return false
	}
	if m.workers[session] == ws {
		delete(m.workers, session)
	}
	return true
}

func (m *Manager) runWorker(session string, ws *workerState) {
	defer m.wg.Done()
	log := m.log.With("session", shortID(session))
	idle := time.NewTimer(m.opts.IdleTimeout)
	defer idle.Stop()

	for {
		job, sink, ctx, ok := ws.pop(m.ctx)
		if !ok {
			select {
			case <-ws.stopCh:
				log.Debugw("worker stopped")
				return
			case <-ws.wake:
				continue
			case <-idle.C:
				if m.retire(session, ws) {
					log.Debugw("worker retired after idle timeout")
					return
				}
				idle.Reset(m.opts.IdleTimeout)
				continue
			}
		}

		ran, failed := m.handle(ctx, log, ws, sink, job)
		ws.finish(ran, failed)

		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(m.opts.IdleTimeout)
	}
}

// handle rests, then processes one job. ran is false when the job was
// skipped without contacting the model.
func (m *Manager) handle(ctx context.Context, log *zap.SugaredLogger, ws *workerState, sink Sink, job Job) (ran, failed bool) {
	if _, ok := sink.Get(job.RecordID); !ok {
		log.Debugw("skip removed record", "id", job.RecordID)
		return false, false
	}

	lastEnd, failures := ws.pacing()
	if !lastEnd.IsZero() {
		if wait := time.Until(lastEnd.Add(m.opts.Pacing.Rest(failures))); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				log.Debugw("job cancelled while resting", "id", job.RecordID)
				return false, false
			}
		}
	}

	if err := m.sem.Acquire(ctx, 1); err != nil {
		return false, false
	}
	defer m.sem.Release(1)

	reqCtx, cancel := context.WithTimeout(ctx, m.opts.RequestTimeout)
	defer cancel()
	start := time.Now()
	err := m.process(reqCtx, sink, job)
	if err != nil {
		log.Warnw("extraction failed", "id", job.RecordID, "name", job.Name, "elapsed", time.Since(start), "error", err)
		return true, true
	}
	log.Debugw("extraction completed", "id", job.RecordID, "name", job.Name, "elapsed", time.Since(start))
	return true, false
}

func (m *Manager) process(ctx context.Context, sink Sink, job Job) error {
	if job.Read == nil {
		sink.Dispatch(state.Failed{ID: job.RecordID, Message: models.ErrorMessage})
		return fmt.Errorf("read %s: no preview reader", job.Name)
	}
	data, err := job.Read(ctx)
	if err != nil {
		sink.Dispatch(state.Failed{ID: job.RecordID, Message: models.ErrorMessage})
		return fmt.Errorf("read %s: %w", job.Name, err)
	}

	req := extract.Request{
		Instruction: m.opts.Instruction,
		Data:        base64.StdEncoding.EncodeToString(data),
		MIMEType:    job.MIMEType,
	}
	for chunk, err := range m.opts.Extractor.Extract(ctx, req) {
		if err != nil {
			sink.Dispatch(state.Failed{ID: job.RecordID, Message: models.ErrorMessage})
			return err
		}
		sink.Dispatch(state.ChunkAppended{ID: job.RecordID, Text: chunk})
	}
	if err := ctx.Err(); err != nil {
		sink.Dispatch(state.Failed{ID: job.RecordID, Message: models.ErrorMessage})
		return err
	}
	sink.Dispatch(state.Completed{ID: job.RecordID})
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
