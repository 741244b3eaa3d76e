package worker

import (
	"context"
	"encoding/base64"
	"errors"
	"iter"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ocrdrop/internal/extract"
	"ocrdrop/internal/models"
	"ocrdrop/internal/state"
)

type span struct {
	payload    string
	start, end time.Time
}

// scriptedExtractor streams the chunks registered for a payload; payloads
// listed in fail end with an error after their chunks.
type scriptedExtractor struct {
	chunks map[string][]string
	fail   map[string]bool
	block  map[string]chan struct{}

	active  int32
	overlap int32

	mu    sync.Mutex
	spans []span
	reqs  []extract.Request
}

func (f *scriptedExtractor) Extract(ctx context.Context, req extract.Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		raw, _ := base64.StdEncoding.DecodeString(req.Data)
		payload := string(raw)
		if atomic.AddInt32(&f.active, 1) > 1 {
			atomic.StoreInt32(&f.overlap, 1)
		}
		sp := span{payload: payload, start: time.Now()}
		defer func() {
			atomic.AddInt32(&f.active, -1)
			sp.end = time.Now()
			f.mu.Lock()
			f.spans = append(f.spans, sp)
			f.reqs = append(f.reqs, req)
			f.mu.Unlock()
		}()

		for _, c := range f.chunks[payload] {
			if !yield(c, nil) {
				return
			}
		}
		if ch, ok := f.block[payload]; ok {
			select {
			case <-ch:
			case <-ctx.Done():
				yield("", ctx.Err())
				return
			}
		}
		if f.fail[payload] {
			yield("", errors.New("unsupported mime type"))
		}
	}
}

func (f *scriptedExtractor) recorded() []span {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]span(nil), f.spans...)
}

func seed(store *state.Store, names ...string) []Job {
	records := make([]models.ImageRecord, 0, len(names))
	jobs := make([]Job, 0, len(names))
	for _, name := range names {
		name := name
		records = append(records, models.ImageRecord{ID: name, Name: name + ".png", IsProcessing: true})
		jobs = append(jobs, Job{
			RecordID: name,
			Name:     name + ".png",
			MIMEType: "image/png",
			Read:     func(context.Context) ([]byte, error) { return []byte(name), nil },
		})
	}
	store.Dispatch(state.Intake{Records: records})
	return jobs
}

func settle(t *testing.T, store *state.Store) state.State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := store.Settled(ctx); err != nil {
		t.Fatalf("records did not settle: %v", err)
	}
	snap, _ := store.Snapshot()
	return snap
}

func newTestManager(ex extract.Extractor, pacing Pacing) *Manager {
	return NewManager(Options{Extractor: ex, Pacing: pacing, MaxConcurrent: 4, IdleTimeout: time.Second})
}

func TestManagerProcessesInOrderWithoutOverlap(t *testing.T) {
	ex := &scriptedExtractor{chunks: map[string][]string{
		"a": {"# A", "\nline"},
		"b": {"B"},
		"c": {"C1", "C2"},
	}}
	delay := 40 * time.Millisecond
	m := newTestManager(ex, FixedPacing(delay))
	defer m.Shutdown(context.Background())

	store := state.NewStore()
	if err := m.Submit("s1", store, seed(store, "a", "b", "c")); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	snap := settle(t, store)

	if atomic.LoadInt32(&ex.overlap) != 0 {
		t.Fatalf("jobs overlapped")
	}
	spans := ex.recorded()
	if len(spans) != 3 {
		t.Fatalf("expected 3 extractions, got %d", len(spans))
	}
	for i, want := range []string{"a", "b", "c"} {
		if spans[i].payload != want {
			t.Fatalf("expected order a,b,c got %v", spans)
		}
	}
	for i := 1; i < len(spans); i++ {
		if gap := spans[i].start.Sub(spans[i-1].end); gap < delay-5*time.Millisecond {
			t.Fatalf("rest period not honoured: gap %v", gap)
		}
	}
	want := map[string]string{"a": "# A\nline", "b": "B", "c": "C1C2"}
	for _, rec := range snap.Records {
		if rec.IsProcessing || rec.Error != "" || rec.Text != want[rec.ID] {
			t.Fatalf("unexpected record %+v", rec)
		}
	}
	if ex.reqs[0].Instruction != extract.DefaultInstruction || ex.reqs[0].MIMEType != "image/png" {
		t.Fatalf("unexpected request %+v", ex.reqs[0])
	}
}

func TestManagerEveryChunkNotifies(t *testing.T) {
	ex := &scriptedExtractor{chunks: map[string][]string{"a": {"1", "2", "3"}}}
	m := newTestManager(ex, FixedPacing(0))
	defer m.Shutdown(context.Background())

	store := state.NewStore()
	jobs := seed(store, "a")
	_, _, updates, cancel := store.Subscribe()
	defer cancel()
	if err := m.Submit("s1", store, jobs); err != nil {
		t.Fatalf("Submit error: %v", err)
	}

	var kinds []state.Kind
	for len(kinds) < 4 {
		select {
		case upd := <-updates:
			kinds = append(kinds, upd.Event.Kind())
		case <-time.After(2 * time.Second):
			t.Fatalf("missing updates: %v", kinds)
		}
	}
	want := []state.Kind{state.KindChunk, state.KindChunk, state.KindChunk, state.KindCompleted}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("expected %v got %v", want, kinds)
		}
	}
}

func TestManagerFailureKeepsPartialTextAndContinues(t *testing.T) {
	ex := &scriptedExtractor{
		chunks: map[string][]string{"bad": {"partial"}, "good": {"ok"}},
		fail:   map[string]bool{"bad": true},
	}
	m := newTestManager(ex, FixedPacing(0))
	defer m.Shutdown(context.Background())

	store := state.NewStore()
	if err := m.Submit("s1", store, seed(store, "bad", "good")); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	snap := settle(t, store)

	bad, _ := snap.Get("bad")
	if bad.IsProcessing || bad.Error != models.ErrorMessage || bad.Text != "partial" {
		t.Fatalf("unexpected failed record %+v", bad)
	}
	good, _ := snap.Get("good")
	if good.IsProcessing || good.Error != "" || good.Text != "ok" {
		t.Fatalf("unexpected record after failure %+v", good)
	}
}

func TestManagerReadFailureMarksRecordFailed(t *testing.T) {
	ex := &scriptedExtractor{chunks: map[string][]string{"b": {"fine"}}}
	m := newTestManager(ex, FixedPacing(0))
	defer m.Shutdown(context.Background())

	store := state.NewStore()
	jobs := seed(store, "a", "b")
	jobs[0].Read = func(context.Context) ([]byte, error) { return nil, errors.New("preview gone") }
	if err := m.Submit("s1", store, jobs); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	snap := settle(t, store)

	a, _ := snap.Get("a")
	if a.Error != models.ErrorMessage {
		t.Fatalf("expected generic error for unreadable image, got %+v", a)
	}
	b, _ := snap.Get("b")
	if b.Text != "fine" {
		t.Fatalf("queue should continue after read failure, got %+v", b)
	}
	if len(ex.recorded()) != 1 {
		t.Fatalf("model must not be called for unreadable image")
	}
}

func TestManagerCancelRunningAndQueued(t *testing.T) {
	release := make(chan struct{})
	ex := &scriptedExtractor{
		chunks: map[string][]string{"a": {"started"}, "c": {"C"}},
		block:  map[string]chan struct{}{"a": release},
	}
	m := newTestManager(ex, FixedPacing(0))
	defer m.Shutdown(context.Background())
	defer close(release)

	store := state.NewStore()
	if err := m.Submit("s1", store, seed(store, "a", "b", "c")); err != nil {
		t.Fatalf("Submit error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		rec, _ := store.Get("a")
		if rec.Text == "started" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("first job never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	store.Dispatch(state.Removed{ID: "b"})
	if !m.Cancel("s1", "b") {
		t.Fatalf("expected queued job to be cancelled")
	}
	store.Dispatch(state.Removed{ID: "a"})
	if !m.Cancel("s1", "a") {
		t.Fatalf("expected running job to be cancelled")
	}

	snap := settle(t, store)
	if len(snap.Records) != 1 || snap.Records[0].ID != "c" || snap.Records[0].Text != "C" {
		t.Fatalf("unexpected state %+v", snap.Records)
	}
	for _, sp := range ex.recorded() {
		if sp.payload == "b" {
			t.Fatalf("removed job must not reach the model")
		}
	}
}

func TestManagerSessionsRunIndependently(t *testing.T) {
	release := make(chan struct{})
	ex := &scriptedExtractor{
		chunks: map[string][]string{"slow": {"x"}, "fast": {"y"}},
		block:  map[string]chan struct{}{"slow": release},
	}
	m := newTestManager(ex, FixedPacing(0))
	defer m.Shutdown(context.Background())

	s1, s2 := state.NewStore(), state.NewStore()
	if err := m.Submit("s1", s1, seed(s1, "slow")); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if err := m.Submit("s2", s2, seed(s2, "fast")); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	settle(t, s2)
	if m.Pending("s1") != 1 {
		t.Fatalf("slow session should still be running")
	}
	close(release)
	settle(t, s1)
}

func TestManagerStopAndShutdown(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	ex := &scriptedExtractor{block: map[string]chan struct{}{"a": release}}
	m := newTestManager(ex, FixedPacing(0))

	store := state.NewStore()
	if err := m.Submit("s1", store, seed(store, "a", "b")); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	m.Stop("s1")
	if m.Pending("s1") != 0 {
		t.Fatalf("stopped session should have no pending jobs")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown error: %v", err)
	}
	if err := m.Submit("s1", store, seed(store, "c")); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestManagerRetiresIdleWorker(t *testing.T) {
	ex := &scriptedExtractor{chunks: map[string][]string{"a": {"x"}, "b": {"y"}}}
	m := NewManager(Options{Extractor: ex, Pacing: FixedPacing(0), IdleTimeout: 20 * time.Millisecond})
	defer m.Shutdown(context.Background())

	store := state.NewStore()
	if err := m.Submit("s1", store, seed(store, "a")); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	settle(t, store)

	deadline := time.Now().Add(time.Second)
	for m.getWorker("s1") != nil {
		if time.Now().After(deadline) {
			t.Fatalf("idle worker was not retired")
		}
		time.Sleep(5 * time.Millisecond)
	}
	// a later batch starts a new worker
	if err := m.Submit("s1", store, seed(store, "b")); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	snap := settle(t, store)
	if rec, _ := snap.Get("b"); rec.Text != "y" {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestBackoffPacing(t *testing.T) {
	p := BackoffPacing{Base: time.Second, Max: 5 * time.Second, Factor: 2}
	cases := map[int]time.Duration{0: time.Second, 1: 2 * time.Second, 2: 4 * time.Second, 3: 5 * time.Second, 40: 5 * time.Second}
	for failures, want := range cases {
		if got := p.Rest(failures); got != want {
			t.Fatalf("Rest(%d) = %v want %v", failures, got, want)
		}
	}
	if got := NewPacing("fixed", time.Second, 0).Rest(3); got != time.Second {
		t.Fatalf("fixed pacing should ignore failures, got %v", got)
	}
	if _, ok := NewPacing("backoff", time.Second, time.Minute).(BackoffPacing); !ok {
		t.Fatalf("expected backoff pacing")
	}
}
