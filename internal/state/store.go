package state

import (
	"context"
	"sync"

	"ocrdrop/internal/models"
)

const defaultSubscriberBuffer = 256

// Update is delivered to subscribers after every mutation.
type Update struct {
	Version uint64
	Event   Event
	State   State
}

// Store owns the state of one workspace and serialises every mutation.
type Store struct {
	mu      sync.RWMutex
	state   State
	version uint64

	subMu  sync.Mutex
	nextID int
	subs   map[int]chan Update
	buffer int
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		state:  State{Records: []models.ImageRecord{}},
		subs:   make(map[int]chan Update),
		buffer: defaultSubscriberBuffer,
	}
}

// Dispatch applies the event and notifies subscribers. It reports whether
// the state changed; no-op events produce no update.
func (s *Store) Dispatch(e Event) bool {
	s.mu.Lock()
	next, changed := reduce(s.state, e)
	if !changed {
		s.mu.Unlock()
		return false
	}
	s.state = next
	s.version++
	upd := Update{Version: s.version, Event: e, State: next}
	// notify under the state lock so subscribers observe versions in order
	s.broadcast(upd)
	s.mu.Unlock()
	return true
}

// Snapshot returns the current state and its version.
func (s *Store) Snapshot() (State, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state, s.version
}

// Get returns one record from the current state.
func (s *Store) Get(id string) (models.ImageRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Get(id)
}

// Subscribe registers a listener. The returned channel receives one Update
// per mutation after the returned snapshot version; it is closed when the
// listener falls behind by more than the buffer or cancel is called.
func (s *Store) Subscribe() (State, uint64, <-chan Update, func()) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ch := make(chan Update, s.buffer)
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
		s.subMu.Unlock()
	}
	return s.state, s.version, ch, cancel
}

// Settled blocks until no record is processing or ctx is done.
func (s *Store) Settled(ctx context.Context) error {
	snap, _, updates, cancel := s.Subscribe()
	defer cancel()
	if snap.Processing() == 0 {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case upd, ok := <-updates:
			if !ok {
				// dropped for lagging; resubscribe from a fresh snapshot
				return s.Settled(ctx)
			}
			if upd.State.Processing() == 0 {
				return nil
			}
		}
	}
}

// Close drops every subscriber.
func (s *Store) Close() {
	s.subMu.Lock()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	s.subMu.Unlock()
}

func (s *Store) broadcast(upd Update) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for id, ch := range s.subs {
		select {
		case ch <- upd:
		default:
			delete(s.subs, id)
			close(ch)
		}
	}
}
