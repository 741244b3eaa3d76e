package session

import (
	"context"
	"sync"
	"time"

	"ocrdrop/internal/logging"
	"ocrdrop/internal/state"
)

const DefaultJanitorInterval = 10 * time.Minute

// Workspaces maps session tokens to their record stores.
type Workspaces struct {
	mu     sync.Mutex
	stores map[string]*state.Store
}

func NewWorkspaces() *Workspaces {
	return &Workspaces{stores: make(map[string]*state.Store)}
}

// Get returns the store for token, creating an empty one on first use.
func (w *Workspaces) Get(token string) *state.Store {
	w.mu.Lock()
	defer w.mu.Unlock()
	store, ok := w.stores[token]
	if !ok {
		store = state.NewStore()
		w.stores[token] = store
	}
	return store
}

// Lookup returns the store for token without creating it.
func (w *Workspaces) Lookup(token string) (*state.Store, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	store, ok := w.stores[token]
	return store, ok
}

// Drop forgets the workspace and closes its subscribers.
func (w *Workspaces) Drop(token string) (*state.Store, bool) {
	w.mu.Lock()
	store, ok := w.stores[token]
	delete(w.stores, token)
	w.mu.Unlock()
	if ok {
		store.Close()
	}
	return store, ok
}

// Len reports the number of live workspaces.
func (w *Workspaces) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.stores)
}

// Reaper releases everything a session owns once it expires.
type Reaper func(ctx context.Context, token string)

// StartJanitor periodically purges expired sessions and reaps them.
func (s *Service) StartJanitor(ctx context.Context, interval time.Duration, reap Reaper) {
	if interval <= 0 {
		interval = DefaultJanitorInterval
	}
	go s.janitorLoop(ctx, interval, reap)
}

func (s *Service) janitorLoop(ctx context.Context, interval time.Duration, reap Reaper) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx, reap)
		}
	}
}

func (s *Service) sweep(ctx context.Context, reap Reaper) int {
	log := logging.Named("session")
	tokens, err := s.PurgeExpired(ctx)
	if err != nil {
		log.Errorw("purge expired sessions failed", "error", err)
	}
	for _, token := range tokens {
		if reap != nil {
			reap(ctx, token)
		}
	}
	if len(tokens) > 0 {
		log.Infow("expired sessions reaped", "count", len(tokens))
	}
	return len(tokens)
}
