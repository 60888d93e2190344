package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Yulian302/lfusys-services-uploads/apperror"
	"github.com/Yulian302/lfusys-services-uploads/logging"
	"github.com/Yulian302/lfusys-services-uploads/models"
	"github.com/Yulian302/lfusys-services-uploads/store"
)

// SessionReaper discards sessions that stopped receiving chunks and chunk
// directories no session owns any more.
type SessionReaper struct {
	sessionStore store.SessionStore
	chunkStore   store.ChunkStore
	locks        *KeyedMutex
	ttl          time.Duration
	interval     time.Duration

	logger logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSessionReaper(
	parent context.Context,
	sessionStore store.SessionStore,
	chunkStore store.ChunkStore,
	locks *KeyedMutex,
	ttl, interval time.Duration,
	l logging.Logger,
) *SessionReaper {

	ctx, cancel := context.WithCancel(parent)

	return &SessionReaper{
		sessionStore: sessionStore,
		chunkStore:   chunkStore,
		locks:        locks,
		ttl:          ttl,
		interval:     interval,
		logger:       l,
		ctx:          ctx,
		cancel:       cancel,
	}
}

func (r *SessionReaper) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.loop()
	}()
}

func (r *SessionReaper) loop() {
	// orphans from a previous run go first
	r.Sweep(r.ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(r.ctx)
		}
	}
}

// Sweep runs one pass and returns how many sessions and orphan chunk
// directories were removed.
func (r *SessionReaper) Sweep(ctx context.Context) (sessions, orphans int) {
	cutoff := time.Now().Add(-r.ttl)

	stale, err := r.sessionStore.ListStale(ctx, cutoff)
	if err != nil {
		r.logger.Error("failed to list stale sessions", "error", err)
	}
	for _, s := range stale {
		if r.reap(ctx, s.Key(), cutoff) {
			sessions++
		}
	}

	orphans, err = r.chunkStore.SweepOrphans(ctx, cutoff, r.locks.Held)
	if err != nil {
		r.logger.Error("orphan chunk sweep failed", "error", err)
	}

	if sessions > 0 || orphans > 0 {
		r.logger.Info("expired uploads removed", "sessions", sessions, "orphan_dirs", orphans)
	}
	return sessions, orphans
}

// reap removes one session if it is still stale once its lock is held. The
// listing is only a hint: a chunk may have arrived since.
func (r *SessionReaper) reap(ctx context.Context, key models.SessionKey, cutoff time.Time) bool {
	sessionID := key.ID()
	unlock, ok := r.locks.TryLock(sessionID)
	if !ok {
		return false
	}
	defer unlock()

	current, err := r.sessionStore.GetSession(ctx, key)
	if errors.Is(err, apperror.ErrSessionNotFound) {
		return false
	}
	if err != nil {
		r.logger.Error("failed to reload stale session", "session_id", sessionID, "error", err)
		return false
	}
	if !current.UpdatedAt.Before(cutoff) {
		return false
	}

	if err := r.chunkStore.Purge(ctx, key); err != nil {
		r.logger.Error("stale chunk purge failed", "session_id", sessionID, "error", err)
		return false
	}
	if err := r.sessionStore.Delete(ctx, key); err != nil {
		r.logger.Error("stale session deletion failed", "session_id", sessionID, "error", err)
		return false
	}
	return true
}

func (r *SessionReaper) Shutdown(ctx context.Context) error {
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
