package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Yulian302/lfusys-services-uploads/apperror"
	"github.com/Yulian302/lfusys-services-uploads/models"
)

type memorySession struct {
	session models.UploadSession
	sizes   map[int]int64
}

// MemorySessionStore keeps sessions in process memory. Sessions do not
// survive a restart; their chunk directories are swept as orphans.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]*memorySession
	ttl      time.Duration
}

func NewMemorySessionStore(ttl time.Duration) *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]*memorySession),
		ttl:      ttl,
	}
}

func (s *MemorySessionStore) Name() string {
	return "SessionStore[memory]"
}

func (s *MemorySessionStore) IsReady(context.Context) error {
	return nil
}

func (s *MemorySessionStore) MarkReceived(ctx context.Context, key models.SessionKey, receipt models.ChunkReceipt) (*models.UploadSession, bool, error) {
	if receipt.At.IsZero() {
		receipt.At = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := key.ID()
	ms, ok := s.sessions[id]
	if !ok {
		ms = &memorySession{
			session: models.UploadSession{
				SessionID:   id,
				FileName:    key.FileName,
				TotalChunks: key.TotalChunks,
				Status:      models.StatusCollecting,
				ClientAddr:  receipt.ClientAddr,
				CreatedAt:   receipt.At,
			},
			sizes: make(map[int]int64),
		}
		s.sessions[id] = ms
	}

	if ms.session.Status != models.StatusCollecting {
		return nil, false, apperror.ErrSessionBusy
	}

	ms.sizes[receipt.Index] = receipt.Size
	ms.session.UpdatedAt = receipt.At
	ms.session.ExpirationTime = receipt.At.Add(s.ttl)
	ms.session.Received = sortedIndices(ms.sizes)
	ms.session.ReceivedBytes = 0
	for _, n := range ms.sizes {
		ms.session.ReceivedBytes += n
	}

	claimed := false
	if ms.session.Complete() {
		ms.session.Status = models.StatusReassembling
		claimed = true
	}

	snapshot := copySession(ms.session)
	return &snapshot, claimed, nil
}

func (s *MemorySessionStore) GetSession(ctx context.Context, key models.SessionKey) (*models.UploadSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ms, ok := s.sessions[key.ID()]
	if !ok {
		return nil, apperror.ErrSessionNotFound
	}
	snapshot := copySession(ms.session)
	return &snapshot, nil
}

func (s *MemorySessionStore) Release(ctx context.Context, key models.SessionKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ms, ok := s.sessions[key.ID()]
	if !ok {
		return apperror.ErrSessionNotFound
	}
	ms.session.Status = models.StatusCollecting
	return nil
}

func (s *MemorySessionStore) Delete(ctx context.Context, key models.SessionKey) error {
	s.mu.Lock()
	delete(s.sessions, key.ID())
	s.mu.Unlock()
	return nil
}

func (s *MemorySessionStore) ListStale(ctx context.Context, cutoff time.Time) ([]models.UploadSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stale []models.UploadSession
	for _, ms := range s.sessions {
		if ms.session.UpdatedAt.Before(cutoff) {
			stale = append(stale, copySession(ms.session))
		}
	}
	return stale, nil
}

func sortedIndices(m map[int]int64) []int {
	out := make([]int, 0, len(m))
	for i := range m {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

func copySession(s models.UploadSession) models.UploadSession {
	s.Received = append([]int(nil), s.Received...)
	return s
}
