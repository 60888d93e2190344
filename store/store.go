package store

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/Yulian302/lfusys-services-uploads/health"
	"github.com/Yulian302/lfusys-services-uploads/models"
)

// ChunkStore persists raw chunk payloads for sessions that are still
// collecting. Chunks are addressed only by session key and index.
type ChunkStore interface {
	PutChunk(ctx context.Context, key models.SessionKey, index int, r io.Reader) (int64, error)
	ChunksPresent(ctx context.Context, key models.SessionKey) ([]int, error)
	// OpenInOrder returns the concatenation of chunks 0..total-1, or a
	// missing chunk error if any of them is absent.
	OpenInOrder(ctx context.Context, key models.SessionKey, total int) (io.ReadCloser, error)
	Purge(ctx context.Context, key models.SessionKey) error
	// SweepOrphans removes chunk directories untouched since cutoff whose
	// session ID is not kept.
	SweepOrphans(ctx context.Context, cutoff time.Time, keep func(sessionID string) bool) (int, error)

	health.ReadinessCheck
}

// SessionStore keeps the received-index bookkeeping. Every method is atomic
// per session.
type SessionStore interface {
	// MarkReceived records receipt.Index and returns the updated session.
	// claimed is true for exactly one caller: the one whose update completed
	// the index set while the session was collecting. That caller owns
	// reassembly.
	MarkReceived(ctx context.Context, key models.SessionKey, receipt models.ChunkReceipt) (session *models.UploadSession, claimed bool, err error)
	GetSession(ctx context.Context, key models.SessionKey) (*models.UploadSession, error)
	// Release hands a claimed session back to collecting.
	Release(ctx context.Context, key models.SessionKey) error
	Delete(ctx context.Context, key models.SessionKey) error
	ListStale(ctx context.Context, cutoff time.Time) ([]models.UploadSession, error)

	health.ReadinessCheck
}

// FileRepository stores completed files as named blobs.
type FileRepository interface {
	// Put stores r under name and returns the stored file. The stored name
	// differs from name only under CollisionVersion.
	Put(ctx context.Context, name string, r io.Reader) (models.StoredFile, error)
	Get(ctx context.Context, name string) (io.ReadCloser, models.StoredFile, error)
	List(ctx context.Context) ([]models.StoredFile, error)
	Delete(ctx context.Context, name string) error

	health.ReadinessCheck
}

type CollisionPolicy string

const (
	CollisionOverwrite CollisionPolicy = "overwrite"
	CollisionVersion   CollisionPolicy = "version"
)

const maxVersions = 1000

func ParseCollisionPolicy(s string) (CollisionPolicy, error) {
	switch CollisionPolicy(s) {
	case "", CollisionOverwrite:
		return CollisionOverwrite, nil
	case CollisionVersion:
		return CollisionVersion, nil
	}
	return "", fmt.Errorf("unknown collision policy %q", s)
}
