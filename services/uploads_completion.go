package services

import (
	"bufio"
	"context"
	"errors"
	"io"
	"time"

	"github.com/Yulian302/lfusys-services-uploads/apperror"
	"github.com/Yulian302/lfusys-services-uploads/caching"
	"github.com/Yulian302/lfusys-services-uploads/cipher"
	"github.com/Yulian302/lfusys-services-uploads/logging"
	"github.com/Yulian302/lfusys-services-uploads/models"
	"github.com/Yulian302/lfusys-services-uploads/policy"
	"github.com/Yulian302/lfusys-services-uploads/queues"
	"github.com/Yulian302/lfusys-services-uploads/store"
	"github.com/google/uuid"
)

// UploadCompletionService turns encrypted uploads into stored plaintext
// files.
type UploadCompletionService interface {
	// CompleteUpload reassembles a claimed session: chunks 0..total-1 are
	// concatenated, decrypted as one stream, checked, and stored.
	CompleteUpload(ctx context.Context, key models.SessionKey, clientAddr string) (models.StoredFile, error)
	// StoreDirect stores a single-shot upload without staging chunks.
	StoreDirect(ctx context.Context, name string, encrypted io.Reader, clientAddr string) (models.StoredFile, error)
}

type UploadCompletionServiceImpl struct {
	chunkStore   store.ChunkStore
	sessionStore store.SessionStore
	files        store.FileRepository
	cachingSvc   caching.CachingService
	notifier     queues.UploadsNotifier
	policy       policy.Policy
	key          []byte

	logger logging.Logger
}

func NewUploadCompletionServiceImpl(
	chunkStore store.ChunkStore,
	sessionStore store.SessionStore,
	files store.FileRepository,
	cachingSvc caching.CachingService,
	notifier queues.UploadsNotifier,
	p policy.Policy,
	key []byte,
	l logging.Logger,
) *UploadCompletionServiceImpl {
	return &UploadCompletionServiceImpl{
		chunkStore:   chunkStore,
		sessionStore: sessionStore,
		files:        files,
		cachingSvc:   cachingSvc,
		notifier:     notifier,
		policy:       p,
		key:          key,
		logger:       l,
	}
}

func (svc *UploadCompletionServiceImpl) CompleteUpload(ctx context.Context, key models.SessionKey, clientAddr string) (models.StoredFile, error) {
	sessionID := key.ID()
	svc.logger.Info("reassembly started", "session_id", sessionID, "total_chunks", key.TotalChunks)

	rc, err := svc.chunkStore.OpenInOrder(ctx, key, key.TotalChunks)
	if err != nil {
		return models.StoredFile{}, svc.fail(ctx, key, err)
	}
	defer rc.Close()

	file, err := svc.decryptAndStore(ctx, key.FileName, rc)
	if err != nil {
		return models.StoredFile{}, svc.fail(ctx, key, err)
	}

	if err := svc.chunkStore.Purge(ctx, key); err != nil {
		// the reaper sweeps leftovers
		svc.logger.Error("chunk purge failed", "session_id", sessionID, "error", err)
	}
	if err := svc.sessionStore.Delete(ctx, key); err != nil {
		svc.logger.Error("upload session deletion failed", "session_id", sessionID, "error", err)
	}

	svc.completed(ctx, file, key.TotalChunks, clientAddr)
	svc.logger.Info("reassembly completed", "session_id", sessionID, "bytes", file.Size)
	return file, nil
}

func (svc *UploadCompletionServiceImpl) StoreDirect(ctx context.Context, name string, encrypted io.Reader, clientAddr string) (models.StoredFile, error) {
	file, err := svc.decryptAndStore(ctx, name, encrypted)
	if err != nil {
		svc.logger.Warn("single upload failed", "error", err)
		return models.StoredFile{}, err
	}
	svc.completed(ctx, file, 1, clientAddr)
	return file, nil
}

// decryptAndStore streams the plaintext into the repository after checking
// its leading bytes. Nothing becomes visible unless the whole stream is
// written.
func (svc *UploadCompletionServiceImpl) decryptAndStore(ctx context.Context, name string, encrypted io.Reader) (models.StoredFile, error) {
	plain, err := cipher.NewReader(encrypted, svc.key)
	if err != nil {
		return models.StoredFile{}, err
	}

	br := bufio.NewReaderSize(plain, policy.SniffLen)
	head, err := br.Peek(policy.SniffLen)
	if err != nil && !errors.Is(err, io.EOF) {
		if apperror.KindOf(err) == apperror.KindInternal {
			err = apperror.IO("read upload", err)
		}
		return models.StoredFile{}, err
	}
	if err := svc.policy.CheckContent(name, head); err != nil {
		return models.StoredFile{}, err
	}

	return svc.files.Put(ctx, name, svc.policy.LimitReader(br))
}

// fail applies the failure policy: rejected content and gaps discard the
// session, anything else hands it back so a resent chunk retries.
func (svc *UploadCompletionServiceImpl) fail(ctx context.Context, key models.SessionKey, cause error) error {
	sessionID := key.ID()

	switch apperror.KindOf(cause) {
	case apperror.KindMissingChunk, apperror.KindValidation, apperror.KindContainment:
		svc.logger.Warn("reassembly rejected, discarding session", "session_id", sessionID, "error", cause)
		if err := svc.chunkStore.Purge(ctx, key); err != nil {
			svc.logger.Error("chunk purge failed", "session_id", sessionID, "error", err)
		}
		if err := svc.sessionStore.Delete(ctx, key); err != nil {
			svc.logger.Error("upload session deletion failed", "session_id", sessionID, "error", err)
		}
	default:
		svc.logger.Error("reassembly failed, releasing session", "session_id", sessionID, "error", cause)
		if err := svc.sessionStore.Release(ctx, key); err != nil {
			svc.logger.Error("upload session release failed", "session_id", sessionID, "error", err)
		}
	}
	return cause
}

func (svc *UploadCompletionServiceImpl) completed(ctx context.Context, file models.StoredFile, totalChunks int, clientAddr string) {
	if err := svc.cachingSvc.Delete(ctx, FilesCacheKey); err != nil {
		// not critical, entries expire
		svc.logger.Error("cached files invalidation failed", "error", err)
	}

	encName, err := cipher.EncodeName(file.Name, svc.key)
	if err != nil {
		svc.logger.Error("failed to encode stored name", "error", err)
		return
	}

	evt := models.UploadCompletedEvent{
		FileID:        uuid.NewString(),
		EncryptedName: encName,
		Size:          file.Size,
		Checksum:      file.Checksum,
		TotalChunks:   totalChunks,
		ClientAddr:    clientAddr,
		CompletedAt:   time.Now().UTC(),
	}
	if err := svc.notifier.NotifyCompleted(ctx, evt); err != nil {
		svc.logger.Error("completion notification failed", "file_id", evt.FileID, "error", err)
	}
}
