package services

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/Yulian302/lfusys-services-uploads/apperror"
	"github.com/Yulian302/lfusys-services-uploads/audit"
	"github.com/Yulian302/lfusys-services-uploads/cipher"
	"github.com/Yulian302/lfusys-services-uploads/logging"
	"github.com/Yulian302/lfusys-services-uploads/models"
	"github.com/Yulian302/lfusys-services-uploads/policy"
	"github.com/Yulian302/lfusys-services-uploads/sanitize"
	"github.com/Yulian302/lfusys-services-uploads/store"
)

// UploadRequest is one POST: either a chunk of a session or, when Chunked
// is false, a complete file.
type UploadRequest struct {
	OriginalName string
	ChunkIndex   int
	TotalChunks  int
	Chunked      bool
	DeclaredSize int64 // 0 when the client did not send one
	Body         io.Reader
	ClientAddr   string
}

type UploadService interface {
	Upload(ctx context.Context, req UploadRequest) (*models.UploadResult, error)
	// Reject records a request the transport refused before it could be
	// turned into an UploadRequest and returns err unchanged.
	Reject(ctx context.Context, clientAddr, raw string, err error) error
}

type UploadServiceImpl struct {
	chunkStore   store.ChunkStore
	sessionStore store.SessionStore
	completion   UploadCompletionService
	policy       policy.Policy
	locks        *KeyedMutex
	key          []byte
	events       securityEvents

	logger logging.Logger
}

func NewUploadServiceImpl(
	chunkStore store.ChunkStore,
	sessionStore store.SessionStore,
	completion UploadCompletionService,
	p policy.Policy,
	locks *KeyedMutex,
	key []byte,
	recorder audit.Recorder,
	l logging.Logger,
) *UploadServiceImpl {
	return &UploadServiceImpl{
		chunkStore:   chunkStore,
		sessionStore: sessionStore,
		completion:   completion,
		policy:       p,
		locks:        locks,
		key:          key,
		events:       securityEvents{recorder: recorder, logger: l},
		logger:       l,
	}
}

func (svc *UploadServiceImpl) Upload(ctx context.Context, req UploadRequest) (*models.UploadResult, error) {
	name, modified, err := sanitize.Clean(req.OriginalName)
	if err != nil {
		return nil, svc.events.reject(ctx, req.ClientAddr, req.OriginalName, err)
	}
	if modified {
		svc.events.warn(ctx, req.ClientAddr, audit.KindFilenameSanitized,
			audit.Detail("filename sanitized:", req.OriginalName)+" -> "+audit.Escape(name))
	}

	if err := svc.policy.CheckExtension(name); err != nil {
		return nil, svc.events.reject(ctx, req.ClientAddr, name, err)
	}

	index, total := 0, 1
	if req.Chunked {
		index, total = req.ChunkIndex, req.TotalChunks
	}
	if err := svc.policy.CheckChunkIndex(index, total); err != nil {
		return nil, svc.events.reject(ctx, req.ClientAddr, fmt.Sprintf("%s[%d/%d]", name, index, total), err)
	}
	if req.DeclaredSize > 0 {
		if err := svc.policy.CheckSize(req.DeclaredSize); err != nil {
			return nil, svc.events.reject(ctx, req.ClientAddr, name, err)
		}
	}

	body := bufio.NewReader(req.Body)
	if _, err := body.Peek(1); err != nil {
		if errors.Is(err, io.EOF) {
			err = apperror.Validation(policy.RuleInvalidChunkParams, "empty upload")
			return nil, svc.events.reject(ctx, req.ClientAddr, name, err)
		}
		return nil, apperror.IO("read upload", err)
	}
	capped := svc.policy.LimitReader(body)

	key := models.SessionKey{FileName: name, TotalChunks: total}
	unlock := svc.locks.Lock(key.ID())
	defer unlock()

	// storing must not be abandoned halfway because the client went away
	workCtx := context.WithoutCancel(ctx)

	if !req.Chunked {
		file, err := svc.completion.StoreDirect(workCtx, name, capped, req.ClientAddr)
		if err != nil {
			return nil, svc.events.reject(ctx, req.ClientAddr, name, err)
		}
		return svc.completeResult(name, 0, 1, file), nil
	}

	n, err := svc.chunkStore.PutChunk(ctx, key, index, capped)
	if err != nil {
		return nil, svc.events.reject(ctx, req.ClientAddr, name, err)
	}

	session, claimed, err := svc.sessionStore.MarkReceived(ctx, key, models.ChunkReceipt{
		Index:      index,
		Size:       n,
		ClientAddr: req.ClientAddr,
	})
	if err != nil {
		svc.logger.Error("failed to record chunk", "session_id", key.ID(), "chunk_index", index, "error", err)
		return nil, err
	}

	if session.ReceivedBytes > svc.policy.MaxFileSize {
		svc.discard(workCtx, key)
		return nil, svc.events.reject(ctx, req.ClientAddr, name, svc.policy.CheckSize(session.ReceivedBytes))
	}

	svc.logger.Debug("chunk received",
		"session_id", session.SessionID,
		"chunk_index", index,
		"received", len(session.Received),
		"total_chunks", total,
		"progress", session.Progress(),
	)

	if !claimed {
		return &models.UploadResult{
			Status:      "success",
			Message:     fmt.Sprintf("chunk %d of %d received", index+1, total),
			FileName:    name,
			ChunkIndex:  index,
			TotalChunks: total,
			Received:    len(session.Received),
		}, nil
	}

	file, err := svc.completion.CompleteUpload(workCtx, key, req.ClientAddr)
	if err != nil {
		return nil, svc.events.reject(ctx, req.ClientAddr, name, err)
	}
	return svc.completeResult(name, index, total, file), nil
}

func (svc *UploadServiceImpl) Reject(ctx context.Context, clientAddr, raw string, err error) error {
	return svc.events.reject(ctx, clientAddr, raw, err)
}

func (svc *UploadServiceImpl) discard(ctx context.Context, key models.SessionKey) {
	if err := svc.chunkStore.Purge(ctx, key); err != nil {
		svc.logger.Error("chunk purge failed", "session_id", key.ID(), "error", err)
	}
	if err := svc.sessionStore.Delete(ctx, key); err != nil {
		svc.logger.Error("upload session deletion failed", "session_id", key.ID(), "error", err)
	}
}

func (svc *UploadServiceImpl) completeResult(name string, index, total int, file models.StoredFile) *models.UploadResult {
	stored, err := cipher.EncodeName(file.Name, svc.key)
	if err != nil {
		svc.logger.Error("failed to encode stored name", "error", err)
	}
	return &models.UploadResult{
		Status:      "success",
		Message:     "file uploaded successfully",
		FileName:    name,
		ChunkIndex:  index,
		TotalChunks: total,
		Received:    total,
		Complete:    true,
		StoredName:  stored,
		Size:        file.Size,
		Checksum:    file.Checksum,
	}
}
