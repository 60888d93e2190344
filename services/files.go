package services

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"path/filepath"
	"sort"
	"time"

	"github.com/Yulian302/lfusys-services-uploads/apperror"
	"github.com/Yulian302/lfusys-services-uploads/audit"
	"github.com/Yulian302/lfusys-services-uploads/caching"
	"github.com/Yulian302/lfusys-services-uploads/cipher"
	"github.com/Yulian302/lfusys-services-uploads/logging"
	"github.com/Yulian302/lfusys-services-uploads/models"
	"github.com/Yulian302/lfusys-services-uploads/sanitize"
	"github.com/Yulian302/lfusys-services-uploads/store"
)

const (
	FilesCacheKey = "uploads:files"
	filesCacheTTL = 30 * time.Second
)

// Download is an opened, re-encrypted stored file.
type Download struct {
	Token       string // hex encoded encrypted name
	ContentType string
	Size        int64
	Body        io.ReadCloser
}

type FileService interface {
	ListFiles(ctx context.Context) ([]models.FileEntry, error)
	OpenDownload(ctx context.Context, token, clientAddr string) (*Download, error)
}

type FileServiceImpl struct {
	files      store.FileRepository
	cachingSvc caching.CachingService
	key        []byte
	events     securityEvents

	logger logging.Logger
}

func NewFileServiceImpl(
	files store.FileRepository,
	cachingSvc caching.CachingService,
	key []byte,
	recorder audit.Recorder,
	l logging.Logger,
) *FileServiceImpl {
	return &FileServiceImpl{
		files:      files,
		cachingSvc: cachingSvc,
		key:        key,
		events:     securityEvents{recorder: recorder, logger: l},
		logger:     l,
	}
}

func (svc *FileServiceImpl) ListFiles(ctx context.Context) ([]models.FileEntry, error) {
	if cached, ok, err := svc.cachingSvc.Get(ctx, FilesCacheKey); err == nil && ok {
		var entries []models.FileEntry
		if err := json.Unmarshal(cached, &entries); err == nil {
			return entries, nil
		}
	} else if err != nil {
		svc.logger.Warn("files cache read failed", "error", err)
	}

	stored, err := svc.files.List(ctx)
	if err != nil {
		svc.logger.Error("failed to list files", "error", err)
		return nil, err
	}
	sort.Slice(stored, func(i, j int) bool { return stored[i].Name < stored[j].Name })

	entries := make([]models.FileEntry, 0, len(stored))
	for _, f := range stored {
		if clean, _, err := sanitize.Clean(f.Name); err != nil || clean != f.Name {
			svc.logger.Warn("skipping file with invalid name", "name", audit.Escape(f.Name))
			continue
		}
		enc, err := cipher.EncodeName(f.Name, svc.key)
		if err != nil {
			return nil, err
		}
		entries = append(entries, models.FileEntry{Name: enc, Size: f.Size})
	}

	if b, err := json.Marshal(entries); err == nil {
		if err := svc.cachingSvc.Set(ctx, FilesCacheKey, b, filesCacheTTL); err != nil {
			svc.logger.Warn("files cache write failed", "error", err)
		}
	}
	return entries, nil
}

// OpenDownload decodes token back to a stored name and opens it, streaming
// through the cipher. The stored name never appears in the result.
func (svc *FileServiceImpl) OpenDownload(ctx context.Context, token, clientAddr string) (*Download, error) {
	name, err := cipher.DecodeName(token, svc.key)
	if err != nil {
		err = apperror.Validation(audit.KindMalformedName, "malformed file name")
		return nil, svc.events.reject(ctx, clientAddr, token, err)
	}

	clean, _, err := sanitize.Clean(name)
	if err != nil {
		return nil, svc.events.reject(ctx, clientAddr, name, err)
	}
	if clean != name {
		err = apperror.Validation(sanitize.RuleInvalidFilename, "invalid file name")
		return nil, svc.events.reject(ctx, clientAddr, name, err)
	}

	rc, file, err := svc.files.Get(ctx, name)
	if errors.Is(err, apperror.ErrFileNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, svc.events.reject(ctx, clientAddr, name, err)
	}

	enc, err := cipher.NewReader(rc, svc.key)
	if err != nil {
		rc.Close()
		return nil, err
	}

	canonical, err := cipher.EncodeName(name, svc.key)
	if err != nil {
		rc.Close()
		return nil, err
	}

	svc.logger.Info("download started", "file", canonical, "bytes", file.Size)
	return &Download{
		Token:       canonical,
		ContentType: contentType(name),
		Size:        file.Size,
		Body:        readCloser{Reader: enc, Closer: rc},
	}, nil
}

func contentType(name string) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}

type readCloser struct {
	io.Reader
	io.Closer
}
