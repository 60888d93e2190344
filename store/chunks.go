package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Yulian302/lfusys-services-uploads/apperror"
	"github.com/Yulian302/lfusys-services-uploads/logging"
	"github.com/Yulian302/lfusys-services-uploads/models"
	"github.com/Yulian302/lfusys-services-uploads/sanitize"
)

const chunkSuffix = ".chunk"

// DiskChunkStore keeps chunks under <root>/<session id>/<index>.chunk.
type DiskChunkStore struct {
	guard  *sanitize.Guard
	logger logging.Logger
}

func NewDiskChunkStore(root string, l logging.Logger) (*DiskChunkStore, error) {
	g, err := sanitize.NewGuard(root)
	if err != nil {
		return nil, fmt.Errorf("chunk store: %w", err)
	}
	return &DiskChunkStore{guard: g, logger: l}, nil
}

func (s *DiskChunkStore) Root() string {
	return s.guard.Root()
}

func (s *DiskChunkStore) Name() string {
	return "ChunkStore[disk]"
}

func (s *DiskChunkStore) IsReady(ctx context.Context) error {
	info, err := os.Stat(s.guard.Root())
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return errors.New("chunk root is not a directory")
	}
	return nil
}

func (s *DiskChunkStore) sessionDir(key models.SessionKey) (string, error) {
	return s.guard.Resolve(key.ID())
}

func chunkFileName(index int) string {
	return strconv.Itoa(index) + chunkSuffix
}

func (s *DiskChunkStore) PutChunk(ctx context.Context, key models.SessionKey, index int, r io.Reader) (int64, error) {
	if index < 0 || index >= key.TotalChunks {
		return 0, apperror.Validation("INVALID_CHUNK_PARAMS", "chunk index out of range")
	}

	dir, err := s.sessionDir(key)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return 0, apperror.IO("create session dir", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return 0, apperror.IO("create chunk", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			_ = os.Remove(tmpName)
		}
	}()

	n, err := io.Copy(tmp, r)
	if err == nil {
		err = tmp.Sync()
	}
	if cErr := tmp.Close(); err == nil {
		err = cErr
	}
	if err != nil {
		if apperror.KindOf(err) == apperror.KindInternal {
			err = apperror.IO("write chunk", err)
		}
		return 0, err
	}

	final := filepath.Join(dir, chunkFileName(index))
	if err := os.Rename(tmpName, final); err != nil {
		return 0, apperror.IO("commit chunk", err)
	}
	tmpName = ""

	s.logger.Debug("chunk stored", "session_id", key.ID(), "chunk_index", index, "bytes", n)
	return n, nil
}

func (s *DiskChunkStore) ChunksPresent(ctx context.Context, key models.SessionKey) ([]int, error) {
	dir, err := s.sessionDir(key)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []int{}, nil
	}
	if err != nil {
		return nil, apperror.IO("list chunks", err)
	}

	indices := make([]int, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		idx, ok := parseChunkName(e.Name())
		if !ok || idx >= key.TotalChunks {
			continue
		}
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	return indices, nil
}

func parseChunkName(name string) (int, bool) {
	if !strings.HasSuffix(name, chunkSuffix) {
		return 0, false
	}
	idx, err := strconv.Atoi(strings.TrimSuffix(name, chunkSuffix))
	if err != nil || idx < 0 {
		return 0, false
	}
	return idx, true
}

func (s *DiskChunkStore) OpenInOrder(ctx context.Context, key models.SessionKey, total int) (io.ReadCloser, error) {
	if total <= 0 {
		return nil, apperror.MissingChunk("session declares no chunks")
	}

	dir, err := s.sessionDir(key)
	if err != nil {
		return nil, err
	}

	files := make([]*os.File, 0, total)
	closeAll := func() {
		for _, f := range files {
			_ = f.Close()
		}
	}

	for i := 0; i < total; i++ {
		f, err := os.Open(filepath.Join(dir, chunkFileName(i)))
		if errors.Is(err, fs.ErrNotExist) {
			closeAll()
			return nil, apperror.MissingChunk(fmt.Sprintf("chunk %d of %d missing", i, total))
		}
		if err != nil {
			closeAll()
			return nil, apperror.IO("open chunk", err)
		}
		files = append(files, f)
	}

	readers := make([]io.Reader, len(files))
	for i, f := range files {
		readers[i] = f
	}
	return &multiReadCloser{Reader: io.MultiReader(readers...), files: files}, nil
}

type multiReadCloser struct {
	io.Reader
	files []*os.File
}

func (m *multiReadCloser) Close() error {
	var errs []error
	for _, f := range m.files {
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *DiskChunkStore) Purge(ctx context.Context, key models.SessionKey) error {
	dir, err := s.sessionDir(key)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return apperror.IO("purge chunks", err)
	}
	s.logger.Debug("chunks purged", "session_id", key.ID())
	return nil
}

func (s *DiskChunkStore) SweepOrphans(ctx context.Context, cutoff time.Time, keep func(string) bool) (int, error) {
	entries, err := os.ReadDir(s.guard.Root())
	if err != nil {
		return 0, apperror.IO("list chunk root", err)
	}

	removed := 0
	for _, e := range entries {
		select {
		case <-ctx.Done():
			return removed, ctx.Err()
		default:
		}

		if !e.IsDir() || (keep != nil && keep(e.Name())) {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		dir, err := s.guard.Resolve(e.Name())
		if err != nil {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			s.logger.Error("failed to remove orphan chunk dir", "dir", e.Name(), "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}
