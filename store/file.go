package store

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Yulian302/lfusys-services-uploads/apperror"
	"github.com/Yulian302/lfusys-services-uploads/logging"
	"github.com/Yulian302/lfusys-services-uploads/models"
	"github.com/Yulian302/lfusys-services-uploads/sanitize"
	"github.com/zeebo/blake3"
)

// DiskFileRepository stores completed files directly in a directory. Writes
// go to a hidden temp file first and are renamed (or hard linked) into
// place, so a partial file is never visible to List or Get.
type DiskFileRepository struct {
	guard     *sanitize.Guard
	collision CollisionPolicy
	logger    logging.Logger
}

func NewDiskFileRepository(root string, collision CollisionPolicy, l logging.Logger) (*DiskFileRepository, error) {
	g, err := sanitize.NewGuard(root)
	if err != nil {
		return nil, fmt.Errorf("file repository: %w", err)
	}
	return &DiskFileRepository{guard: g, collision: collision, logger: l}, nil
}

func (r *DiskFileRepository) Root() string {
	return r.guard.Root()
}

func (r *DiskFileRepository) Name() string {
	return "FileRepository[disk]"
}

func (r *DiskFileRepository) IsReady(ctx context.Context) error {
	info, err := os.Stat(r.guard.Root())
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return errors.New("uploads root is not a directory")
	}
	return nil
}

func (r *DiskFileRepository) Put(ctx context.Context, name string, src io.Reader) (models.StoredFile, error) {
	path, err := r.guard.Resolve(name)
	if err != nil {
		return models.StoredFile{}, err
	}

	tmp, err := os.CreateTemp(r.guard.Root(), ".upload-*.tmp")
	if err != nil {
		return models.StoredFile{}, apperror.IO("create temp file", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			_ = os.Remove(tmpName)
		}
	}()

	h := blake3.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), src)
	if err == nil {
		err = tmp.Sync()
	}
	if cErr := tmp.Close(); err == nil {
		err = cErr
	}
	if err != nil {
		if apperror.KindOf(err) == apperror.KindInternal {
			err = apperror.IO("write file", err)
		}
		return models.StoredFile{}, err
	}

	storedName := name
	switch r.collision {
	case CollisionVersion:
		storedName, path, err = r.linkVersioned(tmpName, name)
		if err != nil {
			return models.StoredFile{}, err
		}
	default:
		if err := os.Rename(tmpName, path); err != nil {
			return models.StoredFile{}, apperror.IO("commit file", err)
		}
		tmpName = ""
	}

	info, err := os.Stat(path)
	if err != nil {
		return models.StoredFile{}, apperror.IO("stat stored file", err)
	}

	r.logger.Info("file stored", "name", storedName, "bytes", n)
	return models.StoredFile{
		Name:     storedName,
		Size:     info.Size(),
		ModTime:  info.ModTime(),
		Checksum: hex.EncodeToString(h.Sum(nil)),
	}, nil
}

// linkVersioned hard links tmp to the first free name among name,
// name-1, name-2, ... Link fails if the target exists, so two sessions
// finishing with the same name never clobber each other.
func (r *DiskFileRepository) linkVersioned(tmp, name string) (string, string, error) {
	for i := 0; i < maxVersions; i++ {
		candidate := versionedName(name, i)
		path, err := r.guard.Resolve(candidate)
		if err != nil {
			return "", "", err
		}
		err = os.Link(tmp, path)
		if err == nil {
			return candidate, path, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", "", apperror.IO("commit file", err)
		}
	}
	return "", "", apperror.Conflict("too many versions of "+name, nil)
}

// versionedName returns name for v == 0 and base-v.ext otherwise, trimming
// the base so the result still fits the filename limit.
func versionedName(name string, v int) string {
	if v == 0 {
		return name
	}
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	suffix := "-" + strconv.Itoa(v)
	if over := len(base) + len(suffix) + len(ext) - sanitize.MaxNameLength; over > 0 {
		base = strings.ToValidUTF8(base[:max(len(base)-over, 0)], "")
	}
	return base + suffix + ext
}

func (r *DiskFileRepository) Get(ctx context.Context, name string) (io.ReadCloser, models.StoredFile, error) {
	path, err := r.guard.Resolve(name)
	if err != nil {
		return nil, models.StoredFile{}, err
	}

	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, models.StoredFile{}, apperror.ErrFileNotFound
	}
	if err != nil {
		return nil, models.StoredFile{}, apperror.IO("stat file", err)
	}
	if !info.Mode().IsRegular() {
		return nil, models.StoredFile{}, apperror.ErrFileNotFound
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, models.StoredFile{}, apperror.IO("open file", err)
	}
	return f, models.StoredFile{Name: name, Size: info.Size(), ModTime: info.ModTime()}, nil
}

// List returns regular files only. Hidden files, which include in-flight
// temp files, are skipped.
func (r *DiskFileRepository) List(ctx context.Context) ([]models.StoredFile, error) {
	entries, err := os.ReadDir(r.guard.Root())
	if err != nil {
		return nil, apperror.IO("list uploads", err)
	}

	files := make([]models.StoredFile, 0, len(entries))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") || !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, models.StoredFile{Name: e.Name(), Size: info.Size(), ModTime: info.ModTime()})
	}
	return files, nil
}

// Delete removes a stored file. name must already be in the form Clean
// produces, so an operator typo never removes a different file.
func (r *DiskFileRepository) Delete(ctx context.Context, name string) error {
	_, path, modified, err := r.guard.Sanitize(name)
	if err != nil {
		return err
	}
	if modified {
		return apperror.Validation(sanitize.RuleInvalidFilename, "file name is not canonical")
	}
	err = os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return apperror.ErrFileNotFound
	}
	if err != nil {
		return apperror.IO("delete file", err)
	}
	r.logger.Info("file deleted", "name", name)
	return nil
}
