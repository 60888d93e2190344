package store

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Yulian302/lfusys-services-uploads/apperror"
	"github.com/Yulian302/lfusys-services-uploads/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFileRepository(t *testing.T, collision CollisionPolicy) *DiskFileRepository {
	t.Helper()
	r, err := NewDiskFileRepository(filepath.Join(t.TempDir(), "uploads"), collision, logging.NewNopLogger())
	require.NoError(t, err)
	return r
}

func readAll(t *testing.T, rc io.ReadCloser) string {
	t.Helper()
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(b)
}

func TestDiskFileRepository_PutGetList(t *testing.T) {
	ctx := context.Background()
	r := newTestFileRepository(t, CollisionOverwrite)

	stored, err := r.Put(ctx, "notes.txt", strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, "notes.txt", stored.Name)
	assert.EqualValues(t, 5, stored.Size)
	assert.Len(t, stored.Checksum, 64)

	rc, file, err := r.Get(ctx, "notes.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", readAll(t, rc))
	assert.EqualValues(t, 5, file.Size)

	files, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "notes.txt", files[0].Name)
}

func TestDiskFileRepository_OverwriteReplaces(t *testing.T) {
	ctx := context.Background()
	r := newTestFileRepository(t, CollisionOverwrite)

	_, err := r.Put(ctx, "a.txt", strings.NewReader("one"))
	require.NoError(t, err)
	stored, err := r.Put(ctx, "a.txt", strings.NewReader("two!"))
	require.NoError(t, err)
	assert.Equal(t, "a.txt", stored.Name)

	rc, _, err := r.Get(ctx, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "two!", readAll(t, rc))
}

func TestDiskFileRepository_VersionKeepsBoth(t *testing.T) {
	ctx := context.Background()
	r := newTestFileRepository(t, CollisionVersion)

	first, err := r.Put(ctx, "a.txt", strings.NewReader("one"))
	require.NoError(t, err)
	second, err := r.Put(ctx, "a.txt", strings.NewReader("two"))
	require.NoError(t, err)
	third, err := r.Put(ctx, "a.txt", strings.NewReader("three"))
	require.NoError(t, err)

	assert.Equal(t, "a.txt", first.Name)
	assert.Equal(t, "a-1.txt", second.Name)
	assert.Equal(t, "a-2.txt", third.Name)

	rc, _, err := r.Get(ctx, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "one", readAll(t, rc))

	files, err := r.List(ctx)
	require.NoError(t, err)
	assert.Len(t, files, 3)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("disk on fire") }

func TestDiskFileRepository_FailedPutLeavesNothing(t *testing.T) {
	ctx := context.Background()
	r := newTestFileRepository(t, CollisionOverwrite)

	_, err := r.Put(ctx, "a.txt", io.MultiReader(bytes.NewBufferString("partial"), failingReader{}))
	require.Error(t, err)
	assert.Equal(t, apperror.KindIO, apperror.KindOf(err))

	entries, err := os.ReadDir(r.Root())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDiskFileRepository_PutKeepsClassifiedErrors(t *testing.T) {
	ctx := context.Background()
	r := newTestFileRepository(t, CollisionOverwrite)

	rejected := apperror.Validation("CONTENT_REJECTED", "nope")
	_, err := r.Put(ctx, "a.txt", io.MultiReader(strings.NewReader("x"), errReader{rejected}))
	assert.Equal(t, apperror.KindValidation, apperror.KindOf(err))
}

type errReader struct{ err error }

func (e errReader) Read([]byte) (int, error) { return 0, e.err }

func TestDiskFileRepository_ListSkipsHiddenAndDirs(t *testing.T) {
	ctx := context.Background()
	r := newTestFileRepository(t, CollisionOverwrite)

	require.NoError(t, os.WriteFile(filepath.Join(r.Root(), ".upload-123.tmp"), []byte("x"), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(r.Root(), "sub"), 0o700))
	_, err := r.Put(ctx, "b.txt", strings.NewReader("b"))
	require.NoError(t, err)

	files, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "b.txt", files[0].Name)
}

func TestDiskFileRepository_GetMissingAndTraversal(t *testing.T) {
	ctx := context.Background()
	r := newTestFileRepository(t, CollisionOverwrite)

	_, _, err := r.Get(ctx, "missing.txt")
	assert.ErrorIs(t, err, apperror.ErrFileNotFound)

	_, _, err = r.Get(ctx, "../../etc/passwd")
	assert.Equal(t, apperror.KindContainment, apperror.KindOf(err))
}

func TestDiskFileRepository_Delete(t *testing.T) {
	ctx := context.Background()
	r := newTestFileRepository(t, CollisionOverwrite)

	_, err := r.Put(ctx, "a.txt", strings.NewReader("x"))
	require.NoError(t, err)

	require.NoError(t, r.Delete(ctx, "a.txt"))
	assert.ErrorIs(t, r.Delete(ctx, "a.txt"), apperror.ErrFileNotFound)
}

func TestDiskFileRepository_DeleteRejectsUncleanNames(t *testing.T) {
	ctx := context.Background()
	r := newTestFileRepository(t, CollisionOverwrite)

	_, err := r.Put(ctx, "badname.txt", strings.NewReader("keep"))
	require.NoError(t, err)

	err = r.Delete(ctx, "bad|name.txt")
	require.Error(t, err)
	assert.Equal(t, apperror.KindValidation, apperror.KindOf(err))

	err = r.Delete(ctx, "../badname.txt")
	assert.Equal(t, apperror.KindContainment, apperror.KindOf(err))

	rc, _, err := r.Get(ctx, "badname.txt")
	require.NoError(t, err)
	assert.Equal(t, "keep", readAll(t, rc))
}

func TestVersionedName(t *testing.T) {
	assert.Equal(t, "a.txt", versionedName("a.txt", 0))
	assert.Equal(t, "a-3.txt", versionedName("a.txt", 3))
	assert.Equal(t, "archive.tar-1.gz", versionedName("archive.tar.gz", 1))
	assert.Equal(t, "README-2", versionedName("README", 2))

	long := strings.Repeat("x", 251) + ".txt"
	got := versionedName(long, 12)
	assert.LessOrEqual(t, len(got), 255)
	assert.True(t, strings.HasSuffix(got, "-12.txt"))
}
