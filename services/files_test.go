package services

import (
	"bytes"
	"context"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/Yulian302/lfusys-services-uploads/apperror"
	"github.com/Yulian302/lfusys-services-uploads/audit"
	"github.com/Yulian302/lfusys-services-uploads/caching"
	"github.com/Yulian302/lfusys-services-uploads/cipher"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func token(t *testing.T, name string) string {
	t.Helper()
	enc, err := cipher.EncodeName(name, testKey)
	require.NoError(t, err)
	return enc
}

func TestListFiles_EncryptsNamesAndSkipsHidden(t *testing.T) {
	ctx := context.Background()
	env := setupEnv(t)

	require.NoError(t, os.WriteFile(filepath.Join(env.disk.Root(), "b.txt"), []byte("bb"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(env.disk.Root(), "a.pdf"), []byte("%PDF-"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(env.disk.Root(), ".upload-1.tmp"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(env.disk.Root(), "trailing."), []byte("x"), 0o600))

	entries, err := env.download.ListFiles(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, token(t, "a.pdf"), entries[0].Name)
	assert.EqualValues(t, 5, entries[0].Size)
	assert.Equal(t, token(t, "b.txt"), entries[1].Name)
	assert.EqualValues(t, 2, entries[1].Size)

	for _, e := range entries {
		_, err := hex.DecodeString(e.Name)
		assert.NoError(t, err)
		assert.NotContains(t, e.Name, ".")
	}
}

func TestListFiles_CachedAndInvalidatedOnUpload(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	env := setupEnv(t, withCache(caching.NewRedisCachingService(client)))

	entries, err := env.download.ListFiles(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.True(t, mr.Exists(FilesCacheKey))

	// written behind the service's back: the cached listing still wins
	require.NoError(t, os.WriteFile(filepath.Join(env.disk.Root(), "side.txt"), []byte("x"), 0o600))
	entries, err = env.download.ListFiles(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = env.uploads.Upload(ctx, UploadRequest{
		OriginalName: "new.txt",
		Body:         bytes.NewReader(encrypt(t, []byte("fresh"))),
	})
	require.NoError(t, err)
	assert.False(t, mr.Exists(FilesCacheKey))

	entries, err = env.download.ListFiles(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestOpenDownload_ReturnsEncryptedStream(t *testing.T) {
	ctx := context.Background()
	env := setupEnv(t)

	plain := []byte("%PDF-1.4 quarterly numbers")
	require.NoError(t, os.WriteFile(filepath.Join(env.disk.Root(), "q3.pdf"), plain, 0o600))

	dl, err := env.download.OpenDownload(ctx, token(t, "q3.pdf"), "198.51.100.7")
	require.NoError(t, err)
	defer dl.Body.Close()

	body, err := io.ReadAll(dl.Body)
	require.NoError(t, err)
	assert.Equal(t, encrypt(t, plain), body)
	assert.Equal(t, "application/pdf", dl.ContentType)
	assert.EqualValues(t, len(plain), dl.Size)
	assert.Equal(t, token(t, "q3.pdf"), dl.Token)
	assert.Empty(t, env.recorder.Events())
}

func TestOpenDownload_UppercaseTokenCanonicalized(t *testing.T) {
	env := setupEnv(t)
	require.NoError(t, os.WriteFile(filepath.Join(env.disk.Root(), "a.txt"), []byte("a"), 0o600))

	upper := bytes.ToUpper([]byte(token(t, "a.txt")))
	dl, err := env.download.OpenDownload(context.Background(), string(upper), "")
	require.NoError(t, err)
	defer dl.Body.Close()
	assert.Equal(t, token(t, "a.txt"), dl.Token)
}

func TestOpenDownload_TraversalIsContainmentError(t *testing.T) {
	env := setupEnv(t)

	_, err := env.download.OpenDownload(context.Background(), token(t, "../../etc/passwd"), "198.51.100.7")
	require.Error(t, err)
	assert.Equal(t, apperror.KindContainment, apperror.KindOf(err))

	events := env.recorder.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "PATH_TRAVERSAL_ATTEMPT", events[0].Kind)
	assert.Equal(t, "198.51.100.7", events[0].Client)
	assert.Equal(t, audit.OutcomeRejected, events[0].Outcome)
}

func TestOpenDownload_NonCanonicalNameRejected(t *testing.T) {
	env := setupEnv(t)

	_, err := env.download.OpenDownload(context.Background(), token(t, " a.txt"), "")
	assert.Equal(t, apperror.KindValidation, apperror.KindOf(err))
	assert.Len(t, env.recorder.Events(), 1)
}

func TestOpenDownload_MalformedToken(t *testing.T) {
	env := setupEnv(t)

	for _, tok := range []string{"zz", "abc", "c3"} {
		_, err := env.download.OpenDownload(context.Background(), tok, "")
		assert.Equal(t, apperror.KindValidation, apperror.KindOf(err), tok)
		assert.Equal(t, audit.KindMalformedName, apperror.RuleOf(err), tok)
	}
}

func TestOpenDownload_Missing(t *testing.T) {
	env := setupEnv(t)

	_, err := env.download.OpenDownload(context.Background(), token(t, "nothing.txt"), "")
	assert.ErrorIs(t, err, apperror.ErrFileNotFound)
	assert.Equal(t, 404, apperror.HTTPStatus(err))
	assert.Empty(t, env.recorder.Events())
}
