package store

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/Yulian302/lfusys-services-uploads/apperror"
	"github.com/Yulian302/lfusys-services-uploads/logging"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	meta    map[string]map[string]string
	puts    int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, meta: map[string]map[string]string{}}
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := aws.ToString(in.Key)
	if aws.ToString(in.IfNoneMatch) == "*" {
		if _, ok := f.objects[key]; ok {
			return nil, &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "At least one of the pre-conditions you specified did not hold"}
		}
	}
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[key] = b
	f.meta[key] = in.Metadata
	f.puts++
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(b)),
		ContentLength: aws.Int64(int64(len(b))),
		Metadata:      f.meta[aws.ToString(in.Key)],
	}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	delete(f.objects, aws.ToString(in.Key))
	f.mu.Unlock()
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, k := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k), Size: aws.Int64(int64(len(f.objects[k])))})
	}
	return out, nil
}

func (f *fakeS3) HeadBucket(ctx context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, nil
}

func TestS3FileRepository_PutGetUnderPrefix(t *testing.T) {
	ctx := context.Background()
	client := newFakeS3()
	r := NewS3FileRepository(client, "bucket", "/uploads/", CollisionOverwrite, logging.NewNopLogger())

	stored, err := r.Put(ctx, "a.txt", strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, "a.txt", stored.Name)
	assert.EqualValues(t, 5, stored.Size)

	_, ok := client.objects["uploads/a.txt"]
	require.True(t, ok)

	rc, file, err := r.Get(ctx, "a.txt")
	require.NoError(t, err)
	defer rc.Close()
	b, _ := io.ReadAll(rc)
	assert.Equal(t, "hello", string(b))
	assert.Equal(t, stored.Checksum, file.Checksum)
}

func TestS3FileRepository_VersionRetriesOnPreconditionFailed(t *testing.T) {
	ctx := context.Background()
	client := newFakeS3()
	r := NewS3FileRepository(client, "bucket", "uploads", CollisionVersion, logging.NewNopLogger())

	_, err := r.Put(ctx, "a.txt", strings.NewReader("one"))
	require.NoError(t, err)
	stored, err := r.Put(ctx, "a.txt", strings.NewReader("two"))
	require.NoError(t, err)
	assert.Equal(t, "a-1.txt", stored.Name)
	assert.Equal(t, "one", string(client.objects["uploads/a.txt"]))
	assert.Equal(t, "two", string(client.objects["uploads/a-1.txt"]))
}

func TestS3FileRepository_ListSkipsNestedAndHidden(t *testing.T) {
	ctx := context.Background()
	client := newFakeS3()
	client.objects["uploads/a.txt"] = []byte("a")
	client.objects["uploads/.hidden"] = []byte("h")
	client.objects["uploads/nested/b.txt"] = []byte("b")
	client.objects["other/c.txt"] = []byte("c")
	r := NewS3FileRepository(client, "bucket", "uploads", CollisionOverwrite, logging.NewNopLogger())

	files, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "a.txt", files[0].Name)
}

func TestS3FileRepository_RejectsNonCanonicalNames(t *testing.T) {
	ctx := context.Background()
	client := newFakeS3()
	r := NewS3FileRepository(client, "bucket", "uploads", CollisionOverwrite, logging.NewNopLogger())

	_, err := r.Put(ctx, "../escape.txt", strings.NewReader("x"))
	assert.Equal(t, apperror.KindContainment, apperror.KindOf(err))
	_, _, err = r.Get(ctx, " a.txt")
	assert.Equal(t, apperror.KindContainment, apperror.KindOf(err))
	assert.Zero(t, client.puts)
}

func TestS3FileRepository_GetMissing(t *testing.T) {
	r := NewS3FileRepository(newFakeS3(), "bucket", "", CollisionOverwrite, logging.NewNopLogger())

	_, _, err := r.Get(context.Background(), "nope.txt")
	assert.ErrorIs(t, err, apperror.ErrFileNotFound)
}

func TestIsPreconditionFailed(t *testing.T) {
	assert.True(t, isPreconditionFailed(&smithy.GenericAPIError{Code: "PreconditionFailed"}))
	assert.False(t, isPreconditionFailed(&smithy.GenericAPIError{Code: "AccessDenied"}))
}
