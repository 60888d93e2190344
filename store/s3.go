package store

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/Yulian302/lfusys-services-uploads/apperror"
	"github.com/Yulian302/lfusys-services-uploads/logging"
	"github.com/Yulian302/lfusys-services-uploads/models"
	"github.com/Yulian302/lfusys-services-uploads/retries"
	"github.com/Yulian302/lfusys-services-uploads/sanitize"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/zeebo/blake3"
)

// S3API is the part of the S3 client the repository uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3FileRepository stores completed files as objects under a key prefix.
// PutObject is atomic, so readers never see partial objects.
type S3FileRepository struct {
	client     S3API
	bucketName string
	prefix     string
	collision  CollisionPolicy
	spoolDir   string

	logger logging.Logger
}

func NewS3FileRepository(client S3API, bucketName, prefix string, collision CollisionPolicy, l logging.Logger) *S3FileRepository {
	return &S3FileRepository{
		client:     client,
		bucketName: bucketName,
		prefix:     strings.Trim(prefix, "/"),
		collision:  collision,
		spoolDir:   os.TempDir(),
		logger:     l,
	}
}

func (s *S3FileRepository) Name() string {
	return "FileRepository[s3]"
}

func (s *S3FileRepository) IsReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucketName),
	})
	return err
}

// objectKey maps a stored name to its key. Names must already be clean; the
// joined key must stay directly under the prefix.
func (s *S3FileRepository) objectKey(name string) (string, error) {
	clean, _, err := sanitize.Clean(name)
	if err != nil {
		return "", err
	}
	if clean != name {
		return "", apperror.Containment(sanitize.RulePathTraversal, "name is not canonical")
	}

	key := path.Join(s.prefix, name)
	if key != s.listPrefix()+name {
		return "", apperror.Containment(sanitize.RulePathTraversal, "key escapes prefix")
	}
	return key, nil
}

func (s *S3FileRepository) listPrefix() string {
	if s.prefix == "" {
		return ""
	}
	return s.prefix + "/"
}

func (s *S3FileRepository) Put(ctx context.Context, name string, src io.Reader) (models.StoredFile, error) {
	if _, err := s.objectKey(name); err != nil {
		return models.StoredFile{}, err
	}

	// spool locally: the SDK needs a seekable body to sign, and the
	// checksum must be known before the object becomes visible
	spool, err := os.CreateTemp(s.spoolDir, "upload-spool-*")
	if err != nil {
		return models.StoredFile{}, apperror.IO("create spool file", err)
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()

	h := blake3.New()
	size, err := io.Copy(io.MultiWriter(spool, h), src)
	if err != nil {
		if apperror.KindOf(err) == apperror.KindInternal {
			err = apperror.IO("spool file", err)
		}
		return models.StoredFile{}, err
	}
	checksum := hex.EncodeToString(h.Sum(nil))

	versions := 1
	if s.collision == CollisionVersion {
		versions = maxVersions
	}

	for v := 0; v < versions; v++ {
		candidate := versionedName(name, v)
		key, err := s.objectKey(candidate)
		if err != nil {
			return models.StoredFile{}, err
		}
		if _, err := spool.Seek(0, io.SeekStart); err != nil {
			return models.StoredFile{}, apperror.IO("rewind spool file", err)
		}

		input := &s3.PutObjectInput{
			Bucket:        aws.String(s.bucketName),
			Key:           aws.String(key),
			Body:          spool,
			ContentLength: aws.Int64(size),
			Metadata:      map[string]string{"checksum-blake3": checksum},
		}
		if s.collision == CollisionVersion {
			input.IfNoneMatch = aws.String("*")
		}

		_, err = s.client.PutObject(ctx, input)
		if err == nil {
			s.logger.Info("object stored", "key", key, "bytes", size)
			return models.StoredFile{Name: candidate, Size: size, ModTime: time.Now(), Checksum: checksum}, nil
		}
		if s.collision == CollisionVersion && isPreconditionFailed(err) {
			continue
		}
		s.logger.Error("failed to put object", "key", key, "error", err)
		return models.StoredFile{}, apperror.IO("put object", err)
	}
	return models.StoredFile{}, apperror.Conflict("too many versions of "+name, nil)
}

func isPreconditionFailed(err error) bool {
	var re *smithyhttp.ResponseError
	if errors.As(err, &re) && re.HTTPStatusCode() == http.StatusPreconditionFailed {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed"
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NotFound" || apiErr.ErrorCode() == "NoSuchKey")
}

func (s *S3FileRepository) Get(ctx context.Context, name string) (io.ReadCloser, models.StoredFile, error) {
	key, err := s.objectKey(name)
	if err != nil {
		return nil, models.StoredFile{}, err
	}

	var out *s3.GetObjectOutput
	err = retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			var err error
			out, err = s.client.GetObject(ctx, &s3.GetObjectInput{
				Bucket: aws.String(s.bucketName),
				Key:    aws.String(key),
			})
			return err
		},
		retries.IsRetriableAWSError,
	)
	if isNotFound(err) {
		return nil, models.StoredFile{}, apperror.ErrFileNotFound
	}
	if err != nil {
		return nil, models.StoredFile{}, apperror.IO("get object", err)
	}

	file := models.StoredFile{Name: name, Size: aws.ToInt64(out.ContentLength), ModTime: aws.ToTime(out.LastModified)}
	if sum, ok := out.Metadata["checksum-blake3"]; ok {
		file.Checksum = sum
	}
	return out.Body, file, nil
}

func (s *S3FileRepository) List(ctx context.Context) ([]models.StoredFile, error) {
	prefix := s.listPrefix()
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucketName),
		Prefix: aws.String(prefix),
	})

	var files []models.StoredFile
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			s.logger.Error("failed to list objects", "prefix", prefix, "error", err)
			return nil, apperror.IO("list objects", err)
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if name == "" || strings.Contains(name, "/") || strings.HasPrefix(name, ".") {
				continue
			}
			files = append(files, models.StoredFile{
				Name:    name,
				Size:    aws.ToInt64(obj.Size),
				ModTime: aws.ToTime(obj.LastModified),
			})
		}
	}
	return files, nil
}

func (s *S3FileRepository) Delete(ctx context.Context, name string) error {
	key, err := s.objectKey(name)
	if err != nil {
		return err
	}

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	s.logger.Info("object deleted", "key", key)
	return nil
}
