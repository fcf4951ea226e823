package transfer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/loykin/fielddaq/internal/config"
	"github.com/loykin/fielddaq/internal/daqerr"
)

// S3Remote stores archives as objects in one bucket; the remote path is
// the object key. Directories are implicit.
type S3Remote struct {
	client *minio.Client
	bucket string
	label  string
}

func NewS3Remote(c config.S3Config) (*S3Remote, error) {
	client, err := minio.New(c.Endpoint, &minio.Options{
		Creds:      credentials.NewStaticV4(c.AccessKey, c.SecretKey, ""),
		Secure:     c.UseSSL,
		Region:     c.Region,
		MaxRetries: maxRetries(c.MaxRetries),
	})
	if err != nil {
		return nil, daqerr.Config("s3", c.Endpoint, err)
	}
	return &S3Remote{client: client, bucket: c.Bucket, label: "s3://" + c.Endpoint + "/" + c.Bucket}, nil
}

func (r *S3Remote) String() string { return r.label }

// defaultS3Retries bounds attempts per request. minio defaults to ten.
const defaultS3Retries = 3

func maxRetries(n int) int {
	if n <= 0 {
		return defaultS3Retries
	}
	return n
}

func (r *S3Remote) Connect(ctx context.Context) (Session, error) {
	ok, err := r.client.BucketExists(ctx, r.bucket)
	if err != nil {
		return nil, connErr(err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: bucket %s does not exist", ErrConnection, r.bucket)
	}
	return &s3Session{client: r.client, bucket: r.bucket}, nil
}

type s3Session struct {
	client *minio.Client
	bucket string
}

// classifyS3 maps transport failures to ErrConnection. Error responses
// from the service itself (access denied, missing key) pass through.
func classifyS3(err error) error {
	if err == nil || errors.Is(err, ErrConnection) {
		return err
	}
	if minio.ToErrorResponse(err).Code != "" {
		return err
	}
	var ue *url.Error
	var ne net.Error
	if errors.As(err, &ue) || errors.As(err, &ne) ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, net.ErrClosed) {
		return connErr(err)
	}
	return err
}

func connErr(err error) error { return fmt.Errorf("%w: %v", ErrConnection, err) }

func key(remote string) string { return strings.TrimPrefix(path.Clean("/"+remote), "/") }

func (s *s3Session) MkdirAll(context.Context, string) error { return nil }

func (s *s3Session) Put(ctx context.Context, local, remote string) (int64, error) {
	info, err := s.client.FPutObject(ctx, s.bucket, key(remote), local, minio.PutObjectOptions{
		ContentType: contentType(remote),
	})
	if err != nil {
		return 0, classifyS3(err)
	}
	return info.Size, nil
}

func (s *s3Session) Exists(ctx context.Context, remote string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key(remote), minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, classifyS3(err)
	}
	return true, nil
}

func (s *s3Session) Size(ctx context.Context, remote string) (int64, error) {
	info, err := s.client.StatObject(ctx, s.bucket, key(remote), minio.StatObjectOptions{})
	if err != nil {
		return 0, classifyS3(err)
	}
	return info.Size, nil
}

func (s *s3Session) Remove(ctx context.Context, remote string) error {
	return classifyS3(s.client.RemoveObject(ctx, s.bucket, key(remote), minio.RemoveObjectOptions{}))
}

func (s *s3Session) List(ctx context.Context, dir string) ([]string, error) {
	prefix := key(dir)
	if prefix != "" {
		prefix += "/"
	}
	var out []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix}) {
		if obj.Err != nil {
			return nil, classifyS3(obj.Err)
		}
		out = append(out, strings.TrimSuffix(strings.TrimPrefix(obj.Key, prefix), "/"))
	}
	sort.Strings(out)
	return out, nil
}

func (s *s3Session) Close() error { return nil }

func contentType(name string) string {
	switch path.Ext(name) {
	case ".zip":
		return "application/zip"
	case ".csv":
		return "text/csv"
	default:
		return "application/octet-stream"
	}
}
