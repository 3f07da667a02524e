package blob

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const s3StagingPrefix = ".staging/"

// S3Options configures NewS3.
type S3Options struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// S3 stores blobs in an S3-compatible bucket. Uploads land under ".staging/" and are
// copied to their final key on Commit.
type S3 struct {
	client *minio.Client
	bucket string
}

// NewS3 connects to the endpoint and creates the bucket if it does not exist.
func NewS3(ctx context.Context, opts S3Options) (*S3, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}

	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", opts.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", opts.Bucket, err)
		}
	}
	return &S3{client: client, bucket: opts.Bucket}, nil
}

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}

func (s *S3) Stage(ctx context.Context, r io.Reader) (*Staged, error) {
	ref := s3StagingPrefix + uuid.NewString()
	info, err := s.client.PutObject(ctx, s.bucket, ref, r, -1,
		minio.PutObjectOptions{ContentType: "application/octet-stream"},
	)
	if err != nil {
		return nil, fmt.Errorf("upload staging object: %w", err)
	}
	return &Staged{ref: ref, Size: info.Size}, nil
}

func (s *S3) Commit(ctx context.Context, st *Staged, name string) error {
	if err := validName(name); err != nil {
		return err
	}
	_, err := s.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: s.bucket, Object: name},
		minio.CopySrcOptions{Bucket: s.bucket, Object: st.ref},
	)
	if err != nil {
		return fmt.Errorf("commit %s: %w", name, err)
	}
	return s.Discard(ctx, st)
}

func (s *S3) Discard(ctx context.Context, st *Staged) error {
	if err := s.client.RemoveObject(ctx, s.bucket, st.ref, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove staging object: %w", err)
	}
	return nil
}

func (s *S3) Fetch(ctx context.Context, name string) (string, func(), error) {
	if validName(name) != nil {
		return "", nil, ErrNotFound
	}
	dir, err := os.MkdirTemp("", "transcribegate-blob-*")
	if err != nil {
		return "", nil, fmt.Errorf("create temp dir: %w", err)
	}
	release := func() { os.RemoveAll(dir) }

	p := filepath.Join(dir, filepath.Base(name))
	if err := s.client.FGetObject(ctx, s.bucket, name, p, minio.GetObjectOptions{}); err != nil {
		release()
		if isNoSuchKey(err) {
			return "", nil, ErrNotFound
		}
		return "", nil, fmt.Errorf("download %s: %w", name, err)
	}
	return p, release, nil
}

func (s *S3) Stat(ctx context.Context, name string) (Info, error) {
	if validName(name) != nil {
		return Info{}, ErrNotFound
	}
	obj, err := s.client.StatObject(ctx, s.bucket, name, minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return Info{}, ErrNotFound
		}
		return Info{}, fmt.Errorf("stat %s: %w", name, err)
	}
	return Info{Name: name, Size: obj.Size, ModTime: obj.LastModified}, nil
}

func (s *S3) Delete(ctx context.Context, name string) error {
	if validName(name) != nil {
		return nil
	}
	if err := s.client.RemoveObject(ctx, s.bucket, name, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	return nil
}

func (s *S3) List(ctx context.Context) ([]Info, error) {
	var out []Info
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list objects: %w", obj.Err)
		}
		if strings.HasPrefix(obj.Key, ".") || strings.HasSuffix(obj.Key, "/") {
			continue
		}
		out = append(out, Info{Name: obj.Key, Size: obj.Size, ModTime: obj.LastModified})
	}
	return out, nil
}
