package blobstore

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type S3Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	PathStyle bool
}

// Validate reports the first missing required field.
func (c S3Config) Validate() error {
	switch {
	case c.Endpoint == "":
		return errors.New("s3 endpoint is required")
	case c.Bucket == "":
		return errors.New("s3 bucket is required")
	}
	return nil
}

type s3Store struct {
	cl     *minio.Client
	bucket string
}

var _ Store = (*s3Store)(nil)

// NewS3 returns a Store backed by an S3 compatible bucket.
func NewS3(cfg S3Config) (Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	}
	if cfg.PathStyle {
		opts.BucketLookup = minio.BucketLookupPath
	}
	cl, err := minio.New(cfg.Endpoint, opts)
	if err != nil {
		return nil, errors.Wrap(err, "create s3 client")
	}
	return &s3Store{cl: cl, bucket: cfg.Bucket}, nil
}

func (s *s3Store) Get(ctx context.Context, key string) ([]byte, string, error) {
	obj, err := s.cl.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, "", mapError(err, key)
	}
	defer obj.Close()
	info, err := obj.Stat()
	if err != nil {
		return nil, "", mapError(err, key)
	}
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, "", mapError(err, key)
	}
	return data, info.ContentType, nil
}

func (s *s3Store) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.cl.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return errors.Wrapf(err, "put %s", key)
	}
	return nil
}

func (s *s3Store) List(ctx context.Context, prefix string) ([]Object, error) {
	var out []Object
	for info := range s.cl.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if info.Err != nil {
			return nil, errors.Wrapf(info.Err, "list %s", prefix)
		}
		out = append(out, Object{
			Key:          info.Key,
			Size:         info.Size,
			ContentType:  info.ContentType,
			LastModified: info.LastModified,
		})
	}
	slices.SortFunc(out, func(a, b Object) int { return strings.Compare(a.Key, b.Key) })
	return out, nil
}

func (s *s3Store) Delete(ctx context.Context, key string) error {
	if _, err := s.cl.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{}); err != nil {
		return mapError(err, key)
	}
	if err := s.cl.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return errors.Wrapf(err, "delete %s", key)
	}
	return nil
}

func mapError(err error, key string) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound {
		return errors.Wrapf(ErrNotFound, "%s", key)
	}
	return errors.Wrapf(err, "s3 object %s", key)
}
