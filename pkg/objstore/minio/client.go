package minio

import (
	"context"
	"flag"
	"io"
	"net/http"

	"github.com/ValerySidorin/exset/pkg/objstore/object"
	util_io "github.com/ValerySidorin/exset/pkg/util/io"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
)

type Config struct {
	Endpoint          string `yaml:"endpoint"`
	MinioRootUser     string `yaml:"minio_root_user"`
	MinioRootPassword string `yaml:"minio_root_password"`
	Secure            bool   `yaml:"secure"`
}

func (c *Config) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	f.StringVar(&c.Endpoint, flagPrefix+"minio.endpoint", "localhost:9000", "Minio endpoint.")
	f.StringVar(&c.MinioRootUser, flagPrefix+"minio.user", "", "Minio access key.")
	f.StringVar(&c.MinioRootPassword, flagPrefix+"minio.password", "", "Minio secret key.")
	f.BoolVar(&c.Secure, flagPrefix+"minio.secure", false, "Use TLS when talking to minio.")
}

func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("minio endpoint is required")
	}
	if c.MinioRootUser == "" || c.MinioRootPassword == "" {
		return errors.New("minio credentials are required")
	}
	return nil
}

type Store struct {
	client *minio.Client
	bucket string
}

func NewStore(ctx context.Context, cfg Config, bucket string) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	minioClient, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioRootUser, cfg.MinioRootPassword, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, errors.Wrap(err, "initialize minio client")
	}

	found, err := minioClient.BucketExists(ctx, bucket)
	if err != nil {
		return nil, errors.Wrap(err, "check minio bucket exists")
	}

	if !found {
		if err := minioClient.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, errors.Wrap(err, "make minio bucket")
		}
	}

	return &Store{
		client: minioClient,
		bucket: bucket,
	}, nil
}

func (s *Store) Put(ctx context.Context, name string, r io.Reader, contentType string) error {
	size, err := util_io.TryGetSize(r)
	if err != nil {
		// minio streams unknown sizes as multipart uploads
		size = -1
	}

	_, err = s.client.PutObject(ctx, s.bucket, name, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return errors.Wrapf(err, "store minio object %s", name)
	}

	return nil
}

func (s *Store) Get(ctx context.Context, name string) (io.ReadCloser, bool, error) {
	found, err := s.Exists(ctx, name)
	if err != nil || !found {
		return nil, found, err
	}

	obj, err := s.client.GetObject(ctx, s.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, false, errors.Wrapf(err, "retrieve minio object %s", name)
	}

	return obj, true, nil
}

func (s *Store) Exists(ctx context.Context, name string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, name, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, errors.Wrapf(err, "stat minio object %s", name)
	}

	return true, nil
}

func (s *Store) Delete(ctx context.Context, name string) (bool, error) {
	found, err := s.Exists(ctx, name)
	if err != nil || !found {
		return false, err
	}

	if err := s.client.RemoveObject(ctx, s.bucket, name, minio.RemoveObjectOptions{}); err != nil {
		return false, errors.Wrapf(err, "remove minio object %s", name)
	}

	return true, nil
}

func (s *Store) List(ctx context.Context) ([]object.Info, error) {
	var infos []object.Info
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Recursive: true}) {
		if obj.Err != nil {
			return nil, errors.Wrap(obj.Err, "list minio objects")
		}
		infos = append(infos, object.Info{Name: obj.Key, ModTime: obj.LastModified})
	}

	return infos, nil
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.StatusCode == http.StatusNotFound || resp.Code == "NoSuchKey"
}
