package objstore

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/ValerySidorin/exset/pkg/objstore/bucket"
	"github.com/ValerySidorin/exset/pkg/objstore/minio"
	"github.com/ValerySidorin/exset/pkg/objstore/object"
)

const (
	ContentTypeJSON = "application/json"
	ContentTypeZip  = "application/x-zip-compressed"
	ContentTypeData = "application/octet-stream"
)

type Config struct {
	Store  string        `yaml:"store"`
	Minio  minio.Config  `yaml:"minio"`
	Bucket bucket.Config `yaml:"bucket"`
}

func (c *Config) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	f.StringVar(&c.Store, flagPrefix+"store", "minio", `Artifact blob store backend. Supported values are: minio, bucket.`)
	c.Minio.RegisterFlags(flagPrefix, f)
	c.Bucket.RegisterFlags(flagPrefix, f)
}

// Validate fails when the selected backend carries no credentials or target.
func (c *Config) Validate() error {
	switch c.Store {
	case "minio":
		return c.Minio.Validate()
	case "bucket":
		return c.Bucket.Validate()
	}

	return fmt.Errorf("invalid blob store: %q", c.Store)
}

// Store is a flat key/value holding area for blobs. Absent objects are
// reported through the found flag, never as errors.
type Store interface {
	Put(ctx context.Context, name string, r io.Reader, contentType string) error
	Get(ctx context.Context, name string) (io.ReadCloser, bool, error)
	Exists(ctx context.Context, name string) (bool, error)
	Delete(ctx context.Context, name string) (bool, error)
	List(ctx context.Context) ([]ObjectInfo, error)
}

type ObjectInfo = object.Info

func NewStore(ctx context.Context, cfg Config, container string) (Store, error) {
	switch cfg.Store {
	case "minio":
		return minio.NewStore(ctx, cfg.Minio, container)
	case "bucket":
		return bucket.Open(ctx, cfg.Bucket, container)
	}

	return nil, fmt.Errorf("invalid blob store: %q", cfg.Store)
}

// ReadAll fetches a whole blob into memory.
func ReadAll(ctx context.Context, s Store, name string) ([]byte, bool, error) {
	rc, found, err := s.Get(ctx, name)
	if err != nil || !found {
		return nil, found, err
	}
	defer rc.Close()

	b, err := io.ReadAll(rc)
	if err != nil {
		return nil, true, err
	}
	return b, true, nil
}
