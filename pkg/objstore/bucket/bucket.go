// Package bucket adapts any gocloud.dev blob driver (file, mem, s3, gs)
// to the artifact blob store.
package bucket

import (
	"context"
	"flag"
	"io"

	"github.com/ValerySidorin/exset/pkg/objstore/object"
	"github.com/pkg/errors"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"
)

type Config struct {
	URL string `yaml:"url"`
}

func (c *Config) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	f.StringVar(&c.URL, flagPrefix+"bucket.url", "", "Bucket URL, e.g. file:///var/lib/exset, s3://bucket?region=eu-west-2, gs://bucket.")
}

func (c *Config) Validate() error {
	if c.URL == "" {
		return errors.New("bucket url is required")
	}
	return nil
}

type Store struct {
	bucket *blob.Bucket
}

// Open opens cfg.URL and scopes every key under container.
func Open(ctx context.Context, cfg Config, container string) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b, err := blob.OpenBucket(ctx, cfg.URL)
	if err != nil {
		return nil, errors.Wrapf(err, "open bucket %s", cfg.URL)
	}

	return New(blob.PrefixedBucket(b, container+"/")), nil
}

func New(b *blob.Bucket) *Store {
	return &Store{bucket: b}
}

func (s *Store) Put(ctx context.Context, name string, r io.Reader, contentType string) error {
	w, err := s.bucket.NewWriter(ctx, name, &blob.WriterOptions{ContentType: contentType})
	if err != nil {
		return errors.Wrapf(err, "create writer for %s", name)
	}

	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return errors.Wrapf(err, "write %s", name)
	}

	if err := w.Close(); err != nil {
		return errors.Wrapf(err, "close writer for %s", name)
	}

	return nil
}

func (s *Store) Get(ctx context.Context, name string) (io.ReadCloser, bool, error) {
	r, err := s.bucket.NewReader(ctx, name, nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, false, nil
		}
		return nil, false, errors.Wrapf(err, "read %s", name)
	}

	return r, true, nil
}

func (s *Store) Exists(ctx context.Context, name string) (bool, error) {
	ok, err := s.bucket.Exists(ctx, name)
	if err != nil {
		return false, errors.Wrapf(err, "exists %s", name)
	}
	return ok, nil
}

func (s *Store) Delete(ctx context.Context, name string) (bool, error) {
	if err := s.bucket.Delete(ctx, name); err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return false, nil
		}
		return false, errors.Wrapf(err, "delete %s", name)
	}

	return true, nil
}

// List walks the whole bucket, container prefix excluded from names.
func (s *Store) List(ctx context.Context) ([]object.Info, error) {
	var infos []object.Info

	it := s.bucket.List(nil)
	for {
		obj, err := it.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "list bucket")
		}
		if obj.IsDir {
			continue
		}
		infos = append(infos, object.Info{Name: obj.Key, ModTime: obj.ModTime})
	}

	return infos, nil
}

func (s *Store) Close() error {
	return s.bucket.Close()
}
