package bucket

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"
)

func TestStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New(memblob.OpenBucket(nil))
	defer s.Close()

	_, found, err := s.Get(ctx, "B1.json")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.Put(ctx, "B1.json", strings.NewReader(`{"products":[]}`), "application/json"))

	ok, err := s.Exists(ctx, "B1.json")
	require.NoError(t, err)
	assert.True(t, ok)

	rc, found, err := s.Get(ctx, "B1.json")
	require.NoError(t, err)
	require.True(t, found)
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, `{"products":[]}`, string(b))

	deleted, err := s.Delete(ctx, "B1.json")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = s.Delete(ctx, "B1.json")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestOpenRequiresURL(t *testing.T) {
	_, err := Open(context.Background(), Config{}, "responses")
	assert.Error(t, err)
}

func TestOpenScopesContainer(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(ctx, Config{URL: "file://" + dir}, "responses")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put(ctx, "B1.json", strings.NewReader("{}"), "application/json"))

	other, err := Open(ctx, Config{URL: "file://" + dir}, "cache")
	require.NoError(t, err)
	defer other.Close()

	ok, err := other.Exists(ctx, "B1.json")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListScopedToContainer(t *testing.T) {
	ctx := context.Background()
	b := memblob.OpenBucket(nil)
	artifacts := New(blob.PrefixedBucket(b, "artifacts/"))
	responses := New(blob.PrefixedBucket(b, "responses/"))

	require.NoError(t, artifacts.Put(ctx, "B1/B1.zip", strings.NewReader("zip"), "application/x-zip-compressed"))
	require.NoError(t, artifacts.Put(ctx, "B2/B2.zip", strings.NewReader("zip"), "application/x-zip-compressed"))
	require.NoError(t, responses.Put(ctx, "B1.json", strings.NewReader("{}"), "application/json"))

	infos, err := artifacts.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "B1/B1.zip", infos[0].Name)
	assert.Equal(t, "B2/B2.zip", infos[1].Name)
	assert.False(t, infos[0].ModTime.IsZero())

	infos, err = responses.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "B1.json", infos[0].Name)
}
