package retention

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ValerySidorin/exset/pkg/layout"
	"github.com/ValerySidorin/exset/pkg/objstore"
	"github.com/ValerySidorin/exset/pkg/objstore/bucket"
	"github.com/go-kit/log"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"
)

var now = time.Date(2024, 3, 10, 15, 30, 0, 0, time.UTC)

func mkBatch(t *testing.T, base, date, batchID string) string {
	t.Helper()
	dir := filepath.Join(base, date, batchID)
	require.NoError(t, os.MkdirAll(layout.EncRootDir(dir), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, batchID+".zip"), []byte("zip"), 0o644))
	return dir
}

func putBlob(t *testing.T, s objstore.Store, batchID string) {
	t.Helper()
	require.NoError(t, s.Put(context.Background(), layout.CatalogueBlobName(batchID), strings.NewReader("{}"), objstore.ContentTypeJSON))
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func newTestSweeper(t *testing.T, base string, blobs objstore.Store, purger CachePurger) *Sweeper {
	t.Helper()
	s, err := NewSweeper(Config{NumberOfDays: 1, Schedule: "0 2 * * *"}, base, Containers{Responses: blobs}, purger, nil, log.NewNopLogger())
	require.NoError(t, err)
	return s
}

func TestCutoff(t *testing.T) {
	s := newTestSweeper(t, t.TempDir(), bucket.New(memblob.OpenBucket(nil)), nil)
	assert.Equal(t, time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC), s.Cutoff(now))
	assert.Equal(t, time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC), s.Cutoff(time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)))
}

func TestSweepDateBoundary(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	blobs := bucket.New(memblob.OpenBucket(nil))

	mkBatch(t, base, "08Mar2024", "B0")
	mkBatch(t, base, "09Mar2024", "B1")
	mkBatch(t, base, "10Mar2024", "B2")
	require.NoError(t, os.MkdirAll(filepath.Join(base, "not-a-date", "B3"), 0o755))
	for _, id := range []string{"B0", "B1", "B2", "B3"} {
		putBlob(t, blobs, id)
	}

	s := newTestSweeper(t, base, blobs, nil)
	require.True(t, s.Sweep(ctx, now))

	assert.False(t, exists(filepath.Join(base, "08Mar2024")))
	assert.False(t, exists(filepath.Join(base, "09Mar2024")))
	assert.True(t, exists(filepath.Join(base, "10Mar2024", "B2")))
	assert.True(t, exists(filepath.Join(base, "not-a-date", "B3")))

	for id, want := range map[string]bool{"B0": false, "B1": false, "B2": true, "B3": true} {
		ok, err := blobs.Exists(ctx, layout.CatalogueBlobName(id))
		require.NoError(t, err)
		assert.Equal(t, want, ok, id)
	}
}

func TestSweepMissingBlob(t *testing.T) {
	base := t.TempDir()
	dir := mkBatch(t, base, "01Mar2024", "B1")

	s := newTestSweeper(t, base, bucket.New(memblob.OpenBucket(nil)), nil)
	require.True(t, s.Sweep(context.Background(), now))
	assert.False(t, exists(dir))
}

func TestSweepMissingBaseDir(t *testing.T) {
	s := newTestSweeper(t, filepath.Join(t.TempDir(), "absent"), bucket.New(memblob.OpenBucket(nil)), nil)
	assert.True(t, s.Sweep(context.Background(), now))
}

// failingStore fails deletes of one blob.
type failingStore struct {
	objstore.Store
	fail string
}

func (s *failingStore) Delete(ctx context.Context, name string) (bool, error) {
	if name == s.fail {
		return false, errors.New("storage unavailable")
	}
	return s.Store.Delete(ctx, name)
}

func TestSweepFailureKeepsPartialDeletion(t *testing.T) {
	base := t.TempDir()
	b1 := mkBatch(t, base, "01Mar2024", "B1")
	b2 := mkBatch(t, base, "01Mar2024", "B2")

	blobs := &failingStore{Store: bucket.New(memblob.OpenBucket(nil)), fail: layout.CatalogueBlobName("B2")}
	putBlob(t, blobs, "B1")
	putBlob(t, blobs, "B2")

	s := newTestSweeper(t, base, blobs, nil)
	assert.False(t, s.Sweep(context.Background(), now))

	assert.False(t, exists(b1))
	assert.True(t, exists(b2))
}

type purger struct {
	before time.Time
	err    error
}

func (p *purger) Purge(_ context.Context, before time.Time) (int, error) {
	p.before = before
	return 3, p.err
}

func TestSweepPurgesCache(t *testing.T) {
	p := &purger{}
	s := newTestSweeper(t, t.TempDir(), bucket.New(memblob.OpenBucket(nil)), p)
	require.True(t, s.Sweep(context.Background(), now))
	assert.Equal(t, s.Cutoff(now), p.before)

	// Cache errors never fail the sweep.
	p.err = errors.New("cache down")
	assert.True(t, s.Sweep(context.Background(), now))
}

func TestSweepExpiresOrphanResponses(t *testing.T) {
	ctx := context.Background()
	blobs := bucket.New(memblob.OpenBucket(nil))

	// Written by an accept phase whose enqueue failed: no batch folder exists.
	putBlob(t, blobs, "ORPHAN")
	require.NoError(t, blobs.Put(ctx, "notes.txt", strings.NewReader("x"), objstore.ContentTypeData))

	s := newTestSweeper(t, t.TempDir(), blobs, nil)

	require.True(t, s.Sweep(ctx, time.Now()))
	ok, err := blobs.Exists(ctx, layout.CatalogueBlobName("ORPHAN"))
	require.NoError(t, err)
	assert.True(t, ok, "fresh response expired early")

	require.True(t, s.Sweep(ctx, time.Now().AddDate(0, 0, 3)))
	ok, err = blobs.Exists(ctx, layout.CatalogueBlobName("ORPHAN"))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = blobs.Exists(ctx, "notes.txt")
	require.NoError(t, err)
	assert.True(t, ok, "only catalogue responses expire from the responses container")
}

func TestSweepExpiresArtifactsAndSideCache(t *testing.T) {
	ctx := context.Background()
	responses := bucket.New(memblob.OpenBucket(nil))
	artifacts := bucket.New(memblob.OpenBucket(nil))
	side := bucket.New(memblob.OpenBucket(nil))

	require.NoError(t, artifacts.Put(ctx, layout.ArtifactKey("B1"), strings.NewReader("zip"), objstore.ContentTypeZip))
	require.NoError(t, side.Put(ctx, layout.SideCacheKey("R1", "GB100001.000"), strings.NewReader("data"), objstore.ContentTypeData))

	s, err := NewSweeper(Config{NumberOfDays: 1, Schedule: "@daily"}, t.TempDir(),
		Containers{Responses: responses, Artifacts: artifacts, SideCache: side}, nil, nil, log.NewNopLogger())
	require.NoError(t, err)

	require.True(t, s.Sweep(ctx, time.Now()))
	infos, err := artifacts.List(ctx)
	require.NoError(t, err)
	assert.Len(t, infos, 1)

	require.True(t, s.Sweep(ctx, time.Now().AddDate(0, 0, 3)))
	for name, store := range map[string]objstore.Store{"artifacts": artifacts, "side cache": side} {
		infos, err := store.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, infos, name)
	}
}

func TestConfigValidate(t *testing.T) {
	for name, tc := range map[string]struct {
		cfg   Config
		valid bool
	}{
		"valid":         {cfg: Config{NumberOfDays: 1, Schedule: "0 2 * * *"}, valid: true},
		"descriptor":    {cfg: Config{NumberOfDays: 30, Schedule: "@daily"}, valid: true},
		"zero days":     {cfg: Config{NumberOfDays: 0, Schedule: "0 2 * * *"}},
		"negative days": {cfg: Config{NumberOfDays: -1, Schedule: "0 2 * * *"}},
		"bad schedule":  {cfg: Config{NumberOfDays: 1, Schedule: "every day"}},
	} {
		t.Run(name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestNewSweeperRequiresStore(t *testing.T) {
	_, err := NewSweeper(Config{NumberOfDays: 1, Schedule: "@daily"}, t.TempDir(), Containers{Artifacts: bucket.New(memblob.OpenBucket(nil))}, nil, nil, log.NewNopLogger())
	assert.Error(t, err)
}

func TestServiceRunsOnSchedule(t *testing.T) {
	base := t.TempDir()
	dir := mkBatch(t, base, "01Jan2000", "B1")

	cfg := Config{NumberOfDays: 1, Schedule: "@every 1s"}
	sweeper, err := NewSweeper(cfg, base, Containers{Responses: bucket.New(memblob.OpenBucket(nil))}, nil, nil, log.NewNopLogger())
	require.NoError(t, err)
	svc, err := NewService(cfg, sweeper, log.NewNopLogger())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, services.StartAndAwaitRunning(ctx, svc))
	assert.Eventually(t, func() bool { return !exists(dir) }, 5*time.Second, 50*time.Millisecond)
	require.NoError(t, services.StopAndAwaitTerminated(ctx, svc))
}

