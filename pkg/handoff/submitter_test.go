package handoff

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/ValerySidorin/exset/pkg/allocator"
	"github.com/ValerySidorin/exset/pkg/catalogue"
	"github.com/ValerySidorin/exset/pkg/job"
	"github.com/ValerySidorin/exset/pkg/layout"
	"github.com/ValerySidorin/exset/pkg/objstore"
	"github.com/ValerySidorin/exset/pkg/objstore/bucket"
	"github.com/ValerySidorin/exset/pkg/queue"
	"github.com/ValerySidorin/exset/pkg/queue/memory"
	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"
)

const mb = 1024 * 1024

func newSlots(t *testing.T) *allocator.Tiered {
	t.Helper()
	slots, err := allocator.NewTiered(allocator.Config{
		SmallInstances:  2,
		MediumInstances: 1,
		LargeInstances:  3,
		Thresholds:      job.TierThresholds{MediumMinBytes: 50 * mb, LargeMinBytes: 300 * mb},
	})
	require.NoError(t, err)
	return slots
}

func response(size int64) catalogue.Response {
	return catalogue.Response{
		Products: []catalogue.Product{
			{ProductName: "GB100001", EditionNumber: 3, UpdateNumbers: []int{1}, FileSize: size},
		},
		ProductCounts: catalogue.ProductCounts{RequestedProductCount: 2, RequestedProductsAlreadyUpToDateCount: 1},
	}
}

func newSubmitter(t *testing.T, store objstore.Store, q *memory.Queue) *Submitter {
	t.Helper()
	s := NewSubmitter(Config{SubjectPrefix: "exset", URLExpiry: 24 * time.Hour}, store, newSlots(t), q, log.NewNopLogger())
	s.now = func() time.Time { return time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC) }
	return s
}

func TestSubmit(t *testing.T) {
	ctx := context.Background()
	store := bucket.New(memblob.OpenBucket(nil))
	q := memory.NewQueue(memory.Config{}, log.NewNopLogger())
	s := newSubmitter(t, store, q)

	j, err := s.Submit(ctx, response(10*mb), Request{CallbackURI: "https://client.example/cb"})
	require.NoError(t, err)

	assert.NotEmpty(t, j.BatchID)
	assert.NotEmpty(t, j.CorrelationID)
	assert.Equal(t, layout.CatalogueBlobName(j.BatchID), j.SCSResponseURI)
	assert.Equal(t, "2024-03-11T12:00:00Z", j.ExchangeSetURLExpiryDate)
	assert.Equal(t, int64(10*mb), j.FileSize)
	assert.Equal(t, 2, j.RequestedProductCount)
	assert.Equal(t, 1, j.RequestedProductsAlreadyUpToDateCount)
	assert.False(t, j.IsEmptyExchangeSet)

	raw, found, err := objstore.ReadAll(ctx, store, j.SCSResponseURI)
	require.NoError(t, err)
	require.True(t, found)
	stored, err := catalogue.Decode(raw)
	require.NoError(t, err)
	assert.Len(t, stored.Products, 1)

	assert.Equal(t, 1, q.Len("exset.small.1"))
}

func TestSubmitRoutesByTier(t *testing.T) {
	ctx := context.Background()
	q := memory.NewQueue(memory.Config{}, log.NewNopLogger())
	s := newSubmitter(t, bucket.New(memblob.OpenBucket(nil)), q)

	for _, size := range []int64{mb, mb, mb, 100 * mb, 400 * mb, 400 * mb} {
		_, err := s.Submit(ctx, response(size), Request{})
		require.NoError(t, err)
	}

	assert.Equal(t, 2, q.Len("exset.small.1"))
	assert.Equal(t, 1, q.Len("exset.small.2"))
	assert.Equal(t, 1, q.Len("exset.medium.1"))
	assert.Equal(t, 1, q.Len("exset.large.1"))
	assert.Equal(t, 1, q.Len("exset.large.2"))
	assert.Equal(t, 0, q.Len("exset.large.3"))
}

func TestSubmitKeepsRequestIDs(t *testing.T) {
	s := newSubmitter(t, bucket.New(memblob.OpenBucket(nil)), memory.NewQueue(memory.Config{}, log.NewNopLogger()))

	j, err := s.Submit(context.Background(), catalogue.Response{}, Request{BatchID: "B1", CorrelationID: "C1", IgnoreCache: true})
	require.NoError(t, err)
	assert.Equal(t, "B1", j.BatchID)
	assert.Equal(t, "C1", j.CorrelationID)
	assert.Equal(t, "B1.json", j.SCSResponseURI)
	assert.True(t, j.IsEmptyExchangeSet)
	assert.True(t, j.IgnoreCache)
}

type failingStore struct {
	objstore.Store
}

func (failingStore) Put(context.Context, string, io.Reader, string) error {
	return errors.New("storage unavailable")
}

func TestSubmitStoreFailureDoesNotEnqueue(t *testing.T) {
	q := memory.NewQueue(memory.Config{}, log.NewNopLogger())
	s := newSubmitter(t, failingStore{}, q)

	_, err := s.Submit(context.Background(), response(mb), Request{BatchID: "B1"})
	require.Error(t, err)

	for _, slot := range newSlots(t).Slots() {
		assert.Equal(t, 0, q.Len(queue.Subject("exset", slot.Tier, slot.Instance)))
	}
	assert.Equal(t, 1, s.slots.Current(job.TierSmall))
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, *job.Job) error {
	return errors.New("queue unavailable")
}

func TestSubmitEnqueueFailureLeavesBlob(t *testing.T) {
	ctx := context.Background()
	store := bucket.New(memblob.OpenBucket(nil))
	s := NewSubmitter(Config{SubjectPrefix: "exset"}, store, newSlots(t), failingPublisher{}, log.NewNopLogger())

	_, err := s.Submit(ctx, response(mb), Request{BatchID: "B1"})
	require.Error(t, err)

	ok, err := store.Exists(ctx, "B1.json")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSubmitInvalidCallback(t *testing.T) {
	q := memory.NewQueue(memory.Config{}, log.NewNopLogger())
	store := bucket.New(memblob.OpenBucket(nil))
	s := newSubmitter(t, store, q)

	_, err := s.Submit(context.Background(), response(mb), Request{BatchID: "B1", CallbackURI: "not a url"})
	require.Error(t, err)

	ok, err := store.Exists(context.Background(), "B1.json")
	require.NoError(t, err)
	assert.False(t, ok)
}
