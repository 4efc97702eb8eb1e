package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ValerySidorin/exset/pkg/job"
	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func TestPublishSubscribe(t *testing.T) {
	q := NewQueue(Config{Buffer: 4}, log.NewNopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, q.Publish(ctx, "exset.small.1", &job.Job{BatchID: "B1", SCSResponseURI: "B1.json"}))
	require.NoError(t, q.Publish(ctx, "exset.small.2", &job.Job{BatchID: "B2", SCSResponseURI: "B2.json"}))
	assert.Equal(t, 1, q.Len("exset.small.1"))

	got := make(chan string, 2)
	go func() {
		_ = q.Subscribe(ctx, []string{"exset.small.1", "exset.small.2"}, func(_ context.Context, j *job.Job) error {
			got <- j.BatchID
			return nil
		})
	}()

	ids := []string{<-got, <-got}
	assert.ElementsMatch(t, []string{"B1", "B2"}, ids)
}

func TestFailedHandlingIsRedelivered(t *testing.T) {
	q := NewQueue(Config{Buffer: 4}, log.NewNopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, q.Publish(ctx, "exset.large.1", &job.Job{BatchID: "B1", SCSResponseURI: "B1.json"}))

	attempts := atomic.NewInt32(0)
	done := make(chan struct{})
	go func() {
		_ = q.Subscribe(ctx, []string{"exset.large.1"}, func(_ context.Context, j *job.Job) error {
			if attempts.Inc() == 1 {
				return errors.New("worker shutting down")
			}
			close(done)
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job was not redelivered")
	}
	assert.Equal(t, int32(2), attempts.Load())
	assert.Equal(t, int64(2), q.Delivered())
}

func TestPublishRejectsInvalidJob(t *testing.T) {
	q := NewQueue(Config{}, log.NewNopLogger())
	assert.Error(t, q.Publish(context.Background(), "exset.small.1", &job.Job{}))
}

func TestPublishFullSubject(t *testing.T) {
	q := NewQueue(Config{Buffer: 1}, log.NewNopLogger())
	ctx := context.Background()

	require.NoError(t, q.Publish(ctx, "s", &job.Job{BatchID: "B1", SCSResponseURI: "B1.json"}))
	assert.Error(t, q.Publish(ctx, "s", &job.Job{BatchID: "B2", SCSResponseURI: "B2.json"}))
}
