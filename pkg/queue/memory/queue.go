package memory

import (
	"context"
	"flag"
	"sync"

	"github.com/ValerySidorin/exset/pkg/job"
	"github.com/ValerySidorin/exset/pkg/queue/handler"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/sourcegraph/conc"
	"go.uber.org/atomic"
)

type Config struct {
	Buffer int `yaml:"buffer"`
}

func (c *Config) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	f.IntVar(&c.Buffer, flagPrefix+"memory.buffer", 1024, "Capacity of every in-process work queue subject.")
}

// Queue is an in-process work queue for single-node deployments. Messages
// that fail handling are put back on their subject.
type Queue struct {
	cfg Config
	log log.Logger

	mtx      sync.Mutex
	subjects map[string]chan []byte

	delivered *atomic.Int64
}

func NewQueue(cfg Config, log log.Logger) *Queue {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}

	return &Queue{
		cfg:       cfg,
		log:       log,
		subjects:  make(map[string]chan []byte),
		delivered: atomic.NewInt64(0),
	}
}

func (q *Queue) channel(subject string) chan []byte {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	ch, ok := q.subjects[subject]
	if !ok {
		ch = make(chan []byte, q.cfg.Buffer)
		q.subjects[subject] = ch
	}
	return ch
}

func (q *Queue) Publish(ctx context.Context, subject string, j *job.Job) error {
	b, err := j.Encode()
	if err != nil {
		return err
	}

	select {
	case q.channel(subject) <- b:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "memory queue publish")
	default:
		return errors.Errorf("memory queue subject %s is full", subject)
	}
}

func (q *Queue) Subscribe(ctx context.Context, subjects []string, h handler.Func) error {
	wg := conc.NewWaitGroup()
	for _, subject := range subjects {
		ch := q.channel(subject)
		subject := subject
		wg.Go(func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b := <-ch:
					q.handle(ctx, subject, ch, b, h)
				}
			}
		})
	}
	wg.Wait()

	return nil
}

func (q *Queue) handle(ctx context.Context, subject string, ch chan []byte, b []byte, h handler.Func) {
	q.delivered.Inc()

	j, err := job.Decode(b)
	if err != nil {
		_ = level.Error(q.log).Log("msg", "dropping undecodable job", "subject", subject, "err", err)
		return
	}

	if err := h(ctx, j); err != nil {
		_ = level.Warn(q.log).Log("msg", "job will be redelivered", "batch_id", j.BatchID, "err", err)
		select {
		case ch <- b:
		default:
			_ = level.Error(q.log).Log("msg", "redelivery dropped, subject is full", "batch_id", j.BatchID)
		}
	}
}

// Len reports the number of pending messages on subject.
func (q *Queue) Len(subject string) int {
	return len(q.channel(subject))
}

func (q *Queue) Delivered() int64 {
	return q.delivered.Load()
}

func (q *Queue) Close() error {
	return nil
}
