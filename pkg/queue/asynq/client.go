package asynq

import (
	"context"
	"flag"
	"fmt"

	"github.com/ValerySidorin/exset/pkg/job"
	"github.com/ValerySidorin/exset/pkg/queue/handler"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hibiken/asynq"
	"github.com/pkg/errors"
)

const (
	TaskTypeFulfil = "exset:fulfil"
)

type Config struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	MaxRetry int    `yaml:"max_retry"`
}

func (c *Config) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	f.StringVar(&c.Addr, flagPrefix+"asynq.addr", "localhost:6379", "Redis address backing the asynq work queue.")
	f.StringVar(&c.Password, flagPrefix+"asynq.password", "", "Redis password.")
	f.IntVar(&c.DB, flagPrefix+"asynq.db", 0, "Redis database.")
	f.IntVar(&c.MaxRetry, flagPrefix+"asynq.max-retry", 5, "Maximum redeliveries of one job.")
}

func (c *Config) redisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
	}
}

// Client publishes every slot subject as its own asynq queue.
type Client struct {
	cfg    Config
	client *asynq.Client
	log    log.Logger
}

func NewClient(cfg Config, log log.Logger) (*Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("asynq redis address is required")
	}

	return &Client{
		cfg:    cfg,
		client: asynq.NewClient(cfg.redisOpt()),
		log:    log,
	}, nil
}

func (c *Client) Publish(ctx context.Context, subject string, j *job.Job) error {
	b, err := j.Encode()
	if err != nil {
		return err
	}

	task := asynq.NewTask(TaskTypeFulfil, b)
	if _, err := c.client.EnqueueContext(ctx, task,
		asynq.Queue(subject), asynq.MaxRetry(c.cfg.MaxRetry), asynq.TaskID(j.BatchID)); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			_ = level.Debug(c.log).Log("msg", "job already enqueued", "batch_id", j.BatchID)
			return nil
		}
		return errors.Wrap(err, "asynq enqueue")
	}

	return nil
}

func (c *Client) Subscribe(ctx context.Context, subjects []string, h handler.Func) error {
	queues := make(map[string]int, len(subjects))
	for _, s := range subjects {
		queues[s] = 1
	}

	srv := asynq.NewServer(c.cfg.redisOpt(), asynq.Config{
		Concurrency: len(subjects),
		Queues:      queues,
		Logger:      &logger{log: c.log},
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskTypeFulfil, func(ctx context.Context, t *asynq.Task) error {
		j, err := job.Decode(t.Payload())
		if err != nil {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return h(ctx, j)
	})

	if err := srv.Start(mux); err != nil {
		return errors.Wrap(err, "asynq start server")
	}

	<-ctx.Done()
	srv.Shutdown()

	return nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

// logger routes asynq's internal logging through go-kit.
type logger struct {
	log log.Logger
}

func (l *logger) Debug(args ...interface{}) {
	_ = level.Debug(l.log).Log("msg", fmt.Sprint(args...), "component", "asynq")
}

func (l *logger) Info(args ...interface{}) {
	_ = level.Info(l.log).Log("msg", fmt.Sprint(args...), "component", "asynq")
}

func (l *logger) Warn(args ...interface{}) {
	_ = level.Warn(l.log).Log("msg", fmt.Sprint(args...), "component", "asynq")
}

func (l *logger) Error(args ...interface{}) {
	_ = level.Error(l.log).Log("msg", fmt.Sprint(args...), "component", "asynq")
}

func (l *logger) Fatal(args ...interface{}) {
	_ = level.Error(l.log).Log("msg", fmt.Sprint(args...), "component", "asynq")
}
