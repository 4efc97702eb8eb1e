package nats

import (
	"context"
	"flag"
	"strings"
	"time"

	"github.com/ValerySidorin/exset/pkg/job"
	"github.com/ValerySidorin/exset/pkg/queue/handler"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/sourcegraph/conc"
)

type Config struct {
	Url        string        `yaml:"url"`
	Stream     string        `yaml:"stream"`
	Durable    string        `yaml:"durable"`
	AckWait    time.Duration `yaml:"ack_wait"`
	FetchWait  time.Duration `yaml:"fetch_wait"`
	MaxDeliver int           `yaml:"max_deliver"`
}

func (c *Config) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	f.StringVar(&c.Url, flagPrefix+"nats.url", nats.DefaultURL, "NATS server url.")
	f.StringVar(&c.Stream, flagPrefix+"nats.stream", "EXSET", "JetStream stream holding the work queue.")
	f.StringVar(&c.Durable, flagPrefix+"nats.durable", "exset-worker", "Durable consumer name prefix.")
	f.DurationVar(&c.AckWait, flagPrefix+"nats.ack-wait", time.Minute, "Time after which an unacknowledged job is redelivered.")
	f.DurationVar(&c.FetchWait, flagPrefix+"nats.fetch-wait", 5*time.Second, "Maximum time a pull request waits for a job.")
	f.IntVar(&c.MaxDeliver, flagPrefix+"nats.max-deliver", 5, "Maximum deliveries of one job.")
}

// Client is a JetStream work-queue stream; messages survive restarts and
// are redelivered until acknowledged.
type Client struct {
	cfg  Config
	conn *nats.Conn
	js   nats.JetStreamContext
	log  log.Logger
}

func NewClient(cfg Config, prefix string, log log.Logger) (*Client, error) {
	conn, err := nats.Connect(cfg.Url)
	if err != nil {
		return nil, errors.Wrap(err, "initialize nats connection")
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "initialize jetstream context")
	}

	if _, err := js.StreamInfo(cfg.Stream); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			conn.Close()
			return nil, errors.Wrap(err, "jetstream stream info")
		}

		if _, err := js.AddStream(&nats.StreamConfig{
			Name:      cfg.Stream,
			Subjects:  []string{prefix + ".>"},
			Retention: nats.WorkQueuePolicy,
			Storage:   nats.FileStorage,
		}); err != nil {
			conn.Close()
			return nil, errors.Wrap(err, "jetstream add stream")
		}
	}

	return &Client{
		cfg:  cfg,
		conn: conn,
		js:   js,
		log:  log,
	}, nil
}

func (c *Client) Publish(ctx context.Context, subject string, j *job.Job) error {
	b, err := j.Encode()
	if err != nil {
		return err
	}

	if _, err := c.js.Publish(subject, b, nats.Context(ctx), nats.MsgId(j.BatchID)); err != nil {
		return errors.Wrap(err, "nats publish")
	}

	return nil
}

func (c *Client) Subscribe(ctx context.Context, subjects []string, h handler.Func) error {
	subs := make([]*nats.Subscription, 0, len(subjects))
	for _, subject := range subjects {
		sub, err := c.js.PullSubscribe(subject, durableName(c.cfg.Durable, subject),
			nats.ManualAck(), nats.AckWait(c.cfg.AckWait), nats.MaxDeliver(c.cfg.MaxDeliver))
		if err != nil {
			return errors.Wrapf(err, "nats pull subscribe %s", subject)
		}
		subs = append(subs, sub)
	}

	wg := conc.NewWaitGroup()
	for _, sub := range subs {
		sub := sub
		wg.Go(func() {
			c.consume(ctx, sub, h)
		})
	}
	wg.Wait()

	return nil
}

func (c *Client) consume(ctx context.Context, sub *nats.Subscription, h handler.Func) {
	for ctx.Err() == nil {
		msgs, err := sub.Fetch(1, nats.MaxWait(c.cfg.FetchWait))
		if err != nil {
			if !errors.Is(err, nats.ErrTimeout) && ctx.Err() == nil {
				_ = level.Error(c.log).Log("msg", "nats fetch", "subject", sub.Subject, "err", err)
				time.Sleep(time.Second)
			}
			continue
		}

		for _, msg := range msgs {
			c.handle(ctx, msg, h)
		}
	}
}

func (c *Client) handle(ctx context.Context, msg *nats.Msg, h handler.Func) {
	j, err := job.Decode(msg.Data)
	if err != nil {
		_ = level.Error(c.log).Log("msg", "dropping undecodable job", "subject", msg.Subject, "err", err)
		_ = msg.Term()
		return
	}

	// Keep the message leased while a long job is running.
	heartbeat := c.cfg.AckWait / 2
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}

	done := make(chan struct{})
	go func() {
		t := time.NewTicker(heartbeat)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				_ = msg.InProgress()
			case <-done:
				return
			}
		}
	}()

	err = h(ctx, j)
	close(done)

	if err != nil {
		_ = level.Warn(c.log).Log("msg", "job will be redelivered", "batch_id", j.BatchID, "err", err)
		_ = msg.Nak()
		return
	}
	_ = msg.Ack()
}

func (c *Client) Close() error {
	c.conn.Close()
	return nil
}

func durableName(prefix, subject string) string {
	return prefix + "-" + strings.ReplaceAll(subject, ".", "-")
}
