package queue

import (
	"context"
	"flag"
	"fmt"
	"strconv"

	"github.com/ValerySidorin/exset/pkg/job"
	"github.com/ValerySidorin/exset/pkg/queue/asynq"
	"github.com/ValerySidorin/exset/pkg/queue/handler"
	"github.com/ValerySidorin/exset/pkg/queue/memory"
	"github.com/ValerySidorin/exset/pkg/queue/nats"
	"github.com/go-kit/log"
	"github.com/pkg/errors"
)

type Config struct {
	Type   string        `yaml:"type"`
	Prefix string        `yaml:"prefix"`
	Nats   nats.Config   `yaml:"nats"`
	Asynq  asynq.Config  `yaml:"asynq"`
	Memory memory.Config `yaml:"memory"`
}

func (c *Config) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	f.StringVar(&c.Type, flagPrefix+"type", "nats", "Work queue backend. Supported values are: nats, asynq, memory.")
	f.StringVar(&c.Prefix, flagPrefix+"prefix", "exset", "Prefix of every work queue subject.")
	c.Nats.RegisterFlags(flagPrefix, f)
	c.Asynq.RegisterFlags(flagPrefix, f)
	c.Memory.RegisterFlags(flagPrefix, f)
}

type Publisher interface {
	Publish(ctx context.Context, subject string, j *job.Job) error
}

// Subscriber delivers jobs from subjects to h until ctx is done.
type Subscriber interface {
	Subscribe(ctx context.Context, subjects []string, h handler.Func) error
}

type Queue interface {
	Publisher
	Subscriber
	Close() error
}

func New(cfg Config, log log.Logger) (Queue, error) {
	switch cfg.Type {
	case "nats":
		return nats.NewClient(cfg.Nats, cfg.Prefix, log)
	case "asynq":
		return asynq.NewClient(cfg.Asynq, log)
	case "memory":
		return memory.NewQueue(cfg.Memory, log), nil
	default:
		return nil, errors.New(fmt.Sprintf("invalid queue type: %q", cfg.Type))
	}
}

// Subject names the queue of one worker slot: {prefix}.{tier}.{instance}.
func Subject(prefix string, tier job.Tier, instance int) string {
	return prefix + "." + string(tier) + "." + strconv.Itoa(instance)
}
