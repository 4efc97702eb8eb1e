package retention

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
)

// Service runs the sweeper on its cron schedule.
type Service struct {
	services.Service

	cfg     Config
	sweeper *Sweeper
	log     log.Logger
	now     func() time.Time
}

func NewService(cfg Config, sweeper *Sweeper, logger log.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Service{
		cfg:     cfg,
		sweeper: sweeper,
		log:     log.With(logger, "service", "sweeper"),
		now:     time.Now,
	}
	s.Service = services.NewBasicService(nil, s.running, nil)

	return s, nil
}

func (s *Service) running(ctx context.Context) error {
	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(s.cfg.Schedule, func() {
		s.sweeper.Sweep(ctx, s.now())
	}); err != nil {
		return errors.Wrap(err, "schedule retention sweep")
	}

	c.Start()
	_ = level.Info(s.log).Log("msg", "retention sweep scheduled", "schedule", s.cfg.Schedule)

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
