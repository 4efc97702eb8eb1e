package exset

import (
	"context"
	"strings"

	"github.com/ValerySidorin/exset/pkg/allocator"
	"github.com/ValerySidorin/exset/pkg/cache"
	"github.com/ValerySidorin/exset/pkg/fulfilment"
	"github.com/ValerySidorin/exset/pkg/handoff"
	"github.com/ValerySidorin/exset/pkg/objstore"
	"github.com/ValerySidorin/exset/pkg/queue"
	"github.com/ValerySidorin/exset/pkg/retention"
	util_log "github.com/ValerySidorin/exset/pkg/util/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

type Exset struct {
	Cfg        Config
	Registerer prometheus.Registerer

	// set during initialization
	ServiceMap    map[string]services.Service
	ModuleManager *modules.Manager

	Queue      queue.Queue
	Slots      *allocator.Tiered
	Responses  objstore.Store
	Artifacts  objstore.Store
	SideCache  objstore.Store
	CacheStore cache.Store
	Cache      fulfilment.ResultCache
	Engine     *fulfilment.Engine
	Worker     *fulfilment.Worker
	Sweeper    *retention.Service
	Submitter  *handoff.Submitter

	resultCache *cache.Cache
}

func New(cfg Config, reg prometheus.Registerer) (*Exset, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Exset{
		Cfg:        cfg,
		Registerer: reg,
	}
	if err := e.setupModuleManager(); err != nil {
		return nil, err
	}

	return e, nil
}

func (e *Exset) targets() []string {
	return strings.Split(e.Cfg.Target, ",")
}

// Run starts the target modules and blocks until ctx is done or one of
// them fails.
func (e *Exset) Run(ctx context.Context) error {
	serviceMap, err := e.ModuleManager.InitModuleServices(e.targets()...)
	if err != nil {
		return err
	}
	e.ServiceMap = serviceMap

	svcs := make([]services.Service, 0, len(serviceMap))
	for _, s := range serviceMap {
		svcs = append(svcs, s)
	}

	sm, err := services.NewManager(svcs...)
	if err != nil {
		return errors.Wrap(err, "init service manager")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sm.AddListener(services.NewManagerListener(nil, cancel, func(s services.Service) {
		_ = level.Error(util_log.Logger).Log("msg", "module failed", "err", s.FailureCase())
		cancel()
	}))

	if err := services.StartManagerAndAwaitHealthy(ctx, sm); err != nil {
		return errors.Wrap(err, "start modules")
	}
	_ = level.Info(util_log.Logger).Log("msg", "exset started", "target", e.Cfg.Target)

	<-ctx.Done()

	_ = level.Info(util_log.Logger).Log("msg", "exset stopping")
	if err := services.StopManagerAndAwaitStopped(context.Background(), sm); err != nil {
		return errors.Wrap(err, "stop modules")
	}

	for _, s := range serviceMap {
		if s.State() == services.Failed {
			return s.FailureCase()
		}
	}
	return nil
}
