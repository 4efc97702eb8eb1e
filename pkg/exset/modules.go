package exset

import (
	"context"

	"github.com/ValerySidorin/exset/pkg/allocator"
	"github.com/ValerySidorin/exset/pkg/cache"
	"github.com/ValerySidorin/exset/pkg/filestore"
	"github.com/ValerySidorin/exset/pkg/fulfilment"
	"github.com/ValerySidorin/exset/pkg/handoff"
	"github.com/ValerySidorin/exset/pkg/notifier"
	"github.com/ValerySidorin/exset/pkg/objstore"
	"github.com/ValerySidorin/exset/pkg/queue"
	"github.com/ValerySidorin/exset/pkg/retention"
	util_log "github.com/ValerySidorin/exset/pkg/util/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
)

const (
	Queue      = "queue"
	Allocator  = "allocator"
	BlobStore  = "blob-store"
	CacheStore = "result-cache"
	Engine     = "engine"
	Worker     = "worker"
	Sweeper    = "sweeper"
	Submitter  = "submitter"
	All        = "all"
)

type disposer interface {
	Dispose()
}

type errDisposer interface {
	Dispose() error
}

func (e *Exset) initQueue() (services.Service, error) {
	q, err := queue.New(e.Cfg.Queue, util_log.Logger)
	if err != nil {
		return nil, errors.Wrap(err, "connect to work queue")
	}
	e.Queue = q

	return services.NewIdleService(nil, func(_ error) error {
		return q.Close()
	}), nil
}

func (e *Exset) initAllocator() (services.Service, error) {
	slots, err := allocator.NewTiered(e.Cfg.Allocator)
	if err != nil {
		return nil, err
	}
	e.Slots = slots

	return nil, nil
}

func (e *Exset) initBlobStore() (services.Service, error) {
	ctx := context.Background()
	c := e.Cfg.Containers

	var err error
	if e.Responses, err = objstore.NewStore(ctx, e.Cfg.BlobStore, c.Responses); err != nil {
		return nil, errors.Wrap(err, "open responses container")
	}
	if e.Artifacts, err = objstore.NewStore(ctx, e.Cfg.BlobStore, c.Artifacts); err != nil {
		return nil, errors.Wrap(err, "open artifacts container")
	}
	if c.SideCacheEnabled {
		if e.SideCache, err = objstore.NewStore(ctx, e.Cfg.BlobStore, c.SideCache); err != nil {
			return nil, errors.Wrap(err, "open side cache container")
		}
	}

	return nil, nil
}

func (e *Exset) initCacheStore() (services.Service, error) {
	if !e.Cfg.Cache.Enabled {
		_ = level.Info(util_log.Logger).Log("msg", "result cache disabled")
		e.Cache = cache.Disabled{}
		return nil, nil
	}

	store, err := cache.NewStore(context.Background(), e.Cfg.Cache, util_log.Logger)
	if err != nil {
		return nil, errors.Wrap(err, "connect to result cache")
	}
	e.CacheStore = store
	e.resultCache = cache.New(store, e.Registerer, util_log.Logger)
	e.Cache = e.resultCache

	return services.NewIdleService(nil, func(_ error) error {
		switch d := store.(type) {
		case errDisposer:
			return d.Dispose()
		case disposer:
			d.Dispose()
		}
		return nil
	}), nil
}

func (e *Exset) initEngine() (services.Service, error) {
	files, err := filestore.NewClient(e.Cfg.FileStore, util_log.Logger)
	if err != nil {
		return nil, err
	}

	e.Engine = fulfilment.NewEngine(
		e.Cfg.Engine,
		files,
		filestore.StaticToken(e.Cfg.FileStore.Token),
		e.Cache,
		e.Responses,
		e.SideCache,
		e.Registerer,
		util_log.Logger,
	)

	return nil, nil
}

func (e *Exset) initWorker() (services.Service, error) {
	subjects := fulfilment.Subjects(e.Cfg.Queue.Prefix, e.Slots.Slots(), e.Cfg.Worker.Tier, e.Cfg.Worker.Instance)

	var err error
	e.Worker, err = fulfilment.NewWorker(
		e.Cfg.Worker,
		subjects,
		e.Engine,
		e.Queue,
		e.Artifacts,
		notifier.New(e.Cfg.Notifier, util_log.Logger),
		util_log.Logger,
	)
	if err != nil {
		return nil, err
	}

	return e.Worker, nil
}

func (e *Exset) initSweeper() (services.Service, error) {
	var purger retention.CachePurger
	if e.resultCache != nil {
		purger = e.resultCache
	}

	sweeper, err := retention.NewSweeper(e.Cfg.Retention, e.Cfg.Engine.BaseDir, retention.Containers{
		Responses: e.Responses,
		Artifacts: e.Artifacts,
		SideCache: e.SideCache,
	}, purger, e.Registerer, util_log.Logger)
	if err != nil {
		return nil, err
	}

	e.Sweeper, err = retention.NewService(e.Cfg.Retention, sweeper, util_log.Logger)
	if err != nil {
		return nil, err
	}

	return e.Sweeper, nil
}

func (e *Exset) initSubmitter() (services.Service, error) {
	cfg := e.Cfg.Handoff
	cfg.SubjectPrefix = e.Cfg.Queue.Prefix

	e.Submitter = handoff.NewSubmitter(cfg, e.Responses, e.Slots, e.Queue, util_log.Logger)
	return nil, nil
}

func (e *Exset) setupModuleManager() error {
	mm := modules.NewManager(util_log.Logger)

	mm.RegisterModule(Queue, e.initQueue, modules.UserInvisibleModule)
	mm.RegisterModule(Allocator, e.initAllocator, modules.UserInvisibleModule)
	mm.RegisterModule(BlobStore, e.initBlobStore, modules.UserInvisibleModule)
	mm.RegisterModule(CacheStore, e.initCacheStore, modules.UserInvisibleModule)
	mm.RegisterModule(Engine, e.initEngine, modules.UserInvisibleModule)
	mm.RegisterModule(Worker, e.initWorker)
	mm.RegisterModule(Sweeper, e.initSweeper)
	mm.RegisterModule(Submitter, e.initSubmitter, modules.UserInvisibleTargetableModule)
	mm.RegisterModule(All, nil)

	deps := map[string][]string{
		Engine:    {BlobStore, CacheStore},
		Worker:    {Queue, Allocator, Engine},
		Sweeper:   {BlobStore, CacheStore},
		Submitter: {Queue, Allocator, BlobStore},
		All:       {Worker, Sweeper},
	}
	for mod, targets := range deps {
		if err := mm.AddDependency(mod, targets...); err != nil {
			return err
		}
	}

	e.ModuleManager = mm
	return nil
}
