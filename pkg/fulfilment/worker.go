package fulfilment

import (
	"context"
	"flag"
	"os"
	"strings"
	"time"

	"github.com/ValerySidorin/exset/pkg/allocator"
	"github.com/ValerySidorin/exset/pkg/job"
	"github.com/ValerySidorin/exset/pkg/layout"
	"github.com/ValerySidorin/exset/pkg/notifier"
	"github.com/ValerySidorin/exset/pkg/objstore"
	"github.com/ValerySidorin/exset/pkg/packager"
	"github.com/ValerySidorin/exset/pkg/queue"
	util_log "github.com/ValerySidorin/exset/pkg/util/log"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// StatePublished follows StateAssembled once the archive is uploaded.
const StatePublished State = "published"

type WorkerConfig struct {
	Tier           string `yaml:"tier"`
	Instance       int    `yaml:"instance"`
	ArchiveBaseURL string `yaml:"archive_base_url"`
}

func (c *WorkerConfig) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	f.StringVar(&c.Tier, flagPrefix+"tier", "", "Size tier served by this worker. Empty serves every tier.")
	f.IntVar(&c.Instance, flagPrefix+"instance", 0, "Instance slot served by this worker. Zero serves every slot of the tier.")
	f.StringVar(&c.ArchiveBaseURL, flagPrefix+"archive-base-url", "http://localhost:9000/exset-artifacts", "Base URL of published archives.")
}

// Subjects lists the queue subjects of every slot matching tier and
// instance. Empty tier or zero instance match all.
func Subjects(prefix string, slots []allocator.Slot, tier string, instance int) []string {
	return lo.FilterMap(slots, func(s allocator.Slot, _ int) (string, bool) {
		if tier != "" && string(s.Tier) != tier {
			return "", false
		}
		if instance != 0 && s.Instance != instance {
			return "", false
		}
		return queue.Subject(prefix, s.Tier, s.Instance), true
	})
}

type Notifier interface {
	Notify(ctx context.Context, callbackURI string, n notifier.Notification) error
}

// Outcome is the terminal result of processing one job.
type Outcome struct {
	BatchID     string
	State       State
	ArchivePath string
	ArchiveURI  string
	Err         error
}

func (o Outcome) Succeeded() bool {
	return o.State == StatePublished
}

type Worker struct {
	services.Service

	cfg      WorkerConfig
	log      log.Logger
	subjects []string

	engine    *Engine
	sub       queue.Subscriber
	artifacts objstore.Store
	notifier  Notifier

	now func() time.Time
}

func NewWorker(
	cfg WorkerConfig,
	subjects []string,
	engine *Engine,
	sub queue.Subscriber,
	artifacts objstore.Store,
	n Notifier,
	logger log.Logger,
) (*Worker, error) {
	if len(subjects) == 0 {
		return nil, errors.New("worker serves no queue subjects")
	}

	w := &Worker{
		cfg:       cfg,
		log:       log.With(logger, "service", "worker"),
		subjects:  subjects,
		engine:    engine,
		sub:       sub,
		artifacts: artifacts,
		notifier:  n,
		now:       time.Now,
	}
	w.Service = services.NewBasicService(nil, w.running, nil)

	return w, nil
}

func (w *Worker) running(ctx context.Context) error {
	_ = level.Info(w.log).Log("msg", "worker subscribed", "subjects", strings.Join(w.subjects, ","))

	if err := w.sub.Subscribe(ctx, w.subjects, w.handle); err != nil {
		return errors.Wrap(err, "worker subscribe")
	}
	return nil
}

// handle acknowledges every terminal outcome. Jobs interrupted by shutdown
// are handed back for redelivery.
func (w *Worker) handle(ctx context.Context, j *job.Job) error {
	out := w.Process(ctx, j)
	if out.State == StateCancelled && ctx.Err() != nil {
		return errors.Wrap(out.Err, "worker stopping")
	}
	return nil
}

// Process assembles, packages and publishes j, then notifies its callback.
func (w *Worker) Process(ctx context.Context, j *job.Job) Outcome {
	logger := util_log.WithJob(w.log, j.BatchID, j.CorrelationID)

	res, err := w.engine.Run(ctx, j)
	out := Outcome{BatchID: j.BatchID, State: res.State, Err: err}
	if err != nil {
		if ctx.Err() == nil {
			w.notify(ctx, logger, j, res, out)
		}
		return out
	}

	out = w.publish(ctx, j, res)
	if out.Err != nil {
		_ = level.Error(logger).Log("msg", "job failed after assembly", "err", out.Err)
		if rmErr := os.RemoveAll(res.BatchDir); rmErr != nil {
			_ = level.Warn(logger).Log("msg", "failed to remove batch tree", "dir", res.BatchDir, "err", rmErr)
		}
	} else {
		_ = level.Info(logger).Log("msg", "exchange set published", "uri", out.ArchiveURI)
	}

	w.notify(ctx, logger, j, res, out)
	return out
}

func (w *Worker) publish(ctx context.Context, j *job.Job, res *Result) Outcome {
	out := Outcome{BatchID: j.BatchID, State: StateFailed}

	archive, err := packager.Package(res.BatchDir, j.BatchID, j.IsEmptyExchangeSet)
	if err != nil {
		out.Err = err
		return out
	}
	out.ArchivePath = archive

	f, err := os.Open(archive)
	if err != nil {
		out.Err = errors.Wrap(err, "open archive")
		return out
	}
	defer f.Close()

	key := layout.ArtifactKey(j.BatchID)
	if err := w.artifacts.Put(ctx, key, f, objstore.ContentTypeZip); err != nil {
		out.Err = errors.Wrap(err, "publish archive")
		return out
	}

	out.State = StatePublished
	out.ArchiveURI = strings.TrimRight(w.cfg.ArchiveBaseURL, "/") + "/" + key
	return out
}

func (w *Worker) notify(ctx context.Context, logger log.Logger, j *job.Job, res *Result, out Outcome) {
	products := lo.Map(res.Products, func(p ProductResult, _ int) notifier.Product {
		return notifier.Product{
			ProductName:   p.Key.Product,
			EditionNumber: p.Key.Edition,
			UpdateNumber:  p.Key.Update,
			FromCache:     p.FromCache,
		}
	})

	n := notifier.Notification{
		BatchID:                               j.BatchID,
		CorrelationID:                         j.CorrelationID,
		Status:                                notifier.Failed,
		ExpiryDate:                            j.ExchangeSetURLExpiryDate,
		RequestedProductCount:                 j.RequestedProductCount,
		RequestedProductsAlreadyUpToDateCount: j.RequestedProductsAlreadyUpToDateCount,
		Products:                              products,
		CompletedAt:                           w.now().UTC(),
	}

	if out.Succeeded() {
		n.Status = notifier.Succeeded
		n.ArchiveURI = out.ArchiveURI
	} else if out.Err != nil {
		n.Error = out.Err.Error()
	}

	if err := w.notifier.Notify(ctx, j.CallbackURI, n); err != nil {
		_ = level.Warn(logger).Log("msg", "callback notification failed", "err", err)
	}
}
