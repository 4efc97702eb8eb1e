package retention

import (
	"context"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ValerySidorin/exset/pkg/layout"
	"github.com/ValerySidorin/exset/pkg/objstore"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"
)

type Config struct {
	NumberOfDays int    `yaml:"number_of_days"`
	Schedule     string `yaml:"schedule"`
}

func (c *Config) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	f.IntVar(&c.NumberOfDays, flagPrefix+"number-of-days", 7, "Date folders older than this many days are deleted.")
	f.StringVar(&c.Schedule, flagPrefix+"schedule", "0 2 * * *", "Cron schedule of the retention sweep, in UTC.")
}

func (c *Config) Validate() error {
	if c.NumberOfDays <= 0 {
		return errors.New("retention number of days must be positive")
	}
	if _, err := cron.ParseStandard(c.Schedule); err != nil {
		return errors.Wrapf(err, "invalid retention schedule %q", c.Schedule)
	}
	return nil
}

// CachePurger evicts result cache rows older than a cutoff.
type CachePurger interface {
	Purge(ctx context.Context, before time.Time) (int, error)
}

type metrics struct {
	sweeps       *prometheus.CounterVec
	deleted      prometheus.Counter
	missingBlobs prometheus.Counter
	purgedRows   prometheus.Counter
	expiredBlobs *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)

	return &metrics{
		sweeps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "exset_retention_sweeps_total",
			Help: "Retention sweeps by result.",
		}, []string{"result"}),
		deleted: f.NewCounter(prometheus.CounterOpts{
			Name: "exset_retention_deleted_batches_total",
			Help: "Batch trees deleted by the retention sweep.",
		}),
		missingBlobs: f.NewCounter(prometheus.CounterOpts{
			Name: "exset_retention_missing_blobs_total",
			Help: "Catalogue response blobs already absent when their batch was swept.",
		}),
		purgedRows: f.NewCounter(prometheus.CounterOpts{
			Name: "exset_retention_purged_cache_rows_total",
			Help: "Result cache rows evicted by the retention sweep.",
		}),
		expiredBlobs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "exset_retention_expired_blobs_total",
			Help: "Blobs deleted for being older than the horizon, by container.",
		}, []string{"container"}),
	}
}

// Containers are the blob stores a sweep expires. Responses is required.
type Containers struct {
	Responses objstore.Store
	Artifacts objstore.Store
	SideCache objstore.Store
}

type expiring struct {
	container string
	store     objstore.Store
	suffix    string
}

// Sweeper deletes date folders under baseDir older than the horizon along
// with the stored catalogue responses of their batches. Blobs no folder
// accounts for expire by modification time.
type Sweeper struct {
	cfg     Config
	baseDir string
	log     log.Logger

	blobs    objstore.Store
	expiring []expiring
	purger   CachePurger

	metrics *metrics
}

// NewSweeper builds a sweeper. purger may be nil.
func NewSweeper(cfg Config, baseDir string, blobs Containers, purger CachePurger, reg prometheus.Registerer, logger log.Logger) (*Sweeper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if blobs.Responses == nil {
		return nil, errors.New("retention sweeper needs a responses blob store")
	}

	exp := []expiring{{container: "responses", store: blobs.Responses, suffix: layout.CatalogueBlobSuffix}}
	if blobs.Artifacts != nil {
		exp = append(exp, expiring{container: "artifacts", store: blobs.Artifacts})
	}
	if blobs.SideCache != nil {
		exp = append(exp, expiring{container: "side_cache", store: blobs.SideCache})
	}

	return &Sweeper{
		cfg:      cfg,
		baseDir:  baseDir,
		log:      log.With(logger, "component", "retention"),
		blobs:    blobs.Responses,
		expiring: exp,
		purger:   purger,
		metrics:  newMetrics(reg),
	}, nil
}

// Cutoff is the newest date swept at now. Times of day are ignored.
func (s *Sweeper) Cutoff(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -s.cfg.NumberOfDays)
}

// Sweep reports whether the whole tree was traversed. Deletions made
// before a failure are kept.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) bool {
	cutoff := s.Cutoff(now)
	_ = level.Info(s.log).Log("msg", "retention sweep started", "cutoff", layout.DateFolder(cutoff))

	if err := s.sweep(ctx, cutoff); err != nil {
		s.metrics.sweeps.WithLabelValues("failure").Inc()
		_ = level.Error(s.log).Log("msg", "retention sweep failed", "err", err)
		return false
	}
	if err := s.expireBlobs(ctx, cutoff); err != nil {
		s.metrics.sweeps.WithLabelValues("failure").Inc()
		_ = level.Error(s.log).Log("msg", "blob expiry failed", "err", err)
		return false
	}

	if s.purger != nil {
		n, err := s.purger.Purge(ctx, cutoff)
		if err != nil {
			_ = level.Warn(s.log).Log("msg", "result cache purge failed", "err", err)
		} else {
			s.metrics.purgedRows.Add(float64(n))
		}
	}

	s.metrics.sweeps.WithLabelValues("success").Inc()
	_ = level.Info(s.log).Log("msg", "retention sweep finished")
	return true
}

func (s *Sweeper) sweep(ctx context.Context, cutoff time.Time) error {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			_ = level.Info(s.log).Log("msg", "base directory does not exist, nothing to sweep", "dir", s.baseDir)
			return nil
		}
		return errors.Wrap(err, "read base dir")
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		date, ok := layout.ParseDateFolder(entry.Name())
		if !ok {
			_ = level.Debug(s.log).Log("msg", "skipping folder that is not a date", "folder", entry.Name())
			continue
		}
		if date.After(cutoff) {
			continue
		}

		if err := s.sweepDateFolder(ctx, filepath.Join(s.baseDir, entry.Name())); err != nil {
			return errors.Wrapf(err, "sweep %s", entry.Name())
		}
	}

	return nil
}

func (s *Sweeper) sweepDateFolder(ctx context.Context, dir string) error {
	batches, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			_ = level.Info(s.log).Log("msg", "date folder already gone", "dir", dir)
			return nil
		}
		return err
	}

	for _, b := range batches {
		if !b.IsDir() {
			continue
		}
		if err := s.sweepBatch(ctx, b.Name(), filepath.Join(dir, b.Name())); err != nil {
			return err
		}
	}

	return os.RemoveAll(dir)
}

// sweepBatch deletes the catalogue response blob and the local tree of one
// batch. A missing blob does not stop the local deletion.
func (s *Sweeper) sweepBatch(ctx context.Context, batchID, dir string) error {
	name := layout.CatalogueBlobName(batchID)

	deleted, err := s.blobs.Delete(ctx, name)
	if err != nil {
		return errors.Wrapf(err, "delete blob %s", name)
	}
	if !deleted {
		s.metrics.missingBlobs.Inc()
		_ = level.Warn(s.log).Log("msg", "catalogue response blob not found", "blob", name)
	}

	if err := os.RemoveAll(dir); err != nil {
		return errors.Wrapf(err, "delete batch dir %s", batchID)
	}

	s.metrics.deleted.Inc()
	_ = level.Debug(s.log).Log("msg", "batch swept", "batch_id", batchID)
	return nil
}

// expireBlobs deletes blobs last written on or before the cutoff day. This
// reclaims responses whose job was never enqueued along with published
// archives and side cache copies past their expiry.
func (s *Sweeper) expireBlobs(ctx context.Context, cutoff time.Time) error {
	horizon := cutoff.AddDate(0, 0, 1)

	for _, e := range s.expiring {
		infos, err := e.store.List(ctx)
		if err != nil {
			return errors.Wrapf(err, "list %s", e.container)
		}

		for _, info := range infos {
			if !strings.HasSuffix(info.Name, e.suffix) || !info.ModTime.Before(horizon) {
				continue
			}

			deleted, err := e.store.Delete(ctx, info.Name)
			if err != nil {
				return errors.Wrapf(err, "delete %s blob %s", e.container, info.Name)
			}
			if deleted {
				s.metrics.expiredBlobs.WithLabelValues(e.container).Inc()
				_ = level.Debug(s.log).Log("msg", "blob expired", "container", e.container, "blob", info.Name)
			}
		}
	}

	return nil
}
