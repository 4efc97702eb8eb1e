// Package cache is the cache-aside table of resolved constituent-file
// descriptors. It is advisory: no failure here may fail a fulfilment.
package cache

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"time"

	"github.com/ValerySidorin/exset/pkg/cache/memory"
	"github.com/ValerySidorin/exset/pkg/cache/pg"
	"github.com/ValerySidorin/exset/pkg/cache/redis"
	"github.com/ValerySidorin/exset/pkg/cache/row"
	"github.com/ValerySidorin/exset/pkg/job"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Config struct {
	Enabled bool          `yaml:"enabled"`
	Store   string        `yaml:"store"`
	Pg      pg.Config     `yaml:"pg"`
	Redis   redis.Config  `yaml:"redis"`
	Memory  memory.Config `yaml:"memory"`
}

func (c *Config) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	f.BoolVar(&c.Enabled, flagPrefix+"enabled", true, "Consult the result cache before searching the file store.")
	f.StringVar(&c.Store, flagPrefix+"store", "memory", "Result cache backend. Supported values are: pg, redis, memory.")
	c.Pg.RegisterFlags(flagPrefix, f)
	c.Redis.RegisterFlags(flagPrefix, f)
	c.Memory.RegisterFlags(flagPrefix, f)
}

// Store is the table holding cache rows. Lookup reports absent rows
// through the found flag.
type Store interface {
	Lookup(ctx context.Context, partitionKey, rowKey string) (*row.Row, bool, error)
	Upsert(ctx context.Context, r *row.Row) error
}

// Purger is implemented by stores that can evict rows older than a horizon.
type Purger interface {
	Purge(ctx context.Context, before time.Time) (int, error)
}

func NewStore(ctx context.Context, cfg Config, log log.Logger) (Store, error) {
	switch cfg.Store {
	case "pg":
		return pg.NewStore(ctx, cfg.Pg, log)
	case "redis":
		return redis.NewStore(ctx, cfg.Redis)
	case "memory":
		return memory.NewStore(cfg.Memory), nil
	}

	return nil, fmt.Errorf("invalid result cache store: %q", cfg.Store)
}

type metrics struct {
	hits   prometheus.Counter
	misses prometheus.Counter
	errors *prometheus.CounterVec
	writes prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		hits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "exset_result_cache_hits_total",
			Help: "Descriptors served from the result cache.",
		}),
		misses: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "exset_result_cache_misses_total",
			Help: "Descriptors not found in the result cache.",
		}),
		errors: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "exset_result_cache_errors_total",
			Help: "Result cache operations that failed.",
		}, []string{"op"}),
		writes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "exset_result_cache_writes_total",
			Help: "Descriptors written to the result cache.",
		}),
	}
}

// Cache applies the cache-aside contract on top of a Store.
type Cache struct {
	store   Store
	log     log.Logger
	metrics *metrics
	now     func() time.Time
}

func New(store Store, reg prometheus.Registerer, logger log.Logger) *Cache {
	return &Cache{
		store:   store,
		log:     log.With(logger, "component", "result_cache"),
		metrics: newMetrics(reg),
		now:     time.Now,
	}
}

// Lookup returns the cached descriptor for key. Lookup failures and
// undecodable rows are logged and reported as a miss.
func (c *Cache) Lookup(ctx context.Context, key job.Key) (*job.Descriptor, bool) {
	r, found, err := c.store.Lookup(ctx, key.Product, key.RowKey())
	if err != nil {
		c.metrics.errors.WithLabelValues("lookup").Inc()
		_ = level.Warn(c.log).Log("msg", "result cache lookup failed, treating as miss", "key", key.String(), "err", err)
		return nil, false
	}
	if !found {
		c.metrics.misses.Inc()
		return nil, false
	}

	d := &job.Descriptor{}
	if err := json.Unmarshal([]byte(r.Response), d); err != nil {
		c.metrics.errors.WithLabelValues("decode").Inc()
		_ = level.Warn(c.log).Log("msg", "result cache row is not decodable, treating as miss", "key", key.String(), "err", err)
		return nil, false
	}
	d.BatchID = r.BatchID

	c.metrics.hits.Inc()
	return d, true
}

// Upsert overwrites the row for key, the same key Lookup is given, so a
// descriptor whose upstream attributes differ in casing or value is still
// found again. Failures are logged.
func (c *Cache) Upsert(ctx context.Context, key job.Key, d *job.Descriptor) {
	if err := c.upsert(ctx, key, d); err != nil {
		c.metrics.errors.WithLabelValues("upsert").Inc()
		_ = level.Warn(c.log).Log("msg", "result cache write failed", "key", key.String(), "err", err)
		return
	}
	c.metrics.writes.Inc()
}

func (c *Cache) upsert(ctx context.Context, key job.Key, d *job.Descriptor) error {
	stored := *d
	stored.IgnoreCache = false

	b, err := json.Marshal(&stored)
	if err != nil {
		return errors.Wrap(err, "encode descriptor")
	}

	return c.store.Upsert(ctx, &row.Row{
		PartitionKey: key.Product,
		RowKey:       key.RowKey(),
		Response:     string(b),
		BatchID:      d.BatchID,
		UpdatedAt:    c.now().UTC(),
	})
}

// Purge evicts rows older than before when the store supports it.
func (c *Cache) Purge(ctx context.Context, before time.Time) (int, error) {
	p, ok := c.store.(Purger)
	if !ok {
		return 0, nil
	}
	return p.Purge(ctx, before)
}

// Disabled stands in for the cache when it is turned off. Every lookup
// misses and writes are dropped.
type Disabled struct{}

func (Disabled) Lookup(context.Context, job.Key) (*job.Descriptor, bool) {
	return nil, false
}

func (Disabled) Upsert(context.Context, job.Key, *job.Descriptor) {}
