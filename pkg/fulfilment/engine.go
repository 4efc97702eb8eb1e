package fulfilment

import (
	"bytes"
	"context"
	"flag"
	"os"
	"path/filepath"
	"time"

	"github.com/ValerySidorin/exset/pkg/catalogue"
	"github.com/ValerySidorin/exset/pkg/filestore"
	"github.com/ValerySidorin/exset/pkg/job"
	"github.com/ValerySidorin/exset/pkg/layout"
	"github.com/ValerySidorin/exset/pkg/objstore"
	util_log "github.com/ValerySidorin/exset/pkg/util/log"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
	"github.com/sourcegraph/conc/pool"
)

type State string

const (
	StateReceived    State = "received"
	StateResolving   State = "resolving"
	StateDownloading State = "downloading"
	StateCancelled   State = "cancelled"
	StateFailed      State = "failed"
	StateAssembled   State = "assembled"
)

type Config struct {
	BaseDir          string `yaml:"base_dir"`
	Parallelism      int    `yaml:"parallelism"`
	ForceRefresh     bool   `yaml:"force_refresh"`
	BusinessUnit     string `yaml:"business_unit"`
	ContentAttribute string `yaml:"content_attribute"`

	Readme      AuxiliaryConfig `yaml:"readme"`
	Certificate AuxiliaryConfig `yaml:"certificate"`
	Publication AuxiliaryConfig `yaml:"publication"`
	Info        AuxiliaryConfig `yaml:"info"`
}

func (c *Config) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	f.StringVar(&c.BaseDir, flagPrefix+"base-dir", "./data/exchange-sets", "Root of the date partitioned staging tree.")
	f.IntVar(&c.Parallelism, flagPrefix+"parallelism", 4, "Products downloaded concurrently within one job.")
	f.BoolVar(&c.ForceRefresh, flagPrefix+"force-refresh", false, "Overwrite staged files that already exist.")
	f.StringVar(&c.BusinessUnit, flagPrefix+"business-unit", "ADDS", "Business unit owning product batches.")
	f.StringVar(&c.ContentAttribute, flagPrefix+"content-attribute", "Content", "Batch attribute selecting auxiliary batches.")
	c.Readme.RegisterFlags(flagPrefix+"readme.", f, layout.ReadmeFileName)
	c.Certificate.RegisterFlags(flagPrefix+"certificate.", f, "IHO.CRT")
	c.Publication.RegisterFlags(flagPrefix+"publication.", f, "")
	c.Info.RegisterFlags(flagPrefix+"info.", f, "")
}

// ProductResult describes one descriptor of an assembled job.
type ProductResult struct {
	Key           job.Key
	RemoteBatchID string
	FromCache     bool
	Files         int
}

type Result struct {
	BatchID  string
	BatchDir string
	State    State
	Products []ProductResult
}

// FileStore is the upstream batch search and download API.
type FileStore interface {
	SearchBatches(ctx context.Context, token string, q filestore.Query) ([]filestore.Batch, error)
	Fetch(ctx context.Context, token, uri string) (*filestore.FetchResult, error)
	DownloadToFile(ctx context.Context, token, uri, dst string) (int, error)
}

// ResultCache is the advisory descriptor cache. It never reports errors.
type ResultCache interface {
	Lookup(ctx context.Context, key job.Key) (*job.Descriptor, bool)
	Upsert(ctx context.Context, key job.Key, d *job.Descriptor)
}

type Engine struct {
	cfg Config
	log log.Logger

	files     FileStore
	tokens    filestore.TokenSource
	cache     ResultCache
	responses objstore.Store
	sideCache objstore.Store

	metrics *metrics
	now     func() time.Time
}

// NewEngine builds the download and assembly engine. sideCache may be nil.
func NewEngine(
	cfg Config,
	files FileStore,
	tokens filestore.TokenSource,
	cache ResultCache,
	responses objstore.Store,
	sideCache objstore.Store,
	reg prometheus.Registerer,
	logger log.Logger,
) *Engine {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}

	return &Engine{
		cfg:       cfg,
		log:       log.With(logger, "component", "engine"),
		files:     files,
		tokens:    tokens,
		cache:     cache,
		responses: responses,
		sideCache: sideCache,
		metrics:   newMetrics(reg),
		now:       time.Now,
	}
}

// unit is one product descriptor scheduled for download.
type unit struct {
	key       job.Key
	desc      *job.Descriptor
	fromCache bool
}

// group is the shared state of all downloads of one job. Requests are bound
// to ctx only, firing the signal never aborts a request in flight.
type group struct {
	ctx    context.Context
	signal context.Context
	cancel context.CancelCauseFunc
	token  string
	log    log.Logger
}

func (g *group) cancelled() error {
	if g.signal.Err() != nil {
		return ErrCancelled
	}
	if err := g.ctx.Err(); err != nil {
		return errors.Wrap(ErrCancelled, err.Error())
	}
	return nil
}

// fail records err as the cause of the job failure unless one is already
// recorded, and returns it.
func (g *group) fail(err error) error {
	g.cancel(err)
	return err
}

// Run assembles the exchange set of j under its batch directory. On any
// error the batch directory is removed.
func (e *Engine) Run(ctx context.Context, j *job.Job) (*Result, error) {
	start := e.now()
	logger := util_log.WithJob(e.log, j.BatchID, j.CorrelationID)

	res := &Result{BatchID: j.BatchID}
	e.transition(logger, res, StateReceived)

	// The batch id names the directory removed on failure; it must not
	// resolve to the date folder or above.
	if !layout.IsPathElement(j.BatchID) {
		err := errors.Errorf("batch id %q is not a single path element", j.BatchID)
		e.transition(logger, res, StateFailed)
		_ = level.Error(logger).Log("msg", "job rejected", "err", err)
		e.metrics.jobs.WithLabelValues(string(res.State)).Inc()
		return res, err
	}
	res.BatchDir = layout.BatchDir(e.cfg.BaseDir, e.stagingTime(j), j.BatchID)

	err := e.run(ctx, logger, j, res)
	switch {
	case err == nil:
		e.transition(logger, res, StateAssembled)
	case errors.Is(err, ErrCancelled):
		e.transition(logger, res, StateCancelled)
		_ = level.Warn(logger).Log("msg", "job cancelled", "err", err)
	default:
		e.transition(logger, res, StateFailed)
		_ = level.Error(logger).Log("msg", "job failed", "err", err)
	}

	if err != nil {
		if rmErr := os.RemoveAll(res.BatchDir); rmErr != nil {
			_ = level.Warn(logger).Log("msg", "failed to remove partial batch tree", "dir", res.BatchDir, "err", rmErr)
		}
	}

	e.metrics.jobs.WithLabelValues(string(res.State)).Inc()
	e.metrics.jobDuration.Observe(e.now().Sub(start).Seconds())

	return res, err
}

func (e *Engine) stagingTime(j *job.Job) time.Time {
	if j.SCSRequestDateTime.IsZero() {
		return e.now()
	}
	return j.SCSRequestDateTime
}

func (e *Engine) transition(logger log.Logger, res *Result, s State) {
	_ = level.Debug(logger).Log("msg", "job state changed", "from", res.State, "to", s)
	res.State = s
}

func (e *Engine) run(ctx context.Context, logger log.Logger, j *job.Job, res *Result) error {
	resp, err := e.loadCatalogue(ctx, j.SCSResponseURI)
	if err != nil {
		return err
	}

	// A re-delivered job re-lays the whole tree.
	if err := os.RemoveAll(res.BatchDir); err != nil {
		return errors.Wrap(err, "clean batch dir")
	}
	if err := os.MkdirAll(layout.EncRootDir(res.BatchDir), 0o755); err != nil {
		return errors.Wrap(err, "create batch dir")
	}

	token, err := e.tokens.Token(ctx)
	if err != nil {
		return errors.Wrap(err, "obtain file store token")
	}

	e.transition(logger, res, StateResolving)
	units, err := e.resolveAll(ctx, token, j, resp)
	if err != nil {
		return err
	}

	e.transition(logger, res, StateDownloading)
	if err := e.downloadAll(ctx, logger, token, res.BatchDir, units); err != nil {
		return err
	}

	res.Products = lo.Map(units, func(u *unit, _ int) ProductResult {
		return ProductResult{
			Key:           u.key,
			RemoteBatchID: u.desc.BatchID,
			FromCache:     u.fromCache,
			Files:         len(u.desc.Files),
		}
	})

	return nil
}

func (e *Engine) loadCatalogue(ctx context.Context, name string) (*catalogue.Response, error) {
	raw, found, err := objstore.ReadAll(ctx, e.responses, name)
	if err != nil {
		return nil, errors.Wrapf(err, "load catalogue response %s", name)
	}
	if !found {
		return nil, errors.Errorf("catalogue response %s not found", name)
	}

	return catalogue.Decode(raw)
}

func (e *Engine) keys(resp *catalogue.Response, forceIgnore bool) ([]job.Key, []bool) {
	keys := make([]job.Key, 0, len(resp.Products))
	ignore := make([]bool, 0, len(resp.Products))

	for _, p := range resp.Products {
		updates := p.UpdateNumbers
		if len(updates) == 0 {
			updates = []int{0}
		}
		for _, u := range updates {
			keys = append(keys, job.Key{
				Product:      p.ProductName,
				Edition:      p.EditionNumber,
				Update:       u,
				BusinessUnit: e.cfg.BusinessUnit,
			})
			ignore = append(ignore, forceIgnore || p.IgnoreCache)
		}
	}

	return keys, ignore
}

func (e *Engine) resolveAll(ctx context.Context, token string, j *job.Job, resp *catalogue.Response) ([]*unit, error) {
	keys, ignore := e.keys(resp, j.IgnoreCache)
	units := make([]*unit, len(keys))

	p := pool.New().WithErrors().WithFirstError().WithMaxGoroutines(e.cfg.Parallelism)
	for i := range keys {
		i := i
		p.Go(func() error {
			u, err := e.resolve(ctx, token, keys[i], ignore[i])
			if err != nil {
				return err
			}
			units[i] = u
			return nil
		})
	}

	if err := p.Wait(); err != nil {
		return nil, err
	}
	return units, nil
}

// resolve consults the result cache and falls back to an upstream search.
// Jobs ignoring the cache never look it up.
func (e *Engine) resolve(ctx context.Context, token string, key job.Key, ignoreCache bool) (*unit, error) {
	if !ignoreCache {
		if d, ok := e.cache.Lookup(ctx, key); ok {
			if err := checkFileNames(d.Files); err != nil {
				return nil, newResolutionError(key.String(), err)
			}
			return &unit{key: key, desc: d, fromCache: true}, nil
		}
	}

	batches, err := e.files.SearchBatches(ctx, token, filestore.QueryForKey(key))
	if err != nil {
		return nil, newResolutionError(key.String(), err)
	}
	if len(batches) == 0 {
		return nil, newResolutionError(key.String(), errors.New("no matching batch"))
	}

	// The latest batch wins.
	d, err := batches[len(batches)-1].Descriptor()
	if err != nil {
		return nil, newResolutionError(key.String(), err)
	}
	d.IgnoreCache = ignoreCache

	return &unit{key: key, desc: d}, nil
}

// checkFileNames rejects names that would be staged outside their directory.
func checkFileNames(files []job.File) error {
	for _, f := range files {
		if !layout.IsPathElement(f.Name) {
			return errors.Errorf("file name %q is not a single path element", f.Name)
		}
	}
	return nil
}

// downloadAll runs every descriptor and auxiliary download of one job and
// returns the first failure cause.
func (e *Engine) downloadAll(ctx context.Context, logger log.Logger, token, batchDir string, units []*unit) error {
	signal, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	g := &group{
		ctx:    ctx,
		signal: signal,
		cancel: cancel,
		token:  token,
		log:    logger,
	}

	p := pool.New().WithErrors().WithMaxGoroutines(e.cfg.Parallelism)
	for _, u := range units {
		u := u
		p.Go(func() error {
			return e.downloadUnit(g, batchDir, u)
		})
	}
	for _, a := range e.auxiliaries(batchDir) {
		a := a
		p.Go(func() error {
			return e.downloadAuxiliary(g, a)
		})
	}

	err := p.Wait()
	if cause := context.Cause(signal); cause != nil {
		return cause
	}
	return err
}

// downloadUnit fetches the files of one descriptor in order. The first
// failure stops the remaining files of the job.
func (e *Engine) downloadUnit(g *group, batchDir string, u *unit) error {
	a := u.desc.Attributes
	dir := layout.ProductDir(batchDir, a.CellName, a.EditionNumber, a.UpdateNumber)

	for _, f := range u.desc.Files {
		if err := g.cancelled(); err != nil {
			e.metrics.downloads.WithLabelValues(outcomeCancelled).Inc()
			return g.fail(err)
		}

		path := filepath.Join(dir, f.Name)
		key := layout.SideCacheKey(u.desc.BatchID, f.Name)

		if u.fromCache {
			if b, ok := e.readSideCache(g.ctx, g.log, key); ok {
				e.metrics.downloads.WithLabelValues(outcomeSideCache).Inc()
				if err := e.writeFile(path, b); err != nil {
					return g.fail(err)
				}
				continue
			}
		}

		b, err := e.fetch(g, f.Name, f.URI)
		if err != nil {
			return err
		}
		if err := e.writeFile(path, b); err != nil {
			return g.fail(err)
		}
		e.writeThrough(g.ctx, g.log, key, b)
	}

	if !u.desc.IgnoreCache {
		e.cache.Upsert(g.ctx, u.key, u.desc)
	}

	return nil
}

// fetch downloads one file into memory after checking the signal.
func (e *Engine) fetch(g *group, name, uri string) ([]byte, error) {
	if err := g.cancelled(); err != nil {
		e.metrics.downloads.WithLabelValues(outcomeCancelled).Inc()
		return nil, g.fail(err)
	}

	res, err := e.files.Fetch(g.ctx, g.token, uri)
	if err != nil {
		if ctxErr := g.ctx.Err(); ctxErr != nil {
			e.metrics.downloads.WithLabelValues(outcomeCancelled).Inc()
			return nil, g.fail(errors.Wrap(ErrCancelled, ctxErr.Error()))
		}
		e.metrics.downloads.WithLabelValues(outcomeFailure).Inc()
		return nil, g.fail(&DownloadError{FileName: name, URI: uri, Err: err})
	}

	if !res.Success() {
		e.metrics.downloads.WithLabelValues(outcomeFailure).Inc()
		_ = level.Error(g.log).Log("msg", "file download failed, cancelling siblings", "file", name, "uri", uri, "status", res.StatusCode)
		return nil, g.fail(&DownloadError{
			FileName:   name,
			URI:        uri,
			StatusCode: res.StatusCode,
			Status:     res.Status,
		})
	}

	if res.Redirected {
		e.metrics.redirects.Inc()
		_ = level.Info(g.log).Log("msg", "file served through redirect", "file", name, "uri", uri)
	}

	e.metrics.downloads.WithLabelValues(outcomeSuccess).Inc()
	return res.Body, nil
}

// writeFile stages b at path unless a copy exists and refresh is off.
func (e *Engine) writeFile(path string, b []byte) error {
	if !e.cfg.ForceRefresh {
		if _, err := os.Stat(path); err == nil {
			e.metrics.downloads.WithLabelValues(outcomeSkipped).Inc()
			return nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create staging dir")
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return errors.Wrapf(err, "write %s", path)
	}
	return nil
}

func (e *Engine) readSideCache(ctx context.Context, logger log.Logger, key string) ([]byte, bool) {
	if e.sideCache == nil {
		return nil, false
	}

	b, found, err := objstore.ReadAll(ctx, e.sideCache, key)
	if err != nil {
		_ = level.Warn(logger).Log("msg", "side cache read failed, fetching upstream", "key", key, "err", err)
		return nil, false
	}
	if !found || len(b) == 0 {
		return nil, false
	}
	return b, true
}

// writeThrough copies b into the side cache. Failures are logged only.
func (e *Engine) writeThrough(ctx context.Context, logger log.Logger, key string, b []byte) {
	if e.sideCache == nil {
		return
	}

	if err := e.sideCache.Put(ctx, key, bytes.NewReader(b), objstore.ContentTypeData); err != nil {
		e.metrics.sideCache.WithLabelValues(outcomeFailure).Inc()
		_ = level.Warn(logger).Log("msg", "side cache write failed", "key", key, "err", err)
		return
	}
	e.metrics.sideCache.WithLabelValues(outcomeSuccess).Inc()
}
