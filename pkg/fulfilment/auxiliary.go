package fulfilment

import (
	"flag"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/ValerySidorin/exset/pkg/filestore"
	"github.com/ValerySidorin/exset/pkg/job"
	"github.com/ValerySidorin/exset/pkg/layout"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// AuxiliaryConfig selects an auxiliary batch by its content attribute. An
// empty Content disables the download.
type AuxiliaryConfig struct {
	Content  string `yaml:"content"`
	FileName string `yaml:"file_name"`
}

func (c *AuxiliaryConfig) RegisterFlags(flagPrefix string, f *flag.FlagSet, defaultFileName string) {
	f.StringVar(&c.Content, flagPrefix+"content", "", "Content attribute of the auxiliary batch. Empty disables it.")
	f.StringVar(&c.FileName, flagPrefix+"file-name", defaultFileName, "File picked from the auxiliary batch. Empty picks the first file.")
}

type auxKind int

const (
	auxSingle auxKind = iota
	// auxReadme is served from the side cache when present.
	auxReadme
	// auxListing downloads every file of the batch.
	auxListing
)

type auxiliary struct {
	name string
	cfg  AuxiliaryConfig
	kind auxKind
	dir  string
	dest string
}

func (e *Engine) auxiliaries(batchDir string) []auxiliary {
	all := []auxiliary{
		{name: "readme", cfg: e.cfg.Readme, kind: auxReadme, dir: layout.EncRootDir(batchDir), dest: layout.ReadmeFileName},
		{name: "certificate", cfg: e.cfg.Certificate, kind: auxSingle, dir: layout.ExchangeSetDir(batchDir)},
		{name: "publication", cfg: e.cfg.Publication, kind: auxSingle, dir: layout.InfoDir(batchDir)},
		{name: "info", cfg: e.cfg.Info, kind: auxListing, dir: layout.InfoDir(batchDir)},
	}

	return lo.Filter(all, func(a auxiliary, _ int) bool {
		return a.cfg.Content != ""
	})
}

func (e *Engine) downloadAuxiliary(g *group, a auxiliary) error {
	if err := g.cancelled(); err != nil {
		return g.fail(err)
	}

	batches, err := e.files.SearchBatches(g.ctx, g.token, filestore.Query{
		BusinessUnit: e.cfg.BusinessUnit,
		Attributes:   map[string]string{e.cfg.ContentAttribute: a.cfg.Content},
	})
	if err != nil {
		return g.fail(newResolutionError(a.name, err))
	}
	if len(batches) == 0 {
		return g.fail(newResolutionError(a.name, errors.New("no matching batch")))
	}
	b := batches[len(batches)-1]
	if err := checkFileNames(b.FileList()); err != nil {
		return g.fail(newResolutionError(a.name, err))
	}

	if a.kind == auxListing {
		return e.downloadListing(g, a, b.FileList())
	}

	f, ok := pickFile(b.FileList(), a.cfg.FileName)
	if !ok {
		return g.fail(newResolutionError(a.name, errors.Errorf("batch %s holds no file %q", b.BatchID, a.cfg.FileName)))
	}

	dest := a.dest
	if dest == "" {
		dest = f.Name
	}
	path := filepath.Join(a.dir, dest)
	key := layout.SideCacheKey(b.BatchID, f.Name)

	if a.kind == auxReadme {
		if body, ok := e.readSideCache(g.ctx, g.log, key); ok {
			e.metrics.downloads.WithLabelValues(outcomeSideCache).Inc()
			return e.failOn(g, e.writeFile(path, body))
		}
	}

	body, err := e.fetch(g, f.Name, f.URI)
	if err != nil {
		return err
	}
	if err := e.writeFile(path, body); err != nil {
		return g.fail(err)
	}

	if a.kind == auxReadme {
		e.writeThrough(g.ctx, g.log, key, body)
	}
	return nil
}

// downloadListing streams every file of a folder batch to disk without
// touching any cache.
func (e *Engine) downloadListing(g *group, a auxiliary, files []job.File) error {
	for _, f := range files {
		if err := g.cancelled(); err != nil {
			e.metrics.downloads.WithLabelValues(outcomeCancelled).Inc()
			return g.fail(err)
		}

		status, err := e.files.DownloadToFile(g.ctx, g.token, f.URI, filepath.Join(a.dir, f.Name))
		if err != nil {
			if ctxErr := g.ctx.Err(); ctxErr != nil {
				return g.fail(errors.Wrap(ErrCancelled, ctxErr.Error()))
			}
			e.metrics.downloads.WithLabelValues(outcomeFailure).Inc()
			_ = level.Error(g.log).Log("msg", "folder download failed, cancelling siblings", "file", f.Name, "uri", f.URI, "status", status)
			return g.fail(&DownloadError{
				FileName:   f.Name,
				URI:        f.URI,
				StatusCode: status,
				Status:     http.StatusText(status),
				Err:        err,
			})
		}
		e.metrics.downloads.WithLabelValues(outcomeSuccess).Inc()
	}

	return nil
}

func (e *Engine) failOn(g *group, err error) error {
	if err != nil {
		return g.fail(err)
	}
	return nil
}

func pickFile(files []job.File, name string) (job.File, bool) {
	if len(files) == 0 {
		return job.File{}, false
	}
	if name == "" {
		return files[0], true
	}
	return lo.Find(files, func(f job.File) bool {
		return strings.EqualFold(f.Name, name)
	})
}
