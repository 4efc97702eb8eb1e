// Package handoff commits accepted requests to the work queue. The
// catalogue response is stored first and the enqueue is the commit point.
package handoff

import (
	"bytes"
	"context"
	"flag"
	"time"

	"github.com/ValerySidorin/exset/pkg/allocator"
	"github.com/ValerySidorin/exset/pkg/catalogue"
	"github.com/ValerySidorin/exset/pkg/job"
	"github.com/ValerySidorin/exset/pkg/layout"
	"github.com/ValerySidorin/exset/pkg/objstore"
	"github.com/ValerySidorin/exset/pkg/queue"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type Config struct {
	SubjectPrefix string        `yaml:"-"`
	URLExpiry     time.Duration `yaml:"url_expiry"`
}

func (c *Config) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	f.DurationVar(&c.URLExpiry, flagPrefix+"url-expiry", 7*24*time.Hour, "Validity of the exchange set download link.")
}

// Request carries what the accept phase knows besides the catalogue
// response. Empty ids are generated.
type Request struct {
	BatchID             string
	CorrelationID       string
	CallbackURI         string
	ExchangeSetStandard string
	ProductIdentifier   string
	IgnoreCache         bool
	RequestedAt         time.Time
}

type Submitter struct {
	cfg Config
	log log.Logger

	responses objstore.Store
	slots     *allocator.Tiered
	pub       queue.Publisher

	now func() time.Time
}

func NewSubmitter(cfg Config, responses objstore.Store, slots *allocator.Tiered, pub queue.Publisher, logger log.Logger) *Submitter {
	return &Submitter{
		cfg:       cfg,
		log:       log.With(logger, "component", "handoff"),
		responses: responses,
		slots:     slots,
		pub:       pub,
		now:       time.Now,
	}
}

// Submit stores resp and enqueues the job for its size tier. Nothing is
// enqueued when the store write fails. When the enqueue fails the stored
// response is left to the retention sweep.
func (s *Submitter) Submit(ctx context.Context, resp catalogue.Response, req Request) (*job.Job, error) {
	j := s.newJob(&resp, req)
	if err := j.Validate(); err != nil {
		return nil, err
	}

	b, err := resp.Encode()
	if err != nil {
		return nil, err
	}
	if err := s.responses.Put(ctx, j.SCSResponseURI, bytes.NewReader(b), objstore.ContentTypeJSON); err != nil {
		return nil, errors.Wrapf(err, "store catalogue response of %s", j.BatchID)
	}

	slot := s.slots.Next(j.FileSize)
	subject := queue.Subject(s.cfg.SubjectPrefix, slot.Tier, slot.Instance)

	if err := s.pub.Publish(ctx, subject, j); err != nil {
		_ = level.Warn(s.log).Log("msg", "enqueue failed, stored response is orphaned", "batch_id", j.BatchID, "blob", j.SCSResponseURI, "err", err)
		return nil, errors.Wrapf(err, "enqueue %s", j.BatchID)
	}

	_ = level.Info(s.log).Log("msg", "job enqueued", "batch_id", j.BatchID, "correlation_id", j.CorrelationID, "subject", subject, "file_size", j.FileSize)
	return j, nil
}

func (s *Submitter) newJob(resp *catalogue.Response, req Request) *job.Job {
	batchID := req.BatchID
	if batchID == "" {
		batchID = uuid.NewString()
	}
	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	requestedAt := req.RequestedAt
	if requestedAt.IsZero() {
		requestedAt = s.now()
	}
	requestedAt = requestedAt.UTC()

	return &job.Job{
		BatchID:                               batchID,
		SCSResponseURI:                        layout.CatalogueBlobName(batchID),
		CallbackURI:                           req.CallbackURI,
		ExchangeSetStandard:                   req.ExchangeSetStandard,
		ProductIdentifier:                     req.ProductIdentifier,
		CorrelationID:                         correlationID,
		ExchangeSetURLExpiryDate:              requestedAt.Add(s.cfg.URLExpiry).Format(time.RFC3339),
		SCSRequestDateTime:                    requestedAt,
		IsEmptyExchangeSet:                    len(resp.Products) == 0,
		RequestedProductCount:                 resp.ProductCounts.RequestedProductCount,
		RequestedProductsAlreadyUpToDateCount: resp.ProductCounts.RequestedProductsAlreadyUpToDateCount,
		FileSize:                              resp.TotalFileSize(),
		IgnoreCache:                           req.IgnoreCache,
	}
}
