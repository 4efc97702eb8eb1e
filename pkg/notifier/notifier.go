package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"time"

	util_http "github.com/ValerySidorin/exset/pkg/util/http"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
)

type Status string

const (
	Succeeded Status = "Succeeded"
	Failed    Status = "Failed"
)

type Config struct {
	Timeout  time.Duration `yaml:"timeout"`
	RetryMax int           `yaml:"retry_max"`
}

func (c *Config) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	f.DurationVar(&c.Timeout, flagPrefix+"timeout", 30*time.Second, "Timeout of one callback request.")
	f.IntVar(&c.RetryMax, flagPrefix+"retry-max", 3, "Retries of one callback request.")
}

type Product struct {
	ProductName   string `json:"productName"`
	EditionNumber int    `json:"editionNumber"`
	UpdateNumber  int    `json:"updateNumber"`
	FromCache     bool   `json:"fromCache"`
}

// Notification is the callback payload of a finished job.
type Notification struct {
	BatchID                               string    `json:"batchId"`
	CorrelationID                         string    `json:"correlationId"`
	Status                                Status    `json:"status"`
	ArchiveURI                            string    `json:"exchangeSetUri,omitempty"`
	ExpiryDate                            string    `json:"exchangeSetUrlExpiryDate,omitempty"`
	RequestedProductCount                 int       `json:"requestedProductCount"`
	RequestedProductsAlreadyUpToDateCount int       `json:"requestedProductsAlreadyUpToDateCount"`
	Products                              []Product `json:"products"`
	Error                                 string    `json:"error,omitempty"`
	CompletedAt                           time.Time `json:"completedAt"`
}

type Notifier struct {
	httpClient *retryablehttp.Client
	log        log.Logger
}

func New(cfg Config, log log.Logger) *Notifier {
	c := retryablehttp.NewClient()
	c.RetryMax = cfg.RetryMax
	c.HTTPClient.Timeout = cfg.Timeout
	c.Logger = nil

	return &Notifier{
		httpClient: c,
		log:        log,
	}
}

// Notify posts n to callbackURI. An empty callbackURI is a no-op.
func (n *Notifier) Notify(ctx context.Context, callbackURI string, notification Notification) error {
	if callbackURI == "" {
		_ = level.Debug(n.log).Log("msg", "no callback configured, skipping notification", "batch_id", notification.BatchID)
		return nil
	}

	b, err := json.Marshal(&notification)
	if err != nil {
		return errors.Wrap(err, "encode notification")
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, callbackURI, bytes.NewReader(b))
	if err != nil {
		return errors.Wrap(err, "notify callback")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "notify callback")
	}
	defer resp.Body.Close()

	if err := util_http.EnsureSuccessStatusCode(resp); err != nil {
		return errors.Wrap(err, "notify callback")
	}

	_ = level.Info(n.log).Log("msg", "callback notified", "batch_id", notification.BatchID, "status", notification.Status)
	return nil
}
