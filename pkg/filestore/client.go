package filestore

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ValerySidorin/exset/pkg/job"
	"github.com/ValerySidorin/exset/pkg/layout"
	util_http "github.com/ValerySidorin/exset/pkg/util/http"
	"github.com/cavaliergopher/grab/v3"
	"github.com/go-kit/log"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

type Config struct {
	BaseURL    string        `yaml:"base_url"`
	Token      string        `yaml:"token"`
	Timeout    time.Duration `yaml:"timeout"`
	RetryMax   int           `yaml:"retry_max"`
	PageSize   int           `yaml:"page_size"`
	BufferSize int           `yaml:"buffer_size"`
}

func (c *Config) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	f.StringVar(&c.BaseURL, flagPrefix+"base-url", "", "Base URL of the upstream file store.")
	f.StringVar(&c.Token, flagPrefix+"token", "", "Bearer token presented to the upstream file store.")
	f.DurationVar(&c.Timeout, flagPrefix+"timeout", 60*time.Second, "Timeout of one upstream request.")
	f.IntVar(&c.RetryMax, flagPrefix+"retry-max", 3, "Transport level retries of one upstream request.")
	f.IntVar(&c.PageSize, flagPrefix+"page-size", 100, "Batches requested per search page.")
	f.IntVar(&c.BufferSize, flagPrefix+"buffer-size", 32*1024, "Copy buffer size of folder downloads.")
}

type BatchFile struct {
	Filename string `json:"filename"`
	FileSize int64  `json:"fileSize"`
	Links    struct {
		Get struct {
			Href string `json:"href"`
		} `json:"get"`
	} `json:"links"`
}

// Batch is one upstream search entry.
type Batch struct {
	BatchID      string         `json:"batchId"`
	BusinessUnit string         `json:"businessUnit"`
	Attributes   []job.KeyValue `json:"attributes"`
	Files        []BatchFile    `json:"files"`
}

func (b *Batch) FileList() []job.File {
	return lo.Map(b.Files, func(f BatchFile, _ int) job.File {
		return job.File{Name: f.Filename, URI: f.Links.Get.Href, Size: f.FileSize}
	})
}

// Descriptor validates the attribute bag and converts b.
func (b *Batch) Descriptor() (*job.Descriptor, error) {
	attrs, err := job.ParseAttributes(b.Attributes)
	if err != nil {
		return nil, errors.Wrapf(err, "batch %s", b.BatchID)
	}
	for _, f := range b.Files {
		if !layout.IsPathElement(f.Filename) {
			return nil, errors.Errorf("batch %s: file name %q is not a single path element", b.BatchID, f.Filename)
		}
	}

	return &job.Descriptor{
		BatchID:      b.BatchID,
		Files:        b.FileList(),
		Attributes:   attrs,
		BusinessUnit: b.BusinessUnit,
	}, nil
}

type searchResponse struct {
	Count   int     `json:"count"`
	Total   int     `json:"total"`
	Entries []Batch `json:"entries"`
}

// Query selects batches by business unit and attribute values.
type Query struct {
	BusinessUnit string
	Attributes   map[string]string
}

func QueryForKey(k job.Key) Query {
	return Query{
		BusinessUnit: k.BusinessUnit,
		Attributes: map[string]string{
			job.AttrCellName:      k.Product,
			job.AttrEditionNumber: strconv.Itoa(k.Edition),
			job.AttrUpdateNumber:  strconv.Itoa(k.Update),
		},
	}
}

// Filter renders the query in the file store's $filter syntax with
// attributes in a stable order.
func (q Query) Filter() string {
	parts := make([]string, 0, len(q.Attributes)+1)
	if q.BusinessUnit != "" {
		parts = append(parts, fmt.Sprintf("BusinessUnit eq '%s'", q.BusinessUnit))
	}

	keys := lo.Keys(q.Attributes)
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("$batch(%s) eq '%s'", k, q.Attributes[k]))
	}

	return strings.Join(parts, " and ")
}

type FetchResult struct {
	StatusCode int
	Status     string
	Body       []byte
	Redirected bool
}

func (r *FetchResult) Success() bool {
	return r.StatusCode >= 200 && r.StatusCode <= 299
}

type Client struct {
	cfg        Config
	httpClient *retryablehttp.Client
	grabClient *grab.Client
	log        log.Logger
}

func NewClient(cfg Config, log log.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("file store base url is required")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}

	c := retryablehttp.NewClient()
	c.RetryMax = cfg.RetryMax
	c.HTTPClient.Timeout = cfg.Timeout
	c.Logger = nil
	// Non-success responses are reported with their status, not as errors.
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler

	g := grab.NewClient()
	if cfg.BufferSize > 0 {
		g.BufferSize = cfg.BufferSize
	}

	return &Client{
		cfg:        cfg,
		httpClient: c,
		grabClient: g,
		log:        log,
	}, nil
}

func (c *Client) resolve(uri string) string {
	if strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://") {
		return uri
	}
	return strings.TrimRight(c.cfg.BaseURL, "/") + "/" + strings.TrimLeft(uri, "/")
}

// SearchBatches returns every batch matching q, following pages.
func (c *Client) SearchBatches(ctx context.Context, token string, q Query) ([]Batch, error) {
	batches := make([]Batch, 0)

	for start := 0; ; start += c.cfg.PageSize {
		params := url.Values{}
		params.Set("limit", strconv.Itoa(c.cfg.PageSize))
		params.Set("start", strconv.Itoa(start))
		params.Set("$filter", q.Filter())

		page, err := c.searchPage(ctx, token, c.resolve("/batch")+"?"+params.Encode())
		if err != nil {
			return nil, err
		}

		batches = append(batches, page.Entries...)
		if len(page.Entries) == 0 || len(batches) >= page.Total {
			break
		}
	}

	return batches, nil
}

func (c *Client) searchPage(ctx context.Context, token, uri string) (*searchResponse, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, errors.Wrap(err, "search batches")
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "search batches")
	}
	defer resp.Body.Close()

	if err := util_http.EnsureSuccessStatusCode(resp); err != nil {
		return nil, errors.Wrap(err, "search batches")
	}

	page := &searchResponse{}
	if err := json.NewDecoder(resp.Body).Decode(page); err != nil {
		return nil, errors.Wrap(err, "search batches decode")
	}

	return page, nil
}

// Fetch downloads uri into memory. A non-success status is reported in the
// result; err is reserved for transport failures.
func (c *Client) Fetch(ctx context.Context, token, uri string) (*FetchResult, error) {
	target := c.resolve(uri)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "fetch %s", uri)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "fetch %s", uri)
	}
	defer resp.Body.Close()

	res := &FetchResult{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Redirected: util_http.Redirected(resp, target),
	}
	if !res.Success() {
		_, _ = io.Copy(io.Discard, resp.Body)
		return res, nil
	}

	res.Body, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "fetch %s read body", uri)
	}

	return res, nil
}
