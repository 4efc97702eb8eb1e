package fulfilment

import (
	"fmt"

	util_http "github.com/ValerySidorin/exset/pkg/util/http"
	"github.com/pkg/errors"
)

// ErrCancelled is returned by downloads skipped after a sibling failed or
// the job context was done.
var ErrCancelled = errors.New("fulfilment cancelled")

// ResolutionError is a failure to resolve a product's file list upstream.
type ResolutionError struct {
	Product    string
	StatusCode int
	Err        error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %s: %v", e.Product, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

func newResolutionError(product string, err error) *ResolutionError {
	re := &ResolutionError{Product: product, Err: err}

	var se *util_http.StatusError
	if errors.As(err, &se) {
		re.StatusCode = se.StatusCode
	}
	return re
}

// DownloadError is a non-success fetch of one constituent or auxiliary
// file. StatusCode is zero for transport failures.
type DownloadError struct {
	FileName   string
	URI        string
	StatusCode int
	Status     string
	Err        error
}

func (e *DownloadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("download %s from %s: %v", e.FileName, e.URI, e.Err)
	}
	return fmt.Sprintf("download %s from %s: upstream responded %s", e.FileName, e.URI, e.Status)
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}
