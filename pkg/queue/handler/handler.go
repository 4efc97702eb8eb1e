package handler

import (
	"context"

	"github.com/ValerySidorin/exset/pkg/job"
)

// Func handles one delivered job. A non-nil error asks the backend to
// redeliver the message; terminal job outcomes must return nil.
type Func func(ctx context.Context, j *job.Job) error
