package executor

import (
	"context"

	"github.com/pkg/errors"

	"ml-scheduler/core/models"
)

// ErrCancelled is returned by an adapter when a running job was
// terminated on request rather than failing.
var ErrCancelled = errors.New("job cancelled")

// Executor is the opaque execution capability injected into the
// scheduler. Run blocks until the job finishes and returns the raw
// failure signal, if any; no richer contract is assumed. Cancel signals
// a running job to terminate.
type Executor interface {
	Run(ctx context.Context, job *models.Job) error
	Cancel(jobID string) error
}
