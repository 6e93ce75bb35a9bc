// Package inline implements the Inline Runner (spec §4.G): the in-process
// activation path for components cheap or trusted enough to run inside the
// orchestrator's own address space, grounded on the teacher's
// internal/application/executor node-executor table and its per-call 30s
// http.Client timeout.
package inline

import (
	"context"
	"errors"
	"time"

	"github.com/secflow/engine/internal/domain"
)

// defaultTimeout bounds an inline activation when the component definition
// does not set its own (spec §4.G).
const defaultTimeout = 30 * time.Second

// Runner satisfies orchestrator.Runner by invoking a component's Execute
// function under a deadline, translating a context timeout into a
// retryable domain.Failure instead of letting it surface as a bare
// context.DeadlineExceeded (spec §4.G: "exceeding it yields
// failure{kind=timeout, retryable=true}").
type Runner struct{}

// New constructs the Inline Runner. It carries no state: every built-in
// component closes over whatever client/config it needs at registration
// time (see Builtins).
func New() *Runner {
	return &Runner{}
}

// Activate runs def.Execute under def.Timeout (or defaultTimeout), and maps
// a deadline-exceeded or cancelled context to a structured Failure.
func (r *Runner) Activate(ctx context.Context, def *domain.ComponentDefinition, ectx domain.ExecContext, inputs, params map[string]any) (domain.Outcome, error) {
	if def.Execute == nil {
		return domain.Outcome{}, domain.NewFailure(domain.KindConfiguration, "component "+def.ID+" has no inline executor bound", nil)
	}

	timeout := def.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	actCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ectx.Ctx = actCtx

	outcome, err := def.Execute(ectx, inputs, params)
	if err != nil {
		if errors.Is(actCtx.Err(), context.DeadlineExceeded) {
			return domain.Outcome{}, domain.NewFailure(domain.KindTimeout, "inline activation exceeded "+timeout.String(), actCtx.Err())
		}
		if errors.Is(actCtx.Err(), context.Canceled) {
			return domain.Outcome{}, domain.NewFailure(domain.KindCancel, "inline activation cancelled", actCtx.Err())
		}
		var f *domain.Failure
		if errors.As(err, &f) {
			return domain.Outcome{}, f
		}
		return domain.Outcome{}, domain.NewFailure(domain.KindInternal, err.Error(), err)
	}
	return outcome, nil
}
