package daemon

import (
	"context"
	"errors"

	"prospectd/internal/actions"
	"prospectd/internal/embedding"
	"prospectd/internal/oracle"
	"prospectd/internal/pipeline"
	"prospectd/internal/qualifier"
)

// lane is one unit of daemon work. canExecute is a cheap store-backed
// probe; execute performs at most one external action per invocation to
// keep the account human-paced.
type lane interface {
	name() string
	canExecute() (bool, error)
	execute(ctx context.Context) error
}

// recoverable reports whether a lane error should be logged and retried
// on a later tick instead of terminating the daemon. The set is closed on
// purpose: anything outside it means state we do not understand, and
// masking that risks corrupting the pipeline.
func recoverable(err error) bool {
	var transition *pipeline.IllegalTransitionError
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, actions.ErrRateLimited) ||
		errors.Is(err, actions.ErrSkipProfile) ||
		errors.Is(err, actions.ErrAuthExpired) ||
		errors.Is(err, oracle.ErrUnavailable) ||
		errors.Is(err, embedding.ErrUnavailable) ||
		errors.Is(err, qualifier.ErrUnavailable) ||
		errors.As(err, &transition)
}
