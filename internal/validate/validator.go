// Package validate implements the Validator of §4.1: it checks a submit
// request's scriptId and args against the registry before a job is ever
// created, in the same spirit as the teacher's core/validation.Validator —
// a small set of ordered, independently testable checks rather than one
// monolithic predicate.
package validate

import (
	"fmt"

	"github.com/jsturma/jobctl/internal/registry"
	jobctlerrors "github.com/jsturma/jobctl/pkg/errors"
)

// Result is the outcome of a successful validation: the resolved script
// entry the caller should hand to the scheduler.
type Result struct {
	Script registry.Entry
}

// Validate runs the ordered checks of §4.1 against scriptID and args. On
// failure it returns a *pkg/errors.ValidationError wrapping
// ErrScriptNotFound or ErrInvalidArgs, from which pkg/errors.Code derives
// the wire error code.
func Validate(reg *registry.Registry, scriptID string, args []string) (Result, error) {
	entry, ok := reg.Get(scriptID)
	if !ok {
		return Result{}, &jobctlerrors.ValidationError{
			Field: "scriptId",
			Err:   fmt.Errorf("%w: %q", jobctlerrors.ErrScriptNotFound, scriptID),
		}
	}

	if args == nil {
		return Result{}, &jobctlerrors.ValidationError{
			Field: "args",
			Err:   fmt.Errorf("%w: args must be a sequence", jobctlerrors.ErrInvalidArgs),
		}
	}

	if len(args) > entry.MaxItems {
		return Result{}, &jobctlerrors.ValidationError{
			Field: "args",
			Err:   fmt.Errorf("%w: %d items exceeds max %d", jobctlerrors.ErrInvalidArgs, len(args), entry.MaxItems),
		}
	}

	for i, arg := range args {
		if len(arg) > entry.ItemMaxLength {
			return Result{}, &jobctlerrors.ValidationError{
				Field: fmt.Sprintf("args[%d]", i),
				Err:   fmt.Errorf("%w: length %d exceeds max %d", jobctlerrors.ErrInvalidArgs, len(arg), entry.ItemMaxLength),
			}
		}
		if entry.ItemPattern != nil && !entry.ItemPattern.MatchString(arg) {
			return Result{}, &jobctlerrors.ValidationError{
				Field: fmt.Sprintf("args[%d]", i),
				Err:   fmt.Errorf("%w: does not match required pattern", jobctlerrors.ErrInvalidArgs),
			}
		}
	}

	return Result{Script: entry}, nil
}
