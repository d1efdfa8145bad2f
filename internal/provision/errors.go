package provision

import (
	"context"
	"errors"

	"github.com/jkaninda/seedvault/internal/access"
	"github.com/jkaninda/seedvault/internal/credential"
	"github.com/jkaninda/seedvault/internal/vault"
)

// classify maps a component error to a failure kind. Any error after the
// run's own context is done counts as cancellation; a deadline from a
// per-call store or grant timeout counts as the backend being unreachable.
func classify(runCtx context.Context, err error) Kind {
	switch {
	case runCtx.Err() != nil:
		return KindCancelled
	case errors.Is(err, credential.ErrPolicyViolation):
		return KindPolicyViolation
	case errors.Is(err, access.ErrIdentityNotFound):
		return KindIdentityNotFound
	case errors.Is(err, access.ErrResourceNotFound), errors.Is(err, vault.ErrNotFound):
		return KindResourceNotFound
	case errors.Is(err, access.ErrUnknownCapability):
		return KindUnknownCapability
	case errors.Is(err, access.ErrBindingTimeout):
		return KindBindingTimeout
	case errors.Is(err, vault.ErrAccessDenied):
		return KindAccessDenied
	case errors.Is(err, vault.ErrNetworkUnreachable):
		return KindNetworkUnreachable
	case errors.Is(err, context.DeadlineExceeded):
		return KindNetworkUnreachable
	case errors.Is(err, context.Canceled):
		return KindCancelled
	}
	return KindInternal
}

// newRunError builds the RunError for err unless err already is one.
func newRunError(runCtx context.Context, phase State, subject string, err error) *RunError {
	var re *RunError
	if errors.As(err, &re) {
		return re
	}
	return &RunError{Phase: phase, Kind: classify(runCtx, err), Subject: subject, Err: err}
}
