// ABOUTME: Sentinel errors for the login flow controller
// ABOUTME: Separates fatal provider faults from caller mistakes

package flow

import (
	"errors"
	"fmt"
)

// Fatal: the negotiation cannot proceed and the session is released.
var (
	ErrUnclassifiedResponse = errors.New("unclassified provider response")
	ErrAmbiguousResponse    = errors.New("ambiguous provider response: more than one condition active")
	ErrIncompleteResponse   = fmt.Errorf("%w: ok without display login or x_token", ErrUnclassifiedResponse)
	ErrProviderFailure      = errors.New("identity provider failed to produce a response")
	ErrRoundTripTimeout     = errors.New("identity provider round trip timed out")
)

// Caller mistakes: the attempt is returned unchanged.
var (
	ErrWrongStep    = errors.New("step does not match current flow state")
	ErrFlowFinished = errors.New("flow already finished")
	ErrInvalidInput = errors.New("invalid step input")
)

// IsFatal reports whether err ends the flow.
func IsFatal(err error) bool {
	return errors.Is(err, ErrUnclassifiedResponse) ||
		errors.Is(err, ErrAmbiguousResponse) ||
		errors.Is(err, ErrProviderFailure) ||
		errors.Is(err, ErrRoundTripTimeout)
}
