package routing

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
)

var (
	// ErrNoMatch is returned when a request/reply message matches no
	// destination.
	ErrNoMatch = errors.New("no destination matched the message")

	// ErrAmbiguousMatch is returned when a request/reply message matches more
	// than one destination.
	ErrAmbiguousMatch = errors.New("message matched more than one destination")

	// ErrExchangeInProgress is returned when a request/reply exchange is
	// started while another is still in flight.
	ErrExchangeInProgress = errors.New("a request/reply exchange is already in progress")

	// ErrReplyNotStarted is returned when a reply is collected from a
	// completion that does not belong to a request/reply exchange.
	ErrReplyNotStarted = errors.New("no request/reply exchange was started")

	// ErrDestinationUnavailable matches every *DestinationError.
	ErrDestinationUnavailable = errors.New("destination unavailable")

	// ErrContractMismatch is returned when a matched destination's contract
	// does not support the requested delivery pattern.
	ErrContractMismatch = errors.New("destination contract does not support the delivery pattern")

	// ErrSessionRequired is returned when a session-bound delivery has no
	// session id.
	ErrSessionRequired = errors.New("session id is required")

	// ErrSessionClosed is returned when a session is closed while one of its
	// connections is still being opened.
	ErrSessionClosed = errors.New("session was closed while opening")

	// ErrEngineClosed is returned once the engine has been closed.
	ErrEngineClosed = errors.New("routing engine is closed")
)

// DestinationError reports the failure of one destination: connection
// construction, send or reply.
type DestinationError struct {
	Destination Descriptor
	Err         error
}

func (e *DestinationError) Error() string {
	return fmt.Sprintf("destination %s: %v", e.Destination, e.Err)
}

func (e *DestinationError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrDestinationUnavailable) true for any
// destination failure.
func (e *DestinationError) Is(target error) bool {
	return target == ErrDestinationUnavailable
}

// DestinationErrors returns the per-destination failures contained in err,
// in the order the destinations were matched.
func DestinationErrors(err error) []*DestinationError {
	var out []*DestinationError
	for _, e := range multierr.Errors(err) {
		var de *DestinationError
		if errors.As(e, &de) {
			out = append(out, de)
		}
	}
	return out
}
