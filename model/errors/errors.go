package errors

import (
	"errors"
	"fmt"
)

// ErrInvalidInput is returned for empty training sets, non positive sample
// counts and malformed parameters.
var ErrInvalidInput = errors.New("invalid input")

// ErrDimensionMismatch is returned when feature widths or weight vector
// lengths disagree.
var ErrDimensionMismatch = errors.New("dimension mismatch")

// ErrNoUpdatesAvailable is returned when an aggregation is attempted with an
// empty update set.
var ErrNoUpdatesAvailable = errors.New("no updates available")

// ErrPartialRoundTimeout is returned when the collection window of a round
// closed before every node reported.
var ErrPartialRoundTimeout = errors.New("partial round timeout")

// ErrNoModelStored is returned by stores that do not hold the requested round.
var ErrNoModelStored = errors.New("no global model stored for requested round")

// ErrNoModelSaved is returned by stores that are still empty.
var ErrNoModelSaved = errors.New("no global model saved yet")

// RoundTimeoutError details a partial round. It matches ErrPartialRoundTimeout
// with errors.Is.
type RoundTimeoutError struct {
	Round    uint64
	Attempt  int
	Received int
	Expected int
}

func (e *RoundTimeoutError) Error() string {
	return fmt.Sprintf("%s: round %d (attempt %d) collected %d/%d updates",
		ErrPartialRoundTimeout, e.Round, e.Attempt, e.Received, e.Expected)
}

func (e *RoundTimeoutError) Unwrap() error {
	return ErrPartialRoundTimeout
}
