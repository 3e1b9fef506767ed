package mesh

import (
	"errors"
	"fmt"

	"github.com/dkeye/studio/internal/domain"
)

var (
	// ErrProbeTimeout is returned when the target address did not answer
	// the liveness probe in time.
	ErrProbeTimeout = errors.New("liveness probe timed out")
	// ErrPeerUnreachable is returned when the relay reports the target
	// address as gone.
	ErrPeerUnreachable = errors.New("peer unreachable")
	// ErrAddressUnknown is returned when no address is bound for an identity.
	ErrAddressUnknown = errors.New("no address bound for identity")

	ErrClosed     = errors.New("coordinator closed")
	ErrSelfTarget = errors.New("cannot connect to self")
)

// IsTransient reports whether a connect error may succeed on retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrProbeTimeout) ||
		errors.Is(err, ErrPeerUnreachable) ||
		errors.Is(err, ErrAddressUnknown)
}

// ConnectError wraps a failed connect attempt.
type ConnectError struct {
	Identity domain.Identity
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Identity, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }
