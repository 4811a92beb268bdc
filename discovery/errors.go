package discovery

import "errors"

var (
	// ErrStoreUnavailable means the store could not be reached after all retries.
	ErrStoreUnavailable = errors.New("coordination store unavailable")
	// ErrLeaseExpired means the lease no longer exists and the member must re-register.
	ErrLeaseExpired = errors.New("lease expired")
	// ErrWatchBroken ends a watch stream; the consumer has to resync and re-subscribe.
	ErrWatchBroken = errors.New("watch stream broken")
)
