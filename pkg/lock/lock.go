// Package lock provides the lease used to keep scheduled sweeps from running
// on more than one instance at a time. Acquisition is non-blocking: a sweep
// that loses the lease skips its cycle instead of queuing.
package lock

import (
	"context"
	"time"
)

// Locker is an auto-expiring, non-blocking mutual exclusion lease keyed by a
// logical resource name.
type Locker interface {
	// Acquire returns true if the lease was obtained. A false return with a
	// nil error means another holder owns it.
	Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name string) error
}
