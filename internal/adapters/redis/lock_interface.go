package redis

import "context"

// Lock is an exclusive lease on a named resource shared between replicas.
type Lock interface {
	// TryAcquire attempts to take the lease.
	// Returns true if acquired, false if another holder has it.
	TryAcquire(ctx context.Context) (bool, error)

	// Release gives the lease back. Releasing an unheld lock is a no-op.
	Release(ctx context.Context) error

	// Name returns the locked resource name
	Name() string
}
