package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/amyangfei/redlock-go/v3/redlock"
	"go.uber.org/zap"

	"github.com/selivandex/telemetry-buffer/pkg/logger"
)

// DistributedLock is a RedLock lease. It is not renewed: the holder must
// finish its work within ttl.
type DistributedLock struct {
	lockManager *redlock.RedLock
	name        string
	ttl         time.Duration
	locked      bool
}

// NewDistributedLock creates a lease on name
func NewDistributedLock(lockManager *redlock.RedLock, name string, ttl time.Duration) *DistributedLock {
	return &DistributedLock{
		lockManager: lockManager,
		name:        name,
		ttl:         ttl,
	}
}

// TryAcquire attempts to take the lease using the Redlock algorithm
func (dl *DistributedLock) TryAcquire(ctx context.Context) (bool, error) {
	expiry, err := dl.lockManager.Lock(ctx, dl.name, dl.ttl)
	if err != nil {
		// Lock not acquired - another replica has it
		logger.Debug("lock already held",
			zap.String("lock_name", dl.name),
		)
		return false, nil
	}

	if expiry <= 0 {
		return false, fmt.Errorf("failed to acquire lock %s: invalid expiry %v", dl.name, expiry)
	}

	dl.locked = true

	logger.Debug("lock acquired",
		zap.String("lock_name", dl.name),
		zap.Duration("ttl", dl.ttl),
		zap.Duration("expiry", expiry),
	)
	return true, nil
}

// Release releases the lease
func (dl *DistributedLock) Release(ctx context.Context) error {
	if !dl.locked {
		return nil
	}
	dl.locked = false

	if err := dl.lockManager.UnLock(ctx, dl.name); err != nil {
		// may have already expired
		logger.Warn("failed to release lock",
			zap.String("lock_name", dl.name),
			zap.Error(err),
		)
	}
	return nil
}

func (dl *DistributedLock) Name() string {
	return dl.name
}
