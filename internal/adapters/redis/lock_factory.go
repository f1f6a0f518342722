package redis

import (
	"context"
	"sync"
	"time"

	"github.com/amyangfei/redlock-go/v3/redlock"
)

// LockFactory creates named leases
type LockFactory interface {
	NewLock(name string, ttl time.Duration) Lock
}

// RedisLockFactory creates RedLock leases
type RedisLockFactory struct {
	lockManager *redlock.RedLock
}

// NewRedisLockFactory creates new Redis lock factory
func NewRedisLockFactory(lockManager *redlock.RedLock) *RedisLockFactory {
	return &RedisLockFactory{lockManager: lockManager}
}

func (f *RedisLockFactory) NewLock(name string, ttl time.Duration) Lock {
	return NewDistributedLock(f.lockManager, name, ttl)
}

// LocalLockFactory hands out leases that are exclusive within this
// process only. Used by tests and single-replica deployments.
type LocalLockFactory struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewLocalLockFactory creates an in-process lock factory
func NewLocalLockFactory() *LocalLockFactory {
	return &LocalLockFactory{held: make(map[string]bool)}
}

func (f *LocalLockFactory) NewLock(name string, _ time.Duration) Lock {
	return &localLock{factory: f, name: name}
}

type localLock struct {
	factory *LocalLockFactory
	name    string
	locked  bool
}

func (l *localLock) TryAcquire(context.Context) (bool, error) {
	l.factory.mu.Lock()
	defer l.factory.mu.Unlock()

	if l.factory.held[l.name] {
		return false, nil
	}
	l.factory.held[l.name] = true
	l.locked = true
	return true, nil
}

func (l *localLock) Release(context.Context) error {
	if !l.locked {
		return nil
	}
	l.factory.mu.Lock()
	defer l.factory.mu.Unlock()

	delete(l.factory.held, l.name)
	l.locked = false
	return nil
}

func (l *localLock) Name() string { return l.name }
