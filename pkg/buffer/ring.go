// Package buffer holds records between producers and the flush loop.
package buffer

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/selivandex/telemetry-buffer/pkg/logger"
	"github.com/selivandex/telemetry-buffer/pkg/models"
)

// DefaultCapacity is the ring size used when none is configured.
const DefaultCapacity = 65_536

// ErrAlreadyClaimed is returned by Claim when another drain owner holds the
// buffer.
var ErrAlreadyClaimed = errors.New("buffer already has a drain owner")

// Ring is a fixed-capacity FIFO of records. Appending to a full ring
// evicts the oldest record. All methods are safe for concurrent use.
// Flushers call Claim before draining so that two strategies never drain
// the same ring.
type Ring struct {
	mu    sync.Mutex
	items []models.Record
	head  int // index of the oldest record
	size  int

	evicted     uint64
	overflowing bool
	owner       string
}

// NewRing creates a ring holding at most capacity records. A non-positive
// capacity selects DefaultCapacity.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{items: make([]models.Record, capacity)}
}

// Append adds a record, evicting the oldest one when the ring is full.
// It never blocks on the consumer.
func (r *Ring) Append(rec models.Record) {
	r.mu.Lock()
	warn := r.push(rec)
	r.mu.Unlock()

	if warn {
		r.warnOverflow()
	}
}

// AppendMany adds records in order under a single lock acquisition.
func (r *Ring) AppendMany(recs []models.Record) {
	if len(recs) == 0 {
		return
	}

	warn := false
	r.mu.Lock()
	for _, rec := range recs {
		if r.push(rec) {
			warn = true
		}
	}
	r.mu.Unlock()

	if warn {
		r.warnOverflow()
	}
}

// push inserts under r.mu and reports whether an overflow episode started.
func (r *Ring) push(rec models.Record) bool {
	capacity := len(r.items)
	tail := (r.head + r.size) % capacity
	r.items[tail] = rec

	if r.size < capacity {
		r.size++
		return false
	}

	r.head = (r.head + 1) % capacity
	r.evicted++
	if r.overflowing {
		return false
	}
	r.overflowing = true
	return true
}

func (r *Ring) warnOverflow() {
	logger.Warn("buffer full, evicting oldest records",
		zap.Int("capacity", r.Cap()),
	)
}

// Extract removes and returns up to max of the oldest records, in order.
// It returns nil when the ring is empty or max is not positive.
func (r *Ring) Extract(max int) []models.Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.overflowing = false

	n := r.size
	if max < n {
		n = max
	}
	if n <= 0 {
		return nil
	}

	capacity := len(r.items)
	out := make([]models.Record, n)
	first := copy(out, r.items[r.head:min(r.head+n, capacity)])
	if first < n {
		copy(out[first:], r.items[:n-first])
	}

	// drop references so extracted records can be collected
	for i := 0; i < n; i++ {
		r.items[(r.head+i)%capacity] = models.Record{}
	}
	r.head = (r.head + n) % capacity
	r.size -= n

	return out
}

// Len returns the number of buffered records.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Cap returns the ring capacity.
func (r *Ring) Cap() int {
	return len(r.items)
}

// Evicted returns how many records have been overwritten since creation.
func (r *Ring) Evicted() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evicted
}

// Claim registers owner as the single drain owner of the ring.
func (r *Ring) Claim(owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.owner != "" && r.owner != owner {
		return fmt.Errorf("%w: held by %s", ErrAlreadyClaimed, r.owner)
	}
	r.owner = owner
	return nil
}

// Release drops the claim if owner holds it.
func (r *Ring) Release(owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.owner == owner {
		r.owner = ""
	}
}

// Owner returns the current drain owner, empty when unclaimed.
func (r *Ring) Owner() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.owner
}
