// Package testsink provides an in-memory metrics.Sink for tests.
package testsink

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/selivandex/telemetry-buffer/pkg/metrics"
	"github.com/selivandex/telemetry-buffer/pkg/models"
)

// ErrWrite is returned by Write when ShouldFail is set.
var ErrWrite = errors.New("testsink: write failed")

// Sink records every batch it receives.
type Sink struct {
	name string

	// Behaviour knobs, set before use.
	OpenErr    error
	CloseErr   error
	ShouldFail bool
	Delay      time.Duration
	// FailFunc, when set, decides per batch instead of ShouldFail.
	FailFunc func(batch []models.Record) error

	mu      sync.Mutex
	batches [][]models.Record
	opens   int
	closes  int
}

// New creates a sink named name.
func New(name string) *Sink {
	return &Sink{name: name}
}

// Failing creates a sink whose writes always fail.
func Failing(name string) *Sink {
	return &Sink{name: name, ShouldFail: true}
}

func (s *Sink) Name() string { return s.name }

func (s *Sink) Open(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens++
	return s.OpenErr
}

func (s *Sink) Write(ctx context.Context, batch []models.Record) error {
	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
		}
	}

	if s.FailFunc != nil {
		if err := s.FailFunc(batch); err != nil {
			return err
		}
	} else if s.ShouldFail {
		return &metrics.DeliveryError{Sink: s.name, Records: batch, Err: ErrWrite}
	}

	cp := make([]models.Record, len(batch))
	copy(cp, batch)

	s.mu.Lock()
	s.batches = append(s.batches, cp)
	s.mu.Unlock()
	return nil
}

func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return s.CloseErr
}

// Batches returns the delivered batches in arrival order.
func (s *Sink) Batches() [][]models.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]models.Record, len(s.batches))
	copy(out, s.batches)
	return out
}

// Records returns every delivered record, flattened.
func (s *Sink) Records() []models.Record {
	var out []models.Record
	for _, b := range s.Batches() {
		out = append(out, b...)
	}
	return out
}

// Count returns the number of delivered records.
func (s *Sink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

// Opens returns how many times Open was called.
func (s *Sink) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

// Closes returns how many times Close was called.
func (s *Sink) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// Outcomes collects reported outcomes.
type Outcomes struct {
	mu  sync.Mutex
	all []metrics.Outcome
}

// Report implements metrics.Reporter.
func (o *Outcomes) Report(out metrics.Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.all = append(o.all, out)
}

// All returns a copy of everything reported so far.
func (o *Outcomes) All() []metrics.Outcome {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]metrics.Outcome, len(o.all))
	copy(out, o.all)
	return out
}

// Len returns the number of reported outcomes.
func (o *Outcomes) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.all)
}
