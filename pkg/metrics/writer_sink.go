package metrics

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/selivandex/telemetry-buffer/pkg/models"
)

// WriterSink writes each record as one JSON line to an io.Writer. It backs
// the stdout backend and is handy in tests.
type WriterSink struct {
	name string
	w    io.Writer

	mu  sync.Mutex
	enc *json.Encoder
}

// NewWriterSink wraps w. If w is an io.Closer it is closed by Close.
func NewWriterSink(name string, w io.Writer) *WriterSink {
	if name == "" {
		name = "writer"
	}
	return &WriterSink{name: name, w: w}
}

func (s *WriterSink) Name() string { return s.name }

func (s *WriterSink) Open(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enc = json.NewEncoder(s.w)
	return nil
}

func (s *WriterSink) Write(_ context.Context, batch []models.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.enc == nil {
		s.enc = json.NewEncoder(s.w)
	}
	for i, rec := range batch {
		if err := s.enc.Encode(rec); err != nil {
			return &DeliveryError{
				Sink:        s.name,
				Destination: Destination{Bucket: rec.Bucket(), Precision: rec.Precision()},
				Records:     batch[i:],
				Err:         err,
			}
		}
	}
	return nil
}

func (s *WriterSink) Close() error {
	if c, ok := s.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
