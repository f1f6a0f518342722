package metrics

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/selivandex/telemetry-buffer/pkg/logger"
	"github.com/selivandex/telemetry-buffer/pkg/models"
)

const deadLetterTimeout = 5 * time.Second

// DropPolicy discards failed records. It is the default.
type DropPolicy struct{}

func (DropPolicy) Name() string { return "drop" }

func (DropPolicy) HandleFailure(_ context.Context, sink string, failed []models.Record, err error) {
	logger.Warn("discarding undelivered records",
		zap.String("sink", sink),
		zap.Int("discarded", len(failed)),
		zap.Error(err),
	)
}

// DeadLetterPolicy hands failed records to a store. If the store fails too,
// the records are dropped.
type DeadLetterPolicy struct {
	Store DeadLetterStore
}

func (DeadLetterPolicy) Name() string { return "deadletter" }

func (p DeadLetterPolicy) HandleFailure(ctx context.Context, sink string, failed []models.Record, err error) {
	if len(failed) == 0 {
		return
	}

	// Dead-lettering also runs during shutdown drain, after ctx is done.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deadLetterTimeout)
	defer cancel()

	if pushErr := p.Store.Push(ctx, failed); pushErr != nil {
		logger.Error("dead-letter push failed, dropping records",
			zap.String("sink", sink),
			zap.Int("discarded", len(failed)),
			zap.NamedError("delivery_error", err),
			zap.Error(pushErr),
		)
		return
	}

	logger.Warn("records moved to dead-letter store",
		zap.String("sink", sink),
		zap.Int("count", len(failed)),
		zap.Error(err),
	)
}

// ParseFailurePolicy maps a configured name to a policy. "deadletter"
// requires a store.
func ParseFailurePolicy(name string, store DeadLetterStore) (FailurePolicy, error) {
	switch name {
	case "", "drop":
		return DropPolicy{}, nil
	case "deadletter":
		if store == nil {
			return nil, &ConfigError{Param: "failure_policy", Reason: "deadletter requires a dead-letter store"}
		}
		return DeadLetterPolicy{Store: store}, nil
	default:
		return nil, &ConfigError{Param: "failure_policy", Reason: "unknown policy " + name}
	}
}
