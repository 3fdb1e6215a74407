package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"viewer-stats/internal/aggregate"
	"viewer-stats/internal/dedup"
	"viewer-stats/internal/model"
)

var processedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "aggregator_notifications_total",
	Help: "Notifications handled by the aggregator by result",
}, []string{"result"})

// EventIngester is the notification admission path of the dedup gate.
type EventIngester interface {
	IngestEvent(ctx context.Context, messageID string, u aggregate.Unit) (dedup.Outcome, aggregate.Result, error)
}

// Processor turns Kafka notification payloads into applied units.
type Processor struct {
	gate EventIngester
	log  *zap.Logger
}

func NewProcessor(gate EventIngester, log *zap.Logger) *Processor {
	return &Processor{gate: gate, log: log}
}

// Handle processes one payload. A nil error means the offset may be
// committed; that includes payloads that can never succeed, which are logged
// and skipped. Any returned error is transient.
func (p *Processor) Handle(ctx context.Context, payload []byte) error {
	var env model.NotificationEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		p.skip("decode", err)
		return nil
	}
	if env.MessageID == "" {
		p.skip("decode", errors.New("envelope without message id"))
		return nil
	}

	unit, err := Translate(env)
	if err != nil {
		result := "malformed"
		if errors.Is(err, ErrUnsupported) {
			result = "unsupported"
		}
		p.log.Debug("notification skipped",
			zap.String("message_id", env.MessageID),
			zap.String("subscription_type", env.SubscriptionType),
			zap.Error(err))
		processedTotal.WithLabelValues(result).Inc()
		return nil
	}

	outcome, _, err := p.gate.IngestEvent(ctx, env.MessageID, unit)
	switch {
	case err == nil:
		processedTotal.WithLabelValues(outcome.String()).Inc()
		return nil
	case errors.Is(err, dedup.ErrValidation), errors.Is(err, aggregate.ErrInvariant):
		p.log.Error("notification rejected",
			zap.String("message_id", env.MessageID),
			zap.String("subscription_type", env.SubscriptionType),
			zap.Error(err))
		processedTotal.WithLabelValues("rejected").Inc()
		return nil
	default:
		processedTotal.WithLabelValues("retry").Inc()
		return fmt.Errorf("apply %s: %w", env.MessageID, err)
	}
}

func (p *Processor) skip(result string, err error) {
	p.log.Warn("notification dropped", zap.String("reason", result), zap.Error(err))
	processedTotal.WithLabelValues(result).Inc()
}
