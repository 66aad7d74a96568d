// Package pubsub implements a Google Cloud Pub/Sub notifier for realtime
// push updates.
package pubsub

import (
	"context"
	"encoding/json"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/bizscout/harvester/internal/harvest"
)

// Notifier publishes job updates and delivered events to a Pub/Sub topic.
// Publishing is fire-and-forget: failures are logged, never surfaced to the
// caller.
type Notifier struct {
	topic  *pubsub.Topic
	logger *zap.Logger
}

// New creates a Notifier for the provided topic.
func New(topic *pubsub.Topic, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{topic: topic, logger: logger}
}

// NotifyJobUpdate publishes a job status change.
func (n *Notifier) NotifyJobUpdate(ctx context.Context, notice harvest.JobUpdateNotice) {
	n.publish(ctx, "job_update", notice)
}

// NotifyDelivery publishes a successfully delivered webhook event.
func (n *Notifier) NotifyDelivery(ctx context.Context, event harvest.Event) {
	n.publish(ctx, "delivery", event)
}

func (n *Notifier) publish(ctx context.Context, kind string, payload any) {
	if n.topic == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		n.logger.Error("marshal notification", zap.String("kind", kind), zap.Error(err))
		return
	}
	result := n.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"kind": kind},
	})
	if _, err := result.Get(ctx); err != nil {
		n.logger.Warn("publish notification failed", zap.String("kind", kind), zap.Error(err))
	}
}
