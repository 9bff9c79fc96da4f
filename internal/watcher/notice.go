package watcher

import (
	"context"
	"log/slog"

	"github.com/ouvidoriag/ogfinal-sub001/pkg/kafka"
)

// KafkaNotifier publishes flush notices so operators and downstream
// consumers can audit invalidation activity.
type KafkaNotifier struct {
	publisher kafka.Publisher
	instance  string
	logger    *slog.Logger
}

// NewKafkaNotifier creates a KafkaNotifier. instance keys the messages so
// notices from one process stay ordered.
func NewKafkaNotifier(p kafka.Publisher, instance string) *KafkaNotifier {
	return &KafkaNotifier{
		publisher: p,
		instance:  instance,
		logger:    slog.Default().With("component", "invalidation-notifier"),
	}
}

// Notify publishes n. Publish failures are logged.
func (k *KafkaNotifier) Notify(ctx context.Context, n Notice) {
	err := k.publisher.PublishBatch(ctx, []kafka.Event{{Key: k.instance, Value: n}})
	if err != nil {
		k.logger.Warn("publishing invalidation notice failed", "error", err)
	}
}
