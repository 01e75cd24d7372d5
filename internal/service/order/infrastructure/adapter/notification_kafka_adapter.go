package adapter

import (
	"context"
	"encoding/json"

	"bazaar/internal/pkg/mq"
	"bazaar/internal/service/order/port"

	"github.com/pkg/errors"
)

// NotificationKafkaAdapter delivers seller notices over the notification
// topic. It publishes critically and returns the failure; best-effort policy
// lives with the caller, not here.
type NotificationKafkaAdapter struct {
	publisher mq.Publisher
	topic     string
}

func NewNotificationKafkaAdapter(publisher mq.Publisher, topic string) *NotificationKafkaAdapter {
	if topic == "" {
		topic = "seller-notifications"
	}
	return &NotificationKafkaAdapter{publisher: publisher, topic: topic}
}

// Notify implements port.SellerNotifier.
func (a *NotificationKafkaAdapter) Notify(ctx context.Context, notice port.SellerNotice) error {
	value, err := json.Marshal(notice)
	if err != nil {
		return errors.Wrap(err, "marshal seller notice")
	}
	// Keyed by seller so one seller's notices stay ordered.
	return a.publisher.Publish(ctx, a.topic, []byte(notice.SellerID), value, mq.PublishOptions{
		Critical:      true,
		Retries:       2,
		CorrelationID: notice.CorrelationID,
	})
}
