package main

import (
	"context"
	"encoding/json"

	"bazaar/internal/pkg/bootstrap"
	"bazaar/internal/pkg/logger"
	"bazaar/internal/pkg/mq"
	"bazaar/internal/service/order/port"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const (
	serviceName   = "notification-service"
	servicePort   = 8083
	consumerGroup = "notification-group"
)

func main() {
	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        servicePort,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			cfg := appCtx.Config
			reader := mq.NewKafkaReader(cfg.Infra.KafkaBrokers, cfg.Order.NotificationTopic, consumerGroup)

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan struct{})
			go consume(ctx, reader, done)

			appCtx.OnShutdown(func(shutdownCtx context.Context) {
				cancel()
				if err := reader.Close(); err != nil {
					logger.Logger().Warn().Err(err).Msg("close kafka reader")
				}
				<-done
			})
		},
	})
}

func consume(ctx context.Context, reader *kafka.Reader, done chan<- struct{}) {
	defer close(done)
	log := logger.Logger()
	log.Info().Msg("consuming seller notifications")

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("fetch message")
			continue
		}

		deliver(msg)

		if err := reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("commit message")
		}
	}
}

// deliver fans the notice out to the seller's configured channels. Today that
// is a structured log line standing in for the mail/SMS integration.
func deliver(msg kafka.Message) {
	ctx := mq.ExtractTraceContext(context.Background(), msg.Headers)
	ctx, span := otel.Tracer(serviceName).Start(ctx, "notification.Deliver")
	defer span.End()

	var notice port.SellerNotice
	if err := json.Unmarshal(msg.Value, &notice); err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("decode seller notice")
		return
	}
	span.SetAttributes(
		attribute.String("notification.seller_id", notice.SellerID),
		attribute.String("notification.kind", notice.Kind),
	)

	logger.Ctx(ctx).Info().
		Str("seller_id", notice.SellerID).
		Str("order_id", notice.OrderID).
		Str("buyer_id", notice.BuyerID).
		Str("kind", notice.Kind).
		Msg("seller notified")
}
