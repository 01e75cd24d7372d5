package main

import (
	"context"

	"bazaar/internal/pkg/bootstrap"
	"bazaar/internal/pkg/httpclient"
	"bazaar/internal/pkg/logger"
	"bazaar/internal/pkg/mq"
	sagapkg "bazaar/internal/pkg/saga"
	"bazaar/internal/service/order/application"
	ordersaga "bazaar/internal/service/order/application/saga"
	"bazaar/internal/service/order/domain"
	"bazaar/internal/service/order/infrastructure"
	"bazaar/internal/service/order/infrastructure/adapter"
	"bazaar/internal/service/order/interfaces"

	"go.opentelemetry.io/otel"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

const (
	serviceName = "order-service"
	servicePort = 8081
)

func main() {
	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        servicePort,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			cfg := appCtx.Config

			publisher := mq.NewKafkaPublisher(cfg.Infra.KafkaBrokers)
			appCtx.OnShutdown(func(ctx context.Context) { publisher.Close() })

			repo, store := buildStores(appCtx)

			inventoryAdapter := adapter.NewInventoryHTTPAdapter(
				httpclient.NewClient(otel.Tracer(serviceName)), cfg.Order.InventoryURL, cfg.Order.RequestTimeout.Std())
			notifier := adapter.NewNotificationKafkaAdapter(publisher, cfg.Order.NotificationTopic)

			coordinator := sagapkg.NewCoordinator(store, publisher, sagapkg.CoordinatorOptions{
				LifecycleTopic: cfg.Saga.LifecycleTopic,
				InsertRetries:  cfg.Saga.InsertRetries,
				InsertBackoff:  cfg.Saga.InsertBackoff.Std(),
			})
			steps := &ordersaga.Steps{
				Inventory:     inventoryAdapter,
				Ledger:        inventoryAdapter,
				Notifier:      notifier,
				Repository:    repo,
				Publisher:     publisher,
				OrderTopic:    cfg.Order.OrderTopic,
				PaymentWindow: cfg.Order.PaymentWindow.Std(),
			}
			coordinator.Register(ordersaga.TypeOrderCreation, steps.Definition())

			service := application.NewOrderApplicationService(
				repo, coordinator, inventoryAdapter, notifier, publisher,
				application.OrderServiceOptions{
					OrderTopic:    cfg.Order.OrderTopic,
					PaymentWindow: cfg.Order.PaymentWindow.Std(),
				})
			service.StartTimeoutWorker(cfg.Order.TimeoutScanInterval.Std())
			appCtx.OnShutdown(func(ctx context.Context) { service.Stop() })

			interfaces.NewOrderHandler(service).RegisterRoutes(appCtx.Mux)
		},
	})
}

func buildStores(appCtx bootstrap.AppCtx) (domain.Repository, sagapkg.Store) {
	log := logger.Logger()
	cfg := appCtx.Config

	if cfg.Order.Store != "mysql" && cfg.Saga.Store != "mysql" {
		return infrastructure.NewMemoryRepository(), sagapkg.NewMemoryStore()
	}

	db, err := gorm.Open(mysql.Open(cfg.Infra.MySQL.DSN()), &gorm.Config{})
	if err != nil {
		log.Fatal().Err(err).Msg("open mysql")
	}

	var repo domain.Repository = infrastructure.NewMemoryRepository()
	if cfg.Order.Store == "mysql" {
		gormRepo := infrastructure.NewGormRepository(db)
		if err := gormRepo.Migrate(); err != nil {
			log.Fatal().Err(err).Msg("migrate order tables")
		}
		repo = gormRepo
	}

	var store sagapkg.Store = sagapkg.NewMemoryStore()
	if cfg.Saga.Store == "mysql" {
		gormStore := sagapkg.NewGormStore(db)
		if err := gormStore.Migrate(); err != nil {
			log.Fatal().Err(err).Msg("migrate saga tables")
		}
		store = gormStore
	}
	return repo, store
}
