package main

import (
	"context"
	"time"

	"bazaar/internal/pkg/bootstrap"
	"bazaar/internal/pkg/logger"
	"bazaar/internal/pkg/mq"
	"bazaar/internal/pkg/zookeeper"
	"bazaar/internal/service/inventory/application"
	"bazaar/internal/service/inventory/domain"
	"bazaar/internal/service/inventory/infrastructure"
	"bazaar/internal/service/inventory/interfaces"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

const (
	serviceName = "inventory-service"
	servicePort = 8082
)

func main() {
	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        servicePort,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			log := logger.Logger()
			cfg := appCtx.Config

			ledger := buildLedger(appCtx)

			publisher := mq.NewKafkaPublisher(cfg.Infra.KafkaBrokers)
			appCtx.OnShutdown(func(ctx context.Context) { publisher.Close() })

			var sweepLock application.SweepLock
			if cfg.Ledger.SweepElection && len(cfg.Infra.ZKAddrs) > 0 {
				conn, err := zookeeper.Connect(cfg.Infra.ZKAddrs, 5*time.Second)
				if err != nil {
					log.Fatal().Err(err).Msg("connect zookeeper")
				}
				appCtx.OnShutdown(func(ctx context.Context) { conn.Close() })
				sweepLock, err = application.NewZkSweepLock(conn)
				if err != nil {
					log.Fatal().Err(err).Msg("create sweep lock")
				}
			}

			var service *application.Service
			reaper := application.NewReaper(ledger, application.ReaperOptions{
				Buffer:        cfg.Ledger.ExpiryBuffer.Std(),
				SweepInterval: cfg.Ledger.SweepInterval.Std(),
				SweepLock:     sweepLock,
				OnExpired: func(ctx context.Context, res domain.Reservation) {
					service.HandleExpired(ctx, res)
				},
			})
			service = application.NewService(ledger, reaper, publisher, application.ServiceOptions{
				ReserveTTL: cfg.Ledger.ReserveTTL.Std(),
				StockTopic: cfg.Ledger.StockTopic,
			})
			reaper.Start()
			appCtx.OnShutdown(func(ctx context.Context) { reaper.Stop() })

			interfaces.NewInventoryHandler(service).RegisterRoutes(appCtx.Mux)
		},
	})
}

func buildLedger(appCtx bootstrap.AppCtx) domain.Ledger {
	log := logger.Logger()
	cfg := appCtx.Config

	switch cfg.Ledger.Backend {
	case "mysql":
		db, err := gorm.Open(mysql.Open(cfg.Infra.MySQL.DSN()), &gorm.Config{})
		if err != nil {
			log.Fatal().Err(err).Msg("open mysql")
		}
		ledger := infrastructure.NewGormLedger(db)
		if err := ledger.Migrate(); err != nil {
			log.Fatal().Err(err).Msg("migrate ledger tables")
		}
		return ledger
	case "redis":
		client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: cfg.Infra.RedisAddrs})
		appCtx.OnShutdown(func(ctx context.Context) {
			if err := client.Close(); err != nil {
				log.Warn().Err(err).Msg("close redis client")
			}
		})
		return infrastructure.NewRedisLedger(client)
	default:
		log.Info().Msg("using in-memory ledger")
		return infrastructure.NewMemoryLedger()
	}
}
