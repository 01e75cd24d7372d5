package bootstrap

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"bazaar/internal/pkg/config"
	"bazaar/internal/pkg/logger"
	"bazaar/internal/pkg/nacos"
	"bazaar/internal/pkg/tracing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AppCtx is handed to each service so it can register its own routes and
// reach shared infrastructure.
type AppCtx struct {
	Mux    *http.ServeMux
	Config *config.Config
	Nacos  *nacos.Client

	shutdownHooks *[]func(context.Context)
}

// OnShutdown registers a teardown hook. Hooks run after the HTTP server
// stops, LIFO.
func (a AppCtx) OnShutdown(hook func(context.Context)) {
	*a.shutdownHooks = append(*a.shutdownHooks, hook)
}

// AppInfo describes one service to StartService.
type AppInfo struct {
	ServiceName      string
	Port             int
	RegisterHandlers func(appCtx AppCtx)
}

// StartService owns the shared startup and graceful-shutdown sequence:
// config, logging, tracing, optional nacos registration, HTTP server with
// /healthz and /metrics, then signal-driven teardown.
func StartService(info AppInfo) {
	logger.Init(info.ServiceName)
	log := logger.Logger()

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if cfg.Service.Name == "" {
		cfg.Service.Name = info.ServiceName
	}
	if cfg.Service.Port == 0 {
		cfg.Service.Port = info.Port
	}

	tp, err := tracing.InitTracerProvider(info.ServiceName, cfg.Infra.JaegerEndpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("init tracer provider")
	}

	var naming *nacos.Client
	var ip string
	if cfg.Infra.NacosAddrs != "" {
		naming, err = nacos.NewClient(cfg.Infra.NacosAddrs, cfg.Infra.NacosNamespace, cfg.Infra.NacosGroup)
		if err != nil {
			log.Fatal().Err(err).Msg("init nacos client")
		}
		ip, err = outboundIP()
		if err != nil {
			log.Fatal().Err(err).Msg("resolve outbound IP")
		}
		if err := naming.Register(info.ServiceName, ip, cfg.Service.Port); err != nil {
			log.Fatal().Err(err).Msg("register with nacos")
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.Handler())
	var shutdownHooks []func(context.Context)
	if info.RegisterHandlers != nil {
		info.RegisterHandlers(AppCtx{Mux: mux, Config: cfg, Nacos: naming, shutdownHooks: &shutdownHooks})
	}

	server := &http.Server{Addr: ":" + strconv.Itoa(cfg.Service.Port), Handler: mux}
	go func() {
		log.Info().Int("port", cfg.Service.Port).Msg("listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if naming != nil {
		if err := naming.Deregister(info.ServiceName, ip, cfg.Service.Port); err != nil {
			log.Warn().Err(err).Msg("deregister from nacos")
		}
	}

	if err := server.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("shutdown http server")
	}

	for i := len(shutdownHooks) - 1; i >= 0; i-- {
		shutdownHooks[i](ctx)
	}

	// Flush buffered spans last.
	if err := tp.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("shutdown tracer provider")
	}

	log.Info().Msg("stopped")
}

// outboundIP finds the IP the host would use for egress, without sending
// any packets.
func outboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
