package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpapi "github.com/immxrtalbeast/meshconf/internal/api/http"
	"github.com/immxrtalbeast/meshconf/internal/config"
	"github.com/immxrtalbeast/meshconf/internal/metrics"
	"github.com/immxrtalbeast/meshconf/internal/repository"
	"github.com/immxrtalbeast/meshconf/internal/service"
	"github.com/immxrtalbeast/meshconf/lib/logger"
	"github.com/immxrtalbeast/meshconf/lib/logger/sl"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = godotenv.Load(".env")

	cfg := config.MustLoad()
	log := logger.Setup(cfg.Env, os.Stdout)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	registry := repository.NewInMemoryRoomRegistry()
	relay := service.NewRelayService(registry, metrics.NewRelay(reg), log, service.RelayOptions{
		RosterInterval: cfg.Relay.RosterInterval,
		EventBuffer:    cfg.Relay.EventBuffer,
	})

	roomController := httpapi.NewRoomController(relay, log)
	signalingController := httpapi.NewSignalingController(relay, log, httpapi.SignalingOptions{
		ReadBufferSize:  cfg.HTTP.ReadBufferSize,
		WriteBufferSize: cfg.HTTP.WriteBufferSize,
		MaxMessageSize:  cfg.Relay.MaxMessageSize,
		WriteWait:       cfg.Relay.WriteWait,
		PongWait:        cfg.Relay.PongWait,
		PingPeriod:      cfg.Relay.PingPeriod,
		RateLimit:       cfg.Relay.RateLimit,
		RateBurst:       cfg.Relay.RateBurst,
	})

	router := httpapi.SetupRouter(
		cfg.HTTP.AllowOrigins,
		roomController,
		signalingController,
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	)

	srv := &http.Server{
		Addr:    cfg.HTTP.Address,
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info("starting relay", slog.String("addr", cfg.HTTP.Address), slog.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server stopped", sl.Err(err))
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down relay")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	relay.Shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", sl.Err(err))
	}

	log.Info("relay stopped")
}
