package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ChatGateway/global"
	"ChatGateway/logger"
	"ChatGateway/service/broker"
	"ChatGateway/service/gateway"
	"ChatGateway/service/storage"
	"ChatGateway/tools/ids"
)

func main() {
	defer logger.Sync()

	cfg, err := global.Load()
	if err != nil {
		// Missing secret or a broken environment: refuse to start.
		logger.Errorf("[main] config: %v", err)
		os.Exit(1)
	}
	ids.SetNodeID(cfg.NodeID)

	// Membership cache. Losing it only disables restore-on-connect, so a
	// failure here is loud but not fatal.
	if err := storage.Init(storage.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPass,
		DB:       cfg.RedisDB,
	}); err != nil {
		logger.Warnf("[main] membership cache unavailable, restore disabled: %v", err)
	}

	localOnly := false
	bus, err := broker.New(broker.Config{
		Driver:       cfg.BrokerDriver,
		ClientID:     cfg.GatewayID,
		RedisAddr:    cfg.RedisAddr,
		RedisPass:    cfg.RedisPass,
		RedisDB:      cfg.RedisDB,
		NatsURL:      cfg.NatsURL,
		KafkaBrokers: cfg.KafkaBrokers,
		KafkaGroup:   cfg.KafkaGroup,
	})
	if err != nil {
		// Losing the bus loses cross-instance fan-out, not local service.
		// Run on the in-process bus and say so on /health.
		logger.Errorf("[main] broker %s unavailable, running local-only: %v", cfg.BrokerDriver, err)
		bus = broker.NewMemoryBroker()
		localOnly = true
	}

	srv, err := gateway.NewServer(cfg, bus)
	if err != nil {
		logger.Errorf("[main] gateway init: %v", err)
		os.Exit(1)
	}
	if localOnly {
		srv.Engine().SetLocalOnly()
	}

	// A panic that escapes everything still gets an orderly shutdown
	// attempt instead of leaving the broker half-open.
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("[main] panic: %v, attempting graceful shutdown", r)
			shutdown(srv)
			logger.Sync()
			os.Exit(1)
		}
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Infof("[main] %s received, shutting down", sig)
	case err := <-errCh:
		if err != nil {
			logger.Errorf("[main] server: %v", err)
		}
	}

	shutdown(srv)
	_ = storage.Close()
}

func shutdown(srv *gateway.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorf("[main] shutdown: %v", err)
	}
}
