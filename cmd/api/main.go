package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"escrowflow/config"
	"escrowflow/db"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/identity"
	"escrowflow/outbox"
	"escrowflow/server"
	"escrowflow/settlement"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	identityRepo := identity.NewRepository(pool)
	if err := identityRepo.Bootstrap(ctx, identity.Principal(cfg.BootstrapOwner)); err != nil {
		log.Fatalf("bootstrap owner: %v", err)
	}
	identityService := identity.NewService(identityRepo)
	tokens := identity.NewTokenService(cfg.JWTSecret, 0)

	var ledger settlement.Ledger = settlement.FakeLedger{}
	if cfg.LedgerGatewayURL != "" {
		ledger = settlement.NewGatewayLedger(cfg.LedgerGatewayURL)
	}
	coordinator := settlement.NewCoordinator(pool, ledger)

	registry := escrow.NewRepository(pool)
	escrowService := escrow.NewService(registry, coordinator, identityService, escrow.Options{
		MutualAgreement: cfg.MutualAgreement,
	})
	disputeService := dispute.NewService(registry, coordinator, identityService)

	apiServer := server.New(escrowService, disputeService, identityService, coordinator, tokens, server.Options{
		Port:       cfg.HTTPPort,
		DBHealthFn: pool.Ping,
	})
	coordinator.Observe(apiServer.ObserveSettlement)
	dispatcher := outbox.NewDispatcher(pool, outbox.LogPublisher{}, cfg.OutboxInterval)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return apiServer.Start()
	})
	g.Go(func() error {
		return dispatcher.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return apiServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !isShutdown(err) {
		log.Fatalf("service stopped: %v", err)
	}
	log.Println("service stopped")
}

func isShutdown(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, http.ErrServerClosed)
}
