package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/intrinsicinvestment91/bitagent/arbitrator"
	"github.com/intrinsicinvestment91/bitagent/auth"
	"github.com/intrinsicinvestment91/bitagent/config"
	"github.com/intrinsicinvestment91/bitagent/db"
	"github.com/intrinsicinvestment91/bitagent/directory"
	"github.com/intrinsicinvestment91/bitagent/dispute"
	"github.com/intrinsicinvestment91/bitagent/escrow"
	"github.com/intrinsicinvestment91/bitagent/fraud"
	"github.com/intrinsicinvestment91/bitagent/observability"
	"github.com/intrinsicinvestment91/bitagent/payment"
	"github.com/intrinsicinvestment91/bitagent/trust"
)

func main() {
	var (
		configPath = flag.String("config", os.Getenv("BITAGENT_CONFIG"), "path to TOML config file")
		listenAddr = flag.String("listen", ":8080", "HTTP listen address")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := observability.SetupLogging("bitagent-api", cfg.Environment)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	trustLedger := trust.NewLedger(trust.NewPGRepository(pool), cfg.Trust)
	dirSvc := directory.NewService(directory.NewRepository(pool), trustLedger)
	selector := arbitrator.NewSelector(arbitrator.NewRepository(pool), trustLedger)
	resolver := dispute.NewResolver(pool, dispute.NewPGStore(pool), selector, trustLedger,
		cfg.Escrow.EvidenceWindow.Duration, logger)

	rail := payment.NewLNbitsClient(cfg.Rail.BaseURL, cfg.Rail.APIKey, cfg.Rail.Timeout.Duration)
	mgr := escrow.NewManager(escrow.ManagerParams{
		Pool:           pool,
		Store:          escrow.NewPGStore(pool),
		Rail:           rail,
		Detector:       fraud.NewDetector(cfg.Fraud),
		Risk:           fraud.NewPGRepository(pool),
		Trust:          trustLedger,
		Disputes:       resolver,
		Directory:      dirSvc,
		Config:         cfg.Escrow,
		VelocityWindow: cfg.Fraud.VelocityWindow.Duration,
		Logger:         logger,
	})
	resolver.SetEnforcer(mgr)

	authSvc := auth.NewService(auth.NewRepository(pool), cfg.JWTSecret)

	go func() {
		if err := mgr.RunSweeper(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("sweeper stopped", "err", err)
		}
	}()
	go runWindowExpirer(ctx, resolver, cfg.Escrow.SweepInterval.Duration, logger)

	server := &Server{
		escrowService:  mgr,
		disputeService: resolver,
		agentService:   dirSvc,
		trustService:   trustLedger,
		authService:    authSvc,
		log:            logger,
	}

	httpServer := &http.Server{
		Addr:              *listenAddr,
		Handler:           server.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown", "err", err)
		}
	}()

	logger.Info("listening", "addr", *listenAddr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("http server: %v", err)
	}
}

// runWindowExpirer advances disputes whose evidence window has lapsed.
func runWindowExpirer(ctx context.Context, resolver *dispute.Resolver, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := resolver.ExpireWindows(ctx, 50); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("expire dispute windows", "err", err)
			}
		}
	}
}
