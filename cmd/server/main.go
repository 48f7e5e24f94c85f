package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"edupay/config"
	"edupay/internal/app"
	"edupay/internal/database"
	"edupay/internal/middleware"
	"edupay/internal/router"

	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}
	cfg := config.Load()
	db, err := database.NewDB(&cfg.Database)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	if err := database.AutoMigrate(db); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	infra, closeInfra := app.NewInfra(cfg)
	defer closeInfra()
	a := app.New(cfg, db, infra)

	limiter := middleware.NewKeyedRateLimiter(cfg.Server.RateLimit, cfg.Server.RateLimitBurst)
	stopPruner := make(chan struct{})
	go limiter.RunPruner(time.Minute, stopPruner)

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	go a.Sweeper.Run(sweepCtx, cfg.Payment.SweepInterval)

	engine := router.Setup(cfg, a, limiter)
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		log.Printf("server listening on :%s (payment methods: %v)", cfg.Server.Port, a.Gateways.Methods())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down...")
	stopSweeper()
	close(stopPruner)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("server shutdown: %v", err)
	}
	fmt.Println("server stopped")
}
