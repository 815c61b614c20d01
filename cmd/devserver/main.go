// Command devserver runs a local paid API for trying out paidfetch:
// routes under /paid/ answer with an x402 challenge until paid through the
// settlement endpoint on the same origin.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/x402-foundation/paidfetch/internal/devserver"
	"github.com/x402-foundation/paidfetch/pkg/config"
	"github.com/x402-foundation/paidfetch/pkg/logger"
)

func main() {
	godotenv.Load()

	var (
		addr     = flag.String("addr", ":4021", "listen address")
		amount   = flag.String("amount", "0.001", "price per request in whole tokens")
		networks = flag.String("networks", "solana,base", "comma separated networks to offer, in order")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	price, err := decimal.NewFromString(*amount)
	if err != nil {
		fmt.Printf("Invalid amount %q: %v\n", *amount, err)
		os.Exit(1)
	}

	log := logger.NewZapLogger(cfg.LogLevel)
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	opts := []devserver.Option{
		devserver.WithAmount(price),
		devserver.WithNetworks(strings.Split(*networks, ",")...),
		devserver.WithSettlementPath(cfg.SettlementPath),
		devserver.WithRegisterPath(cfg.RegisterPath),
		devserver.WithLogger(log),
	}
	if cfg.PayTo != "" {
		opts = append(opts, devserver.WithPayTo(cfg.PayTo))
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           devserver.New(opts...).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("devserver listening", map[string]any{"addr": *addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("devserver failed", map[string]any{"error": err})
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("devserver shutdown failed", map[string]any{"error": err})
	}
}
