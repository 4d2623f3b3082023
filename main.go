package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"feescan/internal/api"
	"feescan/internal/binance"
	"feescan/internal/config"
	"feescan/internal/etherscan"
	"feescan/internal/eventbus"
	"feescan/internal/tracker"
)

// BuildCommit is set at build time via -ldflags.
var BuildCommit = "dev"

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to the YAML config file")
	flag.Parse()
	if *configPath == "" {
		log.Fatal("No config file provided (set CONFIG_FILE or pass -config)")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.Println("Initializing feescan...")
	log.Printf("Pool: token=%s address=%s", cfg.TokenContract, cfg.PoolAddress)
	log.Printf("Upstreams: etherscan=%s binance=%s symbol=%s", cfg.EtherscanURL, cfg.BinanceURL, cfg.Symbol)
	log.Printf("API Port: %d", cfg.APIPort)

	blocks := etherscan.NewClient(
		cfg.EtherscanURL,
		cfg.APIKey,
		common.HexToAddress(cfg.TokenContract),
		common.HexToAddress(cfg.PoolAddress),
		cfg.EtherscanRPS,
	)
	prices := binance.NewClient(cfg.BinanceURL, cfg.Symbol, cfg.BinanceRPS)
	bus := eventbus.New()

	trk := tracker.New(blocks, prices, bus, tracker.Config{
		PollInterval:  cfg.PollInterval(),
		BackfillSleep: cfg.BackfillSleep(),
		BackfillStart: cfg.BackfillStartTime(),
	})

	api.BuildCommit = BuildCommit
	server := api.NewServer(trk, bus, api.Config{
		Port:           cfg.APIPort,
		RateLimitRPS:   cfg.APIRateLimitRPS,
		RateLimitBurst: cfg.APIRateLimitBurst,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// The API serves immediately; lookups report "not found" until the
	// tracker's backfill warms the cache.
	go func() {
		log.Printf("Starting API Server on :%d", cfg.APIPort)
		if err := server.Start(ctx); err != nil && err != http.ErrServerClosed {
			log.Fatalf("API Server failed: %v", err)
		}
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := trk.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[Tracker] Exited: %v", err)
		}
	}()

	<-sigChan
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("API shutdown: %v", err)
	}
	bus.Close()
	cancel()
	wg.Wait()
}
