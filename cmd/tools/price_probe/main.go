// Operator tool: dump the daily price series for a date range, exercising
// the same windowed klines fetch the tracker uses for backfill.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"feescan/internal/binance"
	"feescan/internal/config"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to the YAML config file")
	startStr := flag.String("start", "", "start date, 2006-01-02 (default: config backfill_start)")
	endStr := flag.String("end", "", "end date, 2006-01-02 (default: now)")
	flag.Parse()
	if *configPath == "" {
		log.Fatal("No config file provided (set CONFIG_FILE or pass -config)")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	start := cfg.BackfillStartTime()
	if *startStr != "" {
		start, err = time.Parse("2006-01-02", *startStr)
		if err != nil {
			log.Fatalf("bad -start: %v", err)
		}
	}
	end := time.Now().UTC()
	if *endStr != "" {
		end, err = time.Parse("2006-01-02", *endStr)
		if err != nil {
			log.Fatalf("bad -end: %v", err)
		}
	}

	client := binance.NewClient(cfg.BinanceURL, cfg.Symbol, cfg.BinanceRPS)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	series, err := client.DailyPrices(ctx, start, end)
	if err != nil {
		log.Fatalf("daily prices: %v", err)
	}
	for _, p := range series {
		fmt.Printf("%s %.2f\n", p.Time.Format("2006-01-02"), p.Price)
	}
	fmt.Printf("%d point(s)\n", len(series))
}
