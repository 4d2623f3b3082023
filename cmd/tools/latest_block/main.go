// Operator tool: print the current latest block and the pool transactions
// in a block range, straight from the indexer.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"feescan/internal/config"
	"feescan/internal/etherscan"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to the YAML config file")
	fromBlock := flag.Uint64("from", 0, "also fetch pool transactions starting at this block")
	toBlock := flag.Uint64("to", 0, "upper block bound for -from (0 = open-ended)")
	flag.Parse()
	if *configPath == "" {
		log.Fatal("No config file provided (set CONFIG_FILE or pass -config)")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	client := etherscan.NewClient(
		cfg.EtherscanURL,
		cfg.APIKey,
		common.HexToAddress(cfg.TokenContract),
		common.HexToAddress(cfg.PoolAddress),
		cfg.EtherscanRPS,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	latest, err := client.LatestBlock(ctx)
	if err != nil {
		log.Fatalf("latest block: %v", err)
	}
	fmt.Printf("latest block: %d\n", latest)

	if *fromBlock == 0 {
		return
	}
	txs, err := client.PoolTransactions(ctx, *fromBlock, *toBlock)
	if err != nil {
		log.Fatalf("pool transactions: %v", err)
	}
	for _, tx := range txs {
		fmt.Printf("%s block=%s gasPrice=%s gasUsed=%s\n", tx.Hash, tx.BlockNumber, tx.GasPrice, tx.GasUsed)
	}
	fmt.Printf("%d transaction(s)\n", len(txs))
}
