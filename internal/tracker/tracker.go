// Package tracker reconciles the pool's transaction history against the
// USD price feed: a one-time backfill at startup, then two independently
// paced refresh loops (transaction polling, daily price refresh) that
// share a FeeCache.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/params"

	"feescan/internal/binance"
	"feescan/internal/etherscan"
	"feescan/internal/eventbus"
)

// maxPriceAge is how far a transaction's timestamp may run ahead of the
// cached price before pricing it would be guesswork.
const maxPriceAge = 24 * time.Hour

var (
	// ErrMissingHash reports a transaction the indexer returned without a
	// hash. The whole tick is aborted: a record that cannot be keyed means
	// the upstream payload cannot be trusted.
	ErrMissingHash = errors.New("tracker: transaction has no hash")

	// ErrStalePrice reports a transaction more than maxPriceAge newer than
	// the cached price.
	ErrStalePrice = errors.New("tracker: cached price is stale")
)

// BlockSource is the slice of the block-indexing API the tracker needs.
type BlockSource interface {
	LatestBlock(ctx context.Context) (uint64, error)
	PoolTransactions(ctx context.Context, fromBlock, toBlock uint64) ([]etherscan.Transaction, error)
}

// PriceSource is the slice of the price-feed API the tracker needs.
type PriceSource interface {
	DailyPrices(ctx context.Context, start, end time.Time) ([]binance.PricePoint, error)
}

type Config struct {
	PollInterval  time.Duration
	BackfillSleep time.Duration
	BackfillStart time.Time
}

type Tracker struct {
	blocks BlockSource
	prices PriceSource
	cache  *FeeCache
	bus    *eventbus.Bus
	cfg    Config
}

func New(blocks BlockSource, prices PriceSource, bus *eventbus.Bus, cfg Config) *Tracker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.BackfillSleep <= 0 {
		cfg.BackfillSleep = time.Second
	}
	return &Tracker{
		blocks: blocks,
		prices: prices,
		cache:  NewFeeCache(),
		bus:    bus,
		cfg:    cfg,
	}
}

// Fee is the single synchronous lookup: a pure cache read, no network,
// no blocking on the background loops.
func (t *Tracker) Fee(hash string) (float64, bool) {
	return t.cache.Fee(hash)
}

func (t *Tracker) Stats() Stats {
	return t.cache.Stats()
}

// Run backfills the full history, then runs the two steady-state loops
// until ctx is cancelled. The cache stays cold (every lookup absent)
// until the first backfill batch commits.
func (t *Tracker) Run(ctx context.Context) error {
	if err := t.backfill(ctx); err != nil {
		return fmt.Errorf("backfill: %w", err)
	}
	stats := t.cache.Stats()
	log.Printf("[Tracker] Backfill complete: %d fees, cursor=%d, price=%.2f as of %s",
		stats.Fees, stats.Cursor, stats.Price, stats.PriceAsOf.Format("2006-01-02"))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		t.pollLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		t.priceRefreshLoop(ctx)
	}()
	wg.Wait()
	return nil
}

// --- Backfill ---

func (t *Tracker) backfill(ctx context.Context) error {
	log.Println("[Tracker] Starting backfill")

	// The initial fetches retry transient failures just like the paging
	// loop below; a flaky upstream at startup must not leave the cache
	// cold for the life of the process.
	var latest uint64
	for {
		var err error
		latest, err = t.blocks.LatestBlock(ctx)
		if err == nil {
			break
		}
		log.Printf("[Tracker] Backfill latest block failed, retrying: %v", err)
		if err := sleep(ctx, t.cfg.BackfillSleep); err != nil {
			return err
		}
	}
	var series []binance.PricePoint
	for {
		var err error
		series, err = t.prices.DailyPrices(ctx, t.cfg.BackfillStart, time.Now().UTC())
		if err == nil {
			break
		}
		log.Printf("[Tracker] Backfill price series failed, retrying: %v", err)
		if err := sleep(ctx, t.cfg.BackfillSleep); err != nil {
			return err
		}
	}
	if len(series) == 0 {
		return fmt.Errorf("empty price series from %s", t.cfg.BackfillStart.Format("2006-01-02"))
	}

	for t.cache.Cursor() < latest {
		if err := ctx.Err(); err != nil {
			return err
		}
		txs, err := t.blocks.PoolTransactions(ctx, t.cache.Cursor(), 0)
		if err != nil {
			log.Printf("[Tracker] Backfill fetch failed, retrying: %v", err)
			if err := sleep(ctx, t.cfg.BackfillSleep); err != nil {
				return err
			}
			continue
		}

		records, maxBlock, err := t.priceHistorical(txs, series)
		if err != nil {
			return err
		}
		if maxBlock <= t.cache.Cursor() {
			// The pool has been quiet below the tip: no transaction left
			// can advance the cursor, and every block up to latest has
			// been observed. Snap to latest so the loop terminates.
			t.cache.Commit(records, latest)
			break
		}
		t.cache.Commit(records, maxBlock)
		log.Printf("[Tracker] Backfill batch: %d transactions, cursor=%d/%d", len(txs), maxBlock, latest)

		// Fixed pause between batches; the indexer's rate limit is
		// implicit and unforgiving.
		if err := sleep(ctx, t.cfg.BackfillSleep); err != nil {
			return err
		}
	}

	last := series[len(series)-1]
	t.cache.SetPrice(last.Price, last.Time)
	return nil
}

// priceHistorical computes the fee records for one backfill batch, pricing
// each transaction at the point in the series in effect at its timestamp.
func (t *Tracker) priceHistorical(txs []etherscan.Transaction, series []binance.PricePoint) (map[string]float64, uint64, error) {
	records := make(map[string]float64, len(txs))
	var maxBlock uint64
	for _, tx := range txs {
		parsed, err := parseTransaction(tx)
		if err != nil {
			return nil, 0, err
		}
		price, err := priceAt(series, parsed.Time)
		if err != nil {
			return nil, 0, err
		}
		records[parsed.Hash] = usdFee(parsed.GasWei, price)
		if parsed.Block > maxBlock {
			maxBlock = parsed.Block
		}
	}
	return records, maxBlock, nil
}

// priceAt returns the price in effect at ts: the latest point with
// timestamp <= ts. An exact match wins; otherwise the closest point
// strictly before.
func priceAt(series []binance.PricePoint, ts time.Time) (float64, error) {
	idx := sort.Search(len(series), func(i int) bool {
		return series[i].Time.After(ts)
	})
	if idx == 0 {
		return 0, fmt.Errorf("tracker: no price on record at or before %s", ts.UTC().Format(time.RFC3339))
	}
	return series[idx-1].Price, nil
}

// --- Steady-state transaction polling ---

func (t *Tracker) pollLoop(ctx context.Context) {
	log.Printf("[Tracker] Starting transaction polling (interval: %s)", t.cfg.PollInterval)

	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[Tracker] Transaction polling stopped")
			return
		case <-ticker.C:
			if err := t.pollOnce(ctx); err != nil {
				log.Printf("[Tracker] Poll failed: %v", err)
			}
		}
	}
}

// pollOnce runs one steady-state tick. A failed latest-block check is a
// soft miss: logged, no further upstream calls, no state touched. When no
// new blocks exist the tick costs exactly that one call. Otherwise the
// whole batch is validated and priced against the cached scalar price
// before anything commits; an integrity failure (missing hash, bad gas
// fields, stale price) anywhere in the batch commits nothing and leaves
// the cursor where it was.
func (t *Tracker) pollOnce(ctx context.Context) error {
	latest, err := t.blocks.LatestBlock(ctx)
	if err != nil {
		log.Printf("[Tracker] Could not get latest block: %v", err)
		return nil
	}
	cursor := t.cache.Cursor()
	if latest <= cursor {
		return nil
	}

	log.Printf("[Tracker] Polling transactions: latest=%d cursor=%d", latest, cursor)
	txs, err := t.blocks.PoolTransactions(ctx, cursor, latest)
	if err != nil {
		return err
	}

	price, asOf, ok := t.cache.Price()
	if !ok {
		return errors.New("tracker: no price on record")
	}

	records := make(map[string]float64, len(txs))
	events := make([]eventbus.FeeEvent, 0, len(txs))
	for _, tx := range txs {
		parsed, err := parseTransaction(tx)
		if err != nil {
			return err
		}
		if parsed.Time.Sub(asOf) > maxPriceAge {
			return fmt.Errorf("%w: transaction at %s, price as of %s",
				ErrStalePrice, parsed.Time.UTC().Format(time.RFC3339), asOf.UTC().Format(time.RFC3339))
		}
		fee := usdFee(parsed.GasWei, price)
		records[parsed.Hash] = fee
		events = append(events, eventbus.FeeEvent{
			TxHash:      parsed.Hash,
			BlockNumber: parsed.Block,
			Fee:         fee,
			Timestamp:   parsed.Time,
		})
	}

	t.cache.Commit(records, latest)
	if t.bus != nil {
		for _, evt := range events {
			t.bus.Publish(evt)
		}
	}
	return nil
}

// --- Steady-state price refresh ---

// priceRefreshLoop re-arms for the next midnight UTC after every attempt,
// successful or not.
func (t *Tracker) priceRefreshLoop(ctx context.Context) {
	log.Println("[Tracker] Starting daily price refresh")

	for {
		target := nextMidnightUTC(time.Now().UTC())
		select {
		case <-ctx.Done():
			log.Println("[Tracker] Price refresh stopped")
			return
		case <-time.After(time.Until(target) + time.Second):
		}
		if err := t.refreshPrice(ctx); err != nil {
			log.Printf("[Tracker] Price refresh failed: %v", err)
		}
	}
}

func (t *Tracker) refreshPrice(ctx context.Context) error {
	now := time.Now().UTC()
	_, asOf, ok := t.cache.Price()
	if !ok {
		return errors.New("tracker: price state unset")
	}
	if !now.After(asOf.Add(maxPriceAge)) {
		return nil
	}

	series, err := t.prices.DailyPrices(ctx, asOf, now)
	if err != nil {
		return err
	}
	if len(series) == 0 {
		return fmt.Errorf("tracker: empty price series refreshing from %s", asOf.Format("2006-01-02"))
	}

	last := series[len(series)-1]
	t.cache.SetPrice(last.Price, startOfDayUTC(now))
	log.Printf("[Tracker] Price refreshed: %.2f", last.Price)
	return nil
}

// --- Helpers ---

// parsedTx is a Transaction after integrity validation: hash lower-cased,
// numeric fields parsed, gas already multiplied out to wei.
type parsedTx struct {
	Hash   string
	Block  uint64
	Time   time.Time
	GasWei *big.Int
}

func parseTransaction(tx etherscan.Transaction) (parsedTx, error) {
	if tx.Hash == "" {
		return parsedTx{}, ErrMissingHash
	}
	hash := strings.ToLower(tx.Hash)

	gasPrice, ok := new(big.Int).SetString(tx.GasPrice, 10)
	if !ok {
		return parsedTx{}, fmt.Errorf("tracker: transaction %s: bad gasPrice %q", hash, tx.GasPrice)
	}
	gasUsed, ok := new(big.Int).SetString(tx.GasUsed, 10)
	if !ok {
		return parsedTx{}, fmt.Errorf("tracker: transaction %s: bad gasUsed %q", hash, tx.GasUsed)
	}
	block, err := strconv.ParseUint(tx.BlockNumber, 10, 64)
	if err != nil {
		return parsedTx{}, fmt.Errorf("tracker: transaction %s: bad blockNumber %q", hash, tx.BlockNumber)
	}
	unix, err := strconv.ParseInt(tx.TimeStamp, 10, 64)
	if err != nil {
		return parsedTx{}, fmt.Errorf("tracker: transaction %s: bad timeStamp %q", hash, tx.TimeStamp)
	}

	return parsedTx{
		Hash:   hash,
		Block:  block,
		Time:   time.Unix(unix, 0).UTC(),
		GasWei: new(big.Int).Mul(gasPrice, gasUsed),
	}, nil
}

// usdFee converts a gas total in wei to USD at the given ether price.
// big arithmetic until the final division so gasPrice*gasUsed cannot
// overflow.
func usdFee(gasWei *big.Int, price float64) float64 {
	eth, _ := new(big.Float).Quo(
		new(big.Float).SetInt(gasWei),
		big.NewFloat(params.Ether),
	).Float64()
	return eth * price
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func nextMidnightUTC(now time.Time) time.Time {
	return startOfDayUTC(now).AddDate(0, 0, 1)
}

func startOfDayUTC(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
