package tracker

import (
	"context"
	"errors"
	"math"
	"strconv"
	"sync"
	"testing"
	"time"

	"feescan/internal/binance"
	"feescan/internal/etherscan"
	"feescan/internal/eventbus"
)

type fakeBlocks struct {
	mu             sync.Mutex
	latestSeq      []uint64
	latestErr      error
	latestFailures int
	latestCalls    int

	txBatches [][]etherscan.Transaction
	txErr     error
	txCalls   int
	lastFrom  uint64
	lastTo    uint64
}

func (f *fakeBlocks) LatestBlock(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latestCalls++
	if f.latestFailures > 0 {
		f.latestFailures--
		return 0, errors.New("fakeBlocks: transient failure")
	}
	if f.latestErr != nil {
		return 0, f.latestErr
	}
	if len(f.latestSeq) == 0 {
		return 0, errors.New("fakeBlocks: no latest block configured")
	}
	latest := f.latestSeq[0]
	if len(f.latestSeq) > 1 {
		f.latestSeq = f.latestSeq[1:]
	}
	return latest, nil
}

func (f *fakeBlocks) PoolTransactions(ctx context.Context, fromBlock, toBlock uint64) ([]etherscan.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txCalls++
	f.lastFrom, f.lastTo = fromBlock, toBlock
	if f.txErr != nil {
		return nil, f.txErr
	}
	if len(f.txBatches) == 0 {
		return nil, nil
	}
	batch := f.txBatches[0]
	if len(f.txBatches) > 1 {
		f.txBatches = f.txBatches[1:]
	}
	return batch, nil
}

type fakePrices struct {
	series   []binance.PricePoint
	err      error
	failures int
	calls    int
}

func (f *fakePrices) DailyPrices(ctx context.Context, start, end time.Time) ([]binance.PricePoint, error) {
	f.calls++
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("fakePrices: transient failure")
	}
	return f.series, f.err
}

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func tx(hash string, block uint64, ts time.Time, gasPrice, gasUsed string) etherscan.Transaction {
	return etherscan.Transaction{
		Hash:        hash,
		BlockNumber: strconv.FormatUint(block, 10),
		TimeStamp:   strconv.FormatInt(ts.Unix(), 10),
		GasPrice:    gasPrice,
		GasUsed:     gasUsed,
	}
}

func newTestTracker(blocks BlockSource, prices PriceSource) *Tracker {
	return New(blocks, prices, nil, Config{
		PollInterval:  time.Second,
		BackfillSleep: time.Millisecond,
		BackfillStart: day("2021-05-01"),
	})
}

// seed puts the tracker into steady state: cursor advanced, price known.
func seed(t *Tracker, cursor uint64, price float64, asOf time.Time) {
	t.cache.Commit(nil, cursor)
	t.cache.SetPrice(price, asOf)
}

func TestPollOnceNoNewBlocks(t *testing.T) {
	t.Parallel()

	// Even if a transaction fetch would return data, it must never be
	// issued when the block check shows nothing new.
	blocks := &fakeBlocks{
		latestSeq: []uint64{100, 100},
		txBatches: [][]etherscan.Transaction{
			{tx("0xdead", 100, day("2023-01-02"), "1", "1")},
		},
	}
	trk := newTestTracker(blocks, &fakePrices{})
	seed(trk, 100, 2000, day("2023-01-01"))

	for i := 0; i < 2; i++ {
		if err := trk.pollOnce(context.Background()); err != nil {
			t.Fatalf("pollOnce #%d: %v", i+1, err)
		}
	}

	if blocks.latestCalls != 2 {
		t.Errorf("latest block calls = %d, want 2", blocks.latestCalls)
	}
	if blocks.txCalls != 0 {
		t.Errorf("transaction fetch calls = %d, want 0", blocks.txCalls)
	}
	if got := trk.cache.Cursor(); got != 100 {
		t.Errorf("cursor = %d, want 100", got)
	}
	if _, ok := trk.Fee("0xdead"); ok {
		t.Error("no record should exist for a transaction that was never fetched")
	}
}

func TestPollOnceAdvancesCursor(t *testing.T) {
	t.Parallel()

	blocks := &fakeBlocks{
		latestSeq: []uint64{105},
		txBatches: [][]etherscan.Transaction{{
			tx("0xABCDE", 101, day("2023-01-01"), "100", "1000000000000000000"),
			tx("0xF00", 104, day("2023-01-01"), "2000000000", "21000"),
		}},
	}
	trk := newTestTracker(blocks, &fakePrices{})
	seed(trk, 100, 1, day("2023-01-01"))

	if err := trk.pollOnce(context.Background()); err != nil {
		t.Fatalf("pollOnce: %v", err)
	}

	if blocks.latestCalls != 1 || blocks.txCalls != 1 {
		t.Errorf("upstream calls = (%d latest, %d tx), want (1, 1)", blocks.latestCalls, blocks.txCalls)
	}
	if blocks.lastFrom != 100 || blocks.lastTo != 105 {
		t.Errorf("fetched range [%d, %d], want [100, 105]", blocks.lastFrom, blocks.lastTo)
	}
	if got := trk.cache.Cursor(); got != 105 {
		t.Errorf("cursor = %d, want 105", got)
	}

	// gasPrice=100 wei over 1e18 gas at $1 is exactly $100.
	fee, ok := trk.Fee("0xabcde")
	if !ok {
		t.Fatal("fee for 0xabcde missing")
	}
	if fee != 100 {
		t.Errorf("fee = %v, want 100", fee)
	}

	// Lookup is case-insensitive both ways.
	if _, ok := trk.Fee("0xAbCdE"); !ok {
		t.Error("mixed-case lookup of stored hash missed")
	}
	if _, ok := trk.Fee("0xf00"); !ok {
		t.Error("lower-case lookup of mixed-case stored hash missed")
	}
}

func TestPollOnceLatestBlockSoftMiss(t *testing.T) {
	t.Parallel()

	blocks := &fakeBlocks{latestErr: etherscan.ErrMissingResult}
	trk := newTestTracker(blocks, &fakePrices{})
	seed(trk, 100, 2000, day("2023-01-01"))

	if err := trk.pollOnce(context.Background()); err != nil {
		t.Fatalf("a failed block check must be soft, got %v", err)
	}
	if blocks.txCalls != 0 {
		t.Errorf("transaction fetch calls = %d, want 0", blocks.txCalls)
	}
	if got := trk.cache.Cursor(); got != 100 {
		t.Errorf("cursor = %d, want 100", got)
	}
}

func TestPollOnceMissingHashAbortsWholeBatch(t *testing.T) {
	t.Parallel()

	blocks := &fakeBlocks{
		latestSeq: []uint64{110},
		txBatches: [][]etherscan.Transaction{{
			tx("0xgood", 101, day("2023-01-01"), "5", "5"),
			tx("", 102, day("2023-01-01"), "99", "99"),
		}},
	}
	trk := newTestTracker(blocks, &fakePrices{})
	seed(trk, 100, 2000, day("2023-01-01"))

	err := trk.pollOnce(context.Background())
	if !errors.Is(err, ErrMissingHash) {
		t.Fatalf("err = %v, want ErrMissingHash", err)
	}
	if got := trk.cache.Cursor(); got != 100 {
		t.Errorf("cursor = %d, want 100 (no advance on a failed tick)", got)
	}
	if _, ok := trk.Fee("0xgood"); ok {
		t.Error("valid record from the failed batch must not be committed")
	}
}

func TestPollOnceMissingHashIgnoresGasFields(t *testing.T) {
	t.Parallel()

	// A nil hash raises regardless of whether the gas fields are fine,
	// garbage, or empty.
	for _, gas := range []string{"100", "not-a-number", ""} {
		blocks := &fakeBlocks{
			latestSeq: []uint64{110},
			txBatches: [][]etherscan.Transaction{{tx("", 101, day("2023-01-01"), gas, gas)}},
		}
		trk := newTestTracker(blocks, &fakePrices{})
		seed(trk, 100, 2000, day("2023-01-01"))

		if err := trk.pollOnce(context.Background()); !errors.Is(err, ErrMissingHash) {
			t.Errorf("gas=%q: err = %v, want ErrMissingHash", gas, err)
		}
	}
}

func TestPollOnceStalePrice(t *testing.T) {
	t.Parallel()

	asOf := day("2023-01-01")
	blocks := &fakeBlocks{
		latestSeq: []uint64{110},
		txBatches: [][]etherscan.Transaction{{
			// 25 hours past the price timestamp: over the one-day limit.
			tx("0xaaa", 105, asOf.Add(25*time.Hour), "5", "5"),
		}},
	}
	trk := newTestTracker(blocks, &fakePrices{})
	seed(trk, 100, 2000, asOf)

	err := trk.pollOnce(context.Background())
	if !errors.Is(err, ErrStalePrice) {
		t.Fatalf("err = %v, want ErrStalePrice", err)
	}
	if got := trk.cache.Cursor(); got != 100 {
		t.Errorf("cursor = %d, want 100", got)
	}
}

func TestPollOnceWithinPriceWindow(t *testing.T) {
	t.Parallel()

	asOf := day("2023-01-01")
	blocks := &fakeBlocks{
		latestSeq: []uint64{110},
		txBatches: [][]etherscan.Transaction{{
			// Exactly 24 hours after the price timestamp: still allowed.
			tx("0xbbb", 105, asOf.Add(24*time.Hour), "5", "5"),
		}},
	}
	trk := newTestTracker(blocks, &fakePrices{})
	seed(trk, 100, 2000, asOf)

	if err := trk.pollOnce(context.Background()); err != nil {
		t.Fatalf("pollOnce: %v", err)
	}
	if _, ok := trk.Fee("0xbbb"); !ok {
		t.Error("fee for 0xbbb missing")
	}
}

func TestPriceAt(t *testing.T) {
	t.Parallel()

	series := []binance.PricePoint{
		{Time: day("2023-01-01"), Price: 1000},
		{Time: day("2023-01-02"), Price: 2000},
		{Time: day("2023-01-03"), Price: 3000},
	}

	cases := []struct {
		name    string
		ts      time.Time
		want    float64
		wantErr bool
	}{
		{name: "exact match wins", ts: day("2023-01-02"), want: 2000},
		{name: "between points selects earlier", ts: day("2023-01-02").Add(6 * time.Hour), want: 2000},
		{name: "after last point", ts: day("2023-01-09"), want: 3000},
		{name: "first point exact", ts: day("2023-01-01"), want: 1000},
		{name: "before first point", ts: day("2022-12-25"), wantErr: true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := priceAt(series, tc.ts)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("priceAt(%s) = %v, want error", tc.ts, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("priceAt(%s): %v", tc.ts, err)
			}
			if got != tc.want {
				t.Errorf("priceAt(%s) = %v, want %v", tc.ts, got, tc.want)
			}
		})
	}
}

func TestUSDFee(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		gasPrice string
		gasUsed  string
		price    float64
		want     float64
	}{
		{name: "unit fee", gasPrice: "100", gasUsed: "1000000000000000000", price: 1, want: 100},
		{name: "typical transfer", gasPrice: "50000000000", gasUsed: "21000", price: 2000, want: 2.1},
		{name: "zero gas", gasPrice: "0", gasUsed: "21000", price: 2000, want: 0},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			parsed, err := parseTransaction(tx("0x1", 1, day("2023-01-01"), tc.gasPrice, tc.gasUsed))
			if err != nil {
				t.Fatalf("parseTransaction: %v", err)
			}
			got := usdFee(parsed.GasWei, tc.price)
			if math.Abs(got-tc.want) > 1e-9 {
				t.Errorf("usdFee = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestParseTransactionRejectsBadFields(t *testing.T) {
	t.Parallel()

	base := tx("0xAA", 10, day("2023-01-01"), "100", "21000")

	cases := []struct {
		name   string
		mutate func(*etherscan.Transaction)
	}{
		{name: "bad gasPrice", mutate: func(x *etherscan.Transaction) { x.GasPrice = "1.5" }},
		{name: "empty gasUsed", mutate: func(x *etherscan.Transaction) { x.GasUsed = "" }},
		{name: "bad blockNumber", mutate: func(x *etherscan.Transaction) { x.BlockNumber = "abc" }},
		{name: "bad timeStamp", mutate: func(x *etherscan.Transaction) { x.TimeStamp = "soon" }},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			bad := base
			tc.mutate(&bad)
			if _, err := parseTransaction(bad); err == nil {
				t.Error("parseTransaction accepted a malformed transaction")
			}
		})
	}

	parsed, err := parseTransaction(base)
	if err != nil {
		t.Fatalf("parseTransaction(valid): %v", err)
	}
	if parsed.Hash != "0xaa" {
		t.Errorf("hash = %q, want lower-cased %q", parsed.Hash, "0xaa")
	}
}

func TestBackfill(t *testing.T) {
	t.Parallel()

	series := []binance.PricePoint{
		{Time: day("2023-01-01"), Price: 1000},
		{Time: day("2023-01-02"), Price: 2000},
		{Time: day("2023-01-03"), Price: 3000},
	}
	blocks := &fakeBlocks{
		latestSeq: []uint64{200},
		txBatches: [][]etherscan.Transaction{
			{
				tx("0xone", 150, day("2023-01-01").Add(6*time.Hour), "100", "1000000000000000000"),
				tx("0xtwo", 160, day("2023-01-02"), "100", "1000000000000000000"),
			},
			// Second page repeats the boundary transaction only: no cursor
			// progress, so backfill snaps to the latest block and finishes.
			{
				tx("0xtwo", 160, day("2023-01-02"), "100", "1000000000000000000"),
			},
		},
	}
	prices := &fakePrices{series: series}
	trk := newTestTracker(blocks, prices)

	if err := trk.backfill(context.Background()); err != nil {
		t.Fatalf("backfill: %v", err)
	}

	if got := trk.cache.Cursor(); got != 200 {
		t.Errorf("cursor = %d, want 200", got)
	}

	// 0xone lands between Jan 1 and Jan 2: priced at the earlier point.
	if fee, ok := trk.Fee("0xone"); !ok || fee != 100*1000 {
		t.Errorf("fee(0xone) = (%v, %v), want (100000, true)", fee, ok)
	}
	// 0xtwo hits Jan 2 exactly: exact match wins.
	if fee, ok := trk.Fee("0xtwo"); !ok || fee != 100*2000 {
		t.Errorf("fee(0xtwo) = (%v, %v), want (200000, true)", fee, ok)
	}

	// Price state seeded from the final series point.
	price, asOf, ok := trk.cache.Price()
	if !ok {
		t.Fatal("price state unset after backfill")
	}
	if price != 3000 || !asOf.Equal(day("2023-01-03")) {
		t.Errorf("price state = (%v, %s), want (3000, 2023-01-03)", price, asOf.Format("2006-01-02"))
	}

	if prices.calls != 1 {
		t.Errorf("price series fetched %d times, want 1", prices.calls)
	}
}

func TestBackfillEmptyHistory(t *testing.T) {
	t.Parallel()

	// A pool with zero transactions still finishes backfill: the cursor
	// snaps to the latest block and the price state is seeded.
	blocks := &fakeBlocks{latestSeq: []uint64{50}}
	prices := &fakePrices{series: []binance.PricePoint{{Time: day("2023-01-01"), Price: 1500}}}
	trk := newTestTracker(blocks, prices)

	if err := trk.backfill(context.Background()); err != nil {
		t.Fatalf("backfill: %v", err)
	}
	if got := trk.cache.Cursor(); got != 50 {
		t.Errorf("cursor = %d, want 50", got)
	}
	if _, _, ok := trk.cache.Price(); !ok {
		t.Error("price state unset after backfill")
	}
}

func TestBackfillEmptyPriceSeries(t *testing.T) {
	t.Parallel()

	blocks := &fakeBlocks{latestSeq: []uint64{50}}
	trk := newTestTracker(blocks, &fakePrices{})

	if err := trk.backfill(context.Background()); err == nil {
		t.Fatal("backfill succeeded with no price series")
	}
}

func TestRefreshPrice(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	stale := now.Add(-48 * time.Hour)

	cases := []struct {
		name      string
		asOf      time.Time
		series    []binance.PricePoint
		fetchErr  error
		wantErr   bool
		wantCalls int
		wantPrice float64
		wantAsOf  time.Time
	}{
		{
			// Even a tempting series must not be fetched while the cached
			// pair is still inside the one-day window.
			name:      "within window is a no-op",
			asOf:      now.Add(-time.Hour),
			series:    []binance.PricePoint{{Time: stale, Price: 9999}},
			wantCalls: 0,
			wantPrice: 1000,
			wantAsOf:  now.Add(-time.Hour),
		},
		{
			name: "stale pair refreshed from the last point",
			asOf: stale,
			series: []binance.PricePoint{
				{Time: stale, Price: 1500},
				{Time: now.Add(-24 * time.Hour), Price: 1800},
			},
			wantCalls: 1,
			wantPrice: 1800,
			wantAsOf:  startOfDayUTC(now),
		},
		{
			name:      "empty series keeps the old pair",
			asOf:      stale,
			wantErr:   true,
			wantCalls: 1,
			wantPrice: 1000,
			wantAsOf:  stale,
		},
		{
			name:      "fetch failure keeps the old pair",
			asOf:      stale,
			fetchErr:  errors.New("price feed down"),
			wantErr:   true,
			wantCalls: 1,
			wantPrice: 1000,
			wantAsOf:  stale,
		},
		{
			name:    "unset price state is an error",
			wantErr: true,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			prices := &fakePrices{series: tc.series, err: tc.fetchErr}
			trk := newTestTracker(&fakeBlocks{}, prices)
			if !tc.asOf.IsZero() {
				trk.cache.SetPrice(1000, tc.asOf)
			}

			err := trk.refreshPrice(context.Background())
			if tc.wantErr {
				if err == nil {
					t.Fatal("refreshPrice succeeded, want error")
				}
			} else if err != nil {
				t.Fatalf("refreshPrice: %v", err)
			}

			if prices.calls != tc.wantCalls {
				t.Errorf("price fetches = %d, want %d", prices.calls, tc.wantCalls)
			}
			if tc.asOf.IsZero() {
				return
			}
			price, asOf, ok := trk.cache.Price()
			if !ok {
				t.Fatal("price state unset")
			}
			if price != tc.wantPrice || !asOf.Equal(tc.wantAsOf) {
				t.Errorf("price state = (%v, %s), want (%v, %s)",
					price, asOf.Format(time.RFC3339), tc.wantPrice, tc.wantAsOf.Format(time.RFC3339))
			}
		})
	}
}

func TestBackfillRetriesInitialFetches(t *testing.T) {
	t.Parallel()

	// One transient failure on each initial fetch; backfill must retry
	// rather than give up before the loops ever start.
	blocks := &fakeBlocks{latestFailures: 1, latestSeq: []uint64{50}}
	prices := &fakePrices{
		failures: 1,
		series:   []binance.PricePoint{{Time: day("2023-01-01"), Price: 1500}},
	}
	trk := newTestTracker(blocks, prices)

	if err := trk.backfill(context.Background()); err != nil {
		t.Fatalf("backfill: %v", err)
	}
	if blocks.latestCalls != 2 {
		t.Errorf("latest block calls = %d, want 2 (one retry)", blocks.latestCalls)
	}
	if prices.calls != 2 {
		t.Errorf("price fetches = %d, want 2 (one retry)", prices.calls)
	}
	if got := trk.cache.Cursor(); got != 50 {
		t.Errorf("cursor = %d, want 50", got)
	}
}

func TestPollPublishesFeeEvents(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events := make(chan eventbus.FeeEvent, 4)
	bus.Subscribe(events)

	blocks := &fakeBlocks{
		latestSeq: []uint64{110},
		txBatches: [][]etherscan.Transaction{{
			tx("0xEvt", 105, day("2023-01-01"), "100", "1000000000000000000"),
		}},
	}
	trk := New(blocks, &fakePrices{}, bus, Config{
		PollInterval:  time.Second,
		BackfillSleep: time.Millisecond,
		BackfillStart: day("2021-05-01"),
	})
	seed(trk, 100, 1, day("2023-01-01"))

	if err := trk.pollOnce(context.Background()); err != nil {
		t.Fatalf("pollOnce: %v", err)
	}

	select {
	case evt := <-events:
		if evt.TxHash != "0xevt" {
			t.Errorf("event hash = %q, want %q", evt.TxHash, "0xevt")
		}
		if evt.Fee != 100 {
			t.Errorf("event fee = %v, want 100", evt.Fee)
		}
		if evt.BlockNumber != 105 {
			t.Errorf("event block = %d, want 105", evt.BlockNumber)
		}
	default:
		t.Fatal("no fee event published after a committed poll")
	}
}
