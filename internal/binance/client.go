// Package binance fetches daily price candles from the Binance klines API,
// paging across the upstream's maximum request window.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// maxWindow is the widest [start, end) range a single klines request may
// cover at daily granularity; wider ranges are split into sequential
// sub-windows.
const maxWindow = 990 * 24 * time.Hour

// PricePoint is one daily candle: open time and open price in USD.
type PricePoint struct {
	Time  time.Time
	Price float64
}

type Client struct {
	baseURL    string
	symbol     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

func NewClient(baseURL, symbol string, rps float64) *Client {
	var limiter *rate.Limiter
	if rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return &Client{
		baseURL: baseURL,
		symbol:  symbol,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: limiter,
	}
}

// DailyPrices returns the daily candles covering [start, end), ascending by
// time. Requests are issued one sub-window at a time — the upstream rate
// limit is tight enough that concurrent issuance gets the client banned.
// A degenerate window (start >= end) yields an empty series, not an error.
func (c *Client) DailyPrices(ctx context.Context, start, end time.Time) ([]PricePoint, error) {
	var points []PricePoint
	for cur := start; cur.Before(end); {
		winEnd := cur.Add(maxWindow)
		if winEnd.After(end) {
			winEnd = end
		}
		batch, err := c.fetchWindow(ctx, cur, winEnd)
		if err != nil {
			return nil, err
		}
		points = append(points, batch...)
		cur = winEnd.Add(24 * time.Hour)
	}
	return points, nil
}

func (c *Client) fetchWindow(ctx context.Context, start, end time.Time) ([]PricePoint, error) {
	params := url.Values{}
	params.Set("symbol", c.symbol)
	params.Set("interval", "1d")
	params.Set("startTime", strconv.FormatInt(start.UnixMilli(), 10))
	params.Set("endTime", strconv.FormatInt(end.UnixMilli(), 10))
	params.Set("limit", "1000")

	log.Printf("[Binance] GET klines symbol=%s start=%s end=%s",
		c.symbol, start.UTC().Format("2006-01-02"), end.UTC().Format("2006-01-02"))

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("binance status: %s", resp.Status)
	}

	// A kline row is a heterogeneous array; element 0 is the open time in
	// millis, element 1 the open price as a string.
	var rows [][]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("binance: decode klines: %w", err)
	}

	points := make([]PricePoint, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			return nil, fmt.Errorf("binance: kline row has %d elements", len(row))
		}
		var millis int64
		if err := json.Unmarshal(row[0], &millis); err != nil {
			return nil, fmt.Errorf("binance: kline open time: %w", err)
		}
		var priceStr string
		if err := json.Unmarshal(row[1], &priceStr); err != nil {
			return nil, fmt.Errorf("binance: kline open price: %w", err)
		}
		price, err := strconv.ParseFloat(priceStr, 64)
		if err != nil {
			return nil, fmt.Errorf("binance: kline open price %q: %w", priceStr, err)
		}
		points = append(points, PricePoint{
			Time:  time.UnixMilli(millis).UTC(),
			Price: price,
		})
	}
	return points, nil
}
