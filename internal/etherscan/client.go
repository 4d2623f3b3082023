// Package etherscan wraps the two Etherscan endpoints the tracker needs:
// the block number closest before a timestamp, and the token transfers of
// one pool. It does no retrying and no interpretation of transaction
// fields; both belong to the caller.
package etherscan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/time/rate"
)

// ErrMissingResult reports a response whose envelope decoded but whose
// result field was absent or null. Callers treat it as a soft miss.
var ErrMissingResult = errors.New("etherscan: response missing result")

// Transaction is one tokentx entry, fields kept as the upstream strings.
// Gas and block fields are parsed (and validated) by the tracker, not here.
type Transaction struct {
	Hash        string `json:"hash"`
	BlockNumber string `json:"blockNumber"`
	TimeStamp   string `json:"timeStamp"`
	GasPrice    string `json:"gasPrice"`
	GasUsed     string `json:"gasUsed"`
}

type Client struct {
	baseURL    string
	apiKey     string
	token      common.Address
	pool       common.Address
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a client for one pool (token contract + pool address).
// rps > 0 paces outbound calls; the Etherscan free tier throttles hard.
func NewClient(baseURL, apiKey string, token, pool common.Address, rps float64) *Client {
	var limiter *rate.Limiter
	if rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		token:   token,
		pool:    pool,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		limiter: limiter,
	}
}

// LatestBlock returns the block number at time=now, closest before.
func (c *Client) LatestBlock(ctx context.Context) (uint64, error) {
	params := url.Values{}
	params.Set("module", "block")
	params.Set("action", "getblocknobytime")
	params.Set("timestamp", strconv.FormatInt(time.Now().UTC().Unix(), 10))
	params.Set("closest", "before")
	params.Set("apikey", c.apiKey)

	var envelope struct {
		Result *string `json:"result"`
	}
	if err := c.get(ctx, params, &envelope); err != nil {
		return 0, err
	}
	if envelope.Result == nil {
		return 0, ErrMissingResult
	}
	block, err := strconv.ParseUint(*envelope.Result, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("etherscan: latest block %q: %w", *envelope.Result, err)
	}
	return block, nil
}

// PoolTransactions returns the pool's token transfers with block >= fromBlock
// (and <= toBlock when toBlock > 0), ascending. One page only: a burst larger
// than the upstream page size within a single polling interval truncates.
func (c *Client) PoolTransactions(ctx context.Context, fromBlock, toBlock uint64) ([]Transaction, error) {
	params := url.Values{}
	params.Set("module", "account")
	params.Set("action", "tokentx")
	params.Set("contractaddress", c.token.Hex())
	params.Set("address", c.pool.Hex())
	params.Set("offset", "0")
	params.Set("page", "1")
	params.Set("sort", "asc")
	params.Set("startblock", strconv.FormatUint(fromBlock, 10))
	if toBlock > 0 {
		params.Set("endblock", strconv.FormatUint(toBlock, 10))
	}
	params.Set("apikey", c.apiKey)

	var envelope struct {
		Result json.RawMessage `json:"result"`
	}
	if err := c.get(ctx, params, &envelope); err != nil {
		return nil, err
	}
	if len(envelope.Result) == 0 || string(envelope.Result) == "null" {
		return nil, ErrMissingResult
	}

	var txs []Transaction
	if err := json.Unmarshal(envelope.Result, &txs); err != nil {
		// Etherscan reports throttling and bad keys as a string result.
		var msg string
		if json.Unmarshal(envelope.Result, &msg) == nil {
			return nil, fmt.Errorf("etherscan: %s", msg)
		}
		return nil, fmt.Errorf("etherscan: decode tokentx result: %w", err)
	}
	return txs, nil
}

func (c *Client) get(ctx context.Context, params url.Values, out interface{}) error {
	log.Printf("[Etherscan] GET module=%s action=%s startblock=%s endblock=%s",
		params.Get("module"), params.Get("action"), params.Get("startblock"), params.Get("endblock"))

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("etherscan status: %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("etherscan: decode response: %w", err)
	}
	return nil
}
