// Package binance adapts the Binance USDⓈ-M futures REST API to the broker
// contract.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"copy-trading-bot/internal/broker"
)

const (
	// FuturesBaseURL is the production Binance Futures API URL
	FuturesBaseURL = "https://fapi.binance.com"
	// FuturesTestnetURL is the testnet Binance Futures API URL
	FuturesTestnetURL = "https://testnet.binancefuture.com"

	recvWindow      = "10000"
	quoteAsset      = "USDT"
	defaultTakerFee = 0.0004
)

// Options configures a FuturesClient.
type Options struct {
	BaseURL      string
	Testnet      bool
	HTTPClient   *http.Client
	Limiter      *Limiter
	TakerFeeRate float64
	Logger       zerolog.Logger
}

// FuturesClient is one binding's authenticated connection. Credentials,
// limiter and request timestamps are never shared between instances.
type FuturesClient struct {
	apiKey     string
	secretKey  string
	baseURL    string
	httpClient *http.Client
	limiter    *Limiter
	feeRate    float64
	lastTS     atomic.Int64
	now        func() time.Time
	logger     zerolog.Logger
}

var (
	_ broker.Client         = (*FuturesClient)(nil)
	_ broker.PriceSource    = (*FuturesClient)(nil)
	_ broker.StatusReporter = (*FuturesClient)(nil)
)

// NewFuturesClient creates a client for one account's API key pair.
func NewFuturesClient(apiKey, secretKey string, opts Options) *FuturesClient {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = FuturesBaseURL
		if opts.Testnet {
			baseURL = FuturesTestnetURL
		}
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = NewLimiter(10, 5)
	}
	fee := opts.TakerFeeRate
	if fee <= 0 {
		fee = defaultTakerFee
	}

	// Trim any whitespace from keys - critical for signature generation
	return &FuturesClient{
		apiKey:     strings.TrimSpace(apiKey),
		secretKey:  strings.TrimSpace(secretKey),
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		limiter:    limiter,
		feeRate:    fee,
		now:        time.Now,
		logger:     opts.Logger.With().Str("component", "binance_futures").Logger(),
	}
}

// SubmitOrder places a MARKET order and returns its fill.
func (c *FuturesClient) SubmitOrder(ctx context.Context, req broker.OrderRequest) (*broker.OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(req.Symbol))
	params.Set("side", string(req.Side))
	params.Set("type", "MARKET")
	params.Set("quantity", strconv.FormatFloat(req.Quantity, 'f', -1, 64))
	params.Set("newOrderRespType", "RESULT")
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}

	body, err := c.signed(ctx, http.MethodPost, "/fapi/v1/order", params, PriorityOrder)
	if err != nil {
		return nil, err
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("error parsing order response: %w", err)
	}
	qty, _ := strconv.ParseFloat(resp.ExecutedQty, 64)
	avg, _ := strconv.ParseFloat(resp.AvgPrice, 64)
	quote, _ := strconv.ParseFloat(resp.CumQuote, 64)
	if quote == 0 {
		quote = qty * avg
	}

	c.logger.Info().Str("symbol", resp.Symbol).Str("side", resp.Side).Float64("qty", qty).
		Float64("avg_price", avg).Str("status", resp.Status).Msg("Order filled")

	return &broker.OrderResult{
		OrderID:       strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID: resp.ClientOrderID,
		Symbol:        resp.Symbol,
		Side:          broker.Side(resp.Side),
		FilledQty:     qty,
		AvgPrice:      avg,
		Fees:          quote * c.feeRate,
		FilledAt:      time.UnixMilli(resp.UpdateTime),
	}, nil
}

// GetBalance returns the USDT wallet balance.
func (c *FuturesClient) GetBalance(ctx context.Context) (*broker.Balance, error) {
	body, err := c.signed(ctx, http.MethodGet, "/fapi/v2/balance", url.Values{}, PriorityRead)
	if err != nil {
		return nil, err
	}
	var balances []assetBalance
	if err := json.Unmarshal(body, &balances); err != nil {
		return nil, fmt.Errorf("error parsing balance response: %w", err)
	}
	for _, b := range balances {
		if b.Asset != quoteAsset {
			continue
		}
		total, _ := strconv.ParseFloat(b.Balance, 64)
		avail, _ := strconv.ParseFloat(b.AvailableBalance, 64)
		return &broker.Balance{Asset: b.Asset, Total: total, Available: avail, UpdatedAt: time.UnixMilli(b.UpdateTime)}, nil
	}
	return &broker.Balance{Asset: quoteAsset, UpdatedAt: c.now()}, nil
}

// GetOpenPositions returns every non-zero position.
func (c *FuturesClient) GetOpenPositions(ctx context.Context) ([]broker.ExchangePosition, error) {
	body, err := c.signed(ctx, http.MethodGet, "/fapi/v2/positionRisk", url.Values{}, PriorityRead)
	if err != nil {
		return nil, err
	}
	var risks []positionRisk
	if err := json.Unmarshal(body, &risks); err != nil {
		return nil, fmt.Errorf("error parsing position response: %w", err)
	}
	out := make([]broker.ExchangePosition, 0)
	for _, p := range risks {
		amt, _ := strconv.ParseFloat(p.PositionAmt, 64)
		if amt == 0 {
			continue
		}
		entry, _ := strconv.ParseFloat(p.EntryPrice, 64)
		mark, _ := strconv.ParseFloat(p.MarkPrice, 64)
		side := broker.PositionLong
		if amt < 0 || p.PositionSide == "SHORT" {
			side = broker.PositionShort
		}
		out = append(out, broker.ExchangePosition{
			Symbol:     p.Symbol,
			Side:       side,
			Quantity:   math.Abs(amt),
			EntryPrice: entry,
			MarkPrice:  mark,
		})
	}
	return out, nil
}

// Price returns the last traded price.
func (c *FuturesClient) Price(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	body, err := c.do(ctx, http.MethodGet, "/fapi/v1/ticker/price", params.Encode(), false, PriorityRead)
	if err != nil {
		return 0, err
	}
	var t tickerPrice
	if err := json.Unmarshal(body, &t); err != nil {
		return 0, fmt.Errorf("error parsing price response: %w", err)
	}
	return strconv.ParseFloat(t.Price, 64)
}

// TradingStatus reports whether the account can open positions. An account
// with trading disabled can still reduce positions.
func (c *FuturesClient) TradingStatus(ctx context.Context) (broker.TradingStatus, error) {
	body, err := c.signed(ctx, http.MethodGet, "/fapi/v2/account", url.Values{}, PriorityRead)
	if err != nil {
		return broker.TradingStatus{}, err
	}
	var info accountInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return broker.TradingStatus{}, fmt.Errorf("error parsing account response: %w", err)
	}
	return broker.TradingStatus{CanOpen: info.CanTrade, CanClose: true}, nil
}

// nextTimestamp returns a strictly increasing millisecond timestamp so two
// requests from the same key never share a nonce.
func (c *FuturesClient) nextTimestamp() int64 {
	for {
		now := c.now().UnixMilli()
		last := c.lastTS.Load()
		if now <= last {
			now = last + 1
		}
		if c.lastTS.CompareAndSwap(last, now) {
			return now
		}
	}
}

func (c *FuturesClient) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *FuturesClient) signed(ctx context.Context, method, endpoint string, params url.Values, priority RequestPriority) ([]byte, error) {
	params.Set("timestamp", strconv.FormatInt(c.nextTimestamp(), 10))
	params.Set("recvWindow", recvWindow)
	query := params.Encode()
	query += "&signature=" + c.sign(query)
	return c.do(ctx, method, endpoint, query, true, priority)
}

// do performs a single request. Retries belong to the broker retry policy.
func (c *FuturesClient) do(ctx context.Context, method, endpoint, query string, auth bool, priority RequestPriority) ([]byte, error) {
	if err := c.limiter.Acquire(ctx, priority); err != nil {
		return nil, err
	}

	reqURL := c.baseURL + endpoint
	var reqBody io.Reader
	if method == http.MethodGet {
		if query != "" {
			reqURL += "?" + query
		}
	} else {
		reqBody = strings.NewReader(query)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if auth {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &broker.Error{Kind: broker.KindNetwork, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &broker.Error{Kind: broker.KindNetwork, Message: "failed to read response", Err: err}
	}
	c.limiter.UpdateWeight(resp.Header.Get("X-MBX-USED-WEIGHT-1M"))

	if resp.StatusCode != http.StatusOK {
		now := c.now()
		be := classify(resp.StatusCode, body, resp.Header, now)
		if be.Kind == broker.KindTemporarilyBlocked && be.RetryAfter > 0 {
			c.limiter.Ban(now.Add(be.RetryAfter))
		}
		c.logger.Warn().Str("endpoint", endpoint).Int("status", resp.StatusCode).
			Str("kind", string(be.Kind)).Int("code", be.Code).Msg(be.Message)
		return nil, be
	}
	return body, nil
}
