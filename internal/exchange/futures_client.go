package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	// FuturesBaseURL is the production futures API URL.
	FuturesBaseURL = "https://fapi.binance.com"
	// FuturesTestnetURL is the testnet futures API URL.
	FuturesTestnetURL = "https://testnet.binancefuture.com"

	maxRetries     = 3
	baseRetryDelay = 500 * time.Millisecond
)

// FuturesClient is the REST implementation of Client against the
// Binance USD-M futures API.
type FuturesClient struct {
	apiKey     string
	secretKey  string
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

var _ Client = (*FuturesClient)(nil)

// NewFuturesClient builds the REST client. baseURL overrides the
// default endpoint when non-empty.
func NewFuturesClient(apiKey, secretKey, baseURL string, testnet bool, logger zerolog.Logger) *FuturesClient {
	if baseURL == "" {
		baseURL = FuturesBaseURL
		if testnet {
			baseURL = FuturesTestnetURL
		}
	}
	return &FuturesClient{
		apiKey:     strings.TrimSpace(apiKey),
		secretKey:  strings.TrimSpace(secretKey),
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger.With().Str("component", "futures_client").Logger(),
	}
}

type positionRiskEntry struct {
	Symbol           string `json:"symbol"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	MarkPrice        string `json:"markPrice"`
	UnRealizedProfit string `json:"unRealizedProfit"`
	Leverage         string `json:"leverage"`
}

// FetchPositions returns all non-flat positions.
func (c *FuturesClient) FetchPositions(ctx context.Context) ([]Position, error) {
	body, err := c.signedRequest(ctx, http.MethodGet, "/fapi/v2/positionRisk", nil)
	if err != nil {
		return nil, fmt.Errorf("fetching positions: %w", err)
	}
	var entries []positionRiskEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("decoding positions: %w", err)
	}

	var positions []Position
	for _, e := range entries {
		amt := parseFloat(e.PositionAmt)
		if amt == 0 {
			continue
		}
		side := SideLong
		if amt < 0 {
			side = SideShort
			amt = -amt
		}
		positions = append(positions, Position{
			Symbol:        e.Symbol,
			Side:          side,
			Size:          amt,
			EntryPrice:    parseFloat(e.EntryPrice),
			MarkPrice:     parseFloat(e.MarkPrice),
			UnrealizedPnL: parseFloat(e.UnRealizedProfit),
			Leverage:      int(parseFloat(e.Leverage)),
		})
	}
	return positions, nil
}

// FetchBalance returns total margin balance in USD.
func (c *FuturesClient) FetchBalance(ctx context.Context) (float64, error) {
	body, err := c.signedRequest(ctx, http.MethodGet, "/fapi/v2/account", nil)
	if err != nil {
		return 0, fmt.Errorf("fetching account: %w", err)
	}
	var account struct {
		TotalMarginBalance string `json:"totalMarginBalance"`
	}
	if err := json.Unmarshal(body, &account); err != nil {
		return 0, fmt.Errorf("decoding account: %w", err)
	}
	return parseFloat(account.TotalMarginBalance), nil
}

// FetchMarkPrice returns the current mark price for a symbol.
func (c *FuturesClient) FetchMarkPrice(ctx context.Context, symbol string) (float64, error) {
	body, err := c.publicGet(ctx, "/fapi/v1/premiumIndex", map[string]string{"symbol": symbol})
	if err != nil {
		return 0, fmt.Errorf("fetching mark price for %s: %w", symbol, err)
	}
	var index struct {
		MarkPrice string `json:"markPrice"`
	}
	if err := json.Unmarshal(body, &index); err != nil {
		return 0, fmt.Errorf("decoding mark price: %w", err)
	}
	price := parseFloat(index.MarkPrice)
	if price <= 0 {
		return 0, fmt.Errorf("no mark price for %s", symbol)
	}
	return price, nil
}

// SetStopLoss replaces the symbol's protective stop with a
// close-position STOP_MARKET order at the given price.
func (c *FuturesClient) SetStopLoss(ctx context.Context, symbol, side string, price float64) error {
	// Clear prior protective orders so only one stop is live.
	if _, err := c.signedRequest(ctx, http.MethodDelete, "/fapi/v1/allOpenOrders",
		map[string]string{"symbol": symbol}); err != nil {
		return fmt.Errorf("clearing open orders for %s: %w", symbol, err)
	}

	params := map[string]string{
		"symbol":        symbol,
		"side":          oppositeOrderSide(side),
		"type":          "STOP_MARKET",
		"stopPrice":     formatFloat(price),
		"closePosition": "true",
		"workingType":   "MARK_PRICE",
	}
	if _, err := c.signedRequest(ctx, http.MethodPost, "/fapi/v1/order", params); err != nil {
		return fmt.Errorf("placing stop for %s at %s: %w", symbol, formatFloat(price), err)
	}
	return nil
}

// ReducePosition market-sells part of a position with reduceOnly.
func (c *FuturesClient) ReducePosition(ctx context.Context, symbol, side string, qty float64) (*FillResult, error) {
	params := map[string]string{
		"symbol":           symbol,
		"side":             oppositeOrderSide(side),
		"type":             "MARKET",
		"quantity":         formatFloat(qty),
		"reduceOnly":       "true",
		"newOrderRespType": "RESULT",
	}
	body, err := c.signedRequest(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return nil, fmt.Errorf("reducing %s by %s: %w", symbol, formatFloat(qty), err)
	}
	return c.fillFromOrder(ctx, body, symbol, side, qty)
}

// ClosePosition market-closes the full remaining position. Returns a
// nil fill when the exchange was already flat.
func (c *FuturesClient) ClosePosition(ctx context.Context, symbol, side string) (*FillResult, error) {
	positions, err := c.FetchPositions(ctx)
	if err != nil {
		return nil, err
	}
	var qty float64
	for _, p := range positions {
		if p.Symbol == symbol && p.Side == side {
			qty = p.Size
			break
		}
	}
	if qty == 0 {
		return nil, nil
	}
	return c.ReducePosition(ctx, symbol, side, qty)
}

// OpenPosition sets leverage and opens a market position.
func (c *FuturesClient) OpenPosition(ctx context.Context, symbol, side string, qty float64, leverage int) (*FillResult, error) {
	if _, err := c.signedRequest(ctx, http.MethodPost, "/fapi/v1/leverage", map[string]string{
		"symbol":   symbol,
		"leverage": strconv.Itoa(leverage),
	}); err != nil {
		return nil, fmt.Errorf("setting leverage for %s: %w", symbol, err)
	}

	orderSide := "BUY"
	if side == SideShort {
		orderSide = "SELL"
	}
	body, err := c.signedRequest(ctx, http.MethodPost, "/fapi/v1/order", map[string]string{
		"symbol":           symbol,
		"side":             orderSide,
		"type":             "MARKET",
		"quantity":         formatFloat(qty),
		"newOrderRespType": "RESULT",
	})
	if err != nil {
		return nil, fmt.Errorf("opening %s %s: %w", side, symbol, err)
	}

	return c.fillFromOrder(ctx, body, symbol, side, qty)
}

// fillFromOrder decodes an order response into a FillResult, falling
// back to the mark price when the response carries no average price.
func (c *FuturesClient) fillFromOrder(ctx context.Context, body []byte, symbol, side string, qty float64) (*FillResult, error) {
	var order struct {
		OrderID     int64  `json:"orderId"`
		AvgPrice    string `json:"avgPrice"`
		ExecutedQty string `json:"executedQty"`
	}
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, fmt.Errorf("decoding order response: %w", err)
	}

	price := parseFloat(order.AvgPrice)
	if price == 0 {
		var err error
		if price, err = c.FetchMarkPrice(ctx, symbol); err != nil {
			return nil, err
		}
	}
	filledQty := parseFloat(order.ExecutedQty)
	if filledQty == 0 {
		filledQty = qty
	}
	return &FillResult{
		OrderID:  order.OrderID,
		Symbol:   symbol,
		Side:     side,
		Price:    price,
		Quantity: filledQty,
		FilledAt: time.Now().UTC(),
	}, nil
}

// oppositeOrderSide maps a position side to the order side that closes it.
func oppositeOrderSide(side string) string {
	if side == SideLong {
		return "SELL"
	}
	return "BUY"
}

func (c *FuturesClient) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *FuturesClient) publicGet(ctx context.Context, endpoint string, params map[string]string) ([]byte, error) {
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	reqURL := c.baseURL + endpoint
	if len(values) > 0 {
		reqURL += "?" + values.Encode()
	}
	return c.do(ctx, http.MethodGet, reqURL, "", false)
}

func (c *FuturesClient) signedRequest(ctx context.Context, method, endpoint string, params map[string]string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		values := url.Values{}
		for k, v := range params {
			values.Set(k, v)
		}
		// Timestamp per attempt; recvWindow tolerates clock skew.
		values.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		values.Set("recvWindow", "10000")
		query := values.Encode()
		query += "&signature=" + c.sign(query)

		body, err := c.do(ctx, method, c.baseURL+endpoint+"?"+query, c.apiKey, true)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if ctx.Err() != nil || attempt == maxRetries {
			break
		}
		delay := baseRetryDelay << attempt
		c.logger.Warn().Err(err).
			Str("endpoint", endpoint).
			Int("attempt", attempt+1).
			Dur("retry_in", delay).
			Msg("Request failed, retrying")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func (c *FuturesClient) do(ctx context.Context, method, reqURL, apiKey string, signed bool) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return nil, err
	}
	if signed {
		req.Header.Set("X-MBX-APIKEY", apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("api error (status %d): %s", resp.StatusCode, string(body))
	}
	return body, nil
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
