// Package liveadapter is the live trader adapter: a signed REST client that
// negotiates leverage and margin mode, normalizes quantity/price to venue
// step sizes, places and reconciles orders, and aggregates income from the
// venue's ledger.
package liveadapter

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

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// newClientOrderID mints the venue's newClientOrderId idempotency key, a
// prefixed UUIDv4 (Binance rejects plain UUIDs over ~36 chars with certain
// separators, so the prefix stays short).
func newClientOrderID() string {
	return "pfe-" + uuid.NewString()
}

const (
	prodBaseURL    = "https://fapi.binance.com"
	testnetBaseURL = "https://testnet.binancefuture.com"
	recvWindowMs   = 5000
)

// VenueError is the signed-REST counterpart of feed.VenueError, carrying
// the numeric code retry logic branches on.
type VenueError struct {
	Code       int
	HTTPStatus int
	Message    string
}

func (e *VenueError) Error() string {
	return fmt.Sprintf("venue error %d (http %d): %s", e.Code, e.HTTPStatus, e.Message)
}

// Client is a minimal signed REST client over the USDT-margined futures
// API.
type Client struct {
	apiKey    string
	secretKey string
	baseURL   string
	http      *http.Client
	log       zerolog.Logger
}

// ClientOption configures a Client at construction.
type ClientOption func(*Client)

func WithTestnet(testnet bool) ClientOption {
	return func(c *Client) {
		if testnet {
			c.baseURL = testnetBaseURL
		}
	}
}

func WithHTTPClient(h *http.Client) ClientOption { return func(c *Client) { c.http = h } }

// WithBaseURL overrides the REST base URL, primarily for pointing the
// client at a test server.
func WithBaseURL(u string) ClientOption { return func(c *Client) { c.baseURL = u } }

// NewClient builds a signed REST client for the futures API.
func NewClient(apiKey, secretKey string, log zerolog.Logger, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:    apiKey,
		secretKey: secretKey,
		baseURL:   prodBaseURL,
		http:      &http.Client{Timeout: 10 * time.Second},
		log:       log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) sign(params url.Values) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(params.Encode()))
	return hex.EncodeToString(mac.Sum(nil))
}

// doRequest signs and issues a request. On signed calls, timestamp and
// recvWindow are appended before the signature is computed; the signature
// itself goes last.
func (c *Client) doRequest(ctx context.Context, method, endpoint string, params url.Values, signed bool) ([]byte, error) {
	if params == nil {
		params = url.Values{}
	}
	if signed {
		params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		params.Set("recvWindow", strconv.Itoa(recvWindowMs))
	}
	query := params.Encode()
	if signed {
		query += "&signature=" + c.sign(params)
	}

	var req *http.Request
	var err error
	switch method {
	case http.MethodGet, http.MethodDelete:
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+endpoint+"?"+query, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, strings.NewReader(query))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		var ve struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}
		if jerr := json.Unmarshal(body, &ve); jerr == nil {
			return nil, &VenueError{Code: ve.Code, HTTPStatus: resp.StatusCode, Message: ve.Msg}
		}
		return nil, &VenueError{HTTPStatus: resp.StatusCode, Message: string(body)}
	}

	return body, nil
}

// SymbolFilters carries the LOT_SIZE/PRICE_FILTER fields the adapter needs
// for quantity/price normalization.
type SymbolFilters struct {
	StepSize     float64
	MinQty       float64
	TickSize     float64
	StepDecimals int
	TickDecimals int
}

// GetExchangeInfo fetches per-symbol filters from /fapi/v1/exchangeInfo.
func (c *Client) GetExchangeInfo(ctx context.Context, symbols []string) (map[string]SymbolFilters, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/fapi/v1/exchangeInfo", nil, false)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType string `json:"filterType"`
				StepSize   string `json:"stepSize"`
				MinQty     string `json:"minQty"`
				TickSize   string `json:"tickSize"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse exchangeInfo: %w", err)
	}

	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[strings.ToUpper(s)] = true
	}

	out := make(map[string]SymbolFilters)
	for _, sym := range resp.Symbols {
		if !want[sym.Symbol] {
			continue
		}
		var f SymbolFilters
		for _, filt := range sym.Filters {
			switch filt.FilterType {
			case "LOT_SIZE":
				f.StepSize, _ = strconv.ParseFloat(filt.StepSize, 64)
				f.MinQty, _ = strconv.ParseFloat(filt.MinQty, 64)
				f.StepDecimals = countDecimals(filt.StepSize)
			case "PRICE_FILTER":
				f.TickSize, _ = strconv.ParseFloat(filt.TickSize, 64)
				f.TickDecimals = countDecimals(filt.TickSize)
			}
		}
		out[sym.Symbol] = f
	}
	return out, nil
}

func countDecimals(s string) int {
	i := strings.IndexByte(s, '.')
	if i < 0 {
		return 0
	}
	frac := strings.TrimRight(s[i+1:], "0")
	return len(frac)
}

// GetPositionMode reports whether the account is in hedge (dual-side)
// position mode.
func (c *Client) GetPositionMode(ctx context.Context) (hedge bool, err error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/fapi/v1/positionSide/dual", nil, true)
	if err != nil {
		return false, err
	}
	var resp struct {
		DualSidePosition bool `json:"dualSidePosition"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return false, err
	}
	return resp.DualSidePosition, nil
}

// LeverageBracket is one tier of a symbol's notional/leverage brackets.
type LeverageBracket struct {
	InitialLeverage int
	NotionalCap     float64
}

// GetLeverageBrackets fetches the max initial leverage for a symbol,
// best-effort: callers should tolerate an error and fall back to a
// conservative default.
func (c *Client) GetLeverageBrackets(ctx context.Context, symbol string) (maxLeverage int, err error) {
	params := url.Values{"symbol": {symbol}}
	body, err := c.doRequest(ctx, http.MethodGet, "/fapi/v1/leverageBracket", params, true)
	if err != nil {
		return 0, err
	}
	var resp []struct {
		Symbol   string `json:"symbol"`
		Brackets []struct {
			InitialLeverage int `json:"initialLeverage"`
		} `json:"brackets"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, err
	}
	for _, r := range resp {
		if r.Symbol != symbol {
			continue
		}
		for _, b := range r.Brackets {
			if b.InitialLeverage > maxLeverage {
				maxLeverage = b.InitialLeverage
			}
		}
	}
	return maxLeverage, nil
}

// SetMarginType requests isolated (or crossed) margin for a symbol.
// Code -4046 ("No need to change margin type") is treated as idempotent
// success by the caller, not here, so the raw VenueError is returned.
func (c *Client) SetMarginType(ctx context.Context, symbol string, isolated bool) error {
	marginType := "CROSSED"
	if isolated {
		marginType = "ISOLATED"
	}
	params := url.Values{"symbol": {symbol}, "marginType": {marginType}}
	_, err := c.doRequest(ctx, http.MethodPost, "/fapi/v1/marginType", params, true)
	return err
}

// SetLeverage requests the given leverage for a symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{"symbol": {symbol}, "leverage": {strconv.Itoa(leverage)}}
	_, err := c.doRequest(ctx, http.MethodPost, "/fapi/v1/leverage", params, true)
	return err
}

// BookTicker is the top-of-book snapshot used for spread-gated GTX entry.
type BookTicker struct {
	BidPrice float64
	AskPrice float64
}

func (c *Client) GetBookTicker(ctx context.Context, symbol string) (BookTicker, error) {
	params := url.Values{"symbol": {symbol}}
	body, err := c.doRequest(ctx, http.MethodGet, "/fapi/v1/ticker/bookTicker", params, false)
	if err != nil {
		return BookTicker{}, err
	}
	var resp struct {
		BidPrice string `json:"bidPrice"`
		AskPrice string `json:"askPrice"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return BookTicker{}, err
	}
	bid, _ := strconv.ParseFloat(resp.BidPrice, 64)
	ask, _ := strconv.ParseFloat(resp.AskPrice, 64)
	return BookTicker{BidPrice: bid, AskPrice: ask}, nil
}

// OrderRequest is the minimal order shape the adapter sends.
type OrderRequest struct {
	Symbol        string
	Side          string // BUY or SELL
	PositionSide  string // LONG, SHORT, or "" in one-way mode
	Type          string // MARKET or LIMIT
	Quantity      string
	Price         string // for LIMIT
	TimeInForce   string // GTX for post-only
	ReduceOnly    bool
	ClosePosition bool
}

// OrderResponse is the minimal order result the adapter reads back.
type OrderResponse struct {
	OrderID     int64
	Status      string
	AvgPrice    float64
	ExecutedQty float64
}

func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error) {
	params := url.Values{
		"symbol":           {req.Symbol},
		"side":             {req.Side},
		"type":             {req.Type},
		"quantity":         {req.Quantity},
		"newClientOrderId": {newClientOrderID()},
	}
	if req.PositionSide != "" {
		params.Set("positionSide", req.PositionSide)
	}
	if req.Price != "" {
		params.Set("price", req.Price)
	}
	if req.TimeInForce != "" {
		params.Set("timeInForce", req.TimeInForce)
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	if req.ClosePosition {
		params.Set("closePosition", "true")
	}

	body, err := c.doRequest(ctx, http.MethodPost, "/fapi/v1/order", params, true)
	if err != nil {
		return nil, err
	}
	var resp struct {
		OrderID     int64  `json:"orderId"`
		Status      string `json:"status"`
		AvgPrice    string `json:"avgPrice"`
		ExecutedQty string `json:"executedQty"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	avg, _ := strconv.ParseFloat(resp.AvgPrice, 64)
	exec, _ := strconv.ParseFloat(resp.ExecutedQty, 64)
	return &OrderResponse{OrderID: resp.OrderID, Status: resp.Status, AvgPrice: avg, ExecutedQty: exec}, nil
}

func (c *Client) GetOrder(ctx context.Context, symbol string, orderID int64) (*OrderResponse, error) {
	params := url.Values{"symbol": {symbol}, "orderId": {strconv.FormatInt(orderID, 10)}}
	body, err := c.doRequest(ctx, http.MethodGet, "/fapi/v1/order", params, true)
	if err != nil {
		return nil, err
	}
	var resp struct {
		OrderID     int64  `json:"orderId"`
		Status      string `json:"status"`
		AvgPrice    string `json:"avgPrice"`
		ExecutedQty string `json:"executedQty"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	avg, _ := strconv.ParseFloat(resp.AvgPrice, 64)
	exec, _ := strconv.ParseFloat(resp.ExecutedQty, 64)
	return &OrderResponse{OrderID: resp.OrderID, Status: resp.Status, AvgPrice: avg, ExecutedQty: exec}, nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	params := url.Values{"symbol": {symbol}, "orderId": {strconv.FormatInt(orderID, 10)}}
	_, err := c.doRequest(ctx, http.MethodDelete, "/fapi/v1/order", params, true)
	return err
}

// PositionRisk is one venue position-risk row.
type PositionRisk struct {
	Symbol         string
	PositionAmt    float64
	EntryPrice     float64
	MarkPrice      float64
	UnrealizedPnl  float64
	Leverage       int
	IsolatedMargin float64
	PositionSide   string
	Notional       float64
}

func (c *Client) GetPositionRisk(ctx context.Context, symbol string) ([]PositionRisk, error) {
	params := url.Values{"symbol": {symbol}}
	body, err := c.doRequest(ctx, http.MethodGet, "/fapi/v2/positionRisk", params, true)
	if err != nil {
		return nil, err
	}
	var resp []struct {
		Symbol           string `json:"symbol"`
		PositionAmt      string `json:"positionAmt"`
		EntryPrice       string `json:"entryPrice"`
		MarkPrice        string `json:"markPrice"`
		UnRealizedProfit string `json:"unRealizedProfit"`
		Leverage         string `json:"leverage"`
		IsolatedMargin   string `json:"isolatedMargin"`
		PositionSide     string `json:"positionSide"`
		Notional         string `json:"notional"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	out := make([]PositionRisk, 0, len(resp))
	for _, r := range resp {
		amt, _ := strconv.ParseFloat(r.PositionAmt, 64)
		entry, _ := strconv.ParseFloat(r.EntryPrice, 64)
		mark, _ := strconv.ParseFloat(r.MarkPrice, 64)
		upnl, _ := strconv.ParseFloat(r.UnRealizedProfit, 64)
		lev, _ := strconv.Atoi(r.Leverage)
		iso, _ := strconv.ParseFloat(r.IsolatedMargin, 64)
		notional, _ := strconv.ParseFloat(r.Notional, 64)
		out = append(out, PositionRisk{
			Symbol: r.Symbol, PositionAmt: amt, EntryPrice: entry, MarkPrice: mark,
			UnrealizedPnl: upnl, Leverage: lev, IsolatedMargin: iso,
			PositionSide: r.PositionSide, Notional: notional,
		})
	}
	return out, nil
}

// IncomeRow is one venue income-ledger row.
type IncomeRow struct {
	TranID     int64
	Symbol     string
	IncomeType string
	Income     float64
	Ts         int64
}

func (c *Client) GetIncome(ctx context.Context, symbol string, startTime int64) ([]IncomeRow, error) {
	params := url.Values{"symbol": {symbol}}
	if startTime > 0 {
		params.Set("startTime", strconv.FormatInt(startTime, 10))
	}
	body, err := c.doRequest(ctx, http.MethodGet, "/fapi/v1/income", params, true)
	if err != nil {
		return nil, err
	}
	var resp []struct {
		TranID     int64  `json:"tranId"`
		Symbol     string `json:"symbol"`
		IncomeType string `json:"incomeType"`
		Income     string `json:"income"`
		Time       int64  `json:"time"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	out := make([]IncomeRow, 0, len(resp))
	for _, r := range resp {
		income, _ := strconv.ParseFloat(r.Income, 64)
		out = append(out, IncomeRow{TranID: r.TranID, Symbol: r.Symbol, IncomeType: r.IncomeType, Income: income, Ts: r.Time})
	}
	return out, nil
}
