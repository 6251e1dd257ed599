package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const historyBaseURL = "https://fapi.binance.com"

// HistoryClient fetches the boot-time kline hydration for each symbol: one
// REST call per symbol returning the venue's array-of-tuples kline shape
// [openTime, open, high, low, close, volume, closeTime, ...]. Numeric
// strings are coerced to floats and non-finite rows dropped.
type HistoryClient struct {
	baseURL string
	http    *http.Client
}

// HistoryOption configures a HistoryClient at construction.
type HistoryOption func(*HistoryClient)

// WithHistoryBaseURL overrides the REST base URL, primarily for tests.
func WithHistoryBaseURL(u string) HistoryOption {
	return func(c *HistoryClient) { c.baseURL = u }
}

// NewHistoryClient builds a client for the unsigned kline history endpoint.
func NewHistoryClient(opts ...HistoryOption) *HistoryClient {
	c := &HistoryClient{
		baseURL: historyBaseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchKlines returns up to limit closed candles for a symbol at the given
// interval, oldest-first, ready to be applied to the Symbol State Store as
// closed kline events.
func (c *HistoryClient) FetchKlines(ctx context.Context, symbol, interval string, limit int) ([]KlinePayload, error) {
	params := url.Values{
		"symbol":   {symbol},
		"interval": {interval},
		"limit":    {strconv.Itoa(limit)},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/fapi/v1/klines?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

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
		if jerr := json.Unmarshal(body, &ve); jerr == nil && ve.Code != 0 {
			return nil, &VenueError{Code: ve.Code, HTTPStatus: resp.StatusCode, Message: ve.Msg}
		}
		return nil, fmt.Errorf("kline history %s: http %d", symbol, resp.StatusCode)
	}

	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("parse kline history: %w", err)
	}

	out := make([]KlinePayload, 0, len(rows))
	for _, row := range rows {
		if len(row) < 7 {
			continue
		}
		openTime, err1 := tupleInt(row[0])
		closeTime, err2 := tupleInt(row[6])
		open, err3 := tupleFloat(row[1])
		high, err4 := tupleFloat(row[2])
		low, err5 := tupleFloat(row[3])
		closeP, err6 := tupleFloat(row[4])
		vol, err7 := tupleFloat(row[5])
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil ||
			err5 != nil || err6 != nil || err7 != nil {
			continue
		}
		if !finite(open, high, low, closeP, vol) {
			continue
		}
		out = append(out, KlinePayload{
			OpenTime:  openTime,
			CloseTime: closeTime,
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closeP,
			Volume:    vol,
			Closed:    true,
		})
	}
	return out, nil
}

// tupleFloat coerces one kline tuple element, which the venue serializes as
// either a bare number or a numeric string.
func tupleFloat(raw json.RawMessage) (float64, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strconv.ParseFloat(s, 64)
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, err
	}
	return f, nil
}

func tupleInt(raw json.RawMessage) (int64, error) {
	var n int64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, err
	}
	return n, nil
}
