package feed

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// VenueError is the venue's {code,msg} error envelope surfaced as a typed
// error, carrying the numeric code retry logic branches on.
type VenueError struct {
	Code       int
	HTTPStatus int
	Message    string
}

func (e *VenueError) Error() string {
	return fmt.Sprintf("venue error %d: %s", e.Code, e.Message)
}

type envelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type errorEnvelope struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type discriminated struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	// EventTime gives the numeric "E" key an exact-match home, so the
	// case-insensitive fallback does not route it into EventType.
	EventTime json.RawMessage `json:"E"`
}

type aggTradeMsg struct {
	Symbol       string `json:"s"`
	Price        string `json:"p"`
	Qty          string `json:"q"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

type markPriceMsg struct {
	Symbol    string `json:"s"`
	MarkPrice string `json:"p"`
	EventTime int64  `json:"E"`
}

type klineMsg struct {
	Symbol string    `json:"s"`
	Kline  klineData `json:"k"`
}

type klineData struct {
	OpenTime  int64  `json:"t"`
	CloseTime int64  `json:"T"`
	Open      string `json:"o"`
	Close     string `json:"c"`
	High      string `json:"h"`
	Low       string `json:"l"`
	Volume    string `json:"v"`
	IsFinal   bool   `json:"x"`
}

// Decode parses one raw frame (text or binary) into zero or one MarketEvent.
// It tolerates both the combined-stream envelope {stream,data} and a bare
// payload, and surfaces a *VenueError for the venue's {code,msg} error
// shape. An (nil, nil) return means the frame was recognized but carried no
// event worth forwarding (unknown discriminator, or a value that failed a
// finiteness check).
func Decode(raw []byte) (*MarketEvent, error) {
	payload := raw

	var env envelope
	if err := json.Unmarshal(raw, &env); err == nil && len(env.Data) > 0 {
		payload = env.Data
	}

	var verr errorEnvelope
	if err := json.Unmarshal(payload, &verr); err == nil && verr.Code != 0 {
		return nil, &VenueError{Code: verr.Code, Message: verr.Msg}
	}

	var disc discriminated
	if err := json.Unmarshal(payload, &disc); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	switch disc.EventType {
	case "trade", "aggTrade":
		var m aggTradeMsg
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, fmt.Errorf("decode trade: %w", err)
		}
		price, err1 := strconv.ParseFloat(m.Price, 64)
		qty, err2 := strconv.ParseFloat(m.Qty, 64)
		if err1 != nil || err2 != nil || !finite(price, qty) {
			return nil, nil
		}
		return &MarketEvent{
			Symbol: strings.ToLower(m.Symbol),
			Kind:   EventTrade,
			Trade: TradePayload{
				Price:        price,
				Qty:          qty,
				Ts:           m.TradeTime,
				IsBuyerMaker: m.IsBuyerMaker,
			},
		}, nil

	case "markPriceUpdate":
		var m markPriceMsg
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, fmt.Errorf("decode mark price: %w", err)
		}
		price, err := strconv.ParseFloat(m.MarkPrice, 64)
		if err != nil || !finite(price) {
			return nil, nil
		}
		return &MarketEvent{
			Symbol: strings.ToLower(m.Symbol),
			Kind:   EventMark,
			Mark:   MarkPayload{Price: price, Ts: m.EventTime},
		}, nil

	case "kline":
		var m klineMsg
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, fmt.Errorf("decode kline: %w", err)
		}
		k := m.Kline
		open, e1 := strconv.ParseFloat(k.Open, 64)
		high, e2 := strconv.ParseFloat(k.High, 64)
		low, e3 := strconv.ParseFloat(k.Low, 64)
		closeP, e4 := strconv.ParseFloat(k.Close, 64)
		vol, e5 := strconv.ParseFloat(k.Volume, 64)
		if e1 != nil || e2 != nil || e3 != nil || e4 != nil || e5 != nil ||
			!finite(open, high, low, closeP, vol) {
			return nil, nil
		}
		return &MarketEvent{
			Symbol: strings.ToLower(m.Symbol),
			Kind:   EventKline,
			Kline: KlinePayload{
				OpenTime:  k.OpenTime,
				CloseTime: k.CloseTime,
				Open:      open,
				High:      high,
				Low:       low,
				Close:     closeP,
				Volume:    vol,
				Closed:    k.IsFinal,
			},
		}, nil

	default:
		// Unknown discriminator, dropped silently.
		return nil, nil
	}
}
