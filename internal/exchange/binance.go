// Package exchange implements Binance USD-M futures connectivity: the signed
// REST surface the reconciler and catch-up paths call, and the market/user
// data websocket streams.
package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/model"
	"main/internal/model/enum"
	"main/internal/ops"
	"main/pkg/exception"
)

const (
	weightHeader           = "X-MBX-USED-WEIGHT-1M"
	weightWarningThreshold = 2000

	klinePageLimit    = 499
	aggTradePageLimit = 1000

	// Binance: the listen key does not exist, resubscribe.
	codeNoSuchListenKey = -1125
)

// Binance is the USD-M futures REST client. All methods are synchronous
// request/response; failures surface as errors and are never silently
// retried except where a method documents otherwise.
type Binance struct {
	apiKey     string
	apiSecret  string
	baseURL    string
	streamURL  string
	recvWindow time.Duration

	http *http.Client
	now  func() time.Time
}

func NewBinance(cfg ops.BinanceConfig) *Binance {
	return &Binance{
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		baseURL:    strings.TrimRight(cfg.RestURL, "/"),
		streamURL:  cfg.StreamURL,
		recvWindow: time.Duration(cfg.RecvWindow) * time.Second,
		http:       &http.Client{Timeout: 30 * time.Second},
		now:        time.Now,
	}
}

// apiError is a Binance error payload.
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("binance error %d: %s", e.Code, e.Msg)
}

func (b *Binance) request(method, path string, params url.Values, signed bool) ([]byte, error) {
	if params == nil {
		params = url.Values{}
	}
	if signed {
		params.Set("timestamp", strconv.FormatInt(b.now().UnixMilli(), 10))
		if b.recvWindow > 0 {
			params.Set("recvWindow", strconv.FormatInt(b.recvWindow.Milliseconds(), 10))
		}
		mac := hmac.New(sha256.New, []byte(b.apiSecret))
		mac.Write([]byte(params.Encode()))
		params.Set("signature", hex.EncodeToString(mac.Sum(nil)))
	}

	req, err := http.NewRequest(method, b.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return nil, errors.Wrapf(err, "build request %s", path)
	}
	req.Header.Set("X-MBX-APIKEY", b.apiKey)

	resp, err := b.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(exception.ErrExchangeRequest, "%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	if w := resp.Header.Get(weightHeader); len(w) != 0 {
		if used, err := strconv.Atoi(w); err == nil && used > weightWarningThreshold {
			logs.Infof("%s 1m request weight: %d", path, used)
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(exception.ErrExchangeResponse, "read %s response: %v", path, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &apiError{}
		if json.Unmarshal(body, apiErr) == nil && apiErr.Msg != "" {
			return nil, errors.Wrapf(apiErr, "%s %s", method, path)
		}
		return nil, errors.Wrapf(exception.ErrExchangeResponse, "%s %s: status %d", method, path, resp.StatusCode)
	}
	return body, nil
}

// errorCode extracts the Binance error code from an error chain, or 0.
func errorCode(err error) int {
	for err != nil {
		if apiErr, ok := err.(*apiError); ok {
			return apiErr.Code
		}
		wrapped, ok := err.(interface{ Unwrap() error })
		if !ok {
			return 0
		}
		err = wrapped.Unwrap()
	}
	return 0
}

type exchangeInfoResponse struct {
	RateLimits []struct {
		Type           string `json:"rateLimitType"`
		Interval       string `json:"interval"`
		IntervalNumber int    `json:"intervalNum"`
		Limit          int    `json:"limit"`
	} `json:"rateLimits"`
	Symbols []struct {
		Symbol  string `json:"symbol"`
		Pair    string `json:"pair"`
		Status  string `json:"status"`
		Filters []struct {
			Type        string `json:"filterType"`
			TickSize    string `json:"tickSize"`
			StepSize    string `json:"stepSize"`
			MinQuantity string `json:"minQty"`
		} `json:"filters"`
	} `json:"symbols"`
}

// ExchangeInfo fetches the listed instruments and their trading filters.
func (b *Binance) ExchangeInfo() ([]model.SymbolInfo, error) {
	body, err := b.request(http.MethodGet, "/fapi/v1/exchangeInfo", nil, false)
	if err != nil {
		return nil, err
	}
	var resp exchangeInfoResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errors.Wrap(exception.ErrExchangeResponse, err.Error())
	}
	for _, limit := range resp.RateLimits {
		logs.Infof("rate limit %s: %d per %d %s", limit.Type, limit.Limit, limit.IntervalNumber, limit.Interval)
	}

	infos := make([]model.SymbolInfo, 0, len(resp.Symbols))
	for _, s := range resp.Symbols {
		info := model.SymbolInfo{Symbol: s.Symbol}
		for _, f := range s.Filters {
			switch f.Type {
			case "PRICE_FILTER":
				info.PriceTick, _ = decimal.NewFromString(f.TickSize)
			case "LOT_SIZE":
				info.QuantityTick, _ = decimal.NewFromString(f.StepSize)
				info.MinQuantity, _ = decimal.NewFromString(f.MinQuantity)
			}
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// klineInterval picks the sub-interval klines are fetched at for a target
// timeframe; the aggregator re-buckets them.
func klineInterval(timeframe int) (string, int) {
	switch timeframe {
	case 3:
		return "3m", 3
	case 5, 10:
		return "5m", 5
	default:
		return "1m", 1
	}
}

// Klines fetches sub-interval klines in ascending open time, paginating with
// a fixed limit. Request failures are retried indefinitely: startup cannot
// proceed without this data.
func (b *Binance) Klines(symbol string, timeframe int, from, to time.Time) ([]model.Candle, error) {
	interval, intervalMinutes := klineInterval(timeframe)
	var out []model.Candle
	start := from
	for {
		params := url.Values{}
		params.Set("symbol", symbol)
		params.Set("interval", interval)
		params.Set("startTime", strconv.FormatInt(start.UnixMilli(), 10))
		params.Set("endTime", strconv.FormatInt(to.UnixMilli(), 10))
		params.Set("limit", strconv.Itoa(klinePageLimit))

		body, err := b.request(http.MethodGet, "/fapi/v1/klines", params, false)
		if err != nil {
			logs.Errorf("unable to get klines for %s, retrying: %+v", symbol, err)
			time.Sleep(time.Second)
			continue
		}

		// Each kline is a mixed-type array; fields 0, 4 and 5 are open time,
		// close price and volume.
		var rows [][]json.RawMessage
		if err := json.Unmarshal(body, &rows); err != nil {
			return nil, errors.Wrap(exception.ErrExchangeResponse, err.Error())
		}
		var maxOpen time.Time
		for _, row := range rows {
			if len(row) < 6 {
				return nil, errors.Wrapf(exception.ErrExchangeResponse, "short kline row for %s", symbol)
			}
			var openMillis int64
			var closeStr, volumeStr string
			if err := json.Unmarshal(row[0], &openMillis); err != nil {
				return nil, errors.Wrap(exception.ErrExchangeResponse, err.Error())
			}
			if err := json.Unmarshal(row[4], &closeStr); err != nil {
				return nil, errors.Wrap(exception.ErrExchangeResponse, err.Error())
			}
			if err := json.Unmarshal(row[5], &volumeStr); err != nil {
				return nil, errors.Wrap(exception.ErrExchangeResponse, err.Error())
			}
			closePrice, err := decimal.NewFromString(closeStr)
			if err != nil {
				return nil, errors.Wrap(exception.ErrExchangeResponse, err.Error())
			}
			volume, err := decimal.NewFromString(volumeStr)
			if err != nil {
				return nil, errors.Wrap(exception.ErrExchangeResponse, err.Error())
			}
			openTime := time.UnixMilli(openMillis).UTC()
			if openTime.After(maxOpen) {
				maxOpen = openTime
			}
			out = append(out, model.Candle{
				Symbol:     symbol,
				Timeframe:  intervalMinutes,
				Time:       openTime,
				ClosePrice: closePrice,
				Volume:     volume,
			})
		}
		if len(rows) < klinePageLimit {
			sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
			return out, nil
		}
		start = maxOpen.Add(time.Duration(timeframe) * time.Minute)
	}
}

type aggTradeRow struct {
	Price    string `json:"p"`
	Quantity string `json:"q"`
	Time     int64  `json:"T"`
}

// AggTrades fetches historical aggregated trades for [from, to], paginating
// past the page limit by advancing one millisecond beyond the newest trade.
func (b *Binance) AggTrades(symbol string, from, to time.Time) ([]model.Tick, error) {
	var out []model.Tick
	start := from
	for {
		params := url.Values{}
		params.Set("symbol", symbol)
		params.Set("startTime", strconv.FormatInt(start.UnixMilli(), 10))
		params.Set("endTime", strconv.FormatInt(to.UnixMilli(), 10))
		params.Set("limit", strconv.Itoa(aggTradePageLimit))

		body, err := b.request(http.MethodGet, "/fapi/v1/aggTrades", params, false)
		if err != nil {
			return nil, errors.Wrapf(err, "get agg trades for %s", symbol)
		}
		var rows []aggTradeRow
		if err := json.Unmarshal(body, &rows); err != nil {
			return nil, errors.Wrap(exception.ErrExchangeResponse, err.Error())
		}
		var maxTime time.Time
		for _, row := range rows {
			price, err := decimal.NewFromString(row.Price)
			if err != nil {
				return nil, errors.Wrap(exception.ErrExchangeResponse, err.Error())
			}
			quantity, err := decimal.NewFromString(row.Quantity)
			if err != nil {
				return nil, errors.Wrap(exception.ErrExchangeResponse, err.Error())
			}
			tradeTime := time.UnixMilli(row.Time).UTC()
			if tradeTime.After(maxTime) {
				maxTime = tradeTime
			}
			out = append(out, model.Tick{Symbol: symbol, Price: price, Quantity: quantity, Time: tradeTime})
		}
		if len(rows) < aggTradePageLimit {
			return out, nil
		}
		start = maxTime.Add(time.Millisecond)
	}
}

type positionRow struct {
	Symbol      string `json:"symbol"`
	PositionAmt string `json:"positionAmt"`
}

// Position returns the symbol's net position quantity, summed over position
// sides.
func (b *Binance) Position(symbol string) (decimal.Decimal, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := b.request(http.MethodGet, "/fapi/v2/positionRisk", params, true)
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "get position for %s", symbol)
	}
	var rows []positionRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return decimal.Zero, errors.Wrap(exception.ErrExchangeResponse, err.Error())
	}
	total := decimal.Zero
	for _, row := range rows {
		amt, err := decimal.NewFromString(row.PositionAmt)
		if err != nil {
			return decimal.Zero, errors.Wrap(exception.ErrExchangeResponse, err.Error())
		}
		total = total.Add(amt)
	}
	return total, nil
}

// LastPrice fetches the symbol's latest traded price.
func (b *Binance) LastPrice(symbol string) (decimal.Decimal, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := b.request(http.MethodGet, "/fapi/v1/ticker/price", params, false)
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "get price of %s", symbol)
	}
	var resp struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return decimal.Zero, errors.Wrap(exception.ErrExchangeResponse, err.Error())
	}
	price, err := decimal.NewFromString(resp.Price)
	if err != nil {
		return decimal.Zero, errors.Wrap(exception.ErrExchangeResponse, err.Error())
	}
	return price, nil
}

// PlaceOrder submits one good-till-canceled limit order.
func (b *Binance) PlaceOrder(symbol string, quantity, price decimal.Decimal, side enum.OrderSide) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", side.String())
	params.Set("type", "LIMIT")
	params.Set("timeInForce", "GTC")
	params.Set("quantity", quantity.String())
	params.Set("price", price.String())
	if _, err := b.request(http.MethodPost, "/fapi/v1/order", params, true); err != nil {
		return errors.Wrapf(err, "place order %s %s %s@%s", symbol, side, quantity, price)
	}
	return nil
}

// CancelAllOrders cancels every open order of the symbol.
func (b *Binance) CancelAllOrders(symbol string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	if _, err := b.request(http.MethodDelete, "/fapi/v1/allOpenOrders", params, true); err != nil {
		return errors.Wrapf(err, "cancel orders for %s", symbol)
	}
	return nil
}

type openOrderRow struct {
	OrderID   int64  `json:"orderId"`
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
	Status    string `json:"status"`
	Price     string `json:"price"`
	OrigQty   string `json:"origQty"`
	FilledQty string `json:"executedQty"`
	Time      int64  `json:"time"`
	Updated   int64  `json:"updateTime"`
}

// OpenOrders fetches every order currently resting on the book.
func (b *Binance) OpenOrders() ([]model.Order, error) {
	body, err := b.request(http.MethodGet, "/fapi/v1/openOrders", nil, true)
	if err != nil {
		return nil, errors.Wrap(err, "get open orders")
	}
	var rows []openOrderRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, errors.Wrap(exception.ErrExchangeResponse, err.Error())
	}
	out := make([]model.Order, 0, len(rows))
	for _, row := range rows {
		price, err := decimal.NewFromString(row.Price)
		if err != nil {
			return nil, errors.Wrap(exception.ErrExchangeResponse, err.Error())
		}
		quantity, err := decimal.NewFromString(row.OrigQty)
		if err != nil {
			return nil, errors.Wrap(exception.ErrExchangeResponse, err.Error())
		}
		filled, err := decimal.NewFromString(row.FilledQty)
		if err != nil {
			return nil, errors.Wrap(exception.ErrExchangeResponse, err.Error())
		}
		out = append(out, model.Order{
			ID:           row.OrderID,
			Symbol:       row.Symbol,
			Side:         enum.ParseOrderSide(row.Side),
			Status:       enum.ParseOrderStatus(row.Status),
			Quantity:     quantity,
			Price:        price,
			FilledVolume: filled,
			Created:      time.UnixMilli(row.Time).UTC(),
			Updated:      time.UnixMilli(row.Updated).UTC(),
		})
	}
	return out, nil
}

type balanceRow struct {
	Asset            string `json:"asset"`
	Balance          string `json:"balance"`
	AvailableBalance string `json:"availableBalance"`
}

// Balances returns the non-zero futures wallet balances.
func (b *Binance) Balances() ([]model.Balance, error) {
	body, err := b.request(http.MethodGet, "/fapi/v2/balance", nil, true)
	if err != nil {
		return nil, errors.Wrap(err, "get balances")
	}
	var rows []balanceRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, errors.Wrap(exception.ErrExchangeResponse, err.Error())
	}
	out := make([]model.Balance, 0, len(rows))
	for _, row := range rows {
		wallet, err := decimal.NewFromString(row.Balance)
		if err != nil {
			return nil, errors.Wrap(exception.ErrExchangeResponse, err.Error())
		}
		available, err := decimal.NewFromString(row.AvailableBalance)
		if err != nil {
			return nil, errors.Wrap(exception.ErrExchangeResponse, err.Error())
		}
		if wallet.IsZero() {
			continue
		}
		out = append(out, model.Balance{Asset: row.Asset, WalletBalance: wallet, Available: available})
	}
	return out, nil
}

type userTradeRow struct {
	ID       int64  `json:"id"`
	OrderID  int64  `json:"orderId"`
	Symbol   string `json:"symbol"`
	Side     string `json:"side"`
	Price    string `json:"price"`
	Quantity string `json:"qty"`
	Maker    bool   `json:"maker"`
	Time     int64  `json:"time"`
}

// UserTrades fetches the account's recent fills for the given symbols.
func (b *Binance) UserTrades(symbols []string, since time.Time) ([]model.Fill, error) {
	var out []model.Fill
	for _, symbol := range symbols {
		params := url.Values{}
		params.Set("symbol", symbol)
		params.Set("startTime", strconv.FormatInt(since.UnixMilli(), 10))
		params.Set("limit", strconv.Itoa(aggTradePageLimit))
		body, err := b.request(http.MethodGet, "/fapi/v1/userTrades", params, true)
		if err != nil {
			return nil, errors.Wrapf(err, "get user trades for %s", symbol)
		}
		var rows []userTradeRow
		if err := json.Unmarshal(body, &rows); err != nil {
			return nil, errors.Wrap(exception.ErrExchangeResponse, err.Error())
		}
		for _, row := range rows {
			price, err := decimal.NewFromString(row.Price)
			if err != nil {
				return nil, errors.Wrap(exception.ErrExchangeResponse, err.Error())
			}
			quantity, err := decimal.NewFromString(row.Quantity)
			if err != nil {
				return nil, errors.Wrap(exception.ErrExchangeResponse, err.Error())
			}
			out = append(out, model.Fill{
				OrderID:  row.OrderID,
				Symbol:   row.Symbol,
				Side:     enum.ParseOrderSide(row.Side),
				Price:    price,
				Quantity: quantity,
				Maker:    row.Maker,
				Time:     time.UnixMilli(row.Time).UTC(),
			})
		}
	}
	return out, nil
}

// StartUserStream opens a user-data stream and returns its listen key.
func (b *Binance) StartUserStream() (string, error) {
	body, err := b.request(http.MethodPost, "/fapi/v1/listenKey", nil, false)
	if err != nil {
		return "", errors.Wrap(err, "start user stream")
	}
	var resp struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", errors.Wrap(exception.ErrExchangeResponse, err.Error())
	}
	if resp.ListenKey == "" {
		return "", exception.ErrMissingListenKey
	}
	return resp.ListenKey, nil
}

// KeepAliveUserStream extends the listen key's validity.
func (b *Binance) KeepAliveUserStream(listenKey string) error {
	params := url.Values{}
	params.Set("listenKey", listenKey)
	if _, err := b.request(http.MethodPut, "/fapi/v1/listenKey", params, false); err != nil {
		return errors.Wrap(err, "keep alive user stream")
	}
	return nil
}
