package exchange

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"
	"github.com/yanun0323/pkg/ws"

	"main/internal/model"
	"main/internal/model/enum"
)

const userStreamKeepAlive = 5 * time.Minute

// OrderUpdate is one order event from the user-data stream. Fill is set when
// the event carries an execution.
type OrderUpdate struct {
	Order         model.Order
	ExecutionType string
	Fill          *model.Fill
}

// Streams owns the market-data websocket and the user-data stream lifecycle,
// including listen key keepalive and resubscription.
type Streams struct {
	rest      *Binance
	streamURL string
	wss       *ws.WebSocket
	listenKey string
}

func NewStreams(ctx context.Context, rest *Binance) *Streams {
	return &Streams{
		rest:      rest,
		streamURL: strings.TrimRight(rest.streamURL, "/"),
		wss:       ws.New(ctx, rest.streamURL),
	}
}

func (s *Streams) Start(ctx context.Context) error {
	if err := s.wss.Start(ctx); err != nil {
		return errors.Wrap(err, "start market stream")
	}
	return nil
}

func (s *Streams) Close() {
	s.wss.Close()
}

type subscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

type subscribeResponse struct {
	ID     int64 `json:"id"`
	Result any   `json:"result"`
}

// SubscribeAggTrades subscribes the aggregated trade stream for every symbol.
func (s *Streams) SubscribeAggTrades(ctx context.Context, symbols []string) error {
	params := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		params = append(params, fmt.Sprintf("%s@aggTrade", strings.ToLower(symbol)))
	}

	appendIntoRegister := true
	if err := s.wss.SendAndWait(ctx, ws.Sidecar{
		Sender: func(ctx context.Context, wss *ws.WebSocket) error {
			payload := subscribeRequest{
				Method: "SUBSCRIBE",
				Params: params,
				ID:     1,
			}
			if err := wss.WriteJSON(payload); err != nil {
				return errors.Wrap(err, "write subscribe payload").With("payload", payload)
			}
			return nil
		},
		Waiter: func(ctx context.Context, m ws.Message) (bool, error) {
			var resp subscribeResponse
			if err := m.Unmarshal(&resp); err != nil || resp.ID != 1 {
				return false, nil
			}
			if resp.Result != nil {
				return false, errors.Errorf("subscribe agg trades, err: %+v", resp.Result)
			}
			return true, nil
		},
	}, appendIntoRegister); err != nil {
		return errors.Wrap(err, "send and wait")
	}
	return nil
}

type aggTradeEvent struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	TradeTime int64  `json:"T"`
}

// ObserveAggTrades delivers live ticks to handler until the context is done.
func (s *Streams) ObserveAggTrades(ctx context.Context, handler func(t model.Tick)) (unsubscribe func()) {
	ch, cancel := s.wss.Subscribe()

	go func() {
		defer cancel()
		for {
			select {
			case <-sys.Shutdown():
				return
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}

				event, ok := ws.ReadMessage[aggTradeEvent](m)
				if !ok || event.EventType != "aggTrade" {
					continue
				}
				price, err := decimal.NewFromString(event.Price)
				if err != nil {
					logs.Errorf("parse agg trade price %q: %v", event.Price, err)
					continue
				}
				quantity, err := decimal.NewFromString(event.Quantity)
				if err != nil {
					logs.Errorf("parse agg trade quantity %q: %v", event.Quantity, err)
					continue
				}
				handler(model.Tick{
					Symbol:   event.Symbol,
					Price:    price,
					Quantity: quantity,
					Time:     time.UnixMilli(event.TradeTime).UTC(),
				})
			}
		}
	}()

	return cancel
}

type orderTradeUpdateEvent struct {
	EventType string `json:"e"`
	Order     struct {
		Symbol        string `json:"s"`
		OrderID       int64  `json:"i"`
		Side          string `json:"S"`
		Status        string `json:"X"`
		ExecutionType string `json:"x"`
		Quantity      string `json:"q"`
		Price         string `json:"p"`
		Filled        string `json:"z"`
		LastFilledQty string `json:"l"`
		LastFilledPx  string `json:"L"`
		Maker         bool   `json:"m"`
		TradeTime     int64  `json:"T"`
	} `json:"o"`
}

type accountUpdateEvent struct {
	EventType string `json:"e"`
	Update    struct {
		Balances []struct {
			Asset  string `json:"a"`
			Wallet string `json:"wb"`
		} `json:"B"`
	} `json:"a"`
}

type listenKeyExpiredEvent struct {
	EventType string `json:"e"`
}

// RunUserStream opens the user-data stream and dispatches its order and
// account events until the context is done. The listen key is kept alive
// every five minutes; a lost key is resubscribed with a fresh connection.
// Blocks on the initial subscription only.
func (s *Streams) RunUserStream(ctx context.Context, onOrder func(OrderUpdate), onAccount func([]model.Balance)) error {
	cancelObserve, err := s.connectUserStream(ctx, onOrder, onAccount)
	if err != nil {
		return err
	}

	go func() {
		ticker := time.NewTicker(userStreamKeepAlive)
		defer ticker.Stop()
		for {
			select {
			case <-sys.Shutdown():
				cancelObserve()
				return
			case <-ctx.Done():
				cancelObserve()
				return
			case <-ticker.C:
				if err := s.rest.KeepAliveUserStream(s.listenKey); err == nil {
					continue
				} else if errorCode(err) != codeNoSuchListenKey {
					logs.Errorf("keep user stream alive: %+v", err)
					continue
				} else {
					logs.Errorf("listen key lost, resubscribing")
				}
				cancelObserve()
				next, err := s.connectUserStream(ctx, onOrder, onAccount)
				if err != nil {
					logs.Errorf("resubscribe user stream: %+v", err)
					continue
				}
				cancelObserve = next
			}
		}
	}()
	return nil
}

// connectUserStream obtains a listen key, dials the keyed stream endpoint
// and starts the dispatch goroutine.
func (s *Streams) connectUserStream(ctx context.Context, onOrder func(OrderUpdate), onAccount func([]model.Balance)) (func(), error) {
	listenKey, err := s.rest.StartUserStream()
	if err != nil {
		return nil, err
	}
	s.listenKey = listenKey

	userWss := ws.New(ctx, s.streamURL+"/"+listenKey)
	if err := userWss.Start(ctx); err != nil {
		return nil, errors.Wrap(err, "start user stream")
	}

	ch, cancel := userWss.Subscribe()
	go func() {
		defer cancel()
		for {
			select {
			case <-sys.Shutdown():
				userWss.Close()
				return
			case <-ctx.Done():
				userWss.Close()
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				s.dispatchUserEvent(m, onOrder, onAccount)
			}
		}
	}()
	return func() { userWss.Close() }, nil
}

func (s *Streams) dispatchUserEvent(m ws.Message, onOrder func(OrderUpdate), onAccount func([]model.Balance)) {
	header, ok := ws.ReadMessage[listenKeyExpiredEvent](m)
	if !ok {
		return
	}
	switch header.EventType {
	case "listenKeyExpired":
		logs.Errorf("listen key is about to expire")
	case "ORDER_TRADE_UPDATE":
		event, ok := ws.ReadMessage[orderTradeUpdateEvent](m)
		if !ok || onOrder == nil {
			return
		}
		update, err := parseOrderUpdate(event)
		if err != nil {
			logs.Errorf("parse order update: %+v", err)
			return
		}
		onOrder(update)
	case "ACCOUNT_UPDATE":
		event, ok := ws.ReadMessage[accountUpdateEvent](m)
		if !ok || onAccount == nil {
			return
		}
		balances := make([]model.Balance, 0, len(event.Update.Balances))
		for _, b := range event.Update.Balances {
			wallet, err := decimal.NewFromString(b.Wallet)
			if err != nil {
				logs.Errorf("parse account balance %q: %v", b.Wallet, err)
				return
			}
			balances = append(balances, model.Balance{Asset: b.Asset, WalletBalance: wallet, Available: wallet})
		}
		onAccount(balances)
	}
}

func parseOrderUpdate(event orderTradeUpdateEvent) (OrderUpdate, error) {
	o := event.Order
	quantity, err := decimal.NewFromString(o.Quantity)
	if err != nil {
		return OrderUpdate{}, errors.Wrapf(err, "quantity %q", o.Quantity)
	}
	price, err := decimal.NewFromString(o.Price)
	if err != nil {
		return OrderUpdate{}, errors.Wrapf(err, "price %q", o.Price)
	}
	filled, err := decimal.NewFromString(o.Filled)
	if err != nil {
		return OrderUpdate{}, errors.Wrapf(err, "filled volume %q", o.Filled)
	}
	eventTime := time.UnixMilli(o.TradeTime).UTC()

	update := OrderUpdate{
		Order: model.Order{
			ID:           o.OrderID,
			Symbol:       o.Symbol,
			Side:         enum.ParseOrderSide(o.Side),
			Status:       enum.ParseOrderStatus(o.Status),
			Quantity:     quantity,
			Price:        price,
			FilledVolume: filled,
			Created:      eventTime,
			Updated:      eventTime,
		},
		ExecutionType: o.ExecutionType,
	}
	if o.ExecutionType == "TRADE" {
		lastQty, err := decimal.NewFromString(o.LastFilledQty)
		if err != nil {
			return OrderUpdate{}, errors.Wrapf(err, "last filled quantity %q", o.LastFilledQty)
		}
		lastPx, err := decimal.NewFromString(o.LastFilledPx)
		if err != nil {
			return OrderUpdate{}, errors.Wrapf(err, "last filled price %q", o.LastFilledPx)
		}
		update.Fill = &model.Fill{
			OrderID:  o.OrderID,
			Symbol:   o.Symbol,
			Side:     update.Order.Side,
			Price:    lastPx,
			Quantity: lastQty,
			Maker:    o.Maker,
			Time:     eventTime,
		}
	}
	return update, nil
}
