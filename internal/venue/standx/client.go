// Package standx implements the maker-venue client: REST order entry over
// the perps gateway plus the authenticated order-update stream.
package standx

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"github.com/bitwii/standx-maker-hedger/internal/model"
)

const (
	_newOrderPath        = "/api/new_order"
	_cancelOrdersPath    = "/api/cancel_orders"
	_queryOpenOrdersPath = "/api/query_open_orders"
	_queryPositionsPath  = "/api/query_positions"
	_querySymbolPrice    = "/api/query_symbol_price"
)

// Config carries venue endpoints and the wallet secret.
type Config struct {
	TradeURL   string
	AuthURL    string
	StreamURL  string
	Chain      string
	Symbol     string
	PrivateKey string
}

// Client talks to the StandX perps gateway. Safe for concurrent use; the
// token is guarded because the stream goroutine and control loop share it.
type Client struct {
	cfg    Config
	wallet wallet
	http   *http.Client

	mu    sync.RWMutex
	token string
}

func New(cfg Config) (*Client, error) {
	w, err := newWallet(cfg.PrivateKey)
	if err != nil {
		return nil, errors.Wrap(err, "standx wallet")
	}
	if cfg.Chain == "" {
		cfg.Chain = "solana"
	}
	return &Client{
		cfg:    cfg,
		wallet: w,
		http:   &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// Connect performs the signin flow and stores the session token.
func (c *Client) Connect(ctx context.Context) (string, error) {
	token, err := c.login(ctx)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.token = token
	c.mu.Unlock()

	logs.Infof("standx: login success, wallet %.10s...", c.wallet.address())
	return token, nil
}

func (c *Client) sessionToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

type newOrderRequest struct {
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderType   string `json:"order_type"`
	Qty         string `json:"qty"`
	Price       string `json:"price"`
	TimeInForce string `json:"time_in_force"`
	ReduceOnly  bool   `json:"reduce_only"`
	ClOrdID     string `json:"cl_ord_id"`
}

type newOrderResponse struct {
	RequestID flexString `json:"request_id"`
}

// PlaceOrder submits a GTC limit order and returns the venue order id.
func (c *Client) PlaceOrder(ctx context.Context, side model.Side, price, qty decimal.Decimal, clientID string) (string, error) {
	req := newOrderRequest{
		Symbol:      c.cfg.Symbol,
		Side:        side.String(),
		OrderType:   "limit",
		Qty:         qty.String(),
		Price:       price.String(),
		TimeInForce: "gtc",
		ClOrdID:     clientID,
	}

	var resp newOrderResponse
	if err := c.postJSON(ctx, c.cfg.TradeURL+_newOrderPath, c.sessionToken(), req, &resp); err != nil {
		return "", errors.Wrap(err, "place order").With("clientID", clientID)
	}
	venueID := string(resp.RequestID)
	if venueID == "" {
		venueID = clientID
	}
	return venueID, nil
}

// CancelOrders cancels the given venue order ids. Non-numeric ids are
// skipped; those are client ids the venue never accepted.
func (c *Client) CancelOrders(ctx context.Context, venueIDs []string) error {
	ids := make([]int64, 0, len(venueIDs))
	for _, id := range venueIDs {
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			logs.Warnf("standx: skipping non-numeric order id %q in cancel", id)
			continue
		}
		ids = append(ids, n)
	}
	if len(ids) == 0 {
		return nil
	}

	body := map[string]any{"order_id_list": ids}
	if err := c.postJSON(ctx, c.cfg.TradeURL+_cancelOrdersPath, c.sessionToken(), body, nil); err != nil {
		return errors.Wrap(err, "cancel orders")
	}
	logs.Infof("standx: cancelled %d orders", len(ids))
	return nil
}

type openOrdersResponse struct {
	Result []orderRecord `json:"result"`
}

// QueryOpenOrders returns the venue's view of resting orders in canonical
// form.
func (c *Client) QueryOpenOrders(ctx context.Context) ([]model.OrderEvent, error) {
	u := c.cfg.TradeURL + _queryOpenOrdersPath + "?symbol=" + url.QueryEscape(c.cfg.Symbol)

	var resp openOrdersResponse
	if err := c.getJSON(ctx, u, c.sessionToken(), &resp); err != nil {
		return nil, errors.Wrap(err, "query open orders")
	}

	events := make([]model.OrderEvent, 0, len(resp.Result))
	for _, rec := range resp.Result {
		e, err := rec.canonical()
		if err != nil {
			return nil, errors.Wrap(err, "decode open order")
		}
		events = append(events, e)
	}
	return events, nil
}

type positionRecord struct {
	Symbol string          `json:"symbol"`
	Status string          `json:"status"`
	Qty    decimal.Decimal `json:"qty"`
}

// QueryPosition returns the signed open position for the traded symbol.
func (c *Client) QueryPosition(ctx context.Context) (decimal.Decimal, error) {
	u := c.cfg.TradeURL + _queryPositionsPath + "?symbol=" + url.QueryEscape(c.cfg.Symbol)

	var positions []positionRecord
	if err := c.getJSON(ctx, u, c.sessionToken(), &positions); err != nil {
		return decimal.Decimal{}, errors.Wrap(err, "query positions")
	}
	for _, p := range positions {
		if p.Symbol == c.cfg.Symbol && p.Status == "open" {
			return p.Qty, nil
		}
	}
	return decimal.Zero, nil
}

type symbolPriceResponse struct {
	MarkPrice decimal.Decimal `json:"mark_price"`
	SpreadBid decimal.Decimal `json:"spread_bid"`
	SpreadAsk decimal.Decimal `json:"spread_ask"`
}

// QueryMarkPrice returns the current mark price.
func (c *Client) QueryMarkPrice(ctx context.Context) (decimal.Decimal, error) {
	u := c.cfg.TradeURL + _querySymbolPrice + "?symbol=" + url.QueryEscape(c.cfg.Symbol)

	var resp symbolPriceResponse
	if err := c.getJSON(ctx, u, "", &resp); err != nil {
		return decimal.Decimal{}, errors.Wrap(err, "query symbol price")
	}
	return resp.MarkPrice, nil
}
