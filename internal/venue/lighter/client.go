// Package lighter implements the hedge-venue client. Hedges go in as
// aggressive limit orders at the touch, closes as reduce-only market
// orders; the venue charges no fees so crossing the spread is acceptable.
package lighter

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"github.com/bitwii/standx-maker-hedger/internal/model"
	"github.com/bitwii/standx-maker-hedger/pkg/exception"
)

const (
	_orderBooksPath      = "/api/v1/orderBooks"
	_orderBookOrdersPath = "/api/v1/orderBookOrders"
	_accountPath         = "/api/v1/account"
	_createOrderPath     = "/api/v1/createOrder"
	_createMarketPath    = "/api/v1/createMarketOrder"

	_bboDepth = 10
)

var (
	_buySlippage  = decimal.RequireFromString("1.05")
	_sellSlippage = decimal.RequireFromString("0.95")
)

// Config carries the hedge-venue endpoint and API credentials.
type Config struct {
	APIURL      string
	Symbol      string
	PrivateKey  string
	AccountIdx  int
	APIKeyIndex int
}

// market is the per-instrument scaling loaded on connect. Quantities and
// prices go over the wire as scaled integers.
type market struct {
	id            int64
	sizeDecimals  int32
	priceDecimals int32
}

// Client talks to the Lighter gateway. Connect must succeed before any
// order method is used.
type Client struct {
	cfg    Config
	ticker string
	signer ed25519.PrivateKey
	http   *http.Client

	market    market
	connected atomic.Bool

	clientIndex atomic.Int64
}

func New(cfg Config) (*Client, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKey), "0x"))
	if err != nil {
		return nil, errors.Wrap(err, "decode lighter api key")
	}
	var signer ed25519.PrivateKey
	switch len(raw) {
	case ed25519.SeedSize:
		signer = ed25519.NewKeyFromSeed(raw)
	case ed25519.PrivateKeySize:
		signer = ed25519.PrivateKey(raw)
	default:
		return nil, errors.Errorf("lighter api key must be %d or %d bytes, got %d",
			ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
	}

	// StandX symbols are pair-form, Lighter tickers are the base asset.
	ticker, _, _ := strings.Cut(cfg.Symbol, "-")

	c := &Client{
		cfg:    cfg,
		ticker: ticker,
		signer: signer,
		http:   &http.Client{Timeout: 10 * time.Second},
	}
	c.clientIndex.Store(time.Now().UnixMilli() % 1_000_000)
	return c, nil
}

type orderBooksResponse struct {
	OrderBooks []struct {
		Symbol                 string `json:"symbol"`
		MarketID               int64  `json:"market_id"`
		SupportedSizeDecimals  int32  `json:"supported_size_decimals"`
		SupportedPriceDecimals int32  `json:"supported_price_decimals"`
	} `json:"order_books"`
}

// Connect loads the market scaling for the configured ticker.
func (c *Client) Connect(ctx context.Context) error {
	var resp orderBooksResponse
	if err := c.getJSON(ctx, c.cfg.APIURL+_orderBooksPath, &resp); err != nil {
		return errors.Wrap(err, "load order books")
	}

	for _, ob := range resp.OrderBooks {
		if ob.Symbol == c.ticker {
			c.market = market{
				id:            ob.MarketID,
				sizeDecimals:  ob.SupportedSizeDecimals,
				priceDecimals: ob.SupportedPriceDecimals,
			}
			c.connected.Store(true)
			logs.Infof("lighter: market %s id=%d size_decimals=%d price_decimals=%d",
				c.ticker, ob.MarketID, ob.SupportedSizeDecimals, ob.SupportedPriceDecimals)
			return nil
		}
	}
	return errors.Errorf("ticker %s not listed on lighter", c.ticker)
}

type createOrderRequest struct {
	MarketIndex       int64  `json:"market_index"`
	ClientOrderIndex  int64  `json:"client_order_index"`
	BaseAmount        int64  `json:"base_amount"`
	Price             int64  `json:"price,omitempty"`
	AvgExecutionPrice int64  `json:"avg_execution_price,omitempty"`
	IsAsk             bool   `json:"is_ask"`
	OrderType         string `json:"order_type,omitempty"`
	TimeInForce       string `json:"time_in_force,omitempty"`
	ReduceOnly        bool   `json:"reduce_only"`
	AccountIndex      int    `json:"account_index"`
	APIKeyIndex       int    `json:"api_key_index"`
}

type gatewayResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// PlaceHedgeOrder opens offsetting exposure with a limit order. A zero
// price takes the current touch: best ask for a buy, best bid for a sell.
func (c *Client) PlaceHedgeOrder(ctx context.Context, side model.Side, qty, price decimal.Decimal) error {
	if !c.connected.Load() {
		return errors.Wrap(exception.ErrStreamNotReady, "lighter not connected")
	}

	if price.IsZero() {
		bid, ask, err := c.fetchBBO(ctx)
		if err != nil {
			return err
		}
		price = ask
		if side == model.SideSell {
			price = bid
		}
	}

	req := createOrderRequest{
		MarketIndex:      c.market.id,
		ClientOrderIndex: c.nextClientIndex(),
		BaseAmount:       scale(qty, c.market.sizeDecimals),
		Price:            scale(price, c.market.priceDecimals),
		IsAsk:            side == model.SideSell,
		OrderType:        "limit",
		TimeInForce:      "good_till_time",
		AccountIndex:     c.cfg.AccountIdx,
		APIKeyIndex:      c.cfg.APIKeyIndex,
	}

	logs.Infof("lighter: hedge %s %s %s @ %s", side, qty, c.ticker, price)
	if err := c.postSigned(ctx, c.cfg.APIURL+_createOrderPath, req); err != nil {
		return errors.Wrap(err, "create hedge order")
	}
	return nil
}

// PlaceMarketCloseOrder flattens exposure with a reduce-only market order.
// The average execution price bound is set a few percent through the touch
// as slippage protection.
func (c *Client) PlaceMarketCloseOrder(ctx context.Context, side model.Side, qty decimal.Decimal) error {
	if !c.connected.Load() {
		return errors.Wrap(exception.ErrStreamNotReady, "lighter not connected")
	}

	bid, ask, err := c.fetchBBO(ctx)
	if err != nil {
		return err
	}
	bound := ask.Mul(_buySlippage)
	if side == model.SideSell {
		bound = bid.Mul(_sellSlippage)
	}

	req := createOrderRequest{
		MarketIndex:       c.market.id,
		ClientOrderIndex:  c.nextClientIndex(),
		BaseAmount:        scale(qty, c.market.sizeDecimals),
		AvgExecutionPrice: scale(bound, c.market.priceDecimals),
		IsAsk:             side == model.SideSell,
		ReduceOnly:        true,
		AccountIndex:      c.cfg.AccountIdx,
		APIKeyIndex:       c.cfg.APIKeyIndex,
	}

	logs.Infof("lighter: market close %s %s %s", side, qty, c.ticker)
	if err := c.postSigned(ctx, c.cfg.APIURL+_createMarketPath, req); err != nil {
		return errors.Wrap(err, "create market close order")
	}
	return nil
}

type accountPosition struct {
	MarketID int64           `json:"market_id"`
	Position decimal.Decimal `json:"position"`
}

type account struct {
	AvailableBalance decimal.Decimal   `json:"available_balance"`
	Positions        []accountPosition `json:"positions"`
}

type accountResponse struct {
	Accounts []account `json:"accounts"`
}

// GetPosition returns the signed position for the configured market.
func (c *Client) GetPosition(ctx context.Context) (decimal.Decimal, error) {
	acct, err := c.fetchAccount(ctx)
	if err != nil {
		return decimal.Decimal{}, err
	}
	for _, p := range acct.Positions {
		if p.MarketID == c.market.id {
			return p.Position, nil
		}
	}
	return decimal.Zero, nil
}

// GetBalance returns the available collateral balance.
func (c *Client) GetBalance(ctx context.Context) (map[string]decimal.Decimal, error) {
	acct, err := c.fetchAccount(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]decimal.Decimal{"USDC": acct.AvailableBalance}, nil
}

func (c *Client) fetchAccount(ctx context.Context) (account, error) {
	url := c.cfg.APIURL + _accountPath + "?by=index&value=" + strconv.Itoa(c.cfg.AccountIdx)

	var resp accountResponse
	if err := c.getJSON(ctx, url, &resp); err != nil {
		return account{}, errors.Wrap(err, "query account")
	}
	if len(resp.Accounts) == 0 {
		return account{}, errors.New("no lighter account data")
	}
	return resp.Accounts[0], nil
}

type orderBookOrdersResponse struct {
	Bids []struct {
		Price decimal.Decimal `json:"price"`
	} `json:"bids"`
	Asks []struct {
		Price decimal.Decimal `json:"price"`
	} `json:"asks"`
}

// fetchBBO returns the best bid and ask, rejecting crossed or empty books.
func (c *Client) fetchBBO(ctx context.Context) (bid, ask decimal.Decimal, err error) {
	url := c.cfg.APIURL + _orderBookOrdersPath +
		"?market_id=" + strconv.FormatInt(c.market.id, 10) +
		"&limit=" + strconv.Itoa(_bboDepth)

	var resp orderBookOrdersResponse
	if err := c.getJSON(ctx, url, &resp); err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, errors.Wrap(err, "fetch order book")
	}
	if len(resp.Bids) == 0 || len(resp.Asks) == 0 {
		return decimal.Decimal{}, decimal.Decimal{}, errors.New("empty lighter order book")
	}

	bid, ask = resp.Bids[0].Price, resp.Asks[0].Price
	if !bid.IsPositive() || !ask.IsPositive() || bid.GreaterThanOrEqual(ask) {
		return decimal.Decimal{}, decimal.Decimal{}, errors.Errorf("invalid bid/ask %s/%s", bid, ask)
	}
	return bid, ask, nil
}

func (c *Client) nextClientIndex() int64 {
	return c.clientIndex.Add(1) % 1_000_000
}

// scale converts a decimal into the venue's integer representation.
func scale(d decimal.Decimal, decimals int32) int64 {
	return d.Shift(decimals).IntPart()
}

// postSigned sends a signed order payload. The body signature covers the
// exact bytes on the wire.
func (c *Client) postSigned(ctx context.Context, url string, body createOrderRequest) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "marshal order payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Account-Index", strconv.Itoa(c.cfg.AccountIdx))
	req.Header.Set("X-Api-Key-Index", strconv.Itoa(c.cfg.APIKeyIndex))
	req.Header.Set("X-Signature", hex.EncodeToString(ed25519.Sign(c.signer, payload)))

	return c.doJSON(req, nil)
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	return c.doJSON(req, out)
}

func (c *Client) doJSON(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(exception.ErrTransientNetwork, err.Error())
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.Wrap(err, "read response body")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Wrapf(exception.ErrInResponseError, "status %d: %s", resp.StatusCode, raw)
	}

	var gw gatewayResponse
	if err := json.Unmarshal(raw, &gw); err == nil && gw.Code != 0 && gw.Code != http.StatusOK {
		return errors.Wrapf(exception.ErrInResponseError, "code %d: %s", gw.Code, gw.Message)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.Wrapf(err, "decode response: %s", raw)
	}
	return nil
}
