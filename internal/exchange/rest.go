package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/perpfleet/engine/internal/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const defaultTimeout = 10 * time.Second

// RESTClient is a hand-rolled REST client against a perpetual-futures
// exchange's HTTP API, structured the way the fleet's legacy brokerage
// client was: a single *http.Client, a base URL switch for sandbox vs.
// live, and one do helper every endpoint method funnels through.
type RESTClient struct {
	client    *http.Client
	baseURL   string
	apiKey    string
	apiSecret string
	log       *logrus.Entry
}

// NewRESTClient builds a client against either the sandbox or live base URL.
func NewRESTClient(apiKey, apiSecret string, sandbox bool, log *logrus.Entry) *RESTClient {
	baseURL := "https://api.perpfleet.example/v1"
	if sandbox {
		baseURL = "https://sandbox.perpfleet.example/v1"
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &RESTClient{
		client:    &http.Client{Timeout: defaultTimeout},
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		apiSecret: apiSecret,
		log:       log.WithField("component", "exchange"),
	}
}

// WithHTTPClient overrides the underlying *http.Client, used by tests to
// inject a client pointed at an httptest.Server.
func (c *RESTClient) WithHTTPClient(h *http.Client) *RESTClient {
	c.client = h
	return c
}

// WithBaseURL overrides the base URL, used by tests.
func (c *RESTClient) WithBaseURL(u string) *RESTClient {
	c.baseURL = strings.TrimRight(u, "/")
	return c
}

func (c *RESTClient) GetMarkets(ctx context.Context) ([]models.Market, error) {
	var raw []struct {
		Symbol      string `json:"symbol"`
		TickSize    string `json:"tickSize"`
		StepSize    string `json:"stepSize"`
		MinNotional string `json:"minNotional"`
		MaxLeverage int    `json:"maxLeverage"`
	}
	if err := c.get(ctx, "/markets", nil, &raw); err != nil {
		return nil, wrapErr("getMarkets", err)
	}
	out := make([]models.Market, 0, len(raw))
	for _, m := range raw {
		out = append(out, models.Market{
			Symbol:      m.Symbol,
			TickSize:    mustDecimal(m.TickSize),
			StepSize:    mustDecimal(m.StepSize),
			MinNotional: mustDecimal(m.MinNotional),
			MaxLeverage: m.MaxLeverage,
		})
	}
	return out, nil
}

func (c *RESTClient) GetAllMarkPrices(ctx context.Context) (map[string]float64, error) {
	var raw []struct {
		Symbol    string `json:"symbol"`
		MarkPrice string `json:"markPrice"`
	}
	if err := c.get(ctx, "/markets/mark-prices", nil, &raw); err != nil {
		return nil, wrapErr("getAllMarkPrices", err)
	}
	out := make(map[string]float64, len(raw))
	for _, p := range raw {
		v, _ := strconv.ParseFloat(p.MarkPrice, 64)
		out[p.Symbol] = v
	}
	return out, nil
}

func (c *RESTClient) GetKLines(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", timeframe)
	params.Set("limit", strconv.Itoa(limit))

	var raw [][]json.Number
	if err := c.get(ctx, "/markets/klines", params, &raw); err != nil {
		return nil, wrapErr("getKLines", err)
	}
	out := make([]Candle, 0, len(raw))
	for _, row := range raw {
		if len(row) < 6 {
			continue
		}
		openTime, _ := row[0].Int64()
		o, _ := row[1].Float64()
		h, _ := row[2].Float64()
		l, _ := row[3].Float64()
		cl, _ := row[4].Float64()
		v, _ := row[5].Float64()
		out = append(out, Candle{OpenTime: openTime, Open: o, High: h, Low: l, Close: cl, Volume: v})
	}
	return out, nil
}

func (c *RESTClient) GetAccount(ctx context.Context) (*models.AccountSnapshot, error) {
	var raw struct {
		Collateral         string `json:"collateral"`
		AvailableBalance   string `json:"availableBalance"`
		NetEquityAvailable string `json:"netEquityAvailable"`
		MakerFee           string `json:"makerFee"`
	}
	if err := c.get(ctx, "/account", nil, &raw); err != nil {
		return nil, wrapErr("getAccount", err)
	}
	positions, err := c.GetOpenPositions(ctx)
	if err != nil {
		return nil, err
	}
	orders, err := c.GetOpenOrders(ctx, "")
	if err != nil {
		return nil, err
	}
	return &models.AccountSnapshot{
		Collateral:         mustDecimal(raw.Collateral),
		AvailableBalance:   mustDecimal(raw.AvailableBalance),
		NetEquityAvailable: mustDecimal(raw.NetEquityAvailable),
		MakerFee:           mustDecimal(raw.MakerFee),
		Positions:          positions,
		OpenOrders:         orders,
		FetchedAt:          time.Now().UTC(),
	}, nil
}

func (c *RESTClient) GetCollateral(ctx context.Context) (float64, error) {
	snap, err := c.GetAccount(ctx)
	if err != nil {
		return 0, err
	}
	f, _ := snap.Collateral.Float64()
	return f, nil
}

func (c *RESTClient) GetOpenOrders(ctx context.Context, symbol string) ([]models.OpenOrder, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	var raw []struct {
		OrderID   string `json:"orderId"`
		ClientID  string `json:"clientOrderId"`
		Symbol    string `json:"symbol"`
		Side      string `json:"side"`
		Type      string `json:"type"`
		Price     string `json:"price"`
		StopPrice string `json:"stopPrice"`
		Quantity  string `json:"quantity"`
		FilledQty string `json:"filledQty"`
		Status    string `json:"status"`
		CreatedAt int64  `json:"createdAt"`
	}
	if err := c.get(ctx, "/orders/open", params, &raw); err != nil {
		return nil, wrapErr("getOpenOrders", err)
	}
	out := make([]models.OpenOrder, 0, len(raw))
	for _, o := range raw {
		out = append(out, models.OpenOrder{
			OrderID:   o.OrderID,
			ClientID:  o.ClientID,
			Symbol:    o.Symbol,
			Side:      models.Side(o.Side),
			Type:      models.OrderType(o.Type),
			Price:     mustDecimal(o.Price),
			StopPrice: mustDecimal(o.StopPrice),
			Quantity:  mustDecimal(o.Quantity),
			FilledQty: mustDecimal(o.FilledQty),
			Status:    models.OrderStatus(o.Status),
			CreatedAt: time.UnixMilli(o.CreatedAt).UTC(),
		})
	}
	return out, nil
}

func (c *RESTClient) GetOpenPositions(ctx context.Context) ([]models.OpenPosition, error) {
	var raw []struct {
		Symbol        string `json:"symbol"`
		Side          string `json:"side"`
		Quantity      string `json:"quantity"`
		EntryPrice    string `json:"entryPrice"`
		MarkPrice     string `json:"markPrice"`
		UnrealizedPnL string `json:"unrealizedPnl"`
		Leverage      int    `json:"leverage"`
		OpenedAt      int64  `json:"openedAt"`
	}
	if err := c.get(ctx, "/positions", nil, &raw); err != nil {
		return nil, wrapErr("getOpenPositions", err)
	}
	out := make([]models.OpenPosition, 0, len(raw))
	for _, p := range raw {
		out = append(out, models.OpenPosition{
			Symbol:        p.Symbol,
			Side:          models.Side(p.Side),
			Quantity:      mustDecimal(p.Quantity),
			EntryPrice:    mustDecimal(p.EntryPrice),
			MarkPrice:     mustDecimal(p.MarkPrice),
			UnrealizedPnL: mustDecimal(p.UnrealizedPnL),
			Leverage:      p.Leverage,
			OpenedAt:      time.UnixMilli(p.OpenedAt).UTC(),
		})
	}
	return out, nil
}

func (c *RESTClient) GetFillHistory(ctx context.Context, symbol string, limit int) ([]models.Fill, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("limit", strconv.Itoa(limit))
	var raw []struct {
		TradeID  string `json:"tradeId"`
		OrderID  string `json:"orderId"`
		ClientID string `json:"clientOrderId"`
		Symbol   string `json:"symbol"`
		Side     string `json:"side"`
		Price    string `json:"price"`
		Quantity string `json:"quantity"`
		Fee      string `json:"fee"`
		Time     int64  `json:"time"`
	}
	if err := c.get(ctx, "/fills", params, &raw); err != nil {
		return nil, wrapErr("getFillHistory", err)
	}
	out := make([]models.Fill, 0, len(raw))
	for _, f := range raw {
		out = append(out, models.Fill{
			TradeID:  f.TradeID,
			OrderID:  f.OrderID,
			ClientID: f.ClientID,
			Symbol:   f.Symbol,
			Side:     models.Side(f.Side),
			Price:    mustDecimal(f.Price),
			Quantity: mustDecimal(f.Quantity),
			Fee:      mustDecimal(f.Fee),
			Time:     time.UnixMilli(f.Time).UTC(),
		})
	}
	return out, nil
}

func (c *RESTClient) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*models.OpenOrder, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("clientOrderId", req.ClientID)
	params.Set("side", string(req.Side))
	params.Set("type", string(req.Type))
	params.Set("quantity", req.Quantity)
	if req.Price != "" {
		params.Set("price", req.Price)
	}
	if req.StopPrice != "" {
		params.Set("stopPrice", req.StopPrice)
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	if req.PostOnly {
		params.Set("postOnly", "true")
	}
	if req.StopLossTriggerPrice != "" {
		params.Set("stopLossTriggerPrice", req.StopLossTriggerPrice)
	}
	if req.TimeInForce != "" {
		params.Set("timeInForce", req.TimeInForce)
	}
	if req.SelfTradePrevention != "" {
		params.Set("selfTradePrevention", req.SelfTradePrevention)
	}

	var raw struct {
		OrderID   string `json:"orderId"`
		ClientID  string `json:"clientOrderId"`
		Symbol    string `json:"symbol"`
		Side      string `json:"side"`
		Type      string `json:"type"`
		Price     string `json:"price"`
		StopPrice string `json:"stopPrice"`
		Quantity  string `json:"quantity"`
		FilledQty string `json:"filledQty"`
		Status    string `json:"status"`
		CreatedAt int64  `json:"createdAt"`
	}
	if err := c.post(ctx, "/orders", params, &raw); err != nil {
		return nil, wrapErr("placeOrder", err)
	}
	return &models.OpenOrder{
		OrderID:   raw.OrderID,
		ClientID:  raw.ClientID,
		Symbol:    raw.Symbol,
		Side:      models.Side(raw.Side),
		Type:      models.OrderType(raw.Type),
		Price:     mustDecimal(raw.Price),
		StopPrice: mustDecimal(raw.StopPrice),
		Quantity:  mustDecimal(raw.Quantity),
		FilledQty: mustDecimal(raw.FilledQty),
		Status:    models.OrderStatus(raw.Status),
		CreatedAt: time.UnixMilli(raw.CreatedAt).UTC(),
	}, nil
}

func (c *RESTClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	endpoint := fmt.Sprintf("/orders/%s/%s", symbol, orderID)
	if err := c.do(ctx, http.MethodDelete, endpoint, nil, nil); err != nil {
		return wrapErr("cancelOrder", err)
	}
	return nil
}

func (c *RESTClient) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	return c.do(ctx, http.MethodGet, endpoint, nil, out)
}

func (c *RESTClient) post(ctx context.Context, path string, params url.Values, out interface{}) error {
	return c.do(ctx, http.MethodPost, c.baseURL+path, params, out)
}

// do is the single chokepoint every endpoint method funnels through, the
// same shape as the fleet's legacy makeRequestCtx helper: build the
// request, attach auth headers, classify non-2xx responses into an
// *models.ExchangeError by status code, decode the body on success.
func (c *RESTClient) do(ctx context.Context, method, endpoint string, params url.Values, out interface{}) error {
	var req *http.Request
	var err error
	if method == http.MethodPost && params != nil {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(params.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, http.NoBody)
	}
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "perpfleet-engine/1.0")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.log.WithError(cerr).Warn("failed to close response body")
		}
	}()

	if remaining := resp.Header.Get("X-RateLimit-Remaining"); remaining != "" {
		c.log.WithField("remaining", remaining).Debug("rate limit headroom")
	}

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return classifyStatus(resp.StatusCode, string(body))
	}
	if resp.StatusCode == http.StatusNoContent || out == nil {
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(out); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// classifyStatus maps an HTTP status code to the engine's error taxonomy.
func classifyStatus(status int, body string) error {
	switch {
	case status == http.StatusTooManyRequests:
		return httpError{status, body, models.KindRateLimited}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return httpError{status, body, models.KindAuth}
	case status == http.StatusNotFound:
		return httpError{status, body, models.KindNotFound}
	case status == http.StatusConflict:
		return httpError{status, body, models.KindWouldMatch}
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return httpError{status, body, models.KindValidation}
	case status >= 500:
		return httpError{status, body, models.KindTransient}
	default:
		return httpError{status, body, models.KindTransient}
	}
}

type httpError struct {
	status int
	body   string
	kind   models.ErrorKind
}

func (e httpError) Error() string {
	return fmt.Sprintf("http %d: %s", e.status, e.body)
}

func wrapErr(op string, err error) error {
	if he, ok := err.(httpError); ok {
		return models.NewExchangeError(op, he.kind, he)
	}
	return models.NewExchangeError(op, models.KindTransient, err)
}

func mustDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

var _ Client = (*RESTClient)(nil)
