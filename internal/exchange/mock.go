package exchange

import (
	"context"
	"sync"

	"github.com/perpfleet/engine/internal/models"
)

// MockClient is a hand-written fake Client driven by canned responses,
// matching the fleet's long-standing preference for hand-rolled mocks over
// generated ones.
type MockClient struct {
	mu sync.Mutex

	Markets      []models.Market
	MarkPrices   map[string]float64
	KLines       map[string][]Candle
	Account      *models.AccountSnapshot
	Collateral   float64
	OpenOrders   []models.OpenOrder
	Positions    []models.OpenPosition
	Fills        []models.Fill
	PlacedOrders []PlaceOrderRequest
	CanceledIDs  []string

	FailNext   error
	ShouldFail bool
	FailAfter  int
	callCount  int
}

func NewMockClient() *MockClient {
	return &MockClient{MarkPrices: map[string]float64{}, KLines: map[string][]Candle{}}
}

func (m *MockClient) maybeFail() error {
	m.callCount++
	if m.FailNext != nil {
		err := m.FailNext
		m.FailNext = nil
		return err
	}
	if m.ShouldFail && m.callCount > m.FailAfter {
		return models.NewExchangeError("mock", models.KindTransient, errMockFailure)
	}
	return nil
}

var errMockFailure = mockErr("mock client configured to fail")

type mockErr string

func (e mockErr) Error() string { return string(e) }

func (m *MockClient) GetMarkets(ctx context.Context) ([]models.Market, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.maybeFail(); err != nil {
		return nil, err
	}
	return m.Markets, nil
}

func (m *MockClient) GetAllMarkPrices(ctx context.Context) (map[string]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.maybeFail(); err != nil {
		return nil, err
	}
	return m.MarkPrices, nil
}

func (m *MockClient) GetKLines(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.maybeFail(); err != nil {
		return nil, err
	}
	return m.KLines[symbol], nil
}

func (m *MockClient) GetAccount(ctx context.Context) (*models.AccountSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.maybeFail(); err != nil {
		return nil, err
	}
	if m.Account == nil {
		return &models.AccountSnapshot{}, nil
	}
	return m.Account, nil
}

func (m *MockClient) GetCollateral(ctx context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.maybeFail(); err != nil {
		return 0, err
	}
	return m.Collateral, nil
}

func (m *MockClient) GetOpenOrders(ctx context.Context, symbol string) ([]models.OpenOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.maybeFail(); err != nil {
		return nil, err
	}
	if symbol == "" {
		return m.OpenOrders, nil
	}
	var out []models.OpenOrder
	for _, o := range m.OpenOrders {
		if o.Symbol == symbol {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *MockClient) GetOpenPositions(ctx context.Context) ([]models.OpenPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.maybeFail(); err != nil {
		return nil, err
	}
	return m.Positions, nil
}

func (m *MockClient) GetFillHistory(ctx context.Context, symbol string, limit int) ([]models.Fill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.maybeFail(); err != nil {
		return nil, err
	}
	var out []models.Fill
	for _, f := range m.Fills {
		if symbol == "" || f.Symbol == symbol {
			out = append(out, f)
		}
	}
	return out, nil
}

func (m *MockClient) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*models.OpenOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.maybeFail(); err != nil {
		return nil, err
	}
	m.PlacedOrders = append(m.PlacedOrders, req)
	return &models.OpenOrder{
		OrderID:  req.ClientID,
		ClientID: req.ClientID,
		Symbol:   req.Symbol,
		Side:     req.Side,
		Type:     req.Type,
		Status:   models.OrderStatusNew,
	}, nil
}

func (m *MockClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.maybeFail(); err != nil {
		return err
	}
	m.CanceledIDs = append(m.CanceledIDs, orderID)
	return nil
}

var _ Client = (*MockClient)(nil)
