package execution

import (
	"context"

	"kis-exit-engine/internal/model"
	"kis-exit-engine/pkg/kis"
)

// KISBroker adapts the KIS REST client to the engine's Broker port.
type KISBroker struct {
	client *kis.Client
}

// NewKISBroker wraps an authenticated KIS client.
func NewKISBroker(client *kis.Client) *KISBroker {
	return &KISBroker{client: client}
}

// PlaceOrder submits a cash order. price == 0 sends a market order.
func (b *KISBroker) PlaceOrder(ctx context.Context, side model.Side, code string, qty, price int64) (string, error) {
	if side == model.SideBuy {
		return b.client.PlaceBuyOrder(ctx, code, qty, price)
	}
	return b.client.PlaceSellOrder(ctx, code, qty, price)
}

// CancelOrder cancels the unfilled remainder of a working order.
func (b *KISBroker) CancelOrder(ctx context.Context, brokerID, code string, qty int64) error {
	return b.client.CancelOrder(ctx, brokerID, code, qty)
}

// OrderFill looks the order up in today's executions.
func (b *KISBroker) OrderFill(ctx context.Context, brokerID string) (model.FillStatus, error) {
	st, err := b.client.InquireOrder(ctx, brokerID)
	if err != nil {
		return model.FillStatus{}, err
	}
	return model.FillStatus{
		OrderQty:  st.OrderQty,
		FilledQty: st.FilledQty,
		AvgPrice:  st.AvgPrice,
	}, nil
}

// CurrentPrice quotes the last traded price.
func (b *KISBroker) CurrentPrice(ctx context.Context, code string) (int64, error) {
	return b.client.CurrentPrice(ctx, code)
}

// InvalidateToken drops the cached access token so the next call mints a
// fresh one. The gateway calls this when the broker reports an auth error.
func (b *KISBroker) InvalidateToken() {
	b.client.InvalidateToken()
}

// EnsureToken mints an access token if none is cached.
func (b *KISBroker) EnsureToken(ctx context.Context) error {
	return b.client.EnsureToken(ctx)
}
