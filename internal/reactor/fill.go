package reactor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/Rajchodisetti/polymarket-bot/internal/adapters"
	"github.com/Rajchodisetti/polymarket-bot/internal/observ"
)

// CommissionTaker is the slice of the commission service the fill reactor
// needs. ProcessFill must never surface errors to the user.
type CommissionTaker interface {
	ProcessFill(ctx context.Context, userID, dbOrderID int64, side string, tradeAmount float64)
}

// orderUpdateEvent is an order-lifecycle frame from the user channel, with
// the feed's known key aliases.
type orderUpdateEvent struct {
	EventType string `json:"event_type"`
	Type      string `json:"type"`

	OrderID  string `json:"order_id"`
	OrderID2 string `json:"orderId"`
	ID       string `json:"id"`

	Status      string `json:"status"`
	OrderStatus string `json:"order_status"`

	FilledSize flexFloat `json:"filled_size"`
	Size       flexFloat `json:"size"`
	Price      flexFloat `json:"price"`
}

func (e orderUpdateEvent) kind() string    { return strings.ToLower(coalesce(e.EventType, e.Type)) }
func (e orderUpdateEvent) orderID() string { return coalesce(e.OrderID, e.OrderID2, e.ID) }
func (e orderUpdateEvent) status() string {
	return strings.ToUpper(coalesce(e.Status, e.OrderStatus))
}

// FillReactor watches the user's own order updates for limit-order fills.
// A fill triggers commission collection, a local status update, and a user
// notification. Each (orderID, status) pair is processed at most once.
type FillReactor struct {
	store      adapters.Store
	commission CommissionTaker
	notifier   adapters.Notifier
	seen       *SeenSet

	mu        sync.Mutex
	monitored map[string]adapters.MonitoredOrder // exchange order id -> order
}

func NewFillReactor(store adapters.Store, commission CommissionTaker, notifier adapters.Notifier) *FillReactor {
	return &FillReactor{
		store:      store,
		commission: commission,
		notifier:   notifier,
		seen:       NewSeenSet(DefaultDedupeMax, DefaultDedupeKeep),
		monitored:  map[string]adapters.MonitoredOrder{},
	}
}

// RefreshMonitoredOrders reloads the open-order map from the store.
func (r *FillReactor) RefreshMonitoredOrders(ctx context.Context) error {
	orders, err := r.store.MonitoredOrders(ctx)
	if err != nil {
		return fmt.Errorf("load monitored orders: %w", err)
	}
	r.mu.Lock()
	r.monitored = make(map[string]adapters.MonitoredOrder, len(orders))
	for _, o := range orders {
		if o.ExchangeOrderID != "" {
			r.monitored[o.ExchangeOrderID] = o
		}
	}
	count := len(r.monitored)
	r.mu.Unlock()
	observ.Log("fill_orders_refreshed", map[string]any{"count": count})
	return nil
}

// MonitorOrder adds a freshly placed limit order to the watch map.
func (r *FillReactor) MonitorOrder(order adapters.MonitoredOrder) {
	if order.ExchangeOrderID == "" {
		return
	}
	r.mu.Lock()
	r.monitored[order.ExchangeOrderID] = order
	r.mu.Unlock()
}

// ForgetOrder drops an order (cancelled or processed elsewhere).
func (r *FillReactor) ForgetOrder(exchangeOrderID string) {
	r.mu.Lock()
	delete(r.monitored, exchangeOrderID)
	r.mu.Unlock()
}

// HandleFrame consumes one user-channel frame.
func (r *FillReactor) HandleFrame(ctx context.Context, raw []byte) error {
	var ev orderUpdateEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return fmt.Errorf("decode order update: %w", err)
	}

	switch ev.kind() {
	case "order_filled", "fill", "trade", "order_update":
	default:
		return nil
	}

	orderID := ev.orderID()
	if orderID == "" {
		return nil
	}

	r.mu.Lock()
	order, tracked := r.monitored[orderID]
	r.mu.Unlock()
	if !tracked {
		return nil
	}

	status := ev.status()
	if status != "FILLED" && status != "MATCHED" {
		// Order-update frames carry non-fill statuses too; only fill-family
		// event types count without an explicit fill status.
		switch ev.kind() {
		case "fill", "order_filled", "trade":
		default:
			return nil
		}
	}

	if r.seen.Seen(orderID + "_" + status) {
		observ.IncCounter("fills_deduped_total", nil)
		return nil
	}

	filledSize := float64(ev.FilledSize)
	if filledSize == 0 {
		filledSize = float64(ev.Size)
	}
	if filledSize == 0 {
		filledSize = order.Size
	}
	price := float64(ev.Price)
	if price == 0 {
		price = order.Price
	}
	tradeAmount := filledSize
	if price > 0 {
		tradeAmount = filledSize * price
	}

	observ.Log("limit_order_filled", map[string]any{
		"order_id": orderID, "db_order_id": order.DBOrderID, "amount": tradeAmount,
	})
	observ.IncCounter("fills_processed_total", nil)

	r.commission.ProcessFill(ctx, order.UserID, order.DBOrderID, order.Side, tradeAmount)

	if err := r.store.UpdateOrderStatus(ctx, order.DBOrderID, "FILLED"); err != nil {
		observ.Log("fill_status_update_failed", map[string]any{"db_order_id": order.DBOrderID, "error": err.Error()})
	}
	r.ForgetOrder(orderID)

	question := order.MarketQuestion
	if question == "" {
		question = "Unknown Market"
	}
	r.notifier.Send(ctx, order.UserID, fmt.Sprintf(
		"✅ *Limit Order Filled!*\n\n📊 %s\n📈 %s\n💵 Amount: `$%.2f`\n\nYour order has been executed.",
		truncate(question, 50), order.Side, tradeAmount))
	return nil
}
