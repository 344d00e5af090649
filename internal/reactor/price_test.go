package reactor

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/polymarket-bot/internal/adapters"
)

type fakeSubscriber struct {
	mu           sync.Mutex
	subscribed   []string
	unsubscribed []string
}

func (f *fakeSubscriber) Subscribe(conn string, keys ...string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, keys...)
	return true
}

func (f *fakeSubscriber) Unsubscribe(conn string, keys ...string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, keys...)
	return true
}

func priceFrame(token string, price float64) []byte {
	return []byte(fmt.Sprintf(`{"event_type":"price_change","asset_id":"%s","price":"%g"}`, token, price))
}

func newPriceFixture() (*PriceReactor, *adapters.MemoryStore, *adapters.RecordingExchange, *adapters.RecordingNotifier) {
	store := adapters.NewMemoryStore()
	exchange := &adapters.RecordingExchange{Result: adapters.OrderResult{Success: true, OrderID: "ex-1", DBOrderID: 42}}
	notifier := &adapters.RecordingNotifier{}
	r := NewPriceReactor(store, exchange, notifier, &fakeSubscriber{}, "market")
	return r, store, exchange, notifier
}

func TestStopLossFiresAtMostOnce(t *testing.T) {
	r, store, exchange, notifier := newPriceFixture()
	ctx := context.Background()

	store.Positions[7] = adapters.Position{
		ID: 7, UserID: 1, TokenID: "tok", ConditionID: "cond", Outcome: "Yes",
		Size: 100, MarketQuestion: "Will it rain?",
	}
	r.AddStopLoss(adapters.StopLossRule{
		ID: 3, UserID: 1, PositionID: 7, TokenID: "tok",
		TriggerPrice: 0.40, SellPercentage: 50, Active: true,
	})

	require.NoError(t, r.HandleFrame(ctx, priceFrame("tok", 0.39)))
	require.NoError(t, r.HandleFrame(ctx, priceFrame("tok", 0.35)))

	assert.Equal(t, 1, exchange.CallCount(), "stop-loss sold more than once")
	sell := exchange.Calls[0]
	assert.Equal(t, "SELL", sell.Side)
	assert.InDelta(t, 50.0, sell.AmountUSD, 1e-9) // 50% of 100 shares

	assert.Equal(t, []int64{3}, store.DeactivatedSLs)
	assert.InDelta(t, 50.0, store.Positions[7].Size, 1e-9)
	require.Len(t, notifier.Sent(), 1)
	assert.Contains(t, notifier.Sent()[0].Text, "Stop-loss executed")
}

func TestStopLossOnlyArmsOnDownwardMove(t *testing.T) {
	r, store, exchange, _ := newPriceFixture()
	ctx := context.Background()

	store.Positions[7] = adapters.Position{ID: 7, UserID: 1, TokenID: "tok", Size: 10}

	// Establish a price below the trigger before the rule exists, then add
	// the rule and move upward while still below the trigger.
	require.NoError(t, r.HandleFrame(ctx, priceFrame("tok", 0.30)))
	r.AddStopLoss(adapters.StopLossRule{ID: 3, UserID: 1, PositionID: 7, TokenID: "tok", TriggerPrice: 0.40, SellPercentage: 100, Active: true})
	require.NoError(t, r.HandleFrame(ctx, priceFrame("tok", 0.35)))

	assert.Equal(t, 0, exchange.CallCount(), "stop-loss fired on an upward tick")

	// The next downward tick at or below the trigger fires it.
	require.NoError(t, r.HandleFrame(ctx, priceFrame("tok", 0.32)))
	assert.Equal(t, 1, exchange.CallCount())
}

func TestStopLossSellFailureStillDisarms(t *testing.T) {
	r, store, exchange, notifier := newPriceFixture()
	exchange.Result = adapters.OrderResult{Success: false, Err: "insufficient balance"}
	ctx := context.Background()

	store.Positions[7] = adapters.Position{ID: 7, UserID: 1, TokenID: "tok", Size: 100, MarketQuestion: "Q"}
	r.AddStopLoss(adapters.StopLossRule{ID: 3, UserID: 1, PositionID: 7, TokenID: "tok", TriggerPrice: 0.40, SellPercentage: 50, Active: true})

	require.NoError(t, r.HandleFrame(ctx, priceFrame("tok", 0.39)))
	require.NoError(t, r.HandleFrame(ctx, priceFrame("tok", 0.38)))

	// One failed attempt, no retry on the next tick, position untouched.
	assert.Equal(t, 1, exchange.CallCount())
	assert.Equal(t, []int64{3}, store.DeactivatedSLs)
	assert.InDelta(t, 100.0, store.Positions[7].Size, 1e-9)
	require.Len(t, notifier.Sent(), 1)
	assert.Contains(t, notifier.Sent()[0].Text, "insufficient balance")
}

func TestMarkPriceOnlyForOpenPositions(t *testing.T) {
	r, store, _, _ := newPriceFixture()
	ctx := context.Background()

	r.AddPosition("held")
	require.NoError(t, r.HandleFrame(ctx, priceFrame("held", 0.55)))
	require.NoError(t, r.HandleFrame(ctx, priceFrame("stranger", 0.10)))

	assert.InDelta(t, 0.55, store.MarkPrices["held"], 1e-9)
	_, ok := store.MarkPrices["stranger"]
	assert.False(t, ok, "unwatched token wrote a mark price")
}

func TestPriceAlertCrossing(t *testing.T) {
	r, store, _, notifier := newPriceFixture()
	ctx := context.Background()

	// Seed a price below the target so the alert needs a genuine crossing.
	require.NoError(t, r.HandleFrame(ctx, priceFrame("tok", 0.50)))
	r.AddAlert(adapters.PriceAlert{ID: 9, UserID: 2, TokenID: "tok", TargetPrice: 0.60, Direction: adapters.AlertAbove})

	// Still below: nothing.
	require.NoError(t, r.HandleFrame(ctx, priceFrame("tok", 0.59)))
	assert.Empty(t, notifier.Sent())

	// Crossing fires once; the alert is spent.
	require.NoError(t, r.HandleFrame(ctx, priceFrame("tok", 0.61)))
	require.NoError(t, r.HandleFrame(ctx, priceFrame("tok", 0.65)))

	require.Len(t, notifier.Sent(), 1)
	assert.Contains(t, notifier.Sent()[0].Text, "Price alert")
	assert.Equal(t, []int64{9}, store.TriggeredAlerts)
}

func TestPriceAlertBelowDirection(t *testing.T) {
	r, _, _, notifier := newPriceFixture()
	ctx := context.Background()

	require.NoError(t, r.HandleFrame(ctx, priceFrame("tok", 0.50)))
	r.AddAlert(adapters.PriceAlert{ID: 9, UserID: 2, TokenID: "tok", TargetPrice: 0.40, Direction: adapters.AlertBelow})

	require.NoError(t, r.HandleFrame(ctx, priceFrame("tok", 0.45)))
	assert.Empty(t, notifier.Sent())

	require.NoError(t, r.HandleFrame(ctx, priceFrame("tok", 0.40)))
	require.Len(t, notifier.Sent(), 1)
}

func TestHandleFrameIgnoresOtherEvents(t *testing.T) {
	r, store, _, _ := newPriceFixture()
	ctx := context.Background()

	r.AddPosition("tok")
	require.NoError(t, r.HandleFrame(ctx, []byte(`{"event_type":"book","asset_id":"tok"}`)))
	require.NoError(t, r.HandleFrame(ctx, []byte(`{"event_type":"price_change","asset_id":"tok"}`))) // no price
	assert.Error(t, r.HandleFrame(ctx, []byte(`{"event_type":"price_change","asset_id":"tok","price":"abc"}`)))
	assert.Empty(t, store.MarkPrices)
}

func TestRefreshRebuildsIndices(t *testing.T) {
	store := adapters.NewMemoryStore()
	subs := &fakeSubscriber{}
	r := NewPriceReactor(store, &adapters.RecordingExchange{}, &adapters.RecordingNotifier{}, subs, "market")

	store.StopLossRules = []adapters.StopLossRule{{ID: 1, TokenID: "a", Active: true}}
	store.Alerts = []adapters.PriceAlert{{ID: 2, TokenID: "b", Direction: adapters.AlertAbove}}
	store.Positions[1] = adapters.Position{ID: 1, TokenID: "c", Size: 5}

	require.NoError(t, r.Refresh(context.Background()))

	subs.mu.Lock()
	defer subs.mu.Unlock()
	assert.ElementsMatch(t, []string{"a", "b", "c"}, subs.subscribed)
}
