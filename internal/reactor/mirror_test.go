package reactor

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/polymarket-bot/internal/adapters"
)

const leader = "0xABCdef0123456789abcdef0123456789abcdef01"

func newMirrorFixture() (*MirrorReactor, *adapters.MemoryStore, *adapters.RecordingExchange, *adapters.RecordingNotifier) {
	store := adapters.NewMemoryStore()
	exchange := &adapters.RecordingExchange{Result: adapters.OrderResult{Success: true, OrderID: "mir-1"}}
	notifier := &adapters.RecordingNotifier{}
	r := NewMirrorReactor(store, exchange, notifier, &fakeSubscriber{}, "user", 0)
	return r, store, exchange, notifier
}

func leaderTrade(id string, size, price float64) []byte {
	return []byte(fmt.Sprintf(
		`{"event_type":"trade","maker":"%s","id":"%s","asset_id":"tok-1","market":"cond-1","side":"BUY","outcome":"YES","size":"%g","price":"%g","title":"Will it happen?"}`,
		leader, id, size, price))
}

func TestMirrorAllocationSizing(t *testing.T) {
	r, store, exchange, notifier := newMirrorFixture()
	ctx := context.Background()

	store.Balances[5] = 50
	r.AddSubscription(adapters.FollowerSubscription{
		ID: 1, UserID: 5, TraderAddress: leader, AllocationPct: 10, Active: true, DisplayName: "Whale",
	})

	// Leader trades $1000; follower has $50 at 10% allocation -> $5 copy.
	require.NoError(t, r.HandleFrame(ctx, leaderTrade("t1", 2000, 0.50)))

	require.Equal(t, 1, exchange.CallCount())
	assert.InDelta(t, 5.0, exchange.Calls[0].AmountUSD, 1e-9)
	assert.Equal(t, "tok-1", exchange.Calls[0].TokenID)
	assert.Equal(t, []int64{1}, store.CopiedTrades)
	require.Len(t, notifier.Sent(), 1)
	assert.Contains(t, notifier.Sent()[0].Text, "Trade Copied")
}

func TestMirrorMaxTradeCap(t *testing.T) {
	r, store, exchange, _ := newMirrorFixture()
	ctx := context.Background()

	store.Balances[5] = 10000
	r.AddSubscription(adapters.FollowerSubscription{
		ID: 1, UserID: 5, TraderAddress: leader, AllocationPct: 50, MaxTradeUSD: 25, Active: true,
	})

	require.NoError(t, r.HandleFrame(ctx, leaderTrade("t1", 2000, 0.50)))

	require.Equal(t, 1, exchange.CallCount())
	assert.InDelta(t, 25.0, exchange.Calls[0].AmountUSD, 1e-9)
}

func TestMirrorSkipsDustOrders(t *testing.T) {
	r, store, exchange, notifier := newMirrorFixture()
	ctx := context.Background()

	// $50 balance at 1% allocation -> $0.50, under the $1 floor.
	store.Balances[5] = 50
	r.AddSubscription(adapters.FollowerSubscription{
		ID: 1, UserID: 5, TraderAddress: leader, AllocationPct: 1, Active: true,
	})

	require.NoError(t, r.HandleFrame(ctx, leaderTrade("t1", 2000, 0.50)))

	assert.Equal(t, 0, exchange.CallCount())
	assert.Empty(t, notifier.Sent())
}

func TestMirrorDeduplicatesByTradeID(t *testing.T) {
	r, store, exchange, _ := newMirrorFixture()
	ctx := context.Background()

	store.Balances[5] = 1000
	r.AddSubscription(adapters.FollowerSubscription{
		ID: 1, UserID: 5, TraderAddress: leader, AllocationPct: 10, Active: true,
	})

	require.NoError(t, r.HandleFrame(ctx, leaderTrade("t1", 100, 0.50)))
	require.NoError(t, r.HandleFrame(ctx, leaderTrade("t1", 100, 0.50)))
	require.NoError(t, r.HandleFrame(ctx, leaderTrade("t2", 100, 0.50)))

	assert.Equal(t, 2, exchange.CallCount())
}

func TestMirrorIgnoresUnknownTraders(t *testing.T) {
	r, store, exchange, _ := newMirrorFixture()
	ctx := context.Background()

	store.Balances[5] = 1000
	r.AddSubscription(adapters.FollowerSubscription{
		ID: 1, UserID: 5, TraderAddress: leader, AllocationPct: 10, Active: true,
	})

	frame := []byte(`{"event_type":"trade","maker":"0x9999999999999999999999999999999999999999","id":"x","asset_id":"tok-1","size":"100","price":"0.5"}`)
	require.NoError(t, r.HandleFrame(ctx, frame))
	assert.Equal(t, 0, exchange.CallCount())
}

func TestMirrorFollowerFailureIsIsolated(t *testing.T) {
	r, store, exchange, notifier := newMirrorFixture()
	ctx := context.Background()

	// First follower has no balance row lookup failure path; instead make
	// the exchange reject every order and check both followers were tried.
	exchange.Result = adapters.OrderResult{Success: false, Err: "market closed"}
	store.Balances[5] = 1000
	store.Balances[6] = 1000
	r.AddSubscription(adapters.FollowerSubscription{ID: 1, UserID: 5, TraderAddress: leader, AllocationPct: 10, Active: true})
	r.AddSubscription(adapters.FollowerSubscription{ID: 2, UserID: 6, TraderAddress: leader, AllocationPct: 10, Active: true})

	require.NoError(t, r.HandleFrame(ctx, leaderTrade("t1", 100, 0.50)))

	assert.Equal(t, 2, exchange.CallCount(), "a failed follower stopped the fan-out")
	assert.Empty(t, store.CopiedTrades)
	require.Len(t, notifier.Sent(), 2)
	assert.Contains(t, notifier.Sent()[0].Text, "market closed")
}

func TestMirrorInactiveSubscriptionSkipped(t *testing.T) {
	r, store, exchange, _ := newMirrorFixture()
	ctx := context.Background()

	store.Balances[5] = 1000
	r.AddSubscription(adapters.FollowerSubscription{ID: 1, UserID: 5, TraderAddress: leader, AllocationPct: 10, Active: false})

	require.NoError(t, r.HandleFrame(ctx, leaderTrade("t1", 100, 0.50)))
	assert.Equal(t, 0, exchange.CallCount())
}

func TestMirrorAddressNormalization(t *testing.T) {
	r, store, exchange, _ := newMirrorFixture()
	ctx := context.Background()

	store.Balances[5] = 1000
	// Subscription stored mixed-case, event arrives mixed-case differently:
	// both normalize to the same trader.
	r.AddSubscription(adapters.FollowerSubscription{ID: 1, UserID: 5, TraderAddress: leader, AllocationPct: 10, Active: true})

	require.NoError(t, r.HandleFrame(ctx, leaderTrade("t1", 100, 0.50)))
	assert.Equal(t, 1, exchange.CallCount())
}

func TestMirrorRefreshSubscriptions(t *testing.T) {
	store := adapters.NewMemoryStore()
	subs := &fakeSubscriber{}
	r := NewMirrorReactor(store, &adapters.RecordingExchange{}, &adapters.RecordingNotifier{}, subs, "user", 0)

	store.Subscriptions = []adapters.FollowerSubscription{
		{ID: 1, UserID: 5, TraderAddress: "0xAAA1", AllocationPct: 10, Active: true},
		{ID: 2, UserID: 6, TraderAddress: "0xaaa1", AllocationPct: 20, Active: true},
		{ID: 3, UserID: 7, TraderAddress: "0xBBB2", AllocationPct: 5, Active: true},
	}

	require.NoError(t, r.RefreshSubscriptions(context.Background()))

	subs.mu.Lock()
	defer subs.mu.Unlock()
	assert.ElementsMatch(t, []string{"0xaaa1", "0xbbb2"}, subs.subscribed)
}
