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

// DefaultMinMirrorTradeUSD is the smallest order worth placing on a
// follower's behalf; anything under it is skipped silently.
const DefaultMinMirrorTradeUSD = 1.0

// activityEvent is a trade frame from the trader-activity channel. Feeds are
// inconsistent about key names, so every field carries its known aliases.
type activityEvent struct {
	EventType string `json:"event_type"`
	Type      string `json:"type"`

	Maker string `json:"maker"`
	User  string `json:"user"`
	Owner string `json:"owner"`

	ID      string `json:"id"`
	TradeID string `json:"trade_id"`
	OrderID string `json:"order_id"`

	AssetID string `json:"asset_id"`
	TokenID string `json:"token_id"`

	Market      string `json:"market"`
	ConditionID string `json:"condition_id"`

	Side    string `json:"side"`
	Outcome string `json:"outcome"`

	Size   flexFloat `json:"size"`
	Amount flexFloat `json:"amount"`
	Price  flexFloat `json:"price"`

	Question string `json:"question"`
	Title    string `json:"title"`
}

func (e activityEvent) kind() string    { return coalesce(e.EventType, e.Type) }
func (e activityEvent) trader() string  { return strings.ToLower(coalesce(e.Maker, e.User, e.Owner)) }
func (e activityEvent) tradeID() string { return coalesce(e.ID, e.TradeID, e.OrderID) }

// MirrorReactor watches a set of traders' activity and replays each detected
// trade onto every follower's account, sized to the follower's allocation.
type MirrorReactor struct {
	store    adapters.Store
	exchange adapters.ExchangeClient
	notifier adapters.Notifier
	subs     Subscriber
	connName string
	minTrade float64
	seen     *SeenSet

	mu        sync.Mutex
	followers map[string][]adapters.FollowerSubscription // lowercased trader -> subs
}

func NewMirrorReactor(store adapters.Store, exchange adapters.ExchangeClient, notifier adapters.Notifier, subs Subscriber, connName string, minTrade float64) *MirrorReactor {
	if minTrade <= 0 {
		minTrade = DefaultMinMirrorTradeUSD
	}
	return &MirrorReactor{
		store:     store,
		exchange:  exchange,
		notifier:  notifier,
		subs:      subs,
		connName:  connName,
		minTrade:  minTrade,
		seen:      NewSeenSet(DefaultDedupeMax, DefaultDedupeKeep),
		followers: map[string][]adapters.FollowerSubscription{},
	}
}

// RefreshSubscriptions rebuilds the trader index from the store and
// re-subscribes the full address list on the activity connection.
func (r *MirrorReactor) RefreshSubscriptions(ctx context.Context) error {
	subs, err := r.store.FollowerSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("load follower subscriptions: %w", err)
	}

	r.mu.Lock()
	r.followers = map[string][]adapters.FollowerSubscription{}
	for _, sub := range subs {
		addr := strings.ToLower(sub.TraderAddress)
		r.followers[addr] = append(r.followers[addr], sub)
	}
	traders := make([]string, 0, len(r.followers))
	for addr := range r.followers {
		traders = append(traders, addr)
	}
	r.mu.Unlock()

	if len(traders) > 0 {
		r.subs.Subscribe(r.connName, traders...)
	}
	observ.Log("mirror_subscriptions_refreshed", map[string]any{"traders": len(traders), "followers": len(subs)})
	return nil
}

// AddSubscription indexes a new follower and subscribes to the trader.
func (r *MirrorReactor) AddSubscription(sub adapters.FollowerSubscription) {
	addr := strings.ToLower(sub.TraderAddress)
	r.mu.Lock()
	r.followers[addr] = append(r.followers[addr], sub)
	r.mu.Unlock()
	r.subs.Subscribe(r.connName, addr)
}

// RemoveSubscription drops a follower from the index.
func (r *MirrorReactor) RemoveSubscription(subscriptionID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for addr, subs := range r.followers {
		kept := subs[:0]
		for _, s := range subs {
			if s.ID != subscriptionID {
				kept = append(kept, s)
			}
		}
		if len(kept) == 0 {
			delete(r.followers, addr)
		} else {
			r.followers[addr] = kept
		}
	}
}

// HandleFrame consumes one activity-channel frame.
func (r *MirrorReactor) HandleFrame(ctx context.Context, raw []byte) error {
	var ev activityEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return fmt.Errorf("decode activity event: %w", err)
	}

	switch ev.kind() {
	case "trade", "order_filled", "fill":
	default:
		return nil
	}

	trader := ev.trader()
	if trader == "" {
		return nil
	}

	r.mu.Lock()
	subs := append([]adapters.FollowerSubscription(nil), r.followers[trader]...)
	r.mu.Unlock()
	if len(subs) == 0 {
		return nil
	}

	if id := ev.tradeID(); id != "" && r.seen.Seen(id) {
		observ.IncCounter("mirror_trades_deduped_total", nil)
		return nil
	}

	tokenID := coalesce(ev.AssetID, ev.TokenID)
	size := float64(ev.Size)
	if size == 0 {
		size = float64(ev.Amount)
	}
	if tokenID == "" || size <= 0 {
		return nil
	}

	price := float64(ev.Price)
	tradeValue := size
	if price > 0 {
		tradeValue = size * price
	}

	observ.Log("mirror_trade_detected", map[string]any{
		"trader": trader, "token": tokenID, "value": tradeValue, "followers": len(subs),
	})

	for _, sub := range subs {
		if !sub.Active {
			continue
		}
		r.mirrorFor(ctx, sub, ev, tokenID, tradeValue)
	}
	return nil
}

// mirrorFor places one follower's copy of the trade. A failure here never
// stops the remaining followers.
func (r *MirrorReactor) mirrorFor(ctx context.Context, sub adapters.FollowerSubscription, ev activityEvent, tokenID string, tradeValue float64) {
	balance, err := r.store.FollowerBalance(ctx, sub.UserID)
	if err != nil {
		observ.Log("mirror_balance_failed", map[string]any{"subscription": sub.ID, "error": err.Error()})
		return
	}

	amount := tradeValue
	if allocCap := balance * sub.AllocationPct / 100; allocCap < amount {
		amount = allocCap
	}
	if sub.MaxTradeUSD > 0 && sub.MaxTradeUSD < amount {
		amount = sub.MaxTradeUSD
	}
	if amount < r.minTrade {
		observ.Log("mirror_trade_too_small", map[string]any{"subscription": sub.ID, "amount": amount})
		return
	}

	side := ev.Side
	if side == "" {
		side = "BUY"
	}
	outcome := ev.Outcome
	if outcome == "" {
		outcome = "YES"
	}
	question := coalesce(ev.Question, ev.Title)

	res, err := r.exchange.PlaceMarketOrder(ctx, adapters.OrderRequest{
		UserID:         sub.UserID,
		TokenID:        tokenID,
		ConditionID:    coalesce(ev.Market, ev.ConditionID),
		Side:           side,
		Outcome:        outcome,
		AmountUSD:      amount,
		MarketQuestion: question,
	})
	if err != nil || !res.Success {
		reason := res.Err
		if err != nil {
			reason = err.Error()
		}
		observ.Log("mirror_trade_failed", map[string]any{"subscription": sub.ID, "error": reason})
		r.notifier.Send(ctx, sub.UserID, fmt.Sprintf(
			"⚠️ Could not copy trade from %s: %s", displayName(sub), reason))
		return
	}

	if err := r.store.RecordCopiedTrade(ctx, sub.ID); err != nil {
		observ.Log("mirror_record_failed", map[string]any{"subscription": sub.ID, "error": err.Error()})
	}
	observ.IncCounter("mirror_trades_copied_total", nil)
	r.notifier.Send(ctx, sub.UserID, fmt.Sprintf(
		"📋 *Trade Copied!*\n\nFrom: %s\nMarket: %s\nSide: %s\nAmount: $%.2f\nOrder ID: `%s`",
		displayName(sub), truncate(question, 60), outcome, amount, res.OrderID))
}

func displayName(sub adapters.FollowerSubscription) string {
	if sub.DisplayName != "" {
		return sub.DisplayName
	}
	return "Trader"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
