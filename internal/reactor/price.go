package reactor

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/Rajchodisetti/polymarket-bot/internal/adapters"
	"github.com/Rajchodisetti/polymarket-bot/internal/observ"
)

// Subscriber is the slice of the connection supervisor the reactors need.
type Subscriber interface {
	Subscribe(conn string, keys ...string) bool
	Unsubscribe(conn string, keys ...string) bool
}

// marketEvent is the market-channel frame shape we care about. Other event
// types on the channel are ignored.
type marketEvent struct {
	EventType string `json:"event_type"`
	AssetID   string `json:"asset_id"`
	Price     string `json:"price"`
}

// PriceReactor tracks live prices for the tokens the bot cares about:
// open positions get mark-price updates, stop-loss rules fire a market sell
// when the price falls to their trigger, and price alerts notify on a
// threshold crossing. All indices live in memory and are rebuilt from the
// store by Refresh.
type PriceReactor struct {
	store    adapters.Store
	exchange adapters.ExchangeClient
	notifier adapters.Notifier
	subs     Subscriber
	connName string

	mu       sync.Mutex
	prices   map[string]float64                 // token -> last seen price
	stopLoss map[string][]adapters.StopLossRule // token -> active rules
	alerts   map[string][]adapters.PriceAlert   // token -> active alerts
	watched  map[string]bool                    // token -> has open position
}

func NewPriceReactor(store adapters.Store, exchange adapters.ExchangeClient, notifier adapters.Notifier, subs Subscriber, connName string) *PriceReactor {
	return &PriceReactor{
		store:    store,
		exchange: exchange,
		notifier: notifier,
		subs:     subs,
		connName: connName,
		prices:   map[string]float64{},
		stopLoss: map[string][]adapters.StopLossRule{},
		alerts:   map[string][]adapters.PriceAlert{},
		watched:  map[string]bool{},
	}
}

// Refresh rebuilds the stop-loss, alert, and position indices from the store
// and subscribes to every token they reference.
func (r *PriceReactor) Refresh(ctx context.Context) error {
	rules, err := r.store.ActiveStopLossRules(ctx)
	if err != nil {
		return fmt.Errorf("load stop loss rules: %w", err)
	}
	alerts, err := r.store.ActivePriceAlerts(ctx)
	if err != nil {
		return fmt.Errorf("load price alerts: %w", err)
	}
	tokens, err := r.store.OpenPositionTokenIDs(ctx)
	if err != nil {
		return fmt.Errorf("load open positions: %w", err)
	}

	r.mu.Lock()
	r.stopLoss = map[string][]adapters.StopLossRule{}
	for _, rule := range rules {
		r.stopLoss[rule.TokenID] = append(r.stopLoss[rule.TokenID], rule)
	}
	r.alerts = map[string][]adapters.PriceAlert{}
	for _, a := range alerts {
		r.alerts[a.TokenID] = append(r.alerts[a.TokenID], a)
	}
	r.watched = map[string]bool{}
	for _, tok := range tokens {
		r.watched[tok] = true
	}
	want := r.wantedTokensLocked()
	r.mu.Unlock()

	if len(want) > 0 {
		r.subs.Subscribe(r.connName, want...)
	}
	observ.Log("price_reactor_refreshed", map[string]any{
		"stop_loss_rules": len(rules), "alerts": len(alerts), "position_tokens": len(tokens),
	})
	return nil
}

func (r *PriceReactor) wantedTokensLocked() []string {
	seen := map[string]bool{}
	var out []string
	add := func(tok string) {
		if !seen[tok] {
			seen[tok] = true
			out = append(out, tok)
		}
	}
	for tok := range r.stopLoss {
		add(tok)
	}
	for tok := range r.alerts {
		add(tok)
	}
	for tok := range r.watched {
		add(tok)
	}
	return out
}

// AddStopLoss indexes a new rule and subscribes to its token.
func (r *PriceReactor) AddStopLoss(rule adapters.StopLossRule) {
	r.mu.Lock()
	r.stopLoss[rule.TokenID] = append(r.stopLoss[rule.TokenID], rule)
	r.mu.Unlock()
	r.subs.Subscribe(r.connName, rule.TokenID)
}

// RemoveStopLoss drops a rule from the index. The token stays subscribed if
// anything else needs it.
func (r *PriceReactor) RemoveStopLoss(ruleID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for tok, rules := range r.stopLoss {
		kept := rules[:0]
		for _, rule := range rules {
			if rule.ID != ruleID {
				kept = append(kept, rule)
			}
		}
		if len(kept) == 0 {
			delete(r.stopLoss, tok)
		} else {
			r.stopLoss[tok] = kept
		}
	}
}

// AddPosition marks a token as holding an open position so it receives
// mark-price updates.
func (r *PriceReactor) AddPosition(tokenID string) {
	r.mu.Lock()
	r.watched[tokenID] = true
	r.mu.Unlock()
	r.subs.Subscribe(r.connName, tokenID)
}

// AddAlert indexes a new price alert and subscribes to its token.
func (r *PriceReactor) AddAlert(alert adapters.PriceAlert) {
	r.mu.Lock()
	r.alerts[alert.TokenID] = append(r.alerts[alert.TokenID], alert)
	r.mu.Unlock()
	r.subs.Subscribe(r.connName, alert.TokenID)
}

// RemoveAlert drops an alert from the index.
func (r *PriceReactor) RemoveAlert(alertID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for tok, alerts := range r.alerts {
		kept := alerts[:0]
		for _, a := range alerts {
			if a.ID != alertID {
				kept = append(kept, a)
			}
		}
		if len(kept) == 0 {
			delete(r.alerts, tok)
		} else {
			r.alerts[tok] = kept
		}
	}
}

// HandleFrame consumes one market-channel frame.
func (r *PriceReactor) HandleFrame(ctx context.Context, raw []byte) error {
	var ev marketEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return fmt.Errorf("decode market event: %w", err)
	}
	if ev.EventType != "price_change" && ev.EventType != "last_trade_price" {
		return nil
	}
	if ev.AssetID == "" || ev.Price == "" {
		return nil
	}
	price, err := strconv.ParseFloat(ev.Price, 64)
	if err != nil {
		return fmt.Errorf("parse price %q: %w", ev.Price, err)
	}
	r.onPrice(ctx, ev.AssetID, price)
	return nil
}

func (r *PriceReactor) onPrice(ctx context.Context, tokenID string, price float64) {
	r.mu.Lock()
	prev, hadPrev := r.prices[tokenID]
	r.prices[tokenID] = price
	watched := r.watched[tokenID]

	// Stop-loss rules only arm on a non-upward move, and each triggering
	// rule is removed from the index before its sell is placed so a burst
	// of ticks cannot fire it twice.
	var fired []adapters.StopLossRule
	if !hadPrev || price <= prev {
		rules := r.stopLoss[tokenID]
		kept := rules[:0]
		for _, rule := range rules {
			if price <= rule.TriggerPrice {
				fired = append(fired, rule)
			} else {
				kept = append(kept, rule)
			}
		}
		if len(kept) == 0 {
			delete(r.stopLoss, tokenID)
		} else {
			r.stopLoss[tokenID] = kept
		}
	}

	var crossed []adapters.PriceAlert
	alerts := r.alerts[tokenID]
	keptAlerts := alerts[:0]
	for _, a := range alerts {
		if alertCrossed(a, prev, hadPrev, price) {
			crossed = append(crossed, a)
		} else {
			keptAlerts = append(keptAlerts, a)
		}
	}
	if len(keptAlerts) == 0 {
		delete(r.alerts, tokenID)
	} else {
		r.alerts[tokenID] = keptAlerts
	}
	r.mu.Unlock()

	observ.SetGauge("token_price", price, map[string]string{"token": tokenID})

	if watched {
		if err := r.store.UpdateMarkPrice(ctx, tokenID, price); err != nil {
			observ.Log("mark_price_update_failed", map[string]any{"token": tokenID, "error": err.Error()})
		}
	}
	for _, rule := range fired {
		r.fireStopLoss(ctx, rule, price)
	}
	for _, a := range crossed {
		r.fireAlert(ctx, a, price)
	}
}

// alertCrossed implements crossing semantics: an alert fires the first time
// the price reaches its target from the other side. Without a previous price
// the current one alone decides.
func alertCrossed(a adapters.PriceAlert, prev float64, hadPrev bool, price float64) bool {
	switch a.Direction {
	case adapters.AlertAbove:
		if !hadPrev {
			return price >= a.TargetPrice
		}
		return prev < a.TargetPrice && price >= a.TargetPrice
	case adapters.AlertBelow:
		if !hadPrev {
			return price <= a.TargetPrice
		}
		return prev > a.TargetPrice && price <= a.TargetPrice
	default:
		return false
	}
}

func (r *PriceReactor) fireStopLoss(ctx context.Context, rule adapters.StopLossRule, price float64) {
	observ.Log("stop_loss_triggered", map[string]any{
		"rule_id": rule.ID, "token": rule.TokenID, "price": price, "trigger": rule.TriggerPrice,
	})
	observ.IncCounter("stop_loss_triggered_total", nil)

	pos, err := r.store.PositionByID(ctx, rule.PositionID)
	if err != nil {
		observ.Log("stop_loss_position_missing", map[string]any{"rule_id": rule.ID, "error": err.Error()})
		if derr := r.store.DeactivateStopLoss(ctx, rule.ID, 0); derr != nil {
			observ.Log("stop_loss_deactivate_failed", map[string]any{"rule_id": rule.ID, "error": derr.Error()})
		}
		return
	}

	sellSize := pos.Size * rule.SellPercentage / 100
	res, err := r.exchange.PlaceMarketOrder(ctx, adapters.OrderRequest{
		UserID:         rule.UserID,
		TokenID:        rule.TokenID,
		ConditionID:    pos.ConditionID,
		Side:           "SELL",
		Outcome:        pos.Outcome,
		AmountUSD:      sellSize,
		MarketQuestion: pos.MarketQuestion,
	})
	if err != nil || !res.Success {
		reason := res.Err
		if err != nil {
			reason = err.Error()
		}
		observ.Log("stop_loss_sell_failed", map[string]any{"rule_id": rule.ID, "error": reason})
		if derr := r.store.DeactivateStopLoss(ctx, rule.ID, 0); derr != nil {
			observ.Log("stop_loss_deactivate_failed", map[string]any{"rule_id": rule.ID, "error": derr.Error()})
		}
		r.notifier.Send(ctx, rule.UserID, fmt.Sprintf(
			"🛑 Stop-loss hit on *%s* at %.3f but the sell failed: %s",
			pos.MarketQuestion, price, reason))
		return
	}

	if err := r.store.DeactivateStopLoss(ctx, rule.ID, res.DBOrderID); err != nil {
		observ.Log("stop_loss_deactivate_failed", map[string]any{"rule_id": rule.ID, "error": err.Error()})
	}
	if err := r.store.ReducePosition(ctx, pos.ID, sellSize, price); err != nil {
		observ.Log("stop_loss_reduce_failed", map[string]any{"rule_id": rule.ID, "error": err.Error()})
	}
	r.notifier.Send(ctx, rule.UserID, fmt.Sprintf(
		"🛑 Stop-loss executed on *%s*: sold %.2f shares (%.0f%%) at %.3f",
		pos.MarketQuestion, sellSize, rule.SellPercentage, price))
}

func (r *PriceReactor) fireAlert(ctx context.Context, a adapters.PriceAlert, price float64) {
	observ.IncCounter("price_alerts_fired_total", nil)
	if err := r.store.MarkAlertTriggered(ctx, a.ID); err != nil {
		observ.Log("alert_mark_failed", map[string]any{"alert_id": a.ID, "error": err.Error()})
	}
	dir := "above"
	if a.Direction == adapters.AlertBelow {
		dir = "below"
	}
	text := fmt.Sprintf("🔔 Price alert: token crossed %s %.3f (now %.3f)", dir, a.TargetPrice, price)
	if a.Note != "" {
		text += "\n" + a.Note
	}
	r.notifier.Send(ctx, a.UserID, text)
}
