package chainwatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Rajchodisetti/polymarket-bot/internal/adapters"
	"github.com/Rajchodisetti/polymarket-bot/internal/commission"
	"github.com/Rajchodisetti/polymarket-bot/internal/observ"
	"github.com/Rajchodisetti/polymarket-bot/internal/reactor"
)

// USDCNativeAddress is the native USDC contract on Polygon; deposits arrive
// on it or on the bridged contract.
const USDCNativeAddress = "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359"

// settlementContracts are the exchange's own contracts. A transfer from one
// of them is sale proceeds, not a user deposit.
var settlementContracts = map[string]bool{
	strings.ToLower(CTFExchangeAddress):    true,
	strings.ToLower(NegRiskCTFAddress):     true,
	strings.ToLower(NegRiskAdapterAddress): true,
}

const (
	watcherHandshakeTimeout = 30 * time.Second
	watcherWriteTimeout     = 10 * time.Second

	watcherBackoffBase = 1 * time.Second
	watcherBackoffCap  = 60 * time.Second
	watcherMaxAttempts = 10
)

// Config for the deposit watcher.
type Config struct {
	WSURL          string // empty disables the watcher
	Assets         []string
	BackfillBlocks int64
}

// Watcher subscribes to transfer logs for the settlement assets and credits
// detected deposits. It runs its own connect loop instead of going through
// the connection supervisor because its wire protocol is JSON-RPC
// subscriptions, not the exchange's subscribe frames.
type Watcher struct {
	cfg      Config
	store    adapters.Store
	chain    adapters.ChainClient
	notifier adapters.Notifier
	approver *Approver

	seen *reactor.SeenSet

	mu      sync.Mutex
	watched map[string]struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

func NewWatcher(cfg Config, store adapters.Store, chain adapters.ChainClient, notifier adapters.Notifier, approver *Approver) *Watcher {
	if len(cfg.Assets) == 0 {
		cfg.Assets = []string{USDCNativeAddress, commission.USDCAddress}
	}
	if cfg.BackfillBlocks <= 0 {
		cfg.BackfillBlocks = 1000
	}
	return &Watcher{
		cfg:      cfg,
		store:    store,
		chain:    chain,
		notifier: notifier,
		approver: approver,
		seen:     reactor.NewSeenSet(reactor.DefaultDedupeMax, reactor.DefaultDedupeKeep),
		watched:  map[string]struct{}{},
	}
}

// Start loads the watch-set and launches the connect loop. With no endpoint
// configured the watcher stays off and Start is a no-op.
func (w *Watcher) Start(ctx context.Context) error {
	if w.cfg.WSURL == "" {
		observ.Log("deposit_watcher_disabled", nil)
		return nil
	}

	addrs, err := w.store.WalletAddresses(ctx)
	if err != nil {
		return fmt.Errorf("load wallet addresses: %w", err)
	}
	w.mu.Lock()
	for _, addr := range addrs {
		w.watched[strings.ToLower(addr)] = struct{}{}
	}
	count := len(w.watched)
	w.mu.Unlock()
	observ.Log("deposit_watcher_started", map[string]any{"wallets": count})

	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go func() {
		defer close(w.done)
		w.connectLoop(ctx)
	}()
	return nil
}

// Stop cancels the connect loop and waits for it to exit.
func (w *Watcher) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
}

// AddWatchedAddress starts watching a wallet for deposits.
func (w *Watcher) AddWatchedAddress(addr string) {
	w.mu.Lock()
	w.watched[strings.ToLower(addr)] = struct{}{}
	w.mu.Unlock()
}

// RemoveWatchedAddress stops watching a wallet.
func (w *Watcher) RemoveWatchedAddress(addr string) {
	w.mu.Lock()
	delete(w.watched, strings.ToLower(addr))
	w.mu.Unlock()
}

func (w *Watcher) isWatched(addr string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.watched[strings.ToLower(addr)]
	return ok
}

func (w *Watcher) connectLoop(ctx context.Context) {
	attempts := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		connected, err := w.connectAndListen(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			attempts = 0
		}

		attempts++
		if attempts > watcherMaxAttempts {
			observ.Log("deposit_watcher_permanently_down", map[string]any{
				"attempts": attempts - 1, "error": errString(err),
			})
			return
		}

		delay := watcherBackoffBase << (attempts - 1)
		if delay > watcherBackoffCap {
			delay = watcherBackoffCap
		}
		observ.Log("deposit_watcher_reconnecting", map[string]any{
			"attempt": attempts, "delay_ms": delay.Milliseconds(), "error": errString(err),
		})
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

type rpcFrame struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id,omitempty"`
	Method  string `json:"method,omitempty"`
	Params  []any  `json:"params,omitempty"`
}

type rpcInbound struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Method string          `json:"method"`
	Params struct {
		Subscription string       `json:"subscription"`
		Result       adapters.Log `json:"result"`
	} `json:"params"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (w *Watcher) connectAndListen(ctx context.Context) (bool, error) {
	dialer := websocket.Dialer{HandshakeTimeout: watcherHandshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, w.cfg.WSURL, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", w.cfg.WSURL, err)
	}
	defer ws.Close()
	observ.Log("deposit_watcher_connected", map[string]any{"url": w.cfg.WSURL})

	// One logs subscription per asset contract, filtered by transfer topic.
	for i, asset := range w.cfg.Assets {
		req := rpcFrame{
			JSONRPC: "2.0",
			ID:      int64(i + 1),
			Method:  "eth_subscribe",
			Params: []any{"logs", map[string]any{
				"address": asset,
				"topics":  []string{TransferTopic},
			}},
		}
		ws.SetWriteDeadline(time.Now().Add(watcherWriteTimeout))
		if err := ws.WriteJSON(req); err != nil {
			return true, fmt.Errorf("subscribe %s: %w", asset, err)
		}
	}

	// Reconnects can have missed logs; walk the recent block range before
	// trusting the live stream. Tx-hash dedupe keeps replays harmless.
	w.backfill(ctx)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			ws.Close()
		case <-stop:
		}
	}()

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}
		var msg rpcInbound
		if err := json.Unmarshal(raw, &msg); err != nil {
			observ.Log("deposit_watcher_bad_frame", map[string]any{"error": err.Error()})
			continue
		}
		switch {
		case msg.Error != nil:
			observ.Log("deposit_watcher_rpc_error", map[string]any{"code": msg.Error.Code, "message": msg.Error.Message})
		case msg.Method == "eth_subscription":
			w.handleLog(ctx, msg.Params.Result)
		case msg.ID != 0 && len(msg.Result) > 0:
			var subID string
			if err := json.Unmarshal(msg.Result, &subID); err == nil {
				observ.Log("deposit_subscription_confirmed", map[string]any{"id": msg.ID, "subscription": subID})
			}
		}
	}
}

// backfill re-scans the trailing block window for transfers that landed
// while the socket was down.
func (w *Watcher) backfill(ctx context.Context) {
	latest, err := w.chain.BlockNumber(ctx)
	if err != nil {
		observ.Log("deposit_backfill_failed", map[string]any{"error": err.Error()})
		return
	}
	from := latest - w.cfg.BackfillBlocks
	if from < 0 {
		from = 0
	}
	for _, asset := range w.cfg.Assets {
		logs, err := w.chain.Logs(ctx, asset, []string{TransferTopic}, from, latest)
		if err != nil {
			observ.Log("deposit_backfill_failed", map[string]any{"asset": asset, "error": err.Error()})
			continue
		}
		for _, lg := range logs {
			w.handleLog(ctx, lg)
		}
	}
	observ.Log("deposit_backfill_done", map[string]any{"from_block": from, "to_block": latest})
}

// handleLog filters one transfer log down to a qualifying deposit and
// credits it.
func (w *Watcher) handleLog(ctx context.Context, lg adapters.Log) {
	if len(lg.Topics) < 3 {
		return
	}
	from := decodeTopicAddress(lg.Topics[1])
	to := decodeTopicAddress(lg.Topics[2])

	if !w.isWatched(to) {
		return
	}
	if settlementContracts[from] {
		// Sale proceeds from the exchange, not a deposit.
		return
	}

	amount, err := decodeTokenAmount(lg.Data, commission.USDCDecimals)
	if err != nil {
		observ.Log("deposit_decode_failed", map[string]any{"tx": lg.TxHash, "error": err.Error()})
		return
	}
	if !amount.IsPositive() {
		// Zero-value transfers are approval artifacts.
		return
	}

	if lg.TxHash != "" && w.seen.Has(lg.TxHash) {
		observ.IncCounter("deposits_deduped_total", nil)
		return
	}

	wallet, err := w.store.WalletByAddress(ctx, to)
	if err != nil {
		observ.Log("deposit_wallet_unknown", map[string]any{"address": to, "error": err.Error()})
		return
	}

	// The hash is marked seen only once the credit lands: a transient store
	// failure leaves it unconsumed so the next backfill retries the deposit.
	if err := w.store.CreditBalance(ctx, wallet.ID, amount); err != nil {
		observ.Log("deposit_credit_failed", map[string]any{"wallet_id": wallet.ID, "error": err.Error()})
		return
	}
	if lg.TxHash != "" {
		w.seen.Add(lg.TxHash)
	}
	observ.IncCounter("deposits_credited_total", nil)
	observ.Log("deposit_credited", map[string]any{
		"wallet": to, "amount": amount.String(), "tx": lg.TxHash,
	})

	// Approvals are best-effort and never block the credit or the
	// notification that follows.
	if w.approver != nil {
		w.approver.EnsureApprovals(ctx, wallet)
	}

	txShort := lg.TxHash
	if len(txShort) > 16 {
		txShort = txShort[:16] + "..."
	}
	w.notifier.Send(ctx, wallet.UserID, fmt.Sprintf(
		"💰 *Deposit Received!*\n\n💵 Amount: `$%s` USDC\n🔗 TX: `%s`\n\n✅ Your balance has been updated.",
		amount.StringFixed(2), txShort))
}
