package adapters

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory Store for tests. Zero value is not usable; use
// NewMemoryStore.
type MemoryStore struct {
	mu sync.Mutex

	StopLossRules []StopLossRule
	Positions     map[int64]Position
	MarkPrices    map[string]float64
	Alerts        []PriceAlert
	Subscriptions []FollowerSubscription
	Balances      map[int64]float64
	Orders        map[string]MonitoredOrder
	OrderStatuses map[int64]string
	Wallets       map[string]Wallet
	Credits       map[int64]decimal.Decimal
	Commissions   []CommissionRecord
	ChatIDs       map[int64]int64

	CopiedTrades    []int64
	DeactivatedSLs  []int64
	TriggeredAlerts []int64

	FailCreditBalance bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		Positions:     map[int64]Position{},
		MarkPrices:    map[string]float64{},
		Balances:      map[int64]float64{},
		Orders:        map[string]MonitoredOrder{},
		OrderStatuses: map[int64]string{},
		Wallets:       map[string]Wallet{},
		Credits:       map[int64]decimal.Decimal{},
		ChatIDs:       map[int64]int64{},
	}
}

func (m *MemoryStore) ActiveStopLossRules(ctx context.Context) ([]StopLossRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []StopLossRule
	for _, r := range m.StopLossRules {
		if r.Active {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *MemoryStore) DeactivateStopLoss(ctx context.Context, ruleID, resultingOrderID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.StopLossRules {
		if m.StopLossRules[i].ID == ruleID {
			m.StopLossRules[i].Active = false
		}
	}
	m.DeactivatedSLs = append(m.DeactivatedSLs, ruleID)
	return nil
}

func (m *MemoryStore) PositionByID(ctx context.Context, positionID int64) (Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.Positions[positionID]
	if !ok {
		return Position{}, fmt.Errorf("position %d not found", positionID)
	}
	return p, nil
}

func (m *MemoryStore) ReducePosition(ctx context.Context, positionID int64, size, price float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.Positions[positionID]
	if !ok {
		return fmt.Errorf("position %d not found", positionID)
	}
	p.Size -= size
	if p.Size < 0 {
		p.Size = 0
	}
	m.Positions[positionID] = p
	return nil
}

func (m *MemoryStore) UpdateMarkPrice(ctx context.Context, tokenID string, price float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MarkPrices[tokenID] = price
	return nil
}

func (m *MemoryStore) OpenPositionTokenIDs(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, p := range m.Positions {
		if p.Size > 0 && !seen[p.TokenID] {
			seen[p.TokenID] = true
			out = append(out, p.TokenID)
		}
	}
	return out, nil
}

func (m *MemoryStore) ActivePriceAlerts(ctx context.Context) ([]PriceAlert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PriceAlert(nil), m.Alerts...), nil
}

func (m *MemoryStore) MarkAlertTriggered(ctx context.Context, alertID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TriggeredAlerts = append(m.TriggeredAlerts, alertID)
	return nil
}

func (m *MemoryStore) FollowerSubscriptions(ctx context.Context) ([]FollowerSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]FollowerSubscription(nil), m.Subscriptions...), nil
}

func (m *MemoryStore) FollowerBalance(ctx context.Context, userID int64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Balances[userID], nil
}

func (m *MemoryStore) RecordCopiedTrade(ctx context.Context, subscriptionID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CopiedTrades = append(m.CopiedTrades, subscriptionID)
	return nil
}

func (m *MemoryStore) MonitoredOrders(ctx context.Context) ([]MonitoredOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []MonitoredOrder
	for _, o := range m.Orders {
		out = append(out, o)
	}
	return out, nil
}

func (m *MemoryStore) UpdateOrderStatus(ctx context.Context, dbOrderID int64, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.OrderStatuses[dbOrderID] = status
	return nil
}

func (m *MemoryStore) WalletAddresses(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for addr := range m.Wallets {
		out = append(out, addr)
	}
	return out, nil
}

func (m *MemoryStore) WalletByAddress(ctx context.Context, address string) (Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.Wallets[address]
	if !ok {
		return Wallet{}, fmt.Errorf("wallet %s not found", address)
	}
	return w, nil
}

func (m *MemoryStore) WalletByUserID(ctx context.Context, userID int64) (Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.Wallets {
		if w.UserID == userID {
			return w, nil
		}
	}
	return Wallet{}, fmt.Errorf("no wallet for user %d", userID)
}

func (m *MemoryStore) CreditBalance(ctx context.Context, walletID int64, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailCreditBalance {
		return fmt.Errorf("credit failed")
	}
	m.Credits[walletID] = m.Credits[walletID].Add(amount)
	return nil
}

func (m *MemoryStore) RecordCommission(ctx context.Context, rec CommissionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.ID = int64(len(m.Commissions) + 1)
	m.Commissions = append(m.Commissions, rec)
	return nil
}

func (m *MemoryStore) PendingCommissions(ctx context.Context) ([]CommissionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []CommissionRecord
	for _, r := range m.Commissions {
		if r.Status == CommissionPending {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *MemoryStore) UpdateCommissionStatus(ctx context.Context, commissionID int64, status CommissionStatus, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.Commissions {
		if m.Commissions[i].ID == commissionID {
			m.Commissions[i].Status = status
			m.Commissions[i].TxHash = txHash
			m.Commissions[i].Attempts++
		}
	}
	return nil
}

func (m *MemoryStore) ChatID(ctx context.Context, userID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.ChatIDs[userID]
	if !ok {
		return 0, fmt.Errorf("no chat for user %d", userID)
	}
	return id, nil
}

// RecordingExchange captures PlaceMarketOrder calls and returns a canned
// result.
type RecordingExchange struct {
	mu     sync.Mutex
	Calls  []OrderRequest
	Result OrderResult
	Err    error
}

func (e *RecordingExchange) PlaceMarketOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Calls = append(e.Calls, req)
	if e.Err != nil {
		return OrderResult{}, e.Err
	}
	return e.Result, nil
}

func (e *RecordingExchange) CallCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.Calls)
}

// RecordingNotifier captures sent messages.
type RecordingNotifier struct {
	mu       sync.Mutex
	Messages []NotifiedMessage
}

type NotifiedMessage struct {
	UserID int64
	Text   string
}

func (n *RecordingNotifier) Send(ctx context.Context, userID int64, text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Messages = append(n.Messages, NotifiedMessage{UserID: userID, Text: text})
}

func (n *RecordingNotifier) Sent() []NotifiedMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]NotifiedMessage(nil), n.Messages...)
}

// FakeChain is a scriptable ChainClient. Unset funcs return zero values.
type FakeChain struct {
	mu sync.Mutex

	BlockNumberFunc func(ctx context.Context) (int64, error)
	GasPriceFunc    func(ctx context.Context) (*big.Int, error)
	BalanceFunc     func(ctx context.Context, address string) (*big.Int, error)
	CallFunc        func(ctx context.Context, to, data string) (string, error)
	SendFunc        func(ctx context.Context, tx TxRequest) (string, error)
	ReceiptFunc     func(ctx context.Context, txHash string) (int, error)
	LogsFunc        func(ctx context.Context, address string, topics []string, fromBlock, toBlock int64) ([]Log, error)

	SentTxs []TxRequest
}

func (f *FakeChain) BlockNumber(ctx context.Context) (int64, error) {
	if f.BlockNumberFunc != nil {
		return f.BlockNumberFunc(ctx)
	}
	return 0, nil
}

func (f *FakeChain) GasPrice(ctx context.Context) (*big.Int, error) {
	if f.GasPriceFunc != nil {
		return f.GasPriceFunc(ctx)
	}
	return big.NewInt(0), nil
}

func (f *FakeChain) Balance(ctx context.Context, address string) (*big.Int, error) {
	if f.BalanceFunc != nil {
		return f.BalanceFunc(ctx, address)
	}
	return big.NewInt(0), nil
}

func (f *FakeChain) Call(ctx context.Context, to, data string) (string, error) {
	if f.CallFunc != nil {
		return f.CallFunc(ctx, to, data)
	}
	return "0x0", nil
}

func (f *FakeChain) SendTransaction(ctx context.Context, tx TxRequest) (string, error) {
	f.mu.Lock()
	f.SentTxs = append(f.SentTxs, tx)
	f.mu.Unlock()
	if f.SendFunc != nil {
		return f.SendFunc(ctx, tx)
	}
	return "0xdeadbeef", nil
}

func (f *FakeChain) TransactionReceipt(ctx context.Context, txHash string) (int, error) {
	if f.ReceiptFunc != nil {
		return f.ReceiptFunc(ctx, txHash)
	}
	return 1, nil
}

func (f *FakeChain) Logs(ctx context.Context, address string, topics []string, fromBlock, toBlock int64) ([]Log, error) {
	if f.LogsFunc != nil {
		return f.LogsFunc(ctx, address, topics, fromBlock, toBlock)
	}
	return nil, nil
}

func (f *FakeChain) Sent() []TxRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]TxRequest(nil), f.SentTxs...)
}

// StaticKeySource returns the same key for every user, or an error when Key
// is empty.
type StaticKeySource struct {
	Key string
}

func (s StaticKeySource) SigningKey(ctx context.Context, userID int64) (string, error) {
	if s.Key == "" {
		return "", fmt.Errorf("no signing key for user %d", userID)
	}
	return s.Key, nil
}
