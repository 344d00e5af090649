package commission

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/polymarket-bot/internal/adapters"
)

func TestPolicyCalculate(t *testing.T) {
	p := NewPolicy(100, 0.01) // 1%, $0.01 minimum

	tests := []struct {
		name       string
		amount     string
		commission string
	}{
		{"regular trade", "100", "1"},
		{"small trade", "5", "0.05"},
		{"below minimum rounds to zero", "0.50", "0"},
		{"zero trade", "0", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calc := p.Calculate(decimal.RequireFromString(tt.amount))
			assert.True(t, calc.Commission.Equal(decimal.RequireFromString(tt.commission)),
				"got %s, want %s", calc.Commission, tt.commission)
			assert.True(t, calc.NetAmount.Equal(calc.TradeAmount.Sub(calc.Commission)))
		})
	}
}

const treasury = "0x1111111111111111111111111111111111111111"

func newService(store *adapters.MemoryStore, chain *adapters.FakeChain, keys adapters.KeySource) *Service {
	return NewService(store, chain, keys, NewPolicy(100, 0.01), treasury, 3, true)
}

func TestProcessFillTransfersCommission(t *testing.T) {
	store := adapters.NewMemoryStore()
	store.Wallets["0xabc"] = adapters.Wallet{ID: 1, UserID: 7, Address: "0xabc"}
	chain := &adapters.FakeChain{}
	svc := newService(store, chain, adapters.StaticKeySource{Key: "k"})

	svc.ProcessFill(context.Background(), 7, 42, "BUY", 200)

	require.Len(t, store.Commissions, 1)
	rec := store.Commissions[0]
	assert.Equal(t, adapters.CommissionTransferred, rec.Status)
	assert.True(t, rec.Amount.Equal(decimal.NewFromInt(2))) // 1% of $200
	assert.Equal(t, "0xdeadbeef", rec.TxHash)

	require.Len(t, chain.Sent(), 1)
	tx := chain.Sent()[0]
	assert.Equal(t, "0xabc", tx.From)
	assert.Equal(t, USDCAddress, tx.To)
	// 2 USDC in base units = 2_000_000
	assert.Contains(t, tx.Data, "1e8480")
}

func TestProcessFillKeyUnavailableRecordsPending(t *testing.T) {
	store := adapters.NewMemoryStore()
	store.Wallets["0xabc"] = adapters.Wallet{ID: 1, UserID: 7, Address: "0xabc"}
	chain := &adapters.FakeChain{}
	svc := newService(store, chain, adapters.StaticKeySource{})

	svc.ProcessFill(context.Background(), 7, 42, "BUY", 200)

	require.Len(t, store.Commissions, 1)
	assert.Equal(t, adapters.CommissionPending, store.Commissions[0].Status)
	assert.Empty(t, chain.Sent(), "transfer attempted without a key")
}

func TestProcessFillBelowMinimumDoesNothing(t *testing.T) {
	store := adapters.NewMemoryStore()
	store.Wallets["0xabc"] = adapters.Wallet{ID: 1, UserID: 7, Address: "0xabc"}
	svc := newService(store, &adapters.FakeChain{}, adapters.StaticKeySource{Key: "k"})

	svc.ProcessFill(context.Background(), 7, 42, "BUY", 0.5)
	assert.Empty(t, store.Commissions)
}

func TestProcessFillDisabled(t *testing.T) {
	store := adapters.NewMemoryStore()
	svc := NewService(store, &adapters.FakeChain{}, adapters.StaticKeySource{Key: "k"}, NewPolicy(100, 0.01), "", 3, true)

	svc.ProcessFill(context.Background(), 7, 42, "BUY", 200)
	assert.Empty(t, store.Commissions)
}

func TestReconcilePendingRetriesAndSucceeds(t *testing.T) {
	store := adapters.NewMemoryStore()
	store.Wallets["0xabc"] = adapters.Wallet{ID: 1, UserID: 7, Address: "0xabc"}
	store.Commissions = []adapters.CommissionRecord{
		{ID: 1, UserID: 7, OrderID: 42, Amount: decimal.NewFromInt(2), Status: adapters.CommissionPending, Attempts: 1},
	}
	chain := &adapters.FakeChain{}
	svc := newService(store, chain, adapters.StaticKeySource{Key: "k"})

	svc.ReconcilePending(context.Background())

	assert.Equal(t, adapters.CommissionTransferred, store.Commissions[0].Status)
	assert.Len(t, chain.Sent(), 1)
}

func TestReconcilePendingRespectsRetryCeiling(t *testing.T) {
	store := adapters.NewMemoryStore()
	store.Wallets["0xabc"] = adapters.Wallet{ID: 1, UserID: 7, Address: "0xabc"}
	store.Commissions = []adapters.CommissionRecord{
		{ID: 1, UserID: 7, OrderID: 42, Amount: decimal.NewFromInt(2), Status: adapters.CommissionPending, Attempts: 3},
	}
	chain := &adapters.FakeChain{}
	svc := newService(store, chain, adapters.StaticKeySource{Key: "k"})

	svc.ReconcilePending(context.Background())

	assert.Equal(t, adapters.CommissionFailed, store.Commissions[0].Status)
	assert.Empty(t, chain.Sent(), "abandoned commission still attempted a transfer")
}

func TestReconcilePendingKeyStillMissingBumpsAttempt(t *testing.T) {
	store := adapters.NewMemoryStore()
	store.Wallets["0xabc"] = adapters.Wallet{ID: 1, UserID: 7, Address: "0xabc"}
	store.Commissions = []adapters.CommissionRecord{
		{ID: 1, UserID: 7, OrderID: 42, Amount: decimal.NewFromInt(2), Status: adapters.CommissionPending, Attempts: 1},
	}
	svc := newService(store, &adapters.FakeChain{}, adapters.StaticKeySource{})

	svc.ReconcilePending(context.Background())

	assert.Equal(t, adapters.CommissionPending, store.Commissions[0].Status)
	assert.Equal(t, 2, store.Commissions[0].Attempts)
}
