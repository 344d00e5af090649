package chainwatch

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/polymarket-bot/internal/adapters"
	"github.com/Rajchodisetti/polymarket-bot/internal/commission"
)

const testWalletAddr = "0xaaaa567890abcdef1234567890abcdef12345678"

func testWallet() adapters.Wallet {
	return adapters.Wallet{ID: 1, UserID: 7, Address: testWalletAddr}
}

// allowanceResponder answers eth_call allowance probes with the given
// per-spender values (hex uint256); unknown spenders get zero.
func allowanceResponder(values map[string]string) func(ctx context.Context, to, data string) (string, error) {
	return func(ctx context.Context, to, data string) (string, error) {
		for spender, v := range values {
			if strings.Contains(data, strings.ToLower(strings.TrimPrefix(spender, "0x"))) {
				return v, nil
			}
		}
		return "0x0", nil
	}
}

func unlimitedHex() string {
	v := new(big.Int).Exp(big.NewInt(10), big.NewInt(32), nil) // comfortably above high-water
	return fmt.Sprintf("0x%x", v)
}

func TestEnsureApprovalsSkipsApprovedCounterparties(t *testing.T) {
	chain := &adapters.FakeChain{
		CallFunc: allowanceResponder(map[string]string{
			CTFExchangeAddress:    unlimitedHex(),
			NegRiskCTFAddress:     unlimitedHex(),
			NegRiskAdapterAddress: unlimitedHex(),
		}),
	}
	notifier := &adapters.RecordingNotifier{}
	a := NewApprover(chain, notifier, commission.USDCAddress)

	got := a.EnsureApprovals(context.Background(), testWallet())

	assert.Equal(t, 0, got)
	assert.Empty(t, chain.Sent())
	assert.Empty(t, notifier.Sent())
}

func TestEnsureApprovalsSubmitsMissing(t *testing.T) {
	chain := &adapters.FakeChain{
		CallFunc: allowanceResponder(map[string]string{
			CTFExchangeAddress: unlimitedHex(),
			NegRiskCTFAddress:  unlimitedHex(),
			// adapter unapproved
		}),
		GasPriceFunc: func(ctx context.Context) (*big.Int, error) { return big.NewInt(30_000_000_000), nil },
		BalanceFunc: func(ctx context.Context, address string) (*big.Int, error) {
			return new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil), nil // 1 POL
		},
	}
	notifier := &adapters.RecordingNotifier{}
	a := NewApprover(chain, notifier, commission.USDCAddress)

	got := a.EnsureApprovals(context.Background(), testWallet())

	assert.Equal(t, 1, got)
	require.Len(t, chain.Sent(), 1)
	tx := chain.Sent()[0]
	assert.Equal(t, testWalletAddr, tx.From)
	assert.Equal(t, commission.USDCAddress, tx.To)
	assert.Contains(t, tx.Data, strings.ToLower(strings.TrimPrefix(NegRiskAdapterAddress, "0x")))
	require.Len(t, notifier.Sent(), 1)
	assert.Contains(t, notifier.Sent()[0].Text, "Trading enabled")
}

func TestEnsureApprovalsAbortsWithoutGas(t *testing.T) {
	chain := &adapters.FakeChain{
		GasPriceFunc: func(ctx context.Context) (*big.Int, error) { return big.NewInt(30_000_000_000), nil },
		BalanceFunc: func(ctx context.Context, address string) (*big.Int, error) {
			// 3 approvals * 100k gas * 30 gwei = 0.009 POL; required with
			// margin is 0.0135 POL. Hold less than that.
			return big.NewInt(9_000_000_000_000_000), nil
		},
	}
	notifier := &adapters.RecordingNotifier{}
	a := NewApprover(chain, notifier, commission.USDCAddress)

	got := a.EnsureApprovals(context.Background(), testWallet())

	assert.Equal(t, 0, got)
	assert.Empty(t, chain.Sent(), "approvals submitted despite missing gas")
	require.Len(t, notifier.Sent(), 1)
	assert.Contains(t, notifier.Sent()[0].Text, "needs gas")
}

func TestEnsureApprovalsToleratesPartialFailure(t *testing.T) {
	calls := 0
	chain := &adapters.FakeChain{
		GasPriceFunc: func(ctx context.Context) (*big.Int, error) { return big.NewInt(1), nil },
		BalanceFunc: func(ctx context.Context, address string) (*big.Int, error) {
			return new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil), nil
		},
		SendFunc: func(ctx context.Context, tx adapters.TxRequest) (string, error) {
			calls++
			if calls == 2 {
				return "", errors.New("nonce too low")
			}
			return "0xok", nil
		},
	}
	notifier := &adapters.RecordingNotifier{}
	a := NewApprover(chain, notifier, commission.USDCAddress)

	got := a.EnsureApprovals(context.Background(), testWallet())

	// One of three failed; the other two still went out and the summary
	// reports partial success.
	assert.Equal(t, 2, got)
	assert.Len(t, chain.Sent(), 3)
	require.Len(t, notifier.Sent(), 1)
	assert.Contains(t, notifier.Sent()[0].Text, "2/3")
}
