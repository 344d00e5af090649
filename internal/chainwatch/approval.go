package chainwatch

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/Rajchodisetti/polymarket-bot/internal/adapters"
	"github.com/Rajchodisetti/polymarket-bot/internal/observ"
)

// Exchange contracts that need USDC spend approval before a wallet can trade.
const (
	CTFExchangeAddress    = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"
	NegRiskCTFAddress     = "0xC5d563A36AE78145C45a50134d48A1215220f80a"
	NegRiskAdapterAddress = "0xd91E80cF2E7be2e162c6513ceD06f1dD0dA35296"
)

const (
	// approvalGasLimit is the per-approval gas budget used for both the
	// cost estimate and the submitted transactions.
	approvalGasLimit = 100000
	// approvalSubmitDelay spaces sequential submissions so the node sees
	// them in nonce order.
	approvalSubmitDelay = 2 * time.Second
)

type counterparty struct {
	name    string
	address string
}

var tradingCounterparties = []counterparty{
	{"CTF Exchange", CTFExchangeAddress},
	{"NegRisk CTF Exchange", NegRiskCTFAddress},
	{"NegRisk Adapter", NegRiskAdapterAddress},
}

// allowanceHighWater is the threshold above which an existing allowance is
// treated as unlimited and skipped.
var allowanceHighWater = new(big.Int).Exp(big.NewInt(10), big.NewInt(30), nil)

// maxApproval is what each approval grants: the full uint256 range.
var maxApproval = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// Approver runs the one-time spend-approval workflow for a freshly funded
// wallet. Best-effort: a partial batch is reported as such, and nothing here
// blocks the deposit credit that triggered it.
type Approver struct {
	chain    adapters.ChainClient
	notifier adapters.Notifier
	asset    string // token contract the approvals are granted on
}

func NewApprover(chain adapters.ChainClient, notifier adapters.Notifier, asset string) *Approver {
	return &Approver{chain: chain, notifier: notifier, asset: asset}
}

// EnsureApprovals checks each trading counterparty's allowance and submits
// approvals for the ones still missing. Returns the number of approvals
// submitted successfully.
func (a *Approver) EnsureApprovals(ctx context.Context, wallet adapters.Wallet) int {
	var remaining []counterparty
	for _, cp := range tradingCounterparties {
		allowance, err := a.allowance(ctx, wallet.Address, cp.address)
		if err != nil {
			observ.Log("approval_allowance_check_failed", map[string]any{
				"wallet": wallet.Address, "counterparty": cp.name, "error": err.Error(),
			})
			remaining = append(remaining, cp)
			continue
		}
		if allowance.Cmp(allowanceHighWater) >= 0 {
			continue
		}
		remaining = append(remaining, cp)
	}
	if len(remaining) == 0 {
		return 0
	}

	gasPrice, err := a.chain.GasPrice(ctx)
	if err != nil {
		observ.Log("approval_gas_price_failed", map[string]any{"wallet": wallet.Address, "error": err.Error()})
		return 0
	}

	// Abort with a needs-gas notice unless the wallet holds the estimated
	// cost plus a 50% margin.
	cost := new(big.Int).Mul(gasPrice, big.NewInt(approvalGasLimit*int64(len(remaining))))
	required := new(big.Int).Div(new(big.Int).Mul(cost, big.NewInt(3)), big.NewInt(2))
	balance, err := a.chain.Balance(ctx, wallet.Address)
	if err != nil {
		observ.Log("approval_balance_check_failed", map[string]any{"wallet": wallet.Address, "error": err.Error()})
		return 0
	}
	if balance.Cmp(required) < 0 {
		observ.Log("approval_needs_gas", map[string]any{
			"wallet": wallet.Address, "balance": balance.String(), "required": required.String(),
		})
		a.notifier.Send(ctx, wallet.UserID,
			"⏳ *Trading approvals pending — needs gas*\n\nYour wallet needs a little POL to enable trading. Approvals will be retried on your next deposit.")
		return 0
	}

	succeeded := 0
	for i, cp := range remaining {
		if i > 0 {
			select {
			case <-time.After(approvalSubmitDelay):
			case <-ctx.Done():
				return succeeded
			}
		}
		txHash, err := a.chain.SendTransaction(ctx, adapters.TxRequest{
			From:     wallet.Address,
			To:       a.asset,
			Data:     adapters.EncodeApprove(cp.address, maxApproval),
			Gas:      approvalGasLimit,
			GasPrice: gasPrice,
		})
		if err != nil {
			observ.Log("approval_submit_failed", map[string]any{
				"wallet": wallet.Address, "counterparty": cp.name, "error": err.Error(),
			})
			continue
		}
		succeeded++
		observ.Log("approval_submitted", map[string]any{
			"wallet": wallet.Address, "counterparty": cp.name, "tx": txHash,
		})
	}

	if succeeded > 0 {
		observ.IncCounter("approvals_submitted_total", nil)
		a.notifier.Send(ctx, wallet.UserID, fmt.Sprintf(
			"🔓 *Trading enabled*\n\nApproved %d/%d exchange contracts for your wallet.",
			succeeded, len(remaining)))
	}
	return succeeded
}

func (a *Approver) allowance(ctx context.Context, owner, spender string) (*big.Int, error) {
	out, err := a.chain.Call(ctx, a.asset, adapters.EncodeAllowance(owner, spender))
	if err != nil {
		return nil, err
	}
	return adapters.DecodeUint(out)
}
