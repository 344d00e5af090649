package commission

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/polymarket-bot/internal/adapters"
	"github.com/Rajchodisetti/polymarket-bot/internal/observ"
)

// USDCAddress is the bridged USDC.e contract on Polygon, the collateral
// token every trade settles in.
const USDCAddress = "0x2791bca1f2de4661ed88a30c99a7a9449aa84174"

// USDCDecimals is the token's base-unit exponent.
const USDCDecimals = 6

// transferGasLimit covers a plain ERC-20 transfer with headroom.
const transferGasLimit = 65000

// Calculation is the commission breakdown for one trade.
type Calculation struct {
	TradeAmount decimal.Decimal
	Rate        decimal.Decimal
	Commission  decimal.Decimal
	NetAmount   decimal.Decimal
}

// Policy turns a trade value into a commission amount. Commissions under the
// minimum round down to zero rather than dust-charging the user.
type Policy struct {
	Rate decimal.Decimal // fraction, e.g. 0.01 for 100 bps
	Min  decimal.Decimal // USD
}

func NewPolicy(rateBps int, minUSD float64) Policy {
	return Policy{
		Rate: decimal.New(int64(rateBps), -4),
		Min:  decimal.NewFromFloat(minUSD),
	}
}

func (p Policy) Calculate(tradeAmount decimal.Decimal) Calculation {
	commission := tradeAmount.Mul(p.Rate)
	if commission.LessThan(p.Min) {
		commission = decimal.Zero
	}
	return Calculation{
		TradeAmount: tradeAmount,
		Rate:        p.Rate,
		Commission:  commission,
		NetAmount:   tradeAmount.Sub(commission),
	}
}

// Service collects operator commissions on filled trades. Transfers move
// USDC from the user's wallet to the treasury; when the user's signing key
// is not available the commission is parked as pending and retried by
// ReconcilePending.
type Service struct {
	store      adapters.Store
	chain      adapters.ChainClient
	keys       adapters.KeySource
	policy     Policy
	treasury   string
	maxRetries int
	enabled    bool
}

func NewService(store adapters.Store, chain adapters.ChainClient, keys adapters.KeySource, policy Policy, treasury string, maxRetries int, enabled bool) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Service{
		store:      store,
		chain:      chain,
		keys:       keys,
		policy:     policy,
		treasury:   treasury,
		maxRetries: maxRetries,
		enabled:    enabled,
	}
}

// Enabled reports whether commissions are collected at all.
func (s *Service) Enabled() bool {
	return s.enabled && s.treasury != "" && s.policy.Rate.IsPositive()
}

// ProcessFill charges the commission for one filled order. Failures are
// internal bookkeeping only; nothing here is surfaced to the user.
func (s *Service) ProcessFill(ctx context.Context, userID, dbOrderID int64, side string, tradeAmount float64) {
	if !s.Enabled() {
		return
	}
	calc := s.policy.Calculate(decimal.NewFromFloat(tradeAmount))
	if !calc.Commission.IsPositive() {
		return
	}

	rec := adapters.CommissionRecord{
		UserID:  userID,
		OrderID: dbOrderID,
		Side:    side,
		Amount:  calc.Commission,
	}

	wallet, err := s.store.WalletByUserID(ctx, userID)
	if err != nil {
		observ.Log("commission_wallet_missing", map[string]any{"user_id": userID, "error": err.Error()})
		rec.Status = adapters.CommissionPending
		s.record(ctx, rec)
		return
	}

	if _, err := s.keys.SigningKey(ctx, userID); err != nil {
		observ.Log("commission_key_unavailable", map[string]any{"user_id": userID})
		rec.Status = adapters.CommissionPending
		s.record(ctx, rec)
		return
	}

	txHash, err := s.transfer(ctx, wallet.Address, calc.Commission)
	if err != nil {
		observ.Log("commission_transfer_failed", map[string]any{"user_id": userID, "error": err.Error()})
		rec.Status = adapters.CommissionPending
		s.record(ctx, rec)
		return
	}

	rec.Status = adapters.CommissionTransferred
	rec.TxHash = txHash
	s.record(ctx, rec)
	observ.IncCounter("commissions_collected_total", nil)
	observ.Log("commission_collected", map[string]any{
		"user_id": userID, "order_id": dbOrderID, "amount": calc.Commission.String(), "tx": txHash,
	})
}

// ReconcilePending retries every pending commission once. A record that has
// exhausted the retry ceiling is marked FAILED and left for an operator.
func (s *Service) ReconcilePending(ctx context.Context) {
	if !s.Enabled() {
		return
	}
	pending, err := s.store.PendingCommissions(ctx)
	if err != nil {
		observ.Log("commission_reconcile_failed", map[string]any{"error": err.Error()})
		return
	}
	for _, rec := range pending {
		if rec.Attempts >= s.maxRetries {
			if err := s.store.UpdateCommissionStatus(ctx, rec.ID, adapters.CommissionFailed, rec.TxHash); err != nil {
				observ.Log("commission_status_update_failed", map[string]any{"commission_id": rec.ID, "error": err.Error()})
			}
			observ.Log("commission_abandoned", map[string]any{"commission_id": rec.ID, "attempts": rec.Attempts})
			continue
		}
		s.retryOne(ctx, rec)
	}
}

func (s *Service) retryOne(ctx context.Context, rec adapters.CommissionRecord) {
	wallet, err := s.store.WalletByUserID(ctx, rec.UserID)
	if err != nil {
		s.bumpAttempt(ctx, rec)
		return
	}
	if _, err := s.keys.SigningKey(ctx, rec.UserID); err != nil {
		s.bumpAttempt(ctx, rec)
		return
	}
	txHash, err := s.transfer(ctx, wallet.Address, rec.Amount)
	if err != nil {
		observ.Log("commission_retry_failed", map[string]any{"commission_id": rec.ID, "error": err.Error()})
		s.bumpAttempt(ctx, rec)
		return
	}
	if err := s.store.UpdateCommissionStatus(ctx, rec.ID, adapters.CommissionTransferred, txHash); err != nil {
		observ.Log("commission_status_update_failed", map[string]any{"commission_id": rec.ID, "error": err.Error()})
		return
	}
	observ.IncCounter("commissions_collected_total", nil)
	observ.Log("commission_retry_succeeded", map[string]any{"commission_id": rec.ID, "tx": txHash})
}

func (s *Service) bumpAttempt(ctx context.Context, rec adapters.CommissionRecord) {
	if err := s.store.UpdateCommissionStatus(ctx, rec.ID, adapters.CommissionPending, rec.TxHash); err != nil {
		observ.Log("commission_status_update_failed", map[string]any{"commission_id": rec.ID, "error": err.Error()})
	}
}

// transfer moves amount USDC from the user's wallet to the treasury.
func (s *Service) transfer(ctx context.Context, fromAddress string, amount decimal.Decimal) (string, error) {
	baseUnits := amount.Shift(USDCDecimals).BigInt()
	gasPrice, err := s.chain.GasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("gas price: %w", err)
	}
	txHash, err := s.chain.SendTransaction(ctx, adapters.TxRequest{
		From:     fromAddress,
		To:       USDCAddress,
		Data:     adapters.EncodeTransfer(s.treasury, baseUnits),
		Gas:      transferGasLimit,
		GasPrice: gasPrice,
	})
	if err != nil {
		return "", fmt.Errorf("send transfer: %w", err)
	}
	return txHash, nil
}

func (s *Service) record(ctx context.Context, rec adapters.CommissionRecord) {
	if err := s.store.RecordCommission(ctx, rec); err != nil {
		observ.Log("commission_record_failed", map[string]any{
			"user_id": rec.UserID, "order_id": rec.OrderID, "error": err.Error(),
		})
	}
}
