package adapters

import (
	"context"

	"github.com/shopspring/decimal"
)

// StopLossRule is a standing instruction to sell a fraction of a position
// once its price falls to the trigger. Rules are owned by the store; the
// price reactor only holds an in-memory index of the active ones.
type StopLossRule struct {
	ID             int64
	UserID         int64
	PositionID     int64
	TokenID        string
	TriggerPrice   float64
	SellPercentage float64
	Active         bool
}

// Position is an open outcome-token holding tracked for mark-price updates
// and stop-loss sizing.
type Position struct {
	ID             int64
	UserID         int64
	TokenID        string
	ConditionID    string
	Outcome        string
	Size           float64
	MarketQuestion string
}

// FollowerSubscription maps one follower to one followed trader.
// AllocationPct is always in (0, 100]. MaxTradeUSD of zero means no cap.
type FollowerSubscription struct {
	ID            int64
	UserID        int64
	TraderAddress string
	AllocationPct float64
	MaxTradeUSD   float64
	Active        bool
	DisplayName   string
}

// MonitoredOrder is an open limit order awaiting a fill event on the user
// channel, indexed by the exchange-assigned order ID.
type MonitoredOrder struct {
	DBOrderID       int64
	ExchangeOrderID string
	UserID          int64
	TokenID         string
	ConditionID     string
	Side            string
	Size            float64
	Price           float64
	MarketQuestion  string
}

// AlertDirection tells which way a price alert watches.
type AlertDirection string

const (
	AlertAbove AlertDirection = "above"
	AlertBelow AlertDirection = "below"
)

// PriceAlert fires once when the price crosses the target in the watched
// direction.
type PriceAlert struct {
	ID          int64
	UserID      int64
	TokenID     string
	TargetPrice float64
	Direction   AlertDirection
	Note        string
}

type Wallet struct {
	ID      int64
	UserID  int64
	Address string
}

type CommissionStatus string

const (
	CommissionTransferred CommissionStatus = "TRANSFERRED"
	CommissionPending     CommissionStatus = "PENDING"
	CommissionFailed      CommissionStatus = "FAILED"
)

type CommissionRecord struct {
	ID       int64
	UserID   int64
	OrderID  int64
	Side     string
	Amount   decimal.Decimal
	TxHash   string
	Status   CommissionStatus
	Attempts int
}

// Store is the relational persistence collaborator. Implementations must be
// safe for concurrent use; independent reactors call it simultaneously.
type Store interface {
	ActiveStopLossRules(ctx context.Context) ([]StopLossRule, error)
	DeactivateStopLoss(ctx context.Context, ruleID, resultingOrderID int64) error
	PositionByID(ctx context.Context, positionID int64) (Position, error)
	ReducePosition(ctx context.Context, positionID int64, size, price float64) error
	UpdateMarkPrice(ctx context.Context, tokenID string, price float64) error
	OpenPositionTokenIDs(ctx context.Context) ([]string, error)

	ActivePriceAlerts(ctx context.Context) ([]PriceAlert, error)
	MarkAlertTriggered(ctx context.Context, alertID int64) error

	FollowerSubscriptions(ctx context.Context) ([]FollowerSubscription, error)
	FollowerBalance(ctx context.Context, userID int64) (float64, error)
	RecordCopiedTrade(ctx context.Context, subscriptionID int64) error

	MonitoredOrders(ctx context.Context) ([]MonitoredOrder, error)
	UpdateOrderStatus(ctx context.Context, dbOrderID int64, status string) error

	WalletAddresses(ctx context.Context) ([]string, error)
	WalletByAddress(ctx context.Context, address string) (Wallet, error)
	WalletByUserID(ctx context.Context, userID int64) (Wallet, error)
	CreditBalance(ctx context.Context, walletID int64, amount decimal.Decimal) error

	RecordCommission(ctx context.Context, rec CommissionRecord) error
	PendingCommissions(ctx context.Context) ([]CommissionRecord, error)
	UpdateCommissionStatus(ctx context.Context, commissionID int64, status CommissionStatus, txHash string) error

	ChatID(ctx context.Context, userID int64) (int64, error)
}
