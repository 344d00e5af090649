package adapters

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PoolConfig holds database connection configuration.
type PoolConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	PoolSize int
	SSLMode  string // disable, require, verify-ca, verify-full
}

// ConnectionString returns a PostgreSQL connection string.
func (c PoolConfig) ConnectionString() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

// NewPool creates a new connection pool with the given configuration.
func NewPool(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	if cfg.PoolSize > 0 {
		poolCfg.MaxConns = int32(cfg.PoolSize)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) ActiveStopLossRules(ctx context.Context) ([]StopLossRule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, position_id, token_id, trigger_price, sell_percentage, active
		FROM stop_loss_rules
		WHERE active`)
	if err != nil {
		return nil, fmt.Errorf("query stop loss rules: %w", err)
	}
	defer rows.Close()

	var out []StopLossRule
	for rows.Next() {
		var r StopLossRule
		if err := rows.Scan(&r.ID, &r.UserID, &r.PositionID, &r.TokenID, &r.TriggerPrice, &r.SellPercentage, &r.Active); err != nil {
			return nil, fmt.Errorf("scan stop loss rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeactivateStopLoss(ctx context.Context, ruleID, resultingOrderID int64) error {
	var orderRef any
	if resultingOrderID != 0 {
		orderRef = resultingOrderID
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE stop_loss_rules
		SET active = FALSE, triggered_at = now(), resulting_order_id = $2
		WHERE id = $1`, ruleID, orderRef)
	if err != nil {
		return fmt.Errorf("deactivate stop loss %d: %w", ruleID, err)
	}
	return nil
}

func (s *PostgresStore) PositionByID(ctx context.Context, positionID int64) (Position, error) {
	var p Position
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, token_id, condition_id, outcome, size, market_question
		FROM positions
		WHERE id = $1`, positionID).
		Scan(&p.ID, &p.UserID, &p.TokenID, &p.ConditionID, &p.Outcome, &p.Size, &p.MarketQuestion)
	if err != nil {
		return Position{}, fmt.Errorf("position %d: %w", positionID, err)
	}
	return p, nil
}

func (s *PostgresStore) ReducePosition(ctx context.Context, positionID int64, size, price float64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE positions
		SET size = GREATEST(size - $2, 0), current_price = $3, updated_at = now()
		WHERE id = $1`, positionID, size, price)
	if err != nil {
		return fmt.Errorf("reduce position %d: %w", positionID, err)
	}
	return nil
}

func (s *PostgresStore) UpdateMarkPrice(ctx context.Context, tokenID string, price float64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE positions
		SET current_price = $2, updated_at = now()
		WHERE token_id = $1 AND size > 0`, tokenID, price)
	if err != nil {
		return fmt.Errorf("update mark price %s: %w", tokenID, err)
	}
	return nil
}

func (s *PostgresStore) OpenPositionTokenIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT token_id FROM positions WHERE size > 0`)
	if err != nil {
		return nil, fmt.Errorf("query open position tokens: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan token id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ActivePriceAlerts(ctx context.Context) ([]PriceAlert, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, token_id, target_price, direction, COALESCE(note, '')
		FROM price_alerts
		WHERE triggered_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("query price alerts: %w", err)
	}
	defer rows.Close()

	var out []PriceAlert
	for rows.Next() {
		var a PriceAlert
		if err := rows.Scan(&a.ID, &a.UserID, &a.TokenID, &a.TargetPrice, &a.Direction, &a.Note); err != nil {
			return nil, fmt.Errorf("scan price alert: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkAlertTriggered(ctx context.Context, alertID int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE price_alerts SET triggered_at = now() WHERE id = $1`, alertID)
	if err != nil {
		return fmt.Errorf("mark alert %d triggered: %w", alertID, err)
	}
	return nil
}

func (s *PostgresStore) FollowerSubscriptions(ctx context.Context) ([]FollowerSubscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, lower(trader_address), allocation_pct, COALESCE(max_trade_usd, 0), active, COALESCE(display_name, '')
		FROM follower_subscriptions
		WHERE active`)
	if err != nil {
		return nil, fmt.Errorf("query follower subscriptions: %w", err)
	}
	defer rows.Close()

	var out []FollowerSubscription
	for rows.Next() {
		var f FollowerSubscription
		if err := rows.Scan(&f.ID, &f.UserID, &f.TraderAddress, &f.AllocationPct, &f.MaxTradeUSD, &f.Active, &f.DisplayName); err != nil {
			return nil, fmt.Errorf("scan follower subscription: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *PostgresStore) FollowerBalance(ctx context.Context, userID int64) (float64, error) {
	var balance float64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(w.usdc_balance), 0)
		FROM wallets w
		WHERE w.user_id = $1`, userID).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("follower balance %d: %w", userID, err)
	}
	return balance, nil
}

func (s *PostgresStore) RecordCopiedTrade(ctx context.Context, subscriptionID int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE follower_subscriptions
		SET trades_copied = trades_copied + 1, last_copied_at = now()
		WHERE id = $1`, subscriptionID)
	if err != nil {
		return fmt.Errorf("record copied trade %d: %w", subscriptionID, err)
	}
	return nil
}

func (s *PostgresStore) MonitoredOrders(ctx context.Context) ([]MonitoredOrder, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, exchange_order_id, user_id, token_id, condition_id, side, size, price, COALESCE(market_question, '')
		FROM orders
		WHERE status IN ('LIVE', 'OPEN', 'PARTIALLY_FILLED') AND exchange_order_id IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("query monitored orders: %w", err)
	}
	defer rows.Close()

	var out []MonitoredOrder
	for rows.Next() {
		var o MonitoredOrder
		if err := rows.Scan(&o.DBOrderID, &o.ExchangeOrderID, &o.UserID, &o.TokenID, &o.ConditionID, &o.Side, &o.Size, &o.Price, &o.MarketQuestion); err != nil {
			return nil, fmt.Errorf("scan monitored order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateOrderStatus(ctx context.Context, dbOrderID int64, status string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE orders SET status = $2, updated_at = now() WHERE id = $1`, dbOrderID, status)
	if err != nil {
		return fmt.Errorf("update order %d status: %w", dbOrderID, err)
	}
	return nil
}

func (s *PostgresStore) WalletAddresses(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT lower(address) FROM wallets`)
	if err != nil {
		return nil, fmt.Errorf("query wallet addresses: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, fmt.Errorf("scan wallet address: %w", err)
		}
		out = append(out, addr)
	}
	return out, rows.Err()
}

func (s *PostgresStore) WalletByAddress(ctx context.Context, address string) (Wallet, error) {
	var w Wallet
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, lower(address) FROM wallets WHERE lower(address) = lower($1)`, address).
		Scan(&w.ID, &w.UserID, &w.Address)
	if err != nil {
		return Wallet{}, fmt.Errorf("wallet %s: %w", address, err)
	}
	return w, nil
}

func (s *PostgresStore) WalletByUserID(ctx context.Context, userID int64) (Wallet, error) {
	var w Wallet
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, lower(address) FROM wallets WHERE user_id = $1`, userID).
		Scan(&w.ID, &w.UserID, &w.Address)
	if err != nil {
		return Wallet{}, fmt.Errorf("wallet for user %d: %w", userID, err)
	}
	return w, nil
}

func (s *PostgresStore) CreditBalance(ctx context.Context, walletID int64, amount decimal.Decimal) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE wallets
		SET usdc_balance = usdc_balance + $2, updated_at = now()
		WHERE id = $1`, walletID, amount)
	if err != nil {
		return fmt.Errorf("credit wallet %d: %w", walletID, err)
	}
	return nil
}

func (s *PostgresStore) RecordCommission(ctx context.Context, rec CommissionRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO commissions (user_id, order_id, side, amount, tx_hash, status, attempts, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, now())`,
		rec.UserID, rec.OrderID, rec.Side, rec.Amount, rec.TxHash, rec.Status, rec.Attempts)
	if err != nil {
		return fmt.Errorf("record commission order %d: %w", rec.OrderID, err)
	}
	return nil
}

func (s *PostgresStore) PendingCommissions(ctx context.Context) ([]CommissionRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, order_id, side, amount, COALESCE(tx_hash, ''), status, attempts
		FROM commissions
		WHERE status = 'PENDING'
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query pending commissions: %w", err)
	}
	defer rows.Close()

	var out []CommissionRecord
	for rows.Next() {
		var r CommissionRecord
		if err := rows.Scan(&r.ID, &r.UserID, &r.OrderID, &r.Side, &r.Amount, &r.TxHash, &r.Status, &r.Attempts); err != nil {
			return nil, fmt.Errorf("scan commission: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateCommissionStatus(ctx context.Context, commissionID int64, status CommissionStatus, txHash string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE commissions
		SET status = $2, tx_hash = NULLIF($3, ''), attempts = attempts + 1, updated_at = now()
		WHERE id = $1`, commissionID, status, txHash)
	if err != nil {
		return fmt.Errorf("update commission %d: %w", commissionID, err)
	}
	return nil
}

func (s *PostgresStore) ChatID(ctx context.Context, userID int64) (int64, error) {
	var chatID int64
	err := s.pool.QueryRow(ctx, `
		SELECT telegram_chat_id FROM users WHERE id = $1`, userID).Scan(&chatID)
	if err != nil {
		return 0, fmt.Errorf("chat id for user %d: %w", userID, err)
	}
	return chatID, nil
}
