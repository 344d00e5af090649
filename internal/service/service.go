package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Rajchodisetti/polymarket-bot/internal/adapters"
	"github.com/Rajchodisetti/polymarket-bot/internal/chainwatch"
	"github.com/Rajchodisetti/polymarket-bot/internal/commission"
	"github.com/Rajchodisetti/polymarket-bot/internal/config"
	"github.com/Rajchodisetti/polymarket-bot/internal/observ"
	"github.com/Rajchodisetti/polymarket-bot/internal/reactor"
	"github.com/Rajchodisetti/polymarket-bot/internal/transport"
)

// Connection names on the supervisor.
const (
	marketConn = "market"
	userConn   = "user"
)

// userChannelSubscription is the user-channel subscribe shape: trader
// addresses go in "markets", not "assets_ids".
type userChannelSubscription struct {
	Markets []string `json:"markets"`
	Type    string   `json:"type"`
}

func userSubscribeEncoder(keys []string, subscribe bool) any {
	return userChannelSubscription{Markets: keys, Type: "USER"}
}

// Service assembles the streaming engine: the supervisor's two exchange
// connections, the deposit watcher, the three reactors, and the periodic
// refresh/reconcile loops.
type Service struct {
	cfg        config.Root
	supervisor *transport.Supervisor
	watcher    *chainwatch.Watcher
	price      *reactor.PriceReactor
	mirror     *reactor.MirrorReactor
	fill       *reactor.FillReactor
	commission *commission.Service

	cancel context.CancelFunc
	group  *errgroup.Group
}

func New(cfg config.Root, store adapters.Store, exchange adapters.ExchangeClient, chain adapters.ChainClient, notifier adapters.Notifier, keys adapters.KeySource) (*Service, error) {
	sup := transport.NewSupervisor()

	commissionSvc := commission.NewService(
		store, chain, keys,
		commission.NewPolicy(cfg.Commission.RateBps, cfg.Commission.MinUSD),
		cfg.Commission.TreasuryAddress,
		cfg.Commission.MaxRetries,
		cfg.Commission.Enabled,
	)

	price := reactor.NewPriceReactor(store, exchange, notifier, sup, marketConn)
	mirror := reactor.NewMirrorReactor(store, exchange, notifier, sup, userConn, cfg.Mirror.MinTradeUSD)
	fill := reactor.NewFillReactor(store, commissionSvc, notifier)

	if err := sup.Register(transport.ConnConfig{
		Name:    marketConn,
		URL:     cfg.Websocket.MarketURL,
		Handler: price.HandleFrame,
	}); err != nil {
		return nil, fmt.Errorf("register market connection: %w", err)
	}

	// The mirror and fill reactors share the user channel: every frame is
	// offered to both, in order.
	userHandler := func(ctx context.Context, raw []byte) error {
		return errors.Join(mirror.HandleFrame(ctx, raw), fill.HandleFrame(ctx, raw))
	}
	if err := sup.Register(transport.ConnConfig{
		Name:    userConn,
		URL:     cfg.Websocket.UserURL,
		Encode:  userSubscribeEncoder,
		Handler: userHandler,
	}); err != nil {
		return nil, fmt.Errorf("register user connection: %w", err)
	}

	approver := chainwatch.NewApprover(chain, notifier, commission.USDCAddress)
	watcher := chainwatch.NewWatcher(chainwatch.Config{
		WSURL:          cfg.Chain.WSURL,
		BackfillBlocks: cfg.Chain.BackfillBlocks,
	}, store, chain, notifier, approver)

	return &Service{
		cfg:        cfg,
		supervisor: sup,
		watcher:    watcher,
		price:      price,
		mirror:     mirror,
		fill:       fill,
		commission: commissionSvc,
	}, nil
}

// Price exposes the price reactor for host-application index updates
// (new stop-loss rules, alerts, positions).
func (s *Service) Price() *reactor.PriceReactor { return s.price }

// Mirror exposes the mirror reactor for subscription add/remove calls.
func (s *Service) Mirror() *reactor.MirrorReactor { return s.mirror }

// Fill exposes the fill reactor so freshly placed limit orders can be
// monitored without waiting for the next refresh.
func (s *Service) Fill() *reactor.FillReactor { return s.fill }

// Watcher exposes the deposit watcher for wallet add/remove calls.
func (s *Service) Watcher() *chainwatch.Watcher { return s.watcher }

// Start brings up every connection, loads the reactor indices, and launches
// the periodic refresh and commission-reconcile loops.
func (s *Service) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	s.group, ctx = errgroup.WithContext(ctx)

	if err := s.supervisor.Start(ctx); err != nil {
		return fmt.Errorf("start supervisor: %w", err)
	}
	if err := s.watcher.Start(ctx); err != nil {
		return fmt.Errorf("start deposit watcher: %w", err)
	}

	// Initial index load. Subscriptions issued before the sockets are up
	// fail quietly; the first refresh tick replays them.
	s.refresh(ctx)

	refreshEvery := time.Duration(s.cfg.RefreshSecs) * time.Second
	s.group.Go(func() error {
		ticker := time.NewTicker(refreshEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				s.refresh(ctx)
			}
		}
	})

	reconcileEvery := time.Duration(s.cfg.Commission.ReconcileIntervalSecs) * time.Second
	s.group.Go(func() error {
		ticker := time.NewTicker(reconcileEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				s.commission.ReconcilePending(ctx)
			}
		}
	})

	observ.Log("service_started", map[string]any{
		"refresh_seconds":   s.cfg.RefreshSecs,
		"reconcile_seconds": s.cfg.Commission.ReconcileIntervalSecs,
	})
	return nil
}

func (s *Service) refresh(ctx context.Context) {
	if err := s.price.Refresh(ctx); err != nil {
		observ.Log("refresh_failed", map[string]any{"component": "price", "error": err.Error()})
	}
	if err := s.mirror.RefreshSubscriptions(ctx); err != nil {
		observ.Log("refresh_failed", map[string]any{"component": "mirror", "error": err.Error()})
	}
	if err := s.fill.RefreshMonitoredOrders(ctx); err != nil {
		observ.Log("refresh_failed", map[string]any{"component": "fill", "error": err.Error()})
	}
}

// Stop tears everything down and waits for the loops to exit.
func (s *Service) Stop() error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	s.watcher.Stop()
	supErr := s.supervisor.Stop()
	groupErr := s.group.Wait()
	observ.Log("service_stopped", nil)
	return errors.Join(supErr, groupErr)
}
