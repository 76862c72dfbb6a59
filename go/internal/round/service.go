// Package round wires the push connection, the round state machine, the
// reconciler and the status API into one service.
package round

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/kurolabs/kuro/go/clients/kuro_api_client"
	"github.com/kurolabs/kuro/go/internal/config"
	"github.com/kurolabs/kuro/go/internal/ledger"
	"github.com/kurolabs/kuro/go/internal/round/connection"
	"github.com/kurolabs/kuro/go/internal/round/entries"
	"github.com/kurolabs/kuro/go/internal/round/lifecycle"
	"github.com/kurolabs/kuro/go/internal/round/reconcile"
	"github.com/kurolabs/kuro/go/internal/round/statusapi"
	"github.com/kurolabs/kuro/go/internal/round/wheel"
)

// Service owns one watcher: a connection, its engine and the collaborators
// the engine reports to.
type Service struct {
	manager    *connection.Manager
	engine     *lifecycle.Engine
	reconciler *reconcile.App
	ledger     *ledger.Client
	status     *statusapi.Server
}

// NewService builds every component from cfg. The ledger is only dialled
// when both an RPC url and a private key are configured.
func NewService(ctx context.Context, cfg config.Config, clock clockwork.Clock) (*Service, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	dialer, err := newDialer(cfg)
	if err != nil {
		return nil, err
	}
	manager := connection.NewManager(dialer, clock, connection.Config{
		MaxAttempts:    cfg.MaxAttempts,
		ReconnectDelay: cfg.ReconnectDelay,
	})

	prizes := entries.DefaultPrizeTable()
	if cfg.PrizeTable != "" {
		if prizes, err = entries.LoadPrizeTable(cfg.PrizeTable); err != nil {
			return nil, err
		}
	}

	deps := reconcile.Deps{}
	api := kuro_api_client.NewKuroApiClient(cfg.APIURL)
	deps.Auth = api
	deps.History = api

	var address string
	var chain *ledger.Client
	if cfg.PrivateKey != "" {
		signer, err := ledger.NewKeySigner(cfg.PrivateKey)
		if err != nil {
			return nil, err
		}
		address = signer.Address()
		deps.Signer = signer

		if cfg.LedgerEnabled() {
			chain, err = ledger.NewClient(ctx, cfg.RPCURL, signer, cfg.ChainID, cfg.Decimals)
			if err != nil {
				return nil, err
			}
			deps.Ledger = chain
		}
	}

	reconciler := reconcile.NewApp(deps, reconcile.Config{
		LegacyPool:     cfg.LegacyPool,
		MultiTokenPool: cfg.MultiTokenPool,
		MinDeposit:     cfg.MinDeposit,
		Decimals:       cfg.Decimals,
		ReferralCode:   cfg.ReferralCode,
	})

	engineCfg := lifecycle.DefaultConfig()
	engineCfg.VisualBuffer = cfg.VisualBuffer
	engineCfg.SpinDuration = cfg.SpinDuration
	engineCfg.ShowWinnerFor = cfg.ShowWinnerFor
	engineCfg.MaxAttempts = cfg.MaxAttempts
	engineCfg.Address = address
	engineCfg.Aggregator = entries.New(cfg.Decimals)
	engineCfg.Prizes = prizes
	if cfg.RandomSeed != 0 {
		engineCfg.Random = wheel.NewSeededSource(cfg.RandomSeed)
	}

	engine := lifecycle.NewEngine(manager, reconciler, clock, engineCfg)
	reconciler.SetPhaseReader(engine)

	s := &Service{
		manager:    manager,
		engine:     engine,
		reconciler: reconciler,
		ledger:     chain,
	}
	if cfg.StatusAddr != "" {
		handler := statusapi.NewHandler(engine, reconciler)
		handler.SetSubscriber(manager)
		s.status = statusapi.NewServer(cfg.StatusAddr, handler)
	}

	log.Info().
		Str("transport", cfg.Transport).
		Str("api_url", cfg.APIURL).
		Str("address", address).
		Bool("ledger", chain != nil).
		Str("status_addr", cfg.StatusAddr).
		Msg("round service configured")
	return s, nil
}

func newDialer(cfg config.Config) (connection.Dialer, error) {
	switch cfg.Transport {
	case config.TransportWebSocket:
		return connection.NewWebSocketDialer(connection.DefaultWebSocketConfig(cfg.PushURL)), nil
	case config.TransportNATS:
		natsCfg := connection.DefaultNATSConfig()
		natsCfg.URL = cfg.NATSURL
		if cfg.SubjectPrefix != "" {
			natsCfg.SubjectPrefix = cfg.SubjectPrefix
		}
		return connection.NewNATSDialer(natsCfg), nil
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownTransport, cfg.Transport)
	}
}

// Engine returns the round state machine.
func (s *Service) Engine() *lifecycle.Engine {
	return s.engine
}

// Reconciler returns the history and claim reconciler.
func (s *Service) Reconciler() *reconcile.App {
	return s.reconciler
}

// Run runs the engine and the status API until ctx is done or either fails.
func (s *Service) Run(ctx context.Context) error {
	log.Info().Msg("starting round service")
	defer s.close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.engine.Run(gctx)
	})
	if s.status != nil {
		g.Go(func() error {
			return s.status.Run(gctx)
		})
	}
	g.Go(func() error {
		// Prime the history cache; a failure only means the first page
		// arrives with the next winner.
		if err := s.reconciler.RefreshLatest(gctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Msg("initial history refresh failed")
		}
		return nil
	})

	err := g.Wait()
	log.Info().Err(err).Msg("round service stopped")
	return err
}

func (s *Service) close() {
	if s.ledger != nil {
		s.ledger.Close()
	}
}
