package sweeper

import (
	"context"
	"sync"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/gavelworks/gavel/internal/config"
	"github.com/gavelworks/gavel/internal/service/settlement"
)

// Sweeper runs the two time-driven reconciliation loops: closing auctions
// whose end time passed and cancelling orders whose payment window lapsed.
// Each pass handles items in independent transactions, so one bad row never
// wedges the loop.
type Sweeper struct {
	settlement *settlement.Service
	cfg        config.Config
	logger     *zap.Logger
	cancel     context.CancelFunc
	wg         *sync.WaitGroup
}

// Params collects dependencies via Fx.
type Params struct {
	fx.In

	Settlement *settlement.Service
	Config     config.Config
	Logger     *zap.Logger
}

// NewSweeper constructs the sweeper.
func NewSweeper(p Params) *Sweeper {
	return &Sweeper{
		settlement: p.Settlement,
		cfg:        p.Config,
		logger:     p.Logger,
	}
}

// Module wires the sweeper into Fx lifecycle.
var Module = fx.Options(
	fx.Provide(NewSweeper),
	fx.Invoke(func(lc fx.Lifecycle, sweeper *Sweeper) {
		lc.Append(fx.Hook{
			OnStart: sweeper.start,
			OnStop:  sweeper.stop,
		})
	}),
)

func (s *Sweeper) start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg = &sync.WaitGroup{}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.loop(runCtx, s.cfg.Sweep.CloseInterval, s.settlement.CloseExpiredAuctions)
	}()
	go func() {
		defer s.wg.Done()
		s.loop(runCtx, s.cfg.Sweep.OrderInterval, s.settlement.CancelExpiredOrders)
	}()

	s.logger.Info("sweeper started",
		zap.Duration("close_interval", s.cfg.Sweep.CloseInterval),
		zap.Duration("order_interval", s.cfg.Sweep.OrderInterval),
	)

	return nil
}

func (s *Sweeper) stop(ctx context.Context) error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		s.logger.Info("sweeper stopped")

		return nil
	}
}

func (s *Sweeper) loop(ctx context.Context, interval time.Duration, pass func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pass(ctx)
		}
	}
}
