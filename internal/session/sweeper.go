package session

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/KukuhKKH/diagram/internal/logger"
	"github.com/KukuhKKH/diagram/internal/metrics"
)

// Sweeper はストアの ClearExpired を定期的に呼び出します。実行が重なることはありません。
// ClearExpired が同時に持つロックはシャード 1 つ分なので、リクエスト側の操作を止めません。
type Sweeper struct {
	store    Store
	interval time.Duration
	cron     *cron.Cron
	log      *zap.Logger
}

// NewSweeper は interval ごとの掃除をスケジュールします。
func NewSweeper(store Store, interval time.Duration) (*Sweeper, error) {
	if store == nil {
		return nil, fmt.Errorf("session: sweeper store is nil")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("session: sweep interval must be positive, got %s", interval)
	}

	log := logger.Named("sweeper")
	s := &Sweeper{
		store:    store,
		interval: interval,
		log:      log,
		cron: cron.New(cron.WithChain(
			cron.Recover(cron.DefaultLogger),
			cron.SkipIfStillRunning(cron.DefaultLogger),
		)),
	}
	if _, err := s.cron.AddFunc("@every "+interval.String(), func() {
		s.Sweep(context.Background())
	}); err != nil {
		return nil, fmt.Errorf("session: schedule sweep: %w", err)
	}
	return s, nil
}

// Start はスケジュールを別 goroutine で開始します。
func (s *Sweeper) Start() {
	s.log.Info("session sweeper started",
		zap.String("backend", s.store.Backend()),
		zap.Duration("interval", s.interval),
	)
	s.cron.Start()
}

// Stop はスケジュールを止め、実行中の掃除の完了を ctx が終わるまで待ちます。
func (s *Sweeper) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.log.Warn("session sweeper stop timed out")
	}
}

// Sweep は ClearExpired を一度実行し、削除件数を返します。
func (s *Sweeper) Sweep(ctx context.Context) int {
	n, err := s.store.ClearExpired(ctx)
	if err != nil {
		s.log.Warn("session sweep failed", zap.String("backend", s.store.Backend()), zap.Error(err))
		return n
	}
	if n > 0 {
		metrics.SweptSessions.WithLabelValues(s.store.Backend()).Add(float64(n))
		s.log.Debug("expired sessions removed", zap.Int("count", n))
	}
	return n
}
