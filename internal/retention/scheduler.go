package retention

import (
	"context"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/aerocristobal/DocuFlux-sub000/internal/logging"
)

// Sweeper は Scheduler が定期実行する掃除処理です。
type Sweeper interface {
	Sweep(ctx context.Context) (*Report, error)
}

// Scheduler は cron 式に従って掃除を実行します。前回の掃除が終わっていない回は飛ばします。
type Scheduler struct {
	cron    *cron.Cron
	sweeper Sweeper
	logger  *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler は Scheduler を作成します。spec は "@every 5m" などの cron 式です。
func NewScheduler(spec string, sweeper Sweeper, logger *zap.Logger) (*Scheduler, error) {
	logger = logging.OrNop(logger).Named("retention")
	cl := cronLogger{logger: logger}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:    c,
		sweeper: sweeper,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
	if _, err := c.AddFunc(spec, s.run); err != nil {
		cancel()
		return nil, fmt.Errorf("invalid retention schedule %q: %w", spec, err)
	}
	return s, nil
}

// Start はスケジュールを開始します。
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("retention scheduler started")
}

// Stop は新しい実行を止め、実行中の掃除の終了を待ちます。
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.logger.Info("retention scheduler stopped")
}

// RunNow は掃除を即時に1回実行します。
func (s *Scheduler) RunNow(ctx context.Context) (*Report, error) {
	return s.sweeper.Sweep(ctx)
}

func (s *Scheduler) run() {
	if _, err := s.sweeper.Sweep(s.ctx); err != nil {
		if errors.Is(err, ErrSweepRunning) {
			s.logger.Debug("retention sweep skipped", zap.Error(err))
			return
		}
		s.logger.Error("retention sweep failed", zap.Error(err))
	}
}

// cronLogger は cron のログを zap に流します。
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
