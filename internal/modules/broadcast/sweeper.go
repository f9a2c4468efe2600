// README: Escalation triggers: an interval ticker and a cron safety net.
package broadcast

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Sweeper is the in-process caller of Service.Sweep.
type Sweeper struct {
	svc      *Service
	interval time.Duration
	cronSpec string
	logger   *zap.Logger
}

func NewSweeper(svc *Service, interval time.Duration, cronSpec string, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Sweeper{svc: svc, interval: interval, cronSpec: cronSpec, logger: logger}
}

// Run sweeps on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx, "ticker")
		}
	}
}

// StartCron schedules an additional sweep on the cron spec. The schedule is
// stopped when ctx is done. An empty spec disables it.
func (s *Sweeper) StartCron(ctx context.Context) error {
	if s.cronSpec == "" {
		return nil
	}
	c := cron.New(cron.WithParser(cronParser))
	if _, err := c.AddFunc(s.cronSpec, func() { s.sweepOnce(ctx, "cron") }); err != nil {
		return fmt.Errorf("broadcast: cron spec %q: %w", s.cronSpec, err)
	}
	c.Start()
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return nil
}

func (s *Sweeper) sweepOnce(ctx context.Context, trigger string) {
	res, err := s.svc.Sweep(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("sweep failed", zap.String("trigger", trigger), zap.Error(err))
		}
		return
	}
	if res.Advanced > 0 || res.Failed > 0 {
		s.logger.Info("sweep finished",
			zap.String("trigger", trigger),
			zap.Int("advanced", res.Advanced),
			zap.Int("skipped", res.Skipped),
			zap.Int("failed", res.Failed),
		)
	}
}
