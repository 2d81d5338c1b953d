package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/jurishealth/internal/config"
)

const defaultRepeatAfter = 6 * time.Hour

// Checker evaluates ingestion health on a ticker. An alert type that was
// delivered is not sent again until RepeatAfter has passed.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig

	// RepeatAfter is the quiet period per alert type after a delivery.
	RepeatAfter time.Duration

	lastSent map[AlertType]time.Time
	now      func() time.Time
}

// NewChecker creates a Checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector:   collector,
		alerter:     alerter,
		cfg:         cfg,
		RepeatAfter: defaultRepeatAfter,
		lastSent:    make(map[AlertType]time.Time),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Run checks once immediately and then every check interval until ctx is
// cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("ingestion health checker started",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
		zap.Int("stale_after_hours", c.cfg.StaleAfterHours),
	)

	if ctx.Err() == nil {
		c.check(ctx, log)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("ingestion health checker stopped")
			return
		case <-ticker.C:
			c.check(ctx, log)
		}
	}
}

func (c *Checker) check(ctx context.Context, log *zap.Logger) {
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		log.Error("monitoring: collect run stats", zap.Error(err))
		return
	}

	now := c.now()
	var due []Alert
	for _, a := range c.alerter.Evaluate(snap) {
		if last, ok := c.lastSent[a.Type]; ok && now.Sub(last) < c.RepeatAfter {
			log.Debug("monitoring: alert suppressed", zap.String("type", string(a.Type)))
			continue
		}
		due = append(due, a)
	}
	if len(due) == 0 {
		return
	}

	// One delivery marks every due type; a failed send is retried next tick.
	if sent := c.alerter.SendAlerts(ctx, due); sent > 0 {
		for _, a := range due {
			c.lastSent[a.Type] = now
		}
	}
	log.Info("monitoring: health check alerted",
		zap.Int("runs", snap.Runs),
		zap.Float64("fail_rate", snap.FailRate),
		zap.Int("alerts", len(due)),
	)
}
