package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/jurishealth/internal/config"
	"github.com/sells-group/jurishealth/internal/model"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertRunFailed        AlertType = "ingest_run_failed"
	AlertRunPartial       AlertType = "ingest_run_partial"
	AlertRunFailureRate   AlertType = "ingest_failure_rate"
	AlertIngestionStalled AlertType = "ingest_stalled"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// telegramSender is satisfied by *tgbotapi.BotAPI.
type telegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Alerter turns closed runs and snapshots into alerts and delivers them to
// the configured webhook and Telegram chat.
type Alerter struct {
	cfg      config.MonitoringConfig
	client   *http.Client
	telegram telegramSender
	now      func() time.Time
}

// NewAlerter creates a new Alerter. The Telegram channel is enabled when a
// token and chat id are configured and the bot can be reached.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	a := &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		now:    func() time.Time { return time.Now().UTC() },
	}
	if cfg.TelegramToken != "" && cfg.TelegramChatID != 0 {
		bot, err := tgbotapi.NewBotAPI(cfg.TelegramToken)
		if err != nil {
			zap.L().Error("monitoring: telegram bot unavailable, alerts go to webhook only", zap.Error(err))
		} else {
			a.telegram = bot
		}
	}
	return a
}

// NotifyRun sends the alerts EvaluateRun produces for run.
func (a *Alerter) NotifyRun(ctx context.Context, run *model.IngestionRun) {
	a.SendAlerts(ctx, a.EvaluateRun(run))
}

// EvaluateRun returns an alert for a failed run, and for a partial run when
// alert_on_partial is set.
func (a *Alerter) EvaluateRun(run *model.IngestionRun) []Alert {
	var typ AlertType
	severity := "high"
	switch run.Outcome {
	case model.OutcomeFailed:
		typ = AlertRunFailed
	case model.OutcomePartial:
		if !a.cfg.AlertOnPartial {
			return nil
		}
		typ, severity = AlertRunPartial, "medium"
	default:
		return nil
	}

	var failed []string
	details := map[string]any{
		"run_id":  run.ID,
		"trigger": string(run.Trigger),
	}
	for origin, res := range run.Sources {
		if res.Error != "" {
			failed = append(failed, string(origin))
			details[string(origin)+"_error"] = res.Error
			details[string(origin)+"_attempts"] = res.Attempts
		}
	}
	sort.Strings(failed)
	totals := run.Totals()
	details["new"] = totals.New
	details["updated"] = totals.Updated

	return []Alert{{
		Type:     typ,
		Severity: severity,
		Message: fmt.Sprintf("Ingestion run %s %s (failed sources: %s)",
			run.ID, run.Outcome, strings.Join(failed, ", ")),
		Details:   details,
		Timestamp: a.now(),
	}}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *Snapshot) []Alert {
	var alerts []Alert
	now := a.now()

	// Failure rate over the lookback window.
	if snap.Finished >= 3 && a.cfg.FailureRateThreshold > 0 && snap.FailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertRunFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Ingestion failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.FailRate*100, a.cfg.FailureRateThreshold*100,
				snap.Failed, snap.Finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.FailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.Failed,
				"finished":     snap.Finished,
			},
			Timestamp: now,
		})
	}

	// No successful run for too long. Without a success in the window the
	// gap is only known when the window covers the limit.
	if a.cfg.StaleAfterHours > 0 {
		limit := time.Duration(a.cfg.StaleAfterHours) * time.Hour
		stale := snap.LookbackHours >= a.cfg.StaleAfterHours
		if snap.LastSuccessAt != nil {
			stale = snap.CollectedAt.Sub(*snap.LastSuccessAt) > limit
		}
		if stale {
			msg := fmt.Sprintf("No successful ingestion run in the last %dh", a.cfg.StaleAfterHours)
			details := map[string]any{"stale_after_hours": a.cfg.StaleAfterHours}
			if snap.LastSuccessAt != nil {
				details["last_success_at"] = snap.LastSuccessAt.Format(time.RFC3339)
			}
			alerts = append(alerts, Alert{
				Type:      AlertIngestionStalled,
				Severity:  "high",
				Message:   msg,
				Details:   details,
				Timestamp: now,
			})
		}
	}

	return alerts
}

// SendAlerts delivers alerts to every configured channel. Returns the
// number of alerts delivered to at least one channel.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if len(alerts) == 0 || (a.cfg.WebhookURL == "" && a.telegram == nil) {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		delivered := false
		if a.cfg.WebhookURL != "" {
			if err := a.sendWebhook(ctx, alert); err != nil {
				zap.L().Error("monitoring: failed to send webhook alert",
					zap.String("type", string(alert.Type)),
					zap.Error(err),
				)
			} else {
				delivered = true
			}
		}
		if a.telegram != nil {
			if err := a.sendTelegram(alert); err != nil {
				zap.L().Error("monitoring: failed to send telegram alert",
					zap.String("type", string(alert.Type)),
					zap.Error(err),
				)
			} else {
				delivered = true
			}
		}
		if !delivered {
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (a *Alerter) sendTelegram(alert Alert) error {
	msg := tgbotapi.NewMessage(a.cfg.TelegramChatID, formatTelegram(alert))
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := a.telegram.Send(msg); err != nil {
		return eris.Wrap(err, "monitoring: telegram send")
	}
	return nil
}

func formatTelegram(alert Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*%s* (%s)\n%s", alert.Type, alert.Severity, alert.Message)
	keys := make([]string, 0, len(alert.Details))
	for k := range alert.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n`%s`: %v", k, alert.Details[k])
	}
	return b.String()
}
