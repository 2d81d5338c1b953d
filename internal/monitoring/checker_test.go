package monitoring

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/sells-group/jurishealth/internal/config"
)

func TestChecker_RunStopsOnCancel(t *testing.T) {
	cfg := config.MonitoringConfig{CheckIntervalSecs: 1, LookbackWindowHours: 48}
	checker := NewChecker(NewCollector(&mockStore{}), NewAlerter(cfg), cfg)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_DefaultInterval(t *testing.T) {
	checker := NewChecker(NewCollector(&mockStore{}), NewAlerter(config.MonitoringConfig{}), config.MonitoringConfig{})
	assert.NotNil(t, checker)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}

func TestChecker_CheckSendsStalledAlert(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	cfg := config.MonitoringConfig{WebhookURL: ts.URL, LookbackWindowHours: 48, StaleAfterHours: 26}
	checker := NewChecker(newTestCollector(&mockStore{}), NewAlerter(cfg), cfg)

	checker.check(context.Background(), zap.NewNop())
	assert.Equal(t, int32(1), received.Load())
}

func TestChecker_SuppressesRepeatsWithinWindow(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	cfg := config.MonitoringConfig{WebhookURL: ts.URL, LookbackWindowHours: 48, StaleAfterHours: 26}
	checker := NewChecker(newTestCollector(&mockStore{}), NewAlerter(cfg), cfg)
	clock := collectedAt
	checker.now = func() time.Time { return clock }

	checker.check(context.Background(), zap.NewNop())
	clock = clock.Add(time.Hour)
	checker.check(context.Background(), zap.NewNop())
	assert.Equal(t, int32(1), received.Load())

	clock = clock.Add(checker.RepeatAfter)
	checker.check(context.Background(), zap.NewNop())
	assert.Equal(t, int32(2), received.Load())
}

func TestChecker_FailedDeliveryIsRetried(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if received.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	cfg := config.MonitoringConfig{WebhookURL: ts.URL, LookbackWindowHours: 48, StaleAfterHours: 26}
	checker := NewChecker(newTestCollector(&mockStore{}), NewAlerter(cfg), cfg)
	checker.now = func() time.Time { return collectedAt }

	checker.check(context.Background(), zap.NewNop())
	checker.check(context.Background(), zap.NewNop())
	assert.Equal(t, int32(2), received.Load())
	assert.Contains(t, checker.lastSent, AlertIngestionStalled)
}
