package resilience

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"explicit", NewTransientError(errors.New("server overloaded"), 503), true},
		{"wrapped", fmt.Errorf("fetch page: %w", NewTransientError(errors.New("rate limited"), 429)), true},
		{"parse error", errors.New("invalid json: unexpected token"), false},
		{"dns timeout", &net.DNSError{IsTimeout: true, Err: "timeout"}, true},
		{"conn reset", fmt.Errorf("dial tcp: %w", syscall.ECONNRESET), true},
		{"conn refused", fmt.Errorf("dial tcp: %w", syscall.ECONNREFUSED), true},
		{"conn aborted", fmt.Errorf("dial tcp: %w", syscall.ECONNABORTED), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsTransient_StringPatterns(t *testing.T) {
	for _, p := range transientPatterns {
		assert.True(t, IsTransient(errors.New("GET https://court.example: "+p)), p)
	}
}

func TestClassifyStatus(t *testing.T) {
	for _, code := range []int{200, 204} {
		assert.Equal(t, StatusOK, ClassifyStatus(code), code)
	}
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.Equal(t, StatusTransient, ClassifyStatus(code), code)
	}
	for _, code := range []int{401, 403} {
		assert.Equal(t, StatusAuth, ClassifyStatus(code), code)
	}
	for _, code := range []int{301, 400, 404, 422, 501} {
		assert.Equal(t, StatusPermanent, ClassifyStatus(code), code)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC)

	assert.Equal(t, 30*time.Second, ParseRetryAfter("30", now))
	assert.Equal(t, 90*time.Second, ParseRetryAfter(now.Add(90*time.Second).Format(http.TimeFormat), now))
	assert.Zero(t, ParseRetryAfter("", now))
	assert.Zero(t, ParseRetryAfter("-5", now))
	assert.Zero(t, ParseRetryAfter("soon", now))
	assert.Zero(t, ParseRetryAfter(now.Add(-time.Minute).Format(http.TimeFormat), now))
}

func TestRetryAfterOf(t *testing.T) {
	te := NewTransientError(errors.New("throttled"), 429)
	te.RetryAfter = 5 * time.Second
	assert.Equal(t, 5*time.Second, RetryAfterOf(fmt.Errorf("page 2: %w", te)))
	assert.Zero(t, RetryAfterOf(errors.New("plain")))
}
