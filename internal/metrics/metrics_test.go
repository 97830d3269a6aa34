package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SmitUplenchwar2687/turnstile/internal/clock"
	"github.com/SmitUplenchwar2687/turnstile/internal/limiter"
	"github.com/SmitUplenchwar2687/turnstile/internal/storage"
)

type stubChecker struct {
	d   limiter.Decision
	err error
}

func (s stubChecker) Check(context.Context, string, limiter.Event) (limiter.Decision, error) {
	return s.d, s.err
}

func TestInstrument_CountsDecisions(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	vc := clock.NewVirtualClock(1704067200)
	l, err := limiter.New(storage.NewMemoryStore(vc), vc,
		limiter.WithConfig(limiter.Config{Algorithm: limiter.AlgorithmFixedWindow, MaxRequests: 2, IntervalSeconds: 60}))
	require.NoError(t, err)

	checker := c.Instrument(l)
	for i := 0; i < 3; i++ {
		_, err := checker.Check(context.Background(), "user1", limiter.Event{})
		require.NoError(t, err)
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(c.checks.WithLabelValues("fixed_window", "allowed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.checks.WithLabelValues("fixed_window", "denied")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.checkDuration))
}

func TestInstrument_CountsErrors(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	checker := c.Instrument(stubChecker{err: fmt.Errorf("%w: boom", limiter.ErrStoreUnavailable)})
	_, err := checker.Check(context.Background(), "user1", limiter.Event{})
	require.ErrorIs(t, err, limiter.ErrStoreUnavailable)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.checkErrors.WithLabelValues("unknown", "store_unavailable")))
}

func TestInstrument_StrategyLabel(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())
	vc := clock.NewVirtualClock(1704067200)
	s := limiter.NewTokenBucket(storage.NewMemoryStore(vc), vc, 1, 60, "")

	_, err := c.Instrument(s).Check(context.Background(), "user1", limiter.Event{})
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.checks.WithLabelValues("token_bucket", "allowed")))
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("x: %w", limiter.ErrConcurrencyViolation), "conflict"},
		{fmt.Errorf("x: %w", limiter.ErrStoreUnavailable), "store_unavailable"},
		{limiter.ErrInvalidIdentity, "invalid_identity"},
		{limiter.ErrNotConfigured, "not_configured"},
		{errors.New("other"), "other"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ErrorKind(tt.err), "ErrorKind(%v)", tt.err)
	}
}

func TestHandler_ExposesMetrics(t *testing.T) {
	c := NewCollector(nil)
	c.RecordDecision("sliding_log", true, 0)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `turnstile_checks_total{algorithm="sliding_log",result="allowed"} 1`), body)
	assert.True(t, strings.Contains(body, "go_goroutines"), "default registry should carry runtime metrics")
}
