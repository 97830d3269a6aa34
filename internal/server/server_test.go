package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SmitUplenchwar2687/turnstile/internal/clock"
	"github.com/SmitUplenchwar2687/turnstile/internal/limiter"
	"github.com/SmitUplenchwar2687/turnstile/internal/metrics"
	"github.com/SmitUplenchwar2687/turnstile/internal/recorder"
	"github.com/SmitUplenchwar2687/turnstile/internal/storage"
)

const epoch int64 = 1704067200 // 2024-01-01T00:00:00Z

func newLimiter(t *testing.T, vc clock.Clock, alg limiter.Algorithm, max int, interval int64) *limiter.Limiter {
	t.Helper()
	lim, err := limiter.New(storage.NewMemoryStore(vc), vc, limiter.WithConfig(limiter.Config{
		Algorithm:       alg,
		MaxRequests:     max,
		IntervalSeconds: interval,
	}))
	require.NoError(t, err)
	return lim
}

func quietLogger() logrus.FieldLogger {
	logger, _ := test.NewNullLogger()
	return logger
}

func startTestServer(t *testing.T, lim Limiter, opts Options) (*Server, string) {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	srv := New(lim, opts)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		if opts.Hub != nil {
			opts.Hub.Close()
		}
		ts.Close()
	})
	return srv, ts.URL
}

func get(t *testing.T, url string, headers ...string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeDecision(t *testing.T, resp *http.Response) limiter.Decision {
	t.Helper()
	var d limiter.Decision
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&d))
	return d
}

// stubLimiter answers every check from fn and counts calls.
type stubLimiter struct {
	calls atomic.Int32
	fn    func(call int) (limiter.Decision, error)
}

func (s *stubLimiter) Check(context.Context, string, limiter.Event) (limiter.Decision, error) {
	n := int(s.calls.Add(1))
	return s.fn(n)
}

func (s *stubLimiter) Config() (limiter.Config, bool) {
	return limiter.Config{Algorithm: limiter.AlgorithmFixedWindow, MaxRequests: 5, IntervalSeconds: 60}, true
}

func TestServer_Root(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	_, url := startTestServer(t, newLimiter(t, vc, limiter.AlgorithmTokenBucket, 2, 60), Options{Clock: vc})

	resp := get(t, url+"/", "X-API-Key", "key-1")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "turnstile", body["service"])
	assert.Equal(t, "key-1", body["identity"])
	assert.Equal(t, "2024-01-01T00:00:00Z", body["time"])
	assert.Equal(t, "2", resp.Header.Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", resp.Header.Get("X-RateLimit-Remaining"))

	get(t, url+"/", "X-API-Key", "key-1")
	resp = get(t, url+"/", "X-API-Key", "key-1")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode, "the greeting is guarded")
}

func TestServer_Health(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	_, url := startTestServer(t, newLimiter(t, vc, limiter.AlgorithmSlidingLog, 10, 60), Options{Clock: vc})

	resp := get(t, url+"/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status string         `json:"status"`
		Limit  limiter.Config `json:"limit"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, limiter.AlgorithmSlidingLog, body.Limit.Algorithm)
}

func TestServer_Health_Unconfigured(t *testing.T) {
	lim, err := limiter.New(storage.NewMemoryStore(nil), nil)
	require.NoError(t, err)
	_, url := startTestServer(t, lim, Options{})

	resp := get(t, url+"/health")
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "unconfigured")

	resp = get(t, url+"/api/check/user1")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_NotFound(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	_, url := startTestServer(t, newLimiter(t, vc, limiter.AlgorithmTokenBucket, 10, 60), Options{Clock: vc})

	resp := get(t, url+"/nonexistent")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_CheckIdentity_Allowed(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	_, url := startTestServer(t, newLimiter(t, vc, limiter.AlgorithmTokenBucket, 10, 60), Options{Clock: vc})

	resp := get(t, url+"/api/check/user1")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	d := decodeDecision(t, resp)
	assert.True(t, d.Allowed, "first request should be allowed")
	assert.Equal(t, 9, d.Remaining)

	assert.Equal(t, "10", resp.Header.Get("X-RateLimit-Limit"))
	assert.Equal(t, "9", resp.Header.Get("X-RateLimit-Remaining"))
	assert.Equal(t, fmt.Sprint(epoch+60), resp.Header.Get("X-RateLimit-Reset"))
	assert.Empty(t, resp.Header.Get("Retry-After"))
}

func TestServer_CheckIdentity_Denied(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	_, url := startTestServer(t, newLimiter(t, vc, limiter.AlgorithmTokenBucket, 3, 60), Options{Clock: vc})

	for i := 0; i < 3; i++ {
		get(t, url+"/api/check/user1")
	}
	vc.Advance(15 * time.Second)

	resp := get(t, url+"/api/check/user1")
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	d := decodeDecision(t, resp)
	assert.False(t, d.Allowed, "4th request should be denied")
	assert.Equal(t, "45", resp.Header.Get("Retry-After"))
	assert.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))
}

func TestServer_CheckIdentity_DeniedWithoutRetryHint(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	_, url := startTestServer(t, newLimiter(t, vc, limiter.AlgorithmLeakyBucket, 1, 60), Options{Clock: vc})

	get(t, url+"/api/check/user1")
	resp := get(t, url+"/api/check/user1")
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"), "an unknown retry time still sends a hint")
	assert.Empty(t, resp.Header.Get("X-RateLimit-Reset"))
}

func TestServer_CheckIdentity_Empty(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	_, url := startTestServer(t, newLimiter(t, vc, limiter.AlgorithmTokenBucket, 10, 60), Options{Clock: vc})

	resp := get(t, url+"/api/check/")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_Check_UsesCallerIdentity(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	_, url := startTestServer(t, newLimiter(t, vc, limiter.AlgorithmFixedWindow, 1, 60), Options{Clock: vc})

	assert.Equal(t, http.StatusOK, get(t, url+"/api/check", "X-API-Key", "a").StatusCode)
	assert.Equal(t, http.StatusTooManyRequests, get(t, url+"/api/check", "X-API-Key", "a").StatusCode)
	assert.Equal(t, http.StatusOK, get(t, url+"/api/check", "X-API-Key", "b").StatusCode)
	assert.Equal(t, http.StatusOK, get(t, url+"/api/check").StatusCode, "remote address is its own identity")
}

func TestServer_SeparateIdentitiesAreSeparate(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	_, url := startTestServer(t, newLimiter(t, vc, limiter.AlgorithmLeakyBucket, 1, 60), Options{Clock: vc})

	assert.Equal(t, http.StatusOK, get(t, url+"/api/check/user1").StatusCode)
	assert.Equal(t, http.StatusTooManyRequests, get(t, url+"/api/check/user1").StatusCode)
	assert.Equal(t, http.StatusOK, get(t, url+"/api/check/user2").StatusCode)
}

func TestIdentify(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"api key wins", map[string]string{"X-API-Key": "k1", "X-Forwarded-For": "10.0.0.1"}, "192.0.2.1:1234", "k1"},
		{"first forwarded address", map[string]string{"X-Forwarded-For": "10.0.0.1, 10.0.0.2"}, "192.0.2.1:1234", "10.0.0.1"},
		{"blank key ignored", map[string]string{"X-API-Key": "  "}, "192.0.2.1:1234", "192.0.2.1"},
		{"remote ip without port", nil, "192.0.2.1:1234", "192.0.2.1"},
		{"unparseable remote", nil, "pipe", "pipe"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, Identify(r))
		})
	}
}

func TestServer_StoreUnavailable(t *testing.T) {
	failing := func(int) (limiter.Decision, error) {
		return limiter.Decision{}, fmt.Errorf("token_bucket: %w: connection refused", limiter.ErrStoreUnavailable)
	}

	t.Run("fail closed", func(t *testing.T) {
		_, url := startTestServer(t, &stubLimiter{fn: failing}, Options{})
		resp := get(t, url+"/api/check/user1")
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		assert.Equal(t, "1", resp.Header.Get("Retry-After"))
	})

	t.Run("fail open", func(t *testing.T) {
		logger, hook := test.NewNullLogger()
		_, url := startTestServer(t, &stubLimiter{fn: failing}, Options{FailOpen: true, Logger: logger})

		resp := get(t, url+"/")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "degraded", resp.Header.Get("X-RateLimit-Status"))
		assert.Empty(t, resp.Header.Get("X-RateLimit-Limit"))

		require.NotNil(t, hook.LastEntry())
		assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	})
}

func TestServer_StoreUnavailable_FailOpenLogsIdentity(t *testing.T) {
	logger, hook := test.NewNullLogger()
	stub := &stubLimiter{fn: func(int) (limiter.Decision, error) {
		return limiter.Decision{}, limiter.ErrStoreUnavailable
	}}
	_, url := startTestServer(t, stub, Options{FailOpen: true, Logger: logger})

	get(t, url+"/api/check/user7")
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "user7", hook.LastEntry().Data["identity"])
}

func TestServer_ConflictRetries(t *testing.T) {
	conflictUntil := func(n int) func(int) (limiter.Decision, error) {
		return func(call int) (limiter.Decision, error) {
			if call <= n {
				return limiter.Decision{}, limiter.ErrConcurrencyViolation
			}
			return limiter.Decision{Allowed: true, Limit: 5, Remaining: 4}, nil
		}
	}

	t.Run("retried until success", func(t *testing.T) {
		stub := &stubLimiter{fn: conflictUntil(2)}
		_, url := startTestServer(t, stub, Options{ConflictRetries: 3})

		resp := get(t, url+"/api/check/user1")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.EqualValues(t, 3, stub.calls.Load())
	})

	t.Run("gives up", func(t *testing.T) {
		stub := &stubLimiter{fn: conflictUntil(10)}
		_, url := startTestServer(t, stub, Options{ConflictRetries: 2})

		resp := get(t, url+"/api/check/user1")
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		assert.EqualValues(t, 3, stub.calls.Load())
	})
}

func TestServer_UnexpectedError(t *testing.T) {
	stub := &stubLimiter{fn: func(int) (limiter.Decision, error) {
		return limiter.Decision{}, fmt.Errorf("boom")
	}}
	_, url := startTestServer(t, stub, Options{})
	assert.Equal(t, http.StatusInternalServerError, get(t, url+"/api/check/user1").StatusCode)
}

func TestServer_Metrics(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	collector := metrics.NewCollector(prometheus.NewRegistry())
	_, url := startTestServer(t, newLimiter(t, vc, limiter.AlgorithmFixedWindow, 1, 60), Options{Clock: vc, Metrics: collector})

	get(t, url+"/api/check/user1")
	get(t, url+"/api/check/user1")

	resp := get(t, url+"/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, `turnstile_checks_total{algorithm="fixed_window",result="allowed"} 1`)
	assert.Contains(t, text, `turnstile_checks_total{algorithm="fixed_window",result="denied"} 1`)
}

func TestServer_MetricsDisabled(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	_, url := startTestServer(t, newLimiter(t, vc, limiter.AlgorithmFixedWindow, 1, 60), Options{Clock: vc})
	assert.Equal(t, http.StatusNotFound, get(t, url+"/metrics").StatusCode)
}

func TestServer_Recording(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	rec := recorder.New(nil)
	_, url := startTestServer(t, newLimiter(t, vc, limiter.AlgorithmSlidingLog, 5, 60), Options{Clock: vc, Recorder: rec})

	get(t, url+"/api/check", "X-API-Key", "k1", "X-Request-ID", "req-1")
	get(t, url+"/", "X-API-Key", "k2")
	get(t, url+"/health")

	records := rec.Records()
	require.Len(t, records, 2, "health checks are not recorded")
	assert.Equal(t, "k1", records[0].Identity)
	assert.Equal(t, "req-1", records[0].EventID)
	assert.Equal(t, "GET /api/check", records[0].Endpoint)
	assert.Equal(t, epoch, records[0].Timestamp.Unix())
	assert.Equal(t, "GET /", records[1].Endpoint)
}

func TestServer_WebSocketStream(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	hub := NewHub(quietLogger())
	_, url := startTestServer(t, newLimiter(t, vc, limiter.AlgorithmTokenBucket, 1, 60), Options{Clock: vc, Hub: hub})

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(url, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	get(t, url+"/api/check/user1", "X-Request-ID", "r1")
	get(t, url+"/api/check/user1", "X-Request-ID", "r2")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var events []recorder.DecisionEvent
	for len(events) < 2 {
		var ev recorder.DecisionEvent
		require.NoError(t, conn.ReadJSON(&ev))
		events = append(events, ev)
	}

	assert.Equal(t, "user1", events[0].Record.Identity)
	assert.Equal(t, "r1", events[0].Record.EventID)
	assert.Equal(t, limiter.AlgorithmTokenBucket, events[0].Algorithm)
	assert.True(t, events[0].Decision.Allowed)
	assert.False(t, events[1].Decision.Allowed)
}

func TestHub_CloseDisconnectsClients(t *testing.T) {
	hub := NewHub(quietLogger())
	ts := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Close()
	assert.Equal(t, 0, hub.ClientCount())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	// Broadcasting after close is a no-op.
	hub.Broadcast(&recorder.DecisionEvent{})
}

func TestServer_StartAndShutdown(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	srv := New(newLimiter(t, vc, limiter.AlgorithmTokenBucket, 1, 60), Options{
		Addr:   "127.0.0.1:0",
		Clock:  vc,
		Logger: quietLogger(),
	})

	done := make(chan error, 1)
	go func() { done <- srv.Start() }()

	time.Sleep(50 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	require.NoError(t, <-done, "a clean shutdown is not an error")
}
