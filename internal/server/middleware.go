package server

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/SmitUplenchwar2687/turnstile/internal/clock"
	"github.com/SmitUplenchwar2687/turnstile/internal/recorder"
)

// RecordingMiddleware records every request before passing it to next,
// in the shape the replay command reads back.
func RecordingMiddleware(next http.Handler, rec *recorder.Recorder, clk clock.Clock, logger logrus.FieldLogger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tr := recorder.TrafficRecord{
			Timestamp: time.Unix(clk.Now(), 0).UTC(),
			Identity:  Identify(r),
			EventID:   r.Header.Get("X-Request-ID"),
			Endpoint:  r.Method + " " + r.URL.Path,
		}
		if ua := r.UserAgent(); ua != "" {
			tr.Metadata = map[string]string{"user_agent": ua}
		}

		if err := rec.Record(tr); err != nil {
			logger.WithError(err).Warn("failed to record request")
		}
		next.ServeHTTP(w, r)
	})
}
