package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rpattn/usageprov/internal/config"
)

const (
	authFailureWindow    = 10 * time.Minute
	authFailureThreshold = 5
)

type failureState struct {
	count   int
	last    time.Time
	alerted bool
}

// failureTracker counts failed cron-secret attempts per remote and flags
// the first time a remote crosses the threshold within the window.
type failureTracker struct {
	mu    sync.Mutex
	state map[string]*failureState
	now   func() time.Time
}

func newFailureTracker() *failureTracker {
	return &failureTracker{state: make(map[string]*failureState), now: time.Now}
}

func (t *failureTracker) recordFailure(key string) (count int, shouldAlert bool) {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.state[key]
	if st == nil || now.Sub(st.last) > authFailureWindow {
		st = &failureState{}
		t.state[key] = st
	}
	st.count++
	st.last = now

	if st.count >= authFailureThreshold && !st.alerted {
		st.alerted = true
		return st.count, true
	}
	return st.count, false
}

func (t *failureTracker) reset(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.state, key)
}

// secretOK is the single place a presented cron secret is verified.
var secretOK = func(cfg *config.Config, token string) bool {
	return cfg.CronSecretOK(token)
}

// WithCronSecret requires header: Authorization: Bearer <cron_secret>
func WithCronSecret(cfg *config.Config, log logrus.FieldLogger, next http.Handler) http.Handler {
	failures := newFailureTracker()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		remote := clientIP(r)
		if !secretOK(cfg, bearerToken(r.Header.Get("Authorization"))) {
			if count, alert := failures.recordFailure(remote); alert {
				log.WithFields(logrus.Fields{
					"remote": remote,
					"count":  count,
					"window": authFailureWindow.String(),
				}).Warn("ALERT cron_auth_failure")
			}
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		failures.reset(remote)
		next.ServeHTTP(w, r)
	})
}
