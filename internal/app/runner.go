package app

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/chillpanda/bamboo/internal/gateway"
	"github.com/chillpanda/bamboo/internal/observe"
)

// sessionRunner fronts the session supervisor so config reloads can swap in
// a supervisor with new settings without touching live sessions, and so
// session lifecycle metrics are recorded in one place.
type sessionRunner struct {
	metrics *observe.Metrics

	mu    sync.RWMutex
	inner gateway.SessionRunner
}

func newSessionRunner(metrics *observe.Metrics, inner gateway.SessionRunner) *sessionRunner {
	return &sessionRunner{metrics: metrics, inner: inner}
}

// swap replaces the supervisor for sessions started after this call.
func (r *sessionRunner) swap(next gateway.SessionRunner) {
	r.mu.Lock()
	r.inner = next
	r.mu.Unlock()
}

func (r *sessionRunner) current() gateway.SessionRunner {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.inner
}

// RunSession implements gateway.SessionRunner.
func (r *sessionRunner) RunSession(ctx context.Context, conn *websocket.Conn, p gateway.Params) error {
	source := string(p.Source)
	start := time.Now()
	r.metrics.RecordSessionStart(ctx, source)
	err := r.current().RunSession(ctx, conn, p)
	r.metrics.RecordSessionEnd(context.WithoutCancel(ctx), source, time.Since(start).Seconds())
	return err
}
