// Package app wires all bamboo subsystems into a running server.
//
// The App struct owns the full lifecycle: New connects the store, the event
// dispatcher and the HTTP surface (websocket gateway, /api/v1, health and
// metrics endpoints), Run serves until the context is cancelled, and
// Shutdown tears everything down in reverse order.
//
// For testing, inject mock implementations via functional options
// (WithStores, WithMetrics). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chillpanda/bamboo/internal/api"
	"github.com/chillpanda/bamboo/internal/chat"
	"github.com/chillpanda/bamboo/internal/config"
	"github.com/chillpanda/bamboo/internal/dispatch"
	"github.com/chillpanda/bamboo/internal/gateway"
	"github.com/chillpanda/bamboo/internal/health"
	"github.com/chillpanda/bamboo/internal/maintenance"
	"github.com/chillpanda/bamboo/internal/observe"
	"github.com/chillpanda/bamboo/internal/safety"
	"github.com/chillpanda/bamboo/internal/session"
	"github.com/chillpanda/bamboo/internal/tools"
	"github.com/chillpanda/bamboo/pkg/provider/embeddings"
	"github.com/chillpanda/bamboo/pkg/provider/llm"
	"github.com/chillpanda/bamboo/pkg/provider/stt"
	"github.com/chillpanda/bamboo/pkg/provider/tts"
	"github.com/chillpanda/bamboo/pkg/store"
	"github.com/chillpanda/bamboo/pkg/store/postgres"
)

// shutdownTimeout bounds the graceful drain of in-flight HTTP requests when
// Run unwinds.
const shutdownTimeout = 15 * time.Second

// Providers holds one interface value per provider slot. LLM, STT and TTS
// are required; Embeddings is optional and gates the wisdom retrieval tool.
// Populated by main.go via the config registry.
type Providers struct {
	LLM        llm.Provider
	STT        stt.Provider
	TTS        tts.Provider
	Embeddings embeddings.Provider
}

// Stores bundles the persistence surfaces the app consumes. In production
// all of them come from one postgres pool; tests inject mocks per surface.
type Stores struct {
	Usage         store.UsageStore
	Reports       store.UsageReporter
	Maintenance   store.UsageMaintenance
	Conversations store.ConversationStore

	// Wisdom is optional; without it (or without an embeddings provider)
	// the model runs with no retrieval tool.
	Wisdom store.WisdomIndex

	// Pinger backs the /readyz database check. Nil skips the check.
	Pinger health.Pinger
}

// complete reports whether every required surface is present.
func (s Stores) complete() bool {
	return s.Usage != nil && s.Reports != nil && s.Maintenance != nil && s.Conversations != nil
}

// App owns all subsystem lifetimes and serves the bamboo voice gateway.
type App struct {
	cfg       *config.Config
	providers Providers
	stores    Stores
	metrics   *observe.Metrics

	bus     *dispatch.Dispatcher
	runner  *sessionRunner
	sweeper *maintenance.Sweeper
	handler http.Handler

	// hot sections guarded by mu; Reload replaces them and rebuilds the
	// session supervisor. Running sessions keep what they started with.
	mu        sync.Mutex
	limits    config.LimitsConfig
	abuse     config.AbuseConfig
	safetyCfg config.SafetyConfig

	// closers are run in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStores injects persistence surfaces instead of connecting to postgres.
func WithStores(s Stores) Option {
	return func(a *App) { a.stores = s }
}

// WithMetrics injects a metrics instance instead of using the package-level
// default, so tests can read instruments without cross-test pollution.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option
// functions to inject test doubles.
func New(ctx context.Context, cfg *config.Config, providers Providers, opts ...Option) (*App, error) {
	if providers.LLM == nil || providers.STT == nil || providers.TTS == nil {
		return nil, fmt.Errorf("app: llm, stt and tts providers are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		limits:    cfg.Limits,
		abuse:     cfg.Abuse,
		safetyCfg: cfg.Safety,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initStores(ctx); err != nil {
		return nil, fmt.Errorf("app: init stores: %w", err)
	}

	a.bus = dispatch.New()
	a.closers = append(a.closers, func() error {
		a.bus.Close()
		return nil
	})

	registry, retriever := a.buildTools()

	sup, err := a.buildSupervisor(registry)
	if err != nil {
		return nil, fmt.Errorf("app: build supervisor: %w", err)
	}
	a.runner = newSessionRunner(a.metrics, sup)

	chatSvc, err := chat.NewService(chat.ServiceConfig{
		LLM:           providers.LLM,
		Conversations: a.stores.Conversations,
		Retriever:     retriever,
		Detector:      a.buildDetector(),
	})
	if err != nil {
		return nil, fmt.Errorf("app: build chat service: %w", err)
	}
	apiHandler, err := api.New(api.Config{
		Chat:          chatSvc,
		Conversations: a.stores.Conversations,
		Usage:         a.stores.Usage,
		Reports:       a.stores.Reports,
		Limits:        cfg.Limits,
		Session:       cfg.Session,
	})
	if err != nil {
		return nil, fmt.Errorf("app: build api handler: %w", err)
	}

	var checkers []health.Checker
	if a.stores.Pinger != nil {
		checkers = append(checkers, health.Database(a.stores.Pinger))
	}

	mux := http.NewServeMux()
	health.New(checkers...).Register(mux)
	apiHandler.Register(mux)
	gateway.NewHandler(a.runner, cfg.Session).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	a.handler = observe.Middleware(a.metrics)(mux)

	a.sweeper = maintenance.New(a.stores.Maintenance, cfg.Maintenance)

	return a, nil
}

// initStores connects the postgres pool unless every required surface was
// injected.
func (a *App) initStores(ctx context.Context) error {
	if a.stores.complete() {
		return nil
	}

	dsn := a.cfg.Storage.PostgresDSN
	if dsn == "" {
		return fmt.Errorf("storage.postgres_dsn is required when stores are not injected")
	}

	st, err := postgres.NewStore(ctx, dsn, a.cfg.Storage.EmbeddingDimensions)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() error {
		st.Close()
		return nil
	})

	if a.stores.Usage == nil {
		a.stores.Usage = st
	}
	if a.stores.Reports == nil {
		a.stores.Reports = st
	}
	if a.stores.Maintenance == nil {
		a.stores.Maintenance = st
	}
	if a.stores.Conversations == nil {
		a.stores.Conversations = st
	}
	if a.stores.Wisdom == nil {
		a.stores.Wisdom = st
	}
	if a.stores.Pinger == nil {
		a.stores.Pinger = st
	}
	return nil
}

// buildTools assembles the model-facing tool registry. Without an embeddings
// provider or a wisdom index there is nothing to register and the model runs
// without tools.
func (a *App) buildTools() (*tools.Registry, *tools.WisdomRetriever) {
	if a.providers.Embeddings == nil || a.stores.Wisdom == nil {
		slog.Info("wisdom retrieval disabled", "embeddings", a.providers.Embeddings != nil, "index", a.stores.Wisdom != nil)
		return nil, nil
	}
	retriever := tools.NewWisdomRetriever(a.providers.Embeddings, a.stores.Wisdom)
	registry, err := tools.NewRegistry(retriever.Tool())
	if err != nil {
		// Only reachable with a malformed builtin definition.
		slog.Error("tool registry rejected builtin tools", "err", err)
		return nil, retriever
	}
	return registry, retriever
}

// buildDetector returns the crisis detector for the current safety config,
// or nil when screening is off.
func (a *App) buildDetector() *safety.Detector {
	if !a.safetyCfg.Enabled {
		return nil
	}
	return safety.NewDetector(a.providers.LLM)
}

// buildSupervisor composes the per-session supervisor from the current hot
// config sections. Callers hold mu or run before the app is shared.
func (a *App) buildSupervisor(registry *tools.Registry) (*session.Supervisor, error) {
	return session.NewSupervisor(session.SupervisorConfig{
		Bus:           a.bus,
		STT:           a.providers.STT,
		LLM:           a.providers.LLM,
		TTS:           a.providers.TTS,
		Usage:         a.stores.Usage,
		Conversations: a.stores.Conversations,
		Tools:         registry,
		Detector:      a.buildDetector(),
		Session:       a.cfg.Session,
		Limits:        a.limits,
		Abuse:         a.abuse,
		Voices:        voicesFromEntry(a.cfg.Providers.TTS),
	})
}

// Reload applies a config diff. Quota, abuse and safety changes take effect
// for sessions started after the reload; sections the diff marks as
// restart-only are logged and left alone.
func (a *App) Reload(d config.ConfigDiff) {
	if len(d.RequiresRestart) > 0 {
		slog.Warn("config sections changed that apply only on restart", "sections", d.RequiresRestart)
	}
	if !d.LimitsChanged && !d.AbuseChanged && !d.SafetyChanged {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if d.LimitsChanged {
		a.limits = d.NewLimits
	}
	if d.AbuseChanged {
		a.abuse = d.NewAbuse
	}
	if d.SafetyChanged {
		a.safetyCfg = d.NewSafety
	}

	registry, _ := a.buildTools()
	sup, err := a.buildSupervisor(registry)
	if err != nil {
		slog.Error("config reload kept previous session settings", "err", err)
		return
	}
	a.runner.swap(sup)
	slog.Info("session settings reloaded",
		"limits", d.LimitsChanged, "abuse", d.AbuseChanged, "safety", d.SafetyChanged)
}

// Handler returns the fully assembled HTTP handler. Exposed for tests; Run
// serves it.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Run starts the maintenance sweeper and serves HTTP until ctx is cancelled
// or the listener fails. In-flight requests get a graceful drain window;
// live voice sessions unwind when Shutdown closes the dispatcher.
func (a *App) Run(ctx context.Context) error {
	if err := a.sweeper.Start(); err != nil {
		return fmt.Errorf("app: start maintenance sweeper: %w", err)
	}

	srv := &http.Server{
		Addr:    a.cfg.Server.ListenAddr,
		Handler: a.handler,
		BaseContext: func(net.Listener) context.Context {
			// Session lifetimes derive from the run context so cancellation
			// reaches hijacked websocket connections, which Shutdown below
			// does not cover.
			return ctx
		},
	}

	errc := make(chan error, 1)
	go func() {
		if tlsCfg := a.cfg.Server.TLS; tlsCfg != nil {
			errc <- srv.ListenAndServeTLS(tlsCfg.CertFile, tlsCfg.KeyFile)
		} else {
			errc <- srv.ListenAndServe()
		}
	}()
	slog.Info("server listening", "addr", a.cfg.Server.ListenAddr, "tls", a.cfg.Server.TLS != nil)

	select {
	case err := <-errc:
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		slog.Warn("http drain incomplete", "err", err)
	}
	return ctx.Err()
}

// Shutdown tears down all subsystems in reverse-init order: the dispatcher
// closes first so remaining sessions unwind, then the store pool. It
// respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		a.sweeper.Stop()

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// voicesFromEntry reads the per-language voice map from the TTS provider's
// options block:
//
//	options:
//	  voices:
//	    en: "English_expressive_narrator"
//	    zh-HK: "Cantonese_professional_host"
//
// Languages missing from the map use the provider's default voice.
func voicesFromEntry(entry config.ProviderEntry) map[config.Language]string {
	raw, ok := entry.Options["voices"].(map[string]any)
	if !ok {
		return nil
	}
	voices := make(map[config.Language]string, len(raw))
	for k, v := range raw {
		lang := config.Language(k)
		id, ok := v.(string)
		if !ok || !lang.IsValid() {
			slog.Warn("ignoring voice mapping", "language", k)
			continue
		}
		voices[lang] = id
	}
	return voices
}
