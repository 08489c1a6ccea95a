package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sentinelstack/sentinel-agent/internal/cache"
	"github.com/sentinelstack/sentinel-agent/internal/config"
	"github.com/sentinelstack/sentinel-agent/internal/embed"
	"github.com/sentinelstack/sentinel-agent/internal/engine"
	"github.com/sentinelstack/sentinel-agent/internal/executor"
	"github.com/sentinelstack/sentinel-agent/internal/kube"
	"github.com/sentinelstack/sentinel-agent/internal/loop"
	"github.com/sentinelstack/sentinel-agent/internal/memory"
	"github.com/sentinelstack/sentinel-agent/internal/metrics"
	"github.com/sentinelstack/sentinel-agent/internal/models"
	"github.com/sentinelstack/sentinel-agent/internal/notify"
	"github.com/sentinelstack/sentinel-agent/internal/utils"
)

func main() {
	var (
		configPath      string
		target          string
		namespace       string
		intervalSeconds int
		singleRun       bool
	)
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.StringVar(&target, "target", "", "kubectl context to monitor (overrides config)")
	flag.StringVar(&namespace, "namespace", "", "namespace to monitor (overrides config)")
	flag.IntVar(&intervalSeconds, "interval-seconds", 0, "loop interval in seconds (overrides config)")
	flag.BoolVar(&singleRun, "single-run", false, "run one iteration and exit")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}
	if target != "" {
		cfg.Agent.Target = target
	}
	if namespace != "" {
		cfg.Agent.Namespace = namespace
	}
	if intervalSeconds > 0 {
		cfg.Loop.Interval = time.Duration(intervalSeconds) * time.Second
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting sentinel-agent",
		slog.String("target", cfg.Agent.Target),
		slog.String("namespace", cfg.Agent.Namespace),
		slog.Duration("interval", cfg.Loop.Interval),
		slog.Bool("single_run", singleRun))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	var cacheProvider cache.Provider = cache.NoopProvider{}
	var valkeyCloser cache.Provider
	if cfg.Cache.Enabled && cfg.Cache.Addr != "" {
		provider, err := cache.NewValkeyProvider(cache.ValkeyConfig{
			Addr:         cfg.Cache.Addr,
			Username:     cfg.Cache.Username,
			Password:     cfg.Cache.Password,
			DB:           cfg.Cache.DB,
			DialTimeout:  cfg.Cache.DialTimeout,
			ReadTimeout:  cfg.Cache.ReadTimeout,
			WriteTimeout: cfg.Cache.WriteTimeout,
			MaxRetries:   cfg.Cache.MaxRetries,
			TLS:          cfg.Cache.TLS,
		})
		if err != nil {
			logger.Warn("valkey cache unavailable", slog.Any("error", err))
		} else {
			cacheProvider = provider
			valkeyCloser = provider
		}
	}
	if valkeyCloser != nil {
		defer valkeyCloser.Close()
	}

	openaiEmbedder, err := embed.NewOpenAIEmbedder(
		cfg.LLM.BaseURL,
		cfg.LLM.APIKey,
		cfg.Embedding.Model,
		cfg.Embedding.Dimensions,
		cfg.Embedding.Timeout,
	)
	if err != nil {
		logger.Error("failed to create embedder", slog.Any("error", err))
		os.Exit(1)
	}
	embedder := embed.NewCachedEmbedder(openaiEmbedder, cacheProvider, cfg.Cache.EmbeddingTTL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store memory.Store
	switch cfg.Memory.Backend {
	case "weaviate":
		store, err = memory.NewWeaviateStore(ctx,
			cfg.Memory.Weaviate.Endpoint,
			cfg.Memory.Weaviate.APIKey,
			cfg.Memory.Weaviate.Class,
			cfg.Memory.Weaviate.Timeout,
			embedder)
	default:
		store, err = memory.NewSQLiteStore(ctx, cfg.Memory.Path, embedder)
	}
	if err != nil {
		logger.Error("failed to open issue memory",
			slog.String("backend", cfg.Memory.Backend), slog.Any("error", err))
		os.Exit(1)
	}
	defer store.Close()

	if cfg.Memory.PruneMaxAge > 0 {
		if dropped, err := store.Prune(ctx, cfg.Memory.PruneMaxAge); err != nil {
			logger.Warn("memory prune failed", slog.Any("error", err))
		} else if dropped > 0 {
			logger.Info("pruned stale memory records", slog.Int("dropped", dropped))
		}
	}

	kubeClient := kube.NewClient(cfg.Kube.KubectlPath, cfg.Kube.Timeout, nil)

	reasoner := engine.NewLLMReasoner(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Model)
	decider := engine.NewEngine(reasoner, cfg.LLM.Timeout)

	policy, err := buildPolicy(cfg.Executor)
	if err != nil {
		logger.Error("failed to load remediation policy", slog.Any("error", err))
		os.Exit(1)
	}
	exec := executor.New(policy, kubeClient, cfg.Executor.Timeout, logger)

	notifier := notify.NewNotifier(buildSinks(cfg.Notify), cfg.Notify.ChannelTimeout, logger)
	if notifier.Channels() == 0 {
		logger.Warn("no escalation channels configured, escalations will only be logged")
	}

	controller := loop.New(loop.Options{
		Target:                 cfg.Agent.Target,
		Namespace:              cfg.Agent.Namespace,
		Sections:               parseSections(cfg.Agent.Sections),
		Interval:               cfg.Loop.Interval,
		CooldownWindow:         cfg.Loop.CooldownWindow,
		MaxRepeatsPerWindow:    cfg.Loop.MaxRepeatsPerWindow,
		MaxConsecutiveFailures: cfg.Loop.MaxConsecutiveFailures,
		FailureBackoff:         cfg.Loop.FailureBackoff,
		HaltOnDegraded:         cfg.Loop.HaltOnDegraded,
		ActionsPerMinute:       cfg.Loop.ActionsPerMinute,
		ActionBurst:            cfg.Loop.ActionBurst,
		TopK:                   cfg.Memory.TopK,
		MinSimilarity:          cfg.Memory.MinSimilarity,
		RecordEscalations:      cfg.Memory.RecordEscalations,
	}, kubeClient, store, decider, exec, notifier, logger)

	var metricsServer *http.Server
	if cfg.Metrics.Address != "" && !singleRun {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Metrics.Address,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Metrics.Address))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	exitCode := 0
	if singleRun {
		outcome := controller.RunOnce(ctx)
		logger.Info("single run finished", slog.String("outcome", outcome))
	} else {
		if err := controller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("control loop stopped", slog.Any("error", err))
			exitCode = 1
		}
	}

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	logger.Info("sentinel-agent stopped")
	os.Exit(exitCode)
}

// buildPolicy prefers an external policy file when configured and falls
// back to the inline allow-list.
func buildPolicy(cfg config.ExecutorConfig) (*executor.Policy, error) {
	if cfg.PolicyPath != "" {
		return executor.LoadPolicy(cfg.PolicyPath)
	}
	return executor.NewPolicy(cfg.AllowedVerbs, cfg.ForbiddenPatterns)
}

// buildSinks assembles the escalation channels that have configuration.
func buildSinks(cfg config.NotifyConfig) []notify.Sink {
	var sinks []notify.Sink
	if cfg.Slack.WebhookURL != "" {
		sinks = append(sinks, notify.NewSlackSink(cfg.Slack.WebhookURL, nil))
	}
	if cfg.Teams.WebhookURL != "" {
		sinks = append(sinks, notify.NewTeamsSink(cfg.Teams.WebhookURL, nil))
	}
	if cfg.Email.Host != "" && cfg.Email.To != "" {
		sinks = append(sinks, notify.NewEmailSink(
			cfg.Email.Host, cfg.Email.Port,
			cfg.Email.Username, cfg.Email.Password,
			cfg.Email.From, cfg.Email.To))
	}
	return sinks
}

// parseSections converts the configured section names, dropping anything
// unknown. An empty result falls back to the default capture set.
func parseSections(names []string) []models.Section {
	var sections []models.Section
	for _, name := range names {
		switch models.Section(name) {
		case models.SectionNodes, models.SectionPods, models.SectionEvents:
			sections = append(sections, models.Section(name))
		}
	}
	if len(sections) == 0 {
		return models.DefaultSections
	}
	return sections
}
