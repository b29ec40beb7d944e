package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"sdlora_server/api"
	"sdlora_server/core"
	"sdlora_server/core/validation"
	"sdlora_server/db"
	"sdlora_server/imagegen"
	"sdlora_server/logging"
	"sdlora_server/metrics"
	"sdlora_server/shutdown"
)

// historyCleanupInterval is how often expired history rows are purged.
const historyCleanupInterval = 6 * time.Hour

// staleDownloadAge is how long an interrupted checkpoint download is kept
// for resuming before shutdown removes it.
const staleDownloadAge = 7 * 24 * time.Hour

func main() {
	if HandleServiceCommand(os.Args) {
		return
	}

	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		// Use fmt here since logger isn't initialized yet
		fmt.Printf("Warning: .env file not found: %v\n", err)
	}

	if ok, err := RunAsService(); ok {
		if err != nil {
			fmt.Fprintf(os.Stderr, "Service error: %v\n", err)
			os.Exit(core.ExitCodeError)
		}
		return
	}

	os.Exit(run(nil))
}

// run starts the server and blocks until it has shut down. Closing stop
// (used by the OS service wrapper) has the same effect as SIGTERM.
// It returns the process exit code.
func run(stop <-chan struct{}) int {
	isDevelopment := os.Getenv("DEV_MODE") == "true"

	logger, err := logging.NewLogger(isDevelopment, core.GetEnvOrDefault("LOG_FILE", "app.log"))
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		return core.ExitCodeError
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil && isDevelopment {
			fmt.Printf("Failed to sync logger: %v\n", syncErr)
		}
	}()

	logger.Info("Starting Stable Diffusion LoRA server",
		zap.String("version", core.GetVersion()),
		zap.Bool("dev_mode", isDevelopment),
	)

	cfg, exitCode := runStartupValidation(logger)
	if exitCode != core.ExitCodeSuccess {
		return exitCode
	}
	logConfig(logger, cfg)

	manager := shutdown.NewManager(logger.Zap(), shutdown.WithTimeout(cfg.ShutdownTimeout))
	manager.Start()
	if stop != nil {
		go func() {
			select {
			case <-stop:
				manager.Trigger("service stop")
			case <-manager.Context().Done():
			}
		}()
	}
	ctx := manager.Context()

	if cfg.UsesLocalRuntime() {
		if err := ensureModelAvailable(ctx, logger, cfg); err != nil {
			if ctx.Err() != nil {
				logger.Warn("Model download interrupted")
				return manager.ExitCode()
			}
			logger.Error("Base model not available", zap.Error(err))
			return core.ExitCodeError
		}
	}

	app, err := newApplication(ctx, cfg, logger, manager)
	if err != nil {
		logger.Error("Failed to initialize server", zap.Error(err))
		_ = manager.Shutdown()
		return core.ExitCodeError
	}

	go app.loadPipeline(ctx)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- app.server.Start(ctx)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			logger.Error("API server failed", zap.Error(err))
			_ = manager.Shutdown()
			return core.ExitCodeError
		}
	case <-ctx.Done():
	}

	if err := manager.Shutdown(); err != nil {
		logger.Warn("Shutdown finished with errors", zap.Error(err))
	}
	code := app.exitCode()
	logger.Info("Goodbye!", zap.String("exit", core.ExitCodeName(code)))
	return code
}

// application holds the long-lived components wired together by run.
type application struct {
	logger   *logging.Logger
	manager  *shutdown.Manager
	pipeline *imagegen.Pipeline
	server   *api.Server

	loadFailed atomic.Bool
}

// newApplication builds every component and registers its cleanup with the
// shutdown manager in the order they must stop.
func newApplication(ctx context.Context, cfg *core.Config, logger *logging.Logger, manager *shutdown.Manager) (*application, error) {
	startTime := time.Now()

	var pipeline *imagegen.Pipeline
	loaded := func() bool { return pipeline != nil && pipeline.Loaded() }

	storeConfig := metrics.DefaultStoreConfig()
	storeConfig.Version = core.GetVersion()
	storeConfig.ModelLoaded = loaded
	store := metrics.NewStore(storeConfig, startTime)
	collector := metrics.NewCollector(loaded)

	eventsConfig := api.DefaultEventHubConfig()
	eventsConfig.AllowedOrigins = cfg.CORSAllowedOrigins
	events := api.NewEventHub(eventsConfig, store, logger.Zap())

	observers := []imagegen.Option{
		imagegen.WithObserver(store),
		imagegen.WithObserver(collector),
		imagegen.WithObserver(events),
	}

	deps := api.Deps{
		Stats:   store,
		Metrics: collector,
		Guard:   manager,
		Events:  events,
	}

	if cfg.HistoryEnabled {
		repo, writer, err := openHistory(ctx, cfg, logger, manager)
		if err != nil {
			return nil, err
		}
		deps.History = repo
		observers = append(observers, imagegen.WithObserver(writer))
	}

	pipeline = imagegen.NewPipeline(cfg, logger, observers...)
	deps.Generator = pipeline
	manager.Register("pipeline", shutdown.PriorityPipeline, shutdown.CloserFunc(pipeline))

	if cfg.GPUMetricsInterval > 0 {
		gpuConfig := metrics.DefaultGPUCollectorConfig()
		gpuConfig.CollectionInterval = cfg.GPUMetricsInterval
		gpu := metrics.NewGPUCollector(gpuConfig, nil, logger.Zap(), func(m metrics.GPUMetrics) {
			store.UpdateGPUMetrics(m)
			collector.ObserveGPU(m)
			events.PublishGPU(m)
		})
		gpu.Start()
		manager.Register("gpu-collector", shutdown.PriorityGPUCollector, func(context.Context) error {
			gpu.Stop()
			return nil
		})
	}

	server, err := api.NewServer(api.ServerConfigFromCore(cfg), deps, logger)
	if err != nil {
		return nil, fmt.Errorf("create API server: %w", err)
	}
	manager.Register("http-server", shutdown.PriorityHTTPServer, server.Shutdown)
	manager.Register("events", shutdown.PriorityHTTPServer, shutdown.CloserFunc(events))

	if cfg.UsesLocalRuntime() {
		manager.Register("cleanup-downloads", shutdown.PriorityCleanup,
			shutdown.CleanupStaleDownloads(logger.Zap(), filepath.Dir(cfg.ModelPath), staleDownloadAge))
	}
	manager.Register("logger", shutdown.PriorityLogger, shutdown.LoggerSync(logger.Zap()))

	return &application{logger: logger, manager: manager, pipeline: pipeline, server: server}, nil
}

// openHistory opens the database, starts the async writer and, when a
// retention is configured, the periodic cleanup.
func openHistory(ctx context.Context, cfg *core.Config, logger *logging.Logger, manager *shutdown.Manager) (*db.Repository, *db.AsyncWriter, error) {
	database, err := db.Open(cfg.DatabasePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open history database: %w", err)
	}
	manager.Register("database", shutdown.PriorityDatabase, shutdown.CloserFunc(database))

	repo := db.NewRepository(database)
	writer := db.NewHistoryWriter(repo, logger)
	manager.Register("history-writer", shutdown.PriorityHistoryWriter, writer.Close)

	logger.Info("Generation history enabled", zap.String("path", database.Path()))

	if cfg.HistoryRetention > 0 {
		dbLogger := logger.Named("db")
		database.StartCleanupScheduler(ctx, cfg.HistoryRetention, historyCleanupInterval, func(res db.CleanupResult, err error) {
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					dbLogger.Warn("History cleanup failed", zap.Error(err))
				}
				return
			}
			if res.Deleted > 0 {
				dbLogger.Info("Expired generations removed",
					zap.Int64("deleted", res.Deleted),
					zap.Duration("duration", res.Duration),
				)
			}
		})
	}
	return repo, writer, nil
}

// loadPipeline loads the model in the background. Until it finishes,
// /api/generate answers 503 and /health reports model_loaded=false.
// A base model that cannot be loaded stops the process.
func (a *application) loadPipeline(ctx context.Context) {
	err := a.pipeline.Load(ctx)
	if err == nil || ctx.Err() != nil {
		return
	}
	a.logger.Error("Failed to load base model, shutting down", zap.Error(err))
	a.loadFailed.Store(true)
	a.manager.Trigger("base model load failed")
}

// exitCode is the process exit code once shutdown has finished.
func (a *application) exitCode() int {
	if a.loadFailed.Load() {
		return core.ExitCodeError
	}
	return a.manager.ExitCode()
}

// runStartupValidation runs the colored startup checklist and returns the
// parsed configuration.
//
// Returns the appropriate exit code:
//   - ExitCodeSuccess (0) if all validations pass
//   - ExitCodeError (1) if any validation fails
func runStartupValidation(logger *logging.Logger) (*core.Config, int) {
	logger.Info("Starting startup validation...")

	suite := validation.NewValidationSuite().WithShowProgress(true)
	result := suite.Validate()

	if !result.Success {
		logger.Error("Configuration validation failed",
			zap.Int("passed", result.PassedSteps),
			zap.Int("failed", result.FailedSteps),
			zap.Duration("duration", result.Duration),
		)

		// Log individual failures for debugging
		for _, step := range result.Steps {
			if step.Status == validation.StepFailed {
				logger.Error("Validation step failed",
					zap.String("step", step.Name),
					zap.String("message", step.Message),
					zap.Error(step.Error),
				)
			}
		}
		return nil, core.ExitCodeError
	}

	logger.Info("Configuration validation passed",
		zap.Int("checks_passed", result.PassedSteps),
		zap.Int("warnings", result.Warnings),
		zap.Duration("duration", result.Duration),
	)
	return suite.Config(), core.ExitCodeSuccess
}

func logConfig(logger *logging.Logger, cfg *core.Config) {
	logger.Info("Configuration loaded",
		zap.String("addr", cfg.Addr()),
		zap.String("backend", cfg.Backend),
		zap.String("base_model", cfg.BaseModel),
		zap.String("model_path", cfg.ModelPath),
		zap.String("lora_adapter", cfg.LoRAAdapterPath),
		zap.String("device", cfg.Device),
		zap.Int("default_steps", cfg.DefaultSteps),
		zap.Float64("default_guidance", cfg.DefaultGuidance),
		zap.Int("max_concurrent", cfg.MaxConcurrent),
		zap.Duration("generation_timeout", cfg.GenerationTimeout),
		zap.Bool("history_enabled", cfg.HistoryEnabled),
		zap.Int("rate_limit_per_minute", cfg.RateLimitPerMinute),
	)
}

// ensureModelAvailable makes sure the base checkpoint is on disk, downloading
// it from SD_MODEL_URL (or the catalog) when missing.
func ensureModelAvailable(ctx context.Context, logger *logging.Logger, cfg *core.Config) error {
	opts := []core.ModelManagerOption{
		core.WithProgress(func(name string, info core.ProgressInfo) {
			logger.Info("Downloading model",
				zap.String("model", name),
				zap.String("progress", info.String()),
			)
		}),
	}

	// The configured path and URL win over a catalog entry of the same name.
	base := core.BaseModelFromConfig(cfg)
	if cfg.ModelCatalogPath != "" {
		catalog, err := core.LoadModelCatalog(cfg.ModelCatalogPath)
		if err != nil {
			return err
		}
		for _, m := range catalog {
			opts = append(opts, core.WithModel(m))
			if m.Name == base.Name && base.URL == "" {
				base.URL = m.URL
				base.SizeBytes = m.SizeBytes
				if base.ExpectedSHA256 == "" {
					base.ExpectedSHA256 = m.ExpectedSHA256
				}
			}
		}
	}
	opts = append(opts, core.WithModel(base))

	manager := core.NewModelManager(filepath.Dir(cfg.ModelPath), nil, opts...)

	logger.Info("Checking model availability...", zap.String("model", base.Name))
	if err := manager.EnsureModelAvailable(ctx, base.Name); err != nil {
		return fmt.Errorf("model %q not available: %w", base.Name, err)
	}

	modelPath, _ := manager.GetModelPath(base.Name)
	logger.Info("Model ready", zap.String("model", base.Name), zap.String("path", modelPath))
	return nil
}
