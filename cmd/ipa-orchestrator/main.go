package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/gorm"

	"github.com/nivalis-io/ipa-orchestrator/internal/api"
	"github.com/nivalis-io/ipa-orchestrator/internal/archive"
	"github.com/nivalis-io/ipa-orchestrator/internal/compute"
	"github.com/nivalis-io/ipa-orchestrator/internal/config"
	"github.com/nivalis-io/ipa-orchestrator/internal/db"
	"github.com/nivalis-io/ipa-orchestrator/internal/githost"
	"github.com/nivalis-io/ipa-orchestrator/internal/objectstore"
	"github.com/nivalis-io/ipa-orchestrator/internal/orchestrator"
	"github.com/nivalis-io/ipa-orchestrator/internal/report"
	"github.com/nivalis-io/ipa-orchestrator/internal/repositories"
	"github.com/nivalis-io/ipa-orchestrator/internal/scheduler"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const opsAddr = ":8080"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var tomlPath string

	root := &cobra.Command{
		Use:   "ipa-orchestrator",
		Short: "Daily snow-observation pipeline driver",
		Long: `ipa-orchestrator runs the snow-observation data pipeline: it submits
monthly image-generation tasks to the geospatial compute service, derives
basin statistics tables, publishes them to the website repository via pull
requests, and mails an end-of-job report.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), tomlPath)
		},
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newMigrateCmd(&tomlPath))
	root.AddCommand(newRunJobCmd(&tomlPath))

	root.PersistentFlags().StringVar(&tomlPath, "toml",
		envOrDefault(config.EnvConfigPath, ""),
		"Path to the TOML configuration document (merged over packaged defaults)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ipa-orchestrator %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func newMigrateCmd(tomlPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*tomlPath)
			if err != nil {
				return err
			}
			logger, err := buildLogger(cfg.Logging)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			// db.New applies migrations on open.
			_, err = openDatabase(cfg, logger)
			if err != nil {
				return err
			}
			logger.Info("migrations applied")
			return nil
		},
	}
}

func newRunJobCmd(tomlPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run-job",
		Short: "Start one pipeline job immediately, bypassing the cron schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*tomlPath)
			if err != nil {
				return err
			}
			logger, err := buildLogger(cfg.Logging)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			orch, _, err := buildPipeline(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			job, err := orch.StartJob(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("job %s started\n", job.ID)
			return nil
		},
	}
}

func run(ctx context.Context, tomlPath string) error {
	cfg, err := config.Load(tomlPath)
	if err != nil {
		return err
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	// Stamps produced with time.Now() outside explicit-location paths follow
	// the configured pipeline timezone.
	os.Setenv("TZ", cfg.Automation.Timezone)
	time.Local = cfg.Location()

	logger.Info("starting ipa-orchestrator",
		zap.String("version", version),
		zap.String("timezone", cfg.Automation.Timezone),
		zap.String("daily_cron", cfg.Automation.DailyJob.Cron),
		zap.Int("tick_interval_min", cfg.Automation.OrchestrationJob.IntervalMinutes),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	orch, repos, err := buildPipeline(ctx, cfg, logger)
	if err != nil {
		return err
	}

	tickInterval := time.Duration(cfg.Automation.OrchestrationJob.IntervalMinutes) * time.Minute
	sched, err := scheduler.New(orch, cfg.Location(),
		cfg.Automation.DailyJob.Cron, tickInterval,
		cfg.Automation.Heartbeat.HeartbeatFile, logger)
	if err != nil {
		return err
	}
	if err := sched.Start(); err != nil {
		return err
	}

	var opsServer *http.Server
	if os.Getenv(config.EnvContainerized) == "true" {
		opsServer = &http.Server{
			Addr: opsAddr,
			Handler: api.NewRouter(api.RouterConfig{
				HeartbeatFile: cfg.Automation.Heartbeat.HeartbeatFile,
				TickInterval:  tickInterval,
				Jobs:          repos.Jobs,
				Logger:        logger,
			}),
		}
		go func() {
			logger.Info("ops endpoint listening", zap.String("addr", opsAddr))
			if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("ops endpoint failed", zap.Error(err))
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	if err := sched.Stop(); err != nil {
		logger.Error("scheduler stop failed", zap.Error(err))
	}
	if opsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := opsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("ops endpoint shutdown failed", zap.Error(err))
		}
	}
	return nil
}

// buildPipeline wires every component in dependency order and returns the
// orchestrator ready for the scheduler.
func buildPipeline(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*orchestrator.Orchestrator, *repositories.Repositories, error) {
	database, err := openDatabase(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	repos := repositories.New(database)

	client, err := compute.NewRESTClient(ctx, cfg.Google.CredentialsFile, "")
	if err != nil {
		return nil, nil, err
	}

	var store objectstore.Store
	if cfg.StatsExport.StorageBucket != "" {
		store, err = objectstore.NewGCSStore(ctx, cfg.StatsExport.StorageBucket, cfg.Google.CredentialsFile)
		if err != nil {
			return nil, nil, err
		}
	} else {
		// No bucket configured: exports target drive/gee and nothing is
		// archived or published. The in-memory store keeps the manifest and
		// archive paths inert.
		store = objectstore.NewMemory()
		logger.Warn("no storage bucket configured, archive and website publishing are inert")
	}

	poller := orchestrator.NewPoller(repos.Exports, client, logger)
	reconciler := orchestrator.NewReconciler(repos, logger)
	imageWorker := orchestrator.NewImageWorker(repos, client, poller, cfg.ImageExport, logger)
	arch := archive.NewService(store, cfg.StatsExport.BaseExportPath)
	statsWorker := orchestrator.NewStatsWorker(repos, client, store, arch, cfg.StatsExport, logger)

	var (
		minter  *githost.TokenMinter
		gitRepo *githost.Repo
	)
	website := cfg.Automation.Website
	if website.GitHub.RepoURL != "" && website.GitHub.AppID != 0 {
		minter, err = githost.NewTokenMinter(website.GitHub.AppID, website.GitHub.PrivateKeyPath)
		if err != nil {
			return nil, nil, err
		}
		gitRepo, err = githost.NewRepo(website.LocalRepoPath, website.GitHub.RepoURL,
			website.WorkBranch, website.MainBranch, logger)
		if err != nil {
			return nil, nil, err
		}
	} else {
		logger.Warn("website repository not configured, website stage will fail if reached")
	}
	websiteWorker := orchestrator.NewWebsiteWorker(repos, minter, gitRepo, store, website, logger)

	mailer := report.NewMailer(cfg.Email)
	reporter := orchestrator.NewReporter(repos, mailer, logger)

	orch := orchestrator.New(repos, client, poller, reconciler,
		imageWorker, statsWorker, websiteWorker, reporter,
		cfg.Automation.Timezone, cfg.Location(),
		cfg.ImageExport.SourceCollectionPaths, logger)
	return orch, repos, nil
}

func openDatabase(cfg *config.Config, logger *zap.Logger) (*gorm.DB, error) {
	dbCfg := cfg.Automation.DB
	switch dbCfg.Type {
	case "sqlite", "":
		return db.New(db.Config{
			Driver: "sqlite",
			DSN:    db.SQLiteDSN(dbCfg.DBPath, dbCfg.DBName),
			Logger: logger,
		})
	case "postgres":
		return db.New(db.Config{
			Driver: "postgres",
			DSN:    db.PostgresDSN(dbCfg.Host, dbCfg.Port, dbCfg.User, dbCfg.Password, dbCfg.DBName),
			Logger: logger,
		})
	default:
		return nil, fmt.Errorf("unsupported db type %q", dbCfg.Type)
	}
}

// buildLogger configures zap from the logging section. A configured file is
// always written; stdout is added in containerized deployments.
func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	if cfg.Encoding == "console" {
		zcfg.Encoding = "console"
		zcfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}

	var outputs []string
	if cfg.File != "" {
		outputs = append(outputs, cfg.File)
	}
	if os.Getenv(config.EnvContainerized) == "true" || len(outputs) == 0 {
		outputs = append(outputs, "stdout")
	}
	zcfg.OutputPaths = outputs
	zcfg.ErrorOutputPaths = []string{"stderr"}

	return zcfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
