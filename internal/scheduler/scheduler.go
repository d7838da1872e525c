// Package scheduler owns the two recurring triggers of the pipeline: the
// daily job initiator (cron) and the orchestration tick (fixed interval).
// It wraps gocron; both triggers run in singleton mode so a slow run
// suppresses the next firing instead of overlapping it, and missed firings
// coalesce into one.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/nivalis-io/ipa-orchestrator/internal/metrics"
	"github.com/nivalis-io/ipa-orchestrator/internal/orchestrator"
)

// firingTimeout bounds one trigger execution. Generous: a tick performs
// sequential remote calls for every active job.
const firingTimeout = 30 * time.Minute

// Scheduler drives the orchestrator on the configured cadence and maintains
// the liveness heartbeat file.
type Scheduler struct {
	cron          gocron.Scheduler
	orch          *orchestrator.Orchestrator
	dailyCron     string
	tickInterval  time.Duration
	heartbeatFile string
	logger        *zap.Logger
}

// New creates and configures a Scheduler. Call Start to begin processing.
func New(orch *orchestrator.Orchestrator, location *time.Location, dailyCron string, tickInterval time.Duration, heartbeatFile string, logger *zap.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler(gocron.WithLocation(location))
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	return &Scheduler{
		cron:          s,
		orch:          orch,
		dailyCron:     dailyCron,
		tickInterval:  tickInterval,
		heartbeatFile: heartbeatFile,
		logger:        logger.Named("scheduler"),
	}, nil
}

// Start registers both triggers and starts the underlying gocron scheduler.
func (s *Scheduler) Start() error {
	_, err := s.cron.NewJob(
		gocron.CronJob(s.dailyCron, false),
		gocron.NewTask(s.runDaily),
		gocron.WithName("daily-initiator"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("scheduling daily initiator (cron %q): %w", s.dailyCron, err)
	}

	_, err = s.cron.NewJob(
		gocron.DurationJob(s.tickInterval),
		gocron.NewTask(s.runTick),
		gocron.WithName("orchestration-tick"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		// Fire once at startup so a restart resumes in-flight jobs without
		// waiting a full interval.
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return fmt.Errorf("scheduling orchestration tick (every %s): %w", s.tickInterval, err)
	}

	s.cron.Start()
	s.logger.Info("scheduler started",
		zap.String("daily_cron", s.dailyCron),
		zap.Duration("tick_interval", s.tickInterval),
	)
	return nil
}

// Stop gracefully shuts down gocron, letting the currently executing firing
// finish. In-flight remote tasks keep running and are observed by the next
// process through the database.
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler shutdown error: %w", err)
	}
	s.logger.Info("scheduler stopped")
	return nil
}

// TriggerDaily starts one pipeline job outside the cron schedule. Used by
// the CLI for manual runs.
func (s *Scheduler) TriggerDaily(ctx context.Context) error {
	_, err := s.orch.StartJob(ctx)
	return err
}

func (s *Scheduler) runDaily() {
	ctx, cancel := context.WithTimeout(context.Background(), firingTimeout)
	defer cancel()

	s.logger.Info("daily initiator fired")
	if _, err := s.orch.StartJob(ctx); err != nil {
		s.logger.Error("daily initiator failed", zap.Error(err))
	}
}

func (s *Scheduler) runTick() {
	ctx, cancel := context.WithTimeout(context.Background(), firingTimeout)
	defer cancel()

	if err := s.orch.Tick(ctx); err != nil {
		s.logger.Error("orchestration tick failed", zap.Error(err))
	}

	// The heartbeat is written even after a failed tick: the process is
	// alive and will retry; liveness and pipeline health are separate
	// signals.
	if err := s.writeHeartbeat(); err != nil {
		s.logger.Error("heartbeat write failed", zap.Error(err))
	}
}

// writeHeartbeat records the current UTC timestamp in the heartbeat file.
// The ops endpoint compares it against the tick interval to answer liveness
// probes.
func (s *Scheduler) writeHeartbeat() error {
	now := time.Now().UTC()
	if err := os.WriteFile(s.heartbeatFile, []byte(now.Format(time.RFC3339)+"\n"), 0o644); err != nil {
		return fmt.Errorf("writing heartbeat file %s: %w", s.heartbeatFile, err)
	}
	metrics.HeartbeatTimestamp.Set(float64(now.Unix()))
	return nil
}
