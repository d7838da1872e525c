package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nivalis-io/ipa-orchestrator/internal/compute"
	"github.com/nivalis-io/ipa-orchestrator/internal/db"
	"github.com/nivalis-io/ipa-orchestrator/internal/metrics"
	"github.com/nivalis-io/ipa-orchestrator/internal/repositories"
	"github.com/nivalis-io/ipa-orchestrator/internal/status"
)

const (
	// leaseBatch bounds how many exports one poll pass claims.
	leaseBatch = 20
	// leaseDuration guards against double-polling from an accidental second
	// process. Shorter than the tick interval so a crashed holder self-heals
	// within one tick.
	leaseDuration = 60 * time.Second

	// basePollInterval is the initial spacing between status checks; failures
	// grow it geometrically up to maxPollInterval.
	basePollInterval = 15 * time.Second
	maxPollInterval  = 15 * time.Minute
)

// Poller drives remote-task status checks for due exports. Exports are
// claimed through a database lease, so running two orchestrator processes by
// accident degrades to wasted queries rather than conflicting writes.
type Poller struct {
	exports repositories.ExportRepository
	client  compute.Client
	log     *zap.Logger
}

func NewPoller(exports repositories.ExportRepository, client compute.Client, log *zap.Logger) *Poller {
	return &Poller{exports: exports, client: client, log: log.Named("poller")}
}

// Run performs one poll pass over all due exports.
func (p *Poller) Run(ctx context.Context, now time.Time) error {
	leased, err := p.exports.Lease(ctx, now, leaseBatch, leaseDuration)
	if err != nil {
		return err
	}
	p.pollAll(ctx, leased, now)
	return nil
}

// RunForJob performs one poll pass restricted to a single job. Used by the
// image worker right after submission so the first status lands without
// waiting for the next tick.
func (p *Poller) RunForJob(ctx context.Context, jobID uuid.UUID, now time.Time) error {
	leased, err := p.exports.LeaseByJob(ctx, jobID, now, leaseBatch, leaseDuration)
	if err != nil {
		return err
	}
	p.pollAll(ctx, leased, now)
	return nil
}

func (p *Poller) pollAll(ctx context.Context, leased []db.Export, now time.Time) {
	for i := range leased {
		if err := p.poll(ctx, &leased[i], now); err != nil {
			p.log.Error("export poll write failed",
				zap.String("export_id", leased[i].ID.String()),
				zap.Error(err),
			)
		}
	}
}

// poll advances one leased export. Export state is monotone: a terminal
// state is written exactly once and the row is never leased again.
func (p *Poller) poll(ctx context.Context, export *db.Export, now time.Time) error {
	metrics.ExportsPolled.Inc()

	if export.DeadlineAt != nil && now.After(*export.DeadlineAt) {
		export.State = status.ExportTimedOut
		export.Error = "deadline exceeded before the remote task finished"
		export.LeaseUntil = nil
		metrics.ExportTransitions.WithLabelValues(string(status.ExportTimedOut)).Inc()
		p.log.Warn("export timed out",
			zap.String("export_id", export.ID.String()),
			zap.String("name", export.Name),
			zap.Time("deadline", *export.DeadlineAt),
		)
		return p.exports.Update(ctx, export)
	}

	if export.TaskID == "" {
		// Submission never produced a task handle; nothing to query.
		export.State = status.ExportFailed
		export.Error = "no remote task id recorded"
		export.LeaseUntil = nil
		metrics.ExportTransitions.WithLabelValues(string(status.ExportFailed)).Inc()
		return p.exports.Update(ctx, export)
	}

	task, err := p.client.QueryTask(ctx, export.TaskID)
	if err != nil {
		// The query itself failed; back off and retry later.
		export.Attempts++
		export.PollIntervalSec = nextBackoff(export.PollIntervalSec)
		next := now.Add(time.Duration(export.PollIntervalSec) * time.Second)
		export.NextCheckAt = &next
		export.LeaseUntil = nil
		p.log.Warn("task query failed, backing off",
			zap.String("export_id", export.ID.String()),
			zap.String("task_id", export.TaskID),
			zap.Int("attempts", export.Attempts),
			zap.Int("next_interval_sec", export.PollIntervalSec),
			zap.Error(err),
		)
		return p.exports.Update(ctx, export)
	}

	export.TaskStatus = task.Status
	state := status.Project(task.Status)
	if state != export.State {
		metrics.ExportTransitions.WithLabelValues(string(state)).Inc()
	}
	export.State = state
	export.LeaseUntil = nil

	if state.Terminal() {
		export.NextCheckAt = nil
		if state == status.ExportFailed && task.Message != "" {
			export.Error = task.Message
		}
		p.log.Info("export reached terminal state",
			zap.String("export_id", export.ID.String()),
			zap.String("name", export.Name),
			zap.String("state", string(state)),
			zap.String("task_status", task.Status),
		)
		return p.exports.Update(ctx, export)
	}

	next := now.Add(time.Duration(export.PollIntervalSec) * time.Second)
	export.NextCheckAt = &next
	return p.exports.Update(ctx, export)
}

// nextBackoff doubles the poll interval, capped at maxPollInterval.
func nextBackoff(currentSec int) int {
	if currentSec <= 0 {
		return int(basePollInterval.Seconds())
	}
	doubled := currentSec * 2
	if max := int(maxPollInterval.Seconds()); doubled > max {
		return max
	}
	return doubled
}
