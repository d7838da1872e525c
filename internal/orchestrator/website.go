package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nivalis-io/ipa-orchestrator/internal/config"
	"github.com/nivalis-io/ipa-orchestrator/internal/db"
	"github.com/nivalis-io/ipa-orchestrator/internal/githost"
	"github.com/nivalis-io/ipa-orchestrator/internal/metrics"
	"github.com/nivalis-io/ipa-orchestrator/internal/objectstore"
	"github.com/nivalis-io/ipa-orchestrator/internal/repositories"
	"github.com/nivalis-io/ipa-orchestrator/internal/status"
)

// WebsiteWorker publishes the completed table outputs into the website
// repository: download from the object store into the working copy, commit,
// push the work branch, open a pull request. Idempotent per job through the
// single WebsiteUpdate row; a failed attempt leaves the row PENDING so a
// later tick retries.
type WebsiteWorker struct {
	repos  *repositories.Repositories
	minter *githost.TokenMinter
	repo   *githost.Repo
	store  objectstore.Store
	cfg    config.WebsiteConfig
	log    *zap.Logger
}

func NewWebsiteWorker(repos *repositories.Repositories, minter *githost.TokenMinter, repo *githost.Repo, store objectstore.Store, cfg config.WebsiteConfig, log *zap.Logger) *WebsiteWorker {
	return &WebsiteWorker{
		repos:  repos,
		minter: minter,
		repo:   repo,
		store:  store,
		cfg:    cfg,
		log:    log.Named("website-worker"),
	}
}

// Run performs (or retries) the website update for one job. "COMPLETED"
// means a pull request was opened or no change was required; landing the PR
// is a human step.
func (w *WebsiteWorker) Run(ctx context.Context, job *db.Job, now time.Time) error {
	update, err := w.repos.WebsiteUpdate.GetByJob(ctx, job.ID)
	if errors.Is(err, repositories.ErrNotFound) {
		update = &db.WebsiteUpdate{JobID: job.ID, Status: status.StagePending}
		if err := w.repos.WebsiteUpdate.Create(ctx, update); err != nil {
			return fmt.Errorf("website worker: creating update row: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("website worker: %w", err)
	}

	if update.Status.Terminal() {
		return nil
	}

	pr, changed, err := w.publish(ctx, job, now)
	if err != nil {
		update.Attempts++
		update.LastError = err.Error()
		w.log.Error("website update attempt failed",
			zap.String("job_id", job.ID.String()),
			zap.Int("attempts", update.Attempts),
			zap.Error(err),
		)
		if uerr := w.repos.WebsiteUpdate.Update(ctx, update); uerr != nil {
			return fmt.Errorf("website worker: persisting failure: %w", uerr)
		}
		return nil
	}

	update.Status = status.StageCompleted
	if changed {
		update.PullRequestID = pr.Number
		update.PullRequestURL = pr.URL
	}
	if err := w.repos.WebsiteUpdate.Update(ctx, update); err != nil {
		return fmt.Errorf("website worker: persisting completion: %w", err)
	}

	if changed {
		metrics.PullRequestsOpened.Inc()
		w.log.Info("website pull request opened",
			zap.String("job_id", job.ID.String()),
			zap.Int64("pr", pr.Number),
			zap.String("url", pr.URL),
		)
	} else {
		w.log.Info("website already up to date", zap.String("job_id", job.ID.String()))
	}
	return nil
}

// publish runs the actual git flow. Returns the opened pull request and
// whether anything changed; (zero, false, nil) means the tree was clean.
func (w *WebsiteWorker) publish(ctx context.Context, job *db.Job, now time.Time) (githost.PullRequest, bool, error) {
	if w.minter == nil || w.repo == nil {
		return githost.PullRequest{}, false, errors.New("website publishing is not configured (automation.website.github)")
	}

	owner, name, err := githost.ParseRepoURL(w.cfg.GitHub.RepoURL)
	if err != nil {
		return githost.PullRequest{}, false, err
	}

	token, err := w.minter.MintInstallationToken(ctx, owner, name)
	if err != nil {
		return githost.PullRequest{}, false, err
	}

	if err := w.repo.CheckoutWork(ctx, token); err != nil {
		return githost.PullRequest{}, false, err
	}

	exports, err := w.repos.Exports.ListByJobAndType(ctx, job.ID, status.ExportTypeTable)
	if err != nil {
		return githost.PullRequest{}, false, err
	}

	published := 0
	for i := range exports {
		export := &exports[i]
		if export.State != status.ExportCompleted || export.Target != status.TargetObjectStore {
			continue
		}
		data, err := w.store.Read(ctx, export.Path)
		if err != nil {
			return githost.PullRequest{}, false, fmt.Errorf("reading %s: %w", export.Path, err)
		}
		if err := w.repo.WriteFile(w.repoRel(export.Path), data); err != nil {
			return githost.PullRequest{}, false, err
		}
		published++
	}
	w.log.Info("staged outputs into working copy",
		zap.String("job_id", job.ID.String()),
		zap.Int("files", published),
	)

	message := fmt.Sprintf("Update stats files from GCS (%s)\n\nJob ID: %s",
		now.Format("2006-01-02 15:04"), job.ID)

	changed, err := w.repo.CommitAndPush(ctx, token, message)
	if err != nil {
		return githost.PullRequest{}, false, err
	}
	if !changed {
		return githost.PullRequest{}, false, nil
	}

	title := fmt.Sprintf("Update stats files from GCS (%s)", now.Format("2006-01-02 15:04"))
	body := fmt.Sprintf("Automated statistics update.\n\nJob ID: %s\nFiles updated: %d", job.ID, published)
	pr, err := w.repo.OpenPullRequest(ctx, token, title, body)
	if err != nil {
		return githost.PullRequest{}, false, err
	}
	return pr, true, nil
}

// repoRel maps an object-store output path onto the website repository
// layout: the configured store prefix is swapped for the repo assets prefix.
func (w *WebsiteWorker) repoRel(storePath string) string {
	base := strings.Trim(w.cfg.GCSBaseAssetsPath, "/")
	rel := strings.TrimPrefix(strings.Trim(storePath, "/"), base)
	return path.Join(w.cfg.RepoBaseAssetsPath, strings.Trim(rel, "/"))
}
