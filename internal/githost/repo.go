package githost

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/google/go-github/v62/github"
	"go.uber.org/zap"
)

// tokenUser is the username GitHub expects alongside an installation token
// in HTTP basic auth.
const tokenUser = "x-access-token"

const (
	commitAuthorName  = "ipa-orchestrator"
	commitAuthorEmail = "ipa-orchestrator[bot]@users.noreply.github.com"
)

// PullRequest is the handle persisted after opening a PR, enough to make the
// website stage idempotent across restarts.
type PullRequest struct {
	Number int64
	URL    string
}

// Repo maintains the local working copy of the website repository. The
// working copy is disposable: every file it publishes is regenerated from the
// object store on each run, so recovering from a bad local state is always
// "reset onto mainline", never a manual merge.
type Repo struct {
	path       string
	url        string
	owner      string
	name       string
	workBranch string
	mainBranch string
	log        *zap.Logger
}

// NewRepo describes the working copy at path tracking the repository at
// repoURL. Nothing is touched on disk until Ensure is called.
func NewRepo(path, repoURL, workBranch, mainBranch string, log *zap.Logger) (*Repo, error) {
	owner, name, err := ParseRepoURL(repoURL)
	if err != nil {
		return nil, err
	}
	return &Repo{
		path:       path,
		url:        repoURL,
		owner:      owner,
		name:       name,
		workBranch: workBranch,
		mainBranch: mainBranch,
		log:        log.Named("githost"),
	}, nil
}

func (r *Repo) auth(token string) *http.BasicAuth {
	return &http.BasicAuth{Username: tokenUser, Password: token}
}

// Ensure clones the repository if the working copy does not exist yet,
// otherwise fetches the latest remote refs.
func (r *Repo) Ensure(ctx context.Context, token string) (*git.Repository, error) {
	repo, err := git.PlainOpen(r.path)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		r.log.Info("cloning website repository", zap.String("path", r.path))
		repo, err = git.PlainCloneContext(ctx, r.path, false, &git.CloneOptions{
			URL:  r.url,
			Auth: r.auth(token),
		})
		if err != nil {
			return nil, fmt.Errorf("githost: cloning %s: %w", r.url, err)
		}
		return repo, nil
	}
	if err != nil {
		return nil, fmt.Errorf("githost: opening working copy at %s: %w", r.path, err)
	}

	err = repo.FetchContext(ctx, &git.FetchOptions{
		Auth:  r.auth(token),
		Force: true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil, fmt.Errorf("githost: fetching: %w", err)
	}
	return repo, nil
}

// CheckoutWork puts the working copy on the work branch, creating it from the
// remote mainline when it does not exist yet, and brings it level with
// mainline. A fast-forward is applied when possible; a diverged work branch
// is reset onto mainline, since all published content is regenerated anyway.
func (r *Repo) CheckoutWork(ctx context.Context, token string) error {
	repo, err := r.Ensure(ctx, token)
	if err != nil {
		return err
	}

	mainRef, err := repo.Reference(plumbing.NewRemoteReferenceName("origin", r.mainBranch), true)
	if err != nil {
		return fmt.Errorf("githost: resolving origin/%s: %w", r.mainBranch, err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("githost: worktree: %w", err)
	}

	// Discard any leftovers from an interrupted previous run before
	// switching branches.
	if err := wt.Reset(&git.ResetOptions{Mode: git.HardReset}); err != nil {
		return fmt.Errorf("githost: resetting worktree: %w", err)
	}

	localWork := plumbing.NewBranchReferenceName(r.workBranch)
	startHash := mainRef.Hash()
	if remoteWork, err := repo.Reference(plumbing.NewRemoteReferenceName("origin", r.workBranch), true); err == nil {
		startHash = remoteWork.Hash()
	}

	err = wt.Checkout(&git.CheckoutOptions{Branch: localWork})
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		err = wt.Checkout(&git.CheckoutOptions{
			Branch: localWork,
			Hash:   startHash,
			Create: true,
		})
	}
	if err != nil {
		return fmt.Errorf("githost: checking out %s: %w", r.workBranch, err)
	}

	return r.syncWithMainline(repo, wt, mainRef.Hash())
}

// syncWithMainline brings the checked-out work branch level with the mainline
// commit. Work already ahead of mainline (an unmerged previous PR) is left
// alone.
func (r *Repo) syncWithMainline(repo *git.Repository, wt *git.Worktree, mainHash plumbing.Hash) error {
	headRef, err := repo.Head()
	if err != nil {
		return fmt.Errorf("githost: resolving HEAD: %w", err)
	}
	if headRef.Hash() == mainHash {
		return nil
	}

	headCommit, err := repo.CommitObject(headRef.Hash())
	if err != nil {
		return fmt.Errorf("githost: reading HEAD commit: %w", err)
	}
	mainCommit, err := repo.CommitObject(mainHash)
	if err != nil {
		return fmt.Errorf("githost: reading mainline commit: %w", err)
	}

	ahead, err := mainCommit.IsAncestor(headCommit)
	if err != nil {
		return fmt.Errorf("githost: ancestry check: %w", err)
	}
	if ahead {
		// Work branch carries commits mainline does not have yet.
		return nil
	}

	behind, err := headCommit.IsAncestor(mainCommit)
	if err != nil {
		return fmt.Errorf("githost: ancestry check: %w", err)
	}
	if !behind {
		r.log.Warn("work branch diverged from mainline, resetting",
			zap.String("branch", r.workBranch),
			zap.String("mainline", mainHash.String()))
	}
	if err := wt.Reset(&git.ResetOptions{Commit: mainHash, Mode: git.HardReset}); err != nil {
		return fmt.Errorf("githost: resetting onto mainline: %w", err)
	}
	return nil
}

// WriteFile places content at a path relative to the working-copy root,
// creating directories as needed.
func (r *Repo) WriteFile(rel string, data []byte) error {
	abs := filepath.Join(r.path, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("githost: creating %s: %w", filepath.Dir(abs), err)
	}
	if err := os.WriteFile(abs, data, 0o644); err != nil {
		return fmt.Errorf("githost: writing %s: %w", rel, err)
	}
	return nil
}

// CommitAndPush stages everything, commits with the given message, and pushes
// the work branch. Returns false with no error when the tree is already
// clean, which callers treat as "nothing to publish".
func (r *Repo) CommitAndPush(ctx context.Context, token, message string) (bool, error) {
	repo, err := git.PlainOpen(r.path)
	if err != nil {
		return false, fmt.Errorf("githost: opening working copy: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return false, fmt.Errorf("githost: worktree: %w", err)
	}

	if err := wt.AddGlob("."); err != nil {
		return false, fmt.Errorf("githost: staging changes: %w", err)
	}

	st, err := wt.Status()
	if err != nil {
		return false, fmt.Errorf("githost: status: %w", err)
	}
	if st.IsClean() {
		return false, nil
	}

	_, err = wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  commitAuthorName,
			Email: commitAuthorEmail,
			When:  time.Now(),
		},
	})
	if err != nil {
		return false, fmt.Errorf("githost: committing: %w", err)
	}

	refSpec := config.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", r.workBranch, r.workBranch))
	err = repo.PushContext(ctx, &git.PushOptions{
		Auth:     r.auth(token),
		RefSpecs: []config.RefSpec{refSpec},
		Force:    true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return false, fmt.Errorf("githost: pushing %s: %w", r.workBranch, err)
	}
	return true, nil
}

// OpenPullRequest opens a PR from the work branch onto mainline, or returns
// the already-open PR for the same head if one exists. Reusing the open PR
// keeps retried website updates from piling up duplicates.
func (r *Repo) OpenPullRequest(ctx context.Context, token, title, body string) (PullRequest, error) {
	client := github.NewClient(nil).WithAuthToken(token)

	existing, _, err := client.PullRequests.List(ctx, r.owner, r.name, &github.PullRequestListOptions{
		State: "open",
		Head:  r.owner + ":" + r.workBranch,
		Base:  r.mainBranch,
	})
	if err != nil {
		return PullRequest{}, fmt.Errorf("githost: listing open pull requests: %w", err)
	}
	if len(existing) > 0 {
		pr := existing[0]
		return PullRequest{Number: int64(pr.GetNumber()), URL: pr.GetHTMLURL()}, nil
	}

	pr, _, err := client.PullRequests.Create(ctx, r.owner, r.name, &github.NewPullRequest{
		Title: github.String(title),
		Body:  github.String(body),
		Head:  github.String(r.workBranch),
		Base:  github.String(r.mainBranch),
	})
	if err != nil {
		return PullRequest{}, fmt.Errorf("githost: creating pull request: %w", err)
	}
	return PullRequest{Number: int64(pr.GetNumber()), URL: pr.GetHTMLURL()}, nil
}
