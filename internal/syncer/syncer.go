// Package syncer implements the polling half of the sync engine.
//
// On every tick the syncer enumerates the branch tuples implied by the
// configuration and the GitHub App installations, and drives the state
// machine of each tuple one step: discover newly merged upstream
// pull-requests, reproduce their commits on the fork branch via a
// cherry-pick pull-request, and quarantine the branch behind a tracking
// issue when anything fails.
//
// The branch cursor is only advanced on terminal success, transient
// failures abort the tuple and it is retried on the next tick.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/stolostron/magic-mirror/internal/cfg"
	"github.com/stolostron/magic-mirror/internal/githubclt"
	"github.com/stolostron/magic-mirror/internal/logfields"
	"github.com/stolostron/magic-mirror/internal/store"
	"github.com/stolostron/magic-mirror/internal/workspace"
)

const loggerName = "syncer"

// HostClient is the per-installation GitHub API capability set the syncer
// consumes. It is implemented by githubclt.InstallationClient.
type HostClient interface {
	Token() string
	ListInstallationRepositories(ctx context.Context) ([]string, error)
	ListOrgRepositories(ctx context.Context, org string) ([]string, error)
	LatestMergedPR(ctx context.Context, owner, repo string) (int64, error)
	MergedPRsAfter(ctx context.Context, owner, repo string, after int64) ([]*githubclt.MergedPR, error)
	GetPullRequest(ctx context.Context, owner, repo string, number int64) (*githubclt.PullRequest, error)
	CreatePullRequest(ctx context.Context, owner, repo, title, body, head, base string) (int64, error)
	UpdatePullRequestState(ctx context.Context, owner, repo string, number int64, state string) error
	AddLabels(ctx context.Context, owner, repo string, number int64, labels []string) error
	CreateIssueComment(ctx context.Context, owner, repo string, issueOrPRNr int64, comment string) error
	CreateIssue(ctx context.Context, owner, repo, title, body string) (int64, error)
	RequiredChecks(ctx context.Context, owner, repo, branch string) ([]string, error)
	MergePullRequest(ctx context.Context, owner, repo string, number int64, expectedHeadSHA string) error
}

// InstallationLister enumerates the installations of the GitHub App.
type InstallationLister interface {
	ListInstallations(ctx context.Context) ([]*githubclt.Installation, error)
}

// ClientFactory returns a HostClient authenticating as the given
// installation.
// Installation tokens are short-lived, a fresh client is requested per sync
// tick.
type ClientFactory func(ctx context.Context, installationID int64) (HostClient, error)

// PatchApplier reproduces upstream commits on a fork branch.
// It is implemented by workspace.Workspace.
type PatchApplier interface {
	ApplyPatches(ctx context.Context, forkRemote, upstreamRemote, sourceBranch, targetBranch string, patches []workspace.Patch) error
}

// Syncer drives the per-tuple state machines from the polling side.
type Syncer struct {
	installations InstallationLister
	newClient     ClientFactory
	store         *store.Store
	workspace     PatchApplier
	mappings      map[string]map[string]*cfg.UpstreamCfg
	interval      time.Duration
	logger        *zap.Logger
}

func New(
	installations InstallationLister,
	newClient ClientFactory,
	stateStore *store.Store,
	patchApplier PatchApplier,
	config *cfg.Config,
) *Syncer {
	return &Syncer{
		installations: installations,
		newClient:     newClient,
		store:         stateStore,
		workspace:     patchApplier,
		mappings:      config.UpstreamMappings,
		interval:      config.SyncInterval,
		logger:        zap.L().Named(loggerName),
	}
}

// Run executes RunOnce in a loop until the context is cancelled.
// After each run it sleeps for the remainder of the sync interval.
func (s *Syncer) Run(ctx context.Context) {
	s.logger.Info(
		"syncer started",
		logfields.Event("syncer_started"),
		zap.Duration("sync_interval", s.interval),
	)

	for {
		startTime := time.Now()

		if err := s.RunOnce(ctx); err != nil {
			s.logger.Error(
				"sync run finished with errors",
				logfields.Event("sync_run_failed"),
				zap.Error(err),
			)
		}

		sleep := s.interval - time.Since(startTime)
		if sleep < 0 {
			sleep = 0
		}

		select {
		case <-ctx.Done():
			s.logger.Info("syncer terminated", logfields.Event("syncer_terminated"))
			return
		case <-time.After(sleep):
		}
	}
}

// RunOnce enumerates all branch tuples and drives each state machine one
// step.
// Tuple failures are collected, a failing tuple does not stop the others,
// it is retried on the next run.
func (s *Syncer) RunOnce(ctx context.Context) error {
	syncRuns.Inc()

	installations, err := s.installations.ListInstallations(ctx)
	if err != nil {
		return fmt.Errorf("listing app installations failed: %w", err)
	}

	var errs []error

	for _, installation := range installations {
		forkMappings, exists := s.mappings[installation.Owner]
		if !exists {
			s.logger.Debug(
				"skipping installation, no upstream mapping configured",
				logfields.Event("installation_skipped"),
				zap.String("github.installation_owner", installation.Owner),
			)

			continue
		}

		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}

		clt, err := s.newClient(ctx, installation.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("creating client for installation of %s failed: %w", installation.Owner, err))
			continue
		}

		targets, err := s.enumerateTargets(ctx, clt, installation.Owner, forkMappings)
		if err != nil {
			errs = append(errs, fmt.Errorf("enumerating branches for %s failed: %w", installation.Owner, err))
			continue
		}

		for _, target := range targets {
			// the tick loop is interruptible between tuples
			if err := ctx.Err(); err != nil {
				return errors.Join(append(errs, err)...)
			}

			if err := s.handleBranch(ctx, clt, target); err != nil {
				branchFailures.Inc()
				s.logger.Error(
					"syncing branch failed",
					append(target.logFields(),
						logfields.Event("branch_sync_failed"),
						zap.Error(err),
					)...,
				)

				errs = append(errs, fmt.Errorf("%s: %w", target, err))
			}
		}
	}

	return errors.Join(errs...)
}

// target is one (fork-org, upstream-org, repository, fork-branch <-
// upstream-branch) tuple.
type target struct {
	forkOrg        string
	upstreamOrg    string
	repo           string
	upstreamBranch string
	forkBranch     string
	prLabels       []string
}

func (t *target) String() string {
	return fmt.Sprintf("%s/%s branch %s from %s/%s branch %s",
		t.forkOrg, t.repo, t.forkBranch, t.upstreamOrg, t.repo, t.upstreamBranch)
}

func (t *target) logFields() []zap.Field {
	return []zap.Field{
		logfields.RepositoryOwner(t.forkOrg),
		logfields.UpstreamOwner(t.upstreamOrg),
		logfields.Repository(t.repo),
		logfields.Branch(t.forkBranch),
		logfields.UpstreamBranch(t.upstreamBranch),
	}
}

// enumerateTargets computes the cross product of the repositories the
// installation has access to, the configured upstream organizations and the
// configured branch mappings.
// A repository is only eligible when it exists under the same name on both
// sides.
func (s *Syncer) enumerateTargets(
	ctx context.Context,
	clt HostClient,
	forkOrg string,
	forkMappings map[string]*cfg.UpstreamCfg,
) ([]*target, error) {
	forkRepos, err := clt.ListInstallationRepositories(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing installation repositories failed: %w", err)
	}

	forkRepoSet := make(map[string]struct{}, len(forkRepos))
	for _, name := range forkRepos {
		forkRepoSet[name] = struct{}{}
	}

	var result []*target

	for upstreamOrg, upstreamCfg := range forkMappings {
		upstreamRepos, err := clt.ListOrgRepositories(ctx, upstreamOrg)
		if err != nil {
			return nil, fmt.Errorf("listing repositories of %s failed: %w", upstreamOrg, err)
		}

		for _, repo := range upstreamRepos {
			if _, exists := forkRepoSet[repo]; !exists {
				continue
			}

			for upstreamBranch, forkBranch := range upstreamCfg.BranchMappings {
				result = append(result, &target{
					forkOrg:        forkOrg,
					upstreamOrg:    upstreamOrg,
					repo:           repo,
					upstreamBranch: upstreamBranch,
					forkBranch:     forkBranch,
					prLabels:       upstreamCfg.PRLabels,
				})
			}
		}
	}

	// map iteration order is random, a stable order keeps the logs and
	// the tick timing deterministic
	sort.Slice(result, func(i, j int) bool {
		return result[i].String() < result[j].String()
	})

	return result, nil
}
