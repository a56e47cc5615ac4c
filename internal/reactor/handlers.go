package reactor

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/go-github/v60/github"
	"go.uber.org/zap"

	"github.com/stolostron/magic-mirror/internal/githubclt"
	"github.com/stolostron/magic-mirror/internal/logfields"
	"github.com/stolostron/magic-mirror/internal/messages"
	githubprov "github.com/stolostron/magic-mirror/internal/provider/github"
	"github.com/stolostron/magic-mirror/internal/store"
)

// checkRunSucceeded reports whether the conclusion of a completed check run
// counts as a success.
// Neutral and skipped runs do not veto a merge.
func checkRunSucceeded(conclusion string) bool {
	switch conclusion {
	case "success", "neutral", "skipped":
		return true
	default:
		return false
	}
}

// handleIssueClosed resumes a branch whose tracking issue was closed.
// The still-open sync pull-request of the blocked attempt is closed, the
// branch cursor advances past the failed upstream pull-requests and the
// pending record is removed. The next sync tick starts fresh.
func (r *Reactor) handleIssueClosed(
	ctx context.Context,
	ev *githubprov.Event,
	event *github.IssuesEvent,
	logger *zap.Logger,
) error {
	owner := event.GetRepo().GetOwner().GetLogin()
	repo := event.GetRepo().GetName()
	issueID := int64(event.GetIssue().GetNumber())

	logger = logger.With(
		logfields.RepositoryOwner(owner),
		logfields.Repository(repo),
		logfields.Issue(issueID),
	)

	forkRepo, err := r.store.GetRepo(ctx, owner, repo)
	if err != nil {
		return err
	}
	if forkRepo == nil {
		return nil
	}

	pending, err := r.store.GetPendingPRByIssue(ctx, forkRepo.ID, issueID)
	if err != nil {
		return err
	}
	if pending == nil {
		logger.Debug(
			"ignoring closed issue, it is not a tracking issue",
			logfields.Event("event_ignored"),
		)
		return nil
	}

	if pending.PRID != nil {
		clt, err := r.getClient(ctx, ev)
		if err != nil {
			return err
		}

		pr, err := clt.GetPullRequest(ctx, owner, repo, *pending.PRID)
		if err != nil {
			return fmt.Errorf("loading sync PR %d failed: %w", *pending.PRID, err)
		}

		if pr.State != "closed" {
			err := clt.UpdatePullRequestState(ctx, owner, repo, *pending.PRID, "closed")
			if err != nil {
				return fmt.Errorf("closing sync PR %d failed: %w", *pending.PRID, err)
			}
		}
	}

	lastPR := pending.UpstreamPRIDs[len(pending.UpstreamPRIDs)-1]
	if err := r.store.SetLastHandledPR(ctx, pending.BranchTuple, lastPR); err != nil {
		return err
	}

	if err := r.store.DeletePendingPR(ctx, pending.BranchTuple); err != nil {
		return err
	}

	logger.Info(
		"tracking issue closed, branch sync resumed",
		logfields.Event("branch_sync_resumed"),
		logfields.Branch(pending.ForkBranch),
		zap.Int64("github.last_handled_pr", lastPR),
	)

	return nil
}

// handlePRClosed records the terminal state of a closed sync pull-request.
// A merged pull-request completed the sync, a manually closed one opts out
// of it, in both cases the branch cursor advances past the covered upstream
// pull-requests.
// Blocked attempts are owned by the tracking-issue flow and are left alone.
func (r *Reactor) handlePRClosed(
	ctx context.Context,
	event *github.PullRequestEvent,
	logger *zap.Logger,
) error {
	owner := event.GetRepo().GetOwner().GetLogin()
	repo := event.GetRepo().GetName()
	prID := int64(event.GetPullRequest().GetNumber())

	logger = logger.With(
		logfields.RepositoryOwner(owner),
		logfields.Repository(repo),
		logfields.PullRequest(prID),
	)

	forkRepo, err := r.store.GetRepo(ctx, owner, repo)
	if err != nil {
		return err
	}
	if forkRepo == nil {
		return nil
	}

	pending, err := r.store.GetPendingPRByPRID(ctx, forkRepo.ID, prID)
	if err != nil {
		return err
	}
	if pending == nil {
		logger.Debug(
			"ignoring closed pull-request, it is not an in-flight sync PR",
			logfields.Event("event_ignored"),
		)
		return nil
	}

	if pending.GithubIssue != nil {
		logger.Debug(
			"ignoring closed pull-request, the branch is blocked on a tracking issue",
			logfields.Event("event_ignored"),
			logfields.Issue(*pending.GithubIssue),
		)
		return nil
	}

	lastPR := pending.UpstreamPRIDs[len(pending.UpstreamPRIDs)-1]
	if err := r.store.SetLastHandledPR(ctx, pending.BranchTuple, lastPR); err != nil {
		return err
	}

	if err := r.store.DeletePendingPR(ctx, pending.BranchTuple); err != nil {
		return err
	}

	logger.Info(
		"sync PR closed, branch cursor advanced",
		logfields.Event("branch_cursor_advanced"),
		logfields.Branch(pending.ForkBranch),
		zap.Bool("github.pr_merged", event.GetPullRequest().GetMerged()),
		zap.Int64("github.last_handled_pr", lastPR),
	)

	return nil
}

func (r *Reactor) handleCheckRun(
	ctx context.Context,
	ev *githubprov.Event,
	event *github.CheckRunEvent,
	logger *zap.Logger,
) error {
	run := event.GetCheckRun()

	return r.handleCISignal(ctx, ev, &ciSignal{
		owner:     event.GetRepo().GetOwner().GetLogin(),
		repo:      event.GetRepo().GetName(),
		checkName: run.GetName(),
		failed:    !checkRunSucceeded(run.GetConclusion()),
		headSHA:   run.GetHeadSHA(),
		prIDs:     prNumbers(run.PullRequests),
	}, logger)
}

// handleCheckSuite reacts to a completed check suite.
// A suite has no single check name to match against the required checks,
// the combined rollup of the head commit decides instead.
func (r *Reactor) handleCheckSuite(
	ctx context.Context,
	ev *githubprov.Event,
	event *github.CheckSuiteEvent,
	logger *zap.Logger,
) error {
	suite := event.GetCheckSuite()

	return r.handleCISignal(ctx, ev, &ciSignal{
		owner:   event.GetRepo().GetOwner().GetLogin(),
		repo:    event.GetRepo().GetName(),
		headSHA: suite.GetHeadSHA(),
		prIDs:   prNumbers(suite.PullRequests),
	}, logger)
}

func (r *Reactor) handleStatus(
	ctx context.Context,
	ev *githubprov.Event,
	event *github.StatusEvent,
	logger *zap.Logger,
) error {
	if event.GetState() == "pending" {
		return nil
	}

	return r.handleCISignal(ctx, ev, &ciSignal{
		owner:     event.GetRepo().GetOwner().GetLogin(),
		repo:      event.GetRepo().GetName(),
		checkName: event.GetContext(),
		failed:    event.GetState() != "success",
		headSHA:   event.GetSHA(),
		prIDs:     nil,
	}, logger)
}

// ciSignal is the normalized form of a check-run, check-suite or
// commit-status event.
type ciSignal struct {
	owner string
	repo  string
	// checkName is empty for check suites, they match any required check.
	checkName string
	failed    bool
	headSHA   string
	// prIDs is the pull-request list the event carried, when it carried
	// none the pull-requests are resolved from the head commit.
	prIDs []int64
}

// handleCISignal applies a CI result to the in-flight sync pull-requests it
// belongs to.
// A failed required check blocks the branch immediately. A successful one
// only triggers a merge when the combined rollup of every required check is
// successful.
func (r *Reactor) handleCISignal(
	ctx context.Context,
	ev *githubprov.Event,
	signal *ciSignal,
	logger *zap.Logger,
) error {
	logger = logger.With(
		logfields.RepositoryOwner(signal.owner),
		logfields.Repository(signal.repo),
		logfields.CheckName(signal.checkName),
	)

	forkRepo, err := r.store.GetRepo(ctx, signal.owner, signal.repo)
	if err != nil {
		return err
	}
	if forkRepo == nil {
		return nil
	}

	clt, err := r.getClient(ctx, ev)
	if err != nil {
		return err
	}

	prIDs := signal.prIDs
	if len(prIDs) == 0 {
		if signal.headSHA == "" {
			return nil
		}

		prIDs, err = clt.ListPullRequestsWithCommit(ctx, signal.owner, signal.repo, signal.headSHA)
		if err != nil {
			return fmt.Errorf("resolving pull-requests of commit %s failed: %w", signal.headSHA, err)
		}
	}

	var errs []error
	for _, prID := range prIDs {
		if err := r.applyCIResult(ctx, clt, forkRepo, signal, prID, logger); err != nil {
			errs = append(errs, fmt.Errorf("pr %d: %w", prID, err))
		}
	}

	return errors.Join(errs...)
}

func (r *Reactor) applyCIResult(
	ctx context.Context,
	clt HostClient,
	forkRepo *store.Repo,
	signal *ciSignal,
	prID int64,
	logger *zap.Logger,
) error {
	logger = logger.With(logfields.PullRequest(prID))

	pending, err := r.store.GetPendingPRByPRID(ctx, forkRepo.ID, prID)
	if err != nil {
		return err
	}
	if pending == nil {
		logger.Debug(
			"ignoring CI result, the pull-request is not an in-flight sync PR",
			logfields.Event("event_ignored"),
		)
		return nil
	}

	if pending.Action == store.PendingPRActionBlocked {
		logger.Debug(
			"ignoring CI result, the branch is blocked on a tracking issue",
			logfields.Event("event_ignored"),
		)
		return nil
	}

	requiredChecks, err := clt.RequiredChecks(ctx, signal.owner, signal.repo, pending.ForkBranch)
	if err != nil {
		return fmt.Errorf("loading required checks failed: %w", err)
	}

	// without required checks the syncer merges on its own, CI results
	// carry no meaning for the branch
	if len(requiredChecks) == 0 {
		return nil
	}

	if signal.checkName != "" && !slices.Contains(requiredChecks, signal.checkName) {
		logger.Debug(
			"ignoring CI result, the check is not required on the branch",
			logfields.Event("event_ignored"),
		)
		return nil
	}

	if signal.failed {
		logger.Info(
			"required check failed, blocking branch",
			logfields.Event("required_check_failed"),
		)

		return r.blockPR(ctx, clt, signal.owner, signal.repo, pending, messages.ReasonCIFailed(prID), logger)
	}

	return r.mergeWhenReady(ctx, clt, signal.owner, signal.repo, pending, prID, logger)
}

// mergeWhenReady merges the sync pull-request when every required check of
// its head commit succeeded.
func (r *Reactor) mergeWhenReady(
	ctx context.Context,
	clt HostClient,
	owner, repo string,
	pending *store.PendingPR,
	prID int64,
	logger *zap.Logger,
) error {
	status, err := clt.ReadyForMerge(ctx, owner, repo, prID)
	if err != nil {
		return fmt.Errorf("evaluating required checks failed: %w", err)
	}

	switch status.Status {
	case githubclt.CIStatusPending:
		logger.Debug(
			"required checks are still pending, waiting for further results",
			logfields.Event("required_checks_pending"),
		)
		return nil

	case githubclt.CIStatusFailure:
		logger.Info(
			"required check failed, blocking branch",
			logfields.Event("required_check_failed"),
		)

		return r.blockPR(ctx, clt, owner, repo, pending, messages.ReasonCIFailed(prID), logger)
	}

	err = clt.MergePullRequest(ctx, owner, repo, prID, status.Commit)
	if err != nil {
		if errors.Is(err, githubclt.ErrHeadMoved) {
			// whatever moved the head triggers its own events, the
			// state reconciles from those
			logger.Info(
				"sync PR head moved before merge, surrendering",
				logfields.Event("merge_yielded"),
			)
			return nil
		}

		logger.Info(
			"merging sync PR failed, blocking branch",
			logfields.Event("merge_failed"),
			zap.Error(err),
		)

		return r.blockPR(ctx, clt, owner, repo, pending, messages.ReasonMergeFailed(prID), logger)
	}

	prsMerged.Inc()

	lastPR := pending.UpstreamPRIDs[len(pending.UpstreamPRIDs)-1]
	if err := r.store.SetLastHandledPR(ctx, pending.BranchTuple, lastPR); err != nil {
		return err
	}

	if err := r.store.DeletePendingPR(ctx, pending.BranchTuple); err != nil {
		return err
	}

	logger.Info(
		"sync PR merged",
		logfields.Event("sync_pr_merged"),
		logfields.Branch(pending.ForkBranch),
		zap.Int64("github.last_handled_pr", lastPR),
	)

	return nil
}

// blockPR opens a tracking issue for the failed sync pull-request and
// transitions the branch to blocked.
// The issue number is appended to the pull-request body so that merging a
// manual fix of the PR closes the issue along with it.
func (r *Reactor) blockPR(
	ctx context.Context,
	clt HostClient,
	owner, repo string,
	pending *store.PendingPR,
	reason string,
	logger *zap.Logger,
) error {
	upstreamRepo, err := r.store.GetRepoByID(ctx, pending.UpstreamRepoID)
	if err != nil {
		return err
	}
	if upstreamRepo == nil {
		return fmt.Errorf("upstream repository %d of the pending PR does not exist", pending.UpstreamRepoID)
	}

	issueID, err := clt.CreateIssue(
		ctx,
		owner, repo,
		messages.IssueTitle(pending.UpstreamPRIDs),
		messages.IssueBody(&messages.IssueParams{
			UpstreamOrg:   upstreamRepo.Organization,
			ForkOrg:       owner,
			Repo:          repo,
			ForkBranch:    pending.ForkBranch,
			Reason:        reason,
			UpstreamPRIDs: pending.UpstreamPRIDs,
			PRID:          pending.PRID,
		}),
	)
	if err != nil {
		return fmt.Errorf("creating tracking issue failed: %w", err)
	}

	issuesOpened.Inc()
	logger.Info(
		"tracking issue created, branch sync paused",
		logfields.Event("tracking_issue_created"),
		logfields.Issue(issueID),
	)

	if pending.PRID != nil {
		details, err := clt.GetPullRequest(ctx, owner, repo, *pending.PRID)
		if err == nil {
			err = clt.UpdatePullRequestBody(
				ctx, owner, repo, *pending.PRID,
				details.Body+messages.ClosesIssueSuffix(issueID),
			)
		}
		if err != nil {
			// the link is cosmetic, the block must not fail on it
			logger.Warn(
				"linking tracking issue in the PR body failed",
				logfields.Event("pr_body_update_failed"),
				zap.Error(err),
			)
		}
	}

	pending.Action = store.PendingPRActionBlocked
	pending.GithubIssue = &issueID

	return r.store.SetPendingPR(ctx, pending)
}

func (r *Reactor) getClient(ctx context.Context, ev *githubprov.Event) (HostClient, error) {
	clt, err := r.newClient(ctx, ev.InstallationID)
	if err != nil {
		return nil, fmt.Errorf("creating client for installation %d failed: %w", ev.InstallationID, err)
	}

	return clt, nil
}
