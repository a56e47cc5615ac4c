package syncer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/stolostron/magic-mirror/internal/githubclt"
	"github.com/stolostron/magic-mirror/internal/logfields"
	"github.com/stolostron/magic-mirror/internal/messages"
	"github.com/stolostron/magic-mirror/internal/store"
	"github.com/stolostron/magic-mirror/internal/workspace"
)

// handleBranch drives the state machine of a single branch tuple one step.
func (s *Syncer) handleBranch(ctx context.Context, clt HostClient, t *target) error {
	logger := s.logger.With(t.logFields()...)

	forkRepo, err := s.store.GetOrCreateRepo(ctx, t.forkOrg, t.repo)
	if err != nil {
		return err
	}

	upstreamRepo, err := s.store.GetOrCreateRepo(ctx, t.upstreamOrg, t.repo)
	if err != nil {
		return err
	}

	tuple := store.BranchTuple{
		ForkRepoID:     forkRepo.ID,
		UpstreamRepoID: upstreamRepo.ID,
		ForkBranch:     t.forkBranch,
	}

	pending, err := s.store.GetPendingPR(ctx, tuple)
	if err != nil {
		return err
	}

	if pending != nil && pending.Action == store.PendingPRActionBlocked {
		logger.Debug(
			"branch is blocked on a tracking issue, skipping",
			logfields.Event("branch_blocked"),
			logfields.Issue(*pending.GithubIssue),
		)

		return nil
	}

	cursor, exists, err := s.store.GetLastHandledPR(ctx, tuple)
	if err != nil {
		return err
	}

	if !exists {
		return s.bootstrapCursor(ctx, clt, t, tuple, logger)
	}

	mergedPRs, err := clt.MergedPRsAfter(ctx, t.upstreamOrg, t.repo, cursor)
	if err != nil {
		return fmt.Errorf("listing merged upstream PRs failed: %w", err)
	}

	var candidates []*githubclt.MergedPR
	for _, pr := range mergedPRs {
		if pr.BaseRef == t.upstreamBranch {
			candidates = append(candidates, pr)
		}
	}

	if len(candidates) == 0 {
		return nil
	}

	prIDs := make([]int64, 0, len(candidates))
	authors := make([]string, 0, len(candidates))
	for _, pr := range candidates {
		prIDs = append(prIDs, pr.Number)

		author := pr.Author
		if author == "" {
			author = "not-applicable"
		}
		authors = append(authors, author)
	}

	if pending != nil && slices.Equal(pending.UpstreamPRIDs, prIDs) {
		// the in-flight PR already covers exactly this set
		return nil
	}

	var replacedPRID *int64
	if pending != nil {
		closed, err := s.closePR(ctx, clt, t.forkOrg, t.repo, *pending.PRID)
		if err != nil {
			return fmt.Errorf("closing superseded PR %d failed: %w", *pending.PRID, err)
		}

		if !closed {
			// the platform closed the PR before us, the
			// pull-request-closed webhook event owns the terminal
			// transition
			logger.Info(
				"superseded PR was already closed, leaving state to the webhook receiver",
				logfields.Event("superseded_pr_already_closed"),
				logfields.PullRequest(*pending.PRID),
			)

			return nil
		}

		if err := s.store.DeletePendingPR(ctx, tuple); err != nil {
			return err
		}

		replacedPRID = pending.PRID
	}

	patches := make([]workspace.Patch, 0, len(prIDs))
	for _, prID := range prIDs {
		details, err := clt.GetPullRequest(ctx, t.upstreamOrg, t.repo, prID)
		if err != nil {
			return fmt.Errorf("loading upstream PR %d failed: %w", prID, err)
		}

		if details.MergeCommitSHA == "" {
			return fmt.Errorf("upstream PR %d has no merge commit", prID)
		}

		patches = append(patches, workspace.Patch{
			HeadSHA: details.MergeCommitSHA,
			Commits: details.Commits,
		})
	}

	workBranch := fmt.Sprintf("%s-%d", t.upstreamBranch, time.Now().UnixMilli())

	err = s.workspace.ApplyPatches(
		ctx,
		forkRemoteURL(clt.Token(), t.forkOrg, t.repo),
		remoteURL(t.upstreamOrg, t.repo),
		t.forkBranch,
		workBranch,
		patches,
	)
	if err != nil {
		logger.Info(
			"applying upstream patches failed, blocking branch",
			logfields.Event("patch_apply_failed"),
			zap.Error(err),
		)

		return s.blockWithIssue(ctx, clt, t, tuple, &blockParams{
			reason:  messages.ReasonPatchFailed,
			prIDs:   prIDs,
			authors: authors,
			err:     err,
		})
	}

	body := messages.SyncPRBody(t.upstreamOrg, t.repo, prIDs, replacedPRID)

	prID, err := clt.CreatePullRequest(
		ctx,
		t.forkOrg, t.repo,
		messages.SyncPRTitle(t.upstreamOrg, t.repo, prIDs),
		body,
		workBranch,
		t.forkBranch,
	)
	if err != nil {
		return fmt.Errorf("creating sync PR failed: %w", err)
	}

	prsCreated.Inc()
	logger.Info(
		"sync PR created",
		logfields.Event("sync_pr_created"),
		logfields.PullRequest(prID),
		zap.Int64s("github.upstream_prs", prIDs),
	)

	if err := clt.AddLabels(ctx, t.forkOrg, t.repo, prID, t.prLabels); err != nil {
		// labels are cosmetic, the sync must not fail on them
		logger.Warn(
			"adding labels to sync PR failed",
			logfields.Event("adding_labels_failed"),
			logfields.PullRequest(prID),
			zap.Error(err),
		)
	}

	err = s.store.SetPendingPR(ctx, &store.PendingPR{
		BranchTuple:     tuple,
		Action:          store.PendingPRActionCreated,
		PRID:            &prID,
		UpstreamPRIDs:   prIDs,
		UpstreamAuthors: authors,
	})
	if err != nil {
		return err
	}

	requiredChecks, err := clt.RequiredChecks(ctx, t.forkOrg, t.repo, t.forkBranch)
	if err != nil {
		return fmt.Errorf("loading required checks failed: %w", err)
	}

	if len(requiredChecks) != 0 {
		// the webhook receiver takes over when the CI results arrive
		return nil
	}

	return s.mergeImmediately(ctx, clt, t, tuple, prID, prIDs, authors, logger)
}

// bootstrapCursor initializes the branch cursor of a tuple that is observed
// for the first time.
// The cursor starts at the most recent merged upstream PR so that history
// from before the tuple was configured is not replayed.
func (s *Syncer) bootstrapCursor(
	ctx context.Context,
	clt HostClient,
	t *target,
	tuple store.BranchTuple,
	logger *zap.Logger,
) error {
	latest, err := clt.LatestMergedPR(ctx, t.upstreamOrg, t.repo)
	if err != nil {
		return fmt.Errorf("querying latest merged upstream PR failed: %w", err)
	}

	if err := s.store.SetLastHandledPR(ctx, tuple, latest); err != nil {
		return err
	}

	logger.Info(
		"branch cursor initialized",
		logfields.Event("branch_cursor_initialized"),
		zap.Int64("github.last_handled_pr", latest),
	)

	return nil
}

// mergeImmediately merges a sync PR on a fork branch that has no required
// checks, bypassing the webhook receiver.
func (s *Syncer) mergeImmediately(
	ctx context.Context,
	clt HostClient,
	t *target,
	tuple store.BranchTuple,
	prID int64,
	prIDs []int64,
	authors []string,
	logger *zap.Logger,
) error {
	details, err := clt.GetPullRequest(ctx, t.forkOrg, t.repo, prID)
	if err != nil {
		return fmt.Errorf("loading sync PR %d failed: %w", prID, err)
	}

	err = clt.MergePullRequest(ctx, t.forkOrg, t.repo, prID, details.HeadSHA)
	if err != nil {
		if errors.Is(err, githubclt.ErrHeadMoved) {
			// not our turn, the webhook receiver reconciles
			logger.Info(
				"sync PR head moved before merge, leaving state to the webhook receiver",
				logfields.Event("merge_yielded"),
				logfields.PullRequest(prID),
			)

			return nil
		}

		logger.Info(
			"merging sync PR failed, blocking branch",
			logfields.Event("merge_failed"),
			logfields.PullRequest(prID),
			zap.Error(err),
		)

		return s.blockWithIssue(ctx, clt, t, tuple, &blockParams{
			reason:  messages.ReasonMergeFailed(prID),
			prIDs:   prIDs,
			authors: authors,
			prID:    &prID,
			err:     err,
		})
	}

	if err := s.store.SetLastHandledPR(ctx, tuple, prIDs[len(prIDs)-1]); err != nil {
		return err
	}

	if err := s.store.DeletePendingPR(ctx, tuple); err != nil {
		return err
	}

	logger.Info(
		"sync PR merged without required checks",
		logfields.Event("sync_pr_merged"),
		logfields.PullRequest(prID),
	)

	return nil
}

type blockParams struct {
	reason  string
	prIDs   []int64
	authors []string
	// prID is the fork-side sync PR, when one was opened
	prID *int64
	err  error
}

// blockWithIssue opens a tracking issue on the fork and transitions the
// tuple to blocked. Syncing of the branch pauses until a human closes the
// issue.
func (s *Syncer) blockWithIssue(
	ctx context.Context,
	clt HostClient,
	t *target,
	tuple store.BranchTuple,
	params *blockParams,
) error {
	issueParams := messages.IssueParams{
		UpstreamOrg:   t.upstreamOrg,
		ForkOrg:       t.forkOrg,
		Repo:          t.repo,
		ForkBranch:    t.forkBranch,
		Reason:        params.reason,
		UpstreamPRIDs: params.prIDs,
		PRID:          params.prID,
	}

	var applyErr *workspace.ApplyError
	if errors.As(params.err, &applyErr) {
		issueParams.ErrorOutput = applyErr.Output
		issueParams.Commands = applyErr.Commands
	}

	issueID, err := clt.CreateIssue(
		ctx,
		t.forkOrg, t.repo,
		messages.IssueTitle(params.prIDs),
		messages.IssueBody(&issueParams),
	)
	if err != nil {
		return fmt.Errorf("creating tracking issue failed: %w", err)
	}

	issuesOpened.Inc()
	s.logger.Info(
		"tracking issue created, branch sync paused",
		append(t.logFields(),
			logfields.Event("tracking_issue_created"),
			logfields.Issue(issueID),
		)...,
	)

	return s.store.SetPendingPR(ctx, &store.PendingPR{
		BranchTuple:     tuple,
		Action:          store.PendingPRActionBlocked,
		PRID:            params.prID,
		GithubIssue:     &issueID,
		UpstreamPRIDs:   params.prIDs,
		UpstreamAuthors: params.authors,
	})
}

// closePR closes a fork-side sync PR after posting a superseded comment.
// When the PR is already closed false is returned and nothing is modified,
// the pull-request-closed webhook event owns the follow-up in that case.
func (s *Syncer) closePR(ctx context.Context, clt HostClient, org, repo string, prID int64) (bool, error) {
	details, err := clt.GetPullRequest(ctx, org, repo, prID)
	if err != nil {
		return false, err
	}

	if details.State == "closed" {
		return false, nil
	}

	if err := clt.CreateIssueComment(ctx, org, repo, prID, messages.SupersededComment()); err != nil {
		return false, err
	}

	if err := clt.UpdatePullRequestState(ctx, org, repo, prID, "closed"); err != nil {
		return false, err
	}

	return true, nil
}

func forkRemoteURL(token, org, repo string) string {
	return fmt.Sprintf("https://x-access-token:%s@github.com/%s/%s.git", token, org, repo)
}

func remoteURL(org, repo string) string {
	return fmt.Sprintf("https://github.com/%s/%s.git", org, repo)
}
