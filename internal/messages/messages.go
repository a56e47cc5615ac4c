// Package messages builds the titles and bodies of the pull-requests,
// issues and comments magic-mirror creates on the fork repositories.
package messages

import (
	"fmt"
	"strings"
)

const sadYodaGIF = "https://media.giphy.com/media/3o7qDSOvfaCO9b3MlO/giphy.gif"
const mirrorGIF = "https://media.giphy.com/media/l0HlOBZcl7sbV6LnO/giphy.gif"

// ReasonPatchFailed is the tracking-issue reason used when cherry-picking
// the upstream commits failed.
const ReasonPatchFailed = "one or more patches couldn't cleanly apply"

// ReasonCIFailed returns the tracking-issue reason used when a required
// check of the sync pull-request failed.
func ReasonCIFailed(prID int64) string {
	return fmt.Sprintf("the PR CI failed (#%d)", prID)
}

// ReasonMergeFailed returns the tracking-issue reason used when GitHub
// refused to merge the sync pull-request.
func ReasonMergeFailed(prID int64) string {
	return fmt.Sprintf("the PR (#%d) couldn't be merged", prID)
}

func prList(ids []int64) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("#%d", id))
	}

	return strings.Join(parts, ", ")
}

func prBullets(upstreamOrg, repo string, ids []int64) string {
	var sb strings.Builder
	for _, id := range ids {
		fmt.Fprintf(&sb, "* %s/%s#%d\n", upstreamOrg, repo, id)
	}

	return sb.String()
}

// SyncPRTitle returns the title of a sync pull-request.
func SyncPRTitle(upstreamOrg, repo string, upstreamPRIDs []int64) string {
	return fmt.Sprintf("🤖 Sync from %s/%s: %s", upstreamOrg, repo, prList(upstreamPRIDs))
}

// SyncPRBody returns the body of a sync pull-request.
// replacedPRID, when non-nil, is the pull-request this sync attempt
// supersedes.
func SyncPRBody(upstreamOrg, repo string, upstreamPRIDs []int64, replacedPRID *int64) string {
	var sb strings.Builder

	sb.WriteString("Syncing the following upstream pull-requests:\n\n")
	sb.WriteString(prBullets(upstreamOrg, repo, upstreamPRIDs))

	if replacedPRID != nil {
		fmt.Fprintf(&sb, "\nThis replaces #%d\n", *replacedPRID)
	}

	return sb.String()
}

// SupersededComment is posted on a sync pull-request before it is closed in
// favor of a newer one.
func SupersededComment() string {
	return fmt.Sprintf(
		"This pull-request is superseded by a newer sync attempt and was closed.\n\n![mirror](%s)",
		mirrorGIF,
	)
}

// ClosesIssueSuffix is appended to the body of a sync pull-request whose CI
// failed, so that merging a manual fix closes the tracking issue.
func ClosesIssueSuffix(issueID int64) string {
	return fmt.Sprintf("\n\nCloses #%d", issueID)
}

// IssueParams describe a sync failure for the tracking issue.
type IssueParams struct {
	UpstreamOrg string
	ForkOrg     string
	Repo        string
	ForkBranch  string
	// Reason is a short phrase completing the sentence "failed ...
	// because <Reason>".
	Reason        string
	UpstreamPRIDs []int64
	// PRID is the fork-side sync pull-request, when one exists.
	PRID *int64
	// ErrorOutput is the failure transcript, when available.
	ErrorOutput string
	// Commands reproduce the failure, when available.
	Commands []string
}

// IssueTitle returns the title of a tracking issue.
func IssueTitle(upstreamPRIDs []int64) string {
	return fmt.Sprintf("😿 Failed to sync the upstream PRs: %s", prList(upstreamPRIDs))
}

// IssueBody returns the body of a tracking issue.
// Syncing of the fork branch stays paused until the issue is closed.
func IssueBody(params *IssueParams) string {
	var sb strings.Builder

	fmt.Fprintf(
		&sb,
		"🪞 Magic Mirror 🪞 failed to sync the following upstream pull-requests because %s:\n\n",
		params.Reason,
	)
	sb.WriteString(prBullets(params.UpstreamOrg, params.Repo, params.UpstreamPRIDs))

	fmt.Fprintf(
		&sb,
		"\nSyncing is paused for the branch %s on %s/%s until this issue is closed.\n",
		params.ForkBranch, params.ForkOrg, params.Repo,
	)

	if params.PRID != nil {
		fmt.Fprintf(&sb, "\nThe pull-request (#%d) can be reviewed for more information.\n", *params.PRID)
	}

	if params.ErrorOutput != "" {
		fmt.Fprintf(&sb, "\nError output:\n```\n%s\n```\n", strings.TrimRight(params.ErrorOutput, "\n"))
	}

	if len(params.Commands) != 0 {
		fmt.Fprintf(&sb, "\nTo reproduce:\n```\n%s\n```\n", strings.Join(params.Commands, "\n"))
	}

	fmt.Fprintf(&sb, "\n![a sad Yoda](%s)\n", sadYodaGIF)

	return sb.String()
}
