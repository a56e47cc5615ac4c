package githubclt

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/go-github/v60/github"
)

// ErrHeadMoved is returned by MergePullRequest when the head of the
// pull-request no longer matches the expected commit.
// The caller must surrender the merge, the state is reconciled via the
// webhook events of whatever moved the head.
var ErrHeadMoved = errors.New("pull request head changed")

// ErrMergeRejected is returned when GitHub refuses to merge the
// pull-request, e.g. because required checks are not satisfied or the merge
// method is forbidden.
var ErrMergeRejected = errors.New("merge rejected")

// MergedPR describes a merged upstream pull-request.
type MergedPR struct {
	Number  int64
	Author  string
	BaseRef string
}

// PullRequest contains the subset of pull-request fields the sync engine
// consumes.
type PullRequest struct {
	Number         int64
	State          string
	Merged         bool
	Body           string
	BaseRef        string
	HeadRef        string
	HeadSHA        string
	MergeCommitSHA string
	// Commits is the number of commits the pull-request contains.
	Commits int
}

// LatestMergedPR returns the number of the most recently created merged
// pull-request of the repository, on any base branch.
// If the repository has no merged pull-request, 0 is returned.
func (clt *InstallationClient) LatestMergedPR(ctx context.Context, owner, repo string) (int64, error) {
	opts := github.PullRequestListOptions{
		State:       "closed",
		Sort:        "created",
		Direction:   "desc",
		ListOptions: github.ListOptions{PerPage: 100},
	}

	for {
		prs, resp, err := clt.restClt.PullRequests.List(ctx, owner, repo, &opts)
		if err != nil {
			return 0, wrapRetryableErrors(clt.logger, err)
		}

		for _, pr := range prs {
			if pr.MergedAt != nil {
				return int64(pr.GetNumber()), nil
			}
		}

		if resp.NextPage == 0 {
			return 0, nil
		}
		opts.Page = resp.NextPage
	}
}

// MergedPRsAfter returns the merged pull-requests of the repository with a
// number greater than after, in ascending number order.
// The GitHub API returns pull-requests newest first, the listing stops as
// soon as the cursor is reached and the result is reversed.
func (clt *InstallationClient) MergedPRsAfter(ctx context.Context, owner, repo string, after int64) ([]*MergedPR, error) {
	var descending []*MergedPR

	opts := github.PullRequestListOptions{
		State:       "closed",
		Sort:        "created",
		Direction:   "desc",
		ListOptions: github.ListOptions{PerPage: 100},
	}

pages:
	for {
		prs, resp, err := clt.restClt.PullRequests.List(ctx, owner, repo, &opts)
		if err != nil {
			return nil, wrapRetryableErrors(clt.logger, err)
		}

		for _, pr := range prs {
			if int64(pr.GetNumber()) <= after {
				break pages
			}

			if pr.MergedAt == nil {
				continue
			}

			descending = append(descending, &MergedPR{
				Number:  int64(pr.GetNumber()),
				Author:  pr.GetUser().GetLogin(),
				BaseRef: pr.GetBase().GetRef(),
			})
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	ascending := make([]*MergedPR, 0, len(descending))
	for i := len(descending) - 1; i >= 0; i-- {
		ascending = append(ascending, descending[i])
	}

	return ascending, nil
}

// GetPullRequest returns the pull-request details.
func (clt *InstallationClient) GetPullRequest(ctx context.Context, owner, repo string, number int64) (*PullRequest, error) {
	pr, _, err := clt.restClt.PullRequests.Get(ctx, owner, repo, int(number))
	if err != nil {
		return nil, wrapRetryableErrors(clt.logger, err)
	}

	return &PullRequest{
		Number:         int64(pr.GetNumber()),
		State:          pr.GetState(),
		Merged:         pr.GetMerged(),
		Body:           pr.GetBody(),
		BaseRef:        pr.GetBase().GetRef(),
		HeadRef:        pr.GetHead().GetRef(),
		HeadSHA:        pr.GetHead().GetSHA(),
		MergeCommitSHA: pr.GetMergeCommitSHA(),
		Commits:        pr.GetCommits(),
	}, nil
}

// CreatePullRequest opens a pull-request from head to base and returns its
// number.
func (clt *InstallationClient) CreatePullRequest(ctx context.Context, owner, repo, title, body, head, base string) (int64, error) {
	pr, _, err := clt.restClt.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
		Title: &title,
		Body:  &body,
		Head:  &head,
		Base:  &base,
	})
	if err != nil {
		return 0, wrapRetryableErrors(clt.logger, err)
	}

	return int64(pr.GetNumber()), nil
}

// UpdatePullRequestState patches the state of the pull-request to "open" or
// "closed".
func (clt *InstallationClient) UpdatePullRequestState(ctx context.Context, owner, repo string, number int64, state string) error {
	_, _, err := clt.restClt.PullRequests.Edit(ctx, owner, repo, int(number), &github.PullRequest{
		State: &state,
	})

	return wrapRetryableErrors(clt.logger, err)
}

// UpdatePullRequestBody replaces the body of the pull-request.
func (clt *InstallationClient) UpdatePullRequestBody(ctx context.Context, owner, repo string, number int64, body string) error {
	_, _, err := clt.restClt.PullRequests.Edit(ctx, owner, repo, int(number), &github.PullRequest{
		Body: &body,
	})

	return wrapRetryableErrors(clt.logger, err)
}

// ListPullRequestsWithCommit returns the numbers of the pull-requests that
// contain the commit.
func (clt *InstallationClient) ListPullRequestsWithCommit(ctx context.Context, owner, repo, sha string) ([]int64, error) {
	var result []int64

	opts := github.ListOptions{PerPage: 100}
	for {
		prs, resp, err := clt.restClt.PullRequests.ListPullRequestsWithCommit(ctx, owner, repo, sha, &opts)
		if err != nil {
			return nil, wrapRetryableErrors(clt.logger, err)
		}

		for _, pr := range prs {
			result = append(result, int64(pr.GetNumber()))
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return result, nil
}

// AddLabels adds the labels to the pull-request or issue.
func (clt *InstallationClient) AddLabels(ctx context.Context, owner, repo string, number int64, labels []string) error {
	if len(labels) == 0 {
		return nil
	}

	_, _, err := clt.restClt.Issues.AddLabelsToIssue(ctx, owner, repo, int(number), labels)

	return wrapRetryableErrors(clt.logger, err)
}

// CreateIssueComment creates a comment on an issue or pull-request.
func (clt *InstallationClient) CreateIssueComment(ctx context.Context, owner, repo string, issueOrPRNr int64, comment string) error {
	_, _, err := clt.restClt.Issues.CreateComment(ctx, owner, repo, int(issueOrPRNr), &github.IssueComment{Body: &comment})

	return wrapRetryableErrors(clt.logger, err)
}

// CreateIssue opens an issue and returns its number.
func (clt *InstallationClient) CreateIssue(ctx context.Context, owner, repo, title, body string) (int64, error) {
	issue, _, err := clt.restClt.Issues.Create(ctx, owner, repo, &github.IssueRequest{
		Title: &title,
		Body:  &body,
	})
	if err != nil {
		return 0, wrapRetryableErrors(clt.logger, err)
	}

	return int64(issue.GetNumber()), nil
}

// MergePullRequest merges the pull-request with the rebase merge method.
// expectedHeadSHA must be the commit the CI result was evaluated for, the
// merge is aborted with ErrHeadMoved when the head changed in the meantime.
func (clt *InstallationClient) MergePullRequest(ctx context.Context, owner, repo string, number int64, expectedHeadSHA string) error {
	_, _, err := clt.restClt.PullRequests.Merge(ctx, owner, repo, int(number), "", &github.PullRequestOptions{
		MergeMethod: "rebase",
		SHA:         expectedHeadSHA,
	})
	if err == nil {
		return nil
	}

	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		switch respErr.Response.StatusCode {
		case http.StatusConflict:
			return fmt.Errorf("%w: %s", ErrHeadMoved, respErr.Message)
		case http.StatusMethodNotAllowed, http.StatusUnprocessableEntity, http.StatusForbidden:
			return fmt.Errorf("%w: %s", ErrMergeRejected, respErr.Message)
		}
	}

	return wrapRetryableErrors(clt.logger, err)
}
