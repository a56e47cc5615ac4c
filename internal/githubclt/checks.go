package githubclt

import (
	"context"
	"fmt"

	"github.com/shurcooL/githubv4"
)

// CIStatus abstracts the multiple result values of GitHub check runs and
// commit statuses into a single value.
type CIStatus string

const (
	CIStatusSuccess CIStatus = "SUCCESS"
	CIStatusPending CIStatus = "PENDING"
	CIStatusFailure CIStatus = "FAILURE"
)

// RequiredChecks returns the check names the branch protection rule of the
// branch requires to pass before merging.
// A branch without protection rule has no required checks.
func (clt *InstallationClient) RequiredChecks(ctx context.Context, owner, repo, branch string) ([]string, error) {
	protection, _, err := clt.restClt.Repositories.GetBranchProtection(ctx, owner, repo, branch)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}

		return nil, wrapRetryableErrors(clt.logger, err)
	}

	return protection.GetRequiredStatusChecks().GetContexts(), nil
}

// RequiredChecksStatus is the combined result of all required checks on the
// head commit of a pull-request.
type RequiredChecksStatus struct {
	// Status is CIStatusSuccess when every required check reported a
	// successful conclusion, CIStatusFailure when at least one required
	// check failed and CIStatusPending otherwise, including when a
	// required check did not report a result yet.
	Status CIStatus
	// Commit is the head commit the result was evaluated for.
	Commit string
}

// ReadyForMerge evaluates the required checks of the pull-request's head
// commit.
// Check runs are walked first, then commit statuses, both via the paginated
// status check rollup of the head commit.
func (clt *InstallationClient) ReadyForMerge(ctx context.Context, owner, repo string, prNumber int64) (*RequiredChecksStatus, error) {
	queryResult, err := clt.ciStatus(ctx, owner, repo, prNumber)
	if err != nil {
		return nil, wrapGraphQLRetryableErrors(clt.logger, err)
	}

	status, err := requiredChecksStatus(queryResult.RequiredStatusCheckContexts, queryResult.CheckRuns, queryResult.StatusContext)
	if err != nil {
		return nil, err
	}

	return &RequiredChecksStatus{
		Status: status,
		Commit: queryResult.Commit,
	}, nil
}

func requiredChecksStatus(
	requiredChecks []string,
	checkRuns []*queryCheckStatus,
	commitStatuses []*queryStatusContext,
) (CIStatus, error) {
	statusesByName := make(map[string]CIStatus, len(requiredChecks))
	for _, context := range requiredChecks {
		if _, exists := statusesByName[context]; exists {
			return "", fmt.Errorf("found 2 required status with the same context values: %q, context values must be unique", context)
		}

		// required checks without a reported result count as pending
		statusesByName[context] = CIStatusPending
	}

	for _, run := range checkRuns {
		if _, required := statusesByName[run.Name]; !required {
			continue
		}

		status, err := checkRunResultToCIStatus(run.Status, run.Conclusion)
		if err != nil {
			return "", fmt.Errorf("converting checkRun %q CI status failed: %w", run.Name, err)
		}

		statusesByName[run.Name] = status
	}

	for _, commitStatus := range commitStatuses {
		if _, required := statusesByName[commitStatus.Context]; !required {
			continue
		}

		status, err := contextStatusStateToCIStatus(commitStatus.State)
		if err != nil {
			return "", fmt.Errorf("converting %q status context to CI status failed: %w", commitStatus.Context, err)
		}

		statusesByName[commitStatus.Context] = status
	}

	result := CIStatusSuccess
	for _, status := range statusesByName {
		if status == CIStatusFailure {
			return CIStatusFailure, nil
		}

		if status == CIStatusPending {
			result = CIStatusPending
		}
	}

	return result, nil
}

func checkRunResultToCIStatus(status githubv4.CheckStatusState, conclusion githubv4.CheckConclusionState) (CIStatus, error) {
	switch status {
	case githubv4.CheckStatusStateInProgress,
		githubv4.CheckStatusStatePending,
		githubv4.CheckStatusStateQueued,
		githubv4.CheckStatusStateRequested,
		githubv4.CheckStatusStateWaiting:
		return CIStatusPending, nil

	case githubv4.CheckStatusStateCompleted:
		return checkConclusionToCIStatus(conclusion)

	default:
		return "", fmt.Errorf("unsupported status value: %q", status)
	}
}

func checkConclusionToCIStatus(conclusion githubv4.CheckConclusionState) (CIStatus, error) {
	switch conclusion {
	case githubv4.CheckConclusionStateCancelled,
		githubv4.CheckConclusionStateFailure,
		githubv4.CheckConclusionStateStale,
		githubv4.CheckConclusionStateStartupFailure,
		githubv4.CheckConclusionStateTimedOut:
		return CIStatusFailure, nil

	case githubv4.CheckConclusionStateActionRequired:
		return CIStatusPending, nil

	case githubv4.CheckConclusionStateNeutral,
		githubv4.CheckConclusionStateSkipped,
		githubv4.CheckConclusionStateSuccess:
		return CIStatusSuccess, nil

	default:
		return "", fmt.Errorf("unsupported conclusion value: %q", conclusion)
	}
}

type queryCheckStatus struct {
	Name       string
	Conclusion githubv4.CheckConclusionState
	Status     githubv4.CheckStatusState
}

type queryStatusContext struct {
	State   githubv4.StatusState
	Context string
}

type queryCIStatusResult struct {
	RequiredStatusCheckContexts []string
	CheckRuns                   []*queryCheckStatus
	StatusContext               []*queryStatusContext
	Commit                      string
}

func (clt *InstallationClient) ciStatus(ctx context.Context, owner, repo string, prNumber int64) (*queryCIStatusResult, error) {
	type graphQLQueryCIStatus struct {
		Repository struct {
			PullRequest struct {
				BaseRef struct {
					BranchProtectionRule struct {
						// RequiredStatusCheckContexts
						// contains required commit
						// statuses and checkRuns.
						RequiredStatusCheckContexts []string
					}
				}

				Commits struct {
					Nodes []struct {
						Commit struct {
							Oid               string
							StatusCheckRollup struct {
								State    githubv4.StatusState
								Contexts struct {
									PageInfo struct {
										EndCursor   string
										HasNextPage bool
									}
									Edges []struct {
										Node struct {
											CheckRun      queryCheckStatus   `graphql:"... on CheckRun"`
											StatusContext queryStatusContext `graphql:"... on StatusContext"`
										}
									}
								} `graphql:"contexts(first: $contextsFirst, after: $contextsAfter)"`
							}
						}
					}
				} `graphql:"commits(last: $commitsLast)"`
			} `graphql:"pullRequest(number: $number)"`
		} `graphql:"repository(owner: $owner, name: $name)"`
	}

	var prHEADCommitID string
	var result queryCIStatusResult

	vars := map[string]any{
		"owner":         githubv4.String(owner),
		"name":          githubv4.String(repo),
		"number":        githubv4.Int(prNumber),
		"commitsLast":   githubv4.Int(1),
		"contextsFirst": githubv4.Int(100),
		"contextsAfter": (*githubv4.String)(nil),
	}

	for {
		var q graphQLQueryCIStatus

		err := clt.graphQLClt.Query(ctx, &q, vars)
		if err != nil {
			return nil, err
		}

		if len(q.Repository.PullRequest.Commits.Nodes) == 0 {
			return nil, fmt.Errorf("pull request %d has no commits", prNumber)
		}

		commitsNode := q.Repository.PullRequest.Commits.Nodes[0].Commit

		if prHEADCommitID == "" {
			prHEADCommitID = commitsNode.Oid
		} else if prHEADCommitID != commitsNode.Oid {
			// the head moved while paginating, restart
			vars["contextsAfter"] = (*githubv4.String)(nil)
			prHEADCommitID = ""

			continue
		}

		for _, edge := range commitsNode.StatusCheckRollup.Contexts.Edges {
			node := edge.Node
			if node.CheckRun.Name != "" && node.StatusContext.Context != "" {
				return nil, fmt.Errorf("internal error: node contains checkRun and context, expecting only one")
			}

			if node.CheckRun.Name != "" {
				result.CheckRuns = append(result.CheckRuns, &node.CheckRun)
				continue
			}

			result.StatusContext = append(result.StatusContext, &node.StatusContext)
		}

		pageInfo := commitsNode.StatusCheckRollup.Contexts.PageInfo
		if !pageInfo.HasNextPage {
			result.RequiredStatusCheckContexts = q.Repository.PullRequest.BaseRef.BranchProtectionRule.RequiredStatusCheckContexts
			result.Commit = prHEADCommitID

			return &result, nil
		}

		if pageInfo.EndCursor == "" {
			return nil, fmt.Errorf("retrieving all contexts failed, HasNextPage is set, expected non-empty EndCursor")
		}

		vars["contextsAfter"] = githubv4.String(pageInfo.EndCursor)
	}
}

func contextStatusStateToCIStatus(state githubv4.StatusState) (CIStatus, error) {
	switch state {
	case githubv4.StatusStateError,
		githubv4.StatusStateFailure:
		return CIStatusFailure, nil

	case githubv4.StatusStateExpected,
		githubv4.StatusStatePending:
		return CIStatusPending, nil

	case githubv4.StatusStateSuccess:
		return CIStatusSuccess, nil

	default:
		return "", fmt.Errorf("unsupported status state value: %q", state)
	}
}
