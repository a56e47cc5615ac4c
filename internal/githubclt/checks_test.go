package githubclt

import (
	"errors"
	"testing"

	"github.com/shurcooL/githubv4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/stolostron/magic-mirror/internal/mirrorerr"
)

func TestRequiredChecksStatus(t *testing.T) {
	completed := githubv4.CheckStatusStateCompleted

	testcases := []struct {
		name           string
		required       []string
		checkRuns      []*queryCheckStatus
		commitStatuses []*queryStatusContext
		expected       CIStatus
	}{
		{
			name:     "noRequiredChecks",
			expected: CIStatusSuccess,
		},
		{
			name:     "unreportedRequiredCheckIsPending",
			required: []string{"ci/test"},
			expected: CIStatusPending,
		},
		{
			name:     "allRequiredChecksSucceeded",
			required: []string{"ci/test", "ci/status"},
			checkRuns: []*queryCheckStatus{
				{Name: "ci/test", Status: completed, Conclusion: githubv4.CheckConclusionStateSuccess},
			},
			commitStatuses: []*queryStatusContext{
				{Context: "ci/status", State: githubv4.StatusStateSuccess},
			},
			expected: CIStatusSuccess,
		},
		{
			name:     "skippedAndNeutralCountAsSuccess",
			required: []string{"ci/skipped", "ci/neutral"},
			checkRuns: []*queryCheckStatus{
				{Name: "ci/skipped", Status: completed, Conclusion: githubv4.CheckConclusionStateSkipped},
				{Name: "ci/neutral", Status: completed, Conclusion: githubv4.CheckConclusionStateNeutral},
			},
			expected: CIStatusSuccess,
		},
		{
			name:     "failedRequiredCheckWins",
			required: []string{"ci/test", "ci/other"},
			checkRuns: []*queryCheckStatus{
				{Name: "ci/test", Status: completed, Conclusion: githubv4.CheckConclusionStateFailure},
				{Name: "ci/other", Status: completed, Conclusion: githubv4.CheckConclusionStateSuccess},
			},
			expected: CIStatusFailure,
		},
		{
			name:     "nonRequiredFailureIsIgnored",
			required: []string{"ci/test"},
			checkRuns: []*queryCheckStatus{
				{Name: "ci/test", Status: completed, Conclusion: githubv4.CheckConclusionStateSuccess},
				{Name: "lint", Status: completed, Conclusion: githubv4.CheckConclusionStateFailure},
			},
			expected: CIStatusSuccess,
		},
		{
			name:     "inProgressRequiredCheckIsPending",
			required: []string{"ci/test"},
			checkRuns: []*queryCheckStatus{
				{Name: "ci/test", Status: githubv4.CheckStatusStateInProgress},
			},
			expected: CIStatusPending,
		},
		{
			name:     "errorCommitStatusIsFailure",
			required: []string{"ci/status"},
			commitStatuses: []*queryStatusContext{
				{Context: "ci/status", State: githubv4.StatusStateError},
			},
			expected: CIStatusFailure,
		},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			status, err := requiredChecksStatus(tc.required, tc.checkRuns, tc.commitStatuses)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, status)
		})
	}
}

func TestRequiredChecksStatusRejectsDuplicateContexts(t *testing.T) {
	_, err := requiredChecksStatus([]string{"ci/test", "ci/test"}, nil, nil)
	assert.Error(t, err)
}

func TestWrapGraphQLRetryableErrors(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	logger := zap.L()

	err := wrapGraphQLRetryableErrors(logger, errors.New("non-200 OK status code: 502 Bad Gateway body"))
	var retryableErr *mirrorerr.RetryableError
	assert.ErrorAs(t, err, &retryableErr)

	err = wrapGraphQLRetryableErrors(logger, errors.New("non-200 OK status code: 401 Unauthorized body"))
	assert.False(t, errors.As(err, &retryableErr))

	err = wrapGraphQLRetryableErrors(logger, errors.New("something else"))
	assert.False(t, errors.As(err, &retryableErr))
}
