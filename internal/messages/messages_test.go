package messages

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSyncPRTitle(t *testing.T) {
	assert.Equal(t,
		"🤖 Sync from upstream-org/repo: #41, #42",
		SyncPRTitle("upstream-org", "repo", []int64{41, 42}),
	)
}

func TestSyncPRBody(t *testing.T) {
	body := SyncPRBody("upstream-org", "repo", []int64{41, 42}, nil)
	assert.Contains(t, body, "* upstream-org/repo#41\n")
	assert.Contains(t, body, "* upstream-org/repo#42\n")
	assert.NotContains(t, body, "This replaces")

	replaced := int64(7)
	body = SyncPRBody("upstream-org", "repo", []int64{43}, &replaced)
	assert.Contains(t, body, "This replaces #7")
}

func TestIssueTitle(t *testing.T) {
	assert.Equal(t,
		"😿 Failed to sync the upstream PRs: #41, #42",
		IssueTitle([]int64{41, 42}),
	)
}

func TestIssueBody(t *testing.T) {
	prID := int64(9)

	body := IssueBody(&IssueParams{
		UpstreamOrg:   "upstream-org",
		ForkOrg:       "fork-org",
		Repo:          "repo",
		ForkBranch:    "release-1.0",
		Reason:        ReasonPatchFailed,
		UpstreamPRIDs: []int64{41},
		PRID:          &prID,
		ErrorOutput:   "error: could not apply abc123\n",
		Commands:      []string{"git clone https://github.com/fork-org/repo.git ."},
	})

	assert.Contains(t, body, "because one or more patches couldn't cleanly apply:")
	assert.Contains(t, body, "* upstream-org/repo#41\n")
	assert.Contains(t, body, "Syncing is paused for the branch release-1.0 on fork-org/repo until this issue is closed.")
	assert.Contains(t, body, "The pull-request (#9) can be reviewed for more information.")
	assert.Contains(t, body, "error: could not apply abc123")
	assert.Contains(t, body, "git clone https://github.com/fork-org/repo.git .")
	assert.Contains(t, body, "![a sad Yoda]")
}

func TestIssueBodyWithoutOptionalSections(t *testing.T) {
	body := IssueBody(&IssueParams{
		UpstreamOrg:   "upstream-org",
		ForkOrg:       "fork-org",
		Repo:          "repo",
		ForkBranch:    "main",
		Reason:        ReasonCIFailed(3),
		UpstreamPRIDs: []int64{5},
	})

	assert.Contains(t, body, "because the PR CI failed (#3):")
	assert.NotContains(t, body, "Error output:")
	assert.NotContains(t, body, "To reproduce:")
	assert.NotContains(t, body, "can be reviewed")
}

func TestClosesIssueSuffix(t *testing.T) {
	assert.Equal(t, "\n\nCloses #12", ClosesIssueSuffix(12))
}
