package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	s, err := Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func testTuple(t *testing.T, s *Store) BranchTuple {
	t.Helper()

	ctx := context.Background()

	fork, err := s.GetOrCreateRepo(ctx, "fork-org", "repo")
	require.NoError(t, err)

	upstream, err := s.GetOrCreateRepo(ctx, "upstream-org", "repo")
	require.NoError(t, err)

	return BranchTuple{
		ForkRepoID:     fork.ID,
		UpstreamRepoID: upstream.ID,
		ForkBranch:     "release-1.0",
	}
}

func TestGetOrCreateRepoIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.GetOrCreateRepo(ctx, "org", "repo")
	require.NoError(t, err)

	second, err := s.GetOrCreateRepo(ctx, "org", "repo")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)

	other, err := s.GetOrCreateRepo(ctx, "org", "other")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)

	byID, err := s.GetRepoByID(ctx, first.ID)
	require.NoError(t, err)
	require.NotNil(t, byID)
	assert.Equal(t, "org", byID.Organization)
	assert.Equal(t, "repo", byID.Name)
}

func TestGetRepoReturnsNilForUnknownRepo(t *testing.T) {
	s := newTestStore(t)

	repo, err := s.GetRepo(context.Background(), "nope", "nope")
	require.NoError(t, err)
	assert.Nil(t, repo)

	byID, err := s.GetRepoByID(context.Background(), 999)
	require.NoError(t, err)
	assert.Nil(t, byID)
}

func TestBranchCursorIsMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tuple := testTuple(t, s)

	_, exists, err := s.GetLastHandledPR(ctx, tuple)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, s.SetLastHandledPR(ctx, tuple, 40))

	cursor, exists, err := s.GetLastHandledPR(ctx, tuple)
	require.NoError(t, err)
	require.True(t, exists)
	assert.Equal(t, int64(40), cursor)

	require.NoError(t, s.SetLastHandledPR(ctx, tuple, 42))

	// a lower value must never overwrite a higher one
	require.NoError(t, s.SetLastHandledPR(ctx, tuple, 41))

	cursor, _, err = s.GetLastHandledPR(ctx, tuple)
	require.NoError(t, err)
	assert.Equal(t, int64(42), cursor)
}

func TestPendingPRRoundtrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tuple := testTuple(t, s)

	pr, err := s.GetPendingPR(ctx, tuple)
	require.NoError(t, err)
	assert.Nil(t, pr)

	prID := int64(7)
	require.NoError(t, s.SetPendingPR(ctx, &PendingPR{
		BranchTuple:     tuple,
		Action:          PendingPRActionCreated,
		PRID:            &prID,
		UpstreamPRIDs:   []int64{41, 42},
		UpstreamAuthors: []string{"alice", "bob"},
	}))

	pr, err = s.GetPendingPR(ctx, tuple)
	require.NoError(t, err)
	require.NotNil(t, pr)
	assert.Equal(t, PendingPRActionCreated, pr.Action)
	require.NotNil(t, pr.PRID)
	assert.Equal(t, prID, *pr.PRID)
	assert.Nil(t, pr.GithubIssue)
	assert.Equal(t, []int64{41, 42}, pr.UpstreamPRIDs)
	assert.Equal(t, []string{"alice", "bob"}, pr.UpstreamAuthors)

	byPRID, err := s.GetPendingPRByPRID(ctx, tuple.ForkRepoID, prID)
	require.NoError(t, err)
	require.NotNil(t, byPRID)
	assert.Equal(t, pr.UpstreamPRIDs, byPRID.UpstreamPRIDs)

	// the upsert transitions the same tuple to blocked
	issueID := int64(9)
	pr.Action = PendingPRActionBlocked
	pr.GithubIssue = &issueID
	require.NoError(t, s.SetPendingPR(ctx, pr))

	byIssue, err := s.GetPendingPRByIssue(ctx, tuple.ForkRepoID, issueID)
	require.NoError(t, err)
	require.NotNil(t, byIssue)
	assert.Equal(t, PendingPRActionBlocked, byIssue.Action)
	assert.Equal(t, tuple, byIssue.BranchTuple)

	require.NoError(t, s.DeletePendingPR(ctx, tuple))

	pr, err = s.GetPendingPR(ctx, tuple)
	require.NoError(t, err)
	assert.Nil(t, pr)

	// deleting again is not an error
	require.NoError(t, s.DeletePendingPR(ctx, tuple))
}

func TestSetPendingPRDefaultsMissingAuthors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tuple := testTuple(t, s)

	prID := int64(3)
	require.NoError(t, s.SetPendingPR(ctx, &PendingPR{
		BranchTuple:   tuple,
		Action:        PendingPRActionCreated,
		PRID:          &prID,
		UpstreamPRIDs: []int64{5, 6},
	}))

	pr, err := s.GetPendingPR(ctx, tuple)
	require.NoError(t, err)
	require.NotNil(t, pr)
	assert.Equal(t, []string{"not-applicable", "not-applicable"}, pr.UpstreamAuthors)
}

func TestPendingPRValidate(t *testing.T) {
	prID := int64(1)
	issueID := int64(2)

	testcases := []struct {
		name string
		pr   PendingPR
	}{
		{
			name: "emptyUpstreamPRs",
			pr:   PendingPR{Action: PendingPRActionCreated, PRID: &prID},
		},
		{
			name: "unorderedUpstreamPRs",
			pr: PendingPR{
				Action:        PendingPRActionCreated,
				PRID:          &prID,
				UpstreamPRIDs: []int64{5, 4},
			},
		},
		{
			name: "createdWithoutPRID",
			pr: PendingPR{
				Action:        PendingPRActionCreated,
				UpstreamPRIDs: []int64{4},
			},
		},
		{
			name: "blockedWithoutIssue",
			pr: PendingPR{
				Action:        PendingPRActionBlocked,
				UpstreamPRIDs: []int64{4},
			},
		},
		{
			name: "unsupportedAction",
			pr: PendingPR{
				Action:        "merged",
				PRID:          &prID,
				GithubIssue:   &issueID,
				UpstreamPRIDs: []int64{4},
			},
		},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Error(t, tc.pr.Validate())
		})
	}
}

// TestMigrationAddsAuthorColumn opens a database created by a release that
// predates author tracking and verifies that existing rows are readable
// afterwards.
func TestMigrationAddsAuthorColumn(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	dbPath := filepath.Join(t.TempDir(), "state.db")

	db, err := sql.Open("sqlite3", "file:"+dbPath)
	require.NoError(t, err)

	_, err = db.Exec(`
CREATE TABLE repos (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	organization TEXT NOT NULL,
	name TEXT NOT NULL,
	UNIQUE (organization, name)
);

CREATE TABLE last_handled_prs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	fork_repo_id INTEGER NOT NULL REFERENCES repos (id),
	upstream_repo_id INTEGER NOT NULL REFERENCES repos (id),
	branch TEXT NOT NULL,
	pr_id INTEGER NOT NULL,
	UNIQUE (fork_repo_id, upstream_repo_id, branch)
);

CREATE TABLE pending_prs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	fork_repo_id INTEGER NOT NULL REFERENCES repos (id),
	upstream_repo_id INTEGER NOT NULL REFERENCES repos (id),
	branch TEXT NOT NULL,
	action TEXT NOT NULL,
	pr_id INTEGER,
	github_issue INTEGER,
	upstream_pr_ids TEXT NOT NULL,
	UNIQUE (fork_repo_id, upstream_repo_id, branch),
	UNIQUE (fork_repo_id, pr_id, github_issue)
);

INSERT INTO repos (organization, name) VALUES ('fork-org', 'repo'), ('upstream-org', 'repo');
INSERT INTO pending_prs (fork_repo_id, upstream_repo_id, branch, action, pr_id, upstream_pr_ids)
	VALUES (1, 2, 'main', 'created', 7, '41');
`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err := Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	pr, err := s.GetPendingPR(context.Background(), BranchTuple{
		ForkRepoID:     1,
		UpstreamRepoID: 2,
		ForkBranch:     "main",
	})
	require.NoError(t, err)
	require.NotNil(t, pr)
	assert.Equal(t, []int64{41}, pr.UpstreamPRIDs)
	assert.Equal(t, []string{"not-applicable"}, pr.UpstreamAuthors)
}

func TestIDListSerialization(t *testing.T) {
	ids, err := splitIDList(joinIDList([]int64{3, 15, 42}))
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 15, 42}, ids)

	ids, err = splitIDList("")
	require.NoError(t, err)
	assert.Nil(t, ids)

	_, err = splitIDList("1,x")
	assert.Error(t, err)
}
