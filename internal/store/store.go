// Package store persists the synchronization state shared by the syncer and
// the webhook receiver.
//
// The state lives in a single embedded SQLite database file. Both processes
// open the same file, writes are serialized via WAL mode and a busy timeout.
// Cross-process coordination relies on the uniqueness constraints of the
// pending_prs table: the later writer either observes the earlier writer's
// row or fails its uniqueness check.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/stolostron/magic-mirror/internal/logfields"
)

const loggerName = "store"

// busyRetryTimeout bounds how long a single statement is retried when the
// other process holds the write lock.
const busyRetryTimeout = 10 * time.Second

// Repo is a GitHub repository identity row.
type Repo struct {
	ID           int64
	Organization string
	Name         string
}

// BranchTuple identifies the unit of synchronization state: one fork branch
// receiving commits from one upstream repository.
type BranchTuple struct {
	ForkRepoID     int64
	UpstreamRepoID int64
	ForkBranch     string
}

// PendingPRAction is the state of an in-flight sync attempt.
type PendingPRAction string

const (
	// PendingPRActionCreated means a sync pull-request is open on the
	// fork and is waiting for its CI result.
	PendingPRActionCreated PendingPRAction = "created"
	// PendingPRActionBlocked means the sync attempt failed, a tracking
	// issue is open and syncing of the branch is paused until a human
	// closes it.
	PendingPRActionBlocked PendingPRAction = "blocked"
)

// PendingPR records a single in-flight sync attempt for a branch tuple.
// At most one row exists per tuple.
type PendingPR struct {
	BranchTuple

	Action PendingPRAction
	// PRID is the fork-side pull-request number. It is nil when the
	// attempt is blocked before a pull-request could be opened.
	PRID *int64
	// GithubIssue is the fork-side tracking issue number, it is only set
	// on failure paths.
	GithubIssue *int64
	// UpstreamPRIDs are the upstream pull-request numbers whose commits
	// this attempt propagates, in ascending order.
	UpstreamPRIDs []int64
	// UpstreamAuthors is aligned with UpstreamPRIDs. Rows that predate
	// author tracking carry the value "not-applicable".
	UpstreamAuthors []string
}

// Validate checks the invariants of the record before it is persisted.
func (p *PendingPR) Validate() error {
	if len(p.UpstreamPRIDs) == 0 {
		return errors.New("upstream PR ID list is empty")
	}

	for i := 1; i < len(p.UpstreamPRIDs); i++ {
		if p.UpstreamPRIDs[i] <= p.UpstreamPRIDs[i-1] {
			return fmt.Errorf("upstream PR IDs are not strictly ascending: %v", p.UpstreamPRIDs)
		}
	}

	switch p.Action {
	case PendingPRActionCreated:
		if p.PRID == nil {
			return errors.New("pending PR with action created has no pull-request number")
		}
	case PendingPRActionBlocked:
		if p.GithubIssue == nil {
			return errors.New("pending PR with action blocked has no tracking issue")
		}
	default:
		return fmt.Errorf("unsupported pending PR action: %q", p.Action)
	}

	return nil
}

// Store provides access to the magic-mirror state database.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens the SQLite database at path and initializes the schema.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(wal)&_pragma=foreign_keys(1)",
		path, busyRetryTimeout.Milliseconds(),
	)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database %s failed: %w", path, err)
	}

	// the engine is a single writer per process, a bigger pool only
	// causes lock contention
	db.SetMaxOpenConns(1)

	s := Store{
		db:     db,
		logger: zap.L().Named(loggerName),
	}

	if err := s.Init(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing database %s failed: %w", path, err)
	}

	return &s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Init creates the schema idempotently and applies migrations.
func (s *Store) Init(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS repos (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	organization TEXT NOT NULL,
	name TEXT NOT NULL,
	UNIQUE (organization, name)
);

CREATE TABLE IF NOT EXISTS last_handled_prs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	fork_repo_id INTEGER NOT NULL REFERENCES repos (id),
	upstream_repo_id INTEGER NOT NULL REFERENCES repos (id),
	branch TEXT NOT NULL,
	pr_id INTEGER NOT NULL,
	UNIQUE (fork_repo_id, upstream_repo_id, branch)
);

CREATE TABLE IF NOT EXISTS pending_prs (
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
`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating tables failed: %w", err)
	}

	return s.migrate(ctx)
}

// migrate applies in-place schema migrations for databases created by older
// releases.
func (s *Store) migrate(ctx context.Context) error {
	hasAuthors, err := s.columnExists(ctx, "pending_prs", "upstream_authors")
	if err != nil {
		return err
	}

	if !hasAuthors {
		// rows written before author tracking get the backfill
		// sentinel
		_, err := s.db.ExecContext(ctx,
			`ALTER TABLE pending_prs ADD COLUMN upstream_authors TEXT NOT NULL DEFAULT 'not-applicable'`,
		)
		if err != nil {
			return fmt.Errorf("adding upstream_authors column failed: %w", err)
		}

		s.logger.Info(
			"database migrated, added upstream_authors column",
			logfields.Event("store_migration_applied"),
		)
	}

	return nil
}

func (s *Store) columnExists(ctx context.Context, table, column string) (bool, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			dfltValue  sql.NullString
			primaryKey int
		)

		if err := rows.Scan(&cid, &name, &typ, &notNull, &dfltValue, &primaryKey); err != nil {
			return false, err
		}

		if name == column {
			return true, nil
		}
	}

	return false, rows.Err()
}

// withBusyRetry runs fn and retries it with exponential backoff while the
// database is locked by the other process.
func (s *Store) withBusyRetry(ctx context.Context, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxElapsedTime = busyRetryTimeout

	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, sqlite3.BUSY) || errors.Is(err, sqlite3.LOCKED) {
			s.logger.Debug(
				"database is locked, retrying",
				logfields.Event("store_busy_retry"),
				zap.Error(err),
			)
			return err
		}

		return backoff.Permanent(err)
	}, backoff.WithContext(bo, ctx))
}

// GetOrCreateRepo returns the repository row for (org, name), inserting it
// first if it does not exist.
func (s *Store) GetOrCreateRepo(ctx context.Context, org, name string) (*Repo, error) {
	err := s.withBusyRetry(ctx, func() error {
		// the last-insert-id can not be relied on with
		// ON CONFLICT DO NOTHING, the row is looked up afterwards
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO repos (organization, name) VALUES (?, ?)
			 ON CONFLICT (organization, name) DO NOTHING`,
			org, name,
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("inserting repository %s/%s failed: %w", org, name, err)
	}

	repo := Repo{Organization: org, Name: name}
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM repos WHERE organization = ? AND name = ?`,
		org, name,
	).Scan(&repo.ID)
	if err != nil {
		return nil, fmt.Errorf("loading repository %s/%s failed: %w", org, name, err)
	}

	return &repo, nil
}

// GetRepo returns the repository row for (org, name) or nil when it was
// never referenced.
func (s *Store) GetRepo(ctx context.Context, org, name string) (*Repo, error) {
	repo := Repo{Organization: org, Name: name}

	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM repos WHERE organization = ? AND name = ?`,
		org, name,
	).Scan(&repo.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading repository %s/%s failed: %w", org, name, err)
	}

	return &repo, nil
}

// GetRepoByID returns the repository row with the given id or nil when no
// such row exists.
func (s *Store) GetRepoByID(ctx context.Context, id int64) (*Repo, error) {
	repo := Repo{ID: id}

	err := s.db.QueryRowContext(ctx,
		`SELECT organization, name FROM repos WHERE id = ?`,
		id,
	).Scan(&repo.Organization, &repo.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading repository %d failed: %w", id, err)
	}

	return &repo, nil
}

// GetLastHandledPR returns the branch cursor for the tuple.
// exists is false when the tuple was never observed.
func (s *Store) GetLastHandledPR(ctx context.Context, tuple BranchTuple) (prID int64, exists bool, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT pr_id FROM last_handled_prs
		 WHERE fork_repo_id = ? AND upstream_repo_id = ? AND branch = ?`,
		tuple.ForkRepoID, tuple.UpstreamRepoID, tuple.ForkBranch,
	).Scan(&prID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("loading branch cursor failed: %w", err)
	}

	return prID, true, nil
}

// SetLastHandledPR upserts the branch cursor for the tuple.
// The cursor is monotonic, a lower value never overwrites a higher one.
func (s *Store) SetLastHandledPR(ctx context.Context, tuple BranchTuple, prID int64) error {
	err := s.withBusyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO last_handled_prs (fork_repo_id, upstream_repo_id, branch, pr_id)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT (fork_repo_id, upstream_repo_id, branch)
			 DO UPDATE SET pr_id = excluded.pr_id WHERE excluded.pr_id > pr_id`,
			tuple.ForkRepoID, tuple.UpstreamRepoID, tuple.ForkBranch, prID,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("storing branch cursor failed: %w", err)
	}

	return nil
}

const pendingPRColumns = `fork_repo_id, upstream_repo_id, branch, action, pr_id, github_issue, upstream_pr_ids, upstream_authors`

// GetPendingPR returns the pending PR row for the tuple or nil when none
// exists.
func (s *Store) GetPendingPR(ctx context.Context, tuple BranchTuple) (*PendingPR, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+pendingPRColumns+` FROM pending_prs
		 WHERE fork_repo_id = ? AND upstream_repo_id = ? AND branch = ?`,
		tuple.ForkRepoID, tuple.UpstreamRepoID, tuple.ForkBranch,
	)

	return scanPendingPR(row)
}

// GetPendingPRByIssue returns the pending PR of the fork repository that is
// blocked on the given tracking issue, or nil.
func (s *Store) GetPendingPRByIssue(ctx context.Context, forkRepoID, issueID int64) (*PendingPR, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+pendingPRColumns+` FROM pending_prs
		 WHERE fork_repo_id = ? AND github_issue = ?`,
		forkRepoID, issueID,
	)

	return scanPendingPR(row)
}

// GetPendingPRByPRID returns the pending PR of the fork repository with the
// given fork-side pull-request number, or nil.
func (s *Store) GetPendingPRByPRID(ctx context.Context, forkRepoID, prID int64) (*PendingPR, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+pendingPRColumns+` FROM pending_prs
		 WHERE fork_repo_id = ? AND pr_id = ?`,
		forkRepoID, prID,
	)

	return scanPendingPR(row)
}

func scanPendingPR(row *sql.Row) (*PendingPR, error) {
	var (
		result  PendingPR
		action  string
		prID    sql.NullInt64
		issue   sql.NullInt64
		ids     string
		authors string
	)

	err := row.Scan(
		&result.ForkRepoID, &result.UpstreamRepoID, &result.ForkBranch,
		&action, &prID, &issue, &ids, &authors,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading pending PR failed: %w", err)
	}

	result.Action = PendingPRAction(action)
	if prID.Valid {
		result.PRID = &prID.Int64
	}
	if issue.Valid {
		result.GithubIssue = &issue.Int64
	}

	result.UpstreamPRIDs, err = splitIDList(ids)
	if err != nil {
		return nil, fmt.Errorf("decoding upstream PR ID list failed: %w", err)
	}

	result.UpstreamAuthors = splitStrList(authors)

	return &result, nil
}

// SetPendingPR upserts the pending PR row of its tuple.
func (s *Store) SetPendingPR(ctx context.Context, pr *PendingPR) error {
	if err := pr.Validate(); err != nil {
		return err
	}

	authors := pr.UpstreamAuthors
	if len(authors) == 0 {
		authors = notApplicableAuthors(len(pr.UpstreamPRIDs))
	}

	err := s.withBusyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO pending_prs (`+pendingPRColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (fork_repo_id, upstream_repo_id, branch)
			 DO UPDATE SET
				action = excluded.action,
				pr_id = excluded.pr_id,
				github_issue = excluded.github_issue,
				upstream_pr_ids = excluded.upstream_pr_ids,
				upstream_authors = excluded.upstream_authors`,
			pr.ForkRepoID, pr.UpstreamRepoID, pr.ForkBranch,
			string(pr.Action), nullableInt64(pr.PRID), nullableInt64(pr.GithubIssue),
			joinIDList(pr.UpstreamPRIDs), joinStrList(authors),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("storing pending PR failed: %w", err)
	}

	return nil
}

// DeletePendingPR removes the pending PR row of the tuple.
// Deleting a non-existing row is not an error.
func (s *Store) DeletePendingPR(ctx context.Context, tuple BranchTuple) error {
	err := s.withBusyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM pending_prs
			 WHERE fork_repo_id = ? AND upstream_repo_id = ? AND branch = ?`,
			tuple.ForkRepoID, tuple.UpstreamRepoID, tuple.ForkBranch,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("deleting pending PR failed: %w", err)
	}

	return nil
}

func nullableInt64(v *int64) any {
	if v == nil {
		return nil
	}

	return *v
}

func notApplicableAuthors(n int) []string {
	result := make([]string, n)
	for i := range result {
		result[i] = "not-applicable"
	}

	return result
}
