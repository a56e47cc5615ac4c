// Package workspace applies upstream commits onto a fork branch in a
// transient on-disk git checkout.
//
// A workspace exists for the duration of a single sync attempt, the
// temporary directory is removed on every exit path.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/stolostron/magic-mirror/internal/logfields"
	"github.com/stolostron/magic-mirror/internal/stringutils"
)

const loggerName = "workspace"

// Patch describes a contiguous range of commits to cherry-pick: the
// Commits commits leading up to and including HeadSHA.
type Patch struct {
	HeadSHA string
	Commits int
}

// ApplyError is returned when a git command of a sync attempt failed.
// It carries the command transcript so that tracking issues can include the
// failure output and the commands to reproduce it.
type ApplyError struct {
	// Commands are the git commands that ran, with credentials redacted.
	Commands []string
	// Output is the combined output of the failed command.
	Output string

	err error
}

func (e *ApplyError) Error() string {
	return e.err.Error()
}

func (e *ApplyError) Unwrap() error {
	return e.err
}

// Workspace runs git operations in scoped temporary directories.
type Workspace struct {
	logger *zap.Logger
}

func New() *Workspace {
	return &Workspace{
		logger: zap.L().Named(loggerName),
	}
}

// ApplyPatches clones forkRemote, creates targetBranch from
// origin/sourceBranch, cherry-picks the patches from upstreamRemote in order
// and pushes the result to the fork.
//
// forkRemote may carry an installation token as URL userinfo, it is redacted
// from logs and recorded commands.
func (w *Workspace) ApplyPatches(ctx context.Context, forkRemote, upstreamRemote, sourceBranch, targetBranch string, patches []Patch) error {
	if len(patches) == 0 {
		return errors.New("no patches to apply were provided")
	}

	dir, err := os.MkdirTemp("", "magic-mirror-sync-*")
	if err != nil {
		return fmt.Errorf("creating workspace directory failed: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			w.logger.Warn(
				"removing workspace directory failed",
				logfields.Event("workspace_cleanup_failed"),
				zap.String("directory", dir),
				zap.Error(rmErr),
			)
		}
	}()

	run := &gitRunner{dir: dir, logger: w.logger}

	if err := run.git(ctx, "clone", forkRemote, "."); err != nil {
		return err
	}

	if err := run.git(ctx, "checkout", "-b", targetBranch, "origin/"+sourceBranch); err != nil {
		return err
	}

	if err := run.git(ctx, "remote", "add", "upstream", upstreamRemote); err != nil {
		return err
	}

	if err := run.git(ctx, "fetch", "--prune", "upstream"); err != nil {
		return err
	}

	for _, patch := range patches {
		commitRange := fmt.Sprintf("%s~%d..%s", patch.HeadSHA, patch.Commits, patch.HeadSHA)

		err := run.git(ctx,
			"cherry-pick", "-x", "--allow-empty", "--keep-redundant-commits", commitRange,
		)
		if err != nil {
			return err
		}
	}

	return run.git(ctx, "push", "origin", "HEAD")
}

type gitRunner struct {
	dir      string
	logger   *zap.Logger
	commands []string
}

func (r *gitRunner) git(ctx context.Context, args ...string) error {
	cmdline := "git " + strings.Join(redactArgs(args), " ")
	r.commands = append(r.commands, cmdline)

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.dir

	output, err := cmd.CombinedOutput()
	if err != nil {
		r.logger.Info(
			"git command failed",
			logfields.Event("workspace_git_command_failed"),
			zap.String("command", cmdline),
			zap.String("output", stringutils.IndentString(string(output), "  ")),
			zap.Error(err),
		)

		return &ApplyError{
			Commands: r.commands,
			Output:   string(output),
			err:      fmt.Errorf("%s failed: %w", cmdline, err),
		}
	}

	r.logger.Debug(
		"git command succeeded",
		logfields.Event("workspace_git_command_succeeded"),
		zap.String("command", cmdline),
	)

	return nil
}

// redactArgs replaces URL userinfo in arguments so that tokens never end up
// in logs or tracking issues.
func redactArgs(args []string) []string {
	result := make([]string, 0, len(args))
	for _, arg := range args {
		result = append(result, redactURL(arg))
	}

	return result
}

func redactURL(arg string) string {
	if !strings.Contains(arg, "://") {
		return arg
	}

	u, err := url.Parse(arg)
	if err != nil || u.User == nil {
		return arg
	}

	u.User = url.User("redacted")

	return u.String()
}
