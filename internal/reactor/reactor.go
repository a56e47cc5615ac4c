// Package reactor implements the event-driven half of the sync engine.
//
// The reactor consumes the parsed webhook events of the github provider and
// finishes what the syncer started: it merges sync pull-requests whose
// required checks succeeded, quarantines branches whose checks failed behind
// a tracking issue and resumes branches whose tracking issue was closed.
//
// Events that do not belong to a recorded in-flight sync attempt are
// ignored, the reactor never acts on pull-requests or issues it does not
// own.
package reactor

import (
	"context"

	"github.com/google/go-github/v60/github"
	"go.uber.org/zap"

	"github.com/stolostron/magic-mirror/internal/githubclt"
	"github.com/stolostron/magic-mirror/internal/logfields"
	githubprov "github.com/stolostron/magic-mirror/internal/provider/github"
	"github.com/stolostron/magic-mirror/internal/store"
)

const loggerName = "reactor"

// HostClient is the per-installation GitHub API capability set the reactor
// consumes. It is implemented by githubclt.InstallationClient.
type HostClient interface {
	GetPullRequest(ctx context.Context, owner, repo string, number int64) (*githubclt.PullRequest, error)
	UpdatePullRequestState(ctx context.Context, owner, repo string, number int64, state string) error
	UpdatePullRequestBody(ctx context.Context, owner, repo string, number int64, body string) error
	ListPullRequestsWithCommit(ctx context.Context, owner, repo, sha string) ([]int64, error)
	CreateIssue(ctx context.Context, owner, repo, title, body string) (int64, error)
	RequiredChecks(ctx context.Context, owner, repo, branch string) ([]string, error)
	ReadyForMerge(ctx context.Context, owner, repo string, prNumber int64) (*githubclt.RequiredChecksStatus, error)
	MergePullRequest(ctx context.Context, owner, repo string, number int64, expectedHeadSHA string) error
}

// ClientFactory returns a HostClient authenticating as the given
// installation.
type ClientFactory func(ctx context.Context, installationID int64) (HostClient, error)

// Reactor reads events from the channel and dispatches them to the
// per-event-kind handlers.
type Reactor struct {
	ch        <-chan *githubprov.Event
	newClient ClientFactory
	store     *store.Store
	logger    *zap.Logger
}

func New(eventChan <-chan *githubprov.Event, newClient ClientFactory, stateStore *store.Store) *Reactor {
	return &Reactor{
		ch:        eventChan,
		newClient: newClient,
		store:     stateStore,
		logger:    zap.L().Named(loggerName),
	}
}

// Run processes events until the context is cancelled or the event channel
// is closed.
// Handler failures are logged and the event is dropped, the next sync tick
// reconciles the state via the API.
func (r *Reactor) Run(ctx context.Context) {
	r.logger.Info("reactor started", logfields.Event("reactor_started"))

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reactor terminated", logfields.Event("reactor_terminated"))
			return

		case ev, open := <-r.ch:
			if !open {
				r.logger.Info(
					"reactor terminated, event channel was closed",
					logfields.Event("reactor_terminated"),
				)
				return
			}

			eventsProcessed.Inc()

			if err := r.processEvent(ctx, ev); err != nil {
				eventFailures.Inc()
				r.logger.Error(
					"processing event failed",
					append(ev.LogFields,
						logfields.Event("event_processing_failed"),
						zap.Error(err),
					)...,
				)
			}
		}
	}
}

func (r *Reactor) processEvent(ctx context.Context, ev *githubprov.Event) error {
	logger := r.logger.With(ev.LogFields...)

	if ev.InstallationID == 0 {
		logger.Debug(
			"ignoring event, it carries no installation information",
			logfields.Event("event_ignored"),
		)
		return nil
	}

	switch event := ev.Event.(type) {
	case *github.IssuesEvent:
		if event.GetAction() != "closed" {
			return nil
		}

		return r.handleIssueClosed(ctx, ev, event, logger)

	case *github.PullRequestEvent:
		if event.GetAction() != "closed" {
			return nil
		}

		return r.handlePRClosed(ctx, event, logger)

	case *github.CheckRunEvent:
		if event.GetAction() != "completed" {
			return nil
		}

		return r.handleCheckRun(ctx, ev, event, logger)

	case *github.CheckSuiteEvent:
		if event.GetAction() != "completed" {
			return nil
		}

		return r.handleCheckSuite(ctx, ev, event, logger)

	case *github.StatusEvent:
		return r.handleStatus(ctx, ev, event, logger)

	default:
		logger.Debug("ignoring event, no handler registered",
			logfields.Event("event_ignored"),
		)
		return nil
	}
}

func prNumbers(prs []*github.PullRequest) []int64 {
	result := make([]int64, 0, len(prs))
	for _, pr := range prs {
		result = append(result, int64(pr.GetNumber()))
	}

	return result
}
