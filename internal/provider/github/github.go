// Package github receives GitHub webhook deliveries, validates and parses
// them and forwards the events the sync engine reacts to into an event
// channel.
package github

import (
	"net/http"

	"github.com/google/go-github/v60/github"
	"go.uber.org/zap"

	"github.com/stolostron/magic-mirror/internal/logfields"
)

const loggerName = "github-event-provider"

// Event is a parsed webhook delivery.
type Event struct {
	// Event is one of the go-github event types returned by
	// github.ParseWebHook.
	Event any

	DeliveryID string
	EventType  string
	// InstallationID identifies the App installation the event belongs
	// to, 0 when the delivery carries no installation information.
	InstallationID int64

	LogFields []zap.Field
}

// Provider listens for github webhook http-requests at a http-server
// handler, validates and converts the requests to Events and forwards them
// to an event channel.
type Provider struct {
	logger        *zap.Logger
	webhookSecret []byte
	c             chan<- *Event
}

type option func(*Provider)

func WithPayloadSecret(secret string) option {
	return func(p *Provider) {
		p.webhookSecret = []byte(secret)
	}
}

func New(eventChan chan<- *Event, opts ...option) *Provider {
	p := Provider{
		c: eventChan,
	}

	for _, o := range opts {
		o(&p)
	}

	if p.logger == nil {
		p.logger = zap.L().Named(loggerName)
	}

	return &p
}

type installationCarrier interface {
	GetInstallation() *github.Installation
}

func (p *Provider) HTTPHandler(resp http.ResponseWriter, req *http.Request) {
	deliveryID := github.DeliveryID(req)
	hookType := github.WebHookType(req)

	logFields := []zap.Field{
		logfields.EventProvider("github"),
		zap.String("github.delivery_id", deliveryID),
		zap.String("github.webhook_type", hookType),
	}

	logger := p.logger.With(logFields...)

	payload, err := github.ValidatePayload(req, p.webhookSecret)
	if err != nil {
		logger.Info(
			"received invalid http request, payload validation failed",
			logfields.Event("github_http_request_validation_failed"),
			zap.Error(err),
		)
		http.Error(resp, err.Error(), http.StatusBadRequest)
		return
	}

	event, err := github.ParseWebHook(hookType, payload)
	if err != nil {
		logger.Info(
			"received invalid http request, parsing failed",
			logfields.Event("github_event_parsing_failed"),
			zap.Error(err),
		)
		http.Error(resp, err.Error(), http.StatusBadRequest)
		return
	}

	ev := Event{
		Event:      event,
		DeliveryID: deliveryID,
		EventType:  hookType,
		LogFields:  logFields,
	}

	if carrier, ok := event.(installationCarrier); ok {
		ev.InstallationID = carrier.GetInstallation().GetID()
	}

	switch event.(type) {
	case *github.IssuesEvent,
		*github.PullRequestEvent,
		*github.CheckRunEvent,
		*github.CheckSuiteEvent,
		*github.StatusEvent:

	default:
		logger.Debug("ignoring event, event type is unsupported",
			logfields.Event("github_unsupported_event_received"),
		)
		resp.WriteHeader(http.StatusOK)
		return
	}

	select {
	case p.c <- &ev:
		logger.Debug("event forwarded to channel",
			logfields.Event("github_event_forwarded"),
		)

	default:
		logger.Warn(
			"event lost, forwarding event to channel failed",
			zap.String("error", "could not forward event to channel, send would have blocked"),
			logfields.Event("github_forwarding_event_failed"),
		)

		http.Error(resp, "queue full", http.StatusServiceUnavailable)
		return
	}
}

// StatusHandler implements the liveness endpoint.
func (p *Provider) StatusHandler(resp http.ResponseWriter, _ *http.Request) {
	resp.Header().Set("Content-Type", "text/plain")
	_, _ = resp.Write([]byte("OK"))
}
