package github

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	gogithub "github.com/google/go-github/v60/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

const pullRequestClosedPayload = `{
  "action": "closed",
  "installation": {"id": 7},
  "pull_request": {"number": 3, "merged": true},
  "repository": {"name": "repo", "owner": {"login": "fork-org"}}
}`

const deliveryID = "3355fab0-b22c-11eb-9936-51d9540c0cdc"

func newWebhookReq(eventType, payload string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", eventType)
	req.Header.Set("X-GitHub-Delivery", deliveryID)

	return req
}

func signPayload(t *testing.T, req *http.Request, payload, secret string) {
	t.Helper()

	mac := hmac.New(sha256.New, []byte(secret))
	_, err := mac.Write([]byte(payload))
	require.NoError(t, err)

	req.Header.Set("X-Hub-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))
}

func TestHTTPHandlerForwardsSupportedEvents(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t)))

	evChan := make(chan *Event, 1)
	t.Cleanup(func() { close(evChan) })

	p := New(evChan)

	respRecorder := httptest.NewRecorder()
	p.HTTPHandler(respRecorder, newWebhookReq("pull_request", pullRequestClosedPayload))
	require.Equal(t, http.StatusOK, respRecorder.Code)

	event := <-evChan

	assert.Equal(t, deliveryID, event.DeliveryID)
	assert.Equal(t, "pull_request", event.EventType)
	assert.Equal(t, int64(7), event.InstallationID)

	prEvent, ok := event.Event.(*gogithub.PullRequestEvent)
	require.True(t, ok)
	assert.Equal(t, 3, prEvent.GetPullRequest().GetNumber())
	assert.Equal(t, "closed", prEvent.GetAction())
}

func TestHTTPHandlerIgnoresUnsupportedEvents(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t)))

	evChan := make(chan *Event, 1)
	t.Cleanup(func() { close(evChan) })

	p := New(evChan)

	respRecorder := httptest.NewRecorder()
	p.HTTPHandler(respRecorder, newWebhookReq("push", `{"ref": "refs/heads/main"}`))
	require.Equal(t, http.StatusOK, respRecorder.Code)

	assert.Empty(t, evChan)
}

func TestHTTPHandlerValidatesSignature(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t)))

	evChan := make(chan *Event, 1)
	t.Cleanup(func() { close(evChan) })

	p := New(evChan, WithPayloadSecret("hush"))

	req := newWebhookReq("pull_request", pullRequestClosedPayload)
	signPayload(t, req, pullRequestClosedPayload, "hush")

	respRecorder := httptest.NewRecorder()
	p.HTTPHandler(respRecorder, req)
	require.Equal(t, http.StatusOK, respRecorder.Code)
	assert.Len(t, evChan, 1)
}

func TestHTTPHandlerRejectsInvalidSignature(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t)))

	evChan := make(chan *Event, 1)
	t.Cleanup(func() { close(evChan) })

	p := New(evChan, WithPayloadSecret("hush"))

	req := newWebhookReq("pull_request", pullRequestClosedPayload)
	signPayload(t, req, pullRequestClosedPayload, "wrong-secret")

	respRecorder := httptest.NewRecorder()
	p.HTTPHandler(respRecorder, req)
	assert.Equal(t, http.StatusBadRequest, respRecorder.Code)
	assert.Empty(t, evChan)
}

func TestHTTPHandlerRejectsEventsWhenChannelIsFull(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t)))

	evChan := make(chan *Event)

	p := New(evChan)

	respRecorder := httptest.NewRecorder()
	p.HTTPHandler(respRecorder, newWebhookReq("pull_request", pullRequestClosedPayload))
	assert.Equal(t, http.StatusServiceUnavailable, respRecorder.Code)
}

func TestStatusHandler(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t)))

	p := New(make(chan *Event, 1))

	respRecorder := httptest.NewRecorder()
	p.StatusHandler(respRecorder, httptest.NewRequest(http.MethodGet, "/status", nil))

	assert.Equal(t, http.StatusOK, respRecorder.Code)
	assert.Equal(t, "OK", respRecorder.Body.String())
}
