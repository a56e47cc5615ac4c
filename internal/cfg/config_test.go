package cfg

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfig = `{
  "appID": 1234,
  "privateKey": "fake-pem",
  "dbPath": "/tmp/state.db",
  "logLevel": "debug",
  "syncInterval": 60,
  "webhookSecret": "hush",
  "upstreamMappings": {
    "fork-org": {
      "upstream-org": {
        "branchMappings": {
          "main": "release-1.0"
        },
        "prLabels": ["sync"]
      }
    }
  }
}`

func TestLoad(t *testing.T) {
	config, err := Load(strings.NewReader(validConfig))
	require.NoError(t, err)

	assert.Equal(t, int64(1234), config.AppID)
	assert.Equal(t, []byte("fake-pem"), config.PrivateKey)
	assert.Equal(t, "/tmp/state.db", config.DBPath)
	assert.Equal(t, "debug", config.LogLevel)
	assert.Equal(t, time.Minute, config.SyncInterval)
	assert.Equal(t, "hush", config.WebhookSecret)

	upstream := config.UpstreamMappings["fork-org"]["upstream-org"]
	require.NotNil(t, upstream)
	assert.Equal(t, map[string]string{"main": "release-1.0"}, upstream.BranchMappings)
	assert.Equal(t, []string{"sync"}, upstream.PRLabels)
}

func TestLoadDefaults(t *testing.T) {
	config, err := Load(strings.NewReader(`{
  "appID": 1,
  "upstreamMappings": {
    "fork-org": {
      "upstream-org": {
        "branchMappings": {"main": "main"}
      }
    }
  }
}`))
	require.NoError(t, err)

	assert.Equal(t, "info", config.LogLevel)
	assert.Equal(t, 30*time.Second, config.SyncInterval)
	assert.Empty(t, config.UpstreamMappings["fork-org"]["upstream-org"].PRLabels)
}

func TestLoadRejectsInvalidDocuments(t *testing.T) {
	testcases := []struct {
		name        string
		config      string
		errContains string
	}{
		{
			name:        "notJSON",
			config:      "appID = 5",
			errContains: "not valid JSON",
		},
		{
			name:        "missingAppID",
			config:      `{"upstreamMappings": {}}`,
			errContains: "appID",
		},
		{
			name: "invalidLogLevel",
			config: `{"appID": 1, "logLevel": "trace",
				"upstreamMappings": {"f": {"u": {"branchMappings": {"main": "main"}}}}}`,
			errContains: "logLevel",
		},
		{
			name: "negativeSyncInterval",
			config: `{"appID": 1, "syncInterval": -3,
				"upstreamMappings": {"f": {"u": {"branchMappings": {"main": "main"}}}}}`,
			errContains: "syncInterval",
		},
		{
			name:        "missingUpstreamMappings",
			config:      `{"appID": 1}`,
			errContains: "upstreamMappings",
		},
		{
			name:        "emptyBranchMappings",
			config:      `{"appID": 1, "upstreamMappings": {"f": {"u": {"branchMappings": {}}}}}`,
			errContains: "branchMappings",
		},
		{
			name:        "emptyForkBranch",
			config:      `{"appID": 1, "upstreamMappings": {"f": {"u": {"branchMappings": {"main": ""}}}}}`,
			errContains: "non-empty string",
		},
		{
			name: "duplicateForkBranch",
			config: `{"appID": 1, "upstreamMappings": {"f": {"u": {
				"branchMappings": {"main": "dev", "next": "dev"}}}}}`,
			errContains: "mapped from multiple upstream branches",
		},
		{
			name: "emptyPRLabel",
			config: `{"appID": 1, "upstreamMappings": {"f": {"u": {
				"branchMappings": {"main": "main"}, "prLabels": [""]}}}}`,
			errContains: "prLabels",
		},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(strings.NewReader(tc.config))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errContains)
		})
	}
}
