// Package cfg loads and validates the magic-mirror configuration file.
//
// The configuration is a free-form JSON document, it is validated field by
// field so that errors can name the offending configuration path.
package cfg

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/stolostron/magic-mirror/internal/maputils"
)

// EtcDir is the fallback directory probed for the configuration file, the
// app private key and the database.
const EtcDir = "/etc/magic-mirror"

const (
	configFileName  = "config.json"
	privateKeyName  = "auth.key"
	databaseName    = "magic-mirror.db"
	defSyncInterval = 30 * time.Second
	defLogLevel     = "info"
)

// UpstreamCfg configures the syncing of one upstream organization into one
// fork organization.
type UpstreamCfg struct {
	// BranchMappings maps upstream branch names to fork branch names.
	BranchMappings map[string]string
	// PRLabels are applied to every sync pull-request that is created.
	PRLabels []string
}

// Config is the validated magic-mirror configuration.
type Config struct {
	AppID          int64
	PrivateKeyPath string
	PrivateKey     []byte
	DBPath         string
	LogLevel       string
	SyncInterval   time.Duration
	WebhookSecret  string

	// UpstreamMappings maps fork organization -> upstream organization ->
	// branch mapping configuration.
	UpstreamMappings map[string]map[string]*UpstreamCfg
}

// Load parses and validates a configuration document.
// File related defaults (private key, database path) are not resolved, use
// LoadFile for that.
func Load(reader io.Reader) (*Config, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("configuration is not valid JSON: %w", err)
	}

	result := Config{
		LogLevel:     defLogLevel,
		SyncInterval: defSyncInterval,
	}

	appID, exists, err := maputils.IntVal(doc, "appID")
	if err != nil {
		return nil, err
	}
	if !exists || appID == 0 {
		return nil, errors.New("value of key \"appID\" must be a non-zero integer")
	}
	result.AppID = appID

	result.PrivateKeyPath, err = maputils.StrVal(doc, "privateKeyPath")
	if err != nil {
		return nil, err
	}

	privateKey, err := maputils.StrVal(doc, "privateKey")
	if err != nil {
		return nil, err
	}
	if privateKey != "" {
		result.PrivateKey = []byte(privateKey)
	}

	result.DBPath, err = maputils.StrVal(doc, "dbPath")
	if err != nil {
		return nil, err
	}

	logLevel, err := maputils.StrVal(doc, "logLevel")
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		switch logLevel {
		case "debug", "info", "error":
			result.LogLevel = logLevel
		default:
			return nil, fmt.Errorf("value of key \"logLevel\" is %q, expected debug, info or error", logLevel)
		}
	}

	syncIntervalSec, exists, err := maputils.IntVal(doc, "syncInterval")
	if err != nil {
		return nil, err
	}
	if exists {
		if syncIntervalSec <= 0 {
			return nil, fmt.Errorf("value of key \"syncInterval\" is %d, expected a positive integer", syncIntervalSec)
		}
		result.SyncInterval = time.Duration(syncIntervalSec) * time.Second
	}

	result.WebhookSecret, err = maputils.StrVal(doc, "webhookSecret")
	if err != nil {
		return nil, err
	}

	result.UpstreamMappings, err = parseUpstreamMappings(doc)
	if err != nil {
		return nil, err
	}

	return &result, nil
}

func parseUpstreamMappings(doc map[string]any) (map[string]map[string]*UpstreamCfg, error) {
	if _, exists := doc["upstreamMappings"]; !exists {
		return nil, errors.New("value of key \"upstreamMappings\" is required")
	}

	mappings, err := maputils.MapVal(doc, "upstreamMappings")
	if err != nil {
		return nil, err
	}

	result := make(map[string]map[string]*UpstreamCfg, len(mappings))

	for forkOrg := range mappings {
		forkMapping, err := maputils.MapVal(mappings, forkOrg)
		if err != nil {
			return nil, fmt.Errorf("upstreamMappings.%s: %w", forkOrg, err)
		}

		result[forkOrg] = make(map[string]*UpstreamCfg, len(forkMapping))

		for upstreamOrg := range forkMapping {
			orgCfg, err := parseUpstreamCfg(forkMapping, upstreamOrg)
			if err != nil {
				return nil, fmt.Errorf("upstreamMappings.%s.%s: %w", forkOrg, upstreamOrg, err)
			}

			result[forkOrg][upstreamOrg] = orgCfg
		}
	}

	return result, nil
}

func parseUpstreamCfg(forkMapping map[string]any, upstreamOrg string) (*UpstreamCfg, error) {
	orgDoc, err := maputils.MapVal(forkMapping, upstreamOrg)
	if err != nil {
		return nil, err
	}

	branchDoc, err := maputils.MapVal(orgDoc, "branchMappings")
	if err != nil {
		return nil, err
	}
	if len(branchDoc) == 0 {
		return nil, errors.New("value of key \"branchMappings\" must be a non-empty object")
	}

	branchMappings, err := maputils.ToStrMap(branchDoc)
	if err != nil {
		return nil, fmt.Errorf("branchMappings: %w", err)
	}

	// a fork branch can only receive commits from a single upstream
	// branch
	seenTargets := make(map[string]string, len(branchMappings))
	for upstreamBranch, forkBranch := range branchMappings {
		if forkBranch == "" {
			return nil, fmt.Errorf("branchMappings.%s: value must be a non-empty string", upstreamBranch)
		}

		if other, exists := seenTargets[forkBranch]; exists {
			return nil, fmt.Errorf(
				"branchMappings: fork branch %q is mapped from multiple upstream branches (%q, %q)",
				forkBranch, other, upstreamBranch,
			)
		}
		seenTargets[forkBranch] = upstreamBranch
	}

	prLabels, err := maputils.StrSliceVal(orgDoc, "prLabels")
	if err != nil {
		return nil, err
	}
	for i, label := range prLabels {
		if label == "" {
			return nil, fmt.Errorf("prLabels: element %d must be a non-empty string", i)
		}
	}

	return &UpstreamCfg{
		BranchMappings: branchMappings,
		PRLabels:       prLabels,
	}, nil
}

// LoadFile loads the configuration from path and resolves the private key
// and database path defaults.
//
// If path is empty, ./config.json is probed first, then
// /etc/magic-mirror/config.json.
func LoadFile(path string) (*Config, error) {
	if path == "" {
		var err error
		path, err = probeFile(configFileName)
		if err != nil {
			return nil, fmt.Errorf("no configuration file found: %w", err)
		}
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	config, err := Load(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if err := config.resolveFiles(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) resolveFiles() error {
	if len(c.PrivateKey) == 0 {
		keyPath := c.PrivateKeyPath
		if keyPath == "" {
			var err error
			keyPath, err = probeFile(privateKeyName)
			if err != nil {
				return fmt.Errorf("value of key \"privateKeyPath\" is unset and no default key file was found: %w", err)
			}
		}

		key, err := os.ReadFile(keyPath)
		if err != nil {
			return fmt.Errorf("value of key \"privateKeyPath\" does not point to a readable file: %w", err)
		}

		c.PrivateKeyPath = keyPath
		c.PrivateKey = key
	}

	if c.DBPath == "" {
		if _, err := os.Stat(databaseName); err == nil {
			c.DBPath = databaseName
		} else {
			c.DBPath = filepath.Join(EtcDir, databaseName)
		}
	}

	return nil
}

func probeFile(name string) (string, error) {
	if _, err := os.Stat(name); err == nil {
		return name, nil
	}

	etcPath := filepath.Join(EtcDir, name)
	if _, err := os.Stat(etcPath); err == nil {
		return etcPath, nil
	}

	return "", fmt.Errorf("%s exists neither in the current directory nor in %s", name, EtcDir)
}
