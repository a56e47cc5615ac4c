// Command mirror-webhook receives GitHub webhook events and finishes the
// sync attempts the syncer started: it merges sync pull-requests whose
// required checks passed, blocks branches whose checks failed and resumes
// branches whose tracking issue was closed.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"github.com/thecodeteam/goodbye"
	"go.uber.org/zap"

	"github.com/stolostron/magic-mirror/internal/cfg"
	"github.com/stolostron/magic-mirror/internal/githubclt"
	"github.com/stolostron/magic-mirror/internal/logfields"
	"github.com/stolostron/magic-mirror/internal/provider/github"
	"github.com/stolostron/magic-mirror/internal/reactor"
	"github.com/stolostron/magic-mirror/internal/setup"
	"github.com/stolostron/magic-mirror/internal/store"
)

const appName = "mirror-webhook"

// Version is set via a ldflag on compilation
var Version = "unknown"

const eventChannelBufferSize = 1024

const webhookEndpoint = "/webhook"

type arguments struct {
	Verbose     *bool
	ConfigFile  *string
	ListenAddr  *string
	ShowVersion *bool
}

var args arguments

func mustParseCommandlineParams() {
	args = arguments{
		Verbose: pflag.BoolP(
			"verbose",
			"v",
			false,
			"enable verbose logging",
		),
		ConfigFile: pflag.StringP(
			"cfg-file",
			"c",
			"",
			"path to the configuration file, ./config.json and "+
				cfg.EtcDir+"/config.json are probed when unset",
		),
		ListenAddr: pflag.StringP(
			"listen-addr",
			"l",
			":8080",
			"address the http server listens on",
		),
		ShowVersion: pflag.Bool(
			"version",
			false,
			"print the version and exit",
		),
	}

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTION]\nReceive GitHub webhook events and finish sync attempts.\n", appName)
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		pflag.PrintDefaults()
	}

	pflag.Parse()
}

func main() {
	defer setup.PanicHandler()

	defer goodbye.Exit(context.Background(), 0)
	goodbye.Notify(context.Background())

	mustParseCommandlineParams()

	if *args.ShowVersion {
		fmt.Printf("%s %s\n", appName, Version)
		os.Exit(0) // nolint:gocritic // defer functions won't run
	}

	config, err := cfg.LoadFile(*args.ConfigFile)
	setup.ExitOnErr("could not load configuration file", err)

	setup.MustInitLogger(config.LogLevel, *args.Verbose)
	logger := zap.L().Named("main")

	logger.Info(
		"loaded cfg file",
		logfields.Event("cfg_loaded"),
		zap.Int64("github.app_id", config.AppID),
		zap.String("private_key_path", config.PrivateKeyPath),
		zap.String("db_path", config.DBPath),
		zap.String("log_level", config.LogLevel),
		zap.String("listen_addr", *args.ListenAddr),
		zap.String("webhook_secret", setup.Hide(config.WebhookSecret)),
	)

	appClt, err := githubclt.NewAppClient(config.AppID, config.PrivateKey)
	setup.ExitOnErr("could not create github app client", err)

	stateStore, err := store.Open(config.DBPath)
	setup.ExitOnErr("could not open state database", err)

	goodbye.Register(func(context.Context, os.Signal) {
		if err := stateStore.Close(); err != nil {
			logger.Warn("closing state database failed", zap.Error(err))
		}
	})

	newClient := func(ctx context.Context, installationID int64) (reactor.HostClient, error) {
		return appClt.InstallationClient(ctx, installationID)
	}

	evChan := make(chan *github.Event, eventChannelBufferSize)
	react := reactor.New(evChan, newClient, stateStore)

	gh := github.New(
		evChan,
		github.WithPayloadSecret(config.WebhookSecret),
	)

	mux := http.NewServeMux()
	mux.HandleFunc(webhookEndpoint, gh.HTTPHandler)
	mux.HandleFunc("/status", gh.StatusHandler)
	mux.Handle("/metrics", promhttp.Handler())

	logger.Info(
		"registered github webhook event http endpoint",
		logfields.Event("github_http_handler_registered"),
		zap.String("endpoint", webhookEndpoint),
	)

	setup.StartHTTPServer(*args.ListenAddr, mux)

	ctx, cancelFn := context.WithCancel(context.Background())
	goodbye.Register(func(_ context.Context, sig os.Signal) {
		logger.Info(fmt.Sprintf("terminating, received signal %s", sig.String()))
		cancelFn()
	})

	react.Run(ctx)
}
