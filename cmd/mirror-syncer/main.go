// Command mirror-syncer polls the upstream repositories and opens sync
// pull-requests on the forks.
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
	"github.com/stolostron/magic-mirror/internal/setup"
	"github.com/stolostron/magic-mirror/internal/store"
	"github.com/stolostron/magic-mirror/internal/syncer"
	"github.com/stolostron/magic-mirror/internal/workspace"
)

const appName = "mirror-syncer"

// Version is set via a ldflag on compilation
var Version = "unknown"

type arguments struct {
	Verbose           *bool
	ConfigFile        *string
	MetricsListenAddr *string
	ShowVersion       *bool
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
		MetricsListenAddr: pflag.String(
			"metrics-listen-addr",
			"",
			"address to serve prometheus metrics on, disabled when unset",
		),
		ShowVersion: pflag.Bool(
			"version",
			false,
			"print the version and exit",
		),
	}

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTION]\nSync merged upstream pull-requests to fork branches.\n", appName)
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
		zap.Duration("sync_interval", config.SyncInterval),
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

	newClient := func(ctx context.Context, installationID int64) (syncer.HostClient, error) {
		return appClt.InstallationClient(ctx, installationID)
	}

	sync := syncer.New(appClt, newClient, stateStore, workspace.New(), config)

	if *args.MetricsListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		setup.StartHTTPServer(*args.MetricsListenAddr, mux)
	}

	ctx, cancelFn := context.WithCancel(context.Background())
	goodbye.Register(func(_ context.Context, sig os.Signal) {
		logger.Info(fmt.Sprintf("terminating, received signal %s", sig.String()))
		cancelFn()
	})

	sync.Run(ctx)
}
