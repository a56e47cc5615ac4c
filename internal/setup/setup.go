// Package setup contains the process bootstrap shared by the magic-mirror
// commands: logger initialization, panic handling and the http server
// lifecycle.
package setup

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	zaplogfmt "github.com/sykesm/zap-logfmt"
	"github.com/thecodeteam/goodbye"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/stolostron/magic-mirror/internal/logfields"
)

// ExitOnErr prints the error to stderr and terminates the process.
// It is used before the logger is initialized.
func ExitOnErr(msg string, err error) {
	if err == nil {
		return
	}

	fmt.Fprintln(os.Stderr, "ERROR:", msg+", error:", err.Error())
	os.Exit(1)
}

// PanicHandler recovers a panic, logs it and terminates gracefully via the
// registered shutdown hooks.
func PanicHandler() {
	if r := recover(); r != nil {
		zap.L().Info(
			"panic caught, terminating gracefully",
			zap.String("panic", fmt.Sprintf("%v", r)),
			zap.StackSkip("stacktrace", 1),
		)

		ctx, cancelFn := context.WithTimeout(context.Background(), time.Minute)
		defer cancelFn()

		goodbye.Exit(ctx, 1)
	}
}

// MustInitLogger initializes the global logfmt logger.
// verbose overrides the configured log level with debug.
func MustInitLogger(logLevel string, verbose bool) {
	var level zapcore.Level

	if verbose {
		level = zapcore.DebugLevel
	} else {
		if err := (&level).Set(logLevel); err != nil {
			fmt.Fprintf(os.Stderr, "can not set log level to %q: %s\n", logLevel, err)
			os.Exit(2)
		}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.LevelKey = "loglevel"
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeDuration = zapcore.StringDurationEncoder

	logger := zap.New(zapcore.NewCore(
		zaplogfmt.NewEncoder(encCfg),
		os.Stdout,
		level),
	)

	zap.ReplaceGlobals(logger)

	goodbye.Register(func(context.Context, os.Signal) {
		if err := logger.Sync(); err != nil {
			fmt.Fprintf(os.Stderr, "flushing logs failed: %s\n", err)
		}
	})
}

// Hide masks a secret for log output.
func Hide(in string) string {
	if in == "" {
		return in
	}

	return "**hidden**"
}

// StartHTTPServer serves mux on listenAddr in the background and registers
// a graceful-shutdown hook.
func StartHTTPServer(listenAddr string, mux *http.ServeMux) {
	logger := zap.L()

	httpServer := http.Server{
		Addr:    listenAddr,
		Handler: mux,
	}

	goodbye.Register(func(context.Context, os.Signal) {
		const shutdownTimeout = 30 * time.Second
		ctx, cancelFn := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelFn()

		logger.Debug(
			"terminating http server",
			logfields.Event("http_server_terminating"),
			zap.Duration("shutdown_timeout", shutdownTimeout),
		)

		err := httpServer.Shutdown(ctx)
		if err != nil {
			logger.Warn(
				"shutting down http server failed",
				logfields.Event("http_server_termination_failed"),
				zap.Error(err),
			)
		}
	})

	go func() {
		defer PanicHandler()

		logger.Info(
			"http server started",
			logfields.Event("http_server_started"),
			zap.String("listenAddr", listenAddr),
		)

		err := httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			logger.Info("http server terminated", logfields.Event("http_server_terminated"))
			return
		}

		logger.Fatal(
			"http server terminated unexpectedly",
			logfields.Event("http_server_terminated_unexpectedly"),
			zap.Error(err),
		)
	}()
}
