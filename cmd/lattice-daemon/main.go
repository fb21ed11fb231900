// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/lattice-foundation/lattice/bus"
	"github.com/lattice-foundation/lattice/lib/authtoken"
	"github.com/lattice-foundation/lattice/lib/binhash"
	"github.com/lattice-foundation/lattice/lib/config"
	"github.com/lattice-foundation/lattice/lib/process"
	"github.com/lattice-foundation/lattice/lib/version"
	"github.com/lattice-foundation/lattice/subprocess"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		socketFlag  string
		rankFlag    int
		showVersion bool
	)
	flagSet := pflag.NewFlagSet("lattice-daemon", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "",
		"path to the daemon config file (default: $LATTICE_CONFIG)")
	flagSet.StringVar(&socketFlag, "socket", "",
		"bus socket path (overrides the config file)")
	flagSet.IntVar(&rankFlag, "rank", -1,
		"node rank (overrides the config file)")
	flagSet.BoolVar(&showVersion, "version", false, "print version and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Printf("lattice-daemon %s\n", version.Info())
		return nil
	}

	cfg, err := loadConfig(configPath, socketFlag, rankFlag)
	if err != nil {
		return err
	}
	grace, err := cfg.GraceTimeout()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Log)
	binaryHash := selfHash(logger)

	if err := cfg.EnsureSocketDir(); err != nil {
		return err
	}
	broker := bus.NewBroker(logger)
	defer broker.Close()
	if err := broker.ListenUnix(cfg.Socket); err != nil {
		return err
	}

	auth, err := makeAuth(cfg.Auth)
	if err != nil {
		return err
	}
	server, err := subprocess.NewServer(subprocess.ServerConfig{
		Conn:             broker.Connect(),
		LocalURI:         cfg.URI(),
		Rank:             cfg.Rank,
		Auth:             auth,
		Logger:           logger,
		OutputBufferSize: cfg.Limits.OutputBufferSize,
		InputBufferSize:  cfg.Limits.InputBufferSize,
	})
	if err != nil {
		return fmt.Errorf("mounting subprocess server: %w", err)
	}

	if err := registerInfo(broker, cfg, binaryHash, logger); err != nil {
		return fmt.Errorf("mounting info service: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("daemon running",
		"socket", cfg.Socket,
		"uri", cfg.URI(),
		"rank", cfg.Rank,
		"version", version.Info(),
		"binary_hash", binaryHash,
		"auth", auth != nil,
	)

	<-ctx.Done()
	// Restore default signal handling: a second signal kills the
	// daemon outright instead of waiting for the drain.
	stop()
	logger.Info("shutting down", "grace", grace)

	done, err := server.Shutdown(unix.SIGTERM)
	if err != nil {
		return fmt.Errorf("starting drain: %w", err)
	}
	select {
	case <-done:
		logger.Info("subprocesses drained")
	case <-time.After(grace):
		logger.Warn("drain grace expired, force-killing subprocesses")
		_ = server.Close()
		select {
		case <-done:
		case <-time.After(grace):
			logger.Error("subprocesses still present after SIGKILL")
		}
	}
	return broker.Close()
}

// loadConfig resolves the configuration: an explicit --config path
// wins, then $LATTICE_CONFIG, then built-in defaults. Flag overrides
// are applied before validation.
func loadConfig(path, socketOverride string, rankOverride int) (*config.Config, error) {
	var cfg *config.Config
	var err error
	switch {
	case path != "":
		cfg, err = config.LoadFile(path)
	case os.Getenv("LATTICE_CONFIG") != "":
		cfg, err = config.Load()
	default:
		cfg = config.Default()
	}
	if err != nil {
		return nil, err
	}
	if socketOverride != "" {
		cfg.Socket = socketOverride
	}
	if rankOverride >= 0 {
		cfg.Rank = rankOverride
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// selfHash hashes the running binary so logs and the info endpoint
// identify exactly which build is serving.
func selfHash(logger *slog.Logger) string {
	executable, err := os.Executable()
	if err != nil {
		logger.Warn("cannot locate own binary", "error", err)
		return ""
	}
	digest, err := binhash.HashFile(executable)
	if err != nil {
		logger.Warn("cannot hash own binary", "error", err)
		return ""
	}
	return binhash.FormatDigest(digest)
}

// makeAuth builds the request authorizer from the config. An empty
// public key file means the daemon runs open.
func makeAuth(cfg config.AuthConfig) (subprocess.AuthFunc, error) {
	if cfg.PublicKeyFile == "" {
		return nil, nil
	}
	publicKey, err := authtoken.LoadPublicKey(cfg.PublicKeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading auth public key: %w", err)
	}
	authorizer := authtoken.NewAuthorizer(publicKey, subprocess.ServiceName)
	return func(req *bus.Message) error {
		return authorizer.Authorize(req.Auth)
	}, nil
}
