package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ElvisLiaooo/homeassistant-catlink/internal/config"
	"github.com/ElvisLiaooo/homeassistant-catlink/internal/core/auth"
	"github.com/ElvisLiaooo/homeassistant-catlink/pkg/catlink"
)

type rootFlags struct {
	configPath string
	envFile    string
}

func newRootCmd(version, buildDate string) *cobra.Command {
	f := &rootFlags{}
	root := &cobra.Command{
		Use:           "catlinkd",
		Short:         "Catlink cloud bridge for Home Assistant",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&f.configPath, "config", "/data/options.yaml", "path to the YAML config file")
	root.PersistentFlags().StringVar(&f.envFile, "env-file", ".env", "dotenv file loaded before the environment overlay")

	root.AddCommand(newVersionCmd(version, buildDate))
	root.AddCommand(newRunCmd(f, version))
	root.AddCommand(newValidateCmd(f))
	root.AddCommand(newSnapshotCmd(f))
	return root
}

// load reads and validates the config and builds the logger.
func (f *rootFlags) load(logOut io.Writer) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(f.configPath, f.envFile)
	if err != nil {
		return cfg, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, nil, err
	}
	log, err := newLogger(cfg.Log, logOut)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, log, nil
}

func newLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "", "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", cfg.Level)
	}

	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
}

// openStore returns the configured credential store and a close func.
func openStore(ctx context.Context, cfg config.CredentialsConfig, log *slog.Logger) (auth.Store, func(), error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return auth.NewMemoryStore(), func() {}, nil
	case config.BackendRedis:
		client, err := auth.DialRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		log.Info("using redis credential store", "prefix", cfg.RedisPrefix)
		return auth.NewRedisStore(client, cfg.RedisPrefix), func() { client.Close() }, nil
	default:
		log.Info("using file credential store", "dir", cfg.Dir)
		return auth.NewFileStore(cfg.Dir), func() {}, nil
	}
}

func newClient(cfg config.Config, store auth.Store, log *slog.Logger, onAuthFailure func(error)) *catlink.Client {
	return catlink.New(catlink.Options{
		APIBase:         cfg.Catlink.APIBase,
		Phone:           cfg.Catlink.Phone,
		Password:        cfg.Catlink.Password,
		CountryCode:     cfg.Catlink.PhoneIAC,
		Language:        cfg.Catlink.Language,
		RequestTimeout:  cfg.Catlink.RequestTimeout.Std(),
		PollingInterval: cfg.Catlink.PollingInterval.Std(),
		RefreshDelay:    cfg.Catlink.RefreshDelay.Std(),
		Concurrency:     cfg.Catlink.Concurrency,
		Store:           store,
		OnAuthFailure:   onAuthFailure,
	}, log)
}

func newVersionCmd(version, buildDate string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "catlinkd %s (%s)\n", version, buildDate)
		},
	}
}
