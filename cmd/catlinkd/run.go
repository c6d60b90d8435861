package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ElvisLiaooo/homeassistant-catlink/internal/httpapi"
	"github.com/ElvisLiaooo/homeassistant-catlink/internal/mqtt"
)

const shutdownTimeout = 10 * time.Second

func newRunCmd(f *rootFlags, version string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Poll Catlink and serve the MQTT bridge and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, f, version, cmd)
		},
	}
}

func run(ctx context.Context, f *rootFlags, version string, cmd *cobra.Command) error {
	cfg, log, err := f.load(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	log.Info("starting catlinkd", "version", version, "api_base", cfg.Catlink.APIBase, "interval", cfg.Catlink.PollingInterval.Std())

	store, closeStore, err := openStore(ctx, cfg.Credentials, log)
	if err != nil {
		return err
	}
	defer closeStore()

	client := newClient(cfg, store, log, func(err error) {
		log.Error("credentials rejected, POST /api/auth with a new password to resume", "error", err)
	})
	coord := client.Coordinator

	if err := coord.Start(ctx); err != nil {
		return err
	}
	defer coord.Stop(context.Background())

	var pub mqtt.Publisher
	if cfg.MQTT.Enabled {
		pub = mqtt.NewHAPublisher(mqtt.Config{
			Broker:          cfg.MQTT.Broker,
			Username:        cfg.MQTT.Username,
			Password:        cfg.MQTT.Password,
			TopicPrefix:     cfg.MQTT.TopicPrefix,
			DiscoveryPrefix: cfg.MQTT.DiscoveryPrefix,
		}, coord, coord, client.Bus, log.With("component", "mqtt"))
	} else {
		pub = mqtt.NewStubPublisher(log.With("component", "mqtt"))
	}
	if err := pub.Start(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	defer pub.Stop(context.Background())

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           httpapi.NewServer(coord, cfg.HTTP.CORSAll, log.With("component", "http")).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http api listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	err = g.Wait()
	log.Info("shutting down")
	return err
}

func newValidateCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Log in and list the devices on the account",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := f.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			store, closeStore, err := openStore(cmd.Context(), cfg.Credentials, log)
			if err != nil {
				return err
			}
			defer closeStore()

			refs, err := newClient(cfg, store, log, nil).Validate(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "logged in as %s, %d device(s)\n", cfg.Catlink.Phone, len(refs))
			for _, r := range refs {
				name, _ := r.Attrs["deviceName"].(string)
				fmt.Fprintf(out, "  %d\t%s\t%s\n", r.ID, r.Type, name)
			}
			return nil
		},
	}
}

func newSnapshotCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Poll once and print the snapshot as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := f.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			store, closeStore, err := openStore(cmd.Context(), cfg.Credentials, log)
			if err != nil {
				return err
			}
			defer closeStore()

			snap, err := newClient(cfg, store, log, nil).Snapshot(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		},
	}
}
