// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/element-hq/retrix/internal/caching"
	"github.com/element-hq/retrix/internal/httputil"
	"github.com/element-hq/retrix/internal/matrixclient"
	"github.com/element-hq/retrix/internal/sessionstore"
	"github.com/element-hq/retrix/setup/config"
	"github.com/element-hq/retrix/timeline/session"
)

type runOptions struct {
	configPath string
}

func newRunCommand() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Log in and follow your rooms",
		Long: `Log in, using the saved session if there is one, and follow the joined
rooms. Commands are read from standard input:

  /rooms              list rooms
  /room <id|alias>    select a room and load its history
  /more               load older history of the selected room
  /sort <order>       order the room list: alphabetic or recent
  /verifications      list device verifications in progress
  /dismiss            clear the last error
  /quit               exit
  anything else       is sent to the selected room`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runClient(ctx, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "path to the YAML config file")
	return cmd
}

func setupLogging(cfg config.Logging) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	if cfg.JSON {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	logrus.SetOutput(os.Stderr)
}

func runClient(ctx context.Context, opts *runOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	setupLogging(cfg.Logging)

	caches := caching.NewRistrettoCache(
		int64(cfg.Snapshots.CacheMaxCost),
		cfg.Snapshots.CacheTTL,
		cfg.Snapshots.FailureTTL,
		cfg.Metrics.Enabled,
	)
	limits := httputil.NewRateLimits(&cfg.RateLimiting)
	httpClient := &http.Client{
		// Sync requests hold the connection for the long-poll timeout.
		Timeout:   cfg.Sync.Timeout + time.Minute,
		Transport: httputil.InstrumentTransport(limits.Transport(nil)),
	}
	transport, err := matrixclient.New(cfg.Homeserver,
		matrixclient.WithHTTPClient(httpClient),
		matrixclient.WithSyncTimeout(cfg.Sync.Timeout),
		matrixclient.WithPageLimit(cfg.Backfill.PageLimit),
	)
	if err != nil {
		return err
	}
	store := sessionstore.New(cfg.DataDir.Expand())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	con := newConsole(bufio.NewReader(os.Stdin), os.Stdout, readPassword)
	client := session.New(ctx, cfg, transport, store, caches, con.onChange)
	con.client = client

	if cfg.Metrics.Enabled {
		g.Go(func() error {
			return serveMetrics(ctx, cfg.Metrics, con.loggedIn)
		})
	}
	g.Go(func() error {
		defer cancel()
		if err := con.login(ctx, store, cfg.Homeserver); err != nil {
			return err
		}
		return con.commands(ctx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func serveMetrics(ctx context.Context, cfg config.Metrics, ready func() bool) error {
	srv := &http.Server{
		Addr: cfg.Listen,
		Handler: httputil.NewMetricsRouter(httputil.BasicAuth{
			Username: cfg.BasicAuth.Username,
			Password: cfg.BasicAuth.Password,
		}, ready),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logrus.WithField("listen", cfg.Listen).Info("Serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// readPassword reads without echo from a terminal, or a plain line otherwise.
func readPassword(in *bufio.Reader) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return readLine(in)
	}
	pw, err := term.ReadPassword(fd)
	if err != nil {
		return "", err
	}
	return string(pw), nil
}
