// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command feedback-relay relays direct messages from correspondents into a
// shared staff channel and routes staff replies back to the original sender.
// It runs against Telegram, Mattermost or Matrix.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/exzerolog"
	"golang.org/x/sync/errgroup"
	flag "maunium.net/go/mauflag"

	"github.com/aiku/feedback-relay/pkg/adminapi"
	"github.com/aiku/feedback-relay/pkg/config"
	"github.com/aiku/feedback-relay/pkg/relay"
	"github.com/aiku/feedback-relay/pkg/relaydb"
	"github.com/aiku/feedback-relay/pkg/relaydynamo"
	"github.com/aiku/feedback-relay/pkg/transport/matrix"
	"github.com/aiku/feedback-relay/pkg/transport/mattermost"
	"github.com/aiku/feedback-relay/pkg/transport/telegram"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const name = "feedback-relay"

var configPath = flag.MakeFull("c", "config", "The path to your config file.", "config.yaml").String()
var writeExampleConfig = flag.MakeFull("e", "generate-example-config", "Save the example config to the config path and quit.", "false").Bool()
var dontSaveConfig = flag.MakeFull("n", "no-update", "Don't save updated config to disk.", "false").Bool()
var version = flag.MakeFull("v", "version", "View version and quit.", "false").Bool()
var wantHelp, _ = flag.MakeHelpFlag()

func main() {
	flag.SetHelpTitles(
		fmt.Sprintf("%s - relay correspondent feedback into a staff channel", name),
		fmt.Sprintf("%s [-hvne] [-c <path>]", name))
	err := flag.Parse()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		flag.PrintHelp()
		os.Exit(1)
	} else if *wantHelp {
		flag.PrintHelp()
		os.Exit(0)
	} else if *version {
		fmt.Printf("%s %s (commit %s, built %s, %s/%s)\n", name, Tag, Commit, BuildTime, runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	} else if *writeExampleConfig {
		writeExample(*configPath)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath, !*dontSaveConfig)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(10)
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to initialize logger:", err)
		os.Exit(12)
	}
	exzerolog.SetupDefaults(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err = run(ctx, cfg, *log); err != nil {
		log.WithLevel(zerolog.FatalLevel).Err(err).Msg("Relay stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("Relay stopped")
}

func writeExample(path string) {
	if path == "-" {
		fmt.Print(config.ExampleConfig)
		return
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		_, _ = fmt.Fprintln(os.Stderr, path, "already exists, please remove it if you want to generate a new example")
		os.Exit(1)
	}
	if err := os.WriteFile(path, []byte(config.ExampleConfig), 0600); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to write example config:", err)
		os.Exit(1)
	}
	fmt.Println("Wrote example config to", path)
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	db, err := relaydb.Open(ctx, cfg.Database, log)
	if err != nil {
		logDatabaseError(log, err)
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close database")
		}
	}()

	metrics := relay.NewMetrics("feedback_relay")
	store, err := openStore(ctx, cfg, db, log)
	if err != nil {
		return err
	}

	transport, err := openTransport(ctx, cfg, db, log)
	if err != nil {
		return err
	}

	engine, err := relay.NewEngine(ctx, relay.Options{
		Transport:    transport,
		Store:        relay.NewBreakerStore(store, cfg.BreakerSettings(), log, metrics),
		Audit:        db,
		Directory:    db,
		ChannelState: db,
		Messages:     cfg.Messages(),
		Metrics:      metrics,
		Log:          log,
	})
	if err != nil {
		return err
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return engine.Run(ctx)
	})
	if cfg.AdminAPI.Address != "" {
		api := adminapi.New(cfg.AdminAPI, engine, db.Feedback, metrics.Registry(), log)
		group.Go(func() error {
			return api.Run(ctx)
		})
	}
	return group.Wait()
}

func openStore(ctx context.Context, cfg *config.Config, db *relaydb.Database, log zerolog.Logger) (relay.CorrelationStore, error) {
	corr := cfg.Correlation
	log.Info().Str("backend", corr.Backend).Msg("Opening correlation store")
	switch corr.Backend {
	case config.BackendDatabase:
		return db.Link, nil
	case config.BackendDynamoDB:
		store, err := relaydynamo.NewFromConfig(ctx, corr.DynamoDB.Table, corr.DynamoDB.Region, corr.DynamoDB.Endpoint, corr.LinkTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to open dynamodb store: %w", err)
		}
		return store, nil
	case config.BackendMemory:
		log.Warn().Msg("Links are kept in memory and will be lost on restart")
		return relay.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown correlation backend %q", corr.Backend)
	}
}

func openTransport(ctx context.Context, cfg *config.Config, db *relaydb.Database, log zerolog.Logger) (relay.Transport, error) {
	switch cfg.Network.Type {
	case config.NetworkTelegram:
		return telegram.New(cfg.Network.Telegram, log)
	case config.NetworkMattermost:
		return mattermost.New(ctx, cfg.Network.Mattermost, db.Alias, log)
	case config.NetworkMatrix:
		return matrix.New(ctx, cfg.Network.Matrix, db.Alias, db.State, log)
	default:
		return nil, fmt.Errorf("unknown network type %q", cfg.Network.Type)
	}
}

// logDatabaseError adds driver specific details to database startup failures.
func logDatabaseError(log zerolog.Logger, err error) {
	evt := log.WithLevel(zerolog.FatalLevel).Err(err)
	var pqe *pq.Error
	var sqliteErr sqlite3.Error
	switch {
	case errors.As(err, &pqe):
		evt = evt.Str("code", string(pqe.Code)).
			Str("detail", pqe.Detail).
			Str("table", pqe.Table)
	case errors.As(err, &sqliteErr):
		evt = evt.Int("code", int(sqliteErr.Code)).
			Int("extended_code", int(sqliteErr.ExtendedCode))
	}
	evt.Msg("Failed to open database")
}
