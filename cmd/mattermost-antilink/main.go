// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command mattermost-antilink is a Mattermost moderation bot. In every
// channel where the policy is on, it removes members who post links, after
// warning the channel and deleting the message. Channel admins toggle the
// policy with the !antilink on and !antilink off commands.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-antilink/pkg/command"
	"github.com/aiku/mattermost-antilink/pkg/config"
	"github.com/aiku/mattermost-antilink/pkg/enforce"
	"github.com/aiku/mattermost-antilink/pkg/mattermost"
	"github.com/aiku/mattermost-antilink/pkg/metrics"
	"github.com/aiku/mattermost-antilink/pkg/moderation"
	"github.com/aiku/mattermost-antilink/pkg/policy"
	"github.com/aiku/mattermost-antilink/pkg/policy/badgerstore"
	"github.com/aiku/mattermost-antilink/pkg/policy/mongostore"
	"github.com/aiku/mattermost-antilink/pkg/privilege"
	"github.com/aiku/mattermost-antilink/pkg/session"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to config.yaml (default $ANTILINK_CONFIG or ./config.yaml)")
	version := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *version {
		fmt.Printf("mattermost-antilink %s (%s, built %s)\n", Tag, Commit, BuildTime)
		return nil
	}

	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	path := *configPath
	if path == "" {
		path = os.Getenv("ANTILINK_CONFIG")
	}
	if path == "" {
		path = "config.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if err = cfg.ApplyEnv(os.Environ()); err != nil {
		return err
	}
	if err = cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logPtr, err := cfg.Logging.Compile()
	if err != nil {
		return fmt.Errorf("failed to configure logging: %w", err)
	}
	log := *logPtr
	log.Info().Str("version", Tag).Str("commit", Commit).Msg("Starting mattermost-antilink")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			log.Warn().Err(err).Msg("Failed to close policy store")
		}
	}()

	transport, err := mattermost.NewTransport(mattermost.Options{
		ServerURL: cfg.Mattermost.ServerURL,
		LoginID:   cfg.Mattermost.LoginID,
		Password:  cfg.Mattermost.Password,
		Input:     os.Stdin,
	}, log)
	if err != nil {
		return err
	}

	sup := session.NewSupervisor(transport, session.NewFileStore(cfg.SessionDir), log,
		session.WithPairingDisplay(session.NewTerminalDisplay(os.Stdout, log)),
		session.WithBackoff(cfg.Reconnect.InitialBackoff, cfg.Reconnect.MaxBackoff),
		session.WithTransitionHook(func(_, to session.State) { m.ConnectionState(int(to)) }),
	)
	client := sup.Client()
	oracle := privilege.NewOracle(client, log)

	enforceOpts := []enforce.Option{enforce.WithMetrics(m)}
	if cfg.Enforcement.RecheckPrivilege {
		enforceOpts = append(enforceOpts, enforce.WithPrivilegeRecheck(oracle))
	}
	enforcer := enforce.New(client, log, enforceOpts...)
	router := command.NewRouter(store, oracle, client, m, log)
	pipeline := moderation.NewPipeline(store, oracle, enforcer, m, log)
	dispatcher := moderation.NewDispatcher(pipeline, router, cfg.Dispatcher.Concurrency, log)

	if addr := cfg.Metrics.ListenAddr; addr != "" {
		srv := metrics.NewServer(addr, m, func() bool { return sup.State() == session.StateOpen }, log)
		srv.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	err = sup.Run(ctx, dispatcher)
	dispatcher.Wait()
	if errors.Is(err, session.ErrLoggedOut) {
		return fmt.Errorf("session logged out; restart to pair again: %w", err)
	}
	log.Info().Msg("Shut down cleanly")
	return err
}

func openStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (policy.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverBadger:
		return badgerstore.Open(cfg.Store.Badger.Path, log)
	default:
		return mongostore.Open(ctx, mongostore.Options{
			URI:        cfg.Store.Mongo.URI,
			Database:   cfg.Store.Mongo.Database,
			Collection: cfg.Store.Mongo.Collection,
		}, log)
	}
}
