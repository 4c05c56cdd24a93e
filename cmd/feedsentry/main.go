// Package main runs the watcher daemon: poll loops, alert channels, and
// the operations HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/feedsentry/feedsentry/internal/api"
	archivegcs "github.com/feedsentry/feedsentry/internal/archive/gcs"
	archivelocal "github.com/feedsentry/feedsentry/internal/archive/local"
	"github.com/feedsentry/feedsentry/internal/clock/system"
	"github.com/feedsentry/feedsentry/internal/config"
	"github.com/feedsentry/feedsentry/internal/creds"
	"github.com/feedsentry/feedsentry/internal/detect"
	"github.com/feedsentry/feedsentry/internal/errnotify"
	"github.com/feedsentry/feedsentry/internal/extract"
	"github.com/feedsentry/feedsentry/internal/fetch"
	"github.com/feedsentry/feedsentry/internal/id/uuid"
	"github.com/feedsentry/feedsentry/internal/logging"
	"github.com/feedsentry/feedsentry/internal/metrics"
	"github.com/feedsentry/feedsentry/internal/notify"
	"github.com/feedsentry/feedsentry/internal/poller"
	"github.com/feedsentry/feedsentry/internal/relay"
	statememory "github.com/feedsentry/feedsentry/internal/state/memory"
	statepostgres "github.com/feedsentry/feedsentry/internal/state/postgres"
	statesqlite "github.com/feedsentry/feedsentry/internal/state/sqlite"
	"github.com/feedsentry/feedsentry/internal/watch"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("watcher failed", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	clock := system.New()
	ids := uuid.NewUUIDGenerator()

	store, closeStore, err := buildStateStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	channels, closeChannels, err := buildChannels(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeChannels()

	reporter := errnotify.New(errnotify.Config{
		Interval:      cfg.Ops.AlertInterval,
		EscalateAfter: cfg.Ops.EscalateAfter,
	}, opsChannel(channels, cfg.Ops.AlertChannel), clock, logger.Named("errnotify"))

	policy := watch.NewRetryPolicy(cfg.Fetch.MaxRetries, cfg.Fetch.BackoffBase, cfg.Fetch.BackoffMax)
	direct := fetch.NewDirect(fetch.DirectConfig{
		UserAgent: cfg.Fetch.UserAgent,
		Timeout:   cfg.Fetch.Timeout,
	})

	sessions := creds.New(
		cfg.Credentials,
		cfg.CredentialMap(),
		creds.NewLoginRefresher(direct),
		clock,
		reporter,
		logger.Named("creds"),
	)
	authenticated := fetch.NewAuthenticated(direct, sessions, sessions, logger.Named("fetch"))

	var relayFetcher watch.Fetcher
	if cfg.Relay.Enabled {
		client := relay.NewClient(relay.ClientConfig{
			Addr:           cfg.Relay.Addr,
			DialTimeout:    cfg.Relay.DialTimeout,
			RequestTimeout: cfg.Relay.RequestTimeout,
		}, ids, logger.Named("relay"))
		defer client.Close()
		relayFetcher = client
	}
	adapter := fetch.NewAdapter(direct, authenticated, relayFetcher, policy, logger.Named("fetch"))

	extractors := make(map[string]watch.Extractor, len(cfg.Sources))
	for _, source := range cfg.Sources {
		extractor, err := extract.New(source.Adapter, extract.Options(source.AdapterOptions))
		if err != nil {
			return fmt.Errorf("source %s: %w", source.ID, err)
		}
		extractors[source.ID] = extractor
	}

	archive, err := buildArchive(ctx, cfg)
	if err != nil {
		return err
	}

	detector := detect.New(store, clock, ids, 0, logger.Named("detect"))
	fanout := notify.New(channels, reporter, logger.Named("notify"))

	watcher := poller.New(
		poller.Config{DefaultCadence: cfg.Poller.DefaultCadence},
		cfg.Sources,
		adapter,
		extractors,
		detector,
		fanout,
		archive,
		reporter,
		clock,
		logger.Named("poller"),
	)

	opsServer := api.NewServer(cfg.Sources, store, logger.Named("api"))
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Ops.Port)
		logger.Info("ops server started", zap.String("addr", addr))
		if err := opsServer.Run(ctx, addr); err != nil {
			logger.Error("ops server error", zap.Error(err))
		}
	}()

	logger.Info("watcher started", zap.Int("sources", len(cfg.Sources)))
	return watcher.Run(ctx)
}

func buildStateStore(ctx context.Context, cfg config.Config) (watch.StateStore, func(), error) {
	switch cfg.State.Provider {
	case "memory":
		return statememory.New(), func() {}, nil
	case "sqlite":
		store, err := statesqlite.Open(ctx, cfg.State.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite state store: %w", err)
		}
		return store, func() { _ = store.Close() }, nil
	case "postgres":
		store, err := statepostgres.New(ctx, statepostgres.Config{
			DSN:             cfg.State.Postgres.DSN,
			MaxConns:        cfg.State.Postgres.MaxConns,
			MinConns:        cfg.State.Postgres.MinConns,
			MaxConnLifetime: cfg.State.Postgres.MaxConnLifetime,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres state store: %w", err)
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown state provider %q", cfg.State.Provider)
	}
}

func buildChannels(ctx context.Context, cfg config.Config) ([]notify.Registration, func(), error) {
	var (
		channels []notify.Registration
		closers  []func()
	)
	closeAll := func() {
		for _, closer := range closers {
			closer()
		}
	}

	if cfg.Channels.Telegram.Enabled {
		telegram, err := notify.NewTelegram(notify.TelegramConfig{
			Token:  cfg.Channels.Telegram.Token,
			ChatID: cfg.Channels.Telegram.ChatID,
		})
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("telegram channel: %w", err)
		}
		channels = append(channels, notify.Registration{
			Channel: telegram,
			Policy:  cfg.Channels.Telegram.Retry.Policy(),
		})
	}
	if cfg.Channels.WSPush.Enabled {
		wspush := notify.NewWSPush(cfg.Channels.WSPush.URL)
		closers = append(closers, wspush.Close)
		channels = append(channels, notify.Registration{
			Channel: wspush,
			Policy:  cfg.Channels.WSPush.Retry.Policy(),
		})
	}
	if cfg.Channels.RawSocket.Enabled {
		raw := notify.NewRawSocket(notify.RawSocketConfig{
			Addr:       cfg.Channels.RawSocket.Addr,
			ClientName: cfg.Channels.RawSocket.ClientName,
			Username:   cfg.Channels.RawSocket.Username,
			Password:   cfg.Channels.RawSocket.Password,
		})
		closers = append(closers, raw.Close)
		channels = append(channels, notify.Registration{
			Channel: raw,
			Policy:  cfg.Channels.RawSocket.Retry.Policy(),
		})
	}
	if cfg.Channels.PubSub.Enabled {
		pubsubChannel, err := notify.NewPubSub(ctx, cfg.Channels.PubSub.ProjectID, cfg.Channels.PubSub.TopicName)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("pubsub channel: %w", err)
		}
		closers = append(closers, func() { _ = pubsubChannel.Close() })
		channels = append(channels, notify.Registration{
			Channel: pubsubChannel,
			Policy:  cfg.Channels.PubSub.Retry.Policy(),
		})
	}
	return channels, closeAll, nil
}

func opsChannel(channels []notify.Registration, name string) watch.Channel {
	if name == "" {
		return nil
	}
	for _, reg := range channels {
		if reg.Channel.Name() == name {
			return reg.Channel
		}
	}
	return nil
}

func buildArchive(ctx context.Context, cfg config.Config) (watch.BlobStore, error) {
	switch cfg.Archive.Provider {
	case "", "none":
		return nil, nil
	case "local":
		store, err := archivelocal.New(archivelocal.Config{BaseDir: cfg.Archive.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local archive: %w", err)
		}
		return store, nil
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		store, err := archivegcs.New(client, archivegcs.Config{Bucket: cfg.Archive.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs archive: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown archive provider %q", cfg.Archive.Provider)
	}
}
