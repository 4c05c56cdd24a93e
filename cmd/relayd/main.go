// Package main runs the browser relay daemon. It lives on a machine
// with a usable Chrome install and network position, and serves fetch
// requests from watcher instances over the relay protocol.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/feedsentry/feedsentry/internal/clock/system"
	"github.com/feedsentry/feedsentry/internal/logging"
	"github.com/feedsentry/feedsentry/internal/relay"
)

func main() {
	var (
		addr           = flag.String("addr", ":9411", "Listen address")
		userAgent      = flag.String("user-agent", "", "Browser user agent override")
		navTimeout     = flag.Duration("nav-timeout", 45*time.Second, "Navigation timeout")
		challengeWait  = flag.Duration("challenge-wait", 5*time.Second, "Time allowed for anti-bot challenges to clear")
		requestTimeout = flag.Duration("request-timeout", 60*time.Second, "End-to-end request timeout")
		cacheTTL       = flag.Duration("cache-ttl", 30*time.Second, "Rendered page cache TTL, 0 disables")
		development    = flag.Bool("dev", false, "Development logging")
	)
	flag.Parse()

	logger, err := logging.New(*development)
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	factory := relay.NewChromeFactory(relay.ChromeConfig{
		UserAgent:         *userAgent,
		NavigationTimeout: *navTimeout,
		ChallengeWait:     *challengeWait,
	}, logger.Named("chrome"))
	defer factory.Close()

	server := relay.NewServer(relay.ServerConfig{
		Addr:           *addr,
		RequestTimeout: *requestTimeout,
		CacheTTL:       *cacheTTL,
	}, factory, system.New(), logger.Named("relay"))

	if err := server.Serve(ctx); err != nil {
		logger.Fatal("relay server failed", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
