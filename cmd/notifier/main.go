package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/multitask/messenger/internal/app"
	"github.com/multitask/messenger/internal/config"
	"github.com/multitask/messenger/internal/messaging"
	"github.com/multitask/messenger/internal/notify"
	"github.com/multitask/messenger/internal/obs"
	"github.com/multitask/messenger/internal/protocol"
	"github.com/multitask/messenger/internal/transport"
)

func main() {
	configPath := flag.String("config", "messenger.yaml", "path to the YAML config file")
	envPath := flag.String("env", ".env", "path to the .env file")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := obs.NewLogger(cfg.Env, cfg.LogLevel)
	slog.SetDefault(logger)

	if cfg.NATS.URL == "" {
		logger.Error("[notifier] NATS_URL is required")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := app.Bootstrap(ctx, cfg, "messenger-notifier", logger)
	if err != nil {
		logger.Error("[notifier] startup failed", "err", err)
		os.Exit(1)
	}
	defer deps.Close()

	userID := deps.Self().ID
	relay := deps.Relay

	ncfg := notify.DefaultConfig()
	ncfg.WSURL = cfg.WSURL
	ncfg.ReconnectBase = cfg.Session.ReconnectBase
	ncfg.ReconnectMax = cfg.Session.ReconnectMax
	ncfg.Transport.ConnectTimeout = cfg.Session.ConnectTimeout
	ncfg.Transport.PingInterval = cfg.Session.PingInterval

	watcher := notify.New(ncfg, deps.Creds, nil, notify.Hooks{
		OnUnreadCount: func(count int) {
			ev := messaging.Event{Type: protocol.TypeUnreadCount, Payload: map[string]int{"count": count}}
			if err := relay.PublishNotification(userID, ev); err != nil {
				logger.Warn("[notifier] publish unread count failed", "err", err)
			}
		},
		OnNotification: func(n protocol.Notification) {
			logger.Info("[notifier] notification", "id", n.ID, "type", n.NotificationType, "title", n.Title)
			ev := messaging.Event{Type: protocol.TypeNewNotification, Payload: n}
			if err := relay.PublishNotification(userID, ev); err != nil {
				logger.Warn("[notifier] publish notification failed", "err", err)
			}
		},
		OnState: func(st transport.State) {
			ev := messaging.Event{Type: "state", Payload: st.String()}
			if err := relay.PublishNotification(userID, ev); err != nil {
				logger.Debug("[notifier] publish state failed", "err", err)
			}
		},
	}, logger)
	watcher.Start()

	metricsSrv := app.NewMetricsServer(cfg.MetricsAddr)
	app.ServeMetrics(metricsSrv, logger)

	logger.Info("[notifier] running",
		"user_id", userID,
		"ws_url", cfg.WSURL,
		"nats_url", cfg.NATS.URL,
		"subject", messaging.NotificationSubject(userID),
	)

	<-ctx.Done()
	logger.Info("[notifier] received signal, shutting down")

	watcher.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("[notifier] metrics shutdown", "err", err)
	}
}
