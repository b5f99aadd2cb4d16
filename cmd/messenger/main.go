package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/multitask/messenger/internal/app"
	"github.com/multitask/messenger/internal/chat"
	"github.com/multitask/messenger/internal/config"
	"github.com/multitask/messenger/internal/delivery"
	"github.com/multitask/messenger/internal/messaging"
	"github.com/multitask/messenger/internal/notify"
	"github.com/multitask/messenger/internal/obs"
	"github.com/multitask/messenger/internal/protocol"
	"github.com/multitask/messenger/internal/ratelimit"
	"github.com/multitask/messenger/internal/session"
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := app.Bootstrap(ctx, cfg, "", logger)
	if err != nil {
		logger.Error("[messenger] startup failed", "err", err)
		os.Exit(1)
	}
	defer deps.Close()

	logger.Info("[messenger] starting",
		"api_url", cfg.API.URL,
		"ws_url", cfg.WSURL,
		"redis_addr", cfg.Redis.Addr,
		"nats_url", cfg.NATS.URL,
		"metrics_addr", cfg.MetricsAddr,
	)

	metricsSrv := app.NewMetricsServer(cfg.MetricsAddr)
	app.ServeMetrics(metricsSrv, logger)

	out := &syncWriter{w: os.Stdout}
	self := deps.Self()
	relay := deps.Relay

	// --- Notifications ---
	ncfg := notify.DefaultConfig()
	ncfg.WSURL = cfg.WSURL
	ncfg.Transport.ConnectTimeout = cfg.Session.ConnectTimeout
	ncfg.Transport.PingInterval = cfg.Session.PingInterval
	watcher := notify.New(ncfg, deps.Creds, nil, notify.Hooks{
		OnNotification: func(n protocol.Notification) {
			out.printf("* %s: %s\n", n.Title, n.Message)
			publish(relay, logger, func(r *messaging.Relay) error {
				return r.PublishNotification(self.ID, messaging.Event{Type: protocol.TypeNewNotification, Payload: n})
			})
		},
	}, logger)
	watcher.Start()
	defer watcher.Stop()

	// --- Session ---
	scfg := session.DefaultConfig()
	scfg.WSURL = cfg.WSURL
	scfg.ReconnectBase = cfg.Session.ReconnectBase
	scfg.ReconnectMax = cfg.Session.ReconnectMax
	scfg.MaxReconnects = cfg.Session.MaxReconnects
	scfg.TypingIdle = cfg.Session.TypingIdle
	scfg.Transport.ConnectTimeout = cfg.Session.ConnectTimeout
	scfg.Transport.PingInterval = cfg.Session.PingInterval
	scfg.Delivery.PendingTimeout = cfg.Session.PendingTimeout

	sess := session.New(scfg, session.Options{
		API:    deps.API,
		Tokens: deps.Creds,
		Self:   self,
		Drafts: deps.Drafts(),
		Logger: logger,
		Hooks: session.Hooks{
			OnMessage: func(m chat.Message) {
				if m.Sender.ID != self.ID {
					out.println(formatMessage(m))
				}
				publish(relay, logger, func(r *messaging.Relay) error {
					return r.PublishEvent(messaging.Event{Type: protocol.TypeChatMessage, ConversationID: m.ConversationID, Payload: m})
				})
			},
			OnHistory: func(conversationID int64, count int) {
				out.printf("-- conversation %d, %d messages (/history to show)\n", conversationID, count)
			},
			OnTyping: func(ev protocol.TypingEvent) {
				if ev.IsTyping {
					out.printf("-- %s is typing...\n", ev.Username)
				}
			},
			OnState: func(conversationID int64, st transport.State) {
				if st == transport.Errored {
					out.printf("-- connection to conversation %d lost, sending over HTTP\n", conversationID)
				}
				publish(relay, logger, func(r *messaging.Relay) error {
					return r.PublishEvent(messaging.Event{Type: "state", ConversationID: conversationID, Payload: st.String()})
				})
			},
			OnServerError: func(msg string) {
				out.printf("-- server: %s\n", msg)
			},
		},
	})
	defer sess.Shutdown()

	var limiter *ratelimit.Limiter
	if deps.Redis != nil {
		limiter = ratelimit.NewLimiter(deps.Redis, logger)
	}
	outboxKey := strconv.FormatInt(self.ID, 10)

	if relay != nil {
		err := relay.SubscribeOutbox(func(m messaging.OutboxMessage) {
			if limiter != nil {
				if ok, _ := limiter.Allow(ctx, outboxKey, ratelimit.RuleOutbox); !ok {
					logger.Warn("[messenger] outbox rate limited", "user_id", self.ID)
					return
				}
			}
			if m.ConversationID != 0 && m.ConversationID != sess.ConversationID() {
				logger.Warn("[messenger] outbox message for a conversation that is not open", "conversation", m.ConversationID)
				return
			}
			if _, err := sess.Send(ctx, m.Text); err != nil && !errors.Is(err, delivery.ErrEmptyMessage) {
				logger.Warn("[messenger] outbox send failed", "err", err)
			}
		})
		if err != nil {
			logger.Error("[messenger] outbox subscription failed", "err", err)
		} else {
			// Stop taking outbox messages before the session shuts down.
			defer func() {
				if err := relay.Unsubscribe(messaging.SubjectOutbox); err != nil {
					logger.Warn("[messenger] outbox unsubscribe", "err", err)
				}
			}()
		}
	}

	id, err := sess.Start(ctx, cfg.Session.PreferredUserID)
	if err != nil {
		logger.Error("[messenger] opening initial conversation failed", "err", err)
	}
	if id == 0 {
		out.println("no conversations yet, /help for commands")
	}

	con := &console{out: out, session: sess, watcher: watcher, stats: deps.API, outboxKey: outboxKey}
	if limiter != nil {
		con.outbox = limiter
	}
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			logger.Info("[messenger] received signal, shutting down")
			shutdownMetrics(metricsSrv, logger)
			return
		case line, ok := <-lines:
			if !ok {
				shutdownMetrics(metricsSrv, logger)
				return
			}
			cmd, ok := parseCommand(line)
			if !ok {
				continue
			}
			if cmd.name == "" {
				if err := sess.Typing(); err != nil {
					logger.Debug("[messenger] typing not sent", "err", err)
				}
			}
			if err := con.exec(ctx, cmd); err != nil {
				if errors.Is(err, errQuit) {
					shutdownMetrics(metricsSrv, logger)
					return
				}
				out.printf("error: %v\n", err)
			}
		}
	}
}

func publish(relay *messaging.Relay, logger *slog.Logger, fn func(*messaging.Relay) error) {
	if relay == nil {
		return
	}
	if err := fn(relay); err != nil {
		logger.Warn("[messenger] relay publish failed", "err", err)
	}
}

func shutdownMetrics(srv interface{ Shutdown(context.Context) error }, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("[messenger] metrics shutdown", "err", err)
	}
}

// syncWriter serialises console output from hook goroutines.
type syncWriter struct {
	mu sync.Mutex
	w  *os.File
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func (s *syncWriter) printf(format string, args ...interface{}) {
	fmt.Fprintf(s, format, args...)
}

func (s *syncWriter) println(line string) {
	fmt.Fprintln(s, line)
}
