// Package app wires the shared collaborators of the messenger binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/multitask/messenger/internal/api"
	"github.com/multitask/messenger/internal/chat"
	"github.com/multitask/messenger/internal/config"
	"github.com/multitask/messenger/internal/credentials"
	"github.com/multitask/messenger/internal/drafts"
	"github.com/multitask/messenger/internal/messaging"
	"github.com/multitask/messenger/internal/metrics"
)

// expiryWarning is how close to expiry a token must be before startup warns.
const expiryWarning = 10 * time.Minute

// Deps are the collaborators built from configuration. Redis and Relay are
// nil when not configured.
type Deps struct {
	Config config.Config
	Logger *slog.Logger

	Redis  *redis.Client
	Creds  *credentials.Holder
	Claims credentials.Claims
	API    *api.Client
	Relay  *messaging.Relay
}

// Bootstrap connects the configured backing services and resolves the
// signed-in user. natsName overrides the NATS client name when non-empty.
func Bootstrap(ctx context.Context, cfg config.Config, natsName string, logger *slog.Logger) (*Deps, error) {
	d := &Deps{Config: cfg, Logger: logger}

	var store credentials.Store
	if cfg.Redis.Addr != "" {
		rdb, err := credentials.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, err
		}
		d.Redis = rdb
		store = credentials.NewRedisStore(rdb, cfg.Auth.Profile)
		logger.Info("[app] redis connected", "addr", cfg.Redis.Addr)
	}

	override := credentials.Credentials{
		AccessToken: cfg.Auth.AccessToken,
		User:        chat.User{ID: cfg.Auth.UserID, Username: cfg.Auth.Username},
	}
	creds, claims, err := credentials.Resolve(ctx, store, override)
	if err != nil {
		d.Close()
		if errors.Is(err, credentials.ErrNotFound) {
			return nil, fmt.Errorf("app: no credentials: set ACCESS_TOKEN or sign in: %w", err)
		}
		return nil, err
	}
	d.Creds = credentials.NewHolder(creds)
	d.Claims = claims
	if claims.ExpiresWithin(expiryWarning, time.Now()) {
		logger.Warn("[app] access token expires soon or has expired", "expires_at", claims.ExpiresAt)
	}

	d.API = api.New(api.Config{BaseURL: cfg.API.URL, Timeout: cfg.API.Timeout}, d.Creds, nil, logger)

	if cfg.NATS.URL != "" {
		ncfg := messaging.DefaultConfig()
		ncfg.URL = cfg.NATS.URL
		ncfg.Name = cfg.NATS.Name
		if natsName != "" {
			ncfg.Name = natsName
		}
		relay, err := messaging.Connect(ncfg, logger)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.Relay = relay
	}

	logger.Info("[app] signed in", "user_id", creds.User.ID, "username", creds.User.Username)
	return d, nil
}

// Self returns the signed-in user.
func (d *Deps) Self() chat.User {
	return d.Creds.User()
}

// Drafts returns the failed-send store: Redis-backed when Redis is
// configured, else nil so the router keeps drafts in memory.
func (d *Deps) Drafts() drafts.Store {
	if d.Redis == nil {
		return nil
	}
	return drafts.NewRedisStore(d.Redis, d.Self().ID)
}

// Close releases the backing connections.
func (d *Deps) Close() {
	if d.Relay != nil {
		d.Relay.Close()
		d.Relay = nil
	}
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			d.Logger.Warn("[app] redis close", "err", err)
		}
		d.Redis = nil
	}
}

// NewMetricsServer returns a server exposing /metrics and /health on addr.
func NewMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}

// ServeMetrics runs srv in the background; it does nothing when the address
// is empty.
func ServeMetrics(srv *http.Server, logger *slog.Logger) {
	if srv.Addr == "" {
		return
	}
	go func() {
		logger.Info("[app] metrics listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("[app] metrics server failed", "err", err)
		}
	}()
}
