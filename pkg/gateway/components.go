package gateway

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"fitbot/pkg/channel"
	"fitbot/pkg/channel/telegram"
	"fitbot/pkg/channel/twilio"
	"fitbot/pkg/config"
	"fitbot/pkg/idempotency"
	"fitbot/pkg/store"
)

// resources opens shared connections on first use and remembers how to
// close them.
type resources struct {
	cfg     *config.Config
	log     *slog.Logger
	db      *sql.DB
	closers []func() error
}

func (r *resources) database(ctx context.Context) (*sql.DB, error) {
	if r.db != nil {
		return r.db, nil
	}

	db, err := store.Open(ctx, r.cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	r.db = db
	r.closers = append(r.closers, db.Close)
	return db, nil
}

func (r *resources) guard(ctx context.Context) (idempotency.Store, error) {
	ttl := r.cfg.Idempotency.TTL

	switch r.cfg.Idempotency.Backend {
	case "", idempotency.BackendMemory:
		return idempotency.NewMemoryStore(ttl), nil
	case idempotency.BackendRedis:
		client, err := idempotency.NewRedisClient(ctx, r.cfg.Redis.Addr, r.cfg.Redis.Password, r.cfg.Redis.DB)
		if err != nil {
			return nil, fmt.Errorf("connect idempotency redis: %w", err)
		}
		r.closers = append(r.closers, client.Close)
		return idempotency.NewRedisStore(client, ttl), nil
	case idempotency.BackendSQLite:
		db, err := r.database(ctx)
		if err != nil {
			return nil, err
		}
		return idempotency.NewSQLiteStore(db, ttl, r.log), nil
	default:
		return nil, fmt.Errorf("unsupported idempotency backend %q", r.cfg.Idempotency.Backend)
	}
}

// buildChannels registers Twilio always and Telegram when a bot token is set.
// Without Twilio credentials replies are logged instead of sent.
func buildChannels(cfg *config.Config, log *slog.Logger) (*channel.Registry, error) {
	registry := channel.NewRegistry()

	var twilioSender channel.Sender
	sender, err := twilio.NewSender(cfg.Twilio, nil, log)
	if err != nil {
		log.Warn("Twilio credentials incomplete, replies will only be logged", "error", err)
		twilioSender = channel.NewLogSender(twilio.Name, log)
	} else {
		twilioSender = sender
	}
	if err := registry.Register(twilio.NewProvider(cfg.Twilio, cfg.App.URL, log), twilioSender); err != nil {
		return nil, err
	}

	if cfg.Telegram.Token != "" {
		telegramSender, err := telegram.NewSender(cfg.Telegram.Token, log)
		if err != nil {
			return nil, fmt.Errorf("initialize telegram sender: %w", err)
		}
		if err := registry.Register(telegram.NewProvider(cfg.Telegram, log), telegramSender); err != nil {
			return nil, err
		}
	}

	return registry, nil
}
