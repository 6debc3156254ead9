package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/weddingbazaar/chatsync"
	"github.com/weddingbazaar/chatsync/pggateway"
)

// newLogger logs everything in verbose mode and only warnings otherwise.
func newLogger() (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

// actorFrom returns the signed-in user recorded by 'chatsync init'.
func actorFrom(cfg *Config) (chatsync.Actor, error) {
	actor := chatsync.Actor{ID: cfg.Auth.UserID, Side: chatsync.Side(cfg.Auth.Side)}
	if actor.ID == "" {
		return actor, fmt.Errorf("no user configured, run 'chatsync init' first")
	}
	if !actor.Side.Valid() {
		return actor, fmt.Errorf("auth.side must be vendor or client, got %q", cfg.Auth.Side)
	}
	return actor, nil
}

// newGateway builds the configured backend. The returned func releases it.
func newGateway(ctx context.Context, cfg *Config, log *zap.Logger) (chatsync.Gateway, func(), error) {
	switch strings.ToLower(cfg.Default.Gateway) {
	case "", "rest":
		if cfg.Default.BaseURL == "" {
			return nil, nil, fmt.Errorf("no base URL configured, run 'chatsync init' first")
		}
		gw := chatsync.NewRESTGateway(cfg.Default.BaseURL, cfg.Default.APIKey,
			chatsync.WithAccessToken(cfg.Auth.AccessToken),
			chatsync.WithGatewayLogger(log),
		)
		return gw, func() {}, nil
	case "postgres":
		if cfg.Default.DatabaseURL == "" {
			return nil, nil, fmt.Errorf("default.database_url is required for the postgres gateway")
		}
		gw, err := pggateway.New(ctx, cfg.Default.DatabaseURL, pggateway.WithLogger(log))
		if err != nil {
			return nil, nil, err
		}
		return gw, gw.Shutdown, nil
	default:
		return nil, nil, fmt.Errorf("unknown gateway %q (valid: rest, postgres)", cfg.Default.Gateway)
	}
}

// openSession loads the config and starts a sync session. The returned func
// disposes of the session and the gateway.
func openSession(ctx context.Context) (*chatsync.Session, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	actor, err := actorFrom(cfg)
	if err != nil {
		return nil, nil, err
	}
	log, err := newLogger()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build logger: %w", err)
	}

	gw, release, err := newGateway(ctx, cfg, log)
	if err != nil {
		_ = log.Sync()
		return nil, nil, err
	}
	s, err := chatsync.NewSession(actor, gw,
		chatsync.WithConfig(cfg.engineConfig()),
		chatsync.WithLogger(log),
	)
	if err != nil {
		release()
		_ = log.Sync()
		return nil, nil, err
	}
	return s, func() {
		s.Dispose()
		release()
		_ = log.Sync()
	}, nil
}

// formatMessage renders one line of a conversation.
func formatMessage(m chatsync.Message, self string) string {
	who := m.SenderID
	if m.SenderID == self {
		who = "you"
	}
	body := m.Content
	switch m.Type {
	case chatsync.MessageImage, chatsync.MessageFile:
		if m.Attachment != nil {
			body = strings.TrimSpace(fmt.Sprintf("%s [%s %s]", m.Content, m.Type, m.Attachment.URL))
		}
	case chatsync.MessageServicePreview:
		body = "[service] " + m.Content
	}
	line := fmt.Sprintf("%s  %s: %s", m.CreatedAt.Local().Format("Jan 02 15:04"), who, body)
	if m.SenderID == self && m.ReadAt != nil {
		line += "  ✓✓"
	}
	return line
}

// maskKey shows the first and last 4 characters of a key.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

func timeOrDash(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("Jan 02 15:04")
}
