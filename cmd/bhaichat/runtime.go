package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"bhaichat/internal/auth"
	"bhaichat/internal/backend"
	"bhaichat/internal/bus"
	"bhaichat/internal/chat"
	"bhaichat/internal/config"
	"bhaichat/internal/domain"
	"bhaichat/internal/metrics"
	"bhaichat/internal/personality"
	"bhaichat/internal/pointer"
	"bhaichat/internal/remote"
)

// runtime holds everything a chat session needs, in close order.
type runtime struct {
	session        *chat.Session
	personalities  *personality.Catalog
	metricsHandler http.Handler
	closers        []func()
}

func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

func identityFrom(cfg *config.Config) auth.Identity {
	return auth.Identity{UserID: cfg.Auth.UserID, ProviderID: cfg.Auth.ProviderID}
}

// tokenSource prefers BHAICHAT_TOKEN over the configured token so it can be
// rotated without rewriting the config file.
func tokenSource(cfg *config.Config) domain.TokenSource {
	return auth.Optional(auth.TokenFunc(func(ctx context.Context) (string, error) {
		if tok := os.Getenv("BHAICHAT_TOKEN"); tok != "" {
			return tok, nil
		}
		return auth.StaticToken(cfg.Auth.Token).Token(ctx)
	}))
}

func newRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	rt := &runtime{}
	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m = metrics.New(reg)
		rt.metricsHandler = metrics.Handler(reg)
	}

	rt.personalities = personality.NewCatalog()
	if cfg.Chat.PersonalitiesFile != "" {
		if err := rt.personalities.LoadFile(cfg.Chat.PersonalitiesFile, logger); err != nil {
			return nil, fmt.Errorf("personalities: %w", err)
		}
	}
	if cfg.Chat.DefaultPersonality != "" {
		if err := rt.personalities.SetDefault(cfg.Chat.DefaultPersonality); err != nil {
			return nil, fmt.Errorf("chat.defaultPersonality: %w", err)
		}
	}

	store, closeStore, err := openStore(ctx, cfg, m, logger)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, closeStore)

	kv, err := openKV(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, func() { _ = kv.Close() })

	client, err := backend.New(backend.Config{
		BaseURL: cfg.Backend.BaseURL,
		Tokens:  tokenSource(cfg),
		Timeout: cfg.Backend.Timeout(),
		Retries: cfg.Backend.Retries,
		Logger:  logger.With("component", "backend"),
	})
	if err != nil {
		return nil, err
	}

	session, err := chat.NewSession(chat.Config{
		Store:          store,
		KV:             kv,
		Backend:        client,
		Personalities:  rt.personalities,
		Bus:            bus.New(256, logger),
		Logger:         logger,
		Metrics:        m,
		ConfirmWindow:  cfg.Chat.ConfirmWindow(),
		TitleEnabled:   cfg.Backend.TitleEnabled,
		PersistReplies: cfg.Backend.PersistReplies,
		HistoryLimit:   cfg.Chat.HistoryLimit,
	})
	if err != nil {
		return nil, err
	}
	rt.session = session
	rt.closers = append(rt.closers, session.Close)

	ok = true
	return rt, nil
}

// openStore connects the configured remote store. m may be nil.
func openStore(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (domain.RemoteStore, func(), error) {
	switch cfg.Remote.Driver {
	case "mongo":
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		store, err := remote.NewMongo(connectCtx, remote.MongoConfig{
			URI:      cfg.Remote.MongoURI,
			Database: cfg.Remote.Database,
			Logger:   logger.With("component", "mongo"),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("remote store: %w", err)
		}
		closeFn := func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = store.Close(closeCtx)
		}
		return remote.WithMetrics(store, m), closeFn, nil
	case "memory":
		logger.Warn("using in-memory remote store, conversations are lost on exit")
		store := remote.NewMemory(logger.With("component", "memory-store"))
		return remote.WithMetrics(store, m), func() { _ = store.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown remote driver %q", cfg.Remote.Driver)
	}
}

func openKV(ctx context.Context, cfg *config.Config, logger *slog.Logger) (domain.KV, error) {
	switch cfg.Cache.Driver {
	case "sqlite":
		kv, err := pointer.NewSQLiteKV(cfg.Cache.DBPath, logger.With("component", "pointer"))
		if err != nil {
			return nil, fmt.Errorf("pointer cache: %w", err)
		}
		return kv, nil
	case "redis":
		kv, err := pointer.NewRedisKV(ctx, cfg.Cache.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("pointer cache: %w", err)
		}
		return kv, nil
	case "memory":
		return pointer.NewMemoryKV(), nil
	default:
		return nil, fmt.Errorf("unknown cache driver %q", cfg.Cache.Driver)
	}
}
