package cli

import (
	"context"
	"fmt"

	"github.com/vburojevic/replaykit/internal/config"
	"github.com/vburojevic/replaykit/internal/session"
	filestore "github.com/vburojevic/replaykit/internal/store/file"
	redisstore "github.com/vburojevic/replaykit/internal/store/redis"
)

// openStore builds the session store named by the configuration. The
// returned close func is never nil.
func openStore(ctx context.Context, cfg config.StoreConfig) (session.Store, string, func(), error) {
	noop := func() {}
	switch cfg.Kind {
	case "", config.StoreMemory:
		return session.NewMemoryStore(), "memory", noop, nil

	case config.StoreFile:
		path := cfg.Path
		if path == "" {
			p, err := filestore.DefaultPath(cfg.Key)
			if err != nil {
				return nil, "", noop, fmt.Errorf("cli.openStore: %w", err)
			}
			path = p
		}
		s, err := filestore.NewStore(path)
		if err != nil {
			return nil, "", noop, fmt.Errorf("cli.openStore: %w", err)
		}
		return s, "file:" + s.Path(), noop, nil

	case config.StoreRedis:
		s, err := redisstore.New(ctx, redisstore.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Key:      cfg.Key,
			TTL:      cfg.TTL,
		})
		if err != nil {
			return nil, "", noop, fmt.Errorf("cli.openStore: %w", err)
		}
		return s, "redis:" + s.Key(), func() { s.Close() }, nil

	default:
		return nil, "", noop, fmt.Errorf("cli.openStore: unknown store kind %q", cfg.Kind)
	}
}
