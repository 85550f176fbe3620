package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/clipforge/pipeline"
	"github.com/clipforge/pipeline/internal/config"
	"github.com/clipforge/pipeline/store/memory"
	"github.com/clipforge/pipeline/store/mongo"
	"github.com/clipforge/pipeline/store/postgres"
	redisstore "github.com/clipforge/pipeline/store/redis"
	"github.com/clipforge/pipeline/store/sqlite"
)

// openStore constructs the persistence backend selected by the config.
// Every returned value also implements job.Store.
func openStore(ctx context.Context, cfg *config.Config) (pipeline.Storer, error) {
	switch cfg.Store.Driver {
	case "memory":
		return memory.New(), nil

	case "sqlite":
		return sqlite.Open(cfg.Store.DSN)

	case "postgres":
		return postgres.New(ctx, cfg.Store.DSN)

	case "redis":
		opts, err := redis.ParseURL(cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("parse redis dsn: %w", err)
		}
		return redisstore.New(redis.NewClient(opts)), nil

	case "mongo":
		client, err := mongod.Connect(options.Client().ApplyURI(cfg.Store.DSN))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		return mongo.New(client.Database(cfg.Store.Database)), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}
