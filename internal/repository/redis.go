package repository

import (
	"context"
	"errors"
	"fmt"

	"possync/internal/config"
	"possync/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisOperationStore keeps the snapshot as a JSON array under one key.
type RedisOperationStore struct {
	client *redis.Client
	key    string
	logger *zerolog.Logger
}

// NewRedisClient создает новый клиент Redis на основе конфигурации
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	options := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}

	return redis.NewClient(options)
}

func NewRedisOperationStore(client *redis.Client, key string, logger *zerolog.Logger) *RedisOperationStore {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &RedisOperationStore{client: client, key: key, logger: logger}
}

func (r *RedisOperationStore) Save(ctx context.Context, ops []models.QueuedOperation) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	data, err := EncodeOperations(ops)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save operations to redis: %w", err)
	}
	return nil
}

func (r *RedisOperationStore) Load(ctx context.Context) ([]models.QueuedOperation, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	val, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return []models.QueuedOperation{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load operations from redis: %w", err)
	}
	return DecodeOperations(val, r.logger), nil
}

// Ping checks that the server is reachable.
func (r *RedisOperationStore) Ping(ctx context.Context) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	return r.client.Ping(ctx).Err()
}

func (r *RedisOperationStore) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}
