package cache

import (
	"arkrelay/pkg/logger"
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Config struct {
	Host     string
	Port     string
	Password string
	DB       int
}

var Client *redis.Client

func Init(cfg Config) error {
	// redis options
	opts := redis.Options{
		Addr:     cfg.Host + ":" + cfg.Port,
		Password: cfg.Password, // no password set
		DB:       cfg.DB,       // use default DB
	}

	// Create Redis client
	rdb := redis.NewClient(&opts)

	// Test connection with Ping
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		logger.Error("Failed to connect to Redis", zap.Error(err))
		return err
	}

	// Set global Client variable
	Client = rdb
	logger.Info("Connected to Redis successfully", zap.String("host", cfg.Host))
	return nil
}

func Get(ctx context.Context, key string) (string, error) {
	val, err := Client.Get(ctx, key).Result()
	if err == redis.Nil { // Key does not exist
		return "", nil
	} else if err != nil {
		logger.Error("Failed to get key from Redis", zap.String("key", key), zap.Error(err))
		return "", err
	}
	return val, nil
}

func Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	err := Client.Set(ctx, key, value, expiration).Err()
	if err != nil {
		logger.Error("Failed to set key in Redis", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}

// GetJSON reads a key and unmarshals it into dest. Returns false when the
// key does not exist, so callers can distinguish a miss from a zero value.
func GetJSON(ctx context.Context, key string, dest interface{}) (bool, error) {
	val, err := Client.Get(ctx, key).Result()
	if err == redis.Nil {
		return false, nil
	} else if err != nil {
		logger.Error("Failed to get key from Redis", zap.String("key", key), zap.Error(err))
		return false, err
	}
	if err := json.Unmarshal([]byte(val), dest); err != nil {
		logger.Error("Failed to decode cached value", zap.String("key", key), zap.Error(err))
		return false, err
	}
	return true, nil
}

// SetJSON marshals value as JSON and stores it under key.
func SetJSON(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		logger.Error("Failed to encode value for cache", zap.String("key", key), zap.Error(err))
		return err
	}
	return Set(ctx, key, data, expiration)
}

func Delete(ctx context.Context, keys ...string) (int64, error) {
	res, err := Client.Del(ctx, keys...).Result()
	if err != nil {
		logger.Error("Failed to delete keys from Redis", zap.Strings("keys", keys), zap.Error(err))
		return 0, err
	}
	return res, nil
}

func Exists(ctx context.Context, key string) (bool, error) {
	res, err := Client.Exists(ctx, key).Result()
	if err != nil {
		logger.Error("Failed to check existence of key in Redis", zap.String("key", key), zap.Error(err))
		return false, err
	}
	return res > 0, nil
}

func SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	// Set if Not eXists - returns true if set, false if key exists (prevents race conditions)
	set, err := Client.SetNX(ctx, key, value, expiration).Result()
	if err != nil {
		logger.Error("Failed to set NX key in Redis", zap.String("key", key), zap.Error(err))
		return false, err
	}
	return set, nil
}

func Incr(ctx context.Context, key string) (int64, error) {
	res, err := Client.Incr(ctx, key).Result()
	if err != nil {
		logger.Error("Failed to increment key in Redis", zap.String("key", key), zap.Error(err))
		return 0, err
	}
	return res, nil
}

func Expire(ctx context.Context, key string, expiration time.Duration) error {
	// Set expiration on existing key
	err := Client.Expire(ctx, key, expiration).Err()
	if err != nil {
		logger.Error("Failed to set expiration on key in Redis", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}

// PushCapped prepends value to a list and trims the list to size, keeping
// the newest entries. Used for the rolling event log.
func PushCapped(ctx context.Context, key string, value interface{}, size int64) error {
	if err := Client.LPush(ctx, key, value).Err(); err != nil {
		logger.Error("Failed to push to list in Redis", zap.String("key", key), zap.Error(err))
		return err
	}
	if err := Client.LTrim(ctx, key, 0, size-1).Err(); err != nil {
		logger.Error("Failed to trim list in Redis", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}

// ListRange returns list entries between start and stop, newest first.
func ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	res, err := Client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		logger.Error("Failed to read list from Redis", zap.String("key", key), zap.Error(err))
		return nil, err
	}
	return res, nil
}

// Ping tests the Redis connection
func Ping(ctx context.Context) error {
	return Client.Ping(ctx).Err()
}

// Close closes the Redis connection
func Close() error {
	if Client != nil {
		return Client.Close()
	}
	return nil
}
