package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/life2you_mini/fundingarb/internal/model"
)

// Redis 键前缀常量
const (
	keyOpportunitiesPrefix = "funding:opps:"    // funding:opps:<period>
	keyLastUpdatedPrefix   = "funding:updated:" // funding:updated:<period>

	// 过期时间（秒）
	expirySnapshot = 86400 // 1天，快照只是镜像，不承担跨重启恢复职责
)

// RedisStorage 刷新结果的Redis镜像存储
type RedisStorage struct {
	client    *redis.Client
	keyPrefix string
	logger    *zap.Logger
}

// NewRedisStorage 创建Redis镜像存储
func NewRedisStorage(addr, password string, db int, keyPrefix string, logger *zap.Logger) *RedisStorage {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		PoolSize:     10,
		MaxRetries:   3,
	})

	return &RedisStorage{
		client:    client,
		keyPrefix: keyPrefix,
		logger:    logger,
	}
}

// Initialize 初始化Redis存储
func (s *RedisStorage) Initialize(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		s.logger.Error("Redis连接失败", zap.Error(err))
		return fmt.Errorf("redis连接失败: %w", err)
	}

	s.logger.Info("Redis存储初始化成功")
	return nil
}

// Close 关闭Redis连接
func (s *RedisStorage) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("关闭Redis连接失败: %w", err)
	}
	return nil
}

// Health 检查Redis健康状态
func (s *RedisStorage) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// StoreOpportunities 存储一个周期桶的刷新结果
func (s *RedisStorage) StoreOpportunities(ctx context.Context, period string, opportunities []model.ArbitrageOpportunity, updatedAt int64) error {
	jsonData, err := json.Marshal(opportunities)
	if err != nil {
		return fmt.Errorf("序列化套利机会失败: %w", err)
	}

	key := s.keyPrefix + keyOpportunitiesPrefix + period
	updatedKey := s.keyPrefix + keyLastUpdatedPrefix + period

	// 使用Pipeline批量执行
	pipe := s.client.Pipeline()
	pipe.Set(ctx, key, jsonData, time.Duration(expirySnapshot)*time.Second)
	pipe.Set(ctx, updatedKey, updatedAt, time.Duration(expirySnapshot)*time.Second)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("存储套利机会快照失败: %w", err)
	}
	return nil
}

// LoadOpportunities 读取一个周期桶的最近快照及其落库时间，供启动预热
// 没有快照时返回(nil, 0, nil)
func (s *RedisStorage) LoadOpportunities(ctx context.Context, period string) ([]model.ArbitrageOpportunity, int64, error) {
	key := s.keyPrefix + keyOpportunitiesPrefix + period
	updatedKey := s.keyPrefix + keyLastUpdatedPrefix + period

	jsonData, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("读取套利机会快照失败: %w", err)
	}

	var opportunities []model.ArbitrageOpportunity
	if err := json.Unmarshal([]byte(jsonData), &opportunities); err != nil {
		return nil, 0, fmt.Errorf("解析套利机会快照失败: %w", err)
	}

	updatedAt, err := s.client.Get(ctx, updatedKey).Int64()
	if err != nil && err != redis.Nil {
		return nil, 0, fmt.Errorf("读取快照落库时间失败: %w", err)
	}
	return opportunities, updatedAt, nil
}
