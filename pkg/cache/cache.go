package cache

import (
	"context"
	"time"
)

// Cache 统一缓存接口，内存与Redis两种实现
type Cache interface {
	// Get 获取缓存值，第二个返回值表示是否命中
	Get(ctx context.Context, key string) ([]byte, bool)
	// Set 写入缓存，ttl为0时表示不过期
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
	// Delete 删除指定键
	Delete(ctx context.Context, key string)
	// DeletePattern 删除所有匹配通配符模式的键，返回删除数量
	DeletePattern(ctx context.Context, pattern string) int
	// Close 释放底层资源
	Close() error
}
