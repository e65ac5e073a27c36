package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ============================================================================
// 分布式锁
// ============================================================================
//
// 用在 Webhook 投递上：后台自动重试和人工手动重试可能同时盯上同一个
// 订单的投递记录，靠按订单维度的锁保证同一时刻只有一个投递在路上。
//
// 【Redis 分布式锁原理】
//
// 加锁：SET key value NX EX timeout
//   - NX: 只有 key 不存在时才设置（保证互斥）
//   - EX: 设置过期时间（防止死锁）
//   - value: 锁持有者标识（释放时验证，防止误删别人的锁）
//
// 释放锁：Lua 脚本保证"检查+删除"的原子性
//
// ============================================================================

var ErrLockFailed = errors.New("获取分布式锁失败")

// Locker 锁抽象，测试里用内存实现替换 Redis
type Locker interface {
	// TryLock 尝试获取锁（非阻塞），返回是否成功
	TryLock(ctx context.Context, key, value string, expiration time.Duration) (bool, error)
	// Unlock 释放锁，只有 value 匹配时才真正删除
	Unlock(ctx context.Context, key, value string) error
}

// RedisLocker 基于 Redis SetNX 的实现
type RedisLocker struct {
	client *redis.Client
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) TryLock(ctx context.Context, key, value string, expiration time.Duration) (bool, error) {
	// SET key value NX EX timeout
	// 持有锁的进程崩溃时，锁靠过期时间自动释放
	return l.client.SetNX(ctx, key, value, expiration).Result()
}

func (l *RedisLocker) Unlock(ctx context.Context, key, value string) error {
	// 场景：A 获取锁 -> A 处理超时锁过期 -> B 获取锁 -> A 调用 Unlock
	// 不校验 value 的话 A 会把 B 的锁删掉
	script := `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`
	_, err := l.client.Eval(ctx, script, []string{key}, value).Result()
	return err
}

// WebhookDeliveryKey 按订单维度的 Webhook 投递锁 key
//
// 按订单加锁：不同订单的投递可以并发，同一订单串行，这正是想要的。
func WebhookDeliveryKey(orderNo string) string {
	return fmt.Sprintf("webhook:lock:order:%s", orderNo)
}
