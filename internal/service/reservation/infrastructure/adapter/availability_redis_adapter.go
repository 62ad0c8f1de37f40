// internal/service/reservation/infrastructure/adapter/availability_redis_adapter.go
package adapter

import (
	"context"
	"fmt"
	"time"

	"atelier/internal/pkg/redis"
)

const precheckScriptName = "availability_precheck"

// AvailabilityRedisAdapter 是 port.AvailabilityCache 的 Redis 实现。
// 它维护每个变体可用库存的旁路镜像，让热点变体上注定失败的
// 预留请求不必进入 MySQL 事务。镜像带 TTL，过期即视为未知，
// 权威数据永远在台账。
type AvailabilityRedisAdapter struct {
	redisClient *redis.Client
	ttl         time.Duration
	zeroTTL     time.Duration
}

// NewAvailabilityRedisAdapter 创建适配器并加载预检脚本。
func NewAvailabilityRedisAdapter(redisClient *redis.Client) (*AvailabilityRedisAdapter, error) {
	if err := redisClient.LoadScriptFromContent(precheckScriptName, precheckScript); err != nil {
		return nil, fmt.Errorf("failed to load availability precheck script: %w", err)
	}
	return &AvailabilityRedisAdapter{
		redisClient: redisClient,
		ttl:         5 * time.Minute,
		zeroTTL:     15 * time.Second,
	}, nil
}

// ttlFor 决定镜像条目的存活时间。
// "无货"用短 TTL：预检会直接据此拒单，一旦目录在台账之外补了货
// （或某次 Refresh 失败留下陈旧零值），错误拒单的窗口必须足够小。
func (a *AvailabilityRedisAdapter) ttlFor(available int) time.Duration {
	if available <= 0 {
		return a.zeroTTL
	}
	return a.ttl
}

func availabilityKey(variantID string) string {
	return fmt.Sprintf("stock:avail:{%s}", variantID)
}

// Precheck 查询镜像。返回值遵循 port.AvailabilityCache 的约定：
// known 为 false 时调用方必须回落到权威台账。
func (a *AvailabilityRedisAdapter) Precheck(ctx context.Context, variantID string) (bool, bool, error) {
	result, err := a.redisClient.RunScript(ctx, precheckScriptName, []string{availabilityKey(variantID)})
	if err != nil {
		return false, false, fmt.Errorf("availability precheck script failed: %w", err)
	}

	code, ok := result.(int64)
	if !ok {
		return false, false, fmt.Errorf("unexpected result type from precheck script: %T", result)
	}

	switch code {
	case -1:
		return false, false, nil // 镜像无数据
	case 0:
		return false, true, nil // 明确无货
	default:
		return true, true, nil
	}
}

// Refresh 在台账调整提交后回写最新可用库存。
func (a *AvailabilityRedisAdapter) Refresh(ctx context.Context, variantID string, available int) error {
	return a.redisClient.GetClient().Set(ctx, availabilityKey(variantID), available, a.ttlFor(available)).Err()
}

// Prime (测试和管理用) 预热某个变体的镜像。
func (a *AvailabilityRedisAdapter) Prime(ctx context.Context, variantID string, available int) error {
	return a.Refresh(ctx, variantID, available)
}

var precheckScript = `
-- KEYS[1]: 可用库存镜像的 Key, 例如: stock:avail:{variant_123}

-- 1. 读取镜像
local avail = redis.call('get', KEYS[1])

-- 2. 镜像无数据: 返回 -1, 调用方回落到权威台账
if not avail then
    return -1
end

-- 3. 镜像显示无货: 返回 0
if tonumber(avail) <= 0 then
    return 0
end

-- 4. 有货: 返回 1
return 1
`
