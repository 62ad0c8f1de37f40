// internal/pkg/redis/client.go
package redis

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Client 封装了 go-redis 客户端，并维护一个命名 Lua 脚本注册表。
// 脚本在初始化时统一加载，运行时按名字调用，避免调用方散落脚本内容。
type Client struct {
	rdb *redis.Client

	mu      sync.RWMutex
	scripts map[string]*redis.Script
}

// NewClient 创建并连通一个 Redis 客户端。
func NewClient(ctx context.Context, addr string) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return &Client{
		rdb:     rdb,
		scripts: make(map[string]*redis.Script),
	}, nil
}

// LoadScriptFromContent 注册一个命名脚本。
// redis.Script 内部通过 EVALSHA + EVAL 兜底处理脚本缓存，无需显式 SCRIPT LOAD。
func (c *Client) LoadScriptFromContent(name, content string) error {
	if content == "" {
		return fmt.Errorf("script %q has empty content", name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scripts[name] = redis.NewScript(content)
	return nil
}

// RunScript 执行一个已注册的脚本。
func (c *Client) RunScript(ctx context.Context, name string, keys []string, args ...interface{}) (interface{}, error) {
	c.mu.RLock()
	script, ok := c.scripts[name]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("script %q is not registered", name)
	}
	return script.Run(ctx, c.rdb, keys, args...).Result()
}

// GetClient 暴露底层客户端，供需要 pipeline 等高级能力的调用方使用。
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close 关闭底层连接。
func (c *Client) Close() error {
	return c.rdb.Close()
}
