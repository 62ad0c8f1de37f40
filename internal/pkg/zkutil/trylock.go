// internal/pkg/zkutil/trylock.go
package zkutil

import (
	"fmt"
	"time"

	"github.com/go-zookeeper/zk"
)

const lockRoot = "/atelier_locks"

// Conn 封装 ZooKeeper 连接。
type Conn struct {
	conn *zk.Conn
}

// Connect 建立到 ZooKeeper 集群的连接。
func Connect(addrs []string, sessionTimeout time.Duration) (*Conn, error) {
	conn, _, err := zk.Connect(addrs, sessionTimeout, zk.WithLogInfo(false))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to zookeeper: %w", err)
	}
	return &Conn{conn: conn}, nil
}

func (c *Conn) Close() {
	c.conn.Close()
}

// TryLock 是一个非阻塞互斥锁：尝试创建一个临时节点，
// 节点已存在说明别的实例正持有锁，立即返回 false 而不等待。
// 持有方会话断开后节点自动删除，不会出现死锁。
//
// 它只用于避免重复劳动（例如多副本下的并发清扫），
// 不提供正确性保证——依赖它的调用方必须自身幂等。
type TryLock struct {
	conn *Conn
	path string
	held bool
}

// NewTryLock 创建一个作用于 name 资源的锁实例。
func NewTryLock(conn *Conn, name string) (*TryLock, error) {
	// 确保根节点存在
	if exists, _, err := conn.conn.Exists(lockRoot); err == nil && !exists {
		_, createErr := conn.conn.Create(lockRoot, []byte(""), 0, zk.WorldACL(zk.PermAll))
		if createErr != nil && createErr != zk.ErrNodeExists {
			return nil, fmt.Errorf("failed to create lock root node: %w", createErr)
		}
	}
	return &TryLock{
		conn: conn,
		path: lockRoot + "/" + name,
	}, nil
}

// Acquire 尝试获取锁，不等待。
func (l *TryLock) Acquire() (bool, error) {
	_, err := l.conn.conn.Create(l.path, []byte(""), zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if err == zk.ErrNodeExists {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to create lock node %s: %w", l.path, err)
	}
	l.held = true
	return true, nil
}

// Release 释放锁。未持有时是空操作。
func (l *TryLock) Release() error {
	if !l.held {
		return nil
	}
	l.held = false
	err := l.conn.conn.Delete(l.path, -1)
	if err != nil && err != zk.ErrNoNode {
		return fmt.Errorf("failed to delete lock node %s: %w", l.path, err)
	}
	return nil
}
