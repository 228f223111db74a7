package zookeeper

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
)

const (
	lockRoot = "/distributed_locks" // 所有分布式锁的根节点
)

// client 是锁用到的 ZooKeeper 操作子集，*Conn 通过内嵌 *zk.Conn 实现它
type client interface {
	Exists(path string) (bool, *zk.Stat, error)
	ExistsW(path string) (bool, *zk.Stat, <-chan zk.Event, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	CreateProtectedEphemeralSequential(path string, data []byte, acl []zk.ACL) (string, error)
	Children(path string) ([]string, *zk.Stat, error)
	Delete(path string, version int32) error
}

// DistributedLock 定义了一个分布式锁对象
// 修复作业用它保证多实例部署时同一作业同一时刻只有一个执行者
type DistributedLock struct {
	conn     client // ZooKeeper连接
	path     string // 锁的路径，例如 /distributed_locks/repair-messages
	lockNode string // 成功获取锁后，自己创建的节点路径
}

// NewDistributedLock 创建一个新的分布式锁实例
// 锁路径不可用（ZooKeeper 故障）时返回错误，由调用方决定降级策略
func NewDistributedLock(conn *Conn, resourceID string) (*DistributedLock, error) {
	return newLock(conn, resourceID)
}

func newLock(c client, resourceID string) (*DistributedLock, error) {
	lockPath := lockRoot + "/" + resourceID

	// 确保锁的根路径和资源路径都存在
	if err := ensurePath(c, lockPath); err != nil {
		return nil, fmt.Errorf("failed to ensure lock path %s exists: %w", lockPath, err)
	}

	return &DistributedLock{
		conn: c,
		path: lockPath,
	}, nil
}

// Lock 尝试获取锁，如果获取不到则阻塞等待
func (l *DistributedLock) Lock() error {
	if err := l.createLockNode(); err != nil {
		return err
	}

	for {
		acquired, prevNodePath, err := l.checkLockOwnership()
		if err != nil {
			l.discardLockNode()
			return err
		}
		if acquired {
			return nil
		}

		// 不是最小节点，监听前一个节点
		// 使用 ExistsW 来设置一次性的Watcher
		_, _, eventChan, err := l.conn.ExistsW(prevNodePath)
		if err != nil {
			// 如果在前一个节点检查时它刚好被删除了，就重试循环
			if err == zk.ErrNoNode {
				continue
			}
			l.discardLockNode()
			return fmt.Errorf("failed to watch previous node: %w", err)
		}

		// 阻塞等待事件
		select {
		case event := <-eventChan:
			// 如果前一个节点被删除，我们就收到通知，重新进入循环去竞争锁
			if event.Type == zk.EventNodeDeleted {
				continue
			}
		case <-time.After(30 * time.Second): // 设置超时，防止死等
			l.discardLockNode()
			return errors.New("timeout waiting for lock")
		}
	}
}

// TryLock 尝试获取锁，锁已被其他实例持有时立即返回 false 而不阻塞。
// 修复作业用它实现“本周期让出、下周期再试”的跳过语义
func (l *DistributedLock) TryLock() (bool, error) {
	if err := l.createLockNode(); err != nil {
		return false, err
	}

	acquired, _, err := l.checkLockOwnership()
	if err != nil {
		// 必须清掉自己刚创建的节点：残留的孤儿节点在会话结束前不会消失，
		// 会把所有实例的后续每个周期都挡在门外
		l.discardLockNode()
		return false, err
	}
	if !acquired {
		// 竞争失败，立刻清理自己的节点
		if err := l.Unlock(); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// Unlock 释放锁
func (l *DistributedLock) Unlock() error {
	if l.lockNode == "" {
		return errors.New("no lock to unlock")
	}
	err := l.conn.Delete(l.lockNode, -1)
	if err != nil && err != zk.ErrNoNode {
		return fmt.Errorf("failed to delete lock node: %w", err)
	}
	l.lockNode = ""
	return nil
}

// discardLockNode 尽力删除自己的节点，用于错误路径，删除失败只能依赖会话结束兜底
func (l *DistributedLock) discardLockNode() {
	if l.lockNode == "" {
		return
	}
	_ = l.conn.Delete(l.lockNode, -1)
	l.lockNode = ""
}

// createLockNode 在锁路径下创建一个临时顺序节点
// 格式为: /distributed_locks/resourceID/lock-
func (l *DistributedLock) createLockNode() error {
	nodePath, err := l.conn.CreateProtectedEphemeralSequential(l.path+"/lock-", []byte(""), zk.WorldACL(zk.PermAll))
	if err != nil {
		return fmt.Errorf("failed to create sequential node: %w", err)
	}
	l.lockNode = nodePath
	return nil
}

// checkLockOwnership 判断自己创建的节点是否是当前最小节点
// 返回是否持有锁，以及未持有时需要监听的前一个节点路径
func (l *DistributedLock) checkLockOwnership() (bool, string, error) {
	children, _, err := l.conn.Children(l.path)
	if err != nil {
		return false, "", fmt.Errorf("failed to get children nodes: %w", err)
	}
	sort.Strings(children) // 排序，保证顺序

	myNodeName := strings.TrimPrefix(l.lockNode, l.path+"/")
	if myNodeName == children[0] {
		return true, "", nil
	}

	prevNodeIndex := -1
	for i, child := range children {
		if child == myNodeName {
			prevNodeIndex = i - 1
			break
		}
	}
	if prevNodeIndex < 0 {
		return false, "", errors.New("cannot find previous node, something is wrong")
	}
	return false, l.path + "/" + children[prevNodeIndex], nil
}

// ensurePath 确保路径存在 (类似 mkdir -p)
func ensurePath(conn client, path string) error {
	parts := strings.Split(path, "/")
	currentPath := ""
	for _, part := range parts {
		if part == "" {
			continue
		}
		currentPath += "/" + part
		exists, _, err := conn.Exists(currentPath)
		if err != nil {
			return fmt.Errorf("failed to check existence of path %s: %w", currentPath, err)
		}
		if !exists {
			_, err := conn.Create(currentPath, []byte{}, 0, zk.WorldACL(zk.PermAll))
			// 如果节点因为并发创建而已经存在，忽略这个错误
			if err != nil && err != zk.ErrNodeExists {
				return fmt.Errorf("failed to create path %s: %w", currentPath, err)
			}
		}
	}
	return nil
}
