package task

import (
	"context"
	"sync"
)

// cancelHandle 一次在途调用的取消句柄。
type cancelHandle struct {
	cancel context.CancelFunc
}

// cancelRegistry 维护任务 ID 到取消句柄的映射。
// 句柄只在该任务存在一次在途网络调用期间有效，调用结束即移除；
// 每次提交尝试都会创建新的句柄。
type cancelRegistry struct {
	mu      sync.Mutex
	handles map[uint]*cancelHandle
}

func newCancelRegistry() *cancelRegistry {
	return &cancelRegistry{handles: make(map[uint]*cancelHandle)}
}

// acquire 为一次在途调用登记可取消的 context。
// 返回的 release 必须在调用结束后执行，无论结果如何。
func (c *cancelRegistry) acquire(ctx context.Context, taskID uint) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	h := &cancelHandle{cancel: cancel}

	c.mu.Lock()
	c.handles[taskID] = h
	c.mu.Unlock()

	release := func() {
		c.mu.Lock()
		// 只移除自己的句柄，避免误删后续调用登记的新句柄
		if c.handles[taskID] == h {
			delete(c.handles, taskID)
		}
		c.mu.Unlock()
		cancel()
	}
	return ctx, release
}

// abort 触发某个任务在途调用的取消。
// 返回 true 表示确实有一次在途调用被打断。
func (c *cancelRegistry) abort(taskID uint) bool {
	c.mu.Lock()
	h, ok := c.handles[taskID]
	if ok {
		delete(c.handles, taskID)
	}
	c.mu.Unlock()
	if ok {
		h.cancel()
	}
	return ok
}
