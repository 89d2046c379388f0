// Package events 向任务所有者广播任务生命周期事件。
// 广播是 fire-and-forget 的：发送失败不回滚它所宣告的状态变更。
package events

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Broadcaster 事件出口。
type Broadcaster interface {
	EmitToUser(userID uint, event string, payload any)
}

// Envelope 发到通道上的事件信封。
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	At      time.Time       `json:"at"`
}

// Redis 通过 Redis Pub/Sub 按用户通道广播，供多实例部署使用。
type Redis struct {
	client  redis.UniversalClient
	prefix  string
	log     *zap.Logger
	timeout time.Duration
}

// NewRedis 创建 Redis 广播器。
func NewRedis(client redis.UniversalClient, log *zap.Logger) *Redis {
	if log == nil {
		log = zap.NewNop()
	}
	return &Redis{
		client:  client,
		prefix:  "genflow:events:user:",
		log:     log,
		timeout: 3 * time.Second,
	}
}

// Channel 返回某个用户的事件通道名。
func (r *Redis) Channel(userID uint) string {
	return r.prefix + strconv.FormatUint(uint64(userID), 10)
}

func (r *Redis) EmitToUser(userID uint, event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		r.log.Warn("event payload marshal failed", zap.String("event", event), zap.Error(err))
		return
	}
	data, _ := json.Marshal(Envelope{Event: event, Payload: raw, At: time.Now()})

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.client.Publish(ctx, r.Channel(userID), data).Err(); err != nil {
		r.log.Warn("event publish failed",
			zap.Uint("user_id", userID),
			zap.String("event", event),
			zap.Error(err))
	}
}

// Memory 进程内广播器，用于单机部署与测试。
type Memory struct {
	mu       sync.RWMutex
	handlers []func(userID uint, event string, payload any)
}

func NewMemory() *Memory {
	return &Memory{}
}

// Subscribe 注册事件处理器。
func (m *Memory) Subscribe(fn func(userID uint, event string, payload any)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, fn)
}

func (m *Memory) EmitToUser(userID uint, event string, payload any) {
	m.mu.RLock()
	handlers := make([]func(uint, string, any), len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.RUnlock()
	for _, fn := range handlers {
		fn(userID, event, payload)
	}
}

// Nop 丢弃所有事件。
type Nop struct{}

func (Nop) EmitToUser(uint, string, any) {}
