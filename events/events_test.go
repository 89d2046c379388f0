package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_FanOut(t *testing.T) {
	m := NewMemory()

	var got []string
	m.Subscribe(func(userID uint, event string, payload any) {
		got = append(got, event)
	})
	m.Subscribe(func(userID uint, event string, payload any) {
		assert.Equal(t, uint(7), userID)
	})

	m.EmitToUser(7, "task.created", map[string]uint{"id": 1})
	m.EmitToUser(7, "task.updated", map[string]uint{"id": 1})

	assert.Equal(t, []string{"task.created", "task.updated"}, got)
}

func TestRedis_PublishesEnvelopePerUserChannel(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	b := NewRedis(client, nil)
	assert.Equal(t, "genflow:events:user:7", b.Channel(7))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	sub := client.Subscribe(ctx, b.Channel(7))
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	b.EmitToUser(7, "task.updated", map[string]uint{"id": 42})

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &env))
	assert.Equal(t, "task.updated", env.Event)
	assert.JSONEq(t, `{"id":42}`, string(env.Payload))
	assert.False(t, env.At.IsZero())
}

func TestRedis_SwallowsMarshalFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	b := NewRedis(client, nil)
	// 不可序列化的载荷只记警告，不会 panic
	assert.NotPanics(t, func() {
		b.EmitToUser(1, "task.updated", make(chan int))
	})
}
