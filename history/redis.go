package history

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// entry is the wire form of one stored turn. Role is kept outside the
// message JSON so readers can filter without decoding the value.
type entry struct {
	Role  string          `json:"role"`
	Value json.RawMessage `json:"value"`
}

// RedisHistory keeps one conversation as a redis list, oldest first.
type RedisHistory struct {
	rdb *redis.Client
	key string
}

// NewRedisHistory opens the history handle for one conversation.
func NewRedisHistory(rdb *redis.Client, user, conversationID string) *RedisHistory {
	return &RedisHistory{
		rdb: rdb,
		key: fmt.Sprintf("chat:history:%s:%s", user, conversationID),
	}
}

// Append serializes the message and pushes it to the tail of the list.
func (h *RedisHistory) Append(ctx context.Context, msg Message) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	raw, err := json.Marshal(entry{Role: msg.Role, Value: value})
	if err != nil {
		return fmt.Errorf("failed to marshal history entry: %w", err)
	}

	if err := h.rdb.RPush(ctx, h.key, raw).Err(); err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

// Messages returns all turns of the conversation, oldest first.
func (h *RedisHistory) Messages(ctx context.Context) ([]Message, error) {
	raws, err := h.rdb.LRange(ctx, h.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}

	msgs := make([]Message, 0, len(raws))
	for _, raw := range raws {
		var e entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			// Skip unreadable entries rather than poisoning the turn
			continue
		}
		var msg Message
		if err := json.Unmarshal(e.Value, &msg); err != nil {
			continue
		}
		if msg.Role == "" {
			msg.Role = e.Role
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// MemoryHistory is an in-process handle for tests and one-shot runs.
type MemoryHistory struct {
	msgs []Message
}

// NewMemoryHistory creates an empty in-process history.
func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{}
}

func (h *MemoryHistory) Append(_ context.Context, msg Message) error {
	h.msgs = append(h.msgs, msg)
	return nil
}

func (h *MemoryHistory) Messages(_ context.Context) ([]Message, error) {
	out := make([]Message, len(h.msgs))
	copy(out, h.msgs)
	return out, nil
}
