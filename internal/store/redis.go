package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"collabcanvas/internal/models"
)

// snapshotTTL keeps abandoned room state from accumulating forever.
const snapshotTTL = 7 * 24 * time.Hour

// RedisStore keeps each room's content snapshot in a hash keyed by field
// path (values JSON-encoded) and its chat history in a list, so a partial
// content read never tears a single field's value.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func contentKey(roomID string) string { return "room:" + roomID + ":content" }
func chatKey(roomID string) string    { return "room:" + roomID + ":chat" }

func (s *RedisStore) Load(ctx context.Context, roomID string) (Snapshot, error) {
	fields, err := s.rdb.HGetAll(ctx, contentKey(roomID)).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("load content for room %s: %w", roomID, err)
	}
	content := make(map[string]any, len(fields))
	for path, raw := range fields {
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return Snapshot{}, fmt.Errorf("decode content field %q of room %s: %w", path, roomID, err)
		}
		content[path] = v
	}

	entries, err := s.rdb.LRange(ctx, chatKey(roomID), 0, -1).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("load chat for room %s: %w", roomID, err)
	}
	chat := make([]models.ChatMessage, 0, len(entries))
	for _, raw := range entries {
		var m models.ChatMessage
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return Snapshot{}, fmt.Errorf("decode chat entry of room %s: %w", roomID, err)
		}
		chat = append(chat, m)
	}

	return Snapshot{Content: content, Chat: chat}, nil
}

func (s *RedisStore) Save(ctx context.Context, roomID string, snap Snapshot) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, contentKey(roomID), chatKey(roomID))

	if len(snap.Content) > 0 {
		kv := make([]any, 0, len(snap.Content)*2)
		for path, v := range snap.Content {
			raw, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("encode content field %q of room %s: %w", path, roomID, err)
			}
			kv = append(kv, path, string(raw))
		}
		pipe.HSet(ctx, contentKey(roomID), kv...)
		pipe.Expire(ctx, contentKey(roomID), snapshotTTL)
	}

	if len(snap.Chat) > 0 {
		entries := make([]any, 0, len(snap.Chat))
		for _, m := range snap.Chat {
			raw, err := json.Marshal(m)
			if err != nil {
				return fmt.Errorf("encode chat entry of room %s: %w", roomID, err)
			}
			entries = append(entries, string(raw))
		}
		pipe.RPush(ctx, chatKey(roomID), entries...)
		pipe.Expire(ctx, chatKey(roomID), snapshotTTL)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save snapshot for room %s: %w", roomID, err)
	}
	return nil
}
