package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eldtechnologies/chatline/internal/ids"
	"github.com/eldtechnologies/chatline/internal/models"
)

const (
	seqKey        = "dm:seq"
	messagePrefix = "dm:msg:"
)

// appendScript assigns seq and writes the message with its indexes in one
// atomic step.
// KEYS: seq, message hash, conversation zset, unread set.
// ARGV: id, from, to, content, created_at (unix ns).
var appendScript = redis.NewScript(`
local seq = redis.call('INCR', KEYS[1])
redis.call('HSET', KEYS[2],
	'id', ARGV[1], 'from', ARGV[2], 'to', ARGV[3], 'content', ARGV[4],
	'created_at', ARGV[5], 'seq', seq, 'read', 0)
redis.call('ZADD', KEYS[3], seq, ARGV[1])
redis.call('SADD', KEYS[4], ARGV[1])
return seq
`)

// markReadScript drains the unread set for one direction.
// KEYS: unread set. ARGV: message key prefix.
var markReadScript = redis.NewScript(`
local ids = redis.call('SMEMBERS', KEYS[1])
for _, id in ipairs(ids) do
	redis.call('HSET', ARGV[1] .. id, 'read', 1)
end
redis.call('DEL', KEYS[1])
return #ids
`)

// RedisStore keeps messages in hashes indexed by per-conversation sorted
// sets. Nothing expires.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis store.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() {
	s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// messageKey returns the key for a message hash.
func messageKey(id string) string {
	return messagePrefix + id
}

// conversationZKey returns the key for a conversation's sorted set.
func conversationZKey(a, b string) string {
	return fmt.Sprintf("dm:conv:%s", conversationKey(a, b))
}

// unreadKey returns the key for the unread set of one direction.
func unreadKey(from, to string) string {
	return fmt.Sprintf("dm:unread:%s", directionKey(from, to))
}

// Append stores a message and indexes it.
func (s *RedisStore) Append(ctx context.Context, from, to, content string) (*models.Message, error) {
	msg := &models.Message{
		ID:        ids.NewMessageID(),
		From:      from,
		To:        to,
		Content:   content,
		CreatedAt: now(),
	}

	keys := []string{seqKey, messageKey(msg.ID), conversationZKey(from, to), unreadKey(from, to)}
	seq, err := appendScript.Run(ctx, s.client, keys,
		msg.ID, from, to, content, msg.CreatedAt.UnixNano(),
	).Int64()
	if err != nil {
		return nil, unavailable("append", err)
	}

	msg.Seq = seq
	return msg, nil
}

// History retrieves the conversation between a and b.
func (s *RedisStore) History(ctx context.Context, a, b string) ([]models.Message, error) {
	msgIDs, err := s.client.ZRange(ctx, conversationZKey(a, b), 0, -1).Result()
	if err != nil {
		return nil, unavailable("history", err)
	}
	if len(msgIDs) == 0 {
		return []models.Message{}, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(msgIDs))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range msgIDs {
			cmds[i] = pipe.HGetAll(ctx, messageKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, unavailable("history", err)
	}

	messages := make([]models.Message, 0, len(cmds))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		msg, err := decodeMessageHash(fields)
		if err != nil {
			return nil, unavailable("history", err)
		}
		messages = append(messages, msg)
	}

	sortConversation(messages)
	return messages, nil
}

// decodeMessageHash converts HGETALL output into a Message.
func decodeMessageHash(fields map[string]string) (models.Message, error) {
	createdAt, err := strconv.ParseInt(fields["created_at"], 10, 64)
	if err != nil {
		return models.Message{}, fmt.Errorf("created_at: %w", err)
	}
	seq, err := strconv.ParseInt(fields["seq"], 10, 64)
	if err != nil {
		return models.Message{}, fmt.Errorf("seq: %w", err)
	}

	return models.Message{
		ID:        fields["id"],
		From:      fields["from"],
		To:        fields["to"],
		Content:   fields["content"],
		CreatedAt: time.Unix(0, createdAt).UTC(),
		Read:      fields["read"] == "1",
		Seq:       seq,
	}, nil
}

// MarkRead sets read on every unread message from -> to.
func (s *RedisStore) MarkRead(ctx context.Context, from, to string) (int64, error) {
	n, err := markReadScript.Run(ctx, s.client, []string{unreadKey(from, to)}, messagePrefix).Int64()
	if err != nil {
		return 0, unavailable("mark read", err)
	}
	return n, nil
}

// CountMessages returns the total number of stored messages. Messages are
// never deleted, so the sequence counter is the count.
func (s *RedisStore) CountMessages(ctx context.Context) (int64, error) {
	count, err := s.client.Get(ctx, seqKey).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, unavailable("count", err)
	}
	return count, nil
}

// UnreadCount returns how many messages from -> to are still unread.
func (s *RedisStore) UnreadCount(ctx context.Context, from, to string) (int64, error) {
	count, err := s.client.SCard(ctx, unreadKey(from, to)).Result()
	if err != nil {
		return 0, unavailable("unread count", err)
	}
	return count, nil
}
