package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DeadLetterSuffix names the list that keeps envelopes a consumer could not parse.
const DeadLetterSuffix = ":dead"

// RedisQueue implements a Redis list-backed queue.
type RedisQueue struct {
	client *redis.Client
	key    string
	log    *slog.Logger
}

// NewRedisQueue builds a queue using LPUSH/BRPOP semantics.
func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = KeyClaims
	}
	return &RedisQueue{client: client, key: key, log: slog.Default()}
}

// Key returns the list the queue reads and writes.
func (q *RedisQueue) Key() string { return q.key }

// Publish enqueues a message.
func (q *RedisQueue) Publish(ctx context.Context, msg Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.key, raw).Err()
}

// Depth returns the number of waiting messages.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

// Consume streams messages using BRPOP. Unparseable envelopes are moved to the dead-letter list.
func (q *RedisQueue) Consume(ctx context.Context) (<-chan Message, error) {
	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			res, err := q.client.BRPop(ctx, 5*time.Second, q.key).Result()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if !errors.Is(err, redis.Nil) {
					q.log.Warn("queue pop failed", "key", q.key, "err", err)
					select {
					case <-time.After(time.Second):
					case <-ctx.Done():
						return
					}
				}
				continue
			}
			if len(res) != 2 {
				continue
			}
			msg, err := ParseMessage([]byte(res[1]))
			if err != nil {
				q.deadLetter(ctx, res[1], err)
				continue
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (q *RedisQueue) deadLetter(ctx context.Context, raw string, cause error) {
	dead := q.key + DeadLetterSuffix
	q.log.Warn("queue message dead-lettered", "key", q.key, "dead_letter", dead, "err", cause)
	if err := q.client.LPush(ctx, dead, raw).Err(); err != nil {
		q.log.Error("dead-letter push failed", "key", dead, "err", err)
	}
}
