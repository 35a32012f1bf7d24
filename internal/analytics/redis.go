package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/paulgrammer/githost/internal/projects"
)

const defaultRetention = 7 * 24 * time.Hour

// RedisSink counts registry events per hour in Redis. It is a
// projects.Listener.
type RedisSink struct {
	client    redis.Cmdable
	retention time.Duration
}

func NewRedisSink(client redis.Cmdable, retention time.Duration) *RedisSink {
	if retention <= 0 {
		retention = defaultRetention
	}
	return &RedisSink{client: client, retention: retention}
}

func (s *RedisSink) HandleEvent(ctx context.Context, ev projects.Event) error {
	keys := []string{
		buildKey(ev.Project.Status, ev.Type, ev.Timestamp),
		projectKey(ev.Project.ID),
	}

	pipe := s.client.Pipeline()
	pipe.Incr(ctx, keys[0])
	pipe.Expire(ctx, keys[0], s.retention)
	if ev.Type == projects.EventRemoved {
		pipe.Del(ctx, keys[1])
	} else {
		pipe.HIncrBy(ctx, keys[1], string(ev.Project.Status), 1)
		pipe.Expire(ctx, keys[1], s.retention)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

// Count reads the counter for status and event type in the hour containing at.
func (s *RedisSink) Count(ctx context.Context, status projects.Status, typ projects.EventType, at time.Time) (int64, error) {
	n, err := s.client.Get(ctx, buildKey(status, typ, at)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

func buildKey(status projects.Status, typ projects.EventType, t time.Time) string {
	return fmt.Sprintf("githost:events:%s:%s:%s", typ, status, t.UTC().Format("2006010215"))
}

func projectKey(id string) string {
	return "githost:project:" + id
}
