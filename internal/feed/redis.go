package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"boardsync/internal/board"
	"boardsync/internal/domain"
)

const DefaultChannelPrefix = "boardsync:items"

// Redis publishes item events on one pub/sub channel per project.
type Redis struct {
	client *redis.Client
	prefix string
	Logger *log.Logger
}

func NewRedis(redisURL, prefix string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisWithClient(client, prefix), nil
}

func NewRedisWithClient(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) Channel(projectID string) string {
	return r.prefix + ":" + projectID
}

func (r *Redis) Publish(ctx context.Context, evt domain.ItemEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal item event: %w", err)
	}
	if err := r.client.Publish(ctx, r.Channel(evt.ProjectID), data).Err(); err != nil {
		return fmt.Errorf("publish item event: %w", err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, projectID string) (board.Subscription, error) {
	ps := r.client.Subscribe(ctx, r.Channel(projectID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", r.Channel(projectID), err)
	}
	sub := &redisSub{
		ps:   ps,
		out:  make(chan domain.ItemEvent, defaultBuffer),
		done: make(chan struct{}),
	}
	go sub.pump(ctx, r.logf)
	return sub, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) logf(format string, args ...any) {
	if r.Logger != nil {
		r.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

type redisSub struct {
	ps   *redis.PubSub
	out  chan domain.ItemEvent
	done chan struct{}
	once sync.Once
	err  error
}

func (s *redisSub) Events() <-chan domain.ItemEvent { return s.out }

func (s *redisSub) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.err = s.ps.Close()
	})
	return s.err
}

func (s *redisSub) pump(ctx context.Context, logf func(string, ...any)) {
	defer close(s.out)
	msgs := s.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			_ = s.Close()
			return
		case <-s.done:
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var evt domain.ItemEvent
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				logf("feed: drop malformed message on %s: %v", msg.Channel, err)
				continue
			}
			select {
			case s.out <- evt:
			case <-s.done:
				return
			}
		}
	}
}
