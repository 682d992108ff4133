package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/spf13/viper"

	"boardsync/internal/board"
	"boardsync/internal/config"
	"boardsync/internal/domain"
	"boardsync/internal/engine"
	"boardsync/internal/feed"
	boardsdk "boardsync/sdk/go"
)

type sessionHooks struct {
	OnChange func(board.Change)
}

type boardSession struct {
	Session  *board.Session
	FeedName string
}

// sessionBackend is what a board session needs from either the local
// database or a remote server.
type sessionBackend struct {
	projectID   string
	persistence board.Persistence
	fetcher     board.Fetcher
	feed        board.Feed
	feedName    string
	members     []domain.Member
	closers     []func() error
}

func (b *sessionBackend) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

// localMover writes moves through the engine as the CLI actor.
type localMover struct {
	engine  engine.Engine
	actorID string
}

func (m localMover) MoveItem(ctx context.Context, id string, status domain.Status, rank int, _ *string) (domain.Item, error) {
	return m.engine.MoveItem(ctx, engine.MoveOptions{ID: id, Status: status, Rank: &rank, ActorID: m.actorID})
}

// withSession opens a board session for the active project, runs fn and
// closes the session. --server selects the HTTP API, otherwise the
// workspace database is used directly.
func withSession(ctx context.Context, hooks sessionHooks, fn func(context.Context, *boardSession) error) error {
	actorID := viper.GetString("actor-id")
	run := func(b *sessionBackend) error {
		defer b.close()
		role := domain.Role("")
		for _, m := range b.members {
			if m.ActorID == actorID {
				role = m.Role
			}
		}
		if role == "" {
			return fmt.Errorf("%s is not a member of project %s", actorID, b.projectID)
		}
		var logger *log.Logger
		if viper.GetBool("verbose") {
			logger = log.New(os.Stderr, "", log.LstdFlags)
		}
		s, err := board.NewSession(board.Options{
			ProjectID:   b.projectID,
			Actor:       board.Actor{ID: actorID, Role: role},
			Persistence: b.persistence,
			Fetcher:     b.fetcher,
			Feed:        b.feed,
			Profiles:    board.NewDirectory(b.members),
			Notifier:    stderrNotifier{},
			Logger:      logger,
			Verbose:     logger != nil,
			OnChange:    hooks.OnChange,
		})
		if err != nil {
			return err
		}
		if err := s.Open(ctx); err != nil {
			return err
		}
		defer s.Close()
		return fn(ctx, &boardSession{Session: s, FeedName: b.feedName})
	}

	if serverURL := viper.GetString("server"); serverURL != "" {
		b, err := remoteBackend(ctx, serverURL, actorID)
		if err != nil {
			return err
		}
		return run(b)
	}
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		b, err := localBackend(ctx, e, actorID)
		if err != nil {
			return err
		}
		return run(b)
	})
}

func localBackend(ctx context.Context, e engine.Engine, actorID string) (*sessionBackend, error) {
	projectID := e.Config.Project.ID
	members, err := e.ListMembers(ctx, projectID)
	if err != nil {
		return nil, err
	}
	b := &sessionBackend{
		projectID:   projectID,
		persistence: localMover{engine: e, actorID: actorID},
		fetcher:     e,
		members:     members,
	}
	if err := attachFeed(b, e.Config.Feed, e.Repo); err != nil {
		return nil, err
	}
	return b, nil
}

func remoteBackend(ctx context.Context, serverURL, actorID string) (*sessionBackend, error) {
	projectID := viper.GetString("project")
	if projectID == "" {
		return nil, fmt.Errorf("--project (or BOARDSYNC_PROJECT) is required with --server")
	}
	client := boardsdk.New(serverURL, projectID)
	client.APIKey = viper.GetString("api-key")
	client.BearerToken = viper.GetString("token")
	client.ActorID = actorID
	members, err := client.ListMembers(ctx)
	if err != nil {
		return nil, err
	}
	b := &sessionBackend{
		projectID:   projectID,
		persistence: client,
		fetcher:     client,
		members:     members,
	}
	if err := attachFeed(b, remoteFeedConfig(), client); err != nil {
		return nil, err
	}
	return b, nil
}

func attachFeed(b *sessionBackend, cfg config.FeedConfig, source feed.EventSource) error {
	if cfg.Backend == config.FeedRedis {
		r, err := feed.NewRedis(cfg.RedisURL, cfg.ChannelPrefix)
		if err != nil {
			return err
		}
		b.feed = r
		b.feedName = config.FeedRedis
		b.closers = append(b.closers, r.Close)
		return nil
	}
	b.feed = &feed.Poller{Source: source, Interval: cfg.PollInterval(), Batch: cfg.Batch}
	b.feedName = config.FeedPoll
	return nil
}

// remoteFeedConfig picks the feed from --redis-url and --redis-prefix,
// falling back to polling the server's event log.
func remoteFeedConfig() config.FeedConfig {
	redisURL := viper.GetString("redis-url")
	if redisURL == "" {
		return config.FeedConfig{Backend: config.FeedPoll}
	}
	return config.FeedConfig{
		Backend:       config.FeedRedis,
		RedisURL:      redisURL,
		ChannelPrefix: viper.GetString("redis-prefix"),
	}
}
