package main

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"boardsync/internal/app"
	"boardsync/internal/board"
	"boardsync/internal/config"
	"boardsync/internal/db"
	"boardsync/internal/domain"
	"boardsync/internal/engine"
	"boardsync/internal/feed"
	"boardsync/internal/migrate"
	"boardsync/internal/repo"
	"boardsync/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "boardctl",
	Short: "Boardsync CLI",
	Long: `Boardsync keeps a task board in sync between collaborators.
- Columns: backlog -> in_progress -> review -> completed, with blocked as a side track from review.
- Owners move their own items forward; leaders approve (completed) or send back (blocked).
- Moves apply locally at once and roll back if the server refuses them.
- Live changes arrive from the event log (poll) or Redis pub/sub.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if viper.GetString("server") != "" {
			return nil
		}
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	workspace := viper.GetString("workspace")
	if workspace == "" {
		workspace = "."
	}
	// Values already in the environment win over the workspace .env file.
	if err := godotenv.Load(filepath.Join(workspace, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "warning: read .env:", err)
	}
	viper.SetEnvPrefix("BOARDSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier")
	flags.String("project", "", "project id")
	flags.String("server", "", "API base URL; empty uses the local workspace database")
	flags.String("api-key", "", "API key for --server")
	flags.String("token", "", "bearer token for --server")
	flags.String("redis-url", "", "subscribe to the redis feed instead of polling (with --server), or configure it (config init)")
	flags.String("redis-prefix", feed.DefaultChannelPrefix, "redis channel prefix; must match the server's feed.channel_prefix")
	flags.BoolP("verbose", "v", false, "log rejected moves and dropped events")
	for _, name := range []string{"workspace", "json", "actor-id", "project", "server", "api-key", "token", "redis-url", "redis-prefix", "verbose"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(memberCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(moveCmd())
	rootCmd.AddCommand(boardCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectUseCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var id, name, file string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project and import members from board.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			var cfg *config.Config
			var err error
			if file != "" {
				cfg, err = config.FromFile(file)
			} else {
				cfg, err = config.LoadOptional(workspace)
			}
			if err != nil {
				return err
			}
			if cfg == nil {
				if id == "" {
					return fmt.Errorf("--id required when no board.yml exists")
				}
				cfg = config.Default(id)
			}
			if id != "" {
				cfg.Project.ID = id
			}
			if name != "" {
				cfg.Project.Name = name
			}
			return withDB(cmd.Context(), func(ctx context.Context, conn *dbConn) error {
				e := engine.New(conn.DB, cfg)
				if err := app.Bootstrap(ctx, e, cfg, viper.GetString("actor-id")); err != nil {
					return err
				}
				p, err := e.Repo.GetProject(ctx, cfg.Project.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id (overrides board.yml)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&file, "file", "", "path to board.yml")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), func(ctx context.Context, conn *dbConn) error {
				items, err := conn.Repo.ListProjects(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func projectUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <id>",
		Short: "Set the current project for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := strings.TrimSpace(args[0])
			if projectID == "" {
				return fmt.Errorf("project id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "BOARDSYNC_PROJECT", projectID); err != nil {
				return err
			}
			fmt.Printf("Set BOARDSYNC_PROJECT=%s in %s/.env\n", projectID, workspace)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	c := &cobra.Command{Use: "config", Short: "Manage board.yml"}
	initCmd := &cobra.Command{
		Use:   "init <project-id>",
		Short: "Write a default board.yml",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := os.Stat(config.Path(workspace)); err == nil {
				return fmt.Errorf("%s already exists", config.Path(workspace))
			}
			cfg := config.Default(args[0])
			if redisURL := viper.GetString("redis-url"); redisURL != "" {
				cfg.Feed = remoteFeedConfig()
			}
			if err := config.Write(workspace, cfg); err != nil {
				return err
			}
			fmt.Println("Wrote", config.Path(workspace))
			return nil
		},
	}
	c.AddCommand(initCmd)
	c.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate board.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			fmt.Printf("board.yml ok: project %s, %d members, %s feed\n", cfg.Project.ID, len(cfg.Members), feedBackend(cfg))
			return nil
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the project config stored in the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	})
	return c
}

func memberCmd() *cobra.Command {
	m := &cobra.Command{Use: "member", Short: "Manage project members"}
	var name, email, avatar, role string
	set := &cobra.Command{
		Use:   "set <actor-id>",
		Short: "Add or update a member (leaders only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				member, err := e.UpsertMember(ctx, engine.MemberOptions{
					ProjectID: e.Config.Project.ID,
					ActorID:   args[0],
					Name:      name,
					Email:     email,
					AvatarURL: avatar,
					Role:      role,
					By:        viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printMembers([]domain.Member{member})
			})
		},
	}
	set.Flags().StringVar(&name, "name", "", "display name")
	set.Flags().StringVar(&email, "email", "", "email")
	set.Flags().StringVar(&avatar, "avatar-url", "", "avatar URL")
	set.Flags().StringVar(&role, "role", "member", "leader or member")
	m.AddCommand(set)

	m.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List members",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				members, err := e.ListMembers(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				return printMembers(members)
			})
		},
	})

	var keyName string
	key := &cobra.Command{
		Use:   "key <actor-id>",
		Short: "Issue an API key for a member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				k, secret, err := e.CreateAPIKey(ctx, e.Config.Project.ID, args[0], keyName)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": k.ID, "actor_id": k.ActorID, "key": secret})
				}
				fmt.Printf("API key for %s (shown once): %s\n", k.ActorID, secret)
				return nil
			})
		},
	}
	key.Flags().StringVar(&keyName, "name", "", "key label")
	m.AddCommand(key)
	return m
}

func itemCmd() *cobra.Command {
	it := &cobra.Command{Use: "item", Short: "Manage board items"}
	it.AddCommand(itemCreateCmd())
	it.AddCommand(itemListCmd())
	it.AddCommand(itemUpdateCmd())
	it.AddCommand(itemDeleteCmd())
	return it
}

func itemCreateCmd() *cobra.Command {
	var opts engine.ItemCreateOptions
	var start, due string
	cmd := &cobra.Command{
		Use:   "create <title>",
		Short: "Create an item in the backlog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.ProjectID = e.Config.Project.ID
				opts.Title = args[0]
				opts.ActorID = viper.GetString("actor-id")
				opts.StartDate = optionalString(start)
				opts.DueDate = optionalString(due)
				created, err := e.CreateItem(ctx, opts)
				if err != nil {
					return err
				}
				return printItems([]domain.Item{created})
			})
		},
	}
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.IssueType, "type", "", "issue type")
	cmd.Flags().StringVar(&opts.Priority, "priority", "", "priority")
	cmd.Flags().StringVar(&opts.AssigneeID, "assignee", "", "assignee actor id")
	cmd.Flags().StringVar(&start, "start", "", "start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&due, "due", "", "due date (YYYY-MM-DD)")
	cmd.Flags().StringSliceVar(&opts.Attachments, "attach", nil, "attachment URL (repeatable)")
	return cmd
}

func itemListCmd() *cobra.Command {
	var status, assignee, search string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				filter := domain.ItemFilter{AssigneeID: assignee, Search: search}
				if status != "" {
					st, err := domain.ParseStatus(status)
					if err != nil {
						return err
					}
					filter.Status = st
				}
				items, err := e.ListItems(ctx, e.Config.Project.ID, filter)
				if err != nil {
					return err
				}
				return printItems(items)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "column filter")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee filter")
	cmd.Flags().StringVar(&search, "search", "", "title/description search")
	return cmd
}

func itemUpdateCmd() *cobra.Command {
	var title, description, issueType, priority, assignee, start, due string
	var attachments []string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Edit item fields (use 'move' to change columns)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.ItemUpdateOptions{ID: args[0], ActorID: viper.GetString("actor-id")}
			flags := cmd.Flags()
			if flags.Changed("title") {
				opts.Title = &title
			}
			if flags.Changed("description") {
				opts.Description = &description
			}
			if flags.Changed("type") {
				opts.IssueType = &issueType
			}
			if flags.Changed("priority") {
				opts.Priority = &priority
			}
			if flags.Changed("assignee") {
				opts.AssigneeID = &assignee
			}
			if flags.Changed("start") {
				opts.StartDate = &start
			}
			if flags.Changed("due") {
				opts.DueDate = &due
			}
			if flags.Changed("attach") {
				opts.Attachments = &attachments
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				updated, err := e.UpdateItem(ctx, opts)
				if err != nil {
					return err
				}
				return printItems([]domain.Item{updated})
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&issueType, "type", "", "issue type")
	cmd.Flags().StringVar(&priority, "priority", "", "priority")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee actor id; empty unassigns")
	cmd.Flags().StringVar(&start, "start", "", "start date; empty clears")
	cmd.Flags().StringVar(&due, "due", "", "due date; empty clears")
	cmd.Flags().StringSliceVar(&attachments, "attach", nil, "replace attachments")
	return cmd
}

func itemDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an item (leaders only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteItem(ctx, args[0], viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
}

func moveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "move <id> <status>",
		Short: "Move an item through an optimistic board session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			to, err := domain.ParseStatus(args[1])
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), sessionHooks{}, func(ctx context.Context, b *boardSession) error {
				if _, ok := b.Session.Item(args[0]); !ok {
					return fmt.Errorf("item %s not found", args[0])
				}
				_, decision, err := b.Session.Prepare(args[0], to)
				if err != nil {
					return err
				}
				if !decision.Approved {
					fmt.Printf("%s cannot move to %s (%s)\n", args[0], styledStatus(to), decision.Reason)
					return nil
				}
				outcome, err := b.Session.Move(ctx, args[0], to)
				if err != nil {
					return err
				}
				it, _ := b.Session.Item(args[0])
				fmt.Printf("%s: #%d %s is now %s (rank %d)\n", outcome, it.Sequence, it.Title, styledStatus(it.Status), it.Rank)
				return nil
			})
		},
	}
}

func boardCmd() *cobra.Command {
	var mine bool
	cmd := &cobra.Command{
		Use:   "board",
		Short: "Show the board by column",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), sessionHooks{}, func(ctx context.Context, b *boardSession) error {
				if mine {
					actor := b.Session.Actor().ID
					b.Session.SetFilter(func(it domain.Item) bool { return it.Assignee.ID() == actor })
				}
				return printBoard(b.Session)
			})
		},
	}
	cmd.Flags().BoolVar(&mine, "mine", false, "only items assigned to the current actor")
	return cmd
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Open a live session and print changes until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			var current atomic.Pointer[board.Session]
			hooks := sessionHooks{
				OnChange: func(c board.Change) {
					if s := current.Load(); s != nil {
						fmt.Printf("%s %s\n", time.Now().Format("15:04:05"), describeChange(s, c))
					}
				},
			}
			return withSession(cmd.Context(), hooks, func(ctx context.Context, opened *boardSession) error {
				current.Store(opened.Session)
				fmt.Printf("watching %s as %s (%s feed); Ctrl-C to stop\n", opened.Session.ProjectID(), opened.Session.Actor().ID, opened.FeedName)
				if err := printBoard(opened.Session); err != nil {
					return err
				}
				<-ctx.Done()
				return nil
			})
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show column counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				counts, err := e.Repo.CountItemsByStatus(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(counts)
				}
				current, latest, err := migrate.Check(ctx, e.DB)
				if err != nil {
					return err
				}
				fmt.Printf("Project: %s (schema v%d of v%d)\n", e.Config.Project.ID, current, latest)
				for _, st := range domain.Statuses {
					fmt.Printf("  %-12s %d\n", styledStatus(st), counts[st])
				}
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	var after int64
	var n int
	l := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	tail := &cobra.Command{
		Use:   "tail",
		Short: "List events after a cursor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.EventLog(ctx, e.Config.Project.ID, after, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	tail.Flags().Int64Var(&after, "after", 0, "event id cursor")
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	l.AddCommand(tail)
	return l
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cfg := e.Config
				if !cmd.Flags().Changed("addr") && cfg.Server.Addr != "" {
					addr = cfg.Server.Addr
				}
				if !cmd.Flags().Changed("base-path") && cfg.Server.BasePath != "" {
					basePath = cfg.Server.BasePath
				}
				authCfg := server.AuthConfig{
					JWTSecret:        firstNonEmpty(os.Getenv("BOARDSYNC_JWT_SECRET"), cfg.Server.JWTSecret),
					AllowActorHeader: cfg.Server.AllowActorHeader,
					Logger:           log.New(os.Stderr, "", log.LstdFlags),
				}
				if authCfg.JWTSecret == "" && !authCfg.AllowActorHeader {
					return fmt.Errorf("BOARDSYNC_JWT_SECRET is required when the actor header is disabled")
				}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Boardsync API on http://%s%s (%s feed, OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, feedBackend(cfg), basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

// --- helpers ---

type dbConn struct {
	DB   *sql.DB
	Repo repo.Repo
}

func withDB(ctx context.Context, fn func(context.Context, *dbConn) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(ctx, conn); err != nil {
		return err
	}
	return fn(ctx, &dbConn{DB: conn, Repo: repo.Repo{DB: conn}})
}

// withEngine opens the workspace database and an engine for the active
// project. With the redis feed configured, committed mutations are
// published there as well.
func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withDB(ctx, func(ctx context.Context, conn *dbConn) error {
		_, cfg, err := app.ResolveProjectAndConfig(ctx, conn.Repo, viper.GetString("project"))
		if err != nil {
			return err
		}
		e := engine.New(conn.DB, cfg)
		if viper.GetBool("verbose") {
			e.Logger = log.New(os.Stderr, "", log.LstdFlags)
		}
		if cfg.Feed.Backend == config.FeedRedis {
			r, err := feed.NewRedis(cfg.Feed.RedisURL, cfg.Feed.ChannelPrefix)
			if err != nil {
				return err
			}
			defer r.Close()
			e.Publisher = r
		}
		return fn(ctx, e)
	})
}

func feedBackend(cfg *config.Config) string {
	if cfg.Feed.Backend == "" {
		return config.FeedPoll
	}
	return cfg.Feed.Backend
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
