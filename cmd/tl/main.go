package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"traceline/internal/config"
	"traceline/internal/db"
	"traceline/internal/domain"
	"traceline/internal/engine"
	"traceline/internal/migrate"
	"traceline/internal/projector"
	"traceline/internal/repo"
	"traceline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "tl",
	Short: "Traceline CLI",
	Long: `Traceline correlates a stream of activity events into live per-session trees.
Concepts:
- Workspace: your .traceline directory holding the database; config lives in traceline.yml.
- Session: one run of an agent; events are attributed to it, by hint or by recency.
- Event: one unit of activity (tool call, delegation, spawn) with a status that only moves forward.
- Tree: events link to parents, in any arrival order; counters roll up to every ancestor.
- Correlation: a rendezvous between an externally issued task id and your own event id.
- Live feed: 'tl tree --follow' or GET /sessions/{id}/live replays changes from any revision.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TRACELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("agent-id", "", "agent identifier attached to new sessions")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("agent-id", rootCmd.PersistentFlags().Lookup("agent-id"))
}

func registerCommands() {
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(eventCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(treeCmd())
	rootCmd.AddCommand(correlateCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(recountCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(serveCmd())
}

func ingestCmd() *cobra.Command {
	var opts engine.PutOptions
	var contextJSON string
	var duration float64
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest or merge one activity event",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Kind == "" && opts.ID == "" {
				return fmt.Errorf("--kind required for a new event")
			}
			opts.Agent = viper.GetString("agent-id")
			if cmd.Flags().Changed("duration") {
				opts.DurationSecs = &duration
			}
			if contextJSON != "" {
				ec, err := domain.DecodeContext(contextJSON)
				if err != nil {
					return err
				}
				opts.Context = ec
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				evt, err := e.Put(ctx, opts)
				if err != nil {
					return err
				}
				return printJSON(evt)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "event id (resubmit to merge)")
	cmd.Flags().StringVar(&opts.SessionID, "session", "", "session id")
	cmd.Flags().StringVar(&opts.SessionHint, "session-hint", "", "session attribution hint")
	cmd.Flags().StringVar(&opts.ParentID, "parent", "", "parent event id")
	cmd.Flags().StringVar(&opts.Kind, "kind", "", "event kind")
	cmd.Flags().StringVar(&opts.Status, "status", "", "recorded|running|completed|failed")
	cmd.Flags().StringVar(&opts.StartedAt, "started", "", "start timestamp (RFC3339)")
	cmd.Flags().StringVar(&opts.EndedAt, "ended", "", "end timestamp (RFC3339)")
	cmd.Flags().Float64Var(&duration, "duration", 0, "duration in seconds")
	cmd.Flags().StringVar(&contextJSON, "context", "", "context payload as JSON")
	return cmd
}

func eventCmd() *cobra.Command {
	evt := &cobra.Command{Use: "event", Short: "Inspect events"}
	evt.AddCommand(eventShowCmd())
	evt.AddCommand(eventChildrenCmd())
	return evt
}

func eventShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				e, err := r.GetEvent(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(e)
			})
		},
	}
	return cmd
}

func eventChildrenCmd() *cobra.Command {
	var deep bool
	cmd := &cobra.Command{
		Use:   "children <id>",
		Short: "List children of an event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				var items []domain.Event
				var err error
				if deep {
					items, err = r.Descendants(ctx, args[0])
				} else {
					items, err = r.Children(ctx, args[0])
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(items, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "Kind", "Status", "Session", "Duration"})
					for _, e := range items {
						tw.AppendRow(table.Row{e.ID, e.Kind, e.Status, e.SessionID, formatDuration(e.DurationSecs)})
					}
				})
			})
		},
	}
	cmd.Flags().BoolVar(&deep, "deep", false, "include the full subtree")
	return cmd
}

func sessionCmd() *cobra.Command {
	sess := &cobra.Command{Use: "session", Short: "Manage sessions"}
	sess.AddCommand(sessionListCmd())
	sess.AddCommand(sessionEndCmd())
	sess.AddCommand(sessionAdoptCmd())
	return sess
}

func sessionListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListSessions(ctx, status)
				if err != nil {
					return err
				}
				return printJSONOrTable(items, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "Agent", "Status", "Last Active"})
					for _, s := range items {
						tw.AppendRow(table.Row{s.ID, s.Agent, s.Status, s.LastActiveAt})
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (active|ended)")
	return cmd
}

func sessionEndCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "end <id>",
		Short: "End a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				s, err := e.EndSession(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(s)
			})
		},
	}
	return cmd
}

func sessionAdoptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "adopt-orphans <id>",
		Short: "Re-attribute unattributed events to a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				moved, err := e.AdoptOrphans(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("adopted %d event(s)\n", moved)
				return nil
			})
		},
	}
	return cmd
}

func treeCmd() *cobra.Command {
	var follow bool
	var from int64
	cmd := &cobra.Command{
		Use:   "tree <session-id>",
		Short: "Render a session's event tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p := projector.New(e.Repo)
				snap, err := p.TakeSnapshot(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") && !follow {
					return printJSON(snap)
				}
				fmt.Printf("Session %s (revision %d)\n", snap.SessionID, snap.Revision)
				for i, root := range snap.Roots {
					printEventTree(root, "", i == len(snap.Roots)-1)
				}
				if !follow {
					return nil
				}
				resume := snap.Revision
				if cmd.Flags().Changed("from") {
					resume = from
				}
				sub := p.Subscribe(args[0], resume)
				defer p.Unsubscribe(sub)
				go p.Run(ctx)
				for {
					select {
					case <-ctx.Done():
						return nil
					case n, ok := <-sub.C:
						if !ok {
							return nil
						}
						fmt.Printf("[%d] %s %s\n", n.Revision, n.Kind, n.EventID)
					}
				}
			})
		},
	}
	cmd.Flags().BoolVar(&follow, "follow", false, "keep printing changes as they arrive")
	cmd.Flags().Int64Var(&from, "from", 0, "resume the follow feed from this revision")
	return cmd
}

func correlateCmd() *cobra.Command {
	corr := &cobra.Command{Use: "correlate", Short: "Map external task ids to events"}
	corr.AddCommand(correlateRecordCmd())
	corr.AddCommand(correlateLookupCmd())
	return corr
}

func correlateRecordCmd() *cobra.Command {
	var externalID, eventID string
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record an external id for an event",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				c, err := e.RecordExternal(ctx, externalID, eventID)
				if err != nil {
					return err
				}
				return printJSON(c)
			})
		},
	}
	cmd.Flags().StringVar(&externalID, "external-id", "", "externally issued id")
	cmd.Flags().StringVar(&eventID, "event-id", "", "event id")
	return cmd
}

func correlateLookupCmd() *cobra.Command {
	var externalID, eventID string
	cmd := &cobra.Command{
		Use:   "lookup",
		Short: "Look up a correlation from either side",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (externalID == "") == (eventID == "") {
				return fmt.Errorf("exactly one of --external-id or --event-id required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				var c domain.Correlation
				var err error
				if externalID != "" {
					c, err = e.LookupByExternal(ctx, externalID)
				} else {
					c, err = e.LookupByInternal(ctx, eventID)
				}
				if err != nil {
					return err
				}
				return printJSON(c)
			})
		},
	}
	cmd.Flags().StringVar(&externalID, "external-id", "", "externally issued id")
	cmd.Flags().StringVar(&eventID, "event-id", "", "event id")
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Change feed"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var from int64
	var sessionID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail tree updates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				updates, err := r.UpdatesAfter(ctx, n, from, sessionID)
				if err != nil {
					return err
				}
				return printJSONOrTable(updates, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"Rev", "Time", "Session", "Event", "Change"})
					for _, u := range updates {
						tw.AppendRow(table.Row{u.ID, u.TS, u.SessionID, u.EventID, u.Change})
					}
				})
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of updates")
	cmd.Flags().Int64Var(&from, "from", 0, "start after this revision")
	cmd.Flags().StringVar(&sessionID, "session", "", "filter by session")
	return cmd
}

func recountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recount <event-id>",
		Short: "Recompute subtree counters bottom-up and compare",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				stored, err := e.Repo.GetEvent(ctx, args[0])
				if err != nil {
					return err
				}
				fresh, err := e.Recount(ctx, args[0])
				if err != nil {
					return err
				}
				out := map[string]any{
					"event_id": args[0],
					"stored":   stored.Counters,
					"computed": fresh,
					"match":    stored.Counters == fresh,
				}
				return printJSON(out)
			})
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Workspace overview",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				sessions, err := r.ListSessions(ctx, "")
				if err != nil {
					return err
				}
				rev, err := r.LatestUpdateID(ctx)
				if err != nil {
					return err
				}
				schema, err := migrate.Version(r.DB)
				if err != nil {
					return err
				}
				active := 0
				for _, s := range sessions {
					if s.Status == domain.SessionActive {
						active++
					}
				}
				out := map[string]any{
					"sessions":        len(sessions),
					"active_sessions": active,
					"revision":        rev,
					"schema_version":  schema,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Sessions: %d (%d active)\n", len(sessions), active)
				fmt.Printf("Revision: %d\n", rev)
				fmt.Printf("Schema:   %d\n", schema)
				return nil
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			p := projector.New(e.Repo)
			p.Interval = cfg.Feed.PollInterval
			p.Buffer = cfg.Feed.Buffer
			e.Notify = p.Wake

			runCtx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			go p.Run(runCtx)
			if cfg.Resolution.ReapIdleAfter > 0 {
				go reapLoop(runCtx, e, cfg.Resolution.ReapIdleAfter)
			}

			handler, err := server.New(server.Config{
				Engine:    e,
				Projector: p,
				BasePath:  basePath,
				Auth:      server.AuthConfig{JWTSecret: os.Getenv("TRACELINE_JWT_SECRET")},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Traceline API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func reapLoop(ctx context.Context, e *engine.Engine, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.ReapIdleSessions(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "reap: %v\n", err)
			}
		}
	}
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg))
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any, fill func(table.Writer)) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	fill(tw)
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printEventTree(n *domain.TreeNode, prefix string, last bool) {
	connector := "├── "
	newPrefix := prefix + "│   "
	if last {
		connector = "└── "
		newPrefix = prefix + "    "
	}
	label := n.Event.Kind
	if n.Event.Context != nil && n.Event.Context.Type != "" {
		label = fmt.Sprintf("%s/%s", n.Event.Kind, n.Event.Context.Type)
	}
	fmt.Printf("%s%s%s %s [%s]%s\n", prefix, connector, label, n.Event.ID, n.Event.Status, counterSuffix(n.Event))
	for i, c := range n.Children {
		printEventTree(c, newPrefix, i == len(n.Children)-1)
	}
}

func counterSuffix(e domain.Event) string {
	if e.Counters.IsZero() {
		return ""
	}
	return fmt.Sprintf(" (%d desc, %.2fs, %d ok, %d err)",
		e.Counters.DescendantCount, e.Counters.TotalDurationSecs, e.Counters.SuccessCount, e.Counters.ErrorCount)
}

func formatDuration(d *float64) string {
	if d == nil {
		return ""
	}
	return fmt.Sprintf("%.2fs", *d)
}
