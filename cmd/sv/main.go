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

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"storyvote/internal/app"
	"storyvote/internal/config"
	"storyvote/internal/db"
	"storyvote/internal/domain"
	"storyvote/internal/engine"
	"storyvote/internal/repo"
	"storyvote/internal/scheduler"
	"storyvote/internal/server"
	"storyvote/internal/social"
	"storyvote/internal/story"
	"storyvote/internal/tally"
)

var rootCmd = &cobra.Command{
	Use:   "sv",
	Short: "Storyvote CLI",
	Long: `Storyvote runs community-voted interactive stories in rounds.
A story is a graph of nodes and choices; each round the community votes by
reacting to published choice posts, and when the round timer fires the
highest-scoring choice advances the game to the next node. Terminal nodes
end the game with a recap of the path taken.

Workspace: a .storyvote directory next to storyvote.yml holding the database.
Start the scheduler and operator API with 'sv serve'.`,
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
	viper.SetEnvPrefix("STORYVOTE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("game", "", "game id (defaults to the single active game)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("game", rootCmd.PersistentFlags().Lookup("game"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(storyCmd())
	rootCmd.AddCommand(gameCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				fmt.Printf("config already present at %s\n", path)
				return nil
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func storyCmd() *cobra.Command {
	st := &cobra.Command{
		Use:   "story",
		Short: "Manage stories",
		Long:  "Stories are YAML graphs of nodes and choices. Validate checks structure without storing; import validates and stores the story for games to run on.",
	}
	st.AddCommand(storyValidateCmd())
	st.AddCommand(storyImportCmd())
	st.AddCommand(storyListCmd())
	return st
}

func storyValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a story YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := story.FromFile(args[0])
			if err != nil {
				return err
			}
			_, rep := story.Validate(g)
			if viper.GetBool("json") {
				return printJSON(map[string]any{
					"valid":    rep.OK(),
					"errors":   rep.Errors,
					"warnings": rep.Warnings,
				})
			}
			for _, w := range rep.Warnings {
				fmt.Println("warning:", w)
			}
			if !rep.OK() {
				for _, e := range rep.Errors {
					fmt.Println("error:", e.Error())
				}
				return fmt.Errorf("story invalid: %d error(s)", len(rep.Errors))
			}
			fmt.Printf("story OK: %q, %d nodes\n", g.Title, len(g.Nodes))
			return nil
		},
	}
	return cmd
}

func storyImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Validate and store a story",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := story.FromFile(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				id, rep, err := e.ImportStory(ctx, g, viper.GetString("actor-id"))
				if err != nil {
					for _, ve := range rep.Errors {
						fmt.Println("error:", ve.Error())
					}
					return err
				}
				for _, w := range rep.Warnings {
					fmt.Println("warning:", w)
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"story_id": id, "warnings": rep.Warnings})
				}
				fmt.Printf("imported story %s\n", id)
				return nil
			})
		},
	}
	return cmd
}

func storyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored stories",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListStories(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title"})
				for id, title := range items {
					tw.AppendRow(table.Row{id, title})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func gameCmd() *cobra.Command {
	g := &cobra.Command{
		Use:   "game",
		Short: "Manage games",
		Long:  "Games run a stored story round by round. The scheduler (sv serve) fires round deadlines; advance forces an explicit choice by hand.",
	}
	g.AddCommand(gameStartCmd())
	g.AddCommand(gameListCmd())
	g.AddCommand(gameStatusCmd())
	g.AddCommand(gameAdvanceCmd())
	g.AddCommand(gameResetCmd())
	g.AddCommand(gameFireCmd())
	return g
}

func gameStartCmd() *cobra.Command {
	var opts engine.StartOptions
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a game on a stored story",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.StoryID == "" {
				return fmt.Errorf("--story required")
			}
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				state, err := e.StartGame(ctx, opts)
				if err != nil {
					return err
				}
				if !viper.GetBool("json") {
					fmt.Printf("game %s started at node %s; run 'sv serve' to arm the round timer\n", state.GameID, state.CurrentNodeID)
				}
				return printJSONOrTable(state)
			})
		},
	}
	cmd.Flags().StringVar(&opts.StoryID, "story", "", "story id")
	cmd.Flags().StringVar(&opts.GameID, "id", "", "game id (optional, UUID if omitted)")
	cmd.Flags().IntVar(&opts.RoundDuration, "round-duration", 0, "round duration (hours, or minutes when accelerated; defaults to config)")
	cmd.Flags().BoolVar(&opts.Accelerated, "accelerated", false, "accelerated mode (round duration in minutes)")
	_ = cmd.MarkFlagRequired("story")
	return cmd
}

func gameListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List games",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				games, err := e.Repo.ListGames(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(games)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Story", "Status", "Round", "Node", "Deadline"})
				for _, g := range games {
					deadline := ""
					if g.Active() {
						deadline = g.Deadline().Format(time.RFC3339)
					}
					tw.AppendRow(table.Row{g.GameID, g.StoryID, g.Status, g.RoundNumber, g.CurrentNodeID, deadline})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func gameStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show game status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				state, err := app.ResolveGame(ctx, viper.GetString("game"), e.Repo)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					rem := int64(e.TimeRemaining(state).Seconds())
					return printJSON(map[string]any{
						"state":                  state,
						"round_deadline":         state.Deadline().Format(time.RFC3339),
						"time_remaining_seconds": rem,
						"expired":                e.IsExpired(state),
					})
				}
				fmt.Printf("Game: %s (%s)\n", state.GameID, state.Status)
				fmt.Printf("Story: %s\n", state.StoryID)
				fmt.Printf("Round %d at node %s\n", state.RoundNumber, state.CurrentNodeID)
				fmt.Printf("Path: %s\n", strings.Join(state.Path, " -> "))
				if state.Active() {
					if e.IsExpired(state) {
						fmt.Println("Round deadline passed; awaiting firing")
					} else {
						fmt.Printf("Time remaining: %s\n", e.TimeRemaining(state).Round(time.Second))
					}
				}
				return nil
			})
		},
	}
	return cmd
}

func gameAdvanceCmd() *cobra.Command {
	var choiceID string
	cmd := &cobra.Command{
		Use:   "advance",
		Short: "Advance along an explicit choice",
		RunE: func(cmd *cobra.Command, args []string) error {
			if choiceID == "" {
				return fmt.Errorf("--choice required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				state, err := app.ResolveGame(ctx, viper.GetString("game"), e.Repo)
				if err != nil {
					return err
				}
				next, node, err := e.Advance(ctx, state.GameID, choiceID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if node.Terminal {
					next, err = e.FinalizeGame(ctx, next.GameID, viper.GetString("actor-id"))
					if err != nil {
						return err
					}
					if !viper.GetBool("json") {
						fmt.Printf("reached terminal node %s; game completed\n", node.ID)
					}
				}
				return printJSONOrTable(next)
			})
		},
	}
	cmd.Flags().StringVar(&choiceID, "choice", "", "choice id on the current node")
	_ = cmd.MarkFlagRequired("choice")
	return cmd
}

func gameResetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Reset an active game to its start node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				state, err := app.ResolveGame(ctx, viper.GetString("game"), e.Repo)
				if err != nil {
					return err
				}
				res, err := e.Reset(ctx, state.GameID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	return cmd
}

func gameFireCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fire",
		Short: "Fire the current round now (tally votes and advance)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				state, err := app.ResolveGame(ctx, viper.GetString("game"), e.Repo)
				if err != nil {
					return err
				}
				client := social.New(e.Config)
				sched := scheduler.New(e, tally.Engine{Scores: client, Attempts: e.Config.Tally.FetchAttempts}, client)
				res := sched.Fire(cmd.Context(), state.GameID, state.RoundNumber)
				return printJSONOrTable(res)
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: imports, round advances, rollbacks, timer activity.",
	}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var after int64
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.EventsAfter(ctx, n, after, viper.GetString("game"))
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().Int64Var(&after, "after", 0, "only events with id greater than this")
	return cmd
}

func apikeyCmd() *cobra.Command {
	ak := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for the HTTP API",
	}
	ak.AddCommand(apikeyCreateCmd())
	ak.AddCommand(apikeyListCmd())
	ak.AddCommand(apikeyDeleteCmd())
	return ak
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				raw := uuid.NewString()
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   viper.GetString("actor-id"),
					Name:      name,
					KeyHash:   repo.HashAPIKey(raw),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "key": raw})
				}
				fmt.Printf("api key %s created\nkey (shown once): %s\n", key.ID, raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, "")
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devTokens bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the round scheduler and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			e, err := app.Open(workspace)
			if err != nil {
				return err
			}
			defer e.DB.Close()
			client := social.New(e.Config)
			sched := scheduler.New(e, tally.Engine{Scores: client, Attempts: e.Config.Tally.FetchAttempts}, client)
			if err := sched.Resume(cmd.Context()); err != nil {
				return err
			}
			authCfg := server.AuthConfig{
				JWTSecret: os.Getenv("STORYVOTE_JWT_SECRET"),
				DevTokens: devTokens,
			}
			if authCfg.JWTSecret == "" && devTokens {
				return fmt.Errorf("STORYVOTE_JWT_SECRET is required when dev tokens are enabled")
			}
			handler, err := server.New(server.Config{Engine: e, Scheduler: sched, BasePath: basePath, Auth: authCfg})
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
			fmt.Printf("Serving Storyvote API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&devTokens, "dev-tokens", false, "enable POST /auth/dev/login for development")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	e, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer e.DB.Close()
	return fn(ctx, e)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
