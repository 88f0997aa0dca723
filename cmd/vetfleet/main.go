package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"vetfleet/internal/app"
	"vetfleet/internal/config"
	"vetfleet/internal/db"
	"vetfleet/internal/domain"
	"vetfleet/internal/logging"
	"vetfleet/internal/repo"
	"vetfleet/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "vetfleet",
	Short: "Vetfleet agent fleet CLI",
	Long: `Vetfleet runs a fleet of workforce agents whose suggestions flow through one approval pipeline.
- Proposals: every agent action is first written as a pending proposal.
- Supervisor: sweeps pending proposals, auto-approves the safe ones, routes the rest to managers or admins and watches fleet health.
- Appliers: execute the side effect of an approved proposal exactly once and mark it applied.
- Runs: each agent execution is recorded with its tokens, cost and outcome.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logging.New(os.Stderr, viper.GetString("log-level"), viper.GetString("log-format"))
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("VETFLEET")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	pf := rootCmd.PersistentFlags()
	pf.StringP("workspace", "w", ".", "workspace directory")
	pf.String("config", "", "config file (default <workspace>/vetfleet.yml)")
	pf.Bool("json", false, "output JSON")
	pf.String("actor-id", "local-admin", "actor identifier")
	pf.String("dsn", "", "database DSN (overrides config)")
	pf.String("log-level", "", "log level (overrides config)")
	pf.String("log-format", "", "log format text|json (overrides config)")
	for _, name := range []string{"workspace", "config", "json", "actor-id", "dsn", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, pf.Lookup(name))
	}
	// Secrets come from the environment only.
	for _, key := range []string{"llm-api-key", "slack-token", "jwt-secret", "redis-addr"} {
		_ = viper.BindEnv(key)
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(superviseCmd())
	rootCmd.AddCommand(applySweepCmd())
	rootCmd.AddCommand(dispatchCmd())
	rootCmd.AddCommand(deliverCmd())
	rootCmd.AddCommand(agentsCmd())
	rootCmd.AddCommand(proposalsCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(keysCmd())
}

// loadConfig reads the config file and layers flag and environment overrides
// on top of it.
func loadConfig() (*config.Config, error) {
	workspace := viper.GetString("workspace")
	var cfg *config.Config
	var err error
	if path := viper.GetString("config"); path != "" {
		cfg, err = config.FromFile(path)
	} else {
		cfg, err = config.LoadOptional(workspace)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Database.Workspace == "" || cfg.Database.Workspace == "." {
		cfg.Database.Workspace = workspace
	}
	if v := viper.GetString("dsn"); v != "" {
		cfg.Database.DSN = v
	}
	if v := viper.GetString("llm-api-key"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := viper.GetString("slack-token"); v != "" {
		cfg.Notify.SlackToken = v
	}
	if v := viper.GetString("jwt-secret"); v != "" {
		cfg.Server.JWTSecret = v
	}
	if v := viper.GetString("redis-addr"); v != "" {
		cfg.Notify.RedisAddr = v
	}
	if v := viper.GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if v := viper.GetString("log-format"); v != "" {
		cfg.Log.Format = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	return cfg, nil
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, cfg)
	if err != nil {
		return err
	}
	runErr := fn(ctx, a)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return errors.Join(runErr, a.Close(shutdownCtx))
}

func actorID() string {
	return viper.GetString("actor-id")
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a workspace with a default vetfleet.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			fmt.Println("Next: vetfleet agents seed, then vetfleet serve")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noWorkers bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the background sweeps",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if a.Config.Server.JWTSecret == "" {
					return fmt.Errorf("VETFLEET_JWT_SECRET is required for bearer auth")
				}
				if addr == "" {
					addr = a.Config.Server.Addr
				}
				if basePath == "" {
					basePath = a.Config.Server.BasePath
				}
				handler, err := server.New(server.Config{
					App:      a,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: a.Config.Server.JWTSecret},
				})
				if err != nil {
					return err
				}
				if !noWorkers {
					server.NewWorkers(a).Start(ctx)
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Vetfleet API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	cmd.Flags().BoolVar(&noWorkers, "no-workers", false, "serve the API without the background sweeps")
	return cmd
}

func superviseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "supervise",
		Short: "Run one supervisor sweep now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Harness.Execute(ctx, a.Config.Supervisor.AgentID, domain.TriggerManual, "cli:"+actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Println(res.Summary)
				return nil
			})
		},
	}
}

func applySweepCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "apply-sweep",
		Short: "Apply approved and auto-approved proposals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if limit <= 0 {
					limit = a.Config.Appliers.BatchSize
				}
				n := a.Appliers.ProcessApproved(ctx, limit)
				if viper.GetBool("json") {
					return printJSON(map[string]int{"applied": n})
				}
				fmt.Printf("Applied %d proposal(s)\n", n)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "max proposals per sweep (default from config)")
	return cmd
}

func dispatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch",
		Short: "Run every agent whose schedule is due",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Dispatcher.Tick(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Checked %d agent(s), %d due\n", res.AgentsChecked, res.AgentsDue)
				if len(res.Outcomes) == 0 {
					return nil
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Agent", "Status", "Error"})
				for _, o := range res.Outcomes {
					tw.AppendRow(table.Row{o.AgentID, o.Status, o.Error})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func deliverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deliver",
		Short: "Deliver one batch of queued Slack notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Deliverer.Run(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Sent %d, retrying %d, failed %d\n", res.Sent, res.Retried, res.Failed)
				return nil
			})
		},
	}
}

func keysCmd() *cobra.Command {
	keys := &cobra.Command{Use: "keys", Short: "Manage API keys"}
	keys.AddCommand(keysCreateCmd())
	keys.AddCommand(keysListCmd())
	keys.AddCommand(keysRevokeCmd())
	return keys
}

func keysListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys (hashes are never shown)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor filter")
	return cmd
}

func keysRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Repo.DeleteAPIKey(ctx, args[0]); err != nil {
					if errors.Is(err, repo.ErrNotFound) {
						return fmt.Errorf("api key %s not found", args[0])
					}
					return err
				}
				fmt.Printf("Revoked %s\n", args[0])
				return nil
			})
		},
	}
}

func keysCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for an actor; the key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				return fmt.Errorf("--actor required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				raw, err := newAPIKey()
				if err != nil {
					return err
				}
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   actor,
					Name:      name,
					KeyHash:   repo.HashAPIKey(raw),
					CreatedAt: domain.FormatTime(time.Now()),
				}
				if err := a.Repo.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "actor_id": actor, "key": raw})
				}
				fmt.Printf("Key %s for %s: %s\n", key.ID, actor, raw)
				fmt.Println("Send it as the X-Api-Key header; it cannot be shown again.")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "label for the key")
	return cmd
}

func newAPIKey() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "vf_" + hex.EncodeToString(b), nil
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
