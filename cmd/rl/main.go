package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"routeline/internal/app"
	"routeline/internal/config"
	"routeline/internal/db"
	"routeline/internal/engine"
	"routeline/internal/logging"
	"routeline/internal/migrate"
	"routeline/internal/repo"
)

var rootCmd = &cobra.Command{
	Use:   "rl",
	Short: "Routeline CLI",
	Long: `Routeline sits between AI agents and production. Agents declare what they are about to do;
Routeline classifies each action, tells the owners of the affected services and keeps incident
timelines.
Core concepts:
- Action: an agent's declared intent once routed. Routing is auto_execute, monitored_execute, gated or blocked.
- Rules: ordered conditions on the target, agent, time of day or frequency that pick the routing.
- Ownership: who owns which service and what depends on it; drives notifications and blast radius.
- Incidents: investigating -> identified -> monitoring -> resolved, with TTI and MTTR frozen once measured.
- Event log: every change is audited; view it with 'rl log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return loadDotEnv(workspace)
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ROUTELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier recorded in the audit log")
	rootCmd.PersistentFlags().String("config", "", "config file to use instead of the stored configuration")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(ruleCmd())
	rootCmd.AddCommand(ownershipCmd())
	rootCmd.AddCommand(actionCmd())
	rootCmd.AddCommand(incidentCmd())
	rootCmd.AddCommand(metricsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

// loadDotEnv reads <workspace>/.env before viper consults the environment. Variables
// already set in the process win.
func loadDotEnv(workspace string) error {
	err := godotenv.Load(filepath.Join(workspace, ".env"))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// --- helpers ---

func openDB(ctx context.Context) (repo.Repo, func(), error) {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return repo.Repo{}, nil, err
	}
	if _, err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return repo.Repo{}, nil, err
	}
	return repo.Repo{DB: conn}, func() { conn.Close() }, nil
}

func resolveConfig(ctx context.Context, r repo.Repo) (*config.Config, error) {
	if path := viper.GetString("config"); path != "" {
		return config.FromFile(path)
	}
	cfg, _, err := app.ResolveConfig(ctx, viper.GetString("workspace"), r)
	return cfg, err
}

func cliLogger(cfg *config.Config) zerolog.Logger {
	return logging.Init(logging.Config{
		Format: cfg.Logging.Format,
		Level:  cfg.Logging.Level,
		Output: os.Stderr,
	})
}

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	r, closeDB, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer closeDB()
	cfg, err := resolveConfig(ctx, r)
	if err != nil {
		return err
	}
	e, err := engine.New(ctx, r.DB, cfg, engine.Options{Log: cliLogger(cfg), InlineNotify: true})
	if err != nil {
		return err
	}
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	r, closeDB, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer closeDB()
	return fn(ctx, r)
}

func actorID() string {
	return viper.GetString("actor-id")
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

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
