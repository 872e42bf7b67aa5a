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
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"sushibar/internal/config"
	"sushibar/internal/control"
	"sushibar/internal/db"
	"sushibar/internal/engine"
	"sushibar/internal/migrate"
	"sushibar/internal/progress"
	"sushibar/internal/server"
	"sushibar/internal/studio"
	"sushibar/internal/tasks"
	"sushibar/internal/trees"
)

var rootCmd = &cobra.Command{
	Use:   "sushibar",
	Short: "Sushibar content pipeline dashboard",
	Long: `Sushibar monitors fleets of content-integration scripts ("chefs") that build
channels on a content server. Chefs report runs, stages, and progress over the
HTTP API; operators watch the dashboard, review staged channels, and send
control commands to daemonized chefs.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(channelCmd())
	rootCmd.AddCommand(serveCmd())
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SUSHIBAR")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func initCmd() *cobra.Command {
	var studioServer string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default sushibar.yml and create the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(studioServer)), 0o644); err != nil {
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
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&studioServer, "studio-server", "https://studio.learningequality.org", "default content server URL")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			return migrate.Migrate(conn)
		},
	}
}

func channelCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "channel", Short: "Inspect channels"}
	cmd.AddCommand(channelListCmd())
	return cmd
}

func channelListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered channels",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, closeFn, err := buildEngine()
			if err != nil {
				return err
			}
			defer closeFn()
			channels, err := e.Repo.ListChannels(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(channels)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Name", "Domain", "Source ID", "Content Server"})
			for _, c := range channels {
				tw.AppendRow(table.Row{c.ChannelID, c.Name, c.SourceDomain, c.SourceID, c.ContentServer})
			}
			tw.Render()
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
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

			client := studio.NewClient(time.Duration(cfg.Studio.TimeoutSeconds) * time.Second)
			store := progressStore(cfg)
			builder := &trees.Builder{Fetcher: client, Root: cfg.TreesDir(workspace)}
			broker := control.NewBroker()
			dispatcher := tasks.NewDispatcher()
			dispatcher.Start(cmd.Context())

			e := engine.New(conn, cfg, client, store, builder, broker, dispatcher)
			handler, err := server.New(server.Config{
				Engine:   e,
				Studio:   client,
				BasePath: cfg.Server.BasePath,
				Auth: server.AuthConfig{
					JWTSecret:      cfg.Auth.JWTSecret,
					SessionMinutes: cfg.Auth.SessionMinutes,
					StudioServer:   cfg.Studio.DefaultServer,
				},
			})
			if err != nil {
				return err
			}
			listenAddr := addr
			if listenAddr == "" {
				listenAddr = cfg.Server.Addr
			}
			srv := &http.Server{Addr: listenAddr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Sushibar API on http://%s%s (OpenAPI at %s/openapi.json)\n", listenAddr, cfg.Server.BasePath, cfg.Server.BasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}

// buildEngine wires a read-mostly engine for CLI commands. Background pieces
// stay inert: CLI commands never trigger tree builds or broadcasts.
func buildEngine() (engine.Engine, func(), error) {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return engine.Engine{}, nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return engine.Engine{}, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return engine.Engine{}, nil, err
	}
	client := studio.NewClient(0)
	builder := &trees.Builder{Fetcher: client}
	if cfg != nil {
		builder.Root = cfg.TreesDir(workspace)
	}
	e := engine.New(conn, cfg, client, progress.NewMemoryStore(), builder, control.NewBroker(), tasks.Inline{})
	return e, func() { conn.Close() }, nil
}

func progressStore(cfg *config.Config) progress.Store {
	if cfg.Redis.Addr == "" {
		return progress.NewMemoryStore()
	}
	return progress.NewRedisStore(redis.NewClient(&redis.Options{
		Addr: cfg.Redis.Addr,
		DB:   cfg.Redis.DB,
	}))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
