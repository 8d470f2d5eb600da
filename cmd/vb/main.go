package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"villagebrain/internal/config"
	"villagebrain/internal/db"
	"villagebrain/internal/domain"
	"villagebrain/internal/engine"
	"villagebrain/internal/identity"
	"villagebrain/internal/migrate"
	"villagebrain/internal/rank"
	"villagebrain/internal/server"
	"villagebrain/internal/store"
	"villagebrain/internal/store/filestore"
	"villagebrain/internal/store/sqlitestore"
)

var rootCmd = &cobra.Command{
	Use:   "vb",
	Short: "Village Brain CLI",
	Long: `Village Brain runs the mission board: ninjas accept missions, report
completions for experience, or abandon them back to the open pool.
Missions carry a rank requirement; a ninja may only accept missions at or
below their own rank. State lives in a SQLite workspace by default, or in a
single JSON record file with --store file (degraded, see serve --help).`,
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
	viper.SetEnvPrefix("VILLAGEBRAIN")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("store", "", "storage backend: sqlite or file (default from villagebrain.yml)")
	rootCmd.PersistentFlags().Bool("allow-degraded-store", false, "accept a backend without atomic units")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("store", rootCmd.PersistentFlags().Lookup("store"))
	_ = viper.BindPFlag("allow-degraded-store", rootCmd.PersistentFlags().Lookup("allow-degraded-store"))
}

func registerCommands() {
	rootCmd.AddCommand(missionCmd())
	rootCmd.AddCommand(ninjaCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func missionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "mission", Short: "Manage missions"}
	cmd.AddCommand(missionCreateCmd())
	cmd.AddCommand(missionListCmd())
	cmd.AddCommand(missionImportCmd())
	return cmd
}

func missionCreateCmd() *cobra.Command {
	var title, desc, rankReq string
	var reward int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an open mission",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.CreateMission(ctx, engine.MissionCreateOptions{
					Title:           title,
					Description:     desc,
					RankRequirement: rankReq,
					Reward:          reward,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "mission title")
	cmd.Flags().StringVar(&desc, "description", "", "mission description")
	cmd.Flags().StringVar(&rankReq, "rank", "D", "rank requirement (D..S)")
	cmd.Flags().IntVar(&reward, "reward", 0, "reward (XP granted is reward/10)")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("reward")
	return cmd
}

func missionListCmd() *cobra.Command {
	var f store.MissionFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List missions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				page, err := e.ListMissions(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(page)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Rank", "Reward", "Status", "Assignee"})
				for _, m := range page.Items {
					assignee := ""
					if m.AssigneeName != nil {
						assignee = *m.AssigneeName
					}
					tw.AppendRow(table.Row{m.ID, m.Title, m.RankRequirement, m.Reward, m.Status, assignee})
				}
				tw.Render()
				fmt.Printf("total=%d page=%d\n", page.Total, f.Page)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.RankRequirement, "rank", "", "rank requirement filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter (open, in_progress, completed)")
	cmd.Flags().IntVar(&f.Page, "page", 1, "page number")
	cmd.Flags().IntVar(&f.Limit, "limit", 20, "page size")
	return cmd
}

func missionImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import missions from a YAML seed file",
		RunE: func(cmd *cobra.Command, args []string) error {
			seeds, err := config.SeedFromFile(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				for _, m := range seeds.Missions {
					created, err := e.CreateMission(ctx, engine.MissionCreateOptions{
						ID:              m.ID,
						Title:           m.Title,
						Description:     m.Description,
						RankRequirement: m.RankRequirement,
						Reward:          m.Reward,
					})
					if err != nil {
						return fmt.Errorf("import %q: %w", m.Title, err)
					}
					fmt.Printf("imported %s (%s)\n", created.ID, created.Title)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "missions.yml", "seed file path")
	return cmd
}

func ninjaCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "ninja", Short: "Manage ninjas"}
	cmd.AddCommand(ninjaCreateCmd())
	return cmd
}

func ninjaCreateCmd() *cobra.Command {
	var username, password, ninjaRank string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a ninja",
		RunE: func(cmd *cobra.Command, args []string) error {
			ranks := rank.NinjaRanks()
			if !ranks.Contains(ninjaRank) {
				ninjaRank = ranks.Lowest()
			}
			hash, err := identity.HashPassword(password)
			if err != nil {
				return err
			}
			n := domain.Ninja{
				ID:           uuid.NewString(),
				Username:     username,
				PasswordHash: hash,
				Rank:         ninjaRank,
				AvatarURL:    identity.AvatarURL(username),
				CreatedAt:    time.Now().UTC().Format(time.RFC3339),
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Store.CreateNinja(ctx, n); err != nil {
					return err
				}
				return printJSONOrTable(n)
			})
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "ninja username")
	cmd.Flags().StringVar(&password, "password", "", "ninja password")
	cmd.Flags().StringVar(&ninjaRank, "rank", "Academy", "ninja rank (Academy..Kage)")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail lifecycle events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Store.LatestEvents(ctx, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("VILLAGEBRAIN_JWT_SECRET")
			if secret == "" {
				return fmt.Errorf("VILLAGEBRAIN_JWT_SECRET is required for bearer auth")
			}
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ttl := time.Duration(cfg.Auth.TokenTTLHours) * time.Hour
				auth, err := identity.NewAuthenticator(secret, ttl)
				if err != nil {
					return err
				}
				if addr == "" {
					addr = cfg.Server.Addr
				}
				if basePath == "" {
					basePath = cfg.Server.BasePath
				}
				handler, err := server.New(server.Config{Engine: e, Auth: auth, BasePath: basePath})
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
				fmt.Printf("Serving Village Brain API on http://%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from villagebrain.yml)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path")
	return cmd
}

// --- helpers ---

func openStore(workspace string) (store.Store, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	backend := viper.GetString("store")
	if backend == "" {
		backend = cfg.Storage.Backend
	}
	switch backend {
	case config.BackendSQLite:
		conn, err := db.Open(db.Config{Workspace: workspace})
		if err != nil {
			return nil, err
		}
		if err := migrate.Migrate(conn); err != nil {
			conn.Close()
			return nil, err
		}
		return sqlitestore.New(conn), nil
	case config.BackendFile:
		dir, err := db.EnsureWorkspace(workspace)
		if err != nil {
			return nil, err
		}
		return filestore.Open(filepath.Join(dir, "villagebrain.json"))
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	s, err := openStore(workspace)
	if err != nil {
		return err
	}
	defer s.Close()
	allowDegraded := viper.GetBool("allow-degraded-store") || cfg.Storage.AllowDegraded
	e, err := engine.New(s, engine.Options{AllowDegraded: allowDegraded})
	if err != nil {
		return err
	}
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
