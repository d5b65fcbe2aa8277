package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"onboardgate/internal/app"
	"onboardgate/internal/config"
	"onboardgate/internal/db"
	"onboardgate/internal/engine"
	"onboardgate/internal/flow"
	"onboardgate/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "gate",
	Short: "Onboarding completion gate",
	Long: `gate decides whether a user has finished onboarding for an organization.
- Snapshot: the facts known about a (user, org) pair, stored as a JSON document.
- Flow: the ordered onboarding steps and the facts each step requires.
- Gate: walks the flow over the snapshot and answers complete or the next step to show.
- Workspace: the .onboardgate directory holding the SQLite database; onboardgate.yml sits next to it.
- Event log: every snapshot write and key issue, view with 'gate log tail'.`,
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
	viper.SetEnvPrefix("ONBOARDGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("user", "", "user id")
	rootCmd.PersistentFlags().String("org", "", "organization id (empty before the user has one)")
	rootCmd.PersistentFlags().String("actor-id", "cli", "actor recorded in the event log")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user", rootCmd.PersistentFlags().Lookup("user"))
	_ = viper.BindPFlag("org", rootCmd.PersistentFlags().Lookup("org"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(checkCmd())
	rootCmd.AddCommand(explainCmd())
	rootCmd.AddCommand(snapshotCmd())
	rootCmd.AddCommand(flowCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage onboardgate.yml",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default onboardgate.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"Key", "Value"})
			tw.AppendRow(table.Row{"server.addr", cfg.Server.Addr})
			tw.AppendRow(table.Row{"server.base_path", cfg.Server.BasePath})
			tw.AppendRow(table.Row{"gate.cache", cfg.Gate.Cache})
			tw.AppendRow(table.Row{"gate.cache_ttl", cfg.Gate.CacheTTL})
			tw.AppendRow(table.Row{"gate.onboarding_path", cfg.Gate.OnboardingPath})
			tw.AppendRow(table.Row{"gate.continue_param", cfg.Gate.ContinueParam})
			tw.AppendRow(table.Row{"gate.protected_prefix", cfg.Gate.ProtectedPrefix})
			tw.Render()
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate onboardgate.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": errString(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	}
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Run the onboarding gate for --user/--org",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := requireUser()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.Gate(ctx, userID, viper.GetString("org"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"User", "Org", "Complete", "Next Step", "ETag"})
				tw.AppendRow(table.Row{userID, orgLabel(viper.GetString("org")), st.Complete, st.NextStep, st.Fingerprint})
				tw.Render()
				return nil
			})
		},
	}
}

func explainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "explain",
		Short: "Show how the flow was walked for --user/--org",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := requireUser()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, fp, err := e.Explain(ctx, userID, viper.GetString("org"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"complete": v.Complete,
						"nextStep": v.NextStep,
						"missing":  v.Missing,
						"path":     v.Path,
						"etag":     fp,
					})
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"#", "Step", "Outcome"})
				for i, id := range v.Path {
					outcome := "passed"
					if !v.Complete && i == len(v.Path)-1 {
						outcome = "stuck"
						if v.Missing != "" {
							outcome = "missing " + v.Missing
						}
					}
					tw.AppendRow(table.Row{i + 1, id, outcome})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func snapshotCmd() *cobra.Command {
	snap := &cobra.Command{Use: "snapshot", Short: "Inspect or edit onboarding facts"}
	snap.AddCommand(snapshotGetCmd())
	snap.AddCommand(snapshotSetCmd())
	snap.AddCommand(snapshotDeleteCmd())
	snap.AddCommand(snapshotListCmd())
	return snap
}

func snapshotGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get",
		Short: "Print the snapshot for --user/--org",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := requireUser()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.Snapshot(ctx, userID, viper.GetString("org"))
				if err != nil {
					return err
				}
				return printJSON(rec)
			})
		},
	}
}

func snapshotSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set path=value...",
		Short: "Set facts by dotted path; values are JSON or plain strings",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := requireUser()
			if err != nil {
				return err
			}
			fields, err := app.ParseFacts(args)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.SetFacts(ctx, userID, viper.GetString("org"), viper.GetString("actor-id"), fields)
				if err != nil {
					return err
				}
				return printJSON(rec)
			})
		},
	}
}

func snapshotDeleteCmd() *cobra.Command {
	var paths []string
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete the snapshot for --user/--org, or only the given --path facts",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := requireUser()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if len(paths) > 0 {
					rec, err := e.UnsetFacts(ctx, userID, viper.GetString("org"), viper.GetString("actor-id"), paths)
					if err != nil {
						return err
					}
					return printJSON(rec)
				}
				if err := e.DeleteSnapshot(ctx, userID, viper.GetString("org"), viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Println("deleted")
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&paths, "path", nil, "dotted path to remove (repeatable)")
	return cmd
}

func snapshotListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every organization context stored for --user",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := requireUser()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				recs, err := e.ListSnapshots(ctx, userID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(recs)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Org", "Facts", "Created", "Updated"})
				for _, rec := range recs {
					tw.AppendRow(table.Row{orgLabel(rec.OrgID), len(rec.Doc), rec.CreatedAt, rec.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func flowCmd() *cobra.Command {
	f := &cobra.Command{Use: "flow", Short: "Inspect the onboarding flow"}
	f.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "List the flow steps",
		RunE: func(cmd *cobra.Command, args []string) error {
			def := flow.Onboarding()
			if viper.GetBool("json") {
				return printJSON(flowRows(def))
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"Step", "Title", "Actor", "Requires", "Next"})
			for _, row := range flowRows(def) {
				tw.AppendRow(table.Row{row["id"], row["title"], row["actor"], strings.Join(row["requires"].([]string), ", "), row["next"]})
			}
			tw.Render()
			return nil
		},
	})
	f.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check the flow for unknown targets and duplicate steps",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := flow.Onboarding().Validate()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": errString(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("flow ok")
			return nil
		},
	})
	return f
}

func flowRows(def flow.Definition) []map[string]any {
	rows := make([]map[string]any, 0, len(def))
	for _, s := range def {
		requires := make([]string, 0, len(s.Requirements))
		for _, req := range s.Requirements {
			if req.Required {
				requires = append(requires, req.Key)
			}
		}
		next := "(computed)"
		if id, ok := s.Next.Literal(); ok {
			next = string(id)
		}
		rows = append(rows, map[string]any{
			"id":       string(s.ID),
			"title":    s.Title,
			"actor":    string(s.Actor),
			"requires": requires,
			"next":     next,
		})
	}
	return rows
}

func apiKeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key for --user/--org",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := requireUser()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				plaintext, key, err := e.CreateAPIKey(ctx, userID, viper.GetString("org"), name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "key": plaintext, "name": key.Name, "org_id": key.OrgID, "created_at": key.CreatedAt})
				}
				fmt.Printf("API key %s created; store it now, it is not shown again:\n%s\n", key.ID, plaintext)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key label")
	k.AddCommand(create)
	k.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List API keys for --user",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := requireUser()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, userID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Org", "Created"})
				for _, key := range keys {
					tw.AppendRow(table.Row{key.ID, key.Name, orgLabel(key.OrgID), key.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	})
	k.AddCommand(&cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke one of --user's API keys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := requireUser()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.RevokeAPIKey(ctx, userID, args[0]); err != nil {
					return err
				}
				fmt.Printf("API key %s revoked\n", args[0])
				return nil
			})
		},
	})
	return k
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Event log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, viper.GetString("org"), evtType, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Org", "Entity", "Actor", "Payload"})
				for _, ev := range events {
					tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, ev.OrgID, ev.EntityID, ev.ActorID, ev.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id (user id)")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin, legacyHeaders bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			e, closeDB, err := app.Open(ctx, viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer closeDB()
			if addr == "" {
				addr = e.Config.Server.Addr
			}
			if basePath == "" {
				basePath = e.Config.Server.BasePath
			}
			logger := log.New(os.Stderr, "gate: ", log.LstdFlags)
			authCfg := server.AuthConfig{
				JWTSecret:             os.Getenv("ONBOARDGATE_JWT_SECRET"),
				AllowLegacyUserHeader: legacyHeaders,
				EnableDevLogin:        devLogin,
				Logger:                logger,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("ONBOARDGATE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Auth:     authCfg,
				Guard: server.GuardConfig{
					OnboardingPath: e.Config.Gate.OnboardingPath,
					ContinueParam:  e.Config.Gate.ContinueParam,
					Logger:         logger,
				},
				ProtectedPrefix: e.Config.Gate.ProtectedPrefix,
				Logger:          logger,
			})
			if err != nil {
				return err
			}
			server.StartWebhooks(ctx, e, logger)
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving onboarding gate on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to server.base_path)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "enable POST /auth/dev/login")
	cmd.Flags().BoolVar(&legacyHeaders, "allow-legacy-headers", false, "accept X-User-Id without a token")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	e, closeDB, err := app.Open(ctx, viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer closeDB()
	return fn(ctx, e)
}

func requireUser() (string, error) {
	userID := strings.TrimSpace(viper.GetString("user"))
	if userID == "" {
		return "", fmt.Errorf("--user required")
	}
	return userID, nil
}

func orgLabel(orgID string) string {
	if orgID == "" {
		return "-"
	}
	return orgID
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

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
