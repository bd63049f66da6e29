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
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"diwan/internal/app"
	"diwan/internal/config"
	"diwan/internal/db"
	"diwan/internal/domain"
	"diwan/internal/engine"
	"diwan/internal/lifecycle"
	"diwan/internal/migrate"
	"diwan/internal/repo"
	"diwan/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "diwan",
	Short: "Diwan CLI",
	Long: `Diwan manages council cases: fatwa questions, marriage counsel, and
reconciliation sessions. Cases move through a fixed lifecycle and every
transition is authorized against the caller's role and relationship to
the case, then recorded in the event log ('diwan log tail').

Case types:
- fatwa: pending -> assigned -> answered -> approved (unapprove reopens)
- marriage / reconciliation: pending -> assigned -> in_progress -> resolved|unresolved
- cancel exits any non-terminal case

Roles: user (asks), shaykh (answers and counsels), admin (assigns and approves).`,
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
	_ = godotenv.Load(filepath.Join(viper.GetString("workspace"), ".env"))
	viper.SetEnvPrefix("DIWAN")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-admin", "actor identifier")
	rootCmd.PersistentFlags().String("council", "", "council id (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("council", rootCmd.PersistentFlags().Lookup("council"))
}

func registerCommands() {
	rootCmd.AddCommand(caseCmd())
	rootCmd.AddCommand(actorCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func caseCmd() *cobra.Command {
	c := &cobra.Command{Use: "case", Short: "Manage cases"}
	c.AddCommand(caseCreateCmd())
	c.AddCommand(caseListCmd())
	c.AddCommand(caseGetCmd())
	c.AddCommand(caseMeetingsCmd())
	c.AddCommand(caseFeedbackListCmd())
	c.AddCommand(actionCmd("assign", "Assign a case to a shaykh", func(cmd *cobra.Command) any {
		return engine.AssignPayload{AssignedTo: mustFlag(cmd, "to")}
	}, func(cmd *cobra.Command) {
		cmd.Flags().String("to", "", "shaykh actor id")
		_ = cmd.MarkFlagRequired("to")
	}))
	c.AddCommand(actionCmd("answer", "Record the shaykh's answer", func(cmd *cobra.Command) any {
		return engine.AnswerPayload{Answer: mustFlag(cmd, "text")}
	}, func(cmd *cobra.Command) {
		cmd.Flags().String("text", "", "answer text")
		_ = cmd.MarkFlagRequired("text")
	}))
	c.AddCommand(actionCmd("approve", "Approve the recorded answer", func(cmd *cobra.Command) any {
		return engine.ApprovePayload{Comment: mustFlag(cmd, "comment")}
	}, func(cmd *cobra.Command) {
		cmd.Flags().String("comment", "", "approval comment")
	}))
	c.AddCommand(actionCmd("unapprove", "Send an answered case back for revision", func(cmd *cobra.Command) any {
		return nil
	}, nil))
	c.AddCommand(actionCmd("schedule-meeting", "Schedule a counsel session", func(cmd *cobra.Command) any {
		return engine.MeetingPayload{
			Date:     mustFlag(cmd, "date"),
			Time:     mustFlag(cmd, "time"),
			Location: mustFlag(cmd, "location"),
			Notes:    mustFlag(cmd, "notes"),
		}
	}, func(cmd *cobra.Command) {
		cmd.Flags().String("date", "", "meeting date (YYYY-MM-DD)")
		cmd.Flags().String("time", "", "meeting time (HH:MM)")
		cmd.Flags().String("location", "", "location")
		cmd.Flags().String("notes", "", "notes")
		_ = cmd.MarkFlagRequired("date")
	}))
	c.AddCommand(actionCmd("feedback", "Add a feedback comment", func(cmd *cobra.Command) any {
		return engine.FeedbackPayload{Comment: mustFlag(cmd, "comment")}
	}, func(cmd *cobra.Command) {
		cmd.Flags().String("comment", "", "comment text")
		_ = cmd.MarkFlagRequired("comment")
	}))
	c.AddCommand(actionCmd("notes", "Set the shaykh's working notes", func(cmd *cobra.Command) any {
		return engine.NotesPayload{Notes: mustFlag(cmd, "text")}
	}, func(cmd *cobra.Command) {
		cmd.Flags().String("text", "", "notes text")
		_ = cmd.MarkFlagRequired("text")
	}))
	c.AddCommand(actionCmd("complete", "Close a counsel case with an outcome", func(cmd *cobra.Command) any {
		return engine.CompletePayload{
			Outcome: mustFlag(cmd, "outcome"),
			Details: mustFlag(cmd, "details"),
		}
	}, func(cmd *cobra.Command) {
		cmd.Flags().String("outcome", "", "resolved or unresolved")
		cmd.Flags().String("details", "", "outcome details")
		_ = cmd.MarkFlagRequired("outcome")
	}))
	c.AddCommand(actionCmd("cancel", "Cancel a case", func(cmd *cobra.Command) any {
		return engine.CancelPayload{Reason: mustFlag(cmd, "reason")}
	}, func(cmd *cobra.Command) {
		cmd.Flags().String("reason", "", "cancellation reason")
	}))
	return c
}

// cliAction maps a CLI verb to the lifecycle action name.
var cliAction = map[string]lifecycle.Action{
	"assign":           lifecycle.ActionAssign,
	"answer":           lifecycle.ActionAnswer,
	"approve":          lifecycle.ActionApprove,
	"unapprove":        lifecycle.ActionUnapprove,
	"schedule-meeting": lifecycle.ActionScheduleMeeting,
	"feedback":         lifecycle.ActionAddFeedback,
	"notes":            lifecycle.ActionAddShaykhNotes,
	"complete":         lifecycle.ActionComplete,
	"cancel":           lifecycle.ActionCancel,
}

func actionCmd(verb, short string, payload func(*cobra.Command) any, flags func(*cobra.Command)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   verb + " <case-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actorID := viper.GetString("actor-id")
				role, err := actorRole(ctx, e.Repo, actorID)
				if err != nil {
					return err
				}
				c, err := e.Apply(ctx, engine.ApplyOptions{
					CaseID:  args[0],
					Action:  cliAction[verb],
					ActorID: actorID,
					Role:    role,
					Payload: payload(cmd),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	if flags != nil {
		flags(cmd)
	}
	return cmd
}

func caseCreateCmd() *cobra.Command {
	var opts engine.CaseCreateOptions
	var caseType, parties string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a new case",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.Type = lifecycle.CaseType(caseType)
				opts.ActorID = viper.GetString("actor-id")
				if parties != "" {
					opts.PartiesJSON = parties
				}
				c, err := e.CreateCase(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "case id (optional, UUID if omitted)")
	cmd.Flags().StringVar(&caseType, "type", "", "case type (fatwa, marriage, reconciliation)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Question, "question", "", "question text (fatwa)")
	cmd.Flags().StringVar(&parties, "parties", "", "parties as a JSON object (counsel cases)")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func caseListCmd() *cobra.Command {
	var f repo.CaseFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.Limit <= 0 {
					f.Limit = 50
				}
				cases, err := e.Repo.ListCases(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cases)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Title", "Status", "Assigned To"})
				for _, c := range cases {
					assignee := ""
					if c.AssignedTo != nil {
						assignee = *c.AssignedTo
					}
					tw.AppendRow(table.Row{c.ID, c.Type, c.Title, c.Status, assignee})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Type, "type", "", "case type filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.AssignedTo, "assigned-to", "", "assignee filter")
	cmd.Flags().StringVar(&f.CreatedBy, "created-by", "", "creator filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max results")
	return cmd
}

func caseGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Repo.GetCase(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func caseMeetingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "meetings <case-id>",
		Short: "List a case's meetings, split into upcoming and past",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				split, err := e.Meetings(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(split)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"", "ID", "Date", "Time", "Location", "Status"})
				appendMeeting := func(kind string, m domain.Meeting) {
					tw.AppendRow(table.Row{kind, m.ID, m.Date, strOrEmpty(m.Time), strOrEmpty(m.Location), m.Status})
				}
				for _, m := range split.Upcoming {
					appendMeeting("upcoming", m)
				}
				for _, m := range split.Past {
					appendMeeting("past", m)
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func caseFeedbackListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "thread <case-id>",
		Short: "Show a case's feedback thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if _, err := e.Repo.GetCase(ctx, args[0]); err != nil {
					return err
				}
				entries, err := e.Repo.ListFeedback(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(entries)
			})
		},
	}
	return cmd
}

func actorCmd() *cobra.Command {
	a := &cobra.Command{Use: "actor", Short: "Manage actors and roles"}
	a.AddCommand(actorSetRoleCmd())
	a.AddCommand(actorGetCmd())
	a.AddCommand(actorListCmd())
	return a
}

func actorSetRoleCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "set-role",
		Short: "Grant or change an actor's role",
		RunE: func(cmd *cobra.Command, args []string) error {
			r := lifecycle.Role(role)
			if !lifecycle.ValidRole(r) {
				return fmt.Errorf("unknown role %q (user, shaykh, admin)", role)
			}
			return withRepo(cmd.Context(), func(ctx context.Context, rp repo.Repo) error {
				now := time.Now().UTC().Format(time.RFC3339)
				if err := rp.SetActorRole(ctx, target, r, now); err != nil {
					return err
				}
				a, err := rp.GetActor(ctx, target)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role (user, shaykh, admin)")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func actorGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, rp repo.Repo) error {
				a, err := rp.GetActor(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func actorListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List actors",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, rp repo.Repo) error {
				actors, err := rp.ListActors(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(actors)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Role", "Display Name", "Created"})
				for _, a := range actors {
					tw.AppendRow(table.Row{a.ID, a.Role, strOrEmpty(a.DisplayName), a.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyDeleteCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name, raw string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, rp repo.Repo) error {
				if raw == "" {
					raw = "dw_" + uuid.New().String()
				}
				key := domain.APIKey{
					ID:      uuid.New().String(),
					ActorID: actorID,
					Name:    name,
					KeyHash: repo.HashAPIKey(raw),
				}
				if err := rp.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				// plaintext shown once; only the hash is stored
				fmt.Printf("API key for %s: %s\n", actorID, raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	cmd.Flags().StringVar(&raw, "key", "", "key value (generated if omitted)")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, rp repo.Repo) error {
				keys, err := rp.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "filter by actor id")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, rp repo.Repo) error {
				return rp.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	c := &cobra.Command{Use: "config", Short: "Manage council config"}
	c.AddCommand(configInitCmd())
	c.AddCommand(configShowCmd())
	c.AddCommand(configValidateCmd())
	c.AddCommand(configImportCmd())
	c.AddCommand(configExportCmd())
	return c
}

func configInitCmd() *cobra.Command {
	var councilID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(councilID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&councilID, "council", "default-council", "council id")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the workspace config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	}
	return cmd
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import council config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			cfg, err := config.FromYAML(data)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, rp repo.Repo) error {
				if err := rp.UpsertCouncilConfig(ctx, cfg.Council.ID, cfg, string(data)); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func configExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Print the stored council config as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := yaml.Marshal(e.Config)
				if err != nil {
					return err
				}
				fmt.Print(string(out))
				return nil
			})
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	var caseType string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show case counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				counts, err := e.Repo.CountCasesByStatus(ctx, caseType)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"council_id":  e.Config.Council.ID,
					"case_counts": counts,
				})
			})
		},
	}
	cmd.Flags().StringVar(&caseType, "type", "", "case type filter")
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Event log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacy bool
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
			r := repo.Repo{DB: conn}
			cfg, err := app.ResolveCouncilConfig(cmd.Context(), workspace, viper.GetString("council"), r)
			if err != nil {
				return err
			}
			if err := app.BootstrapAdmin(cmd.Context(), r, viper.GetString("actor-id")); err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("DIWAN_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacy || cfg.Auth.AllowLegacyActorHeader,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("DIWAN_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
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
			fmt.Printf("Serving Diwan API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&allowLegacy, "allow-legacy-actor-header", false, "accept X-Actor-Id without credentials (dev only)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	cfg, err := app.ResolveCouncilConfig(ctx, workspace, viper.GetString("council"), r)
	if err != nil {
		return err
	}
	if err := app.BootstrapAdmin(ctx, r, viper.GetString("actor-id")); err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
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

func actorRole(ctx context.Context, r repo.Repo, actorID string) (lifecycle.Role, error) {
	a, err := r.GetActor(ctx, actorID)
	if errors.Is(err, repo.ErrNotFound) {
		return lifecycle.RoleUser, nil
	}
	if err != nil {
		return "", err
	}
	return a.Role, nil
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

func mustFlag(cmd *cobra.Command, name string) string {
	v, _ := cmd.Flags().GetString(name)
	return v
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

