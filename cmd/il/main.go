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
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"intakeline/internal/config"
	"intakeline/internal/db"
	"intakeline/internal/domain"
	"intakeline/internal/migrate"
	"intakeline/internal/pipeline"
	"intakeline/internal/repo"
	"intakeline/internal/server"
	"intakeline/internal/stage"
)

var rootCmd = &cobra.Command{
	Use:   "il",
	Short: "Intakeline CLI",
	Long: `Intakeline tracks incoming work requests through an intake pipeline.
Requests move through stages (in_treatment -> estimation -> ready, with
on_hold as a parking spot), collect an estimate, and convert exactly once
into a project or a ticket. The workspace is a .intakeline directory
holding the SQLite database; pipeline settings live in intakeline.yml.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("INTAKELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(bulkCmd())
	rootCmd.AddCommand(clientCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
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
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Println("wrote", cfgPath)
			}
			fmt.Println("workspace ready:", db.Path(workspace))
			return nil
		},
	}
}

func requestCmd() *cobra.Command {
	req := &cobra.Command{Use: "request", Short: "Manage intake requests"}
	req.AddCommand(requestCreateCmd())
	req.AddCommand(requestListCmd())
	req.AddCommand(requestShowCmd())
	req.AddCommand(requestUpdateCmd())
	req.AddCommand(requestTransitionCmd())
	req.AddCommand(requestHoldCmd())
	req.AddCommand(requestResumeCmd())
	req.AddCommand(requestEstimateCmd())
	req.AddCommand(requestAssignCmd())
	req.AddCommand(requestCancelCmd())
	req.AddCommand(requestConvertCmd())
	req.AddCommand(requestHistoryCmd())
	req.AddCommand(requestStaleCmd())
	return req
}

func requestCreateCmd() *cobra.Command {
	var title, desc, reqType, priority, clientID, relatedProject, requester string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create request",
		RunE: func(cmd *cobra.Command, args []string) error {
			if title == "" {
				return fmt.Errorf("--title required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *pipeline.Engine) error {
				opts := pipeline.CreateOptions{
					Title:            title,
					Description:      desc,
					ClientID:         optionalString(clientID),
					RelatedProjectID: optionalString(relatedProject),
					RequesterID:      requester,
					ActorID:          viper.GetString("actor-id"),
				}
				if reqType != "" {
					t, err := stage.ParseRequestType(reqType)
					if err != nil {
						return err
					}
					opts.Type = t
				}
				if priority != "" {
					p, err := stage.ParsePriority(priority)
					if err != nil {
						return err
					}
					opts.Priority = p
				}
				r, err := e.CreateRequest(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "request title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&reqType, "type", "", "bug|feature|enhancement|change_request|support|other")
	cmd.Flags().StringVar(&priority, "priority", "", "low|medium|high|critical")
	cmd.Flags().StringVar(&clientID, "client-id", "", "client id")
	cmd.Flags().StringVar(&relatedProject, "related-project", "", "related project id")
	cmd.Flags().StringVar(&requester, "requester-id", "", "requester id")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func requestListCmd() *cobra.Command {
	var f repo.RequestFilters
	var converted, cancelled string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				f.Converted = parseBoolFlag(converted)
				f.Cancelled = parseBoolFlag(cancelled)
				items, err := r.ListRequests(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Number", "Title", "Type", "Priority", "Stage", "Points", "PM"})
				for _, req := range items {
					points := ""
					if req.StoryPoints != nil {
						points = fmt.Sprintf("%d", *req.StoryPoints)
					}
					pm := ""
					if req.AssignedPMID != nil {
						pm = *req.AssignedPMID
					}
					st := string(req.Stage)
					if req.IsConverted {
						st = "converted"
					} else if req.IsCancelled {
						st = "cancelled"
					}
					tw.AppendRow(table.Row{req.RequestNumber, req.Title, req.Type, req.Priority, st, points, pm})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Stage, "stage", "", "stage filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "type filter")
	cmd.Flags().StringVar(&f.Priority, "priority", "", "priority filter")
	cmd.Flags().StringVar(&f.ClientID, "client-id", "", "client filter")
	cmd.Flags().StringVar(&f.AssignedPMID, "pm-id", "", "assigned PM filter")
	cmd.Flags().StringVar(&converted, "converted", "", "true|false")
	cmd.Flags().StringVar(&cancelled, "cancelled", "", "true|false")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func requestShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				req, err := r.GetRequest(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	return cmd
}

func requestUpdateCmd() *cobra.Command {
	var title, desc, reqType, priority, clientID string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update request fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *pipeline.Engine) error {
				opts := pipeline.UpdateOptions{
					ID:      args[0],
					ActorID: viper.GetString("actor-id"),
				}
				if cmd.Flags().Changed("title") {
					opts.Title = &title
				}
				if cmd.Flags().Changed("description") {
					opts.Description = &desc
				}
				if cmd.Flags().Changed("client-id") {
					opts.ClientID = &clientID
				}
				if cmd.Flags().Changed("type") {
					t, err := stage.ParseRequestType(reqType)
					if err != nil {
						return err
					}
					opts.Type = &t
				}
				if cmd.Flags().Changed("priority") {
					p, err := stage.ParsePriority(priority)
					if err != nil {
						return err
					}
					opts.Priority = &p
				}
				req, err := e.UpdateRequest(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "request title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&reqType, "type", "", "request type")
	cmd.Flags().StringVar(&priority, "priority", "", "priority")
	cmd.Flags().StringVar(&clientID, "client-id", "", "client id (empty clears)")
	return cmd
}

func requestTransitionCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "transition <id> <stage>",
		Short: "Move request to another stage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			to, err := stage.Parse(args[1])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *pipeline.Engine) error {
				req, err := e.Transition(ctx, pipeline.TransitionOptions{
					ID:      args[0],
					To:      to,
					Reason:  reason,
					ActorID: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "transition reason")
	return cmd
}

func requestHoldCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "hold <id>",
		Short: "Put request on hold",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *pipeline.Engine) error {
				req, err := e.Hold(ctx, args[0], reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "hold reason")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func requestResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <id>",
		Short: "Resume a held request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *pipeline.Engine) error {
				req, err := e.Resume(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
}

func requestEstimateCmd() *cobra.Command {
	var points int
	var confidence, notes string
	cmd := &cobra.Command{
		Use:   "estimate <id>",
		Short: "Submit an estimate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *pipeline.Engine) error {
				req, err := e.SubmitEstimate(ctx, pipeline.EstimateOptions{
					ID:          args[0],
					StoryPoints: points,
					Confidence:  stage.Confidence(confidence),
					Notes:       notes,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	cmd.Flags().IntVar(&points, "points", 0, "story points")
	cmd.Flags().StringVar(&confidence, "confidence", "", "low|medium|high")
	cmd.Flags().StringVar(&notes, "notes", "", "estimation notes")
	_ = cmd.MarkFlagRequired("points")
	return cmd
}

func requestAssignCmd() *cobra.Command {
	var pmID, estimatorID string
	cmd := &cobra.Command{
		Use:   "assign <id>",
		Short: "Assign PM or estimator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if pmID == "" && estimatorID == "" {
				return fmt.Errorf("--pm-id or --estimator-id required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *pipeline.Engine) error {
				actor := viper.GetString("actor-id")
				var req domain.Request
				var err error
				if pmID != "" {
					req, err = e.AssignPM(ctx, args[0], &pmID, actor)
					if err != nil {
						return err
					}
				}
				if estimatorID != "" {
					req, err = e.AssignEstimator(ctx, args[0], &estimatorID, actor)
					if err != nil {
						return err
					}
				}
				return printJSONOrTable(req)
			})
		},
	}
	cmd.Flags().StringVar(&pmID, "pm-id", "", "assigned PM id")
	cmd.Flags().StringVar(&estimatorID, "estimator-id", "", "estimator id")
	return cmd
}

func requestCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *pipeline.Engine) error {
				req, err := e.Cancel(ctx, args[0], reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func requestConvertCmd() *cobra.Command {
	var dest, projectID string
	cmd := &cobra.Command{
		Use:   "convert <id>",
		Short: "Convert a ready request into a project or ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *pipeline.Engine) error {
				opts := pipeline.ConvertOptions{
					ID:        args[0],
					ProjectID: optionalString(projectID),
					ActorID:   viper.GetString("actor-id"),
				}
				if dest != "" {
					d, err := stage.ParseDestination(dest)
					if err != nil {
						return err
					}
					opts.Destination = d
				}
				res, err := e.Convert(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("%s converted to %s %s (%s)\n", res.Request.RequestNumber, res.Destination, res.EntityNum, res.EntityID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&dest, "to", "", "project|ticket (overrides routing)")
	cmd.Flags().StringVar(&projectID, "project-id", "", "attach ticket to an existing project")
	return cmd
}

func requestHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <id>",
		Short: "Show request audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.RequestHistory(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
}

func requestStaleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stale",
		Short: "Requests past their stage aging threshold",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *pipeline.Engine) error {
				items, err := e.StaleRequests(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Number", "Title", "Stage", "Hours in stage"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.RequestNumber, s.Title, s.Stage, s.HoursInStage})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func bulkCmd() *cobra.Command {
	bulk := &cobra.Command{Use: "bulk", Short: "Bulk request operations"}
	bulk.AddCommand(bulkTransitionCmd())
	bulk.AddCommand(bulkAssignCmd())
	return bulk
}

func bulkTransitionCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "transition <stage> <id>...",
		Short: "Transition many requests",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			to, err := stage.Parse(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *pipeline.Engine) error {
				res := e.BulkTransition(ctx, pipeline.BulkTransitionOptions{
					IDs:     args[1:],
					To:      to,
					Reason:  reason,
					ActorID: viper.GetString("actor-id"),
				})
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "transition reason")
	return cmd
}

func bulkAssignCmd() *cobra.Command {
	var pmID string
	cmd := &cobra.Command{
		Use:   "assign <id>...",
		Short: "Assign a PM to many requests",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if pmID == "" {
				return fmt.Errorf("--pm-id required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *pipeline.Engine) error {
				res := e.BulkAssign(ctx, pipeline.BulkAssignOptions{
					IDs:          args,
					AssignedPMID: &pmID,
					ActorID:      viper.GetString("actor-id"),
				})
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&pmID, "pm-id", "", "assigned PM id")
	_ = cmd.MarkFlagRequired("pm-id")
	return cmd
}

func clientCmd() *cobra.Command {
	client := &cobra.Command{Use: "client", Short: "Manage clients"}
	client.AddCommand(clientCreateCmd())
	client.AddCommand(clientListCmd())
	return client
}

func clientCreateCmd() *cobra.Command {
	var name, email string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create client",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				c := domain.Client{
					ID:        uuid.NewString(),
					Name:      name,
					Email:     email,
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertClient(ctx, c); err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "client name")
	cmd.Flags().StringVar(&email, "email", "", "client email")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func clientListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List clients",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListClients(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Active pipeline counts per stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				counts, err := r.CountRequestsByStage(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(counts)
			})
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, evtType, entityKind, entityID)
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

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyDeleteCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			raw := make([]byte, 24)
			if _, err := rand.Read(raw); err != nil {
				return err
			}
			secret := "ilk_" + hex.EncodeToString(raw)
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   actor,
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				// The secret is shown once and never stored.
				fmt.Println(secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func apikeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			e := pipeline.New(conn, *cfg)
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("INTAKELINE_JWT_SECRET"),
				AllowLegacyActorHeader: os.Getenv("INTAKELINE_ALLOW_LEGACY_ACTOR") == "1",
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowLegacyActorHeader {
				return fmt.Errorf("INTAKELINE_JWT_SECRET is required for bearer auth")
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
			fmt.Printf("Serving Intakeline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
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

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, *pipeline.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	return fn(ctx, pipeline.New(conn, *cfg))
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

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func parseBoolFlag(v string) *bool {
	switch v {
	case "true":
		b := true
		return &b
	case "false":
		b := false
		return &b
	}
	return nil
}
