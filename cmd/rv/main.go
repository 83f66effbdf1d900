package main

import (
	"context"
	"database/sql"
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

	"revisaria/internal/app"
	"revisaria/internal/config"
	"revisaria/internal/db"
	"revisaria/internal/domain"
	"revisaria/internal/engine"
	"revisaria/internal/migrate"
	"revisaria/internal/repo"
	"revisaria/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "rv",
	Short: "Revisaria CLI",
	Long: `Revisaria runs professional-services engagements through a ten-phase
approval workflow (F0 request through F9 defense file). Each phase has a gate:
required agent opinions, required documents, and per-typology checklists.
Hard gates (F2, F6, F8) escalate on conditional opinions; a rejection or a
missing mandatory document blocks the advance unless a signed exception is
recorded. Everything lands in an append-only event log.`,
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
	viper.SetEnvPrefix("REVISARIA")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (defaults to the single project in the workspace)")
	rootCmd.PersistentFlags().String("firm", "", "firm id (overrides stored config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
	_ = viper.BindPFlag("firm", rootCmd.PersistentFlags().Lookup("firm"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(opinionCmd())
	rootCmd.AddCommand(docCmd())
	rootCmd.AddCommand(checklistCmd())
	rootCmd.AddCommand(gateCmd())
	rootCmd.AddCommand(advanceCmd())
	rootCmd.AddCommand(sendBackCmd())
	rootCmd.AddCommand(exceptionCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(riskCmd())
	rootCmd.AddCommand(counterpartyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var opts engine.ProjectCreateOptions
	var cp engine.CounterpartyInput
	var relationship string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project at phase F0",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			if cmd.Flags().Changed("counterparty-name") {
				cp.Relationship = domain.Relationship(relationship)
				opts.Counterparty = &cp
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.InitProject(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "project id (optional, UUID if omitted)")
	cmd.Flags().StringVar(&opts.Typology, "typology", "", "service typology")
	cmd.Flags().Int64Var(&opts.Amount, "amount", 0, "engagement amount in cents")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&cp.ID, "counterparty-id", "", "counterparty id")
	cmd.Flags().StringVar(&cp.Name, "counterparty-name", "", "counterparty name")
	cmd.Flags().StringVar(&cp.RFC, "counterparty-rfc", "", "counterparty RFC")
	cmd.Flags().StringVar(&relationship, "relationship", string(domain.RelIndependent), "relationship (INDEPENDENT_THIRD_PARTY, RELATED_PARTY, INTRAGROUP)")
	cmd.Flags().BoolVar(&cp.EFOSListed, "efos-listed", false, "counterparty appears on EFOS lists")
	cmd.Flags().BoolVar(&cp.FirstTime, "first-time", false, "first-time provider")
	_ = cmd.MarkFlagRequired("typology")
	return cmd
}

func projectListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Typology", "Phase", "Risk", "Status", "Amount"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Typology, p.CurrentPhase, p.RiskScore, p.Status, p.Amount})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := resolveProject(ctx, e)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Full project status: phase ledger and gate evaluation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := resolveProject(ctx, e)
				if err != nil {
					return err
				}
				summary, err := e.ProjectStatus(ctx, p.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(summary)
				}
				fmt.Printf("Project: %s (%s, %s, phase %s, risk %d)\n",
					p.ID, p.Typology, p.Status, p.CurrentPhase, p.RiskScore)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Phase", "State", "Closure", "Completed"})
				for _, ps := range summary.Phases {
					completed := ""
					if ps.CompletedAt != nil {
						completed = *ps.CompletedAt
					}
					tw.AppendRow(table.Row{ps.Phase, ps.State, ps.ClosureType, completed})
				}
				tw.Render()
				gate := summary.Gate
				fmt.Printf("Gate %s: allowed=%v hard=%v exception=%v\n", gate.Phase, gate.Allowed, gate.HardGate, gate.HasException)
				for _, reason := range gate.BlockingReasons {
					fmt.Printf("  blocked: %s\n", reason)
				}
				if gate.HumanReview.Required {
					fmt.Println("Human review required:")
					for _, reason := range gate.HumanReview.Reasons {
						fmt.Printf("  %s\n", reason)
					}
				}
				return nil
			})
		},
	}
	return cmd
}

func opinionCmd() *cobra.Command {
	op := &cobra.Command{
		Use:   "opinion",
		Short: "Agent opinions",
		Long:  "Opinions are per-agent decisions on a phase (APPROVE, APPROVE_WITH_CONDITIONS, REQUEST_CHANGES, REJECT). Resubmitting replaces the effective opinion; history is kept.",
	}
	op.AddCommand(opinionSubmitCmd())
	op.AddCommand(opinionListCmd())
	op.AddCommand(opinionAggregateCmd())
	return op
}

func opinionSubmitCmd() *cobra.Command {
	var agentID, phase, decision, justification, scores string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit an agent opinion",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := resolveProject(ctx, e)
				if err != nil {
					return err
				}
				op, err := e.SubmitOpinion(ctx, engine.OpinionOptions{
					ProjectID:     p.ID,
					AgentID:       agentID,
					Phase:         domain.Phase(phase),
					Decision:      domain.Decision(decision),
					Justification: justification,
					ScoresJSON:    scores,
					SubmittedBy:   viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(op)
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id")
	cmd.Flags().StringVar(&phase, "phase", "", "phase (defaults to current)")
	cmd.Flags().StringVar(&decision, "decision", "", "decision")
	cmd.Flags().StringVar(&justification, "justification", "", "justification text")
	cmd.Flags().StringVar(&scores, "scores-json", "", "scores JSON")
	_ = cmd.MarkFlagRequired("agent")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func opinionListCmd() *cobra.Command {
	var phase, agentID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List opinion history",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := resolveProject(ctx, e)
				if err != nil {
					return err
				}
				items, err := e.Repo.ListOpinions(ctx, repo.OpinionFilters{
					ProjectID: p.ID,
					Phase:     domain.Phase(phase),
					AgentID:   agentID,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Agent", "Phase", "Decision", "By", "At"})
				for _, op := range items {
					tw.AppendRow(table.Row{op.AgentID, op.Phase, op.Decision, op.SubmittedBy, op.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&phase, "phase", "", "phase filter")
	cmd.Flags().StringVar(&agentID, "agent", "", "agent filter")
	return cmd
}

func opinionAggregateCmd() *cobra.Command {
	var phase string
	cmd := &cobra.Command{
		Use:   "aggregate",
		Short: "Consolidated multi-agent view for a phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := resolveProject(ctx, e)
				if err != nil {
					return err
				}
				agg, err := e.AggregateOpinions(ctx, p.ID, domain.Phase(phase))
				if err != nil {
					return err
				}
				return printJSONOrTable(agg)
			})
		},
	}
	cmd.Flags().StringVar(&phase, "phase", "", "phase (defaults to current)")
	return cmd
}

func docCmd() *cobra.Command {
	doc := &cobra.Command{Use: "doc", Short: "Document presence flags"}
	doc.AddCommand(docSetCmd())
	doc.AddCommand(docListCmd())
	return doc
}

func docSetCmd() *cobra.Command {
	var docType string
	var missing bool
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Mark a document present (or missing with --missing)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := resolveProject(ctx, e)
				if err != nil {
					return err
				}
				d, err := e.SetDocument(ctx, p.ID, docType, !missing, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&docType, "type", "", "document type")
	cmd.Flags().BoolVar(&missing, "missing", false, "mark the document as missing")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func docListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List document flags",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := resolveProject(ctx, e)
				if err != nil {
					return err
				}
				items, err := e.Repo.ListDocuments(ctx, p.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func checklistCmd() *cobra.Command {
	cl := &cobra.Command{
		Use:   "checklist",
		Short: "Per-typology checklists",
		Long:  "Checklist completion is reported on the gate but never blocks an advance.",
	}
	cl.AddCommand(checklistSatisfyCmd())
	cl.AddCommand(checklistUnsatisfyCmd())
	cl.AddCommand(checklistStatusCmd())
	return cl
}

func checklistSatisfyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "satisfy <item-id>",
		Short: "Mark a checklist item satisfied",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			itemID := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := resolveProject(ctx, e)
				if err != nil {
					return err
				}
				m, err := e.SatisfyChecklistItem(ctx, p.ID, itemID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	return cmd
}

func checklistUnsatisfyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unsatisfy <item-id>",
		Short: "Clear a satisfied checklist item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			itemID := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := resolveProject(ctx, e)
				if err != nil {
					return err
				}
				return e.UnsatisfyChecklistItem(ctx, p.ID, itemID, viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func checklistStatusCmd() *cobra.Command {
	var phase string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Checklist completion for a phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := resolveProject(ctx, e)
				if err != nil {
					return err
				}
				res, err := e.ChecklistStatus(ctx, p.ID, domain.Phase(phase))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Checklist %s/%s: %d/%d satisfied (mandatory %.0f%%, total %.0f%%)\n",
					res.Typology, res.Phase, res.SatisfiedCount, res.TotalCount,
					res.MandatoryCompletionPct, res.TotalCompletionPct)
				for _, item := range res.MissingMandatory {
					fmt.Printf("  missing [mandatory] %s: %s\n", item.ID, item.Description)
				}
				for _, item := range res.MissingOptional {
					fmt.Printf("  missing [optional]  %s: %s\n", item.ID, item.Description)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&phase, "phase", "", "phase (defaults to current)")
	return cmd
}

func gateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gate",
		Short: "Evaluate the current phase gate without advancing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := resolveProject(ctx, e)
				if err != nil {
					return err
				}
				gate, err := e.CanAdvance(ctx, p.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(gate)
			})
		},
	}
	return cmd
}

func advanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "advance",
		Short: "Advance the project one phase (closes it past F9)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := resolveProject(ctx, e)
				if err != nil {
					return err
				}
				updated, gate, err := e.Advance(ctx, p.ID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"project": updated, "gate": gate})
			})
		},
	}
	return cmd
}

func sendBackCmd() *cobra.Command {
	var target, reason string
	cmd := &cobra.Command{
		Use:   "send-back",
		Short: "Return the project to an earlier phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := resolveProject(ctx, e)
				if err != nil {
					return err
				}
				updated, err := e.SendBack(ctx, p.ID, domain.Phase(target), reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(updated)
			})
		},
	}
	cmd.Flags().StringVar(&target, "to", "", "target phase")
	cmd.Flags().StringVar(&reason, "reason", "", "send-back reason")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func exceptionCmd() *cobra.Command {
	exc := &cobra.Command{
		Use:   "exception",
		Short: "Signed gate exceptions",
		Long:  "An exception records who accepted which risks to pass a blocked gate. The phase then closes as EXCEPTION instead of NORMAL.",
	}
	exc.AddCommand(exceptionRecordCmd())
	exc.AddCommand(exceptionListCmd())
	return exc
}

func exceptionRecordCmd() *cobra.Command {
	var phase, responsible, justification string
	var risks []string
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record a signed exception",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := resolveProject(ctx, e)
				if err != nil {
					return err
				}
				rec, err := e.RecordException(ctx, engine.ExceptionOptions{
					ProjectID:     p.ID,
					Phase:         domain.Phase(phase),
					Responsible:   responsible,
					Justification: justification,
					AcceptedRisks: risks,
					ActorID:       viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	cmd.Flags().StringVar(&phase, "phase", "", "phase (defaults to current)")
	cmd.Flags().StringVar(&responsible, "responsible", "", "responsible signer")
	cmd.Flags().StringVar(&justification, "justification", "", "justification text")
	cmd.Flags().StringArrayVar(&risks, "accepted-risk", []string{}, "accepted risk (repeatable)")
	_ = cmd.MarkFlagRequired("responsible")
	_ = cmd.MarkFlagRequired("justification")
	return cmd
}

func exceptionListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded exceptions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := resolveProject(ctx, e)
				if err != nil {
					return err
				}
				items, err := e.Repo.ListExceptions(ctx, p.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func reviewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Human review routing verdict",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := resolveProject(ctx, e)
				if err != nil {
					return err
				}
				verdict, class, err := e.HumanReview(ctx, p.ID)
				if err != nil {
					return err
				}
				out := map[string]any{
					"project_id": p.ID,
					"required":   verdict.Required,
					"reasons":    verdict.Reasons,
					"risk_class": class,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Risk class: %s\n", class)
				if verdict.Required {
					fmt.Println("Human review required:")
					for _, reason := range verdict.Reasons {
						fmt.Printf("  %s\n", reason)
					}
				} else {
					fmt.Println("No human review required")
				}
				return nil
			})
		},
	}
	return cmd
}

func riskCmd() *cobra.Command {
	var score int
	cmd := &cobra.Command{
		Use:   "risk",
		Short: "Set the project risk score (0-100)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := resolveProject(ctx, e)
				if err != nil {
					return err
				}
				updated, class, err := e.SetRiskScore(ctx, p.ID, score, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"project": updated, "risk_class": class})
			})
		},
	}
	cmd.Flags().IntVar(&score, "score", 0, "risk score")
	_ = cmd.MarkFlagRequired("score")
	return cmd
}

func counterpartyCmd() *cobra.Command {
	cp := &cobra.Command{Use: "counterparty", Short: "Counterparties"}
	cp.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List counterparties",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListCounterparties(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	})
	return cp
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Event log"}
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
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := resolveProject(ctx, e)
				if err != nil {
					return err
				}
				events, err := e.Repo.LatestEvents(ctx, n, p.ID, evtType, entityKind, entityID)
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

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Firm configuration",
		Long:  "The firm config defines agents, phases, gates, document requirements, typologies with checklists, risk thresholds and RBAC. Stored in the DB; import from revisaria.yml explicitly.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configImportCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the stored config",
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
		Short: "Validate the stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import firm config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.UpsertFirmConfig(ctx, cfg.Firm.ID, cfg); err != nil {
					return err
				}
				e, err := engine.New(r.DB, cfg)
				if err != nil {
					return err
				}
				if err := e.SeedRBAC(ctx, viper.GetString("actor-id")); err != nil {
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

func configInitCmd() *cobra.Command {
	var firmID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default revisaria.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(firmID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&firmID, "firm-id", "default-firm", "firm id")
	return cmd
}

func rbacCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "rbac", Short: "RBAC management"}
	cmd.AddCommand(rbacWhoamiCmd())
	cmd.AddCommand(rbacGrantCmd())
	cmd.AddCommand(rbacRevokeCmd())
	cmd.AddCommand(rbacAllowOpinionCmd())
	cmd.AddCommand(rbacDenyOpinionCmd())
	cmd.AddCommand(rbacSeedCmd())
	cmd.AddCommand(apiKeyCmd())
	return cmd
}

func rbacWhoamiCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show current actor roles, permissions and opinion agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actorID := viper.GetString("actor-id")
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				roles, err := e.Auth.ActorRoles(ctx, tx, actorID)
				if err != nil {
					return err
				}
				perms, err := e.Auth.ActorPermissions(ctx, tx, actorID)
				if err != nil {
					return err
				}
				agents, err := e.Auth.ActorOpinionAgents(ctx, tx, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"actor_id":       actorID,
					"roles":          roles,
					"permissions":    perms,
					"opinion_agents": agents,
				})
			})
		},
	}
	return cmd
}

func rbacGrantCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "grant-role",
		Short: "Grant role to actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return rbacMutate(cmd.Context(), func(ctx context.Context, r repo.Repo, tx txLike) error {
				now := time.Now().UTC().Format(time.RFC3339)
				if err := r.EnsureActor(ctx, tx, target, now); err != nil {
					return err
				}
				return r.AssignRole(ctx, tx, target, role)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func rbacRevokeCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "revoke-role",
		Short: "Revoke role from actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return rbacMutate(cmd.Context(), func(ctx context.Context, r repo.Repo, tx txLike) error {
				return r.RevokeRole(ctx, tx, target, role)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func rbacAllowOpinionCmd() *cobra.Command {
	var role, agent string
	cmd := &cobra.Command{
		Use:   "allow-opinion",
		Short: "Allow role to submit opinions for an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			if role == "" || agent == "" {
				return fmt.Errorf("--role and --agent required")
			}
			return rbacMutate(cmd.Context(), func(ctx context.Context, r repo.Repo, tx txLike) error {
				return r.AllowOpinionRole(ctx, tx, agent, role)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role id")
	cmd.Flags().StringVar(&agent, "agent", "", "agent id")
	return cmd
}

func rbacDenyOpinionCmd() *cobra.Command {
	var role, agent string
	cmd := &cobra.Command{
		Use:   "deny-opinion",
		Short: "Withdraw a role's opinion authority for an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			if role == "" || agent == "" {
				return fmt.Errorf("--role and --agent required")
			}
			return rbacMutate(cmd.Context(), func(ctx context.Context, r repo.Repo, tx txLike) error {
				return r.DenyOpinionRole(ctx, tx, agent, role)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role id")
	cmd.Flags().StringVar(&agent, "agent", "", "agent id")
	return cmd
}

func rbacSeedCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load configured roles and authorities into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if owner == "" {
					owner = viper.GetString("actor-id")
				}
				return e.SeedRBAC(ctx, owner)
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "actor granted the owner role")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "api-key", Short: "API keys for the HTTP server"}
	key.AddCommand(apiKeyCreateCmd())
	key.AddCommand(apiKeyListCmd())
	key.AddCommand(apiKeyDeleteCmd())
	return key
}

func apiKeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the raw key is printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				return fmt.Errorf("--actor required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				raw := uuid.NewString() + uuid.NewString()
				key := domain.APIKey{
					ID:      uuid.NewString(),
					ActorID: actor,
					Name:    name,
					KeyHash: repo.HashAPIKey(raw),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"id": key.ID, "actor_id": actor, "key": raw})
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "filter by actor id")
	return cmd
}

func apiKeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacyHeader bool
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
			_, cfg, err := app.ResolveConfig(cmd.Context(), workspace, viper.GetString("firm"), viper.GetString("actor-id"), r)
			if err != nil {
				return err
			}
			e, err := engine.New(conn, cfg)
			if err != nil {
				return err
			}
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("REVISARIA_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacyHeader,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("REVISARIA_JWT_SECRET is required for bearer auth")
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
			fmt.Printf("Serving Revisaria API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacyHeader, "allow-legacy-actor-header", false, "accept X-Actor-Id without auth (dev only)")
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
	_, cfg, err := app.ResolveConfig(ctx, workspace, viper.GetString("firm"), viper.GetString("actor-id"), r)
	if err != nil {
		return err
	}
	e, err := engine.New(conn, cfg)
	if err != nil {
		return err
	}
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
	r := repo.Repo{DB: conn}
	return fn(ctx, r)
}

// resolveProject applies the --project flag or falls back to the single
// project in the workspace.
func resolveProject(ctx context.Context, e engine.Engine) (domain.Project, error) {
	if target := strings.TrimSpace(viper.GetString("project")); target != "" {
		return e.Repo.GetProject(ctx, target)
	}
	return e.Repo.SingleProject(ctx)
}

type txLike = *sql.Tx

func rbacMutate(ctx context.Context, fn func(context.Context, repo.Repo, txLike) error) error {
	return withRepo(ctx, func(ctx context.Context, r repo.Repo) error {
		tx, err := r.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := fn(ctx, r, tx); err != nil {
			return err
		}
		return tx.Commit()
	})
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
