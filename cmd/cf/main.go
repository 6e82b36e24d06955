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

	"caseflow/internal/config"
	"caseflow/internal/db"
	"caseflow/internal/domain"
	"caseflow/internal/engine"
	"caseflow/internal/migrate"
	"caseflow/internal/repo"
	"caseflow/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cf",
	Short: "Caseflow CLI",
	Long: `Caseflow routes approval cases through configured workflow steps.
Core concepts:
- Workspace: your .caseflow directory holding the database; workflows come from caseflow.yml.
- Workflow: an ordered chain of approval steps, each with an approver strategy and a document checklist.
- Case: one request (a procurement, a payment) moving through a workflow; exactly one step is pending at a time.
- Checklist: required documents and manual verifications that must pass before a step can be approved.
- Track: the audit trail of every step instance a case has visited, including rejected ones.
- Event log: diary of changes, view with 'cf log tail'.`,
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
	viper.SetEnvPrefix("CASEFLOW")
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
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(caseCmd())
	rootCmd.AddCommand(checklistCmd())
	rootCmd.AddCommand(docCmd())
	rootCmd.AddCommand(directoryCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage workspace config",
		Long:  "Config is the rulebook (caseflow.yml): the org, the document type catalog, and the workflow step chains with their approver strategies and checklists.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var orgID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default caseflow.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(orgID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&orgID, "org", "default", "org id")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
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
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil && cfg != nil, "error": fmt.Sprint(err)})
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

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{
		Use:   "workflow",
		Short: "Manage workflow definitions",
		Long:  "Workflows are imported from config into the database. Once a case is opened on a workflow the definition is locked against re-import.",
	}
	wf.AddCommand(workflowImportCmd())
	wf.AddCommand(workflowListCmd())
	wf.AddCommand(workflowShowCmd())
	return wf
}

func workflowImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import workflow definitions from YAML config",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg *config.Config
			var err error
			if filePath != "" {
				cfg, err = config.FromFile(filePath)
			} else {
				cfg, err = config.Load(viper.GetString("workspace"))
			}
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				imported, err := e.ImportWorkflows(ctx, cfg, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"imported": imported})
				}
				if len(imported) == 0 {
					fmt.Println("Nothing to import (all workflows already present)")
					return nil
				}
				for _, id := range imported {
					fmt.Printf("Imported %s\n", id)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config (defaults to workspace caseflow.yml)")
	return cmd
}

func workflowListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListWorkflows(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Case Type", "Locked"})
				for _, wf := range items {
					tw.AppendRow(table.Row{wf.ID, wf.Name, wf.CaseType, wf.Locked})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func workflowShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a workflow with steps and requirements",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				wf, err := e.Repo.GetWorkflow(ctx, args[0])
				if err != nil {
					return err
				}
				steps, err := e.Repo.ListStepDefinitions(ctx, nil, wf.ID)
				if err != nil {
					return err
				}
				for i := range steps {
					reqs, err := e.Repo.ListStepRequirements(ctx, nil, steps[i].ID)
					if err != nil {
						return err
					}
					steps[i].Requirements = reqs
				}
				wf.Steps = steps
				return printJSONOrTable(wf)
			})
		},
	}
	return cmd
}

func caseCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "case",
		Short: "Manage cases",
		Long:  "Cases move through workflow steps one at a time. Approve advances, send-back returns to an earlier step, skip closes a step without approval.",
	}
	c.AddCommand(caseCreateCmd())
	c.AddCommand(caseListCmd())
	c.AddCommand(caseShowCmd())
	c.AddCommand(caseTrackCmd())
	c.AddCommand(caseApproveCmd())
	c.AddCommand(caseSendBackCmd())
	c.AddCommand(caseSkipCmd())
	return c
}

func caseCreateCmd() *cobra.Command {
	var opts engine.CaseCreateOptions
	var metadata string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a case on a workflow",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			opts.MetadataJSON = metadata
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.CreateCase(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "case id (optional)")
	cmd.Flags().StringVar(&opts.WorkflowID, "workflow", "", "workflow id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().Int64Var(&opts.AmountCents, "amount-cents", 0, "case amount in cents")
	cmd.Flags().StringVar(&metadata, "metadata-json", "", "metadata JSON")
	cmd.Flags().StringVar(&opts.UnitID, "unit", "", "originating org unit id")
	_ = cmd.MarkFlagRequired("workflow")
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
				items, err := e.Repo.ListCases(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Workflow", "Status", "Created By"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.Title, c.WorkflowID, c.Status, c.CreatedBy})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.WorkflowID, "workflow", "", "workflow filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter (open, closed)")
	cmd.Flags().StringVar(&f.CreatedBy, "created-by", "", "creator filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func caseShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Repo.GetCase(ctx, nil, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func caseTrackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "track <id>",
		Short: "Show the approval track of a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.GetTrack(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "Step", "Status", "Approver", "Approved At", "Remarks"})
				for _, entry := range entries {
					approvedAt := ""
					if entry.ApprovedAt != nil {
						approvedAt = *entry.ApprovedAt
					}
					tw.AppendRow(table.Row{entry.StepNumber, entry.Title, entry.Status, entry.ApproverName, approvedAt, entry.Remarks})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func caseApproveCmd() *cobra.Command {
	var remarks string
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve the current step of a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Approve(ctx, engine.ApproveOptions{
					CaseID:  args[0],
					ActorID: viper.GetString("actor-id"),
					Remarks: remarks,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				switch {
				case res.CaseClosed:
					fmt.Println("Case closed: all steps complete")
				case res.Advanced:
					fmt.Printf("Advanced to step %s\n", res.NextStepKey)
				default:
					fmt.Printf("Concurrence recorded; waiting on: %s\n", strings.Join(res.PendingActors, ", "))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&remarks, "remarks", "", "approval remarks")
	return cmd
}

func caseSendBackCmd() *cobra.Command {
	var remarks string
	cmd := &cobra.Command{
		Use:   "send-back <id>",
		Short: "Reject the current step back to an earlier one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				nsi, err := e.SendBack(ctx, engine.SendBackOptions{
					CaseID:  args[0],
					ActorID: viper.GetString("actor-id"),
					Remarks: remarks,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(nsi)
			})
		},
	}
	cmd.Flags().StringVar(&remarks, "remarks", "", "rejection remarks")
	return cmd
}

func caseSkipCmd() *cobra.Command {
	var remarks string
	cmd := &cobra.Command{
		Use:   "skip <id>",
		Short: "Administratively skip the current step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Skip(ctx, engine.SkipOptions{
					CaseID:  args[0],
					ActorID: viper.GetString("actor-id"),
					Remarks: remarks,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&remarks, "remarks", "", "skip remarks")
	return cmd
}

func checklistCmd() *cobra.Command {
	cl := &cobra.Command{
		Use:   "checklist",
		Short: "Inspect and verify step checklists",
		Long:  "Every pending step has a checklist of document requirements. Auto requirements pass when a matching document is attached; manual ones need an explicit verification.",
	}
	cl.AddCommand(checklistShowCmd())
	cl.AddCommand(checklistVerifyCmd())
	return cl
}

func checklistShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <step-instance-id>",
		Short: "Evaluate a step checklist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				result, err := e.GetChecklist(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(result)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Requirement", "Mode", "Required", "Status"})
				for _, item := range result.Items {
					tw.AppendRow(table.Row{item.Name, item.Mode, item.Required, item.Status})
				}
				tw.Render()
				if result.Summary.IsComplete {
					fmt.Println("Checklist complete")
				} else {
					fmt.Printf("Missing: %s\n", strings.Join(result.Summary.Missing, ", "))
				}
				return nil
			})
		},
	}
	return cmd
}

func checklistVerifyCmd() *cobra.Command {
	var opts engine.VerifyOptions
	cmd := &cobra.Command{
		Use:   "verify <step-instance-id>",
		Short: "Record a manual verification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.StepInstanceID = args[0]
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				result, err := e.RecordManualVerification(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(result)
			})
		},
	}
	cmd.Flags().StringVar(&opts.RequirementID, "requirement", "", "requirement id")
	cmd.Flags().StringVar(&opts.Status, "status", "", "pass or fail")
	cmd.Flags().StringVar(&opts.Notes, "notes", "", "verification notes")
	_ = cmd.MarkFlagRequired("requirement")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func docCmd() *cobra.Command {
	doc := &cobra.Command{
		Use:   "doc",
		Short: "Manage checklist evidence documents",
	}
	doc.AddCommand(docAttachCmd())
	doc.AddCommand(docListCmd())
	return doc
}

func docAttachCmd() *cobra.Command {
	var opts engine.DocumentAttachOptions
	cmd := &cobra.Command{
		Use:   "attach",
		Short: "Attach a document to a case or step instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.AttachDocument(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&opts.RefID, "ref", "", "case id or step instance id")
	cmd.Flags().StringVar(&opts.DocTypeID, "doc-type", "", "document type id")
	cmd.Flags().StringVar(&opts.FileName, "file-name", "", "file name")
	cmd.Flags().StringVar(&opts.FileURL, "file-url", "", "file URL")
	_ = cmd.MarkFlagRequired("ref")
	_ = cmd.MarkFlagRequired("doc-type")
	_ = cmd.MarkFlagRequired("file-name")
	return cmd
}

func docListCmd() *cobra.Command {
	var refID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List documents for a case or step instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListDocuments(ctx, refID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&refID, "ref", "", "case id or step instance id")
	_ = cmd.MarkFlagRequired("ref")
	return cmd
}

func directoryCmd() *cobra.Command {
	dir := &cobra.Command{
		Use:   "directory",
		Short: "Manage org units, actors, and roles",
		Long:  "The directory feeds approver resolution: org units with heads for org_relation strategies, actors with roles for role strategies.",
	}
	dir.AddCommand(directoryUnitCmd())
	dir.AddCommand(directoryActorCmd())
	dir.AddCommand(directoryRoleCmd())
	return dir
}

func directoryUnitCmd() *cobra.Command {
	unit := &cobra.Command{Use: "unit", Short: "Manage org units"}

	var name, parent, head string
	upsert := &cobra.Command{
		Use:   "upsert <id>",
		Short: "Create or update an org unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u := domain.OrgUnit{
					ID:           args[0],
					Name:         name,
					ParentUnitID: optionalString(parent),
					HeadActorID:  optionalString(head),
				}
				saved, err := e.UpsertOrgUnit(ctx, u, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(saved)
			})
		},
	}
	upsert.Flags().StringVar(&name, "name", "", "unit name")
	upsert.Flags().StringVar(&parent, "parent", "", "parent unit id")
	upsert.Flags().StringVar(&head, "head", "", "head actor id")
	_ = upsert.MarkFlagRequired("name")
	unit.AddCommand(upsert)

	unit.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List org units",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListOrgUnits(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	})
	return unit
}

func directoryActorCmd() *cobra.Command {
	actor := &cobra.Command{Use: "actor", Short: "Manage actors"}

	var displayName, unitID string
	var inactive bool
	var roles []string
	upsert := &cobra.Command{
		Use:   "upsert <id>",
		Short: "Create or update an actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a := domain.Actor{
					ID:          args[0],
					DisplayName: displayName,
					UnitID:      optionalString(unitID),
					Active:      !inactive,
				}
				if a.DisplayName == "" {
					a.DisplayName = a.ID
				}
				var roleSet []string
				if cmd.Flags().Changed("role") {
					roleSet = roles
				}
				saved, err := e.UpsertActor(ctx, a, roleSet, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(saved)
			})
		},
	}
	upsert.Flags().StringVar(&displayName, "name", "", "display name")
	upsert.Flags().StringVar(&unitID, "unit", "", "org unit id")
	upsert.Flags().BoolVar(&inactive, "inactive", false, "mark actor inactive")
	upsert.Flags().StringArrayVar(&roles, "role", []string{}, "role (repeatable, replaces existing set)")
	actor.AddCommand(upsert)

	actor.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List actors",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListActors(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Unit", "Active"})
				for _, a := range items {
					unit := ""
					if a.UnitID != nil {
						unit = *a.UnitID
					}
					tw.AppendRow(table.Row{a.ID, a.DisplayName, unit, a.Active})
				}
				tw.Render()
				return nil
			})
		},
	})
	return actor
}

func directoryRoleCmd() *cobra.Command {
	role := &cobra.Command{Use: "role", Short: "Manage actor roles"}

	var target, roleName string
	grant := &cobra.Command{
		Use:   "grant",
		Short: "Grant a role to an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || roleName == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Repo.EnsureActor(ctx, nil, target, time.Now().UTC().Format(time.RFC3339)); err != nil {
					return err
				}
				return e.Repo.AssignRole(ctx, nil, target, roleName)
			})
		},
	}
	grant.Flags().StringVar(&target, "actor", "", "actor id")
	grant.Flags().StringVar(&roleName, "role", "", "role")
	role.AddCommand(grant)

	var rTarget, rRole string
	revoke := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a role from an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if rTarget == "" || rRole == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.RevokeRole(ctx, nil, rTarget, rRole)
			})
		},
	}
	revoke.Flags().StringVar(&rTarget, "actor", "", "actor id")
	revoke.Flags().StringVar(&rRole, "role", "", "role")
	role.AddCommand(revoke)
	return role
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: case movements, approvals, verifications, attachments.",
	}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var caseID, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, caseID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&caseID, "case", "", "case filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	ak := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	ak.AddCommand(apikeyCreateCmd())
	ak.AddCommand(apikeyListCmd())
	ak.AddCommand(apikeyDeleteCmd())
	return ak
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name, key string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register an API key for an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" || key == "" {
				return fmt.Errorf("--actor and --key required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				rec := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   actorID,
					Name:      name,
					KeyHash:   repo.HashAPIKey(key),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, nil, rec); err != nil {
					return err
				}
				rec.KeyHash = ""
				return printJSONOrTable(rec)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	cmd.Flags().StringVar(&key, "key", "", "key material (stored hashed)")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor filter")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
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
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			secret := os.Getenv("CASEFLOW_JWT_SECRET")
			if secret == "" {
				secret = cfg.Auth.JWTSecret
			}
			if secret == "" {
				return fmt.Errorf("CASEFLOW_JWT_SECRET (or config auth.jwt_secret) is required for bearer auth")
			}
			authCfg := server.AuthConfig{JWTSecret: secret, AllowLegacyActorHeader: allowLegacy}
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
			fmt.Printf("Serving Caseflow API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacy, "allow-legacy-actor-header", false, "accept X-Actor-Id without auth (dev only)")
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
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	if cfg == nil {
		cfg = config.Default("default")
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
