package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"caseline/internal/app"
	"caseline/internal/config"
	"caseline/internal/db"
	"caseline/internal/domain"
	"caseline/internal/engine"
	"caseline/internal/export"
	"caseline/internal/migrate"
	"caseline/internal/repo"
	"caseline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cl",
	Short: "Caseline CLI",
	Long: `Caseline mirrors what a user can see in an ALM system, turns selected
requirements into generated test cases, and pushes reviewed cases back.
- Sync: fetch resources and projects for a token and reconcile access grants.
- Jobs: a named batch of work items, one per selected requirement.
- Work items: pending -> in_progress -> completed|failed; re-selecting a
  requirement marks the previous item stale; completed items can be deployed.
- Artifacts: generated test cases, editable in review before deploy.
- Event log: every mutation, view with 'cl log tail'.`,
	SilenceUsage: true,
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
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CASELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "user id acting on the workspace")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/caseline.yml)")
	rootCmd.PersistentFlags().String("log-mode", "", "logging mode override (development|production)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("log-mode", rootCmd.PersistentFlags().Lookup("log-mode"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(accessCmd())
	rootCmd.AddCommand(resourcesCmd())
	rootCmd.AddCommand(projectsCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(localCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the workspace database and a default caseline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				fmt.Printf("%s exists, keeping it (use --force to overwrite)\n", path)
			} else {
				if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Printf("wrote %s\n", path)
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			fmt.Printf("database ready at %s\n", db.Path(workspace))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing caseline.yml")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect caseline.yml",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the resolved config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := app.ResolveConfig(viper.GetString("workspace"), viper.GetString("config"))
			if err != nil {
				return err
			}
			return printJSONOrTable(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := app.ResolveConfig(viper.GetString("workspace"), viper.GetString("config"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	return cfg
}

func syncCmd() *cobra.Command {
	var userID, token string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Fetch resources and projects for a token and reconcile access",
		Long:  "The token comes from --token or CASELINE_EXTERNAL_TOKEN. A failed fetch changes nothing.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.SyncUser(ctx, actor(userID), token)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("synced %d resources, %d projects, %d work item types\n", res.Resources, res.Projects, res.WorkItemTypes)
				fmt.Printf("grants: %d added, %d revoked, %d kept\n", res.GrantsInserted, res.GrantsDeleted, res.GrantsKept)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id (defaults to --actor-id)")
	cmd.Flags().StringVar(&token, "token", "", "external access token")
	return cmd
}

func accessCmd() *cobra.Command {
	access := &cobra.Command{Use: "access", Short: "Inspect access grants"}
	var userID string
	list := &cobra.Command{
		Use:   "list",
		Short: "List a user's grants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				grants, err := e.ListGrants(ctx, actor(userID))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(grants)
				}
				tw := newTable(table.Row{"Resource", "Project", "Granted"})
				for _, g := range grants {
					project := "(resource only)"
					if g.ProjectID != nil {
						project = *g.ProjectID
					}
					tw.AppendRow(table.Row{g.ResourceID, project, g.CreatedAt})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	list.Flags().StringVar(&userID, "user", "", "user id (defaults to --actor-id)")
	access.AddCommand(list)
	return access
}

func resourcesCmd() *cobra.Command {
	res := &cobra.Command{Use: "resources", Short: "Synced external resources"}
	res.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List resources the actor can reach",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListAccessibleResources(ctx, actor(""))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Name", "URL"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.ID, r.Name, r.URL})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	})
	return res
}

func projectsCmd() *cobra.Command {
	prj := &cobra.Command{Use: "projects", Short: "Synced external projects"}
	var resourceID string
	list := &cobra.Command{
		Use:   "list",
		Short: "List granted projects of a resource",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListAccessibleProjects(ctx, actor(""), resourceID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Key", "Name", "Types"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Key, p.Name, len(p.WorkItemTypes)})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	list.Flags().StringVar(&resourceID, "resource", "", "resource id")
	_ = list.MarkFlagRequired("resource")
	prj.AddCommand(list, searchCmd())
	return prj
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{
		Use:   "project",
		Short: "Project generation settings",
		Long:  "Compliance frameworks and custom rules are handed to the generator with every work item of the project.",
	}
	prj.AddCommand(projectSettingsCmd())
	prj.AddCommand(projectComplianceCmd())
	prj.AddCommand(projectRuleCmd())
	return prj
}

func projectSettingsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "settings <project-id>",
		Short: "Show compliance frameworks and rules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.GetProjectSettings(ctx, actor(""), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func projectComplianceCmd() *cobra.Command {
	var frameworks []string
	cmd := &cobra.Command{
		Use:   "compliance <project-id>",
		Short: "Replace the project's compliance frameworks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.SetProjectCompliance(ctx, actor(""), args[0], toFrameworks(frameworks))
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringArrayVar(&frameworks, "framework", nil, "framework (repeatable): FDA, IEC 62304, ISO 9001, ISO 13485, ISO 27001")
	return cmd
}

func projectRuleCmd() *cobra.Command {
	rule := &cobra.Command{Use: "rule", Short: "Custom generation rules"}

	var title, description, severity string
	var tags []string
	var inactive bool
	add := &cobra.Command{
		Use:   "add <project-id>",
		Short: "Add a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				active := !inactive
				r, err := e.AddProjectRule(ctx, actor(""), args[0], engine.RuleInput{
					Title:       title,
					Description: description,
					Severity:    severity,
					Active:      &active,
					Tags:        tags,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	add.Flags().StringVar(&title, "title", "", "rule title")
	add.Flags().StringVar(&description, "description", "", "rule text passed to the generator")
	add.Flags().StringVar(&severity, "severity", "medium", "low|medium|high|critical")
	add.Flags().StringArrayVar(&tags, "tag", nil, "tag (repeatable)")
	add.Flags().BoolVar(&inactive, "inactive", false, "store the rule disabled")
	_ = add.MarkFlagRequired("title")
	_ = add.MarkFlagRequired("description")

	var activeOnly bool
	list := &cobra.Command{
		Use:   "list <project-id>",
		Short: "List rules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rules, err := e.ListProjectRules(ctx, actor(""), args[0], activeOnly)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rules)
				}
				tw := newTable(table.Row{"ID", "Title", "Severity", "Active", "Tags"})
				for _, r := range rules {
					tw.AppendRow(table.Row{r.ID, r.Title, r.Severity, r.Active, strings.Join(r.Tags, ",")})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	list.Flags().BoolVar(&activeOnly, "active", false, "only active rules")

	var enable, disable bool
	update := &cobra.Command{
		Use:   "update <project-id> <rule-id>",
		Short: "Enable or disable a rule",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if enable == disable {
				return fmt.Errorf("pass exactly one of --enable or --disable")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.UpdateProjectRule(ctx, actor(""), args[0], args[1], engine.RulePatch{Active: &enable})
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	update.Flags().BoolVar(&enable, "enable", false, "activate the rule")
	update.Flags().BoolVar(&disable, "disable", false, "deactivate the rule")

	del := &cobra.Command{
		Use:   "delete <project-id> <rule-id>",
		Short: "Delete a rule",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteProjectRule(ctx, actor(""), args[0], args[1]); err != nil {
					return err
				}
				fmt.Println("deleted", args[1])
				return nil
			})
		},
	}

	rule.AddCommand(add, list, update, del)
	return rule
}

func statusCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Work item counts by status for a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.ProjectStatus(ctx, actor(""), projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				fmt.Printf("Project: %s (%d work items)\n", st.ProjectID, st.Total)
				for _, s := range domain.WorkItemStatuses {
					fmt.Printf("  %s: %d\n", s, st.Counts[string(s)])
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func jobCmd() *cobra.Command {
	job := &cobra.Command{
		Use:   "job",
		Short: "Generation jobs",
	}
	job.AddCommand(jobCreateCmd())
	job.AddCommand(jobListCmd())
	job.AddCommand(jobShowCmd())
	job.AddCommand(jobDispatchCmd())
	job.AddCommand(jobDeleteCmd())
	return job
}

func jobCreateCmd() *cobra.Command {
	var resourceID, projectID, name, token string
	var ids, manual, files []string
	var noDispatch bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a job from external ids and manual requirements",
		Long: `Each --id is fetched from the external system. Each --manual is a
requirement summary; each --file is a manual requirement whose text is
extracted from the file. The job is dispatched unless --no-dispatch is set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.CreateJobOptions{
				UserID:      actor(""),
				ResourceID:  resourceID,
				ProjectID:   projectID,
				Name:        name,
				Token:       token,
				ExternalIDs: ids,
			}
			for _, m := range manual {
				opts.Manual = append(opts.Manual, engine.ManualRequirement{Summary: m})
			}
			for _, path := range files {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				base := filepath.Base(path)
				opts.Manual = append(opts.Manual, engine.ManualRequirement{
					Summary:    strings.TrimSuffix(base, filepath.Ext(base)),
					Attachment: &domain.Attachment{Name: base, Data: data},
				})
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if noDispatch {
					res, err := e.CreateJob(ctx, opts)
					if err != nil {
						return err
					}
					return printJobResult(engine.JobResult{Job: res.Job, Items: res.Items, Staled: res.Staled})
				}
				res, err := e.SubmitJob(ctx, opts)
				if err != nil {
					return err
				}
				return printJobResult(res)
			})
		},
	}
	cmd.Flags().StringVar(&resourceID, "resource", "", "resource id")
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&name, "name", "", "job name")
	cmd.Flags().StringVar(&token, "token", "", "external access token for fetching items")
	cmd.Flags().StringArrayVar(&ids, "id", nil, "external work item id (repeatable)")
	cmd.Flags().StringArrayVar(&manual, "manual", nil, "manual requirement summary (repeatable)")
	cmd.Flags().StringArrayVar(&files, "file", nil, "manual requirement document (repeatable)")
	cmd.Flags().BoolVar(&noDispatch, "no-dispatch", false, "create pending items without generating")
	_ = cmd.MarkFlagRequired("resource")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func jobListCmd() *cobra.Command {
	var projectID string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs of a project, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				jobs, err := e.ListJobs(ctx, actor(""), projectID, limit, "", "")
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(jobs)
				}
				tw := newTable(table.Row{"ID", "Name", "Created by", "Created"})
				for _, j := range jobs {
					tw.AppendRow(table.Row{j.ID, j.Name, j.CreatedBy, j.CreatedAt})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().IntVar(&limit, "limit", 50, "max jobs")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func jobShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				j, err := e.GetJob(ctx, actor(""), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
}

func jobDispatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch <job-id>",
		Short: "Generate artifacts for every pending item of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if _, err := e.GetJob(ctx, actor(""), args[0]); err != nil {
					return err
				}
				res, err := e.DispatchJob(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
}

func jobDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <job-id>",
		Short: "Delete a job with its work items and artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteJob(ctx, actor(""), args[0]); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
}

func itemCmd() *cobra.Command {
	item := &cobra.Command{
		Use:   "item",
		Short: "Work items: review, deploy, regenerate",
	}
	item.AddCommand(itemListCmd())
	item.AddCommand(itemShowCmd())
	item.AddCommand(itemSaveCmd())
	item.AddCommand(itemDeployCmd())
	item.AddCommand(itemRegenerateCmd())
	return item
}

func itemListCmd() *cobra.Command {
	var jobID, status, sortBy string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work items of a job",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListWorkItems(ctx, engine.ListWorkItemsOptions{
					UserID: actor(""),
					JobID:  jobID,
					Status: status,
					Sort:   sortBy,
					Limit:  limit,
				})
				if err != nil {
					return err
				}
				return printWorkItems(items)
			})
		},
	}
	cmd.Flags().StringVar(&jobID, "job", "", "job id")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&sortBy, "sort", "created_at", "created_at|updated_at")
	cmd.Flags().IntVar(&limit, "limit", 50, "max items")
	_ = cmd.MarkFlagRequired("job")
	return cmd
}

func itemShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <work-item-id>",
		Short: "Show a work item with its artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.GetWorkItem(ctx, actor(""), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
}

// draftFile is the JSON accepted by `cl item save --file`.
type draftFile struct {
	Upserts []struct {
		ID          string                     `json:"id"`
		Summary     string                     `json:"summary"`
		Description domain.DescriptionEnvelope `json:"description"`
	} `json:"upserts"`
	Deletes []string `json:"deletes"`
}

func itemSaveCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "save <work-item-id>",
		Short: "Save reviewed artifacts from a JSON draft file",
		Long:  `The file holds {"upserts":[{"id","summary","description":{"kind":"functional","functional":{...}}}],"deletes":["<artifact-id>"]}. Upserts without id create manual artifacts.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var draft draftFile
			if err := json.Unmarshal(data, &draft); err != nil {
				return fmt.Errorf("parse %s: %w", file, err)
			}
			opts := engine.SaveDraftOptions{UserID: actor(""), WorkItemID: args[0], Deletes: draft.Deletes}
			for i, u := range draft.Upserts {
				desc, err := u.Description.Decode()
				if err != nil {
					return fmt.Errorf("upserts[%d]: %w", i, err)
				}
				opts.Upserts = append(opts.Upserts, engine.ArtifactInput{ID: u.ID, Summary: u.Summary, Description: desc})
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				arts, err := e.SaveDraft(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(arts)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "draft JSON file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func itemDeployCmd() *cobra.Command {
	var token, typeID string
	var artifactIDs []string
	cmd := &cobra.Command{
		Use:   "deploy <work-item-id>",
		Short: "Push artifacts of a completed work item to the external system",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Deploy(ctx, engine.DeployOptions{
					UserID:         actor(""),
					WorkItemID:     args[0],
					Token:          token,
					WorkItemTypeID: typeID,
					ArtifactIDs:    artifactIDs,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "external access token")
	cmd.Flags().StringVar(&typeID, "type", "", "work item type id for created cases (default: first subtask type)")
	cmd.Flags().StringArrayVar(&artifactIDs, "artifact", nil, "artifact id to push (repeatable, default all)")
	return cmd
}

func itemRegenerateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "regenerate <work-item-id>",
		Short: "Regenerate in a new job; the current item becomes stale",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Regenerate(ctx, actor(""), args[0])
				if err != nil {
					return err
				}
				return printJobResult(res)
			})
		},
	}
}

func exportCmd() *cobra.Command {
	var jobID, itemID, format, out string
	var upload bool
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export artifacts of a job or a single work item",
		Long:  "--out accepts a file path, - for stdout, or gs://bucket/object. --upload writes to the configured export bucket.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (jobID == "") == (itemID == "") {
				return fmt.Errorf("pass exactly one of --job or --item")
			}
			f, err := export.ParseFormat(format)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				target := out
				if upload {
					if a.Config.Export.Bucket == "" {
						return fmt.Errorf("export.bucket is not configured")
					}
					name := "job-" + jobID
					if itemID != "" {
						name = "work-item-" + itemID
					}
					target = "gs://" + a.Config.Export.Bucket + "/" + name + "." + string(f)
				}
				dest, err := export.ParseDestination(target)
				if err != nil {
					return err
				}
				w, err := export.Open(ctx, dest, os.Stdout, f.ContentType())
				if err != nil {
					return err
				}
				if jobID != "" {
					err = a.Engine.ExportJob(ctx, actor(""), jobID, f, w)
				} else {
					err = a.Engine.ExportWorkItem(ctx, actor(""), itemID, f, w)
				}
				if cerr := w.Close(); err == nil {
					err = cerr
				}
				if err != nil {
					return err
				}
				if dest.Kind != export.DestStdout {
					fmt.Fprintf(os.Stderr, "exported to %s\n", dest)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&jobID, "job", "", "job id")
	cmd.Flags().StringVar(&itemID, "item", "", "work item id")
	cmd.Flags().StringVar(&format, "format", "json", "csv|json")
	cmd.Flags().StringVar(&out, "out", "-", "destination")
	cmd.Flags().BoolVar(&upload, "upload", false, "upload to the configured export bucket")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every sync, grant change, job, generation result, review save and deploy appends an event.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var projectID, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, repo.EventFilter{ProjectID: projectID, Type: evtType, EntityKind: entityKind, EntityID: entityID}, n, 0)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable(table.Row{"ID", "TS", "Type", "Project", "Entity", "Actor"})
				for _, ev := range events {
					tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, ev.ProjectID, ev.EntityKind + ":" + ev.EntityID, ev.ActorID})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&projectID, "project", "", "project filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "API keys for the HTTP API (X-Api-Key)",
	}
	var userID, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a key; it is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				key, rec, err := r.IssueAPIKey(ctx, actor(userID), name, time.Now().UTC().Format(time.RFC3339))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": rec.ID, "user_id": rec.UserID, "key": key})
				}
				fmt.Printf("id:  %s\nkey: %s\n", rec.ID, key)
				return nil
			})
		},
	}
	create.Flags().StringVar(&userID, "user", "", "user id (defaults to --actor-id)")
	create.Flags().StringVar(&name, "name", "", "label")

	var listUser string
	list := &cobra.Command{
		Use:   "list",
		Short: "List a user's keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actor(listUser))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable(table.Row{"ID", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Name, k.CreatedAt})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	list.Flags().StringVar(&listUser, "user", "", "user id (defaults to --actor-id)")

	revoke := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("revoked", args[0])
				return nil
			})
		},
	}
	cmd.AddCommand(create, list, revoke)
	return cmd
}

func tokenCmd() *cobra.Command {
	var userID string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with CASELINE_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			app.LoadEnv(viper.GetString("workspace"))
			tok, err := server.SignToken(os.Getenv("CASELINE_JWT_SECRET"), actor(userID), ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "subject user id (defaults to --actor-id)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for none)")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowUserHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withApp(ctx, func(ctx context.Context, a *app.App) error {
				if addr == "" {
					addr = a.Config.Server.Addr
				}
				if basePath == "" {
					basePath = a.Config.Server.BasePath
				}
				authCfg := server.AuthConfig{
					JWTSecret:       os.Getenv("CASELINE_JWT_SECRET"),
					AllowUserHeader: allowUserHeader,
					Log:             a.Log,
				}
				if authCfg.JWTSecret == "" && !allowUserHeader {
					return fmt.Errorf("CASELINE_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{Engine: a.Engine, BasePath: basePath, Auth: authCfg, Log: a.Log})
				if err != nil {
					return err
				}
				server.StartWebhooks(ctx, a.Engine, a.Log)
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				a.Log.Info("serving caseline api", "addr", addr, "base_path", basePath)
				fmt.Printf("Serving Caseline API on http://%s%s (OpenAPI at %s/openapi.json, docs at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default server.base_path)")
	cmd.Flags().BoolVar(&allowUserHeader, "allow-user-header", false, "trust X-User-Id without credentials (local use only)")
	return cmd
}

// --- helpers ---

func actor(override string) string {
	if s := strings.TrimSpace(override); s != "" {
		return s
	}
	return viper.GetString("actor-id")
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
		LogMode:    viper.GetString("log-mode"),
	})
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	return fn(ctx, a)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		return fn(ctx, a.Engine)
	})
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

func printJobResult(res engine.JobResult) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	fmt.Printf("Job %s (%s)\n", res.Job.ID, res.Job.Name)
	if len(res.Staled) > 0 {
		fmt.Printf("Marked stale: %s\n", strings.Join(res.Staled, ", "))
	}
	return printWorkItems(res.Items)
}

func printWorkItems(items []domain.WorkItem) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable(table.Row{"ID", "Key", "Summary", "Status", "Failure"})
	for _, it := range items {
		tw.AppendRow(table.Row{it.ID, it.ExternalKey, it.Summary, it.Status, it.FailureReason})
	}
	fmt.Println(tw.Render())
	return nil
}

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(header)
	return tw
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
