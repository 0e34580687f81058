package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"caseline/internal/domain"
	"caseline/internal/engine"
)

func searchCmd() *cobra.Command {
	var resourceID, projectID, token, text, assignee, pageToken string
	var types []string
	var limit int
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search requirements of an external project",
		Long: `Matches --text against the item key and its text fields. Pass the printed
next page token back with --page to continue.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				page, err := e.SearchWorkItems(ctx, engine.SearchWorkItemsOptions{
					UserID:     actor(""),
					ResourceID: resourceID,
					ProjectID:  projectID,
					Token:      token,
					Filters: domain.WorkItemSearch{
						Text:          text,
						WorkItemTypes: types,
						Assignee:      assignee,
						MaxResults:    limit,
						PageToken:     pageToken,
					},
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(page)
				}
				tw := newTable(table.Row{"ID", "Key", "Summary"})
				for _, it := range page.Items {
					tw.AppendRow(table.Row{it.ID, it.Key, it.Summary})
				}
				fmt.Println(tw.Render())
				if page.NextPageToken != "" {
					fmt.Println("next page:", page.NextPageToken)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&resourceID, "resource", "", "resource id")
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&token, "token", "", "external API token (defaults to external.token)")
	cmd.Flags().StringVar(&text, "text", "", "key or free text")
	cmd.Flags().StringArrayVar(&types, "type", nil, "work item type name (repeatable)")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee account id")
	cmd.Flags().IntVar(&limit, "limit", 50, "items per page, at most 100")
	cmd.Flags().StringVar(&pageToken, "page", "", "next page token from a previous search")
	_ = cmd.MarkFlagRequired("resource")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func localCmd() *cobra.Command {
	local := &cobra.Command{
		Use:   "local",
		Short: "Local projects for manual requirements",
		Long: `A local project has no external counterpart. Create jobs in it with
'cl job create --resource local --project <id> --manual ...'; its items
cannot be deployed.`,
	}

	var name, description string
	var frameworks []string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a local project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreateLocalProject(ctx, actor(""), engine.LocalProjectInput{
					Name:        name,
					Description: description,
					Frameworks:  toFrameworks(frameworks),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "project name")
	create.Flags().StringVar(&description, "description", "", "project description")
	create.Flags().StringArrayVar(&frameworks, "framework", nil, "compliance framework (repeatable)")
	_ = create.MarkFlagRequired("name")

	list := &cobra.Command{
		Use:   "list",
		Short: "List the actor's local projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListLocalProjects(ctx, actor(""))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Name", "Frameworks", "Updated"})
				for _, p := range items {
					names := make([]string, 0, len(p.Frameworks))
					for _, fw := range p.Frameworks {
						names = append(names, string(fw))
					}
					tw.AppendRow(table.Row{p.ID, p.Name, strings.Join(names, ", "), p.UpdatedAt})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}

	var rename string
	var setFrameworks []string
	update := &cobra.Command{
		Use:   "update <project-id>",
		Short: "Rename a local project or replace its frameworks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch engine.LocalProjectPatch
			if cmd.Flags().Changed("name") {
				patch.Name = &rename
			}
			if cmd.Flags().Changed("framework") {
				patch.Frameworks = toFrameworks(setFrameworks)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.UpdateLocalProject(ctx, actor(""), args[0], patch)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	update.Flags().StringVar(&rename, "name", "", "new name")
	update.Flags().StringArrayVar(&setFrameworks, "framework", nil, "compliance framework (repeatable)")

	del := &cobra.Command{
		Use:   "delete <project-id>",
		Short: "Delete a local project with its jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteLocalProject(ctx, actor(""), args[0]); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}

	local.AddCommand(create, list, update, del)
	return local
}

func toFrameworks(in []string) []domain.ComplianceFramework {
	out := make([]domain.ComplianceFramework, 0, len(in))
	for _, fw := range in {
		out = append(out, domain.ComplianceFramework(fw))
	}
	return out
}
