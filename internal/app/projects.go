package app

import (
	"fmt"
	"strings"

	"messageagent/internal/domain"
	"messageagent/internal/projects"

	"github.com/spf13/cobra"
)

func newProjectsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "projects",
		Short: "Manage classification projects",
	}
	cmd.AddCommand(
		newProjectsListCmd(a),
		newProjectsAddCmd(a),
		newProjectsArchiveCmd(a),
		newProjectsDeleteCmd(a),
		newProjectsImportCmd(a),
	)
	return cmd
}

func newProjectsListCmd(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := a.store.ListProjects(cmd.Context(), all)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(list) == 0 {
				fmt.Fprintln(out, "No projects found.")
				return nil
			}
			fmt.Fprintf(out, "Projects (%d):\n\n", len(list))
			for _, p := range list {
				fmt.Fprintln(out, formatProject(p))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include archived projects")
	return cmd
}

func newProjectsAddCmd(a *app) *cobra.Command {
	var (
		description string
		color       string
		keywords    []string
		rules       string
	)
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Create a project",
		Long: `Create a project. Description, keywords and rules are shown to the model.

Examples:
  messageagent projects add "Website Renewal" --keywords site,renewal,LP
  messageagent projects add Payroll --rules "Anything about salary or bonuses"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := strings.TrimSpace(args[0])
			if name == "" {
				return fmt.Errorf("project name is required")
			}
			p, err := a.store.CreateProject(cmd.Context(), domain.Project{
				Name:        name,
				Description: description,
				Color:       color,
				Keywords:    keywords,
				Rules:       rules,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created project %s (%s).\n", p.Name, p.ID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&description, "description", "d", "", "project description")
	cmd.Flags().StringVar(&color, "color", "", "display color, e.g. #4f46e5")
	cmd.Flags().StringSliceVarP(&keywords, "keywords", "k", nil, "comma-separated keywords")
	cmd.Flags().StringVar(&rules, "rules", "", "free-form classification rules")
	return cmd
}

func newProjectsArchiveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "archive <project-id>",
		Short: "Hide a project from classification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.store.ArchiveProject(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Archived project %s.\n", args[0])
			return nil
		},
	}
}

func newProjectsDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <project-id>",
		Short: "Delete a project and unassign its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cleared, err := a.store.DeleteProject(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted project %s, %d messages unassigned.\n", args[0], cleared)
			return nil
		},
	}
}

func newProjectsImportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Create or update projects from a YAML catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := projects.LoadFile(args[0])
			if err != nil {
				return err
			}
			res, err := projects.Import(cmd.Context(), a.store, catalog)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported projects: %d created, %d updated.\n", res.Created, res.Updated)
			return nil
		},
	}
}

func formatProject(p domain.Project) string {
	var b strings.Builder
	fmt.Fprintf(&b, "- %s %s", p.ID, p.Name)
	if p.IsArchived {
		b.WriteString(" (archived)")
	}
	if p.Description != "" {
		fmt.Fprintf(&b, "\n  %s", p.Description)
	}
	if len(p.Keywords) > 0 {
		fmt.Fprintf(&b, "\n  keywords: %s", strings.Join(p.Keywords, ", "))
	}
	return b.String()
}
