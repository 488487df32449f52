package cli

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ijoka-dev/ijoka/internal/insight"
	"github.com/ijoka-dev/ijoka/internal/model"
)

var (
	insightProject string
	insightTags    []string
	insightTag     string
)

var insightCmd = &cobra.Command{
	Use:   "insight",
	Short: "Record and export project learnings",
}

var insightAddCmd = &cobra.Command{
	Use:   "add <text>",
	Short: "Record an insight",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		project, err := resolveProject(insightProject)
		if err != nil {
			return err
		}
		body := map[string]interface{}{
			"projectPath": project,
			"text":        strings.Join(args, " "),
			"tags":        insightTags,
		}
		var in model.Insight
		if err := newClient(serverBase()).do(cmd.Context(), http.MethodPost, "/insights", nil, body, &in); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Recorded insight %s\n", in.ID)
		return nil
	},
}

var insightListCmd = &cobra.Command{
	Use:   "list",
	Short: "List insights, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		project, err := resolveProject(insightProject)
		if err != nil {
			return err
		}
		q := url.Values{"project_path": {project}}
		if insightTag != "" {
			q.Set("tag", insightTag)
		}
		var insights []*model.Insight
		if err := newClient(serverBase()).do(cmd.Context(), http.MethodGet, "/insights", q, nil, &insights); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, in := range insights {
			fmt.Fprint(out, insight.RenderEntry(in))
			fmt.Fprintln(out)
		}
		return nil
	},
}

var insightExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export insights as markdown",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		project, err := resolveProject(insightProject)
		if err != nil {
			return err
		}
		var md []byte
		q := url.Values{"project_path": {project}}
		if err := newClient(serverBase()).do(cmd.Context(), http.MethodGet, "/insights/export", q, nil, &md); err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(md)
		return err
	},
}

func init() {
	insightCmd.PersistentFlags().StringVarP(&insightProject, "project", "p", "", "project directory (default is the current directory)")
	insightAddCmd.Flags().StringSliceVarP(&insightTags, "tag", "t", nil, "tag (repeatable)")
	insightListCmd.Flags().StringVarP(&insightTag, "tag", "t", "", "only insights with this tag")

	insightCmd.AddCommand(insightAddCmd, insightListCmd, insightExportCmd)
}
