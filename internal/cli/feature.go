package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ijoka-dev/ijoka/internal/model"
)

var (
	featureProject  string
	featureJSON     bool
	featureCategory string
	featurePriority int
	featureSteps    []string
	featureAgent    string
	featureSession  string
	featureReason   string
	updateDesc      string
	updateCategory  string
	updatePriority  int
)

// featureRecord is a feature as returned by the server, with its derived status.
type featureRecord struct {
	model.Feature
	Status model.FeatureStatus `json:"status"`
}

var featureCmd = &cobra.Command{
	Use:   "feature",
	Short: "Manage features on a running server",
}

var featureListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the features of a project",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, project, err := clientForProject()
		if err != nil {
			return err
		}
		var features []featureRecord
		q := url.Values{"project_path": {project}}
		if err := c.do(cmd.Context(), http.MethodGet, "/features", q, nil, &features); err != nil {
			return err
		}
		if featureJSON {
			return printJSON(cmd, features)
		}
		out := cmd.OutOrStdout()
		if len(features) == 0 {
			fmt.Fprintf(out, "No features in %s\n", project)
			return nil
		}
		for _, f := range features {
			fmt.Fprintf(out, "%s %4d  %-14s %s  %s\n",
				featureIcon(f.Status), f.Priority, f.Category, truncate(f.Description, 60), color.HiBlackString(f.ID))
		}
		return nil
	},
}

var featureAddCmd = &cobra.Command{
	Use:   "add <description>",
	Short: "Create a feature",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, project, err := clientForProject()
		if err != nil {
			return err
		}
		body := map[string]interface{}{
			"projectPath": project,
			"description": strings.Join(args, " "),
			"category":    featureCategory,
			"priority":    featurePriority,
			"steps":       featureSteps,
		}
		var f featureRecord
		if err := c.do(cmd.Context(), http.MethodPost, "/features", nil, body, &f); err != nil {
			return err
		}
		return printFeature(cmd, "Created", &f)
	},
}

var featureUpdateCmd = &cobra.Command{
	Use:   "update <feature-id>",
	Short: "Change a feature's description, category or priority",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]interface{}{}
		flags := cmd.Flags()
		if flags.Changed("description") {
			body["description"] = updateDesc
		}
		if flags.Changed("category") {
			body["category"] = updateCategory
		}
		if flags.Changed("priority") {
			body["priority"] = updatePriority
		}
		if len(body) == 0 {
			return fmt.Errorf("nothing to update: pass --description, --category or --priority")
		}
		var f featureRecord
		path := "/features/" + url.PathEscape(args[0])
		if err := newClient(serverBase()).do(cmd.Context(), http.MethodPatch, path, nil, body, &f); err != nil {
			return err
		}
		return printFeature(cmd, "Updated", &f)
	},
}

var featureNextCmd = &cobra.Command{
	Use:   "next",
	Short: "Start the highest-priority pending feature",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, project, err := clientForProject()
		if err != nil {
			return err
		}
		body := map[string]string{
			"projectPath": project,
			"agent":       featureAgent,
			"sessionId":   featureSession,
		}
		var f featureRecord
		if err := c.do(cmd.Context(), http.MethodPost, "/features/next/start", nil, body, &f); err != nil {
			return err
		}
		return printFeature(cmd, "Started", &f)
	},
}

// transitionCmd builds a subcommand posting to /features/<id>/<verb>.
func transitionCmd(verb, short string, body func() interface{}) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <feature-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(serverBase())
			var payload interface{}
			if body != nil {
				payload = body()
			}
			var f featureRecord
			path := "/features/" + url.PathEscape(args[0]) + "/" + verb
			if err := c.do(cmd.Context(), http.MethodPost, path, nil, payload, &f); err != nil {
				return err
			}
			return printFeature(cmd, strings.ToUpper(verb[:1])+verb[1:], &f)
		},
	}
}

func init() {
	featureCmd.PersistentFlags().StringVarP(&featureProject, "project", "p", "", "project directory (default is the current directory)")
	featureCmd.PersistentFlags().BoolVar(&featureJSON, "json", false, "output in JSON format")

	featureAddCmd.Flags().StringVarP(&featureCategory, "category", "c", string(model.CategoryFunctional), "feature category")
	featureAddCmd.Flags().IntVar(&featurePriority, "priority", model.DefaultPriority, "priority, higher first")
	featureAddCmd.Flags().StringArrayVar(&featureSteps, "step", nil, "plan step (repeatable)")

	startCmd := transitionCmd("start", "Make a feature the active one", func() interface{} {
		return map[string]string{"agent": featureAgent, "sessionId": featureSession}
	})
	startCmd.Flags().StringVar(&featureAgent, "agent", "", "agent working on the feature")
	startCmd.Flags().StringVar(&featureSession, "session", "", "session working on the feature")

	blockCmd := transitionCmd("block", "Mark a feature as blocked", func() interface{} {
		return map[string]string{"reason": featureReason}
	})
	blockCmd.Flags().StringVar(&featureReason, "reason", "", "why the feature is blocked")

	featureUpdateCmd.Flags().StringVarP(&updateDesc, "description", "d", "", "new description")
	featureUpdateCmd.Flags().StringVarP(&updateCategory, "category", "c", "", "new category")
	featureUpdateCmd.Flags().IntVar(&updatePriority, "priority", 0, "new priority, higher first")

	featureNextCmd.Flags().StringVar(&featureAgent, "agent", "", "agent working on the feature")
	featureNextCmd.Flags().StringVar(&featureSession, "session", "", "session working on the feature")

	featureCmd.AddCommand(featureListCmd, featureAddCmd, featureUpdateCmd, featureNextCmd, startCmd, blockCmd,
		transitionCmd("complete", "Mark a feature as passing", nil),
		transitionCmd("reopen", "Mark a completed feature as pending again", nil),
	)
}

func serverBase() string {
	if serverURL != "" {
		return serverURL
	}
	cfg, err := loadConfig()
	if err != nil {
		return "http://127.0.0.1:8787"
	}
	return cfg.Server.URL
}

// clientForProject returns a client and the absolute project path selected
// by --project or the working directory.
func clientForProject() (*client, string, error) {
	project, err := resolveProject(featureProject)
	if err != nil {
		return nil, "", err
	}
	return newClient(serverBase()), project, nil
}

func resolveProject(dir string) (string, error) {
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		dir = wd
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolving project path: %w", err)
	}
	return filepath.Clean(abs), nil
}

func printFeature(cmd *cobra.Command, verb string, f *featureRecord) error {
	if featureJSON {
		return printJSON(cmd, f)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s (%s)\n", featureIcon(f.Status), verb, f.Description, f.ID)
	return nil
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
