package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ijoka-dev/ijoka/internal/cache"
	"github.com/ijoka-dev/ijoka/internal/metrics"
	"github.com/ijoka-dev/ijoka/internal/model"
)

var (
	statusProject string
	statusJSON    bool
	statusEvents  int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show project progress from the local cache",
	Long: `Status displays feature progress and agent activity for a project.

It reads the local cache only, so it works while the server or the
authoritative store is down. Run 'ijoka resync' to refresh a stale cache.

It shows:
- Overall completion percentage
- Feature counts (completed, in progress, pending, blocked)
- Active sessions
- Recent events

Examples:
  ijoka status
  ijoka status --project ~/src/app
  ijoka status --json`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVarP(&statusProject, "project", "p", "", "project directory (default is the current directory)")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output in JSON format")
	statusCmd.Flags().IntVar(&statusEvents, "events", 5, "number of recent events to show")
}

// statusReport is the --json output of ijoka status.
type statusReport struct {
	Project    string           `json:"project"`
	Stats      metrics.Stats    `json:"stats"`
	Features   []*model.Feature `json:"features"`
	Events     []*model.Event   `json:"recentEvents"`
	LastResync string           `json:"lastResync,omitempty"`
	Source     string           `json:"source,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	project, err := resolveProject(statusProject)
	if err != nil {
		return err
	}

	c, err := cache.Open(cfg.Cache.Path, cfg.Cache.QueueSize)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx := cmd.Context()
	collector := metrics.NewCollector(c, cfg.Sessions.IdleAfter)
	stats, err := collector.ProjectStats(ctx, project)
	if err != nil {
		return err
	}
	features, err := c.ListFeatures(ctx, project)
	if err != nil {
		return err
	}
	events, err := c.RecentEvents(ctx, project, statusEvents)
	if err != nil {
		return err
	}
	lastResync, _ := c.Config(ctx, cache.KeyLastResync)
	source, _ := c.Config(ctx, cache.KeyStoreURL)

	report := statusReport{
		Project:    project,
		Stats:      stats,
		Features:   features,
		Events:     events,
		LastResync: lastResync,
		Source:     source,
	}
	if statusJSON {
		return printJSON(cmd, report)
	}
	printStatusText(cmd.OutOrStdout(), report)
	return nil
}

func printStatusText(out io.Writer, r statusReport) {
	bold := color.New(color.Bold)
	bold.Fprintf(out, "ijoka status: %s\n", r.Project)
	fmt.Fprintln(out, strings.Repeat("─", 60))

	s := r.Stats
	fmt.Fprintf(out, "Progress: %s %3d%%\n\n", renderProgressBar(float64(s.Percentage), 40), s.Percentage)
	fmt.Fprintf(out, "  %s Completed:   %3d\n", featureIcon(model.StatusCompleted), s.Completed)
	fmt.Fprintf(out, "  %s In progress: %3d\n", featureIcon(model.StatusInProgress), s.InProgress)
	fmt.Fprintf(out, "  %s Pending:     %3d\n", featureIcon(model.StatusPending), s.Pending)
	fmt.Fprintf(out, "  %s Blocked:     %3d\n", featureIcon(model.StatusBlocked), s.Blocked)
	fmt.Fprintf(out, "    Total:       %3d\n", s.Total)
	fmt.Fprintf(out, "    Active sessions: %d\n", s.ActiveSessions)

	for _, f := range r.Features {
		if f.Status() == model.StatusInProgress {
			fmt.Fprintf(out, "\nActive feature: %s\n", color.CyanString(truncate(f.Description, 60)))
			break
		}
	}

	fmt.Fprintln(out)
	if len(r.Events) == 0 {
		fmt.Fprintln(out, "No activity yet.")
	} else {
		fmt.Fprintln(out, "Recent activity:")
		for _, e := range r.Events {
			tool := ""
			if e.ToolName != nil {
				tool = " " + *e.ToolName
			}
			fmt.Fprintf(out, "  %s  %-16s%s  %s\n",
				e.CreatedAt.Local().Format("15:04:05"), e.Type, tool, color.HiBlackString(e.Attribution.String()))
		}
	}

	if r.LastResync != "" {
		if t := model.ParseTimestamp(r.LastResync); t != nil {
			fmt.Fprintf(out, "\nCache rebuilt %s ago\n", time.Since(*t).Round(time.Second))
		}
	}
	if r.Source != "" {
		fmt.Fprintf(out, "Source: %s\n", color.HiBlackString(r.Source))
	}
}

func renderProgressBar(percent float64, width int) string {
	filled := int(percent / 100.0 * float64(width))
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}

	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
	return "[" + bar + "]"
}

func featureIcon(status model.FeatureStatus) string {
	switch status {
	case model.StatusCompleted:
		return color.GreenString("✓")
	case model.StatusInProgress:
		return color.BlueString("▶")
	case model.StatusBlocked:
		return color.RedString("✗")
	default:
		return "○"
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
