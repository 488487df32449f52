package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ijoka-dev/ijoka/internal/model"
)

var (
	eventProject string
	eventAgent   string
	eventSession string
	eventTool    string
	eventFeature string
	eventPayload string
	eventLimit   int
)

var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Send or list events on a running server",
}

var eventSendCmd = &cobra.Command{
	Use:   "send <event-type>",
	Short: "Submit one event",
	Long: `Send submits an event to the server, the same way agent hooks do.

Examples:
  ijoka event send SessionStart --session s1
  ijoka event send ToolUse --session s1 --tool Edit --payload '{"file":"main.go"}'
  ijoka event send FeatureCompleted --session s1 --feature <feature-id>`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		project, err := resolveProject(eventProject)
		if err != nil {
			return err
		}
		body := map[string]interface{}{
			"eventType":   args[0],
			"sourceAgent": eventAgent,
			"sessionId":   eventSession,
			"projectDir":  project,
		}
		if eventTool != "" {
			body["toolName"] = eventTool
		}
		if eventFeature != "" {
			body["featureId"] = eventFeature
		}
		if eventPayload != "" {
			if !json.Valid([]byte(eventPayload)) {
				return fmt.Errorf("--payload is not valid JSON")
			}
			body["payload"] = json.RawMessage(eventPayload)
		}

		var res map[string]interface{}
		if err := newClient(serverBase()).do(cmd.Context(), http.MethodPost, "/events", nil, body, &res); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%v %v\n", res["status"], res["id"])
		if msg, ok := res["error"]; ok {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", msg)
		}
		return nil
	},
}

var eventListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent events, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{"limit": {strconv.Itoa(eventLimit)}}
		if eventProject != "" {
			project, err := resolveProject(eventProject)
			if err != nil {
				return err
			}
			q.Set("project_path", project)
		}
		var events []*model.Event
		if err := newClient(serverBase()).do(cmd.Context(), http.MethodGet, "/events", q, nil, &events); err != nil {
			return err
		}
		return printJSON(cmd, events)
	},
}

func init() {
	eventCmd.PersistentFlags().StringVarP(&eventProject, "project", "p", "", "project directory (default is the current directory)")

	eventSendCmd.Flags().StringVar(&eventAgent, "agent", string(model.AgentHook), "source agent")
	eventSendCmd.Flags().StringVar(&eventSession, "session", "", "session id")
	eventSendCmd.Flags().StringVar(&eventTool, "tool", "", "tool name")
	eventSendCmd.Flags().StringVar(&eventFeature, "feature", "", "feature id to attribute the event to")
	eventSendCmd.Flags().StringVar(&eventPayload, "payload", "", "JSON payload")
	_ = eventSendCmd.MarkFlagRequired("session")

	eventListCmd.Flags().IntVar(&eventLimit, "limit", 50, "number of events")

	eventCmd.AddCommand(eventSendCmd, eventListCmd)
}
