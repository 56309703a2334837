package main

import (
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/Andy963/ads/agent"
	"github.com/Andy963/ads/internal/version"
	"github.com/Andy963/ads/provider"
	"github.com/Andy963/ads/queue"
	"github.com/Andy963/ads/task"
	"github.com/Andy963/ads/update"
)

var titleCase = cases.Title(language.English)

// label renders a status for humans: "running" -> "Running".
func label(s string) string {
	if s == "" {
		return "-"
	}
	return titleCase.String(s)
}

func newVersionCmd() *cobra.Command {
	var check, apply bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the client version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ads %s (%s, built %s)\n", version.Version, version.Commit, version.BuildDate)
			if !check && !apply {
				return nil
			}
			u := update.New(version.Version)
			rel, err := u.CheckForUpdate(cmd.Context())
			if err != nil {
				return err
			}
			if rel == nil {
				fmt.Fprintln(out, "Already up to date.")
				return nil
			}
			fmt.Fprintf(out, "Update available: %s\n", rel.Version)
			if !apply {
				return nil
			}
			if err := u.ApplyUpdate(cmd.Context(), rel, ""); err != nil {
				return err
			}
			fmt.Fprintf(out, "Updated to %s\n", rel.Version)
			return nil
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "check GitHub for a newer release")
	cmd.Flags().BoolVar(&apply, "apply", false, "download and install the newer release")
	return cmd
}

func newLoginCmd(c *Client) *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Exchange admin credentials for a token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp struct {
				Token     string    `json:"token"`
				ExpiresAt time.Time `json:"expires_at"`
			}
			body := map[string]string{"username": username, "password": password}
			if err := c.post(cmd.Context(), "/api/auth/login", body, &resp); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, resp.Token)
			fmt.Fprintf(out, "# expires %s; export ADS_TOKEN to reuse it\n", resp.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "user", "u", "admin", "admin username")
	cmd.Flags().StringVarP(&password, "password", "p", "", "admin password")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func newStatusCmd(c *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server health and queue state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp struct {
				Status  string       `json:"status"`
				Version string       `json:"version"`
				Uptime  string       `json:"uptime"`
				Clients int          `json:"clients"`
				Queue   *queue.State `json:"queue"`
			}
			if err := c.get(cmd.Context(), "/api/status", &resp); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Status:   %s\n", resp.Status)
			fmt.Fprintf(out, "Version:  %s\n", resp.Version)
			fmt.Fprintf(out, "Uptime:   %s\n", resp.Uptime)
			fmt.Fprintf(out, "Clients:  %d\n", resp.Clients)
			if resp.Queue != nil {
				printQueue(out, *resp.Queue)
			}
			return nil
		},
	}
}

func newTasksCmd(c *Client) *cobra.Command {
	var (
		statuses []string
		lane     string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if len(statuses) > 0 {
				q.Set("status", strings.Join(statuses, ","))
			}
			if cmd.Flags().Changed("context") {
				q.Set("context", lane)
			}
			if limit > 0 {
				q.Set("limit", fmt.Sprint(limit))
			}
			path := "/api/tasks"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			var tasks []task.Task
			if err := c.get(cmd.Context(), path, &tasks); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(tasks) == 0 {
				fmt.Fprintln(out, "No tasks found.")
				return nil
			}
			fmt.Fprintf(out, "%-36s %-30s %-10s %-12s %s\n", "ID", "TITLE", "STATUS", "CONTEXT", "AGENT")
			fmt.Fprintf(out, "%-36s %-30s %-10s %-12s %s\n",
				strings.Repeat("-", 36), strings.Repeat("-", 30), strings.Repeat("-", 10),
				strings.Repeat("-", 12), strings.Repeat("-", 8))
			for _, t := range tasks {
				fmt.Fprintf(out, "%-36s %-30s %-10s %-12s %s\n",
					t.ID, truncate(t.Title, 30), label(string(t.Status)),
					truncate(strVal(t.Context), 12), strVal(t.AgentID))
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "filter by status (repeatable or comma separated)")
	cmd.Flags().StringVar(&lane, "context", "", "filter by context lane")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of tasks")
	return cmd
}

func newTaskCmd(c *Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Create and control a single task",
	}
	cmd.AddCommand(
		newTaskCreateCmd(c),
		&cobra.Command{
			Use:   "get <id>",
			Short: "Show task details",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var t task.Task
				if err := c.get(cmd.Context(), "/api/tasks/"+url.PathEscape(args[0]), &t); err != nil {
					return err
				}
				printTask(cmd.OutOrStdout(), t)
				return nil
			},
		},
		newTaskCancelCmd(c),
		taskAction(c, "pause", "Pause a pending task"),
		taskAction(c, "resume", "Resume a paused task"),
		taskAction(c, "run", "Make a queued or paused task runnable now"),
		&cobra.Command{
			Use:   "delete <id>",
			Short: "Delete a task",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := c.delete(cmd.Context(), "/api/tasks/"+url.PathEscape(args[0])); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "attempts <id>",
			Short: "List execution attempts of a task",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var attempts []task.Attempt
				if err := c.get(cmd.Context(), "/api/tasks/"+url.PathEscape(args[0])+"/attempts", &attempts); err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(attempts) == 0 {
					fmt.Fprintln(out, "No attempts yet.")
					return nil
				}
				fmt.Fprintf(out, "%-4s %-10s %-10s %-20s %s\n", "#", "AGENT", "OUTCOME", "STARTED", "ERROR")
				for _, a := range attempts {
					outcome := string(a.Outcome)
					if outcome == "" {
						outcome = "open"
					}
					fmt.Fprintf(out, "%-4d %-10s %-10s %-20s %s\n",
						a.Number, strVal(a.AgentID), label(outcome),
						a.StartedAt.Format(time.DateTime), truncate(a.Error, 60))
				}
				return nil
			},
		},
	)
	return cmd
}

func newTaskCreateCmd(c *Client) *cobra.Command {
	var (
		in         task.CreateInput
		maxRetries int
	)
	cmd := &cobra.Command{
		Use:   "create <prompt>",
		Short: "Submit a new task",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Prompt = strings.Join(args, " ")
			if in.Title == "" {
				in.Title = truncate(in.Prompt, 60)
			}
			if cmd.Flags().Changed("max-retries") {
				in.MaxRetries = &maxRetries
			}
			var t task.Task
			if err := c.post(cmd.Context(), "/api/tasks", in, &t); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created %s (%s)\n", t.ID, label(string(t.Status)))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&in.Title, "title", "", "task title (defaults to the prompt)")
	f.IntVar(&in.Priority, "priority", 0, "priority, higher runs first")
	f.StringVar(&in.Context, "context", "", "scheduling lane")
	f.StringVar(&in.Model, "model", "", "model hint used to route the task")
	f.StringVar(&in.AgentID, "agent", "", "agent kind to run the task")
	f.BoolVar(&in.Queued, "queued", false, "create as queued until promoted")
	f.IntVar(&maxRetries, "max-retries", task.DefaultMaxRetries, "retry budget")
	f.StringSliceVar(&in.Attachments, "attach", nil, "attachment ids")
	return cmd
}

func newTaskCancelCmd(c *Client) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body any
			if reason != "" {
				body = map[string]string{"reason": reason}
			}
			var t task.Task
			if err := c.post(cmd.Context(), "/api/tasks/"+url.PathEscape(args[0])+"/cancel", body, &t); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", t.ID, label(string(t.Status)))
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "recorded as the task error message")
	return cmd
}

// taskAction builds a body-less POST /api/tasks/{id}/<action> command.
func taskAction(c *Client, action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var t task.Task
			if err := c.post(cmd.Context(), "/api/tasks/"+url.PathEscape(args[0])+"/"+action, nil, &t); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", t.ID, label(string(t.Status)))
			return nil
		},
	}
}

func newQueueCmd(c *Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and control the scheduler",
	}
	state := func(method, use, short string) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				var st queue.State
				path := "/api/queue"
				var err error
				if method == "GET" {
					err = c.get(cmd.Context(), path, &st)
				} else {
					err = c.post(cmd.Context(), path+"/"+use, nil, &st)
				}
				if err != nil {
					return err
				}
				printQueue(cmd.OutOrStdout(), st)
				return nil
			},
		}
	}

	var lane string
	promote := &cobra.Command{
		Use:   "promote",
		Short: "Promote queued tasks to pending",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp struct {
				Context  string `json:"context"`
				Promoted int    `json:"promoted"`
			}
			if err := c.post(cmd.Context(), "/api/queue/promote", map[string]string{"context": lane}, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Promoted %d task(s) in context %q\n", resp.Promoted, resp.Context)
			return nil
		},
	}
	promote.Flags().StringVar(&lane, "context", "", "context lane to promote")

	cmd.AddCommand(
		state("GET", "status", "Show scheduler state"),
		state("POST", "start", "Start the scheduler"),
		state("POST", "stop", "Stop the scheduler and wait for in-flight tasks"),
		promote,
	)
	return cmd
}

func newAgentsCmd(c *Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List configured agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var agents []agent.Info
			if err := c.get(cmd.Context(), "/api/agents", &agents); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(agents) == 0 {
				fmt.Fprintln(out, "No agents configured.")
				return nil
			}
			fmt.Fprintf(out, "%-10s %-12s %-8s %-6s %s\n", "KIND", "PROVIDER", "STATUS", "TURNS", "LAST ERROR")
			for _, a := range agents {
				fmt.Fprintf(out, "%-10s %-12s %-8s %-6d %s\n",
					a.Kind, a.Provider, label(string(a.Status)), a.Turns, truncate(a.LastError, 50))
			}
			return nil
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "models <kind>",
		Short: "List the models an agent's provider offers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var models []provider.ModelInfo
			if err := c.get(cmd.Context(), "/api/agents/"+url.PathEscape(args[0])+"/models", &models); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, m := range models {
				if m.Name != "" && m.Name != m.ID {
					fmt.Fprintf(out, "%-40s %s\n", m.ID, m.Name)
				} else {
					fmt.Fprintln(out, m.ID)
				}
			}
			return nil
		},
	})
	return cmd
}

func printQueue(out io.Writer, st queue.State) {
	state := "stopped"
	if st.Running {
		state = "running"
	}
	fmt.Fprintf(out, "Queue:    %s (%d in flight)\n", state, st.InFlight)
	if st.Err != "" {
		fmt.Fprintf(out, "Error:    %s\n", st.Err)
	}
}

func printTask(out io.Writer, t task.Task) {
	fmt.Fprintf(out, "ID:       %s\n", t.ID)
	fmt.Fprintf(out, "Title:    %s\n", t.Title)
	fmt.Fprintf(out, "Status:   %s\n", label(string(t.Status)))
	fmt.Fprintf(out, "Agent:    %s\n", strVal(t.AgentID))
	fmt.Fprintf(out, "Context:  %s\n", strVal(t.Context))
	fmt.Fprintf(out, "Priority: %d\n", t.Priority)
	fmt.Fprintf(out, "Retries:  %d/%d\n", t.RetryCount, t.MaxRetries)
	fmt.Fprintf(out, "Created:  %s\n", t.CreatedAt.Format(time.RFC3339))
	for _, s := range t.Plan {
		fmt.Fprintf(out, "  %d. %s\n", s.Order, s.Title)
	}
	if t.Result != "" {
		fmt.Fprintf(out, "\nResult:\n%s\n", t.Result)
	}
	if t.ErrorMessage != "" {
		fmt.Fprintf(out, "\nError: %s\n", t.ErrorMessage)
	}
}

func strVal(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
