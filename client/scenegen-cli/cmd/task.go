package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

var (
	kind   string
	email  string
	hints  string
	limit  int
	offset int
	status string
	follow bool
)

var submitCmd = &cobra.Command{
	Use:   "submit [source paths on the server...]",
	Short: "Submit a task for files that already exist on the server",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := newClient().submit(kind, args, email, hints)
		if err != nil {
			return err
		}
		return announce(cmd, data)
	},
}

var uploadCmd = &cobra.Command{
	Use:   "upload [local files...]",
	Short: "Upload images, a zip of images, or a video and submit them as a task",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := newClient().upload(args, kind, email, hints)
		if err != nil {
			return err
		}
		return announce(cmd, data)
	},
}

func announce(cmd *cobra.Command, data []byte) error {
	var resp struct {
		TaskID string `json:"task_id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Task submitted successfully!\nTask ID: %s\nStatus: %s\n", resp.TaskID, resp.Status)
	if follow {
		return watch(cmd, resp.TaskID)
	}
	fmt.Fprintf(out, "To follow progress, run: scenegen-cli watch %s\n", resp.TaskID)
	return nil
}

var statusCmd = &cobra.Command{
	Use:   "status [task-id]",
	Short: "Show the status of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		data, err := c.get(c.taskPath(args[0], ""))
		if err != nil {
			return err
		}
		printJSON(cmd.OutOrStdout(), data)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		q.Set("limit", strconv.Itoa(limit))
		q.Set("offset", strconv.Itoa(offset))
		if status != "" {
			q.Set("status", status)
		}
		data, err := newClient().get("/api/v1/tasks?" + q.Encode())
		if err != nil {
			return err
		}
		printJSON(cmd.OutOrStdout(), data)
		return nil
	},
}

var resultCmd = &cobra.Command{
	Use:   "result [task-id]",
	Short: "Show the artifacts of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		data, err := c.get(c.taskPath(args[0], "/result"))
		if err != nil {
			return err
		}
		printJSON(cmd.OutOrStdout(), data)
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [task-id]",
	Short: "Request cancellation of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		data, err := c.do(http.MethodPost, c.taskPath(args[0], "/cancel"), "", nil)
		if err != nil {
			return err
		}
		printJSON(cmd.OutOrStdout(), data)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete [task-id]",
	Short: "Delete a task and its artifacts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		data, err := c.do(http.MethodDelete, c.taskPath(args[0], ""), "", nil)
		if err != nil {
			return err
		}
		printJSON(cmd.OutOrStdout(), data)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show task statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := newClient().get("/api/v1/stats")
		if err != nil {
			return err
		}
		printJSON(cmd.OutOrStdout(), data)
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch [task-id]",
	Short: "Follow the events of a task in real time",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return watch(cmd, args[0])
	},
}

func watch(cmd *cobra.Command, id string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "WebSocket connected. Waiting for events...")
	return newClient().watch(id, func(message []byte) bool {
		printJSON(out, message)
		return true
	})
}

func init() {
	for _, c := range []*cobra.Command{submitCmd, uploadCmd} {
		c.Flags().StringVar(&kind, "kind", "", "task kind: single_image, multi_image or video")
		c.Flags().StringVar(&email, "email", "", "address notified when the task finishes")
		c.Flags().StringVar(&hints, "hints", "", `segmentation hints, "x,y,label;..." or a JSON array`)
		c.Flags().BoolVarP(&follow, "follow", "f", false, "watch the task after submitting")
	}
	submitCmd.MarkFlagRequired("kind")
	listCmd.Flags().IntVar(&limit, "limit", 20, "maximum number of tasks")
	listCmd.Flags().IntVar(&offset, "offset", 0, "number of tasks to skip")
	listCmd.Flags().StringVar(&status, "status", "", "only list tasks in this status")

	rootCmd.AddCommand(submitCmd, uploadCmd, statusCmd, listCmd, resultCmd, cancelCmd, deleteCmd, statsCmd, watchCmd)
}
