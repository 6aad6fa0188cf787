package main

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"slipway/internal/task"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var (
	tasksProject string
	tasksLimit   int
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List recent tasks",
	Long:  `List recent pipeline tasks from a running slipway server, newest first.`,
	RunE:  runTasks,
}

func init() {
	tasksCmd.Flags().StringVar(&tasksProject, "project", "", "Only show tasks for this project")
	tasksCmd.Flags().IntVar(&tasksLimit, "limit", 20, "Maximum number of tasks to show")
}

func runTasks(cmd *cobra.Command, args []string) error {
	query := url.Values{}
	if tasksProject != "" {
		query.Set("project", tasksProject)
	}
	if tasksLimit > 0 {
		query.Set("limit", strconv.Itoa(tasksLimit))
	}

	var response struct {
		Tasks []task.Task `json:"tasks"`
		Count int         `json:"count"`
	}
	if err := doJSON("GET", "/api/tasks?"+query.Encode(), nil, &response); err != nil {
		return err
	}

	if response.Count == 0 {
		fmt.Println("No tasks found")
		return nil
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Project", "Type", "Status", "Progress", "Created", "Duration"})
	for _, tk := range response.Tasks {
		tw.AppendRow(table.Row{
			shortID(tk.ID),
			tk.Project,
			tk.Type,
			renderStatus(tk),
			fmt.Sprintf("%d%%", tk.Progress),
			tk.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			renderDuration(tk),
		})
	}
	tw.Render()
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// renderStatus shows the phase alongside the status while a task runs.
func renderStatus(tk task.Task) string {
	if tk.Status == task.StatusRunning && tk.Phase != "" {
		return fmt.Sprintf("%s (%s)", tk.Status, tk.Phase)
	}
	return string(tk.Status)
}

func renderDuration(tk task.Task) string {
	if tk.StartedAt == nil {
		return "-"
	}
	end := time.Now()
	if tk.CompletedAt != nil {
		end = *tk.CompletedAt
	}
	return end.Sub(*tk.StartedAt).Round(time.Second).String()
}
