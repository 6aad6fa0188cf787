package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a running task",
	Long: `Request cancellation of a running task.

The task's current command is stopped and the task is marked cancelled.
Cancelling a task that already finished changes nothing.`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

func runCancel(cmd *cobra.Command, args []string) error {
	var response struct {
		TaskID    string `json:"task_id"`
		Cancelled bool   `json:"cancelled"`
	}
	if err := doJSON("POST", "/api/tasks/"+args[0]+"/cancel", nil, &response); err != nil {
		return err
	}

	if response.Cancelled {
		fmt.Printf("Task %s cancelled\n", response.TaskID)
	} else {
		fmt.Printf("Task %s already finished, nothing to cancel\n", response.TaskID)
	}
	return nil
}
