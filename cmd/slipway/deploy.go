package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"slipway/internal/events"
	"slipway/internal/task"

	"github.com/spf13/cobra"
)

var (
	deployPlatform string
	deployRef      string
	deployWatch    bool
)

var deployCmd = &cobra.Command{
	Use:   "deploy <project>",
	Short: "Start a deploy for a project",
	Long: `Queue a deploy task on a running slipway server.

With --watch the command follows the run's event stream, printing phases,
log output and recovery suggestions until the task finishes.`,
	Args: cobra.ExactArgs(1),
	RunE: runDeploy,
}

func init() {
	deployCmd.Flags().StringVar(&deployPlatform, "platform", "", "Override the project's deployment platform")
	deployCmd.Flags().StringVar(&deployRef, "ref", "", "Git ref to record on the task")
	deployCmd.Flags().BoolVarP(&deployWatch, "watch", "w", false, "Follow the run until it finishes")
}

func runDeploy(cmd *cobra.Command, args []string) error {
	request := map[string]string{"project": args[0]}
	if deployPlatform != "" {
		request["platform"] = deployPlatform
	}
	if deployRef != "" {
		request["ref"] = deployRef
	}
	body, err := json.Marshal(request)
	if err != nil {
		return err
	}

	var created task.Task
	if err := doJSON("POST", "/api/tasks", body, &created); err != nil {
		return err
	}

	fmt.Printf("Task %s queued for project %s\n", created.ID, created.Project)
	if !deployWatch {
		fmt.Printf("Follow it with: slipway tasks --project %s\n", created.Project)
		return nil
	}
	return watchTask(created.ID)
}

// watchTask follows a task's event stream and reports the outcome
// through the exit status.
func watchTask(id string) error {
	resp, err := http.Get(serverURL() + "/api/events?task=" + id)
	if err != nil {
		return fmt.Errorf("failed to open event stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("event stream returned %s", resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var evt events.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &evt); err != nil {
			continue
		}

		switch evt.Type {
		case events.TaskPhase:
			fmt.Printf("-> %v\n", evt.Payload["phase"])
		case events.TaskLog:
			message, _ := evt.Payload["message"].(string)
			if stream, _ := evt.Payload["stream"].(bool); stream {
				// Raw command output arrives pre-chunked
				fmt.Print(message)
			} else {
				fmt.Println(message)
			}
		case events.TaskRecovery:
			fmt.Printf("recovery (%v): %v\n", evt.Payload["stage"], evt.Payload["description"])
		case events.TaskCompleted:
			if url, ok := evt.Payload["url"].(string); ok && url != "" {
				fmt.Printf("Deployed: %s\n", url)
			} else {
				fmt.Println("Deployed")
			}
			return nil
		case events.TaskFailed:
			return fmt.Errorf("task failed in %v: %v", evt.Payload["phase"], evt.Payload["error"])
		case events.TaskCancelled:
			return fmt.Errorf("task was cancelled")
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("event stream ended: %w", err)
	}
	return fmt.Errorf("event stream closed before the task finished")
}
