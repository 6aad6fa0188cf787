package platform

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"sort"
	"strconv"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"slipway/internal/config"
)

// GitHub deploys through the GitHub Deployments API. Creating a
// deployment signals repository automation (usually an Actions
// workflow) to do the actual rollout and report statuses back, which
// this adapter polls.
type GitHub struct {
	logger *slog.Logger

	// baseURL overrides the API endpoint in tests.
	baseURL *url.URL
	// getenv is swapped out in tests.
	getenv func(string) string
}

// NewGitHub creates the GitHub Deployments adapter.
func NewGitHub(logger *slog.Logger) *GitHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &GitHub{
		logger: logger.With("platform", "github"),
		getenv: os.Getenv,
	}
}

// Name returns the platform identifier.
func (g *GitHub) Name() string { return "github" }

// Detect inspects the project working copy.
func (g *GitHub) Detect(ctx context.Context, path string) (*Detection, error) {
	return DetectProject(path)
}

// client builds an authenticated API client from the project's token
// environment variable.
func (g *GitHub) client(ctx context.Context, project *config.Project) (*github.Client, error) {
	gh := project.GitHub
	if gh == nil {
		return nil, fmt.Errorf("project '%s' has no github configuration", project.Name)
	}

	token := g.getenv(gh.TokenEnv)
	if token == "" {
		return nil, fmt.Errorf("github token environment variable %s is not set", gh.TokenEnv)
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	client := github.NewClient(oauth2.NewClient(ctx, ts))
	if g.baseURL != nil {
		client.BaseURL = g.baseURL
	}
	return client, nil
}

// Authenticate verifies the token by fetching the authenticated user.
func (g *GitHub) Authenticate(ctx context.Context, project *config.Project) AuthResult {
	client, err := g.client(ctx, project)
	if err != nil {
		return AuthResult{Err: err.Error()}
	}

	user, _, err := client.Users.Get(ctx, "")
	if err != nil {
		return AuthResult{Err: fmt.Sprintf("github authentication failed: %v", err)}
	}
	return AuthResult{OK: true, Identity: user.GetLogin()}
}

// Deploy creates a deployment for the configured ref and environment.
func (g *GitHub) Deploy(ctx context.Context, project *config.Project, opts DeployOptions) DeployResult {
	client, err := g.client(ctx, project)
	if err != nil {
		return DeployResult{Err: err.Error()}
	}

	gh := project.GitHub
	ref := opts.Ref
	if ref == "" {
		ref = gh.Ref
	}

	req := &github.DeploymentRequest{
		Ref:              github.String(ref),
		Environment:      github.String(gh.Environment),
		AutoMerge:        github.Bool(false),
		RequiredContexts: &[]string{},
		Description:      github.String("slipway deploy " + opts.TaskID),
	}

	dep, _, err := client.Repositories.CreateDeployment(ctx, gh.Owner, gh.Repo, req)
	if err != nil {
		return DeployResult{Err: fmt.Sprintf("failed to create deployment: %v", err)}
	}

	id := strconv.FormatInt(dep.GetID(), 10)
	g.logger.Info("deployment created",
		"project", project.Name,
		"deployment", id,
		"ref", ref,
		"environment", gh.Environment)

	return DeployResult{OK: true, DeployID: id, URL: dep.GetURL()}
}

// Status reports the most recent deployment status. A deployment with
// no statuses yet is pending.
func (g *GitHub) Status(ctx context.Context, project *config.Project, deployID string) StatusResult {
	client, err := g.client(ctx, project)
	if err != nil {
		return StatusResult{Status: StatusError, Err: err.Error()}
	}

	id, err := strconv.ParseInt(deployID, 10, 64)
	if err != nil {
		return StatusResult{Status: StatusError, Err: fmt.Sprintf("invalid deployment id: %s", deployID)}
	}

	gh := project.GitHub
	statuses, _, err := client.Repositories.ListDeploymentStatuses(ctx, gh.Owner, gh.Repo, id, &github.ListOptions{PerPage: 1})
	if err != nil {
		// API hiccups are not a deployment failure; keep polling
		return StatusResult{Status: StatusUnknown, Err: fmt.Sprintf("failed to list deployment statuses: %v", err)}
	}
	if len(statuses) == 0 {
		return StatusResult{Status: StatusPending}
	}

	latest := statuses[0]
	result := StatusResult{Status: mapDeploymentState(latest.GetState())}
	if u := latest.GetEnvironmentURL(); u != "" {
		result.URL = u
	} else {
		result.URL = latest.GetLogURL()
	}
	if result.Status == StatusError {
		result.Err = fmt.Sprintf("deployment reported state %q", latest.GetState())
	}
	return result
}

// SetEnv upserts repository Actions variables.
func (g *GitHub) SetEnv(ctx context.Context, project *config.Project, deployID string, vars map[string]string) error {
	if len(vars) == 0 {
		return nil
	}

	client, err := g.client(ctx, project)
	if err != nil {
		return err
	}

	gh := project.GitHub

	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		variable := &github.ActionsVariable{Name: name, Value: vars[name]}
		if _, err := client.Actions.CreateRepoVariable(ctx, gh.Owner, gh.Repo, variable); err != nil {
			// Already exists, update in place
			if _, err := client.Actions.UpdateRepoVariable(ctx, gh.Owner, gh.Repo, variable); err != nil {
				return fmt.Errorf("failed to set repository variable %s: %w", name, err)
			}
		}
	}
	return nil
}

// Rollback marks the deployment inactive so repository automation
// routes traffic back to the previous active deployment.
func (g *GitHub) Rollback(ctx context.Context, project *config.Project, deployID string) error {
	client, err := g.client(ctx, project)
	if err != nil {
		return err
	}

	id, err := strconv.ParseInt(deployID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid deployment id: %s", deployID)
	}

	gh := project.GitHub
	req := &github.DeploymentStatusRequest{
		State:       github.String("inactive"),
		Description: github.String("rolled back by slipway"),
	}
	if _, _, err := client.Repositories.CreateDeploymentStatus(ctx, gh.Owner, gh.Repo, id, req); err != nil {
		return fmt.Errorf("failed to mark deployment inactive: %w", err)
	}

	g.logger.Info("deployment marked inactive", "project", project.Name, "deployment", deployID)
	return nil
}

func mapDeploymentState(state string) Status {
	switch state {
	case "success":
		return StatusLive
	case "in_progress", "queued":
		return StatusBuilding
	case "pending":
		return StatusPending
	case "error", "failure":
		return StatusError
	case "inactive":
		return StatusReady
	default:
		return StatusUnknown
	}
}
