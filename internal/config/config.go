package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"slipway/pkg/cmdutil"
)

const (
	MinSecretLength       = 32
	DefaultBranch         = "main"
	DefaultPlatform       = "local"
	DefaultInstallTimeout = 300
	DefaultBuildTimeout   = 600
	DefaultDeployTimeout  = 900
	DefaultGitHubTokenEnv = "GITHUB_TOKEN"
	DefaultEnvironment    = "production"
)

var ForbiddenSecrets = map[string]bool{
	"replace-with-secret":     true,
	"github-webhook-password": true,
	"topsecret":               true,
	"secret":                  true,
	"password":                true,
	"changeme":                true,
}

var knownPlatforms = map[string]bool{
	"local":  true,
	"github": true,
	"script": true,
}

// LoadConfig loads and validates the configuration from a YAML file
func LoadConfig(configPath string) (*Config, map[string]*Project, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	// Empty YAML files unmarshal with a nil map
	if config.Projects == nil {
		config.Projects = make(map[string]ProjectConfig)
	}

	projects := make(map[string]*Project)
	for name, projectConfig := range config.Projects {
		errors := ValidateProjectConfig(name, projectConfig)
		if len(errors) > 0 {
			return nil, nil, fmt.Errorf("invalid configuration for project '%s':\n%s",
				name, strings.Join(errors, "\n"))
		}

		project, err := resolveProject(name, projectConfig)
		if err != nil {
			return nil, nil, err
		}
		projects[name] = project
	}

	return &config, projects, nil
}

// resolveProject applies defaults and resolves the project path.
func resolveProject(name string, pc ProjectConfig) (*Project, error) {
	branch := pc.Branch
	if branch == "" {
		branch = DefaultBranch
	}

	platform := pc.Platform
	if platform == "" {
		platform = DefaultPlatform
	}

	installTimeout := pc.InstallTimeout
	if installTimeout == 0 {
		installTimeout = DefaultInstallTimeout
	}
	buildTimeout := pc.BuildTimeout
	if buildTimeout == 0 {
		buildTimeout = DefaultBuildTimeout
	}
	deployTimeout := pc.DeployTimeout
	if deployTimeout == 0 {
		deployTimeout = DefaultDeployTimeout
	}

	env := pc.Env
	if env == nil {
		env = map[string]string{}
	}

	resolvedPath, err := filepath.Abs(pc.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path for project '%s': %w", name, err)
	}
	realPath, err := filepath.EvalSymlinks(resolvedPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve symlinks for project '%s': %w", name, err)
	}

	github := pc.GitHub
	if github != nil {
		gh := *github
		if gh.Ref == "" {
			gh.Ref = branch
		}
		if gh.Environment == "" {
			gh.Environment = DefaultEnvironment
		}
		if gh.TokenEnv == "" {
			gh.TokenEnv = DefaultGitHubTokenEnv
		}
		github = &gh
	}

	return &Project{
		Name:           name,
		Path:           realPath,
		Platform:       platform,
		Branch:         branch,
		Secret:         pc.Secret,
		InstallCommand: pc.InstallCommand,
		BuildCommand:   pc.BuildCommand,
		OutputDir:      pc.OutputDir,
		Env:            env,
		InstallTimeout: installTimeout,
		BuildTimeout:   buildTimeout,
		DeployTimeout:  deployTimeout,
		GitHub:         github,
		Script:         pc.Script,
	}, nil
}

// ValidateProjectConfig validates a single project configuration
func ValidateProjectConfig(name string, config ProjectConfig) []string {
	var errors []string

	// Validate path
	if config.Path == "" {
		errors = append(errors, fmt.Sprintf("  - Project '%s': missing required 'path' field", name))
	} else {
		if !filepath.IsAbs(config.Path) {
			errors = append(errors, fmt.Sprintf("  - Project '%s': path must be absolute, got '%s'", name, config.Path))
		}

		resolvedPath, err := filepath.Abs(config.Path)
		if err != nil {
			errors = append(errors, fmt.Sprintf("  - Project '%s': cannot resolve path '%s': %v", name, config.Path, err))
		} else {
			realPath, err := filepath.EvalSymlinks(resolvedPath)
			if err != nil {
				errors = append(errors, fmt.Sprintf("  - Project '%s': cannot resolve path '%s': %v", name, config.Path, err))
			} else {
				info, err := os.Stat(realPath)
				if err != nil {
					if os.IsNotExist(err) {
						errors = append(errors, fmt.Sprintf("  - Project '%s': path does not exist: '%s'", name, realPath))
					} else {
						errors = append(errors, fmt.Sprintf("  - Project '%s': cannot stat path '%s': %v", name, realPath, err))
					}
				} else if !info.IsDir() {
					errors = append(errors, fmt.Sprintf("  - Project '%s': path is not a directory: '%s'", name, realPath))
				}

				// Confine projects to a root directory when one is set
				projectsRoot := os.Getenv("SLIPWAY_PROJECTS_ROOT")
				if projectsRoot != "" {
					rootPath, err := filepath.EvalSymlinks(projectsRoot)
					if err == nil {
						relPath, err := filepath.Rel(rootPath, realPath)
						if err != nil || strings.HasPrefix(relPath, "..") {
							errors = append(errors, fmt.Sprintf("  - Project '%s': path '%s' is outside allowed root '%s'", name, realPath, rootPath))
						}
					}
				}
			}
		}
	}

	// Secret is only required for webhook-triggered deployments, but
	// when present it must not be weak
	if config.Secret != "" {
		if len(config.Secret) < MinSecretLength {
			errors = append(errors, fmt.Sprintf("  - Project '%s': secret too short (minimum %d characters)", name, MinSecretLength))
		}
		if ForbiddenSecrets[strings.ToLower(config.Secret)] {
			errors = append(errors, fmt.Sprintf("  - Project '%s': secret appears to be a placeholder value, replace with real secret", name))
		}
	}

	// Validate platform
	platform := config.Platform
	if platform == "" {
		platform = DefaultPlatform
	}
	if !knownPlatforms[platform] {
		errors = append(errors, fmt.Sprintf("  - Project '%s': unknown platform '%s'", name, platform))
	}
	if platform == "github" {
		if config.GitHub == nil {
			errors = append(errors, fmt.Sprintf("  - Project '%s': platform 'github' requires a 'github' section", name))
		} else {
			if config.GitHub.Owner == "" {
				errors = append(errors, fmt.Sprintf("  - Project '%s': github.owner is required", name))
			}
			if config.GitHub.Repo == "" {
				errors = append(errors, fmt.Sprintf("  - Project '%s': github.repo is required", name))
			}
		}
	}
	if platform == "script" {
		if config.Script == nil || config.Script.DeployCommand == "" {
			errors = append(errors, fmt.Sprintf("  - Project '%s': platform 'script' requires script.deploy_command", name))
		}
	}

	// Timeouts must be positive if set, zero uses defaults
	if config.InstallTimeout < 0 {
		errors = append(errors, fmt.Sprintf("  - Project '%s': install_timeout must be a positive integer, got %d", name, config.InstallTimeout))
	}
	if config.BuildTimeout < 0 {
		errors = append(errors, fmt.Sprintf("  - Project '%s': build_timeout must be a positive integer, got %d", name, config.BuildTimeout))
	}
	if config.DeployTimeout < 0 {
		errors = append(errors, fmt.Sprintf("  - Project '%s': deploy_timeout must be a positive integer, got %d", name, config.DeployTimeout))
	}

	// Validate branch
	branch := config.Branch
	if branch == "" {
		branch = DefaultBranch
	}
	if strings.HasPrefix(branch, "-") {
		errors = append(errors, fmt.Sprintf("  - Project '%s': branch name cannot start with '-', got '%s'", name, branch))
	}

	// Command overrides must be parseable
	for field, cmd := range map[string]string{
		"install_command": config.InstallCommand,
		"build_command":   config.BuildCommand,
	} {
		if cmd == "" {
			continue
		}
		if _, err := cmdutil.ParseCommandString(cmd); err != nil {
			errors = append(errors, fmt.Sprintf("  - Project '%s': %s is not a valid command: %v", name, field, err))
		}
	}
	if config.Script != nil {
		for field, cmd := range map[string]string{
			"script.deploy_command":   config.Script.DeployCommand,
			"script.status_command":   config.Script.StatusCommand,
			"script.rollback_command": config.Script.RollbackCommand,
			"script.auth_command":     config.Script.AuthCommand,
			"script.env_command":      config.Script.EnvCommand,
		} {
			if cmd == "" {
				continue
			}
			if _, err := cmdutil.ParseCommandString(cmd); err != nil {
				errors = append(errors, fmt.Sprintf("  - Project '%s': %s is not a valid command: %v", name, field, err))
			}
		}
	}

	return errors
}

// MatchesRef checks if a git ref matches the project's target branch
func (p *Project) MatchesRef(ref string) bool {
	return ref == fmt.Sprintf("refs/heads/%s", p.Branch)
}
