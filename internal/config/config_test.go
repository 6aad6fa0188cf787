package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func validSecret() string {
	return "valid-secret-with-at-least-32-chars-here"
}

func TestValidateProjectConfig_ValidConfig(t *testing.T) {
	tmpDir := t.TempDir()

	config := ProjectConfig{
		Path:   tmpDir,
		Secret: validSecret(),
		Branch: "main",
	}

	errors := ValidateProjectConfig("test-project", config)
	if len(errors) > 0 {
		t.Errorf("Expected valid config to pass validation, got errors: %v", errors)
	}
}

func TestValidateProjectConfig_Errors(t *testing.T) {
	tmpDir := t.TempDir()

	tests := []struct {
		name    string
		config  ProjectConfig
		wantErr string
	}{
		{
			"missing path",
			ProjectConfig{Secret: validSecret()},
			"missing required 'path' field",
		},
		{
			"relative path",
			ProjectConfig{Path: "relative/path", Secret: validSecret()},
			"path must be absolute",
		},
		{
			"nonexistent path",
			ProjectConfig{Path: filepath.Join(tmpDir, "missing"), Secret: validSecret()},
			"cannot resolve path",
		},
		{
			"short secret",
			ProjectConfig{Path: tmpDir, Secret: "short"},
			"secret too short",
		},
		{
			"placeholder secret",
			ProjectConfig{Path: tmpDir, Secret: "changeme"},
			"secret too short",
		},
		{
			"unknown platform",
			ProjectConfig{Path: tmpDir, Platform: "cloudmagic"},
			"unknown platform",
		},
		{
			"github platform without section",
			ProjectConfig{Path: tmpDir, Platform: "github"},
			"requires a 'github' section",
		},
		{
			"github platform without owner",
			ProjectConfig{Path: tmpDir, Platform: "github", GitHub: &GitHubConfig{Repo: "app"}},
			"github.owner is required",
		},
		{
			"script platform without deploy command",
			ProjectConfig{Path: tmpDir, Platform: "script", Script: &ScriptConfig{}},
			"requires script.deploy_command",
		},
		{
			"negative timeout",
			ProjectConfig{Path: tmpDir, BuildTimeout: -1},
			"build_timeout must be a positive integer",
		},
		{
			"branch starting with dash",
			ProjectConfig{Path: tmpDir, Branch: "-evil"},
			"branch name cannot start with '-'",
		},
		{
			"unparseable build command",
			ProjectConfig{Path: tmpDir, BuildCommand: `npm run "broken`},
			"build_command is not a valid command",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errors := ValidateProjectConfig("p", tt.config)
			if len(errors) == 0 {
				t.Fatalf("Expected validation errors, got none")
			}
			found := false
			for _, e := range errors {
				if strings.Contains(e, tt.wantErr) {
					found = true
					break
				}
			}
			if !found {
				t.Errorf("Expected an error containing %q, got: %v", tt.wantErr, errors)
			}
		})
	}
}

func TestValidateProjectConfig_SecretOptional(t *testing.T) {
	tmpDir := t.TempDir()

	// Projects deployed only via the API or CLI do not need a webhook
	// secret.
	config := ProjectConfig{Path: tmpDir}
	if errors := ValidateProjectConfig("p", config); len(errors) > 0 {
		t.Errorf("Expected config without secret to pass, got: %v", errors)
	}
}

func TestLoadConfig(t *testing.T) {
	tmpDir := t.TempDir()
	projectDir := filepath.Join(tmpDir, "myapp")
	if err := os.Mkdir(projectDir, 0755); err != nil {
		t.Fatalf("Failed to create project dir: %v", err)
	}

	configYAML := `
projects:
  myapp:
    path: ` + projectDir + `
    secret: ` + validSecret() + `
    platform: github
    build_command: npm run build
    github:
      owner: acme
      repo: myapp
`
	configPath := filepath.Join(tmpDir, "slipway.yaml")
	if err := os.WriteFile(configPath, []byte(configYAML), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	_, projects, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	p, ok := projects["myapp"]
	if !ok {
		t.Fatal("LoadConfig() did not return project 'myapp'")
	}

	// Defaults applied
	if p.Branch != "main" {
		t.Errorf("branch = %q, want default %q", p.Branch, "main")
	}
	if p.InstallTimeout != DefaultInstallTimeout {
		t.Errorf("install timeout = %d, want default %d", p.InstallTimeout, DefaultInstallTimeout)
	}
	if p.GitHub == nil {
		t.Fatal("github config not carried through")
	}
	if p.GitHub.Ref != "main" {
		t.Errorf("github ref = %q, want branch default %q", p.GitHub.Ref, "main")
	}
	if p.GitHub.Environment != DefaultEnvironment {
		t.Errorf("github environment = %q, want %q", p.GitHub.Environment, DefaultEnvironment)
	}
	if p.GitHub.TokenEnv != DefaultGitHubTokenEnv {
		t.Errorf("github token env = %q, want %q", p.GitHub.TokenEnv, DefaultGitHubTokenEnv)
	}
}

func TestLoadConfig_EmptyFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "slipway.yaml")
	if err := os.WriteFile(configPath, []byte(""), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	_, projects, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v for empty file", err)
	}
	if len(projects) != 0 {
		t.Errorf("LoadConfig() returned %d projects for empty file", len(projects))
	}
}

func TestLoadConfig_InvalidProject(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "slipway.yaml")
	configYAML := `
projects:
  broken:
    path: relative/path
`
	if err := os.WriteFile(configPath, []byte(configYAML), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	if _, _, err := LoadConfig(configPath); err == nil {
		t.Error("LoadConfig() accepted an invalid project")
	}
}

func TestMatchesRef(t *testing.T) {
	p := &Project{Branch: "main"}

	if !p.MatchesRef("refs/heads/main") {
		t.Error("MatchesRef() = false for the target branch")
	}
	if p.MatchesRef("refs/heads/develop") {
		t.Error("MatchesRef() = true for a different branch")
	}
	if p.MatchesRef("refs/tags/v1.0.0") {
		t.Error("MatchesRef() = true for a tag ref")
	}
}

func TestRegistry(t *testing.T) {
	registry := NewRegistry(map[string]*Project{
		"app-one": {Name: "app-one"},
		"app-two": {Name: "app-two"},
	})

	if got := registry.Count(); got != 2 {
		t.Errorf("Count() = %d, want 2", got)
	}

	p, err := registry.Get("app-one")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if p.Name != "app-one" {
		t.Errorf("Get() returned %q, want %q", p.Name, "app-one")
	}

	if _, err := registry.Get("nope"); err == nil {
		t.Error("Get() did not fail for an unknown project")
	}

	if got := len(registry.List()); got != 2 {
		t.Errorf("List() returned %d names, want 2", got)
	}
}
