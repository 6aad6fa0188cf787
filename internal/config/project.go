package config

// Project is a validated, default-applied project ready for the
// workflow engine.
type Project struct {
	Name           string
	Path           string
	Platform       string
	Branch         string
	Secret         string
	InstallCommand string
	BuildCommand   string
	OutputDir      string
	Env            map[string]string
	InstallTimeout int // seconds
	BuildTimeout   int // seconds
	DeployTimeout  int // seconds
	GitHub         *GitHubConfig
	Script         *ScriptConfig
}

// ProjectConfig is the YAML shape of a project entry.
type ProjectConfig struct {
	Path           string            `yaml:"path"`
	Platform       string            `yaml:"platform"`
	Branch         string            `yaml:"branch"`
	Secret         string            `yaml:"secret"`
	InstallCommand string            `yaml:"install_command"`
	BuildCommand   string            `yaml:"build_command"`
	OutputDir      string            `yaml:"output_dir"`
	Env            map[string]string `yaml:"env"`
	InstallTimeout int               `yaml:"install_timeout"`
	BuildTimeout   int               `yaml:"build_timeout"`
	DeployTimeout  int               `yaml:"deploy_timeout"`
	GitHub         *GitHubConfig     `yaml:"github"`
	Script         *ScriptConfig     `yaml:"script"`
}

// GitHubConfig configures the GitHub Deployments platform.
type GitHubConfig struct {
	Owner       string `yaml:"owner"`
	Repo        string `yaml:"repo"`
	Ref         string `yaml:"ref"`
	Environment string `yaml:"environment"`
	TokenEnv    string `yaml:"token_env"`
}

// ScriptConfig configures the script platform, which shells out to
// operator-provided commands for each deployment operation.
type ScriptConfig struct {
	DeployCommand   string `yaml:"deploy_command"`
	StatusCommand   string `yaml:"status_command"`
	RollbackCommand string `yaml:"rollback_command"`
	AuthCommand     string `yaml:"auth_command"`
	EnvCommand      string `yaml:"env_command"`
}

// Config is the root configuration structure.
type Config struct {
	Projects map[string]ProjectConfig `yaml:"projects"`
}
