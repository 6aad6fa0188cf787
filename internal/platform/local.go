package platform

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"slipway/internal/config"
	"slipway/internal/security"
	"slipway/pkg/fileutil"
)

// DefaultKeepReleases is how many releases the local adapter retains
// after a deployment.
const DefaultKeepReleases = 5

// Local deploys build output into a releases directory under the
// project root and cuts traffic over by repointing a "current" symlink:
//
//	<project>/releases/<timestamp>/  deployed artifact copies
//	<project>/shared/                files overlaid into every release
//	<project>/current -> releases/<timestamp>
type Local struct {
	logger       *slog.Logger
	keepReleases int
}

// NewLocal creates the local filesystem adapter.
func NewLocal(logger *slog.Logger) *Local {
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{
		logger:       logger.With("platform", "local"),
		keepReleases: DefaultKeepReleases,
	}
}

// Name returns the platform identifier.
func (l *Local) Name() string { return "local" }

// Detect inspects the project working copy.
func (l *Local) Detect(ctx context.Context, path string) (*Detection, error) {
	return DetectProject(path)
}

// Authenticate verifies the project root is usable. Local deployments
// need no credentials.
func (l *Local) Authenticate(ctx context.Context, project *config.Project) AuthResult {
	if !fileutil.DirExists(project.Path) {
		return AuthResult{Err: fmt.Sprintf("project path does not exist: %s", project.Path)}
	}
	return AuthResult{OK: true, Identity: "local"}
}

// Deploy copies the build output into a fresh release directory,
// overlays shared files, and atomically repoints the current symlink.
func (l *Local) Deploy(ctx context.Context, project *config.Project, opts DeployOptions) DeployResult {
	srcDir := project.Path
	if opts.OutputDir != "" {
		srcDir = filepath.Join(project.Path, opts.OutputDir)
	}
	if !fileutil.DirExists(srcDir) {
		return DeployResult{Err: fmt.Sprintf("build output directory missing: %s", srcDir)}
	}

	releasesDir := filepath.Join(project.Path, "releases")
	if err := security.CreateSecureDir(releasesDir, security.PermDirectory); err != nil {
		return DeployResult{Err: fmt.Sprintf("failed to create releases directory: %v", err)}
	}

	releaseName := time.Now().Format("2006-01-02-15-04-05")
	releaseDir := filepath.Join(releasesDir, releaseName)
	// Deploys landing in the same second get a numeric suffix
	for i := 2; fileutil.DirExists(releaseDir); i++ {
		releaseDir = filepath.Join(releasesDir, releaseName+"-"+strconv.Itoa(i))
	}
	releaseName = filepath.Base(releaseDir)

	if err := security.CreateSecureDir(releaseDir, security.PermDirectory); err != nil {
		return DeployResult{Err: fmt.Sprintf("failed to create release directory: %v", err)}
	}
	// When deploying the project root itself, the deployment machinery
	// directories must not be copied into the release they contain.
	var skip []string
	if srcDir == project.Path {
		skip = []string{"releases", "shared", "current"}
	}
	if err := fileutil.CopyTree(srcDir, releaseDir, skip...); err != nil {
		_ = os.RemoveAll(releaseDir)
		return DeployResult{Err: fmt.Sprintf("failed to copy build output: %v", err)}
	}

	sharedDir := filepath.Join(project.Path, "shared")
	if fileutil.DirExists(sharedDir) {
		if err := fileutil.CopyTree(sharedDir, releaseDir); err != nil {
			_ = os.RemoveAll(releaseDir)
			return DeployResult{Err: fmt.Sprintf("failed to overlay shared files: %v", err)}
		}
	}

	if err := l.activate(project, releaseDir); err != nil {
		return DeployResult{Err: fmt.Sprintf("failed to activate release: %v", err)}
	}

	if err := l.cleanupOldReleases(project); err != nil {
		// Old releases are an operator convenience, not part of the cutover
		l.logger.Warn("failed to clean up old releases", "project", project.Name, "error", err)
	}

	l.logger.Info("release activated",
		"project", project.Name,
		"release", releaseName)

	return DeployResult{
		OK:       true,
		DeployID: releaseName,
		URL:      "file://" + filepath.Join(project.Path, "current"),
	}
}

// Status reports whether a release exists and whether it is the one
// the current symlink points at. Local cutover is synchronous, so a
// successful deploy is observable as live on the first poll.
func (l *Local) Status(ctx context.Context, project *config.Project, deployID string) StatusResult {
	releaseDir := filepath.Join(project.Path, "releases", deployID)
	if !fileutil.DirExists(releaseDir) {
		return StatusResult{Status: StatusError, Err: fmt.Sprintf("release not found: %s", deployID)}
	}

	currentLink := filepath.Join(project.Path, "current")
	if !fileutil.SymlinkExists(currentLink) {
		return StatusResult{Status: StatusReady}
	}

	current, err := fileutil.ResolveSymlink(currentLink)
	if err != nil {
		return StatusResult{Status: StatusError, Err: fmt.Sprintf("current symlink is broken: %v", err)}
	}
	release, err := filepath.EvalSymlinks(releaseDir)
	if err != nil {
		return StatusResult{Status: StatusError, Err: fmt.Sprintf("failed to resolve release: %v", err)}
	}

	if current == release {
		return StatusResult{Status: StatusLive, URL: "file://" + currentLink}
	}
	return StatusResult{Status: StatusReady}
}

// SetEnv writes variables to shared/.env so every future release picks
// them up, and refreshes the named release so the running one does too.
func (l *Local) SetEnv(ctx context.Context, project *config.Project, deployID string, vars map[string]string) error {
	if len(vars) == 0 {
		return nil
	}

	sharedDir := filepath.Join(project.Path, "shared")
	if err := security.CreateSecureDir(sharedDir, security.PermDirectory); err != nil {
		return fmt.Errorf("failed to create shared directory: %w", err)
	}

	envPath := filepath.Join(sharedDir, ".env")
	merged := parseEnvFile(envPath)
	for name, value := range vars {
		merged[name] = value
	}
	data := formatEnvFile(merged)

	if err := security.WriteSecureFile(envPath, data, security.PermSecretFile); err != nil {
		return fmt.Errorf("failed to write env file: %w", err)
	}

	if deployID != "" {
		releaseDir := filepath.Join(project.Path, "releases", deployID)
		if fileutil.DirExists(releaseDir) {
			if err := security.WriteSecureFile(filepath.Join(releaseDir, ".env"), data, security.PermSecretFile); err != nil {
				return fmt.Errorf("failed to refresh release env file: %w", err)
			}
		}
	}

	return nil
}

// Rollback repoints the current symlink at deployID, or at the release
// preceding the current one when deployID is empty.
func (l *Local) Rollback(ctx context.Context, project *config.Project, deployID string) error {
	releasesDir := filepath.Join(project.Path, "releases")

	if deployID != "" {
		target := filepath.Join(releasesDir, deployID)
		if !fileutil.DirExists(target) {
			return fmt.Errorf("release not found: %s", deployID)
		}
		if _, err := security.ConfinePath(releasesDir, target); err != nil {
			return err
		}
		l.logger.Info("rolling back", "project", project.Name, "release", deployID)
		return l.activate(project, target)
	}

	names, err := l.releaseNames(project)
	if err != nil {
		return err
	}
	if len(names) < 2 {
		return fmt.Errorf("no previous release to roll back to (found %d releases)", len(names))
	}

	currentLink := filepath.Join(project.Path, "current")
	if !fileutil.SymlinkExists(currentLink) {
		return fmt.Errorf("no current release to roll back from")
	}
	current, err := fileutil.ResolveSymlink(currentLink)
	if err != nil {
		return fmt.Errorf("current symlink is broken: %w", err)
	}

	idx := -1
	for i, name := range names {
		release, err := filepath.EvalSymlinks(filepath.Join(releasesDir, name))
		if err != nil {
			continue
		}
		if release == current {
			idx = i
			break
		}
	}
	if idx == -1 {
		return fmt.Errorf("current release not found in %s", releasesDir)
	}
	if idx+1 >= len(names) {
		return fmt.Errorf("already at the oldest release")
	}

	previous := names[idx+1]
	l.logger.Info("rolling back", "project", project.Name, "release", previous)
	return l.activate(project, filepath.Join(releasesDir, previous))
}

// activate points current at releaseDir using a relative target so the
// project tree stays relocatable.
func (l *Local) activate(project *config.Project, releaseDir string) error {
	if _, err := security.ConfinePath(project.Path, releaseDir); err != nil {
		return err
	}

	relPath, err := filepath.Rel(project.Path, releaseDir)
	if err != nil {
		return fmt.Errorf("failed to compute relative release path: %w", err)
	}

	currentLink := filepath.Join(project.Path, "current")
	if err := fileutil.UpdateSymlinkAtomic(currentLink, relPath); err != nil {
		return fmt.Errorf("failed to update current symlink: %w", err)
	}
	return nil
}

// cleanupOldReleases removes releases beyond keepReleases, newest
// first. The active release is never removed.
func (l *Local) cleanupOldReleases(project *config.Project) error {
	names, err := l.releaseNames(project)
	if err != nil {
		return err
	}
	if len(names) <= l.keepReleases {
		return nil
	}

	releasesDir := filepath.Join(project.Path, "releases")

	var current string
	if link := filepath.Join(project.Path, "current"); fileutil.SymlinkExists(link) {
		current, _ = fileutil.ResolveSymlink(link)
	}

	for _, name := range names[l.keepReleases:] {
		releaseDir := filepath.Join(releasesDir, name)
		if resolved, err := filepath.EvalSymlinks(releaseDir); err == nil && resolved == current {
			continue
		}
		if _, err := security.ConfinePath(releasesDir, releaseDir); err != nil {
			return err
		}
		if err := os.RemoveAll(releaseDir); err != nil {
			return fmt.Errorf("failed to remove old release %s: %w", name, err)
		}
		l.logger.Debug("removed old release", "project", project.Name, "release", name)
	}
	return nil
}

// releaseNames lists release directory names sorted newest first.
// Timestamped names sort lexicographically.
func (l *Local) releaseNames(project *config.Project) ([]string, error) {
	releasesDir := filepath.Join(project.Path, "releases")
	entries, err := os.ReadDir(releasesDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read releases directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}

func parseEnvFile(path string) map[string]string {
	vars := make(map[string]string)
	data, err := os.ReadFile(path)
	if err != nil {
		return vars
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if name, value, ok := strings.Cut(line, "="); ok {
			vars[strings.TrimSpace(name)] = value
		}
	}
	return vars
}

func formatEnvFile(vars map[string]string) []byte {
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(vars[name])
		b.WriteByte('\n')
	}
	return []byte(b.String())
}
