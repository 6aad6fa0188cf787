package platform

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// frameworkOutputDirs maps detected frameworks to their default build
// output directory relative to the project root.
var frameworkOutputDirs = map[string]string{
	"nextjs":  ".next",
	"nuxt":    ".output",
	"gatsby":  "public",
	"angular": "dist",
	"svelte":  "build",
	"astro":   "dist",
	"remix":   "build",
	"vue":     "dist",
	"vite":    "dist",
	"react":   "build",
}

// frameworkMarkers is checked in order against package.json dependencies.
// Meta-frameworks come before the libraries they wrap.
var frameworkMarkers = []struct {
	dep       string
	framework string
}{
	{"next", "nextjs"},
	{"nuxt", "nuxt"},
	{"gatsby", "gatsby"},
	{"@angular/core", "angular"},
	{"@remix-run/node", "remix"},
	{"astro", "astro"},
	{"svelte", "svelte"},
	{"vue", "vue"},
	{"vite", "vite"},
	{"react", "react"},
	{"express", "express"},
}

type packageJSON struct {
	Name            string            `json:"name"`
	Scripts         map[string]string `json:"scripts"`
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

// DetectProject inspects a directory and reports the project kind along
// with install and build commands. It returns (nil, nil) when nothing
// recognizable is found.
func DetectProject(path string) (*Detection, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("project path inaccessible: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("project path is not a directory: %s", path)
	}

	if det, err := detectNode(path); det != nil || err != nil {
		return det, err
	}
	if fileExists(filepath.Join(path, "go.mod")) {
		return &Detection{
			Framework:      "go",
			PackageManager: "go",
			InstallCommand: []string{"go", "mod", "download"},
			BuildCommand:   []string{"go", "build", "./..."},
		}, nil
	}
	if fileExists(filepath.Join(path, "Makefile")) {
		return &Detection{
			Framework:    "make",
			BuildCommand: []string{"make"},
		}, nil
	}
	return nil, nil
}

func detectNode(path string) (*Detection, error) {
	data, err := os.ReadFile(filepath.Join(path, "package.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read package.json: %w", err)
	}

	var pkg packageJSON
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil, fmt.Errorf("failed to parse package.json: %w", err)
	}

	deps := make(map[string]string, len(pkg.Dependencies)+len(pkg.DevDependencies))
	for name, version := range pkg.Dependencies {
		deps[name] = version
	}
	for name, version := range pkg.DevDependencies {
		deps[name] = version
	}

	framework := "node"
	for _, marker := range frameworkMarkers {
		if _, ok := deps[marker.dep]; ok {
			framework = marker.framework
			break
		}
	}

	pm := detectPackageManager(path)

	det := &Detection{
		Framework:      framework,
		PackageManager: pm,
		InstallCommand: installCommand(pm, path),
	}
	if _, ok := pkg.Scripts["build"]; ok {
		det.BuildCommand = []string{pm, "run", "build"}
	}
	if dir, ok := frameworkOutputDirs[framework]; ok {
		det.OutputDir = dir
	} else {
		det.OutputDir = "dist"
	}
	return det, nil
}

// detectPackageManager picks the package manager from lockfiles.
// pnpm and yarn lockfiles take precedence over npm's because projects
// migrating away from npm often leave a stale package-lock.json behind.
func detectPackageManager(path string) string {
	if fileExists(filepath.Join(path, "pnpm-lock.yaml")) {
		return "pnpm"
	}
	if fileExists(filepath.Join(path, "yarn.lock")) {
		return "yarn"
	}
	return "npm"
}

func installCommand(pm, path string) []string {
	switch pm {
	case "pnpm":
		return []string{"pnpm", "install", "--frozen-lockfile"}
	case "yarn":
		return []string{"yarn", "install", "--frozen-lockfile"}
	default:
		if fileExists(filepath.Join(path, "package-lock.json")) {
			return []string{"npm", "ci"}
		}
		return []string{"npm", "install"}
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
