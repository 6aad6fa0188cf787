package platform

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeProjectFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
}

func TestDetectProjectNode(t *testing.T) {
	tests := []struct {
		name        string
		packageJSON string
		extraFiles  []string
		wantFW      string
		wantPM      string
		wantInstall string
		wantBuild   string
		wantOutput  string
	}{
		{
			name:        "nextjs with pnpm",
			packageJSON: `{"dependencies":{"next":"14.0.0","react":"18.2.0"},"scripts":{"build":"next build"}}`,
			extraFiles:  []string{"pnpm-lock.yaml"},
			wantFW:      "nextjs",
			wantPM:      "pnpm",
			wantInstall: "pnpm install --frozen-lockfile",
			wantBuild:   "pnpm run build",
			wantOutput:  ".next",
		},
		{
			name:        "react with yarn",
			packageJSON: `{"dependencies":{"react":"18.2.0"},"scripts":{"build":"react-scripts build"}}`,
			extraFiles:  []string{"yarn.lock"},
			wantFW:      "react",
			wantPM:      "yarn",
			wantInstall: "yarn install --frozen-lockfile",
			wantBuild:   "yarn run build",
			wantOutput:  "build",
		},
		{
			name:        "npm with lockfile uses ci",
			packageJSON: `{"dependencies":{"express":"4.18.0"},"scripts":{"build":"tsc"}}`,
			extraFiles:  []string{"package-lock.json"},
			wantFW:      "express",
			wantPM:      "npm",
			wantInstall: "npm ci",
			wantBuild:   "npm run build",
			wantOutput:  "dist",
		},
		{
			name:        "npm without lockfile uses install",
			packageJSON: `{"dependencies":{"vue":"3.4.0"},"scripts":{"build":"vite build"}}`,
			wantFW:      "vue",
			wantPM:      "npm",
			wantInstall: "npm install",
			wantBuild:   "npm run build",
			wantOutput:  "dist",
		},
		{
			name:        "no build script",
			packageJSON: `{"dependencies":{"express":"4.18.0"}}`,
			wantFW:      "express",
			wantPM:      "npm",
			wantInstall: "npm install",
			wantBuild:   "",
			wantOutput:  "dist",
		},
		{
			name:        "devDependencies count for detection",
			packageJSON: `{"devDependencies":{"vite":"5.0.0"},"scripts":{"build":"vite build"}}`,
			wantFW:      "vite",
			wantPM:      "npm",
			wantInstall: "npm install",
			wantBuild:   "npm run build",
			wantOutput:  "dist",
		},
		{
			name:        "nextjs outranks react",
			packageJSON: `{"dependencies":{"react":"18.2.0","next":"14.0.0"}}`,
			wantFW:      "nextjs",
			wantPM:      "npm",
			wantInstall: "npm install",
			wantBuild:   "",
			wantOutput:  ".next",
		},
		{
			name:        "pnpm lockfile outranks stale package-lock",
			packageJSON: `{"dependencies":{"react":"18.2.0"}}`,
			extraFiles:  []string{"pnpm-lock.yaml", "package-lock.json"},
			wantFW:      "react",
			wantPM:      "pnpm",
			wantInstall: "pnpm install --frozen-lockfile",
			wantBuild:   "",
			wantOutput:  "build",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeProjectFile(t, dir, "package.json", tt.packageJSON)
			for _, name := range tt.extraFiles {
				writeProjectFile(t, dir, name, "")
			}

			det, err := DetectProject(dir)
			if err != nil {
				t.Fatalf("DetectProject() error = %v", err)
			}
			if det == nil {
				t.Fatal("DetectProject() = nil, want detection")
			}

			if det.Framework != tt.wantFW {
				t.Errorf("Framework = %v, want %v", det.Framework, tt.wantFW)
			}
			if det.PackageManager != tt.wantPM {
				t.Errorf("PackageManager = %v, want %v", det.PackageManager, tt.wantPM)
			}
			if got := strings.Join(det.InstallCommand, " "); got != tt.wantInstall {
				t.Errorf("InstallCommand = %v, want %v", got, tt.wantInstall)
			}
			if got := strings.Join(det.BuildCommand, " "); got != tt.wantBuild {
				t.Errorf("BuildCommand = %v, want %v", got, tt.wantBuild)
			}
			if det.OutputDir != tt.wantOutput {
				t.Errorf("OutputDir = %v, want %v", det.OutputDir, tt.wantOutput)
			}
		})
	}
}

func TestDetectProjectGo(t *testing.T) {
	dir := t.TempDir()
	writeProjectFile(t, dir, "go.mod", "module example.com/app\n\ngo 1.22\n")

	det, err := DetectProject(dir)
	if err != nil {
		t.Fatalf("DetectProject() error = %v", err)
	}
	if det == nil {
		t.Fatal("DetectProject() = nil, want detection")
	}
	if det.Framework != "go" {
		t.Errorf("Framework = %v, want go", det.Framework)
	}
	if got := strings.Join(det.BuildCommand, " "); got != "go build ./..." {
		t.Errorf("BuildCommand = %v, want go build ./...", got)
	}
}

func TestDetectProjectMakefile(t *testing.T) {
	dir := t.TempDir()
	writeProjectFile(t, dir, "Makefile", "build:\n\techo ok\n")

	det, err := DetectProject(dir)
	if err != nil {
		t.Fatalf("DetectProject() error = %v", err)
	}
	if det == nil {
		t.Fatal("DetectProject() = nil, want detection")
	}
	if det.Framework != "make" {
		t.Errorf("Framework = %v, want make", det.Framework)
	}
	if len(det.InstallCommand) != 0 {
		t.Errorf("InstallCommand = %v, want none", det.InstallCommand)
	}
}

func TestDetectProjectNone(t *testing.T) {
	det, err := DetectProject(t.TempDir())
	if err != nil {
		t.Fatalf("DetectProject() error = %v", err)
	}
	if det != nil {
		t.Errorf("DetectProject() = %+v for empty dir, want nil", det)
	}
}

func TestDetectProjectErrors(t *testing.T) {
	t.Run("missing path", func(t *testing.T) {
		if _, err := DetectProject(filepath.Join(t.TempDir(), "missing")); err == nil {
			t.Error("DetectProject() expected error for missing path")
		}
	})

	t.Run("path is a file", func(t *testing.T) {
		dir := t.TempDir()
		writeProjectFile(t, dir, "file.txt", "x")
		if _, err := DetectProject(filepath.Join(dir, "file.txt")); err == nil {
			t.Error("DetectProject() expected error for file path")
		}
	})

	t.Run("malformed package.json", func(t *testing.T) {
		dir := t.TempDir()
		writeProjectFile(t, dir, "package.json", "{not json")
		if _, err := DetectProject(dir); err == nil {
			t.Error("DetectProject() expected error for malformed package.json")
		}
	})
}
