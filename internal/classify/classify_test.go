package classify

import (
	"strings"
	"testing"
)

func TestClassifyMissingModule(t *testing.T) {
	c := New()

	stderr := `node:internal/modules/cjs/loader:1073
Error: Cannot find module 'left-pad'
Require stack:
- /app/src/index.js`

	sig := c.Classify(stderr, "")
	if sig == nil {
		t.Fatal("Classify() returned nil for a missing module error")
	}

	if sig.Type != TypeDependency {
		t.Errorf("type = %q, want %q", sig.Type, TypeDependency)
	}
	if sig.Severity != SeverityHigh {
		t.Errorf("severity = %q, want %q", sig.Severity, SeverityHigh)
	}
	if sig.Rule != "missing-module" {
		t.Errorf("rule = %q, want %q", sig.Rule, "missing-module")
	}
	if got := sig.Context["package"]; got != "left-pad" {
		t.Errorf("context package = %q, want %q", got, "left-pad")
	}
	if !strings.Contains(sig.Message, "Cannot find module 'left-pad'") {
		t.Errorf("message = %q, want the matched line", sig.Message)
	}
	if len(sig.Suggestions) == 0 {
		t.Error("no suggestions for a classified error")
	}
	if len(sig.Hash) != 16 {
		t.Errorf("hash length = %d, want 16", len(sig.Hash))
	}
}

func TestClassifyRuleTable(t *testing.T) {
	c := New()

	tests := []struct {
		name         string
		stderr       string
		wantType     ErrType
		wantSeverity Severity
		wantRule     string
	}{
		{
			"webpack unresolved import",
			"Module not found: Error: Can't resolve 'react' in '/app/src'",
			TypeDependency,
			SeverityHigh,
			"unresolved-import",
		},
		{
			"go missing package",
			"main.go:5:2: no required module provides package github.com/acme/missing; to add it:",
			TypeDependency,
			SeverityHigh,
			"missing-go-package",
		},
		{
			"npm failure",
			"npm ERR! code ERESOLVE\nnpm ERR! ERESOLVE unable to resolve dependency tree",
			TypeDependency,
			SeverityHigh,
			"package-manager-failure",
		},
		{
			"typescript diagnostic",
			"src/app.ts(4,23): error TS2345: Argument of type 'string' is not assignable.",
			TypeBuild,
			SeverityHigh,
			"typescript-compile",
		},
		{
			"go compile error",
			"internal/server/server.go:42:15: undefined: missingFunc",
			TypeBuild,
			SeverityHigh,
			"go-compile",
		},
		{
			"auth failure",
			"remote: Invalid token provided. Authentication failed.",
			TypeAuth,
			SeverityCritical,
			"auth-failure",
		},
		{
			"permission denied",
			"EACCES: permission denied, open '/etc/app/config.yaml'",
			TypePermission,
			SeverityHigh,
			"permission-denied",
		},
		{
			"network refused",
			"request to https://registry.npmjs.org/left-pad failed, reason: ECONNREFUSED",
			TypeNetwork,
			SeverityMedium,
			"network",
		},
		{
			"missing env var",
			"Error: missing required environment variable: DATABASE_URL",
			TypeConfig,
			SeverityMedium,
			"missing-env-var",
		},
		{
			"invalid config",
			"error parsing config file: yaml: line 3: mapping values are not allowed",
			TypeConfig,
			SeverityMedium,
			"invalid-config",
		},
		{
			"out of memory",
			"FATAL ERROR: Reached heap limit Allocation failed - JavaScript heap out of memory",
			TypeBuild,
			SeverityCritical,
			"out-of-memory",
		},
		{
			"generic build failure",
			"Build failed with 3 errors.",
			TypeBuild,
			SeverityHigh,
			"build-failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := c.Classify(tt.stderr, "")
			if sig == nil {
				t.Fatal("Classify() returned nil")
			}
			if sig.Type != tt.wantType {
				t.Errorf("type = %q, want %q", sig.Type, tt.wantType)
			}
			if sig.Severity != tt.wantSeverity {
				t.Errorf("severity = %q, want %q", sig.Severity, tt.wantSeverity)
			}
			if sig.Rule != tt.wantRule {
				t.Errorf("rule = %q, want %q", sig.Rule, tt.wantRule)
			}
		})
	}
}

func TestClassifyFirstMatchWins(t *testing.T) {
	c := New()

	// Both the missing-module rule and the build-failed rule match;
	// the earlier, more specific entry must win.
	stderr := "Build failed.\nError: Cannot find module 'chalk'"
	sig := c.Classify(stderr, "")
	if sig == nil {
		t.Fatal("Classify() returned nil")
	}
	if sig.Rule != "missing-module" {
		t.Errorf("rule = %q, want %q (table order)", sig.Rule, "missing-module")
	}
}

func TestClassifyGenericFallback(t *testing.T) {
	c := New()

	sig := c.Classify("something exploded in an unrecognizable way", "")
	if sig == nil {
		t.Fatal("Classify() returned nil for non-empty stderr")
	}
	if sig.Rule != "generic" {
		t.Errorf("rule = %q, want %q", sig.Rule, "generic")
	}
	if sig.Type != TypeBuild {
		t.Errorf("type = %q, want %q", sig.Type, TypeBuild)
	}
	if sig.Severity != SeverityMedium {
		t.Errorf("severity = %q, want %q", sig.Severity, SeverityMedium)
	}
}

func TestClassifyNothingToClassify(t *testing.T) {
	c := New()

	if sig := c.Classify("", "everything completed without incident"); sig != nil {
		t.Errorf("Classify() = %+v, want nil for empty stderr and no rule match", sig)
	}
	if sig := c.Classify("   \n  ", ""); sig != nil {
		t.Errorf("Classify() = %+v, want nil for whitespace-only stderr", sig)
	}
}

func TestClassifyMatchesStdout(t *testing.T) {
	c := New()

	// Some toolchains print errors to stdout; rules run over both
	// streams even though the fallback needs stderr.
	sig := c.Classify("", "Error: Cannot find module 'dotenv'")
	if sig == nil {
		t.Fatal("Classify() returned nil for a rule match in stdout")
	}
	if sig.Rule != "missing-module" {
		t.Errorf("rule = %q, want %q", sig.Rule, "missing-module")
	}
}

func TestHashStability(t *testing.T) {
	c := New()

	a := c.Classify("Error: Cannot find module 'left-pad'\n    at /home/alice/project/src/index.js:15:11", "")
	b := c.Classify("Error: Cannot find module 'left-pad'\n    at /srv/deploy/code/main.js:92:3", "")
	if a == nil || b == nil {
		t.Fatal("Classify() returned nil")
	}
	if a.Hash != b.Hash {
		t.Errorf("hashes differ for the same error with different paths: %q vs %q", a.Hash, b.Hash)
	}

	other := c.Classify("Error: Cannot find module 'right-pad'\n    at /home/alice/project/src/index.js:15:11", "")
	if other == nil {
		t.Fatal("Classify() returned nil")
	}
	if other.Hash == a.Hash {
		t.Error("hashes match for different missing modules")
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Build 123 failed at /opt/app/dist", "build 0 failed at /PATH"},
		{"  Error: exit 2  ", "error: exit 0"},
		{"/a/b/c:15:3 broke", "/PATH broke"},
	}

	for _, tt := range tests {
		if got := normalize(tt.in); got != tt.want {
			t.Errorf("normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestExtractLocation(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		wantFile string
		wantLine int
	}{
		{
			"absolute path with column",
			"    at Object.<anonymous> (/app/src/index.js:15:11)",
			"/app/src/index.js",
			15,
		},
		{
			"relative path in parens",
			"error in (src/components/App.tsx:42:7)",
			"src/components/App.tsx",
			42,
		},
		{
			"go style",
			"internal/server/server.go:42:15: undefined: x",
			"internal/server/server.go",
			42,
		},
		{
			"no location",
			"Build failed.",
			"",
			0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			file, line := extractLocation(tt.text)
			if file != tt.wantFile || line != tt.wantLine {
				t.Errorf("extractLocation() = (%q, %d), want (%q, %d)", file, line, tt.wantFile, tt.wantLine)
			}
		})
	}
}

func TestExtractContext(t *testing.T) {
	ctx := extractContext("Module not found: Can't resolve 'react'\nnpm ERR! at Vercel build step\nnode v18.17.1")

	if got := ctx["framework"]; got != "react" {
		t.Errorf("framework = %q, want %q", got, "react")
	}
	if got := ctx["platform"]; got != "vercel" {
		t.Errorf("platform = %q, want %q", got, "vercel")
	}
	if got := ctx["package_manager"]; got != "npm" {
		t.Errorf("package_manager = %q, want %q", got, "npm")
	}
	if got := ctx["node_version"]; got != "18.17.1" {
		t.Errorf("node_version = %q, want %q", got, "18.17.1")
	}

	// pnpm output contains "npm" as a substring; detection must not
	// misattribute it.
	ctx = extractContext("pnpm ERR! failed to fetch")
	if got := ctx["package_manager"]; got != "pnpm" {
		t.Errorf("package_manager = %q, want %q", got, "pnpm")
	}
}
