// Package classify turns raw process output into structured error
// signatures. A signature names the error category, how severe it is,
// and carries a stable hash so repeats of the same failure can be
// grouped across tasks even when paths, line numbers or timestamps
// differ between occurrences.
package classify

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"
)

// ErrType is the category of a classified failure.
type ErrType string

const (
	TypeBuild      ErrType = "build_error"
	TypeDependency ErrType = "dependency_error"
	TypeConfig     ErrType = "config_error"
	TypeAuth       ErrType = "auth_error"
	TypeNetwork    ErrType = "network_error"
	TypePermission ErrType = "permission_error"
)

// Severity grades how disruptive a failure is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Signature is a structured description of one failure.
type Signature struct {
	Type     ErrType
	Severity Severity

	// Message is the output line the classification matched on,
	// trimmed and truncated.
	Message string

	// Rule names the table entry that matched, or "generic" for the
	// fallback classification.
	Rule string

	// File and Line point at the source location when the output
	// mentioned one.
	File string
	Line int

	// Command and ExitCode describe the process that produced the
	// output. Filled in by the caller; they do not affect the hash.
	Command  string
	ExitCode int

	// Context carries best-effort extracted details: framework,
	// platform, package_manager, package, env_var, ts_code.
	Context map[string]string

	Suggestions []string

	// Hash is stable across occurrences of the same underlying error.
	Hash string
}

// KnownFrameworks lists frameworks the recovery engine considers
// compatible with package-level remediation.
var KnownFrameworks = map[string]bool{
	"nextjs":  true,
	"nuxt":    true,
	"gatsby":  true,
	"react":   true,
	"vue":     true,
	"angular": true,
	"svelte":  true,
	"express": true,
}

// rule is one entry in the ordered classification table. Earlier
// entries are more specific; the first match wins.
type rule struct {
	name     string
	pattern  *regexp.Regexp
	typ      ErrType
	severity Severity
	suggest  func(m []string) []string
	annotate func(m []string, ctx map[string]string)
}

func defaultRules() []rule {
	return []rule{
		{
			name:     "missing-module",
			pattern:  regexp.MustCompile(`(?i)cannot find module '([^']+)'`),
			typ:      TypeDependency,
			severity: SeverityHigh,
			suggest: func(m []string) []string {
				return []string{
					"install the missing package: " + m[1],
					"run a clean install to rebuild the dependency tree",
				}
			},
			annotate: func(m []string, ctx map[string]string) {
				ctx["package"] = m[1]
			},
		},
		{
			name:     "unresolved-import",
			pattern:  regexp.MustCompile(`(?i)can't resolve\s*'([^']+)'`),
			typ:      TypeDependency,
			severity: SeverityHigh,
			suggest: func(m []string) []string {
				return []string{
					"install the unresolved package: " + m[1],
					"check the import path for typos",
				}
			},
			annotate: func(m []string, ctx map[string]string) {
				ctx["package"] = m[1]
			},
		},
		{
			name:     "missing-go-package",
			pattern:  regexp.MustCompile(`(?i)no required module provides package ([^\s;]+)`),
			typ:      TypeDependency,
			severity: SeverityHigh,
			suggest: func(m []string) []string {
				return []string{"add the module providing " + m[1] + " to go.mod"}
			},
			annotate: func(m []string, ctx map[string]string) {
				ctx["package"] = m[1]
			},
		},
		{
			name:     "package-manager-failure",
			pattern:  regexp.MustCompile(`(?i)npm err!|yarn error|pnpm:? err`),
			typ:      TypeDependency,
			severity: SeverityHigh,
			suggest: func(m []string) []string {
				return []string{
					"remove node_modules and reinstall",
					"clear the package manager cache",
				}
			},
		},
		{
			name:     "typescript-compile",
			pattern:  regexp.MustCompile(`(?i)error TS(\d+):`),
			typ:      TypeBuild,
			severity: SeverityHigh,
			suggest: func(m []string) []string {
				return []string{"review the TypeScript diagnostics (TS" + m[1] + ")"}
			},
			annotate: func(m []string, ctx map[string]string) {
				ctx["ts_code"] = m[1]
			},
		},
		{
			name:     "go-compile",
			pattern:  regexp.MustCompile(`(?m)^[\w./\-]+\.go:\d+:\d+:`),
			typ:      TypeBuild,
			severity: SeverityHigh,
			suggest: func(m []string) []string {
				return []string{"fix the reported compile errors"}
			},
		},
		{
			name:     "auth-failure",
			pattern:  regexp.MustCompile(`(?i)authentication failed|invalid token|unauthorized|\b401\b|login required|session expired|invalid credentials|permission to .+ denied to`),
			typ:      TypeAuth,
			severity: SeverityCritical,
			suggest: func(m []string) []string {
				return []string{
					"refresh the platform credentials",
					"verify the token has not expired or been revoked",
				}
			},
		},
		{
			name:     "permission-denied",
			pattern:  regexp.MustCompile(`(?i)permission denied|\beacces\b|\beperm\b|operation not permitted`),
			typ:      TypePermission,
			severity: SeverityHigh,
			suggest: func(m []string) []string {
				return []string{"check ownership and mode of the affected paths"}
			},
		},
		{
			name:     "network",
			pattern:  regexp.MustCompile(`(?i)\beconnrefused\b|\beconnreset\b|\betimedout\b|\benotfound\b|\beai_again\b|network (?:error|failure)|connection (?:refused|reset|timed out)|socket hang up|could not resolve host`),
			typ:      TypeNetwork,
			severity: SeverityMedium,
			suggest: func(m []string) []string {
				return []string{
					"retry after the network recovers",
					"check registry and proxy reachability",
				}
			},
		},
		{
			name:     "missing-env-var",
			pattern:  regexp.MustCompile(`(?i)missing (?:required )?environment variable:?\s*([A-Z][A-Z0-9_]+)|environment variable ([A-Z][A-Z0-9_]+) is (?:not set|missing|undefined)|\b([A-Z][A-Z0-9_]+) is not (?:set|defined)`),
			typ:      TypeConfig,
			severity: SeverityMedium,
			suggest: func(m []string) []string {
				if name := firstGroup(m); name != "" {
					return []string{"set the environment variable " + name}
				}
				return []string{"set the missing environment variable"}
			},
			annotate: func(m []string, ctx map[string]string) {
				if name := firstGroup(m); name != "" {
					ctx["env_var"] = name
				}
			},
		},
		{
			name:     "invalid-config",
			pattern:  regexp.MustCompile(`(?i)invalid config(?:uration)?|configuration error|could not (?:parse|load) config|error parsing config`),
			typ:      TypeConfig,
			severity: SeverityMedium,
			suggest: func(m []string) []string {
				return []string{"validate the project configuration file"}
			},
		},
		{
			name:     "out-of-memory",
			pattern:  regexp.MustCompile(`(?i)heap out of memory|out of memory|cannot allocate memory|oomkilled`),
			typ:      TypeBuild,
			severity: SeverityCritical,
			suggest: func(m []string) []string {
				return []string{
					"raise the build memory limit",
					"retry on a larger instance",
				}
			},
		},
		{
			name:     "build-failed",
			pattern:  regexp.MustCompile(`(?i)build failed|compilation failed|compile error|failed to compile`),
			typ:      TypeBuild,
			severity: SeverityHigh,
			suggest: func(m []string) []string {
				return []string{"inspect the build output above the failure line"}
			},
		},
	}
}

// Classifier matches process output against an ordered rule table.
type Classifier struct {
	rules []rule
}

// New returns a classifier with the built-in rule table.
func New() *Classifier {
	return &Classifier{rules: defaultRules()}
}

// Classify inspects stderr and stdout and returns a signature for the
// first matching rule. When nothing matches, a non-empty stderr still
// yields a generic signature; with an empty stderr the output is
// considered unclassifiable and nil is returned.
func (c *Classifier) Classify(stderr, stdout string) *Signature {
	combined := stderr
	if stdout != "" {
		if combined != "" {
			combined += "\n"
		}
		combined += stdout
	}

	for _, r := range c.rules {
		loc := r.pattern.FindStringIndex(combined)
		if loc == nil {
			continue
		}
		m := r.pattern.FindStringSubmatch(combined)

		sig := &Signature{
			Type:     r.typ,
			Severity: r.severity,
			Message:  lineAround(combined, loc[0]),
			Rule:     r.name,
			Context:  extractContext(combined),
			Hash:     hashText(combined),
		}
		if r.suggest != nil {
			sig.Suggestions = r.suggest(m)
		}
		if r.annotate != nil {
			r.annotate(m, sig.Context)
		}
		sig.File, sig.Line = extractLocation(combined)
		return sig
	}

	if strings.TrimSpace(stderr) == "" {
		return nil
	}

	return &Signature{
		Type:        TypeBuild,
		Severity:    SeverityMedium,
		Message:     firstLine(stderr),
		Rule:        "generic",
		Context:     extractContext(combined),
		Suggestions: []string{"inspect the captured output"},
		Hash:        hashText(combined),
	}
}

var (
	pathToken = regexp.MustCompile(`/[^\s'"]+`)
	digitRun  = regexp.MustCompile(`\d+`)
)

// normalize strips the volatile parts of error text so that repeats of
// the same failure hash identically: absolute paths collapse to a
// placeholder, digit runs collapse to a single zero, case is folded.
func normalize(text string) string {
	text = strings.ToLower(text)
	text = pathToken.ReplaceAllString(text, "/PATH")
	text = digitRun.ReplaceAllString(text, "0")
	return strings.TrimSpace(text)
}

func hashText(text string) string {
	sum := sha256.Sum256([]byte(normalize(text)))
	return hex.EncodeToString(sum[:])[:16]
}

const maxMessageLen = 200

// lineAround returns the full output line containing byte offset pos.
func lineAround(text string, pos int) string {
	start := strings.LastIndexByte(text[:pos], '\n') + 1
	end := strings.IndexByte(text[pos:], '\n')
	if end < 0 {
		end = len(text)
	} else {
		end += pos
	}
	return clipMessage(strings.TrimSpace(text[start:end]))
}

func firstLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return clipMessage(trimmed)
		}
	}
	return ""
}

func clipMessage(s string) string {
	if len(s) > maxMessageLen {
		return s[:maxMessageLen] + "..."
	}
	return s
}

var locationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(/[^\s:'"]+):(\d+)(?::\d+)?`),
	regexp.MustCompile(`\(([^()\s:]+\.[a-zA-Z]{1,4}):(\d+)(?::\d+)?\)`),
	regexp.MustCompile(`([\w./\-]+\.(?:tsx?|jsx?|go|py|rs|rb|vue|svelte|mjs|cjs)):(\d+)`),
}

// extractLocation finds the first file:line reference in the output.
func extractLocation(text string) (string, int) {
	for _, p := range locationPatterns {
		m := p.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		line, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		return m[1], line
	}
	return "", 0
}

// frameworkMarkers is ordered: entries whose markers are substrings of
// later entries (react inside nextjs ecosystems) come after the more
// specific ones.
var frameworkMarkers = []struct {
	framework string
	markers   []string
}{
	{"nextjs", []string{"next.js", "nextjs", ".next/"}},
	{"nuxt", []string{"nuxt"}},
	{"gatsby", []string{"gatsby"}},
	{"angular", []string{"angular", "ng build"}},
	{"svelte", []string{"svelte"}},
	{"vue", []string{"vue"}},
	{"react", []string{"react"}},
	{"express", []string{"express"}},
}

var platformMarkers = []string{"vercel", "render", "netlify", "github", "docker", "heroku"}

var nodeVersion = regexp.MustCompile(`(?i)node(?:\.js)?[ /]v?(\d+\.\d+\.\d+)`)

// extractContext pulls framework, platform and toolchain hints out of
// the output. Everything here is best-effort.
func extractContext(text string) map[string]string {
	ctx := make(map[string]string)
	lower := strings.ToLower(text)

	for _, fm := range frameworkMarkers {
		for _, marker := range fm.markers {
			if strings.Contains(lower, marker) {
				ctx["framework"] = fm.framework
				break
			}
		}
		if ctx["framework"] != "" {
			break
		}
	}

	for _, p := range platformMarkers {
		if strings.Contains(lower, p) {
			ctx["platform"] = p
			break
		}
	}

	// pnpm before npm: every pnpm line contains "npm" as a substring.
	switch {
	case strings.Contains(lower, "pnpm"):
		ctx["package_manager"] = "pnpm"
	case strings.Contains(lower, "yarn"):
		ctx["package_manager"] = "yarn"
	case strings.Contains(lower, "npm"):
		ctx["package_manager"] = "npm"
	}

	if m := nodeVersion.FindStringSubmatch(text); m != nil {
		ctx["node_version"] = m[1]
	}

	return ctx
}

// firstGroup returns the first non-empty capture group.
func firstGroup(m []string) string {
	for _, g := range m[1:] {
		if g != "" {
			return g
		}
	}
	return ""
}
