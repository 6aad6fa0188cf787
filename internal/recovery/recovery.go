// Package recovery maps classified failures to remediation actions.
// Rules are consulted in priority order and the first match produces an
// action with an adjusted confidence score; the workflow decides from
// that score whether to apply the action automatically, surface it as a
// suggestion, or just record it.
package recovery

import (
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"slipway/internal/classify"
)

// Risk grades the blast radius of applying an action.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// Prerequisite markers understood by Validate.
const (
	// PrereqUserInteraction marks actions that a human must perform.
	PrereqUserInteraction = "requires_user_interaction"

	// prereqToolPrefix requires a binary on PATH: "tool:npm".
	prereqToolPrefix = "tool:"

	// prereqConfigPrefix requires a file to exist: "config:package.json".
	prereqConfigPrefix = "config:"
)

// Action is a concrete remediation proposal.
type Action struct {
	ID          string
	Description string
	Params      map[string]string

	// Confidence is the engine's belief that the action fixes the
	// failure, clamped to [0.1, 1.0].
	Confidence float64

	EstimatedCost time.Duration
	Risk          Risk

	// Prerequisites must all pass Validate before the action may be
	// applied automatically.
	Prerequisites []string

	// Alternatives are fallback proposals in decreasing preference.
	Alternatives []Action
}

// Rule matches a class of failures and builds the action for it.
type Rule struct {
	Name     string
	Priority int
	Enabled  bool

	// Types restricts the rule to signatures of these categories.
	// Empty means any.
	Types []classify.ErrType

	// Pattern, when set, must match the signature message.
	Pattern *regexp.Regexp

	// Build constructs the action. m holds the Pattern submatches and
	// is nil when Pattern is unset.
	Build func(sig *classify.Signature, m []string) Action
}

func (r Rule) matches(sig *classify.Signature) ([]string, bool) {
	if !r.Enabled {
		return nil, false
	}
	if len(r.Types) > 0 {
		ok := false
		for _, t := range r.Types {
			if t == sig.Type {
				ok = true
				break
			}
		}
		if !ok {
			return nil, false
		}
	}
	if r.Pattern == nil {
		return nil, true
	}
	m := r.Pattern.FindStringSubmatch(sig.Message)
	if m == nil {
		return nil, false
	}
	return m, true
}

// Engine holds the rule table, highest priority first.
type Engine struct {
	rules []Rule

	// Test seams for prerequisite checks.
	lookPath   func(file string) (string, error)
	fileExists func(path string) bool
}

// New returns an engine loaded with the built-in rules.
func New() *Engine {
	e := &Engine{
		lookPath: exec.LookPath,
		fileExists: func(path string) bool {
			_, err := os.Stat(path)
			return err == nil
		},
	}
	for _, r := range builtinRules() {
		e.rules = append(e.rules, r)
	}
	e.sortRules()
	return e
}

// AddRule registers an extra rule, keeping priority order.
func (e *Engine) AddRule(r Rule) {
	e.rules = append(e.rules, r)
	e.sortRules()
}

func (e *Engine) sortRules() {
	sort.SliceStable(e.rules, func(i, j int) bool {
		return e.rules[i].Priority > e.rules[j].Priority
	})
}

// Suggest returns a remediation for the signature. Every signature gets
// an action: when no rule matches, the result is a low-confidence
// delayed retry with a manual-investigation alternative.
func (e *Engine) Suggest(sig *classify.Signature) Action {
	for _, r := range e.rules {
		m, ok := r.matches(sig)
		if !ok {
			continue
		}
		action := r.Build(sig, m)
		action.Confidence = adjustConfidence(action, sig)
		return action
	}
	return fallbackAction()
}

// adjustConfidence applies the severity factor and, for package-
// targeting actions, the framework compatibility factor, then clamps.
func adjustConfidence(a Action, sig *classify.Signature) float64 {
	c := a.Confidence * severityFactor(sig.Severity)

	if _, targetsPackage := a.Params["package"]; targetsPackage {
		if fw, ok := sig.Context["framework"]; ok && !classify.KnownFrameworks[fw] {
			c *= 0.8
		}
	}

	return clampConfidence(c)
}

// severityFactor damps confidence for severe failures and boosts it for
// mild ones: the worse the failure, the less safe an automatic fix.
func severityFactor(s classify.Severity) float64 {
	switch s {
	case classify.SeverityCritical:
		return 0.9
	case classify.SeverityHigh:
		return 1.0
	case classify.SeverityMedium:
		return 1.1
	case classify.SeverityLow:
		return 1.2
	}
	return 1.0
}

func clampConfidence(c float64) float64 {
	if c < 0.1 {
		return 0.1
	}
	if c > 1.0 {
		return 1.0
	}
	return c
}

// Validate reports why an action cannot be applied automatically.
// A nil return means all prerequisites hold.
func (e *Engine) Validate(a Action) error {
	if a.ID == "" {
		return fmt.Errorf("action has no id")
	}
	if a.Confidence < 0.1 || a.Confidence > 1.0 {
		return fmt.Errorf("confidence %.2f outside [0.1, 1.0]", a.Confidence)
	}
	for _, p := range a.Prerequisites {
		switch {
		case p == PrereqUserInteraction:
			return fmt.Errorf("action %s requires user interaction", a.ID)
		case strings.HasPrefix(p, prereqToolPrefix):
			tool := strings.TrimPrefix(p, prereqToolPrefix)
			if _, err := e.lookPath(tool); err != nil {
				return fmt.Errorf("required tool not on PATH: %s", tool)
			}
		case strings.HasPrefix(p, prereqConfigPrefix):
			path := strings.TrimPrefix(p, prereqConfigPrefix)
			if !e.fileExists(path) {
				return fmt.Errorf("required file missing: %s", path)
			}
		default:
			return fmt.Errorf("unknown prerequisite: %s", p)
		}
	}
	return nil
}

// Commands translates an action into the command sequence that applies
// it. ok is false for actions with no automatic remedy. An empty
// sequence with ok true means the remedy is simply retrying.
func Commands(a Action) ([][]string, bool) {
	pm := a.Params["package_manager"]
	if pm == "" {
		pm = "npm"
	}

	switch a.ID {
	case "install_dependency":
		pkg := a.Params["package"]
		if pkg == "" {
			return nil, false
		}
		switch pm {
		case "yarn":
			return [][]string{{"yarn", "add", pkg}}, true
		case "pnpm":
			return [][]string{{"pnpm", "add", pkg}}, true
		case "go":
			return [][]string{{"go", "get", pkg}}, true
		default:
			return [][]string{{"npm", "install", pkg}}, true
		}
	case "clean_install":
		install := [][]string{{"rm", "-rf", "node_modules"}}
		switch pm {
		case "yarn":
			return append(install, []string{"yarn", "install"}), true
		case "pnpm":
			return append(install, []string{"pnpm", "install"}), true
		default:
			return append(install, []string{"npm", "install"}), true
		}
	case "retry_with_delay", "retry_with_backoff":
		return nil, true
	}
	return nil, false
}

// Delay returns the pause encoded in the action params, if any.
func Delay(a Action) time.Duration {
	raw := a.Params["delay"]
	if raw == "" {
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0
	}
	return d
}

func fallbackAction() Action {
	return Action{
		ID:            "retry_with_delay",
		Description:   "retry the failed step after a short pause",
		Params:        map[string]string{"delay": "30s"},
		Confidence:    0.3,
		EstimatedCost: 30 * time.Second,
		Risk:          RiskLow,
		Alternatives: []Action{
			{
				ID:            "manual_investigation",
				Description:   "inspect the captured output and resolve manually",
				Confidence:    0.5,
				EstimatedCost: 30 * time.Minute,
				Risk:          RiskLow,
				Prerequisites: []string{PrereqUserInteraction},
			},
		},
	}
}

func packageManagerFor(sig *classify.Signature) string {
	if pm := sig.Context["package_manager"]; pm != "" {
		return pm
	}
	if strings.HasSuffix(sig.Context["package"], ".go") ||
		strings.HasPrefix(sig.Context["package"], "github.com/") {
		return "go"
	}
	return "npm"
}

func builtinRules() []Rule {
	return []Rule{
		{
			Name:     "install-missing-dependency",
			Priority: 100,
			Enabled:  true,
			Types:    []classify.ErrType{classify.TypeDependency},
			Pattern:  regexp.MustCompile(`(?i)cannot find module '([^']+)'|can't resolve\s*'([^']+)'|no required module provides package (\S+)`),
			Build: func(sig *classify.Signature, m []string) Action {
				pkg := sig.Context["package"]
				if pkg == "" {
					pkg = firstGroup(m)
				}
				pm := packageManagerFor(sig)
				return Action{
					ID:          "install_dependency",
					Description: "install the missing package " + pkg,
					Params: map[string]string{
						"package":         pkg,
						"package_manager": pm,
					},
					Confidence:    0.92,
					EstimatedCost: 30 * time.Second,
					Risk:          RiskLow,
					Prerequisites: []string{prereqToolPrefix + pm},
					Alternatives: []Action{
						{
							ID:            "clean_install",
							Description:   "rebuild the dependency tree from scratch",
							Params:        map[string]string{"package_manager": pm},
							Confidence:    0.75,
							EstimatedCost: 3 * time.Minute,
							Risk:          RiskLow,
							Prerequisites: []string{prereqToolPrefix + pm},
						},
						manualInvestigation(),
					},
				}
			},
		},
		{
			Name:     "compiler-triage",
			Priority: 95,
			Enabled:  true,
			Types:    []classify.ErrType{classify.TypeBuild},
			Pattern:  regexp.MustCompile(`(?i)error TS(\d+)`),
			Build: func(sig *classify.Signature, m []string) Action {
				code := sig.Context["ts_code"]
				if code == "" && len(m) > 1 {
					code = m[1]
				}
				n, _ := strconv.Atoi(code)

				// TS2300-2399 are module resolution diagnostics; those
				// are fixable by dependency work, the rest need a
				// human at the keyboard.
				if n >= 2300 && n < 2400 {
					if pkg := missingModuleIn(sig.Message); pkg != "" {
						return Action{
							ID:          "install_dependency",
							Description: "install the unresolved package " + pkg,
							Params: map[string]string{
								"package":         pkg,
								"package_manager": packageManagerFor(sig),
								"ts_code":         code,
							},
							Confidence:    0.85,
							EstimatedCost: 30 * time.Second,
							Risk:          RiskLow,
							Prerequisites: []string{prereqToolPrefix + packageManagerFor(sig)},
							Alternatives:  []Action{manualInvestigation()},
						}
					}
					return Action{
						ID:            "clean_install",
						Description:   "reinstall dependencies to restore module resolution",
						Params:        map[string]string{"package_manager": packageManagerFor(sig), "ts_code": code},
						Confidence:    0.7,
						EstimatedCost: 3 * time.Minute,
						Risk:          RiskLow,
						Prerequisites: []string{prereqToolPrefix + packageManagerFor(sig)},
						Alternatives:  []Action{manualInvestigation()},
					}
				}

				return Action{
					ID:            "fix_source",
					Description:   "resolve the TS" + code + " diagnostic in the source",
					Params:        map[string]string{"ts_code": code},
					Confidence:    0.35,
					EstimatedCost: time.Hour,
					Risk:          RiskLow,
					Prerequisites: []string{PrereqUserInteraction},
					Alternatives:  []Action{manualInvestigation()},
				}
			},
		},
		{
			Name:     "clean-install",
			Priority: 90,
			Enabled:  true,
			Types:    []classify.ErrType{classify.TypeDependency},
			Build: func(sig *classify.Signature, m []string) Action {
				pm := packageManagerFor(sig)
				return Action{
					ID:            "clean_install",
					Description:   "remove installed modules and reinstall",
					Params:        map[string]string{"package_manager": pm},
					Confidence:    0.85,
					EstimatedCost: 3 * time.Minute,
					Risk:          RiskLow,
					Prerequisites: []string{prereqToolPrefix + pm},
					Alternatives: []Action{
						{
							ID:            "retry_with_delay",
							Description:   "retry the install after a pause",
							Params:        map[string]string{"delay": "30s"},
							Confidence:    0.4,
							EstimatedCost: 30 * time.Second,
							Risk:          RiskLow,
						},
					},
				}
			},
		},
		{
			Name:     "refresh-auth",
			Priority: 85,
			Enabled:  true,
			Types:    []classify.ErrType{classify.TypeAuth},
			Build: func(sig *classify.Signature, m []string) Action {
				return Action{
					ID:            "refresh_token",
					Description:   "re-authenticate with the deployment platform",
					Params:        map[string]string{"platform": sig.Context["platform"]},
					Confidence:    0.75,
					EstimatedCost: 10 * time.Second,
					Risk:          RiskMedium,
					Alternatives:  []Action{manualInvestigation()},
				}
			},
		},
		{
			Name:     "fix-permissions",
			Priority: 80,
			Enabled:  true,
			Types:    []classify.ErrType{classify.TypePermission},
			Build: func(sig *classify.Signature, m []string) Action {
				return Action{
					ID:            "fix_permissions",
					Description:   "correct ownership or mode of the affected path",
					Params:        map[string]string{"path": sig.File},
					Confidence:    0.6,
					EstimatedCost: 5 * time.Minute,
					Risk:          RiskHigh,
					Prerequisites: []string{PrereqUserInteraction},
					Alternatives:  []Action{manualInvestigation()},
				}
			},
		},
		{
			Name:     "set-env-var",
			Priority: 75,
			Enabled:  true,
			Types:    []classify.ErrType{classify.TypeConfig},
			Build: func(sig *classify.Signature, m []string) Action {
				name := sig.Context["env_var"]
				return Action{
					ID:            "set_env_var",
					Description:   "provide the missing environment variable " + name,
					Params:        map[string]string{"name": name},
					Confidence:    0.65,
					EstimatedCost: 5 * time.Minute,
					Risk:          RiskLow,
					Prerequisites: []string{PrereqUserInteraction},
					Alternatives:  []Action{manualInvestigation()},
				}
			},
		},
		{
			Name:     "retry-network",
			Priority: 70,
			Enabled:  true,
			Types:    []classify.ErrType{classify.TypeNetwork},
			Build: func(sig *classify.Signature, m []string) Action {
				return Action{
					ID:          "retry_with_backoff",
					Description: "retry after the network settles",
					Params: map[string]string{
						"delay":       "30s",
						"max_retries": "3",
					},
					Confidence:    0.7,
					EstimatedCost: 90 * time.Second,
					Risk:          RiskLow,
					Alternatives:  []Action{manualInvestigation()},
				}
			},
		},
		{
			Name:     "increase-memory",
			Priority: 65,
			Enabled:  true,
			Types:    []classify.ErrType{classify.TypeBuild},
			Pattern:  regexp.MustCompile(`(?i)heap out of memory|out of memory`),
			Build: func(sig *classify.Signature, m []string) Action {
				return Action{
					ID:            "increase_memory",
					Description:   "raise the build memory limit",
					Params:        map[string]string{"node_options": "--max-old-space-size=4096"},
					Confidence:    0.8,
					EstimatedCost: 5 * time.Minute,
					Risk:          RiskMedium,
					Prerequisites: []string{PrereqUserInteraction},
					Alternatives:  []Action{manualInvestigation()},
				}
			},
		},
	}
}

var missingModulePattern = regexp.MustCompile(`(?i)cannot find module '([^']+)'`)

func missingModuleIn(message string) string {
	if m := missingModulePattern.FindStringSubmatch(message); m != nil {
		return m[1]
	}
	return ""
}

func manualInvestigation() Action {
	return Action{
		ID:            "manual_investigation",
		Description:   "inspect the captured output and resolve manually",
		Confidence:    0.5,
		EstimatedCost: 30 * time.Minute,
		Risk:          RiskLow,
		Prerequisites: []string{PrereqUserInteraction},
	}
}

func firstGroup(m []string) string {
	if len(m) < 2 {
		return ""
	}
	for _, g := range m[1:] {
		if g != "" {
			return g
		}
	}
	return ""
}
