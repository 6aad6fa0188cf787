package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

// RemedialAllowlist is the set of programs automatic recovery may
// invoke. Remedial commands run without operator review, so anything
// outside this list is refused even when a recovery rule suggests it.
var RemedialAllowlist = map[string]bool{
	"npm":  true,
	"npx":  true,
	"yarn": true,
	"pnpm": true,
	"pip":  true,
	"pip3": true,
	"go":   true,
	"rm":   true, // cache and node_modules cleanup
}

// ValidateRemedialCommand checks one argv against the allowlist and
// rejects arguments carrying shell metacharacters. Parts of remedial
// commands are synthesized from classifier context (package names
// scraped from build output), so both checks guard the same boundary.
func ValidateRemedialCommand(argv []string) error {
	if len(argv) == 0 {
		return fmt.Errorf("empty command")
	}
	if !RemedialAllowlist[argv[0]] {
		return fmt.Errorf("command not allowed for automatic recovery: %s", argv[0])
	}
	for i, arg := range argv[1:] {
		if containsShellMetachars(arg) {
			return fmt.Errorf("argument %d contains shell metacharacters: %q", i+1, arg)
		}
	}
	// rm is only ever suggested for cleanup inside the working copy
	if argv[0] == "rm" {
		for _, arg := range argv[1:] {
			if strings.HasPrefix(arg, "-") {
				continue
			}
			if filepath.IsAbs(arg) || strings.Contains(arg, "..") {
				return fmt.Errorf("rm target must be a relative path inside the project: %q", arg)
			}
		}
	}
	return nil
}

// containsShellMetachars checks if a string contains shell metacharacters.
// The supervisor never involves a shell, but scraped values that carry
// these characters were never a package name to begin with.
func containsShellMetachars(s string) bool {
	dangerous := []string{
		";",  // Command separator
		"|",  // Pipe
		"&",  // Background/AND
		"$",  // Variable expansion
		"`",  // Command substitution
		"\n", // Newline (command separator)
		">",  // Redirect output
		"<",  // Redirect input
		"(",  // Subshell start
		")",  // Subshell end
		"{",  // Brace expansion start
		"}",  // Brace expansion end
		"*",  // Glob wildcard
		"?",  // Glob single char
		"[",  // Glob character class
		"]",  // Glob character class end
		"\\", // Escape character
		"'",  // Single quote
		"\"", // Double quote
	}

	for _, char := range dangerous {
		if strings.Contains(s, char) {
			return true
		}
	}

	return false
}
