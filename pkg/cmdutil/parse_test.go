package cmdutil

import (
	"strings"
	"testing"
)

func TestParseCommandString(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []string
		wantErr bool
	}{
		{
			"simple command",
			"npm install",
			[]string{"npm", "install"},
			false,
		},
		{
			"quoted argument",
			`git commit -m "my message"`,
			[]string{"git", "commit", "-m", "my message"},
			false,
		},
		{
			"single quotes",
			"echo 'hello world'",
			[]string{"echo", "hello world"},
			false,
		},
		{
			"empty string",
			"",
			nil,
			true,
		},
		{
			"unbalanced quote",
			`echo "unterminated`,
			nil,
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCommandString(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseCommandString() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if tt.wantErr {
				return
			}
			if len(got) != len(tt.want) {
				t.Fatalf("ParseCommandString() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("ParseCommandString()[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestFormatCommand(t *testing.T) {
	tests := []struct {
		name  string
		parts []string
		want  string
	}{
		{
			"simple command",
			[]string{"npm", "install"},
			"npm install",
		},
		{
			"argument with spaces",
			[]string{"git", "commit", "-m", "my message"},
			"git commit -m 'my message'",
		},
		{
			"empty command",
			[]string{},
			"<empty command>",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatCommand(tt.parts); got != tt.want {
				t.Errorf("FormatCommand() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseFormatRoundTrip(t *testing.T) {
	original := []string{"npm", "run", "build", "--", "--out-dir", "dist folder"}

	formatted := FormatCommand(original)
	parsed, err := ParseCommandString(formatted)
	if err != nil {
		t.Fatalf("ParseCommandString() error = %v", err)
	}

	if len(parsed) != len(original) {
		t.Fatalf("round trip changed arity: %v -> %v", original, parsed)
	}
	for i := range parsed {
		if parsed[i] != original[i] {
			t.Errorf("round trip changed argument %d: %q -> %q", i, original[i], parsed[i])
		}
	}
}

func TestSanitizeOutput(t *testing.T) {
	output := []byte("deploying with token=super-secret-token to production")

	sanitized := string(SanitizeOutput(output, []string{"super-secret-token", ""}))

	if strings.Contains(sanitized, "super-secret-token") {
		t.Error("SanitizeOutput() left the secret in place")
	}
	if !strings.Contains(sanitized, "***REDACTED***") {
		t.Error("SanitizeOutput() did not insert the redaction marker")
	}
}
