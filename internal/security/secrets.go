package security

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"math"
	"strings"
)

const (
	// MinSecretLength is the minimum length for generated webhook secrets.
	MinSecretLength = 48

	// MinEntropy is the Shannon entropy floor for strong secrets.
	MinEntropy = 3.5
)

var placeholderSecrets = map[string]bool{
	"replace-with-secret":                   true,
	"your-webhook-secret-min-32-chars-long": true,
	"github-webhook-password":               true,
	"topsecret":                             true,
	"secret":                                true,
	"password":                              true,
	"changeme":                              true,
}

// ValidateSecret checks a webhook secret against the strong policy:
// minimum length, not a placeholder, and sufficient entropy. Project
// configs enforce a weaker floor; this is the bar for generated secrets
// and for the secret CLI command.
func ValidateSecret(secret string) error {
	if len(secret) < MinSecretLength {
		return fmt.Errorf("secret too short (minimum %d characters, got %d)", MinSecretLength, len(secret))
	}

	lower := strings.ToLower(secret)
	if placeholderSecrets[lower] {
		return fmt.Errorf("secret appears to be a placeholder value, please use a real secret")
	}
	for _, marker := range []string{"replace", "changeme", "topsecret", "password"} {
		if strings.Contains(lower, marker) {
			return fmt.Errorf("secret appears to be a placeholder value")
		}
	}

	if entropy := entropyOf(secret); entropy < MinEntropy {
		return fmt.Errorf("secret has insufficient entropy (%.2f < %.2f) - use a more random secret", entropy, MinEntropy)
	}

	return nil
}

// GenerateSecret returns a cryptographically random secret encoded as
// 48 base64 characters.
func GenerateSecret() (string, error) {
	// 36 bytes encode to exactly 48 base64 characters
	bytes := make([]byte, 36)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random secret: %w", err)
	}
	return base64.URLEncoding.EncodeToString(bytes), nil
}

// IsWeakSecret reports whether a secret is obviously weak. Used for
// startup warnings without failing configuration validation.
func IsWeakSecret(secret string) bool {
	if len(secret) < 32 {
		return true
	}
	// All one character
	if strings.Count(secret, string(secret[0])) == len(secret) {
		return true
	}
	if looksSequential(secret) {
		return true
	}
	return entropyOf(secret) < 2.5
}

// entropyOf computes the Shannon entropy of a string in bits per character.
func entropyOf(s string) float64 {
	if len(s) == 0 {
		return 0
	}

	freq := make(map[rune]int)
	for _, c := range s {
		freq[c]++
	}

	var entropy float64
	length := float64(len(s))
	for _, count := range freq {
		p := float64(count) / length
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// looksSequential reports whether most of the string is runs of
// adjacent byte values, like "abcdef" or "123456".
func looksSequential(s string) bool {
	if len(s) < 4 {
		return false
	}

	sequential := 0
	for i := 1; i < len(s); i++ {
		if s[i] == s[i-1]+1 || s[i] == s[i-1]-1 {
			sequential++
		}
	}
	return float64(sequential) > float64(len(s))*0.7
}
