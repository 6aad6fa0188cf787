package security

import (
	"fmt"
	"os"
)

// File and directory modes for artifacts the daemon creates. Nothing
// slipway writes should be world-readable.
const (
	// PermConfigFile is for configuration and env files (rw-r-----).
	PermConfigFile os.FileMode = 0640

	// PermLogFile is for log files (rw-r-----).
	PermLogFile os.FileMode = 0640

	// PermDBFile is for the task database (rw-r-----).
	PermDBFile os.FileMode = 0640

	// PermSecretFile is for files holding credentials (rw-------).
	PermSecretFile os.FileMode = 0600

	// PermDirectory is for directories the daemon manages (rwxr-x---).
	PermDirectory os.FileMode = 0750
)

// CreateSecureDir creates a directory with the given permissions,
// chmodding afterwards so the umask cannot widen them. Parents are
// created as needed.
func CreateSecureDir(path string, perm os.FileMode) error {
	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("failed to create secure directory: %w", err)
	}
	if err := os.Chmod(path, perm); err != nil {
		return fmt.Errorf("failed to set directory permissions: %w", err)
	}
	return nil
}

// WriteSecureFile writes data to path with the given permissions,
// chmodding afterwards so the umask cannot widen them.
func WriteSecureFile(path string, data []byte, perm os.FileMode) error {
	if err := os.WriteFile(path, data, perm); err != nil {
		return fmt.Errorf("failed to write secure file: %w", err)
	}
	if err := os.Chmod(path, perm); err != nil {
		return fmt.Errorf("failed to set file permissions: %w", err)
	}
	return nil
}
