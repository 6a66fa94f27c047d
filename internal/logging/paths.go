package logging

import (
	"os"
	"path/filepath"
)

// DefaultLogDir returns the default log directory (~/.semfold/logs/).
// Falls back to temp directory if home directory is unavailable.
func DefaultLogDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".semfold", "logs")
	}
	return filepath.Join(home, ".semfold", "logs")
}

// DefaultLogPath returns the default daemon log path.
func DefaultLogPath() string {
	return filepath.Join(DefaultLogDir(), "daemon.log")
}
