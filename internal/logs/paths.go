package logs

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

const appDirName = "mcpconnect"

// GetLogDir returns the standard log directory for the current OS
func GetLogDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		// Last resort fallback to temp directory
		return filepath.Join(os.TempDir(), appDirName, "logs"), nil
	}

	switch runtime.GOOS {
	case "windows":
		if localAppData := os.Getenv("LOCALAPPDATA"); localAppData != "" {
			return filepath.Join(localAppData, appDirName, "logs"), nil
		}
		return filepath.Join(homeDir, "AppData", "Local", appDirName, "logs"), nil
	case "darwin":
		return filepath.Join(homeDir, "Library", "Logs", appDirName), nil
	case "linux":
		// XDG_STATE_HOME, falling back to ~/.local/state
		stateDir := os.Getenv("XDG_STATE_HOME")
		if stateDir == "" {
			stateDir = filepath.Join(homeDir, ".local", "state")
		}
		return filepath.Join(stateDir, appDirName, "logs"), nil
	default:
		return filepath.Join(homeDir, "."+appDirName, "logs"), nil
	}
}

// GetLogFilePathWithDir returns the full path for a log file, creating the
// directory if needed. An empty logDir selects the OS default.
func GetLogFilePathWithDir(logDir, filename string) (string, error) {
	if logDir == "" {
		defaultDir, err := GetLogDir()
		if err != nil {
			return "", err
		}
		logDir = defaultDir
	}

	if strings.HasPrefix(logDir, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		logDir = filepath.Join(homeDir, logDir[2:])
	}

	if err := os.MkdirAll(logDir, 0755); err != nil {
		return "", err
	}
	return filepath.Join(logDir, filename), nil
}
