package config

import (
	"os"
	"path/filepath"
	"strings"
)

const appDirName = ".aide"

// DataDir returns the base data directory for aide. AIDE_CONFIG_DIR overrides
// the default of ~/.aide.
func DataDir() (string, error) {
	if dir := strings.TrimSpace(os.Getenv("AIDE_CONFIG_DIR")); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, appDirName), nil
}

// ConfigPath returns the path to the TOML configuration file.
func ConfigPath() (string, error) {
	dataDir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "config.toml"), nil
}

// TranscriptDBPath returns the path to the transcript database.
func TranscriptDBPath() (string, error) {
	dataDir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "transcripts.db"), nil
}

// LogPath returns the path to the log file. Logs go to a file because stdout
// belongs to the terminal UI.
func LogPath() (string, error) {
	dataDir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "aide.log"), nil
}
