package config

import (
	"os"
	"path/filepath"
)

// OrcbotPath returns the root directory for OrcBot data.
// It uses $ORCBOT_PATH if set, otherwise defaults to ~/.orcbot.
func OrcbotPath() string {
	if v := os.Getenv("ORCBOT_PATH"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".orcbot")
	}
	return filepath.Join(home, ".orcbot")
}

// ConfigPath returns the path to the OrcBot config file.
func ConfigPath() string {
	return filepath.Join(OrcbotPath(), "config.jsonc")
}

// DotenvPath returns the path to the OrcBot .env file.
func DotenvPath() string {
	return filepath.Join(OrcbotPath(), ".env")
}
