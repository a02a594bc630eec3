package config

import (
	"os"
	"path/filepath"
)

// Dir returns the dmpilot config directory (~/.config/dmpilot)
// Creates it if it doesn't exist
func Dir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	configDir := filepath.Join(homeDir, ".config", "dmpilot")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", err
	}

	return configDir, nil
}

// SettingsPath returns the global settings file path inside the config dir
func SettingsPath() (string, error) {
	configDir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "settings.toml"), nil
}

// SessionPath returns the encrypted session credentials file path
func SessionPath() (string, error) {
	configDir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "session.bin"), nil
}

// KeyPath returns the at-rest encryption key file path
func KeyPath() (string, error) {
	configDir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "session.key"), nil
}
