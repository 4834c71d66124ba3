package settings

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// UserSettings holds persistable user preferences
type UserSettings struct {
	PeerID      string `json:"peerId"` // stable identity, generated on first run
	DisplayName string `json:"displayName"`
	RelayURL    string `json:"relayUrl"`
}

// DefaultSettings returns the default settings
func DefaultSettings() UserSettings {
	return UserSettings{
		PeerID:   uuid.NewString(),
		RelayURL: "ws://localhost:8080/ws",
	}
}

// getConfigPath returns the config file path.
// Uses XDG_CONFIG_HOME if set, otherwise the OS user config dir.
func getConfigPath() (string, error) {
	var configDir string

	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		configDir = filepath.Join(xdg, "sketchmesh")
	} else {
		userConfigDir, err := os.UserConfigDir()
		if err != nil {
			return "", err
		}
		configDir = filepath.Join(userConfigDir, "sketchmesh")
	}

	return filepath.Join(configDir, "config.json"), nil
}

// Load reads settings from the config file.
// Returns default settings if file doesn't exist or is invalid.
func Load() (UserSettings, error) {
	settings := DefaultSettings()

	path, err := getConfigPath()
	if err != nil {
		return settings, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// First run: persist the generated identity so it stays stable.
			return settings, Save(settings)
		}
		return settings, err
	}

	if err := json.Unmarshal(data, &settings); err != nil {
		return DefaultSettings(), nil
	}
	if settings.PeerID == "" {
		settings.PeerID = uuid.NewString()
		_ = Save(settings)
	}

	return settings, nil
}

// Save writes settings to the config file
func Save(settings UserSettings) error {
	path, err := getConfigPath()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
