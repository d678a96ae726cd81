// Package clientsettings persists the command surface address and admin
// token for the CLI so they need not be passed on every call.
package clientsettings

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
)

type Settings struct {
	ServerURL  string `json:"server_url"`
	AdminToken string `json:"admin_token,omitempty"`
}

// Path is the settings file location. HUB_SETTINGS_PATH overrides it.
func Path() string {
	if p := strings.TrimSpace(os.Getenv("HUB_SETTINGS_PATH")); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "hubtunnel", "client.json")
}

func Load() (Settings, error) {
	raw, err := os.ReadFile(Path())
	if err != nil {
		return Settings{}, err
	}
	var s Settings
	if err := json.Unmarshal(raw, &s); err != nil {
		return Settings{}, err
	}
	s.ServerURL = strings.TrimSpace(s.ServerURL)
	s.AdminToken = strings.TrimSpace(s.AdminToken)
	if s.ServerURL == "" {
		return Settings{}, errors.New("settings file is missing server_url")
	}
	return s, nil
}

func Save(s Settings) error {
	s.ServerURL = strings.TrimSpace(s.ServerURL)
	s.AdminToken = strings.TrimSpace(s.AdminToken)
	if s.ServerURL == "" {
		return errors.New("server_url is required")
	}
	path := Path()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}
