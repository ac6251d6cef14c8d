package config

import (
	"os"
	"path/filepath"
)

// ParleyPath returns the root directory for Parley data.
// It uses $PARLEY_PATH if set, otherwise defaults to ~/.parley.
func ParleyPath() string {
	if v := os.Getenv("PARLEY_PATH"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".parley")
	}
	return filepath.Join(home, ".parley")
}

// ConfigPath returns the path to the Parley config file.
func ConfigPath() string {
	return filepath.Join(ParleyPath(), "config.jsonc")
}

// DotenvPath returns the path to the Parley .env file.
func DotenvPath() string {
	return filepath.Join(ParleyPath(), ".env")
}

// LedgerPath returns the default path of the usage ledger database.
func LedgerPath() string {
	return filepath.Join(ParleyPath(), "usage.sqlite3")
}
