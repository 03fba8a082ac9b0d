package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - SNAPBRIDGE_CONFIG_PATH: config file location (default: $XDG_CONFIG_HOME/snapbridge.toml)
//   - SNAPBRIDGE_HOME: base directory for bridge data (default: $XDG_DATA_HOME/snapbridge)
func GetDefaults() (map[string]string, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}

	baseDir, err := getBaseDir()
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path": configPath,
		"base_dir":    baseDir,
		"log_dir":     filepath.Join(baseDir, "log"),
	}, nil
}

// getConfigPath returns the config file path, checking SNAPBRIDGE_CONFIG_PATH first,
// then falling back to snapbridge.toml in the XDG config dir (~/.config).
func getConfigPath() (string, error) {
	if path := os.Getenv("SNAPBRIDGE_CONFIG_PATH"); path != "" {
		return path, nil
	}

	dir, err := xdgDir("XDG_CONFIG_HOME", ".config")
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "snapbridge.toml"), nil
}

// getBaseDir returns the base directory for bridge data, checking SNAPBRIDGE_HOME first,
// then falling back to snapbridge in the XDG data dir (~/.local/share).
func getBaseDir() (string, error) {
	if path := os.Getenv("SNAPBRIDGE_HOME"); path != "" {
		return path, nil
	}

	dir, err := xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share"))
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "snapbridge"), nil
}

// xdgDir returns the absolute directory named by env, or homeRel under the
// home directory. Relative values are ignored.
func xdgDir(env, homeRel string) (string, error) {
	if dir := os.Getenv(env); filepath.IsAbs(dir) {
		return dir, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, homeRel), nil
}
