package pathing

import "path/filepath"

// GetConfigDir returns the directory the daemon config lives in.
func GetConfigDir() string {
	return "/etc/bmvd"
}

// GetDefaultConfigPath returns the config file used when --config is not
// given on the command line.
func GetDefaultConfigPath() string {
	return filepath.Join(GetConfigDir(), "bmvd.toml")
}
