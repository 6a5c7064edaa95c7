package config

import "fmt"

// Config holds the daemon settings. Values given on the command line
// override what was loaded from file.
type Config struct {
	SerialDevice  string `toml:"serial_device"`
	ListenAddress string `toml:"listen_address"`
	ListenPort    int    `toml:"listen_port"`
	LogLevel      string `toml:"log_level"`
}

// Default returns the settings used when no config file exists yet.
func Default() *Config {
	return &Config{
		SerialDevice:  "/dev/ttyUSB0",
		ListenAddress: "0.0.0.0",
		ListenPort:    7070,
		LogLevel:      "info",
	}
}

// Endpoint combines listen address and port into the listener endpoint.
func (c *Config) Endpoint() string {
	return fmt.Sprintf("%s:%d", c.ListenAddress, c.ListenPort)
}
