package config

import (
	"os"
	"strconv"
)

type Config struct {
	DispatchPort     int
	NotificationPort int
	SwitchBoardPort  int

	// Connection strings advertised to clients in XFR/RNG redirects.
	DispatchAddr     string
	NotificationAddr string
	SwitchBoardAddr  string

	DBPath       string
	WriteTimeout int // seconds
}

func Load() *Config {
	cfg := &Config{
		DispatchPort:     1863,
		NotificationPort: 1864,
		SwitchBoardPort:  1865,
		DispatchAddr:     "127.0.0.1:1863",
		NotificationAddr: "127.0.0.1:1864",
		SwitchBoardAddr:  "127.0.0.1:1865",
		DBPath:           "msnp.db",
		WriteTimeout:     30,
	}

	if portStr := os.Getenv("MSNP_DS_PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			cfg.DispatchPort = port
		}
	}

	if portStr := os.Getenv("MSNP_NS_PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			cfg.NotificationPort = port
		}
	}

	if portStr := os.Getenv("MSNP_SB_PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			cfg.SwitchBoardPort = port
		}
	}

	if addr := os.Getenv("MSNP_DS_ADDR"); addr != "" {
		cfg.DispatchAddr = addr
	}

	if addr := os.Getenv("MSNP_NS_ADDR"); addr != "" {
		cfg.NotificationAddr = addr
	}

	if addr := os.Getenv("MSNP_SB_ADDR"); addr != "" {
		cfg.SwitchBoardAddr = addr
	}

	if dbPath := os.Getenv("MSNP_DB_PATH"); dbPath != "" {
		cfg.DBPath = dbPath
	}

	if timeoutStr := os.Getenv("MSNP_WRITE_TIMEOUT"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			cfg.WriteTimeout = timeout
		}
	}

	return cfg
}
