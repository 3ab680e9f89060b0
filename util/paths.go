package util

import (
	"os"
	"path/filepath"
)

// EnvDataDir overrides the data directory for every device in this process.
const EnvDataDir = "NEARBY_BLUE_DIR"

// GetDataDir returns the data directory path
func GetDataDir() string {
	if envDir := os.Getenv(EnvDataDir); envDir != "" {
		return envDir
	}

	home, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	return filepath.Join(home, ".nearby-blue-data")
}

// SetDataDir points all devices in this process at dir
func SetDataDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.Setenv(EnvDataDir, dir)
}

// GetDeviceDir returns the per-device directory (advertising data lives here)
func GetDeviceDir(deviceUUID string) string {
	return filepath.Join(GetDataDir(), deviceUUID)
}

// GetSocketDir returns the directory where Unix domain sockets are stored
func GetSocketDir() string {
	socketDir := filepath.Join(GetDataDir(), "sockets")
	// Ensure the directory exists
	if err := os.MkdirAll(socketDir, 0755); err != nil {
		panic(err)
	}
	return socketDir
}

// GetSessionDir returns the directory where per-session sample files are written
func GetSessionDir() string {
	return filepath.Join(GetDataDir(), "sessions")
}
