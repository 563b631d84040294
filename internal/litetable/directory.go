package litetable

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	litetableDir = ".litetable"
	streamDir    = "stream"
)

// GetLitetableDir returns the path to the LiteTable directory in the user's home directory.
func GetLitetableDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, litetableDir), nil
}

// GetStreamDir returns the default base path for stream tables and their logs.
func GetStreamDir() (string, error) {
	dir, err := GetLitetableDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, streamDir), nil
}
