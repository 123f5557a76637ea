package util

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
)

// GetDataDir returns the data directory path
func GetDataDir() string {
	if envDir := os.Getenv("DISASTERMESH_DIR"); envDir != "" {
		return envDir
	}

	home, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	return filepath.Join(home, ".disastermesh-data")
}

// GetNodeDataDir returns the data directory for a specific node id
func GetNodeDataDir(nodeID string) string {
	return filepath.Join(GetDataDir(), nodeID)
}

// SetRandom points the data directory at a fresh temp location and
// returns it. Used by the demos so nodes never share state.
func SetRandom() string {
	dir := filepath.Join(os.TempDir(), fmt.Sprintf("disastermesh-test-%d", rand.Int63()))
	os.Setenv("DISASTERMESH_DIR", dir)
	return dir
}
