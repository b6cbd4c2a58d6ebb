package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// machineGUID returns guid when set. Otherwise it reads the guid stored
// in path, creating the file with a fresh guid if it does not exist.
func machineGUID(guid, path string) (string, error) {
	if guid != "" {
		return guid, nil
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		stored := strings.TrimSpace(string(data))
		if _, err := uuid.Parse(stored); err != nil {
			return "", fmt.Errorf("machine guid in %s: %w", path, err)
		}
		return stored, nil
	case !os.IsNotExist(err):
		return "", fmt.Errorf("read machine guid: %w", err)
	}

	guid = uuid.NewString()
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create machine guid dir: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(guid+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("write machine guid: %w", err)
	}
	return guid, nil
}
