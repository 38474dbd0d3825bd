// Package env resolves secrets that may be mounted as files.
package env

import (
	"bytes"
	"os"
	"path/filepath"
)

// GetStringFromFile returns the content of the file named by key_FILE when
// that variable is set (Docker secrets), else the value of key, else current.
func GetStringFromFile(key, current string) string {
	if filePath := os.Getenv(key + "_FILE"); filePath != "" {
		content, err := os.ReadFile(filepath.Clean(filePath))
		if err == nil {
			return string(bytes.TrimSpace(content))
		}
	}
	if value := os.Getenv(key); value != "" {
		return value
	}
	return current
}
