package rootset

import "os"

// homeDir returns the current user's home directory.
func homeDir() (string, error) {
	return os.UserHomeDir()
}
