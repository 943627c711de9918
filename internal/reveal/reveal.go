// Package reveal is an interface-only stub (spec §1: "OS
// reveal-in-file-manager... their interfaces only are specified").
// Open shells out to the platform's file manager to reveal path.
package reveal

import (
	"fmt"
	"os/exec"
	"runtime"
)

// Open reveals path in the host OS's file manager.
func Open(path string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", "-R", path)
	case "windows":
		cmd = exec.Command("explorer", "/select,", path)
	default:
		cmd = exec.Command("xdg-open", path)
	}
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("reveal %s: %w", path, err)
	}
	return nil
}
