//go:build !unix

package engine

import "os/exec"

// setProcessGroup is a no-op where process groups are unavailable; only the
// shell itself is killed on cancellation.
func setProcessGroup(*exec.Cmd) {}
