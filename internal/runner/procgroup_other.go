//go:build !unix

package runner

import "os/exec"

// killProcessGroup relies on exec's default kill and WaitDelay elsewhere.
func killProcessGroup(*exec.Cmd) {}
