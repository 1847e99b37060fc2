//go:build !linux

package pipeline

import "os/exec"

func audioSupported() bool { return false }

func audioCaptureCommand() (*exec.Cmd, error) {
	return nil, ErrNotSupported
}
