//go:build !linux

package pipeline

import "os/exec"

func captureBounds(VideoConfig) (int, int, error) {
	return 0, 0, ErrNotSupported
}

func captureCommand(VideoConfig, int, int, int, int, bool) (*exec.Cmd, error) {
	return nil, ErrNotSupported
}
