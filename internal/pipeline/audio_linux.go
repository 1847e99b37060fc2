//go:build linux

package pipeline

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

func audioSupported() bool {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return false
	}
	_, err := exec.LookPath("pactl")
	return err == nil
}

// audioCaptureCommand records the default PulseAudio sink monitor as s16le.
func audioCaptureCommand() (*exec.Cmd, error) {
	device, err := pulseMonitorName()
	if err != nil {
		return nil, err
	}
	return command([]string{
		"-hide_banner", "-loglevel", "error",
		"-f", "pulse",
		"-i", device,
		"-ac", strconv.Itoa(audioChannels),
		"-ar", strconv.Itoa(audioSampleRate),
		"-f", "s16le",
		"-",
	})
}

// pulseMonitorName finds the first monitor source, which carries whatever
// the host is playing.
func pulseMonitorName() (string, error) {
	out, err := exec.Command("pactl", "list", "short", "sources").Output()
	if err != nil {
		return "", fmt.Errorf("pactl: %w", err)
	}
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && strings.Contains(fields[1], "monitor") {
			return fields[1], nil
		}
	}
	return "", fmt.Errorf("no monitor source found")
}
