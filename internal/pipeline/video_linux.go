//go:build linux

package pipeline

import (
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
)

var dimensionsRe = regexp.MustCompile(`dimensions:\s+(\d+)x(\d+)`)

func display() string {
	if d := os.Getenv("DISPLAY"); d != "" {
		return d
	}
	return ":0"
}

// captureBounds resolves the capture region size: the configured region if
// set, otherwise the X root window geometry.
func captureBounds(cfg VideoConfig) (int, int, error) {
	if cfg.EndX != nil && cfg.EndY != nil {
		return int(*cfg.EndX - cfg.StartX), int(*cfg.EndY - cfg.StartY), nil
	}

	out, err := exec.Command("xdpyinfo", "-display", display()).Output()
	if err != nil {
		return 0, 0, fmt.Errorf("%w: xdpyinfo: %v", ErrNotSupported, err)
	}
	m := dimensionsRe.FindSubmatch(out)
	if m == nil {
		return 0, 0, fmt.Errorf("could not parse display geometry")
	}
	width, _ := strconv.Atoi(string(m[1]))
	height, _ := strconv.Atoi(string(m[2]))

	width -= int(cfg.StartX)
	height -= int(cfg.StartY)
	if width <= 0 || height <= 0 {
		return 0, 0, fmt.Errorf("capture origin (%d,%d) outside display", cfg.StartX, cfg.StartY)
	}
	// Encoders want even dimensions.
	return width &^ 1, height &^ 1, nil
}

// captureCommand builds the x11grab capture process. In external mode the
// process encodes to an Annex-B byte stream itself; otherwise it emits raw
// yuv420p frames for the in-process encoder backend.
func captureCommand(cfg VideoConfig, width, height, kbps, vbvKbit int, external bool) (*exec.Cmd, error) {
	src := fmt.Sprintf("%s+%d,%d", display(), cfg.StartX, cfg.StartY)

	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "x11grab",
		"-framerate", strconv.Itoa(cfg.FrameRate),
		"-video_size", fmt.Sprintf("%dx%d", width, height),
		"-draw_mouse", boolFlag(cfg.ShowMouse),
		"-i", src,
	}

	if !external {
		args = append(args, "-pix_fmt", "yuv420p", "-f", "rawvideo", "-")
		return command(args)
	}

	bitrate := fmt.Sprintf("%dk", kbps)
	vbv := fmt.Sprintf("%dk", vbvKbit)

	if cfg.VAAPI {
		filter := "format=nv12,hwupload"
		if cfg.VAPostProc {
			filter = "format=nv12,hwupload,scale_vaapi"
		}
		args = append(args,
			"-vaapi_device", "/dev/dri/renderD128",
			"-vf", filter,
			"-c:v", "h264_vaapi",
			"-profile:v", "high",
			"-bf", "0",
			"-g", "999999",
			"-b:v", bitrate,
			"-maxrate", bitrate,
			"-bufsize", vbv,
			"-aud", "1",
		)
	} else {
		pixFmt := "yuv420p"
		profile := "baseline"
		if cfg.FullChroma {
			pixFmt = "yuv444p"
			profile = "high444"
		}
		args = append(args,
			"-pix_fmt", pixFmt,
			"-c:v", "libx264",
			"-preset", "superfast",
			"-tune", "zerolatency",
			"-profile:v", profile,
			"-g", "999999",
			"-b:v", bitrate,
			"-maxrate", bitrate,
			"-bufsize", vbv,
			"-x264-params", "aud=1:b-adapt=0",
		)
	}

	args = append(args, "-f", "h264", "-")
	return command(args)
}

func command(args []string) (*exec.Cmd, error) {
	path, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, fmt.Errorf("%w: ffmpeg not found", ErrNotSupported)
	}
	return exec.Command(path, args...), nil
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
