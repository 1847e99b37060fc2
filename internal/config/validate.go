package config

import (
	"fmt"
	"os"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// ValidationResult separates errors that must block startup from ones that
// are survivable.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r *ValidationResult) HasFatals() bool { return len(r.Fatals) > 0 }

// ValidateTiered checks the configuration. Fatal: anything that would make
// the signaling server or a session unable to start. Warning: suspicious but
// workable values.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult

	if c.Port == 0 {
		r.Fatals = append(r.Fatals, fmt.Errorf("port must be set"))
	}
	if c.Password == "" {
		r.Fatals = append(r.Fatals, fmt.Errorf("password must be set"))
	}
	if c.Cert == "" || c.Key == "" {
		r.Fatals = append(r.Fatals, fmt.Errorf("cert and key must both be set"))
	} else {
		for _, p := range []string{c.Cert, c.Key} {
			if _, err := os.Stat(p); err != nil {
				r.Fatals = append(r.Fatals, fmt.Errorf("TLS material %q: %w", p, err))
			}
		}
	}

	if c.TargetBitrate == 0 {
		r.Fatals = append(r.Fatals, fmt.Errorf("target_bitrate must be greater than zero"))
	} else if c.TargetBitrate < 500 {
		r.Warnings = append(r.Warnings, fmt.Errorf("target_bitrate %d kbps is below the 500 kbps adaptation floor", c.TargetBitrate))
	}

	if c.SoundForwarding && c.TargetBitrate <= 64 {
		r.Fatals = append(r.Fatals, fmt.Errorf("target_bitrate %d kbps leaves no room for video with sound_forwarding enabled", c.TargetBitrate))
	}

	if c.VBVBufCapacity == 0 {
		r.Warnings = append(r.Warnings, fmt.Errorf("vbv_buf_capacity 0 ms, using default 120"))
		c.VBVBufCapacity = 120
	}

	if (c.EndX == nil) != (c.EndY == nil) {
		r.Fatals = append(r.Fatals, fmt.Errorf("endx and endy must be set together"))
	}
	if c.EndX != nil && c.EndY != nil {
		if *c.EndX <= c.StartX || *c.EndY <= c.StartY {
			r.Fatals = append(r.Fatals, fmt.Errorf("capture region (%d,%d)-(%d,%d) is empty", c.StartX, c.StartY, *c.EndX, *c.EndY))
		}
	}

	if c.FullChroma && c.VAAPI {
		r.Warnings = append(r.Warnings, fmt.Errorf("full_chroma is not supported with vaapi and will be ignored"))
	}

	if c.LogLevel != "" && !validLogLevels[c.LogLevel] {
		r.Warnings = append(r.Warnings, fmt.Errorf("unknown log_level %q, using info", c.LogLevel))
	}

	return r
}
