package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/UE2020/tenebra/internal/logging"
)

var log = logging.L("config")

// Config is the full server configuration, loaded from tenebra.toml.
type Config struct {
	// Media
	TargetBitrate   uint32  `mapstructure:"target_bitrate"` // kbps; encoder target and desired BWE rate
	StartX          uint32  `mapstructure:"startx"`         // capture/input origin offset
	StartY          uint32  `mapstructure:"starty"`
	EndX            *uint32 `mapstructure:"endx"` // optional capture region opposite corner
	EndY            *uint32 `mapstructure:"endy"`
	SoundForwarding bool    `mapstructure:"sound_forwarding"`
	VAAPI           bool    `mapstructure:"vaapi"`
	VAPostProc      bool    `mapstructure:"vapostproc"`
	NoBWE           bool    `mapstructure:"no_bwe"`
	FullChroma      bool    `mapstructure:"full_chroma"`
	VBVBufCapacity  uint32  `mapstructure:"vbv_buf_capacity"` // ms

	// Signaling
	Port     uint16 `mapstructure:"port"`
	Password string `mapstructure:"password"`
	Cert     string `mapstructure:"cert"`
	Key      string `mapstructure:"key"`

	// Networking
	TCPUPnP bool `mapstructure:"tcp_upnp"`

	// Logging
	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`
}

func Default() *Config {
	return &Config{
		TargetBitrate:  4000,
		VBVBufCapacity: 120,
		Port:           8080,
		TCPUPnP:        true,
		LogLevel:       "info",
		LogFormat:      "text",
		LogMaxSizeMB:   50,
		LogMaxBackups:  3,
	}
}

// Load reads the config file (explicit path, or tenebra.toml from the usual
// locations), applies TENEBRA_* environment overrides and validates the result.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("tenebra")
		viper.SetConfigType("toml")
		viper.AddConfigPath("/etc/tenebra")
		viper.AddConfigPath("$HOME/.config/tenebra")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("TENEBRA")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	// Validate config: fatals block startup, warnings are logged and continue.
	result := cfg.ValidateTiered()
	for _, err := range result.Warnings {
		log.Warn("config validation", "error", err)
	}
	if result.HasFatals() {
		for _, err := range result.Fatals {
			log.Error("config validation fatal", "error", err)
		}
		return nil, fmt.Errorf("config has fatal validation errors: %v", result.Fatals[0])
	}

	return cfg, nil
}
