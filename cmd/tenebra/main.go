package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/UE2020/tenebra/internal/config"
	"github.com/UE2020/tenebra/internal/dialogs"
	"github.com/UE2020/tenebra/internal/input"
	"github.com/UE2020/tenebra/internal/keystore"
	"github.com/UE2020/tenebra/internal/logging"
	"github.com/UE2020/tenebra/internal/rtc"
	"github.com/UE2020/tenebra/internal/signaling"
	"github.com/UE2020/tenebra/internal/stunprobe"
	"github.com/UE2020/tenebra/internal/upnp"
)

var (
	version = "0.1.0"
	cfgFile string
)

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:   "tenebra",
	Short: "Remote desktop over WebRTC",
	Long:  `Tenebra streams the local desktop to a browser peer over WebRTC and replays the peer's input on the host.`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the server",
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runServer())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("tenebra v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is tenebra.toml)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initLogging(cfg *config.Config) {
	var output io.Writer = os.Stdout
	if cfg.LogFile != "" {
		rw, err := logging.NewRotatingWriter(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v (logging to stdout)\n", cfg.LogFile, err)
		} else {
			output = logging.TeeWriter(os.Stdout, rw)
		}
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, output)
}

// discardQueue swallows input commands when no synthesizer is available.
type discardQueue struct{}

func (discardQueue) Enqueue(input.Command) {}

func runServer() int {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return 1
	}
	initLogging(cfg)
	log.Info("starting", "version", version, "port", cfg.Port)

	// A symmetric NAT rewrites the mapping per destination, so the
	// reflexive candidates gathered at answer time would never connect.
	symmetric, err := stunprobe.DetectSymmetricNAT(stunprobe.DefaultServers)
	if err != nil {
		log.Warn("NAT detection failed, continuing", "error", err)
	} else if symmetric {
		log.Error("symmetric NAT detected; this network cannot host sessions without a relay")
		return 1
	}

	dialogActor := dialogs.New(dialogs.NewZenityBackend())
	go dialogActor.Run()

	var inputQueue interface{ Enqueue(input.Command) } = discardQueue{}
	var replayer *input.Replayer
	synth, err := input.NewSynthesizer()
	if err != nil {
		log.Warn("input replay disabled", "error", err)
	} else {
		replayer = input.NewReplayer(synth, int(cfg.StartX), int(cfg.StartY))
		go replayer.Run()
		inputQueue = replayer
	}

	upnpManager := upnp.NewManager()
	keys := keystore.New()
	sessions := rtc.NewManager(cfg, upnpManager, dialogActor, inputQueue)
	server := signaling.New(cfg, keys, sessions)

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	exitCode := 0
	select {
	case sig := <-signals:
		log.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		log.Error("signaling server failed", "error", err)
		exitCode = 1
	}

	sessions.StopAll()
	if replayer != nil {
		replayer.Stop()
	}
	dialogActor.Stop()
	upnpManager.ReleaseAll()
	return exitCode
}
