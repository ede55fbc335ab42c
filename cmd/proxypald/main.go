package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/proxypal/proxypal/internal/config"
	"github.com/proxypal/proxypal/internal/constants"
	"github.com/proxypal/proxypal/internal/daemon"
	"github.com/proxypal/proxypal/internal/server"
	proxypalversion "github.com/proxypal/proxypal/internal/version"
)

type daemonFlags struct {
	home           string
	listen         string
	proxyBinary    string
	copilotBinary  string
	gracePeriod    time.Duration
	pollInterval   time.Duration
	allowedOrigins []string
}

func main() {
	flags := &daemonFlags{}
	rootCmd := &cobra.Command{
		Use:           "proxypald",
		Short:         "ProxyPal daemon - supervises the local AI proxy and Copilot bridge",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(flags)
		},
	}
	rootCmd.Version = proxypalversion.String()
	rootCmd.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	f := rootCmd.Flags()
	f.StringVar(&flags.home, "home", "", "ProxyPal home directory (default $PROXYPAL_HOME or the user config dir)")
	f.StringVar(&flags.listen, "listen", server.DefaultListenAddr, "Loopback address for the local API")
	f.StringVar(&flags.proxyBinary, "proxy-binary", "", "Path to the primary proxy binary")
	f.StringVar(&flags.copilotBinary, "copilot-binary", "", "Path to the Copilot bridge binary")
	f.DurationVar(&flags.gracePeriod, "grace-period", constants.ProcessGracefulShutdownTimeout, "Time a process gets to exit before it is killed")
	f.DurationVar(&flags.pollInterval, "poll-interval", constants.StatusPollInterval, "Provider status polling interval")
	f.StringSliceVar(&flags.allowedOrigins, "allow-origin", nil, "Extra browser origins allowed to call the API")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon(flags *daemonFlags) error {
	paths, err := config.EnsureDirs(flags.home)
	if err != nil {
		return fmt.Errorf("failed to prepare directories: %w", err)
	}
	if err := setupLogging(paths); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialise logging: %v\n", err)
	}

	d, err := daemon.New(daemon.Options{
		Home:           paths.Home,
		Listen:         flags.listen,
		AllowedOrigins: flags.allowedOrigins,
		ProxyBinary:    flags.proxyBinary,
		CopilotBinary:  flags.copilotBinary,
		GracePeriod:    flags.gracePeriod,
		PollInterval:   flags.pollInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	errChan := make(chan error, 1)
	go func() { errChan <- d.Run() }()

	log.Printf("ProxyPal daemon started (PID: %d)", os.Getpid())

	select {
	case sig := <-sigChan:
		log.Printf("Received signal %s, shutting down...", sig)
		d.Shutdown()
		if err := <-errChan; err != nil {
			log.Printf("Error during shutdown: %v", err)
			return err
		}
	case err := <-errChan:
		if err != nil {
			log.Printf("Daemon error: %v", err)
			return err
		}
	}

	log.Println("Daemon stopped")
	return nil
}

func setupLogging(paths config.Paths) error {
	logFile, err := os.OpenFile(paths.DaemonLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	log.SetOutput(io.MultiWriter(os.Stdout, logFile))
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	log.Printf("=== ProxyPal Daemon Starting (PID: %d, version %s) ===", os.Getpid(), proxypalversion.Display(proxypalversion.String()))
	log.Printf("Log file: %s", paths.DaemonLog)
	return nil
}
