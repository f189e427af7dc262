// Package commands provides CLI subcommands for clawgate.
package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/liteclaw/clawgate/internal/config"
	"github.com/liteclaw/clawgate/internal/gateway"
	"github.com/liteclaw/clawgate/internal/infra"
	"github.com/liteclaw/clawgate/internal/version"
)

// stopTimeout is longer than the default drain timeout so a graceful stop is not
// cut short.
const stopTimeout = 15 * time.Second

// SkipStartEnv makes `gateway start` stop right before serving. Used by tests.
const SkipStartEnv = "CLAWGATE_SKIP_GATEWAY_START"

// NewGatewayCommand creates the gateway subcommand.
func NewGatewayCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Manage the clawgate gateway server",
		Long:  `Start, stop, and talk to the clawgate gateway server.`,
		Example: `  clawgate gateway start -d
  clawgate gateway status
  clawgate gateway call health`,
	}

	cmd.PersistentFlags().IntP("port", "p", 0, "Gateway port (default: from config)")
	cmd.PersistentFlags().String("bind", "", "Bind mode or address: loopback, lan, or an IP")
	cmd.PersistentFlags().BoolP("detached", "d", false, "Run in background")

	cmd.AddCommand(newGatewayStartCommand())
	cmd.AddCommand(newGatewayStopCommand())
	cmd.AddCommand(newGatewayStatusCommand())
	cmd.AddCommand(newGatewayRestartCommand())
	cmd.AddCommand(newGatewayCallCommand())

	// Default action: start the gateway
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return runGatewayStart(cmd, args)
	}

	return cmd
}

func newGatewayStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the gateway server",
		Example: `  # Foreground on loopback
  clawgate gateway start

  # Background, reachable from the LAN
  clawgate gateway start --detached --bind lan --port 9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGatewayStart(cmd, args)
		},
	}
}

func newGatewayStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "stop",
		Short:   "Stop the gateway server",
		Example: `  clawgate gateway stop`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGatewayStop(cmd)
		},
	}
}

func newGatewayStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Short:   "Show gateway server status",
		Example: `  clawgate gateway status`,
		RunE: func(cmd *cobra.Command, args []string) error {
			port, _ := cmd.Flags().GetInt("port")
			return runStatus(cmd.OutOrStdout(), defaultGatewayHost, resolvePort(port), false)
		},
	}
}

func newGatewayRestartCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "restart",
		Short:   "Restart the gateway server",
		Example: `  clawgate gateway restart`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGatewayRestart(cmd)
		},
	}
}

func newGatewayCallCommand() *cobra.Command {
	var (
		url     string
		token   string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "call <method> [params-json]",
		Short: "Call a gateway RPC method",
		Example: `  clawgate gateway call status
  clawgate gateway call route.resolve '{"channel":"telegram","chatId":"42"}'
  clawgate gateway call message.send '{"channel":"ops","chatId":"c1","text":"deploy done"}'`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var params interface{}
			if len(args) == 2 {
				raw := json.RawMessage(args[1])
				if !json.Valid(raw) {
					return fmt.Errorf("params must be valid JSON")
				}
				params = raw
			}

			if url == "" {
				port, _ := cmd.Flags().GetInt("port")
				url = fmt.Sprintf("ws://%s:%d", defaultGatewayHost, resolvePort(port))
			}
			if token == "" {
				token = gateway.LoadGatewayToken()
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			client := gateway.NewClient(gateway.ClientOptions{
				URL:           url,
				Token:         token,
				ClientVersion: version.Version,
			})
			if err := client.Connect(ctx); err != nil {
				return err
			}
			defer client.Close()

			payload, err := client.Request(ctx, args[0], params)
			if err != nil {
				return err
			}
			return printJSON(cmd, payload)
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "Gateway WebSocket URL (default: ws://127.0.0.1:<port>)")
	cmd.Flags().StringVar(&token, "token", "", "Gateway token (default: "+gateway.TokenEnv+" or config)")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Request timeout")
	return cmd
}

func printJSON(cmd *cobra.Command, raw json.RawMessage) error {
	if len(raw) == 0 {
		cmd.Println("{}")
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	cmd.Println(string(data))
	return nil
}

// resolvePort returns the flag value when set, else the configured port.
func resolvePort(flagPort int) int {
	if flagPort > 0 {
		return flagPort
	}
	if cfg, err := config.LoadOrDefault(); err == nil && cfg.Gateway.Port > 0 {
		return cfg.Gateway.Port
	}
	return fallbackGatewayPort
}

func runGatewayStart(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.LoadOrDefault()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.Gateway.Port = port
	}
	if bind, _ := cmd.Flags().GetString("bind"); bind != "" {
		cfg.Gateway.Bind = bind
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	layout := infra.Paths()
	if err := layout.EnsureDirs(); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}

	if detached, _ := cmd.Flags().GetBool("detached"); detached {
		return startDetached(cmd, cfg, layout)
	}

	// Single instance per state directory.
	fileLock := flock.New(layout.LockFile)
	locked, err := fileLock.TryLock()
	if err != nil {
		return fmt.Errorf("error checking lock file: %w", err)
	}
	if !locked {
		fmt.Fprintln(out, "Error: clawgate gateway is already running.")
		fmt.Fprintf(out, "  Lock file: %s\n", layout.LockFile)
		return fmt.Errorf("gateway already running")
	}
	defer func() { _ = fileLock.Unlock() }()

	if err := writeGatewayPID(layout); err != nil {
		return err
	}
	defer func() { _ = os.Remove(layout.PIDFile) }()

	fmt.Fprintf(out, "Starting clawgate gateway on %s:%d\n", cfg.Gateway.ListenHost(), cfg.Gateway.Port)

	if os.Getenv(SkipStartEnv) == "true" {
		fmt.Fprintln(out, "Skipping actual server start for testing.")
		return nil
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := newLogger(cmd, cfg.Logging)

	shutdownTracing, err := infra.SetupTracing(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	server, err := gateway.New(gateway.Options{
		Config:  cfg,
		Logger:  logger,
		Version: version.Version,
		Commit:  version.Commit,
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway: %w", err)
	}

	if err := server.Run(ctx); err != nil {
		return fmt.Errorf("gateway stopped: %w", err)
	}
	return nil
}

func startDetached(cmd *cobra.Command, cfg *config.Config, layout infra.Layout) error {
	out := cmd.OutOrStdout()
	if err := ensureGatewayNotRunning(layout); err != nil {
		return err
	}

	logPath := filepath.Join(layout.LogDir, "gateway.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer logFile.Close()

	executable, err := os.Executable()
	if err != nil {
		executable = "clawgate"
	}

	// The child must not get --detached again.
	childArgs := []string{"gateway", "start",
		"--port", strconv.Itoa(cfg.Gateway.Port),
		"--bind", cfg.Gateway.Bind,
	}
	c := exec.Command(executable, childArgs...)
	c.Stdout = logFile
	c.Stderr = logFile
	if err := c.Start(); err != nil {
		return fmt.Errorf("failed to start background process: %w", err)
	}

	fmt.Fprintf(out, "clawgate gateway started in background (PID: %d)\n", c.Process.Pid)
	fmt.Fprintf(out, "Logs: %s\n", logPath)
	fmt.Fprintln(out, "Use 'clawgate logs' to follow them.")
	return nil
}

func runGatewayStop(cmd *cobra.Command) error {
	out := cmd.OutOrStdout()
	layout := infra.Paths()

	pid, err := readGatewayPID(layout)
	if err != nil {
		return fmt.Errorf("gateway not running (pid file missing)")
	}

	if !checkProcessRunning(pid) {
		_ = os.Remove(layout.PIDFile)
		return fmt.Errorf("gateway process not running (stale pid file)")
	}

	if err := terminateProcess(pid); err != nil {
		return fmt.Errorf("failed to stop gateway (pid %d): %w", pid, err)
	}

	fmt.Fprintf(out, "Sent stop signal to gateway (PID %d)\n", pid)
	if waitForProcessExit(pid, stopTimeout) {
		fmt.Fprintln(out, "Gateway stopped.")
		return nil
	}

	fmt.Fprintf(out, "Gateway did not exit within %s, killing it\n", stopTimeout)
	if err := killProcess(pid); err != nil {
		return fmt.Errorf("failed to kill gateway (pid %d): %w", pid, err)
	}
	_ = os.Remove(layout.PIDFile)
	return nil
}

func runGatewayRestart(cmd *cobra.Command) error {
	out := cmd.OutOrStdout()

	fmt.Fprintln(out, "Restarting gateway server...")
	if err := runGatewayStop(cmd); err != nil {
		fmt.Fprintf(out, "Warning: stop failed (%v), continuing to start...\n", err)
	}

	return runGatewayStart(cmd, nil)
}

func writeGatewayPID(layout infra.Layout) error {
	pid := strconv.Itoa(os.Getpid())
	return os.WriteFile(layout.PIDFile, []byte(pid), 0644)
}

func readGatewayPID(layout infra.Layout) (int, error) {
	data, err := os.ReadFile(layout.PIDFile)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, errors.New("invalid pid file")
	}
	return pid, nil
}

func ensureGatewayNotRunning(layout infra.Layout) error {
	fileLock := flock.New(layout.LockFile)
	locked, err := fileLock.TryLock()
	if err != nil {
		return fmt.Errorf("error checking lock file: %w", err)
	}
	if !locked {
		return fmt.Errorf("gateway already running")
	}
	_ = fileLock.Unlock()
	return nil
}
