package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"

	"github.com/liteclaw/clawgate/internal/gateway"
)

const (
	defaultGatewayHost  = "127.0.0.1"
	fallbackGatewayPort = 18789
	statusTimeout       = 2 * time.Second
)

// NewStatusCommand creates the status subcommand.
func NewStatusCommand() *cobra.Command {
	var (
		host       string
		port       int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show gateway status",
		Long:  `Display the running gateway's connections, routing table size, and delivery queue counters.`,
		Example: `  clawgate status
  clawgate status --host 127.0.0.1 --port 18789 --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.OutOrStdout(), host, resolvePort(port), jsonOutput)
		},
	}

	cmd.Flags().StringVar(&host, "host", defaultGatewayHost, "Gateway host")
	cmd.Flags().IntVar(&port, "port", 0, "Gateway port (default: from config file, or 18789)")
	cmd.Flags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")

	return cmd
}

// runStatus never fails on an unreachable gateway; it reports it instead.
func runStatus(out io.Writer, host string, port int, jsonOutput bool) error {
	status, err := fetchGatewayStatus(host, port, gateway.LoadGatewayToken())

	if jsonOutput {
		if err != nil {
			data, _ := json.Marshal(map[string]interface{}{"running": false, "error": err.Error()})
			fmt.Fprintln(out, string(data))
			return nil
		}
		data, err := json.MarshalIndent(status, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
		return nil
	}

	fmt.Fprintln(out, "clawgate status")
	fmt.Fprintln(out, "===============")
	fmt.Fprintln(out)

	if err != nil {
		fmt.Fprintln(out, "Gateway:     ✗ Not running")
		fmt.Fprintf(out, "Reason:      %v\n", err)
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Start the gateway with: clawgate gateway start")
		return nil
	}

	fmt.Fprintf(out, "Gateway:     ✓ Running on %s:%d\n", host, port)
	fmt.Fprintf(out, "Version:     %s\n", status.Version)
	fmt.Fprintf(out, "Uptime:      %s\n", formatUptime(status.UptimeMs))
	fmt.Fprintf(out, "Connections: %d\n", status.Connections)
	fmt.Fprintf(out, "Sessions:    %d active\n", status.Sessions)
	fmt.Fprintf(out, "Channels:    %d registered\n", status.Channels)
	if status.DefaultAgent != "" {
		fmt.Fprintf(out, "Routing:     %d rules, default agent %s\n", status.Rules, status.DefaultAgent)
	} else {
		fmt.Fprintf(out, "Routing:     %d rules, no default agent\n", status.Rules)
	}
	if d := status.Delivery; d != nil {
		fmt.Fprintf(out, "Delivery:    %d pending, %d in flight, %d delivered, %d failed\n",
			d.Pending, d.InFlight, d.Delivered, d.Failed)
	}

	if len(status.Presence) > 0 {
		names := make([]string, 0, len(status.Presence))
		for _, p := range status.Presence {
			names = append(names, p.ClientID)
		}
		fmt.Fprintf(out, "Clients:     %s\n", formatList(names))
	}
	fmt.Fprintln(out)
	return nil
}

func fetchGatewayStatus(host string, port int, token string) (*gateway.StatusResponse, error) {
	client := resty.New().
		SetTimeout(statusTimeout).
		SetHostURL(fmt.Sprintf("http://%s:%d", host, port))
	if token != "" {
		client.SetAuthToken(token)
	}

	var status gateway.StatusResponse
	resp, err := client.R().
		SetResult(&status).
		Get("/api/status")
	if err != nil {
		return nil, fmt.Errorf("cannot connect to gateway: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("gateway returned status %d", resp.StatusCode())
	}
	return &status, nil
}

func formatUptime(ms int64) string {
	d := time.Duration(ms) * time.Millisecond
	return d.Truncate(time.Second).String()
}

func formatList(items []string) string {
	if len(items) == 0 {
		return ""
	}
	if len(items) == 1 {
		return items[0]
	}
	if len(items) <= 3 {
		result := items[0]
		for i := 1; i < len(items); i++ {
			result += ", " + items[i]
		}
		return result
	}
	return fmt.Sprintf("%s, %s, +%d more", items[0], items[1], len(items)-2)
}
