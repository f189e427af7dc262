package commands

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/liteclaw/clawgate/internal/config"
)

// NewConfigCommand creates the config subcommand.
func NewConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Config helpers (get/set/show/validate/token)",
		Long:  `Inspect and edit the active clawgate config file.`,
		Example: `  # Get config value
  clawgate config get gateway.port

  # Set config value
  clawgate config set gateway.port 8080

  # Print the effective config
  clawgate config show`,
	}

	cmd.AddCommand(newConfigGetCommand())
	cmd.AddCommand(newConfigSetCommand())
	cmd.AddCommand(newConfigShowCommand())
	cmd.AddCommand(newConfigValidateCommand())
	cmd.AddCommand(newConfigTokenCommand())
	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the config file path",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(config.ConfigPath())
		},
	})

	return cmd
}

func newConfigGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "get [key]",
		Short:   "Get a configuration value",
		Example: `  clawgate config get gateway.port`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := config.LoadViper()
			if err != nil && !errors.Is(err, config.ErrConfigNotFound) {
				return fmt.Errorf("failed to load config: %w", err)
			}

			val := v.Get(args[0])
			if val == nil {
				cmd.Println("null")
				return nil
			}
			cmd.Printf("%v\n", val)
			return nil
		},
	}
}

func newConfigSetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set [key] [value]",
		Short: "Set a configuration value",
		Example: `  clawgate config set gateway.port 9000
  clawgate config set gateway.rateLimit.enabled false`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := config.LoadViper()
			if err != nil && !errors.Is(err, config.ErrConfigNotFound) {
				return fmt.Errorf("failed to load config: %w", err)
			}

			key, raw := args[0], args[1]
			var val interface{} = raw
			if n, err := strconv.Atoi(raw); err == nil {
				val = n
			} else if f, err := strconv.ParseFloat(raw, 64); err == nil {
				val = f
			} else if b, err := strconv.ParseBool(raw); err == nil {
				val = b
			}
			v.Set(key, val)

			target := v.ConfigFileUsed()
			if target == "" {
				target = config.ConfigPath()
			}
			if err := os.MkdirAll(config.StateDir(), 0755); err != nil {
				return err
			}
			if err := v.WriteConfigAs(target); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}

			cmd.Printf("Updated %s = %v\n", key, val)
			return nil
		},
	}
}

func newConfigShowCommand() *cobra.Command {
	var showSecrets bool

	cmd := &cobra.Command{
		Use:     "show",
		Short:   "Print the effective configuration as YAML",
		Example: `  clawgate config show`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if !showSecrets {
				cfg.Gateway.Auth.Token = maskSecret(cfg.Gateway.Auth.Token)
				for i := range cfg.Channels.Webhooks {
					cfg.Channels.Webhooks[i].Token = maskSecret(cfg.Channels.Webhooks[i].Token)
				}
			}

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	}

	cmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "Print tokens unmasked")
	return cmd
}

func newConfigValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "validate",
		Short:   "Check the config file for errors",
		Example: `  clawgate config validate`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			cmd.Printf("Config OK (%s)\n", config.ConfigPath())
			return nil
		},
	}
}

func newConfigTokenCommand() *cobra.Command {
	var generate bool

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Set the gateway auth token",
		Long: `Store the shared token clients must present to the gateway.
The token is read from the terminal without echo, or from stdin when piped.`,
		Example: `  clawgate config token --generate
  echo "$TOKEN" | clawgate config token`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			var token string
			if generate {
				token = strings.ReplaceAll(uuid.NewString(), "-", "")
			} else {
				token, err = readSecret(cmd, "Gateway token: ")
				if err != nil {
					return err
				}
			}
			if token == "" {
				return fmt.Errorf("token must not be empty")
			}

			cfg.Gateway.Auth.Mode = "token"
			cfg.Gateway.Auth.Token = token
			if err := config.Save(cfg); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}

			if generate {
				cmd.Printf("Generated gateway token: %s\n", token)
			}
			cmd.Printf("Token saved to %s\n", config.ConfigPath())
			return nil
		},
	}

	cmd.Flags().BoolVar(&generate, "generate", false, "Generate a random token")
	return cmd
}

// readSecret reads without echo from a terminal, else one line from the input.
func readSecret(cmd *cobra.Command, prompt string) (string, error) {
	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		cmd.Print(prompt)
		data, err := term.ReadPassword(int(f.Fd()))
		cmd.Println()
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(data)), nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}
