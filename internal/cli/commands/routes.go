package commands

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/liteclaw/clawgate/internal/channels"
	"github.com/liteclaw/clawgate/internal/config"
	"github.com/liteclaw/clawgate/internal/gateway"
	"github.com/liteclaw/clawgate/internal/routing"
)

// NewRoutesCommand creates the routes subcommand.
func NewRoutesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "routes",
		Short: "Inspect the routing table",
		Long:  `List configured routing rules and check which agent a message would reach.`,
		Example: `  clawgate routes list
  clawgate routes test --channel telegram --chat 42 --text "help me"`,
	}

	cmd.AddCommand(newRoutesListCommand())
	cmd.AddCommand(newRoutesTestCommand())
	return cmd
}

func loadRouter() (*routing.Router, error) {
	cfg, err := config.LoadOrDefault()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return gateway.BuildRouter(cfg.Routing, zerolog.Nop())
}

func newRoutesListCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Short:   "List routing rules in evaluation order",
		Example: `  clawgate routes list`,
		RunE: func(cmd *cobra.Command, args []string) error {
			router, err := loadRouter()
			if err != nil {
				return err
			}

			rules := router.Rules()
			if len(rules) == 0 {
				cmd.Println("No routing rules configured.")
			} else {
				table := tablewriter.NewWriter(cmd.OutOrStdout())
				table.SetHeader([]string{"ID", "Priority", "Agent", "Enabled", "Conditions"})
				table.SetBorder(false)
				table.SetAutoWrapText(false)
				for _, r := range rules {
					table.Append([]string{
						r.ID,
						strconv.Itoa(r.Priority),
						r.TargetAgent,
						strconv.FormatBool(r.IsEnabled()),
						describeConditions(r.Conditions),
					})
				}
				table.Render()
			}

			if agent := router.DefaultAgent(); agent != "" {
				cmd.Printf("\nDefault agent: %s\n", agent)
			} else {
				cmd.Println("\nNo default agent: unmatched messages are rejected.")
			}
			return nil
		},
	}
}

func newRoutesTestCommand() *cobra.Command {
	var msg channels.InboundMessage
	var chatType string

	cmd := &cobra.Command{
		Use:   "test",
		Short: "Show which agent a message would be routed to",
		Example: `  clawgate routes test --channel slack --chat C123 --sender U9
  clawgate routes test --channel telegram --chat 42 --chat-type group --text "deploy"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if msg.Channel == "" {
				return fmt.Errorf("--channel is required")
			}
			msg.Chat.Type = channels.ChatType(chatType)

			router, err := loadRouter()
			if err != nil {
				return err
			}

			match, err := router.Route(&msg)
			if errors.Is(err, routing.ErrNoRoute) {
				cmd.Println("No route: no rule matched and no default agent is set.")
				return err
			}
			if err != nil {
				return err
			}

			cmd.Printf("Agent:  %s\n", match.AgentID)
			if match.RuleID != "" {
				cmd.Printf("Rule:   %s\n", match.RuleID)
			}
			cmd.Printf("Reason: %s\n", match.Reason)
			return nil
		},
	}

	cmd.Flags().StringVar(&msg.Channel, "channel", "", "Channel id")
	cmd.Flags().StringVar(&msg.AccountID, "account", "", "Account id")
	cmd.Flags().StringVar(&msg.Chat.ID, "chat", "", "Chat id")
	cmd.Flags().StringVar(&chatType, "chat-type", "", "Chat type: direct, group, channel, thread")
	cmd.Flags().StringVar(&msg.Chat.GuildID, "guild", "", "Guild id")
	cmd.Flags().StringVar(&msg.Sender.ID, "sender", "", "Sender id")
	cmd.Flags().StringVar(&msg.Text, "text", "", "Message text")
	return cmd
}

func describeConditions(c routing.Conditions) string {
	var out string
	add := func(key, val string) {
		if val == "" {
			return
		}
		if out != "" {
			out += " "
		}
		out += key + "=" + val
	}
	add("channel", c.Channel)
	add("account", c.Account)
	add("chat", c.Chat)
	add("sender", c.Sender)
	add("guild", c.Guild)
	add("chatType", string(c.ChatType))
	add("text", c.TextPattern)
	if out == "" {
		return "*"
	}
	return out
}
