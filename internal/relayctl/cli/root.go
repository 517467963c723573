package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nero-labs/kiro-relay/internal/relayctl"
	"github.com/nero-labs/kiro-relay/internal/relayctl/tui"
)

var (
	relayAddr string
	apiToken  string
)

var rootCmd = &cobra.Command{
	Use:   "relayctl",
	Short: "Operator CLI for inspecting a kiro-relay identity pool",
	Long: `relayctl is a read-only operator tool over one relay instance's
admin surface: the pool's identities, their schedulability, and any active
cooldowns. It has no write path — identity credentials and pool membership
are managed by the relay's YAML registry, not this tool.`,
}

func Execute() {
	rootCmd.PersistentFlags().StringVar(&relayAddr, "addr", envOr("RELAYCTL_ADDR", "http://localhost:3000"), "relay base URL")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", os.Getenv("RELAYCTL_TOKEN"), "relay API token")

	rootCmd.AddCommand(newIdentitiesCmd())
	rootCmd.AddCommand(newHealthCmd())
	rootCmd.AddCommand(newWatchCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func client() *relayctl.Client {
	return relayctl.NewClient(relayAddr, apiToken)
}

func newIdentitiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "identities",
		Short: "List pool identities and their current state",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := client().Identities()
			if err != nil {
				return err
			}
			printIdentities(ids)
			return nil
		},
	}
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show the relay's health and uptime",
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := client().Health()
			if err != nil {
				return err
			}
			fmt.Printf("status: %s\nversion: %s\nuptime: %s\n", h.Status, h.Version, h.Uptime)
			return nil
		},
	}
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Live-refreshing TUI view of the identity pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			return tui.Run(client())
		},
	}
}

func printIdentities(ids []relayctl.Identity) {
	fmt.Printf("%-24s %-20s %-10s %-6s %-8s %s\n", "ID", "NAME", "STATUS", "PRIO", "SCHED", "COOLDOWN")
	for _, id := range ids {
		sched := "yes"
		if !id.Schedulable {
			sched = "no"
		}
		cooldown := "-"
		if id.OnCooldown {
			cooldown = id.CooldownRemaining
		}
		fmt.Printf("%-24s %-20s %-10s %-6d %-8s %s\n", id.ID, id.Name, id.Status, id.Priority, sched, cooldown)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
