// Command triage submits incident investigations to triaged and shows their
// progress and history.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/drewfead/triage/internal/cli"
	"github.com/drewfead/triage/internal/config"
	"github.com/drewfead/triage/internal/control"
)

var (
	cfg *config.Config

	serverAddr string
	noColor    bool
	jsonOutput bool
)

func main() {
	var err error
	cfg, err = config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func getClient() *control.Client {
	addr := serverAddr
	if addr == "" {
		addr = os.Getenv("TRIAGE_SERVER")
	}
	if addr == "" {
		addr = cfg.Server.Addr
	}
	return control.NewClient(addr)
}

var rootCmd = &cobra.Command{
	Use:   "triage",
	Short: "Run and inspect incident investigations",
	Long: `triage - talk to the triaged investigation daemon.

Examples:
  triage submit "Sydney to Melbourne link down"     # Run and stream an investigation
  triage submit -s telco-noc "BGP flaps on core-2"  # Tag with a scenario
  triage list                                       # Sessions held by the daemon
  triage history -n 20                              # Including stored sessions
  triage show <id>                                  # Full session with steps
  triage cancel <id>                                # Stop a running investigation`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if noColor {
			cli.ForceColors(false)
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus()
	},
}

var submitCmd = &cobra.Command{
	Use:   "submit <alert text...>",
	Short: "Start an investigation and stream its progress",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		scenario, _ := cmd.Flags().GetString("scenario")
		verbose, _ := cmd.Flags().GetBool("verbose")
		return runSubmit(cmd.Context(), joinArgs(args), scenario, verbose)
	},
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List sessions held in daemon memory",
	RunE: func(cmd *cobra.Command, args []string) error {
		scenario, _ := cmd.Flags().GetString("scenario")
		return runList(cmd.Context(), scenario)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List live and stored sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		scenario, _ := cmd.Flags().GetString("scenario")
		limit, _ := cmd.Flags().GetInt("limit")
		return runHistory(cmd.Context(), scenario, limit)
	},
}

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a session with its steps and diagnosis",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runShow(cmd.Context(), args[0])
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a running investigation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCancel(cmd.Context(), args[0])
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon health and session counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "", "Daemon address (default from config or TRIAGE_SERVER)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print raw JSON")

	submitCmd.Flags().StringP("scenario", "s", "", "Scenario tag")
	submitCmd.Flags().BoolP("verbose", "v", false, "Show agent reasoning and responses")
	listCmd.Flags().StringP("scenario", "s", "", "Only sessions with this scenario")
	historyCmd.Flags().StringP("scenario", "s", "", "Only sessions with this scenario")
	historyCmd.Flags().IntP("limit", "n", 0, "Maximum stored sessions to include")

	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(statusCmd)
}
