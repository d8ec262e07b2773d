// Command qossim replays a synthetic workload against a PoolQueue on a
// simulated clock and reports how service was shared between clients.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "qossim [command]",
	Short: "simulate QoS scheduling of pool operations",
	Long: `
Drives the operation queue with a workload file on a simulated clock and
reports per-client service totals.
`,
	SilenceUsage: true,
}

func main() {
	rootCmd.AddCommand(newRunCmd())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
