package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Release files stuck in the signing status",
	Long: `Runs the stale signing cleanup once: files that have been in the signing
status for longer than IRONSIGN_STALE_TIMEOUT are moved back to a signable
status. The server runs the same job every IRONSIGN_SWEEP_INTERVAL.`,
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)
	sweepCmd.Flags().String("data-dir", "./data", "Directory for persistent data")
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.close()

	n := a.cleanup.Run(cmd.Context())
	fmt.Fprintf(cmd.OutOrStdout(), "Reset %d stale file(s)\n", n)
	return nil
}
