package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironsign/config"
)

var envFiles []string

var rootCmd = &cobra.Command{
	Use:   "ironsign",
	Short: "IronSign is a document signing engine",
	Long: `A document signing engine that manages sign requests on PDF files and
envelopes, issues signer certificates from its own CA and publishes
revocation lists.
Complete documentation is available at https://github.com/jmcleod/ironsign`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "Dotenv files to load (default .env)")
}

// loadConfig reads the configuration and applies the flags the user set.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(envFiles...)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("data-dir") {
		cfg.DataDir, _ = flags.GetString("data-dir")
	}
	if flags.Changed("port") {
		cfg.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("tls-cert") {
		cfg.TLSCert, _ = flags.GetString("tls-cert")
	}
	if flags.Changed("tls-key") {
		cfg.TLSKey, _ = flags.GetString("tls-key")
	}
	return cfg, cfg.Validate()
}
