package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironsign/pki"
)

var rootNames pki.RootNames

var caCmd = &cobra.Command{
	Use:   "ca",
	Short: "Manage the signing certificate authority",
}

var caInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the root certificate for the configured generation",
	Long: `Generates the root certificate of the configured instance, generation and
engine. The root key is sealed with IRONSIGN_ROOT_PASSWORD. Bump
IRONSIGN_CA_GENERATION to rotate the root; revocation lists of earlier
generations stay available.`,
	RunE: runCAInit,
}

var caStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the certificate engine is ready",
	RunE:  runCAStatus,
}

func init() {
	rootCmd.AddCommand(caCmd)
	caCmd.AddCommand(caInitCmd)
	caCmd.AddCommand(caStatusCmd)
	caCmd.PersistentFlags().String("data-dir", "./data", "Directory for persistent data")

	f := caInitCmd.Flags()
	f.StringVar(&rootNames.CommonName, "cn", "IronSign Root CA", "Root common name")
	f.StringVar(&rootNames.Organization, "o", "", "Organization")
	f.StringVar(&rootNames.OrganizationalUnit, "ou", "", "Organizational unit")
	f.StringVar(&rootNames.Country, "c", "", "Country")
	f.StringVar(&rootNames.State, "st", "", "State or province")
	f.StringVar(&rootNames.Locality, "l", "", "Locality")
}

func runCAInit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.RootPassword == "" {
		return errors.New("IRONSIGN_ROOT_PASSWORD must be set to seal the root key")
	}
	engine, err := pki.NewEngine(cfg.Engine, engineConfig(cfg))
	if err != nil {
		return err
	}
	certPEM, _, err := engine.GenerateRootCertificate(cmd.Context(), rootNames, cfg.RootPassword)
	if errors.Is(err, pki.ErrRootExists) {
		return fmt.Errorf("%w at %s; bump the CA generation to rotate it", err, engine.ConfigPath(cfg.InstanceID, cfg.Generation))
	}
	if err != nil {
		return fmt.Errorf("failed to generate root certificate: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Root certificate written to %s\n\n", engine.ConfigPath(cfg.InstanceID, cfg.Generation))
	_, err = out.Write(certPEM)
	return err
}

func runCAStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	engine, err := pki.NewEngine(cfg.Engine, engineConfig(cfg))
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Instance:   %s\n", cfg.InstanceID)
	fmt.Fprintf(out, "Generation: %d\n", cfg.Generation)
	fmt.Fprintf(out, "Engine:     %s\n", engine.Type())
	fmt.Fprintf(out, "Path:       %s\n", engine.ConfigPath(cfg.InstanceID, cfg.Generation))

	certPEM, err := engine.RootCertificate(ctx)
	if err != nil {
		fmt.Fprintf(out, "Root:       missing (%v)\n", err)
	} else if root, err := pki.ParseCertificatePEM(certPEM); err == nil {
		fmt.Fprintf(out, "Root:       %s (expires %s)\n", root.Subject.CommonName, root.NotAfter.Format("2006-01-02"))
	}
	if engine.IsSetupOK(ctx) {
		fmt.Fprintln(out, "Status:     ready")
		return nil
	}
	fmt.Fprintln(out, "Status:     not ready")
	return pki.ErrSetupNotReady
}
