package cmd

import (
	"crypto/x509"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironsign/crl"
	"github.com/jmcleod/ironsign/model"
)

var (
	crlOut       string
	revokeReason string
	revokeNote   string
	revokeActor  string
)

var crlCmd = &cobra.Command{
	Use:   "crl",
	Short: "Inspect and update certificate revocation",
}

var crlShowCmd = &cobra.Command{
	Use:   "show [name | instance generation engine]",
	Short: "Render a revocation list",
	Long: `Renders the revocation list of a CA generation. Without arguments the
configured generation is shown. A name such as libresign_ironsign_1_o.crl or an
explicit instance, generation and engine may be given instead.

With --out the DER encoded list is written to a file ("-" for stdout).`,
	Args: cobra.RangeArgs(0, 3),
	RunE: runCRLShow,
}

var crlRevokeCmd = &cobra.Command{
	Use:   "revoke [serial]",
	Short: "Revoke an issued certificate",
	Args:  cobra.ExactArgs(1),
	RunE:  runCRLRevoke,
}

func init() {
	rootCmd.AddCommand(crlCmd)
	crlCmd.AddCommand(crlShowCmd)
	crlCmd.AddCommand(crlRevokeCmd)
	crlCmd.PersistentFlags().String("data-dir", "./data", "Directory for persistent data")

	crlShowCmd.Flags().StringVarP(&crlOut, "out", "o", "", "Write the DER encoded list to this file")
	crlRevokeCmd.Flags().StringVar(&revokeReason, "reason", "unspecified", "RFC 5280 reason name or code")
	crlRevokeCmd.Flags().StringVar(&revokeNote, "note", "", "Free-form revocation comment")
	crlRevokeCmd.Flags().StringVar(&revokeActor, "actor", "cli", "Who revoked the certificate")
}

// crlTarget resolves the positional arguments of crl show.
func crlTarget(args []string, instance string, generation int, engine string) (string, int, model.CertificateEngineType, error) {
	switch len(args) {
	case 0:
		t, ok := model.EngineTypeTryFrom(engine)
		if !ok {
			return "", 0, "", fmt.Errorf("unknown engine %q", engine)
		}
		return instance, generation, t, nil
	case 1:
		return crl.ParseCRLName(args[0])
	case 3:
		gen, err := strconv.Atoi(args[1])
		if err != nil || gen < 1 {
			return "", 0, "", fmt.Errorf("invalid generation %q", args[1])
		}
		t, ok := model.EngineTypeTryFrom(args[2])
		if !ok {
			return "", 0, "", fmt.Errorf("unknown engine %q", args[2])
		}
		return args[0], gen, t, nil
	}
	return "", 0, "", fmt.Errorf("expected a name or instance, generation and engine")
}

func runCRLShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	instance, gen, engine, err := crlTarget(args, cfg.InstanceID, cfg.Generation, cfg.Engine)
	if err != nil {
		return err
	}

	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.close()

	der, err := a.crl.GetRevocationList(cmd.Context(), instance, gen, engine)
	if err != nil {
		return err
	}
	switch crlOut {
	case "":
	case "-":
		_, err := cmd.OutOrStdout().Write(der)
		return err
	default:
		if err := os.WriteFile(crlOut, der, 0o644); err != nil {
			return fmt.Errorf("failed to write CRL: %w", err)
		}
	}

	list, err := x509.ParseRevocationList(der)
	if err != nil {
		return fmt.Errorf("failed to parse CRL: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Issuer:      %s\n", list.Issuer.CommonName)
	fmt.Fprintf(out, "Number:      %s\n", list.Number)
	fmt.Fprintf(out, "This update: %s\n", list.ThisUpdate.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(out, "Next update: %s\n", list.NextUpdate.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(out, "Revoked:     %d\n", len(list.RevokedCertificateEntries))
	for _, e := range list.RevokedCertificateEntries {
		fmt.Fprintf(out, "  %x  %s  %s\n", e.SerialNumber, e.RevocationTime.Format("2006-01-02"), model.CRLReason(e.ReasonCode))
	}
	return nil
}

// parseReasonFlag accepts a numeric code or a reason name.
func parseReasonFlag(s string) (model.CRLReason, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return model.CRLReasonFromInt(n)
	}
	return model.CRLReasonFromString(s)
}

func runCRLRevoke(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	reason, err := parseReasonFlag(revokeReason)
	if err != nil {
		return err
	}

	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.close()

	revoked, err := a.crl.RevokeCertificate(cmd.Context(), args[0], reason, revokeNote, revokeActor)
	if err != nil {
		return err
	}
	if revoked {
		fmt.Fprintf(cmd.OutOrStdout(), "Certificate %s revoked (%s)\n", args[0], reason)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Certificate %s was already revoked\n", args[0])
	}
	return nil
}
