package cmd

import (
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironsign/docmdp"
	"github.com/jmcleod/ironsign/model"
	"github.com/jmcleod/ironsign/pki"
	"github.com/jmcleod/ironsign/signer"
)

// ---------------------------------------------------------------------------
// Verification result types
// ---------------------------------------------------------------------------

type verifyResult struct {
	File   string        `json:"file"`
	Signer string        `json:"signer,omitempty"`
	Serial string        `json:"serial,omitempty"`
	Valid  bool          `json:"valid"`
	Checks []checkResult `json:"checks"`
	DocMdp string        `json:"docmdp,omitempty"`
}

type checkResult struct {
	Name   string `json:"name"`
	Status string `json:"status"` // "pass", "fail", "warn"
	Detail string `json:"detail,omitempty"`
}

// verifyInput is everything an offline verification needs. Root and CRL
// are optional; missing ones turn their checks into warnings.
type verifyInput struct {
	Content   []byte
	Signature []byte
	Root      *x509.Certificate
	CRL       *x509.RevocationList
	Now       time.Time
}

func (r *verifyResult) pass(name, detail string) {
	r.Checks = append(r.Checks, checkResult{Name: name, Status: "pass", Detail: detail})
}

func (r *verifyResult) warn(name, detail string) {
	r.Checks = append(r.Checks, checkResult{Name: name, Status: "warn", Detail: detail})
}

func (r *verifyResult) fail(name, detail string) {
	r.Valid = false
	r.Checks = append(r.Checks, checkResult{Name: name, Status: "fail", Detail: detail})
}

// ---------------------------------------------------------------------------
// Core verification logic
// ---------------------------------------------------------------------------

func verifySignedDocument(in verifyInput) verifyResult {
	result := verifyResult{Valid: true}
	if in.Now.IsZero() {
		in.Now = time.Now()
	}

	// 1. Signature over the content.
	cert, err := signer.Verify(in.Content, in.Signature)
	if err != nil {
		result.fail("signature", err.Error())
		return result
	}
	result.Signer = cert.Subject.CommonName
	result.Serial = fmt.Sprintf("%x", cert.SerialNumber)
	result.pass("signature", "signed by "+cert.Subject.String())

	// 2. Chain to the root.
	if in.Root == nil {
		result.warn("chain", "no root certificate supplied")
	} else if err := cert.CheckSignatureFrom(in.Root); err != nil {
		result.fail("chain", fmt.Sprintf("not issued by %s: %v", in.Root.Subject.CommonName, err))
	} else {
		result.pass("chain", "issued by "+in.Root.Subject.CommonName)
	}

	// 3. Validity period.
	switch {
	case in.Now.Before(cert.NotBefore):
		result.fail("validity", "certificate not valid before "+cert.NotBefore.UTC().Format(time.RFC3339))
	case in.Now.After(cert.NotAfter):
		// Ephemeral signer certificates expire quickly; the signature was
		// still made inside the window.
		result.warn("validity", "certificate expired at "+cert.NotAfter.UTC().Format(time.RFC3339))
	default:
		result.pass("validity", "valid until "+cert.NotAfter.UTC().Format(time.RFC3339))
	}

	// 4. Revocation.
	switch {
	case in.CRL == nil:
		result.warn("revocation", "no revocation list supplied")
	case in.Root != nil && in.CRL.CheckSignatureFrom(in.Root) != nil:
		result.fail("revocation", "revocation list is not signed by the root")
	default:
		revoked := false
		for _, e := range in.CRL.RevokedCertificateEntries {
			if e.SerialNumber.Cmp(cert.SerialNumber) == 0 {
				revoked = true
				result.fail("revocation", fmt.Sprintf("revoked at %s (%s)",
					e.RevocationTime.UTC().Format(time.RFC3339), model.CRLReason(e.ReasonCode)))
				break
			}
		}
		if !revoked {
			result.pass("revocation", fmt.Sprintf("not listed in CRL %s", in.CRL.Number))
		}
	}

	// 5. DocMDP certification. Informational only.
	certification, err := docmdp.Inspect(in.Content)
	switch {
	case err != nil:
		result.warn("docmdp", err.Error())
	case certification.Certified:
		result.DocMdp = model.DocMdpLevel(certification.Permission).Label()
		result.pass("docmdp", fmt.Sprintf("certified with P=%d", certification.Permission))
	default:
		result.DocMdp = model.DocMdpNotCertified.Label()
		result.pass("docmdp", "not certified")
	}
	return result
}

// ---------------------------------------------------------------------------
// Output formatting
// ---------------------------------------------------------------------------

func printHumanResult(w io.Writer, result verifyResult) {
	fmt.Fprintf(w, "Signature verification: %s\n", result.File)
	if result.Signer != "" {
		fmt.Fprintf(w, "Signer: %s\n", result.Signer)
		fmt.Fprintf(w, "Serial: %s\n", result.Serial)
	}
	fmt.Fprintln(w)

	for _, c := range result.Checks {
		tag := "[PASS]"
		switch c.Status {
		case "fail":
			tag = "[FAIL]"
		case "warn":
			tag = "[WARN]"
		}
		if c.Detail != "" {
			fmt.Fprintf(w, "%s %s: %s\n", tag, c.Name, c.Detail)
		} else {
			fmt.Fprintf(w, "%s %s\n", tag, c.Name)
		}
	}

	fmt.Fprintln(w)
	if result.Valid {
		fmt.Fprintln(w, "Result: VALID")
		return
	}
	failures, warnings := 0, 0
	for _, c := range result.Checks {
		if c.Status == "fail" {
			failures++
		} else if c.Status == "warn" {
			warnings++
		}
	}
	fmt.Fprintf(w, "Result: INVALID (%d error(s), %d warning(s))\n", failures, warnings)
}

func printJSONResult(w io.Writer, result verifyResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// ---------------------------------------------------------------------------
// Cobra command
// ---------------------------------------------------------------------------

var (
	verifyJSONOutput bool
	verifyRootPath   string
	verifyCRLPath    string
)

var verifyCmd = &cobra.Command{
	Use:   "verify [document] [signature]",
	Short: "Verify a detached document signature offline",
	Long: `Verifies a detached CMS signature (.p7s) over a document and reports the
signer certificate, its chain to the root, its validity period, its
revocation status and the document's DocMDP certification.

The root certificate (PEM) and revocation list (DER or PEM) are optional;
without them the matching checks are reported as warnings.`,
	Args: cobra.ExactArgs(2),
	RunE: runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().BoolVar(&verifyJSONOutput, "json", false, "Output results as JSON")
	verifyCmd.Flags().StringVar(&verifyRootPath, "root", "", "Root certificate PEM file")
	verifyCmd.Flags().StringVar(&verifyCRLPath, "crl", "", "Revocation list file")
}

// readCRL accepts DER or a PEM "X509 CRL" block.
func readCRL(data []byte) (*x509.RevocationList, error) {
	if block, _ := pem.Decode(data); block != nil {
		data = block.Bytes
	}
	return x509.ParseRevocationList(data)
}

func runVerify(cmd *cobra.Command, args []string) error {
	in := verifyInput{}
	var err error
	if in.Content, err = os.ReadFile(args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot read document: %v\n", err)
		os.Exit(2)
	}
	if in.Signature, err = os.ReadFile(args[1]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot read signature: %v\n", err)
		os.Exit(2)
	}
	if verifyRootPath != "" {
		data, err := os.ReadFile(verifyRootPath)
		if err == nil {
			in.Root, err = pki.ParseCertificatePEM(data)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid root certificate: %v\n", err)
			os.Exit(2)
		}
	}
	if verifyCRLPath != "" {
		data, err := os.ReadFile(verifyCRLPath)
		if err == nil {
			in.CRL, err = readCRL(data)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid revocation list: %v\n", err)
			os.Exit(2)
		}
	}

	result := verifySignedDocument(in)
	result.File = args[0]

	out := cmd.OutOrStdout()
	if verifyJSONOutput {
		if err := printJSONResult(out, result); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(2)
		}
	} else {
		printHumanResult(out, result)
	}

	if !result.Valid {
		os.Exit(1)
	}
	return nil
}
