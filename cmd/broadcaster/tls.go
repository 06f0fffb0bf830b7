package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/tls"
)

var tlsCmd = &cobra.Command{
	Use:   "tls",
	Short: "API TLS certificate management",
}

var tlsStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the certificates of the API listener",
	Long: `Show the certificate configured in api.tls.cert_file, or the
certificates cached by ACME. The cache is read without contacting Let's Encrypt.`,
	RunE: runTLSStatus,
}

func init() {
	tlsCmd.AddCommand(tlsStatusCmd)
	rootCmd.AddCommand(tlsCmd)
}

func runTLSStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	t := cfg.API.TLS
	var certs []tls.CertificateInfo
	switch {
	case t.ACME.Enabled:
		fmt.Printf("Mode: ACME (cache %s)\n", t.ACME.CacheDir)
		m := tls.NewACMEManager(t.ACME.Email, t.ACME.Domains, t.ACME.CacheDir)
		certs, err = m.CachedCertificates(context.Background())
		if err != nil {
			return err
		}
		if len(certs) < len(t.ACME.Domains) {
			fmt.Printf("Not yet issued: %d of %d domains\n", len(t.ACME.Domains)-len(certs), len(t.ACME.Domains))
		}
	case t.Enabled():
		fmt.Printf("Mode: manual (%s)\n", t.CertFile)
		info, err := tls.ReadCertificate(t.CertFile)
		if err != nil {
			return err
		}
		certs = append(certs, *info)
	default:
		fmt.Println("TLS is not configured; the API is served over plain HTTP")
		return nil
	}

	if len(certs) == 0 {
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DOMAIN\tSUBJECT\tISSUER\tEXPIRES\tDAYS LEFT\tSTATUS")
	for _, c := range certs {
		status := "ok"
		switch {
		case c.ExpiresWithin(0):
			status = "expired"
		case c.ExpiresWithin(7 * 24 * time.Hour):
			status = "expiring"
		}
		domain := c.Domain
		if domain == "" && len(c.DNSNames) > 0 {
			domain = c.DNSNames[0]
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			domain, c.Subject, c.Issuer, c.NotAfter.Format("2006-01-02"), c.DaysLeft, status)
	}
	return w.Flush()
}
