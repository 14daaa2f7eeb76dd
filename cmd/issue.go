package cmd

import (
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/abcdlsj/vhostsync/pkg/cert"
)

var dryRun bool

var issueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Obtain certificates for containers waiting on one",
	Long: `Find proxied containers whose certificate file is missing and obtain one
through ACME (Cloudflare DNS-01), written to the configured certificate paths.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		l, closeSrc, err := newLoop(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer closeSrc()

		reqs, err := l.Pending(cmd.Context())
		if err != nil {
			return err
		}
		if len(reqs) == 0 {
			log.Info("No certificates pending", "name", cfg.Name)
			return nil
		}

		if dryRun {
			for _, req := range reqs {
				fmt.Printf("%s (%s) -> %v\n", req.Key, req.Container, req.Domains)
			}
			return nil
		}

		m, err := cert.New(cert.Config{
			Email:      cfg.ACME.Email,
			CFAPIToken: cfg.ACME.Cloudflare.APIToken,
			Staging:    cfg.ACME.Staging,
			AccountKey: cfg.ACME.AccountKey,
		})
		if err != nil {
			return fmt.Errorf("failed to create certificate manager: %v", err)
		}

		failed := 0
		for _, req := range reqs {
			if err := m.Issue(req); err != nil {
				log.Error("Error obtaining certificate", "domains", req.Domains, "err", err)
				if at, ok := cert.RetryAfter(err); ok {
					log.Info("Rate limited", "domains", req.Domains, "retry_time", at.Format("2006-01-02 15:04:05 UTC"))
				}
				failed++
				continue
			}
			log.Info("Successfully obtained certificate", "domains", req.Domains)
		}

		if failed > 0 {
			return fmt.Errorf("%d of %d certificates failed", failed, len(reqs))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(issueCmd)
	issueCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Only list the certificates that would be requested")
}
