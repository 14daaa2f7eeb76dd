package cert

import (
	"crypto"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge/dns01"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/providers/dns/cloudflare"
	"github.com/go-acme/lego/v4/registration"

	"github.com/abcdlsj/vhostsync/pkg/service"
	"github.com/abcdlsj/vhostsync/pkg/writer"
)

// Config holds the configuration for certificate management
type Config struct {
	Email      string
	CFAPIToken string
	Staging    bool
	// AccountKey is the PEM file holding the ACME account key. It is
	// created on first use. Empty means a throwaway account per run.
	AccountKey string
}

// Manager obtains certificates and stores them where the reconciler looks
// for them
type Manager struct {
	config Config
	client *lego.Client
}

// New creates a new certificate manager and registers the ACME account
func New(cfg Config) (*Manager, error) {
	if cfg.CFAPIToken == "" {
		return nil, errors.New("cloudflare API token not configured")
	}

	client, err := createClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create ACME client: %w", err)
	}

	return &Manager{
		config: cfg,
		client: client,
	}, nil
}

// createClient sets up the ACME client with the cloudflare DNS-01 solver
// and resolves (or registers) the account
func createClient(cfg Config) (*lego.Client, error) {
	key, existing, err := loadAccountKey(cfg.AccountKey)
	if err != nil {
		return nil, err
	}
	acct := &account{email: cfg.Email, key: key}

	config := lego.NewConfig(acct)
	config.CADirURL = lego.LEDirectoryProduction
	if cfg.Staging {
		config.CADirURL = lego.LEDirectoryStaging
	}
	config.Certificate.KeyType = certcrypto.RSA2048

	client, err := lego.NewClient(config)
	if err != nil {
		return nil, err
	}

	cfProvider, err := cloudflare.NewDNSProviderConfig(&cloudflare.Config{
		AuthToken:          cfg.CFAPIToken,
		TTL:                120,
		PropagationTimeout: 180 * time.Second,
		PollingInterval:    2 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create cloudflare provider: %w", err)
	}

	if err := client.Challenge.SetDNS01Provider(cfProvider,
		dns01.AddRecursiveNameservers([]string{"1.1.1.1:53", "8.8.8.8:53"}),
		dns01.DisableCompletePropagationRequirement()); err != nil {
		return nil, err
	}

	if existing {
		reg, err := client.Registration.ResolveAccountByKey()
		if err == nil {
			log.Debug("Using existing ACME account", "uri", reg.URI)
			acct.reg = reg
			return client, nil
		}
		log.Warn("ACME account not found for key, registering", "path", cfg.AccountKey, "err", err)
	}

	reg, err := client.Registration.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
	if err != nil {
		return nil, fmt.Errorf("failed to register account: %w", err)
	}
	log.Info("Registered ACME account", "email", cfg.Email, "uri", reg.URI)
	acct.reg = reg

	return client, nil
}

// loadAccountKey reads the account key at path, creating it when missing.
// existing reports whether the key was already on disk.
func loadAccountKey(path string) (key crypto.PrivateKey, existing bool, err error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			key, err := certcrypto.ParsePEMPrivateKey(data)
			if err != nil {
				return nil, false, fmt.Errorf("failed to parse account key %s: %w", path, err)
			}
			return key, true, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, false, fmt.Errorf("failed to read account key: %w", err)
		}
	}

	key, err = certcrypto.GeneratePrivateKey(certcrypto.EC256)
	if err != nil {
		return nil, false, fmt.Errorf("failed to generate account key: %w", err)
	}
	if path == "" {
		return key, false, nil
	}

	if err := writer.WriteFile(path, certcrypto.PEMEncode(key), 0600); err != nil {
		return nil, false, fmt.Errorf("failed to save account key: %w", err)
	}
	log.Info("Created ACME account key", "path", path)
	return key, false, nil
}

// Issue obtains one certificate covering every domain of req, primary
// domain first
func (m *Manager) Issue(req service.CertRequest) error {
	log.Info("Requesting certificate", "domains", req.Domains, "container", req.Container, "staging", m.config.Staging)
	request := certificate.ObtainRequest{
		Domains: req.Domains,
		Bundle:  true,
	}

	res, err := m.client.Certificate.Obtain(request)
	if err != nil {
		return fmt.Errorf("failed to obtain certificate for %v: %w", req.Domains, err)
	}

	return Save(req.Paths, res)
}

// RetryAfter reports when a rate limited request may be retried, if the
// ACME error names a time. Otherwise it suggests an hour from now.
func RetryAfter(err error) (time.Time, bool) {
	errStr := err.Error()
	if _, after, ok := strings.Cut(errStr, "retry after"); ok {
		timeStr, _, _ := strings.Cut(after, "UTC")
		retryTime, err := time.Parse("2006-01-02 15:04:05", strings.TrimSpace(timeStr))
		if err == nil {
			return retryTime, true
		}
	}
	return time.Now().Add(1 * time.Hour), false
}

// Save writes the certificate bundle, issuer chain and private key to paths.
// The certificate is written last since its presence marks the set ready.
func Save(paths service.CertPaths, res *certificate.Resource) error {
	leaf, err := certcrypto.ParsePEMCertificate(res.Certificate)
	if err != nil {
		return fmt.Errorf("failed to parse certificate: %w", err)
	}

	if err := writer.WriteFile(paths.CertificateKey, res.PrivateKey, 0600); err != nil {
		return fmt.Errorf("failed to save private key: %w", err)
	}

	chain := res.IssuerCertificate
	if len(chain) == 0 {
		chain = res.Certificate
	}
	if err := writer.WriteFile(paths.TrustedCertificate, chain, 0644); err != nil {
		return fmt.Errorf("failed to save trusted certificate: %w", err)
	}

	if err := writer.WriteFile(paths.Certificate, res.Certificate, 0644); err != nil {
		return fmt.Errorf("failed to save certificate: %w", err)
	}

	log.Info("Saved certificate", "domain", res.Domain, "path", paths.Certificate, "expiry", leaf.NotAfter)
	return nil
}

// account implements registration.User
type account struct {
	email string
	reg   *registration.Resource
	key   crypto.PrivateKey
}

func (a *account) GetEmail() string {
	return a.email
}

func (a *account) GetRegistration() *registration.Resource {
	return a.reg
}

func (a *account) GetPrivateKey() crypto.PrivateKey {
	return a.key
}
