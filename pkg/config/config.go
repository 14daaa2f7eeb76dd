package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/abcdlsj/vhostsync/pkg/service"
	"github.com/abcdlsj/vhostsync/pkg/source"
	"github.com/abcdlsj/vhostsync/pkg/source/docker"
	"github.com/abcdlsj/vhostsync/pkg/source/etcd"
)

const (
	SourceEtcd   = "etcd"
	SourceDocker = "docker"

	envPrefix = "VHOSTSYNC"
)

// Config represents the application configuration
type Config struct {
	Name          string           `mapstructure:"name" yaml:"name"` // Display name of this docker host, informational only
	Source        string           `mapstructure:"source" yaml:"source"`
	Etcd          etcd.Config      `mapstructure:"etcd" yaml:"etcd"`
	Docker        docker.Config    `mapstructure:"docker" yaml:"docker"`
	Labels        source.LabelKeys `mapstructure:"labels" yaml:"labels"`
	Certs         CertsConfig      `mapstructure:"certs" yaml:"certs"`
	Network       string           `mapstructure:"network" yaml:"network,omitempty"` // Preferred network for upstream addresses
	Template      string           `mapstructure:"template" yaml:"template"`
	Output        string           `mapstructure:"output" yaml:"output"`
	WatchTemplate bool             `mapstructure:"watch_template" yaml:"watch_template"`
	MinInterval   time.Duration    `mapstructure:"min_interval" yaml:"min_interval"` // Minimum time between rebuilds, 0 disables
	ACME          ACMEConfig       `mapstructure:"acme" yaml:"acme,omitempty"`
	LogLevel      string           `mapstructure:"log_level" yaml:"log_level"`
}

// CertsConfig holds certificate path templates. Each contains one %s that is
// replaced by the container's primary domain.
type CertsConfig struct {
	Trusted     string `mapstructure:"trusted" yaml:"trusted"`
	Certificate string `mapstructure:"certificate" yaml:"certificate"`
	Key         string `mapstructure:"key" yaml:"key"`
}

// ACMEConfig represents the settings for `vhostsync issue`
type ACMEConfig struct {
	Email      string           `mapstructure:"email" yaml:"email"`
	Staging    bool             `mapstructure:"staging" yaml:"staging,omitempty"` // Use Let's Encrypt staging environment
	AccountKey string           `mapstructure:"account_key" yaml:"account_key"`   // ACME account key, created on first use
	Cloudflare CloudflareConfig `mapstructure:"cloudflare" yaml:"cloudflare"`
}

// CloudflareConfig represents Cloudflare-specific configuration
type CloudflareConfig struct {
	APIToken string `mapstructure:"api_token" yaml:"api_token"`
}

// flagKeys maps command line flags to config keys
var flagKeys = map[string]string{
	"name":              "name",
	"source":            "source",
	"etcd-host":         "etcd:host",
	"etcd-port":         "etcd:port",
	"etcd-prefix":       "etcd:prefix",
	"docker-socket":     "docker:socket",
	"trusted-cert-path": "certs:trusted",
	"cert-path":         "certs:certificate",
	"cert-key-path":     "certs:key",
	"network":           "network",
	"template":          "template",
	"output":            "output",
	"min-interval":      "min_interval",
	"log-level":         "log_level",
}

func setDefaults(v *viper.Viper) {
	labels := source.DefaultLabelKeys()

	v.SetDefault("name", "unknown")
	v.SetDefault("source", SourceEtcd)
	v.SetDefault("etcd:host", "etcd")
	v.SetDefault("etcd:port", 2379)
	v.SetDefault("etcd:prefix", "/docker")
	v.SetDefault("etcd:dial_timeout", 5*time.Second)
	v.SetDefault("docker:socket", "")
	v.SetDefault("labels:proxy", labels.Proxy)
	v.SetDefault("labels:vhost", labels.Vhost)
	v.SetDefault("labels:protocol", labels.Protocol)
	v.SetDefault("labels:loadbalance", labels.LoadBalance)
	v.SetDefault("labels:default", labels.Default)
	v.SetDefault("certs:trusted", "/letsencrypt/certs/%s/chain.pem")
	v.SetDefault("certs:certificate", "/letsencrypt/certs/%s/fullchain.pem")
	v.SetDefault("certs:key", "/letsencrypt/certs/%s/privkey.pem")
	v.SetDefault("network", "")
	v.SetDefault("template", "/nginx.tpl")
	v.SetDefault("output", "/nginx-config/vhosts.conf")
	v.SetDefault("watch_template", true)
	v.SetDefault("min_interval", time.Second)
	v.SetDefault("acme:email", "admin@example.com")
	v.SetDefault("acme:staging", false)
	v.SetDefault("acme:account_key", "/letsencrypt/account.key")
	v.SetDefault("acme:cloudflare:api_token", "")
	v.SetDefault("log_level", "info")
}

// Load reads the configuration from cfgFile (or the default locations when
// empty), the environment and the given flags. A missing default config
// file is not an error.
func Load(cfgFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.NewWithOptions(viper.KeyDelimiter(":"))

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		// Default config locations
		v.AddConfigPath("/etc/vhostsync")
		v.AddConfigPath("$HOME/.vhostsync")
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName("config")
	}

	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(":", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("error binding flag %s: %v", name, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %v", err)
		}
		log.Debug("No config file found, using defaults")
	} else {
		log.Info("Using config file", "path", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings the generator cannot run without
func (c *Config) Validate() error {
	switch c.Source {
	case SourceEtcd, SourceDocker:
	default:
		return fmt.Errorf("unknown source %q (want %s or %s)", c.Source, SourceEtcd, SourceDocker)
	}

	for name, tmpl := range map[string]string{
		"certs:trusted":     c.Certs.Trusted,
		"certs:certificate": c.Certs.Certificate,
		"certs:key":         c.Certs.Key,
	} {
		if !strings.Contains(tmpl, service.Placeholder) {
			return fmt.Errorf("%s %q must contain %s for the domain name", name, tmpl, service.Placeholder)
		}
	}

	if c.MinInterval < 0 {
		return fmt.Errorf("min_interval %s must not be negative", c.MinInterval)
	}

	if c.Labels.Proxy == "" || c.Labels.Vhost == "" {
		return errors.New("labels:proxy and labels:vhost must be set")
	}
	return nil
}

// CertPaths returns the certificate path templates for the reconciler
func (c *Config) CertPaths() service.CertPaths {
	return service.CertPaths{
		Certificate:        c.Certs.Certificate,
		TrustedCertificate: c.Certs.Trusted,
		CertificateKey:     c.Certs.Key,
	}
}

// Selector returns the endpoint selection policy
func (c *Config) Selector() service.EndpointSelector {
	if c.Network != "" {
		return service.PreferNetwork(c.Network)
	}
	return service.FirstNetwork
}

// Redacted returns a copy of c that is safe to print
func (c *Config) Redacted() Config {
	out := *c
	if out.ACME.Cloudflare.APIToken != "" {
		out.ACME.Cloudflare.APIToken = "REDACTED"
	}
	return out
}

// Marshal renders the configuration as YAML, in the config file layout
func (c *Config) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("error marshaling config: %v", err)
	}
	return data, nil
}
