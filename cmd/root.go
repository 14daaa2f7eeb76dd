package cmd

import (
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/abcdlsj/vhostsync/pkg/config"
)

var (
	cfgFile string
	cfg     *config.Config
	rootCmd = &cobra.Command{
		Use:   "vhostsync",
		Short: "Keep reverse proxy vhosts in sync with container labels",
		Long: `vhostsync watches container labels and network addresses published to etcd
(or read from the local Docker daemon), groups proxied containers into
services, and renders them through a template into the proxy's vhost file.
Containers are only included once their certificate exists on disk.`,
		SilenceUsage:      true,
		PersistentPreRunE: initConfig,
		RunE:              runLoop,
	}
)

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Configure logger
	log.SetReportTimestamp(true)
	log.SetTimeFormat("2006-01-02 15:04:05")

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is /etc/vhostsync/config.yaml)")
	pf.String("name", "unknown", "Name of the docker host, informational only")
	pf.String("source", config.SourceEtcd, "Metadata source: etcd or docker")
	pf.String("etcd-host", "etcd", "Host to connect to etcd on")
	pf.Int("etcd-port", 2379, "Port to connect to etcd on")
	pf.String("etcd-prefix", "/docker", "Prefix to use when retrieving keys from etcd")
	pf.String("docker-socket", "", "Docker socket path (default from DOCKER_HOST)")
	pf.String("trusted-cert-path", "/letsencrypt/certs/%s/chain.pem", `Path to use for trusted CA certificate. Use "%s" for hostname`)
	pf.String("cert-path", "/letsencrypt/certs/%s/fullchain.pem", `Path to use for certificates. Use "%s" for hostname`)
	pf.String("cert-key-path", "/letsencrypt/certs/%s/privkey.pem", `Path to use for certificate private keys. Use "%s" for hostname`)
	pf.String("network", "", "Preferred container network for upstream addresses (default: first by name)")
	pf.String("template", "/nginx.tpl", "Template used to render the configuration")
	pf.String("output", "/nginx-config/vhosts.conf", "File the rendered configuration is written to")
	pf.Duration("min-interval", time.Second, "Minimum time between rebuilds (0 disables)")
	pf.String("log-level", "info", "Log level: debug, info, warn or error")
}

func initConfig(cmd *cobra.Command, args []string) error {
	c, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %v", c.LogLevel, err)
	}
	log.SetLevel(level)

	cfg = c
	return nil
}
