package cmd

import (
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long:  `Print the configuration after merging the config file, environment and flags. Secrets are redacted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c := cfg.Redacted()
		data, err := c.Marshal()
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}
