package cmd

import (
	"github.com/spf13/cobra"
)

var toStdout bool

var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "Render the configuration once",
	Long:  `Fetch the current metadata, render the configuration once and write it (or print it with --stdout).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		l, closeSrc, err := newLoop(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer closeSrc()

		if !toStdout {
			return l.RunOnce(cmd.Context())
		}

		out, err := l.Render(cmd.Context())
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

func init() {
	rootCmd.AddCommand(renderCmd)
	renderCmd.Flags().BoolVar(&toStdout, "stdout", false, "Print the configuration instead of writing it")
}
