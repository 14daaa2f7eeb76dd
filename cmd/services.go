package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var servicesCmd = &cobra.Command{
	Use:   "services",
	Short: "List the services that would be rendered",
	Long:  `Fetch the current metadata and list the resulting service groups without rendering.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		l, closeSrc, err := newLoop(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer closeSrc()

		services, err := l.Services(cmd.Context())
		if err != nil {
			return err
		}
		if len(services) == 0 {
			fmt.Println("No services found")
			return nil
		}

		fmt.Println("Service -> Vhosts -> Upstreams")
		fmt.Println("------------------------------")
		for _, s := range services {
			upstreams := make([]string, 0, len(s.Upstreams))
			for _, u := range s.Upstreams {
				upstreams = append(upstreams, u.Host+":"+u.Port)
			}
			def := ""
			if s.Default {
				def = " (default)"
			}
			fmt.Printf("%s%s -> %s -> %s://%s\n", s.Key, def,
				strings.Join(s.Vhosts, ","), s.Protocol, strings.Join(upstreams, ","))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(servicesCmd)
}
