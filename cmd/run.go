package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/abcdlsj/vhostsync/internal/loop"
	"github.com/abcdlsj/vhostsync/pkg/render"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Watch for changes and keep the configuration up to date",
	Long: `Render the configuration, then re-render it every time the metadata
source reports a change (or the template is edited). Runs until interrupted.`,
	RunE: runLoop,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runLoop(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("Starting vhostsync", "name", cfg.Name, "source", cfg.Source, "template", cfg.Template, "output", cfg.Output)

	opts := []loop.Option{loop.WithMinInterval(cfg.MinInterval)}
	if cfg.WatchTemplate {
		w, err := render.Watch(ctx, cfg.Template)
		if err != nil {
			log.Warn("Failed to watch template, edits need a restart", "path", cfg.Template, "err", err)
		} else {
			defer w.Close()
			opts = append(opts, loop.WithTrigger(w.Changes()))
		}
	}

	l, closeSrc, err := newLoop(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	defer closeSrc()

	if err := l.Run(ctx); err != nil {
		return err
	}
	log.Info("Shutting down")
	return nil
}
