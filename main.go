package main

import (
	"os"

	"github.com/charmbracelet/log"

	"github.com/abcdlsj/vhostsync/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Error("Error executing command", "err", err)
		os.Exit(1)
	}
}
