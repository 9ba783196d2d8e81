package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/relaywire/relaywire/cmd/relaywire/internal/engine"
	"github.com/relaywire/relaywire/cmd/relaywire/internal/version"
)

func NewRelaywireCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "relaywire",
		Short:   "relaywire - multi-tenant message relay engine",
		Example: "relaywire engine --config relaywire.json",
	}

	cmd.AddCommand(
		engine.NewEngineCommand(),
		version.NewVersionCommand(),
	)

	return cmd
}

func main() {
	cmd := NewRelaywireCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
