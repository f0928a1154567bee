package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tinyrange/devicemodel/internal/hv/hsm"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("devicemodel %s (hsm api %s)\n", version, hsm.MinAPIVersion)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
