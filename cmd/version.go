package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Version is set at build time
var Version = "dev"

// BuildInfo contains information about the build
var BuildInfo struct {
	GitCommit string
	BuildTime string
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Display version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Version:    %s\n", Version)
		fmt.Fprintf(out, "Git Commit: %s\n", BuildInfo.GitCommit)
		fmt.Fprintf(out, "Built:      %s\n", BuildInfo.BuildTime)
		fmt.Fprintf(out, "Go Version: %s\n", runtime.Version())
		fmt.Fprintf(out, "OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
