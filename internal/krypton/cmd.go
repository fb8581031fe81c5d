// Package krypton is the entry point for the krypton binary.
package krypton

import (
	"github.com/argon-foss/krypton/internal/cmd/root"
	"github.com/argon-foss/krypton/internal/logger"
)

// Build-time variables injected via ldflags.
var (
	Version = "dev"
	Commit  = "none"
)

// Main runs the root command and returns the process exit code.
func Main() int {
	// Ensure buffered log lines reach the file on exit.
	defer logger.CloseFileWriter()

	rootCmd := root.NewCmdRoot(Version, Commit)
	if err := rootCmd.Execute(); err != nil {
		return 1
	}

	return 0
}
