// Package cli implements the b2fs command line. Every command mounts the
// bucket named by its b2:// argument, drives the same host-call surface a
// filesystem binding would, and unmounts.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Environment variables holding the account key pair.
const (
	EnvKeyID = "B2_APPLICATION_KEY_ID"
	EnvKey   = "B2_APPLICATION_KEY"
)

type globalFlags struct {
	configFile  string
	metricsAddr string
	cacheRoot   string
	logLevel    string
}

// NewRootCommand builds the b2fs command tree.
func NewRootCommand() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:   "b2fs",
		Short: "Browse and edit a B2 bucket as a filesystem",
		Long: `
b2fs presents a flat B2 bucket as a directory tree. Keys containing "/"
become nested directories; zero-length "dir/" objects are directory
markers.

Credentials come from ` + EnvKeyID + ` and ` + EnvKey + `. Other
settings come from --config and B2FS_* environment variables.

    b2fs ls -l b2://photos/2024
    echo hello | b2fs put - b2://photos/notes/hello.txt
`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configFile, "config", "", "YAML configuration file")
	pf.StringVar(&flags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")
	pf.StringVar(&flags.cacheRoot, "cache-root", "", "directory for the content cache and staging files")
	pf.StringVar(&flags.logLevel, "log-level", "", "DEBUG, INFO, WARN or ERROR")

	root.AddCommand(
		newLsCommand(flags),
		newStatCommand(flags),
		newCatCommand(flags),
		newPutCommand(flags),
		newRmCommand(flags),
		newMvCommand(flags),
		newMkdirCommand(flags),
	)
	return root
}

// Execute runs the command line and returns the process exit code.
func Execute(ctx context.Context) int {
	root := NewRootCommand()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "b2fs: %v\n", err)
		return 1
	}
	return 0
}
