/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package cli implements the secureshare-worker command line.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/secureshare/secureshare/internal/app"
	"github.com/secureshare/secureshare/internal/buildinfo"
)

// NewRootCommand creates the root command with all subcommands. Output goes to out.
func NewRootCommand(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "secureshare-worker",
		Short:         "SecureShare background jobs and rate limiting service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.SetErr(out)

	root.AddCommand(
		newServeCommand(),
		newVersionCommand(),
		newConfigDefaultsCommand(),
		newJobsCommand(),
		newQueueCommand(),
		newRateLimitCommand(),
		newSchedulesCommand(),
	)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			w := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(w, "secureshare-worker %s\n", buildinfo.Version())
			_, _ = fmt.Fprintf(w, "  commit:     %s\n", buildinfo.Commit())
			_, _ = fmt.Fprintf(w, "  go version: %s\n", runtime.Version())
		},
	}
}

func newConfigDefaultsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config-defaults",
		Short: "Print the default configuration in YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := app.DefaultConfigYAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
