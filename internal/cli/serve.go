/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/secureshare/secureshare/internal/app"
	"github.com/secureshare/secureshare/internal/buildinfo"
	"github.com/secureshare/secureshare/log"
	"github.com/secureshare/secureshare/service"
)

func newServeCommand() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the job dispatcher, the scheduler and the management API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			logger, closeLogger := log.NewLogger(cfg.Log)
			defer closeLogger()

			logger.Info("starting secureshare-worker", log.String("version", buildinfo.Version()), log.String("commit", buildinfo.Commit()))
			a, err := app.New(cmd.Context(), cfg, logger, app.Opts{})
			if err != nil {
				logger.Error("failed to initialize service", log.Error(err))
				return fmt.Errorf("initialize service: %w", err)
			}
			if err = service.New(logger, a).StartContext(cmd.Context()); err != nil {
				return err
			}
			logger.Info("secureshare-worker stopped")
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to the YAML or JSON configuration file")
	return cmd
}
