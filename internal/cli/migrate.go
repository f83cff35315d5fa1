package cli

import (
	"fmt"

	"github.com/BartekS5/pagesync/internal/config"
	"github.com/spf13/cobra"
)

// NewMigrateCmd prepares the job store and, for each --source, the target
// table or index of the configured loader.
func NewMigrateCmd(root *rootOptions) *cobra.Command {
	var sources []string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the job store schema and loader targets",
		RunE: func(c *cobra.Command, args []string) error {
			a, err := newApp(c.Context(), root)
			if err != nil {
				return err
			}
			defer a.close()

			for _, name := range sources {
				mapping, err := config.LoadMapping(a.cfg.MappingPath(name))
				if err != nil {
					return err
				}
				_, closeLoader, err := a.openLoader(c.Context(), mapping)
				if err != nil {
					return fmt.Errorf("prepare loader for %s: %w", name, err)
				}
				_ = closeLoader()
				a.logger.Info().Str("source", name).Str("driver", a.cfg.Load.Driver).Msg("loader target ready")
			}

			a.logger.Info().Str("store", a.cfg.Store.Driver).Msg("migration finished successfully")
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&sources, "source", "s", nil, "Mapping names whose loader targets to create")
	return cmd
}
