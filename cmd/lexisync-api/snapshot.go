package main

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/lexicon"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newSnapshotCommand(app *application) *cobra.Command {
	var (
		commitFlag string
		format     string
	)
	cmd := &cobra.Command{
		Use:   "snapshot <project>",
		Short: "Print the project's current state, or its state as of a commit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != formatJSON && format != formatYAML {
				return fmt.Errorf("unsupported format %q", format)
			}
			appConfig, logger, err := app.load()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			registry, err := openRegistry(appConfig, logger, nil)
			if err != nil {
				return err
			}
			defer registry.Close()

			project, err := registry.Get(args[0])
			if err != nil {
				return err
			}

			var snapshot lexicon.ProjectSnapshot
			if commitFlag == "" {
				snapshot, err = project.ProjectSnapshot(cmd.Context())
				if err != nil {
					return err
				}
			} else {
				commitID, err := uuid.Parse(commitFlag)
				if err != nil {
					return fmt.Errorf("invalid commit id: %w", err)
				}
				var found bool
				snapshot, found, err = project.SnapshotAtCommit(cmd.Context(), commitID)
				if err != nil {
					return err
				}
				if !found {
					return fmt.Errorf("commit %s not found in project %s", commitID, args[0])
				}
			}
			return writeDocument(cmd.OutOrStdout(), format, snapshot)
		},
	}
	cmd.Flags().StringVar(&commitFlag, "commit", "", "Render the project as of this commit id")
	cmd.Flags().StringVar(&format, "format", formatJSON, "Output format (json, yaml)")
	return cmd
}
