package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/crdt"
	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/remote"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type syncReport struct {
	Project string            `yaml:"project"`
	Remote  string            `yaml:"remote"`
	Pulled  crdt.AddResult    `yaml:"pulled"`
	Pushed  crdt.AddResult    `yaml:"pushed"`
	State   map[string]string `yaml:"state,omitempty"`
}

func newSyncCommand(app *application) *cobra.Command {
	var (
		remotes []string
		token   string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "sync <project>",
		Short: "Exchange missing commits between the local project and one or more remote servers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(remotes) == 0 {
				return fmt.Errorf("at least one --remote is required")
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

			projectID := args[0]
			local, err := registry.Get(projectID)
			if err != nil {
				return err
			}

			httpClient := &http.Client{Timeout: timeout}
			peers := make([]crdt.Syncable, 0, len(remotes))
			for _, baseURL := range remotes {
				client, err := remote.NewClient(remote.Config{
					BaseURL:       baseURL,
					ProjectID:     projectID,
					Token:         token,
					HTTPClient:    httpClient,
					PushBatchSize: appConfig.BatchCommitLimit,
					Logger:        logger,
				})
				if err != nil {
					return err
				}
				peers = append(peers, client)
			}

			results, err := crdt.SyncMany(cmd.Context(), local, peers...)
			if err != nil {
				return err
			}
			for index, result := range results {
				// SyncMany visits every remote, then revisits all but the last.
				remoteURL := remotes[index%len(remotes)]
				logger.Info("sync finished",
					zap.String("project_id", projectID),
					zap.String("remote", remoteURL),
					zap.Int("pulled", result.Pulled.Added),
					zap.Int("pushed", result.Pushed.Added),
				)
				if err := writeYAML(cmd.OutOrStdout(), syncReport{Project: projectID, Remote: remoteURL, Pulled: result.Pulled, Pushed: result.Pushed}); err != nil {
					return err
				}
			}

			state, err := local.GetSyncState(cmd.Context())
			if err != nil {
				return err
			}
			summary := make(map[string]string, len(state))
			for replica, timestamp := range state {
				summary[replica.String()] = fmt.Sprintf("%d/%d", timestamp.Wall, timestamp.Counter)
			}
			return writeYAML(cmd.OutOrStdout(), syncReport{Project: projectID, Remote: "local", State: summary})
		},
	}
	cmd.Flags().StringSliceVar(&remotes, "remote", nil, "Base URL of a remote lexisync server (repeatable)")
	cmd.Flags().StringVar(&token, "token", "", "Bearer token presented to the remotes")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "Per-request timeout")
	return cmd
}
