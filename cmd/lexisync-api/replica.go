package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/config"
	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/database"
	"github.com/google/uuid"
)

const replicaIDFile = "replica-id"

// resolveReplicaID returns the configured replica id, or the one persisted in the data
// directory, creating it on first use.
func resolveReplicaID(appConfig config.AppConfig) (uuid.UUID, error) {
	if appConfig.ReplicaID != uuid.Nil {
		return appConfig.ReplicaID, nil
	}
	if appConfig.DatabaseDriver != database.DriverSQLite {
		return uuid.Nil, fmt.Errorf("replica.id is required for the %s driver", appConfig.DatabaseDriver)
	}

	path := filepath.Join(appConfig.DatabaseDataDir, replicaIDFile)
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		replicaID, parseErr := uuid.Parse(strings.TrimSpace(string(raw)))
		if parseErr != nil {
			return uuid.Nil, fmt.Errorf("%s: %w", path, parseErr)
		}
		return replicaID, nil
	case !errors.Is(err, fs.ErrNotExist):
		return uuid.Nil, err
	}

	replicaID, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, err
	}
	if err := os.MkdirAll(appConfig.DatabaseDataDir, 0o755); err != nil {
		return uuid.Nil, err
	}
	if err := os.WriteFile(path, []byte(replicaID.String()+"\n"), 0o644); err != nil {
		return uuid.Nil, err
	}
	return replicaID, nil
}
