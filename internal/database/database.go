package database

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/crdt"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	sqlitePragmas = "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
)

var projectIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,62}$`)

// Config selects the store backing every project.
type Config struct {
	Driver       string
	DataDir      string
	DSN          string
	MaxOpenConns int
}

// ValidateProjectID rejects identifiers that cannot name a file or schema safely.
func ValidateProjectID(projectID string) error {
	if !projectIDPattern.MatchString(projectID) {
		return fmt.Errorf("invalid project id %q", projectID)
	}
	return nil
}

// OpenProject opens the isolated store of one project and migrates it: a SQLite file per
// project, or a Postgres schema per project.
func OpenProject(cfg Config, projectID string, log *zap.Logger) (*gorm.DB, error) {
	if err := ValidateProjectID(projectID); err != nil {
		return nil, err
	}
	switch cfg.Driver {
	case "", DriverSQLite:
		if strings.TrimSpace(cfg.DataDir) == "" {
			return nil, fmt.Errorf("database data dir is required")
		}
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, err
		}
		return OpenSQLite(filepath.Join(cfg.DataDir, projectID+".sqlite"), cfg.MaxOpenConns, log)
	case DriverPostgres:
		return OpenPostgres(cfg.DSN, "project_"+strings.ReplaceAll(projectID, "-", "_"), cfg.MaxOpenConns, log)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, maxOpenConns int, log *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path+sqlitePragmas), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if maxOpenConns <= 0 {
		maxOpenConns = 1
	}
	sqlDB.SetMaxOpenConns(maxOpenConns)

	if err := migrate(db, log); err != nil {
		return nil, err
	}
	if log != nil {
		log.Info("database initialized", zap.String("driver", DriverSQLite), zap.String("path", path))
	}
	return db, nil
}

// OpenPostgres creates the project schema when missing and pins the connection's search path to it.
func OpenPostgres(dsn, schema string, maxOpenConns int, log *zap.Logger) (*gorm.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("database dsn is required")
	}

	bootstrap, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}
	createErr := bootstrap.Exec(fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS "%s"`, schema)).Error
	if sqlDB, err := bootstrap.DB(); err == nil {
		_ = sqlDB.Close()
	}
	if createErr != nil {
		return nil, createErr
	}

	scopedDSN, err := withSearchPath(dsn, schema)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(postgres.Open(scopedDSN), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}
	if maxOpenConns > 0 {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(maxOpenConns)
	}

	if err := migrate(db, log); err != nil {
		return nil, err
	}
	if log != nil {
		log.Info("database initialized", zap.String("driver", DriverPostgres), zap.String("schema", schema))
	}
	return db, nil
}

func withSearchPath(dsn, schema string) (string, error) {
	if strings.Contains(dsn, "://") {
		parsed, err := url.Parse(dsn)
		if err != nil {
			return "", err
		}
		query := parsed.Query()
		query.Set("search_path", schema)
		parsed.RawQuery = query.Encode()
		return parsed.String(), nil
	}
	return strings.TrimSpace(dsn) + " search_path=" + schema, nil
}

func migrate(db *gorm.DB, log *zap.Logger) error {
	models := append(crdt.Models(), &migrationRecord{})
	if err := db.AutoMigrate(models...); err != nil {
		return err
	}
	return applyMigrations(db, log)
}
