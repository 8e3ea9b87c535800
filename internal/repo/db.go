// Package repo implements the data persistence layer for stored statuses,
// notifications and settings, backed by GORM. This file contains database
// bootstrapping helpers for SQLite (pure Go driver), schema migrations and the
// schema version marker.
package repo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/tbourn/fedi-timeline-sync/internal/domain"
)

// SchemaVersion is the version stamped into schema_meta by AutoMigrate.
const SchemaVersion = 1

// ErrSchemaTooNew is returned when the database was written by a newer build.
var ErrSchemaTooNew = errors.New("database schema is newer than this build")

// OpenSQLite opens (or creates) a SQLite database, applies PRAGMAs and
// installs the OpenTelemetry tracing plugin.
func OpenSQLite(path string) (*gorm.DB, error) {
	// Fail early if parent directory does not exist (instead of sqlite "out of memory (14)" on Windows).
	if dir := filepath.Dir(path); dir != "." {
		if _, err := os.Stat(dir); err != nil {
			return nil, err
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.Use(tracing.NewPlugin()); err != nil {
		return nil, fmt.Errorf("install tracing plugin: %w", err)
	}

	// PRAGMAs
	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")
	db.Exec("PRAGMA foreign_keys=ON;")
	db.Exec("PRAGMA busy_timeout=5000;")

	// Pool
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetConnMaxIdleTime(5 * time.Minute)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}

	return db, nil
}

// AutoMigrate creates or updates every table and index and stamps the schema
// version. It refuses to touch a database stamped by a newer build.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&domain.SchemaMeta{}); err != nil {
		return err
	}
	current, err := ReadSchemaVersion(context.Background(), db)
	if err != nil {
		return err
	}
	if current > SchemaVersion {
		return fmt.Errorf("%w: have %d, support %d", ErrSchemaTooNew, current, SchemaVersion)
	}
	if err := db.AutoMigrate(
		&domain.StoredStatus{},
		&domain.StatusMembership{},
		&domain.StatusTag{},
		&domain.StoredNotification{},
		&domain.Setting{},
	); err != nil {
		return err
	}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"version"}),
	}).Create(&domain.SchemaMeta{ID: 1, Version: SchemaVersion}).Error
}

// ReadSchemaVersion returns the stamped schema version, or 0 for a fresh
// database.
func ReadSchemaVersion(ctx context.Context, db *gorm.DB) (int, error) {
	var meta domain.SchemaMeta
	err := db.WithContext(ctx).Where("id = ?", 1).Limit(1).Find(&meta).Error
	if err != nil {
		return 0, err
	}
	return meta.Version, nil
}
