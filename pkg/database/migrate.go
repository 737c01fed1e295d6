package database

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Migrate creates missing tables and adds missing columns and indexes for
// models. It never drops anything.
func Migrate(db *gorm.DB, models ...any) error {
	missing, err := MissingTables(db, models...)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(models...); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	log.Info().
		Int("models", len(models)).
		Strs("created", missing).
		Msg("Database schema migrated")
	return nil
}

// MissingTables returns the table names of models that do not exist yet
func MissingTables(db *gorm.DB, models ...any) ([]string, error) {
	var missing []string
	for _, model := range models {
		stmt := &gorm.Statement{DB: db}
		if err := stmt.Parse(model); err != nil {
			return nil, fmt.Errorf("failed to parse model %T: %w", model, err)
		}
		if !db.Migrator().HasTable(stmt.Schema.Table) {
			missing = append(missing, stmt.Schema.Table)
		}
	}
	return missing, nil
}
