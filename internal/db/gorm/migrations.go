package gorm

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// runMigrations runs all database migrations using gormigrate.
func runMigrations(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		// Migration 001: Prompt records
		{
			ID: "001_prompts",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&Prompt{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("prompts")
			},
		},

		// Migration 002: Analysis results
		{
			ID: "002_analyses",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&Analysis{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("analyses")
			},
		},
	})

	return m.Migrate()
}
