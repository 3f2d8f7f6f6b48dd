package gorm

import (
	"strings"

	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// runMigrations runs all database migrations using gormigrate.
func runMigrations(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		// Migration 001: stacks, cards (first-release columns), chat history
		{
			ID: "001_workspace_base",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&Stack{}); err != nil {
					return err
				}
				sqls := []string{
					`CREATE TABLE IF NOT EXISTS cards (
						id TEXT PRIMARY KEY,
						stack_id TEXT NOT NULL REFERENCES stacks(id),
						title TEXT NOT NULL,
						blocks TEXT NOT NULL DEFAULT '[]',
						size TEXT NOT NULL DEFAULT 'medium',
						position_x REAL NOT NULL DEFAULT 0,
						position_y REAL NOT NULL DEFAULT 0,
						z_index INTEGER NOT NULL DEFAULT 0,
						status TEXT NOT NULL DEFAULT 'active',
						created_at INTEGER NOT NULL,
						updated_at INTEGER NOT NULL,
						archived_at INTEGER
					)`,
					`CREATE INDEX IF NOT EXISTS idx_cards_stack_id ON cards(stack_id)`,
					`CREATE INDEX IF NOT EXISTS idx_cards_status ON cards(status)`,
				}
				for _, s := range sqls {
					if err := tx.Exec(s).Error; err != nil {
						return err
					}
				}
				return tx.AutoMigrate(&ChatMessage{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("chat_messages", "cards", "stacks")
			},
		},

		// Migration 002: uploaded documents
		{
			ID: "002_documents",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&Document{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("documents")
			},
		},
	})

	return m.Migrate()
}

// lateColumns were added after databases already existed in the field.
var lateColumns = []string{
	`ALTER TABLE cards ADD COLUMN card_type TEXT`,
	`ALTER TABLE cards ADD COLUMN headers TEXT`,
	`ALTER TABLE cards ADD COLUMN preview_rows TEXT`,
}

// ensureColumns applies lateColumns on every open, swallowing only
// "duplicate column" errors.
func ensureColumns(db *gorm.DB) error {
	for _, stmt := range lateColumns {
		if err := db.Exec(stmt).Error; err != nil && !isDuplicateColumn(err) {
			return err
		}
	}
	return nil
}

func isDuplicateColumn(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "duplicate column")
}
