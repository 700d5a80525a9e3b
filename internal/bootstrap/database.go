package bootstrap

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/jonesrussell/north-cloud/node-index/internal/config"
	"github.com/jonesrussell/north-cloud/node-index/internal/database"
)

// DatabaseComponents holds the connection and repositories.
type DatabaseComponents struct {
	DB      *sqlx.DB
	Entries *database.EntryRepository
	Events  *database.EventRepository
}

// SetupDatabase connects to PostgreSQL and creates the repositories.
func SetupDatabase(cfg *config.Config) (*DatabaseComponents, error) {
	db, err := database.NewPostgresConnection(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("database connection: %w", err)
	}
	return &DatabaseComponents{
		DB:      db,
		Entries: database.NewEntryRepository(db),
		Events:  database.NewEventRepository(db),
	}, nil
}
