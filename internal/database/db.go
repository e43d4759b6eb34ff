package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
	"github.com/uptrace/bun/extra/bundebug"
)

// BunDB wraps bun.DB and provides repository access
type BunDB struct {
	db *bun.DB

	// Repositories
	Users       UserRepository
	Machines    MachineRepository
	Allocations AllocationRepository
	Telemetries TelemetryRepository
	Metrics     MetricRepository
}

// Option is a functional option for configuring the database
type Option func(*BunDB)

// WithDebug enables query logging for debugging
func WithDebug(enabled bool) Option {
	return func(db *BunDB) {
		if enabled {
			db.db.AddQueryHook(bundebug.NewQueryHook(
				bundebug.WithVerbose(true),
			))
			log.Info().Msg("Bun query logging enabled")
		}
	}
}

// New creates a new Bun-based database connection
func New(dbPath string, opts ...Option) (*BunDB, error) {
	// Open SQLite connection using sqliteshim (compatible with modernc.org/sqlite)
	sqldb, err := sql.Open(sqliteshim.ShimName, dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create Bun DB with SQLite dialect
	db := bun.NewDB(sqldb, sqlitedialect.New())

	bunDB := &BunDB{
		db: db,
	}

	// Apply options
	for _, opt := range opts {
		opt(bunDB)
	}

	// Initialize repositories
	bunDB.Users = NewUserRepository(db)
	bunDB.Machines = NewMachineRepository(db)
	bunDB.Allocations = NewAllocationRepository(db)
	bunDB.Telemetries = NewTelemetryRepository(db)
	bunDB.Metrics = NewMetricRepository(db)

	// Run migrations
	if err := bunDB.Migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	log.Info().Str("path", dbPath).Msg("Bun database initialized successfully")
	return bunDB, nil
}

// Close closes the database connection
func (db *BunDB) Close() error {
	return db.db.Close()
}

// DB returns the underlying bun.DB instance for advanced operations
func (db *BunDB) DB() *bun.DB {
	return db.db
}

// Migrate runs database migrations
func (db *BunDB) Migrate(ctx context.Context) error {
	log.Info().Msg("Running database migrations")

	// Create tables if they don't exist
	models := []interface{}{
		(*User)(nil),
		(*Machine)(nil),
		(*Allocation)(nil),
		(*Telemetry)(nil),
		(*AllocationMetric)(nil),
	}

	for _, model := range models {
		if _, err := db.db.NewCreateTable().
			Model(model).
			IfNotExists().
			Exec(ctx); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	// Create indexes for foreign keys and common queries
	indexes := []string{
		// User indexes
		"CREATE INDEX IF NOT EXISTS idx_users_email ON users(email)",

		// Machine indexes
		"CREATE INDEX IF NOT EXISTS idx_machines_token ON machines(token)",
		"CREATE INDEX IF NOT EXISTS idx_machines_mac_address ON machines(mac_address)",
		"CREATE INDEX IF NOT EXISTS idx_machines_status ON machines(status)",

		// Allocation indexes
		"CREATE INDEX IF NOT EXISTS idx_allocations_user_id ON allocations(user_id)",
		"CREATE INDEX IF NOT EXISTS idx_allocations_machine_id ON allocations(machine_id)",
		"CREATE INDEX IF NOT EXISTS idx_allocations_status ON allocations(status)",
		"CREATE INDEX IF NOT EXISTS idx_allocations_start_time ON allocations(start_time)",
		"CREATE INDEX IF NOT EXISTS idx_allocations_end_time ON allocations(end_time)",

		// Telemetry indexes
		"CREATE INDEX IF NOT EXISTS idx_telemetries_allocation_id ON telemetries(allocation_id)",
		"CREATE INDEX IF NOT EXISTS idx_telemetries_machine_id ON telemetries(machine_id)",

		// AllocationMetric indexes
		"CREATE INDEX IF NOT EXISTS idx_allocation_metrics_allocation_id ON allocation_metrics(allocation_id)",
	}

	for _, idx := range indexes {
		if _, err := db.db.ExecContext(ctx, idx); err != nil {
			log.Warn().Err(err).Str("index", idx).Msg("Failed to create index (may already exist)")
			// Don't fail on index errors - they might already exist
		}
	}

	log.Info().Msg("Database migrations completed successfully")
	return nil
}

// BeginTx starts a new transaction
func (db *BunDB) BeginTx(ctx context.Context) (bun.Tx, error) {
	return db.db.BeginTx(ctx, nil)
}

// Clean removes all data from all tables (useful for development/testing)
// WARNING: This will delete ALL data in the database!
func (db *BunDB) Clean(ctx context.Context) error {
	log.Warn().Msg("Cleaning all data from database")

	// Delete in order to respect foreign key constraints
	tables := []string{
		"allocation_metrics",
		"telemetries",
		"allocations",
		"machines",
		"users",
	}

	for _, table := range tables {
		_, err := db.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", table))
		if err != nil {
			log.Error().Err(err).Str("table", table).Msg("Failed to clean table")
			// Continue with other tables even if one fails
		} else {
			log.Debug().Str("table", table).Msg("Cleaned table")
		}
	}

	log.Info().Msg("Database cleaned successfully")
	return nil
}
