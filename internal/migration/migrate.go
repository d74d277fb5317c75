package migration

import (
	"database/sql"
	"fmt"
	"io/fs"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/elskow/buildshuttle/internal/config"
	"github.com/elskow/buildshuttle/internal/database"
	"github.com/elskow/buildshuttle/migrations"
)

const dialect = "postgres"

// Migrator applies the embedded build record migrations with goose.
type Migrator struct {
	db   *sql.DB
	fsys fs.FS
}

func NewMigrator(cfg *config.DatabaseConfig) (*Migrator, error) {
	db, err := sql.Open(dialect, database.DSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to build record database: %w", err)
	}

	if err := goose.SetDialect(dialect); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set dialect: %w", err)
	}

	return &Migrator{db: db, fsys: migrations.FS}, nil
}

// run executes fn against the embedded migration directory.
func (m *Migrator) run(op string, fn func(db *sql.DB, dir string) error) error {
	goose.SetBaseFS(m.fsys)
	defer goose.SetBaseFS(nil)

	if err := fn(m.db, "."); err != nil {
		return fmt.Errorf("migration %s failed: %w", op, err)
	}
	return nil
}

func (m *Migrator) Up() error {
	return m.run("up", func(db *sql.DB, dir string) error { return goose.Up(db, dir) })
}

func (m *Migrator) Down() error {
	return m.run("down", func(db *sql.DB, dir string) error { return goose.Down(db, dir) })
}

func (m *Migrator) DownTo(version int64) error {
	return m.run(fmt.Sprintf("down to %d", version), func(db *sql.DB, dir string) error {
		return goose.DownTo(db, dir, version)
	})
}

func (m *Migrator) Status() error {
	return m.run("status", func(db *sql.DB, dir string) error { return goose.Status(db, dir) })
}

// Reset rolls every migration back and applies them again.
func (m *Migrator) Reset() error {
	if err := m.run("reset", func(db *sql.DB, dir string) error { return goose.Reset(db, dir) }); err != nil {
		return err
	}
	return m.Up()
}

func (m *Migrator) Close() error {
	return m.db.Close()
}

func (m *Migrator) Version() (int64, error) {
	return goose.GetDBVersion(m.db)
}

func (m *Migrator) GetCurrentVersion() (int64, error) {
	return m.Version()
}

func (m *Migrator) GetLatestVersion() (int64, error) {
	return LatestVersion(m.fsys)
}

// LatestVersion reports the highest migration version found in fsys.
func LatestVersion(fsys fs.FS) (int64, error) {
	goose.SetBaseFS(fsys)
	defer goose.SetBaseFS(nil)

	collected, err := goose.CollectMigrations(".", 0, goose.MaxVersion)
	if err != nil {
		return 0, err
	}
	if len(collected) == 0 {
		return 0, nil
	}
	return collected[len(collected)-1].Version, nil
}
