package server

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// Migrate moves the schema found in dir (e.g. file://migrations) up or down.
// steps > 0 limits how many migrations run; 0 runs them all. Having nothing
// to apply is not an error.
func Migrate(dir, dsn, direction string, steps int) error {
	if dsn == "" {
		return errors.New("migrate: postgres dsn required")
	}
	if dir == "" {
		dir = "file://migrations"
	}
	var run func(*migrate.Migrate) error
	switch {
	case direction == "up" && steps > 0:
		run = func(m *migrate.Migrate) error { return m.Steps(steps) }
	case direction == "up":
		run = (*migrate.Migrate).Up
	case direction == "down" && steps > 0:
		run = func(m *migrate.Migrate) error { return m.Steps(-steps) }
	case direction == "down":
		run = (*migrate.Migrate).Down
	default:
		return fmt.Errorf("migrate: unknown direction %q", direction)
	}

	m, err := migrate.New(dir, dsn)
	if err != nil {
		return fmt.Errorf("migrate: open %s: %w", dir, err)
	}
	defer m.Close()
	if err := run(m); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate %s: %w", direction, err)
	}
	return nil
}
