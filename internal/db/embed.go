package db

import (
	"embed"
	"io/fs"
	"os"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DevMode switches migration loading from the embedded copy to the
// working tree, so schema changes can be iterated on without
// rebuilding the binary.
var DevMode bool

// getMigrationsFS returns the migration files as a filesystem whose
// root contains the .sql files directly.
func getMigrationsFS() (fs.FS, error) {
	if DevMode {
		return os.DirFS("internal/db/migrations"), nil
	}
	return fs.Sub(migrationsFS, "migrations")
}

// Migrations exposes the migration filesystem to callers outside the
// package. The daemon uses it for its startup schema check.
func Migrations() (fs.FS, error) {
	return getMigrationsFS()
}
