// Package migrations embeds the SQL schema files into the binary.
//
// Importing it for side effects registers the files with the database
// package:
//
//	import _ "github.com/reimonlp/greenhouse/migrations"
package migrations

import (
	"embed"

	"github.com/reimonlp/greenhouse/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "."
}
