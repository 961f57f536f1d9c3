// Package migrations holds the firmware catalog schema. Importing it for
// side effects registers the files with the database package.
package migrations

import (
	"embed"

	"github.com/nerrad567/probe-ota-core/internal/infrastructure/database"
)

//go:embed *.sql
var files embed.FS

func init() {
	database.Migrations = files
}
