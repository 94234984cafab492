// Package migrations holds the versioned schema files applied by db.Migrator.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
