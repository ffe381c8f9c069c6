// Package migrations holds the Postgres schema, applied at startup when
// DB_MIGRATE is set.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
