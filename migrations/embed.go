// Package migrations embeds the Postgres schema so binaries carry their own
// schema management.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
