// Package migrations embeds the numbered SQL schema migrations.
package migrations

import "embed"

// FS holds every NNN_name.sql migration file.
//
//go:embed *.sql
var FS embed.FS
