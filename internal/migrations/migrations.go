package migrations

import "embed"

// Files holds the schema migrations applied by store.ApplyMigrations, named
// NNN_description.sql and applied in lexical order.
//
//go:embed *.sql
var Files embed.FS
