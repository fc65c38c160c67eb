// Package migrations embeds the SQL schema migrations of the postgres credential store.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
