// Package migrations embeds the SQL migration files into the binary.
//
// The controller runs its migrations at startup without needing the SQL
// files on disk:
//
//	db.Migrate(ctx, migrations.FS)
package migrations

import "embed"

// FS holds every *.up.sql and *.down.sql file in this directory.
//
//go:embed *.sql
var FS embed.FS
