// Package migrations embeds the SQL schema applied by `realtime-server migrate up`.
package migrations

import "embed"

// FS holds every numbered migration file.
//
//go:embed *.sql
var FS embed.FS
