// Package migrations embeds the SQL fixtures that create the source and
// combined schemas for integration tests and local demos.
package migrations

import "embed"

// FS holds the numbered up/down migration files.
//
//go:embed *.sql
var FS embed.FS
